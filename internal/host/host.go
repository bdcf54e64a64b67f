// Package host defines the interface to the platform that owns the
// connectivity graph, and a registry of host drivers.
package host

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/szaher/dcfsync/internal/dcf"
)

// ErrNotFound is returned when an element, connection or property does not
// exist on the host.
var ErrNotFound = errors.New("not found")

// Element states reported by Lifecycle.ElementState. An empty state means
// the element no longer exists.
const (
	StateActive  = "active"
	StateStopped = "stopped"
	StatePaused  = "paused"
	StateDeleted = ""
)

// Graph reads and mutates interfaces, connections and their properties.
// Connections and their properties live on the connection's source element.
type Graph interface {
	Interfaces(ctx context.Context, owner dcf.ElementKey) ([]dcf.Interface, error)
	InterfaceProperties(ctx context.Context, owner dcf.ElementKey, iface int) ([]dcf.InterfaceProperty, error)

	// AddInterfaceProperty returns the new property ID. With async set the
	// host returns the ID before the property is fully built.
	AddInterfaceProperty(ctx context.Context, p dcf.InterfaceProperty, async bool) (int, error)
	UpdateInterfaceProperty(ctx context.Context, p dcf.InterfaceProperty) error
	DeleteInterfaceProperty(ctx context.Context, owner dcf.ElementKey, id int) error

	Connections(ctx context.Context, owner dcf.ElementKey) ([]dcf.Connection, error)

	// AddConnection creates c on its source element. For an external
	// connection with withReturn set, the host also creates the return
	// connection on the destination element and returns it.
	AddConnection(ctx context.Context, c dcf.Connection, withReturn bool) (created dcf.Connection, ret *dcf.Connection, err error)

	// UpdateConnection rewrites the connection with c.ID in place.
	UpdateConnection(ctx context.Context, c dcf.Connection, withReturn bool) (ret *dcf.Connection, err error)

	// DeleteConnection removes a connection and its properties. With both
	// set the return connection is removed too.
	DeleteConnection(ctx context.Context, owner dcf.ElementKey, id int, both bool) error

	ConnectionProperties(ctx context.Context, owner dcf.ElementKey, conn int) ([]dcf.ConnectionProperty, error)
	AddConnectionProperty(ctx context.Context, owner dcf.ElementKey, conn int, p dcf.ConnectionProperty, async bool) (int, error)
	UpdateConnectionProperty(ctx context.Context, owner dcf.ElementKey, conn int, p dcf.ConnectionProperty) error
	DeleteConnectionProperty(ctx context.Context, owner dcf.ElementKey, id int) error
}

// Lifecycle reports the readiness signals of an element.
type Lifecycle interface {
	ElementState(ctx context.Context, owner dcf.ElementKey) (string, error)
	StartupComplete(ctx context.Context, owner dcf.ElementKey) (bool, error)
	// UnsafeData reports whether the element was built from degraded data.
	UnsafeData(ctx context.Context, owner dcf.ElementKey) (bool, error)
}

// Tables reads table columns of the local element.
type Tables interface {
	Column(ctx context.Context, table, column int) ([]string, error)
}

// Host is everything the engine needs from the platform.
type Host interface {
	Graph
	Lifecycle
	Tables

	// Local returns the element the engine runs for.
	Local() dcf.ElementKey
}

// Config selects and configures a host driver.
type Config struct {
	Driver   string         `yaml:"driver"`
	Snapshot string         `yaml:"snapshot"`
	Local    dcf.ElementKey `yaml:"-"`
}

// Factory builds a host from its configuration.
type Factory func(ctx context.Context, cfg Config) (Host, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register adds a host driver to the global registry.
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = factory
}

// Open builds the host driver named by cfg.Driver.
func Open(ctx context.Context, cfg Config) (Host, error) {
	registryMu.RLock()
	factory, ok := registry[cfg.Driver]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("host driver %q not registered", cfg.Driver)
	}
	return factory(ctx, cfg)
}

// List returns the names of all registered host drivers.
func List() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
