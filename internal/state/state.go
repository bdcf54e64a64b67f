// Package state defines the slot backend interface used to persist the
// mapping buffers between cycles, and the drivers that implement it.
//
// A slot is a named text value. The engine reads every configured slot
// once at construction and writes them once at commit.
package state

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrUnknownBackend is returned by Open for an unregistered driver type.
var ErrUnknownBackend = errors.New("unknown state backend")

// Backend is the interface for slot persistence.
type Backend interface {
	// Get returns the slot value. A slot that was never written reads as
	// the empty string with a nil error.
	Get(ctx context.Context, slot string) (string, error)

	// Set stores the slot value.
	Set(ctx context.Context, slot, value string) error

	// Close releases the backend's resources.
	Close() error
}

// Config selects and configures a driver.
type Config struct {
	Type      string          `yaml:"type"`
	File      FileConfig      `yaml:"file"`
	Redis     RedisConfig     `yaml:"redis"`
	Etcd      EtcdConfig      `yaml:"etcd"`
	Postgres  PostgresConfig  `yaml:"postgres"`
	S3        S3Config        `yaml:"s3"`
	Badger    BadgerConfig    `yaml:"badger"`
	SQLite    SQLiteConfig    `yaml:"sqlite"`
	ConfigMap ConfigMapConfig `yaml:"configmap"`
}

// Opener builds a backend from its configuration.
type Opener func(ctx context.Context, cfg Config) (Backend, error)

var (
	mu      sync.RWMutex
	openers = map[string]Opener{}
)

// Register makes a driver available to Open under name.
func Register(name string, open Opener) {
	mu.Lock()
	defer mu.Unlock()
	openers[name] = open
}

// Drivers lists the registered driver names.
func Drivers() []string {
	mu.RLock()
	defer mu.RUnlock()
	names := make([]string, 0, len(openers))
	for n := range openers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Open builds the backend named by cfg.Type. An empty type selects the
// file driver.
func Open(ctx context.Context, cfg Config) (Backend, error) {
	name := cfg.Type
	if name == "" {
		name = "file"
	}
	mu.RLock()
	open, ok := openers[name]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, name)
	}
	b, err := open(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open %s backend: %w", name, err)
	}
	return b, nil
}

func init() {
	Register("file", func(_ context.Context, cfg Config) (Backend, error) {
		path := cfg.File.Path
		if path == "" {
			path = DefaultFilePath
		}
		return NewLocalBackend(path), nil
	})
	Register("memory", func(context.Context, Config) (Backend, error) {
		return NewMemoryBackend(), nil
	})
	Register("redis", openRedis)
	Register("etcd", openEtcd)
	Register("postgres", openPostgres)
	Register("s3", openS3)
	Register("badger", openBadger)
	Register("sqlite", openSQLite)
	Register("configmap", openConfigMap)
}
