package mapping

import (
	"fmt"

	"github.com/szaher/dcfsync/internal/dcf"
)

// Category is a kind of managed resource. Each category keeps its own
// generation pair.
type Category int

const (
	Connections Category = iota
	InterfaceProperties
	ConnectionProperties
)

// Categories lists every category in sweep order. Connections go first
// because deleting a connection also removes its properties on the host.
var Categories = []Category{Connections, InterfaceProperties, ConnectionProperties}

func (c Category) String() string {
	switch c {
	case Connections:
		return "connections"
	case InterfaceProperties:
		return "interface_properties"
	case ConnectionProperties:
		return "connection_properties"
	default:
		return fmt.Sprintf("category(%d)", int(c))
	}
}

// ParseCategory is the inverse of String.
func ParseCategory(s string) (Category, error) {
	for _, c := range Categories {
		if c.String() == s {
			return c, nil
		}
	}
	return 0, fmt.Errorf("unknown category %q", s)
}

// Generation is the pair of snapshots for one category. Current holds the
// IDs confirmed by the previous cycle, Pending the IDs observed in the
// cycle in progress.
type Generation struct {
	Current Mapping
	Pending Mapping
}

// NewGeneration returns a generation with empty snapshots.
func NewGeneration() *Generation {
	return &Generation{Current: New(), Pending: New()}
}

// Register records an ID observed this cycle.
func (g *Generation) Register(owner dcf.ElementKey, value int, fixed bool) {
	g.Pending.Add(owner, Of(value, fixed))
}

// Manages reports whether either snapshot holds value with either marker.
func (g *Generation) Manages(owner dcf.ElementKey, value int) bool {
	return g.Current.Manages(owner, value) || g.Pending.Manages(owner, value)
}

// Forget drops value from both snapshots.
func (g *Generation) Forget(owner dcf.ElementKey, value int) {
	g.Current.Forget(owner, value)
	g.Pending.Forget(owner, value)
}

// CarryFixed copies fixed IDs from Current into Pending so they survive
// whatever the commit policy does next.
func (g *Generation) CarryFixed() {
	g.Pending.CopyFixed(g.Current)
}

// Promote unions Pending into Current.
func (g *Generation) Promote() {
	g.Current.Merge(g.Pending)
}

// DropOwner removes the owner from both snapshots.
func (g *Generation) DropOwner(owner dcf.ElementKey) {
	delete(g.Current, owner)
	delete(g.Pending, owner)
}

// Owners returns the union of owners from both snapshots in key order.
func (g *Generation) Owners() []dcf.ElementKey {
	union := g.Current.Clone()
	union.Merge(g.Pending)
	return union.Owners()
}
