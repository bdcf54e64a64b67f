// Package cache keeps lazily loaded copies of host directories: interface
// lists, connection lists and property lists. Entries are loaded on first
// use and only reloaded when the caller asks for it.
package cache

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"golang.org/x/sync/singleflight"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/szaher/dcfsync/internal/dcf"
	"github.com/szaher/dcfsync/internal/host"
)

// Index names registered on cached collections.
const (
	ByID          = "id"
	ByName        = "name"
	ByCustomName  = "custom_name"
	ByDynamicLink = "dynamic_link"
	ByTableKey    = "table_key"
	ByDestination = "destination"
	ByInterface   = "interface"
)

// PropertyKey identifies the property list of one connection or interface.
type PropertyKey struct {
	Owner  dcf.ElementKey
	Parent int
}

// String renders "<parent>-<owner>".
func (k PropertyKey) String() string {
	return strconv.Itoa(k.Parent) + "-" + k.Owner.String()
}

// Cache holds host directories for one engine. Methods are safe for
// concurrent use; the returned collections are not.
type Cache struct {
	graph  host.Graph
	flight singleflight.Group

	mu           sync.Mutex
	interfaces   map[dcf.ElementKey]*Collection[dcf.Interface]
	ownerProps   map[dcf.ElementKey]*Collection[dcf.InterfaceProperty]
	connections  map[dcf.ElementKey]*Collection[dcf.Connection]
	connProps    map[PropertyKey]*Properties[dcf.ConnectionProperty]
	ifaceProps   map[PropertyKey]*Properties[dcf.InterfaceProperty]
	searchValues map[string]dcf.Interface
	tables       sets.Set[string]
}

// New returns an empty cache reading from graph.
func New(graph host.Graph) *Cache {
	c := &Cache{graph: graph}
	c.reset()
	return c
}

func (c *Cache) reset() {
	c.interfaces = make(map[dcf.ElementKey]*Collection[dcf.Interface])
	c.ownerProps = make(map[dcf.ElementKey]*Collection[dcf.InterfaceProperty])
	c.connections = make(map[dcf.ElementKey]*Collection[dcf.Connection])
	c.connProps = make(map[PropertyKey]*Properties[dcf.ConnectionProperty])
	c.ifaceProps = make(map[PropertyKey]*Properties[dcf.InterfaceProperty])
	c.searchValues = make(map[string]dcf.Interface)
	c.tables = sets.New[string]()
}

// Interfaces returns the interfaces of owner, loading them when absent or
// when reload is set. The collection is indexed by ID, name, custom name,
// dynamic link and table key.
func (c *Cache) Interfaces(ctx context.Context, owner dcf.ElementKey, reload bool) (*Collection[dcf.Interface], error) {
	c.mu.Lock()
	col, ok := c.interfaces[owner]
	c.mu.Unlock()
	if ok && !reload {
		return col, nil
	}

	v, err, _ := c.flight.Do("interfaces/"+owner.String(), func() (any, error) {
		items, err := c.graph.Interfaces(ctx, owner)
		if err != nil {
			return nil, fmt.Errorf("load interfaces of %s: %w", owner, err)
		}
		col := NewCollection(items)
		col.AddIndex(ByID, func(i dcf.Interface) string { return strconv.Itoa(i.ID) })
		col.AddIndex(ByName, func(i dcf.Interface) string { return i.Name })
		col.AddIndex(ByCustomName, func(i dcf.Interface) string { return i.CustomName })
		col.AddIndex(ByDynamicLink, func(i dcf.Interface) string { return strconv.Itoa(i.DynamicLink) })
		col.AddIndex(ByTableKey, func(i dcf.Interface) string { return TableKey(i.DynamicLink, i.DynamicPK) })

		c.mu.Lock()
		c.interfaces[owner] = col
		// Property indexes are derived from the interface list.
		delete(c.ownerProps, owner)
		c.mu.Unlock()
		return col, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Collection[dcf.Interface]), nil
}

// TableKey renders the table-key index value of an interface.
func TableKey(group int, pk string) string {
	return strconv.Itoa(group) + "/" + pk
}

// OwnerInterfaceProperties returns the properties of every interface of
// owner, indexed by interface ID. It is loaded once per interface list.
func (c *Cache) OwnerInterfaceProperties(ctx context.Context, owner dcf.ElementKey) (*Collection[dcf.InterfaceProperty], error) {
	c.mu.Lock()
	col, ok := c.ownerProps[owner]
	c.mu.Unlock()
	if ok {
		return col, nil
	}

	ifaces, err := c.Interfaces(ctx, owner, false)
	if err != nil {
		return nil, err
	}
	v, err, _ := c.flight.Do("owner-properties/"+owner.String(), func() (any, error) {
		var all []dcf.InterfaceProperty
		for _, iface := range ifaces.All() {
			props, err := c.graph.InterfaceProperties(ctx, owner, iface.ID)
			if err != nil {
				return nil, fmt.Errorf("load properties of interface %s: %w", iface.Ref(), err)
			}
			all = append(all, props...)
		}
		col := NewCollection(all)
		col.AddIndex(ByInterface, func(p dcf.InterfaceProperty) string { return strconv.Itoa(p.Interface) })

		c.mu.Lock()
		c.ownerProps[owner] = col
		c.mu.Unlock()
		return col, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Collection[dcf.InterfaceProperty]), nil
}

// Connections returns the connections whose source is owner, loading them
// when absent or when reload is set. The collection is indexed by ID, name
// and destination reference.
func (c *Cache) Connections(ctx context.Context, owner dcf.ElementKey, reload bool) (*Collection[dcf.Connection], error) {
	c.mu.Lock()
	col, ok := c.connections[owner]
	c.mu.Unlock()
	if ok && !reload {
		return col, nil
	}

	v, err, _ := c.flight.Do("connections/"+owner.String(), func() (any, error) {
		items, err := c.graph.Connections(ctx, owner)
		if err != nil {
			return nil, fmt.Errorf("load connections of %s: %w", owner, err)
		}
		col := NewCollection(items)
		indexConnections(col)

		c.mu.Lock()
		c.connections[owner] = col
		c.mu.Unlock()
		return col, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Collection[dcf.Connection]), nil
}

func indexConnections(col *Collection[dcf.Connection]) {
	col.AddIndex(ByID, func(c dcf.Connection) string { return strconv.Itoa(c.ID) })
	col.AddIndex(ByName, func(c dcf.Connection) string { return c.Name })
	col.AddIndex(ByDestination, func(c dcf.Connection) string { return c.DestinationRef() })
}

// ConnectionProperties returns the properties of connection conn on owner.
func (c *Cache) ConnectionProperties(ctx context.Context, owner dcf.ElementKey, conn int) (*Properties[dcf.ConnectionProperty], error) {
	key := PropertyKey{Owner: owner, Parent: conn}
	c.mu.Lock()
	props, ok := c.connProps[key]
	c.mu.Unlock()
	if ok {
		return props, nil
	}

	v, err, _ := c.flight.Do("connection-properties/"+key.String(), func() (any, error) {
		items, err := c.graph.ConnectionProperties(ctx, owner, conn)
		if err != nil {
			return nil, fmt.Errorf("load properties of connection %s: %w", key, err)
		}
		props := NewProperties(items)
		c.mu.Lock()
		c.connProps[key] = props
		c.mu.Unlock()
		return props, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Properties[dcf.ConnectionProperty]), nil
}

// InterfaceProperties returns the properties of interface iface on owner.
func (c *Cache) InterfaceProperties(ctx context.Context, owner dcf.ElementKey, iface int) (*Properties[dcf.InterfaceProperty], error) {
	key := PropertyKey{Owner: owner, Parent: iface}
	c.mu.Lock()
	props, ok := c.ifaceProps[key]
	c.mu.Unlock()
	if ok {
		return props, nil
	}

	v, err, _ := c.flight.Do("interface-properties/"+key.String(), func() (any, error) {
		items, err := c.graph.InterfaceProperties(ctx, owner, iface)
		if err != nil {
			return nil, fmt.Errorf("load properties of interface %s: %w", key, err)
		}
		props := NewProperties(items)
		c.mu.Lock()
		c.ifaceProps[key] = props
		c.mu.Unlock()
		return props, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Properties[dcf.InterfaceProperty]), nil
}

// AddConnection records a connection created by the caller.
func (c *Cache) AddConnection(conn dcf.Connection) {
	c.mu.Lock()
	defer c.mu.Unlock()
	col, ok := c.connections[conn.Source]
	if !ok {
		return
	}
	if !col.Replace(func(x dcf.Connection) bool { return x.ID == conn.ID }, conn) {
		col.Add(conn)
	}
}

// PutInterfaceProperty records a property saved by the caller in the
// per-owner index, when that index is loaded.
func (c *Cache) PutInterfaceProperty(p dcf.InterfaceProperty) {
	c.mu.Lock()
	defer c.mu.Unlock()
	col, ok := c.ownerProps[p.Element]
	if !ok {
		return
	}
	if !col.Replace(func(x dcf.InterfaceProperty) bool { return x.ID == p.ID }, p) {
		col.Add(p)
	}
}

// ForgetConnection drops a deleted connection and its properties.
func (c *Cache) ForgetConnection(owner dcf.ElementKey, id int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if col, ok := c.connections[owner]; ok {
		col.RemoveFunc(func(x dcf.Connection) bool { return x.ID == id })
	}
	delete(c.connProps, PropertyKey{Owner: owner, Parent: id})
}

// ForgetConnectionProperty drops a deleted property from every cached
// connection of owner.
func (c *Cache) ForgetConnectionProperty(owner dcf.ElementKey, id int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, props := range c.connProps {
		if key.Owner == owner {
			props.Remove(id)
		}
	}
}

// ForgetInterfaceProperty drops a deleted property from every cached
// interface of owner.
func (c *Cache) ForgetInterfaceProperty(owner dcf.ElementKey, id int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, props := range c.ifaceProps {
		if key.Owner == owner {
			props.Remove(id)
		}
	}
	if col, ok := c.ownerProps[owner]; ok {
		col.RemoveFunc(func(p dcf.InterfaceProperty) bool { return p.ID == id })
	}
}

// SearchValue returns the interface a table search value resolved to.
func (c *Cache) SearchValue(value string) (dcf.Interface, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	iface, ok := c.searchValues[value]
	return iface, ok
}

// MarkTable records that a table/group set was resolved, together with the
// search values it produced. It reports false if the set was already
// marked.
func (c *Cache) MarkTable(key string, values map[string]dcf.Interface) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tables.Has(key) {
		return false
	}
	c.tables.Insert(key)
	for v, iface := range values {
		if _, ok := c.searchValues[v]; !ok {
			c.searchValues[v] = iface
		}
	}
	return true
}

// TableLoaded reports whether MarkTable was called for key.
func (c *Cache) TableLoaded(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tables.Has(key)
}

// Invalidate drops everything cached for owner.
func (c *Cache) Invalidate(owner dcf.ElementKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.interfaces, owner)
	delete(c.ownerProps, owner)
	delete(c.connections, owner)
	for key := range c.connProps {
		if key.Owner == owner {
			delete(c.connProps, key)
		}
	}
	for key := range c.ifaceProps {
		if key.Owner == owner {
			delete(c.ifaceProps, key)
		}
	}
}

// Refresh drops every cached entry.
func (c *Cache) Refresh() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reset()
}
