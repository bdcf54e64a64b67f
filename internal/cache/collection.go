package cache

import "github.com/szaher/dcfsync/internal/dcf"

// Collection is a list with lazily built lookup indexes. Indexes are
// registered by name and kept current on Add, Replace and RemoveFunc.
// A Collection is not safe for concurrent use.
type Collection[T any] struct {
	items   []T
	indexes map[string]*index[T]
}

type index[T any] struct {
	key   func(T) string
	byKey map[string][]int
}

// NewCollection wraps items. The slice is copied.
func NewCollection[T any](items []T) *Collection[T] {
	c := &Collection[T]{indexes: make(map[string]*index[T])}
	c.items = append(c.items, items...)
	return c
}

// AddIndex registers an index. Registering an existing name is a no-op.
func (c *Collection[T]) AddIndex(name string, key func(T) string) {
	if _, ok := c.indexes[name]; ok {
		return
	}
	idx := &index[T]{key: key}
	idx.rebuild(c.items)
	c.indexes[name] = idx
}

// Find returns the items whose index key equals value, in insertion order.
// An unknown index finds nothing.
func (c *Collection[T]) Find(name, value string) []T {
	idx, ok := c.indexes[name]
	if !ok {
		return nil
	}
	positions := idx.byKey[value]
	out := make([]T, 0, len(positions))
	for _, i := range positions {
		out = append(out, c.items[i])
	}
	return out
}

// First returns the first item found by Find.
func (c *Collection[T]) First(name, value string) (T, bool) {
	found := c.Find(name, value)
	if len(found) == 0 {
		var zero T
		return zero, false
	}
	return found[0], true
}

// Add appends item.
func (c *Collection[T]) Add(item T) {
	c.items = append(c.items, item)
	pos := len(c.items) - 1
	for _, idx := range c.indexes {
		k := idx.key(item)
		idx.byKey[k] = append(idx.byKey[k], pos)
	}
}

// Replace overwrites the first item matching match. It reports whether an
// item was replaced.
func (c *Collection[T]) Replace(match func(T) bool, item T) bool {
	for i, it := range c.items {
		if match(it) {
			c.items[i] = item
			c.reindex()
			return true
		}
	}
	return false
}

// RemoveFunc drops every item matching match and returns how many were
// removed.
func (c *Collection[T]) RemoveFunc(match func(T) bool) int {
	kept := c.items[:0]
	removed := 0
	for _, it := range c.items {
		if match(it) {
			removed++
			continue
		}
		kept = append(kept, it)
	}
	c.items = kept
	if removed > 0 {
		c.reindex()
	}
	return removed
}

// All returns a copy of the items.
func (c *Collection[T]) All() []T {
	return append([]T(nil), c.items...)
}

// Len returns the number of items.
func (c *Collection[T]) Len() int { return len(c.items) }

func (c *Collection[T]) reindex() {
	for _, idx := range c.indexes {
		idx.rebuild(c.items)
	}
}

func (idx *index[T]) rebuild(items []T) {
	idx.byKey = make(map[string][]int, len(items))
	for i, it := range items {
		k := idx.key(it)
		idx.byKey[k] = append(idx.byKey[k], i)
	}
}

// Properties holds the properties of one connection or interface. Lookup
// is by name; when the host reports duplicate names the first one wins.
type Properties[P dcf.Property] struct {
	items []P
}

// NewProperties wraps items. The slice is copied.
func NewProperties[P dcf.Property](items []P) *Properties[P] {
	return &Properties[P]{items: append([]P(nil), items...)}
}

// ByName returns the first property named name.
func (p *Properties[P]) ByName(name string) (P, bool) {
	for _, it := range p.items {
		if it.PropertyName() == name {
			return it, true
		}
	}
	var zero P
	return zero, false
}

// Put replaces the property with the same ID, or appends v.
func (p *Properties[P]) Put(v P) {
	for i, it := range p.items {
		if it.PropertyID() == v.PropertyID() {
			p.items[i] = v
			return
		}
	}
	p.items = append(p.items, v)
}

// Remove drops the property with id and reports whether it was present.
func (p *Properties[P]) Remove(id int) bool {
	for i, it := range p.items {
		if it.PropertyID() == id {
			p.items = append(p.items[:i], p.items[i+1:]...)
			return true
		}
	}
	return false
}

// IDs returns the property IDs in list order.
func (p *Properties[P]) IDs() []int {
	ids := make([]int, 0, len(p.items))
	for _, it := range p.items {
		ids = append(ids, it.PropertyID())
	}
	return ids
}

// All returns a copy of the properties.
func (p *Properties[P]) All() []P {
	return append([]P(nil), p.items...)
}
