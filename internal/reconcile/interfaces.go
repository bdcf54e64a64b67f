package reconcile

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/szaher/dcfsync/internal/cache"
	"github.com/szaher/dcfsync/internal/dcf"
	"github.com/szaher/dcfsync/internal/filter"
)

// LinkKind selects how a Link finds interfaces.
type LinkKind int

const (
	LinkAll LinkKind = iota
	LinkGroup
	LinkTableKey
	LinkTable
	LinkName
	LinkCustomName
)

// Link describes a set of interfaces on one element.
type Link struct {
	Kind LinkKind
	// Owner is the element to search. The zero key means the local
	// element.
	Owner dcf.ElementKey
	Group int
	Key   string
	Name  string
	// Filter keeps only interfaces carrying a matching property.
	Filter *filter.PropertyFilter
}

// All links every interface of owner.
func All(owner dcf.ElementKey) Link { return Link{Kind: LinkAll, Owner: owner} }

// ByGroup links the interface whose ID is the parameter group.
func ByGroup(group int) Link { return Link{Kind: LinkGroup, Group: group} }

// ByTableKey links the interface generated for one table row.
func ByTableKey(group int, key string) Link {
	return Link{Kind: LinkTableKey, Group: group, Key: key}
}

// ByTable links every interface generated from a table.
func ByTable(group int) Link { return Link{Kind: LinkTable, Group: group, Key: "*"} }

// ByName links interfaces by name.
func ByName(name string) Link { return Link{Kind: LinkName, Name: name} }

// ByCustomName links interfaces by custom name.
func ByCustomName(name string) Link { return Link{Kind: LinkCustomName, Name: name} }

// On returns l searching owner instead of the local element.
func (l Link) On(owner dcf.ElementKey) Link {
	l.Owner = owner
	return l
}

// Where returns l restricted to interfaces with a property matching f.
func (l Link) Where(f filter.PropertyFilter) Link {
	l.Filter = &f
	return l
}

func (l Link) String() string {
	var s string
	switch l.Kind {
	case LinkAll:
		s = "all"
	case LinkGroup:
		s = fmt.Sprintf("group=%d", l.Group)
	case LinkTableKey:
		s = fmt.Sprintf("table=%d,key=%s", l.Group, l.Key)
	case LinkTable:
		s = fmt.Sprintf("table=%d", l.Group)
	case LinkName:
		s = "name=" + l.Name
	case LinkCustomName:
		s = "custom_name=" + l.Name
	}
	if l.Filter != nil {
		s += ",where(" + l.Filter.String() + ")"
	}
	return l.Owner.String() + ":" + s
}

// LinkResult holds the interfaces found for one link.
type LinkResult struct {
	Link       Link
	Interfaces []dcf.Interface
}

// First returns the first interface found.
func (r LinkResult) First() (dcf.Interface, bool) {
	if len(r.Interfaces) == 0 {
		return dcf.Interface{}, false
	}
	return r.Interfaces[0], true
}

// GetInterfaces resolves links. The result is aligned with links; a link
// on an unloaded element, or one that fails, finds nothing. With refresh
// set each element is reloaded at most once per call.
func (e *Engine) GetInterfaces(ctx context.Context, refresh bool, links ...Link) []LinkResult {
	ctx, span := e.tracer.Start(ctx, "reconcile.GetInterfaces")
	defer span.End()

	out := make([]LinkResult, len(links))
	refreshed := sets.New[dcf.ElementKey]()
	for i, l := range links {
		if l.Owner.IsZero() {
			l.Owner = e.Local()
		}
		out[i].Link = l
		log := e.logger.With("link", l.String())
		if e.IsUnloaded(l.Owner) {
			log.Error("ignoring interface request: unloaded element")
			continue
		}

		reload := refresh && !refreshed.Has(l.Owner)
		col, err := e.cache.Interfaces(ctx, l.Owner, reload)
		if err != nil {
			log.Error("get interfaces", "error", err)
			continue
		}
		if reload {
			refreshed.Insert(l.Owner)
		}

		var found []dcf.Interface
		switch l.Kind {
		case LinkAll:
			found = col.All()
		case LinkGroup:
			found = col.Find(cache.ByID, strconv.Itoa(l.Group))
		case LinkTableKey:
			found = col.Find(cache.ByTableKey, cache.TableKey(l.Group, l.Key))
		case LinkTable:
			found = col.Find(cache.ByDynamicLink, strconv.Itoa(l.Group))
		case LinkName:
			found = col.Find(cache.ByName, l.Name)
		case LinkCustomName:
			found = col.Find(cache.ByCustomName, l.Name)
		}

		if l.Filter != nil {
			found, err = e.filterByProperty(ctx, l.Owner, *l.Filter, found)
			if err != nil {
				log.Error("get interfaces by property", "error", err)
				continue
			}
		}
		out[i].Interfaces = found
	}
	return out
}

func (e *Engine) filterByProperty(ctx context.Context, owner dcf.ElementKey, f filter.PropertyFilter, ifaces []dcf.Interface) ([]dcf.Interface, error) {
	m, err := f.Compile()
	if err != nil {
		return nil, err
	}
	props, err := e.cache.OwnerInterfaceProperties(ctx, owner)
	if err != nil {
		return nil, err
	}
	var out []dcf.Interface
	for _, iface := range ifaces {
		ok, err := m.Any(props.Find(cache.ByInterface, strconv.Itoa(iface.ID)))
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, iface)
		}
	}
	return out, nil
}

// TableRef locates a local table whose rows map onto interfaces named
// "<group> <description>".
type TableRef struct {
	Table             int
	DescriptionColumn int
	SearchColumn      int
	Groups            []string
}

func (t TableRef) cacheKey() string {
	groups := slices.Clone(t.Groups)
	slices.Sort(groups)
	slices.Reverse(groups)
	return strconv.Itoa(t.Table) + ";" + strings.Join(groups, ";")
}

// InternalInterfaces maps search values of a local table onto local
// interfaces. Rows are resolved once per table and group set; for each
// row the first group with a matching interface wins. Unknown values are
// absent from the result.
func (e *Engine) InternalInterfaces(ctx context.Context, ref TableRef, values ...string) map[string]dcf.Interface {
	key := ref.cacheKey()
	if !e.cache.TableLoaded(key) {
		resolved, err := e.resolveTable(ctx, ref)
		if err != nil {
			e.logger.Error("resolve table interfaces", "table", ref.Table, "error", err)
			return map[string]dcf.Interface{}
		}
		e.cache.MarkTable(key, resolved)
	}

	out := make(map[string]dcf.Interface, len(values))
	for _, v := range values {
		if iface, ok := e.cache.SearchValue(v); ok {
			out[v] = iface
		}
	}
	return out
}

// InternalInterface resolves a single search value.
func (e *Engine) InternalInterface(ctx context.Context, ref TableRef, value string) (dcf.Interface, bool) {
	iface, ok := e.InternalInterfaces(ctx, ref, value)[value]
	return iface, ok
}

func (e *Engine) resolveTable(ctx context.Context, ref TableRef) (map[string]dcf.Interface, error) {
	col, err := e.cache.Interfaces(ctx, e.Local(), false)
	if err != nil {
		return nil, err
	}
	descriptions, err := e.host.Column(ctx, ref.Table, ref.DescriptionColumn)
	if err != nil {
		return nil, fmt.Errorf("read description column: %w", err)
	}
	searchValues, err := e.host.Column(ctx, ref.Table, ref.SearchColumn)
	if err != nil {
		return nil, fmt.Errorf("read search column: %w", err)
	}

	out := make(map[string]dcf.Interface)
	for i, sv := range searchValues {
		if i >= len(descriptions) {
			break
		}
		for _, group := range ref.Groups {
			if iface, ok := col.First(cache.ByName, group+" "+descriptions[i]); ok {
				out[sv] = iface
				break
			}
		}
	}
	return out, nil
}
