package reconcile

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/szaher/dcfsync/internal/dcf"
	"github.com/szaher/dcfsync/internal/filter"
	"github.com/szaher/dcfsync/internal/host"
	"github.com/szaher/dcfsync/internal/host/memhost"
	"github.com/szaher/dcfsync/internal/state"
)

func interfaceHost() *memhost.Store {
	h := memhost.New(local)
	for _, iface := range []dcf.Interface{
		{ID: 1, Element: local, Name: "in", CustomName: "uplink"},
		{ID: 1000, Element: local, Name: "Ports"},
		{ID: 1001, Element: local, Name: "Ports a", DynamicLink: 1000, DynamicPK: "a"},
		{ID: 1002, Element: local, Name: "Ports b", DynamicLink: 1000, DynamicPK: "b"},
	} {
		h.AddInterface(iface)
	}
	h.SeedInterfaceProperty(dcf.InterfaceProperty{Element: local, Interface: 1002, Name: "role", Value: "trunk"})
	return h
}

func ids(ifaces []dcf.Interface) []int {
	out := make([]int, 0, len(ifaces))
	for _, i := range ifaces {
		out = append(out, i.ID)
	}
	return out
}

func TestGetInterfaces(t *testing.T) {
	h := interfaceHost()
	e := newEngine(t, h, state.NewMemoryBackend(), Custom)

	res := e.GetInterfaces(context.Background(), false,
		All(dcf.ElementKey{}),
		ByGroup(1000),
		ByTable(1000),
		ByTableKey(1000, "b"),
		ByName("in"),
		ByCustomName("uplink"),
		ByTable(1000).Where(filter.ByNameValue("role", "trunk")),
		ByName("nothing"),
	)
	require.Len(t, res, 8)
	assert.Equal(t, []int{1, 1000, 1001, 1002}, ids(res[0].Interfaces))
	assert.Equal(t, local, res[0].Link.Owner, "zero owner means local")
	assert.Equal(t, []int{1000}, ids(res[1].Interfaces))
	assert.Equal(t, []int{1001, 1002}, ids(res[2].Interfaces))
	assert.Equal(t, []int{1002}, ids(res[3].Interfaces))
	assert.Equal(t, []int{1}, ids(res[4].Interfaces))
	assert.Equal(t, []int{1}, ids(res[5].Interfaces))
	assert.Equal(t, []int{1002}, ids(res[6].Interfaces))
	assert.Empty(t, res[7].Interfaces)

	first, ok := res[4].First()
	require.True(t, ok)
	assert.Equal(t, "in", first.Name)
	_, ok = res[7].First()
	assert.False(t, ok)

	assert.Len(t, h.CallsOf(memhost.OpInterfaces), 1, "interfaces are loaded once")
}

func TestGetInterfacesRefreshOncePerOwner(t *testing.T) {
	h := interfaceHost()
	e := newEngine(t, h, state.NewMemoryBackend(), Custom)
	ctx := context.Background()

	e.GetInterfaces(ctx, false, All(local))
	h.AddInterface(dcf.Interface{ID: 2, Element: local, Name: "late"})

	stale := e.GetInterfaces(ctx, false, ByName("late"))
	assert.Empty(t, stale[0].Interfaces)

	h.ResetCalls()
	fresh := e.GetInterfaces(ctx, true, ByName("late"), ByName("in"))
	assert.Equal(t, []int{2}, ids(fresh[0].Interfaces))
	assert.Equal(t, []int{1}, ids(fresh[1].Interfaces))
	assert.Len(t, h.CallsOf(memhost.OpInterfaces), 1)
}

func TestGetInterfacesUnloaded(t *testing.T) {
	h := interfaceHost()
	h.AddInterface(dcf.Interface{ID: 3, Element: remote, Name: "far"})
	e := newEngineWithUnloadedRemote(t, h, state.NewMemoryBackend(), Custom)

	res := e.GetInterfaces(context.Background(), false, All(remote), ByName("in"))
	assert.Empty(t, res[0].Interfaces)
	assert.Len(t, res[1].Interfaces, 1)
}

func TestGetInterfacesBadFilter(t *testing.T) {
	e := newEngine(t, interfaceHost(), state.NewMemoryBackend(), Custom)
	res := e.GetInterfaces(context.Background(), false, All(local).Where(filter.PropertyFilter{Expr: "Name =="}))
	assert.Empty(t, res[0].Interfaces)
}

func TestLinkString(t *testing.T) {
	assert.Equal(t, "1/10:group=5", ByGroup(5).On(local).String())
	assert.Equal(t, "1/20:name=x", ByName("x").On(remote).String())
}

func TestInternalInterfacesResolvedOnce(t *testing.T) {
	h := memhost.New(local)
	h.AddInterface(dcf.Interface{ID: 5, Element: local, Name: "In 1"})
	h.AddInterface(dcf.Interface{ID: 6, Element: local, Name: "Out 1"})
	h.SetColumn(7, 1, "k1", "k2")
	h.SetColumn(7, 2, "1", "2")
	e := newEngine(t, h, state.NewMemoryBackend(), Custom)
	ctx := context.Background()

	ref := TableRef{Table: 7, DescriptionColumn: 2, SearchColumn: 1, Groups: []string{"Out", "In"}}
	got := e.InternalInterfaces(ctx, ref, "k1", "k2")
	require.Len(t, got, 1)
	assert.Equal(t, 6, got["k1"].ID)

	iface, ok := e.InternalInterface(ctx, ref, "k1")
	require.True(t, ok)
	assert.Equal(t, 6, iface.ID)

	// Group order does not change the table key, so the table is not
	// resolved again.
	reordered := TableRef{Table: 7, DescriptionColumn: 2, SearchColumn: 1, Groups: []string{"In", "Out"}}
	assert.Equal(t, ref.cacheKey(), reordered.cacheKey())
	h.AddInterface(dcf.Interface{ID: 8, Element: local, Name: "In 2"})
	_, ok = e.InternalInterface(ctx, reordered, "k2")
	assert.False(t, ok)
}

func TestElementState(t *testing.T) {
	h := interfaceHost()
	h.SetState(remote, host.StateStopped)
	e := newEngine(t, h, state.NewMemoryBackend(), Custom)

	assert.Equal(t, host.StateActive, e.ElementState(context.Background(), local))
	assert.Equal(t, host.StateStopped, e.ElementState(context.Background(), remote))

	h.InjectFault(memhost.FailOn(memhost.OpElementState, remote))
	assert.Equal(t, "", e.ElementState(context.Background(), remote), "host errors read as no state")
}
