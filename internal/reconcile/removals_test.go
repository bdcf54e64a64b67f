package reconcile

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/szaher/dcfsync/internal/dcf"
	"github.com/szaher/dcfsync/internal/events"
	"github.com/szaher/dcfsync/internal/host/memhost"
	"github.com/szaher/dcfsync/internal/mapping"
	"github.com/szaher/dcfsync/internal/state"
)

func TestRemoveOwnerConnections(t *testing.T) {
	h := memhost.New(local)
	seedLocalConnections(h, 5, 6)
	b := state.Seed(map[string]string{"cc": "1/10/6"})
	collector := &events.CollectorEmitter{}
	e := newEngine(t, h, b, Custom, WithEmitter(collector))
	ctx := context.Background()

	assert.True(t, e.RemoveOwnerConnections(ctx, local, false, false, 5, 6))
	assert.True(t, h.HasConnection(local, 5), "unmanaged connections need force")
	assert.False(t, h.HasConnection(local, 6))
	assert.Len(t, collector.OfType(events.RemoveItem), 1)

	g, _ := e.Generation(mapping.Connections)
	assert.False(t, g.Manages(local, 6))

	assert.True(t, e.RemoveOwnerConnections(ctx, local, false, true, 5))
	assert.False(t, h.HasConnection(local, 5))

	// Already gone counts as removed.
	assert.True(t, e.RemoveOwnerConnections(ctx, local, false, true, 99))
}

func TestRemoveFailureKeepsManaged(t *testing.T) {
	h := memhost.New(local)
	seedLocalConnections(h, 5, 6)
	h.InjectFault(memhost.FailOn(memhost.OpDeleteConnection, local, 5))
	b := state.Seed(map[string]string{"cc": "1/10/5/6"})
	e := newEngine(t, h, b, Custom)

	assert.False(t, e.RemoveOwnerConnections(context.Background(), local, false, false, 5, 6))
	assert.True(t, h.HasConnection(local, 5))
	assert.False(t, h.HasConnection(local, 6), "later IDs are still processed")

	g, _ := e.Generation(mapping.Connections)
	assert.True(t, g.Manages(local, 5))
}

func TestRemoveConnectionsBoth(t *testing.T) {
	h := memhost.New(local)
	h.AddElement(remote)
	e := newEngine(t, h, state.NewMemoryBackend(), Custom)
	ctx := context.Background()
	in, far := inPort, farPort

	conn, ret := e.SaveExternalConnection(ctx, &in, &far, "trunk", true)
	require.NotNil(t, ret)

	assert.True(t, e.RemoveConnections(ctx, &in, true, false, conn.ID))
	assert.False(t, h.HasConnection(local, conn.ID))
	assert.False(t, h.HasConnection(remote, ret.ID))
}

func TestRemoveConnectionsByName(t *testing.T) {
	h := memhost.New(local)
	e := newEngine(t, h, state.NewMemoryBackend(), Custom)
	ctx := context.Background()
	in, out := inPort, outPort
	other := dcf.Interface{ID: 9, Element: local, Name: "other"}

	mine := e.SaveInternalConnection(ctx, &in, &out, "dup")
	require.NotNil(t, mine)
	theirs := e.SaveConnections(ctx, false, ConnectionRequest{
		Source: &other, Destination: &out, Name: "dup", Uniqueness: UniqueSourceAndDestination,
	})[0].Source
	require.NotNil(t, theirs)

	assert.True(t, e.RemoveConnectionsByName(ctx, &in, false, false, "dup", "unknown"))
	assert.False(t, h.HasConnection(local, mine.ID))
	assert.True(t, h.HasConnection(local, theirs.ID), "only connections of the given interface")
}

func TestRemoveRefusesUnloaded(t *testing.T) {
	h := memhost.New(local)
	h.SeedConnection(dcf.Connection{ID: 5, Source: remote, Destination: remote})
	e := newEngineWithUnloadedRemote(t, h, state.Seed(map[string]string{"cc": "1/20/5"}), Custom)
	ctx := context.Background()

	assert.False(t, e.RemoveOwnerConnections(ctx, remote, false, true, 5))
	assert.False(t, e.RemoveOwnerConnectionProperties(ctx, remote, true, 5))
	assert.False(t, e.RemoveOwnerInterfaceProperties(ctx, remote, true, 5))
	assert.True(t, h.HasConnection(remote, 5))
	assert.Empty(t, h.CallsOf(memhost.OpDeleteConnection))
}

func TestRemoveProperties(t *testing.T) {
	h := memhost.New(local)
	conn := internalConnection(h)
	cp := h.SeedConnectionProperty(local, conn.ID, dcf.ConnectionProperty{ID: 30, Name: "a"})
	iface := dcf.Interface{ID: 4, Element: local, Name: "port"}
	h.AddInterface(iface)
	ip := h.SeedInterfaceProperty(dcf.InterfaceProperty{ID: 31, Element: local, Interface: 4, Name: "b"})
	b := state.Seed(map[string]string{"cp": slot(local, cp.ID), "ci": slot(local, -ip.ID)})
	e := newEngine(t, h, b, Custom)
	ctx := context.Background()

	assert.True(t, e.RemoveConnectionProperties(ctx, &conn, false, cp.ID))
	assert.False(t, h.HasConnectionProperty(local, cp.ID))

	assert.True(t, e.RemoveInterfaceProperties(ctx, &iface, false, ip.ID))
	assert.False(t, h.HasInterfaceProperty(local, ip.ID))
	assert.Len(t, h.CallsOf(memhost.OpDeleteIfaceProperty), 1)

	_, err := e.Commit(ctx)
	require.NoError(t, err)
	slots := b.Snapshot()
	assert.Equal(t, slot(local), slots["cp"])
	assert.Equal(t, slot(local), slots["ci"])
}

func TestRemoveNilParents(t *testing.T) {
	e := newEngine(t, memhost.New(local), state.NewMemoryBackend(), Custom)
	ctx := context.Background()
	assert.False(t, e.RemoveConnections(ctx, nil, false, true, 1))
	assert.False(t, e.RemoveConnectionsByName(ctx, nil, false, true, "a"))
	assert.False(t, e.RemoveConnectionProperties(ctx, nil, true, 1))
	assert.False(t, e.RemoveInterfaceProperties(ctx, nil, true, 1))
	assert.False(t, e.RemoveConnectionsByValue(ctx, "unknown", false, true, "a"))
}

func TestDeleteAllManaged(t *testing.T) {
	h := memhost.New(local)
	seedLocalConnections(h, 5, 6, 7, 8)
	b := state.Seed(map[string]string{"cc": "1/10/5/-6", "nc": "1/10/5/7"})
	e := newEngine(t, h, b, Custom)
	ctx := context.Background()

	assert.True(t, e.DeleteAllManaged(ctx))
	for _, id := range []int{5, 6, 7} {
		assert.False(t, h.HasConnection(local, id), "connection %d", id)
	}
	assert.True(t, h.HasConnection(local, 8), "unmanaged connections stay")
	assert.Len(t, h.CallsOf(memhost.OpDeleteConnection), 3)

	_, err := e.Commit(ctx)
	require.NoError(t, err)
	slots := b.Snapshot()
	assert.Equal(t, "", slots["cc"])
	assert.Equal(t, "", slots["nc"])
}

func TestDeleteAllManagedKeepsFailuresAndUnloaded(t *testing.T) {
	h := memhost.New(local)
	seedLocalConnections(h, 5, 6)
	h.SeedConnection(dcf.Connection{ID: 7, Source: remote, Destination: remote})
	h.InjectFault(memhost.FailOn(memhost.OpDeleteConnection, local, 5))
	b := state.Seed(map[string]string{"cc": "1/10/5/6;1/20/7"})
	e := newEngineWithUnloadedRemote(t, h, b, Custom)

	assert.False(t, e.DeleteAllManaged(context.Background()))
	assert.True(t, h.HasConnection(local, 5))
	assert.False(t, h.HasConnection(local, 6))
	assert.True(t, h.HasConnection(remote, 7))

	g, _ := e.Generation(mapping.Connections)
	assert.True(t, g.Current.Manages(local, 5))
	assert.False(t, g.Current.Manages(local, 6))
	assert.True(t, g.Current.Manages(remote, 7))
}

func TestDeleteAllManagedKeepsBothFormsOnFailure(t *testing.T) {
	h := memhost.New(local)
	seedLocalConnections(h, 5)
	h.InjectFault(memhost.FailOn(memhost.OpDeleteConnection, local, 5))
	b := state.Seed(map[string]string{"cc": slot(local, -5), "nc": slot(local, 5)})
	e := newEngine(t, h, b, Custom)

	assert.False(t, e.DeleteAllManaged(context.Background()))
	assert.Len(t, h.CallsOf(memhost.OpDeleteConnection), 1, "one delete per value")

	g, _ := e.Generation(mapping.Connections)
	assert.True(t, g.Current.Has(local, mapping.Fixed(5)))
	assert.True(t, g.Current.Has(local, mapping.Normal(5)))
}
