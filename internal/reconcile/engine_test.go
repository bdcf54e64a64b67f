package reconcile

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/szaher/dcfsync/internal/dcf"
	"github.com/szaher/dcfsync/internal/events"
	"github.com/szaher/dcfsync/internal/host"
	"github.com/szaher/dcfsync/internal/host/memhost"
	"github.com/szaher/dcfsync/internal/mapping"
	"github.com/szaher/dcfsync/internal/readiness"
	"github.com/szaher/dcfsync/internal/state"
)

var (
	local  = dcf.Key(1, 10)
	remote = dcf.Key(1, 20)
)

func allSlots() map[mapping.Category]SlotPair {
	return map[mapping.Category]SlotPair{
		mapping.Connections:          {Current: "cc", Pending: "nc"},
		mapping.InterfaceProperties:  {Current: "ci", Pending: "ni"},
		mapping.ConnectionProperties: {Current: "cp", Pending: "np"},
	}
}

func newEngine(t *testing.T, h *memhost.Store, b state.Backend, policy Policy, opts ...Option) *Engine {
	t.Helper()
	cfg := Config{
		Policy:  policy,
		Slots:   allSlots(),
		Startup: readiness.Config{Mode: readiness.ModeNever},
	}
	e, err := New(context.Background(), h, b, cfg, opts...)
	require.NoError(t, err)
	return e
}

// newEngineWithUnloadedRemote builds an engine whose startup check marks
// remote as unloaded.
func newEngineWithUnloadedRemote(t *testing.T, h *memhost.Store, b state.Backend, policy Policy) *Engine {
	t.Helper()
	h.SetState(remote, host.StateStopped)
	cfg := Config{
		Policy: policy,
		Slots:  allSlots(),
		Startup: readiness.Config{
			Mode:         readiness.ModeAlways,
			LocalTimeout: time.Second,
			External:     []readiness.Target{{Element: remote, Timeout: 20 * time.Millisecond}},
		},
	}
	e, err := New(context.Background(), h, b, cfg, WithReadinessInterval(time.Millisecond))
	require.NoError(t, err)
	require.True(t, e.IsUnloaded(remote))
	return e
}

// slot formats one owner's record. Negative values are fixed.
func slot(owner dcf.ElementKey, ids ...int) string {
	m := mapping.New()
	m.Ensure(owner)
	for _, id := range ids {
		m.Add(owner, mapping.FromSigned(id))
	}
	return mapping.Format(m)
}

func seedLocalConnections(h *memhost.Store, ids ...int) {
	for _, id := range ids {
		h.SeedConnection(dcf.Connection{ID: id, Source: local, Destination: local})
	}
}

func TestEndOfPollingSweep(t *testing.T) {
	h := memhost.New(local)
	seedLocalConnections(h, 5, 7, 9)
	b := state.Seed(map[string]string{"cc": "1/10/5/7/-9", "nc": "1/10/7"})
	collector := &events.CollectorEmitter{}

	e := newEngine(t, h, b, EndOfPolling, WithEmitter(collector))
	sum, err := e.Commit(context.Background())
	require.NoError(t, err)

	assert.True(t, sum.OK)
	assert.Equal(t, 1, sum.Deleted)
	assert.False(t, h.HasConnection(local, 5))
	assert.True(t, h.HasConnection(local, 7))
	assert.True(t, h.HasConnection(local, 9))

	slots := b.Snapshot()
	assert.Equal(t, "1/10/-9/7", slots["cc"])
	assert.Equal(t, "", slots["nc"])

	assert.Len(t, collector.OfType(events.CycleStarted), 1)
	assert.Len(t, collector.OfType(events.CycleCommitted), 1)
}

func TestEndOfPollingKeepsObserved(t *testing.T) {
	h := memhost.New(local)
	in := dcf.Interface{ID: 1, Element: local, Name: "in"}
	out := dcf.Interface{ID: 2, Element: local, Name: "out"}
	kept := h.SeedConnection(dcf.Connection{Name: "in->out", Source: local, SourceInterface: 1, Destination: local, DestinationInterface: 2})
	stale := h.SeedConnection(dcf.Connection{Name: "old", Source: local, SourceInterface: 1, Destination: local, DestinationInterface: 2})
	b := state.Seed(map[string]string{"cc": slot(local, kept.ID, stale.ID)})

	e := newEngine(t, h, b, EndOfPolling)
	got := e.SaveInternalConnection(context.Background(), &in, &out, "")
	require.NotNil(t, got)
	assert.Equal(t, kept.ID, got.ID)

	_, err := e.Commit(context.Background())
	require.NoError(t, err)
	assert.True(t, h.HasConnection(local, kept.ID))
	assert.False(t, h.HasConnection(local, stale.ID))
}

func TestUnloadedOwnerExcludedFromSweep(t *testing.T) {
	h := memhost.New(local)
	h.SeedConnection(dcf.Connection{ID: 5, Source: remote, Destination: remote})
	b := state.Seed(map[string]string{"cc": "1/20/5"})

	e := newEngineWithUnloadedRemote(t, h, b, EndOfPolling)
	sum, err := e.Commit(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, sum.Skipped)
	assert.Empty(t, h.CallsOf(memhost.OpDeleteConnection))
	assert.True(t, h.HasConnection(remote, 5))
	assert.Equal(t, "1/20/5", b.Snapshot()["cc"])
}

func TestSweepDeleteFailureKeepsID(t *testing.T) {
	h := memhost.New(local)
	seedLocalConnections(h, 5)
	h.InjectFault(memhost.FailOn(memhost.OpDeleteConnection, local, 5))
	b := state.Seed(map[string]string{"cc": "1/10/5"})

	e := newEngine(t, h, b, EndOfPolling)
	sum, err := e.Commit(context.Background())
	require.NoError(t, err)

	assert.False(t, sum.OK)
	assert.Equal(t, 1, sum.Failed)
	assert.True(t, h.HasConnection(local, 5))
	assert.Equal(t, "1/10/5", b.Snapshot()["cc"])
}

func TestCustomPromotesPending(t *testing.T) {
	h := memhost.New(local)
	seedLocalConnections(h, 5, 7)
	b := state.Seed(map[string]string{"cc": "1/10/5", "nc": "1/10/7"})

	e := newEngine(t, h, b, Custom)
	sum, err := e.Commit(context.Background())
	require.NoError(t, err)

	assert.Nil(t, sum.Plan)
	assert.Empty(t, h.CallsOf(memhost.OpDeleteConnection))
	slots := b.Snapshot()
	assert.Equal(t, "1/10/5/7", slots["cc"])
	assert.Equal(t, "1/10/7", slots["nc"])
}

func TestPollingSyncPersistsBoth(t *testing.T) {
	h := memhost.New(local)
	seedLocalConnections(h, 5)
	b := state.Seed(map[string]string{"cc": "1/10/5"})

	e := newEngine(t, h, b, PollingSync)
	in := dcf.Interface{ID: 1, Element: local, Name: "in"}
	out := dcf.Interface{ID: 2, Element: local, Name: "out"}
	c := e.SaveInternalConnection(context.Background(), &in, &out, "")
	require.NotNil(t, c)

	_, err := e.Commit(context.Background())
	require.NoError(t, err)

	assert.Empty(t, h.CallsOf(memhost.OpDeleteConnection))
	slots := b.Snapshot()
	assert.Equal(t, "1/10/5", slots["cc"])
	assert.Equal(t, slot(local, c.ID), slots["nc"])

	// A later end-of-polling engine sees the accumulated observation.
	e2 := newEngine(t, h, b, EndOfPolling)
	_, err = e2.Commit(context.Background())
	require.NoError(t, err)
	assert.False(t, h.HasConnection(local, 5))
	assert.True(t, h.HasConnection(local, c.ID))
}

func TestCommitRunsOnce(t *testing.T) {
	h := memhost.New(local)
	b := state.Seed(map[string]string{"cc": "1/10/5"})
	e := newEngine(t, h, b, Custom)

	first, err := e.Commit(context.Background())
	require.NoError(t, err)
	writes := b.Writes

	second, err := e.Commit(context.Background())
	require.NoError(t, err)
	require.NoError(t, e.Close(context.Background()))
	assert.Same(t, first, second)
	assert.Equal(t, writes, b.Writes)
}

func TestLocalNotReady(t *testing.T) {
	h := memhost.New(local)
	h.SetState(local, host.StateStopped)
	collector := &events.CollectorEmitter{}

	_, err := New(context.Background(), h, state.NewMemoryBackend(), Config{
		Policy:  EndOfPolling,
		Slots:   allSlots(),
		Startup: readiness.Config{Mode: readiness.ModeAlways, LocalTimeout: 20 * time.Millisecond},
	}, WithReadinessInterval(time.Millisecond), WithEmitter(collector))

	require.ErrorIs(t, err, ErrLocalNotReady)
	assert.ErrorIs(t, err, readiness.ErrNotReady)
	assert.Len(t, collector.OfType(events.CycleFailed), 1)
}

func TestNewRequiresHostAndBackend(t *testing.T) {
	_, err := New(context.Background(), nil, state.NewMemoryBackend(), Config{})
	assert.Error(t, err)
	_, err = New(context.Background(), memhost.New(local), nil, Config{})
	assert.Error(t, err)
}

func TestDisabledCategory(t *testing.T) {
	h := memhost.New(local)
	h.AddInterface(dcf.Interface{ID: 1, Element: local, Name: "in"})
	b := state.NewMemoryBackend()
	e, err := New(context.Background(), h, b, Config{
		Policy:  EndOfPolling,
		Slots:   map[mapping.Category]SlotPair{mapping.Connections: {Current: "cc"}},
		Startup: readiness.Config{Mode: readiness.ModeNever},
	})
	require.NoError(t, err)

	assert.True(t, e.Enabled(mapping.Connections))
	assert.False(t, e.Enabled(mapping.InterfaceProperties))
	_, ok := e.Generation(mapping.InterfaceProperties)
	assert.False(t, ok)

	iface := dcf.Interface{ID: 1, Element: local}
	res := e.SaveInterfaceProperties(context.Background(), &iface, SaveOptions{}, dcf.InterfaceProperty{Name: "a", Value: "1"})
	assert.False(t, res.OK)
	assert.Equal(t, []int{-1}, res.IDs)
	assert.Empty(t, h.CallsOf(memhost.OpAddIfaceProperty))
	assert.False(t, e.RemoveOwnerInterfaceProperties(context.Background(), local, true, 3))

	_, err = e.Commit(context.Background())
	require.NoError(t, err)
	slots := b.Snapshot()
	assert.Contains(t, slots, "cc")
	assert.NotContains(t, slots, "ci")
}

func TestMalformedSlotIsTolerated(t *testing.T) {
	h := memhost.New(local)
	b := state.Seed(map[string]string{"cc": "garbage;1/10/5"})
	e := newEngine(t, h, b, Custom)

	g, ok := e.Generation(mapping.Connections)
	require.True(t, ok)
	assert.True(t, g.Current.Manages(local, 5))
}

func TestParsePolicy(t *testing.T) {
	for _, p := range []Policy{Custom, PollingSync, EndOfPolling} {
		got, err := ParsePolicy(p.String())
		require.NoError(t, err)
		assert.Equal(t, p, got)
	}
	_, err := ParsePolicy("sometimes")
	assert.Error(t, err)
}
