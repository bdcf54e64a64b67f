package apply

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/szaher/dcfsync/internal/dcf"
	"github.com/szaher/dcfsync/internal/events"
	"github.com/szaher/dcfsync/internal/host"
	"github.com/szaher/dcfsync/internal/host/memhost"
	"github.com/szaher/dcfsync/internal/mapping"
	"github.com/szaher/dcfsync/internal/plan"
)

var owner = dcf.Key(1, 10)

// setup seeds connections 5, 7 and 9 on owner and a generation with
// current {5, 7, -9} and pending {7}.
func setup(t *testing.T) (*memhost.Store, map[mapping.Category]*mapping.Generation) {
	t.Helper()
	h := memhost.New(owner)
	for _, id := range []int{5, 7, 9} {
		h.SeedConnection(dcf.Connection{ID: id, Source: owner, Destination: owner})
	}
	g := mapping.NewGeneration()
	g.Current.Add(owner, mapping.Normal(5), mapping.Normal(7), mapping.Fixed(9))
	g.Pending.Add(owner, mapping.Normal(7))
	g.CarryFixed()
	return h, map[mapping.Category]*mapping.Generation{mapping.Connections: g}
}

func TestApplySweep(t *testing.T) {
	h, gens := setup(t)
	collector := &events.CollectorEmitter{}
	var deleted []int

	p := plan.Compute(gens, nil)
	res := Apply(context.Background(), h, p, gens, Options{
		Emitter:  collector,
		OnDelete: func(_ mapping.Category, _ dcf.ElementKey, id int) { deleted = append(deleted, id) },
	})

	assert.True(t, res.OK())
	assert.Equal(t, 1, res.Deleted)
	assert.False(t, h.HasConnection(owner, 5))
	assert.True(t, h.HasConnection(owner, 7))
	assert.True(t, h.HasConnection(owner, 9))
	assert.Equal(t, []int{5}, deleted)

	g := gens[mapping.Connections]
	assert.Equal(t, "1/10/-9/7", mapping.Format(g.Pending))
	assert.False(t, g.Current.Manages(owner, 5))
	assert.Len(t, collector.OfType(events.SweepItem), 1)
}

func TestApplyUnloadedOwner(t *testing.T) {
	h, gens := setup(t)
	p := plan.Compute(gens, sets.New(owner))
	res := Apply(context.Background(), h, p, gens, Options{})

	assert.Equal(t, 1, res.Skipped)
	assert.Empty(t, h.CallsOf(memhost.OpDeleteConnection))
	assert.Equal(t, "1/10/-9/5/7", mapping.Format(gens[mapping.Connections].Current))
}

func TestApplyOwnerGone(t *testing.T) {
	h, gens := setup(t)
	h.SetState(owner, host.StateDeleted)

	res := Apply(context.Background(), h, plan.Compute(gens, nil), gens, Options{})
	assert.Equal(t, 1, res.Dropped)
	assert.Empty(t, h.CallsOf(memhost.OpDeleteConnection), "no host call for a gone owner")
	assert.False(t, gens[mapping.Connections].Current.Manages(owner, 5))
}

func TestApplyOwnerPausedDefers(t *testing.T) {
	h, gens := setup(t)
	h.SetState(owner, host.StatePaused)

	res := Apply(context.Background(), h, plan.Compute(gens, nil), gens, Options{})
	assert.Equal(t, 1, res.Deferred)
	assert.True(t, res.OK())
	assert.True(t, h.HasConnection(owner, 5))
	assert.True(t, gens[mapping.Connections].Pending.Has(owner, mapping.Normal(5)))
}

func TestApplyStateErrorDefers(t *testing.T) {
	h, gens := setup(t)
	h.InjectFault(memhost.FailOn(memhost.OpElementState, owner))

	res := Apply(context.Background(), h, plan.Compute(gens, nil), gens, Options{})
	assert.Equal(t, 1, res.Deferred)
	assert.True(t, gens[mapping.Connections].Current.Manages(owner, 5))
}

func TestApplyFailureContinues(t *testing.T) {
	h, gens := setup(t)
	h.SeedConnection(dcf.Connection{ID: 6, Source: owner, Destination: owner})
	gens[mapping.Connections].Current.Add(owner, mapping.Normal(6))
	h.InjectFault(memhost.FailOn(memhost.OpDeleteConnection, owner, 5))

	res := Apply(context.Background(), h, plan.Compute(gens, nil), gens, Options{})
	assert.False(t, res.OK())
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 1, res.Deleted, "6 is still deleted")
	assert.False(t, h.HasConnection(owner, 6))

	g := gens[mapping.Connections]
	assert.True(t, g.Current.Has(owner, mapping.Normal(5)))
	assert.True(t, g.Pending.Has(owner, mapping.Normal(5)), "kept for retry")
	require.Len(t, res.Results, 2)
	assert.Equal(t, Failed, res.Results[0].Outcome)
	assert.Contains(t, res.Results[0].Error, "injected failure")
}

func TestDeleteTreatsNotFoundAsDone(t *testing.T) {
	h := memhost.New(owner)
	require.NoError(t, Delete(context.Background(), h, mapping.ConnectionProperties, owner, 42))
	require.NoError(t, Delete(context.Background(), h, mapping.InterfaceProperties, owner, 42))

	h.InjectFault(func(memhost.Call) error { return errors.New("down") })
	assert.Error(t, Delete(context.Background(), h, mapping.Connections, owner, 1))
	assert.Error(t, Delete(context.Background(), h, mapping.Category(9), owner, 1))
}
