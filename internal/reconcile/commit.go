package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/szaher/dcfsync/internal/apply"
	"github.com/szaher/dcfsync/internal/dcf"
	"github.com/szaher/dcfsync/internal/events"
	"github.com/szaher/dcfsync/internal/mapping"
	"github.com/szaher/dcfsync/internal/plan"
	"github.com/szaher/dcfsync/internal/telemetry"
)

// Summary is the outcome of Commit.
type Summary struct {
	Policy   Policy
	Deleted  int
	Dropped  int
	Deferred int
	Failed   int
	Skipped  int
	// OK is false when a host delete failed.
	OK bool
	// Plan is the executed sweep. It is nil unless the policy is
	// EndOfPolling.
	Plan *plan.Plan
	// Sweep holds the per-ID outcomes of the sweep.
	Sweep []apply.ItemResult
}

// Commit applies the policy and persists the generations. Only the first
// call does any work; later calls return its result. A returned error
// means a slot could not be written.
func (e *Engine) Commit(ctx context.Context) (*Summary, error) {
	e.commitOnce.Do(func() {
		e.summary, e.commitErr = e.commit(ctx)
	})
	return e.summary, e.commitErr
}

// Close commits the cycle.
func (e *Engine) Close(ctx context.Context) error {
	_, err := e.Commit(ctx)
	return err
}

func (e *Engine) commit(ctx context.Context) (sum *Summary, err error) {
	start := time.Now()
	ctx, span := e.tracer.Start(ctx, "reconcile.Commit")
	span.SetAttributes(telemetry.CycleAttrs(e.cycleID, e.cfg.Policy.String())...)
	defer func() {
		telemetry.EndSpan(span, err)
		e.metrics.ObserveCommit(e.cfg.Policy.String(), time.Since(start))
		ok := err == nil && sum != nil && sum.OK
		e.metrics.RecordCycle(ok)
		if err != nil {
			e.logger.Error("commit failed", "error", err)
			e.emit(events.New(events.CycleFailed, e.correlationID, e.cycleID).WithData("error", err.Error()))
		}
	}()

	e.mu.Lock()
	defer e.mu.Unlock()

	for _, g := range e.gens {
		g.CarryFixed()
	}

	sum = &Summary{Policy: e.cfg.Policy, OK: true}
	switch e.cfg.Policy {
	case Custom:
		for _, g := range e.gens {
			g.Promote()
		}
		err = e.persist(ctx, false)

	case PollingSync:
		err = e.persist(ctx, false)

	case EndOfPolling:
		e.sweep(ctx, sum)
		err = e.persist(ctx, true)

	default:
		err = fmt.Errorf("commit: unknown policy %s", e.cfg.Policy)
	}
	if err != nil {
		return nil, err
	}

	for cat, g := range e.gens {
		normal, fixed := g.Current.Count()
		e.metrics.SetManaged(cat.String(), normal, fixed)
	}
	e.logger.Info("cycle committed",
		"policy", e.cfg.Policy.String(),
		"deleted", sum.Deleted, "dropped", sum.Dropped, "deferred", sum.Deferred,
		"failed", sum.Failed, "skipped", sum.Skipped, "ok", sum.OK)
	e.emit(events.New(events.CycleCommitted, e.correlationID, e.cycleID).
		WithData("policy", e.cfg.Policy.String()).
		WithData("deleted", sum.Deleted).
		WithData("dropped", sum.Dropped).
		WithData("deferred", sum.Deferred).
		WithData("failed", sum.Failed).
		WithData("skipped", sum.Skipped).
		WithData("ok", sum.OK))
	return sum, nil
}

// sweep deletes what was not observed this cycle. Afterwards Pending holds
// the re-observed, fixed, deferred and failed IDs, and the IDs of unloaded
// owners are carried over from Current.
func (e *Engine) sweep(ctx context.Context, sum *Summary) {
	ctx, span := e.tracer.Start(ctx, "reconcile.Sweep")
	defer span.End()

	p := plan.Compute(e.gens, e.unloaded)
	sum.Plan = p
	res := apply.Apply(ctx, e.host, p, e.gens, apply.Options{
		Logger:        e.logger,
		Emitter:       e.emitter,
		Metrics:       e.metrics,
		CycleID:       e.cycleID,
		CorrelationID: e.correlationID,
		OnDelete:      e.forgetCached,
	})
	sum.Deleted = res.Deleted
	sum.Dropped = res.Dropped
	sum.Deferred = res.Deferred
	sum.Failed = res.Failed
	sum.Skipped = res.Skipped
	sum.OK = res.OK()
	sum.Sweep = res.Results

	for _, g := range e.gens {
		for owner := range e.unloaded {
			if ids, ok := g.Current[owner]; ok {
				g.Pending.Add(owner, ids.UnsortedList()...)
			}
		}
	}
}

// persist writes every enabled category. With flush set the pending slots
// are cleared and the pending maps become the next cycle's current ones.
func (e *Engine) persist(ctx context.Context, flush bool) error {
	var errs []error
	for _, cat := range mapping.Categories {
		g, ok := e.gens[cat]
		if !ok {
			continue
		}
		slots := e.cfg.Slots[cat]
		if flush {
			g.Current, g.Pending = g.Pending, mapping.New()
		}
		if slots.Pending != "" {
			errs = append(errs, e.writeSlot(ctx, cat, slots.Pending, g.Pending))
		}
		errs = append(errs, e.writeSlot(ctx, cat, slots.Current, g.Current))
	}
	return errors.Join(errs...)
}

func (e *Engine) writeSlot(ctx context.Context, cat mapping.Category, slot string, m mapping.Mapping) error {
	if err := e.backend.Set(ctx, slot, mapping.Format(m)); err != nil {
		return fmt.Errorf("write %s slot %q: %w", cat, slot, err)
	}
	return nil
}

// forgetCached keeps the cache in step with host deletes.
func (e *Engine) forgetCached(cat mapping.Category, owner dcf.ElementKey, id int) {
	switch cat {
	case mapping.Connections:
		e.cache.ForgetConnection(owner, id)
	case mapping.InterfaceProperties:
		e.cache.ForgetInterfaceProperty(owner, id)
	case mapping.ConnectionProperties:
		e.cache.ForgetConnectionProperty(owner, id)
	}
}
