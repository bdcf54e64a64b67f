// Package apply executes a sweep plan against the host with
// mark-and-continue failure handling.
package apply

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/szaher/dcfsync/internal/dcf"
	"github.com/szaher/dcfsync/internal/events"
	"github.com/szaher/dcfsync/internal/host"
	"github.com/szaher/dcfsync/internal/mapping"
	"github.com/szaher/dcfsync/internal/plan"
	"github.com/szaher/dcfsync/internal/telemetry"
)

// Deleter removes managed objects from the host.
type Deleter interface {
	DeleteConnection(ctx context.Context, owner dcf.ElementKey, id int, both bool) error
	DeleteInterfaceProperty(ctx context.Context, owner dcf.ElementKey, id int) error
	DeleteConnectionProperty(ctx context.Context, owner dcf.ElementKey, id int) error
}

// Host is what a sweep needs: owner states and deletes.
type Host interface {
	Deleter
	ElementState(ctx context.Context, owner dcf.ElementKey) (string, error)
}

// Delete removes one object of the given category. Connections are
// removed together with their return connection. An object the host no
// longer knows counts as deleted.
func Delete(ctx context.Context, d Deleter, cat mapping.Category, owner dcf.ElementKey, id int) error {
	var err error
	switch cat {
	case mapping.Connections:
		err = d.DeleteConnection(ctx, owner, id, true)
	case mapping.InterfaceProperties:
		err = d.DeleteInterfaceProperty(ctx, owner, id)
	case mapping.ConnectionProperties:
		err = d.DeleteConnectionProperty(ctx, owner, id)
	default:
		return fmt.Errorf("delete: unknown category %s", cat)
	}
	if errors.Is(err, host.ErrNotFound) {
		return nil
	}
	return err
}

// Outcome is what happened to one planned ID.
type Outcome string

const (
	// Deleted: the owner was active and the host delete succeeded.
	Deleted Outcome = "deleted"
	// Dropped: the owner no longer exists, so only bookkeeping was removed.
	Dropped Outcome = "dropped"
	// Deferred: the owner is neither active nor gone; the ID is kept for
	// the next cycle.
	Deferred Outcome = "deferred"
	// Failed: the host delete failed; the ID is kept for a retry.
	Failed Outcome = "failed"
	// Skipped: the owner is unloaded.
	Skipped Outcome = "skipped"
)

// ItemResult describes the outcome of one planned ID.
type ItemResult struct {
	Action  plan.Action
	Outcome Outcome
	Error   string
}

// Result summarizes a sweep.
type Result struct {
	Deleted  int
	Dropped  int
	Deferred int
	Failed   int
	Skipped  int
	Results  []ItemResult
}

// OK reports whether every host delete succeeded.
func (r *Result) OK() bool { return r.Failed == 0 }

// Options carries the ambient dependencies of a sweep.
type Options struct {
	Logger        *slog.Logger
	Emitter       events.Emitter
	Metrics       *telemetry.Metrics
	CycleID       string
	CorrelationID string
	// OnDelete is called after an object was removed from the host.
	OnDelete func(cat mapping.Category, owner dcf.ElementKey, id int)
}

// Apply executes p and updates gens in place: removed IDs leave both
// snapshots, deferred and failed IDs are re-added to Pending. A failure
// never stops the sweep.
func Apply(ctx context.Context, h Host, p *plan.Plan, gens map[mapping.Category]*mapping.Generation, opts Options) *Result {
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.DiscardLogger()
	}
	emitter := opts.Emitter
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}

	result := &Result{}
	states := make(map[dcf.ElementKey]ownerState)

	for _, a := range p.Actions {
		g := gens[a.Category]
		item := ItemResult{Action: a}
		log := logger.With("category", a.Category.String(), "owner", a.Owner.String(), "id", a.ID)

		switch {
		case a.Type == plan.ActionSkip:
			log.Error("ignoring cleanup: unloaded element")
			item.Outcome = Skipped
			result.Skipped++

		default:
			st, ok := states[a.Owner]
			if !ok {
				st = readState(ctx, h, a.Owner, log)
				states[a.Owner] = st
			}
			switch st {
			case stateGone:
				g.Forget(a.Owner, a.ID)
				item.Outcome = Dropped
				result.Dropped++
				log.Debug("owner gone, dropped from mapping")
			case stateActive:
				if err := Delete(ctx, h, a.Category, a.Owner, a.ID); err != nil {
					g.Pending.Add(a.Owner, mapping.Normal(a.ID))
					item.Outcome = Failed
					item.Error = err.Error()
					result.Failed++
					log.Error("sweep delete failed", "error", err)
					break
				}
				g.Forget(a.Owner, a.ID)
				item.Outcome = Deleted
				result.Deleted++
				log.Debug("swept")
				if opts.OnDelete != nil {
					opts.OnDelete(a.Category, a.Owner, a.ID)
				}
			default:
				g.Pending.Add(a.Owner, mapping.Normal(a.ID))
				item.Outcome = Deferred
				result.Deferred++
				log.Info("owner not active, sweep deferred")
			}
		}

		opts.Metrics.RecordSweep(a.Category.String(), string(item.Outcome), 1)
		ev := events.New(events.SweepItem, opts.CorrelationID, opts.CycleID).
			WithData("category", a.Category.String()).
			WithData("owner", a.Owner.String()).
			WithData("id", a.ID).
			WithData("outcome", string(item.Outcome))
		if item.Error != "" {
			ev.WithData("error", item.Error)
		}
		emitter.Emit(ev)
		result.Results = append(result.Results, item)
	}
	return result
}

type ownerState int

const (
	stateUnknown ownerState = iota
	stateActive
	stateGone
)

// readState classifies the owner. A host error leaves the state unknown
// so the sweep is deferred rather than dropped.
func readState(ctx context.Context, h Host, owner dcf.ElementKey, log *slog.Logger) ownerState {
	s, err := h.ElementState(ctx, owner)
	switch {
	case err != nil:
		log.Error("read element state", "error", err)
		return stateUnknown
	case s == host.StateDeleted:
		return stateGone
	case strings.EqualFold(s, host.StateActive):
		return stateActive
	default:
		return stateUnknown
	}
}
