package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"go.opentelemetry.io/otel/trace"

	"github.com/szaher/dcfsync/internal/config"
	"github.com/szaher/dcfsync/internal/desired"
	"github.com/szaher/dcfsync/internal/events"
	"github.com/szaher/dcfsync/internal/host"
	"github.com/szaher/dcfsync/internal/host/memhost"
	"github.com/szaher/dcfsync/internal/mapping"
	"github.com/szaher/dcfsync/internal/reconcile"
	"github.com/szaher/dcfsync/internal/secrets"
	"github.com/szaher/dcfsync/internal/state"
	"github.com/szaher/dcfsync/internal/telemetry"
)

// session holds what every command opens from the configuration file.
type session struct {
	cfg      *config.Config
	host     host.Host
	backend  state.Backend
	logger   *slog.Logger
	metrics  *telemetry.Metrics
	tracer   trace.TracerProvider
	shutdown func(context.Context) error
}

func openSession(ctx context.Context) (*session, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}

	redactor := secrets.NewRedactFilter(telemetry.NewHandler(os.Stderr, telemetry.Level(verbose)))
	logger := slog.New(redactor)
	resolved, err := secrets.Expand(ctx, secrets.Default(), cfg.SecretFields()...)
	if err != nil {
		return nil, fmt.Errorf("resolve secrets: %w", err)
	}
	redactor.AddSecret(resolved...)

	h, err := host.Open(ctx, cfg.HostConfig())
	if err != nil {
		return nil, fmt.Errorf("open host: %w", err)
	}
	backend, err := state.Open(ctx, cfg.Backend)
	if err != nil {
		return nil, fmt.Errorf("open state backend: %w", err)
	}
	tp, shutdown, err := telemetry.NewTracerProvider(cfg.Tracing.Enabled, os.Stderr, version)
	if err != nil {
		_ = backend.Close()
		return nil, err
	}

	return &session{
		cfg:      cfg,
		host:     h,
		backend:  backend,
		logger:   logger,
		metrics:  telemetry.NewMetrics(),
		tracer:   tp,
		shutdown: shutdown,
	}, nil
}

func (s *session) close(ctx context.Context) error {
	return errors.Join(s.shutdown(ctx), s.backend.Close())
}

// newEngine starts a cycle. policy overrides the configured policy when
// non-empty. Events go to the debug log and to em when it is not nil.
func (s *session) newEngine(ctx context.Context, policy string, em events.Emitter) (*reconcile.Engine, error) {
	ec, err := s.cfg.Engine(policy)
	if err != nil {
		return nil, err
	}
	emitter := events.Multi{events.LogEmitter{Logger: s.logger}}
	if em != nil {
		emitter = append(emitter, em)
	}
	return reconcile.New(ctx, s.host, s.backend, ec,
		reconcile.WithLogger(s.logger),
		reconcile.WithMetrics(s.metrics),
		reconcile.WithTracerProvider(s.tracer),
		reconcile.WithEmitter(emitter),
	)
}

// saveHost writes the memory host back to its snapshot file so the next
// invocation sees this one's changes.
func (s *session) saveHost() error {
	store, ok := s.host.(*memhost.Store)
	if !ok || s.cfg.Host.Snapshot == "" {
		return nil
	}
	if err := store.Save(s.cfg.Host.Snapshot); err != nil {
		return fmt.Errorf("save host snapshot: %w", err)
	}
	return nil
}

// cycleOutcome is the result of one full cycle.
type cycleOutcome struct {
	CycleID string
	Report  *desired.Report
	Summary *reconcile.Summary
}

// OK reports whether every entry was applied and every sweep delete
// succeeded.
func (o *cycleOutcome) OK() bool {
	return o.Report.OK() && o.Summary.OK
}

// runCycle applies doc in a fresh engine and commits it.
func (s *session) runCycle(ctx context.Context, doc *desired.Document, policy string, em events.Emitter) (*cycleOutcome, error) {
	e, err := s.newEngine(ctx, policy, em)
	if err != nil {
		return nil, err
	}
	rep := desired.Apply(ctx, e, doc, s.logger)
	sum, err := e.Commit(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.saveHost(); err != nil {
		return nil, err
	}
	return &cycleOutcome{CycleID: e.CycleID(), Report: rep, Summary: sum}, nil
}

// readGenerations loads the persisted generations without starting a
// cycle, so no readiness check runs.
func (s *session) readGenerations(ctx context.Context) (map[mapping.Category]*mapping.Generation, error) {
	gens := make(map[mapping.Category]*mapping.Generation)
	for cat, pair := range s.cfg.Slots.Pairs() {
		g := mapping.NewGeneration()
		var err error
		if g.Current, err = s.readSlot(ctx, pair.Current); err != nil {
			return nil, err
		}
		if pair.Pending != "" {
			if g.Pending, err = s.readSlot(ctx, pair.Pending); err != nil {
				return nil, err
			}
		}
		gens[cat] = g
	}
	return gens, nil
}

func (s *session) readSlot(ctx context.Context, slot string) (mapping.Mapping, error) {
	buf, err := s.backend.Get(ctx, slot)
	if err != nil {
		return nil, fmt.Errorf("read slot %q: %w", slot, err)
	}
	m, skipped := mapping.Parse(buf)
	for _, rec := range skipped {
		s.logger.Warn("skipping malformed mapping record", "slot", slot, "record", rec)
	}
	return m, nil
}
