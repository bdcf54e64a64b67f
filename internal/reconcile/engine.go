// Package reconcile is the engine that keeps the driver-owned part of the
// connectivity graph in sync with what the driver observes each cycle.
//
// An Engine is built once per cycle. Construction confirms the local
// element is ready and loads the persisted generations. During the cycle
// the caller saves connections and properties, which registers their IDs
// as observed, and may remove objects explicitly. Commit then applies the
// configured policy and persists the generations for the next cycle.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/szaher/dcfsync/internal/cache"
	"github.com/szaher/dcfsync/internal/dcf"
	"github.com/szaher/dcfsync/internal/events"
	"github.com/szaher/dcfsync/internal/host"
	"github.com/szaher/dcfsync/internal/mapping"
	"github.com/szaher/dcfsync/internal/readiness"
	"github.com/szaher/dcfsync/internal/state"
	"github.com/szaher/dcfsync/internal/telemetry"
)

// ErrLocalNotReady is returned by New when the local element fails its
// startup check.
var ErrLocalNotReady = errors.New("local element not ready")

// DefaultAddTimeout bounds a blocking add on the host.
const DefaultAddTimeout = 7 * time.Minute

// Policy selects what Commit does with the generations.
type Policy int

const (
	// Custom merges pending into current. Nothing is deleted
	// automatically.
	Custom Policy = iota
	// PollingSync persists both generations as they are, so several
	// engines can accumulate observations before a final flush.
	PollingSync
	// EndOfPolling sweeps every managed ID that was not observed this
	// cycle.
	EndOfPolling
)

func (p Policy) String() string {
	switch p {
	case Custom:
		return "custom"
	case PollingSync:
		return "polling-sync"
	case EndOfPolling:
		return "end-of-polling"
	default:
		return fmt.Sprintf("policy(%d)", int(p))
	}
}

// ParsePolicy is the inverse of String.
func ParsePolicy(s string) (Policy, error) {
	for _, p := range []Policy{Custom, PollingSync, EndOfPolling} {
		if p.String() == s {
			return p, nil
		}
	}
	return 0, fmt.Errorf("unknown policy %q", s)
}

// SlotPair names the slots holding one category's generations. An empty
// Current disables the category; an empty Pending is neither read nor
// written.
type SlotPair struct {
	Current string
	Pending string
}

// Config configures an Engine.
type Config struct {
	Policy     Policy
	Slots      map[mapping.Category]SlotPair
	Startup    readiness.Config
	AddTimeout time.Duration
}

// Engine reconciles one cycle. Its methods are safe for concurrent use,
// though a cycle is normally driven from a single goroutine.
type Engine struct {
	host    host.Host
	backend state.Backend
	cfg     Config

	cache    *cache.Cache
	logger   *slog.Logger
	metrics  *telemetry.Metrics
	tracer   trace.Tracer
	emitter  events.Emitter
	interval time.Duration

	cycleID       string
	correlationID string

	mu       sync.Mutex
	gens     map[mapping.Category]*mapping.Generation
	unloaded sets.Set[dcf.ElementKey]

	commitOnce sync.Once
	summary    *Summary
	commitErr  error
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger. Records carry the cycle and correlation IDs.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithMetrics records engine activity.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithTracerProvider enables tracing.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(e *Engine) { e.tracer = telemetry.Tracer(tp) }
}

// WithEmitter receives cycle events.
func WithEmitter(em events.Emitter) Option {
	return func(e *Engine) { e.emitter = em }
}

// WithCache shares a cache between engines. By default each engine starts
// with an empty one.
func WithCache(c *cache.Cache) Option {
	return func(e *Engine) { e.cache = c }
}

// WithReadinessInterval overrides the startup polling interval.
func WithReadinessInterval(d time.Duration) Option {
	return func(e *Engine) { e.interval = d }
}

// New checks readiness and loads the generations of every enabled
// category. It fails with ErrLocalNotReady when the local element does not
// pass its startup check, and with a wrapped backend error when a slot
// cannot be read.
func New(ctx context.Context, h host.Host, backend state.Backend, cfg Config, opts ...Option) (*Engine, error) {
	if h == nil || backend == nil {
		return nil, errors.New("reconcile: host and backend are required")
	}
	if cfg.AddTimeout <= 0 {
		cfg.AddTimeout = DefaultAddTimeout
	}

	e := &Engine{
		host:     h,
		backend:  backend,
		cfg:      cfg,
		logger:   telemetry.DiscardLogger(),
		tracer:   noop.NewTracerProvider().Tracer(telemetry.InstrumentationName),
		emitter:  events.NoopEmitter{},
		interval: readiness.DefaultInterval,
		cycleID:  telemetry.NewID(),
		gens:     make(map[mapping.Category]*mapping.Generation),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.cache == nil {
		e.cache = cache.New(h)
	}
	e.correlationID = telemetry.CorrelationID(ctx)
	e.logger = telemetry.CycleLogger(e.logger, ctx, e.cycleID).With("local", h.Local().String())

	ctx, span := e.tracer.Start(ctx, "reconcile.New",
		trace.WithAttributes(telemetry.CycleAttrs(e.cycleID, cfg.Policy.String())...))
	var err error
	defer func() { telemetry.EndSpan(span, err) }()

	gate := readiness.New(h, backend,
		readiness.WithLogger(e.logger),
		readiness.WithMetrics(e.metrics),
		readiness.WithInterval(e.interval),
	)
	res, err := gate.Run(ctx, h.Local(), cfg.Startup)
	if err != nil {
		if errors.Is(err, readiness.ErrNotReady) {
			err = fmt.Errorf("%w: %w", ErrLocalNotReady, err)
		}
		e.emit(events.New(events.CycleFailed, e.correlationID, e.cycleID).WithData("error", err.Error()))
		return nil, err
	}
	e.unloaded = res.Unloaded
	e.emit(events.New(events.ReadinessChecked, e.correlationID, e.cycleID).
		WithData("checked", len(res.Checked)).
		WithData("unloaded", keyStrings(res.Unloaded)))

	if err = e.load(ctx); err != nil {
		return nil, err
	}

	e.logger.Info("cycle started", "policy", cfg.Policy.String(), "unloaded", len(e.unloaded))
	e.emit(events.New(events.CycleStarted, e.correlationID, e.cycleID).
		WithData("policy", cfg.Policy.String()))
	return e, nil
}

func (e *Engine) load(ctx context.Context) error {
	for _, cat := range mapping.Categories {
		slots, ok := e.cfg.Slots[cat]
		if !ok || slots.Current == "" {
			e.logger.Debug("category disabled", "category", cat.String())
			continue
		}
		g := mapping.NewGeneration()
		var err error
		if g.Current, err = e.readSlot(ctx, cat, slots.Current); err != nil {
			return err
		}
		if slots.Pending != "" {
			if g.Pending, err = e.readSlot(ctx, cat, slots.Pending); err != nil {
				return err
			}
		}
		e.gens[cat] = g
		normal, fixed := g.Current.Count()
		e.metrics.SetManaged(cat.String(), normal, fixed)
	}
	return nil
}

func (e *Engine) readSlot(ctx context.Context, cat mapping.Category, slot string) (mapping.Mapping, error) {
	buf, err := e.backend.Get(ctx, slot)
	if err != nil {
		return nil, fmt.Errorf("read %s slot %q: %w", cat, slot, err)
	}
	m, skipped := mapping.Parse(buf)
	for _, rec := range skipped {
		e.logger.Warn("skipping malformed mapping record", "category", cat.String(), "slot", slot, "record", rec)
	}
	return m, nil
}

// CycleID returns the ULID assigned to this engine.
func (e *Engine) CycleID() string { return e.cycleID }

// Local returns the local element.
func (e *Engine) Local() dcf.ElementKey { return e.host.Local() }

// Policy returns the commit policy.
func (e *Engine) Policy() Policy { return e.cfg.Policy }

// Cache returns the engine's cache.
func (e *Engine) Cache() *cache.Cache { return e.cache }

// Unloaded returns a copy of the elements that failed their startup check.
func (e *Engine) Unloaded() sets.Set[dcf.ElementKey] {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.unloaded.Clone()
}

// IsUnloaded reports whether owner failed its startup check.
func (e *Engine) IsUnloaded(owner dcf.ElementKey) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.unloaded.Has(owner)
}

// Generation returns a copy of the generations of cat. It reports false
// when the category is disabled.
func (e *Engine) Generation(cat mapping.Category) (*mapping.Generation, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	g, ok := e.gens[cat]
	if !ok {
		return nil, false
	}
	return &mapping.Generation{Current: g.Current.Clone(), Pending: g.Pending.Clone()}, true
}

// Enabled reports whether cat has a current slot.
func (e *Engine) Enabled(cat mapping.Category) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.gens[cat]
	return ok
}

// ElementState returns the raw host state of owner, or "" when the host
// cannot be reached.
func (e *Engine) ElementState(ctx context.Context, owner dcf.ElementKey) string {
	s, err := e.host.ElementState(ctx, owner)
	if err != nil {
		e.logger.Error("read element state", "owner", owner.String(), "error", err)
		return ""
	}
	return s
}

// generation returns the live generation of cat or logs the
// misconfiguration. Callers hold e.mu.
func (e *Engine) generation(cat mapping.Category, op string) (*mapping.Generation, bool) {
	g, ok := e.gens[cat]
	if !ok {
		e.logger.Error(op+" requires the current slot to be configured", "category", cat.String())
	}
	return g, ok
}

func (e *Engine) emit(ev *events.Event) {
	e.emitter.Emit(ev)
}

func (e *Engine) addContext(ctx context.Context, async bool) (context.Context, context.CancelFunc) {
	if async {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, e.cfg.AddTimeout)
}

func keyStrings(s sets.Set[dcf.ElementKey]) []string {
	out := make([]string, 0, len(s))
	for k := range s {
		out = append(out, k.String())
	}
	slices.Sort(out)
	return out
}
