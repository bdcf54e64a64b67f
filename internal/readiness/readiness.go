// Package readiness confirms that elements are fully started before the
// engine touches them.
//
// An element is ready when three probes pass in order: the host reports it
// active, its startup has completed, and it was not built from unsafe
// data. Each probe is polled until it passes or its timeout expires.
package readiness

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/szaher/dcfsync/internal/dcf"
	"github.com/szaher/dcfsync/internal/host"
	"github.com/szaher/dcfsync/internal/state"
	"github.com/szaher/dcfsync/internal/telemetry"
)

// ErrNotReady is returned when an element fails a readiness probe.
var ErrNotReady = errors.New("element not ready")

const (
	DefaultLocalTimeout   = 360 * time.Second
	DefaultElementTimeout = 20 * time.Second
	DefaultInterval       = 100 * time.Millisecond
)

// Mode selects when elements are checked.
type Mode string

const (
	// ModeAlways checks the local element and every target on each run.
	ModeAlways Mode = "always"
	// ModeNever skips every check.
	ModeNever Mode = "never"
	// ModeCached skips elements recorded in the checked set.
	ModeCached Mode = "cached"
)

// ParseMode validates s. An empty string selects ModeAlways.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "":
		return ModeAlways, nil
	case ModeAlways, ModeNever, ModeCached:
		return Mode(s), nil
	}
	return "", fmt.Errorf("unknown startup mode %q", s)
}

// Target is an external element to check.
type Target struct {
	Element dcf.ElementKey `yaml:"element"`
	Timeout time.Duration  `yaml:"timeout"`
}

// DVEColumn is a local table column listing element keys to check.
type DVEColumn struct {
	Table   int           `yaml:"table"`
	Column  int           `yaml:"column"`
	Timeout time.Duration `yaml:"timeout"`
}

// Config describes one gate run.
type Config struct {
	Mode         Mode
	LocalTimeout time.Duration
	External     []Target
	DVEs         []DVEColumn
	// Slot holds the checked set in ModeCached.
	Slot string
}

// Source is what the gate reads from the host.
type Source interface {
	host.Lifecycle
	host.Tables
}

// Gate runs readiness checks.
type Gate struct {
	source   Source
	backend  state.Backend
	logger   *slog.Logger
	metrics  *telemetry.Metrics
	interval time.Duration
}

// Option configures a Gate.
type Option func(*Gate)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Gate) { g.logger = l }
}

// WithMetrics records check outcomes.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(g *Gate) { g.metrics = m }
}

// WithInterval overrides the polling interval.
func WithInterval(d time.Duration) Option {
	return func(g *Gate) {
		if d > 0 {
			g.interval = d
		}
	}
}

// New returns a gate. backend is only used in ModeCached and may be nil
// otherwise.
func New(source Source, backend state.Backend, opts ...Option) *Gate {
	g := &Gate{
		source:   source,
		backend:  backend,
		logger:   telemetry.DiscardLogger(),
		interval: DefaultInterval,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Result is the outcome of a gate run.
type Result struct {
	// Unloaded holds the elements that failed their checks.
	Unloaded sets.Set[dcf.ElementKey]
	// Checked holds the elements that passed, including those skipped
	// because they were already in the checked set.
	Checked sets.Set[dcf.ElementKey]
}

// Run checks local and every target of cfg. A local failure is returned
// as an error wrapping ErrNotReady; other failures land in Result.Unloaded.
func (g *Gate) Run(ctx context.Context, local dcf.ElementKey, cfg Config) (Result, error) {
	res := Result{Unloaded: sets.New[dcf.ElementKey](), Checked: sets.New[dcf.ElementKey]()}
	if cfg.Mode == ModeNever {
		return res, nil
	}

	var raw []string
	if cfg.Mode == ModeCached {
		if g.backend == nil || cfg.Slot == "" {
			return res, fmt.Errorf("cached startup mode needs a startup slot")
		}
		buf, err := g.backend.Get(ctx, cfg.Slot)
		if err != nil {
			return res, fmt.Errorf("read startup slot: %w", err)
		}
		raw = ParseChecked(buf)
		for _, s := range raw {
			if k, err := dcf.ParseElementKey(s); err == nil {
				res.Checked.Insert(k)
			}
		}
	}

	localTimeout := cfg.LocalTimeout
	if localTimeout <= 0 {
		localTimeout = DefaultLocalTimeout
	}
	if !res.Checked.Has(local) {
		g.logger.Debug("checking startup", "element", local.String(), "kind", "local")
		if err := g.Check(ctx, local, localTimeout); err != nil {
			g.logger.Error("local element startup check failed", "element", local.String(), "error", err)
			return res, err
		}
		res.Checked.Insert(local)
	}

	for _, t := range cfg.External {
		g.checkTarget(ctx, &res, t.Element, t.Timeout, "external")
	}

	for _, dve := range cfg.DVEs {
		values, err := g.source.Column(ctx, dve.Table, dve.Column)
		if err != nil {
			g.logger.Error("read DVE column", "table", dve.Table, "column", dve.Column, "error", err)
			continue
		}
		for _, v := range values {
			if v == "" {
				continue
			}
			key, err := dcf.ParseElementKey(v)
			if err != nil {
				g.logger.Error("invalid DVE element key", "table", dve.Table, "value", v, "error", err)
				continue
			}
			g.checkTarget(ctx, &res, key, dve.Timeout, "dve")
		}
	}

	if cfg.Mode == ModeCached {
		if err := g.backend.Set(ctx, cfg.Slot, FormatChecked(raw, res.Checked)); err != nil {
			return res, fmt.Errorf("write startup slot: %w", err)
		}
	}
	return res, nil
}

func (g *Gate) checkTarget(ctx context.Context, res *Result, key dcf.ElementKey, timeout time.Duration, kind string) {
	if res.Checked.Has(key) || res.Unloaded.Has(key) {
		return
	}
	if timeout <= 0 {
		timeout = DefaultElementTimeout
	}
	g.logger.Debug("checking startup", "element", key.String(), "kind", kind)
	if err := g.Check(ctx, key, timeout); err != nil {
		g.logger.Error("element startup check failed, marking unloaded", "element", key.String(), "kind", kind, "error", err)
		res.Unloaded.Insert(key)
		return
	}
	res.Checked.Insert(key)
}

// Check runs the three probes against owner, each bounded by timeout.
func (g *Gate) Check(ctx context.Context, owner dcf.ElementKey, timeout time.Duration) error {
	probes := []struct {
		name string
		fn   func(context.Context) (bool, error)
	}{
		{"state", func(ctx context.Context) (bool, error) {
			s, err := g.source.ElementState(ctx, owner)
			return strings.EqualFold(s, host.StateActive), err
		}},
		{"startup", func(ctx context.Context) (bool, error) {
			return g.source.StartupComplete(ctx, owner)
		}},
		{"data", func(ctx context.Context) (bool, error) {
			unsafe, err := g.source.UnsafeData(ctx, owner)
			return !unsafe, err
		}},
	}
	for _, p := range probes {
		if err := g.poll(ctx, timeout, p.fn); err != nil {
			g.metrics.RecordReadiness(false)
			return fmt.Errorf("%s %s probe: %w", owner, p.name, err)
		}
	}
	g.metrics.RecordReadiness(true)
	return nil
}

// poll retries probe until it passes. Host errors count as not ready yet.
func (g *Gate) poll(ctx context.Context, timeout time.Duration, probe func(context.Context) (bool, error)) error {
	var last error
	err := wait.PollUntilContextTimeout(ctx, g.interval, timeout, true, func(ctx context.Context) (bool, error) {
		ok, err := probe(ctx)
		if err != nil {
			last = err
			return false, nil
		}
		return ok, nil
	})
	if err == nil {
		return nil
	}
	if last != nil {
		return fmt.Errorf("%w: last host error: %v", ErrNotReady, last)
	}
	return ErrNotReady
}

// ParseChecked splits a checked-set buffer. Unknown entries are kept so
// they survive a rewrite.
func ParseChecked(buf string) []string {
	var out []string
	for _, s := range strings.Split(buf, ";") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// FormatChecked joins the previous raw entries and the checked keys into
// a sorted, de-duplicated buffer.
func FormatChecked(raw []string, checked sets.Set[dcf.ElementKey]) string {
	all := sets.New(raw...)
	for k := range checked {
		all.Insert(k.String())
	}
	out := all.UnsortedList()
	slices.Sort(out)
	return strings.Join(out, ";")
}
