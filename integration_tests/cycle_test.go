package integration_tests

import (
	"context"
	"fmt"
	"path/filepath"
	"slices"
	"testing"

	"github.com/alicebob/miniredis/v2"

	"github.com/szaher/dcfsync/internal/config"
	"github.com/szaher/dcfsync/internal/dcf"
	"github.com/szaher/dcfsync/internal/desired"
	"github.com/szaher/dcfsync/internal/events"
	"github.com/szaher/dcfsync/internal/host/memhost"
	"github.com/szaher/dcfsync/internal/reconcile"
	"github.com/szaher/dcfsync/internal/state"
)

var local = dcf.Key(1, 10)

// backends returns the backend section of a configuration file for every
// driver that runs without external services.
func backends(t *testing.T) map[string]string {
	dir := t.TempDir()
	mr := miniredis.RunT(t)
	return map[string]string{
		"file":   fmt.Sprintf("{type: file, file: {path: %s}}", filepath.Join(dir, "slots.json")),
		"memory": "{type: memory}",
		"sqlite": fmt.Sprintf("{type: sqlite, sqlite: {path: %s}}", filepath.Join(dir, "slots.db")),
		"badger": fmt.Sprintf("{type: badger, badger: {path: %s}}", filepath.Join(dir, "badger")),
		"redis":  fmt.Sprintf("{type: redis, redis: {url: 'redis://%s/0'}}", mr.Addr()),
	}
}

func graph() *memhost.Store {
	h := memhost.New(local)
	h.AddInterface(dcf.Interface{ID: 1, Element: local, Name: "in"})
	h.AddInterface(dcf.Interface{ID: 2, Element: local, Name: "out"})
	h.AddInterface(dcf.Interface{ID: 3, Element: local, Name: "spare"})
	h.AddInterface(dcf.Interface{ID: 4, Element: local, Name: "backup"})
	return h
}

type harness struct {
	t       *testing.T
	cfg     *config.Config
	host    *memhost.Store
	backend state.Backend
}

func newHarness(t *testing.T, backend string) *harness {
	t.Helper()
	cfg, err := config.Parse([]byte("local: 1/10\nstartup: {mode: never}\nbackend: " + backend + "\n"))
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	b, err := state.Open(context.Background(), cfg.Backend)
	if err != nil {
		t.Fatalf("open backend: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })
	return &harness{t: t, cfg: cfg, host: graph(), backend: b}
}

// cycle applies doc under policy and commits.
func (h *harness) cycle(policy, doc string, em events.Emitter) *reconcile.Summary {
	h.t.Helper()
	d, err := desired.Parse([]byte(doc))
	if err != nil {
		h.t.Fatalf("desired: %v", err)
	}
	ec, err := h.cfg.Engine(policy)
	if err != nil {
		h.t.Fatalf("engine config: %v", err)
	}
	var opts []reconcile.Option
	if em != nil {
		opts = append(opts, reconcile.WithEmitter(em))
	}
	e, err := reconcile.New(context.Background(), h.host, h.backend, ec, opts...)
	if err != nil {
		h.t.Fatalf("new engine: %v", err)
	}
	if rep := desired.Apply(context.Background(), e, d, nil); !rep.OK() {
		h.t.Fatalf("apply problems: %v", rep.Problems)
	}
	sum, err := e.Commit(context.Background())
	if err != nil {
		h.t.Fatalf("commit: %v", err)
	}
	return sum
}

func (h *harness) connections() []string {
	h.t.Helper()
	conns, err := h.host.Connections(context.Background(), local)
	if err != nil {
		h.t.Fatalf("connections: %v", err)
	}
	var names []string
	for _, c := range conns {
		names = append(names, c.Name)
	}
	slices.Sort(names)
	return names
}

func connectionsDoc(names ...string) string {
	doc := "connections:\n"
	for _, n := range names {
		doc += fmt.Sprintf("  - {source: {name: in}, destination: {name: %s}, name: %s}\n", n, n)
	}
	return doc
}

func TestSweepAcrossBackends(t *testing.T) {
	for name, backend := range backends(t) {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, backend)

			h.cycle("", connectionsDoc("out", "spare"), nil)
			if got := h.connections(); !slices.Equal(got, []string{"out", "spare"}) {
				t.Fatalf("after first cycle: %v", got)
			}

			sum := h.cycle("", connectionsDoc("out", "backup"), nil)
			if sum.Deleted != 1 || !sum.OK {
				t.Errorf("second cycle: deleted %d, ok %v", sum.Deleted, sum.OK)
			}
			if got := h.connections(); !slices.Equal(got, []string{"backup", "out"}) {
				t.Errorf("after second cycle: %v", got)
			}

			// A cycle that saves nothing sweeps everything it manages.
			sum = h.cycle("", "{}", nil)
			if sum.Deleted != 2 {
				t.Errorf("empty cycle deleted %d, want 2", sum.Deleted)
			}
			if got := h.connections(); len(got) != 0 {
				t.Errorf("after empty cycle: %v", got)
			}
		})
	}
}

func TestPollingSyncAccumulatesBeforeFlush(t *testing.T) {
	h := newHarness(t, "{type: memory}")
	h.cycle("", connectionsDoc("out", "spare", "backup"), nil)

	// Two partial polls record what they saw; the final one sweeps the
	// rest.
	h.cycle("polling-sync", connectionsDoc("out"), nil)
	if got := h.connections(); len(got) != 3 {
		t.Fatalf("polling-sync must not delete: %v", got)
	}
	sum := h.cycle("end-of-polling", connectionsDoc("backup"), nil)
	if sum.Deleted != 1 {
		t.Errorf("deleted %d, want 1", sum.Deleted)
	}
	if got := h.connections(); !slices.Equal(got, []string{"backup", "out"}) {
		t.Errorf("after flush: %v", got)
	}
}

func TestFixedPropertySurvivesSweep(t *testing.T) {
	h := newHarness(t, "{type: memory}")
	h.cycle("", `
interface_properties:
  - interface: {name: out}
    fixed: true
    properties: [{name: role, value: uplink}]
  - interface: {name: spare}
    properties: [{name: role, value: spare}]
`, nil)

	h.cycle("", "{}", nil)

	out, _ := h.host.InterfaceProperties(context.Background(), local, 2)
	if len(out) != 1 || out[0].Value != "uplink" {
		t.Errorf("fixed property: %+v", out)
	}
	spare, _ := h.host.InterfaceProperties(context.Background(), local, 3)
	if len(spare) != 0 {
		t.Errorf("normal property not swept: %+v", spare)
	}
}

func TestCycleEventsAreOrdered(t *testing.T) {
	h := newHarness(t, "{type: memory}")
	h.cycle("", connectionsDoc("out"), nil)

	collector := &events.CollectorEmitter{}
	h.cycle("", connectionsDoc("spare"), collector)

	var types []events.Type
	for _, e := range collector.Events {
		if len(types) == 0 || types[len(types)-1] != e.Type {
			types = append(types, e.Type)
		}
	}
	want := []events.Type{
		events.ReadinessChecked,
		events.CycleStarted,
		events.SaveItem,
		events.SweepItem,
		events.CycleCommitted,
	}
	if !slices.Equal(types, want) {
		t.Errorf("event order = %v, want %v", types, want)
	}
}
