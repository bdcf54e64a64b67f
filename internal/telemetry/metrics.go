// Package telemetry provides logging, metrics and tracing for dcfsync.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects Prometheus metrics for reconciliation cycles. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	sweepTotal     *prometheus.CounterVec
	savesTotal     *prometheus.CounterVec
	removalsTotal  *prometheus.CounterVec
	readinessTotal *prometheus.CounterVec
	managedIDs     *prometheus.GaugeVec
	commitDuration *prometheus.HistogramVec
	cyclesTotal    *prometheus.CounterVec
}

// NewMetrics creates the collectors on a private registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		sweepTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dcfsync",
			Name:      "sweep_ids_total",
			Help:      "IDs handled by end-of-polling sweeps, by outcome.",
		}, []string{"category", "outcome"}),
		savesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dcfsync",
			Name:      "saves_total",
			Help:      "Saved items, by kind and outcome.",
		}, []string{"kind", "outcome"}),
		removalsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dcfsync",
			Name:      "removals_total",
			Help:      "Explicit removals, by category and outcome.",
		}, []string{"category", "outcome"}),
		readinessTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dcfsync",
			Name:      "readiness_checks_total",
			Help:      "Element readiness checks, by outcome.",
		}, []string{"outcome"}),
		managedIDs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "dcfsync",
			Name:      "managed_ids",
			Help:      "IDs held in the mapping after the last commit.",
		}, []string{"category", "kind"}),
		commitDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "dcfsync",
			Name:      "commit_duration_seconds",
			Help:      "Duration of commits, by policy.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"policy"}),
		cyclesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dcfsync",
			Name:      "cycles_total",
			Help:      "Completed cycles, by status.",
		}, []string{"status"}),
	}
	m.registry.MustRegister(
		m.sweepTotal,
		m.savesTotal,
		m.removalsTotal,
		m.readinessTotal,
		m.managedIDs,
		m.commitDuration,
		m.cyclesTotal,
	)
	return m
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordSweep adds n IDs with the given outcome.
func (m *Metrics) RecordSweep(category, outcome string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.sweepTotal.WithLabelValues(category, outcome).Add(float64(n))
}

// RecordSave counts one saved item.
func (m *Metrics) RecordSave(kind, outcome string) {
	if m == nil {
		return
	}
	m.savesTotal.WithLabelValues(kind, outcome).Inc()
}

// RecordRemoval counts one explicit removal.
func (m *Metrics) RecordRemoval(category string, ok bool) {
	if m == nil {
		return
	}
	m.removalsTotal.WithLabelValues(category, outcome(ok)).Inc()
}

// RecordReadiness counts one element readiness check.
func (m *Metrics) RecordReadiness(ready bool) {
	if m == nil {
		return
	}
	label := "ready"
	if !ready {
		label = "unloaded"
	}
	m.readinessTotal.WithLabelValues(label).Inc()
}

// SetManaged records the mapping size of one category.
func (m *Metrics) SetManaged(category string, normal, fixed int) {
	if m == nil {
		return
	}
	m.managedIDs.WithLabelValues(category, "normal").Set(float64(normal))
	m.managedIDs.WithLabelValues(category, "fixed").Set(float64(fixed))
}

// ObserveCommit records the duration of one commit.
func (m *Metrics) ObserveCommit(policy string, d time.Duration) {
	if m == nil {
		return
	}
	m.commitDuration.WithLabelValues(policy).Observe(d.Seconds())
}

// RecordCycle counts one completed cycle.
func (m *Metrics) RecordCycle(ok bool) {
	if m == nil {
		return
	}
	m.cyclesTotal.WithLabelValues(outcome(ok)).Inc()
}

// Handler returns an HTTP handler that serves the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func outcome(ok bool) string {
	if ok {
		return "ok"
	}
	return "failed"
}
