package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestCycleLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, slog.LevelInfo)
	ctx := WithCorrelationID(context.Background(), "corr-1")

	CycleLogger(logger, ctx, "cycle-1").Info("committed")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "corr-1", rec["correlation_id"])
	assert.Equal(t, "cycle-1", rec["cycle_id"])
	assert.Equal(t, "committed", rec["msg"])
}

func TestLoggerLevel(t *testing.T) {
	var buf bytes.Buffer
	NewLogger(&buf, Level(false)).Debug("hidden")
	assert.Empty(t, buf.String())

	NewLogger(&buf, Level(true)).Debug("shown")
	assert.Contains(t, buf.String(), "shown")
}

func TestGeneratedCorrelationID(t *testing.T) {
	ctx := WithCorrelationID(context.Background(), "")
	id := CorrelationID(ctx)
	assert.Len(t, id, 26, "ULID string")
	assert.Empty(t, CorrelationID(context.Background()))
}

func TestMetrics(t *testing.T) {
	m := NewMetrics()
	m.RecordSweep("connections", "deleted", 2)
	m.RecordSweep("connections", "deleted", 1)
	m.RecordSweep("connections", "deferred", 0)
	m.RecordSave("connection", "added")
	m.RecordReadiness(false)
	m.SetManaged("connections", 4, 1)
	m.ObserveCommit("end-of-polling", 20*time.Millisecond)
	m.RecordCycle(true)

	assert.Equal(t, 3.0, testutil.ToFloat64(m.sweepTotal.WithLabelValues("connections", "deleted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.readinessTotal.WithLabelValues("unloaded")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.managedIDs.WithLabelValues("connections", "fixed")))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), `dcfsync_sweep_ids_total{category="connections",outcome="deleted"} 3`))
	assert.NotContains(t, string(body), `outcome="deferred"`)
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.RecordSweep("connections", "deleted", 1)
	m.RecordSave("connection", "added")
	m.RecordRemoval("connections", true)
	m.RecordReadiness(true)
	m.SetManaged("connections", 1, 1)
	m.ObserveCommit("custom", time.Second)
	m.RecordCycle(false)
}

func TestEndSpanRecordsError(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))

	_, span := Tracer(tp).Start(context.Background(), "commit")
	EndSpan(span, errors.New("boom"))
	_, ok := Tracer(tp).Start(context.Background(), "sweep")
	EndSpan(ok, nil)

	spans := recorder.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, codes.Error, spans[0].Status().Code)
	assert.Equal(t, "boom", spans[0].Status().Description)
	assert.Equal(t, codes.Unset, spans[1].Status().Code)
}

func TestNewTracerProvider(t *testing.T) {
	tp, shutdown, err := NewTracerProvider(false, nil, "test")
	require.NoError(t, err)
	_, span := Tracer(tp).Start(context.Background(), "noop")
	assert.False(t, span.SpanContext().IsValid())
	require.NoError(t, shutdown(context.Background()))

	var buf bytes.Buffer
	tp, shutdown, err = NewTracerProvider(true, &buf, "test")
	require.NoError(t, err)
	_, span = Tracer(tp).Start(context.Background(), "exported")
	span.End()
	require.NoError(t, shutdown(context.Background()))
	assert.Contains(t, buf.String(), `"exported"`)
}
