package telemetry

import (
	"context"
	"fmt"
	"io"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// InstrumentationName names the tracer used by every package.
const InstrumentationName = "github.com/szaher/dcfsync"

// NewTracerProvider returns a provider writing spans as JSON to w, or a
// no-op provider when enabled is false. The shutdown function flushes
// pending spans.
func NewTracerProvider(enabled bool, w io.Writer, version string) (trace.TracerProvider, func(context.Context) error, error) {
	if !enabled {
		return noop.NewTracerProvider(), func(context.Context) error { return nil }, nil
	}
	exporter, err := stdouttrace.New(stdouttrace.WithWriter(w))
	if err != nil {
		return nil, nil, fmt.Errorf("create span exporter: %w", err)
	}
	res := resource.NewWithAttributes(
		"",
		attribute.String("service.name", "dcfsync"),
		attribute.String("service.version", version),
	)
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	return tp, tp.Shutdown, nil
}

// Tracer returns the dcfsync tracer of tp. A nil provider yields a no-op
// tracer.
func Tracer(tp trace.TracerProvider) trace.Tracer {
	if tp == nil {
		tp = noop.NewTracerProvider()
	}
	return tp.Tracer(InstrumentationName)
}

// EndSpan records err on span, if any, and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// CycleAttrs returns the attributes attached to every cycle span.
func CycleAttrs(cycleID, policy string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("dcfsync.cycle_id", cycleID),
		attribute.String("dcfsync.policy", policy),
	}
}

// OwnerAttr tags a span with the element it acts on.
func OwnerAttr(owner string) attribute.KeyValue {
	return attribute.String("dcfsync.owner", owner)
}
