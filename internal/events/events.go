// Package events defines the structured events emitted while a
// reconciliation cycle runs.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

// Type represents the kind of event.
type Type string

const (
	CycleStarted     Type = "cycle.started"
	ReadinessChecked Type = "readiness.checked"
	SaveItem         Type = "save.item"
	RemoveItem       Type = "remove.item"
	SweepItem        Type = "sweep.item"
	CycleCommitted   Type = "cycle.committed"
	CycleFailed      Type = "cycle.failed"
)

// Event is a structured event emitted during a cycle.
type Event struct {
	Type          Type           `json:"type"`
	Timestamp     time.Time      `json:"timestamp"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	CycleID       string         `json:"cycle_id"`
	Data          map[string]any `json:"data,omitempty"`
}

// New creates an event for one cycle.
func New(eventType Type, correlationID, cycleID string) *Event {
	return &Event{
		Type:          eventType,
		Timestamp:     time.Now(),
		CorrelationID: correlationID,
		CycleID:       cycleID,
	}
}

// WithData adds data fields to the event and returns it for chaining.
func (e *Event) WithData(key string, value any) *Event {
	if e.Data == nil {
		e.Data = make(map[string]any)
	}
	e.Data[key] = value
	return e
}

// JSON returns the event serialized as JSON.
func (e *Event) JSON() ([]byte, error) {
	return json.Marshal(e)
}

// Emitter is the interface for event consumers.
type Emitter interface {
	Emit(event *Event)
}

// NoopEmitter discards all events.
type NoopEmitter struct{}

// Emit implements Emitter by discarding the event.
func (NoopEmitter) Emit(*Event) {}

// CollectorEmitter collects events in memory.
type CollectorEmitter struct {
	mu     sync.Mutex
	Events []*Event
}

// Emit appends the event to the collector.
func (c *CollectorEmitter) Emit(event *Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Events = append(c.Events, event)
}

// OfType returns the collected events of one type.
func (c *CollectorEmitter) OfType(t Type) []*Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*Event
	for _, e := range c.Events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// LogEmitter writes every event as a debug record.
type LogEmitter struct {
	Logger *slog.Logger
}

// Emit implements Emitter.
func (l LogEmitter) Emit(event *Event) {
	attrs := []slog.Attr{slog.String("event", string(event.Type))}
	for k, v := range event.Data {
		attrs = append(attrs, slog.Any(k, v))
	}
	l.Logger.LogAttrs(context.Background(), slog.LevelDebug, "event", attrs...)
}

// Multi fans events out to several emitters.
type Multi []Emitter

// Emit implements Emitter.
func (m Multi) Emit(event *Event) {
	for _, e := range m {
		e.Emit(event)
	}
}
