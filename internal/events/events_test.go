package events

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func TestEventData(t *testing.T) {
	e := New(SweepItem, "corr", "cycle").
		WithData("owner", "1/2").
		WithData("id", 5)

	data, err := e.JSON()
	if err != nil {
		t.Fatalf("JSON: %v", err)
	}
	var decoded Event
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Type != SweepItem || decoded.CycleID != "cycle" {
		t.Errorf("got %+v", decoded)
	}
	if decoded.Data["owner"] != "1/2" {
		t.Errorf("owner: got %v", decoded.Data["owner"])
	}
}

func TestCollectorOfType(t *testing.T) {
	c := &CollectorEmitter{}
	Multi{c, NoopEmitter{}}.Emit(New(CycleStarted, "", "c1"))
	c.Emit(New(SweepItem, "", "c1"))
	c.Emit(New(SweepItem, "", "c1"))

	if got := len(c.OfType(SweepItem)); got != 2 {
		t.Errorf("sweep events: got %d, want 2", got)
	}
	if got := len(c.Events); got != 3 {
		t.Errorf("events: got %d, want 3", got)
	}
}

func TestLogEmitter(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	LogEmitter{Logger: logger}.Emit(New(RemoveItem, "", "c1").WithData("id", 3))

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rec["event"] != string(RemoveItem) {
		t.Errorf("event: got %v", rec["event"])
	}
}

func TestExportLog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.json")
	if err := ExportLog([]*Event{New(CycleCommitted, "", "c1")}, path); err != nil {
		t.Fatalf("ExportLog: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var out []Event
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out) != 1 || out[0].Type != CycleCommitted {
		t.Errorf("got %+v", out)
	}
}

func TestExportLogEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.json")
	if err := ExportLog(nil, path); err != nil {
		t.Fatalf("ExportLog: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != "[]\n" {
		t.Errorf("got %q, want an empty array", data)
	}
}
