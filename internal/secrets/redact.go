package secrets

import (
	"context"
	"log/slog"
	"strings"
	"sync"
)

// Placeholder replaces secret values in log output.
const Placeholder = "***REDACTED***"

type secretSet struct {
	mu     sync.RWMutex
	values map[string]bool
}

func (s *secretSet) list() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.values))
	for v := range s.values {
		out = append(out, v)
	}
	return out
}

// RedactFilter is a slog handler that scrubs registered secret values from
// messages and string attributes, groups included.
type RedactFilter struct {
	inner   slog.Handler
	secrets *secretSet
}

// NewRedactFilter wraps inner.
func NewRedactFilter(inner slog.Handler) *RedactFilter {
	return &RedactFilter{inner: inner, secrets: &secretSet{values: make(map[string]bool)}}
}

// AddSecret registers values to redact. Empty values are ignored.
func (f *RedactFilter) AddSecret(values ...string) {
	f.secrets.mu.Lock()
	defer f.secrets.mu.Unlock()
	for _, v := range values {
		if v != "" {
			f.secrets.values[v] = true
		}
	}
}

// Enabled delegates to the inner handler.
func (f *RedactFilter) Enabled(ctx context.Context, level slog.Level) bool {
	return f.inner.Enabled(ctx, level)
}

// Handle implements slog.Handler.
func (f *RedactFilter) Handle(ctx context.Context, record slog.Record) error {
	secrets := f.secrets.list()
	if len(secrets) == 0 {
		return f.inner.Handle(ctx, record)
	}
	out := slog.NewRecord(record.Time, record.Level, redact(record.Message, secrets), record.PC)
	record.Attrs(func(a slog.Attr) bool {
		out.AddAttrs(redactAttr(a, secrets))
		return true
	})
	return f.inner.Handle(ctx, out)
}

// WithAttrs redacts attrs before handing them to the inner handler. The
// derived handler shares the secret set.
func (f *RedactFilter) WithAttrs(attrs []slog.Attr) slog.Handler {
	secrets := f.secrets.list()
	clean := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		clean[i] = redactAttr(a, secrets)
	}
	return &RedactFilter{inner: f.inner.WithAttrs(clean), secrets: f.secrets}
}

// WithGroup implements slog.Handler.
func (f *RedactFilter) WithGroup(name string) slog.Handler {
	return &RedactFilter{inner: f.inner.WithGroup(name), secrets: f.secrets}
}

// RedactString replaces registered secret values in s.
func (f *RedactFilter) RedactString(s string) string {
	return redact(s, f.secrets.list())
}

func redact(s string, secrets []string) string {
	for _, v := range secrets {
		s = strings.ReplaceAll(s, v, Placeholder)
	}
	return s
}

func redactAttr(a slog.Attr, secrets []string) slog.Attr {
	switch a.Value.Kind() {
	case slog.KindString:
		return slog.String(a.Key, redact(a.Value.String(), secrets))
	case slog.KindGroup:
		group := a.Value.Group()
		out := make([]any, len(group))
		for i, g := range group {
			out[i] = redactAttr(g, secrets)
		}
		return slog.Group(a.Key, out...)
	case slog.KindAny:
		if err, ok := a.Value.Any().(error); ok {
			return slog.String(a.Key, redact(err.Error(), secrets))
		}
	}
	return a
}
