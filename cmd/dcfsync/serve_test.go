package main

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/szaher/dcfsync/internal/config"
	"github.com/szaher/dcfsync/internal/telemetry"
)

func TestHTTPHandler(t *testing.T) {
	cfg := config.Default()
	cfg.Metrics.Token = "scrape"
	m := telemetry.NewMetrics()
	m.RecordCycle(true)
	s := &session{cfg: cfg, metrics: m}
	h := s.httpHandler()

	get := func(path, token string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusOK, get("/healthz", "").Code)
	assert.Equal(t, http.StatusUnauthorized, get("/metrics", "").Code)

	rec := get("/metrics", "scrape")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "dcfsync_cycles_total")
}
