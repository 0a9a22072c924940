package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"go.uber.org/fx/fxtest"

	"edgecompose/internal/config"
	"edgecompose/internal/metrics"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNewEcho_RateLimit(t *testing.T) {
	cfg := &config.Config{
		Server: config.ServerConfig{
			BodyMaxBytes: 1024,
			RateLimit:    config.RateLimitConfig{Enabled: true, RequestsPerSecond: 1},
		},
	}
	e := newEcho(cfg, discardLogger(), metrics.New())
	e.GET("/test", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/test", http.NoBody))
	if rec.Code != http.StatusOK {
		t.Fatalf("first request: status = %d, want %d", rec.Code, http.StatusOK)
	}

	got429 := false
	for range 10 {
		rec = httptest.NewRecorder()
		e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/test", http.NoBody))
		if rec.Code == http.StatusTooManyRequests {
			got429 = true
			break
		}
	}
	if !got429 {
		t.Error("expected at least one 429 response after burst, got none")
	}
}

func TestNewEcho_RequestIDIsUUID(t *testing.T) {
	cfg := &config.Config{Server: config.ServerConfig{BodyMaxBytes: 1024}}
	e := newEcho(cfg, discardLogger(), metrics.New())
	e.GET("/test", func(c echo.Context) error {
		return c.NoContent(http.StatusNoContent)
	})

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/test", http.NoBody))

	id := rec.Header().Get(echo.HeaderXRequestID)
	if _, err := uuid.Parse(id); err != nil {
		t.Errorf("X-Request-Id = %q is not a UUID: %v", id, err)
	}
}

func TestNewLogger_FileSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "edgecompose.log")
	cfg := &config.Config{
		Log: config.LogConfig{Level: "debug", Format: "json", File: path, MaxSizeMB: 1},
	}

	lc := fxtest.NewLifecycle(t)
	logger := newLogger(lc, cfg)
	logger.Debug("written to file", "key", "value")
	lc.RequireStart().RequireStop()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !strings.Contains(string(data), `"msg":"written to file"`) {
		t.Errorf("log file = %q, want the debug record", data)
	}
}

func TestNewBreakers_CountsTransitions(t *testing.T) {
	threshold := 50.0
	cfg := &config.Config{
		CircuitBreaker: &config.CircuitBreakerConfig{
			Window:          "10s",
			Buckets:         10,
			VolumeThreshold: 2,
			ErrorThreshold:  &threshold,
		},
	}
	m := metrics.New()
	breakers := newBreakers(cfg, discardLogger(), m)

	u, _ := url.Parse("http://fragments.internal/header")
	boom := errors.New("boom")
	for range 3 {
		_ = breakers.Execute(context.Background(), u, func(context.Context) error { return boom })
	}

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	var opened float64
	for _, f := range families {
		if f.GetName() != "edgecompose_breaker_transitions_total" {
			continue
		}
		for _, metric := range f.GetMetric() {
			for _, lp := range metric.GetLabel() {
				if lp.GetName() == "to" && lp.GetValue() == "open" {
					opened += metric.GetCounter().GetValue()
				}
			}
		}
	}
	if opened != 1 {
		t.Errorf("open transitions = %v, want 1", opened)
	}
}

func TestNewCache_ClosesOnStop(t *testing.T) {
	cfg := &config.Config{
		Cache: config.CacheConfig{Engine: "memory", MaxEntries: 10},
	}
	lc := fxtest.NewLifecycle(t)
	c, err := newCache(lc, cfg, discardLogger(), metrics.New())
	if err != nil {
		t.Fatalf("newCache: %v", err)
	}
	if c.Engine() != "memory" {
		t.Errorf("Engine() = %q, want memory", c.Engine())
	}

	c.Set(context.Background(), "k", []byte("v"), time.Minute)
	if l := c.Get(context.Background(), "k"); !l.Hit {
		t.Errorf("Get after Set: %+v, want hit", l)
	}
	lc.RequireStart().RequireStop()
}
