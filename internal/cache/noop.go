package cache

import (
	"context"
	"log/slog"
	"time"

	"edgecompose/internal/metrics"
)

// noopCache always misses.
type noopCache struct {
	recorder
	ready chan struct{}
}

func newNoop(logger *slog.Logger, m *metrics.Metrics) *noopCache {
	return &noopCache{recorder: newRecorder(EngineNone, logger, m), ready: closedReady()}
}

func (c *noopCache) Get(context.Context, string) Lookup {
	return c.observeLookup(Lookup{})
}

func (c *noopCache) Set(context.Context, string, []byte, time.Duration) {}

func (c *noopCache) Ready() <-chan struct{} { return c.ready }

func (c *noopCache) Close() error { return nil }
