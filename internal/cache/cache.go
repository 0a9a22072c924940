// Package cache provides the fragment cache engines.
//
// Every engine stores content with an advisory expiry: a lookup past the
// expiry still returns the content, flagged stale, so callers can fall back to
// it when the upstream fails. Engines never surface backing-store errors; a
// broken store behaves like an empty one.
package cache

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"edgecompose/internal/config"
	"edgecompose/internal/metrics"
)

// Engine names accepted by Open.
const (
	EngineNone    = "none"
	EngineMemory  = "memory"
	EngineRedis   = "redis"
	EngineLevelDB = "leveldb"
)

// Cache is the capability set shared by all engines.
type Cache interface {
	// Get looks up key. It never fails; store errors read as a miss.
	Get(ctx context.Context, key string) Lookup
	// Set stores content for ttl. Failures are logged and dropped.
	Set(ctx context.Context, key string, content []byte, ttl time.Duration)
	// Ready is closed once the engine can serve requests.
	Ready() <-chan struct{}
	Engine() string
	Close() error
}

// Lookup is the result of a cache read. Hit means fresh content; Stale means
// content past its expiry. Both false is a plain miss.
type Lookup struct {
	Content []byte
	Hit     bool
	Stale   bool
}

// Found reports whether any content, fresh or stale, was returned.
func (l Lookup) Found() bool { return l.Hit || l.Stale }

// Entry is one stored value.
type Entry struct {
	Content   []byte
	ExpiresAt time.Time
	TTL       time.Duration
}

func newEntry(content []byte, ttl time.Duration, now time.Time) Entry {
	return Entry{Content: content, ExpiresAt: now.Add(ttl), TTL: ttl}
}

func (e Entry) lookup(now time.Time) Lookup {
	if now.After(e.ExpiresAt) {
		return Lookup{Content: e.Content, Stale: true}
	}
	return Lookup{Content: e.Content, Hit: true}
}

// recorder carries the logging and metrics shared by every engine.
type recorder struct {
	engine  string
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

func newRecorder(engine string, logger *slog.Logger, m *metrics.Metrics) recorder {
	return recorder{
		engine:  engine,
		logger:  logger.With("component", "cache", "engine", engine),
		metrics: m,
		now:     time.Now,
	}
}

func (r recorder) Engine() string { return r.engine }

func (r recorder) observe(result string) {
	if r.metrics != nil {
		r.metrics.CacheOperations.WithLabelValues(r.engine, result).Inc()
	}
}

func (r recorder) observeLookup(l Lookup) Lookup {
	switch {
	case l.Hit:
		r.observe("hit")
	case l.Stale:
		r.observe("stale")
	default:
		r.observe("miss")
	}
	return l
}

func (r recorder) fail(op, key string, err error) {
	r.observe("error")
	r.logger.Debug("cache unavailable, treating as miss", "op", op, "key", key, "err", err)
}

// closedReady returns an already closed ready channel.
func closedReady() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

// Factory hands out one live engine per distinct cache configuration.
type Factory struct {
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	engines map[config.CacheConfig]Cache
}

// NewFactory creates a Factory. m may be nil.
func NewFactory(logger *slog.Logger, m *metrics.Metrics) *Factory {
	return &Factory{
		logger:  logger,
		metrics: m,
		engines: make(map[config.CacheConfig]Cache),
	}
}

// Open returns the engine for cfg, creating it on first use.
func (f *Factory) Open(cfg config.CacheConfig) (Cache, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if c, ok := f.engines[cfg]; ok {
		return c, nil
	}

	var (
		c   Cache
		err error
	)
	switch strings.ToLower(cfg.Engine) {
	case EngineNone:
		c = newNoop(f.logger, f.metrics)
	case EngineMemory, "":
		c = newMemory(cfg.MaxEntries, f.logger, f.metrics)
	case EngineRedis:
		c = newRedis(cfg.Redis, f.logger, f.metrics)
	case EngineLevelDB:
		c, err = newLevelDB(cfg.LevelDB.Path, f.logger, f.metrics)
	default:
		err = fmt.Errorf("unknown engine %q", cfg.Engine)
	}
	if err != nil {
		return nil, fmt.Errorf("cache: open %s: %w", cfg.Engine, err)
	}

	f.engines[cfg] = c
	return c, nil
}

// Close closes every engine the factory opened.
func (f *Factory) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	var first error
	for k, c := range f.engines {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
		delete(f.engines, k)
	}
	return first
}
