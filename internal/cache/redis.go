package cache

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"edgecompose/internal/config"
	"edgecompose/internal/metrics"
	"edgecompose/internal/model"
)

// redisCache is the distributed engine. Staleness is computed here from the
// stored expiry; redis itself only drops the key after the retention window.
type redisCache struct {
	recorder
	client    *redis.Client
	timeout   time.Duration
	retention time.Duration

	ready chan struct{}
	stop  chan struct{}
}

func newRedis(cfg config.RedisConfig, logger *slog.Logger, m *metrics.Metrics) *redisCache {
	timeout := time.Duration(cfg.TimeoutMillis) * time.Millisecond
	if timeout <= 0 {
		timeout = 200 * time.Millisecond
	}

	c := &redisCache{
		recorder: newRecorder(EngineRedis, logger, m),
		client: redis.NewClient(&redis.Options{
			Addr:         cfg.Addr,
			Password:     cfg.Password,
			DB:           cfg.DB,
			DialTimeout:  timeout,
			ReadTimeout:  timeout,
			WriteTimeout: timeout,
			MaxRetries:   -1,
		}),
		timeout:   timeout,
		retention: model.ParseDuration(cfg.StaleRetention, 24*time.Hour),
		ready:     make(chan struct{}),
		stop:      make(chan struct{}),
	}
	go c.waitReady()
	return c
}

// waitReady pings until the server answers, then closes ready.
func (c *redisCache) waitReady() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
		err := c.client.Ping(ctx).Err()
		cancel()
		if err == nil {
			c.logger.Info("redis cache ready")
			close(c.ready)
			return
		}
		c.logger.Warn("redis cache not reachable, retrying", "err", err)

		select {
		case <-c.stop:
			return
		case <-ticker.C:
		}
	}
}

func (c *redisCache) Get(ctx context.Context, key string) Lookup {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	b, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return c.observeLookup(Lookup{})
	}
	if err != nil {
		c.fail("get", key, err)
		return Lookup{}
	}

	e, err := decodeEntry(b)
	if err != nil {
		c.fail("decode", key, err)
		return Lookup{}
	}
	return c.observeLookup(e.lookup(c.now()))
}

func (c *redisCache) Set(ctx context.Context, key string, content []byte, ttl time.Duration) {
	b, err := encodeEntry(newEntry(content, ttl, c.now()))
	if err != nil {
		c.fail("encode", key, err)
		return
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.client.Set(ctx, key, b, ttl+c.retention).Err(); err != nil {
		c.fail("set", key, err)
		return
	}
	c.observe("set")
}

func (c *redisCache) Ready() <-chan struct{} { return c.ready }

func (c *redisCache) Close() error {
	close(c.stop)
	return c.client.Close()
}
