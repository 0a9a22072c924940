package cache

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/syndtr/goleveldb/leveldb"

	"edgecompose/internal/metrics"
)

// entryPrefix namespaces content keys inside the database.
const entryPrefix = "e:"

// levelDBCache persists entries on local disk so stale fallbacks survive restarts.
type levelDBCache struct {
	recorder
	db    *leveldb.DB
	ready chan struct{}
}

func newLevelDB(path string, logger *slog.Logger, m *metrics.Metrics) (*levelDBCache, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, err
	}
	return &levelDBCache{
		recorder: newRecorder(EngineLevelDB, logger, m),
		db:       db,
		ready:    closedReady(),
	}, nil
}

func (c *levelDBCache) Get(_ context.Context, key string) Lookup {
	b, err := c.db.Get([]byte(entryPrefix+key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
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

func (c *levelDBCache) Set(_ context.Context, key string, content []byte, ttl time.Duration) {
	b, err := encodeEntry(newEntry(content, ttl, c.now()))
	if err != nil {
		c.fail("encode", key, err)
		return
	}
	if err := c.db.Put([]byte(entryPrefix+key), b, nil); err != nil {
		c.fail("set", key, err)
		return
	}
	c.observe("set")
}

func (c *levelDBCache) Ready() <-chan struct{} { return c.ready }

func (c *levelDBCache) Close() error { return c.db.Close() }
