package cache

import (
	"container/list"
	"context"
	"log/slog"
	"sync"
	"time"

	"edgecompose/internal/metrics"
)

// memoryCache is an in-process LRU. Expired entries stay until evicted by
// size pressure so they remain available as stale fallbacks.
type memoryCache struct {
	recorder
	ready chan struct{}

	mu         sync.Mutex
	items      map[string]*list.Element
	evictList  *list.List
	maxEntries int
}

type memoryItem struct {
	key   string
	entry Entry
}

func newMemory(maxEntries int, logger *slog.Logger, m *metrics.Metrics) *memoryCache {
	if maxEntries <= 0 {
		maxEntries = 10000
	}
	return &memoryCache{
		recorder:   newRecorder(EngineMemory, logger, m),
		ready:      closedReady(),
		items:      make(map[string]*list.Element),
		evictList:  list.New(),
		maxEntries: maxEntries,
	}
}

func (c *memoryCache) Get(_ context.Context, key string) Lookup {
	c.mu.Lock()
	el, ok := c.items[key]
	if !ok {
		c.mu.Unlock()
		return c.observeLookup(Lookup{})
	}
	c.evictList.MoveToFront(el)
	e := el.Value.(*memoryItem).entry
	c.mu.Unlock()

	return c.observeLookup(e.lookup(c.now()))
}

func (c *memoryCache) Set(_ context.Context, key string, content []byte, ttl time.Duration) {
	e := newEntry(content, ttl, c.now())

	c.mu.Lock()
	defer c.mu.Unlock()

	c.observe("set")
	if el, ok := c.items[key]; ok {
		c.evictList.MoveToFront(el)
		el.Value.(*memoryItem).entry = e
		return
	}

	c.items[key] = c.evictList.PushFront(&memoryItem{key: key, entry: e})
	for c.evictList.Len() > c.maxEntries {
		oldest := c.evictList.Back()
		c.evictList.Remove(oldest)
		delete(c.items, oldest.Value.(*memoryItem).key)
	}
}

func (c *memoryCache) Ready() <-chan struct{} { return c.ready }

// Len returns the number of stored entries.
func (c *memoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

func (c *memoryCache) Close() error { return nil }
