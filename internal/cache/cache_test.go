package cache

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"edgecompose/internal/config"
	"edgecompose/internal/metrics"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// clock is a manually advanced time source.
type clock struct{ t time.Time }

func newClock() *clock { return &clock{t: time.Unix(1700000000, 0)} }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func setClock(r *recorder, c *clock) { r.now = c.now }

func waitReady(t *testing.T, c Cache) {
	t.Helper()
	select {
	case <-c.Ready():
	case <-time.After(3 * time.Second):
		t.Fatal("cache never became ready")
	}
}

// roundTrip exercises the fresh → stale → miss contract against any engine.
func roundTrip(t *testing.T, c Cache, clk *clock) {
	t.Helper()
	ctx := context.Background()

	if l := c.Get(ctx, "never-written"); l.Found() {
		t.Fatalf("Get(never-written) = %+v, want plain miss", l)
	}

	c.Set(ctx, "k", []byte("<p>v</p>"), time.Second)

	l := c.Get(ctx, "k")
	if !l.Hit || l.Stale || string(l.Content) != "<p>v</p>" {
		t.Fatalf("Get within ttl = %+v, want fresh hit", l)
	}

	clk.advance(1500 * time.Millisecond)

	l = c.Get(ctx, "k")
	if l.Hit || !l.Stale {
		t.Fatalf("Get after ttl = %+v, want stale", l)
	}
	if string(l.Content) != "<p>v</p>" {
		t.Errorf("stale content = %q, want %q", l.Content, "<p>v</p>")
	}
}

func TestMemory_RoundTrip(t *testing.T) {
	c := newMemory(10, testLogger(), nil)
	clk := newClock()
	setClock(&c.recorder, clk)
	roundTrip(t, c, clk)
}

func TestMemory_EvictsLeastRecentlyUsed(t *testing.T) {
	ctx := context.Background()
	c := newMemory(2, testLogger(), nil)

	c.Set(ctx, "a", []byte("1"), time.Minute)
	c.Set(ctx, "b", []byte("2"), time.Minute)
	c.Get(ctx, "a") // a becomes most recent
	c.Set(ctx, "c", []byte("3"), time.Minute)

	if c.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", c.Len())
	}
	if l := c.Get(ctx, "b"); l.Found() {
		t.Error("b should have been evicted")
	}
	if l := c.Get(ctx, "a"); !l.Hit {
		t.Error("a should still be cached")
	}
}

func TestMemory_Overwrite(t *testing.T) {
	ctx := context.Background()
	c := newMemory(10, testLogger(), nil)

	c.Set(ctx, "k", []byte("old"), time.Minute)
	c.Set(ctx, "k", []byte("new"), time.Minute)

	if l := c.Get(ctx, "k"); string(l.Content) != "new" {
		t.Errorf("content = %q, want %q", l.Content, "new")
	}
}

func TestNoop_AlwaysMisses(t *testing.T) {
	ctx := context.Background()
	c := newNoop(testLogger(), nil)
	c.Set(ctx, "k", []byte("v"), time.Minute)
	if l := c.Get(ctx, "k"); l.Found() {
		t.Errorf("Get() = %+v, want miss", l)
	}
	waitReady(t, c)
}

func TestLevelDB_RoundTripAndPersistence(t *testing.T) {
	dir := t.TempDir()

	c, err := newLevelDB(dir, testLogger(), nil)
	if err != nil {
		t.Fatalf("newLevelDB() error = %v", err)
	}
	clk := newClock()
	setClock(&c.recorder, clk)
	roundTrip(t, c, clk)
	if err := c.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	reopened, err := newLevelDB(dir, testLogger(), nil)
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer reopened.Close()
	setClock(&reopened.recorder, clk)

	if l := reopened.Get(context.Background(), "k"); !l.Stale || string(l.Content) != "<p>v</p>" {
		t.Errorf("after reopen Get() = %+v, want stale <p>v</p>", l)
	}
}

func TestRedis_RoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)

	c := newRedis(config.RedisConfig{Addr: mr.Addr(), StaleRetention: "1h"}, testLogger(), nil)
	defer c.Close()
	waitReady(t, c)

	clk := newClock()
	setClock(&c.recorder, clk)
	roundTrip(t, c, clk)

	// The store keeps the key well past its TTL for stale reads.
	if ttl := mr.TTL("k"); ttl < time.Hour {
		t.Errorf("redis TTL = %v, want at least ttl + retention", ttl)
	}
}

func TestRedis_UnavailableReadsAsMiss(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	m := metrics.New()
	c := newRedis(config.RedisConfig{Addr: addr, TimeoutMillis: 50}, testLogger(), m)
	defer c.Close()

	ctx := context.Background()
	done := make(chan Lookup, 1)
	go func() {
		c.Set(ctx, "k", []byte("v"), time.Minute)
		done <- c.Get(ctx, "k")
	}()

	select {
	case l := <-done:
		if l.Found() {
			t.Errorf("Get() = %+v, want miss while redis is down", l)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("cache operations blocked while redis was down")
	}

	select {
	case <-c.Ready():
		t.Error("Ready() closed although redis is down")
	default:
	}
}

func TestCodec(t *testing.T) {
	e := Entry{
		Content:   []byte(`<div class="x">"quoted"</div>`),
		ExpiresAt: time.UnixMilli(1700000000123),
		TTL:       90 * time.Second,
	}

	b, err := encodeEntry(e)
	if err != nil {
		t.Fatalf("encodeEntry() error = %v", err)
	}
	for _, field := range []string{`"content"`, `"expires":1700000000123`, `"ttl":90000`} {
		if !strings.Contains(string(b), field) {
			t.Errorf("encoded %s missing %s", b, field)
		}
	}

	got, err := decodeEntry(b)
	if err != nil {
		t.Fatalf("decodeEntry() error = %v", err)
	}
	if string(got.Content) != string(e.Content) || !got.ExpiresAt.Equal(e.ExpiresAt) || got.TTL != e.TTL {
		t.Errorf("decodeEntry() = %+v, want %+v", got, e)
	}

	if _, err := decodeEntry([]byte("not json")); err == nil {
		t.Error("decodeEntry(garbage) expected error")
	}
	if _, err := decodeEntry([]byte(`{"ttl":1}`)); err == nil {
		t.Error("decodeEntry(missing fields) expected error")
	}
	if _, err := decodeEntry([]byte(`{"content":"x","expires":1,"encoding":"rot13"}`)); err == nil {
		t.Error("decodeEntry(unknown encoding) expected error")
	}
}

func TestCodec_BinaryContent(t *testing.T) {
	png := []byte{0x89, 0x50, 0x4e, 0x47, 0xff, 0xfe, 0x00, 0x01}
	e := Entry{Content: png, ExpiresAt: time.UnixMilli(1700000000000), TTL: time.Minute}

	b, err := encodeEntry(e)
	if err != nil {
		t.Fatalf("encodeEntry() error = %v", err)
	}
	if !strings.Contains(string(b), `"encoding":"base64"`) {
		t.Errorf("encoded %s missing base64 encoding flag", b)
	}

	got, err := decodeEntry(b)
	if err != nil {
		t.Fatalf("decodeEntry() error = %v", err)
	}
	if !bytes.Equal(got.Content, png) {
		t.Errorf("decodeEntry().Content = %x, want %x", got.Content, png)
	}
}

func TestPersistentEngines_KeepBinaryContent(t *testing.T) {
	png := []byte{0x89, 0x50, 0x4e, 0x47, 0xff, 0xfe, 0x00, 0x01}

	mr := miniredis.RunT(t)
	rc := newRedis(config.RedisConfig{Addr: mr.Addr()}, testLogger(), nil)
	defer rc.Close()
	waitReady(t, rc)

	lc, err := newLevelDB(t.TempDir(), testLogger(), nil)
	if err != nil {
		t.Fatalf("newLevelDB() error = %v", err)
	}
	defer lc.Close()

	for _, c := range []Cache{rc, lc} {
		t.Run(c.Engine(), func(t *testing.T) {
			c.Set(context.Background(), "img", png, time.Minute)
			l := c.Get(context.Background(), "img")
			if !l.Hit || !bytes.Equal(l.Content, png) {
				t.Errorf("Get() = %+v, want hit with %x", l, png)
			}
		})
	}
}

func TestFactory_SingletonPerConfig(t *testing.T) {
	f := NewFactory(testLogger(), nil)
	defer f.Close()

	a, err := f.Open(config.CacheConfig{Engine: "memory", MaxEntries: 5})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	b, _ := f.Open(config.CacheConfig{Engine: "memory", MaxEntries: 5})
	if a != b {
		t.Error("Open() with identical config returned different instances")
	}

	other, _ := f.Open(config.CacheConfig{Engine: "memory", MaxEntries: 6})
	if other == a {
		t.Error("Open() with different config returned the same instance")
	}

	none, _ := f.Open(config.CacheConfig{Engine: "none"})
	if none.Engine() != EngineNone {
		t.Errorf("Engine() = %q, want %q", none.Engine(), EngineNone)
	}

	if _, err := f.Open(config.CacheConfig{Engine: "memcached"}); err == nil {
		t.Error("Open() expected error for unknown engine")
	}
}

func TestMemory_RecordsMetrics(t *testing.T) {
	m := metrics.New()
	c := newMemory(10, testLogger(), m)
	ctx := context.Background()

	c.Get(ctx, "missing")
	c.Set(ctx, "k", []byte("v"), time.Minute)
	c.Get(ctx, "k")

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	got := map[string]float64{}
	for _, f := range families {
		if f.GetName() != "edgecompose_cache_operations_total" {
			continue
		}
		for _, metric := range f.GetMetric() {
			for _, lp := range metric.GetLabel() {
				if lp.GetName() == "result" {
					got[lp.GetValue()] = metric.GetCounter().GetValue()
				}
			}
		}
	}
	for _, result := range []string{"hit", "miss", "set"} {
		if got[result] != 1 {
			t.Errorf("cache %s count = %v, want 1", result, got[result])
		}
	}
}
