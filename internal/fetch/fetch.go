// Package fetch implements FetchAndCache: a cache lookup, a breaker-gated
// upstream call, cache population and stale fallback in one operation.
package fetch

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"edgecompose/internal/breaker"
	"edgecompose/internal/cache"
	"edgecompose/internal/metrics"
	"edgecompose/internal/model"
)

// CacheOnlyURL makes Fetch read the cache and never call upstream.
const CacheOnlyURL = "cache"

// Doer performs one upstream GET. *client.UpstreamClient satisfies it.
type Doer interface {
	Get(ctx context.Context, rawURL string, header http.Header) (*model.UpstreamResponse, error)
}

// Options describe one fetch.
type Options struct {
	URL      string
	CacheKey string // defaults to the normalized URL
	TTL      time.Duration
	Timeout  time.Duration
	Header   http.Header
	NoCache  bool
	// Quiet turns a failure with stale content into a plain stale success.
	Quiet    bool
	StatsKey string
}

// Result is the content handed back to callers. Stale results are degraded
// successes served from an expired cache entry.
type Result struct {
	Content    []byte
	Header     http.Header
	StatusCode int
	Stale      bool
	FromCache  bool
	// NoStore is set when the upstream forbade caching the response.
	NoStore bool
}

// Fetcher runs FetchAndCache against one cache engine and breaker registry.
type Fetcher struct {
	doer     Doer
	cache    cache.Cache
	breakers *breaker.Registry
	logger   *slog.Logger
	metrics  *metrics.Metrics

	// group coalesces concurrent misses on the same cache key; nil disables it.
	group *singleflight.Group
}

// New creates a Fetcher. m may be nil. With coalesce set, concurrent calls
// that miss on the same cache key share one upstream request.
func New(doer Doer, c cache.Cache, breakers *breaker.Registry, coalesce bool, logger *slog.Logger, m *metrics.Metrics) *Fetcher {
	f := &Fetcher{
		doer:     doer,
		cache:    c,
		breakers: breakers,
		logger:   logger.With("component", "fetch"),
		metrics:  m,
	}
	if coalesce {
		f.group = &singleflight.Group{}
	}
	return f
}

// Fetch resolves opts. On failure with a stale entry it returns the stale
// result together with the error, or with a nil error when opts.Quiet is set.
func (f *Fetcher) Fetch(ctx context.Context, opts Options) (*Result, error) {
	start := time.Now()
	res, err := f.fetch(ctx, opts)
	elapsed := time.Since(start)

	outcome := "ok"
	switch {
	case err != nil && res != nil:
		outcome = "stale"
	case err != nil:
		outcome = "error"
	case res.Stale:
		outcome = "stale"
	case res.FromCache:
		outcome = "hit"
	}
	if f.metrics != nil {
		f.metrics.FetchDuration.WithLabelValues(metrics.NormalizeStatsKey(opts.StatsKey), outcome).Observe(elapsed.Seconds())
	}

	if err != nil {
		f.logger.Error("fetch failed",
			"url", opts.URL,
			"stats_key", opts.StatsKey,
			"stale", res != nil,
			"duration_ms", elapsed.Milliseconds(),
			"err", err,
		)
	} else {
		f.logger.Debug("fetch",
			"url", opts.URL,
			"stats_key", opts.StatsKey,
			"outcome", outcome,
			"duration_ms", elapsed.Milliseconds(),
		)
	}
	return res, err
}

func (f *Fetcher) fetch(ctx context.Context, opts Options) (*Result, error) {
	if opts.URL == CacheOnlyURL {
		return f.cacheOnly(ctx, opts)
	}

	u, err := url.Parse(opts.URL)
	if err != nil || !u.IsAbs() || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, &Error{Kind: KindInvalidURL, URL: opts.URL, Err: err}
	}

	key := opts.CacheKey
	if key == "" {
		key = NormalizeKey(u)
	}
	useCache := !opts.NoCache && opts.TTL > 0

	var stale []byte
	if useCache {
		l := f.cache.Get(ctx, key)
		if l.Hit {
			return &Result{Content: l.Content, StatusCode: http.StatusOK, FromCache: true}, nil
		}
		if l.Stale {
			stale = l.Content
		}
	}

	var resp *model.UpstreamResponse
	if useCache && f.group != nil {
		v, callErr, _ := f.group.Do(key, func() (any, error) {
			return f.call(ctx, u, opts)
		})
		resp, _ = v.(*model.UpstreamResponse)
		err = callErr
	} else {
		resp, err = f.call(ctx, u, opts)
	}

	if err != nil {
		if stale == nil {
			return nil, err
		}
		res := &Result{Content: stale, StatusCode: http.StatusOK, Stale: true, FromCache: true}
		if opts.Quiet {
			f.logger.Warn("serving stale content", "url", opts.URL, "err", err)
			return res, nil
		}
		return res, err
	}

	noStore, maxAge, hasMaxAge := parseCacheControl(resp.Header.Get("Cache-Control"))
	res := &Result{
		Content:    resp.Body,
		Header:     resp.Header,
		StatusCode: resp.StatusCode,
		NoStore:    noStore,
	}
	if useCache && !noStore {
		ttl := opts.TTL
		if hasMaxAge {
			ttl = maxAge
		}
		f.cache.Set(ctx, key, resp.Body, ttl)
	}
	return res, nil
}

func (f *Fetcher) cacheOnly(ctx context.Context, opts Options) (*Result, error) {
	if opts.CacheKey != "" {
		if l := f.cache.Get(ctx, opts.CacheKey); l.Found() {
			return &Result{Content: l.Content, StatusCode: http.StatusOK, Stale: l.Stale, FromCache: true}, nil
		}
	}
	return nil, &Error{Kind: KindCacheMiss, URL: opts.CacheKey}
}

// call performs the breaker-gated upstream request. Any status other than 200
// is a failure; 4xx failures do not count against the breaker.
func (f *Fetcher) call(ctx context.Context, u *url.URL, opts Options) (*model.UpstreamResponse, error) {
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	var resp *model.UpstreamResponse
	err := f.breakers.Execute(ctx, u, func(ctx context.Context) error {
		r, err := f.doer.Get(ctx, u.String(), opts.Header)
		if err != nil {
			return classify(ctx, u.String(), err)
		}
		if r.StatusCode != http.StatusOK {
			herr := &Error{Kind: KindHTTP, URL: u.String(), Status: r.StatusCode}
			if r.StatusCode >= 400 && r.StatusCode < 500 {
				return breaker.Neutral(herr)
			}
			return herr
		}
		resp = r
		return nil
	})
	if errors.Is(err, breaker.ErrOpen) {
		return nil, &Error{Kind: KindCircuitOpen, URL: u.String(), Err: err}
	}
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func classify(ctx context.Context, rawURL string, err error) error {
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) ||
		(errors.As(err, &ne) && ne.Timeout()) {
		return &Error{Kind: KindTimeout, URL: rawURL, Err: err}
	}
	return &Error{Kind: KindTransport, URL: rawURL, Err: err}
}

// NormalizeKey derives the default cache key for u: scheme and host lowercased,
// query parameters sorted, fragment dropped.
func NormalizeKey(u *url.URL) string {
	n := url.URL{
		Scheme:   strings.ToLower(u.Scheme),
		Host:     strings.ToLower(u.Host),
		Path:     u.Path,
		RawPath:  u.RawPath,
		RawQuery: u.Query().Encode(),
	}
	if n.Path == "" {
		n.Path = "/"
	}
	return n.String()
}

// parseCacheControl reports whether storage is forbidden and any max-age.
func parseCacheControl(v string) (noStore bool, maxAge time.Duration, hasMaxAge bool) {
	for _, d := range strings.Split(v, ",") {
		d = strings.ToLower(strings.TrimSpace(d))
		switch {
		case d == "no-store" || d == "no-cache":
			noStore = true
		case strings.HasPrefix(d, "max-age="):
			secs, err := strconv.Atoi(strings.Trim(strings.TrimPrefix(d, "max-age="), `"`))
			if err == nil && secs >= 0 {
				maxAge, hasMaxAge = time.Duration(secs)*time.Second, true
			}
		}
	}
	return noStore, maxAge, hasMaxAge
}
