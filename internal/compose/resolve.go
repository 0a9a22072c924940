package compose

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"

	"golang.org/x/net/html"

	"edgecompose/internal/fetch"
	"edgecompose/internal/metrics"
	"edgecompose/internal/slots"
	"edgecompose/internal/vars"
)

// resolve fetches one directive and returns the content for its place.
func (c *Composer) resolve(ctx context.Context, p *page, d directive) ([]byte, error) {
	if ctx.Err() != nil {
		return nil, nil
	}
	v := p.vars.Load()
	opts := c.options(p, v, d)

	res, err := c.fetcher.Fetch(ctx, opts)
	if err != nil {
		return c.fail(ctx, p, v, d, opts.URL, res, err)
	}
	c.absorb(p, res)
	return res.Content, nil
}

// resolveLayout fills the layout named by d with the slots found in inner and
// composes the result.
func (c *Composer) resolveLayout(ctx context.Context, p *page, d directive, inner []byte, depth int) ([]byte, error) {
	if ctx.Err() != nil {
		return nil, nil
	}
	v := p.vars.Load()
	opts := c.options(p, v, d)

	regions, err := slots.Extract(bytes.NewReader(inner))
	if err != nil {
		return errorMarker(opts.URL, err), nil
	}

	res, err := c.fetcher.Fetch(ctx, opts)
	if err != nil {
		return c.fail(ctx, p, v, d, opts.URL, res, err)
	}
	c.absorb(p, res)

	filled, err := slots.Fill(bytes.NewReader(res.Content), regions)
	if err != nil {
		return errorMarker(opts.URL, err), nil
	}
	if depth+1 >= maxLayoutDepth {
		return filled, nil
	}

	var buf bytes.Buffer
	if err := c.pass(ctx, p, bytes.NewReader(filled), &buf, depth+1); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (c *Composer) options(p *page, v *vars.Variables, d directive) fetch.Options {
	return fetch.Options{
		URL:      v.Render(d.url),
		CacheKey: v.Render(d.cacheKey),
		TTL:      d.ttl,
		Timeout:  d.timeout,
		Header:   p.req.Header,
		NoCache:  d.noCache,
		Quiet:    p.req.Quiet,
		StatsKey: d.statsKey,
	}
}

// absorb applies the response level effects of a resolved fragment.
func (c *Composer) absorb(p *page, res *fetch.Result) {
	if res.NoStore {
		p.noStore.Store(true)
	}
	for _, h := range c.variableHeaders {
		if val := res.Header.Get(h); val != "" {
			c.setVar(p, "fragment:"+h, val)
		}
	}
}

func (c *Composer) setVar(p *page, name, value string) {
	for {
		old := p.vars.Load()
		next, existed := old.With(name, value)
		if p.vars.CompareAndSwap(old, next) {
			if existed {
				c.logger.Warn("template variable set more than once", "name", name)
			}
			return
		}
	}
}

// fail resolves a fragment failure: status handler, then 404, then quiet
// substitution, then an inline error marker.
func (c *Composer) fail(ctx context.Context, p *page, v *vars.Variables, d directive, url string, res *fetch.Result, err error) ([]byte, error) {
	if ctx.Err() != nil && errors.Is(err, context.Canceled) {
		// The page was abandoned.
		return nil, nil
	}
	p.errors.Add(1)
	status := fetch.StatusCode(err)

	if status != 0 {
		if out, ok := c.strategies.Resolve(v, status, url); ok {
			c.record(d, url, "handler", err)
			if out.Terminal != nil {
				return nil, out.Terminal
			}
			return out.Content, nil
		}
	}

	if status == http.StatusNotFound {
		if d.ignore404 {
			c.record(d, url, "ignored", err)
			return nil, nil
		}
		c.record(d, url, "not_found", err)
		return nil, fmt.Errorf("%w: %s", ErrPageNotFound, url)
	}

	if p.req.Quiet {
		c.record(d, url, "quiet", err)
		if res != nil {
			return res.Content, nil
		}
		return nil, nil
	}

	c.record(d, url, "inline", err)
	return errorMarker(url, err), nil
}

func (c *Composer) record(d directive, url, resolution string, err error) {
	if c.metrics != nil {
		c.metrics.FragmentErrors.WithLabelValues(metrics.NormalizeStatsKey(d.statsKey), resolution).Inc()
	}
	c.logger.Warn("fragment failed",
		"url", url,
		"stats_key", d.statsKey,
		"resolution", resolution,
		"err", err,
	)
}

func errorMarker(url string, err error) []byte {
	return []byte(`<div class="cx-error" data-cx-url="` + html.EscapeString(url) + `">` +
		html.EscapeString(err.Error()) + `</div>`)
}
