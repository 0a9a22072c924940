package compose

import (
	"fmt"
	"strings"
	"time"

	"github.com/andybalholm/cascadia"
	"golang.org/x/net/html"

	"edgecompose/internal/config"
	"edgecompose/internal/model"
)

// Directive attributes recognized on any element.
const (
	AttrURL          = "cx-url"
	AttrCacheKey     = "cx-cache-key"
	AttrCacheTTL     = "cx-cache-ttl"
	AttrTimeout      = "cx-timeout"
	AttrNoCache      = "cx-no-cache"
	AttrIgnore404    = "cx-ignore-404"
	AttrStatsKey     = "cx-statsd-key"
	AttrReplaceOuter = "cx-replace-outer"
	AttrLayout       = "cx-layout"
)

// directive is one fragment to resolve. URL and CacheKey are templates until
// the directive is dispatched.
type directive struct {
	url       string
	cacheKey  string
	ttl       time.Duration
	timeout   time.Duration
	noCache   bool
	ignore404 bool
	statsKey  string
	outer     bool
	remove    bool
	layout    bool
}

type rule struct {
	match cascadia.Matcher
	cfg   config.RuleConfig
}

func compileRules(cfgs []config.RuleConfig) ([]rule, error) {
	rules := make([]rule, 0, len(cfgs))
	for i, rc := range cfgs {
		sel, err := cascadia.ParseGroup(rc.Selector)
		if err != nil {
			return nil, fmt.Errorf("rules[%d] selector %q: %w", i, rc.Selector, err)
		}
		rules = append(rules, rule{match: sel, cfg: rc})
	}
	return rules, nil
}

// directiveFor returns the directive carried by tok. Markup attributes win
// over configured rules.
func (c *Composer) directiveFor(tok html.Token, outerDefault bool) (directive, bool) {
	if u, ok := attr(tok, AttrLayout); ok {
		d := c.fromAttrs(tok, u, outerDefault)
		d.layout, d.outer = true, true
		return d, true
	}
	if u, ok := attr(tok, AttrURL); ok {
		return c.fromAttrs(tok, u, outerDefault), true
	}
	if len(c.rules) == 0 {
		return directive{}, false
	}

	n := &html.Node{Type: html.ElementNode, Data: tok.Data, DataAtom: tok.DataAtom, Attr: tok.Attr}
	for _, r := range c.rules {
		if !r.match.Match(n) {
			continue
		}
		return directive{
			url:       r.cfg.URL,
			cacheKey:  r.cfg.CacheKey,
			ttl:       model.ParseDuration(r.cfg.TTL, c.defaultTTL),
			timeout:   model.ParseDuration(r.cfg.Timeout, c.defaultTimeout),
			noCache:   r.cfg.NoCache,
			ignore404: r.cfg.Ignore404,
			statsKey:  r.cfg.StatsKey,
			outer:     r.cfg.ReplaceOuter || outerDefault,
			remove:    r.cfg.Remove,
		}, true
	}
	return directive{}, false
}

func (c *Composer) fromAttrs(tok html.Token, url string, outerDefault bool) directive {
	key, _ := attr(tok, AttrCacheKey)
	ttl, _ := attr(tok, AttrCacheTTL)
	timeout, _ := attr(tok, AttrTimeout)
	stats, _ := attr(tok, AttrStatsKey)

	outer := outerDefault
	if _, ok := attr(tok, AttrReplaceOuter); ok {
		outer = flag(tok, AttrReplaceOuter)
	}
	return directive{
		url:       url,
		cacheKey:  key,
		ttl:       model.ParseDuration(ttl, c.defaultTTL),
		timeout:   model.ParseDuration(timeout, c.defaultTimeout),
		noCache:   flag(tok, AttrNoCache),
		ignore404: flag(tok, AttrIgnore404),
		statsKey:  stats,
		outer:     outer,
	}
}

func attr(tok html.Token, key string) (string, bool) {
	for _, a := range tok.Attr {
		if a.Key == key {
			return a.Val, true
		}
	}
	return "", false
}

// flag reads a boolean attribute. Presence means true unless the value is "false".
func flag(tok html.Token, key string) bool {
	v, ok := attr(tok, key)
	return ok && !strings.EqualFold(v, "false")
}

var voidElements = map[string]bool{
	"area": true, "base": true, "br": true, "col": true, "embed": true,
	"hr": true, "img": true, "input": true, "link": true, "meta": true,
	"param": true, "source": true, "track": true, "wbr": true,
}
