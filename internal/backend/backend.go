// Package backend chooses the upstream that serves the page shell.
package backend

import (
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"edgecompose/internal/config"
	"edgecompose/internal/model"
	"edgecompose/internal/vars"
)

// Request headers that override the matched backend.
const (
	HeaderName    = "X-Compose-Backend"
	HeaderTarget  = "X-Compose-Backend-Target"
	HeaderTTL     = "X-Compose-Backend-Ttl"
	HeaderNoCache = "X-Compose-Backend-Nocache"
	HeaderTimeout = "X-Compose-Backend-Timeout"
)

// OverrideName is the backend name used when only a target override is sent.
const OverrideName = "override"

type entry struct {
	pattern *regexp.Regexp
	cfg     config.BackendConfig
}

// Selector matches requests to configured backends, first match wins.
type Selector struct {
	entries        []entry
	byName         map[string]config.BackendConfig
	fallback       *config.BackendConfig
	defaultTimeout time.Duration
}

// New compiles the [[backends]] table.
func New(cfg *config.Config) (*Selector, error) {
	s := &Selector{
		byName:         make(map[string]config.BackendConfig, len(cfg.Backends)),
		defaultTimeout: time.Duration(cfg.Upstream.TimeoutSeconds) * time.Second,
	}
	if s.defaultTimeout <= 0 {
		s.defaultTimeout = 30 * time.Second
	}

	for i, b := range cfg.Backends {
		if b.Name != "" {
			s.byName[b.Name] = b
		}
		if b.Default {
			s.fallback = &cfg.Backends[i]
		}
		if b.Pattern == "" {
			continue
		}
		re, err := regexp.Compile(b.Pattern)
		if err != nil {
			return nil, fmt.Errorf("backend: %s pattern: %w", b.Name, err)
		}
		s.entries = append(s.entries, entry{pattern: re, cfg: b})
	}
	return s, nil
}

// Select returns the backend for r, with targets and header templates
// rendered against v. ok is false when nothing matches.
func (s *Selector) Select(r *http.Request, v *vars.Variables) (*model.Backend, bool) {
	cfg, ok := s.match(r)
	if !ok {
		return nil, false
	}

	b := &model.Backend{
		Name:               cfg.Name,
		Target:             target(cfg.Target, r, v),
		TTL:                model.ParseDuration(cfg.TTL, 0),
		Timeout:            model.ParseDuration(cfg.Timeout, s.defaultTimeout),
		CacheKey:           v.Render(cfg.CacheKey),
		NoCache:            cfg.NoCache,
		ContentTypes:       cfg.ContentTypes,
		PassThrough:        cfg.PassThrough,
		QuietFailure:       cfg.QuietFailure,
		ReplaceOuter:       cfg.ReplaceOuter,
		AddRequestHeaders:  renderHeaders(cfg.AddRequestHeaders, v),
		AddResponseHeaders: renderHeaders(cfg.AddResponseHeaders, v),
	}

	h := r.Header
	if t := h.Get(HeaderTarget); t != "" {
		b.Target = target(t, r, v)
	}
	if ttl := h.Get(HeaderTTL); ttl != "" {
		b.TTL = model.ParseDuration(ttl, b.TTL)
	}
	if timeout := h.Get(HeaderTimeout); timeout != "" {
		b.Timeout = model.ParseDuration(timeout, b.Timeout)
	}
	if nc := h.Get(HeaderNoCache); nc != "" {
		if parsed, err := strconv.ParseBool(nc); err == nil {
			b.NoCache = parsed
		}
	}
	return b, true
}

func (s *Selector) match(r *http.Request) (config.BackendConfig, bool) {
	if name := r.Header.Get(HeaderName); name != "" {
		if b, ok := s.byName[name]; ok {
			return b, true
		}
	}
	for _, e := range s.entries {
		if e.pattern.MatchString(r.URL.Path) {
			return e.cfg, true
		}
	}
	if s.fallback != nil {
		return *s.fallback, true
	}
	if t := r.Header.Get(HeaderTarget); t != "" {
		return config.BackendConfig{Name: OverrideName, Target: t}, true
	}
	return config.BackendConfig{}, false
}

// target renders a templated target, or appends the request URI to a plain one.
func target(t string, r *http.Request, v *vars.Variables) string {
	if strings.Contains(t, "{{") {
		return v.Render(t)
	}
	return strings.TrimSuffix(t, "/") + r.URL.RequestURI()
}

func renderHeaders(m map[string]string, v *vars.Variables) http.Header {
	if len(m) == 0 {
		return nil
	}
	h := make(http.Header, len(m))
	for k, val := range m {
		h.Set(k, v.Render(val))
	}
	return h
}
