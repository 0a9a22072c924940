// Package interrogator derives template variables from an inbound request.
package interrogator

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"regexp"
	"sort"
	"strings"

	"edgecompose/internal/config"
	"edgecompose/internal/vars"
)

type ctxKey int

const (
	userKey ctxKey = iota
	experimentsKey
)

// WithUser attaches authenticated user fields to ctx. Auth middleware calls
// this; the fields surface as user:<field>.
func WithUser(ctx context.Context, fields map[string]string) context.Context {
	return context.WithValue(ctx, userKey, fields)
}

// WithExperiments attaches experiment assignments to ctx; they surface as experiment:<name>.
func WithExperiments(ctx context.Context, assignments map[string]string) context.Context {
	return context.WithValue(ctx, experimentsKey, assignments)
}

// Interrogator turns requests into template variables. It holds only
// read-only configuration and is safe for concurrent use.
type Interrogator struct {
	patterns []*regexp.Regexp
	query    []config.QueryMapping
	cdnURL   string
	env      string
	server   map[string]string
}

// New compiles the interrogator configuration.
func New(cfg *config.Config) (*Interrogator, error) {
	ic := cfg.Interrogator
	patterns := make([]*regexp.Regexp, 0, len(ic.URLPatterns))
	for i, p := range ic.URLPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("interrogator: url_patterns[%d]: %w", i, err)
		}
		patterns = append(patterns, re)
	}
	return &Interrogator{
		patterns: patterns,
		query:    ic.Query,
		cdnURL:   ic.CDNURL,
		env:      ic.Environment,
		server:   ic.Server,
	}, nil
}

// Interrogate builds the variables for r.
func (i *Interrogator) Interrogate(r *http.Request) *vars.Variables {
	b := vars.NewBuilder()

	i.urlVars(b, r)
	i.paramVars(b, r)

	q := r.URL.Query()
	for _, k := range sortedKeys(q) {
		b.Set("query", k, q.Get(k))
	}

	for _, c := range r.Cookies() {
		b.Set("cookie", c.Name, c.Value)
	}

	for _, k := range sortedKeys(r.Header) {
		b.Set("header", strings.ToLower(k), strings.Join(r.Header.Values(k), ", "))
	}

	if user, ok := r.Context().Value(userKey).(map[string]string); ok {
		for _, k := range sortedKeys(user) {
			b.Set("user", k, user[k])
		}
	}

	b.Set("env", "name", i.env)
	b.Set("device", "type", DeviceType(r.UserAgent()))

	if exps, ok := r.Context().Value(experimentsKey).(map[string]string); ok {
		for _, k := range sortedKeys(exps) {
			b.Set("experiment", k, exps[k])
		}
	}

	for _, k := range sortedKeys(i.server) {
		b.Set("server", k, i.server[k])
	}

	if i.cdnURL != "" {
		b.Set("cdn", "url", b.Render(i.cdnURL))
	}

	return b.Build()
}

func (i *Interrogator) urlVars(b *vars.Builder, r *http.Request) {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if p := r.Header.Get("X-Forwarded-Proto"); p != "" {
		scheme = p
	}

	hostname, port := r.Host, ""
	if h, p, err := net.SplitHostPort(r.Host); err == nil {
		hostname, port = h, p
	}

	search := ""
	if r.URL.RawQuery != "" {
		search = "?" + r.URL.RawQuery
	}

	b.Set("url", "protocol", scheme).
		Set("url", "host", r.Host).
		Set("url", "hostname", hostname).
		Set("url", "port", port).
		Set("url", "pathname", r.URL.Path).
		Set("url", "search", search).
		Set("url", "query", r.URL.RawQuery).
		Set("url", "href", r.URL.RequestURI())
}

// paramVars applies url patterns in order, so later patterns win on collision,
// then the configured query mappings.
func (i *Interrogator) paramVars(b *vars.Builder, r *http.Request) {
	for _, re := range i.patterns {
		m := re.FindStringSubmatch(r.URL.Path)
		if m == nil {
			continue
		}
		for idx, name := range re.SubexpNames() {
			if name != "" && m[idx] != "" {
				b.Set("param", name, m[idx])
			}
		}
	}

	q := r.URL.Query()
	for _, qm := range i.query {
		if v := q.Get(qm.Key); v != "" {
			b.Set("param", qm.Name, v)
		}
	}
}

var (
	botPattern    = regexp.MustCompile(`(?i)bot|crawl|spider|slurp|bingpreview|facebookexternalhit|mediapartners`)
	tabletPattern = regexp.MustCompile(`(?i)ipad|tablet|kindle|silk|playbook`)
	phonePattern  = regexp.MustCompile(`(?i)mobi|iphone|ipod|android|blackberry|opera mini|windows phone|iemobile`)
)

// DeviceType classifies a user agent as phone, tablet or desktop. Bots are
// served the desktop experience.
func DeviceType(ua string) string {
	switch {
	case ua == "" || botPattern.MatchString(ua):
		return "desktop"
	case tabletPattern.MatchString(ua):
		return "tablet"
	case strings.Contains(strings.ToLower(ua), "android") && !strings.Contains(strings.ToLower(ua), "mobile"):
		return "tablet"
	case phonePattern.MatchString(ua):
		return "phone"
	default:
		return "desktop"
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
