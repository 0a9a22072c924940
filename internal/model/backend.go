package model

import (
	"net/http"
	"strings"
	"time"
)

// Backend describes the upstream that serves the page shell for one request.
// It is built once per request and never modified afterwards.
type Backend struct {
	Name     string
	Target   string
	TTL      time.Duration
	Timeout  time.Duration
	CacheKey string
	NoCache  bool

	// ContentTypes lists accepted media type fragments, e.g. "html" or "json".
	ContentTypes []string

	PassThrough  bool
	QuietFailure bool
	ReplaceOuter bool

	AddRequestHeaders  http.Header
	AddResponseHeaders http.Header
}

// AcceptsContentType reports whether ct matches one of the backend's accepted types.
// An empty Content-Type is accepted so that upstreams omitting it still compose.
func (b *Backend) AcceptsContentType(ct string) bool {
	if ct == "" {
		return true
	}
	ct = strings.ToLower(ct)
	types := b.ContentTypes
	if len(types) == 0 {
		types = []string{"html"}
	}
	for _, t := range types {
		if strings.Contains(ct, strings.ToLower(t)) {
			return true
		}
	}
	return false
}
