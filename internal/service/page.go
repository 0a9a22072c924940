// Package service renders composed pages: backend selection, shell fetch,
// composition and response header policy.
package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"edgecompose/internal/backend"
	"edgecompose/internal/compose"
	"edgecompose/internal/config"
	"edgecompose/internal/fetch"
	"edgecompose/internal/interrogator"
	"edgecompose/internal/model"
	"edgecompose/internal/strategy"
)

var (
	// ErrNoBackend is returned when no backend matches the request.
	ErrNoBackend = errors.New("no backend matches the request")
	// ErrUnsupportedContentType is returned when the backend answered with a
	// content type it is not configured to serve.
	ErrUnsupportedContentType = errors.New("backend content type is not accepted")
)

// forwardableResponseHeaders are the only backend response headers passed to the client.
var forwardableResponseHeaders = map[string]bool{
	"Content-Type":     true,
	"Content-Language": true,
	"Cache-Control":    true,
	"Vary":             true,
	"Set-Cookie":       true,
	"X-Request-Id":     true,
}

// PageService turns an inbound request into a composed page.
type PageService struct {
	interrogator *interrogator.Interrogator
	backends     *backend.Selector
	fetcher      compose.Fetcher
	composer     *compose.Composer
	strategies   *strategy.Registry
	forward      []string
	logger       *slog.Logger
}

// NewPageService creates a PageService.
func NewPageService(
	cfg *config.Config,
	i *interrogator.Interrogator,
	sel *backend.Selector,
	f compose.Fetcher,
	comp *compose.Composer,
	s *strategy.Registry,
	logger *slog.Logger,
) *PageService {
	return &PageService{
		interrogator: i,
		backends:     sel,
		fetcher:      f,
		composer:     comp,
		strategies:   s,
		forward:      cfg.Fragments.ForwardHeaders,
		logger:       logger.With("component", "page_service"),
	}
}

// Render fetches the page shell for r and composes it. Terminal fragment
// outcomes come back as responses; everything else that stops the page is an
// error for the HTTP layer to map.
//
// The composed page is spooled in memory before anything is returned, since a
// fragment 404 or status handler Action replaces the whole response. The
// composer's per-fragment flush therefore stops at the buffer, and the first
// byte reaches the client only after the slowest fragment resolved.
func (s *PageService) Render(ctx context.Context, r *http.Request) (*model.PageResponse, error) {
	v := s.interrogator.Interrogate(r)

	b, ok := s.backends.Select(r, v)
	if !ok {
		return nil, ErrNoBackend
	}

	header := s.filterRequestHeaders(r.Header)
	for k, vals := range b.AddRequestHeaders {
		header[k] = vals
	}

	s.logger.Debug("rendering page", "backend", b.Name, "target", b.Target)

	res, err := s.fetcher.Fetch(ctx, fetch.Options{
		URL:      b.Target,
		CacheKey: b.CacheKey,
		TTL:      b.TTL,
		Timeout:  b.Timeout,
		Header:   header,
		NoCache:  b.NoCache,
		Quiet:    b.QuietFailure,
		StatsKey: b.Name,
	})
	if err != nil {
		if status := fetch.StatusCode(err); status != 0 {
			if out, ok := s.strategies.Resolve(v, status, b.Target); ok {
				return actionResponse(out, status), nil
			}
		}
		if res == nil {
			return nil, fmt.Errorf("backend %s: %w", b.Name, err)
		}
		s.logger.Warn("serving stale page shell", "backend", b.Name, "err", err)
	}

	if !res.FromCache && !b.AcceptsContentType(res.Header.Get("Content-Type")) {
		return nil, fmt.Errorf("backend %s sent %q: %w", b.Name, res.Header.Get("Content-Type"), ErrUnsupportedContentType)
	}

	out := &model.PageResponse{
		StatusCode: http.StatusOK,
		Header:     s.filterResponseHeaders(res.Header),
	}

	if b.PassThrough {
		out.Body = res.Content
	} else {
		var buf bytes.Buffer
		sum, err := s.composer.Compose(ctx, bytes.NewReader(res.Content), &buf, compose.Request{
			Vars:         v,
			Header:       header,
			Quiet:        b.QuietFailure,
			ReplaceOuter: b.ReplaceOuter,
		})
		var action *strategy.Action
		if errors.As(err, &action) {
			return &model.PageResponse{StatusCode: action.Status, Header: action.Header, Body: action.Body}, nil
		}
		if err != nil {
			return nil, fmt.Errorf("compose %s: %w", r.URL.Path, err)
		}
		out.Body = buf.Bytes()
		out.Header.Set(model.HeaderFragments, strconv.Itoa(sum.Fragments))
		if sum.NoStore {
			out.Header.Set("Cache-Control", "no-store")
		}
	}

	if res.NoStore {
		out.Header.Set("Cache-Control", "no-store")
	}
	for k, vals := range b.AddResponseHeaders {
		out.Header[k] = vals
	}
	if out.Header.Get("Content-Type") == "" {
		out.Header.Set("Content-Type", "text/html; charset=utf-8")
	}
	return out, nil
}

func actionResponse(out strategy.Outcome, status int) *model.PageResponse {
	if out.Terminal != nil {
		return &model.PageResponse{StatusCode: out.Terminal.Status, Header: out.Terminal.Header, Body: out.Terminal.Body}
	}
	return &model.PageResponse{
		StatusCode: status,
		Header:     http.Header{"Content-Type": {"text/html; charset=utf-8"}},
		Body:       out.Content,
	}
}

// filterRequestHeaders keeps only the configured headers for upstream requests.
func (s *PageService) filterRequestHeaders(src http.Header) http.Header {
	dst := make(http.Header)
	for _, key := range s.forward {
		if vals := src.Values(key); len(vals) > 0 {
			dst[http.CanonicalHeaderKey(key)] = vals
		}
	}
	return dst
}

func (s *PageService) filterResponseHeaders(src http.Header) http.Header {
	dst := make(http.Header)
	for key, vals := range src {
		if forwardableResponseHeaders[http.CanonicalHeaderKey(key)] {
			dst[key] = vals
		}
	}
	return dst
}
