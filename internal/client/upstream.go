// Package client provides the pooled HTTP client shared by backend and fragment fetches.
package client

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"edgecompose/internal/config"
	"edgecompose/internal/metrics"
	"edgecompose/internal/model"
)

// DefaultAccept is sent on every upstream request that does not set Accept itself.
const DefaultAccept = "text/html,application/xhtml+xml,application/json;q=0.9,*/*;q=0.8"

// maxBodyBytes caps how much of an upstream body is read into memory.
const maxBodyBytes = 16 << 20

// UpstreamClient sends GET requests to backends and fragment services.
type UpstreamClient struct {
	httpClient *http.Client
	userAgent  string
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewUpstreamClient creates an UpstreamClient with connection pooling and timeouts.
// The metrics parameter is optional; pass nil to disable upstream metrics recording.
func NewUpstreamClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics, v model.Version) *UpstreamClient {
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        cfg.Upstream.IdleConnections,
		MaxIdleConnsPerHost: cfg.Upstream.IdleConnections,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}

	return &UpstreamClient{
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   time.Duration(cfg.Upstream.TimeoutSeconds) * time.Second,
			// Redirects are the backend's answer, not something to follow.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		userAgent: v.UserAgent(),
		logger:    logger.With("component", "upstream_client"),
		metrics:   m,
	}
}

// Get fetches rawURL and reads the whole body. Any status code is returned as a
// response; only transport failures produce an error.
func (c *UpstreamClient) Get(ctx context.Context, rawURL string, header http.Header) (*model.UpstreamResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	if header != nil {
		req.Header = header.Clone()
	}
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", DefaultAccept)
	}
	req.Header.Set("User-Agent", c.userAgent)

	c.logger.Debug("upstream request", "host", req.URL.Host, "path", req.URL.Path)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.observe(req.URL.Host, start, 0)
		return nil, fmt.Errorf("upstream request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	c.observe(req.URL.Host, start, resp.StatusCode)
	if err != nil {
		return nil, fmt.Errorf("read upstream body: %w", err)
	}

	return &model.UpstreamResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       body,
	}, nil
}

func (c *UpstreamClient) observe(host string, start time.Time, status int) {
	if c.metrics == nil {
		return
	}
	c.metrics.UpstreamDuration.WithLabelValues(host).Observe(time.Since(start).Seconds())
	if status > 0 {
		c.metrics.UpstreamResponses.WithLabelValues(host, strconv.Itoa(status)).Inc()
	}
}
