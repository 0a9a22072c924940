package client

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"edgecompose/internal/config"
	"edgecompose/internal/metrics"
)

func testConfig(timeoutSeconds int) *config.Config {
	return &config.Config{
		Upstream: config.UpstreamConfig{
			TimeoutSeconds:  timeoutSeconds,
			IdleConnections: 10,
		},
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestUpstreamClient_Get(t *testing.T) {
	var gotUA, gotAccept, gotLang string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		gotAccept = r.Header.Get("Accept")
		gotLang = r.Header.Get("Accept-Language")
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<p>hello</p>`))
	}))
	defer srv.Close()

	m := metrics.New()
	c := NewUpstreamClient(testConfig(10), discardLogger(), m, "1.2.3")

	header := http.Header{"Accept-Language": {"de"}}
	resp, err := c.Get(context.Background(), srv.URL+"/fragment", header)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("StatusCode = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	if string(resp.Body) != `<p>hello</p>` {
		t.Errorf("Body = %q", resp.Body)
	}
	if gotUA != "edgecompose/1.2.3" {
		t.Errorf("User-Agent = %q", gotUA)
	}
	if gotAccept != DefaultAccept {
		t.Errorf("Accept = %q, want default", gotAccept)
	}
	if gotLang != "de" {
		t.Errorf("Accept-Language = %q, want forwarded", gotLang)
	}
	if header.Get("User-Agent") != "" {
		t.Error("caller header was mutated")
	}

	host := mustHost(t, srv.URL)
	if got := counterValue(t, m, "edgecompose_upstream_responses_total", host, "200"); got != 1 {
		t.Errorf("upstream responses = %v, want 1", got)
	}
}

func TestUpstreamClient_Get_NonOKIsNotAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte("missing"))
	}))
	defer srv.Close()

	c := NewUpstreamClient(testConfig(10), discardLogger(), nil, "")
	resp, err := c.Get(context.Background(), srv.URL, nil)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if resp.StatusCode != http.StatusNotFound || string(resp.Body) != "missing" {
		t.Errorf("resp = %d %q", resp.StatusCode, resp.Body)
	}
}

func TestUpstreamClient_Get_DoesNotFollowRedirects(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/elsewhere", http.StatusFound)
	}))
	defer srv.Close()

	c := NewUpstreamClient(testConfig(10), discardLogger(), nil, "")
	resp, err := c.Get(context.Background(), srv.URL, nil)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if resp.StatusCode != http.StatusFound {
		t.Errorf("StatusCode = %d, want %d", resp.StatusCode, http.StatusFound)
	}
}

func TestUpstreamClient_Get_Error(t *testing.T) {
	c := NewUpstreamClient(testConfig(1), discardLogger(), nil, "")

	_, err := c.Get(context.Background(), "http://127.0.0.1:1/nonexistent", nil)
	if err == nil {
		t.Fatal("Get() expected error for unreachable host, got nil")
	}
	if !strings.Contains(err.Error(), "upstream request") {
		t.Errorf("error = %v, want wrapped upstream request error", err)
	}
}

func TestUpstreamClient_Get_CanceledContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	defer srv.Close()

	c := NewUpstreamClient(testConfig(30), discardLogger(), nil, "")

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := c.Get(ctx, srv.URL, nil)
	if err == nil {
		t.Fatal("Get() expected error for canceled context, got nil")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Get() took %v, expected prompt cancellation", elapsed)
	}
}

func mustHost(t *testing.T, raw string) string {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatal(err)
	}
	return u.Host
}

// counterValue returns the counter in family name whose label values are exactly want.
func counterValue(t *testing.T, m *metrics.Metrics, name string, want ...string) float64 {
	t.Helper()
	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, metric := range f.GetMetric() {
			labels := metric.GetLabel()
			if len(labels) != len(want) {
				continue
			}
			match := true
			for i, lp := range labels {
				if lp.GetValue() != want[i] {
					match = false
				}
			}
			if match {
				return metric.GetCounter().GetValue()
			}
		}
	}
	return 0
}
