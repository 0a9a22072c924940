package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"

	"edgecompose/internal/metrics"
)

// requestCount sums edgecompose_http_requests_total samples matching every given label.
func requestCount(t *testing.T, m *metrics.Metrics, match map[string]string) float64 {
	t.Helper()
	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}

	var total float64
	for _, f := range families {
		if f.GetName() != "edgecompose_http_requests_total" {
			continue
		}
	next:
		for _, metric := range f.GetMetric() {
			labels := make(map[string]string)
			for _, lp := range metric.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			for k, v := range match {
				if labels[k] != v {
					continue next
				}
			}
			total += metric.GetCounter().GetValue()
		}
	}
	return total
}

func newMetricsEcho(m *metrics.Metrics) *echo.Echo {
	e := echo.New()
	e.Use(MetricsMiddleware(m, "/internal/prom"))
	e.GET("/healthz", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
	e.GET("/internal/prom", func(c echo.Context) error {
		return c.String(http.StatusOK, "# metrics")
	})
	e.Any("/*", func(c echo.Context) error {
		if c.Request().URL.Path == "/missing" {
			return echo.NewHTTPError(http.StatusNotFound)
		}
		return c.HTML(http.StatusOK, "<p>page</p>")
	})
	return e
}

func TestMetricsMiddleware_Labels(t *testing.T) {
	tests := []struct {
		name   string
		method string
		path   string
		want   map[string]string
	}{
		{
			name:   "composed page",
			method: http.MethodGet,
			path:   "/shop/item/42",
			want:   map[string]string{"method": "GET", "status_code": "200", "path_prefix": "page"},
		},
		{
			name:   "gateway route",
			method: http.MethodGet,
			path:   "/healthz",
			want:   map[string]string{"method": "GET", "status_code": "200", "path_prefix": "/healthz"},
		},
		{
			name:   "http error status",
			method: http.MethodGet,
			path:   "/missing",
			want:   map[string]string{"status_code": "404", "path_prefix": "page"},
		},
		{
			name:   "unknown method",
			method: "XYZZY",
			path:   "/shop",
			want:   map[string]string{"method": "other", "path_prefix": "page"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := metrics.New()
			e := newMetricsEcho(m)

			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, httptest.NewRequest(tt.method, tt.path, http.NoBody))

			if got := requestCount(t, m, tt.want); got != 1 {
				t.Errorf("requests matching %v = %v, want 1", tt.want, got)
			}
		})
	}
}

func TestMetricsMiddleware_SkipsConfiguredScrapePath(t *testing.T) {
	m := metrics.New()
	e := newMetricsEcho(m)

	for range 3 {
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/internal/prom", http.NoBody))
	}
	if got := requestCount(t, m, nil); got != 0 {
		t.Errorf("requests recorded for scrapes = %v, want 0", got)
	}

	// With a custom scrape path, /metrics is an ordinary page.
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", http.NoBody))
	if got := requestCount(t, m, nil); got != 1 {
		t.Errorf("requests recorded after /metrics page = %v, want 1", got)
	}
}

func TestMetricsMiddleware_RecordsDurationAndInFlight(t *testing.T) {
	m := metrics.New()
	e := newMetricsEcho(m)

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", http.NoBody))

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}

	var samples uint64
	inFlight := -1.0
	for _, f := range families {
		switch f.GetName() {
		case "edgecompose_http_request_duration_seconds":
			for _, metric := range f.GetMetric() {
				samples += metric.GetHistogram().GetSampleCount()
			}
		case "edgecompose_http_requests_in_flight":
			inFlight = f.GetMetric()[0].GetGauge().GetValue()
		}
	}
	if samples != 1 {
		t.Errorf("duration samples = %d, want 1", samples)
	}
	if inFlight != 0 {
		t.Errorf("in-flight gauge = %v, want 0 after the request", inFlight)
	}
}
