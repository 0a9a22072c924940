package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"edgecompose/internal/config"
	"edgecompose/internal/metrics"
)

// RegisterRoutes wires all route handlers onto the Echo instance. Every path
// not claimed by the gateway itself is a page.
func RegisterRoutes(e *echo.Echo, cfg *config.Config, m *metrics.Metrics, page *PageHandler, health *HealthHandler) {
	e.GET("/healthz", health.Healthz)
	e.GET("/compose/status", health.Status)

	if cfg.Metrics.Enabled {
		e.GET(cfg.Metrics.Path, echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))
	}

	e.Match([]string{http.MethodGet, http.MethodHead}, "/*", page.Handle)
}
