package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"edgecompose/internal/breaker"
	"edgecompose/internal/cache"
	"edgecompose/internal/model"
)

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	cache    cache.Cache
	breakers *breaker.Registry
	version  model.Version
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(c cache.Cache, breakers *breaker.Registry, v model.Version) *HealthHandler {
	return &HealthHandler{cache: c, breakers: breakers, version: v}
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

type statusBody struct {
	Status   string           `json:"status"`
	Version  string           `json:"version"`
	Cache    cacheStatus      `json:"cache"`
	Breakers []breaker.Status `json:"breakers"`
}

type cacheStatus struct {
	Engine string `json:"engine"`
	Ready  bool   `json:"ready"`
}

// Status reports the version, cache readiness and every circuit breaker.
func (h *HealthHandler) Status(c echo.Context) error {
	ready := false
	select {
	case <-h.cache.Ready():
		ready = true
	default:
	}

	body := statusBody{
		Status:   "ok",
		Version:  string(h.version),
		Cache:    cacheStatus{Engine: h.cache.Engine(), Ready: ready},
		Breakers: h.breakers.Snapshot(),
	}
	if !ready {
		body.Status = "degraded"
	}
	return c.JSON(http.StatusOK, body)
}
