package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"regexp"

	"github.com/labstack/echo/v4"

	"edgecompose/internal/compose"
	"edgecompose/internal/fetch"
	"edgecompose/internal/model"
	"edgecompose/internal/service"
)

// secretParamPattern matches credential-looking query values in URLs embedded in error messages.
var secretParamPattern = regexp.MustCompile(`(?i)((?:api_?key|token|password|secret|signature)=)[^&\s"]+`)

// Renderer produces a composed page. *service.PageService satisfies it.
type Renderer interface {
	Render(ctx context.Context, r *http.Request) (*model.PageResponse, error)
}

// PageHandler serves composed pages.
type PageHandler struct {
	renderer Renderer
	logger   *slog.Logger
}

// NewPageHandler creates a PageHandler.
func NewPageHandler(svc *service.PageService, logger *slog.Logger) *PageHandler {
	return newPageHandler(svc, logger)
}

func newPageHandler(r Renderer, logger *slog.Logger) *PageHandler {
	return &PageHandler{
		renderer: r,
		logger:   logger.With("component", "page_handler"),
	}
}

// Handle renders the page for the request. The page is fully composed before
// the status line is written, since fragment failures may change the status.
func (h *PageHandler) Handle(c echo.Context) error {
	req := c.Request()

	resp, err := h.renderer.Render(req.Context(), req)
	if err != nil {
		return h.mapError(c, err)
	}

	for key, vals := range resp.Header {
		for _, v := range vals {
			c.Response().Header().Add(key, v)
		}
	}
	c.Response().WriteHeader(resp.StatusCode)

	if req.Method == http.MethodHead {
		return nil
	}
	if _, err := c.Response().Write(resp.Body); err != nil {
		h.logger.Error("writing response body",
			"err", err,
			"path", req.URL.Path,
		)
	}
	return nil
}

func (h *PageHandler) mapError(c echo.Context, err error) error {
	path := c.Request().URL.Path

	if errors.Is(err, context.Canceled) {
		h.logger.Info("client went away", "path", path)
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "client disconnected",
		})
	}

	switch {
	case errors.Is(err, service.ErrNoBackend):
		h.logger.Warn("no backend", "path", path)
		return c.JSON(http.StatusNotFound, map[string]string{
			"error": "no backend serves this path",
		})

	case errors.Is(err, compose.ErrPageNotFound), fetch.IsNotFound(err):
		h.logger.Info("page not found", "path", path, "err", sanitizeError(err))
		return c.JSON(http.StatusNotFound, map[string]string{
			"error": "not found",
		})

	case errors.Is(err, service.ErrUnsupportedContentType):
		h.logger.Warn("unsupported content type", "path", path, "err", sanitizeError(err))
		return c.JSON(http.StatusUnsupportedMediaType, map[string]string{
			"error": "unsupported content type",
		})
	}

	h.logger.Error("page error",
		"err", sanitizeError(err),
		"path", path,
	)

	var fe *fetch.Error
	if errors.As(err, &fe) && fe.Kind == fetch.KindTimeout {
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error": "backend request timed out",
		})
	}
	return c.JSON(http.StatusInternalServerError, map[string]string{
		"error": "page could not be rendered",
	})
}

// sanitizeError redacts credentials from error messages that may contain upstream URLs.
func sanitizeError(err error) string {
	return secretParamPattern.ReplaceAllString(err.Error(), "${1}[REDACTED]")
}
