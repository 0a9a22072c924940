package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"go.uber.org/fx"
	"golang.org/x/time/rate"
	"gopkg.in/natefinch/lumberjack.v2"

	"edgecompose/internal/backend"
	"edgecompose/internal/breaker"
	"edgecompose/internal/cache"
	"edgecompose/internal/client"
	"edgecompose/internal/compose"
	"edgecompose/internal/config"
	"edgecompose/internal/fetch"
	"edgecompose/internal/handler"
	"edgecompose/internal/interrogator"
	"edgecompose/internal/metrics"
	"edgecompose/internal/middleware"
	"edgecompose/internal/model"
	"edgecompose/internal/service"
	"edgecompose/internal/strategy"
)

// Set by goreleaser ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	var cli config.CLI
	kong.Parse(&cli,
		kong.Name("edgecompose"),
		kong.Description("Edge composition gateway: assembles HTML pages from fragment services."),
		kong.Vars{"version": fmt.Sprintf("%s (%s, %s)", version, commit, date)},
	)

	fx.New(
		fx.Provide(
			func() *config.CLI { return &cli },
			func() model.Version { return model.Version(version) },
			config.Load,
			newLogger,
			metrics.New,
			newEcho,
			newCache,
			newBreakers,
			client.NewUpstreamClient,
			newFetcher,
			func(f *fetch.Fetcher) compose.Fetcher { return f },
			func(cfg *config.Config) (*strategy.Registry, error) { return strategy.New(cfg.StatusHandlers) },
			compose.New,
			interrogator.New,
			backend.New,
			service.NewPageService,
			handler.NewPageHandler,
			handler.NewHealthHandler,
		),
		fx.Invoke(handler.RegisterRoutes, warnConfigPermissions, startServer),
	).Run()
}

func newLogger(lc fx.Lifecycle, cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	var out io.Writer = os.Stdout
	if cfg.Log.File != "" {
		sink := &lumberjack.Logger{
			Filename:   cfg.Log.File,
			MaxSize:    cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
		}
		lc.Append(fx.StopHook(sink.Close))
		out = sink
	}

	var h slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "text":
		h = slog.NewTextHandler(out, opts)
	default:
		h = slog.NewJSONHandler(out, opts)
	}

	return slog.New(h)
}

func newEcho(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Inbound timeouts to mitigate slow-client attacks.
	e.Server.ReadTimeout = 30 * time.Second
	// Pages are bounded by the backend and fragment timeouts, not the write timeout.
	e.Server.WriteTimeout = 0
	e.Server.IdleTimeout = 120 * time.Second
	e.Server.ReadHeaderTimeout = 10 * time.Second

	e.Use(echomw.Recover())
	e.Use(echomw.RequestIDWithConfig(echomw.RequestIDConfig{
		Generator: uuid.NewString,
	}))
	e.Use(middleware.RequestLogger(logger))
	if cfg.Metrics.Enabled {
		e.Use(middleware.MetricsMiddleware(m, cfg.Metrics.Path))
	}
	e.Use(echomw.BodyLimit(fmt.Sprintf("%dB", cfg.Server.BodyMaxBytes)))
	e.Use(middleware.SecurityHeaders())

	if cfg.Server.RateLimit.Enabled {
		store := echomw.NewRateLimiterMemoryStore(rate.Limit(cfg.Server.RateLimit.RequestsPerSecond))
		e.Use(echomw.RateLimiter(store))
		logger.Info("rate limiter enabled", "rps", cfg.Server.RateLimit.RequestsPerSecond)
	}

	return e
}

func newCache(lc fx.Lifecycle, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) (cache.Cache, error) {
	f := cache.NewFactory(logger, m)
	c, err := f.Open(cfg.Cache)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.StopHook(f.Close))
	logger.Info("cache ready", "engine", c.Engine())
	return c, nil
}

func newBreakers(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *breaker.Registry {
	logger = logger.With("component", "breaker")
	return breaker.NewRegistry(breaker.FromConfig(cfg.CircuitBreaker), func(ev breaker.Event) {
		logger.Warn("circuit state changed",
			"key", ev.Key,
			"from", ev.From.String(),
			"to", ev.To.String(),
			"total", ev.Total,
			"errors", ev.Errors,
			"error_pct", ev.ErrorPercentage,
		)
		m.BreakerTransitions.WithLabelValues(ev.To.String()).Inc()
	})
}

func newFetcher(
	uc *client.UpstreamClient,
	c cache.Cache,
	breakers *breaker.Registry,
	cfg *config.Config,
	logger *slog.Logger,
	m *metrics.Metrics,
) *fetch.Fetcher {
	return fetch.New(uc, c, breakers, cfg.Cache.Coalesce, logger, m)
}

func warnConfigPermissions(cfg *config.Config, logger *slog.Logger) {
	cfg.WarnPermissions(logger)
}

func startServer(lc fx.Lifecycle, e *echo.Echo, cfg *config.Config, logger *slog.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			addr := cfg.Server.Addr()
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("bind %s: %w", addr, err)
			}
			logger.Info("starting server", "addr", addr)
			go func() {
				if err := e.Server.Serve(ln); err != nil && err != http.ErrServerClosed {
					logger.Error("server error", "err", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("shutting down server")
			return e.Shutdown(ctx)
		},
	})
}
