package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kolosalai/kolosal-gateway/internal/auth"
	"github.com/kolosalai/kolosal-gateway/internal/cors"
	"github.com/kolosalai/kolosal-gateway/internal/dispatch"
	"github.com/kolosalai/kolosal-gateway/internal/download"
	"github.com/kolosalai/kolosal-gateway/internal/engine"
	"github.com/kolosalai/kolosal-gateway/internal/logger"
	"github.com/kolosalai/kolosal-gateway/internal/metrics"
	"github.com/kolosalai/kolosal-gateway/internal/ratelimit"
	"github.com/kolosalai/kolosal-gateway/internal/server"
)

// initInfra establishes optional external connections. Redis is only
// required when RATE_LIMIT_BACKEND=redis.
func (a *App) initInfra(ctx context.Context) error {
	if a.cfg.RateLimit.Backend == "redis" {
		a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Redis.URL)))

		rdb, err := connectRedis(ctx, a.cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		a.rdb = rdb
		a.log.Info("redis connected")
	}

	return nil
}

// initEngines builds the Node Manager registry and seeds it from config.
func (a *App) initEngines(ctx context.Context) error {
	a.registry = engine.NewRegistry(buildEngine(), a.cfg.IdleTimeout)

	if err := seedEngines(ctx, a.registry, a.cfg.Engines, a.log); err != nil {
		return err
	}

	return nil
}

// initServices creates the metrics aggregator, download manager, and the
// async request logger (ClickHouse-backed when configured, slog otherwise).
func (a *App) initServices(ctx context.Context) error {
	a.prom = metrics.New()
	a.downloads = download.NewManager()

	var reqLogger *logger.Logger
	var err error
	if a.cfg.ClickHouse.URL != "" {
		reqLogger, err = logger.NewWithClickHouse(ctx, a.cfg.ClickHouse.URL, a.cfg.ClickHouse.Table)
		if err != nil {
			return fmt.Errorf("clickhouse logger: %w", err)
		}
		a.log.Info("request logger: clickhouse", slog.String("table", a.cfg.ClickHouse.Table))
	} else {
		reqLogger, err = logger.New(ctx, a.log)
		if err != nil {
			return fmt.Errorf("slog logger: %w", err)
		}
		a.log.Info("request logger: slog")
	}
	a.reqLogger = reqLogger

	return nil
}

// initServer wires the admission pipeline and the route dispatcher.
func (a *App) initServer(_ context.Context) error {
	corsMgr := cors.NewManager(cors.NewPolicy(
		a.cfg.CORS.Enabled,
		a.cfg.CORS.AllowedOrigins,
		a.cfg.CORS.AllowedMethods,
		a.cfg.CORS.AllowedHeaders,
		a.cfg.CORS.AllowCredentials,
		a.cfg.CORS.MaxAgeSeconds,
	))

	apiKey := auth.NewAPIKeyPolicy(
		a.cfg.APIKey.Enabled,
		a.cfg.APIKey.Required,
		a.cfg.APIKey.HeaderName,
		a.cfg.APIKey.Keys,
	)

	var limiter ratelimit.Limiter
	windowSeconds := time.Duration(a.cfg.RateLimit.WindowSeconds) * time.Second
	switch a.cfg.RateLimit.Backend {
	case "redis":
		limiter = ratelimit.NewRedisLimiter(a.rdb, a.cfg.RateLimit.Enabled, a.cfg.RateLimit.MaxRequests, windowSeconds)
	default:
		limiter = ratelimit.NewMemoryLimiter(a.cfg.RateLimit.Enabled, a.cfg.RateLimit.MaxRequests, windowSeconds)
	}

	admission := auth.NewMiddleware(corsMgr, apiKey, limiter)

	a.srv = &server.Server{
		Registry:   a.registry,
		Metrics:    a.prom,
		Downloads:  a.downloads,
		Dispatcher: dispatch.New(a.registry, a.prom, a.reqLogger, a.cfg.RequestTimeout),
		Admission:  admission,
		ModelsDir:  a.cfg.ModelsDir,
	}

	return nil
}

// redactURL replaces the userinfo portion of a URL with "***" for safe
// logging. e.g. "redis://:secret@localhost:6379" → "redis://***@localhost:6379"
func redactURL(raw string) string {
	for i, c := range raw {
		if c == '@' {
			for j := i - 1; j >= 0; j-- {
				if j+2 < len(raw) && raw[j:j+3] == "://" {
					return raw[:j+3] + "***" + raw[i:]
				}
			}
			return "***" + raw[i:]
		}
	}
	return raw
}
