// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initInfra     — external connections (Redis, only when the rate
//     limiter backend needs it)
//  2. initEngines    — Node Manager registry, seeded from config
//  3. initServices   — metrics aggregator, download manager, request logger
//  4. initServer     — admission pipeline + route dispatcher
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/kolosalai/kolosal-gateway/internal/config"
	"github.com/kolosalai/kolosal-gateway/internal/download"
	"github.com/kolosalai/kolosal-gateway/internal/engine"
	"github.com/kolosalai/kolosal-gateway/internal/engine/mockengine"
	"github.com/kolosalai/kolosal-gateway/internal/logger"
	"github.com/kolosalai/kolosal-gateway/internal/metrics"
	"github.com/kolosalai/kolosal-gateway/internal/server"
)

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	cfg     *config.Config
	baseCtx context.Context
	log     *slog.Logger

	rdb *redis.Client // nil unless RateLimit.Backend == "redis"

	reqLogger *logger.Logger
	registry  *engine.Registry
	prom      *metrics.Aggregator
	downloads *download.Manager
	srv       *server.Server
}

// New initialises all subsystems and returns a ready-to-run App. All
// resources allocated here are released by Close.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, version string) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}

	a := &App{cfg: cfg, version: version, baseCtx: ctx, log: log}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"infra", a.initInfra},
		{"engines", a.initEngines},
		{"services", a.initServices},
		{"server", a.initServer},
	}

	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}

	return a, nil
}

// Run starts the HTTP server and blocks until ctx is cancelled or an error
// occurs. It closes the app gracefully when returning.
func (a *App) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", a.cfg.Port)

	a.log.Info("starting gateway",
		slog.String("version", a.version),
		slog.String("addr", addr),
		slog.String("rate_limit_backend", a.cfg.RateLimit.Backend),
		slog.Int("seeded_engines", len(a.cfg.Engines)),
	)

	a.registry.StartIdleEviction(ctx)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.srv.Start(gctx, addr, a.cfg.IdleTimeout)
	})

	g.Go(func() error {
		<-gctx.Done()
		a.Close()
		return nil
	})

	return g.Wait()
}

// Close releases all resources in reverse-init order. Safe to call multiple
// times in sequence; calls are not synchronized with each other, so they
// must not overlap.
func (a *App) Close() {
	if a.registry != nil {
		a.registry.Close()
	}
	if a.reqLogger != nil {
		if err := a.reqLogger.Close(); err != nil {
			a.log.Error("logger close error", slog.String("error", err.Error()))
		}
		a.reqLogger = nil
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.log.Error("redis close error", slog.String("error", err.Error()))
		}
		a.rdb = nil
	}
}

// ── Private helpers ──────────────────────────────────────────────────────

// connectRedis parses the URL and verifies connectivity with a PING.
// Returns an error — callers decide whether to fatal or degrade.
func connectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}

	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return rdb, nil
}

// buildEngine selects the Engine collaborator. Only the mock backend ships
// in this repo (see internal/engine/mockengine's doc comment) — a real
// inference backend binds to the same Engine interface without touching the
// registry, dispatcher, or HTTP surface.
func buildEngine() engine.Engine {
	return mockengine.New(mockengine.Config{})
}

// seedEngines registers every statically-configured engine, eagerly loading
// the ones marked LoadAtStartup.
func seedEngines(ctx context.Context, reg *engine.Registry, entries []config.EngineConfig, log *slog.Logger) error {
	for _, e := range entries {
		if e.LoadAtStartup {
			if ok, err := reg.Add(ctx, e.ID, e.Path, e.LoadParams, e.GPUID); err != nil || !ok {
				return fmt.Errorf("seed engine %q: %w", e.ID, err)
			}
			log.Info("engine loaded at startup", slog.String("id", e.ID))
			continue
		}
		if err := reg.Register(e.ID, e.Path, e.LoadParams, e.GPUID); err != nil {
			return fmt.Errorf("seed engine %q: %w", e.ID, err)
		}
		log.Info("engine registered", slog.String("id", e.ID))
	}
	return nil
}
