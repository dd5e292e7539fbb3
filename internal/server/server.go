// Package server is the Route Dispatcher of spec §6: method+path matching,
// the admission pipeline, and the HTTP surface's remaining endpoints
// (health, models, engines, metrics, downloads) that aren't part of the
// Streaming Dispatcher. Adapted from a fasthttp router/middleware chain
// shape.
package server

import (
	"context"
	"time"

	"github.com/fasthttp/router"
	"github.com/kolosalai/kolosal-gateway/internal/auth"
	"github.com/kolosalai/kolosal-gateway/internal/dispatch"
	"github.com/kolosalai/kolosal-gateway/internal/download"
	"github.com/kolosalai/kolosal-gateway/internal/engine"
	"github.com/kolosalai/kolosal-gateway/internal/metrics"
	"github.com/valyala/fasthttp"
)

// Server owns the full HTTP surface: admission, engine lifecycle endpoints,
// the streaming dispatcher, metrics, and downloads.
type Server struct {
	Registry   *engine.Registry
	Metrics    *metrics.Aggregator
	Downloads  *download.Manager
	Dispatcher *dispatch.Dispatcher
	Admission  *auth.Middleware

	ModelsDir string
}

// Handler builds the fasthttp.RequestHandler serving every endpoint of
// spec §6's table, wrapped in the standard recovery/request-id/timing
// middleware chain plus the admission pipeline.
func (s *Server) Handler() fasthttp.RequestHandler {
	r := router.New()

	r.GET("/health", s.handleHealth)
	r.GET("/models", s.handleListModels)

	r.POST("/v1/chat/completions", s.Dispatcher.HandleChatCompletions)
	r.POST("/v1/completions", s.Dispatcher.HandleCompletions)

	r.GET("/engines", s.handleListEngines)
	r.POST("/engines", s.handleCreateEngine)
	r.GET("/engines/{id}/status", s.handleEngineStatus)
	r.DELETE("/engines/{id}", s.handleRemoveEngine)

	r.GET("/metrics", s.handleCombinedMetrics)
	r.GET("/v1/metrics", s.handleCombinedMetrics)
	r.GET("/metrics/prometheus", s.Metrics.Handler())

	r.GET("/downloads", s.handleListDownloads)
	r.POST("/downloads/cancel-all", s.handleCancelAllDownloads)

	return applyMiddleware(r.Handler,
		recovery,
		requestID,
		timing,
		admission(s.Admission),
		securityHeaders,
	)
}

// Start runs the HTTP server on addr (e.g. ":8080") until ctx is cancelled,
// then drains within the given timeout.
func (s *Server) Start(ctx context.Context, addr string, drainTimeout time.Duration) error {
	srv := &fasthttp.Server{
		Handler:      s.Handler(),
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe(addr) }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
		defer cancel()
		return srv.ShutdownWithContext(shutdownCtx)
	}
}
