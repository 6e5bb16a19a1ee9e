package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/clerkhq/clerk/internal/engine"
	"github.com/clerkhq/clerk/internal/ratelimit"
)

// Server is the CLERK HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

// Config holds all dependencies and settings for creating a Server.
type Config struct {
	DB     Store
	Engine *engine.Engine
	Logger *slog.Logger

	// RateLimiter, when non-nil, limits the run start and resume
	// endpoints per client IP. Reads and streams are not limited.
	RateLimiter ratelimit.Limiter

	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64
}

// New creates a new HTTP server with all routes configured.
func New(cfg Config) *Server {
	h := &Handlers{
		db:      cfg.DB,
		engine:  cfg.Engine,
		logger:  cfg.Logger,
		version: cfg.Version,
		maxBody: cfg.MaxRequestBodyBytes,
	}

	mux := http.NewServeMux()

	// Kit catalog (read-only; authoring happens out of band).
	mux.HandleFunc("GET /v1/kits", h.HandleListKits)
	mux.HandleFunc("GET /v1/kits/{slug}", h.HandleGetKit)

	// Run lifecycle. Starting and resuming runs triggers model calls,
	// so those two endpoints carry the rate limit.
	startRun := http.Handler(http.HandlerFunc(h.HandleStartRun))
	resumeRun := http.Handler(http.HandlerFunc(h.HandleResume))
	if cfg.RateLimiter != nil {
		limit := ratelimit.Middleware(cfg.RateLimiter, ratelimit.IPKeyFunc, func(r *http.Request) string {
			return RequestIDFromContext(r.Context())
		})
		startRun = limit(startRun)
		resumeRun = limit(resumeRun)
	}
	mux.Handle("POST /v1/kits/{slug}/runs", startRun)
	mux.HandleFunc("GET /v1/runs/{run_id}", h.HandleGetRun)
	mux.HandleFunc("GET /v1/runs/{run_id}/stream", h.HandleStreamRun)
	mux.HandleFunc("POST /v1/runs/{run_id}/evaluate", h.HandleEvaluate)
	mux.HandleFunc("POST /v1/runs/{run_id}/pause", h.HandlePause)
	mux.Handle("POST /v1/runs/{run_id}/resume", resumeRun)

	// Health (no auth, no rate limit).
	mux.HandleFunc("GET /health", h.HandleHealth)

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler: handler,
		logger:  cfg.Logger,
	}
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
