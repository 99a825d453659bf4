// Package server exposes the HTTP status API and WebSocket event stream over
// one listener. Routes degrade with the wiring: handlers whose backends are
// not configured are simply not registered.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"trailbot/internal/domain"
	"trailbot/internal/server/handler"
	"trailbot/internal/server/middleware"
	"trailbot/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	// APIKey guards the API when set; empty disables authentication.
	APIKey string
	// RateLimitPerMin caps requests per client IP per minute; 0 disables.
	RateLimitPerMin int
	// ReadOnly drops the mutating routes (register, close, variant change),
	// used by monitor mode.
	ReadOnly bool
}

// Handlers aggregates the REST handlers the server can register. Nil entries
// are skipped.
type Handlers struct {
	Health     *handler.HealthHandler
	Status     *handler.StatusHandler
	Positions  *handler.PositionHandler
	Volatility *handler.VolatilityHandler
	History    *handler.HistoryHandler
	Audit      *handler.AuditHandler
}

// Server is the HTTP + WebSocket API server for the protection service.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer creates a Server with all available routes registered and the
// middleware chain applied. limiter may be nil, which disables per-client
// rate limiting regardless of config.
func NewServer(cfg Config, handlers Handlers, wsHub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	// Health and metrics bypass auth; probes and scrapers carry no keys.
	if handlers.Health != nil {
		mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)
	}
	mux.Handle("GET /metrics", promhttp.Handler())

	if handlers.Status != nil {
		mux.HandleFunc("GET /api/status", handlers.Status.GetStatus)
	}

	if handlers.Positions != nil {
		mux.HandleFunc("GET /api/positions", handlers.Positions.ListPositions)
		mux.HandleFunc("GET /api/positions/{id}", handlers.Positions.GetPosition)
		if !cfg.ReadOnly {
			mux.HandleFunc("POST /api/positions", handlers.Positions.RegisterPosition)
			mux.HandleFunc("POST /api/positions/{id}/close", handlers.Positions.ClosePosition)
			mux.HandleFunc("PUT /api/positions/{id}/variant", handlers.Positions.SetVariant)
		}
	}

	if handlers.Volatility != nil {
		mux.HandleFunc("GET /api/symbols/{symbol}/volatility", handlers.Volatility.GetVolatility)
	}

	if handlers.History != nil {
		mux.HandleFunc("GET /api/history", handlers.History.ListHistory)
	}

	if handlers.Audit != nil {
		mux.HandleFunc("GET /api/audit", handlers.Audit.ListAudit)
	}

	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	// Middleware chain, innermost first. Requests flow CORS -> logging ->
	// rate limit -> auth -> mux.
	var h http.Handler = mux
	h = middleware.Auth(cfg.APIKey, "/api/health", "/metrics")(h)
	if limiter != nil && cfg.RateLimitPerMin > 0 {
		h = middleware.RateLimit(limiter, cfg.RateLimitPerMin, time.Minute, "/api/health", "/metrics")(h)
	}
	h = middleware.Logging(logger)(h)
	if len(cfg.CORSOrigins) > 0 {
		h = middleware.CORS(cfg.CORSOrigins)(h)
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return &Server{
		httpServer: srv,
		logger:     logger.With(slog.String("component", "server")),
	}
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server listening", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server, waiting for in-flight requests
// to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
