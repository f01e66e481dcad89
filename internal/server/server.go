package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/lendingsim/internal/domain"
	"github.com/alanyoungcy/lendingsim/internal/server/handler"
	"github.com/alanyoungcy/lendingsim/internal/server/middleware"
	"github.com/alanyoungcy/lendingsim/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string // if empty, authentication is disabled

	// RateLimit is requests per RateWindow per client IP. Zero, or a nil
	// Limiter, disables rate limiting.
	RateLimit  int
	RateWindow time.Duration
	Limiter    domain.RateLimiter

	// Observer receives one observation per served request; may be nil.
	Observer middleware.RequestObserver
}

// Handlers aggregates all HTTP handlers that the server needs to register.
// Simulation, Runs and Metrics are optional.
type Handlers struct {
	Health     *handler.HealthHandler
	Status     *handler.StatusHandler
	Simulation *handler.SimulationHandler
	Runs       *handler.RunHandler
	Metrics    http.Handler
}

// Server is the headless HTTP + WebSocket API server for the simulator.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer creates a new Server with all routes registered on the ServeMux.
// It wires up middleware (CORS, logging, metrics, rate limit, auth) and
// attaches the WebSocket hub.
func NewServer(cfg Config, handlers Handlers, wsHub *ws.Hub, logger *slog.Logger) *Server {
	logger = logger.With(slog.String("component", "http_server"))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           NewHandler(cfg, handlers, wsHub, logger),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return &Server{
		httpServer: srv,
		logger:     logger,
	}
}

// NewHandler builds the routed and wrapped handler served by Server.
func NewHandler(cfg Config, handlers Handlers, wsHub *ws.Hub, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	// --- Register routes ---

	// Health check and status (no auth required for health).
	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)
	mux.HandleFunc("GET /api/status", handlers.Status.GetStatus)

	// Live simulation endpoints.
	if sh := handlers.Simulation; sh != nil {
		mux.HandleFunc("GET /api/simulation/market", sh.GetMarket)
		mux.HandleFunc("GET /api/simulation/snapshot", sh.GetSnapshot)
		mux.HandleFunc("GET /api/simulation/history", sh.GetHistory)
		mux.HandleFunc("GET /api/simulation/users/{id}", sh.GetUser)
		mux.HandleFunc("GET /api/prices", sh.GetPrices)
	}

	// Stored run history.
	if rh := handlers.Runs; rh != nil {
		mux.HandleFunc("GET /api/runs", rh.ListRuns)
		mux.HandleFunc("GET /api/runs/{id}", rh.GetRun)
		mux.HandleFunc("GET /api/runs/{id}/snapshots", rh.ListSnapshots)
		mux.HandleFunc("GET /api/runs/{id}/liquidations", rh.ListLiquidations)
		mux.HandleFunc("GET /api/runs/{id}/audit", rh.ListAudit)
		mux.HandleFunc("POST /api/runs/{id}/archive", rh.ArchiveRun)
		mux.HandleFunc("GET /api/runs/{id}/archive", rh.GetArchive)
		mux.HandleFunc("GET /api/archives", rh.ListArchives)
	}

	if handlers.Metrics != nil {
		mux.Handle("GET /metrics", handlers.Metrics)
	}

	// WebSocket endpoint.
	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	// Build the middleware chain, innermost first.
	var h http.Handler = mux

	// Apply auth middleware (skips if APIKey is empty).
	h = middleware.Auth(cfg.APIKey)(h)

	if cfg.Limiter != nil && cfg.RateLimit > 0 {
		h = middleware.RateLimit(cfg.Limiter, cfg.RateLimit, cfg.RateWindow, logger)(h)
	}

	if cfg.Observer != nil {
		h = middleware.Metrics(cfg.Observer)(h)
	}

	// Apply request logging middleware.
	h = middleware.Logging(logger)(h)

	// Apply CORS middleware.
	h = middleware.CORS(cfg.CORSOrigins)(h)

	return h
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting",
		slog.String("addr", s.httpServer.Addr),
	)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server, waiting for in-flight requests
// to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
