// Package api implements the control plane: authenticated REST endpoints
// for engine lifecycle, configuration and research, plus the WebSocket
// event stream fed by the bus.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"quantdesk/internal/bus"
	"quantdesk/internal/config"
	"quantdesk/internal/engine"
	"quantdesk/internal/metrics"
	"quantdesk/internal/store"
	"quantdesk/internal/vault"
)

// Server owns the HTTP listener and the route tree.
type Server struct {
	cfg      *config.Config
	router   *chi.Mux
	server   *http.Server
	handlers *Handlers
	logger   *slog.Logger
}

// NewServer wires the router. Engine control and journal reads go through
// the manager and store; WebSocket clients attach straight to the bus.
func NewServer(
	cfg *config.Config,
	engines *engine.Manager,
	st *store.Store,
	v *vault.Vault,
	events *bus.Bus,
	logger *slog.Logger,
) *Server {
	auth := newAuthenticator(cfg.Auth, logger)
	handlers := NewHandlers(cfg, engines, st, v, events, auth, logger)

	s := &Server{
		cfg:      cfg,
		router:   chi.NewRouter(),
		handlers: handlers,
		logger:   logger.With("component", "api-server"),
	}

	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Recoverer)
	s.router.Use(s.requestLogger)
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.Server.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	s.router.Get("/health", handlers.Health)
	s.router.Method(http.MethodGet, "/metrics", metrics.Handler())

	// WebSocket routes authenticate inside the handler (token query param)
	// and must not sit behind the request timeout: the connection outlives
	// any sane deadline.
	s.router.Get("/ws", handlers.UserStream)
	s.router.Get("/ws/admin", handlers.AdminStream)

	s.router.Route("/api", func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))
		r.Use(auth.requireUser)
		r.Use(newTenantLimiter(cfg.Server.RateLimitRPS, cfg.Server.RateLimitBurst).middleware)

		r.Post("/engine/create", handlers.CreateEngine)
		r.Post("/engine/config", handlers.SaveEngineConfig)
		r.Get("/engine/config", handlers.GetEngineConfig)

		r.Post("/hft/start", handlers.StartHFT)
		r.Post("/hft/stop", handlers.StopHFT)
		r.Get("/hft/status", handlers.HFTStatus)
		r.Get("/hft/logs", handlers.ExecutionLogs)

		r.Post("/auto-trade/toggle", handlers.ToggleAutoTrade)

		r.Post("/research/run", handlers.RunResearch)
		r.Post("/research/scan", handlers.ScanResearch)
		r.Get("/research/logs", handlers.ResearchLogs)

		r.Post("/integrations/{provider}", handlers.SaveIntegration)
		r.Get("/integrations", handlers.ListIntegrations)
	})

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      s.router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler exposes the route tree; tests mount it on httptest servers.
func (s *Server) Handler() http.Handler { return s.router }

// Start blocks on the listener until Shutdown.
func (s *Server) Start() error {
	s.logger.Info("control plane listening", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("control plane shutting down")
	return s.server.Shutdown(ctx)
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
