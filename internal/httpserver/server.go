package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/PortNumber53/boxing-coach/backend/internal/config"
	"github.com/PortNumber53/boxing-coach/backend/internal/handlers"
	appmw "github.com/PortNumber53/boxing-coach/backend/internal/middleware"
	"github.com/PortNumber53/boxing-coach/backend/internal/worker"
)

// Deps are the components the server routes to. Only Checkout is
// required; routes for missing optional components are not mounted.
type Deps struct {
	Checkout handlers.CheckoutService
	Carts    handlers.CartScheduler
	Jobs     handlers.JobStore
	Worker   *worker.Worker
	Notifier handlers.Notifier
	DB       handlers.Pinger
}

// Server wraps an http.Server with convenience helpers for startup/shutdown.
type Server struct {
	httpServer *http.Server
	worker     *worker.Worker
}

// New constructs an HTTP server using the provided configuration and components.
func New(cfg config.Config, deps Deps) *Server {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(appmw.RequestLogger(log.With().Str("component", "http").Logger()))
	router.Use(middleware.Recoverer)

	internalAuth := appmw.BearerAuth(cfg.InternalAPISecret)

	router.Get("/healthz", handlers.Health)
	if deps.DB != nil {
		router.Get("/readyz", handlers.Ready(deps.DB))
	}

	handlers.NewCheckoutHandler(deps.Checkout, deps.Carts).RegisterRoutes(router, internalAuth)
	handlers.NewWebhookHandler(cfg.StripeWebhookSecret, deps.Notifier).RegisterRoutes(router)

	if deps.Jobs != nil {
		var stats handlers.WorkerStats
		if deps.Worker != nil {
			stats = deps.Worker
		}
		handlers.NewJobHandler(deps.Jobs, stats).RegisterRoutes(router, internalAuth)
	}

	srv := &http.Server{
		Addr:         cfg.ServerAddress,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{httpServer: srv, worker: deps.Worker}
}

// Start starts the worker and begins serving HTTP traffic. ctx bounds the
// worker's lifetime.
func (s *Server) Start(ctx context.Context) error {
	if s.worker != nil {
		log.Info().Str("component", "server").Msg("starting job worker")
		s.worker.Start(ctx)
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown stops accepting requests, then drains the worker.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)
	if s.worker != nil {
		log.Info().Str("component", "server").Msg("shutting down job worker")
		if werr := s.worker.Stop(ctx); werr != nil {
			log.Error().Err(werr).Str("component", "server").Msg("worker shutdown error")
		}
	}
	return err
}

// Handler exposes the underlying http.Handler for testing.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}
