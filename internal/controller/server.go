// Package controller contains the controller-specific logic for the HTTP API.
package controller

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"runplane/internal/controller/handlers"
	"runplane/internal/controller/middleware"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
)

// Config holds the HTTP surface settings.
type Config struct {
	Addr        string
	OwnerHeader string
	// SubmitRate is the sustained submissions per second per owner; 0 disables limiting.
	SubmitRate  float64
	SubmitBurst int
}

// Server is the HTTP server for the controller API.
type Server struct {
	httpServer *http.Server
}

// New creates a new controller server. metrics may be nil.
func New(cfg Config, runs handlers.RunService, metrics http.Handler, logger *slog.Logger) *Server {
	return &Server{
		httpServer: &http.Server{
			Addr:         cfg.Addr,
			Handler:      NewRouter(cfg, runs, metrics, logger),
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
	}
}

// NewRouter builds the API routes.
func NewRouter(cfg Config, runs handlers.RunService, metrics http.Handler, logger *slog.Logger) http.Handler {
	h := handlers.New(runs, logger)
	limiter := middleware.NewRateLimiter(middleware.WithLimit(cfg.SubmitRate, cfg.SubmitBurst))

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(middleware.RequestLogging)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", h.Healthz)
	r.Get("/readyz", h.Readyz)
	if metrics != nil {
		r.Method(http.MethodGet, "/metrics", metrics)
	}

	r.Route("/runs", func(r chi.Router) {
		r.Use(middleware.RequireOwner(cfg.OwnerHeader))

		r.With(limiter.Middleware()).Post("/", h.SubmitRun)
		r.Get("/", h.ListRuns)
		r.Get("/{id}", h.GetRun)
		r.Delete("/{id}", h.DeleteRun)
		r.Get("/{id}/logs", h.GetRunLogs)
	})

	return r
}

// Run starts the HTTP server. It blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	serverErr := make(chan error, 1)

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		return err
	case <-ctx.Done():
		shutDownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		return s.Shutdown(shutDownCtx)
	}
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
