// Package server serves the ops endpoints: health, metrics and manual poll.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Poller queues an immediate polling cycle.
type Poller interface {
	Trigger() bool
}

// Server handles ops HTTP requests.
type Server struct {
	poller  Poller
	metrics http.Handler
	logger  *slog.Logger
	srv     *http.Server
}

// Config holds server configuration.
type Config struct {
	Poller  Poller
	Metrics http.Handler // Optional; /metrics is not routed when nil
	Logger  *slog.Logger
	Addr    string
}

// New creates a new ops server.
func New(cfg *Config) *Server {
	s := &Server{
		poller:  cfg.Poller,
		metrics: cfg.Metrics,
		logger:  cfg.Logger,
	}
	s.srv = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.Routes(),
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Routes returns the router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Post("/pollz", s.handlePoll)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}
	return r
}

// Start listens until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting HTTP server", "addr", s.srv.Addr)
		errCh <- s.srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("listen on %s: %w", s.srv.Addr, err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.logger.Info("Shutting down HTTP server")
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := fmt.Fprint(w, `{"status":"healthy"}`); err != nil {
		s.logger.Warn("Failed to write health response", "error", err)
	}
}

func (s *Server) handlePoll(w http.ResponseWriter, _ *http.Request) {
	status := "queued"
	if !s.poller.Trigger() {
		status = "already_queued"
	}
	s.logger.Info("Poll endpoint triggered", "status", status)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	if _, err := fmt.Fprintf(w, `{"status":%q}`, status); err != nil {
		s.logger.Warn("Failed to write response", "error", err)
	}
}
