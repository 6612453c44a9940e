// Package server exposes health, session status, the lifecycle journal and
// Prometheus metrics over HTTP, plus the live book feed on /ws.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alanyoungcy/bookrecorder/internal/server/handler"
	"github.com/alanyoungcy/bookrecorder/internal/server/middleware"
)

// Config holds the HTTP server configuration.
type Config struct {
	Addr string
}

// Handlers groups the route handlers. Events may be nil when no journal is
// configured and Live may be nil when the live feed is off.
type Handlers struct {
	Health *handler.HealthHandler
	Status *handler.StatusHandler
	Events *handler.EventsHandler
	Live   http.HandlerFunc
}

// Server is the recorder's HTTP surface.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer registers every route behind the logging middleware.
func NewServer(cfg Config, handlers Handlers, logger *slog.Logger) *Server {
	logger = logger.With(slog.String("component", "server"))
	return &Server{
		httpServer: &http.Server{
			Addr:         cfg.Addr,
			Handler:      Routes(handlers, logger),
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		logger: logger,
	}
}

// Routes builds the handler tree.
func Routes(handlers Handlers, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)
	mux.HandleFunc("GET /api/status", handlers.Status.GetStatus)
	if handlers.Events != nil {
		mux.HandleFunc("GET /api/events", handlers.Events.ListEvents)
	}
	if handlers.Live != nil {
		mux.HandleFunc("GET /ws", handlers.Live)
	}
	mux.Handle("GET /metrics", promhttp.Handler())
	return middleware.Logging(logger)(mux)
}

// Run serves until ctx is cancelled, then shuts down with a short grace
// period.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", slog.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("server: listen: %w", err)
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.logger.Info("shutting down")
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
