// Package api serves the admin HTTP API: module upload and inspection,
// worker inspection and eviction, load notifications and metrics.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/seantiz/anvil/internal/httpx"
	"github.com/seantiz/anvil/internal/model"
	"github.com/seantiz/anvil/internal/modules"
	"github.com/seantiz/anvil/internal/pool"
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
	writeTimeout      = 30 * time.Second
)

// Platform is the supervisor surface the admin API drives.
type Platform interface {
	Load(ctx context.Context, name string, code []byte) (string, error)
	Subscribe() (<-chan model.LoadEvent, func())
	Shutdown(ctx context.Context) error
}

// Workers is the worker pool surface the admin API inspects.
type Workers interface {
	Stats() pool.WorkerStats
	ActiveNames() []string
	Evict(ctx context.Context, name string) error
}

// Server wraps the chi router and application dependencies.
type Server struct {
	router   *chi.Mux
	store    modules.Store
	platform Platform
	workers  Workers
	logger   *slog.Logger
	addr     string

	// closing is closed when shutdown begins so event streams end.
	closing   chan struct{}
	closeOnce sync.Once
}

// NewServer creates and configures a new HTTP server.
func NewServer(addr string, store modules.Store, platform Platform, workers Workers, logger *slog.Logger) *Server {
	srv := &Server{
		router:   chi.NewRouter(),
		store:    store,
		platform: platform,
		workers:  workers,
		logger:   logger,
		addr:     addr,
		closing:  make(chan struct{}),
	}

	srv.router.Use(middleware.RequestID)
	srv.router.Use(middleware.Recoverer)
	srv.router.Use(httpx.Logging(logger))
	srv.router.Use(httpx.Metrics("admin"))
	srv.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	srv.routes()

	return srv
}

// routes registers all HTTP routes on the router.
func (s *Server) routes() {
	s.router.Get("/healthz", s.handleHealthz)
	s.router.Handle("/metrics", httpx.MetricsHandler())

	s.router.Route("/v1/modules", func(r chi.Router) {
		r.Post("/", s.handleCreateModule)
		r.Get("/", s.handleListModules)
		r.Get("/{name}", s.handleGetModule)
		r.Get("/{name}/source", s.handleGetSource)
	})

	s.router.Route("/v1/workers", func(r chi.Router) {
		r.Get("/", s.handleListWorkers)
		r.Delete("/{name}", s.handleEvictWorker)
	})

	s.router.Get("/v1/events", s.handleStreamEvents)
}

// Router returns the chi router for route registration.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Run serves the API until ctx is cancelled or SIGINT/SIGTERM arrives, then
// shuts down the HTTP server and the platform.
func (s *Server) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	httpServer := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
		WriteTimeout:      writeTimeout,
	}
	httpServer.RegisterOnShutdown(s.closeStreams)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "addr", s.addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			s.shutdownPlatform()
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("shutdown: %w", err))
	}
	if err := s.platform.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("shutdown platform: %w", err))
	}

	s.logger.Info("server stopped")
	return errors.Join(errs...)
}

func (s *Server) shutdownPlatform() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.platform.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown platform", "error", err)
	}
}

func (s *Server) closeStreams() {
	s.closeOnce.Do(func() { close(s.closing) })
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	httpx.WriteJSON(w, s.logger, status, v)
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	httpx.WriteError(w, s.logger, status, message)
}
