package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/seantiz/anvil/internal/httpx"
	"github.com/seantiz/anvil/internal/model"
	"github.com/seantiz/anvil/internal/mutex"
	"github.com/seantiz/anvil/internal/sandbox"
)

const (
	shutdownTimeout   = 5 * time.Second
	readHeaderTimeout = 10 * time.Second
	maxBodySize       = 10 << 20 // 10 MB
)

// Server answers worker requests inside a sandbox.
type Server struct {
	cfg    Config
	logger *slog.Logger
	router *chi.Mux

	loadMu  mutex.Mutex
	current atomic.Pointer[module]
}

// NewServer creates a sandbox server reading module files from cfg.Dir.
func NewServer(cfg Config, logger *slog.Logger) *Server {
	s := &Server{
		cfg:    cfg,
		logger: logger,
		router: chi.NewRouter(),
	}
	s.router.Use(middleware.Recoverer)
	s.router.HandleFunc("/*", s.handle)
	return s
}

// Handler returns the HTTP handler of the server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Version returns the resident module version, or "" when none is loaded.
func (s *Server) Version() string {
	if m := s.current.Load(); m != nil {
		return m.version
	}
	return ""
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get(sandbox.HeaderHealthCheck) != "" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, "OK")
		return
	}

	reqID := r.Header.Get(sandbox.HeaderRequestID)

	if version := r.Header.Get(sandbox.HeaderLoadModule); version != "" {
		if err := s.load(r.Context(), version); err != nil {
			w.Header().Set(sandbox.HeaderLoadError, "1")
			s.fail(w, reqID, err)
			return
		}
	}

	mod := s.current.Load()
	if mod == nil {
		s.fail(w, reqID, sandbox.ErrNotLoaded)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		httpx.WriteError(w, s.logger, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	res, err := mod.serve(r.Context(), r, body, reqID, s.cfg.Timeout)
	if err != nil {
		s.fail(w, reqID, err)
		return
	}

	for k, vs := range res.header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.Header().Del("Content-Length")
	w.WriteHeader(res.status)
	io.WriteString(w, res.body)
}

func (s *Server) fail(w http.ResponseWriter, reqID string, err error) {
	status := sandbox.StatusFor(err)
	level := slog.LevelWarn
	if status == http.StatusInternalServerError {
		level = slog.LevelError
	}
	s.logger.Log(context.Background(), level, "request failed", "req_id", reqID, "status", status, "error", err)
	httpx.WriteError(w, s.logger, status, err.Error())
}

// load makes version the resident module. Loads are serialized; loading the
// resident version again is a no-op.
func (s *Server) load(ctx context.Context, version string) error {
	if err := s.loadMu.Lock(ctx); err != nil {
		return err
	}
	defer s.loadMu.Unlock()

	cur := s.current.Load()
	if cur != nil && cur.version == version {
		return nil
	}
	if cur != nil && !s.cfg.AllowReplace {
		return fmt.Errorf("module %.12s is resident: %w", cur.version, sandbox.ErrReplaceDenied)
	}
	if !model.ValidVersion(version) {
		return fmt.Errorf("malformed version %q: %w", version, sandbox.ErrLoadFailed)
	}

	src, err := os.ReadFile(filepath.Join(s.cfg.Dir, version+".js"))
	if err != nil {
		return fmt.Errorf("read module: %v: %w", err, sandbox.ErrLoadFailed)
	}
	if got := model.ContentVersion(src); got != version {
		return fmt.Errorf("module content hashes to %.12s, not %.12s: %w", got, version, sandbox.ErrLoadFailed)
	}

	start := time.Now()
	mod, err := compileModule(version, src, s.cfg.Timeout, s.logger)
	if err != nil {
		return err
	}
	s.current.Store(mod)

	s.logger.Info("module loaded", "version", version, "duration_ms", time.Since(start).Milliseconds())
	return nil
}

// Run serves the sandbox on cfg.Host:cfg.Port until ctx ends or the process
// receives SIGINT or SIGTERM, then shuts down gracefully.
func Run(ctx context.Context, cfg Config, logger *slog.Logger) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid sandbox config: %w", err)
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           NewServer(cfg, logger).Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("sandbox listening", "addr", addr, "dir", cfg.Dir)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("sandbox shutting down")
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("sandbox server: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	logger.Info("sandbox stopped")
	return nil
}
