// Package supervisor is the front door of the platform: it routes each
// request to the worker serving the module named by the first path
// segment, and announces newly loaded code to subscribers.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/seantiz/anvil/internal/httpx"
	"github.com/seantiz/anvil/internal/model"
	"github.com/seantiz/anvil/internal/modules"
	"github.com/seantiz/anvil/internal/pool"
	"github.com/seantiz/anvil/internal/sandbox"
	"github.com/seantiz/anvil/internal/worker"
)

const (
	defaultAddr          = "127.0.0.1:0"
	defaultShutdownGrace = 5 * time.Second
	readHeaderTimeout    = 10 * time.Second
	minReapInterval      = time.Second
)

var (
	// ErrInvalidName is returned by Load for names that cannot be routed.
	ErrInvalidName = errors.New("invalid module name")
	// ErrEmptyCode is returned by Load when no code is given.
	ErrEmptyCode = errors.New("module code is empty")
	// ErrNotStarted is returned when the listener has not been bound.
	ErrNotStarted = errors.New("supervisor not started")
)

// WorkerPool is the subset of pool.WorkerPool the supervisor drives.
type WorkerPool interface {
	Checkout(ctx context.Context, name string) (*worker.Worker, func(), error)
	ActiveNames() []string
	ReapIdle(ctx context.Context, ttl time.Duration) int
	Close(ctx context.Context, timeout time.Duration) error
}

// Options configures a Supervisor.
type Options struct {
	// Addr is the listen address. Defaults to an ephemeral loopback port.
	Addr string
	// IdleTTL releases sticky workers that served nothing for this long.
	// Zero disables the reaper.
	IdleTTL time.Duration
	// ShutdownGrace bounds how long Shutdown waits for workers to exit.
	ShutdownGrace time.Duration
	Logger        *slog.Logger
}

// Supervisor owns the module-facing HTTP listener.
type Supervisor struct {
	store  modules.Store
	pool   WorkerPool
	broker *Broker
	router *chi.Mux
	opts   Options
	logger *slog.Logger

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
	serveErr chan error

	stopReaper chan struct{}
	reaperDone chan struct{}
}

// New creates a supervisor. Call Start to bind its listener.
func New(store modules.Store, wp WorkerPool, opts Options) *Supervisor {
	if opts.Addr == "" {
		opts.Addr = defaultAddr
	}
	if opts.ShutdownGrace <= 0 {
		opts.ShutdownGrace = defaultShutdownGrace
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	logger := opts.Logger.With("component", "supervisor")

	s := &Supervisor{
		store:  store,
		pool:   wp,
		broker: NewBroker(),
		router: chi.NewRouter(),
		opts:   opts,
		logger: logger,
	}

	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Recoverer)
	s.router.Use(httpx.Logging(logger))
	s.router.Use(httpx.Metrics("supervisor"))

	s.router.HandleFunc("/{module}", s.handleModule)
	s.router.HandleFunc("/{module}/*", s.handleModule)
	s.router.NotFound(s.handleNotFound)

	return s
}

// Handler returns the request router.
func (s *Supervisor) Handler() http.Handler {
	return s.router
}

// Start binds the listener and serves in the background.
func (s *Supervisor) Start(ctx context.Context) error {
	var lc net.ListenConfig
	l, err := lc.Listen(ctx, "tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.opts.Addr, err)
	}

	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
	}
	serveErr := make(chan error, 1)

	s.mu.Lock()
	s.server = srv
	s.listener = l
	s.serveErr = serveErr
	s.mu.Unlock()

	go func() {
		if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	if s.opts.IdleTTL > 0 {
		s.stopReaper = make(chan struct{})
		s.reaperDone = make(chan struct{})
		go s.reap(s.opts.IdleTTL)
	}

	s.logger.Info("supervisor listening", "addr", l.Addr().String())
	return nil
}

// URL returns the base URL of the bound listener, or "" before Start.
func (s *Supervisor) URL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return "http://" + s.listener.Addr().String()
}

// IDs returns the names of modules that currently hold a worker.
func (s *Supervisor) IDs() []string {
	return s.pool.ActiveNames()
}

// Load stores code under name and notifies load subscribers. It returns the
// stored version.
func (s *Supervisor) Load(ctx context.Context, name string, code []byte) (string, error) {
	if !model.ValidName(name) {
		return "", fmt.Errorf("load %q: %w", name, ErrInvalidName)
	}
	if len(code) == 0 {
		return "", fmt.Errorf("load %q: %w", name, ErrEmptyCode)
	}

	version, err := s.store.Save(ctx, name, code)
	if err != nil {
		return "", fmt.Errorf("load %q: %w", name, err)
	}
	loadsTotal.Inc()
	s.logger.Info("module loaded", "module", name, "version", version)

	s.broker.Publish(model.LoadEvent{Name: name, Version: version, At: time.Now().UTC()})
	return version, nil
}

// OnLoad registers fn to be called after every successful Load.
func (s *Supervisor) OnLoad(fn func(model.LoadEvent)) func() {
	return s.broker.OnLoad(fn)
}

// Subscribe returns a channel of load events. The channel is closed on
// Shutdown or by the returned unsubscribe function.
func (s *Supervisor) Subscribe() (<-chan model.LoadEvent, func()) {
	return s.broker.Subscribe()
}

// Shutdown stops accepting requests, waits for in-flight ones, closes the
// worker pool within the grace period and ends every subscription.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	var errs []error

	s.mu.Lock()
	srv, serveErr := s.server, s.serveErr
	s.mu.Unlock()

	if srv != nil {
		if err := srv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown listener: %w", err))
		}
		if err := <-serveErr; err != nil {
			errs = append(errs, fmt.Errorf("serve: %w", err))
		}
	}

	if s.stopReaper != nil {
		close(s.stopReaper)
		<-s.reaperDone
		s.stopReaper = nil
	}

	if err := s.pool.Close(ctx, s.opts.ShutdownGrace); err != nil {
		errs = append(errs, fmt.Errorf("close pool: %w", err))
	}
	s.broker.Close()

	s.logger.Info("supervisor stopped")
	return errors.Join(errs...)
}

func (s *Supervisor) reap(ttl time.Duration) {
	defer close(s.reaperDone)

	interval := max(ttl/2, minReapInterval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopReaper:
			return
		case <-ticker.C:
			s.pool.ReapIdle(context.Background(), ttl)
		}
	}
}

func (s *Supervisor) handleModule(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "module")
	ctx := r.Context()

	version, err := s.store.LookupVersion(ctx, name)
	if errors.Is(err, modules.ErrNotFound) {
		s.handleNotFound(w, r)
		return
	}
	if err != nil {
		s.logger.Error("lookup module", "module", name, "error", err)
		s.fail(w, err)
		return
	}

	wk, done, err := s.pool.Checkout(ctx, name)
	if err != nil {
		s.logger.Warn("checkout worker", "module", name, "error", err)
		s.fail(w, err)
		return
	}
	defer done()

	resp, err := wk.Run(ctx, r, model.Module{Name: name, Version: version})
	if err != nil {
		s.logger.Error("run module", "module", name, "worker", wk.Name(), "error", err)
		s.fail(w, err)
		return
	}
	defer resp.Body.Close()

	header := w.Header()
	for k, vs := range resp.Header {
		header[k] = append([]string(nil), vs...)
	}
	for _, h := range sandbox.ControlHeaders {
		header.Del(h)
	}
	w.WriteHeader(resp.StatusCode)
	proxiedTotal.WithLabelValues(outcomeProxied).Inc()

	if _, err := io.Copy(w, resp.Body); err != nil {
		s.logger.Debug("copy response body", "module", name, "error", err)
	}
}

func (s *Supervisor) handleNotFound(w http.ResponseWriter, _ *http.Request) {
	proxiedTotal.WithLabelValues(outcomeNotFound).Inc()
	httpx.WriteError(w, s.logger, http.StatusNotFound, "Not found")
}

// fail answers a request that could not be proxied.
func (s *Supervisor) fail(w http.ResponseWriter, err error) {
	if errors.Is(err, pool.ErrCapacityExceeded) || errors.Is(err, pool.ErrClosed) {
		proxiedTotal.WithLabelValues(outcomeUnavailable).Inc()
		httpx.WriteError(w, s.logger, http.StatusServiceUnavailable, "Service unavailable")
		return
	}
	proxiedTotal.WithLabelValues(outcomeError).Inc()
	httpx.WriteError(w, s.logger, http.StatusInternalServerError, "Internal server error")
}
