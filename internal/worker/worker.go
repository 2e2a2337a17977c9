// Package worker manages one sandbox process and the local endpoint it
// serves on: spawning, health checking, hot-swapping user modules and
// proxying requests to it.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/seantiz/anvil/internal/model"
	"github.com/seantiz/anvil/internal/mutex"
	"github.com/seantiz/anvil/internal/sandbox"
)

const (
	defaultShutdownGrace = 5 * time.Second
	defaultTimeout       = 60 * time.Second
	killWait             = 5 * time.Second
)

var (
	// ErrHealthCheckFailed is returned when a sandbox never becomes healthy.
	ErrHealthCheckFailed = errors.New("worker health check failed")
	// ErrLinkFailed is returned when module content cannot be linked into
	// the worker directory.
	ErrLinkFailed = errors.New("link module failed")
	// ErrNotRunning is returned when a request reaches a worker whose
	// sandbox is not running.
	ErrNotRunning = errors.New("worker not running")
)

// ContentLocator resolves a module version to the file holding its content.
type ContentLocator interface {
	ContentPath(version string) (string, error)
}

// Options configures a Worker.
type Options struct {
	// DataDir is the parent of every worker's private directory.
	DataDir string
	// RequestTimeout bounds a single request inside the sandbox.
	RequestTimeout time.Duration
	// AllowReplace lets the sandbox hot-swap modules in place. When false the
	// worker restarts its sandbox before loading a different module.
	AllowReplace bool
	// ShutdownGrace is how long the sandbox gets to exit after SIGINT
	// before it is killed.
	ShutdownGrace time.Duration
	// OnExit is called when the sandbox exits without being stopped.
	OnExit func(w *Worker, status sandbox.ExitStatus)
	Logger *slog.Logger
}

// Worker owns one sandbox process and one local port.
type Worker struct {
	name      string
	port      int
	dir       string
	spawner   sandbox.Spawner
	content   ContentLocator
	opts      Options
	logger    *slog.Logger
	transport *http.Transport

	mu        sync.Mutex
	state     string
	proc      sandbox.Process
	exited    chan struct{}
	running   bool
	stopping  bool
	startedAt time.Time
	booted    bool
	module    *model.Module
	exit      *sandbox.ExitStatus
	// loadSent is set once this process has been sent a load header, even
	// if the load outcome is unknown.
	loadSent bool

	swapMu mutex.Mutex
}

// New reserves a free local port, creates the worker's private directory
// and returns a worker whose sandbox is not yet started.
func New(spawner sandbox.Spawner, content ContentLocator, opts Options) (*Worker, error) {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultTimeout
	}
	if opts.ShutdownGrace <= 0 {
		opts.ShutdownGrace = defaultShutdownGrace
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	port, err := reservePort()
	if err != nil {
		return nil, fmt.Errorf("reserve port: %w", err)
	}

	name := model.NewID()
	dir, err := filepath.Abs(filepath.Join(opts.DataDir, name))
	if err != nil {
		return nil, fmt.Errorf("resolve worker directory: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create worker directory: %w", err)
	}

	return &Worker{
		name:    name,
		port:    port,
		dir:     dir,
		spawner: spawner,
		content: content,
		opts:    opts,
		logger:  opts.Logger.With("worker", name),
		transport: &http.Transport{
			MaxIdleConnsPerHost: 16,
			IdleConnTimeout:     90 * time.Second,
			DisableCompression:  true,
		},
		state: model.WorkerCreated,
	}, nil
}

// reservePort asks the kernel for a free loopback port.
func reservePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

// Name returns the worker's unique name.
func (w *Worker) Name() string { return w.name }

// Port returns the local port the sandbox listens on.
func (w *Worker) Port() int { return w.port }

// Dir returns the worker's private directory.
func (w *Worker) Dir() string { return w.dir }

// Pid returns the sandbox process id, or 0 when no sandbox is running.
func (w *Worker) Pid() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running || w.proc == nil {
		return 0
	}
	return w.proc.Pid()
}

// Running reports whether the sandbox process is alive.
func (w *Worker) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// State returns the worker's lifecycle state.
func (w *Worker) State() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Module returns the module currently loaded, or nil.
func (w *Worker) Module() *model.Module {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.module == nil {
		return nil
	}
	m := *w.module
	return &m
}

// ExitStatus returns how the last sandbox process ended, if one has.
func (w *Worker) ExitStatus() (sandbox.ExitStatus, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.exit == nil {
		return sandbox.ExitStatus{}, false
	}
	return *w.exit, true
}

// Exited returns a channel closed when the current sandbox process exits.
// It is nil before the first Start.
func (w *Worker) Exited() <-chan struct{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.exited
}

// setState must be called with w.mu held.
func (w *Worker) setState(to string) {
	if w.state != to && !model.ValidTransition(w.state, to) {
		w.logger.Debug("unexpected state transition", "from", w.state, "to", to)
	}
	w.state = to
}

// Start spawns the sandbox process. It does not wait for the sandbox to
// become healthy; see HealthCheck.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return nil
	}
	w.setState(model.WorkerStarting)

	proc, err := w.spawner.Spawn(ctx, sandbox.Spec{
		Name:           w.name,
		Port:           w.port,
		Dir:            w.dir,
		RequestTimeout: w.opts.RequestTimeout,
		AllowReplace:   w.opts.AllowReplace,
		Output:         &lineLogger{logger: w.logger.With("source", "sandbox")},
	})
	if err != nil {
		w.setState(model.WorkerStopped)
		return fmt.Errorf("start worker %s: %w", w.name, err)
	}

	exited := make(chan struct{})
	w.proc = proc
	w.exited = exited
	w.running = true
	w.stopping = false
	w.booted = false
	w.startedAt = time.Now()
	w.module = nil
	w.loadSent = false
	runningSandboxes.Inc()

	go w.watch(proc, exited)

	w.logger.Info("sandbox started", "pid", proc.Pid(), "port", w.port)
	return nil
}

// watch waits for proc to exit and records the outcome.
func (w *Worker) watch(proc sandbox.Process, exited chan struct{}) {
	<-proc.Done()
	status := proc.ExitStatus()
	runningSandboxes.Dec()

	w.mu.Lock()
	current := w.proc == proc
	expected := w.stopping || !current
	if current {
		w.running = false
		w.module = nil
		w.exit = &status
		w.setState(model.WorkerStopped)
	}
	onExit := w.opts.OnExit
	w.mu.Unlock()

	close(exited)

	if expected {
		w.logger.Debug("sandbox exited", "status", status.String())
		return
	}

	unexpectedExitsTotal.Inc()
	w.logger.Warn("sandbox exited unexpectedly", "status", status.String())
	if onExit != nil {
		onExit(w, status)
	}
}

// Restart stops the sandbox process and starts a fresh one. The loaded
// module is cleared.
func (w *Worker) Restart(ctx context.Context) error {
	w.stop(ctx)
	return w.Start(ctx)
}

// Shutdown stops the sandbox process and removes the worker's directory.
func (w *Worker) Shutdown(ctx context.Context) error {
	w.stop(ctx)
	w.transport.CloseIdleConnections()

	w.mu.Lock()
	w.setState(model.WorkerStopped)
	w.mu.Unlock()

	if err := os.RemoveAll(w.dir); err != nil {
		return fmt.Errorf("remove worker directory: %w", err)
	}
	w.logger.Debug("worker shut down")
	return nil
}

// stop interrupts the sandbox and waits for it to exit, killing it after
// the grace period.
func (w *Worker) stop(ctx context.Context) {
	w.mu.Lock()
	proc, exited, running := w.proc, w.exited, w.running
	w.stopping = true
	w.mu.Unlock()

	if !running || proc == nil {
		return
	}
	start := time.Now()

	if err := proc.Signal(os.Interrupt); err != nil && !errors.Is(err, os.ErrProcessDone) {
		w.logger.Debug("interrupt failed, killing", "error", err)
		w.kill(proc, exited)
		cleanupDuration.Observe(time.Since(start).Seconds())
		return
	}

	grace := time.NewTimer(w.opts.ShutdownGrace)
	defer grace.Stop()

	select {
	case <-exited:
	case <-grace.C:
		w.logger.Debug("graceful shutdown timed out, killing")
		w.kill(proc, exited)
	case <-ctx.Done():
		w.kill(proc, exited)
	}

	cleanupDuration.Observe(time.Since(start).Seconds())
}

func (w *Worker) kill(proc sandbox.Process, exited <-chan struct{}) {
	if err := proc.Kill(); err != nil {
		w.logger.Debug("kill failed", "error", err)
	}
	select {
	case <-exited:
	case <-time.After(killWait):
		w.logger.Warn("sandbox did not exit after kill")
	}
}

// linkModule makes version's content visible in the worker directory as
// <version>.js without copying it.
func (w *Worker) linkModule(version string) error {
	src, err := w.content.ContentPath(version)
	if err != nil {
		return fmt.Errorf("locate %s: %v: %w", version, err, ErrLinkFailed)
	}
	dst := filepath.Join(w.dir, version+".js")

	err = os.Link(src, dst)
	if err == nil || errors.Is(err, fs.ErrExist) {
		return nil
	}
	if errors.Is(err, syscall.EXDEV) {
		if serr := os.Symlink(src, dst); serr == nil || errors.Is(serr, fs.ErrExist) {
			return nil
		}
	}
	return fmt.Errorf("link %s: %v: %w", version, err, ErrLinkFailed)
}

func (w *Worker) baseHost() string {
	return net.JoinHostPort("127.0.0.1", strconv.Itoa(w.port))
}
