package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/seantiz/anvil/internal/sandbox"
	"github.com/seantiz/anvil/internal/worker"
)

const (
	// checkoutAttempts bounds how often Checkout replaces a sticky worker
	// that died between binding and use.
	checkoutAttempts = 3
	// exitReleaseTimeout bounds the restart of a worker that exited while
	// acquired.
	exitReleaseTimeout = 30 * time.Second
)

var (
	// ErrNotActive is returned when no worker is bound to a module.
	ErrNotActive = errors.New("no active worker for module")
	// ErrBusy is returned when evicting a worker that is serving requests.
	ErrBusy = errors.New("worker is serving requests")
)

// WorkerStats extends Stats with the number of modules holding a sticky
// worker.
type WorkerStats struct {
	Stats
	Active int `json:"active"`
}

type activeEntry struct {
	worker   *worker.Worker
	lastUsed time.Time
	inflight int
}

// WorkerPool pools sandbox workers and keeps each module bound to the
// worker that last served it, so its code stays loaded.
type WorkerPool struct {
	pool   *Pool[*worker.Worker]
	logger *slog.Logger

	mu       sync.Mutex
	active   map[string]*activeEntry
	byWorker map[*worker.Worker]string

	group singleflight.Group
}

// NewWorkerPool creates a pool of workers spawned by spawner. Workers are
// validated on acquire and restarted on release.
func NewWorkerPool(spawner sandbox.Spawner, content worker.ContentLocator, cfg Config, opts worker.Options) *WorkerPool {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	logger := opts.Logger.With("component", "pool")

	wp := &WorkerPool{
		logger:   logger,
		active:   make(map[string]*activeEntry),
		byWorker: make(map[*worker.Worker]string),
	}

	onExit := opts.OnExit
	opts.OnExit = func(w *worker.Worker, status sandbox.ExitStatus) {
		wp.handleExit(w, status)
		if onExit != nil {
			onExit(w, status)
		}
	}

	cfg.Validate = true
	cfg.ResetOnReturn = true
	wp.pool = New[*worker.Worker](&workerFactory{
		spawner: spawner,
		content: content,
		opts:    opts,
	}, cfg, logger)
	return wp
}

// Start warms the pool up to its configured minimum.
func (wp *WorkerPool) Start(ctx context.Context) error {
	return wp.pool.Start(ctx)
}

// On registers fn to observe pool events.
func (wp *WorkerPool) On(fn func(Event[*worker.Worker])) func() {
	return wp.pool.On(fn)
}

// Acquire takes a worker from the pool without binding it to a module.
func (wp *WorkerPool) Acquire(ctx context.Context) (*worker.Worker, error) {
	return wp.pool.Acquire(ctx)
}

// Release unbinds w from its module, if any, and returns it to the pool.
func (wp *WorkerPool) Release(ctx context.Context, w *worker.Worker) error {
	wp.mu.Lock()
	wp.unbindLocked(w)
	wp.mu.Unlock()

	return wp.pool.Release(ctx, w)
}

// SetActive binds w to the module name. Any previous binding of either is
// replaced.
func (wp *WorkerPool) SetActive(w *worker.Worker, name string) {
	wp.mu.Lock()
	defer wp.mu.Unlock()

	wp.unbindLocked(w)
	if prev, ok := wp.active[name]; ok {
		delete(wp.byWorker, prev.worker)
	}
	wp.active[name] = &activeEntry{worker: w, lastUsed: time.Now()}
	wp.byWorker[w] = name
	activeModules.Set(float64(len(wp.active)))
}

// Active returns the worker bound to name, or nil.
func (wp *WorkerPool) Active(name string) *worker.Worker {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	if e, ok := wp.active[name]; ok {
		return e.worker
	}
	return nil
}

// ActiveNames returns the module names with a bound worker, sorted.
func (wp *WorkerPool) ActiveNames() []string {
	wp.mu.Lock()
	defer wp.mu.Unlock()

	names := make([]string, 0, len(wp.active))
	for name := range wp.active {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Checkout returns the worker bound to name, acquiring and binding one when
// needed. Concurrent first requests for the same module share one worker.
// The caller must call done when its request has finished.
func (wp *WorkerPool) Checkout(ctx context.Context, name string) (*worker.Worker, func(), error) {
	for range checkoutAttempts {
		if w, done, ok := wp.use(name); ok {
			return w, done, nil
		}

		_, err, _ := wp.group.Do(name, func() (any, error) {
			if w := wp.Active(name); w != nil && w.Running() {
				return w, nil
			}
			w, err := wp.acquireFor(context.WithoutCancel(ctx))
			if err != nil {
				return nil, err
			}
			wp.SetActive(w, name)
			wp.logger.Debug("worker bound", "module", name, "worker", w.Name())
			return w, nil
		})
		if err != nil {
			return nil, nil, err
		}
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
	}
	return nil, nil, fmt.Errorf("checkout %s: %w", name, worker.ErrNotRunning)
}

// use marks the sticky worker for name as serving one more request. A dead
// sticky worker is unbound; handleExit recycles it.
func (wp *WorkerPool) use(name string) (*worker.Worker, func(), bool) {
	wp.mu.Lock()
	e, ok := wp.active[name]
	if !ok {
		wp.mu.Unlock()
		return nil, nil, false
	}
	if !e.worker.Running() {
		w := e.worker
		wp.unbindLocked(w)
		wp.mu.Unlock()
		wp.logger.Info("replacing dead worker", "module", name, "worker", w.Name())
		return nil, nil, false
	}
	e.inflight++
	e.lastUsed = time.Now()
	w := e.worker
	wp.mu.Unlock()

	var once sync.Once
	done := func() {
		once.Do(func() {
			wp.mu.Lock()
			defer wp.mu.Unlock()
			e.inflight--
			e.lastUsed = time.Now()
		})
	}
	return w, done, true
}

// acquireFor acquires a worker, first evicting the least recently used
// sticky worker when the pool has no spare capacity.
func (wp *WorkerPool) acquireFor(ctx context.Context) (*worker.Worker, error) {
	if st := wp.pool.Stats(); st.Idle == 0 && st.Size >= st.Max {
		if name, ok := wp.evictLRU(ctx); ok {
			wp.logger.Info("evicted least recently used worker", "module", name)
		}
	}
	return wp.pool.Acquire(ctx)
}

func (wp *WorkerPool) evictLRU(ctx context.Context) (string, bool) {
	wp.mu.Lock()
	var (
		victim string
		oldest *activeEntry
	)
	for name, e := range wp.active {
		if e.inflight > 0 {
			continue
		}
		if oldest == nil || e.lastUsed.Before(oldest.lastUsed) {
			victim, oldest = name, e
		}
	}
	if oldest == nil {
		wp.mu.Unlock()
		return "", false
	}
	wp.unbindLocked(oldest.worker)
	wp.mu.Unlock()

	if err := wp.pool.Release(ctx, oldest.worker); err != nil {
		wp.logger.Warn("release evicted worker", "module", victim, "error", err)
	}
	return victim, true
}

// Evict unbinds the worker serving name and returns it to the pool.
func (wp *WorkerPool) Evict(ctx context.Context, name string) error {
	wp.mu.Lock()
	e, ok := wp.active[name]
	if !ok {
		wp.mu.Unlock()
		return ErrNotActive
	}
	if e.inflight > 0 {
		wp.mu.Unlock()
		return ErrBusy
	}
	wp.unbindLocked(e.worker)
	wp.mu.Unlock()

	if err := wp.pool.Release(ctx, e.worker); err != nil {
		return fmt.Errorf("release worker for %s: %w", name, err)
	}
	return nil
}

// ReapIdle releases sticky workers that have served nothing for longer than
// ttl and returns how many were released.
func (wp *WorkerPool) ReapIdle(ctx context.Context, ttl time.Duration) int {
	cutoff := time.Now().Add(-ttl)

	wp.mu.Lock()
	var stale []*worker.Worker
	for _, e := range wp.active {
		if e.inflight == 0 && e.lastUsed.Before(cutoff) {
			stale = append(stale, e.worker)
		}
	}
	for _, w := range stale {
		wp.unbindLocked(w)
	}
	wp.mu.Unlock()

	for _, w := range stale {
		if err := wp.pool.Release(ctx, w); err != nil && !errors.Is(err, ErrNotAcquired) {
			wp.logger.Warn("release idle worker", "worker", w.Name(), "error", err)
		}
	}
	if len(stale) > 0 {
		wp.logger.Info("reaped idle workers", "count", len(stale))
	}
	return len(stale)
}

// Stats returns pool counts plus the number of bound modules.
func (wp *WorkerPool) Stats() WorkerStats {
	wp.mu.Lock()
	active := len(wp.active)
	wp.mu.Unlock()
	return WorkerStats{Stats: wp.pool.Stats(), Active: active}
}

// Close unbinds every module and shuts all workers down within timeout.
func (wp *WorkerPool) Close(ctx context.Context, timeout time.Duration) error {
	wp.mu.Lock()
	wp.active = make(map[string]*activeEntry)
	wp.byWorker = make(map[*worker.Worker]string)
	activeModules.Set(0)
	wp.mu.Unlock()

	return wp.pool.Close(ctx, timeout)
}

// unbindLocked must be called with wp.mu held.
func (wp *WorkerPool) unbindLocked(w *worker.Worker) {
	name, ok := wp.byWorker[w]
	if !ok {
		return
	}
	delete(wp.byWorker, w)
	if e, ok := wp.active[name]; ok && e.worker == w {
		delete(wp.active, name)
	}
	activeModules.Set(float64(len(wp.active)))
}

// handleExit runs when a worker's sandbox dies on its own.
func (wp *WorkerPool) handleExit(w *worker.Worker, status sandbox.ExitStatus) {
	wp.mu.Lock()
	name, bound := wp.byWorker[w]
	wp.unbindLocked(w)
	wp.mu.Unlock()

	wp.logger.Warn("worker exited", "worker", w.Name(), "module", name, "bound", bound, "status", status.String())
	wp.releaseAsync(w)
}

// releaseAsync restarts w through the pool, or destroys it if it was idle.
func (wp *WorkerPool) releaseAsync(w *worker.Worker) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), exitReleaseTimeout)
		defer cancel()

		err := wp.pool.Release(ctx, w)
		if errors.Is(err, ErrNotAcquired) {
			err = wp.pool.Destroy(ctx, w)
		}
		if err != nil && !errors.Is(err, ErrNotAcquired) {
			wp.logger.Warn("recycle exited worker", "worker", w.Name(), "error", err)
		}
	}()
}

// workerFactory creates healthy workers and recycles them by restarting
// their sandbox.
type workerFactory struct {
	spawner sandbox.Spawner
	content worker.ContentLocator
	opts    worker.Options
}

func (f *workerFactory) Create(ctx context.Context) (*worker.Worker, error) {
	w, err := worker.New(f.spawner, f.content, f.opts)
	if err != nil {
		return nil, err
	}
	if err := w.Start(ctx); err != nil {
		_ = w.Shutdown(context.Background())
		return nil, err
	}
	if !w.HealthCheck(ctx) {
		_ = w.Shutdown(context.Background())
		return nil, fmt.Errorf("create worker %s: %w", w.Name(), worker.ErrHealthCheckFailed)
	}
	return w, nil
}

func (f *workerFactory) Destroy(ctx context.Context, w *worker.Worker) error {
	return w.Shutdown(ctx)
}

func (f *workerFactory) Reset(ctx context.Context, w *worker.Worker) error {
	if err := w.Restart(ctx); err != nil {
		return err
	}
	if !w.HealthCheck(ctx) {
		return fmt.Errorf("reset worker %s: %w", w.Name(), worker.ErrHealthCheckFailed)
	}
	return nil
}

func (f *workerFactory) Validate(ctx context.Context, w *worker.Worker) bool {
	return w.Running() && w.HealthCheck(ctx)
}
