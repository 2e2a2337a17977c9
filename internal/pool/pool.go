package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

var (
	// ErrCapacityExceeded is returned by Acquire when no item became available
	// within the configured number of attempts.
	ErrCapacityExceeded = errors.New("pool capacity exceeded")

	// ErrClosed is returned by operations on a pool that has been closed.
	ErrClosed = errors.New("pool closed")

	// ErrNotAcquired is returned when releasing or destroying an item the
	// pool does not track as acquired.
	ErrNotAcquired = errors.New("item not acquired from pool")
)

const maxRetryWait = 2 * time.Second

// Factory manages the lifecycle of pooled items.
type Factory[T any] interface {
	Create(ctx context.Context) (T, error)
	Destroy(ctx context.Context, item T) error
	Reset(ctx context.Context, item T) error
	Validate(ctx context.Context, item T) bool
}

// Config bounds the pool and tunes its acquire behaviour.
type Config struct {
	Max     int
	Min     int
	MinIdle int

	// AcquireMaxRetries is the number of waits Acquire performs before
	// giving up with ErrCapacityExceeded. The wait starts at
	// AcquireRetryWait and doubles each attempt.
	AcquireMaxRetries int
	AcquireRetryWait  time.Duration

	// Validate checks idle items with Factory.Validate before handing them out.
	Validate bool
	// ResetOnReturn resets items with Factory.Reset when they are released.
	ResetOnReturn bool
}

// Stats is a point-in-time view of the pool.
type Stats struct {
	Size     int `json:"size"`
	Idle     int `json:"idle"`
	Acquired int `json:"acquired"`
	Creating int `json:"creating"`
	Max      int `json:"max"`
}

// Pool is a bounded pool of items created on demand by a Factory.
type Pool[T comparable] struct {
	factory Factory[T]
	cfg     Config
	logger  *slog.Logger

	// ctx is cancelled on Close to abort background creation.
	ctx    context.Context
	cancel context.CancelFunc
	bg     sync.WaitGroup

	mu       sync.Mutex
	idle     []T
	acquired map[T]struct{}
	// releasing holds acquired items whose Release is in progress.
	releasing map[T]struct{}
	creating  int
	closed    bool
	// wake is closed and replaced whenever capacity may have been freed.
	wake chan struct{}

	handlers    map[int]func(Event[T])
	nextHandler int
}

// New creates a pool. Items are not created until Start or Acquire.
func New[T comparable](factory Factory[T], cfg Config, logger *slog.Logger) *Pool[T] {
	if cfg.Max < 1 {
		cfg.Max = 1
	}
	if cfg.AcquireRetryWait <= 0 {
		cfg.AcquireRetryWait = 100 * time.Millisecond
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool[T]{
		factory:   factory,
		cfg:       cfg,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
		acquired:  make(map[T]struct{}),
		releasing: make(map[T]struct{}),
		wake:      make(chan struct{}),
		handlers:  make(map[int]func(Event[T])),
	}
}

// Start eagerly creates max(Min, MinIdle) items, bounded by Max. Items that
// fail to create are reported; the pool stays usable.
func (p *Pool[T]) Start(ctx context.Context) error {
	want := max(p.cfg.Min, p.cfg.MinIdle)
	want = min(want, p.cfg.Max)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	want -= p.sizeLocked()
	if want < 0 {
		want = 0
	}
	p.creating += want
	p.mu.Unlock()

	var g errgroup.Group
	for range want {
		g.Go(func() error {
			item, err := p.factory.Create(ctx)

			p.mu.Lock()
			p.creating--
			if err != nil {
				p.mu.Unlock()
				p.emit(Event[T]{Type: EventCreateError, Err: err})
				return fmt.Errorf("create item: %w", err)
			}
			if p.closed {
				p.mu.Unlock()
				p.destroyItem(ctx, item)
				return ErrClosed
			}
			p.idle = append(p.idle, item)
			p.broadcastLocked()
			p.mu.Unlock()

			p.emit(Event[T]{Type: EventCreate, Item: item})
			return nil
		})
	}
	err := g.Wait()

	p.emit(Event[T]{Type: EventStart})
	p.logger.Info("pool started", "size", p.Stats().Size, "max", p.cfg.Max)
	return err
}

// Acquire returns an idle item, creating one when the pool is below Max.
// When the pool is saturated it waits for a release, backing off
// exponentially, and fails with ErrCapacityExceeded after
// AcquireMaxRetries attempts.
func (p *Pool[T]) Acquire(ctx context.Context) (T, error) {
	var zero T
	start := time.Now()
	defer func() { acquireWait.Observe(time.Since(start).Seconds()) }()

	wait := p.cfg.AcquireRetryWait
	attempts := 0

	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return zero, ErrClosed
		}

		if item, ok := p.takeIdleLocked(); ok {
			p.mu.Unlock()
			if p.cfg.Validate && !p.validate(ctx, item) {
				continue
			}
			p.emit(Event[T]{Type: EventAcquire, Item: item})
			p.replenish()
			return item, nil
		}

		if p.sizeLocked() < p.cfg.Max {
			p.creating++
			p.mu.Unlock()

			item, err := p.factory.Create(ctx)

			p.mu.Lock()
			p.creating--
			if err == nil && p.closed {
				p.mu.Unlock()
				p.destroyItem(ctx, item)
				return zero, ErrClosed
			}
			if err == nil {
				p.acquired[item] = struct{}{}
			}
			p.broadcastLocked()
			p.mu.Unlock()

			if err == nil {
				p.emit(Event[T]{Type: EventCreate, Item: item})
				p.emit(Event[T]{Type: EventAcquire, Item: item})
				return item, nil
			}

			p.emit(Event[T]{Type: EventCreateError, Err: err})
			p.logger.Warn("pool create failed", "attempt", attempts+1, "error", err)
			if ctx.Err() != nil {
				return zero, fmt.Errorf("create item: %w", err)
			}
		} else {
			p.mu.Unlock()
		}

		attempts++
		if attempts > p.cfg.AcquireMaxRetries {
			return zero, ErrCapacityExceeded
		}

		p.mu.Lock()
		wake := p.wake
		p.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-wake:
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		}
		timer.Stop()

		wait = min(wait*2, maxRetryWait)
	}
}

// Release returns an acquired item to the pool. With ResetOnReturn the item
// is reset first; an item that fails to reset is destroyed.
func (p *Pool[T]) Release(ctx context.Context, item T) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	if _, ok := p.acquired[item]; !ok {
		p.mu.Unlock()
		return ErrNotAcquired
	}
	if _, ok := p.releasing[item]; ok {
		p.mu.Unlock()
		return ErrNotAcquired
	}
	p.releasing[item] = struct{}{}
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		delete(p.releasing, item)
		p.mu.Unlock()
	}()

	if p.cfg.ResetOnReturn {
		if err := p.factory.Reset(ctx, item); err != nil {
			p.emit(Event[T]{Type: EventResetError, Item: item, Err: err})
			p.logger.Warn("pool reset failed, destroying item", "error", err)
			return p.Destroy(ctx, item)
		}
		p.emit(Event[T]{Type: EventReset, Item: item})
	}

	p.mu.Lock()
	if _, ok := p.acquired[item]; !ok || p.closed {
		// Closed or destroyed while resetting.
		p.mu.Unlock()
		return nil
	}
	delete(p.acquired, item)
	p.idle = append(p.idle, item)
	p.broadcastLocked()
	p.mu.Unlock()

	p.emit(Event[T]{Type: EventReturn, Item: item})
	return nil
}

// Destroy removes item from the pool permanently and replenishes idle
// capacity in the background.
func (p *Pool[T]) Destroy(ctx context.Context, item T) error {
	p.mu.Lock()
	if !p.removeLocked(item) {
		p.mu.Unlock()
		return ErrNotAcquired
	}
	p.broadcastLocked()
	p.mu.Unlock()

	p.destroyItem(ctx, item)
	p.replenish()
	return nil
}

// Close stops admitting acquires and destroys every item, idle and
// acquired, concurrently. It returns once all items are destroyed or
// timeout elapses.
func (p *Pool[T]) Close(ctx context.Context, timeout time.Duration) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	items := append([]T(nil), p.idle...)
	for item := range p.acquired {
		items = append(items, item)
	}
	p.idle = nil
	p.acquired = make(map[T]struct{})
	p.broadcastLocked()
	p.mu.Unlock()

	p.emit(Event[T]{Type: EventClosing})
	p.cancel()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var g errgroup.Group
	for _, item := range items {
		g.Go(func() error {
			p.destroyItem(ctx, item)
			return nil
		})
	}

	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		p.bg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		p.logger.Warn("pool close timed out", "items", len(items))
		return fmt.Errorf("close pool: %w", ctx.Err())
	}

	p.emit(Event[T]{Type: EventClose})
	p.logger.Info("pool closed", "destroyed", len(items))
	return nil
}

// Stats returns the current pool counts.
func (p *Pool[T]) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Size:     p.sizeLocked(),
		Idle:     len(p.idle),
		Acquired: len(p.acquired),
		Creating: p.creating,
		Max:      p.cfg.Max,
	}
}

// Acquired reports whether item is currently checked out.
func (p *Pool[T]) Acquired(item T) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.acquired[item]
	return ok
}

func (p *Pool[T]) sizeLocked() int {
	return len(p.idle) + len(p.acquired) + p.creating
}

// takeIdleLocked moves the oldest idle item to the acquired set.
func (p *Pool[T]) takeIdleLocked() (T, bool) {
	var zero T
	if len(p.idle) == 0 {
		return zero, false
	}
	item := p.idle[0]
	p.idle = p.idle[1:]
	p.acquired[item] = struct{}{}
	return item, true
}

func (p *Pool[T]) removeLocked(item T) bool {
	if _, ok := p.acquired[item]; ok {
		delete(p.acquired, item)
		return true
	}
	for i, it := range p.idle {
		if it == item {
			p.idle = append(p.idle[:i], p.idle[i+1:]...)
			return true
		}
	}
	return false
}

func (p *Pool[T]) broadcastLocked() {
	close(p.wake)
	p.wake = make(chan struct{})
}

// validate checks an item taken from idle. Invalid items are destroyed.
func (p *Pool[T]) validate(ctx context.Context, item T) bool {
	if p.factory.Validate(ctx, item) {
		p.emit(Event[T]{Type: EventValidate, Item: item})
		return true
	}

	p.emit(Event[T]{Type: EventValidateError, Item: item})
	p.mu.Lock()
	removed := p.removeLocked(item)
	p.broadcastLocked()
	p.mu.Unlock()
	if removed {
		p.destroyItem(ctx, item)
	}
	return false
}

func (p *Pool[T]) destroyItem(ctx context.Context, item T) {
	if err := p.factory.Destroy(ctx, item); err != nil {
		p.emit(Event[T]{Type: EventDestroyError, Item: item, Err: err})
		p.logger.Warn("pool destroy failed", "error", err)
		return
	}
	p.emit(Event[T]{Type: EventDestroy, Item: item})
}

// replenish starts background creation until idle capacity reaches MinIdle
// and total size reaches Min, both bounded by Max.
func (p *Pool[T]) replenish() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for !p.closed && p.sizeLocked() < p.cfg.Max &&
		(len(p.idle)+p.creating < p.cfg.MinIdle || p.sizeLocked() < p.cfg.Min) {
		p.creating++
		p.bg.Add(1)
		go p.createIdle()
	}
}

func (p *Pool[T]) createIdle() {
	defer p.bg.Done()

	item, err := p.factory.Create(p.ctx)

	p.mu.Lock()
	p.creating--
	if err != nil {
		p.broadcastLocked()
		p.mu.Unlock()
		p.emit(Event[T]{Type: EventCreateError, Err: err})
		p.logger.Warn("pool replenish failed", "error", err)
		return
	}
	if p.closed {
		p.mu.Unlock()
		p.destroyItem(context.Background(), item)
		return
	}
	p.idle = append(p.idle, item)
	p.broadcastLocked()
	p.mu.Unlock()

	p.emit(Event[T]{Type: EventCreate, Item: item})
}
