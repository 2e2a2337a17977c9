// Package mutex provides a cooperative lock whose waiters are granted
// ownership strictly in arrival order.
package mutex

import (
	"context"
	"sync"
)

// Mutex is a single-owner lock with a FIFO wait queue. Unlike sync.Mutex,
// waiting honours a context and ownership is handed directly to the oldest
// waiter on Unlock, so no late arrival can barge ahead of the queue.
//
// The zero value is an unlocked Mutex.
type Mutex struct {
	mu     sync.Mutex
	locked bool
	queue  []chan struct{}
}

// Lock acquires the mutex, waiting behind earlier callers if it is held.
// If ctx ends first, Lock returns ctx.Err() and the caller does not own the
// mutex.
func (m *Mutex) Lock(ctx context.Context) error {
	m.mu.Lock()
	if !m.locked {
		m.locked = true
		m.mu.Unlock()
		return nil
	}
	ready := make(chan struct{})
	m.queue = append(m.queue, ready)
	m.mu.Unlock()

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
	}

	m.mu.Lock()
	for i, w := range m.queue {
		if w == ready {
			m.queue = append(m.queue[:i], m.queue[i+1:]...)
			m.mu.Unlock()
			return ctx.Err()
		}
	}
	m.mu.Unlock()

	// Ownership arrived at the same time as cancellation; pass it on.
	m.Unlock()
	return ctx.Err()
}

// TryLock acquires the mutex only if it is free and nobody is waiting.
func (m *Mutex) TryLock() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.locked {
		return false
	}
	m.locked = true
	return true
}

// Unlock releases the mutex, handing it to the oldest waiter if there is one.
// It panics if the mutex is not locked.
func (m *Mutex) Unlock() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.locked {
		panic("mutex: unlock of unlocked Mutex")
	}
	if len(m.queue) == 0 {
		m.locked = false
		return
	}
	next := m.queue[0]
	m.queue[0] = nil
	m.queue = m.queue[1:]
	close(next)
}

// Locked reports whether the mutex is currently held.
func (m *Mutex) Locked() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.locked
}

// Waiters returns the number of callers queued behind the current owner.
func (m *Mutex) Waiters() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

// WithLock runs fn while holding m. The mutex is released when fn returns,
// including when it panics or fails.
func WithLock[T any](ctx context.Context, m *Mutex, fn func() (T, error)) (T, error) {
	if err := m.Lock(ctx); err != nil {
		var zero T
		return zero, err
	}
	defer m.Unlock()
	return fn()
}
