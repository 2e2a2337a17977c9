package supervisor

import (
	"sync"

	"github.com/seantiz/anvil/internal/model"
)

// subscriberBufferSize is the channel buffer for each load subscriber.
// Events are dropped if a subscriber falls this far behind.
const subscriberBufferSize = 64

// Broker fans load notifications out to observers and channel subscribers.
// It is safe for concurrent use.
type Broker struct {
	mu        sync.Mutex
	subs      map[int]chan model.LoadEvent
	observers map[int]func(model.LoadEvent)
	nextID    int
	closed    bool
}

// NewBroker creates a new load broker.
func NewBroker() *Broker {
	return &Broker{
		subs:      make(map[int]chan model.LoadEvent),
		observers: make(map[int]func(model.LoadEvent)),
	}
}

// Subscribe returns a channel that receives load events and an unsubscribe
// function. After Close the returned channel is already closed.
func (b *Broker) Subscribe() (<-chan model.LoadEvent, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan model.LoadEvent, subscriberBufferSize)
	if b.closed {
		close(ch)
		return ch, func() {}
	}

	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(c)
		}
	}
}

// OnLoad registers fn to be called synchronously for every load event and
// returns a function that unregisters it.
func (b *Broker) OnLoad(fn func(model.LoadEvent)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return func() {}
	}

	id := b.nextID
	b.nextID++
	b.observers[id] = fn

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.observers, id)
	}
}

// Publish delivers ev to every observer and subscriber. Events are dropped
// for subscribers whose buffers are full.
func (b *Broker) Publish(ev model.LoadEvent) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	observers := make([]func(model.LoadEvent), 0, len(b.observers))
	for _, fn := range b.observers {
		observers = append(observers, fn)
	}
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			// Drop for slow subscribers so Load never blocks.
		}
	}
	b.mu.Unlock()

	for _, fn := range observers {
		fn(ev)
	}
}

// Close closes every subscriber channel and drops all observers. Later
// Subscribe calls return a closed channel.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		close(ch)
		delete(b.subs, id)
	}
	clear(b.observers)
}
