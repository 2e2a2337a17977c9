package pool

// EventType names a pool lifecycle event.
type EventType string

// Pool lifecycle events.
const (
	EventCreate        EventType = "create"
	EventCreateError   EventType = "create-error"
	EventAcquire       EventType = "acquire"
	EventReturn        EventType = "return"
	EventDestroy       EventType = "destroy"
	EventDestroyError  EventType = "destroy-error"
	EventReset         EventType = "reset"
	EventResetError    EventType = "reset-error"
	EventValidate      EventType = "validate"
	EventValidateError EventType = "validate-error"
	EventStart         EventType = "start"
	EventClosing       EventType = "closing"
	EventClose         EventType = "close"
)

// allEvents lists every event type, used to pre-initialise metrics.
var allEvents = []EventType{
	EventCreate, EventCreateError, EventAcquire, EventReturn, EventDestroy,
	EventDestroyError, EventReset, EventResetError, EventValidate,
	EventValidateError, EventStart, EventClosing, EventClose,
}

// Event is delivered to observers registered with Pool.On. Item is the zero
// value for pool-wide events.
type Event[T any] struct {
	Type EventType
	Item T
	Err  error
}

// emit delivers ev to every observer. Observers run synchronously and must
// not block.
func (p *Pool[T]) emit(ev Event[T]) {
	eventsTotal.WithLabelValues(string(ev.Type)).Inc()

	p.mu.Lock()
	handlers := make([]func(Event[T]), 0, len(p.handlers))
	for _, h := range p.handlers {
		handlers = append(handlers, h)
	}
	p.mu.Unlock()

	for _, h := range handlers {
		h(ev)
	}
}

// On registers fn to observe pool events and returns a function that
// unregisters it.
func (p *Pool[T]) On(fn func(Event[T])) func() {
	p.mu.Lock()
	defer p.mu.Unlock()

	id := p.nextHandler
	p.nextHandler++
	p.handlers[id] = fn

	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		delete(p.handlers, id)
	}
}
