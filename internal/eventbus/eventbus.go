package eventbus

import (
	"sync"

	"github.com/Checker-Finance/escrow-market/pkg/model"
)

// Handler handles a committed listing event
type Handler func(evt model.Event)

// EventBus provides in-process pub/sub of listing events, keyed by event type.
// Handlers registered with SubscribeAll see every type.
type EventBus struct {
	handlers map[model.EventType][]Handler
	all      []Handler
	mu       sync.RWMutex
}

// New creates a new EventBus
func New() *EventBus {
	return &EventBus{
		handlers: make(map[model.EventType][]Handler),
	}
}

// Subscribe registers a handler for a specific event type
func (e *EventBus) Subscribe(t model.EventType, handler Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[t] = append(e.handlers[t], handler)
}

// SubscribeAll registers a handler for every event type
func (e *EventBus) SubscribeAll(handler Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.all = append(e.all, handler)
}

func (e *EventBus) subscribers(t model.EventType) []Handler {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Handler, 0, len(e.handlers[t])+len(e.all))
	out = append(out, e.handlers[t]...)
	return append(out, e.all...)
}

// Publish delivers evt to all subscribers, each on its own goroutine
func (e *EventBus) Publish(evt model.Event) {
	for _, h := range e.subscribers(evt.Type) {
		go h(evt)
	}
}

// PublishSync delivers evt to all subscribers in registration order
func (e *EventBus) PublishSync(evt model.Event) {
	for _, h := range e.subscribers(evt.Type) {
		h(evt)
	}
}

// HasSubscribers returns true if any handler would receive events of type t
func (e *EventBus) HasSubscribers(t model.EventType) bool {
	return e.SubscriberCount(t) > 0
}

// SubscriberCount returns the number of handlers that would receive events of type t
func (e *EventBus) SubscriberCount(t model.EventType) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.handlers[t]) + len(e.all)
}
