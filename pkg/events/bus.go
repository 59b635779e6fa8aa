package events

import (
	"log/slog"
	"sync"
	"time"
)

// Handler receives emitted events. Handlers run synchronously on the
// emitting goroutine and must not block for long.
type Handler func(Event)

// Bus is a lock-guarded set of handlers with synchronous dispatch in
// registration order. A panicking handler does not abort the remaining
// dispatch; the panic is recovered and logged.
type Bus struct {
	mu       sync.Mutex
	nextID   int
	order    []int
	handlers map[int]Handler
}

// NewBus creates an empty event bus.
func NewBus() *Bus {
	return &Bus{handlers: make(map[int]Handler)}
}

// Subscribe registers a handler and returns an unsubscribe function.
// Unsubscribing is idempotent.
func (b *Bus) Subscribe(h Handler) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.handlers[id] = h
	b.order = append(b.order, id)
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.handlers, id)
			for i, v := range b.order {
				if v == id {
					b.order = append(b.order[:i], b.order[i+1:]...)
					break
				}
			}
			b.mu.Unlock()
		})
	}
}

// Emit delivers an event to all handlers in registration order. The event
// timestamp is assigned here if unset.
func (b *Bus) Emit(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}

	// Snapshot handlers under the lock, invoke outside it so handlers may
	// subscribe/unsubscribe without deadlocking.
	b.mu.Lock()
	handlers := make([]Handler, 0, len(b.order))
	for _, id := range b.order {
		if h, ok := b.handlers[id]; ok {
			handlers = append(handlers, h)
		}
	}
	b.mu.Unlock()

	for _, h := range handlers {
		b.invoke(h, evt)
	}
}

// invoke runs a single handler, isolating panics so one failing subscriber
// cannot break the others.
func (b *Bus) invoke(h Handler, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Event handler panicked",
				"event_type", evt.Type, "loop_id", evt.LoopID, "panic", r)
		}
	}()
	h(evt)
}

// SubscriberCount returns the number of registered handlers.
// Used by tests to poll instead of sleeping.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.handlers)
}
