package events

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Bus is an in-process publish/subscribe hub. Handlers run synchronously
// on the emitter's goroutine, so they must not block; the SSE stream
// subscribes with buffered channels and drops on overflow for exactly
// this reason.
type Bus struct {
	mu       sync.RWMutex
	handlers map[EventType][]func(*Event)
	log      zerolog.Logger
}

// NewBus creates an event bus.
func NewBus(log zerolog.Logger) *Bus {
	return &Bus{
		handlers: make(map[EventType][]func(*Event)),
		log:      log.With().Str("service", "event_bus").Logger(),
	}
}

// Subscribe registers a handler for one event type. There is no
// unsubscribe: subscribers live for the process lifetime and guard
// their own teardown (closed channels, context checks).
func (b *Bus) Subscribe(eventType EventType, handler func(*Event)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], handler)
}

// Emit builds an event and delivers it to every subscriber of its type.
func (b *Bus) Emit(eventType EventType, module string, data map[string]interface{}) {
	event := &Event{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Module:    module,
		Data:      data,
	}
	b.Publish(event)
}

// Publish delivers an already-built event.
func (b *Bus) Publish(event *Event) {
	b.mu.RLock()
	handlers := make([]func(*Event), len(b.handlers[event.Type]))
	copy(handlers, b.handlers[event.Type])
	b.mu.RUnlock()

	for _, handler := range handlers {
		b.dispatch(handler, event)
	}
}

// dispatch isolates a panicking subscriber from the emitter.
func (b *Bus) dispatch(handler func(*Event), event *Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error().
				Str("event_type", string(event.Type)).
				Interface("panic", r).
				Msg("Event handler panicked")
		}
	}()
	handler(event)
}
