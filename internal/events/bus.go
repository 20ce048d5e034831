package events

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
)

// HandlerFunc is a function that handles an event.
type HandlerFunc func(ctx context.Context, event Event) error

// EventBus fans transport events out to local observers (telemetry, metrics,
// history). Handlers run on their own goroutines so a slow observer never
// stalls the sender or receive loop that emitted the event.
type EventBus struct {
	mu       sync.RWMutex
	handlers map[EventType][]handlerEntry
	stopped  bool
	stopOnce sync.Once
	wg       sync.WaitGroup
}

type handlerEntry struct {
	name    string
	handler HandlerFunc
}

// NewEventBus creates a new EventBus instance.
func NewEventBus() *EventBus {
	return &EventBus{
		handlers: make(map[EventType][]handlerEntry),
	}
}

// Subscribe registers a handler for one or more event types under a name
// used for logging and Unsubscribe.
func (eb *EventBus) Subscribe(name string, handler HandlerFunc, types ...EventType) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	for _, t := range types {
		eb.handlers[t] = append(eb.handlers[t], handlerEntry{name: name, handler: handler})
		log.Debug().
			Str("event", string(t)).
			Str("handler", name).
			Msg("subscribed to event")
	}
}

// Unsubscribe removes a named handler from every event type.
func (eb *EventBus) Unsubscribe(name string) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	for t, handlers := range eb.handlers {
		filtered := handlers[:0:0]
		for _, h := range handlers {
			if h.name != name {
				filtered = append(filtered, h)
			}
		}
		eb.handlers[t] = filtered
	}
}

// Emit publishes an event to all subscribed handlers asynchronously.
// It is safe to call on a nil bus.
func (eb *EventBus) Emit(ctx context.Context, event Event) {
	if eb == nil {
		return
	}
	handlers := eb.snapshot(event.Type)
	if len(handlers) == 0 {
		return
	}

	for _, h := range handlers {
		h := h
		eb.wg.Add(1)
		go func() {
			defer eb.wg.Done()
			eb.invoke(ctx, h, event)
		}()
	}
}

// EmitSync publishes an event and waits for all handlers to complete.
// Returns the first error encountered, if any.
func (eb *EventBus) EmitSync(ctx context.Context, event Event) error {
	if eb == nil {
		return nil
	}
	handlers := eb.snapshot(event.Type)

	var firstErr error
	for _, h := range handlers {
		if err := eb.invoke(ctx, h, event); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Stop stops accepting events and waits for in-flight handlers.
func (eb *EventBus) Stop() {
	eb.stopOnce.Do(func() {
		eb.mu.Lock()
		eb.stopped = true
		eb.mu.Unlock()

		eb.wg.Wait()
		log.Debug().Msg("event bus stopped")
	})
}

// HandlerCount returns the number of handlers registered for a specific event type.
func (eb *EventBus) HandlerCount(eventType EventType) int {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return len(eb.handlers[eventType])
}

func (eb *EventBus) snapshot(t EventType) []handlerEntry {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if eb.stopped {
		return nil
	}
	handlers := eb.handlers[t]
	out := make([]handlerEntry, len(handlers))
	copy(out, handlers)
	return out
}

func (eb *EventBus) invoke(ctx context.Context, h handlerEntry, event Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("event", string(event.Type)).
				Str("handler", h.name).
				Interface("panic", r).
				Msg("handler panicked")
		}
	}()

	if err = h.handler(ctx, event); err != nil {
		log.Error().
			Err(err).
			Str("event", string(event.Type)).
			Str("handler", h.name).
			Msg("handler returned error")
	}
	return err
}
