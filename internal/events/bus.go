// Package events implements the in-memory structured-event sink every
// component publishes through (§9 Observability). Grounded on the teacher's
// pkg/events bus: async fan-out to subscribers with panic recovery, plus a
// blocking variant for tests that need to assert on a just-published event.
package events

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Handler processes one event. Handler errors are logged, never propagated
// to the publisher — loops must never be blocked or broken by a bad sink.
type Handler func(ctx context.Context, event Event) error

// Bus is the process-wide event sink. The zero value is not usable; build
// one with NewBus.
type Bus struct {
	mu       sync.RWMutex
	handlers map[Type][]Handler
	logger   *zap.Logger
}

// NewBus constructs an empty Bus.
func NewBus(logger *zap.Logger) *Bus {
	return &Bus{
		handlers: make(map[Type][]Handler),
		logger:   logger,
	}
}

// Subscribe registers handler to run whenever eventType is published.
func (b *Bus) Subscribe(eventType Type, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], handler)
}

// Publish fires every handler for event.Type as an independent goroutine
// and returns immediately; a panicking or erroring handler is logged and
// does not affect the publisher or sibling handlers.
func (b *Bus) Publish(ctx context.Context, event Event) {
	b.mu.RLock()
	hs := append([]Handler(nil), b.handlers[event.Type]...)
	b.mu.RUnlock()

	for _, h := range hs {
		handler := h
		go func() {
			defer func() {
				if r := recover(); r != nil && b.logger != nil {
					b.logger.Error("event handler panicked",
						zap.String("event_type", string(event.Type)),
						zap.Any("recover", r),
					)
				}
			}()
			if err := handler(ctx, event); err != nil && b.logger != nil {
				b.logger.Warn("event handler returned error",
					zap.String("event_type", string(event.Type)),
					zap.String("event_id", event.ID),
					zap.Error(err),
				)
			}
		}()
	}
}

// PublishAndWait runs every handler synchronously (still panic-isolated)
// and returns the first error encountered, if any. Used by tests that need
// to assert against an in-memory collector deterministically.
func (b *Bus) PublishAndWait(ctx context.Context, event Event) error {
	b.mu.RLock()
	hs := append([]Handler(nil), b.handlers[event.Type]...)
	b.mu.RUnlock()

	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error

	for _, h := range hs {
		handler := h
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil && b.logger != nil {
					b.logger.Error("event handler panicked",
						zap.String("event_type", string(event.Type)),
						zap.Any("recover", r),
					)
				}
			}()
			if err := handler(ctx, event); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
			}
		}()
	}

	wg.Wait()
	return firstErr
}

// Stats returns the number of registered handlers per event type, useful
// for /healthz-style introspection.
func (b *Bus) Stats() map[Type]int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[Type]int, len(b.handlers))
	for t, hs := range b.handlers {
		out[t] = len(hs)
	}
	return out
}

// Collector is an in-memory handler used by tests to assert on emitted
// events (§9: "testing replaces the sink with an in-memory collector").
type Collector struct {
	mu     sync.Mutex
	Events []Event
}

// NewCollector returns a Collector whose Handle method can be Subscribe'd to
// any Type of interest.
func NewCollector() *Collector { return &Collector{} }

// Handle satisfies Handler, appending event to Events.
func (c *Collector) Handle(_ context.Context, event Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Events = append(c.Events, event)
	return nil
}

// All returns a snapshot copy of every collected event.
func (c *Collector) All() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Event, len(c.Events))
	copy(out, c.Events)
	return out
}
