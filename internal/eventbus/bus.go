// Package eventbus provides an in-memory, asynchronous event bus used to
// observe pipeline lifecycle events (circuit breaker transitions, delivery
// outcomes) without coupling components to their observers.
// Events are dispatched through a buffered channel and processed by a worker pool.
package eventbus

import (
	"log/slog"
	"sync"
	"time"
)

const (
	defaultWorkers    = 3
	defaultBufferSize = 100
)

// EventBus carries pipeline events from the dispatcher, workers, and circuit
// breakers to their observers (currently the metrics listener and structured
// log sinks).
type EventBus interface {
	// Publish enqueues an event with the given type and payload. Callers sit
	// on delivery hot paths, so Publish never blocks: if the buffer is full,
	// the event is dropped and a warning is logged. Losing an event loses a
	// metrics sample, never a notification.
	Publish(eventType string, payload map[string]string)

	// Subscribe registers a listener that will be called for every published
	// event. All listeners see every event; each filters by Event.Type (the
	// metrics listener, for example, ignores types it has no series for).
	// Subscribe must be called before the first Publish; behavior is
	// undefined if called after Close.
	Subscribe(listener Listener)

	// Close stops accepting new events and waits for all pending events to be processed.
	Close()
}

// inMemoryBus is the default EventBus implementation.
type inMemoryBus struct {
	ch        chan Event
	listeners []Listener
	mu        sync.RWMutex
	wg        sync.WaitGroup
	workers   int
	logger    *slog.Logger
}

// New creates a new in-memory EventBus with the specified number of worker goroutines.
// If workers is <= 0, defaultWorkers (3) is used.
func New(workers int, logger *slog.Logger) EventBus {
	if workers <= 0 {
		workers = defaultWorkers
	}
	b := &inMemoryBus{
		ch:      make(chan Event, defaultBufferSize),
		workers: workers,
		logger:  logger,
	}
	b.startWorkers()
	return b
}

// startWorkers launches the worker goroutines that process events from the channel.
func (b *inMemoryBus) startWorkers() {
	for i := 0; i < b.workers; i++ {
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			for e := range b.ch {
				b.dispatch(e)
			}
		}()
	}
}

// dispatch calls all registered listeners for the given event. Each listener
// runs under panic recovery so a bad observer cannot take the bus workers,
// and with them every other observer, down.
func (b *inMemoryBus) dispatch(e Event) {
	b.mu.RLock()
	listeners := make([]Listener, len(b.listeners))
	copy(listeners, b.listeners)
	b.mu.RUnlock()

	for _, l := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error("eventbus listener panicked", "event", e.Type, "panic", r)
				}
			}()
			l(e)
		}()
	}
}

// Publish enqueues an event. Dispatch and delivery paths call this inline, so
// a full buffer drops the event rather than stalling a notification.
func (b *inMemoryBus) Publish(eventType string, payload map[string]string) {
	e := Event{
		Type:      eventType,
		Timestamp: time.Now(),
		Payload:   payload,
	}

	select {
	case b.ch <- e:
		// enqueued successfully
	default:
		b.logger.Warn("eventbus buffer full, dropping event", "event", eventType)
	}
}

// Subscribe adds a listener to receive all future events. Listeners run on
// the bus workers, off the publishing goroutine.
func (b *inMemoryBus) Subscribe(listener Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = append(b.listeners, listener)
}

// Close drains and closes the event channel, then waits for all workers to finish.
func (b *inMemoryBus) Close() {
	close(b.ch)
	b.wg.Wait()
}
