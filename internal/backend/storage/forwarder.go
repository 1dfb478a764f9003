package storage

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"NetPulse/internal/events"
)

const forwardTimeout = 5 * time.Second

// EventForwarder copies bus events to an external Publisher. Publishing runs
// on its own goroutine so a slow broker never blocks the publisher of the
// event; when the buffer is full the event is dropped.
type EventForwarder struct {
	pub     Publisher
	prefix  string
	queue   chan events.Event
	logger  *slog.Logger
	dropped atomic.Int64

	mu          sync.RWMutex
	closed      bool
	unsubscribe func()
	wg          sync.WaitGroup
}

func NewEventForwarder(bus *events.Bus, pub Publisher, prefix string, buffer int, logger *slog.Logger) *EventForwarder {
	if logger == nil {
		logger = slog.Default()
	}
	if buffer <= 0 {
		buffer = 256
	}

	f := &EventForwarder{
		pub:    pub,
		prefix: prefix,
		queue:  make(chan events.Event, buffer),
		logger: logger,
	}

	f.wg.Add(1)
	go f.run()
	f.unsubscribe = bus.Subscribe(f.enqueue)
	return f
}

func (f *EventForwarder) enqueue(e events.Event) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return
	}

	select {
	case f.queue <- e:
	default:
		f.dropped.Add(1)
		f.logger.Warn("event forward buffer full, dropping event", "event", e.Type)
	}
}

func (f *EventForwarder) run() {
	defer f.wg.Done()

	for e := range f.queue {
		data, err := json.Marshal(e)
		if err != nil {
			f.logger.Error("failed to marshal event", "event", e.Type, "error", err)
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), forwardTimeout)
		err = f.pub.Publish(ctx, f.Subject(e.Type), data)
		cancel()
		if err != nil {
			f.logger.Warn("failed to forward event", "event", e.Type, "error", err)
		}
	}
}

// Subject returns the broker subject for an event type.
func (f *EventForwarder) Subject(t events.EventType) string {
	if f.prefix == "" {
		return string(t)
	}
	return f.prefix + "." + string(t)
}

func (f *EventForwarder) Dropped() int64 {
	return f.dropped.Load()
}

// Close stops forwarding, drains what is buffered and closes the publisher.
func (f *EventForwarder) Close() error {
	f.unsubscribe()

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	close(f.queue)
	f.mu.Unlock()

	f.wg.Wait()
	return f.pub.Close()
}
