package events

import (
	"log/slog"
	"sync"
	"time"
)

// Handler is a callback invoked when a matching event is published.
type Handler func(Event)

type subscription struct {
	id      uint64
	types   map[EventType]struct{} // nil means all events
	handler Handler
}

// Bus is an in-process publish/subscribe event bus. Publish dispatches
// synchronously in the caller's goroutine without holding the bus lock, so
// handlers may publish or subscribe themselves.
type Bus struct {
	mu          sync.RWMutex
	nextID      uint64
	subscribers []subscription
	logger      *slog.Logger
}

func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{logger: logger}
}

// Subscribe registers handler for the given event types, or for every event
// when none are given. The returned func removes the subscription.
func (b *Bus) Subscribe(handler Handler, types ...EventType) func() {
	sub := subscription{handler: handler}
	if len(types) > 0 {
		sub.types = make(map[EventType]struct{}, len(types))
		for _, t := range types {
			sub.types[t] = struct{}{}
		}
	}

	b.mu.Lock()
	b.nextID++
	sub.id = b.nextID
	b.subscribers = append(b.subscribers, sub)
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.unsubscribe(sub.id) })
	}
}

func (b *Bus) unsubscribe(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, s := range b.subscribers {
		if s.id == id {
			b.subscribers = append(b.subscribers[:i:i], b.subscribers[i+1:]...)
			return
		}
	}
}

// Publish sends e to all matching subscribers. The timestamp is set if zero.
// A panicking handler is logged and does not affect the others.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	subs := make([]subscription, len(b.subscribers))
	copy(subs, b.subscribers)
	b.mu.RUnlock()

	for _, sub := range subs {
		if sub.types != nil {
			if _, ok := sub.types[e.Type]; !ok {
				continue
			}
		}
		b.dispatch(sub, e)
	}
}

func (b *Bus) dispatch(sub subscription, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event subscriber panicked", "event", e.Type, "panic", r)
		}
	}()
	sub.handler(e)
}

func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
