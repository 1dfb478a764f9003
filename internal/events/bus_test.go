package events

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
)

func TestPublishCallsMatchingSubscriber(t *testing.T) {
	bus := NewBus(nil)
	var called atomic.Bool

	bus.Subscribe(func(e Event) {
		if e.Type != AgentOffline {
			t.Errorf("expected AgentOffline, got %s", e.Type)
		}
		called.Store(true)
	}, AgentOffline)

	bus.Publish(Event{Type: AgentOffline, Message: "agent silent"})

	if !called.Load() {
		t.Error("subscriber was not called")
	}
}

func TestSubscriberIgnoresUnmatchedTypes(t *testing.T) {
	bus := NewBus(nil)
	var called atomic.Bool

	bus.Subscribe(func(e Event) { called.Store(true) }, AgentOffline)
	bus.Publish(Event{Type: BatchCompleted})

	if called.Load() {
		t.Error("subscriber should not have been called for BatchCompleted")
	}
}

func TestWildcardSubscriberReceivesAll(t *testing.T) {
	bus := NewBus(nil)
	var count atomic.Int32

	bus.Subscribe(func(e Event) { count.Add(1) })
	bus.Publish(Event{Type: AgentRegistered})
	bus.Publish(Event{Type: PluginError})
	bus.Publish(Event{Type: BatchFailed})

	if got := count.Load(); got != 3 {
		t.Errorf("expected 3 events, got %d", got)
	}
}

func TestUnsubscribe(t *testing.T) {
	bus := NewBus(nil)
	var count atomic.Int32

	cancel := bus.Subscribe(func(e Event) { count.Add(1) })
	bus.Publish(Event{Type: AgentRegistered})
	cancel()
	cancel()
	bus.Publish(Event{Type: AgentRegistered})

	if count.Load() != 1 {
		t.Errorf("expected 1 event after unsubscribe, got %d", count.Load())
	}
	if bus.SubscriberCount() != 0 {
		t.Errorf("expected no subscribers, got %d", bus.SubscriberCount())
	}
}

func TestPanickingSubscriberDoesNotBlockOthers(t *testing.T) {
	bus := NewBus(nil)
	var called atomic.Bool

	bus.Subscribe(func(e Event) { panic("boom") })
	bus.Subscribe(func(e Event) { called.Store(true) })

	bus.Publish(Event{Type: PluginError})

	if !called.Load() {
		t.Error("second subscriber should still be called")
	}
}

func TestHandlerMayPublish(t *testing.T) {
	bus := NewBus(nil)
	var offline atomic.Bool

	bus.Subscribe(func(e Event) {
		bus.Publish(Event{Type: AgentOffline})
	}, AgentStatusChanged)
	bus.Subscribe(func(e Event) { offline.Store(true) }, AgentOffline)

	bus.Publish(Event{Type: AgentStatusChanged})

	if !offline.Load() {
		t.Error("nested publish was not delivered")
	}
}

func TestConcurrentPublish(t *testing.T) {
	bus := NewBus(nil)
	var count atomic.Int32
	bus.Subscribe(func(e Event) { count.Add(1) })

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			bus.Publish(Event{Type: BatchCreated})
		}()
	}
	wg.Wait()

	if count.Load() != 50 {
		t.Errorf("expected 50 events, got %d", count.Load())
	}
}

func TestTimestampAndSeverityEncoding(t *testing.T) {
	bus := NewBus(nil)
	var got Event
	bus.Subscribe(func(e Event) { got = e })
	bus.Publish(Event{Type: AgentOffline, Severity: SeverityWarning})

	if got.Timestamp.IsZero() {
		t.Error("timestamp should be set")
	}

	raw, err := json.Marshal(got)
	if err != nil {
		t.Fatal(err)
	}
	var decoded map[string]any
	_ = json.Unmarshal(raw, &decoded)
	if decoded["severity"] != "warning" {
		t.Errorf("expected severity warning, got %v", decoded["severity"])
	}
	if ParseSeverity("critical") != SeverityCritical || ParseSeverity("nope") != SeverityWarning {
		t.Error("unexpected ParseSeverity result")
	}
}
