// Package notify forwards important bus events to chat and paging services
// through shoutrrr URLs.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nicholas-fedor/shoutrrr"

	"NetPulse/internal/events"
	"NetPulse/pkg/resilience"
)

// Sender abstracts message dispatch so the dispatcher can be tested without
// hitting real services.
type Sender interface {
	Send(url, message string) error
}

// ShoutrrrSender dispatches via the shoutrrr library.
type ShoutrrrSender struct{}

func (ShoutrrrSender) Send(url, message string) error {
	return shoutrrr.Send(url, message)
}

type Config struct {
	URLs        []string
	MinSeverity events.Severity
	Timeout     time.Duration
	// Cooldown suppresses repeats of the same event type and subject.
	Cooldown time.Duration
}

// notifiable are the event types worth waking someone for.
var notifiable = []events.EventType{
	events.AgentOffline,
	events.AgentStatusChanged,
	events.PluginError,
	events.BatchFailed,
	events.TaskRetryExhausted,
	events.SchedulerStopped,
}

// Dispatcher subscribes to the event bus and sends matching events to every
// configured URL.
type Dispatcher struct {
	config  Config
	bus     *events.Bus
	sender  Sender
	breaker *resilience.Breaker
	logger  *slog.Logger
	now     func() time.Time

	mu        sync.Mutex
	cooldowns map[string]time.Time

	queue       chan events.Event
	unsubscribe func()
	stopCh      chan struct{}
	wg          sync.WaitGroup
}

func NewDispatcher(config Config, bus *events.Bus, sender Sender, logger *slog.Logger) *Dispatcher {
	if sender == nil {
		sender = ShoutrrrSender{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}

	return &Dispatcher{
		config:    config,
		bus:       bus,
		sender:    sender,
		breaker:   resilience.NewBreaker("notify", 3, time.Minute, logger),
		logger:    logger,
		now:       time.Now,
		cooldowns: make(map[string]time.Time),
		queue:     make(chan events.Event, 256),
		stopCh:    make(chan struct{}),
	}
}

// Enabled reports whether any destination is configured.
func (d *Dispatcher) Enabled() bool {
	return len(d.config.URLs) > 0
}

// Start subscribes to the bus and begins dispatching.
func (d *Dispatcher) Start() {
	d.unsubscribe = d.bus.Subscribe(func(e events.Event) {
		if e.Severity < d.config.MinSeverity {
			return
		}
		select {
		case d.queue <- e:
		default:
			d.logger.Warn("notify queue full, dropping event", "event", e.Type)
		}
	}, notifiable...)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for {
			select {
			case e := <-d.queue:
				d.handle(e)
			case <-d.stopCh:
				for {
					select {
					case e := <-d.queue:
						d.handle(e)
					default:
						return
					}
				}
			}
		}
	}()
	d.logger.Info("notification dispatcher started", "destinations", len(d.config.URLs), "min_severity", d.config.MinSeverity)
}

// Stop unsubscribes, flushes queued events and waits for the worker.
func (d *Dispatcher) Stop() {
	if d.unsubscribe == nil {
		return
	}
	d.unsubscribe()
	d.unsubscribe = nil
	close(d.stopCh)
	d.wg.Wait()
}

func (d *Dispatcher) handle(e events.Event) {
	if !d.allow(e) {
		return
	}

	message := Format(e)
	for _, url := range d.config.URLs {
		ctx, cancel := context.WithTimeout(context.Background(), d.config.Timeout)
		err := d.breaker.Do(ctx, func(ctx context.Context) error {
			done := make(chan error, 1)
			go func() { done <- d.sender.Send(url, message) }()
			select {
			case err := <-done:
				return err
			case <-ctx.Done():
				return ctx.Err()
			}
		})
		cancel()
		if err != nil {
			d.logger.Warn("failed to send notification", "event", e.Type, "service", scheme(url), "error", err)
		}
	}
}

// allow applies the cooldown per event type and subject.
func (d *Dispatcher) allow(e events.Event) bool {
	if d.config.Cooldown <= 0 {
		return true
	}
	key := string(e.Type) + ":" + subject(e)
	now := d.now()

	d.mu.Lock()
	defer d.mu.Unlock()
	if last, ok := d.cooldowns[key]; ok && now.Sub(last) < d.config.Cooldown {
		return false
	}
	d.cooldowns[key] = now
	return true
}

func subject(e events.Event) string {
	for _, k := range []string{"agent_id", "batch_id", "task_id", "plugin"} {
		if v := e.Metadata[k]; v != "" {
			return v
		}
	}
	return e.Source
}

// Format renders an event as a short plain-text message.
func Format(e events.Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s: %s", strings.ToUpper(e.Severity.String()), e.Type, e.Message)
	if len(e.Metadata) > 0 {
		keys := make([]string, 0, len(e.Metadata))
		for k := range e.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "\n%s=%s", k, e.Metadata[k])
		}
	}
	if !e.Timestamp.IsZero() {
		fmt.Fprintf(&b, "\nat %s", e.Timestamp.UTC().Format(time.RFC3339))
	}
	return b.String()
}

// scheme keeps credentials embedded in shoutrrr URLs out of the logs.
func scheme(url string) string {
	if i := strings.Index(url, "://"); i > 0 {
		return url[:i]
	}
	return "unknown"
}
