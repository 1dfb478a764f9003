// Package resilience guards calls into external sinks.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned while the breaker rejects calls.
var ErrCircuitOpen = errors.New("circuit breaker is open")

type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Breaker opens after maxFailures consecutive failures and lets a single probe
// through once cooldown has elapsed.
type Breaker struct {
	name        string
	maxFailures int
	cooldown    time.Duration
	logger      *slog.Logger

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	probing  bool

	now func() time.Time
}

func NewBreaker(name string, maxFailures int, cooldown time.Duration, logger *slog.Logger) *Breaker {
	if maxFailures < 1 {
		maxFailures = 1
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Breaker{
		name:        name,
		maxFailures: maxFailures,
		cooldown:    cooldown,
		logger:      logger,
		state:       StateClosed,
		now:         time.Now,
	}
}

// Do runs fn unless the circuit is open. Context errors from fn do not count
// as failures.
func (b *Breaker) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if !b.allow() {
		return ErrCircuitOpen
	}

	err := fn(ctx)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.probing = false

	switch {
	case err == nil:
		if b.state != StateClosed {
			b.logger.Info("circuit closed", "breaker", b.name)
		}
		b.failures = 0
		b.state = StateClosed
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		// caller gave up; sink health unknown
	default:
		b.failures++
		if b.state == StateHalfOpen || b.failures >= b.maxFailures {
			if b.state != StateOpen {
				b.logger.Warn("circuit opened", "breaker", b.name, "failures", b.failures, "error", err)
			}
			b.state = StateOpen
			b.openedAt = b.now()
		}
	}

	return err
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.cooldown {
			return false
		}
		b.state = StateHalfOpen
		b.probing = true
		return true
	case StateHalfOpen:
		if b.probing {
			return false
		}
		b.probing = true
		return true
	default:
		return true
	}
}
