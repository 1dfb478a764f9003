// Package workerpool runs periodic jobs on a fixed number of worker slots.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

var (
	ErrAlreadyRunning = errors.New("worker pool already running")
	ErrInvalidJob     = errors.New("invalid periodic job")
)

// Job is a periodic unit of work. Each job ticks on its own interval; a tick
// that arrives while the previous run is still in flight is skipped.
type Job struct {
	Name       string
	Interval   time.Duration
	RunOnStart bool
	Run        func(ctx context.Context) error

	inFlight atomic.Bool
}

// Pool limits concurrent job executions using a weighted semaphore.
type Pool struct {
	size   int
	sem    *semaphore.Weighted
	logger *slog.Logger

	mu       sync.Mutex
	jobs     []*Job
	cancel   context.CancelFunc
	group    *errgroup.Group
	groupCtx context.Context
	running  bool
}

func New(size int, logger *slog.Logger) *Pool {
	if size < 1 {
		size = 1
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Pool{
		size:   size,
		sem:    semaphore.NewWeighted(int64(size)),
		logger: logger,
	}
}

func (p *Pool) Size() int { return p.size }

// Every registers a periodic job. Jobs added while the pool is running are
// started immediately.
func (p *Pool) Every(name string, interval time.Duration, runOnStart bool, fn func(ctx context.Context) error) error {
	if name == "" || interval <= 0 || fn == nil {
		return fmt.Errorf("%w: %q every %s", ErrInvalidJob, name, interval)
	}

	job := &Job{Name: name, Interval: interval, RunOnStart: runOnStart, Run: fn}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.jobs = append(p.jobs, job)
	if p.running {
		p.spawn(job)
	}
	return nil
}

// Submit acquires a slot, runs fn and releases the slot. It blocks while all
// slots are busy and returns ctx.Err() if ctx ends first.
func (p *Pool) Submit(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer p.sem.Release(1)

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()

	return fn(ctx)
}

// Start launches one ticker goroutine per registered job.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return ErrAlreadyRunning
	}

	ctx, cancel := context.WithCancel(ctx)
	group, ctx := errgroup.WithContext(ctx)

	p.cancel = cancel
	p.group = group
	p.running = true
	p.groupCtx = ctx

	for _, job := range p.jobs {
		p.spawn(job)
	}

	p.logger.Info("worker pool started", "workers", p.size, "jobs", len(p.jobs))
	return nil
}

// Stop cancels all tickers and waits for in-flight runs to return.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	cancel, group := p.cancel, p.group
	p.running = false
	p.mu.Unlock()

	cancel()
	_ = group.Wait()

	p.logger.Info("worker pool stopped")
}

func (p *Pool) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// spawn must be called with p.mu held.
func (p *Pool) spawn(job *Job) {
	ctx := p.groupCtx
	p.group.Go(func() error {
		p.loop(ctx, job)
		return nil
	})
}

func (p *Pool) loop(ctx context.Context, job *Job) {
	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()

	if job.RunOnStart {
		p.tick(ctx, job)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.tick(ctx, job)
		}
	}
}

func (p *Pool) tick(ctx context.Context, job *Job) {
	if !job.inFlight.CompareAndSwap(false, true) {
		p.logger.Debug("skipping tick, previous run still in flight", "job", job.Name)
		return
	}
	defer job.inFlight.Store(false)

	start := time.Now()
	err := p.Submit(ctx, job.Run)
	if err != nil && !errors.Is(err, context.Canceled) {
		p.logger.Error("periodic job failed", "job", job.Name, "error", err)
		return
	}

	p.logger.Debug("periodic job finished", "job", job.Name, "duration", time.Since(start))
}
