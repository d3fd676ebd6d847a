package funnel

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// Runner runs background tasks without blocking the caller.
type Runner interface {
	// Go schedules fn. It returns false when the task was dropped.
	Go(name string, fn func(ctx context.Context) error) bool
}

// Dispatcher runs store and attribution calls on detached goroutines,
// bounded by a semaphore, each under its own timeout.
type Dispatcher struct {
	sem     *semaphore.Weighted
	timeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	wg     sync.WaitGroup
	closed bool
	stats  *Stats
	log    *zap.Logger
}

// NewDispatcher creates a Dispatcher running at most maxConcurrent tasks at
// once. Tasks beyond the limit wait for a slot on their own goroutine.
func NewDispatcher(maxConcurrent int64, timeout time.Duration, stats *Stats) *Dispatcher {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	if stats == nil {
		stats = &Stats{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		sem:     semaphore.NewWeighted(maxConcurrent),
		timeout: timeout,
		ctx:     ctx,
		cancel:  cancel,
		stats:   stats,
		log:     zap.L().With(zap.String("component", "funnel.dispatcher")),
	}
}

// Go schedules fn. Errors are logged; tasks are never retried. A task still
// waiting for a slot when Drain gives up runs with the cancelled context, so
// its own failure path settles it.
func (d *Dispatcher) Go(name string, fn func(ctx context.Context) error) bool {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		d.log.Warn("dispatcher closed, task dropped", zap.String("task", name))
		d.stats.TasksDropped.Add(1)
		return false
	}
	d.wg.Add(1)
	d.mu.Unlock()

	go func() {
		defer d.wg.Done()
		if err := d.sem.Acquire(d.ctx, 1); err != nil {
			d.log.Warn("task abandoned before start", zap.String("task", name), zap.Error(err))
			d.stats.TasksDropped.Add(1)
			_ = fn(d.ctx)
			return
		}
		defer d.sem.Release(1)

		ctx := d.ctx
		if d.timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(d.ctx, d.timeout)
			defer cancel()
		}

		start := time.Now()
		if err := fn(ctx); err != nil {
			d.log.Debug("task failed", zap.String("task", name), zap.Duration("elapsed", time.Since(start)), zap.Error(err))
			return
		}
		d.log.Debug("task done", zap.String("task", name), zap.Duration("elapsed", time.Since(start)))
	}()
	return true
}

// Drain stops accepting tasks and waits for running ones. If ctx ends
// first, in-flight tasks are cancelled and Drain returns ctx's error once
// they exit.
func (d *Dispatcher) Drain(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		<-done
		return ctx.Err()
	}
}
