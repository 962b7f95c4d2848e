// Package tasks runs fire-and-forget work after a response has been
// decided. Submission never blocks: when the queue is full the task is
// dropped and counted, so a slow backend cannot back up request handling.
package tasks

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"dlgate/internal/models"
)

// ErrClosed is returned by Close when called twice.
var ErrClosed = errors.New("executor closed")

// Func is one unit of background work. ctx carries the submitter's values
// but not its cancellation, and is bounded by the executor timeout.
type Func func(ctx context.Context) error

type task struct {
	name string
	ctx  context.Context
	fn   Func
}

// Executor is a fixed pool of workers reading from a bounded queue.
type Executor struct {
	queue   chan task
	timeout time.Duration
	wg      sync.WaitGroup

	mu     sync.RWMutex
	closed bool

	submitted atomic.Int64
	dropped   atomic.Int64
	failed    atomic.Int64
}

func NewExecutor(cfg models.TasksConfig) *Executor {
	workers := max(cfg.Workers, 1)
	e := &Executor{
		queue:   make(chan task, max(cfg.QueueSize, 1)),
		timeout: cfg.Timeout,
	}
	for range workers {
		e.wg.Add(1)
		go e.work()
	}
	return e
}

// Submit queues fn and reports whether it was accepted. It never blocks.
func (e *Executor) Submit(ctx context.Context, name string, fn Func) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		e.dropped.Add(1)
		return false
	}

	select {
	case e.queue <- task{name: name, ctx: context.WithoutCancel(ctx), fn: fn}:
		e.submitted.Add(1)
		return true
	default:
		e.dropped.Add(1)
		slog.Warn("Background queue full, dropping task", "task", name)
		return false
	}
}

func (e *Executor) work() {
	defer e.wg.Done()
	for t := range e.queue {
		e.run(t)
	}
}

func (e *Executor) run(t task) {
	ctx := t.ctx
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			e.failed.Add(1)
			slog.Error("Background task panicked", "task", t.name, "panic", r)
		}
	}()

	if err := t.fn(ctx); err != nil {
		e.failed.Add(1)
		slog.Warn("Background task failed", "task", t.name, "error", err)
	}
}

// Close stops accepting work and waits for queued tasks to finish or ctx
// to expire.
func (e *Executor) Close(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	e.closed = true
	close(e.queue)
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats is a snapshot of the executor counters.
type Stats struct {
	Submitted int64
	Dropped   int64
	Failed    int64
	Queued    int
}

func (e *Executor) Stats() Stats {
	return Stats{
		Submitted: e.submitted.Load(),
		Dropped:   e.dropped.Load(),
		Failed:    e.failed.Load(),
		Queued:    len(e.queue),
	}
}
