package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// PoolMetrics is a point-in-time view of dispatch counters.
type PoolMetrics struct {
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Panics    int64 `json:"panics"`
}

// ErrPoolShutdown is returned when work is submitted to a shut-down pool.
var ErrPoolShutdown = errors.New("worker pool is shut down")

// WorkerPool bounds the number of action dispatches running at once across
// all sessions. Each group waits only for its own members.
type WorkerPool struct {
	slots   *semaphore.Weighted
	running sync.WaitGroup

	mu     sync.Mutex
	closed bool
	stop   context.Context
	halt   context.CancelFunc

	active, completed, failed, panics atomic.Int64
}

// NewWorkerPool creates a pool running at most size dispatches at once.
func NewWorkerPool(size int) *WorkerPool {
	if size <= 0 {
		size = 1
	}
	stop, halt := context.WithCancel(context.Background())
	return &WorkerPool{slots: semaphore.NewWeighted(int64(size)), stop: stop, halt: halt}
}

// Submit runs fn on a pool goroutine. It blocks while every slot is taken,
// giving up when ctx ends or the pool shuts down. onDone, when non-nil,
// receives fn's error; a panic inside fn is reported as an error.
func (p *WorkerPool) Submit(ctx context.Context, fn func(ctx context.Context) error, onDone func(error)) error {
	if p.isClosed() {
		return ErrPoolShutdown
	}
	if err := p.acquire(ctx); err != nil {
		return err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.slots.Release(1)
		return ErrPoolShutdown
	}
	p.running.Add(1)
	p.mu.Unlock()

	p.active.Add(1)
	go func() {
		err := p.run(ctx, fn)
		p.active.Add(-1)
		p.slots.Release(1)
		p.running.Done()
		if onDone != nil {
			onDone(err)
		}
	}()
	return nil
}

// acquire takes one slot. Shutdown aborts a waiting acquire.
func (p *WorkerPool) acquire(ctx context.Context) error {
	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	unhook := context.AfterFunc(p.stop, cancel)
	defer unhook()

	if err := p.slots.Acquire(waitCtx, 1); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return ErrPoolShutdown
	}
	return nil
}

func (p *WorkerPool) run(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.panics.Add(1)
			err = fmt.Errorf("panic: %v", r)
		}
		if err != nil {
			p.failed.Add(1)
		} else {
			p.completed.Add(1)
		}
	}()
	return fn(ctx)
}

// RunAll dispatches every task and waits for all of them. The returned slice
// is index-aligned with tasks; a task that could not be submitted reports
// the submission error.
func (p *WorkerPool) RunAll(ctx context.Context, tasks []func(ctx context.Context) error) []error {
	errs := make([]error, len(tasks))
	var group sync.WaitGroup
	group.Add(len(tasks))
	for i, task := range tasks {
		record := func(err error) {
			errs[i] = err
			group.Done()
		}
		if err := p.Submit(ctx, task, record); err != nil {
			record(err)
		}
	}
	group.Wait()
	return errs
}

// wait blocks until all submitted work completes.
func (p *WorkerPool) wait() { p.running.Wait() }

// Shutdown rejects new submissions, releases blocked submitters and waits
// for running work.
func (p *WorkerPool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.halt()
	p.mu.Unlock()

	p.running.Wait()
}

func (p *WorkerPool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Metrics returns a snapshot of the pool counters.
func (p *WorkerPool) Metrics() PoolMetrics {
	return PoolMetrics{
		Active:    p.active.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Panics:    p.panics.Load(),
	}
}
