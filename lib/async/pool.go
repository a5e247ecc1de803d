// Package async provides bounded worker pool utilities for background
// writers such as the run ledger recorder.
package async

import (
	"context"
	"fmt"
	"sync"

	"github.com/coachpo/tempora/errs"
)

const venueAsync = "lib/async"

// Task is a unit of work executed by pool workers.
type Task func(context.Context) error

// Pool is a bounded worker pool. Submit rejects immediately when the queue is
// full; pools built with WithBlockingSubmit wait for space instead. Close
// drains the queue before the workers exit.
type Pool struct {
	ctx    context.Context
	cancel context.CancelFunc
	jobs   chan job
	block  bool

	tasks   sync.WaitGroup
	workers sync.WaitGroup

	mu     sync.RWMutex
	closed bool
	once   sync.Once

	errMu    sync.Mutex
	firstErr error
}

type job struct {
	ctx context.Context
	fn  Task
}

// Option customises pool behaviour.
type Option func(*Pool)

// WithBlockingSubmit makes Submit wait for queue space instead of rejecting.
func WithBlockingSubmit() Option {
	return func(p *Pool) { p.block = true }
}

// NewPool creates a pool running the given number of workers over a queue of
// the given depth.
func NewPool(workers, queue int, opts ...Option) (*Pool, error) {
	if workers <= 0 {
		return nil, errs.New(venueAsync, errs.CodeInvalid, errs.WithMessage("workers must be > 0"))
	}
	if queue < 0 {
		queue = 0
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		ctx:    ctx,
		cancel: cancel,
		jobs:   make(chan job, queue),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.workers.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p, nil
}

// Submit schedules fn for execution. The submission context is passed through
// to the task when it runs.
func (p *Pool) Submit(ctx context.Context, fn Task) error {
	if fn == nil {
		return errs.New(venueAsync, errs.CodeInvalid, errs.WithMessage("task must not be nil"))
	}
	if ctx == nil {
		ctx = context.Background()
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return errs.New(venueAsync, errs.CodeUnavailable, errs.WithMessage("pool closed"))
	}

	p.tasks.Add(1)
	if p.block {
		select {
		case <-p.ctx.Done():
			p.tasks.Done()
			return errs.New(venueAsync, errs.CodeUnavailable, errs.WithMessage("pool closed"))
		case <-ctx.Done():
			p.tasks.Done()
			return fmt.Errorf("submit context: %w", ctx.Err())
		case p.jobs <- job{ctx: ctx, fn: fn}:
			return nil
		}
	}
	select {
	case p.jobs <- job{ctx: ctx, fn: fn}:
		return nil
	default:
		p.tasks.Done()
		return errs.New(venueAsync, errs.CodeUnavailable, errs.WithMessage("pool at capacity"))
	}
}

// Flush blocks until every task submitted so far has completed. Callers must
// not race Flush with further Submits.
func (p *Pool) Flush(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.tasks.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return fmt.Errorf("flush context: %w", ctx.Err())
	case <-done:
		return nil
	}
}

// Err reports the first task failure or panic observed by the workers.
func (p *Pool) Err() error {
	p.errMu.Lock()
	defer p.errMu.Unlock()
	return p.firstErr
}

// Close stops accepting tasks; workers finish draining the queue.
func (p *Pool) Close() {
	p.once.Do(func() {
		p.mu.Lock()
		p.closed = true
		close(p.jobs)
		p.mu.Unlock()
	})
}

// Shutdown closes the pool and waits for in-flight tasks to finish. When the
// context expires first the remaining queue is dropped and any in-flight task
// is left to finish in the background.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.Close()
	done := make(chan struct{})
	go func() {
		p.workers.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		p.cancel()
		return fmt.Errorf("shutdown context: %w", ctx.Err())
	case <-done:
		return nil
	}
}

func (p *Pool) worker() {
	defer p.workers.Done()
	for jb := range p.jobs {
		select {
		case <-p.ctx.Done():
			// Hard shutdown: drop the remaining queue without running it.
			p.tasks.Done()
			continue
		default:
		}
		p.run(jb)
		p.tasks.Done()
	}
}

func (p *Pool) run(jb job) {
	defer func() {
		if r := recover(); r != nil {
			p.recordErr(fmt.Errorf("task panic: %v", r))
		}
	}()
	ctx := jb.ctx
	if ctx == nil {
		ctx = p.ctx
	}
	if err := jb.fn(ctx); err != nil {
		p.recordErr(err)
	}
}

func (p *Pool) recordErr(err error) {
	p.errMu.Lock()
	if p.firstErr == nil {
		p.firstErr = err
	}
	p.errMu.Unlock()
}
