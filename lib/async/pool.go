// Package async provides bounded worker pool utilities.
package async

import (
	"context"
	"fmt"
	"sync"

	"github.com/quantex/tradelink/errs"
	"github.com/quantex/tradelink/internal/observability"
)

// Task is a unit of work executed by the pool workers.
type Task func(context.Context) error

// Pool is a bounded worker pool. Submission never blocks: when the queue is
// full the task is refused, which keeps producers such as the order
// notification fan-out from stalling on slow consumers.
type Pool struct {
	ctx    context.Context
	cancel context.CancelFunc
	jobs   chan job
	wg     sync.WaitGroup
	once   sync.Once
}

type job struct {
	ctx context.Context
	fn  Task
}

// NewPool creates a worker pool with the given concurrency and queue depth.
func NewPool(workers, queue int) (*Pool, error) {
	if workers <= 0 {
		return nil, errs.New("async.pool", errs.CodeValidation,
			errs.WithMessage("workers must be >0"))
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
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p, nil
}

// Submit schedules the task, refusing immediately when the pool is closed or
// saturated.
func (p *Pool) Submit(ctx context.Context, fn Task) error {
	if fn == nil {
		return errs.New("async.pool", errs.CodeValidation,
			errs.WithMessage("task must not be nil"))
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if p.ctx.Err() != nil {
		return errs.New("async.pool", errs.CodeTransport,
			errs.WithMessage("pool closed"))
	}
	p.wg.Add(1)
	select {
	case <-ctx.Done():
		p.wg.Done()
		return fmt.Errorf("submit context: %w", ctx.Err())
	case p.jobs <- job{ctx: ctx, fn: fn}:
		return nil
	default:
		p.wg.Done()
		return errs.New("async.pool", errs.CodeTransport,
			errs.WithMessage("pool at capacity"))
	}
}

// Close stops accepting new tasks. Tasks already accepted still run.
func (p *Pool) Close() {
	p.once.Do(p.cancel)
}

// Shutdown waits for in-flight tasks to complete or until the context
// expires.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.Close()
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return fmt.Errorf("shutdown context: %w", ctx.Err())
	case <-done:
		return nil
	}
}

func (p *Pool) worker() {
	for {
		select {
		case <-p.ctx.Done():
			// Drain jobs accepted before Close so Shutdown can complete.
			for {
				select {
				case job := <-p.jobs:
					p.execute(job)
				default:
					return
				}
			}
		case job := <-p.jobs:
			p.execute(job)
		}
	}
}

func (p *Pool) execute(j job) {
	defer p.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			observability.Log().Error("pool task panicked",
				observability.F("panic", fmt.Sprint(r)))
		}
	}()
	ctx := j.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	if err := j.fn(ctx); err != nil {
		observability.Log().Warn("pool task failed",
			observability.F("error", err.Error()))
	}
}
