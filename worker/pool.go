package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/xraph/courier/broker"
	"github.com/xraph/courier/id"
)

// Limiter gates executions by job name. queue.Manager implements it.
type Limiter interface {
	Acquire(ctx context.Context, name string) (release func(), err error)
}

// Pool manages a set of concurrent worker goroutines that dequeue from the
// broker and run deliveries through the Executor.
type Pool struct {
	broker      broker.Broker
	executor    *Executor
	limiter     Limiter
	concurrency int
	wait        time.Duration
	workerID    id.WorkerID
	logger      *slog.Logger

	mu         sync.Mutex
	running    bool
	group      *errgroup.Group
	stopDeq    context.CancelFunc
	cancelExec context.CancelFunc
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithPoolConcurrency sets the number of concurrent worker goroutines.
func WithPoolConcurrency(n int) PoolOption {
	return func(p *Pool) {
		if n > 0 {
			p.concurrency = n
		}
	}
}

// WithDequeueWait sets how long a worker blocks on the broker per poll.
func WithDequeueWait(d time.Duration) PoolOption {
	return func(p *Pool) {
		if d > 0 {
			p.wait = d
		}
	}
}

// WithLimiter installs per-job-name limits.
func WithLimiter(l Limiter) PoolOption {
	return func(p *Pool) { p.limiter = l }
}

// NewPool creates a worker pool.
func NewPool(b broker.Broker, executor *Executor, logger *slog.Logger, opts ...PoolOption) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pool{
		broker:      b,
		executor:    executor,
		concurrency: 10,
		wait:        time.Second,
		workerID:    id.NewWorkerID(),
		logger:      logger,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// WorkerID returns the pool's unique worker identifier.
func (p *Pool) WorkerID() id.WorkerID { return p.workerID }

// Start launches the worker goroutines. It returns immediately.
func (p *Pool) Start(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return nil
	}
	p.running = true

	deqCtx, stopDeq := context.WithCancel(context.Background())
	execCtx, cancelExec := context.WithCancel(context.Background())
	p.stopDeq, p.cancelExec = stopDeq, cancelExec
	p.group = &errgroup.Group{}

	p.logger.Info("worker pool starting",
		slog.String("worker_id", p.workerID.String()),
		slog.Int("concurrency", p.concurrency),
	)

	for range p.concurrency {
		p.group.Go(func() error {
			p.dequeueLoop(deqCtx, execCtx)
			return nil
		})
	}
	return nil
}

// Stop stops dequeueing and waits for in-flight executions. If ctx ends
// first, running handlers are cancelled and Stop waits for them to return.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	group, stopDeq, cancelExec := p.group, p.stopDeq, p.cancelExec
	p.mu.Unlock()

	p.logger.Info("worker pool stopping", slog.String("worker_id", p.workerID.String()))
	stopDeq()

	done := make(chan struct{})
	go func() {
		_ = group.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool stopped gracefully")
	case <-ctx.Done():
		p.logger.Warn("worker pool shutdown timed out, cancelling active jobs")
		cancelExec()
		<-done
	}
	cancelExec()
	return nil
}

func (p *Pool) dequeueLoop(deqCtx, execCtx context.Context) {
	for deqCtx.Err() == nil {
		d, err := p.broker.Dequeue(deqCtx, p.wait)
		switch {
		case err == nil && d == nil:
			continue
		case errors.Is(err, broker.ErrClosed), deqCtx.Err() != nil:
			if d == nil {
				return
			}
		case err != nil:
			p.logger.Error("dequeue error",
				slog.String("worker_id", p.workerID.String()),
				slog.String("error", err.Error()),
			)
			p.sleep(deqCtx)
			continue
		}
		p.run(execCtx, d)
	}
}

func (p *Pool) run(ctx context.Context, d *broker.Delivery) {
	if p.limiter != nil {
		release, err := p.limiter.Acquire(ctx, d.JobName)
		if err != nil {
			p.executor.Abandon(ctx, d, err)
			return
		}
		defer release()
	}

	if err := p.executor.Execute(ctx, d); err != nil {
		p.logger.Debug("job execution failed",
			slog.String("worker_id", p.workerID.String()),
			slog.String("record_id", d.RecordID),
			slog.String("job_name", d.JobName),
			slog.String("error", err.Error()),
		)
	}
}

func (p *Pool) sleep(ctx context.Context) {
	t := time.NewTimer(p.wait)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
