package dispatch

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

type PoolConfig struct {
	Workers   int
	QueueSize int
}

var DefaultPoolConfig = PoolConfig{
	Workers:   4,
	QueueSize: 64,
}

func (c *PoolConfig) validate() {
	if c.Workers <= 0 {
		panic("Workers must be > 0")
	}
	if c.QueueSize < 0 {
		panic("QueueSize must be >= 0")
	}
}

// PoolQueue runs jobs on a fixed set of in-process workers. Handler errors
// are logged and counted; the enqueuer never sees them.
type PoolQueue struct {
	registry *Registry
	logger   *zap.Logger

	mu     sync.RWMutex
	closed bool
	jobs   chan Job

	cancel context.CancelFunc
	wg     sync.WaitGroup

	done   atomic.Int64
	failed atomic.Int64
}

func NewPoolQueue(registry *Registry, cfg PoolConfig, logger *zap.Logger) *PoolQueue {
	cfg.validate()
	if registry == nil {
		panic("dispatch: registry is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	q := &PoolQueue{
		registry: registry,
		logger:   logger,
		jobs:     make(chan Job, cfg.QueueSize),
		cancel:   cancel,
	}
	for w := 0; w < cfg.Workers; w++ {
		q.wg.Add(1)
		go q.worker(ctx, w)
	}
	return q
}

func (q *PoolQueue) worker(ctx context.Context, id int) {
	defer q.wg.Done()
	for job := range q.jobs {
		q.run(ctx, id, job)
	}
}

func (q *PoolQueue) run(ctx context.Context, id int, job Job) {
	defer func() {
		if r := recover(); r != nil {
			q.failed.Add(1)
			q.logger.Error("job panicked",
				zap.Int("worker", id),
				zap.String("handler", job.Handler),
				zap.String("stream", job.Stream),
				zap.Any("panic", r))
		}
	}()

	if err := q.registry.Handle(ctx, job); err != nil {
		q.failed.Add(1)
		q.logger.Error("job failed",
			zap.Int("worker", id),
			zap.String("handler", job.Handler),
			zap.String("stream", job.Stream),
			zap.Error(err))
		return
	}
	q.done.Add(1)
}

// Enqueue blocks only while the queue is full.
func (q *PoolQueue) Enqueue(ctx context.Context, job Job) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}
	select {
	case q.jobs <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats reports how many jobs finished successfully and how many failed.
func (q *PoolQueue) Stats() (done, failed int64) {
	return q.done.Load(), q.failed.Load()
}

// Close stops accepting jobs, waits for queued jobs to finish and stops the
// workers. It is safe to call more than once.
func (q *PoolQueue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.jobs)
	q.mu.Unlock()

	q.wg.Wait()
	q.cancel()

	if _, failed := q.Stats(); failed > 0 {
		q.logger.Warn("pool closed with failed jobs", zap.Int64("failed", failed))
	}
	return nil
}
