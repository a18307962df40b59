package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/baldanca/firehose-ingestor/retry"
	"github.com/baldanca/firehose-ingestor/source"
)

type WorkerConfig struct {
	Concurrency int

	// Lease keeps long jobs invisible to other workers while they run. Only
	// used when the source implements source.VisibilityExtender.
	LeaseEnabled              bool
	LeaseVisibilityTimeoutSec int32
	LeaseRenewEvery           time.Duration
}

var DefaultWorkerConfig = WorkerConfig{
	Concurrency:               1,
	LeaseVisibilityTimeoutSec: 60,
	LeaseRenewEvery:           20 * time.Second,
}

// Worker pulls serialized jobs from a source and runs them against a
// registry. Successful jobs are acknowledged; failed ones are handed back to
// the source with Fail so they can be redelivered.
type Worker struct {
	src      source.Sourcer
	registry *Registry
	cfg      WorkerConfig
	logger   *zap.Logger
	ackRetry retry.Policy
}

type WorkerOption func(*Worker)

func WithWorkerLogger(l *zap.Logger) WorkerOption {
	return func(w *Worker) {
		if l != nil {
			w.logger = l
		}
	}
}

func WithWorkerAckRetry(p retry.Policy) WorkerOption {
	return func(w *Worker) {
		if p != nil {
			w.ackRetry = p
		}
	}
}

func NewWorker(src source.Sourcer, registry *Registry, cfg WorkerConfig, opts ...WorkerOption) *Worker {
	if src == nil {
		panic("dispatch: source is required")
	}
	if registry == nil {
		panic("dispatch: registry is required")
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	w := &Worker{
		src:      src,
		registry: registry,
		cfg:      cfg,
		logger:   zap.NewNop(),
		ackRetry: retry.Nop{},
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// Run processes jobs until the source is exhausted (nil), ctx is done
// (ctx.Err()) or the source fails.
func (w *Worker) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, w.cfg.Concurrency)
	var wg sync.WaitGroup
	for i := 0; i < w.cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := w.loop(ctx); err != nil {
				errCh <- err
				cancel()
			}
		}()
	}
	wg.Wait()
	close(errCh)

	// first error wins
	if err, ok := <-errCh; ok {
		return err
	}
	return nil
}

func (w *Worker) loop(ctx context.Context) error {
	for {
		msg, err := w.src.Receive(ctx)
		if err != nil {
			if errors.Is(err, source.ErrClosed) {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("receive job: %w", err)
		}
		if err := w.process(ctx, msg); err != nil {
			return err
		}
	}
}

// process returns an error only when acknowledging fails; job failures are
// reported to the source.
func (w *Worker) process(ctx context.Context, msg source.Message) error {
	job, err := decodeJob(msg.Data().Payload)
	if err != nil {
		w.logger.Error("undecodable job", zap.Error(err))
		_ = msg.Fail(ctx, err)
		return nil
	}

	acks := source.Single(msg)

	var stopLease func()
	if w.cfg.LeaseEnabled {
		if ext, ok := w.src.(source.VisibilityExtender); ok {
			stopLease = w.startLease(ctx, ext, acks.Metas())
		}
	}
	err = w.registry.Handle(ctx, job)
	if stopLease != nil {
		stopLease()
	}

	if err != nil {
		w.logger.Error("job failed",
			zap.String("handler", job.Handler),
			zap.String("stream", job.Stream),
			zap.Error(err))
		if ferr := msg.Fail(ctx, err); ferr != nil {
			w.logger.Warn("fail job message", zap.Error(ferr))
		}
		return nil
	}

	if err := w.ackRetry.Do(ctx, func(ctx context.Context) error {
		return acks.Commit(ctx, w.src)
	}); err != nil {
		return fmt.Errorf("ack job %s: %w", job.Handler, err)
	}
	return nil
}

func (w *Worker) startLease(parent context.Context, ext source.VisibilityExtender, metas []source.AckMetadata) (stop func()) {
	if len(metas) == 0 {
		return func() {}
	}
	every := w.cfg.LeaseRenewEvery
	if every <= 0 {
		every = 20 * time.Second
	}

	ctx, cancel := context.WithCancel(parent)
	done := make(chan struct{})
	go func() {
		defer close(done)
		t := time.NewTicker(every)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if err := ext.ExtendVisibilityBatch(ctx, metas, w.cfg.LeaseVisibilityTimeoutSec); err != nil {
					// keep running; the message may be redelivered
					w.logger.Warn("extend job lease", zap.Error(err))
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func decodeJob(p any) (Job, error) {
	switch v := p.(type) {
	case Job:
		return v, nil
	case []byte:
		return UnmarshalJob(v)
	case string:
		return UnmarshalJob([]byte(v))
	case json.RawMessage:
		return UnmarshalJob(v)
	default:
		return Job{}, fmt.Errorf("decode job: unsupported payload %T", p)
	}
}
