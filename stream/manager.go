// Package stream consumes a feed of control and data records, keeps the feed
// health counters, batches data records and emits throttled snapshots.
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/baldanca/firehose-ingestor/batcher"
	"github.com/baldanca/firehose-ingestor/corrector"
	"github.com/baldanca/firehose-ingestor/counter"
	"github.com/baldanca/firehose-ingestor/dispatch"
	"github.com/baldanca/firehose-ingestor/record"
	"github.com/baldanca/firehose-ingestor/retry"
	"github.com/baldanca/firehose-ingestor/source"
	"github.com/baldanca/firehose-ingestor/throttle"
)

// Manager is a single consumer of one ordered source. Run must not be called
// concurrently on the same Manager.
//
// Callbacks run without timeouts: a hung inline callback stalls the manager.
type Manager struct {
	cfg  Config
	keys counter.Keys

	store      counter.Store
	corrector  *corrector.Corrector
	batcher    *batcher.Batcher[record.DataRecord]
	throttle   *throttle.Throttle
	dispatcher *dispatch.Dispatcher

	logger   *zap.Logger
	metrics  *Metrics
	now      func() time.Time
	ackRetry retry.Policy

	queue    dispatch.Queue
	registry *dispatch.Registry

	consumed atomic.Int64
	buffered atomic.Int64
}

type Option func(*Manager)

func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithQueue sets the deferred work queue. Required when IsQueuing is set.
func WithQueue(q dispatch.Queue) Option {
	return func(m *Manager) { m.queue = q }
}

// WithRegistry makes the manager register its handlers into r, so an
// in-process queue built on r can run them.
func WithRegistry(r *dispatch.Registry) Option {
	return func(m *Manager) {
		if r != nil {
			m.registry = r
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

func WithMetrics(mt *Metrics) Option {
	return func(m *Manager) {
		if mt != nil {
			m.metrics = mt
		}
	}
}

// WithAckRetry sets the policy used to acknowledge source messages.
func WithAckRetry(p retry.Policy) Option {
	return func(m *Manager) {
		if p != nil {
			m.ackRetry = p
		}
	}
}

// NewManager builds a manager and clears its reconnect tracker, so the next
// control record counts in full. Cumulative counters are kept.
func NewManager(ctx context.Context, cfg Config, store counter.Store, opts ...Option) (*Manager, error) {
	m, err := newManager(cfg, store, opts...)
	if err != nil {
		return nil, err
	}
	if err := m.corrector.Reset(ctx); err != nil {
		return nil, err
	}
	m.logger.Info("stream manager ready",
		zap.String("stream", cfg.Name),
		zap.Stringer("mode", m.dispatcher.Mode()),
		zap.Int("cache_length", cfg.CacheLength))
	return m, nil
}

// Restore rebuilds a manager from a State. Callbacks and connections are
// supplied again; the tracker is not reset and the buffer starts empty.
func Restore(ctx context.Context, st State, store counter.Store, batchFn BatchFunc, metadataFn MetadataFunc, opts ...Option) (*Manager, error) {
	cfg := Config{
		Name:             st.Name,
		CacheLength:      st.CacheLength,
		IsQueuing:        st.IsQueuing,
		MetadataInterval: st.MetadataInterval,
		BatchFunc:        batchFn,
		MetadataFunc:     metadataFn,
	}
	m, err := newManager(cfg, store, opts...)
	if err != nil {
		return nil, err
	}
	m.logger.Info("stream manager restored", zap.String("stream", cfg.Name))
	return m, nil
}

func newManager(cfg Config, store counter.Store, opts ...Option) (*Manager, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if store == nil {
		return nil, fmt.Errorf("%w: counter store is required", ErrConfig)
	}

	m := &Manager{
		cfg:      cfg,
		keys:     counter.KeysFor(cfg.Name),
		store:    store,
		logger:   zap.NewNop(),
		now:      time.Now,
		ackRetry: retry.Nop{},
	}
	for _, o := range opts {
		o(m)
	}
	if m.metrics == nil {
		m.metrics = NewMetrics(nil)
	}
	if m.registry == nil {
		m.registry = dispatch.NewRegistry()
	}

	mode := dispatch.Inline()
	if cfg.IsQueuing {
		if m.queue == nil {
			return nil, fmt.Errorf("%w: queuing enabled without a queue", ErrConfig)
		}
		mode = dispatch.Deferred(m.queue)
	}

	b, err := batcher.New[record.DataRecord](batcher.Config{CacheLength: cfg.CacheLength})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}
	m.batcher = b
	m.corrector = corrector.New(store, m.keys.Tracker, m.keys.Counter(record.CounterFirehose))
	m.throttle = throttle.New(cfg.MetadataInterval, m.now())
	m.dispatcher = dispatch.NewDispatcher(mode, m.registry)

	RegisterHandlers(m.registry, cfg.Name, store, cfg.BatchFunc, cfg.MetadataFunc, m.logger)
	return m, nil
}

func (m *Manager) Name() string { return m.cfg.Name }

// State returns the serializable configuration of m.
func (m *Manager) State() State {
	return State{
		Name:             m.cfg.Name,
		CacheLength:      m.cfg.CacheLength,
		IsQueuing:        m.cfg.IsQueuing,
		MetadataInterval: m.cfg.MetadataInterval,
	}
}

// Buffered reports how many data records wait for a full batch. Safe to call
// while Run is active.
func (m *Manager) Buffered() int { return int(m.buffered.Load()) }

// Consumed reports how many records Run has received over the manager's
// lifetime.
func (m *Manager) Consumed() int64 { return m.consumed.Load() }

// Run consumes src until it is exhausted (nil), ctx is done (ctx.Err()) or a
// source, store or dispatch fault occurs. Records still buffered when Run
// returns stay in memory for the next Run on the same manager; they are lost
// if the manager is dropped.
func (m *Manager) Run(ctx context.Context, src source.Sourcer) error {
	if src == nil {
		return fmt.Errorf("%w: nil source", ErrSourceFault)
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		msg, err := src.Receive(ctx)
		if err != nil {
			if errors.Is(err, source.ErrClosed) || errors.Is(err, io.EOF) {
				m.logger.Info("source exhausted",
					zap.String("stream", m.cfg.Name),
					zap.Int("buffered", m.batcher.Len()))
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w: %w", ErrSourceFault, err)
		}
		m.consumed.Add(1)

		if err := m.process(ctx, src, msg); err != nil {
			return err
		}
	}
}

func (m *Manager) process(ctx context.Context, src source.Sourcer, msg source.Message) error {
	rec, err := record.FromPayload(msg.Data().Payload)
	switch {
	case err != nil:
		m.metrics.ClassificationErrors.WithLabelValues(m.cfg.Name).Inc()
		m.logger.Warn("skipping unclassifiable record",
			zap.String("stream", m.cfg.Name),
			zap.Error(err))
		// acked so a redelivering source does not replay it forever
		acks := source.Single(msg)
		if err := m.commit(ctx, src, &acks); err != nil {
			return err
		}
	case rec.Kind == record.KindControl:
		if err := m.control(ctx, src, msg, rec.Control); err != nil {
			return err
		}
	default:
		if err := m.data(ctx, src, msg, rec.Data); err != nil {
			return err
		}
	}
	return m.emitMetadata(ctx)
}

func (m *Manager) control(ctx context.Context, src source.Sourcer, msg source.Message, c record.ControlRecord) error {
	m.metrics.Records.WithLabelValues(m.cfg.Name, record.KindControl.String()).Inc()

	delta, err := m.corrector.Observe(ctx, c.ReportedUndelivered)
	if err != nil {
		return err
	}
	if delta < 0 {
		m.metrics.NegativeDeltas.WithLabelValues(m.cfg.Name).Inc()
		m.logger.Warn("undelivered count went backwards",
			zap.String("stream", m.cfg.Name),
			zap.Int64("reported", c.ReportedUndelivered),
			zap.Int64("delta", delta))
	}

	acks := source.Single(msg)
	return m.commit(ctx, src, &acks)
}

func (m *Manager) data(ctx context.Context, src source.Sourcer, msg source.Message, d record.DataRecord) error {
	m.metrics.Records.WithLabelValues(m.cfg.Name, record.KindData.String()).Inc()
	if d.ReceivedAt.IsZero() {
		d.ReceivedAt = m.now()
	}

	if _, err := m.store.IncrBy(ctx, m.keys.Counter(record.CounterStream), 1); err != nil {
		return err
	}
	if _, err := m.store.IncrBy(ctx, m.keys.Counter(record.CounterFirehose), 1); err != nil {
		return err
	}

	batch, full := m.batcher.Push(d, msg)
	m.buffered.Store(int64(m.batcher.Len()))
	m.metrics.Buffered.WithLabelValues(m.cfg.Name).Set(float64(m.batcher.Len()))
	if !full {
		return nil
	}

	job := dispatch.Job{
		Handler: BatchHandlerName(m.cfg.Name),
		Stream:  m.cfg.Name,
		Batch:   batch.Items,
	}
	if err := m.dispatch(ctx, job); err != nil {
		return err
	}
	m.metrics.Batches.WithLabelValues(m.cfg.Name, m.dispatcher.Mode().String()).Inc()
	m.logger.Debug("batch dispatched",
		zap.String("stream", m.cfg.Name),
		zap.Int("size", batch.Len()))

	return m.commit(ctx, src, &batch.Acks)
}

// dropPendingAcks forgets the acknowledgement handles of buffered records.
// The records stay buffered; their source is gone, so they will be delivered
// again rather than acked on a connection that never received them.
func (m *Manager) dropPendingAcks() int {
	return m.batcher.DropAcks()
}

func (m *Manager) emitMetadata(ctx context.Context) error {
	if m.cfg.MetadataFunc == nil {
		return nil
	}
	if !m.throttle.Allow(m.now()) {
		return nil
	}

	counts, err := m.store.GetAll(ctx, m.keys.CountsPrefix)
	if err != nil {
		return err
	}
	md := record.NewMetadata(counts, m.batcher.Len())

	job := dispatch.Job{
		Handler:  MetadataHandlerName(m.cfg.Name),
		Stream:   m.cfg.Name,
		Metadata: &md,
	}
	if err := m.dispatch(ctx, job); err != nil {
		return err
	}
	m.metrics.MetadataEmissions.WithLabelValues(m.cfg.Name, m.dispatcher.Mode().String()).Inc()
	return nil
}

func (m *Manager) dispatch(ctx context.Context, job dispatch.Job) error {
	if err := m.dispatcher.Dispatch(ctx, job); err != nil {
		m.metrics.DispatchErrors.WithLabelValues(m.cfg.Name, job.Handler).Inc()
		return fmt.Errorf("%w: %s: %w", ErrDispatch, job.Handler, err)
	}
	return nil
}

func (m *Manager) commit(ctx context.Context, src source.Sourcer, acks *source.AckGroup) error {
	if acks.Len() == 0 {
		return nil
	}
	if err := m.ackRetry.Do(ctx, func(ctx context.Context) error {
		return acks.Commit(ctx, src)
	}); err != nil {
		return fmt.Errorf("%w: ack: %w", ErrSourceFault, err)
	}
	return nil
}
