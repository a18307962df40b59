package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/baldanca/firehose-ingestor/counter"
	"github.com/baldanca/firehose-ingestor/dispatch"
	"github.com/baldanca/firehose-ingestor/record"
	"github.com/baldanca/firehose-ingestor/source"
)

type fakeMsg struct {
	id      int
	payload any
	failed  bool
}

func (m *fakeMsg) Data() source.Envelope { return source.Envelope{Payload: m.payload} }

func (m *fakeMsg) Fail(ctx context.Context, reason error) error {
	m.failed = true
	return nil
}

// fakeSource replays msgs, then returns end (ErrClosed when nil).
type fakeSource struct {
	msgs      []*fakeMsg
	next      int
	end       error
	acked     []int
	ackErr    error
	onReceive func()
}

func newSource(payloads ...any) *fakeSource {
	s := &fakeSource{}
	for i, p := range payloads {
		s.msgs = append(s.msgs, &fakeMsg{id: i, payload: p})
	}
	return s
}

func (s *fakeSource) Receive(ctx context.Context) (source.Message, error) {
	if s.next >= len(s.msgs) {
		if s.end != nil {
			return nil, s.end
		}
		return nil, source.ErrClosed
	}
	if s.onReceive != nil {
		s.onReceive()
	}
	m := s.msgs[s.next]
	s.next++
	return m, nil
}

func (s *fakeSource) AckBatch(ctx context.Context, msgs []source.Message) error {
	if s.ackErr != nil {
		return s.ackErr
	}
	for _, m := range msgs {
		s.acked = append(s.acked, m.(*fakeMsg).id)
	}
	return nil
}

func data(id string) string { return fmt.Sprintf(`{"id_str":%q,"text":"hello"}`, id) }

func control(n int) string { return fmt.Sprintf(`{"limit":{"track":%d}}`, n) }

type batchRecorder struct {
	mu      sync.Mutex
	batches [][]string
	ret     int64
	err     error
}

func (r *batchRecorder) fn(ctx context.Context, batch []record.DataRecord) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(batch))
	for _, d := range batch {
		ids = append(ids, d.Payload["id_str"].(string))
	}
	r.batches = append(r.batches, ids)
	return r.ret, r.err
}

func (r *batchRecorder) got() [][]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]string(nil), r.batches...)
}

func counts(t *testing.T, s counter.Store, name string) map[string]int64 {
	t.Helper()
	all, err := s.GetAll(context.Background(), counter.KeysFor(name).CountsPrefix)
	require.NoError(t, err)
	return all
}

func newTestManager(t *testing.T, store counter.Store, cfg Config, opts ...Option) *Manager {
	t.Helper()
	if cfg.Name == "" {
		cfg.Name = "geo"
	}
	if cfg.CacheLength == 0 {
		cfg.CacheLength = 3
	}
	m, err := NewManager(context.Background(), cfg, store, opts...)
	require.NoError(t, err)
	return m
}

func TestRun_CountsAndBatchesDataRecords(t *testing.T) {
	for _, n := range []int{0, 1, 2, 3, 10, 31} {
		t.Run(fmt.Sprint(n), func(t *testing.T) {
			store := counter.NewMemoryStore()
			rec := &batchRecorder{}
			m := newTestManager(t, store, Config{CacheLength: 4, BatchFunc: rec.fn})

			var payloads []any
			for i := 0; i < n; i++ {
				payloads = append(payloads, data(fmt.Sprintf("D%d", i)))
			}
			require.NoError(t, m.Run(context.Background(), newSource(payloads...)))

			c := counts(t, store, "geo")
			assert.Equal(t, int64(n), c["stream"])
			assert.Equal(t, int64(n), c["firehose"])

			batches := rec.got()
			assert.Len(t, batches, n/4)
			next := 0
			for _, b := range batches {
				require.Len(t, b, 4)
				for _, id := range b {
					assert.Equal(t, fmt.Sprintf("D%d", next), id)
					next++
				}
			}
			assert.Equal(t, n%4, m.Buffered())
		})
	}
}

func TestRun_SevenRecordsCacheThree(t *testing.T) {
	store := counter.NewMemoryStore()
	rec := &batchRecorder{}
	m := newTestManager(t, store, Config{CacheLength: 3, BatchFunc: rec.fn})

	src := newSource(data("D1"), data("D2"), data("D3"), data("D4"), data("D5"), data("D6"), data("D7"))
	require.NoError(t, m.Run(context.Background(), src))

	assert.Equal(t, [][]string{{"D1", "D2", "D3"}, {"D4", "D5", "D6"}}, rec.got())
	assert.Equal(t, 1, m.Buffered())

	// only dispatched batches are acknowledged
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5}, src.acked)
}

func TestRun_ControlRecordsApplyDelta(t *testing.T) {
	store := counter.NewMemoryStore()
	m := newTestManager(t, store, Config{BatchFunc: (&batchRecorder{}).fn})

	src := newSource(control(100), control(250))
	require.NoError(t, m.Run(context.Background(), src))

	c := counts(t, store, "geo")
	assert.Equal(t, int64(250), c["firehose"])
	assert.Zero(t, c["stream"])
	assert.Equal(t, []int{0, 1}, src.acked)
}

func TestRun_ControlAndDataInterleaved(t *testing.T) {
	store := counter.NewMemoryStore()
	m := newTestManager(t, store, Config{BatchFunc: (&batchRecorder{}).fn})

	src := newSource(data("a"), control(10), data("b"), control(25), data("c"))
	require.NoError(t, m.Run(context.Background(), src))

	c := counts(t, store, "geo")
	assert.Equal(t, int64(3), c["stream"])
	assert.Equal(t, int64(3+25), c["firehose"])
}

func TestNewManager_ResetsTrackerForSameName(t *testing.T) {
	ctx := context.Background()
	store := counter.NewMemoryStore()
	cfg := Config{BatchFunc: (&batchRecorder{}).fn}

	m1 := newTestManager(t, store, cfg)
	require.NoError(t, m1.Run(ctx, newSource(control(300))))
	require.Equal(t, int64(300), counts(t, store, "geo")["firehose"])

	m2 := newTestManager(t, store, cfg)
	require.NoError(t, m2.Run(ctx, newSource(control(50))))

	// cumulative counter kept, tracker cleared
	assert.Equal(t, int64(350), counts(t, store, "geo")["firehose"])
}

func TestRun_NegativeDeltaIsAppliedAndLogged(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	store := counter.NewMemoryStore()
	metrics := NewMetrics(nil)
	m := newTestManager(t, store, Config{BatchFunc: (&batchRecorder{}).fn},
		WithLogger(zap.New(core)), WithMetrics(metrics))

	require.NoError(t, m.Run(context.Background(), newSource(control(500), control(20))))

	assert.Equal(t, int64(20), counts(t, store, "geo")["firehose"])
	entries := logs.FilterMessage("undelivered count went backwards").All()
	require.Len(t, entries, 1)
	assert.Equal(t, int64(-480), entries[0].ContextMap()["delta"])
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.NegativeDeltas.WithLabelValues("geo")))
}

func TestRun_DetectionsFromBatchCallback(t *testing.T) {
	cases := []struct {
		ret  int64
		want int64
	}{
		{ret: 4, want: 8},
		{ret: 0, want: 0},
		{ret: -3, want: 0},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprint(tc.ret), func(t *testing.T) {
			store := counter.NewMemoryStore()
			rec := &batchRecorder{ret: tc.ret}
			m := newTestManager(t, store, Config{CacheLength: 2, BatchFunc: rec.fn})

			require.NoError(t, m.Run(context.Background(), newSource(data("a"), data("b"), data("c"), data("d"))))

			assert.Len(t, rec.got(), 2)
			assert.Equal(t, tc.want, counts(t, store, "geo")["detection"])
		})
	}
}

func TestRun_ClassificationErrorSkipsRecord(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	store := counter.NewMemoryStore()
	metrics := NewMetrics(nil)
	rec := &batchRecorder{}
	m := newTestManager(t, store, Config{CacheLength: 2, BatchFunc: rec.fn},
		WithLogger(zap.New(core)), WithMetrics(metrics))

	src := newSource(data("a"), "{not json", `{"limit":{"track":"x"}}`, []int{1}, data("b"), data("c"))
	require.NoError(t, m.Run(context.Background(), src))

	assert.Equal(t, [][]string{{"a", "b"}}, rec.got())
	assert.Equal(t, int64(3), counts(t, store, "geo")["stream"])
	// skipped records are acked at once, the data records with their batch
	assert.Equal(t, []int{1, 2, 3, 0, 4}, src.acked)
	for _, msg := range src.msgs {
		assert.False(t, msg.failed, "message %d", msg.id)
	}
	assert.Equal(t, 3, logs.FilterMessage("skipping unclassifiable record").Len())
	assert.Equal(t, 3.0, testutil.ToFloat64(metrics.ClassificationErrors.WithLabelValues("geo")))
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func TestRun_MetadataIsThrottled(t *testing.T) {
	const (
		interval = 200 * time.Millisecond
		step     = 15 * time.Millisecond
		n        = 100
	)
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	start := clock.now()

	var calls []time.Time
	var snapshots []record.Metadata
	md := func(ctx context.Context, m record.Metadata) error {
		calls = append(calls, clock.now())
		snapshots = append(snapshots, m)
		return nil
	}

	store := counter.NewMemoryStore()
	m := newTestManager(t, store, Config{
		CacheLength:      7,
		MetadataInterval: interval,
		BatchFunc:        (&batchRecorder{}).fn,
		MetadataFunc:     md,
	}, WithClock(clock.now))

	var payloads []any
	for i := 0; i < n; i++ {
		payloads = append(payloads, data(fmt.Sprint(i)))
	}
	src := newSource(payloads...)
	src.onReceive = func() { clock.advance(step) }
	require.NoError(t, m.Run(context.Background(), src))

	elapsed := clock.now().Sub(start)
	limit := int(math.Ceil(float64(elapsed)/float64(interval))) + 1
	require.NotEmpty(t, calls)
	assert.LessOrEqual(t, len(calls), limit)

	// cold start: nothing before the first interval
	assert.GreaterOrEqual(t, calls[0].Sub(start), interval)
	for i := 1; i < len(calls); i++ {
		assert.GreaterOrEqual(t, calls[i].Sub(calls[i-1]), interval)
	}

	for _, s := range snapshots {
		for _, k := range []string{"stream", "firehose", "detection", "cached"} {
			assert.Contains(t, s.Counts, k)
		}
		assert.Less(t, s.Counts["cached"], int64(7))
	}
	first := snapshots[0]
	assert.Equal(t, first.Counts["stream"]%7, first.Counts["cached"])
}

func TestRun_NoMetadataWithoutCallback(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	rec := &batchRecorder{}
	m := newTestManager(t, counter.NewMemoryStore(), Config{MetadataInterval: time.Millisecond, BatchFunc: rec.fn},
		WithClock(clock.now))

	src := newSource(data("a"), data("b"))
	src.onReceive = func() { clock.advance(time.Second) }
	require.NoError(t, m.Run(context.Background(), src))

	_, ok := m.registry.Lookup(MetadataHandlerName("geo"))
	assert.False(t, ok)
}

func TestRun_DeferredEnqueuesWithoutRunningInline(t *testing.T) {
	q := &recordingQueue{}
	rec := &batchRecorder{}
	clock := &fakeClock{t: time.Unix(0, 0)}
	store := counter.NewMemoryStore()

	m := newTestManager(t, store, Config{
		CacheLength:      2,
		IsQueuing:        true,
		MetadataInterval: time.Second,
		BatchFunc:        rec.fn,
		MetadataFunc:     func(ctx context.Context, md record.Metadata) error { return errors.New("must not run inline") },
	}, WithQueue(q), WithClock(clock.now))

	src := newSource(data("a"), data("b"), data("c"))
	src.onReceive = func() { clock.advance(time.Second) }
	require.NoError(t, m.Run(context.Background(), src))

	assert.Empty(t, rec.got())
	assert.Equal(t, 1, countHandler(q.jobs, "batch:geo"))
	assert.Equal(t, 3, countHandler(q.jobs, "metadata:geo"))
	for _, j := range q.jobs {
		if j.Handler == "batch:geo" {
			assert.Len(t, j.Batch, 2)
		}
	}
	assert.Equal(t, []int{0, 1}, src.acked)
}

type recordingQueue struct {
	jobs []dispatch.Job
	err  error
}

func (q *recordingQueue) Enqueue(ctx context.Context, job dispatch.Job) error {
	if q.err != nil {
		return q.err
	}
	q.jobs = append(q.jobs, job)
	return nil
}

func countHandler(jobs []dispatch.Job, name string) int {
	n := 0
	for _, j := range jobs {
		if j.Handler == name {
			n++
		}
	}
	return n
}

func TestRun_DeferredThroughPoolQueue(t *testing.T) {
	store := counter.NewMemoryStore()
	rec := &batchRecorder{ret: 1}
	reg := dispatch.NewRegistry()
	pool := dispatch.NewPoolQueue(reg, dispatch.PoolConfig{Workers: 2, QueueSize: 8}, nil)

	m := newTestManager(t, store, Config{CacheLength: 5, IsQueuing: true, BatchFunc: rec.fn},
		WithQueue(pool), WithRegistry(reg))

	var payloads []any
	for i := 0; i < 50; i++ {
		payloads = append(payloads, data(fmt.Sprint(i)))
	}
	require.NoError(t, m.Run(context.Background(), newSource(payloads...)))
	require.NoError(t, pool.Close())

	assert.Len(t, rec.got(), 10)
	assert.Equal(t, int64(10), counts(t, store, "geo")["detection"])
}

func TestRun_EnqueueFailureStopsRun(t *testing.T) {
	q := &recordingQueue{err: errors.New("queue down")}
	m := newTestManager(t, counter.NewMemoryStore(), Config{CacheLength: 1, IsQueuing: true, BatchFunc: (&batchRecorder{}).fn},
		WithQueue(q))

	err := m.Run(context.Background(), newSource(data("a")))
	assert.ErrorIs(t, err, ErrDispatch)
	assert.ErrorIs(t, err, q.err)
}

func TestRun_InlineCallbackFailureStopsRun(t *testing.T) {
	boom := errors.New("sink down")
	rec := &batchRecorder{err: boom}
	m := newTestManager(t, counter.NewMemoryStore(), Config{CacheLength: 1, BatchFunc: rec.fn})

	src := newSource(data("a"), data("b"))
	err := m.Run(context.Background(), src)
	assert.ErrorIs(t, err, ErrDispatch)
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, src.acked)
	assert.Equal(t, 1, src.next)
}

func TestRun_StoreFailureStopsRun(t *testing.T) {
	store := counter.NewMemoryStore()
	m := newTestManager(t, store, Config{BatchFunc: (&batchRecorder{}).fn})
	store.SetFail(errors.New("connection refused"))

	err := m.Run(context.Background(), newSource(data("a")))
	assert.ErrorIs(t, err, counter.ErrStoreUnavailable)
}

func TestRun_SourceFault(t *testing.T) {
	m := newTestManager(t, counter.NewMemoryStore(), Config{BatchFunc: (&batchRecorder{}).fn})
	src := newSource(data("a"))
	src.end = errors.New("connection reset")

	err := m.Run(context.Background(), src)
	assert.ErrorIs(t, err, ErrSourceFault)
	assert.ErrorIs(t, err, src.end)
}

func TestRun_AckFailureIsSourceFault(t *testing.T) {
	m := newTestManager(t, counter.NewMemoryStore(), Config{BatchFunc: (&batchRecorder{}).fn})
	src := newSource(control(1))
	src.ackErr = errors.New("receipt handle expired")

	err := m.Run(context.Background(), src)
	assert.ErrorIs(t, err, ErrSourceFault)
}

func TestRun_CancelStopsAtRecordBoundary(t *testing.T) {
	store := counter.NewMemoryStore()
	m := newTestManager(t, store, Config{CacheLength: 10, BatchFunc: (&batchRecorder{}).fn})

	ctx, cancel := context.WithCancel(context.Background())
	src := newSource(data("a"), data("b"), data("c"), data("d"))
	src.onReceive = func() {
		if src.next == 2 {
			cancel()
		}
	}

	err := m.Run(ctx, src)
	assert.ErrorIs(t, err, context.Canceled)
	// the record received before the cancel check is fully processed
	assert.Equal(t, int64(3), counts(t, store, "geo")["stream"])
	assert.Equal(t, 3, m.Buffered())
	assert.Empty(t, src.acked)
}

func TestNewManager_ConfigErrors(t *testing.T) {
	store := counter.NewMemoryStore()
	fn := (&batchRecorder{}).fn
	ctx := context.Background()

	cases := map[string]struct {
		cfg   Config
		store counter.Store
		opts  []Option
	}{
		"missing name":      {cfg: Config{CacheLength: 1, BatchFunc: fn}, store: store},
		"missing callback":  {cfg: Config{Name: "geo", CacheLength: 1}, store: store},
		"zero cache length": {cfg: Config{Name: "geo", BatchFunc: fn}, store: store},
		"negative cache":    {cfg: Config{Name: "geo", CacheLength: -1, BatchFunc: fn}, store: store},
		"queuing no queue":  {cfg: Config{Name: "geo", CacheLength: 1, IsQueuing: true, BatchFunc: fn}, store: store},
		"nil store":         {cfg: Config{Name: "geo", CacheLength: 1, BatchFunc: fn}},
		"negative interval": {cfg: Config{Name: "geo", CacheLength: 1, MetadataInterval: -1, BatchFunc: fn}, store: store},
		"separator in name": {cfg: Config{Name: "geo:eu", CacheLength: 1, BatchFunc: fn}, store: store},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := NewManager(ctx, tc.cfg, tc.store, tc.opts...)
			assert.ErrorIs(t, err, ErrConfig)
		})
	}
}

func TestRun_StreamsSharingAStoreKeepSeparateCounts(t *testing.T) {
	store := counter.NewMemoryStore()
	var got []record.Metadata
	mdFn := func(ctx context.Context, md record.Metadata) error {
		got = append(got, md)
		return nil
	}

	geo := newTestManager(t, store, Config{Name: "geo", CacheLength: 5, BatchFunc: (&batchRecorder{}).fn, MetadataFunc: mdFn})
	eu := newTestManager(t, store, Config{Name: "geo-eu", CacheLength: 5, BatchFunc: (&batchRecorder{}).fn})

	require.NoError(t, eu.Run(context.Background(), newSource(data("x"), data("y"))))
	require.NoError(t, geo.Run(context.Background(), newSource(data("a"))))

	assert.Equal(t, map[string]int64{"stream": 1, "firehose": 1}, counts(t, store, "geo"))
	assert.Equal(t, map[string]int64{"stream": 2, "firehose": 2}, counts(t, store, "geo-eu"))

	require.Len(t, got, 1)
	assert.Equal(t, map[string]int64{"stream": 1, "firehose": 1, "detection": 0, "cached": 1}, got[0].Counts)
}

func TestDefaultConfig(t *testing.T) {
	assert.Equal(t, 100, DefaultConfig.CacheLength)
	assert.Equal(t, 4*time.Second, DefaultConfig.MetadataInterval)
	assert.False(t, DefaultConfig.IsQueuing)
}

func TestStateRestore(t *testing.T) {
	ctx := context.Background()
	store := counter.NewMemoryStore()
	rec := &batchRecorder{}
	q := &recordingQueue{}

	m := newTestManager(t, store, Config{
		CacheLength:      5,
		IsQueuing:        true,
		MetadataInterval: 3 * time.Second,
		BatchFunc:        rec.fn,
	}, WithQueue(q))
	require.NoError(t, m.Run(ctx, newSource(control(100), data("a"), data("b"))))
	require.Equal(t, 2, m.Buffered())

	b, err := json.Marshal(m.State())
	require.NoError(t, err)
	var st State
	require.NoError(t, json.Unmarshal(b, &st))
	assert.Equal(t, State{Name: "geo", CacheLength: 5, IsQueuing: true, MetadataInterval: 3 * time.Second}, st)

	restored, err := Restore(ctx, st, store, rec.fn, nil, WithQueue(q))
	require.NoError(t, err)
	assert.Equal(t, m.State(), restored.State())
	assert.Zero(t, restored.Buffered())

	// tracker survives a restore
	require.NoError(t, restored.Run(ctx, newSource(control(150))))
	assert.Equal(t, int64(2+150), counts(t, store, "geo")["firehose"])

	_, err = Restore(ctx, st, store, rec.fn, nil)
	assert.ErrorIs(t, err, ErrConfig)
}
