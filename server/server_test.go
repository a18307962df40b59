package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/baldanca/firehose-ingestor/counter"
	"github.com/baldanca/firehose-ingestor/stream"
)

type fakeStream struct {
	name     string
	buffered int
}

func (f fakeStream) Name() string { return f.name }
func (f fakeStream) State() stream.State {
	return stream.State{Name: f.name, CacheLength: 100, MetadataInterval: 4 * time.Second}
}
func (f fakeStream) Buffered() int { return f.buffered }

func get(t *testing.T, h http.Handler, path string) (int, string) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	body, err := io.ReadAll(rec.Result().Body)
	require.NoError(t, err)
	return rec.Code, string(body)
}

func TestHealthz(t *testing.T) {
	code, body := get(t, New(counter.NewMemoryStore()).Handler(), "/healthz")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok\n", body)
}

func TestCounts(t *testing.T) {
	ctx := context.Background()
	store := counter.NewMemoryStore()
	keys := counter.KeysFor("geo")
	_, _ = store.IncrBy(ctx, keys.Counter("stream"), 12)
	_, _ = store.IncrBy(ctx, keys.Counter("firehose"), 40)

	s := New(store)
	s.Register(fakeStream{name: "geo", buffered: 2})

	code, body := get(t, s.Handler(), "/counts/geo")
	assert.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"counts":{"stream":12,"firehose":40,"detection":0,"cached":2}}`, body)

	code, body = get(t, s.Handler(), "/counts/unknown")
	assert.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"counts":{"stream":0,"firehose":0,"detection":0,"cached":0}}`, body)
}

func TestCounts_StoreDown(t *testing.T) {
	store := counter.NewMemoryStore()
	store.SetFail(errors.New("connection refused"))

	code, body := get(t, New(store).Handler(), "/counts/geo")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Contains(t, body, "connection refused")
}

func TestStreams(t *testing.T) {
	s := New(counter.NewMemoryStore())
	s.Register(fakeStream{name: "sample"}, fakeStream{name: "geo", buffered: 7})

	code, body := get(t, s.Handler(), "/streams")
	assert.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `[
		{"name":"geo","cache_length":100,"is_queuing":false,"metadata_interval":4000000000,"buffered":7},
		{"name":"sample","cache_length":100,"is_queuing":false,"metadata_interval":4000000000,"buffered":0}
	]`, body)
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "firehose_test_total", Help: "test"})
	reg.MustRegister(c)
	c.Add(3)

	code, body := get(t, New(counter.NewMemoryStore(), WithGatherer(reg)).Handler(), "/metrics")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "firehose_test_total 3")
}

func TestListenAndServe_ShutsDownOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- New(counter.NewMemoryStore()).ListenAndServe(ctx, "127.0.0.1:0") }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
