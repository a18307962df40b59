package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/baldanca/firehose-ingestor/config"
	"github.com/baldanca/firehose-ingestor/record"
)

func feed() string {
	var b strings.Builder
	b.WriteString(`{"limit":{"track":5}}` + "\n")
	for i := 0; i < 10; i++ {
		if i%2 == 0 {
			fmt.Fprintf(&b, `{"id_str":"%d","coordinates":{"type":"Point","coordinates":[1,2]}}`+"\n", i)
		} else {
			fmt.Fprintf(&b, `{"id_str":"%d","coordinates":null}`+"\n", i)
		}
	}
	b.WriteString("not json\n")
	return b.String()
}

func writeConfig(t *testing.T, out, db string) string {
	t.Helper()
	body := fmt.Sprintf(`
log:
  level: error
store:
  kind: badger
  dir: %s
sink:
  kind: dir
  dir: %s
  encoder: ndjson
  gzip: false
  coordinates: true
  metadata: true
streams:
  - name: geo
    cache_length: 4
`, db, out)
	p := filepath.Join(t.TempDir(), "firehose.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func TestRunThenCounts(t *testing.T) {
	out := t.TempDir()
	db := t.TempDir()
	cfgPath := writeConfig(t, out, db)

	cmd := newRootCommand(strings.NewReader(feed()), &bytes.Buffer{})
	cmd.SetArgs([]string{"run", "-c", cfgPath, "--http-addr", ""})
	require.NoError(t, cmd.ExecuteContext(context.Background()))

	files, err := filepath.Glob(filepath.Join(out, "geo", "dt=*", "*.jsonl"))
	require.NoError(t, err)
	require.Len(t, files, 2)
	lines := 0
	for _, f := range files {
		b, err := os.ReadFile(f)
		require.NoError(t, err)
		lines += strings.Count(string(b), "\n")
	}
	assert.Equal(t, 4, lines)

	_, err = os.Stat(filepath.Join(out, "metadata", "geo.json"))
	assert.NoError(t, err)

	var stdout bytes.Buffer
	cmd = newRootCommand(strings.NewReader(""), &stdout)
	cmd.SetArgs([]string{"counts", "geo", "-c", cfgPath})
	require.NoError(t, cmd.ExecuteContext(context.Background()))
	assert.JSONEq(t, `{"counts":{"stream":10,"firehose":15,"detection":4,"cached":0}}`, stdout.String())
}

func TestWorkNeedsSQSQueue(t *testing.T) {
	cmd := newRootCommand(strings.NewReader(""), &bytes.Buffer{})
	cmd.SetArgs([]string{"work", "-c", writeConfig(t, t.TempDir(), t.TempDir())})
	err := cmd.ExecuteContext(context.Background())
	assert.ErrorIs(t, err, config.ErrInvalid)
}

func TestOpenStore(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)

	for _, c := range []config.StoreConfig{
		{Kind: config.StoreMemory},
		{Kind: config.StoreBadger},
		{Kind: config.StoreRedis, URL: "redis://" + mr.Addr()},
	} {
		t.Run(c.Kind, func(t *testing.T) {
			s, err := openStore(ctx, c, zap.NewNop())
			require.NoError(t, err)
			n, err := s.IncrBy(ctx, "counts_geo:stream", 2)
			require.NoError(t, err)
			assert.Equal(t, int64(2), n)
			require.NoError(t, s.Close())
		})
	}

	_, err := openStore(ctx, config.StoreConfig{Kind: "etcd"}, zap.NewNop())
	assert.ErrorIs(t, err, config.ErrInvalid)
}

func testApp(t *testing.T, sc config.SinkConfig) *app {
	t.Helper()
	cfg := config.Config{
		Store: config.StoreConfig{Kind: config.StoreMemory},
		Queue: config.QueueConfig{Kind: config.QueuePool, Workers: 2, Size: 4},
		Sink:  sc,
	}
	a, err := newApp(context.Background(), cfg, zap.NewNop(), strings.NewReader(""))
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func TestCallbacks_Parquet(t *testing.T) {
	out := t.TempDir()
	a := testApp(t, config.SinkConfig{Kind: config.SinkDir, Dir: out, Encoder: config.EncoderParquet, Compression: "zstd", RetryAttempts: 1})

	batchFn, metadataFn, err := a.callbacks("geo")
	require.NoError(t, err)

	n, err := batchFn(context.Background(), []record.DataRecord{
		{Payload: map[string]any{"id_str": "1"}},
		{Payload: map[string]any{"id_str": "2"}},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	files, err := filepath.Glob(filepath.Join(out, "geo", "dt=*", "*.parquet"))
	require.NoError(t, err)
	assert.Len(t, files, 1)

	require.NoError(t, metadataFn(context.Background(), record.NewMetadata(nil, 0)))
	_, err = os.Stat(filepath.Join(out, "metadata", "geo.json"))
	assert.True(t, os.IsNotExist(err))
}

func TestCallbacks_UnknownEncoder(t *testing.T) {
	a := testApp(t, config.SinkConfig{Kind: config.SinkDir, Dir: t.TempDir(), Encoder: config.EncoderNDJSON, RetryAttempts: 1})
	a.cfg.Sink.Encoder = "avro"
	_, _, err := a.callbacks("geo")
	assert.ErrorIs(t, err, config.ErrInvalid)
}

func TestManager_QueuingUsesPool(t *testing.T) {
	a := testApp(t, config.SinkConfig{Kind: config.SinkDir, Dir: t.TempDir(), Encoder: config.EncoderNDJSON, RetryAttempts: 1})

	q, err := a.queue(context.Background())
	require.NoError(t, err)

	m, err := a.manager(context.Background(), config.StreamConfig{Name: "geo", CacheLength: 2, IsQueuing: true}, q)
	require.NoError(t, err)
	assert.True(t, m.State().IsQueuing)
	assert.Contains(t, a.registry.Names(), "batch:geo")
	assert.Contains(t, a.registry.Names(), "metadata:geo")
}

func TestDialer(t *testing.T) {
	a := testApp(t, config.SinkConfig{Kind: config.SinkDir, Dir: t.TempDir(), Encoder: config.EncoderNDJSON, RetryAttempts: 1})
	a.stdin = strings.NewReader(`{"id_str":"1"}` + "\n")

	dial, err := a.dialer(config.SourceConfig{Kind: config.SourceStdin})
	require.NoError(t, err)
	src, err := dial(context.Background())
	require.NoError(t, err)
	msg, err := src.Receive(context.Background())
	require.NoError(t, err)
	rec, err := record.FromPayload(msg.Data().Payload)
	require.NoError(t, err)
	assert.Equal(t, record.KindData, rec.Kind)

	_, err = a.dialer(config.SourceConfig{Kind: "carrier-pigeon"})
	assert.ErrorIs(t, err, config.ErrInvalid)
}
