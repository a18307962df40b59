// Package processor provides batch and metadata callbacks that persist what a
// stream manager produces.
package processor

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/baldanca/firehose-ingestor/encoder"
	"github.com/baldanca/firehose-ingestor/record"
	"github.com/baldanca/firehose-ingestor/retry"
	"github.com/baldanca/firehose-ingestor/sink"
	"github.com/baldanca/firehose-ingestor/transformer"
)

// KeyFunc names the object written for one batch.
type KeyFunc func(stream string, now time.Time, ext string) string

// DefaultKey partitions objects by stream and UTC day:
// <stream>/dt=2006-01-02/<unix nanos>-<uuid><ext>
func DefaultKey(stream string, now time.Time, ext string) string {
	now = now.UTC()
	return stream + "/dt=" + now.Format("2006-01-02") + "/" +
		strconv.FormatInt(now.UnixNano(), 10) + "-" + uuid.NewString() + ext
}

// BatchWriter filters and transforms a batch, encodes the surviving rows and
// writes them to a sink. Its Process method is a batch callback: the number
// of rows written is reported as the detection count.
type BatchWriter[O any] struct {
	stream      string
	transformer transformer.Transformer[record.DataRecord, O]
	encoder     encoder.Encoder[O]
	sink        sink.Sinkr

	key    KeyFunc
	retry  retry.Policy
	logger *zap.Logger
	now    func() time.Time
}

type BatchWriterOption[O any] func(*BatchWriter[O])

func WithKeyFunc[O any](f KeyFunc) BatchWriterOption[O] {
	return func(w *BatchWriter[O]) {
		if f != nil {
			w.key = f
		}
	}
}

// WithRetry sets the policy used for sink writes.
func WithRetry[O any](p retry.Policy) BatchWriterOption[O] {
	return func(w *BatchWriter[O]) {
		if p != nil {
			w.retry = p
		}
	}
}

func WithLogger[O any](l *zap.Logger) BatchWriterOption[O] {
	return func(w *BatchWriter[O]) {
		if l != nil {
			w.logger = l
		}
	}
}

func WithClock[O any](now func() time.Time) BatchWriterOption[O] {
	return func(w *BatchWriter[O]) {
		if now != nil {
			w.now = now
		}
	}
}

func NewBatchWriter[O any](
	stream string,
	t transformer.Transformer[record.DataRecord, O],
	enc encoder.Encoder[O],
	s sink.Sinkr,
	opts ...BatchWriterOption[O],
) (*BatchWriter[O], error) {
	if stream == "" {
		return nil, fmt.Errorf("stream is empty")
	}
	if t == nil {
		return nil, fmt.Errorf("transformer is nil")
	}
	if enc == nil {
		return nil, fmt.Errorf("encoder is nil")
	}
	if s == nil {
		return nil, fmt.Errorf("sink is nil")
	}

	w := &BatchWriter[O]{
		stream:      stream,
		transformer: t,
		encoder:     enc,
		sink:        s,
		key:         DefaultKey,
		retry:       retry.Nop{},
		logger:      zap.NewNop(),
		now:         time.Now,
	}
	for _, o := range opts {
		o(w)
	}
	return w, nil
}

// Process writes batch and returns the number of rows written.
func (w *BatchWriter[O]) Process(ctx context.Context, batch []record.DataRecord) (int64, error) {
	rows, err := transformer.Apply(ctx, w.transformer, batch)
	if err != nil {
		return 0, fmt.Errorf("transform: %w", err)
	}
	if len(rows) == 0 {
		w.logger.Debug("batch filtered out", zap.String("stream", w.stream), zap.Int("size", len(batch)))
		return 0, nil
	}

	key := w.key(w.stream, w.now(), w.encoder.FileExtension())
	ct := w.encoder.ContentType()
	if ct == "" {
		ct = "application/octet-stream"
	}

	if streamed, err := w.tryStream(ctx, key, ct, rows); streamed {
		if err != nil {
			return 0, err
		}
	} else {
		data, err := w.encoder.Encode(ctx, rows)
		if err != nil {
			return 0, fmt.Errorf("encode: %w", err)
		}
		req := sink.WriteRequest{
			Key:         key,
			Data:        data,
			ContentType: ct,
			Metadata: map[string]string{
				"stream": w.stream,
				"rows":   strconv.Itoa(len(rows)),
			},
		}
		if err := w.retry.Do(ctx, func(ctx context.Context) error {
			return w.sink.Write(ctx, req)
		}); err != nil {
			return 0, err
		}
	}

	w.logger.Info("batch written",
		zap.String("stream", w.stream),
		zap.String("key", key),
		zap.Int("rows", len(rows)),
		zap.Int("batch", len(batch)))
	return int64(len(rows)), nil
}

type encodeToWriter[O any] struct {
	ctx   context.Context
	se    encoder.StreamEncoder[O]
	items []O
}

func (e encodeToWriter[O]) WriteTo(dst io.Writer) error {
	return e.se.EncodeTo(e.ctx, e.items, dst)
}

// tryStream writes without buffering when both the encoder and the sink
// support it.
func (w *BatchWriter[O]) tryStream(ctx context.Context, key, ct string, rows []O) (bool, error) {
	se, ok := w.encoder.(encoder.StreamEncoder[O])
	if !ok {
		return false, nil
	}
	ss, ok := w.sink.(sink.StreamSinkr)
	if !ok {
		return false, nil
	}

	err := w.retry.Do(ctx, func(ctx context.Context) error {
		return ss.WriteStream(ctx, sink.StreamWriteRequest{
			Key:         key,
			ContentType: ct,
			Writer:      encodeToWriter[O]{ctx: ctx, se: se, items: rows},
		})
	})
	return true, err
}
