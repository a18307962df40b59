package processor

import (
	"context"
	"fmt"
	"sort"

	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/baldanca/firehose-ingestor/record"
	"github.com/baldanca/firehose-ingestor/retry"
	"github.com/baldanca/firehose-ingestor/sink"
)

// MetadataFunc has the shape of a stream metadata callback.
type MetadataFunc = func(ctx context.Context, md record.Metadata) error

// LogMetadata logs every snapshot at info level.
func LogMetadata(logger *zap.Logger, stream string) MetadataFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(ctx context.Context, md record.Metadata) error {
		names := make([]string, 0, len(md.Counts))
		for k := range md.Counts {
			names = append(names, k)
		}
		sort.Strings(names)

		fields := make([]zap.Field, 0, len(names)+2)
		fields = append(fields, zap.String("stream", stream), zap.Namespace("counts"))
		for _, k := range names {
			fields = append(fields, zap.Int64(k, md.Counts[k]))
		}
		logger.Info("stream counts", fields...)
		return nil
	}
}

// Gauges exports the latest snapshot of every stream as gauges.
type Gauges struct {
	counts *prometheus.GaugeVec
}

func NewGauges(reg prometheus.Registerer) *Gauges {
	return &Gauges{
		counts: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "firehose",
			Name:      "stream_count",
			Help:      "Latest counter snapshot per stream.",
		}, []string{"stream", "counter"}),
	}
}

func (g *Gauges) For(stream string) MetadataFunc {
	return func(ctx context.Context, md record.Metadata) error {
		for k, v := range md.Counts {
			g.counts.WithLabelValues(stream, k).Set(float64(v))
		}
		return nil
	}
}

// MetadataWriter stores the latest snapshot of a stream as a JSON object at
// metadata/<stream>.json.
type MetadataWriter struct {
	sink  sink.Sinkr
	retry retry.Policy
}

func NewMetadataWriter(s sink.Sinkr, p retry.Policy) *MetadataWriter {
	if s == nil {
		panic("sink is required")
	}
	if p == nil {
		p = retry.Nop{}
	}
	return &MetadataWriter{sink: s, retry: p}
}

func MetadataKey(stream string) string { return "metadata/" + stream + ".json" }

func (w *MetadataWriter) For(stream string) MetadataFunc {
	return func(ctx context.Context, md record.Metadata) error {
		b, err := jsoniter.ConfigCompatibleWithStandardLibrary.Marshal(md)
		if err != nil {
			return fmt.Errorf("encode snapshot: %w", err)
		}
		req := sink.WriteRequest{Key: MetadataKey(stream), Data: b, ContentType: "application/json"}
		return w.retry.Do(ctx, func(ctx context.Context) error {
			return w.sink.Write(ctx, req)
		})
	}
}

// Fanout calls every fn and combines their errors.
func Fanout(fns ...MetadataFunc) MetadataFunc {
	return func(ctx context.Context, md record.Metadata) error {
		var errs error
		for _, fn := range fns {
			if fn == nil {
				continue
			}
			errs = multierr.Append(errs, fn(ctx, md))
		}
		return errs
	}
}
