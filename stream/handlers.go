package stream

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/baldanca/firehose-ingestor/counter"
	"github.com/baldanca/firehose-ingestor/dispatch"
	"github.com/baldanca/firehose-ingestor/record"
)

// BatchHandlerName is the job handler name for a stream's batch callback.
func BatchHandlerName(stream string) string { return "batch:" + stream }

// MetadataHandlerName is the job handler name for a stream's metadata callback.
func MetadataHandlerName(stream string) string { return "metadata:" + stream }

// RegisterHandlers binds the batch and metadata callbacks of stream into reg.
// Deferred workers call it with the same callbacks the producer was built
// with; a nil metadataFn registers no metadata handler.
func RegisterHandlers(reg *dispatch.Registry, stream string, store counter.Store, batchFn BatchFunc, metadataFn MetadataFunc, logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}
	detection := counter.KeysFor(stream).Counter(record.CounterDetection)

	reg.Register(BatchHandlerName(stream), dispatch.HandlerFunc(func(ctx context.Context, job dispatch.Job) error {
		k, err := batchFn(ctx, job.Batch)
		if err != nil {
			return fmt.Errorf("batch callback: %w", err)
		}
		if k < 0 {
			logger.Warn("negative detection count treated as zero",
				zap.String("stream", stream),
				zap.Int64("detections", k))
			k = 0
		}
		if k == 0 {
			return nil
		}
		if _, err := store.IncrBy(ctx, detection, k); err != nil {
			return fmt.Errorf("count detections: %w", err)
		}
		return nil
	}))

	if metadataFn == nil {
		return
	}
	reg.Register(MetadataHandlerName(stream), dispatch.HandlerFunc(func(ctx context.Context, job dispatch.Job) error {
		if job.Metadata == nil {
			return errors.New("metadata job without snapshot")
		}
		if err := metadataFn(ctx, *job.Metadata); err != nil {
			return fmt.Errorf("metadata callback: %w", err)
		}
		return nil
	}))
}
