package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/baldanca/firehose-ingestor/config"
	"github.com/baldanca/firehose-ingestor/counter"
	"github.com/baldanca/firehose-ingestor/dispatch"
	"github.com/baldanca/firehose-ingestor/encoder"
	"github.com/baldanca/firehose-ingestor/processor"
	"github.com/baldanca/firehose-ingestor/record"
	"github.com/baldanca/firehose-ingestor/retry"
	"github.com/baldanca/firehose-ingestor/sink"
	"github.com/baldanca/firehose-ingestor/source"
	"github.com/baldanca/firehose-ingestor/stream"
	"github.com/baldanca/firehose-ingestor/transformer"
)

// app owns the components shared by every stream of one process.
type app struct {
	cfg    config.Config
	logger *zap.Logger
	stdin  io.Reader
	client *http.Client

	reg      *prometheus.Registry
	metrics  *stream.Metrics
	gauges   *processor.Gauges
	registry *dispatch.Registry

	store counter.Store
	sink  sink.Sinkr

	awsOnce sync.Once
	aws     aws.Config
	awsErr  error

	closers []func() error
}

func newApp(ctx context.Context, cfg config.Config, logger *zap.Logger, stdin io.Reader) (*app, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	a := &app{
		cfg:      cfg,
		logger:   logger,
		stdin:    stdin,
		client:   http.DefaultClient,
		reg:      reg,
		metrics:  stream.NewMetrics(reg),
		gauges:   processor.NewGauges(reg),
		registry: dispatch.NewRegistry(),
	}

	store, err := openStore(ctx, cfg.Store, logger)
	if err != nil {
		return nil, err
	}
	a.store = store
	a.closers = append(a.closers, store.Close)

	if a.sink, err = a.openSink(ctx); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

// Close releases everything in reverse order of creation.
func (a *app) Close() error {
	var errs error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = multierr.Append(errs, a.closers[i]())
	}
	a.closers = nil
	return errs
}

func (a *app) awsConfig(ctx context.Context) (aws.Config, error) {
	a.awsOnce.Do(func() {
		a.aws, a.awsErr = awsconfig.LoadDefaultConfig(ctx)
		if a.awsErr != nil {
			a.awsErr = fmt.Errorf("load aws config: %w", a.awsErr)
		}
	})
	return a.aws, a.awsErr
}

func (a *app) sqsClient(ctx context.Context) (*sqs.Client, error) {
	c, err := a.awsConfig(ctx)
	if err != nil {
		return nil, err
	}
	return sqs.NewFromConfig(c), nil
}

func openStore(ctx context.Context, c config.StoreConfig, logger *zap.Logger) (counter.Store, error) {
	switch c.Kind {
	case config.StoreMemory:
		return counter.NewMemoryStore(), nil
	case config.StoreRedis:
		return counter.OpenRedis(ctx, c.URL)
	case config.StoreBadger:
		return counter.OpenBadger(counter.BadgerConfig{Dir: c.Dir, Logger: logger.Named("badger")})
	default:
		return nil, fmt.Errorf("%w: unknown store kind %q", config.ErrInvalid, c.Kind)
	}
}

func (a *app) openSink(ctx context.Context) (sink.Sinkr, error) {
	switch a.cfg.Sink.Kind {
	case config.SinkDir:
		return sink.NewDir(a.cfg.Sink.Dir), nil
	case config.SinkS3:
		c, err := a.awsConfig(ctx)
		if err != nil {
			return nil, err
		}
		return sink.NewS3(s3.NewFromConfig(c), a.cfg.Sink.Bucket, a.cfg.Sink.Prefix), nil
	default:
		return nil, fmt.Errorf("%w: unknown sink kind %q", config.ErrInvalid, a.cfg.Sink.Kind)
	}
}

func (a *app) retryPolicy() retry.Policy {
	p := retry.DefaultSimple
	p.Attempts = a.cfg.Sink.RetryAttempts
	p.Logger = a.logger
	return p
}

// callbacks builds the batch and metadata callbacks of one stream.
func (a *app) callbacks(name string) (stream.BatchFunc, stream.MetadataFunc, error) {
	sc := a.cfg.Sink
	logger := a.logger.With(zap.String("stream", name))

	var filters []transformer.Transformer[record.DataRecord, record.DataRecord]
	if sc.Coordinates {
		filters = append(filters, transformer.Coordinates())
	}
	if len(sc.Keep) > 0 {
		filters = append(filters, transformer.Keep(sc.Keep...))
	}
	filter := transformer.Chain(filters...)

	var batchFn stream.BatchFunc
	switch sc.Encoder {
	case config.EncoderParquet:
		w, err := processor.NewBatchWriter[transformer.Row](name,
			transformer.Then[record.DataRecord, record.DataRecord, transformer.Row](filter, transformer.RowTransformer{}),
			encoder.ParquetEncoder[transformer.Row]{Compression: sc.Compression},
			a.sink,
			processor.WithRetry[transformer.Row](a.retryPolicy()),
			processor.WithLogger[transformer.Row](logger))
		if err != nil {
			return nil, nil, err
		}
		batchFn = w.Process
	case config.EncoderNDJSON:
		w, err := processor.NewBatchWriter[record.DataRecord](name,
			filter,
			encoder.NDJSONEncoder[record.DataRecord]{Gzip: sc.Gzip},
			a.sink,
			processor.WithRetry[record.DataRecord](a.retryPolicy()),
			processor.WithLogger[record.DataRecord](logger))
		if err != nil {
			return nil, nil, err
		}
		batchFn = w.Process
	default:
		return nil, nil, fmt.Errorf("%w: unknown encoder %q", config.ErrInvalid, sc.Encoder)
	}

	fns := []processor.MetadataFunc{
		processor.LogMetadata(logger, name),
		a.gauges.For(name),
	}
	if sc.Metadata {
		fns = append(fns, processor.NewMetadataWriter(a.sink, a.retryPolicy()).For(name))
	}
	return batchFn, processor.Fanout(fns...), nil
}

// queue builds the work queue used by queuing streams.
func (a *app) queue(ctx context.Context) (dispatch.Queue, error) {
	qc := a.cfg.Queue
	switch qc.Kind {
	case config.QueuePool:
		q := dispatch.NewPoolQueue(a.registry, dispatch.PoolConfig{Workers: qc.Workers, QueueSize: qc.Size}, a.logger.Named("pool"))
		a.closers = append(a.closers, q.Close)
		return q, nil
	case config.QueueSQS:
		client, err := a.sqsClient(ctx)
		if err != nil {
			return nil, err
		}
		q := dispatch.NewSQSQueue(client, qc.QueueURL)
		q.GroupID = qc.GroupID
		return q, nil
	default:
		return nil, fmt.Errorf("%w: unknown queue kind %q", config.ErrInvalid, qc.Kind)
	}
}

// manager builds the manager of one configured stream, sharing the process
// registry so a pool queue can run its jobs.
func (a *app) manager(ctx context.Context, sc config.StreamConfig, q dispatch.Queue) (*stream.Manager, error) {
	batchFn, metadataFn, err := a.callbacks(sc.Name)
	if err != nil {
		return nil, err
	}
	mc := sc.ManagerConfig()
	mc.BatchFunc = batchFn
	mc.MetadataFunc = metadataFn

	opts := []stream.Option{
		stream.WithLogger(a.logger),
		stream.WithRegistry(a.registry),
		stream.WithMetrics(a.metrics),
		stream.WithAckRetry(a.retryPolicy()),
	}
	if sc.IsQueuing {
		opts = append(opts, stream.WithQueue(q))
	}
	return stream.NewManager(ctx, mc, a.store, opts...)
}

// dialer opens the configured source of a stream.
func (a *app) dialer(sc config.SourceConfig) (stream.DialFunc, error) {
	switch sc.Kind {
	case config.SourceStdin:
		r := io.NopCloser(a.stdin)
		return func(ctx context.Context) (source.Sourcer, error) {
			return source.NewLineSource(r), nil
		}, nil
	case config.SourceHTTP:
		header := make(http.Header, len(sc.Headers))
		for k, v := range sc.Headers {
			header.Set(k, v)
		}
		return func(ctx context.Context) (source.Sourcer, error) {
			return source.OpenHTTP(ctx, a.client, sc.URL, header)
		}, nil
	case config.SourceSQS:
		return func(ctx context.Context) (source.Sourcer, error) {
			client, err := a.sqsClient(ctx)
			if err != nil {
				return nil, err
			}
			return source.NewSQS(ctx, client, sc.QueueURL, source.DefaultSourceSQSConfig,
				source.WithSQSLogger(a.logger.Named("sqs"))), nil
		}, nil
	case config.SourceKafka:
		kc := source.DefaultSourceKafkaConfig
		kc.Brokers = sc.Brokers
		kc.Topic = sc.Topic
		kc.GroupID = sc.GroupID
		return func(ctx context.Context) (source.Sourcer, error) {
			return source.NewKafka(kc)
		}, nil
	default:
		return nil, fmt.Errorf("%w: unknown source kind %q", config.ErrInvalid, sc.Kind)
	}
}
