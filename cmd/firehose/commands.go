package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/baldanca/firehose-ingestor/config"
	"github.com/baldanca/firehose-ingestor/counter"
	"github.com/baldanca/firehose-ingestor/dispatch"
	"github.com/baldanca/firehose-ingestor/record"
	"github.com/baldanca/firehose-ingestor/server"
	"github.com/baldanca/firehose-ingestor/source"
	"github.com/baldanca/firehose-ingestor/stream"
)

type rootOptions struct {
	cfgFile string
	v       *viper.Viper

	stdin  io.Reader
	stdout io.Writer

	cfg    config.Config
	logger *zap.Logger
}

func newRootCommand(stdin io.Reader, stdout io.Writer) *cobra.Command {
	o := &rootOptions{v: config.New(), stdin: stdin, stdout: stdout}

	cmd := &cobra.Command{
		Use:           "firehose",
		Short:         "Batch live feeds into storage and track feed health counters",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return o.load()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if o.logger != nil {
				_ = o.logger.Sync()
			}
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVarP(&o.cfgFile, "config", "c", "", "configuration file (yaml or json)")
	flags.String("log-level", "info", "log level")
	flags.String("http-addr", ":8080", "status server address, empty to disable")
	if err := o.v.BindPFlag("log.level", flags.Lookup("log-level")); err != nil {
		panic(err)
	}
	if err := o.v.BindPFlag("http.addr", flags.Lookup("http-addr")); err != nil {
		panic(err)
	}

	cmd.AddCommand(newRunCommand(o), newWorkCommand(o), newCountsCommand(o))
	return cmd
}

func (o *rootOptions) load() error {
	cfg, err := config.Load(o.v, o.cfgFile)
	if err != nil {
		return err
	}
	logger, err := config.NewLogger(cfg.Log)
	if err != nil {
		return err
	}
	o.cfg = cfg
	o.logger = logger
	return nil
}

func newRunCommand(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Consume every configured stream",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), o)
		},
	}
}

// run supervises one manager per stream and, when configured, the status
// server. It returns once every stream has ended.
func run(ctx context.Context, o *rootOptions) (err error) {
	a, err := newApp(ctx, o.cfg, o.logger, o.stdin)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, a.Close()) }()

	var q dispatch.Queue
	for _, sc := range o.cfg.Streams {
		if sc.IsQueuing {
			if q, err = a.queue(ctx); err != nil {
				return err
			}
			break
		}
	}

	srv := server.New(a.store, server.WithGatherer(a.reg), server.WithLogger(o.logger))
	sups := make([]*stream.Supervisor, 0, len(o.cfg.Streams))
	for _, sc := range o.cfg.Streams {
		m, err := a.manager(ctx, sc, q)
		if err != nil {
			return fmt.Errorf("stream %s: %w", sc.Name, err)
		}
		dial, err := a.dialer(sc.Source)
		if err != nil {
			return fmt.Errorf("stream %s: %w", sc.Name, err)
		}
		srv.Register(m)
		sups = append(sups, &stream.Supervisor{Manager: m, Dial: dial, Logger: o.logger})
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var srvWG sync.WaitGroup
	if addr := o.cfg.HTTP.Addr; addr != "" {
		srvWG.Add(1)
		go func() {
			defer srvWG.Done()
			if err := srv.ListenAndServe(ctx, addr); err != nil {
				o.logger.Error("status server stopped", zap.Error(err))
			}
		}()
	}

	var (
		mu   sync.Mutex
		errs error
		wg   sync.WaitGroup
	)
	for _, s := range sups {
		wg.Add(1)
		go func(s *stream.Supervisor) {
			defer wg.Done()
			err := s.Run(ctx)
			if err == nil || errors.Is(err, context.Canceled) {
				o.logger.Info("stream ended", zap.String("stream", s.Manager.Name()))
				return
			}
			o.logger.Error("stream failed", zap.String("stream", s.Manager.Name()), zap.Error(err))
			mu.Lock()
			errs = multierr.Append(errs, fmt.Errorf("stream %s: %w", s.Manager.Name(), err))
			mu.Unlock()
		}(s)
	}
	wg.Wait()
	cancel()
	srvWG.Wait()
	return errs
}

func newWorkCommand(o *rootOptions) *cobra.Command {
	var concurrency int
	cmd := &cobra.Command{
		Use:   "work",
		Short: "Run batch and metadata jobs from the SQS work queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if o.cfg.Queue.Kind != config.QueueSQS || o.cfg.Queue.QueueURL == "" {
				return fmt.Errorf("%w: work needs queue.kind sqs and queue.queue_url", config.ErrInvalid)
			}
			return work(cmd.Context(), o, concurrency)
		},
	}
	cmd.Flags().IntVar(&concurrency, "concurrency", dispatch.DefaultWorkerConfig.Concurrency, "jobs run in parallel")
	return cmd
}

func work(ctx context.Context, o *rootOptions, concurrency int) (err error) {
	a, err := newApp(ctx, o.cfg, o.logger, o.stdin)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, a.Close()) }()

	for _, sc := range o.cfg.Streams {
		batchFn, metadataFn, err := a.callbacks(sc.Name)
		if err != nil {
			return fmt.Errorf("stream %s: %w", sc.Name, err)
		}
		stream.RegisterHandlers(a.registry, sc.Name, a.store, batchFn, metadataFn, o.logger)
	}

	client, err := a.sqsClient(ctx)
	if err != nil {
		return err
	}
	src := source.NewSQS(ctx, client, o.cfg.Queue.QueueURL, source.DefaultSourceSQSConfig,
		source.WithSQSLogger(o.logger.Named("sqs")))
	defer src.Close()

	wc := dispatch.DefaultWorkerConfig
	wc.Concurrency = concurrency
	wc.LeaseEnabled = true
	w := dispatch.NewWorker(src, a.registry, wc,
		dispatch.WithWorkerLogger(o.logger),
		dispatch.WithWorkerAckRetry(a.retryPolicy()))

	o.logger.Info("worker started", zap.Strings("handlers", a.registry.Names()), zap.Int("concurrency", concurrency))
	if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func newCountsCommand(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "counts STREAM",
		Short: "Print the counter snapshot of a stream",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(cmd.Context(), o.cfg.Store, o.logger)
			if err != nil {
				return err
			}
			defer store.Close()

			counts, err := store.GetAll(cmd.Context(), counter.KeysFor(args[0]).CountsPrefix)
			if err != nil {
				return err
			}
			b, err := jsoniter.ConfigCompatibleWithStandardLibrary.MarshalIndent(record.NewMetadata(counts, 0), "", "  ")
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(o.stdout, string(b))
			return err
		},
	}
}
