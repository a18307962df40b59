// Package config loads process configuration for the firehose binary.
//
// Values come from an optional YAML/JSON file and FIREHOSE_* environment
// variables (FIREHOSE_LOG_LEVEL overrides log.level). Environment variables
// only override keys that have a default.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/multierr"

	"github.com/baldanca/firehose-ingestor/counter"
	"github.com/baldanca/firehose-ingestor/stream"
)

const EnvPrefix = "FIREHOSE"

var ErrInvalid = errors.New("invalid configuration")

// Store kinds.
const (
	StoreMemory = "memory"
	StoreRedis  = "redis"
	StoreBadger = "badger"
)

// Source kinds.
const (
	SourceStdin = "stdin"
	SourceHTTP  = "http"
	SourceSQS   = "sqs"
	SourceKafka = "kafka"
)

// Queue kinds.
const (
	QueuePool = "pool"
	QueueSQS  = "sqs"
)

// Sink kinds.
const (
	SinkS3  = "s3"
	SinkDir = "dir"
)

// Encoder kinds.
const (
	EncoderParquet = "parquet"
	EncoderNDJSON  = "ndjson"
)

type Config struct {
	Log     LogConfig      `mapstructure:"log"`
	HTTP    HTTPConfig     `mapstructure:"http"`
	Store   StoreConfig    `mapstructure:"store"`
	Queue   QueueConfig    `mapstructure:"queue"`
	Sink    SinkConfig     `mapstructure:"sink"`
	Streams []StreamConfig `mapstructure:"streams"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

type HTTPConfig struct {
	// Addr is the listen address of the status server. Empty disables it.
	Addr string `mapstructure:"addr"`
}

type StoreConfig struct {
	Kind string `mapstructure:"kind"`
	// URL is a redis:// URL.
	URL string `mapstructure:"url"`
	// Dir is the badger directory. Empty keeps badger in memory.
	Dir string `mapstructure:"dir"`
}

type QueueConfig struct {
	Kind     string `mapstructure:"kind"`
	Workers  int    `mapstructure:"workers"`
	Size     int    `mapstructure:"size"`
	QueueURL string `mapstructure:"queue_url"`
	GroupID  string `mapstructure:"group_id"`
}

type SinkConfig struct {
	Kind   string `mapstructure:"kind"`
	Bucket string `mapstructure:"bucket"`
	Prefix string `mapstructure:"prefix"`
	Dir    string `mapstructure:"dir"`

	Encoder     string `mapstructure:"encoder"`
	Compression string `mapstructure:"compression"`
	Gzip        bool   `mapstructure:"gzip"`

	// Keep projects payloads onto these dotted attribute paths.
	Keep []string `mapstructure:"keep"`
	// Coordinates drops records without coordinates.
	Coordinates bool `mapstructure:"coordinates"`

	RetryAttempts int `mapstructure:"retry_attempts"`
	// Metadata also writes snapshots to metadata/<stream>.json.
	Metadata bool `mapstructure:"metadata"`
}

type SourceConfig struct {
	Kind string `mapstructure:"kind"`

	URL     string            `mapstructure:"url"`
	Headers map[string]string `mapstructure:"headers"`

	QueueURL string `mapstructure:"queue_url"`

	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
	GroupID string   `mapstructure:"group_id"`
}

type StreamConfig struct {
	Name             string        `mapstructure:"name"`
	CacheLength      int           `mapstructure:"cache_length"`
	IsQueuing        bool          `mapstructure:"is_queuing"`
	MetadataInterval time.Duration `mapstructure:"metadata_interval"`
	Source           SourceConfig  `mapstructure:"source"`
}

// New returns a viper instance with defaults and environment binding.
func New() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("store.kind", StoreMemory)
	v.SetDefault("store.url", "")
	v.SetDefault("store.dir", "")
	v.SetDefault("queue.kind", QueuePool)
	v.SetDefault("queue.workers", 4)
	v.SetDefault("queue.size", 64)
	v.SetDefault("queue.queue_url", "")
	v.SetDefault("queue.group_id", "")
	v.SetDefault("sink.kind", SinkDir)
	v.SetDefault("sink.dir", "data")
	v.SetDefault("sink.bucket", "")
	v.SetDefault("sink.prefix", "")
	v.SetDefault("sink.encoder", EncoderNDJSON)
	v.SetDefault("sink.compression", "snappy")
	v.SetDefault("sink.gzip", true)
	v.SetDefault("sink.coordinates", false)
	v.SetDefault("sink.retry_attempts", 3)
	v.SetDefault("sink.metadata", false)
	return v
}

// Load reads path (if not empty) into v and decodes the result.
func Load(v *viper.Viper, path string) (Config, error) {
	if v == nil {
		v = New()
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	for i := range cfg.Streams {
		cfg.Streams[i].applyDefaults()
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (s *StreamConfig) applyDefaults() {
	if s.CacheLength == 0 {
		s.CacheLength = stream.DefaultConfig.CacheLength
	}
	if s.MetadataInterval == 0 {
		s.MetadataInterval = stream.DefaultConfig.MetadataInterval
	}
	if s.Source.Kind == "" {
		s.Source.Kind = SourceStdin
	}
}

// Validate reports every problem found, not just the first.
func (c Config) Validate() error {
	var errs error
	add := func(format string, args ...any) {
		errs = multierr.Append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}

	switch c.Store.Kind {
	case StoreMemory, StoreBadger:
	case StoreRedis:
		if c.Store.URL == "" {
			add("store.url is required for redis")
		}
	default:
		add("unknown store.kind %q", c.Store.Kind)
	}

	switch c.Sink.Kind {
	case SinkDir:
		if c.Sink.Dir == "" {
			add("sink.dir is required for dir")
		}
	case SinkS3:
		if c.Sink.Bucket == "" {
			add("sink.bucket is required for s3")
		}
	default:
		add("unknown sink.kind %q", c.Sink.Kind)
	}
	switch c.Sink.Encoder {
	case EncoderParquet, EncoderNDJSON:
	default:
		add("unknown sink.encoder %q", c.Sink.Encoder)
	}
	if c.Sink.RetryAttempts < 1 {
		add("sink.retry_attempts must be at least 1")
	}

	queuing := false
	if len(c.Streams) == 0 {
		add("at least one stream is required")
	}
	seen := make(map[string]bool, len(c.Streams))
	for i, s := range c.Streams {
		if s.Name == "" {
			add("streams[%d].name is required", i)
		} else if seen[s.Name] {
			add("duplicate stream %q", s.Name)
		} else if strings.ContainsRune(s.Name, counter.Separator) {
			add("stream name %q must not contain %q", s.Name, counter.Separator)
		}
		seen[s.Name] = true
		if s.CacheLength < 1 {
			add("streams[%d].cache_length must be at least 1", i)
		}
		if s.MetadataInterval < 0 {
			add("streams[%d].metadata_interval must not be negative", i)
		}
		queuing = queuing || s.IsQueuing
		errs = multierr.Append(errs, s.Source.validate(i))
	}

	if queuing {
		switch c.Queue.Kind {
		case QueuePool:
			if c.Queue.Workers < 1 || c.Queue.Size < 1 {
				add("queue.workers and queue.size must be at least 1")
			}
		case QueueSQS:
			if c.Queue.QueueURL == "" {
				add("queue.queue_url is required for sqs")
			}
		default:
			add("unknown queue.kind %q", c.Queue.Kind)
		}
	}
	return errs
}

func (s SourceConfig) validate(i int) error {
	var err error
	switch s.Kind {
	case SourceStdin:
	case SourceHTTP:
		if s.URL == "" {
			err = fmt.Errorf("%w: streams[%d].source.url is required for http", ErrInvalid, i)
		}
	case SourceSQS:
		if s.QueueURL == "" {
			err = fmt.Errorf("%w: streams[%d].source.queue_url is required for sqs", ErrInvalid, i)
		}
	case SourceKafka:
		if len(s.Brokers) == 0 || s.Topic == "" || s.GroupID == "" {
			err = fmt.Errorf("%w: streams[%d].source needs brokers, topic and group_id for kafka", ErrInvalid, i)
		}
	default:
		err = fmt.Errorf("%w: unknown streams[%d].source.kind %q", ErrInvalid, i, s.Kind)
	}
	return err
}

// ManagerConfig returns the manager configuration for s. Callbacks are left
// for the caller.
func (s StreamConfig) ManagerConfig() stream.Config {
	return stream.Config{
		Name:             s.Name,
		CacheLength:      s.CacheLength,
		IsQueuing:        s.IsQueuing,
		MetadataInterval: s.MetadataInterval,
	}
}

// Stream finds a stream by name.
func (c Config) Stream(name string) (StreamConfig, bool) {
	for _, s := range c.Streams {
		if s.Name == name {
			return s, true
		}
	}
	return StreamConfig{}, false
}
