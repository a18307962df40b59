package stream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/baldanca/firehose-ingestor/batcher"
	"github.com/baldanca/firehose-ingestor/counter"
	"github.com/baldanca/firehose-ingestor/record"
)

var (
	// ErrConfig is returned by NewManager and Restore for invalid settings.
	ErrConfig = errors.New("invalid stream config")
	// ErrSourceFault ends Run when the source fails. Callers may reconnect
	// and call Run again (see Supervisor).
	ErrSourceFault = errors.New("source fault")
	// ErrDispatch ends Run when an inline callback fails or a job cannot be
	// enqueued.
	ErrDispatch = errors.New("dispatch failed")
)

// BatchFunc processes a full batch and returns how many records were positive
// detections. A negative count is treated as zero.
type BatchFunc func(ctx context.Context, batch []record.DataRecord) (detections int64, err error)

// MetadataFunc receives a counter snapshot, at most once per MetadataInterval.
type MetadataFunc func(ctx context.Context, md record.Metadata) error

type Config struct {
	// Name namespaces the counters. Managers sharing a name share counts.
	Name             string
	CacheLength      int
	IsQueuing        bool
	MetadataInterval time.Duration

	BatchFunc BatchFunc
	// MetadataFunc is optional; nil disables metadata emission.
	MetadataFunc MetadataFunc
}

var DefaultConfig = Config{
	CacheLength:      batcher.DefaultConfig.CacheLength,
	MetadataInterval: 4 * time.Second,
}

func (c Config) validate() error {
	if c.Name == "" {
		return fmt.Errorf("%w: name is required", ErrConfig)
	}
	if strings.ContainsRune(c.Name, counter.Separator) {
		return fmt.Errorf("%w: name %q must not contain %q", ErrConfig, c.Name, counter.Separator)
	}
	if c.BatchFunc == nil {
		return fmt.Errorf("%w: batch callback is required", ErrConfig)
	}
	if err := (batcher.Config{CacheLength: c.CacheLength}).Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrConfig, err)
	}
	if c.MetadataInterval < 0 {
		return fmt.Errorf("%w: metadata interval must be >= 0", ErrConfig)
	}
	return nil
}

// State is the serializable part of a Manager. Connections, callbacks and the
// in-memory buffer are not part of it.
type State struct {
	Name             string        `json:"name"`
	CacheLength      int           `json:"cache_length"`
	IsQueuing        bool          `json:"is_queuing"`
	MetadataInterval time.Duration `json:"metadata_interval"`
}
