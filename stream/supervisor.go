package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/baldanca/firehose-ingestor/source"
)

// DialFunc opens a new connection to the feed.
type DialFunc func(ctx context.Context) (source.Sourcer, error)

// Supervisor keeps a Manager connected. On a source fault or a failed dial it
// waits according to BackOff and dials again; the manager's corrector takes
// care of the new connection's first control record. Any other error, or an
// exhausted source, ends Run.
//
// Records buffered when a connection drops stay buffered and go out with the
// next full batch, but their acknowledgement handles are dropped with the old
// connection. A redelivering source (SQS, Kafka) sends them again.
type Supervisor struct {
	Manager *Manager
	Dial    DialFunc

	// BackOff paces reconnects. Nil means exponential from 1s up to 1m,
	// never giving up. It is reset after a connection delivers records.
	BackOff backoff.BackOff
	Logger  *zap.Logger
}

func defaultBackOff() backoff.BackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     time.Second,
		RandomizationFactor: backoff.DefaultRandomizationFactor,
		Multiplier:          backoff.DefaultMultiplier,
		MaxInterval:         time.Minute,
		MaxElapsedTime:      0,
		Clock:               backoff.SystemClock,
	}
	b.Reset()
	return b
}

func (s *Supervisor) Run(ctx context.Context) error {
	if s.Manager == nil || s.Dial == nil {
		return fmt.Errorf("%w: supervisor needs a manager and a dial func", ErrConfig)
	}
	logger := s.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	b := s.BackOff
	if b == nil {
		b = defaultBackOff()
	}
	b.Reset()

	name := s.Manager.Name()
	for attempt := 1; ; attempt++ {
		before := s.Manager.Consumed()

		src, err := s.Dial(ctx)
		if err == nil {
			err = s.Manager.Run(ctx, src)
			closeSource(src, logger)
			if n := s.Manager.dropPendingAcks(); n > 0 {
				logger.Info("dropped acks of buffered records",
					zap.String("stream", name),
					zap.Int("records", n))
			}
			if err == nil {
				return nil
			}
			if !errors.Is(err, ErrSourceFault) {
				return err
			}
		} else if ctx.Err() != nil {
			return ctx.Err()
		}

		if s.Manager.Consumed() > before {
			b.Reset()
			attempt = 1
		}

		delay := b.NextBackOff()
		if delay == backoff.Stop {
			return fmt.Errorf("giving up on %s after %d attempts: %w", name, attempt, err)
		}
		logger.Warn("stream disconnected, reconnecting",
			zap.String("stream", name),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", delay),
			zap.Error(err))

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

func closeSource(src source.Sourcer, logger *zap.Logger) {
	switch c := src.(type) {
	case io.Closer:
		if err := c.Close(); err != nil {
			logger.Debug("close source", zap.Error(err))
		}
	case interface{ Close() }:
		c.Close()
	}
}
