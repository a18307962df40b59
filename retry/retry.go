// Package retry wraps fallible operations (sink writes, acknowledgements)
// with a retry policy.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// Policy wraps an operation with retries.
type Policy interface {
	Do(ctx context.Context, fn func(ctx context.Context) error) error
}

// Permanent marks err as not worth retrying. Policies return the unwrapped
// error immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}

// Nop calls the operation once.
type Nop struct{}

func (Nop) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return unwrapPermanent(fn(ctx))
}

// Simple retries an operation with exponential backoff.
//
// Every error is retried unless wrapped with Permanent. A zero BaseDelay and
// MaxDelay retry without sleeping.
type Simple struct {
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
	Jitter    bool

	// Logger receives one debug line per failed attempt. Optional.
	Logger *zap.Logger
}

var DefaultSimple = Simple{
	Attempts:  5,
	BaseDelay: 50 * time.Millisecond,
	MaxDelay:  2 * time.Second,
	Jitter:    true,
}

func (r Simple) backOff() backoff.BackOff {
	attempts := r.Attempts
	if attempts <= 0 {
		attempts = 1
	}

	var b backoff.BackOff
	if r.BaseDelay <= 0 && r.MaxDelay <= 0 {
		b = &backoff.ZeroBackOff{}
	} else {
		base := r.BaseDelay
		if base <= 0 {
			base = 50 * time.Millisecond
		}
		max := r.MaxDelay
		if max <= 0 {
			max = 2 * time.Second
		}
		if max < base {
			max = base
		}

		exp := backoff.NewExponentialBackOff()
		exp.InitialInterval = base
		exp.MaxInterval = max
		exp.Multiplier = 2
		exp.MaxElapsedTime = 0
		if r.Jitter {
			exp.RandomizationFactor = 0.2
		} else {
			exp.RandomizationFactor = 0
		}
		exp.Reset()
		b = exp
	}
	return backoff.WithMaxRetries(b, uint64(attempts-1))
}

func (r Simple) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	attempt := 0
	op := func() error {
		attempt++
		return fn(ctx)
	}

	var notify backoff.Notify
	if r.Logger != nil {
		notify = func(err error, next time.Duration) {
			r.Logger.Debug("retrying",
				zap.Int("attempt", attempt),
				zap.Duration("backoff", next),
				zap.Error(err))
		}
	}

	return backoff.RetryNotify(op, backoff.WithContext(r.backOff(), ctx), notify)
}

func unwrapPermanent(err error) error {
	var p *backoff.PermanentError
	if errors.As(err, &p) {
		return p.Err
	}
	return err
}
