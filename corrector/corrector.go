// Package corrector turns the provider's "undelivered so far" reports into
// increments of a cumulative firehose counter.
//
// The provider counter restarts at zero on every reconnect. The corrector
// remembers the last reported value in a tracker key and adds only the
// difference, so a report of 100 followed by 250 contributes 250 in total.
package corrector

import (
	"context"
	"fmt"

	"github.com/baldanca/firehose-ingestor/counter"
)

type Corrector struct {
	store    counter.Store
	tracker  string
	firehose string
}

func New(store counter.Store, trackerKey, firehoseKey string) *Corrector {
	if store == nil {
		panic("corrector: store is required")
	}
	return &Corrector{store: store, tracker: trackerKey, firehose: firehoseKey}
}

// ForStream builds a corrector over the keys owned by stream.
func ForStream(store counter.Store, stream string) *Corrector {
	keys := counter.KeysFor(stream)
	return New(store, keys.Tracker, keys.Counter("firehose"))
}

// Reset forgets the last report. The cumulative counter is untouched.
func (c *Corrector) Reset(ctx context.Context) error {
	if err := c.store.Reset(ctx, c.tracker); err != nil {
		return fmt.Errorf("reset tracker: %w", err)
	}
	return nil
}

// Observe records reported and applies reported minus the previous report to
// the firehose counter. The delta is returned as applied; it is negative when
// the provider reset its counter without the tracker being reset.
func (c *Corrector) Observe(ctx context.Context, reported int64) (delta int64, err error) {
	prev, err := c.store.Exchange(ctx, c.tracker, reported)
	if err != nil {
		return 0, fmt.Errorf("exchange tracker: %w", err)
	}
	delta = reported - prev
	if delta == 0 {
		return 0, nil
	}
	if _, err := c.store.IncrBy(ctx, c.firehose, delta); err != nil {
		return 0, fmt.Errorf("apply firehose delta %d: %w", delta, err)
	}
	return delta, nil
}
