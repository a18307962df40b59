// Package counter holds named 64-bit counters in a shared key-value store.
//
// Every mutation is a single atomic store operation; callers never
// read-modify-write at the client, so any number of processes can share a
// namespace.
package counter

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrStoreUnavailable wraps every backend failure. It is never retried here.
	ErrStoreUnavailable = errors.New("counter store unavailable")
	ErrEmptyName        = errors.New("counter name is empty")
)

type Store interface {
	// IncrBy atomically adds by to name and returns the new value.
	IncrBy(ctx context.Context, name string, by int64) (int64, error)
	// Exchange atomically replaces name with value and returns the previous
	// value (0 when absent).
	Exchange(ctx context.Context, name string, value int64) (int64, error)
	// GetAll returns every counter whose name starts with prefix, keyed by the
	// name with the prefix removed.
	GetAll(ctx context.Context, prefix string) (map[string]int64, error)
	// Reset removes name.
	Reset(ctx context.Context, name string) error
	Close() error
}

func unavailable(op, name string, err error) error {
	return fmt.Errorf("%s %q: %w: %w", op, name, ErrStoreUnavailable, err)
}

func checkName(name string) error {
	if name == "" {
		return ErrEmptyName
	}
	return nil
}

// Separator ends a stream's counter prefix. Stream names must not contain it,
// or one stream's prefix would match another stream's counters.
const Separator = ':'

// Keys names the counters owned by one stream.
type Keys struct {
	// CountsPrefix prefixes the visible counters: counts_<stream>:
	CountsPrefix string
	// Tracker is the private last-reported-undelivered key: firehose_count_<stream>
	Tracker string
}

func KeysFor(stream string) Keys {
	return Keys{
		CountsPrefix: "counts_" + stream + string(Separator),
		Tracker:      "firehose_count_" + stream,
	}
}

// Counter returns the full store name of a visible counter.
func (k Keys) Counter(name string) string {
	return k.CountsPrefix + name
}
