// Package batcher accumulates items into fixed-size batches.
package batcher

import (
	"errors"

	"github.com/baldanca/firehose-ingestor/source"
)

var ErrInvalidCacheLength = errors.New("CacheLength must be > 0")

type Config struct {
	// CacheLength is the exact size of every emitted batch.
	CacheLength int
}

var DefaultConfig = Config{
	CacheLength: 100,
}

func (c Config) Validate() error {
	if c.CacheLength <= 0 {
		return ErrInvalidCacheLength
	}
	return nil
}

// Batch is a full buffer handed off to a dispatcher. Acks holds the source
// messages of Items that still need to be acknowledged once the batch is
// delivered.
type Batch[T any] struct {
	Items []T
	Acks  source.AckGroup
}

// Len returns the number of items in the batch.
func (b Batch[T]) Len() int { return len(b.Items) }

// Batcher buffers items until CacheLength is reached. Batches are never split
// or merged and keep arrival order. It is not safe for concurrent use.
type Batcher[T any] struct {
	cfg Config

	items []T
	acks  source.AckGroup
}

func New[T any](cfg Config) (*Batcher[T], error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Batcher[T]{cfg: cfg}, nil
}

// Push appends item and, when msg is not nil, tracks it for acknowledgement.
// When the buffer reaches CacheLength the full batch is returned with ok set
// and the buffer starts over empty. Ownership of the returned slice moves to
// the caller.
func (b *Batcher[T]) Push(item T, msg source.Message) (batch Batch[T], ok bool) {
	if b.items == nil {
		b.items = make([]T, 0, b.cfg.CacheLength)
	}
	b.items = append(b.items, item)
	b.acks.Add(msg)

	if len(b.items) < b.cfg.CacheLength {
		return Batch[T]{}, false
	}

	// the ack group's backing arrays stay with the batcher for the next batch
	out := Batch[T]{Items: b.items, Acks: b.acks.Snapshot()}
	b.items = nil
	b.acks.Clear()
	return out, true
}

// Len reports how many items are buffered.
func (b *Batcher[T]) Len() int { return len(b.items) }

// DropAcks forgets the acknowledgement handles of the buffered items and
// returns how many were dropped. The items stay buffered; their batch will be
// emitted with fewer acks than items.
func (b *Batcher[T]) DropAcks() int {
	n := b.acks.Len()
	b.acks.Clear()
	return n
}

// Reset drops the buffer without emitting it.
func (b *Batcher[T]) Reset() {
	b.items = nil
	b.acks.Clear()
}
