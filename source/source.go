package source

import (
	"context"
	"errors"
)

// ErrClosed is returned by Receive once a source is exhausted or closed.
var ErrClosed = errors.New("source closed")

// Envelope is the raw payload received from a Sourcer.
//
// The ingestion core does not impose a schema on Payload; it is classified
// into a control or data record downstream (see package record).
type Envelope struct {
	Payload any
	Meta    map[string]string
}

// Message represents one unit received from a Sourcer.
type Message interface {
	Data() Envelope
	Fail(ctx context.Context, reason error) error
}

// Sourcer reads messages and acknowledges them in batches.
//
// Receive blocks until a message is available, the context is canceled or the
// source is exhausted (ErrClosed).
type Sourcer interface {
	Receive(ctx context.Context) (Message, error)
	AckBatch(ctx context.Context, msgs []Message) error
}

// VisibilityExtender can extend the visibility timeout for a batch of messages.
//
// Used by queue workers when a job takes longer than the queue visibility timeout.
type VisibilityExtender interface {
	ExtendVisibilityBatch(ctx context.Context, metas []AckMetadata, timeoutSeconds int32) error
}

// AckMetadata is a compact, source-specific handle used for fast acknowledgements
// and lease extensions.
type AckMetadata struct {
	ID     string
	Handle string
}

type ackMetable interface {
	AckMeta() (AckMetadata, bool)
}

type ackMetaBatcher interface {
	AckBatchMeta(ctx context.Context, metas []AckMetadata) error
}

// AckGroup accumulates messages that should be acknowledged together.
//
// If the Sourcer supports fast acknowledgements via AckBatchMeta, the AckGroup
// will prefer it when all messages provide AckMetadata.
type AckGroup struct {
	msgs  []Message
	metas []AckMetadata
}

// Single returns a group holding only m.
func Single(m Message) AckGroup {
	var g AckGroup
	g.Add(m)
	return g
}

// Add appends a message to the group. Nil messages are ignored.
func (g *AckGroup) Add(m Message) {
	if m == nil {
		return
	}
	g.msgs = append(g.msgs, m)

	if am, ok := m.(ackMetable); ok {
		if meta, ok := am.AckMeta(); ok {
			g.metas = append(g.metas, meta)
		}
	}
}

func (g *AckGroup) Len() int { return len(g.msgs) }

// Commit acknowledges the group against the given Sourcer.
func (g *AckGroup) Commit(ctx context.Context, src Sourcer) error {
	if len(g.msgs) == 0 || src == nil {
		return nil
	}

	if fast, ok := src.(ackMetaBatcher); ok && len(g.metas) == len(g.msgs) {
		return fast.AckBatchMeta(ctx, g.metas)
	}

	return src.AckBatch(ctx, g.msgs)
}

// Clear resets the group and releases references to messages.
func (g *AckGroup) Clear() {
	for i := range g.msgs {
		g.msgs[i] = nil
	}
	g.msgs = g.msgs[:0]
	g.metas = g.metas[:0]
}

// Snapshot returns a copy that does not share backing arrays with g.
func (g AckGroup) Snapshot() AckGroup {
	if len(g.msgs) > 0 {
		g.msgs = append([]Message(nil), g.msgs...)
	} else {
		g.msgs = nil
	}
	if len(g.metas) > 0 {
		g.metas = append([]AckMetadata(nil), g.metas...)
	} else {
		g.metas = nil
	}
	return g
}

// Metas exposes the collected metadata for lease management.
func (g *AckGroup) Metas() []AckMetadata {
	return g.metas
}
