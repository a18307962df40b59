// Package encoder turns a batch of rows into an object body.
package encoder

import (
	"context"
	"io"
)

// Encoder converts a slice of typed rows into a binary payload.
//
// Implementations must be safe for concurrent use unless documented otherwise.
type Encoder[T any] interface {
	Encode(ctx context.Context, items []T) ([]byte, error)
	FileExtension() string
	ContentType() string
}

// StreamEncoder is implemented by encoders that can write straight to an
// io.Writer instead of buffering the whole body.
type StreamEncoder[T any] interface {
	EncodeTo(ctx context.Context, items []T, w io.Writer) error
}

func ctxErr(ctx context.Context) error {
	if ctx == nil {
		return nil
	}
	return ctx.Err()
}
