// Package sink stores encoded batches and snapshots as named objects.
package sink

import (
	"context"
	"errors"
	"io"
)

var ErrEmptyKey = errors.New("empty key")

type WriteRequest struct {
	Key         string
	Data        []byte
	ContentType string
	// Metadata is stored alongside the object where the backend supports it.
	Metadata map[string]string
}

// StreamWriter writes its contents to a destination writer.
type StreamWriter interface {
	WriteTo(w io.Writer) error
}

type StreamWriteRequest struct {
	Key         string
	ContentType string
	Writer      StreamWriter
}

type Sinkr interface {
	Write(ctx context.Context, req WriteRequest) error
}

// StreamSinkr is an optional interface implemented by sinks that can stream
// data to the destination without buffering the full payload.
type StreamSinkr interface {
	WriteStream(ctx context.Context, req StreamWriteRequest) error
}
