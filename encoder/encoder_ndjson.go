package encoder

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"

	jsoniter "github.com/json-iterator/go"
	"github.com/klauspost/compress/gzip"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Marshaler lets an item provide its own JSON line, e.g. the bytes it was
// received as.
type Marshaler interface {
	Marshal() ([]byte, error)
}

// NDJSONEncoder writes one JSON document per line, optionally gzipped.
type NDJSONEncoder[T any] struct {
	Gzip bool
	// Level is the gzip level; 0 means gzip.DefaultCompression.
	Level int
}

func (e NDJSONEncoder[T]) FileExtension() string {
	if e.Gzip {
		return ".jsonl.gz"
	}
	return ".jsonl"
}

func (e NDJSONEncoder[T]) ContentType() string {
	if e.Gzip {
		return "application/gzip"
	}
	return "application/x-ndjson"
}

func (e NDJSONEncoder[T]) Encode(ctx context.Context, items []T) ([]byte, error) {
	var buf bytes.Buffer
	if err := e.EncodeTo(ctx, items, &buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (e NDJSONEncoder[T]) EncodeTo(ctx context.Context, items []T, dst io.Writer) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}

	var zw *gzip.Writer
	if e.Gzip {
		level := e.Level
		if level == 0 {
			level = gzip.DefaultCompression
		}
		var err error
		zw, err = gzip.NewWriterLevel(dst, level)
		if err != nil {
			return fmt.Errorf("gzip writer: %w", err)
		}
		dst = zw
	}

	bw := bufio.NewWriter(dst)
	for i := range items {
		line, err := marshalLine(items[i])
		if err != nil {
			return fmt.Errorf("encode item %d: %w", i, err)
		}
		if _, err := bw.Write(line); err != nil {
			return err
		}
		if err := bw.WriteByte('\n'); err != nil {
			return err
		}
	}
	if err := bw.Flush(); err != nil {
		return err
	}
	if zw != nil {
		if err := zw.Close(); err != nil {
			return fmt.Errorf("close gzip: %w", err)
		}
	}
	return ctxErr(ctx)
}

func marshalLine(v any) ([]byte, error) {
	if m, ok := v.(Marshaler); ok {
		b, err := m.Marshal()
		if err != nil {
			return nil, err
		}
		return bytes.TrimRight(b, "\r\n"), nil
	}
	return json.Marshal(v)
}
