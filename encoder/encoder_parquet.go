package encoder

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/parquet-go/parquet-go"
)

const parquetContentType = "application/vnd.apache.parquet"

// ParquetEncoder writes rows of T as a single Parquet file. T must be a
// struct with parquet tags.
type ParquetEncoder[T any] struct {
	// Compression: "", "snappy", "gzip", "zstd"
	Compression string
}

func (e ParquetEncoder[T]) FileExtension() string { return ".parquet" }

func (e ParquetEncoder[T]) ContentType() string { return parquetContentType }

func (e ParquetEncoder[T]) options() ([]parquet.WriterOption, error) {
	switch e.Compression {
	case "":
		return nil, nil
	case "snappy":
		return []parquet.WriterOption{parquet.Compression(&parquet.Snappy)}, nil
	case "gzip":
		return []parquet.WriterOption{parquet.Compression(&parquet.Gzip)}, nil
	case "zstd":
		return []parquet.WriterOption{parquet.Compression(&parquet.Zstd)}, nil
	default:
		return nil, fmt.Errorf("unsupported parquet compression: %q", e.Compression)
	}
}

func (e ParquetEncoder[T]) Encode(ctx context.Context, items []T) ([]byte, error) {
	var buf bytes.Buffer
	if err := e.EncodeTo(ctx, items, &buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (e ParquetEncoder[T]) EncodeTo(ctx context.Context, items []T, dst io.Writer) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	opts, err := e.options()
	if err != nil {
		return err
	}

	w := parquet.NewGenericWriter[T](dst, opts...)
	if _, err := w.Write(items); err != nil {
		_ = w.Close()
		return fmt.Errorf("write parquet rows: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close parquet writer: %w", err)
	}
	return ctxErr(ctx)
}
