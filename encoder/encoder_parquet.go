package encoder

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/parquet-go/parquet-go"
)

// Parquet writes records as a single parquet file. The schema is derived
// from T's struct tags.
type Parquet[T any] struct {
	// Compression (optional): "", "snappy", "gzip", "zstd"
	Compression string
}

func (e Parquet[T]) FileExtension() string { return ".parquet" }
func (e Parquet[T]) ContentType() string   { return "application/vnd.apache.parquet" }

func (e Parquet[T]) writerOptions() ([]parquet.WriterOption, error) {
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

// Validate reports an unsupported compression.
func (e Parquet[T]) Validate() error {
	_, err := e.writerOptions()
	return err
}

func (e Parquet[T]) EncodeTo(ctx context.Context, items []T, dst io.Writer) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	options, err := e.writerOptions()
	if err != nil {
		return err
	}

	w := parquet.NewGenericWriter[T](dst, options...)
	if _, err := w.Write(items); err != nil {
		_ = w.Close()
		return fmt.Errorf("write parquet rows: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close parquet writer: %w", err)
	}
	return ctx.Err()
}

func (e Parquet[T]) Encode(ctx context.Context, items []T) ([]byte, error) {
	var buf bytes.Buffer
	if err := e.EncodeTo(ctx, items, &buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
