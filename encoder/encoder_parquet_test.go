package encoder

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testItem struct {
	ID    int64   `parquet:"id"`
	Name  string  `parquet:"name"`
	Value float64 `parquet:"value"`
}

func readAllParquet[T any](t *testing.T, b []byte) []T {
	t.Helper()

	r := parquet.NewGenericReader[T](bytes.NewReader(b))
	defer r.Close()

	buf := make([]T, 256)
	out := make([]T, 0, len(buf))
	for {
		n, err := r.Read(buf)
		out = append(out, buf[:n]...)
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
	}
	return out
}

var _ Encoder[testItem] = Parquet[testItem]{}

func TestParquet_Metadata(t *testing.T) {
	e := Parquet[testItem]{}
	assert.Equal(t, ".parquet", e.FileExtension())
	assert.Equal(t, "application/vnd.apache.parquet", e.ContentType())
}

func TestParquet_UnsupportedCompression(t *testing.T) {
	e := Parquet[testItem]{Compression: "brotli"}
	assert.Error(t, e.Validate())

	_, err := e.Encode(context.Background(), []testItem{{ID: 1}})
	assert.Error(t, err)
}

func TestParquet_ContextCanceledBefore(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Parquet[testItem]{}.Encode(ctx, []testItem{{ID: 1}})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestParquet_ContextDeadlineExceededBefore(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	time.Sleep(time.Millisecond)

	_, err := Parquet[testItem]{}.Encode(ctx, []testItem{{ID: 1, Name: "late", Value: 1}})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestParquet_RoundTrip(t *testing.T) {
	items := []testItem{
		{ID: 1, Name: "a", Value: 1.25},
		{ID: 2, Name: "b", Value: 2.50},
		{ID: 3, Name: "c", Value: 3.75},
	}

	for _, c := range []string{"", "snappy", "gzip", "zstd"} {
		t.Run("compression="+c, func(t *testing.T) {
			data, err := Parquet[testItem]{Compression: c}.Encode(context.Background(), items)
			require.NoError(t, err)
			require.NotEmpty(t, data)
			assert.Equal(t, items, readAllParquet[testItem](t, data))
		})
	}
}

func TestParquet_EncodeToWriter(t *testing.T) {
	var buf bytes.Buffer
	items := []testItem{{ID: 7, Name: "seven"}}

	require.NoError(t, Parquet[testItem]{}.EncodeTo(context.Background(), items, &buf))
	assert.Equal(t, items, readAllParquet[testItem](t, buf.Bytes()))
}

func benchmarkParquetEncode(b *testing.B, n int, compression string) {
	b.Helper()

	items := make([]testItem, n)
	for i := range items {
		items[i] = testItem{ID: int64(i), Name: fmt.Sprintf("item-%d", i), Value: float64(i) * 1.337}
	}
	enc := Parquet[testItem]{Compression: compression}
	ctx := context.Background()

	b.ReportAllocs()
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		data, err := enc.Encode(ctx, items)
		if err != nil {
			b.Fatalf("Encode error: %v", err)
		}
		_ = data[len(data)-1]
	}
}

func BenchmarkParquet(b *testing.B) {
	for _, c := range []string{"", "snappy", "zstd"} {
		for _, n := range []int{10, 1_000} {
			b.Run(fmt.Sprintf("compression=%s/n=%d", c, n), func(b *testing.B) {
				benchmarkParquetEncode(b, n, c)
			})
		}
	}
}
