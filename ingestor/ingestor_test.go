package ingestor

import (
	"bytes"
	"context"
	"errors"
	"io"
	"regexp"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/baldanca/batch-listener/batcher"
	"github.com/baldanca/batch-listener/container"
	"github.com/baldanca/batch-listener/encoder"
	"github.com/baldanca/batch-listener/sink"
	"github.com/baldanca/batch-listener/source"
	"github.com/baldanca/batch-listener/transformer"
)

// ---- fakes ----

type event struct {
	ID    string  `json:"id" parquet:"id"`
	Value float64 `json:"value" parquet:"value"`
}

type tMsg struct {
	id      string
	payload string
}

func (m tMsg) ID() string                        { return m.id }
func (m tMsg) Data() source.Envelope             { return source.Envelope{Payload: []byte(m.payload)} }
func (m tMsg) Acknowledge(context.Context) error { return nil }

// flakySink fails the first n writes.
type flakySink struct {
	inner *sink.Memory
	fails atomic.Int32
	calls atomic.Int32
}

func (s *flakySink) Write(ctx context.Context, req sink.WriteRequest) error {
	s.calls.Add(1)
	if s.fails.Load() > 0 {
		s.fails.Add(-1)
		return errors.New("slow down")
	}
	return s.inner.Write(ctx, req)
}

func fixedKey(key string) KeyFunc {
	return func(context.Context, BatchInfo) (string, error) { return key, nil }
}

func readEvents(t *testing.T, data []byte) []event {
	t.Helper()
	r := parquet.NewGenericReader[event](bytes.NewReader(data))
	defer r.Close()

	buf := make([]event, 64)
	var out []event
	for {
		n, err := r.Read(buf)
		out = append(out, buf[:n]...)
		if err == io.EOF {
			return out
		}
		require.NoError(t, err)
	}
}

// ---- tests ----

func TestNew_Validation(t *testing.T) {
	tr := transformer.JSON[event]{}
	enc := encoder.Parquet[event]{}
	s := sink.NewMemory()

	_, err := New[event](nil, enc, s, nil)
	assert.Error(t, err)
	_, err = New[event](tr, nil, s, nil)
	assert.Error(t, err)
	_, err = New[event](tr, enc, nil, nil)
	assert.Error(t, err)

	i, err := New[event](tr, enc, s, nil)
	require.NoError(t, err)
	assert.NotNil(t, i.keyFunc)
}

func TestIngestor_WritesOneObjectPerBatch(t *testing.T) {
	mem := sink.NewMemory()
	i, err := New[event](transformer.JSON[event]{}, encoder.Parquet[event]{Compression: "snappy"}, mem, fixedKey("k.parquet"))
	require.NoError(t, err)

	err = i.OnBatch(context.Background(), []source.Message{
		tMsg{id: "m1", payload: `{"id":"a","value":1}`},
		tMsg{id: "m2", payload: `{"id":"b","value":2}`},
	})
	require.NoError(t, err)

	obj, ok := mem.Get("k.parquet")
	require.True(t, ok)
	assert.Equal(t, "application/vnd.apache.parquet", obj.ContentType)
	assert.Equal(t, "2", obj.Metadata["batch-size"])
	assert.Equal(t, "m1", obj.Metadata["first-message-id"])
	assert.Equal(t, []event{{ID: "a", Value: 1}, {ID: "b", Value: 2}}, readEvents(t, obj.Data))
}

func TestIngestor_InvalidMessageFailsBatch(t *testing.T) {
	mem := sink.NewMemory()
	i, err := New[event](transformer.JSON[event]{}, encoder.Parquet[event]{}, mem, fixedKey("k"))
	require.NoError(t, err)

	err = i.OnBatch(context.Background(), []source.Message{
		tMsg{id: "m1", payload: `{"id":"a"}`},
		tMsg{id: "m2", payload: `not json`},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "id=m2")
	assert.Empty(t, mem.Keys())
}

func TestIngestor_SkipInvalid(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	mem := sink.NewMemory()
	i, err := New[event](transformer.JSON[event]{}, encoder.Parquet[event]{}, mem, fixedKey("k"),
		WithSkipInvalid[event](true), WithLogger[event](zap.New(core)))
	require.NoError(t, err)

	err = i.OnBatch(context.Background(), []source.Message{
		tMsg{id: "m1", payload: `{"id":"a"}`},
		tMsg{id: "m2", payload: `not json`},
	})
	require.NoError(t, err)

	obj, ok := mem.Get("k")
	require.True(t, ok)
	assert.Equal(t, "1", obj.Metadata["skipped"])
	assert.Equal(t, []event{{ID: "a"}}, readEvents(t, obj.Data))
	assert.Equal(t, 1, logs.FilterMessage("skipping invalid message").Len())

	// nothing valid: nothing written, batch still succeeds
	require.NoError(t, i.OnBatch(context.Background(), []source.Message{tMsg{id: "m3", payload: ""}}))
	assert.Len(t, mem.Keys(), 1)
}

func TestIngestor_RetriesSinkWrite(t *testing.T) {
	fs := &flakySink{inner: sink.NewMemory()}
	fs.fails.Store(2)

	i, err := New[event](transformer.JSON[event]{}, encoder.Parquet[event]{}, fs, fixedKey("k"),
		WithRetryPolicy[event](SimpleRetry{Attempts: 3}))
	require.NoError(t, err)

	require.NoError(t, i.OnBatch(context.Background(), []source.Message{tMsg{id: "m1", payload: `{"id":"a"}`}}))
	assert.EqualValues(t, 3, fs.calls.Load())
	_, ok := fs.inner.Get("k")
	assert.True(t, ok)
}

func TestIngestor_WriteErrorIsReturned(t *testing.T) {
	fs := &flakySink{inner: sink.NewMemory()}
	fs.fails.Store(10)

	i, err := New[event](transformer.JSON[event]{}, encoder.Parquet[event]{}, fs, fixedKey("k"))
	require.NoError(t, err)

	err = i.OnBatch(context.Background(), []source.Message{tMsg{id: "m1", payload: `{"id":"a"}`}})
	assert.EqualError(t, err, "slow down")
	assert.EqualValues(t, 1, fs.calls.Load())
}

func TestIngestor_KeyAndEncodeErrors(t *testing.T) {
	msgs := []source.Message{tMsg{id: "m1", payload: `{"id":"a"}`}}

	i, err := New[event](transformer.JSON[event]{}, encoder.Parquet[event]{}, sink.NewMemory(),
		func(context.Context, BatchInfo) (string, error) { return "", errors.New("no key") })
	require.NoError(t, err)
	assert.ErrorContains(t, i.OnBatch(context.Background(), msgs), "build object key")

	i, err = New[event](transformer.JSON[event]{}, encoder.Parquet[event]{Compression: "lz5"}, sink.NewMemory(), fixedKey("k"))
	require.NoError(t, err)
	assert.ErrorContains(t, i.OnBatch(context.Background(), msgs), "encode batch")
}

func TestDefaultKeyFunc(t *testing.T) {
	created := time.Date(2024, 3, 7, 9, 30, 0, 0, time.UTC)
	kf := DefaultKeyFunc(".parquet")

	k1, err := kf(context.Background(), BatchInfo{CreatedAt: created})
	require.NoError(t, err)
	k2, err := kf(context.Background(), BatchInfo{CreatedAt: created})
	require.NoError(t, err)

	assert.Regexp(t, regexp.MustCompile(`^2024/03/07/09/\d+-[0-9a-f-]{36}\.parquet$`), k1)
	assert.NotEqual(t, k1, k2)

	k3, err := DefaultKeyFunc("parquet")(context.Background(), BatchInfo{CreatedAt: created})
	require.NoError(t, err)
	assert.Regexp(t, `\.bin$`, k3)
}

// The container must not settle a batch before its object is stored.
func TestIngestor_WithContainer_AcksOnlyAfterWrite(t *testing.T) {
	broker := source.NewBroker()
	for _, p := range []string{`{"id":"a"}`, `{"id":"b"}`} {
		broker.Publish("events", []byte(p), nil)
	}

	fs := &flakySink{inner: sink.NewMemory()}
	fs.fails.Store(1)

	var mu sync.Mutex
	var written []string
	keys := func(ctx context.Context, info BatchInfo) (string, error) {
		mu.Lock()
		defer mu.Unlock()
		written = append(written, info.FirstID)
		return "batch-" + info.FirstID, nil
	}

	ing, err := New[event](transformer.JSON[event]{}, encoder.Parquet[event]{}, fs, keys)
	require.NoError(t, err)

	p := batcher.Policy{BatchSize: 2, QuietPeriod: time.Second, BatchTimeout: 2 * time.Second, ReceiveTimeout: 50 * time.Millisecond}
	c, err := container.New(container.Config{Destination: "events", Policy: p}, broker.Connector(source.AckTransacted), ing,
		container.WithBackOff(nil))
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))
	defer func() { _ = c.Destroy(context.Background()) }()

	// first write fails, backoff is BatchTimeout, second attempt succeeds
	require.Eventually(t, func() bool { return len(fs.inner.Keys()) == 1 }, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, c.Stop(context.Background()))

	assert.Equal(t, 0, broker.Depth("events"), "batch was committed")
	assert.EqualValues(t, 2, fs.calls.Load())
	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, written, 2, "the same batch was built twice")
	assert.Equal(t, written[0], written[1])
}
