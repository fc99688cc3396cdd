// Package ingestor archives batches: every message is transformed into a
// typed record, the records of a batch are encoded into one object and the
// object is written to a sink. It implements listener.Listener, so the
// container only settles a batch once its object is stored.
package ingestor

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/baldanca/batch-listener/encoder"
	"github.com/baldanca/batch-listener/sink"
	"github.com/baldanca/batch-listener/source"
	"github.com/baldanca/batch-listener/transformer"
)

// BatchInfo describes the batch an object is built from.
type BatchInfo struct {
	Size      int
	Skipped   int
	FirstID   string
	CreatedAt time.Time
}

type KeyFunc func(ctx context.Context, info BatchInfo) (key string, err error)

type Ingestor[T any] struct {
	transformer transformer.Transformer[T]
	encoder     encoder.Encoder[T]
	sink        sink.Sinker
	keyFunc     KeyFunc

	retry       RetryPolicy
	skipInvalid bool
	logger      *zap.Logger
	now         func() time.Time
}

type Option[T any] func(*Ingestor[T])

// WithRetryPolicy retries sink writes. The default makes a single attempt.
func WithRetryPolicy[T any](p RetryPolicy) Option[T] {
	return func(i *Ingestor[T]) {
		if p == nil {
			p = nopRetry{}
		}
		i.retry = p
	}
}

// WithSkipInvalid leaves messages that fail to transform out of the object
// instead of failing the batch. Skipped messages are settled with the batch.
func WithSkipInvalid[T any](skip bool) Option[T] {
	return func(i *Ingestor[T]) { i.skipInvalid = skip }
}

func WithLogger[T any](l *zap.Logger) Option[T] {
	return func(i *Ingestor[T]) {
		if l != nil {
			i.logger = l
		}
	}
}

func New[T any](
	tr transformer.Transformer[T],
	enc encoder.Encoder[T],
	s sink.Sinker,
	keyFunc KeyFunc,
	opts ...Option[T],
) (*Ingestor[T], error) {
	if tr == nil {
		return nil, errors.New("transformer is nil")
	}
	if enc == nil {
		return nil, errors.New("encoder is nil")
	}
	if s == nil {
		return nil, errors.New("sink is nil")
	}
	if keyFunc == nil {
		keyFunc = DefaultKeyFunc(enc.FileExtension())
	}

	i := &Ingestor[T]{
		transformer: tr,
		encoder:     enc,
		sink:        s,
		keyFunc:     keyFunc,
		retry:       nopRetry{},
		logger:      zap.NewNop(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i, nil
}

func (i *Ingestor[T]) OnBatch(ctx context.Context, msgs []source.Message) error {
	records := make([]T, 0, len(msgs))
	skipped := 0
	for _, m := range msgs {
		rec, err := i.transformer.Transform(ctx, m.Data())
		if err != nil {
			if !i.skipInvalid {
				return fmt.Errorf("transform message id=%s: %w", m.ID(), err)
			}
			skipped++
			i.logger.Warn("skipping invalid message", zap.String("message_id", m.ID()), zap.Error(err))
			continue
		}
		records = append(records, rec)
	}
	if len(records) == 0 {
		i.logger.Warn("batch has no valid messages", zap.Int("skipped", skipped))
		return nil
	}

	info := BatchInfo{
		Size:      len(records),
		Skipped:   skipped,
		FirstID:   msgs[0].ID(),
		CreatedAt: i.now().UTC(),
	}
	key, err := i.keyFunc(ctx, info)
	if err != nil {
		return fmt.Errorf("build object key: %w", err)
	}

	data, err := i.encoder.Encode(ctx, records)
	if err != nil {
		return fmt.Errorf("encode batch: %w", err)
	}

	contentType := i.encoder.ContentType()
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	req := sink.WriteRequest{
		Key:         key,
		Data:        data,
		ContentType: contentType,
		Metadata: map[string]string{
			"batch-size":       strconv.Itoa(info.Size),
			"skipped":          strconv.Itoa(info.Skipped),
			"first-message-id": info.FirstID,
		},
	}

	if err := i.retry.Do(ctx, func(ctx context.Context) error {
		return i.sink.Write(ctx, req)
	}); err != nil {
		return err
	}

	i.logger.Debug("batch archived",
		zap.String("key", key),
		zap.Int("batch_size", info.Size),
		zap.Int("bytes", len(data)),
	)
	return nil
}

// DefaultKeyFunc partitions objects by hour and makes every key unique.
func DefaultKeyFunc(ext string) KeyFunc {
	if ext == "" || ext[0] != '.' {
		ext = ".bin"
	}
	return func(ctx context.Context, info BatchInfo) (string, error) {
		t := info.CreatedAt
		if t.IsZero() {
			t = time.Now().UTC()
		}
		return fmt.Sprintf("%04d/%02d/%02d/%02d/%d-%s%s",
			t.Year(), int(t.Month()), t.Day(), t.Hour(), t.UnixNano(), uuid.NewString(), ext,
		), nil
	}
}
