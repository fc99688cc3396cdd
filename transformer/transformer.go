package transformer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/baldanca/batch-listener/source"
)

// Transformer converts the envelope of one message into a typed record.
type Transformer[T any] interface {
	Transform(ctx context.Context, in source.Envelope) (T, error)
}

// Func adapts a function to Transformer.
type Func[T any] func(ctx context.Context, in source.Envelope) (T, error)

func (f Func[T]) Transform(ctx context.Context, in source.Envelope) (T, error) {
	return f(ctx, in)
}

// JSON decodes the payload into T.
type JSON[T any] struct {
	// DisallowUnknownFields rejects payloads with fields T does not declare.
	DisallowUnknownFields bool
}

func (j JSON[T]) Transform(ctx context.Context, in source.Envelope) (T, error) {
	var out T
	if len(in.Payload) == 0 {
		return out, fmt.Errorf("decode json: empty payload")
	}
	if !j.DisallowUnknownFields {
		if err := json.Unmarshal(in.Payload, &out); err != nil {
			return out, fmt.Errorf("decode json: %w", err)
		}
		return out, nil
	}

	dec := json.NewDecoder(bytes.NewReader(in.Payload))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		return out, fmt.Errorf("decode json: %w", err)
	}
	return out, nil
}

// RawRecord keeps a message as is.
type RawRecord struct {
	Payload    []byte            `parquet:"payload"`
	Attributes map[string]string `parquet:"attributes"`
}

// Raw turns every envelope into a RawRecord. It never fails.
type Raw struct{}

func (Raw) Transform(ctx context.Context, in source.Envelope) (RawRecord, error) {
	return RawRecord{Payload: in.Payload, Attributes: in.Attributes}, nil
}
