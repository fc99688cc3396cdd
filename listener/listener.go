// Package listener defines the batch callback driven by the container and a
// few ready-made implementations.
package listener

import (
	"context"

	"github.com/baldanca/batch-listener/source"
)

// Listener processes one batch. The batch is never empty and keeps receipt
// order. A nil return lets the container commit or acknowledge the whole
// batch; any error leaves it unsettled so the broker redelivers it.
type Listener interface {
	OnBatch(ctx context.Context, msgs []source.Message) error
}

// Func adapts a function to Listener.
type Func func(ctx context.Context, msgs []source.Message) error

func (f Func) OnBatch(ctx context.Context, msgs []source.Message) error {
	return f(ctx, msgs)
}
