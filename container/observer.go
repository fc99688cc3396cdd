package container

import (
	"time"

	"github.com/baldanca/batch-listener/batcher"
	"github.com/baldanca/batch-listener/source"
)

// Observer is notified of worker progress. Calls come from the worker
// goroutine and must not block.
type Observer interface {
	// BatchCompleted is called for every non-empty batch, before dispatch.
	BatchCompleted(reason batcher.Reason, size int, elapsed time.Duration)
	// BatchCommitted is called once the batch was settled with the broker.
	BatchCommitted(mode source.AckMode, size int)
	CycleFailed(kind ErrorKind, err error)
	WorkerExited(err error)
}

// NopObserver ignores every event.
type NopObserver struct{}

func (NopObserver) BatchCompleted(batcher.Reason, int, time.Duration) {}
func (NopObserver) BatchCommitted(source.AckMode, int)                {}
func (NopObserver) CycleFailed(ErrorKind, error)                      {}
func (NopObserver) WorkerExited(error)                                {}
