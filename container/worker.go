package container

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/baldanca/batch-listener/batcher"
	"github.com/baldanca/batch-listener/listener"
	"github.com/baldanca/batch-listener/source"
)

type worker struct {
	id          string
	destination string
	policy      batcher.Policy

	conn     source.Connector
	listener listener.Listener
	batch    *batcher.Batcher[source.Message]
	acks     source.AckGroup
	bo       backoff.BackOff
	logger   *zap.Logger
	obs      Observer

	// sess is only touched by the run goroutine.
	sess source.Session

	stopping atomic.Bool
	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	mu      sync.Mutex
	failure error
}

func newWorker(cfg Config, conn source.Connector, l listener.Listener, o options) (*worker, error) {
	b, err := batcher.NewBatcher[source.Message](cfg.Policy, o.now)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	id := uuid.NewString()
	return &worker{
		id:          id,
		destination: cfg.Destination,
		policy:      cfg.Policy,
		conn:        conn,
		listener:    l,
		batch:       b,
		bo:          o.newBackOff(),
		logger:      o.logger.With(zap.String("worker_id", id)),
		obs:         o.observer,
		stopCh:      make(chan struct{}),
		done:        make(chan struct{}),
	}, nil
}

func (w *worker) requestStop() {
	w.stopOnce.Do(func() {
		w.stopping.Store(true)
		close(w.stopCh)
	})
}

func (w *worker) exited() bool {
	select {
	case <-w.done:
		return true
	default:
		return false
	}
}

func (w *worker) getFailure() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.failure
}

func (w *worker) setFailure(err error) {
	w.mu.Lock()
	w.failure = err
	w.mu.Unlock()
}

func (w *worker) run(ctx context.Context) {
	defer close(w.done)

	w.logger.Info("worker started",
		zap.Int("batch_size", w.policy.BatchSize),
		zap.Duration("quiet_period", w.policy.QuietPeriod),
		zap.Duration("batch_timeout", w.policy.BatchTimeout),
		zap.Duration("receive_timeout", w.policy.ReceiveTimeout),
	)

	err := w.loop(ctx)
	w.closeSession()

	if err != nil {
		w.setFailure(err)
		w.logger.Error("worker failed", zap.String("kind", string(Classify(err))), zap.Error(err))
	} else {
		w.logger.Info("worker stopped")
	}
	w.obs.WorkerExited(err)
}

func (w *worker) loop(ctx context.Context) error {
	w.bo.Reset()

	for !w.stopping.Load() {
		if err := ctx.Err(); err != nil {
			return interrupted(err)
		}

		err := w.cycle(ctx)
		if err == nil {
			w.bo.Reset()
			continue
		}
		if ctxErr := ctx.Err(); ctxErr != nil && Classify(err) != KindUnexpected {
			return interrupted(ctxErr)
		}
		if !recoverable(err) {
			return err
		}

		kind := Classify(err)
		w.obs.CycleFailed(kind, err)
		w.closeSession()

		d := w.bo.NextBackOff()
		if d == backoff.Stop {
			return fmt.Errorf("%w: %w", ErrRetriesExhausted, err)
		}
		w.logger.Warn("cycle failed, backing off",
			zap.String("kind", string(kind)),
			zap.Duration("backoff", d),
			zap.Error(err),
		)
		if err := w.sleep(ctx, d); err != nil {
			return err
		}
	}
	return nil
}

// cycle builds, dispatches and settles one batch.
func (w *worker) cycle(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &UnexpectedError{Value: r, Stack: debug.Stack()}
		}
	}()

	if w.sess == nil {
		sess, err := w.conn.Connect(ctx, w.destination)
		if err != nil {
			return &source.TransportError{Op: "connect", Err: err}
		}
		w.sess = sess
		w.logger.Debug("session opened", zap.Stringer("ack_mode", sess.AckMode()))
	}

	w.batch.Begin()
	for w.batch.Evaluate() == batcher.ReasonNone {
		if w.stopping.Load() {
			if n := w.batch.Len(); n > 0 {
				w.logger.Debug("stop requested, abandoning partial batch", zap.Int("batch_size", n))
			}
			w.batch.Flush()
			return nil
		}

		wait := w.policy.ReceiveTimeout
		if left := w.batch.Remaining(); left < wait {
			wait = left
		}
		m, err := w.sess.Receive(ctx, wait)
		if err != nil {
			w.batch.Flush()
			return &source.TransportError{Op: "receive", Err: err}
		}
		if m != nil {
			w.batch.Add(m)
		}
	}

	b := w.batch.Flush()
	if b.Len() == 0 {
		return nil
	}

	w.obs.BatchCompleted(b.Reason, b.Len(), b.Elapsed)
	w.logger.Debug("batch completed",
		zap.Int("batch_size", b.Len()),
		zap.Stringer("reason", b.Reason),
		zap.Duration("elapsed", b.Elapsed),
	)

	if err := w.listener.OnBatch(ctx, b.Items); err != nil {
		return &ListenerError{Err: err}
	}

	defer w.acks.Clear()
	for _, m := range b.Items {
		w.acks.Add(m)
	}
	if err := w.acks.Commit(ctx, w.sess); err != nil {
		return &source.TransportError{Op: "commit", Err: err}
	}
	w.obs.BatchCommitted(w.sess.AckMode(), b.Len())
	return nil
}

// sleep waits d, returning early without error when stop is requested.
func (w *worker) sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-t.C:
		return nil
	case <-w.stopCh:
		return nil
	case <-ctx.Done():
		return interrupted(ctx.Err())
	}
}

// closeSession drops the session so the next cycle reconnects. Unsettled
// messages go back to the broker.
func (w *worker) closeSession() {
	if w.sess == nil {
		return
	}
	sess := w.sess
	w.sess = nil
	if err := sess.Close(); err != nil {
		w.logger.Warn("close session", zap.Error(err))
	}
}
