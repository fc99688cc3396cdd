// Package container runs a single worker that receives messages from one
// destination, groups them into batches and hands each batch to a listener,
// committing or acknowledging the batch only after the listener succeeded.
package container

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/baldanca/batch-listener/batcher"
	"github.com/baldanca/batch-listener/listener"
	"github.com/baldanca/batch-listener/source"
)

// Config is the required configuration of a Container.
type Config struct {
	Destination string
	Policy      batcher.Policy
}

type options struct {
	logger     *zap.Logger
	observer   Observer
	newBackOff func() backoff.BackOff
	now        func() time.Time
}

type Option func(*options)

func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

func WithObserver(obs Observer) Option {
	return func(o *options) {
		if obs != nil {
			o.observer = obs
		}
	}
}

// WithBackOff sets the factory of the backoff applied after a failed cycle.
// Each worker gets its own instance. The default waits BatchTimeout between
// attempts and never gives up.
func WithBackOff(f func() backoff.BackOff) Option {
	return func(o *options) {
		if f != nil {
			o.newBackOff = f
		}
	}
}

// WithClock replaces time.Now for batch timing.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// Container owns at most one worker at a time. Its methods are safe for
// concurrent use.
type Container struct {
	cfg      Config
	conn     source.Connector
	listener listener.Listener
	opts     options

	mu        sync.Mutex
	w         *worker
	running   bool
	destroyed bool
}

// New validates the configuration. It does not connect to the broker.
func New(cfg Config, conn source.Connector, l listener.Listener, opts ...Option) (*Container, error) {
	if cfg.Destination == "" {
		return nil, fmt.Errorf("%w: destination is required", ErrInvalidConfig)
	}
	if l == nil {
		return nil, fmt.Errorf("%w: listener is required", ErrInvalidConfig)
	}
	if conn == nil {
		return nil, fmt.Errorf("%w: connector is required", ErrInvalidConfig)
	}
	if err := cfg.Policy.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	o := options{
		logger:   zap.NewNop(),
		observer: NopObserver{},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.newBackOff == nil {
		timeout := cfg.Policy.BatchTimeout
		o.newBackOff = func() backoff.BackOff { return backoff.NewConstantBackOff(timeout) }
	}
	o.logger = o.logger.With(zap.String("destination", cfg.Destination))

	for _, w := range cfg.Policy.Warnings() {
		o.logger.Warn("batch policy", zap.String("warning", w))
	}

	return &Container{cfg: cfg, conn: conn, listener: l, opts: o}, nil
}

// Start launches the worker. ctx is the worker's interrupt signal: once it is
// done the worker exits and records ErrInterrupted as its failure. Use Stop
// for a clean shutdown.
func (c *Container) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.destroyed {
		return ErrDestroyed
	}
	if c.w != nil && !c.w.exited() {
		return ErrAlreadyRunning
	}

	w, err := newWorker(c.cfg, c.conn, c.listener, c.opts)
	if err != nil {
		return err
	}
	c.w = w
	c.running = true

	go w.run(ctx)
	return nil
}

// Stop asks the worker to exit and waits until it has closed its session or
// ctx is done. A partial batch that the policy has not completed yet is
// abandoned and redelivered by the broker.
func (c *Container) Stop(ctx context.Context) error {
	c.mu.Lock()
	w := c.w
	c.running = false
	c.mu.Unlock()

	if w == nil {
		return nil
	}
	w.requestStop()

	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("stop worker %s: %w", w.id, ctx.Err())
	}
}

// Destroy stops the container and closes the connector when it implements
// io.Closer. The container cannot be started again.
func (c *Container) Destroy(ctx context.Context) error {
	stopErr := c.Stop(ctx)

	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return stopErr
	}
	c.destroyed = true
	c.mu.Unlock()

	var closeErr error
	if cl, ok := c.conn.(io.Closer); ok {
		if err := cl.Close(); err != nil {
			closeErr = fmt.Errorf("close connector: %w", err)
		}
	}
	return errors.Join(stopErr, closeErr)
}

// IsRunning reports whether a worker was started, has not been stopped and
// has not exited on a terminal failure.
func (c *Container) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running && c.w != nil && !c.w.exited()
}

// Failure returns the terminal error of the last worker, or nil.
func (c *Container) Failure() error {
	c.mu.Lock()
	w := c.w
	c.mu.Unlock()
	if w == nil {
		return nil
	}
	return w.getFailure()
}

func (c *Container) IsFailure() bool { return c.Failure() != nil }

var closedCh = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// Done is closed when the current worker exits. It is already closed when
// no worker was started.
func (c *Container) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.w == nil {
		return closedCh
	}
	return c.w.done
}
