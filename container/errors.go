package container

import (
	"context"
	"errors"
	"fmt"

	"github.com/baldanca/batch-listener/source"
)

var (
	// ErrInvalidConfig is wrapped by every validation error returned by New.
	ErrInvalidConfig = errors.New("invalid container config")
	// ErrAlreadyRunning is returned by Start while a worker is active.
	ErrAlreadyRunning = errors.New("container already running")
	// ErrDestroyed is returned by Start after Destroy.
	ErrDestroyed = errors.New("container destroyed")
	// ErrInterrupted is recorded when the context given to Start is done.
	ErrInterrupted = errors.New("worker interrupted")
	// ErrRetriesExhausted is recorded when the backoff gives up.
	ErrRetriesExhausted = errors.New("worker retries exhausted")
)

// ListenerError wraps a failure returned by the batch listener. The batch it
// belongs to was not committed.
type ListenerError struct {
	Err error
}

func (e *ListenerError) Error() string { return "listener: " + e.Err.Error() }
func (e *ListenerError) Unwrap() error { return e.Err }

// UnexpectedError holds a panic recovered from a cycle.
type UnexpectedError struct {
	Value any
	Stack []byte
}

func (e *UnexpectedError) Error() string { return fmt.Sprintf("unexpected: %v", e.Value) }

// Unwrap exposes the panic value when it is an error.
func (e *UnexpectedError) Unwrap() error {
	err, _ := e.Value.(error)
	return err
}

// ErrorKind classifies cycle failures for logs and metrics.
type ErrorKind string

const (
	KindTransport   ErrorKind = "transport"
	KindListener    ErrorKind = "listener"
	KindInterrupted ErrorKind = "interrupted"
	KindUnexpected  ErrorKind = "unexpected"

	// KindRetriesExhausted is terminal even though the wrapped cycle error
	// was recoverable.
	KindRetriesExhausted ErrorKind = "retries_exhausted"
)

// Classify returns the kind of err. Errors that are neither transport nor
// listener failures are unexpected.
func Classify(err error) ErrorKind {
	var (
		te *source.TransportError
		le *ListenerError
		ue *UnexpectedError
	)
	switch {
	case errors.Is(err, ErrRetriesExhausted):
		return KindRetriesExhausted
	case errors.As(err, &ue):
		return KindUnexpected
	case errors.Is(err, ErrInterrupted):
		return KindInterrupted
	case errors.As(err, &le):
		return KindListener
	case errors.As(err, &te):
		return KindTransport
	default:
		return KindUnexpected
	}
}

// recoverable reports whether the worker may retry after err.
func recoverable(err error) bool {
	switch Classify(err) {
	case KindTransport, KindListener:
		return true
	default:
		return false
	}
}

func interrupted(cause error) error {
	if cause == nil {
		cause = context.Canceled
	}
	return fmt.Errorf("%w: %w", ErrInterrupted, cause)
}
