package source

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrClosed is returned when a session is used after Close.
var ErrClosed = errors.New("session closed")

// Envelope is the raw content of a received message.
//
// The container does not impose any schema on Envelope; listeners decode the
// payload themselves.
type Envelope struct {
	Payload    []byte
	Attributes map[string]string
}

// Message is one unit received from a Session.
type Message interface {
	ID() string
	Data() Envelope
	// Acknowledge settles the message individually. Only meaningful for
	// sessions in AckClient mode.
	Acknowledge(ctx context.Context) error
}

// Session is a connected consumer on one destination.
//
// A Session is owned by a single goroutine; implementations do not need to be
// safe for concurrent use.
type Session interface {
	// Receive waits up to timeout for the next message. It returns (nil, nil)
	// when the timeout expires without a message.
	Receive(ctx context.Context, timeout time.Duration) (Message, error)
	AckMode() AckMode
	// Commit settles every message received since the previous commit.
	// Only meaningful for sessions in AckTransacted mode.
	Commit(ctx context.Context) error
	// Close releases the session. Messages that were received but not
	// settled become available for redelivery.
	Close() error
}

// Connector opens sessions on named destinations.
type Connector interface {
	Connect(ctx context.Context, destination string) (Session, error)
}

// ConnectorFunc adapts a function to Connector.
type ConnectorFunc func(ctx context.Context, destination string) (Session, error)

// Connect calls f.
func (f ConnectorFunc) Connect(ctx context.Context, destination string) (Session, error) {
	return f(ctx, destination)
}

// AckMode selects how received messages are settled with the broker.
type AckMode int

const (
	// AckAuto settles each message when it is received.
	AckAuto AckMode = iota
	// AckClient settles each message through Message.Acknowledge.
	AckClient
	// AckTransacted settles all messages of a batch with one Session.Commit.
	AckTransacted
)

// Transacted reports whether the mode commits whole batches.
func (m AckMode) Transacted() bool { return m == AckTransacted }

func (m AckMode) String() string {
	switch m {
	case AckAuto:
		return "auto"
	case AckClient:
		return "client"
	case AckTransacted:
		return "transacted"
	default:
		return fmt.Sprintf("ackmode(%d)", int(m))
	}
}

// ParseAckMode parses the String form of an AckMode.
func ParseAckMode(s string) (AckMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "auto", "":
		return AckAuto, nil
	case "client":
		return AckClient, nil
	case "transacted", "transaction", "tx":
		return AckTransacted, nil
	default:
		return AckAuto, fmt.Errorf("unknown ack mode %q", s)
	}
}

// TransportError marks a failure of the broker connection, session or
// consumer. The container treats it as recoverable.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// AckGroup collects the messages of one batch so they can be settled
// together once the batch has been processed.
type AckGroup struct {
	msgs []Message
}

// Add appends a message to the group.
func (g *AckGroup) Add(m Message) {
	g.msgs = append(g.msgs, m)
}

// Len returns the number of messages in the group.
func (g *AckGroup) Len() int { return len(g.msgs) }

// Messages returns the messages in receipt order.
func (g *AckGroup) Messages() []Message { return g.msgs }

// Commit settles the group on sess according to its AckMode: one commit for a
// transacted session, one acknowledgement per message (in receipt order) for
// client mode, nothing for auto mode. The first failure stops the walk.
func (g *AckGroup) Commit(ctx context.Context, sess Session) error {
	if len(g.msgs) == 0 {
		return nil
	}

	switch mode := sess.AckMode(); mode {
	case AckTransacted:
		return sess.Commit(ctx)
	case AckClient:
		for _, m := range g.msgs {
			if err := m.Acknowledge(ctx); err != nil {
				return fmt.Errorf("acknowledge message id=%s: %w", m.ID(), err)
			}
		}
		return nil
	default:
		return nil
	}
}

// Clear resets the group and releases references to messages.
func (g *AckGroup) Clear() {
	for i := range g.msgs {
		g.msgs[i] = nil
	}
	g.msgs = g.msgs[:0]
}
