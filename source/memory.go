package source

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Broker is an in-process message broker with named queues. It honours the
// three acknowledgement modes, including redelivery of unsettled messages
// when a session closes, which makes it suitable for local runs and tests.
type Broker struct {
	mu     sync.Mutex
	queues map[string]*memQueue
}

// NewBroker returns an empty Broker.
func NewBroker() *Broker {
	return &Broker{queues: make(map[string]*memQueue)}
}

// Publish appends a message to destination and returns its ID.
func (b *Broker) Publish(destination string, payload []byte, attrs map[string]string) string {
	m := &memMessage{
		id:    uuid.NewString(),
		env:   Envelope{Payload: payload, Attributes: attrs},
		queue: b.queue(destination),
	}
	m.queue.push(m)
	return m.id
}

// Depth returns the number of messages waiting in destination, excluding
// messages delivered to a session but not yet settled.
func (b *Broker) Depth(destination string) int {
	return b.queue(destination).depth()
}

// Connector returns a Connector whose sessions use mode.
func (b *Broker) Connector(mode AckMode) Connector {
	return ConnectorFunc(func(ctx context.Context, destination string) (Session, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return &memSession{q: b.queue(destination), mode: mode}, nil
	})
}

func (b *Broker) queue(name string) *memQueue {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.queues[name]
	if !ok {
		q = &memQueue{signal: make(chan struct{}, 1)}
		b.queues[name] = q
	}
	return q
}

type memQueue struct {
	mu     sync.Mutex
	items  []*memMessage
	signal chan struct{}
}

func (q *memQueue) push(m *memMessage) {
	q.mu.Lock()
	q.items = append(q.items, m)
	q.mu.Unlock()
	q.notify()
}

// requeue puts ms back at the head of the queue, keeping their order.
func (q *memQueue) requeue(ms []*memMessage) {
	if len(ms) == 0 {
		return
	}
	q.mu.Lock()
	items := make([]*memMessage, 0, len(ms)+len(q.items))
	items = append(items, ms...)
	q.items = append(items, q.items...)
	q.mu.Unlock()
	q.notify()
}

func (q *memQueue) notify() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *memQueue) tryPop() *memMessage {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return nil
	}
	m := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	if len(q.items) > 0 {
		// pass the wake-up on to any other waiting session
		q.notify()
	}
	return m
}

func (q *memQueue) pop(ctx context.Context, timeout time.Duration) (*memMessage, error) {
	if m := q.tryPop(); m != nil {
		return m, nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return q.tryPop(), nil
		case <-q.signal:
			if m := q.tryPop(); m != nil {
				return m, nil
			}
		}
	}
}

func (q *memQueue) depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

type memMessage struct {
	id    string
	env   Envelope
	queue *memQueue

	mu         sync.Mutex
	deliveries int
	session    *memSession
}

func (m *memMessage) ID() string     { return m.id }
func (m *memMessage) Data() Envelope { return m.env }

// Deliveries returns how many times the message has been handed to a session.
func (m *memMessage) Deliveries() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deliveries
}

// Redelivered reports whether the message was delivered before.
func (m *memMessage) Redelivered() bool { return m.Deliveries() > 1 }

func (m *memMessage) Acknowledge(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	s := m.session
	m.mu.Unlock()
	if s == nil {
		return nil
	}
	return s.settle(m)
}

type memSession struct {
	q    *memQueue
	mode AckMode

	mu      sync.Mutex
	pending []*memMessage
	closed  bool
}

func (s *memSession) AckMode() AckMode { return s.mode }

func (s *memSession) Receive(ctx context.Context, timeout time.Duration) (Message, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}

	m, err := s.q.pop(ctx, timeout)
	if err != nil || m == nil {
		return nil, err
	}

	m.mu.Lock()
	m.deliveries++
	if s.mode != AckAuto {
		m.session = s
	}
	m.mu.Unlock()

	if s.mode == AckAuto {
		return m, nil
	}

	s.mu.Lock()
	s.pending = append(s.pending, m)
	s.mu.Unlock()
	return m, nil
}

func (s *memSession) Commit(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	for _, m := range s.pending {
		m.mu.Lock()
		m.session = nil
		m.mu.Unlock()
	}
	s.pending = nil
	return nil
}

func (s *memSession) settle(m *memMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	for i, p := range s.pending {
		if p == m {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			break
		}
	}
	m.mu.Lock()
	m.session = nil
	m.mu.Unlock()
	return nil
}

func (s *memSession) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()

	s.q.requeue(pending)
	return nil
}

func (s *memSession) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
