package source

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
)

type PubSubConfig struct {
	// MaxOutstanding caps the messages the streaming pull keeps in flight
	// for one session. It should be at least the batch size.
	MaxOutstanding int
	AckMode        AckMode
}

func (c *PubSubConfig) validate() {
	if c.MaxOutstanding <= 0 {
		c.MaxOutstanding = 1000
	}
	if c.AckMode < AckAuto || c.AckMode > AckTransacted {
		panic("unknown ack mode")
	}
}

var DefaultPubSubConfig = PubSubConfig{
	MaxOutstanding: 1000,
	AckMode:        AckTransacted,
}

// PubSubConnector opens sessions on Pub/Sub subscriptions. The destination is
// the subscription ID.
//
// The streaming pull is bridged to Receive through an unbuffered channel, so
// at most one message is handed over at a time. Pub/Sub has no transactions;
// AckTransacted acks every pending message on Commit.
type PubSubConnector struct {
	cfg    PubSubConfig
	client *pubsub.Client
}

func NewPubSubConnector(client *pubsub.Client, cfg PubSubConfig) *PubSubConnector {
	if client == nil {
		panic("pubsub client is required")
	}
	cfg.validate()
	return &PubSubConnector{cfg: cfg, client: client}
}

func (c *PubSubConnector) Connect(ctx context.Context, destination string) (Session, error) {
	if destination == "" {
		return nil, errors.New("subscription id is required")
	}
	sub := c.client.Subscription(destination)
	ok, err := sub.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("check pubsub subscription %q: %w", destination, err)
	}
	if !ok {
		return nil, fmt.Errorf("pubsub subscription %q does not exist", destination)
	}
	sub.ReceiveSettings.MaxOutstandingMessages = c.cfg.MaxOutstanding
	sub.ReceiveSettings.NumGoroutines = 1

	streamCtx, cancel := context.WithCancel(context.Background())
	s := &pubsubSession{
		mode:   c.cfg.AckMode,
		msgs:   make(chan *pubsub.Message),
		done:   make(chan struct{}),
		cancel: cancel,
	}
	go s.stream(streamCtx, sub)
	return s, nil
}

type pubsubSession struct {
	mode AckMode
	msgs chan *pubsub.Message

	done      chan struct{}
	streamErr error
	cancel    context.CancelFunc

	mu      sync.Mutex
	pending []*pubsub.Message
	closed  bool
}

func (s *pubsubSession) stream(ctx context.Context, sub *pubsub.Subscription) {
	defer close(s.done)
	err := sub.Receive(ctx, func(ctx context.Context, m *pubsub.Message) {
		select {
		case s.msgs <- m:
		case <-ctx.Done():
			m.Nack()
		}
	})
	if err == nil && ctx.Err() == nil {
		err = errors.New("pubsub stream ended")
	}
	s.streamErr = err
}

func (s *pubsubSession) AckMode() AckMode { return s.mode }

func (s *pubsubSession) Receive(ctx context.Context, timeout time.Duration) (Message, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var m *pubsub.Message
	select {
	case m = <-s.msgs:
	case <-timer.C:
		return nil, nil
	case <-s.done:
		return nil, fmt.Errorf("pubsub receive: %w", s.streamErr)
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	msg := &pubsubMessage{s: s, m: m}
	if s.mode == AckAuto {
		m.Ack()
		return msg, nil
	}

	s.mu.Lock()
	s.pending = append(s.pending, m)
	s.mu.Unlock()
	return msg, nil
}

func (s *pubsubSession) Commit(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()

	results := make([]*pubsub.AckResult, 0, len(pending))
	for _, m := range pending {
		results = append(results, m.AckWithResult())
	}
	for i, r := range results {
		if _, err := r.Get(ctx); err != nil {
			return fmt.Errorf("pubsub ack id=%s: %w", pending[i].ID, err)
		}
	}
	return nil
}

func (s *pubsubSession) acknowledge(ctx context.Context, m *pubsub.Message) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	for i, p := range s.pending {
		if p == m {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			break
		}
	}
	s.mu.Unlock()

	if _, err := m.AckWithResult().Get(ctx); err != nil {
		return fmt.Errorf("pubsub ack id=%s: %w", m.ID, err)
	}
	return nil
}

// Close nacks unsettled messages so they are redelivered without waiting for
// the ack deadline, then stops the stream.
func (s *pubsubSession) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()

	for _, m := range pending {
		m.Nack()
	}
	s.cancel()
	<-s.done

	if s.streamErr != nil && !errors.Is(s.streamErr, context.Canceled) {
		return fmt.Errorf("pubsub stream: %w", s.streamErr)
	}
	return nil
}

func (s *pubsubSession) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type pubsubMessage struct {
	s *pubsubSession
	m *pubsub.Message
}

func (m *pubsubMessage) ID() string { return m.m.ID }

func (m *pubsubMessage) Data() Envelope {
	return Envelope{Payload: m.m.Data, Attributes: m.m.Attributes}
}

// DeliveryAttempt is only populated when the subscription has a dead letter
// policy.
func (m *pubsubMessage) DeliveryAttempt() int {
	if m.m.DeliveryAttempt == nil {
		return 0
	}
	return *m.m.DeliveryAttempt
}

func (m *pubsubMessage) Acknowledge(ctx context.Context) error {
	if m.s.mode != AckClient {
		return nil
	}
	return m.s.acknowledge(ctx, m.m)
}
