package source

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// maxSQSBatch is the SQS limit for batch request entries.
const maxSQSBatch = 10

// maxSQSWait is the SQS limit for long polling.
const maxSQSWait = 20 * time.Second

type SQSConfig struct {
	MaxMessages  int32
	VisibilityTO int32
	AckMode      AckMode

	// ReleaseTimeout bounds the visibility reset performed by Close.
	ReleaseTimeout time.Duration
}

func (c *SQSConfig) validate() {
	if c.MaxMessages < 1 || c.MaxMessages > maxSQSBatch {
		panic("max messages must be between 1 and 10")
	}
	if c.VisibilityTO < 0 {
		panic("visibility timeout must be non-negative")
	}
	if c.AckMode < AckAuto || c.AckMode > AckTransacted {
		panic("unknown ack mode")
	}
	if c.ReleaseTimeout <= 0 {
		c.ReleaseTimeout = 10 * time.Second
	}
}

var DefaultSQSConfig = SQSConfig{
	MaxMessages:    10,
	VisibilityTO:   30,
	AckMode:        AckTransacted,
	ReleaseTimeout: 10 * time.Second,
}

type sqsAPI interface {
	GetQueueUrl(ctx context.Context, params *sqs.GetQueueUrlInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueUrlOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	DeleteMessageBatch(ctx context.Context, params *sqs.DeleteMessageBatchInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageBatchOutput, error)
	ChangeMessageVisibilityBatch(ctx context.Context, params *sqs.ChangeMessageVisibilityBatchInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityBatchOutput, error)
}

// SQSConnector opens sessions on SQS queues.
//
// SQS has no transactions; AckTransacted is emulated by deleting every
// message of the batch with DeleteMessageBatch on Commit. Messages that are
// not deleted before Close have their visibility reset so they are
// redelivered right away instead of after the visibility timeout.
type SQSConnector struct {
	cfg    SQSConfig
	client sqsAPI
}

func NewSQSConnector(client sqsAPI, cfg SQSConfig) *SQSConnector {
	if client == nil {
		panic("sqs client is required")
	}
	cfg.validate()
	return &SQSConnector{cfg: cfg, client: client}
}

// Connect resolves destination, which may be a queue URL or a queue name.
func (c *SQSConnector) Connect(ctx context.Context, destination string) (Session, error) {
	queueURL, err := c.resolveQueueURL(ctx, destination)
	if err != nil {
		return nil, err
	}
	s := &sqsSession{
		cfg:      c.cfg,
		client:   c.client,
		queueURL: queueURL,
	}
	s.queueURLPtr = &s.queueURL
	return s, nil
}

func (c *SQSConnector) resolveQueueURL(ctx context.Context, destination string) (string, error) {
	if destination == "" {
		return "", errors.New("queue name is required")
	}
	if strings.HasPrefix(destination, "https://") || strings.HasPrefix(destination, "http://") {
		return destination, nil
	}
	out, err := c.client.GetQueueUrl(ctx, &sqs.GetQueueUrlInput{QueueName: aws.String(destination)})
	if err != nil {
		return "", fmt.Errorf("resolve sqs queue %q: %w", destination, err)
	}
	if aws.ToString(out.QueueUrl) == "" {
		return "", fmt.Errorf("resolve sqs queue %q: empty url", destination)
	}
	return aws.ToString(out.QueueUrl), nil
}

type sqsSession struct {
	cfg    SQSConfig
	client sqsAPI

	queueURL    string
	queueURLPtr *string

	// buf holds messages returned by the last ReceiveMessage call that have
	// not been handed out yet.
	buf []sqstypes.Message

	mu      sync.Mutex
	pending []AckMetadata
	closed  bool
}

func (s *sqsSession) AckMode() AckMode { return s.cfg.AckMode }

func (s *sqsSession) Receive(ctx context.Context, timeout time.Duration) (Message, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}

	if len(s.buf) == 0 {
		if err := s.fetch(ctx, timeout); err != nil {
			return nil, err
		}
		if len(s.buf) == 0 {
			return nil, nil
		}
	}

	raw := s.buf[0]
	s.buf[0] = sqstypes.Message{}
	s.buf = s.buf[1:]

	msg := &sqsMessage{s: s, m: raw}
	meta, ok := msg.AckMeta()
	if !ok {
		return nil, fmt.Errorf("sqs message id=%s has no receipt handle", aws.ToString(raw.MessageId))
	}

	if s.cfg.AckMode == AckAuto {
		if err := s.deleteOne(ctx, meta); err != nil {
			return nil, err
		}
		return msg, nil
	}

	s.mu.Lock()
	s.pending = append(s.pending, meta)
	s.mu.Unlock()
	return msg, nil
}

func (s *sqsSession) fetch(ctx context.Context, timeout time.Duration) error {
	waitSeconds := sqsWaitSeconds(timeout)

	reqCtx, cancel := context.WithTimeout(ctx, time.Duration(waitSeconds)*time.Second+5*time.Second)
	defer cancel()

	out, err := s.client.ReceiveMessage(reqCtx, &sqs.ReceiveMessageInput{
		QueueUrl:              s.queueURLPtr,
		MaxNumberOfMessages:   s.cfg.MaxMessages,
		WaitTimeSeconds:       waitSeconds,
		VisibilityTimeout:     s.cfg.VisibilityTO,
		MessageAttributeNames: []string{"All"},
		AttributeNames:        []sqstypes.QueueAttributeName{sqstypes.QueueAttributeNameAll},
	})
	if err != nil {
		return fmt.Errorf("sqs receive: %w", err)
	}
	s.buf = append(s.buf, out.Messages...)
	return nil
}

// sqsWaitSeconds converts a receive timeout to the whole seconds SQS accepts.
// Any positive timeout long-polls for at least one second; a zero wait would
// turn every empty receive into a short poll.
func sqsWaitSeconds(timeout time.Duration) int32 {
	if timeout <= 0 {
		return 0
	}
	if timeout >= maxSQSWait {
		return int32(maxSQSWait / time.Second)
	}
	if timeout < time.Second {
		return 1
	}
	return int32(timeout / time.Second)
}

func (s *sqsSession) Commit(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	metas := s.pending
	s.mu.Unlock()

	deleted, err := s.ackMetasBatch(ctx, metas)

	s.mu.Lock()
	// Receive is not called concurrently with Commit, so pending still
	// starts with metas. Deleted handles are gone even when a later chunk
	// failed and must not be released on Close.
	s.pending = s.pending[deleted:]
	s.mu.Unlock()
	return err
}

func (s *sqsSession) acknowledge(ctx context.Context, meta AckMetadata) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.mu.Unlock()

	if err := s.deleteOne(ctx, meta); err != nil {
		return err
	}

	s.mu.Lock()
	for i, p := range s.pending {
		if p.Handle == meta.Handle {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			break
		}
	}
	s.mu.Unlock()
	return nil
}

// Close returns unsettled and prefetched messages to the queue.
func (s *sqsSession) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	release := s.pending
	s.pending = nil
	s.mu.Unlock()

	for i := range s.buf {
		if meta, ok := (&sqsMessage{m: s.buf[i]}).AckMeta(); ok {
			release = append(release, meta)
		}
	}
	s.buf = nil

	if len(release) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ReleaseTimeout)
	defer cancel()
	if err := s.changeVisibilityBatch(ctx, release, 0); err != nil {
		return fmt.Errorf("release %d sqs messages: %w", len(release), err)
	}
	return nil
}

func (s *sqsSession) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *sqsSession) deleteOne(ctx context.Context, meta AckMetadata) error {
	_, err := s.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      s.queueURLPtr,
		ReceiptHandle: &meta.Handle,
	})
	if err != nil {
		return fmt.Errorf("sqs delete id=%s: %w", meta.ID, err)
	}
	return nil
}

// ackMetasBatch deletes metas in chunks of ten and reports how many leading
// entries were deleted.
func (s *sqsSession) ackMetasBatch(ctx context.Context, metas []AckMetadata) (int, error) {
	entries := make([]sqstypes.DeleteMessageBatchRequestEntry, 0, maxSQSBatch)
	in := sqs.DeleteMessageBatchInput{QueueUrl: s.queueURLPtr}

	for i := 0; i < len(metas); i += maxSQSBatch {
		end := i + maxSQSBatch
		if end > len(metas) {
			end = len(metas)
		}

		entries = entries[:0]
		for j := i; j < end; j++ {
			entries = append(entries, sqstypes.DeleteMessageBatchRequestEntry{
				Id:            &metas[j].ID,
				ReceiptHandle: &metas[j].Handle,
			})
		}

		in.Entries = entries
		out, err := s.client.DeleteMessageBatch(ctx, &in)
		if err != nil {
			return i, err
		}
		if len(out.Failed) > 0 {
			f := out.Failed[0]
			return i, fmt.Errorf("sqs delete failed id=%s code=%s message=%s",
				aws.ToString(f.Id), aws.ToString(f.Code), aws.ToString(f.Message))
		}
	}
	return len(metas), nil
}

func (s *sqsSession) changeVisibilityBatch(ctx context.Context, metas []AckMetadata, visibilityTimeoutSeconds int32) error {
	in := sqs.ChangeMessageVisibilityBatchInput{QueueUrl: s.queueURLPtr}
	entries := make([]sqstypes.ChangeMessageVisibilityBatchRequestEntry, 0, maxSQSBatch)

	for i := 0; i < len(metas); i += maxSQSBatch {
		end := i + maxSQSBatch
		if end > len(metas) {
			end = len(metas)
		}

		entries = entries[:0]
		for j := i; j < end; j++ {
			entries = append(entries, sqstypes.ChangeMessageVisibilityBatchRequestEntry{
				Id:                &metas[j].ID,
				ReceiptHandle:     &metas[j].Handle,
				VisibilityTimeout: visibilityTimeoutSeconds,
			})
		}

		in.Entries = entries
		out, err := s.client.ChangeMessageVisibilityBatch(ctx, &in)
		if err != nil {
			return err
		}
		if len(out.Failed) > 0 {
			f := out.Failed[0]
			return fmt.Errorf("sqs visibility batch failed id=%s code=%s message=%s",
				aws.ToString(f.Id), aws.ToString(f.Code), aws.ToString(f.Message))
		}
	}
	return nil
}

// AckMetadata is the compact handle SQS needs to settle a message.
type AckMetadata struct {
	ID     string
	Handle string
}

type sqsMessage struct {
	s *sqsSession
	m sqstypes.Message
}

func (m *sqsMessage) ID() string { return aws.ToString(m.m.MessageId) }

func (m *sqsMessage) Data() Envelope {
	var attrs map[string]string
	if n := len(m.m.MessageAttributes) + len(m.m.Attributes); n > 0 {
		attrs = make(map[string]string, n)
		for k, v := range m.m.Attributes {
			attrs[k] = v
		}
		for k, v := range m.m.MessageAttributes {
			if v.StringValue != nil {
				attrs[k] = *v.StringValue
			}
		}
	}
	return Envelope{Payload: []byte(aws.ToString(m.m.Body)), Attributes: attrs}
}

// AckMeta returns the message's delete handle. Batch entry IDs only need to
// be unique within one request, so a missing message ID is replaced.
func (m *sqsMessage) AckMeta() (AckMetadata, bool) {
	id := aws.ToString(m.m.MessageId)
	if id == "" {
		id = strconv.FormatInt(time.Now().UnixNano(), 10)
	}
	rh := aws.ToString(m.m.ReceiptHandle)
	if rh == "" {
		return AckMetadata{}, false
	}
	return AckMetadata{ID: id, Handle: rh}, true
}

func (m *sqsMessage) Acknowledge(ctx context.Context) error {
	if m.s.cfg.AckMode != AckClient {
		return nil
	}
	meta, ok := m.AckMeta()
	if !ok {
		return nil
	}
	return m.s.acknowledge(ctx, meta)
}
