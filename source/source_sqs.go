package source

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/cenkalti/backoff/v4"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const (
	// SQS batch APIs accept at most 10 entries.
	sqsMaxBatch = 10

	sqsCodeInvalidHandle = "ReceiptHandleIsInvalid"
)

type SourceSQSConfig struct {
	WaitTimeSeconds int32
	MaxMessages     int32
	VisibilityTO    int32

	Pollers int
	BufSize int

	// MaxPollBackOff caps the wait between failed receive requests.
	MaxPollBackOff time.Duration

	// If set, a failed message becomes visible again after this many seconds.
	FailVisibilityTimeoutSeconds *int32
}

func (c *SourceSQSConfig) validate() {
	if c.WaitTimeSeconds < 0 || c.WaitTimeSeconds > 20 {
		panic("wait time seconds must be between 0 and 20")
	}
	if c.MaxMessages < 1 || c.MaxMessages > 10 {
		panic("max messages must be between 1 and 10")
	}
	if c.VisibilityTO < 0 {
		panic("visibility timeout must be non-negative")
	}
	if c.Pollers < 1 {
		panic("pollers must be at least 1")
	}
	if c.BufSize < 1 {
		panic("buffer size must be at least 1")
	}
	if c.MaxPollBackOff <= 0 {
		panic("max poll backoff must be positive")
	}
	if c.FailVisibilityTimeoutSeconds != nil && *c.FailVisibilityTimeoutSeconds < 0 {
		panic("fail visibility timeout seconds must be non-negative")
	}
}

var DefaultSourceSQSConfig = SourceSQSConfig{
	WaitTimeSeconds: 20,
	MaxMessages:     10,
	VisibilityTO:    30,
	Pollers:         3,
	BufSize:         256,
	MaxPollBackOff:  10 * time.Second,
}

type sqsAPI interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessageBatch(ctx context.Context, params *sqs.DeleteMessageBatchInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageBatchOutput, error)
	ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
	ChangeMessageVisibilityBatch(ctx context.Context, params *sqs.ChangeMessageVisibilityBatchInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityBatchOutput, error)
}

// SourceSQS long-polls an SQS queue with a fixed set of pollers feeding a
// bounded buffer. Receive drains the buffer in arrival order.
type SourceSQS struct {
	cfg    SourceSQSConfig
	logger *zap.Logger

	client      sqsAPI
	queueURL    string
	queueURLPtr *string

	bufCh chan *sqstypes.Message

	closeOnce sync.Once
	cancel    context.CancelFunc

	wg sync.WaitGroup
}

type SQSOption func(*SourceSQS)

func WithSQSLogger(l *zap.Logger) SQSOption {
	return func(s *SourceSQS) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewSQS starts the pollers and returns the source. Pollers stop when ctx is
// done or Close is called.
func NewSQS(ctx context.Context, client sqsAPI, queueURL string, cfg SourceSQSConfig, opts ...SQSOption) *SourceSQS {
	s := newSQS(client, queueURL, cfg, opts...)
	s.startPollers(ctx)
	return s
}

func newSQS(client sqsAPI, queueURL string, cfg SourceSQSConfig, opts ...SQSOption) *SourceSQS {
	if client == nil {
		panic("sqs client is required")
	}
	if queueURL == "" {
		panic("queue url is required")
	}
	cfg.validate()

	s := &SourceSQS{
		cfg:      cfg,
		logger:   zap.NewNop(),
		client:   client,
		queueURL: queueURL,
		bufCh:    make(chan *sqstypes.Message, cfg.BufSize),
		cancel:   func() {},
	}
	s.queueURLPtr = &s.queueURL
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *SourceSQS) startPollers(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	s.cancel = cancel

	s.wg.Add(s.cfg.Pollers)
	for i := 0; i < s.cfg.Pollers; i++ {
		go func() {
			defer s.wg.Done()
			s.poll(ctx)
		}()
	}
	go func() {
		s.wg.Wait()
		close(s.bufCh)
	}()
}

// poll keeps one long-poll request in flight. Failed requests are retried
// with exponential backoff; any successful receive resets it.
func (s *SourceSQS) poll(ctx context.Context) {
	b := s.pollBackOff()
	for {
		if ctx.Err() != nil {
			return
		}

		reqCtx, cancel := context.WithTimeout(ctx, time.Duration(s.cfg.WaitTimeSeconds+5)*time.Second)
		out, err := s.client.ReceiveMessage(reqCtx, &sqs.ReceiveMessageInput{
			QueueUrl:            s.queueURLPtr,
			MaxNumberOfMessages: s.cfg.MaxMessages,
			WaitTimeSeconds:     s.cfg.WaitTimeSeconds,
			VisibilityTimeout:   s.cfg.VisibilityTO,
			MessageSystemAttributeNames: []sqstypes.MessageSystemAttributeName{
				sqstypes.MessageSystemAttributeNameApproximateReceiveCount,
				sqstypes.MessageSystemAttributeNameSentTimestamp,
			},
		})
		cancel()

		if err != nil {
			if ctx.Err() != nil {
				return
			}
			delay := b.NextBackOff()
			s.logger.Warn("sqs receive failed",
				zap.String("queue", s.queueURL),
				zap.Duration("retry_in", delay),
				zap.Error(err))
			t := time.NewTimer(delay)
			select {
			case <-t.C:
				continue
			case <-ctx.Done():
				t.Stop()
				return
			}
		}
		b.Reset()

		for i := range out.Messages {
			msg := &out.Messages[i]
			select {
			case s.bufCh <- msg:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (s *SourceSQS) pollBackOff() backoff.BackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     250 * time.Millisecond,
		RandomizationFactor: backoff.DefaultRandomizationFactor,
		Multiplier:          backoff.DefaultMultiplier,
		MaxInterval:         s.cfg.MaxPollBackOff,
		MaxElapsedTime:      0,
		Clock:               backoff.SystemClock,
	}
	b.Reset()
	return b
}

func (s *SourceSQS) Close() {
	s.closeOnce.Do(func() {
		s.cancel()
	})
}

func (s *SourceSQS) Receive(ctx context.Context) (Message, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case m, ok := <-s.bufCh:
		if !ok {
			return nil, ErrClosed
		}
		return &sqsMessage{src: s, m: m}, nil
	}
}

// AckBatch deletes the given messages from the queue.
func (s *SourceSQS) AckBatch(ctx context.Context, msgs []Message) error {
	metas := make([]AckMetadata, 0, len(msgs))
	for _, m := range msgs {
		if m == nil {
			continue
		}
		am, ok := m.(ackMetable)
		if !ok {
			return fmt.Errorf("message does not carry sqs ack metadata: %T", m)
		}
		meta, ok := am.AckMeta()
		if !ok {
			return fmt.Errorf("message has no receipt handle: %T", m)
		}
		metas = append(metas, meta)
	}
	return s.AckBatchMeta(ctx, metas)
}

// AckBatchMeta deletes messages by receipt handle. It is the fast path used
// by AckGroup when every message exposes AckMetadata.
//
// A handle SQS rejects as invalid belongs to a message whose visibility
// timeout already ran out; it has been or will be delivered again, so it is
// logged and skipped. Every other failed entry is reported.
func (s *SourceSQS) AckBatchMeta(ctx context.Context, metas []AckMetadata) error {
	entries := make([]sqstypes.DeleteMessageBatchRequestEntry, 0, sqsMaxBatch)
	in := sqs.DeleteMessageBatchInput{QueueUrl: s.queueURLPtr}

	return inChunks(metas, func(chunk []AckMetadata) error {
		entries = entries[:0]
		for i := range chunk {
			entries = append(entries, sqstypes.DeleteMessageBatchRequestEntry{
				Id:            &chunk[i].ID,
				ReceiptHandle: &chunk[i].Handle,
			})
		}
		in.Entries = entries
		out, err := s.client.DeleteMessageBatch(ctx, &in)
		if err != nil {
			return err
		}

		var errs error
		for _, f := range out.Failed {
			if aws.ToString(f.Code) == sqsCodeInvalidHandle {
				s.logger.Warn("sqs receipt handle expired, message will be redelivered",
					zap.String("queue", s.queueURL),
					zap.String("id", aws.ToString(f.Id)))
				continue
			}
			errs = multierr.Append(errs, batchEntryError("delete", f))
		}
		return errs
	})
}

func (s *SourceSQS) ExtendVisibilityBatch(ctx context.Context, metas []AckMetadata, visibilityTimeoutSeconds int32) error {
	entries := make([]sqstypes.ChangeMessageVisibilityBatchRequestEntry, 0, sqsMaxBatch)
	in := sqs.ChangeMessageVisibilityBatchInput{QueueUrl: s.queueURLPtr}

	return inChunks(metas, func(chunk []AckMetadata) error {
		entries = entries[:0]
		for i := range chunk {
			entries = append(entries, sqstypes.ChangeMessageVisibilityBatchRequestEntry{
				Id:                &chunk[i].ID,
				ReceiptHandle:     &chunk[i].Handle,
				VisibilityTimeout: visibilityTimeoutSeconds,
			})
		}
		in.Entries = entries
		out, err := s.client.ChangeMessageVisibilityBatch(ctx, &in)
		if err != nil {
			return err
		}

		var errs error
		for _, f := range out.Failed {
			errs = multierr.Append(errs, batchEntryError("change visibility", f))
		}
		return errs
	})
}

// inChunks calls fn over metas in slices of at most sqsMaxBatch, stopping at
// the first error.
func inChunks(metas []AckMetadata, fn func(chunk []AckMetadata) error) error {
	for i := 0; i < len(metas); i += sqsMaxBatch {
		if err := fn(metas[i:min(i+sqsMaxBatch, len(metas))]); err != nil {
			return err
		}
	}
	return nil
}

func batchEntryError(op string, f sqstypes.BatchResultErrorEntry) error {
	return fmt.Errorf("sqs %s failed id=%s code=%s message=%s",
		op, aws.ToString(f.Id), aws.ToString(f.Code), aws.ToString(f.Message))
}

type sqsMessage struct {
	src *SourceSQS
	m   *sqstypes.Message
}

// Data carries the body as the payload. Meta holds message_id and, when SQS
// returned them, receive_count and sent_at (unix milliseconds).
func (m *sqsMessage) Data() Envelope {
	meta := map[string]string{"message_id": aws.ToString(m.m.MessageId)}
	if n, ok := m.m.Attributes[string(sqstypes.MessageSystemAttributeNameApproximateReceiveCount)]; ok {
		meta["receive_count"] = n
	}
	if ts, ok := m.m.Attributes[string(sqstypes.MessageSystemAttributeNameSentTimestamp)]; ok {
		meta["sent_at"] = ts
	}
	return Envelope{Payload: aws.ToString(m.m.Body), Meta: meta}
}

func (m *sqsMessage) AckMeta() (AckMetadata, bool) {
	rh := aws.ToString(m.m.ReceiptHandle)
	if rh == "" {
		return AckMetadata{}, false
	}
	// Batch entry ids only need to be unique within a request.
	id := aws.ToString(m.m.MessageId)
	if id == "" {
		id = strconv.FormatInt(time.Now().UnixNano(), 10)
	}
	return AckMetadata{ID: id, Handle: rh}, true
}

func (m *sqsMessage) Fail(ctx context.Context, err error) error {
	if m.src.cfg.FailVisibilityTimeoutSeconds == nil {
		return nil
	}
	_, callErr := m.src.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          m.src.queueURLPtr,
		ReceiptHandle:     m.m.ReceiptHandle,
		VisibilityTimeout: *m.src.cfg.FailVisibilityTimeoutSeconds,
	})
	if callErr != nil && !errors.Is(callErr, context.Canceled) && !errors.Is(callErr, context.DeadlineExceeded) {
		return callErr
	}
	return nil
}
