package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/segmentio/kafka-go"
)

type SourceKafkaConfig struct {
	Brokers []string
	Topic   string
	GroupID string

	MinBytes int
	MaxBytes int
}

var DefaultSourceKafkaConfig = SourceKafkaConfig{
	MinBytes: 1,
	MaxBytes: 10 << 20,
}

func (c SourceKafkaConfig) validate() error {
	if len(c.Brokers) == 0 {
		return errors.New("kafka: at least one broker is required")
	}
	if c.Topic == "" {
		return errors.New("kafka: topic is required")
	}
	if c.GroupID == "" {
		return errors.New("kafka: group id is required")
	}
	return nil
}

type kafkaReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// SourceKafka consumes a topic as part of a consumer group. Offsets are
// committed only when messages are acknowledged, so an unacked partial batch is
// redelivered after a restart.
type SourceKafka struct {
	r kafkaReader
}

func NewKafka(cfg SourceKafkaConfig) (*SourceKafka, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: cfg.MinBytes,
		MaxBytes: cfg.MaxBytes,
	})
	return &SourceKafka{r: r}, nil
}

func (s *SourceKafka) Receive(ctx context.Context) (Message, error) {
	m, err := s.r.FetchMessage(ctx)
	if err != nil {
		// kafka-go reports a closed reader as io.EOF.
		if errors.Is(err, io.EOF) {
			return nil, ErrClosed
		}
		return nil, err
	}
	return kafkaMessage{m: m}, nil
}

func (s *SourceKafka) AckBatch(ctx context.Context, msgs []Message) error {
	out := make([]kafka.Message, 0, len(msgs))
	for _, m := range msgs {
		if m == nil {
			continue
		}
		km, ok := m.(kafkaMessage)
		if !ok {
			return fmt.Errorf("message is not a kafka message: %T", m)
		}
		out = append(out, km.m)
	}
	if len(out) == 0 {
		return nil
	}
	return s.r.CommitMessages(ctx, out...)
}

func (s *SourceKafka) Close() error {
	return s.r.Close()
}

type kafkaMessage struct {
	m kafka.Message
}

func (m kafkaMessage) Data() Envelope {
	return Envelope{
		Payload: m.m.Value,
		Meta: map[string]string{
			"topic":     m.m.Topic,
			"partition": strconv.Itoa(m.m.Partition),
			"offset":    strconv.FormatInt(m.m.Offset, 10),
		},
	}
}

// Fail is a no-op: Kafka has no per-message negative acknowledgement, and an
// uncommitted offset is enough for redelivery.
func (m kafkaMessage) Fail(ctx context.Context, reason error) error { return nil }
