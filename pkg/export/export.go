// Package export mirrors persisted events to downstream consumers. Mirroring is
// strictly best effort: the event store stays the source of truth and a failed
// publish never fails the ingestion job that triggered it.
package export

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	kafka "github.com/segmentio/kafka-go"

	"github.com/platinummonkey/pulse/pkg/events"
)

// DefaultTopic is used when no topic is configured
const DefaultTopic = "pulse.events"

// Publisher mirrors a persisted event
type Publisher interface {
	Publish(ctx context.Context, e *events.Event) error
	Close() error
}

// Noop discards every event
type Noop struct{}

func (Noop) Publish(ctx context.Context, e *events.Event) error { return nil }
func (Noop) Close() error                                        { return nil }

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes events as JSON keyed by tenant and session, so all events of a
// session land on one partition
type KafkaPublisher struct {
	writer  messageWriter
	timeout time.Duration
}

// NewKafka returns a Kafka publisher, or Noop when no brokers are configured
func NewKafka(brokers []string, topic string) Publisher {
	if len(brokers) == 0 {
		return Noop{}
	}
	if topic == "" {
		topic = DefaultTopic
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		RequiredAcks: kafka.RequireOne,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
	}
	return &KafkaPublisher{writer: w, timeout: 2 * time.Second}
}

// MessageKey is the partition key for an event
func MessageKey(e *events.Event) []byte {
	return []byte(e.TenantID + ":" + e.SessionID)
}

func (p *KafkaPublisher) Publish(ctx context.Context, e *events.Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode event %s: %w", e.ID, err)
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	msg := kafka.Message{
		Key:   MessageKey(e),
		Value: body,
		Time:  e.Timestamp,
		Headers: []kafka.Header{
			{Key: "tenant_id", Value: []byte(e.TenantID)},
			{Key: "event_type", Value: []byte(e.EventType)},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to publish event %s: %w", e.ID, err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
