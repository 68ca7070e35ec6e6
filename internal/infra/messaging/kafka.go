// Package messaging delivers domain events to Kafka.
package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/boddenberg/starbank-bfa-go/internal/port"
)

// KafkaWriter wraps kafka.Writer methods for testing.
type KafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaConfig holds producer settings.
type KafkaConfig struct {
	Brokers      []string
	Topic        string
	WriteTimeout time.Duration
}

// Envelope is the JSON body of every event message.
type Envelope struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Payload    any       `json:"payload"`
}

// KafkaPublisher writes each event as one message keyed by Event.Key, so all
// events of one card or transfer land on the same partition.
type KafkaPublisher struct {
	writer KafkaWriter
	topic  string
	logger *zap.Logger
	now    func() time.Time
}

// NewKafkaPublisher builds a synchronous writer. Delivery runs on the async
// pool, so blocking here never reaches a request.
func NewKafkaPublisher(cfg KafkaConfig, logger *zap.Logger) (*KafkaPublisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers are not configured")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka events topic is not configured")
	}

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
		WriteTimeout:           cfg.WriteTimeout,
	}
	logger.Info("kafka publisher ready",
		zap.Strings("brokers", cfg.Brokers),
		zap.String("topic", cfg.Topic),
	)
	return newKafkaPublisher(writer, cfg.Topic, logger), nil
}

func newKafkaPublisher(w KafkaWriter, topic string, logger *zap.Logger) *KafkaPublisher {
	return &KafkaPublisher{writer: w, topic: topic, logger: logger, now: time.Now}
}

// Publish implements port.EventPublisher.
func (p *KafkaPublisher) Publish(ctx context.Context, evt port.Event) error {
	value, err := json.Marshal(Envelope{
		ID:         uuid.NewString(),
		Type:       evt.Type,
		OccurredAt: p.now().UTC(),
		Payload:    evt.Payload,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal %s event: %w", evt.Type, err)
	}

	msg := kafka.Message{
		Key:     []byte(evt.Key),
		Value:   value,
		Headers: []kafka.Header{{Key: "event-type", Value: []byte(evt.Type)}},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.logger.Error("failed to publish event",
			zap.String("topic", p.topic),
			zap.String("event", evt.Type),
			zap.String("key", evt.Key),
			zap.Error(err),
		)
		return fmt.Errorf("failed to publish %s to %s: %w", evt.Type, p.topic, err)
	}

	p.logger.Debug("event published", zap.String("topic", p.topic), zap.String("event", evt.Type))
	return nil
}

// Close flushes and closes the writer.
func (p *KafkaPublisher) Close() error {
	p.logger.Info("closing kafka publisher", zap.String("topic", p.topic))
	if err := p.writer.Close(); err != nil {
		return fmt.Errorf("failed to close kafka writer for topic %s: %w", p.topic, err)
	}
	return nil
}

// NopPublisher drops every event. Used when no broker is configured.
type NopPublisher struct{}

// Publish implements port.EventPublisher.
func (NopPublisher) Publish(context.Context, port.Event) error { return nil }
