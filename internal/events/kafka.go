package events

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
)

// Envelope is the wire schema published for every payment event.
type Envelope struct {
	EventID      string          `json:"eventId"`
	EventType    string          `json:"eventType"`
	EventVersion string          `json:"eventVersion"`
	OccurredAt   time.Time       `json:"occurredAt"`
	AggregateID  string          `json:"aggregateId"`
	Data         json.RawMessage `json:"data"`
}

const envelopeVersion = "1"

// MessageWriter is the subset of *kafka.Writer used by the publisher.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher forwards emitted events to a Kafka topic keyed by transaction
// id so each payment's events stay on one partition.
type KafkaPublisher struct {
	Writer MessageWriter
	Topic  string
}

// NewKafkaPublisher builds a publisher for the given brokers.
func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	return &KafkaPublisher{
		Writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			BatchTimeout: 10 * time.Millisecond,
		},
		Topic: topic,
	}
}

// Notify implements Notifier.
func (p *KafkaPublisher) Notify(ctx context.Context, ev Event) error {
	if p == nil || p.Writer == nil {
		return errors.New("events: kafka writer not configured")
	}
	topic := strings.TrimSpace(p.Topic)
	if topic == "" {
		return errors.New("events: kafka topic not configured")
	}
	val, err := json.Marshal(Envelope{
		EventID:      ev.ID.String(),
		EventType:    ev.Topic,
		EventVersion: envelopeVersion,
		OccurredAt:   ev.OccurredAt,
		AggregateID:  ev.AggregateID,
		Data:         ev.Payload,
	})
	if err != nil {
		return err
	}
	return p.Writer.WriteMessages(ctx, kafka.Message{
		Topic: topic,
		Key:   []byte(ev.AggregateID),
		Value: val,
		Headers: []kafka.Header{
			{Key: "event-type", Value: []byte(ev.Topic)},
		},
	})
}

// Close flushes and closes the underlying writer.
func (p *KafkaPublisher) Close() error {
	if p == nil || p.Writer == nil {
		return nil
	}
	return p.Writer.Close()
}
