package events

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaPublisher writes events to a Kafka topic keyed by claim.
type KafkaPublisher struct {
	writer *kafka.Writer
}

// NewKafkaPublisher constructs a publisher for topic on brokers.
func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	return &KafkaPublisher{writer: &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 50 * time.Millisecond,
	}}
}

// Publish writes one message and waits for acknowledgement.
func (p *KafkaPublisher) Publish(ctx context.Context, msg Message) error {
	err := p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(msg.Key),
		Value: msg.Body,
		Time:  msg.OccurredAt,
		Headers: []kafka.Header{
			{Key: "event_id", Value: []byte(msg.ID)},
			{Key: "event_type", Value: []byte(msg.Type)},
		},
	})
	if err != nil {
		return fmt.Errorf("kafka publish %s: %w", msg.ID, err)
	}
	return nil
}

// Close flushes pending writes.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
