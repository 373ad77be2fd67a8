// Package events delivers document lifecycle notifications to the notification subsystem.
package events

import (
	"context"
	"time"
)

// Message is a serialized domain event ready for a broker.
type Message struct {
	ID         string
	Type       string
	Key        string
	Body       []byte
	OccurredAt time.Time
}

// Publisher hands messages to a broker. Publish may be called again with the
// same message after a failure, so brokers must tolerate duplicates.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
	Close() error
}
