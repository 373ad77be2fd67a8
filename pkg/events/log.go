package events

import (
	"context"

	"go.uber.org/zap"
)

// LogPublisher writes events to the structured log. Used in development.
type LogPublisher struct {
	logger *zap.Logger
}

// NewLogPublisher constructs a log-only publisher.
func NewLogPublisher(logger *zap.Logger) *LogPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Publish(_ context.Context, msg Message) error {
	p.logger.Info("document event",
		zap.String("event_id", msg.ID),
		zap.String("event_type", msg.Type),
		zap.String("key", msg.Key),
		zap.ByteString("body", msg.Body),
	)
	return nil
}

func (p *LogPublisher) Close() error { return nil }
