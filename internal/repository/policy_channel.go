package repository

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// PolicyChannel fans out policy reload notifications between API replicas.
type PolicyChannel struct {
	client  *redis.Client
	channel string
	logger  *zap.Logger
}

// NewPolicyChannel constructs the channel. A nil client disables broadcasting.
func NewPolicyChannel(client *redis.Client, channel string, logger *zap.Logger) *PolicyChannel {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PolicyChannel{client: client, channel: channel, logger: logger}
}

// Publish announces that the rule set changed.
func (p *PolicyChannel) Publish(ctx context.Context, category string) error {
	if p == nil || p.client == nil {
		return nil
	}
	if err := p.client.Publish(ctx, p.channel, category).Err(); err != nil {
		return fmt.Errorf("publish policy reload: %w", err)
	}
	return nil
}

// Subscribe invokes fn for every notification until ctx is cancelled.
func (p *PolicyChannel) Subscribe(ctx context.Context, fn func(ctx context.Context, category string)) error {
	if p == nil || p.client == nil {
		<-ctx.Done()
		return nil
	}
	sub := p.client.Subscribe(ctx, p.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe policy reload: %w", err)
	}
	messages := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			p.logger.Debug("policy reload notification", zap.String("category", msg.Payload))
			fn(ctx, msg.Payload)
		}
	}
}
