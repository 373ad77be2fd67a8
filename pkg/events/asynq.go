package events

import (
	"context"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"
)

// AsynqQueue is the asynq queue notification workers consume.
const AsynqQueue = "notifications"

// AsynqPublisher enqueues each event as an asynq task named after the event type.
type AsynqPublisher struct {
	client   *asynq.Client
	maxRetry int
}

// NewAsynqPublisher constructs a publisher using the given Redis connection options.
func NewAsynqPublisher(opt asynq.RedisClientOpt, maxRetry int) *AsynqPublisher {
	if maxRetry <= 0 {
		maxRetry = 5
	}
	return &AsynqPublisher{client: asynq.NewClient(opt), maxRetry: maxRetry}
}

// Publish enqueues the event. The event id doubles as task id, so a
// re-delivered event is recognised by asynq and treated as published.
func (p *AsynqPublisher) Publish(ctx context.Context, msg Message) error {
	task := asynq.NewTask(msg.Type, msg.Body)
	_, err := p.client.EnqueueContext(ctx, task,
		asynq.TaskID(msg.ID),
		asynq.Queue(AsynqQueue),
		asynq.MaxRetry(p.maxRetry),
	)
	if err != nil && !errors.Is(err, asynq.ErrTaskIDConflict) {
		return fmt.Errorf("enqueue %s: %w", msg.Type, err)
	}
	return nil
}

// Close releases the Redis connection.
func (p *AsynqPublisher) Close() error {
	return p.client.Close()
}
