package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/claimdocs-api/internal/models"
	"github.com/noah-isme/claimdocs-api/pkg/events"
	"github.com/noah-isme/claimdocs-api/pkg/jobs"
)

type outboxStore interface {
	ClaimPending(ctx context.Context, limit int, lease time.Duration) ([]models.DocumentEvent, error)
	MarkPublished(ctx context.Context, id string, at time.Time) error
	Defer(ctx context.Context, id string, retryAt time.Time) (int, error)
}

type eventMetrics interface {
	RecordEventPublished(eventType string, ok bool)
	RecordEventStalled(eventType string)
}

// EventRelayConfig tunes outbox polling and delivery. An event whose in-process
// retries are exhausted is deferred for RetryBackoff, doubling per failed
// delivery up to MaxBackoff. It is never dropped; once StallAfter deliveries
// have failed the relay reports it as stalled.
type EventRelayConfig struct {
	Interval     time.Duration
	BatchSize    int
	Lease        time.Duration
	Workers      int
	Retries      int
	RetryDelay   time.Duration
	RetryBackoff time.Duration
	MaxBackoff   time.Duration
	StallAfter   int
	Logger       *zap.Logger
}

// EventRelay moves committed outbox rows to the broker. Delivery is at least once.
type EventRelay struct {
	store     outboxStore
	publisher events.Publisher
	metrics   eventMetrics
	queue     *jobs.Queue[models.DocumentEvent]
	cfg       EventRelayConfig
	logger    *zap.Logger
}

// NewEventRelay constructs the relay.
func NewEventRelay(store outboxStore, publisher events.Publisher, metrics eventMetrics, cfg EventRelayConfig) *EventRelay {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 2 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.Lease <= 0 {
		cfg.Lease = 30 * time.Second
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 5 * time.Second
	}
	if cfg.MaxBackoff < cfg.RetryBackoff {
		cfg.MaxBackoff = 5 * time.Minute
		if cfg.MaxBackoff < cfg.RetryBackoff {
			cfg.MaxBackoff = cfg.RetryBackoff
		}
	}
	if cfg.StallAfter <= 0 {
		cfg.StallAfter = 20
	}
	r := &EventRelay{store: store, publisher: publisher, metrics: metrics, cfg: cfg, logger: cfg.Logger}
	r.queue = jobs.NewQueue[models.DocumentEvent]("document-events", r.deliver, jobs.QueueConfig{
		Workers:    cfg.Workers,
		BufferSize: cfg.BatchSize,
		MaxRetries: cfg.Retries,
		RetryDelay: cfg.RetryDelay,
		Logger:     cfg.Logger,
	})
	r.queue.OnExhausted(r.deferDelivery)
	return r
}

// Run polls the outbox until ctx is cancelled.
func (r *EventRelay) Run(ctx context.Context) error {
	r.queue.Start(ctx)
	defer r.queue.Stop()

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		if _, err := r.PollOnce(ctx); err != nil && ctx.Err() == nil {
			r.logger.Error("event relay poll failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// PollOnce leases one batch and hands it to the delivery workers.
func (r *EventRelay) PollOnce(ctx context.Context) (int, error) {
	pending, err := r.store.ClaimPending(ctx, r.cfg.BatchSize, r.cfg.Lease)
	if err != nil {
		return 0, err
	}
	for _, event := range pending {
		if err := r.queue.Enqueue(jobs.Job[models.DocumentEvent]{ID: event.ID, Type: string(event.Type), Payload: event}); err != nil {
			return 0, fmt.Errorf("enqueue event %s: %w", event.ID, err)
		}
	}
	return len(pending), nil
}

func (r *EventRelay) deliver(ctx context.Context, job jobs.Job[models.DocumentEvent]) error {
	event := job.Payload
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	err = r.publisher.Publish(ctx, events.Message{
		ID:         event.ID,
		Type:       string(event.Type),
		Key:        event.ClaimID,
		Body:       body,
		OccurredAt: event.OccurredAt,
	})
	if r.metrics != nil {
		r.metrics.RecordEventPublished(string(event.Type), err == nil)
	}
	if err != nil {
		return err
	}
	if err := r.store.MarkPublished(ctx, event.ID, time.Now().UTC()); err != nil {
		// The event went out; a later poll will publish it again once the lease lapses.
		r.logger.Warn("published event not marked", zap.String("event_id", event.ID), zap.Error(err))
	}
	return nil
}

func (r *EventRelay) deferDelivery(ctx context.Context, job jobs.Job[models.DocumentEvent], cause error) {
	event := job.Payload
	retryAt := time.Now().UTC().Add(r.backoff(event.Attempts))
	attempts, err := r.store.Defer(context.WithoutCancel(ctx), event.ID, retryAt)
	if err != nil {
		// The lease still expires, so the event is retried anyway.
		r.logger.Warn("failed to defer event", zap.String("event_id", event.ID), zap.Error(err))
		return
	}
	if attempts == r.cfg.StallAfter {
		r.logger.Error("event delivery stalled",
			zap.String("event_id", event.ID),
			zap.String("type", string(event.Type)),
			zap.Int("attempts", attempts),
			zap.Error(cause),
		)
		if r.metrics != nil {
			r.metrics.RecordEventStalled(string(event.Type))
		}
	}
}

// backoff returns the deferral after failures earlier failed deliveries.
func (r *EventRelay) backoff(failures int) time.Duration {
	d := r.cfg.RetryBackoff
	for i := 0; i < failures && d < r.cfg.MaxBackoff; i++ {
		d *= 2
	}
	if d > r.cfg.MaxBackoff {
		d = r.cfg.MaxBackoff
	}
	return d
}
