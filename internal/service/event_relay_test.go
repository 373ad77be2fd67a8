package service

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/claimdocs-api/internal/models"
	"github.com/noah-isme/claimdocs-api/pkg/events"
)

type outboxStub struct {
	mu        sync.Mutex
	events    []models.DocumentEvent
	published map[string]time.Time
	deferred  map[string]time.Time
	claims    int
}

func (o *outboxStub) ClaimPending(ctx context.Context, limit int, lease time.Duration) ([]models.DocumentEvent, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.claims++
	now := time.Now()
	var batch []models.DocumentEvent
	for i := range o.events {
		event := &o.events[i]
		if _, done := o.published[event.ID]; done {
			continue
		}
		if event.LockedUntil != nil && event.LockedUntil.After(now) {
			continue
		}
		until := now.Add(lease)
		event.LockedUntil = &until
		batch = append(batch, *event)
	}
	return batch, nil
}

func (o *outboxStub) MarkPublished(ctx context.Context, id string, at time.Time) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.published == nil {
		o.published = map[string]time.Time{}
	}
	o.published[id] = at
	return nil
}

func (o *outboxStub) Defer(ctx context.Context, id string, retryAt time.Time) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.deferred == nil {
		o.deferred = map[string]time.Time{}
	}
	for i := range o.events {
		if o.events[i].ID != id {
			continue
		}
		o.events[i].Attempts++
		o.events[i].LockedUntil = &retryAt
		o.deferred[id] = retryAt
		return o.events[i].Attempts, nil
	}
	return 0, nil
}

func (o *outboxStub) publishedCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.published)
}

func (o *outboxStub) attempts(id string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, event := range o.events {
		if event.ID == id {
			return event.Attempts
		}
	}
	return 0
}

type publisherStub struct {
	mu        sync.Mutex
	messages  []events.Message
	err       error
	failFirst int
	calls     int
}

func (p *publisherStub) Publish(ctx context.Context, msg events.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.err != nil {
		return p.err
	}
	if p.calls <= p.failFirst {
		return errBoom
	}
	p.messages = append(p.messages, msg)
	return nil
}

func (p *publisherStub) Close() error { return nil }

func (p *publisherStub) sent() []events.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]events.Message(nil), p.messages...)
}

func TestEventRelayPublishesAndMarks(t *testing.T) {
	reason := "illegible"
	store := &outboxStub{events: []models.DocumentEvent{
		{ID: "evt-1", Type: models.EventDocumentRejected, DocumentID: "doc-1", ClaimID: "claim-1", CustomerID: "cust-1", Reason: &reason, OccurredAt: time.Now().UTC()},
		{ID: "evt-2", Type: models.EventDocumentApproved, DocumentID: "doc-2", ClaimID: "claim-1", CustomerID: "cust-1", OccurredAt: time.Now().UTC()},
	}}
	publisher := &publisherStub{}
	relay := NewEventRelay(store, publisher, &metricsSpy{}, EventRelayConfig{Workers: 1})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	relay.queue.Start(ctx)
	defer relay.queue.Stop()

	n, err := relay.PollOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.Eventually(t, func() bool {
		return store.publishedCount() == 2
	}, time.Second, 5*time.Millisecond)

	sent := publisher.sent()
	require.Len(t, sent, 2)
	assert.Equal(t, "evt-1", sent[0].ID)
	assert.Equal(t, "claim-1", sent[0].Key)
	assert.Equal(t, string(models.EventDocumentRejected), sent[0].Type)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(sent[0].Body, &body))
	assert.Equal(t, "illegible", body["reason"])
	assert.Equal(t, "cust-1", body["customer_id"])
	assert.NotContains(t, body, "attempts")

	n, err = relay.PollOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "published events are not leased again")
}

func TestEventRelayDefersFailedDelivery(t *testing.T) {
	store := &outboxStub{events: []models.DocumentEvent{{ID: "evt-9", Type: models.EventDocumentApproved, ClaimID: "claim-1"}}}
	publisher := &publisherStub{err: errBoom}
	relay := NewEventRelay(store, publisher, nil, EventRelayConfig{Workers: 1, Retries: 1, RetryDelay: time.Millisecond, RetryBackoff: time.Minute})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	relay.queue.Start(ctx)
	defer relay.queue.Stop()

	before := time.Now()
	_, err := relay.PollOnce(ctx)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return store.attempts("evt-9") == 1
	}, time.Second, 5*time.Millisecond)
	assert.Zero(t, store.publishedCount())

	store.mu.Lock()
	retryAt := store.deferred["evt-9"]
	store.mu.Unlock()
	assert.WithinDuration(t, before.Add(time.Minute), retryAt, 5*time.Second)

	n, err := relay.PollOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "deferred events wait for their backoff")
}

func TestEventRelayDeliversAfterLongOutage(t *testing.T) {
	store := &outboxStub{events: []models.DocumentEvent{{ID: "evt-3", Type: models.EventDocumentRejected, ClaimID: "claim-7"}}}
	publisher := &publisherStub{failFirst: 8}
	metrics := &metricsSpy{}
	relay := NewEventRelay(store, publisher, metrics, EventRelayConfig{
		Workers:      1,
		RetryDelay:   time.Millisecond,
		RetryBackoff: time.Millisecond,
		MaxBackoff:   2 * time.Millisecond,
		StallAfter:   3,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	relay.queue.Start(ctx)
	defer relay.queue.Stop()

	require.Eventually(t, func() bool {
		if _, err := relay.PollOnce(ctx); err != nil {
			return false
		}
		return store.publishedCount() == 1
	}, 3*time.Second, 2*time.Millisecond)

	assert.Equal(t, 8, store.attempts("evt-3"))
	assert.Equal(t, 1, metrics.stalledCount())
	require.Len(t, publisher.sent(), 1)
	assert.Equal(t, "evt-3", publisher.sent()[0].ID)
}

func TestEventRelayBackoffDoublesUpToCap(t *testing.T) {
	relay := NewEventRelay(&outboxStub{}, &publisherStub{}, nil, EventRelayConfig{RetryBackoff: time.Second, MaxBackoff: 10 * time.Second})

	assert.Equal(t, time.Second, relay.backoff(0))
	assert.Equal(t, 2*time.Second, relay.backoff(1))
	assert.Equal(t, 8*time.Second, relay.backoff(3))
	assert.Equal(t, 10*time.Second, relay.backoff(4))
	assert.Equal(t, 10*time.Second, relay.backoff(50))
}

func TestEventRelayRunStopsWithContext(t *testing.T) {
	store := &outboxStub{}
	relay := NewEventRelay(store, &publisherStub{}, nil, EventRelayConfig{Interval: 5 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- relay.Run(ctx) }()

	require.Eventually(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return store.claims >= 2
	}, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("relay did not stop")
	}
}
