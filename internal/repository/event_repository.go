package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/claimdocs-api/internal/models"
)

const eventColumns = `id, type, document_id, claim_id, customer_id, category, reason, deadline, occurred_at, attempts, locked_until, published_at`

// EventRepository reads the transactional outbox of customer notifications.
type EventRepository struct {
	db *sqlx.DB
}

// NewEventRepository constructs the repository.
func NewEventRepository(db *sqlx.DB) *EventRepository {
	return &EventRepository{db: db}
}

// ClaimPending leases up to limit unpublished events. Rows leased by another
// relay, or deferred after a failed delivery, are skipped until locked_until passes.
func (r *EventRepository) ClaimPending(ctx context.Context, limit int, lease time.Duration) ([]models.DocumentEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	now := time.Now().UTC()
	query := `UPDATE document_events SET locked_until = $1
WHERE id IN (
	SELECT id FROM document_events
	WHERE published_at IS NULL AND (locked_until IS NULL OR locked_until < $2)
	ORDER BY occurred_at ASC
	LIMIT $3
	FOR UPDATE SKIP LOCKED
)
RETURNING ` + eventColumns
	var events []models.DocumentEvent
	if err := r.db.SelectContext(ctx, &events, query, now.Add(lease), now, limit); err != nil {
		return nil, fmt.Errorf("claim document events: %w", err)
	}
	return events, nil
}

// MarkPublished records successful delivery.
func (r *EventRepository) MarkPublished(ctx context.Context, id string, at time.Time) error {
	const query = `UPDATE document_events SET published_at = $2, locked_until = NULL WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id, at); err != nil {
		return fmt.Errorf("mark event published: %w", err)
	}
	return nil
}

// Defer counts a failed delivery and hides the event until retryAt.
// It returns the number of failed deliveries so far.
func (r *EventRepository) Defer(ctx context.Context, id string, retryAt time.Time) (int, error) {
	const query = `UPDATE document_events SET attempts = attempts + 1, locked_until = $2
WHERE id = $1 AND published_at IS NULL
RETURNING attempts`
	var attempts int
	if err := r.db.GetContext(ctx, &attempts, query, id, retryAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("defer event: %w", err)
	}
	return attempts, nil
}

// CountPending returns the outbox backlog.
func (r *EventRepository) CountPending(ctx context.Context) (int, error) {
	var total int
	if err := r.db.GetContext(ctx, &total, `SELECT COUNT(*) FROM document_events WHERE published_at IS NULL`); err != nil {
		return 0, fmt.Errorf("count pending events: %w", err)
	}
	return total, nil
}

func insertEvent(ctx context.Context, tx *sqlx.Tx, event *models.DocumentEvent) error {
	const query = `INSERT INTO document_events (id, type, document_id, claim_id, customer_id, category, reason, deadline, occurred_at)
VALUES (:id, :type, :document_id, :claim_id, :customer_id, :category, :reason, :deadline, :occurred_at)`
	if _, err := tx.NamedExecContext(ctx, query, event); err != nil {
		return fmt.Errorf("insert document event: %w", err)
	}
	return nil
}
