package repository

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/claimdocs-api/internal/models"
)

const maxChainAttempts = 5

// ErrAccessChainContention is returned when the chain head kept moving under concurrent appends.
var ErrAccessChainContention = errors.New("access log chain contention")

const accessLogColumns = `id, document_id, chain_index, actor_id, action, origin, created_at, prev_hash, entry_hash, insert_order`

const chainHeadQuery = `SELECT chain_index, entry_hash FROM access_logs
	WHERE document_id = $1 ORDER BY chain_index DESC LIMIT 1`

const insertAccessLogQuery = `INSERT INTO access_logs
	(id, document_id, chain_index, actor_id, action, origin, created_at, prev_hash, entry_hash)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	ON CONFLICT (document_id, chain_index) DO NOTHING
	RETURNING insert_order`

// AccessLogRepository appends and reads the tamper-evident access trail.
type AccessLogRepository struct {
	db *sqlx.DB
}

// NewAccessLogRepository constructs the repository.
func NewAccessLogRepository(db *sqlx.DB) *AccessLogRepository {
	return &AccessLogRepository{db: db}
}

// Append writes a standalone entry. Entries tied to a metadata change are
// written by DocumentRepository inside the same transaction instead.
func (r *AccessLogRepository) Append(ctx context.Context, entry *models.AccessLogEntry) error {
	return appendAccessEntry(ctx, r.db, entry)
}

// ListByDocument returns entries ordered by time, ties broken by insertion order.
func (r *AccessLogRepository) ListByDocument(ctx context.Context, documentID string, limit, offset int) ([]models.AccessLogEntry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	query := fmt.Sprintf(`SELECT %s FROM access_logs WHERE document_id = $1
	ORDER BY created_at ASC, insert_order ASC LIMIT %d OFFSET %d`, accessLogColumns, limit, offset)
	var entries []models.AccessLogEntry
	if err := r.db.SelectContext(ctx, &entries, query, documentID); err != nil {
		return nil, fmt.Errorf("list access logs: %w", err)
	}
	return entries, nil
}

// Chain returns every entry of a document in chain order.
func (r *AccessLogRepository) Chain(ctx context.Context, documentID string) ([]models.AccessLogEntry, error) {
	query := fmt.Sprintf(`SELECT %s FROM access_logs WHERE document_id = $1 ORDER BY chain_index ASC`, accessLogColumns)
	var entries []models.AccessLogEntry
	if err := r.db.SelectContext(ctx, &entries, query, documentID); err != nil {
		return nil, fmt.Errorf("load access log chain: %w", err)
	}
	return entries, nil
}

// CountByDocument returns the number of entries for a document.
func (r *AccessLogRepository) CountByDocument(ctx context.Context, documentID string) (int, error) {
	var total int
	if err := r.db.GetContext(ctx, &total, `SELECT COUNT(*) FROM access_logs WHERE document_id = $1`, documentID); err != nil {
		return 0, fmt.Errorf("count access logs: %w", err)
	}
	return total, nil
}

// ComputeEntryHash hashes the previous hash together with the entry's canonical fields.
func ComputeEntryHash(entry *models.AccessLogEntry) string {
	origin := ""
	if entry.Origin != nil {
		origin = *entry.Origin
	}
	canonical, _ := json.Marshal([]string{
		entry.PrevHash,
		entry.ID,
		entry.DocumentID,
		fmt.Sprintf("%d", entry.ChainIndex),
		entry.ActorID,
		string(entry.Action),
		origin,
		entry.CreatedAt.UTC().Format(time.RFC3339Nano),
	})
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}

type chainHead struct {
	Index int64  `db:"chain_index"`
	Hash  string `db:"entry_hash"`
}

func appendAccessEntry(ctx context.Context, q sqlx.QueryerContext, entry *models.AccessLogEntry) error {
	if entry == nil {
		return errors.New("access log entry is required")
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	entry.CreatedAt = entry.CreatedAt.UTC().Truncate(time.Microsecond)

	for attempt := 0; attempt < maxChainAttempts; attempt++ {
		head := chainHead{Hash: models.GenesisHash}
		if err := sqlx.GetContext(ctx, q, &head, chainHeadQuery, entry.DocumentID); err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("read access log head: %w", err)
		}
		entry.ChainIndex = head.Index + 1
		entry.PrevHash = head.Hash
		entry.EntryHash = ComputeEntryHash(entry)

		var order int64
		err := sqlx.GetContext(ctx, q, &order, insertAccessLogQuery,
			entry.ID,
			entry.DocumentID,
			entry.ChainIndex,
			entry.ActorID,
			entry.Action,
			entry.Origin,
			entry.CreatedAt,
			entry.PrevHash,
			entry.EntryHash,
		)
		if err == nil {
			entry.InsertOrder = order
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("insert access log: %w", err)
		}
	}
	return ErrAccessChainContention
}
