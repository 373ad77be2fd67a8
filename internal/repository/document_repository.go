package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/claimdocs-api/internal/models"
)

// ErrDuplicateReuploadRequest signals that the document already has an open re-upload request.
var ErrDuplicateReuploadRequest = errors.New("re-upload request already open")

const documentColumns = `id, claim_id, customer_id, category, stored_filename, original_filename, size_bytes,
declared_mime_type, detected_mime_type, extension, storage_key, encryption_key_id, content_digest, status,
rejection_reason, reviewed_by, reviewed_at, scan_verdict, policy_version, supersedes_id, uploaded_by,
uploaded_at, last_accessed_at, deleted_at`

const insertDocumentQuery = `INSERT INTO documents (id, claim_id, customer_id, category, stored_filename, original_filename,
size_bytes, declared_mime_type, detected_mime_type, extension, storage_key, encryption_key_id, content_digest,
status, scan_verdict, policy_version, supersedes_id, uploaded_by, uploaded_at)
VALUES (:id, :claim_id, :customer_id, :category, :stored_filename, :original_filename,
:size_bytes, :declared_mime_type, :detected_mime_type, :extension, :storage_key, :encryption_key_id, :content_digest,
:status, :scan_verdict, :policy_version, :supersedes_id, :uploaded_by, :uploaded_at)
ON CONFLICT (claim_id, category, content_digest) WHERE deleted_at IS NULL AND status <> 'rejected'
DO NOTHING
RETURNING id`

const activeByDigestQuery = `SELECT ` + documentColumns + ` FROM documents
WHERE claim_id = $1 AND category = $2 AND content_digest = $3 AND deleted_at IS NULL AND status <> 'rejected'
LIMIT 1`

// TransitionParams describes a guarded status change.
type TransitionParams struct {
	ID         string
	From       models.DocumentStatus
	To         models.DocumentStatus
	ReviewedBy string
	ReviewedAt time.Time
	Reason     *string
}

// DocumentRepository persists document metadata together with its access trail.
type DocumentRepository struct {
	db *sqlx.DB
}

// NewDocumentRepository constructs the repository.
func NewDocumentRepository(db *sqlx.DB) *DocumentRepository {
	return &DocumentRepository{db: db}
}

// FindByID returns the document including soft-deleted rows.
func (r *DocumentRepository) FindByID(ctx context.Context, id string) (*models.Document, error) {
	query := `SELECT ` + documentColumns + ` FROM documents WHERE id = $1`
	var doc models.Document
	if err := r.db.GetContext(ctx, &doc, query, id); err != nil {
		return nil, err
	}
	return &doc, nil
}

// FindActiveByDigest returns the live document with identical content in the same claim and category.
func (r *DocumentRepository) FindActiveByDigest(ctx context.Context, claimID, category, digest string) (*models.Document, error) {
	var doc models.Document
	if err := r.db.GetContext(ctx, &doc, activeByDigestQuery, claimID, category, digest); err != nil {
		return nil, err
	}
	return &doc, nil
}

// ListByClaim returns live documents of a claim, newest first.
func (r *DocumentRepository) ListByClaim(ctx context.Context, filter models.DocumentFilter) ([]models.Document, int, error) {
	conditions := []string{"claim_id = $1", "deleted_at IS NULL"}
	args := []interface{}{filter.ClaimID}
	if filter.Category != "" {
		args = append(args, filter.Category)
		conditions = append(conditions, fmt.Sprintf("category = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, filter.Status)
		conditions = append(conditions, fmt.Sprintf("status = $%d", len(args)))
	}
	where := strings.Join(conditions, " AND ")

	var total int
	if err := r.db.GetContext(ctx, &total, "SELECT COUNT(*) FROM documents WHERE "+where, args...); err != nil {
		return nil, 0, fmt.Errorf("count documents: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}
	query := fmt.Sprintf(`SELECT %s FROM documents WHERE %s ORDER BY uploaded_at DESC, id ASC LIMIT %d OFFSET %d`,
		documentColumns, where, limit, offset)
	var docs []models.Document
	if err := r.db.SelectContext(ctx, &docs, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list documents: %w", err)
	}
	return docs, total, nil
}

// FindOpenReuploadRequest returns the newest unfulfilled request for a claim category.
func (r *DocumentRepository) FindOpenReuploadRequest(ctx context.Context, claimID, category string) (*models.ReuploadRequest, error) {
	const query = `SELECT id, document_id, claim_id, category, requested_by, deadline, created_at, fulfilled_by, fulfilled_at
FROM reupload_requests WHERE claim_id = $1 AND category = $2 AND fulfilled_by IS NULL
ORDER BY created_at DESC LIMIT 1`
	var req models.ReuploadRequest
	if err := r.db.GetContext(ctx, &req, query, claimID, category); err != nil {
		return nil, err
	}
	return &req, nil
}

// CreateDeduplicated inserts the document unless a live document with the same
// digest exists. The access entry is recorded against whichever row survives.
// created is false when an existing document was returned instead.
func (r *DocumentRepository) CreateDeduplicated(ctx context.Context, doc *models.Document, entry *models.AccessLogEntry) (*models.Document, bool, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("begin document tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	query, args, err := tx.BindNamed(insertDocumentQuery, doc)
	if err != nil {
		return nil, false, fmt.Errorf("bind document insert: %w", err)
	}

	var insertedID string
	err = tx.GetContext(ctx, &insertedID, query, args...)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		var existing models.Document
		if err := tx.GetContext(ctx, &existing, activeByDigestQuery, doc.ClaimID, doc.Category, doc.ContentDigest); err != nil {
			return nil, false, fmt.Errorf("load duplicate document: %w", err)
		}
		entry.DocumentID = existing.ID
		if err := appendAccessEntry(ctx, tx, entry); err != nil {
			return nil, false, err
		}
		if err := tx.Commit(); err != nil {
			return nil, false, fmt.Errorf("commit document tx: %w", err)
		}
		return &existing, false, nil
	case err != nil:
		return nil, false, fmt.Errorf("insert document: %w", err)
	}

	if doc.SupersedesID != nil {
		const fulfil = `UPDATE reupload_requests SET fulfilled_by = $1, fulfilled_at = $2
WHERE document_id = $3 AND fulfilled_by IS NULL`
		if _, err := tx.ExecContext(ctx, fulfil, doc.ID, doc.UploadedAt, *doc.SupersedesID); err != nil {
			return nil, false, fmt.Errorf("fulfil re-upload request: %w", err)
		}
	}

	entry.DocumentID = doc.ID
	if err := appendAccessEntry(ctx, tx, entry); err != nil {
		return nil, false, err
	}
	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("commit document tx: %w", err)
	}
	return doc, true, nil
}

// Transition moves a document between statuses only if it is still in params.From.
// sql.ErrNoRows is returned when another writer got there first.
func (r *DocumentRepository) Transition(ctx context.Context, params TransitionParams, entry *models.AccessLogEntry, event *models.DocumentEvent) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transition tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	const query = `UPDATE documents SET status = $1, rejection_reason = $2, reviewed_by = $3, reviewed_at = $4
WHERE id = $5 AND status = $6 AND deleted_at IS NULL`
	res, err := tx.ExecContext(ctx, query, params.To, params.Reason, params.ReviewedBy, params.ReviewedAt, params.ID, params.From)
	if err != nil {
		return fmt.Errorf("update document status: %w", err)
	}
	if err := expectOneRow(res); err != nil {
		return err
	}

	entry.DocumentID = params.ID
	if err := appendAccessEntry(ctx, tx, entry); err != nil {
		return err
	}
	if event != nil {
		if err := insertEvent(ctx, tx, event); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transition tx: %w", err)
	}
	return nil
}

// RecordDownload stamps last access time and appends the download entry atomically.
func (r *DocumentRepository) RecordDownload(ctx context.Context, id string, at time.Time, entry *models.AccessLogEntry) error {
	return r.touch(ctx, `UPDATE documents SET last_accessed_at = $2 WHERE id = $1 AND deleted_at IS NULL`, id, at, entry)
}

// SoftDelete marks a document deleted and appends the delete entry atomically.
func (r *DocumentRepository) SoftDelete(ctx context.Context, id string, at time.Time, entry *models.AccessLogEntry) error {
	return r.touch(ctx, `UPDATE documents SET deleted_at = $2 WHERE id = $1 AND deleted_at IS NULL`, id, at, entry)
}

func (r *DocumentRepository) touch(ctx context.Context, query, id string, at time.Time, entry *models.AccessLogEntry) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin document tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx, query, id, at)
	if err != nil {
		return fmt.Errorf("update document: %w", err)
	}
	if err := expectOneRow(res); err != nil {
		return err
	}
	entry.DocumentID = id
	if err := appendAccessEntry(ctx, tx, entry); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit document tx: %w", err)
	}
	return nil
}

// CreateReuploadRequest opens a request for a rejected document.
func (r *DocumentRepository) CreateReuploadRequest(ctx context.Context, req *models.ReuploadRequest, entry *models.AccessLogEntry, event *models.DocumentEvent) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin re-upload tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	const query = `INSERT INTO reupload_requests (id, document_id, claim_id, category, requested_by, deadline, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (document_id) WHERE fulfilled_by IS NULL DO NOTHING
RETURNING id`
	var id string
	err = tx.GetContext(ctx, &id, query, req.ID, req.DocumentID, req.ClaimID, req.Category, req.RequestedBy, req.Deadline, req.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrDuplicateReuploadRequest
	}
	if err != nil {
		return fmt.Errorf("insert re-upload request: %w", err)
	}

	entry.DocumentID = req.DocumentID
	if err := appendAccessEntry(ctx, tx, entry); err != nil {
		return err
	}
	if event != nil {
		if err := insertEvent(ctx, tx, event); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit re-upload tx: %w", err)
	}
	return nil
}

func expectOneRow(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}
