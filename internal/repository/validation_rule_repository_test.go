package repository

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/claimdocs-api/internal/models"
)

func TestValidationRuleRepositoryList(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewValidationRuleRepository(db)

	rows := sqlmock.NewRows([]string{"category", "max_size_bytes", "allowed_mime_types", "allowed_extensions", "require_encryption", "require_scan", "version", "updated_by", "updated_at"}).
		AddRow("receipt", int64(5<<20), "{application/pdf,image/png}", "{pdf,png}", true, false, int64(3), "admin-1", time.Now())
	mock.ExpectQuery("SELECT category, max_size_bytes").WillReturnRows(rows)

	rules, err := repo.List(context.Background())
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, pq.StringArray{"application/pdf", "image/png"}, rules[0].AllowedMIMETypes)
	assert.Equal(t, int64(3), rules[0].Version)
}

func TestValidationRuleRepositoryUpsertReturnsVersion(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewValidationRuleRepository(db)

	mock.ExpectQuery("INSERT INTO validation_rules").
		WithArgs("receipt", int64(1024), sqlmock.AnyArg(), sqlmock.AnyArg(), true, false, "admin-1", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(int64(2)))

	rule := &models.ValidationRule{
		Category:          "receipt",
		MaxSizeBytes:      1024,
		AllowedMIMETypes:  pq.StringArray{"application/pdf"},
		AllowedExtensions: pq.StringArray{"pdf"},
		RequireEncryption: true,
		UpdatedBy:         stringPtr("admin-1"),
	}
	require.NoError(t, repo.Upsert(context.Background(), rule))
	assert.Equal(t, int64(2), rule.Version)
	assert.False(t, rule.UpdatedAt.IsZero())
}

func TestValidationRuleRepositoryBulkUpsert(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewValidationRuleRepository(db)

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO validation_rules").
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(int64(1)))
	mock.ExpectQuery("INSERT INTO validation_rules").
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(int64(4)))
	mock.ExpectCommit()

	rules := []models.ValidationRule{
		{Category: "receipt", MaxSizeBytes: 10, AllowedMIMETypes: pq.StringArray{"application/pdf"}, AllowedExtensions: pq.StringArray{"pdf"}},
		{Category: "boarding_pass", MaxSizeBytes: 10, AllowedMIMETypes: pq.StringArray{"image/png"}, AllowedExtensions: pq.StringArray{"png"}},
	}
	require.NoError(t, repo.BulkUpsert(context.Background(), rules))
	assert.Equal(t, int64(4), rules[1].Version)
}

func TestEventRepositoryClaimPending(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewEventRepository(db)

	rows := sqlmock.NewRows([]string{"id", "type", "document_id", "claim_id", "customer_id", "category", "reason", "deadline", "occurred_at", "attempts", "locked_until", "published_at"}).
		AddRow("evt-1", "document.rejected", "doc-1", "claim-1", "cust-1", "receipt", "blurry", nil, time.Now(), 1, time.Now().Add(time.Minute), nil)
	mock.ExpectQuery("FOR UPDATE SKIP LOCKED").
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), 10).
		WillReturnRows(rows)

	events, err := repo.ClaimPending(context.Background(), 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, models.EventDocumentRejected, events[0].Type)
	require.NotNil(t, events[0].Reason)
	assert.Equal(t, "blurry", *events[0].Reason)
}

func TestEventRepositoryMarkPublished(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewEventRepository(db)

	mock.ExpectExec("UPDATE document_events SET published_at").
		WithArgs("evt-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, repo.MarkPublished(context.Background(), "evt-1", time.Now()))
}

func TestEventRepositoryDeferCountsFailedDeliveries(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewEventRepository(db)
	retryAt := time.Now().Add(time.Minute)

	mock.ExpectQuery("SET attempts = attempts \\+ 1, locked_until = \\$2").
		WithArgs("evt-1", retryAt).
		WillReturnRows(sqlmock.NewRows([]string{"attempts"}).AddRow(4))
	attempts, err := repo.Defer(context.Background(), "evt-1", retryAt)
	require.NoError(t, err)
	assert.Equal(t, 4, attempts)

	mock.ExpectQuery("SET attempts = attempts").
		WithArgs("evt-2", retryAt).
		WillReturnError(sql.ErrNoRows)
	attempts, err = repo.Defer(context.Background(), "evt-2", retryAt)
	require.NoError(t, err, "already published rows are left alone")
	assert.Zero(t, attempts)
}

func TestClaimRepositoryOwnerOf(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewClaimRepository(db)

	mock.ExpectQuery("SELECT customer_id FROM claims").
		WithArgs("claim-1").
		WillReturnRows(sqlmock.NewRows([]string{"customer_id"}).AddRow("cust-1"))
	owner, err := repo.OwnerOf(context.Background(), "claim-1")
	require.NoError(t, err)
	assert.Equal(t, "cust-1", owner)
}

func TestClaimRepositoryRegisterDuplicate(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewClaimRepository(db)

	mock.ExpectExec("INSERT INTO claims").
		WithArgs("claim-1", "cust-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, repo.Register(context.Background(), "claim-1", "cust-1"))

	mock.ExpectExec("INSERT INTO claims").
		WithArgs("claim-1", "cust-2").
		WillReturnError(&pq.Error{Code: "23505"})
	err := repo.Register(context.Background(), "claim-1", "cust-2")
	assert.ErrorIs(t, err, ErrClaimExists)
}
