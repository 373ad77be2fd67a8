package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/claimdocs-api/pkg/database"
)

// ErrClaimExists is returned when registering a claim id that is already taken.
var ErrClaimExists = errors.New("claim already registered")

// ClaimRepository resolves claim ownership.
type ClaimRepository struct {
	db *sqlx.DB
}

// NewClaimRepository constructs the repository.
func NewClaimRepository(db *sqlx.DB) *ClaimRepository {
	return &ClaimRepository{db: db}
}

// OwnerOf returns the customer that owns the claim, or sql.ErrNoRows.
func (r *ClaimRepository) OwnerOf(ctx context.Context, claimID string) (string, error) {
	var customerID string
	if err := r.db.GetContext(ctx, &customerID, `SELECT customer_id FROM claims WHERE id = $1`, claimID); err != nil {
		return "", err
	}
	return customerID, nil
}

// Register records claim ownership for deployments without a claim service.
func (r *ClaimRepository) Register(ctx context.Context, claimID, customerID string) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO claims (id, customer_id) VALUES ($1, $2)`, claimID, customerID)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return ErrClaimExists
		}
		return fmt.Errorf("insert claim: %w", err)
	}
	return nil
}
