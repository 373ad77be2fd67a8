package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/claimdocs-api/internal/models"
)

const validationRuleColumns = `category, max_size_bytes, allowed_mime_types, allowed_extensions, require_encryption, require_scan, version, updated_by, updated_at`

const upsertValidationRuleQuery = `INSERT INTO validation_rules
(category, max_size_bytes, allowed_mime_types, allowed_extensions, require_encryption, require_scan, version, updated_by, updated_at)
VALUES (:category, :max_size_bytes, :allowed_mime_types, :allowed_extensions, :require_encryption, :require_scan, 1, :updated_by, :updated_at)
ON CONFLICT (category)
DO UPDATE SET max_size_bytes = EXCLUDED.max_size_bytes, allowed_mime_types = EXCLUDED.allowed_mime_types,
              allowed_extensions = EXCLUDED.allowed_extensions, require_encryption = EXCLUDED.require_encryption,
              require_scan = EXCLUDED.require_scan, version = validation_rules.version + 1,
              updated_by = EXCLUDED.updated_by, updated_at = EXCLUDED.updated_at
RETURNING version`

// ValidationRuleRepository persists per-category upload rules.
type ValidationRuleRepository struct {
	db *sqlx.DB
}

// NewValidationRuleRepository constructs the repository.
func NewValidationRuleRepository(db *sqlx.DB) *ValidationRuleRepository {
	return &ValidationRuleRepository{db: db}
}

// List returns every rule ordered by category.
func (r *ValidationRuleRepository) List(ctx context.Context) ([]models.ValidationRule, error) {
	query := `SELECT ` + validationRuleColumns + ` FROM validation_rules ORDER BY category ASC`
	var rules []models.ValidationRule
	if err := r.db.SelectContext(ctx, &rules, query); err != nil {
		return nil, fmt.Errorf("list validation rules: %w", err)
	}
	return rules, nil
}

// Get fetches a single rule by category.
func (r *ValidationRuleRepository) Get(ctx context.Context, category string) (*models.ValidationRule, error) {
	query := `SELECT ` + validationRuleColumns + ` FROM validation_rules WHERE category = $1`
	var rule models.ValidationRule
	if err := r.db.GetContext(ctx, &rule, query, category); err != nil {
		return nil, err
	}
	return &rule, nil
}

// Upsert inserts or replaces a rule and bumps its version.
func (r *ValidationRuleRepository) Upsert(ctx context.Context, rule *models.ValidationRule) error {
	rule.UpdatedAt = time.Now().UTC()
	query, args, err := r.db.BindNamed(upsertValidationRuleQuery, rule)
	if err != nil {
		return fmt.Errorf("bind validation rule: %w", err)
	}
	if err := r.db.GetContext(ctx, &rule.Version, query, args...); err != nil {
		return fmt.Errorf("upsert validation rule: %w", err)
	}
	return nil
}

// BulkUpsert applies every rule within one transaction.
func (r *ValidationRuleRepository) BulkUpsert(ctx context.Context, rules []models.ValidationRule) error {
	if len(rules) == 0 {
		return nil
	}
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin validation rule tx: %w", err)
	}
	for i := range rules {
		rules[i].UpdatedAt = time.Now().UTC()
		query, args, err := tx.BindNamed(upsertValidationRuleQuery, rules[i])
		if err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("bind validation rule: %w", err)
		}
		if err := tx.GetContext(ctx, &rules[i].Version, query, args...); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("bulk upsert validation rule: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit validation rule tx: %w", err)
	}
	return nil
}

// Count returns the number of stored rules.
func (r *ValidationRuleRepository) Count(ctx context.Context) (int, error) {
	var total int
	if err := r.db.GetContext(ctx, &total, `SELECT COUNT(*) FROM validation_rules`); err != nil {
		return 0, fmt.Errorf("count validation rules: %w", err)
	}
	return total, nil
}
