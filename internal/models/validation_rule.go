package models

import (
	"time"

	"github.com/lib/pq"
)

// ValidationRule is the upload envelope for one document category.
type ValidationRule struct {
	Category          string         `db:"category" json:"category"`
	MaxSizeBytes      int64          `db:"max_size_bytes" json:"max_size_bytes"`
	AllowedMIMETypes  pq.StringArray `db:"allowed_mime_types" json:"allowed_mime_types"`
	AllowedExtensions pq.StringArray `db:"allowed_extensions" json:"allowed_extensions"`
	RequireEncryption bool           `db:"require_encryption" json:"require_encryption"`
	RequireScan       bool           `db:"require_scan" json:"require_scan"`
	Version           int64          `db:"version" json:"version"`
	UpdatedBy         *string        `db:"updated_by" json:"updated_by,omitempty"`
	UpdatedAt         time.Time      `db:"updated_at" json:"updated_at"`
}
