package models

import "time"

// DocumentStatus enumerates review states.
type DocumentStatus string

const (
	DocumentStatusPending  DocumentStatus = "pending"
	DocumentStatusApproved DocumentStatus = "approved"
	DocumentStatusRejected DocumentStatus = "rejected"
)

// ScanVerdict records whether the content scanner was consulted.
type ScanVerdict string

const (
	ScanVerdictNotRequired ScanVerdict = "not_required"
	ScanVerdictClean       ScanVerdict = "clean"
)

// Document is the metadata of one uploaded claim document.
type Document struct {
	ID               string         `db:"id" json:"id"`
	ClaimID          string         `db:"claim_id" json:"claim_id"`
	CustomerID       string         `db:"customer_id" json:"customer_id"`
	Category         string         `db:"category" json:"category"`
	StoredFilename   string         `db:"stored_filename" json:"stored_filename"`
	OriginalFilename string         `db:"original_filename" json:"original_filename"`
	SizeBytes        int64          `db:"size_bytes" json:"size_bytes"`
	DeclaredMIMEType string         `db:"declared_mime_type" json:"declared_mime_type"`
	DetectedMIMEType string         `db:"detected_mime_type" json:"detected_mime_type"`
	Extension        string         `db:"extension" json:"extension"`
	StorageKey       string         `db:"storage_key" json:"-"`
	EncryptionKeyID  *string        `db:"encryption_key_id" json:"-"`
	ContentDigest    string         `db:"content_digest" json:"content_digest"`
	Status           DocumentStatus `db:"status" json:"status"`
	RejectionReason  *string        `db:"rejection_reason" json:"rejection_reason,omitempty"`
	ReviewedBy       *string        `db:"reviewed_by" json:"reviewed_by,omitempty"`
	ReviewedAt       *time.Time     `db:"reviewed_at" json:"reviewed_at,omitempty"`
	ScanVerdict      ScanVerdict    `db:"scan_verdict" json:"scan_verdict"`
	PolicyVersion    int64          `db:"policy_version" json:"policy_version"`
	SupersedesID     *string        `db:"supersedes_id" json:"supersedes_id,omitempty"`
	UploadedBy       string         `db:"uploaded_by" json:"uploaded_by"`
	UploadedAt       time.Time      `db:"uploaded_at" json:"uploaded_at"`
	LastAccessedAt   *time.Time     `db:"last_accessed_at" json:"last_accessed_at,omitempty"`
	DeletedAt        *time.Time     `db:"deleted_at" json:"deleted_at,omitempty"`
}

// Encrypted reports whether the stored blob is ciphertext.
func (d *Document) Encrypted() bool {
	return d.EncryptionKeyID != nil && *d.EncryptionKeyID != ""
}

// DocumentFilter narrows claim document listings.
type DocumentFilter struct {
	ClaimID  string
	Category string
	Status   DocumentStatus
	Limit    int
	Offset   int
}

// ReuploadRequest asks the customer to replace a rejected document before a deadline.
type ReuploadRequest struct {
	ID          string     `db:"id" json:"id"`
	DocumentID  string     `db:"document_id" json:"document_id"`
	ClaimID     string     `db:"claim_id" json:"claim_id"`
	Category    string     `db:"category" json:"category"`
	RequestedBy string     `db:"requested_by" json:"requested_by"`
	Deadline    time.Time  `db:"deadline" json:"deadline"`
	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
	FulfilledBy *string    `db:"fulfilled_by" json:"fulfilled_by,omitempty"`
	FulfilledAt *time.Time `db:"fulfilled_at" json:"fulfilled_at,omitempty"`
}
