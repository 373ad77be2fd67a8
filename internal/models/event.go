package models

import "time"

// DocumentEventType enumerates notifications emitted for the customer.
type DocumentEventType string

const (
	EventDocumentApproved  DocumentEventType = "document.approved"
	EventDocumentRejected  DocumentEventType = "document.rejected"
	EventReuploadRequested DocumentEventType = "document.reupload_requested"
)

// DocumentEvent is an outbox row awaiting publication.
type DocumentEvent struct {
	ID          string            `db:"id" json:"id"`
	Type        DocumentEventType `db:"type" json:"type"`
	DocumentID  string            `db:"document_id" json:"document_id"`
	ClaimID     string            `db:"claim_id" json:"claim_id"`
	CustomerID  string            `db:"customer_id" json:"customer_id"`
	Category    string            `db:"category" json:"category"`
	Reason      *string           `db:"reason" json:"reason,omitempty"`
	Deadline    *time.Time        `db:"deadline" json:"deadline,omitempty"`
	OccurredAt  time.Time         `db:"occurred_at" json:"occurred_at"`
	Attempts    int               `db:"attempts" json:"-"`
	LockedUntil *time.Time        `db:"locked_until" json:"-"`
	PublishedAt *time.Time        `db:"published_at" json:"-"`
}
