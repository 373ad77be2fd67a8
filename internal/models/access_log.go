package models

import "time"

// AccessAction enumerates audited document operations.
type AccessAction string

const (
	AccessActionUpload          AccessAction = "upload"
	AccessActionDownload        AccessAction = "download"
	AccessActionReview          AccessAction = "review"
	AccessActionReject          AccessAction = "reject"
	AccessActionDelete          AccessAction = "delete"
	AccessActionReuploadRequest AccessAction = "reupload_request"
	AccessActionDenied          AccessAction = "denied"
)

// GenesisHash is the previous hash of the first entry in every document chain.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// AccessLogEntry is one immutable audit record.
type AccessLogEntry struct {
	ID          string       `db:"id" json:"id"`
	DocumentID  string       `db:"document_id" json:"document_id"`
	ChainIndex  int64        `db:"chain_index" json:"chain_index"`
	ActorID     string       `db:"actor_id" json:"actor_id"`
	Action      AccessAction `db:"action" json:"action"`
	Origin      *string      `db:"origin" json:"origin,omitempty"`
	CreatedAt   time.Time    `db:"created_at" json:"created_at"`
	PrevHash    string       `db:"prev_hash" json:"prev_hash"`
	EntryHash   string       `db:"entry_hash" json:"entry_hash"`
	InsertOrder int64        `db:"insert_order" json:"-"`
}

// ChainReport is the result of re-computing a document's hash chain.
type ChainReport struct {
	DocumentID string    `json:"document_id"`
	Entries    int       `json:"entries"`
	Valid      bool      `json:"valid"`
	BrokenAt   *int64    `json:"broken_at,omitempty"`
	CheckedAt  time.Time `json:"checked_at"`
}
