package dto

import (
	"time"

	"github.com/noah-isme/claimdocs-api/internal/models"
)

// UploadDocumentInput carries a candidate upload from the transport layer.
type UploadDocumentInput struct {
	ClaimID      string
	CustomerID   string
	Category     string
	Filename     string
	DeclaredMIME string
	Content      []byte
}

// UploadDocumentResult reports the stored document and whether it already existed.
type UploadDocumentResult struct {
	Document     *models.Document `json:"document"`
	Deduplicated bool             `json:"deduplicated"`
}

// DownloadResult is the decrypted, integrity-checked content of a document.
type DownloadResult struct {
	Document *models.Document
	Content  []byte
}

// ListDocumentsQuery filters claim document listings.
type ListDocumentsQuery struct {
	Category string `form:"category"`
	Status   string `form:"status" binding:"omitempty,oneof=pending approved rejected"`
	Page     int    `form:"page"`
	PageSize int    `form:"page_size"`
}

// ReviewDocumentRequest records a reviewer decision.
type ReviewDocumentRequest struct {
	Decision string `json:"decision" validate:"required,oneof=approve reject"`
	Reason   string `json:"reason" validate:"max=1000"`
}

// ReuploadRequestPayload asks the customer to replace a rejected document.
type ReuploadRequestPayload struct {
	Deadline time.Time `json:"deadline" validate:"required"`
}
