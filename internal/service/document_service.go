package service

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/noah-isme/claimdocs-api/internal/dto"
	"github.com/noah-isme/claimdocs-api/internal/models"
	appErrors "github.com/noah-isme/claimdocs-api/pkg/errors"
	"github.com/noah-isme/claimdocs-api/pkg/objectstore"
	"github.com/noah-isme/claimdocs-api/pkg/vault"
)

type documentStore interface {
	FindByID(ctx context.Context, id string) (*models.Document, error)
	FindActiveByDigest(ctx context.Context, claimID, category, digest string) (*models.Document, error)
	FindOpenReuploadRequest(ctx context.Context, claimID, category string) (*models.ReuploadRequest, error)
	ListByClaim(ctx context.Context, filter models.DocumentFilter) ([]models.Document, int, error)
	CreateDeduplicated(ctx context.Context, doc *models.Document, entry *models.AccessLogEntry) (*models.Document, bool, error)
	RecordDownload(ctx context.Context, id string, at time.Time, entry *models.AccessLogEntry) error
	SoftDelete(ctx context.Context, id string, at time.Time, entry *models.AccessLogEntry) error
}

type accessAppender interface {
	Append(ctx context.Context, entry *models.AccessLogEntry) error
}

type blobStore interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
}

type documentCipher interface {
	Encrypt(ctx context.Context, plaintext []byte) ([]byte, string, error)
	Decrypt(ctx context.Context, ciphertext []byte, keyID, expectedDigest string) ([]byte, error)
}

type ownerResolver interface {
	OwnerOf(ctx context.Context, claimID string) (string, error)
}

type uploadValidator interface {
	Validate(data []byte, declaredMIME, filename, category string) ValidationResult
}

type orphanCleaner interface {
	Clean(ctx context.Context, blob OrphanBlob)
}

type documentMetrics interface {
	RecordUpload(category, outcome string)
	RecordDownload(outcome string)
}

// Upload outcomes reported to metrics.
const (
	uploadOutcomeCreated      = "created"
	uploadOutcomeDeduplicated = "deduplicated"
	uploadOutcomeRejected     = "rejected"
	uploadOutcomeFailed       = "failed"
)

// DocumentServiceConfig wires the document lifecycle dependencies.
type DocumentServiceConfig struct {
	Documents documentStore
	AccessLog accessAppender
	Storage   blobStore
	Cipher    documentCipher
	Owners    ownerResolver
	Validator uploadValidator
	Scanner   Scanner
	Cleaner   orphanCleaner
	Metrics   documentMetrics
	Logger    *zap.Logger
	Now       func() time.Time
}

// DocumentService implements upload, download and soft deletion of claim documents.
type DocumentService struct {
	documents documentStore
	accessLog accessAppender
	storage   blobStore
	cipher    documentCipher
	owners    ownerResolver
	validator uploadValidator
	scanner   Scanner
	cleaner   orphanCleaner
	metrics   documentMetrics
	logger    *zap.Logger
	now       func() time.Time
}

// NewDocumentService constructs the service.
func NewDocumentService(cfg DocumentServiceConfig) *DocumentService {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Scanner == nil {
		cfg.Scanner = NoopScanner{}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &DocumentService{
		documents: cfg.Documents,
		accessLog: cfg.AccessLog,
		storage:   cfg.Storage,
		cipher:    cfg.Cipher,
		owners:    cfg.Owners,
		validator: cfg.Validator,
		scanner:   cfg.Scanner,
		cleaner:   cfg.Cleaner,
		metrics:   cfg.Metrics,
		logger:    cfg.Logger,
		now:       cfg.Now,
	}
}

// Upload validates, deduplicates, encrypts and stores a document. Content
// is written to storage before metadata so no row ever points at missing bytes.
func (s *DocumentService) Upload(ctx context.Context, actor *models.Actor, in dto.UploadDocumentInput) (*dto.UploadDocumentResult, error) {
	if actor == nil {
		return nil, appErrors.ErrUnauthorized
	}
	owner, err := s.owners.OwnerOf(ctx, in.ClaimID)
	if err != nil {
		if errors.Is(err, appErrors.ErrNotFound) && !actor.IsStaff() {
			return nil, appErrors.ErrForbidden
		}
		return nil, err
	}
	if !canUpload(actor, owner) || (in.CustomerID != "" && in.CustomerID != owner) {
		s.logger.Info("upload denied", zap.String("claim_id", in.ClaimID), zap.String("actor_id", actor.UserID), zap.String("role", string(actor.Role)))
		return nil, appErrors.ErrForbidden
	}

	category := strings.ToLower(strings.TrimSpace(in.Category))
	result := s.validator.Validate(in.Content, in.DeclaredMIME, in.Filename, category)
	if err := result.Err(); err != nil {
		s.recordUpload(category, uploadOutcomeRejected)
		s.logger.Info("upload rejected by policy",
			zap.String("claim_id", in.ClaimID),
			zap.String("category", category),
			zap.String("violations", describeViolations(result.Violations)),
		)
		return nil, err
	}
	rule := result.Rule
	digest := vault.Digest(in.Content)

	existing, err := s.documents.FindActiveByDigest(ctx, in.ClaimID, category, digest)
	switch {
	case err == nil:
		if err := s.accessLog.Append(ctx, s.entry(actor, existing.ID, models.AccessActionUpload)); err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to record upload")
		}
		s.recordUpload(category, uploadOutcomeDeduplicated)
		return &dto.UploadDocumentResult{Document: existing, Deduplicated: true}, nil
	case !errors.Is(err, sql.ErrNoRows):
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to check for duplicate document")
	}

	verdict := models.ScanVerdictNotRequired
	if rule.RequireScan {
		scan, err := s.scanner.Scan(ctx, category, in.Content)
		if err != nil {
			s.recordUpload(category, uploadOutcomeFailed)
			return nil, appErrors.WrapAs(appErrors.ErrScanUnavailable, err)
		}
		if !scan.Clean {
			s.recordUpload(category, uploadOutcomeRejected)
			return nil, appErrors.WithDetails(appErrors.ErrScanRejected, map[string]string{"reason": scan.Reason})
		}
		verdict = models.ScanVerdictClean
	}

	id := uuid.NewString()
	payload := in.Content
	var keyID *string
	if rule.RequireEncryption {
		ciphertext, kid, err := s.cipher.Encrypt(ctx, in.Content)
		if err != nil {
			s.recordUpload(category, uploadOutcomeFailed)
			s.logger.Error("encrypt document failed", zap.String("document_id", id), zap.Error(err))
			return nil, appErrors.WrapAs(appErrors.ErrStorageUnavailable, err)
		}
		payload = ciphertext
		keyID = &kid
	}

	storageKey := objectstore.DocumentKey(id)
	if err := s.storage.Put(ctx, storageKey, payload); err != nil {
		s.compensate(ctx, storageKey, keyID)
		s.recordUpload(category, uploadOutcomeFailed)
		s.logger.Error("store document failed", zap.String("document_id", id), zap.Error(err))
		return nil, appErrors.WrapAs(appErrors.ErrStorageUnavailable, err)
	}

	var supersedes *string
	request, err := s.documents.FindOpenReuploadRequest(ctx, in.ClaimID, category)
	switch {
	case err == nil:
		supersedes = &request.DocumentID
	case !errors.Is(err, sql.ErrNoRows):
		s.compensate(ctx, storageKey, keyID)
		s.recordUpload(category, uploadOutcomeFailed)
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to resolve re-upload request")
	}

	now := s.now().UTC().Truncate(time.Microsecond)
	doc := &models.Document{
		ID:               id,
		ClaimID:          in.ClaimID,
		CustomerID:       owner,
		Category:         category,
		StoredFilename:   storedFilename(id, result.Extension),
		OriginalFilename: SanitizeFilename(in.Filename),
		SizeBytes:        int64(len(in.Content)),
		DeclaredMIMEType: baseMIME(in.DeclaredMIME),
		DetectedMIMEType: result.DetectedMIME,
		Extension:        result.Extension,
		StorageKey:       storageKey,
		EncryptionKeyID:  keyID,
		ContentDigest:    digest,
		Status:           models.DocumentStatusPending,
		ScanVerdict:      verdict,
		PolicyVersion:    rule.Version,
		SupersedesID:     supersedes,
		UploadedBy:       actor.UserID,
		UploadedAt:       now,
	}

	stored, created, err := s.documents.CreateDeduplicated(ctx, doc, s.entry(actor, "", models.AccessActionUpload))
	if err != nil {
		s.compensate(ctx, storageKey, keyID)
		s.recordUpload(category, uploadOutcomeFailed)
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to save document")
	}
	if !created {
		s.compensate(ctx, storageKey, keyID)
		s.recordUpload(category, uploadOutcomeDeduplicated)
		s.logger.Info("concurrent duplicate upload resolved", zap.String("document_id", stored.ID), zap.String("claim_id", in.ClaimID))
		return &dto.UploadDocumentResult{Document: stored, Deduplicated: true}, nil
	}

	s.recordUpload(category, uploadOutcomeCreated)
	s.logger.Info("document uploaded",
		zap.String("document_id", stored.ID),
		zap.String("claim_id", stored.ClaimID),
		zap.String("category", stored.Category),
		zap.Int64("size_bytes", stored.SizeBytes),
		zap.Bool("encrypted", stored.Encrypted()),
	)
	return &dto.UploadDocumentResult{Document: stored}, nil
}

// Download returns the decrypted content after verifying its digest.
func (s *DocumentService) Download(ctx context.Context, actor *models.Actor, id string) (*dto.DownloadResult, error) {
	doc, err := s.authorize(ctx, actor, id)
	if err != nil {
		if errors.Is(err, appErrors.ErrForbidden) {
			s.recordDownload("denied")
		}
		return nil, err
	}

	data, err := s.storage.Get(ctx, doc.StorageKey)
	if err != nil {
		s.recordDownload("unavailable")
		s.logger.Error("fetch document failed", zap.String("document_id", doc.ID), zap.Error(err))
		if errors.Is(err, objectstore.ErrObjectNotFound) {
			return nil, appErrors.WrapAs(appErrors.ErrIntegrityViolation, err)
		}
		return nil, appErrors.WrapAs(appErrors.ErrStorageUnavailable, err)
	}

	plaintext, err := s.open(ctx, doc, data)
	if err != nil {
		s.recordDownload("integrity_failure")
		s.logger.Error("document failed integrity verification", zap.String("document_id", doc.ID), zap.Error(err))
		return nil, err
	}

	now := s.now().UTC().Truncate(time.Microsecond)
	if err := s.documents.RecordDownload(ctx, doc.ID, now, s.entry(actor, doc.ID, models.AccessActionDownload)); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.ErrNotFound
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to record download")
	}
	doc.LastAccessedAt = &now
	s.recordDownload("ok")
	return &dto.DownloadResult{Document: doc, Content: plaintext}, nil
}

// Get returns document metadata under the same rules as Download.
func (s *DocumentService) Get(ctx context.Context, actor *models.Actor, id string) (*models.Document, error) {
	return s.authorize(ctx, actor, id)
}

// ListByClaim returns the live documents of a claim.
func (s *DocumentService) ListByClaim(ctx context.Context, actor *models.Actor, claimID string, query dto.ListDocumentsQuery) ([]models.Document, *models.Pagination, error) {
	if actor == nil {
		return nil, nil, appErrors.ErrUnauthorized
	}
	owner, err := s.owners.OwnerOf(ctx, claimID)
	if err != nil {
		if errors.Is(err, appErrors.ErrNotFound) && !actor.IsStaff() {
			return nil, nil, appErrors.ErrForbidden
		}
		return nil, nil, err
	}
	if !actor.IsStaff() && actor.UserID != owner {
		return nil, nil, appErrors.ErrForbidden
	}

	status := models.DocumentStatus(strings.ToLower(strings.TrimSpace(query.Status)))
	switch status {
	case "", models.DocumentStatusPending, models.DocumentStatusApproved, models.DocumentStatusRejected:
	default:
		return nil, nil, appErrors.WithDetails(appErrors.Clone(appErrors.ErrValidation, "unknown document status"), map[string]string{"status": query.Status})
	}

	page, size := normalizePage(query.Page, query.PageSize)
	docs, total, err := s.documents.ListByClaim(ctx, models.DocumentFilter{
		ClaimID:  claimID,
		Category: strings.ToLower(strings.TrimSpace(query.Category)),
		Status:   status,
		Limit:    size,
		Offset:   (page - 1) * size,
	})
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list documents")
	}
	return docs, &models.Pagination{Page: page, PageSize: size, TotalCount: total}, nil
}

// Delete soft-deletes a document. Owners may delete while pending; admins always.
func (s *DocumentService) Delete(ctx context.Context, actor *models.Actor, id string) error {
	doc, err := s.authorize(ctx, actor, id)
	if err != nil {
		return err
	}
	switch {
	case actor.Role == models.RoleAdmin:
	case actor.Role == models.RoleCustomer && doc.CustomerID == actor.UserID:
		if doc.Status != models.DocumentStatusPending {
			return appErrors.WithDetails(appErrors.ErrInvalidTransition, map[string]string{
				"current":   string(doc.Status),
				"requested": "deleted",
			})
		}
	default:
		denyAccess(ctx, s.accessLog, s.logger, actor, doc.ID, s.now())
		return appErrors.ErrForbidden
	}

	now := s.now().UTC().Truncate(time.Microsecond)
	if err := s.documents.SoftDelete(ctx, doc.ID, now, s.entry(actor, doc.ID, models.AccessActionDelete)); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.ErrNotFound
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to delete document")
	}
	s.logger.Info("document deleted", zap.String("document_id", doc.ID), zap.String("actor_id", actor.UserID))
	return nil
}

// authorize loads a live document the actor may read. Customers get a generic
// ErrForbidden for documents they do not own and for documents that do not
// exist; an existing document also gets a denied access entry.
func (s *DocumentService) authorize(ctx context.Context, actor *models.Actor, id string) (*models.Document, error) {
	if actor == nil {
		return nil, appErrors.ErrUnauthorized
	}
	doc, err := s.documents.FindByID(ctx, id)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load document")
		}
		if actor.IsStaff() {
			return nil, appErrors.ErrNotFound
		}
		return nil, appErrors.ErrForbidden
	}
	if !canRead(actor, doc) {
		denyAccess(ctx, s.accessLog, s.logger, actor, doc.ID, s.now())
		return nil, appErrors.ErrForbidden
	}
	if doc.DeletedAt != nil {
		return nil, appErrors.ErrNotFound
	}
	return doc, nil
}

func (s *DocumentService) open(ctx context.Context, doc *models.Document, data []byte) ([]byte, error) {
	if !doc.Encrypted() {
		if err := vault.VerifyDigest(data, doc.ContentDigest); err != nil {
			return nil, appErrors.WrapAs(appErrors.ErrIntegrityViolation, err)
		}
		return data, nil
	}
	plaintext, err := s.cipher.Decrypt(ctx, data, *doc.EncryptionKeyID, doc.ContentDigest)
	switch {
	case err == nil:
		return plaintext, nil
	case errors.Is(err, vault.ErrKeyNotFound):
		return nil, appErrors.WrapAs(appErrors.ErrKeyNotFound, err)
	case errors.Is(err, vault.ErrIntegrity):
		return nil, appErrors.WrapAs(appErrors.ErrIntegrityViolation, err)
	default:
		return nil, appErrors.WrapAs(appErrors.ErrStorageUnavailable, err)
	}
}

func (s *DocumentService) compensate(ctx context.Context, storageKey string, keyID *string) {
	if s.cleaner == nil {
		return
	}
	blob := OrphanBlob{StorageKey: storageKey}
	if keyID != nil {
		blob.KeyID = *keyID
	}
	s.cleaner.Clean(ctx, blob)
}

func (s *DocumentService) entry(actor *models.Actor, documentID string, action models.AccessAction) *models.AccessLogEntry {
	return newAccessEntry(actor, documentID, action, s.now())
}

func (s *DocumentService) recordUpload(category, outcome string) {
	if s.metrics != nil {
		s.metrics.RecordUpload(category, outcome)
	}
}

func (s *DocumentService) recordDownload(outcome string) {
	if s.metrics != nil {
		s.metrics.RecordDownload(outcome)
	}
}

func canUpload(actor *models.Actor, owner string) bool {
	switch actor.Role {
	case models.RoleAdmin:
		return true
	case models.RoleCustomer:
		return actor.UserID == owner
	default:
		return false
	}
}

func canRead(actor *models.Actor, doc *models.Document) bool {
	if actor.IsStaff() {
		return true
	}
	return actor.Role == models.RoleCustomer && actor.UserID == doc.CustomerID
}

func storedFilename(id, extension string) string {
	if extension == "" {
		return id
	}
	return id + "." + extension
}

func newAccessEntry(actor *models.Actor, documentID string, action models.AccessAction, at time.Time) *models.AccessLogEntry {
	entry := &models.AccessLogEntry{
		ID:         uuid.NewString(),
		DocumentID: documentID,
		ActorID:    actor.UserID,
		Action:     action,
		CreatedAt:  at.UTC().Truncate(time.Microsecond),
	}
	if actor.Origin != "" {
		origin := actor.Origin
		entry.Origin = &origin
	}
	return entry
}

// denyAccess records a refused attempt. The refusal stands even if the entry cannot be written.
func denyAccess(ctx context.Context, log accessAppender, logger *zap.Logger, actor *models.Actor, documentID string, at time.Time) {
	if err := log.Append(ctx, newAccessEntry(actor, documentID, models.AccessActionDenied, at)); err != nil {
		logger.Error("failed to record denied access", zap.String("document_id", documentID), zap.String("actor_id", actor.UserID), zap.Error(err))
		return
	}
	logger.Warn("document access denied", zap.String("document_id", documentID), zap.String("actor_id", actor.UserID), zap.String("role", string(actor.Role)))
}

func normalizePage(page, size int) (int, int) {
	if page <= 0 {
		page = 1
	}
	if size <= 0 {
		size = 20
	}
	if size > 100 {
		size = 100
	}
	return page, size
}
