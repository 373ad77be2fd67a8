package service

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/noah-isme/claimdocs-api/internal/dto"
	"github.com/noah-isme/claimdocs-api/internal/models"
	"github.com/noah-isme/claimdocs-api/internal/repository"
	appErrors "github.com/noah-isme/claimdocs-api/pkg/errors"
)

const requestedReuploadStatus = "reupload_requested"

type reviewStore interface {
	FindByID(ctx context.Context, id string) (*models.Document, error)
	Transition(ctx context.Context, params repository.TransitionParams, entry *models.AccessLogEntry, event *models.DocumentEvent) error
	CreateReuploadRequest(ctx context.Context, req *models.ReuploadRequest, entry *models.AccessLogEntry, event *models.DocumentEvent) error
}

type reviewMetrics interface {
	RecordReview(decision string)
}

// ReviewService drives the approve, reject and re-upload workflow.
type ReviewService struct {
	documents reviewStore
	accessLog accessAppender
	validator *validator.Validate
	metrics   reviewMetrics
	logger    *zap.Logger
	now       func() time.Time
}

// NewReviewService constructs the service.
func NewReviewService(documents reviewStore, accessLog accessAppender, validate *validator.Validate, metrics reviewMetrics, logger *zap.Logger) *ReviewService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ReviewService{
		documents: documents,
		accessLog: accessLog,
		validator: validate,
		metrics:   metrics,
		logger:    logger,
		now:       time.Now,
	}
}

// Review approves or rejects a pending document.
func (s *ReviewService) Review(ctx context.Context, actor *models.Actor, id string, req dto.ReviewDocumentRequest) (*models.Document, error) {
	doc, err := s.reviewable(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid review payload")
	}

	target := models.DocumentStatusApproved
	action := models.AccessActionReview
	eventType := models.EventDocumentApproved
	var reason *string
	if req.Decision == "reject" {
		trimmed := strings.TrimSpace(req.Reason)
		if trimmed == "" {
			return nil, appErrors.ErrReasonRequired
		}
		target = models.DocumentStatusRejected
		action = models.AccessActionReject
		eventType = models.EventDocumentRejected
		reason = &trimmed
	}
	if doc.Status != models.DocumentStatusPending {
		return nil, invalidTransition(doc.Status, string(target))
	}

	now := s.now().UTC().Truncate(time.Microsecond)
	event := newDocumentEvent(eventType, doc, now)
	event.Reason = reason
	params := repository.TransitionParams{
		ID:         doc.ID,
		From:       models.DocumentStatusPending,
		To:         target,
		ReviewedBy: actor.UserID,
		ReviewedAt: now,
		Reason:     reason,
	}
	if err := s.documents.Transition(ctx, params, newAccessEntry(actor, doc.ID, action, now), event); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, s.lostRace(ctx, doc.ID, string(target))
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to review document")
	}

	reviewer := actor.UserID
	doc.Status = target
	doc.RejectionReason = reason
	doc.ReviewedBy = &reviewer
	doc.ReviewedAt = &now
	if s.metrics != nil {
		s.metrics.RecordReview(req.Decision)
	}
	s.logger.Info("document reviewed",
		zap.String("document_id", doc.ID),
		zap.String("decision", req.Decision),
		zap.String("reviewer_id", reviewer),
	)
	return doc, nil
}

// RequestReupload asks the customer to replace a rejected document before deadline.
func (s *ReviewService) RequestReupload(ctx context.Context, actor *models.Actor, id string, req dto.ReuploadRequestPayload) (*models.ReuploadRequest, error) {
	doc, err := s.reviewable(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC().Truncate(time.Microsecond)
	if req.Deadline.IsZero() || !req.Deadline.After(now) {
		return nil, appErrors.Clone(appErrors.ErrValidation, "deadline must be in the future")
	}
	if doc.Status != models.DocumentStatusRejected {
		return nil, invalidTransition(doc.Status, requestedReuploadStatus)
	}

	deadline := req.Deadline.UTC().Truncate(time.Microsecond)
	request := &models.ReuploadRequest{
		ID:          uuid.NewString(),
		DocumentID:  doc.ID,
		ClaimID:     doc.ClaimID,
		Category:    doc.Category,
		RequestedBy: actor.UserID,
		Deadline:    deadline,
		CreatedAt:   now,
	}
	event := newDocumentEvent(models.EventReuploadRequested, doc, now)
	event.Reason = doc.RejectionReason
	event.Deadline = &deadline

	err = s.documents.CreateReuploadRequest(ctx, request, newAccessEntry(actor, doc.ID, models.AccessActionReuploadRequest, now), event)
	if err != nil {
		if errors.Is(err, repository.ErrDuplicateReuploadRequest) {
			return nil, appErrors.Clone(appErrors.ErrConflict, "an open re-upload request already exists for this document")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to request re-upload")
	}
	if s.metrics != nil {
		s.metrics.RecordReview(requestedReuploadStatus)
	}
	s.logger.Info("re-upload requested",
		zap.String("document_id", doc.ID),
		zap.Time("deadline", deadline),
		zap.String("reviewer_id", actor.UserID),
	)
	return request, nil
}

// reviewable loads a live document for a staff actor. Customers are refused
// and, when the document exists, the attempt is recorded.
func (s *ReviewService) reviewable(ctx context.Context, actor *models.Actor, id string) (*models.Document, error) {
	if actor == nil {
		return nil, appErrors.ErrUnauthorized
	}
	doc, err := s.documents.FindByID(ctx, id)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load document")
	}
	if !actor.IsStaff() {
		if doc != nil {
			denyAccess(ctx, s.accessLog, s.logger, actor, doc.ID, s.now())
		}
		return nil, appErrors.ErrForbidden
	}
	if doc == nil || doc.DeletedAt != nil {
		return nil, appErrors.ErrNotFound
	}
	return doc, nil
}

func (s *ReviewService) lostRace(ctx context.Context, id, requested string) error {
	current, err := s.documents.FindByID(ctx, id)
	if err != nil || current.DeletedAt != nil {
		return appErrors.ErrNotFound
	}
	return invalidTransition(current.Status, requested)
}

func invalidTransition(current models.DocumentStatus, requested string) error {
	return appErrors.WithDetails(appErrors.ErrInvalidTransition, map[string]string{
		"current":   string(current),
		"requested": requested,
	})
}

func newDocumentEvent(eventType models.DocumentEventType, doc *models.Document, at time.Time) *models.DocumentEvent {
	return &models.DocumentEvent{
		ID:         uuid.NewString(),
		Type:       eventType,
		DocumentID: doc.ID,
		ClaimID:    doc.ClaimID,
		CustomerID: doc.CustomerID,
		Category:   doc.Category,
		OccurredAt: at,
	}
}
