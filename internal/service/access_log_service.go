package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/claimdocs-api/internal/dto"
	"github.com/noah-isme/claimdocs-api/internal/models"
	"github.com/noah-isme/claimdocs-api/internal/repository"
	appErrors "github.com/noah-isme/claimdocs-api/pkg/errors"
	"github.com/noah-isme/claimdocs-api/pkg/export"
)

type accessLogReader interface {
	ListByDocument(ctx context.Context, documentID string, limit, offset int) ([]models.AccessLogEntry, error)
	CountByDocument(ctx context.Context, documentID string) (int, error)
	Chain(ctx context.Context, documentID string) ([]models.AccessLogEntry, error)
}

type documentFinder interface {
	FindByID(ctx context.Context, id string) (*models.Document, error)
}

type chainMetrics interface {
	RecordChainVerification(valid bool)
}

// AccessLogService exposes the audit trail to reviewers and administrators.
type AccessLogService struct {
	entries   accessLogReader
	documents documentFinder
	metrics   chainMetrics
	logger    *zap.Logger
	now       func() time.Time
}

// NewAccessLogService constructs the service.
func NewAccessLogService(entries accessLogReader, documents documentFinder, metrics chainMetrics, logger *zap.Logger) *AccessLogService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AccessLogService{entries: entries, documents: documents, metrics: metrics, logger: logger, now: time.Now}
}

// List pages through a document's entries ordered by time.
func (s *AccessLogService) List(ctx context.Context, actor *models.Actor, documentID string, query dto.AccessLogQuery) ([]models.AccessLogEntry, *models.Pagination, error) {
	if err := s.requireDocument(ctx, actor, documentID, actor.IsStaff()); err != nil {
		return nil, nil, err
	}
	page, size := normalizePage(query.Page, query.PageSize)
	total, err := s.entries.CountByDocument(ctx, documentID)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to count access log")
	}
	entries, err := s.entries.ListByDocument(ctx, documentID, size, (page-1)*size)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list access log")
	}
	return entries, &models.Pagination{Page: page, PageSize: size, TotalCount: total}, nil
}

// Verify recomputes the document's hash chain. Admin only.
func (s *AccessLogService) Verify(ctx context.Context, actor *models.Actor, documentID string) (*models.ChainReport, error) {
	if err := s.requireDocument(ctx, actor, documentID, actor != nil && actor.Role == models.RoleAdmin); err != nil {
		return nil, err
	}
	entries, err := s.entries.Chain(ctx, documentID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load access log")
	}
	report := s.verify(documentID, entries)
	if s.metrics != nil {
		s.metrics.RecordChainVerification(report.Valid)
	}
	if !report.Valid {
		s.logger.Warn("access log chain broken",
			zap.String("document_id", documentID),
			zap.Int64("broken_at", *report.BrokenAt),
			zap.String("actor_id", actor.UserID),
		)
	}
	return report, nil
}

// Export renders the whole trail as CSV or PDF.
func (s *AccessLogService) Export(ctx context.Context, actor *models.Actor, documentID, format string) (*dto.ExportFile, error) {
	if err := s.requireDocument(ctx, actor, documentID, actor.IsStaff()); err != nil {
		return nil, err
	}
	exporter, err := export.ForFormat(format)
	if err != nil {
		return nil, appErrors.Clone(appErrors.ErrValidation, err.Error())
	}
	entries, err := s.entries.Chain(ctx, documentID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load access log")
	}
	report := s.verify(documentID, entries)

	rows := make([]map[string]string, 0, len(entries))
	for _, e := range entries {
		origin := ""
		if e.Origin != nil {
			origin = *e.Origin
		}
		rows = append(rows, map[string]string{
			"chain_index": strconv.FormatInt(e.ChainIndex, 10),
			"created_at":  e.CreatedAt.UTC().Format(time.RFC3339Nano),
			"actor_id":    e.ActorID,
			"action":      string(e.Action),
			"origin":      origin,
			"prev_hash":   e.PrevHash,
			"entry_hash":  e.EntryHash,
		})
	}
	footer := []string{fmt.Sprintf("Entries: %d. Hash chain valid: %t.", report.Entries, report.Valid)}
	if report.BrokenAt != nil {
		footer = append(footer, fmt.Sprintf("Chain broken at entry %d.", *report.BrokenAt))
	}
	content, err := exporter.Render(export.Dataset{
		Title:    "Document access log",
		Subtitle: fmt.Sprintf("Document %s, exported %s by %s", documentID, report.CheckedAt.Format(time.RFC3339), actor.UserID),
		Columns: []export.Column{
			{Key: "chain_index", Title: "#", Width: 10},
			{Key: "created_at", Title: "Time (UTC)", Width: 52},
			{Key: "actor_id", Title: "Actor", Width: 45},
			{Key: "action", Title: "Action", Width: 30},
			{Key: "origin", Title: "Origin", Width: 30},
			{Key: "prev_hash", Title: "Previous hash"},
			{Key: "entry_hash", Title: "Entry hash"},
		},
		Rows:   rows,
		Footer: footer,
	})
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to render access log export")
	}
	return &dto.ExportFile{
		Filename:    fmt.Sprintf("access-log-%s.%s", documentID, exporter.Extension()),
		ContentType: exporter.ContentType(),
		Content:     content,
	}, nil
}

func (s *AccessLogService) verify(documentID string, entries []models.AccessLogEntry) *models.ChainReport {
	report := &models.ChainReport{
		DocumentID: documentID,
		Entries:    len(entries),
		Valid:      true,
		CheckedAt:  s.now().UTC(),
	}
	prev := models.GenesisHash
	for i := range entries {
		e := entries[i]
		expected := int64(i + 1)
		if e.ChainIndex != expected || e.PrevHash != prev || repository.ComputeEntryHash(&e) != e.EntryHash {
			report.Valid = false
			report.BrokenAt = &expected
			return report
		}
		prev = e.EntryHash
	}
	return report
}

func (s *AccessLogService) requireDocument(ctx context.Context, actor *models.Actor, documentID string, allowed bool) error {
	if actor == nil {
		return appErrors.ErrUnauthorized
	}
	if !allowed {
		return appErrors.ErrForbidden
	}
	if _, err := s.documents.FindByID(ctx, documentID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.ErrNotFound
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load document")
	}
	return nil
}
