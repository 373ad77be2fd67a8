package handler

import (
	"context"
	"mime"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/claimdocs-api/internal/dto"
	"github.com/noah-isme/claimdocs-api/internal/models"
	appErrors "github.com/noah-isme/claimdocs-api/pkg/errors"
	"github.com/noah-isme/claimdocs-api/pkg/response"
)

type accessLogService interface {
	List(ctx context.Context, actor *models.Actor, documentID string, query dto.AccessLogQuery) ([]models.AccessLogEntry, *models.Pagination, error)
	Verify(ctx context.Context, actor *models.Actor, documentID string) (*models.ChainReport, error)
	Export(ctx context.Context, actor *models.Actor, documentID, format string) (*dto.ExportFile, error)
}

// AccessLogHandler exposes the per-document audit trail.
type AccessLogHandler struct {
	service accessLogService
}

// NewAccessLogHandler builds a new handler.
func NewAccessLogHandler(service accessLogService) *AccessLogHandler {
	return &AccessLogHandler{service: service}
}

// List godoc
// @Summary List access log entries for a document
// @Tags AccessLog
// @Produce json
// @Param id path string true "Document ID"
// @Param page query int false "Page"
// @Param page_size query int false "Page size"
// @Success 200 {object} response.Envelope
// @Router /documents/{id}/access-logs [get]
func (h *AccessLogHandler) List(c *gin.Context) {
	var query dto.AccessLogQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid query parameters"))
		return
	}
	entries, pagination, err := h.service.List(c.Request.Context(), actorFromContext(c), c.Param("id"), query)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, entries, pagination)
}

// Verify godoc
// @Summary Verify the hash chain of a document's access log
// @Tags AccessLog
// @Produce json
// @Param id path string true "Document ID"
// @Success 200 {object} response.Envelope
// @Router /documents/{id}/access-logs/verify [get]
func (h *AccessLogHandler) Verify(c *gin.Context) {
	report, err := h.service.Verify(c.Request.Context(), actorFromContext(c), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, report, nil)
}

// Export godoc
// @Summary Export a document's access log
// @Tags AccessLog
// @Produce octet-stream
// @Param id path string true "Document ID"
// @Param format query string false "csv or pdf" default(csv)
// @Success 200 {file} binary
// @Router /documents/{id}/access-logs/export [get]
func (h *AccessLogHandler) Export(c *gin.Context) {
	file, err := h.service.Export(c.Request.Context(), actorFromContext(c), c.Param("id"), c.DefaultQuery("format", "csv"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Bytes(c, file.ContentType, file.Content, map[string]string{
		"Content-Disposition": mime.FormatMediaType("attachment", map[string]string{"filename": file.Filename}),
	})
}
