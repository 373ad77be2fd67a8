package handler

import (
	"context"
	"errors"
	"io"
	"mime"
	"net/http"
	"path"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/claimdocs-api/internal/dto"
	"github.com/noah-isme/claimdocs-api/internal/models"
	"github.com/noah-isme/claimdocs-api/pkg/downloadlink"
	appErrors "github.com/noah-isme/claimdocs-api/pkg/errors"
	"github.com/noah-isme/claimdocs-api/pkg/response"
)

type documentService interface {
	Upload(ctx context.Context, actor *models.Actor, in dto.UploadDocumentInput) (*dto.UploadDocumentResult, error)
	Download(ctx context.Context, actor *models.Actor, id string) (*dto.DownloadResult, error)
	Get(ctx context.Context, actor *models.Actor, id string) (*models.Document, error)
	ListByClaim(ctx context.Context, actor *models.Actor, claimID string, query dto.ListDocumentsQuery) ([]models.Document, *models.Pagination, error)
	Delete(ctx context.Context, actor *models.Actor, id string) error
}

type reviewService interface {
	Review(ctx context.Context, actor *models.Actor, id string, req dto.ReviewDocumentRequest) (*models.Document, error)
	RequestReupload(ctx context.Context, actor *models.Actor, id string, req dto.ReuploadRequestPayload) (*models.ReuploadRequest, error)
}

type linkSigner interface {
	Issue(documentID, actorID, role string) (string, time.Time, error)
	Parse(token string) (*downloadlink.Claims, error)
}

// DocumentHandlerConfig bounds upload requests and configures download links.
type DocumentHandlerConfig struct {
	MaxRequestBytes int64
	// UploadTimeout caps the whole upload including storage retries.
	UploadTimeout time.Duration
	Links         linkSigner
	// LinkBasePath prefixes issued link tokens, e.g. /api/v1/downloads/.
	LinkBasePath string
}

// DocumentHandler exposes claim document endpoints.
type DocumentHandler struct {
	documents documentService
	reviews   reviewService
	cfg       DocumentHandlerConfig
}

// NewDocumentHandler builds a new handler.
func NewDocumentHandler(documents documentService, reviews reviewService, cfg DocumentHandlerConfig) *DocumentHandler {
	if cfg.MaxRequestBytes <= 0 {
		cfg.MaxRequestBytes = 32 << 20
	}
	return &DocumentHandler{documents: documents, reviews: reviews, cfg: cfg}
}

// Upload godoc
// @Summary Upload a claim document
// @Tags Documents
// @Accept mpfd
// @Produce json
// @Param claimId path string true "Claim ID"
// @Param file formData file true "Document content"
// @Param category formData string true "Document category"
// @Param customerId formData string false "Customer the claim belongs to"
// @Success 201 {object} response.Envelope
// @Success 200 {object} response.Envelope "Identical document already stored"
// @Failure 413 {object} response.Envelope
// @Failure 422 {object} response.Envelope
// @Router /claims/{claimId}/documents [post]
func (h *DocumentHandler) Upload(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.cfg.MaxRequestBytes)

	fileHeader, err := c.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			response.Error(c, appErrors.WithDetails(appErrors.ErrSizeExceeded, map[string]int64{"max_request_bytes": h.cfg.MaxRequestBytes}))
			return
		}
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "multipart field \"file\" is required"))
		return
	}
	file, err := fileHeader.Open()
	if err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "unable to read uploaded file"))
		return
	}
	defer file.Close()
	content, err := io.ReadAll(file)
	if err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "unable to read uploaded file"))
		return
	}

	ctx := c.Request.Context()
	if h.cfg.UploadTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.cfg.UploadTimeout)
		defer cancel()
	}
	result, err := h.documents.Upload(ctx, actorFromContext(c), dto.UploadDocumentInput{
		ClaimID:      c.Param("claimId"),
		CustomerID:   c.PostForm("customerId"),
		Category:     c.PostForm("category"),
		Filename:     fileHeader.Filename,
		DeclaredMIME: fileHeader.Header.Get("Content-Type"),
		Content:      content,
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	if result.Deduplicated {
		response.JSON(c, http.StatusOK, result.Document, nil, map[string]interface{}{"deduplicated": true})
		return
	}
	response.Created(c, result.Document)
}

// List godoc
// @Summary List documents attached to a claim
// @Tags Documents
// @Produce json
// @Param claimId path string true "Claim ID"
// @Param category query string false "Category filter"
// @Param status query string false "Status filter"
// @Param page query int false "Page"
// @Param page_size query int false "Page size"
// @Success 200 {object} response.Envelope
// @Router /claims/{claimId}/documents [get]
func (h *DocumentHandler) List(c *gin.Context) {
	var query dto.ListDocumentsQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid query parameters"))
		return
	}
	docs, pagination, err := h.documents.ListByClaim(c.Request.Context(), actorFromContext(c), c.Param("claimId"), query)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, docs, pagination)
}

// Get godoc
// @Summary Get document metadata
// @Tags Documents
// @Produce json
// @Param id path string true "Document ID"
// @Success 200 {object} response.Envelope
// @Router /documents/{id} [get]
func (h *DocumentHandler) Get(c *gin.Context) {
	doc, err := h.documents.Get(c.Request.Context(), actorFromContext(c), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, doc, nil)
}

// Download godoc
// @Summary Download document content
// @Tags Documents
// @Produce octet-stream
// @Param id path string true "Document ID"
// @Success 200 {file} binary
// @Failure 503 {object} response.Envelope
// @Router /documents/{id}/content [get]
func (h *DocumentHandler) Download(c *gin.Context) {
	h.serveContent(c, actorFromContext(c), c.Param("id"))
}

// CreateLink godoc
// @Summary Issue a short-lived download link for a document
// @Tags Documents
// @Produce json
// @Param id path string true "Document ID"
// @Success 201 {object} response.Envelope
// @Router /documents/{id}/link [post]
func (h *DocumentHandler) CreateLink(c *gin.Context) {
	if h.cfg.Links == nil {
		response.Error(c, appErrors.Clone(appErrors.ErrNotFound, "download links are disabled"))
		return
	}
	actor := actorFromContext(c)
	doc, err := h.documents.Get(c.Request.Context(), actor, c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	token, expiresAt, err := h.cfg.Links.Issue(doc.ID, actor.UserID, string(actor.Role))
	if err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to issue download link"))
		return
	}
	response.Created(c, gin.H{"url": h.cfg.LinkBasePath + token, "expires_at": expiresAt.UTC()})
}

// DownloadByLink godoc
// @Summary Download document content through a signed link
// @Tags Documents
// @Produce octet-stream
// @Param token path string true "Link token"
// @Success 200 {file} binary
// @Router /downloads/{token} [get]
func (h *DocumentHandler) DownloadByLink(c *gin.Context) {
	if h.cfg.Links == nil {
		response.Error(c, appErrors.ErrNotFound)
		return
	}
	claims, err := h.cfg.Links.Parse(c.Param("token"))
	if err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrUnauthorized.Code, appErrors.ErrUnauthorized.Status, "download link is invalid or expired"))
		return
	}
	c.Header("Referrer-Policy", "no-referrer")
	actor := &models.Actor{UserID: claims.ActorID, Role: models.UserRole(claims.Role), Origin: c.ClientIP()}
	h.serveContent(c, actor, claims.DocumentID)
}

func (h *DocumentHandler) serveContent(c *gin.Context, actor *models.Actor, id string) {
	result, err := h.documents.Download(c.Request.Context(), actor, id)
	if err != nil {
		response.Error(c, err)
		return
	}
	doc := result.Document
	contentType := doc.DeclaredMIMEType
	if contentType == "" {
		contentType = doc.DetectedMIMEType
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	filename := path.Base(doc.OriginalFilename)
	if filename == "." || filename == "/" {
		filename = doc.StoredFilename
	}
	response.Bytes(c, contentType, result.Content, map[string]string{
		"Content-Disposition":    mime.FormatMediaType("attachment", map[string]string{"filename": filename}),
		"X-Content-Digest":       "sha-256=" + doc.ContentDigest,
		"X-Content-Type-Options": "nosniff",
	})
}

// Delete godoc
// @Summary Soft delete a document
// @Tags Documents
// @Param id path string true "Document ID"
// @Success 204
// @Router /documents/{id} [delete]
func (h *DocumentHandler) Delete(c *gin.Context) {
	if err := h.documents.Delete(c.Request.Context(), actorFromContext(c), c.Param("id")); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}

// Review godoc
// @Summary Approve or reject a pending document
// @Tags Review
// @Accept json
// @Produce json
// @Param id path string true "Document ID"
// @Param payload body dto.ReviewDocumentRequest true "Decision"
// @Success 200 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /documents/{id}/review [post]
func (h *DocumentHandler) Review(c *gin.Context) {
	var req dto.ReviewDocumentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid review payload"))
		return
	}
	doc, err := h.reviews.Review(c.Request.Context(), actorFromContext(c), c.Param("id"), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, doc, nil)
}

// RequestReupload godoc
// @Summary Ask the customer to replace a rejected document
// @Tags Review
// @Accept json
// @Produce json
// @Param id path string true "Document ID"
// @Param payload body dto.ReuploadRequestPayload true "Deadline"
// @Success 201 {object} response.Envelope
// @Router /documents/{id}/reupload-request [post]
func (h *DocumentHandler) RequestReupload(c *gin.Context) {
	var req dto.ReuploadRequestPayload
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid re-upload payload"))
		return
	}
	created, err := h.reviews.RequestReupload(c.Request.Context(), actorFromContext(c), c.Param("id"), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, created)
}
