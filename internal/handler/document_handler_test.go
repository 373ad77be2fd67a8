package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/claimdocs-api/internal/dto"
	"github.com/noah-isme/claimdocs-api/internal/middleware"
	"github.com/noah-isme/claimdocs-api/internal/models"
	"github.com/noah-isme/claimdocs-api/pkg/downloadlink"
	appErrors "github.com/noah-isme/claimdocs-api/pkg/errors"
)

type documentServiceMock struct {
	lastUpload   dto.UploadDocumentInput
	lastActor    *models.Actor
	lastID       string
	lastQuery    dto.ListDocumentsQuery
	uploadResult *dto.UploadDocumentResult
	download     *dto.DownloadResult
	err          error
	deadline     bool
}

func (m *documentServiceMock) Upload(ctx context.Context, actor *models.Actor, in dto.UploadDocumentInput) (*dto.UploadDocumentResult, error) {
	m.lastUpload = in
	m.lastActor = actor
	_, m.deadline = ctx.Deadline()
	if m.err != nil {
		return nil, m.err
	}
	return m.uploadResult, nil
}

func (m *documentServiceMock) Download(ctx context.Context, actor *models.Actor, id string) (*dto.DownloadResult, error) {
	m.lastActor, m.lastID = actor, id
	if m.err != nil {
		return nil, m.err
	}
	return m.download, nil
}

func (m *documentServiceMock) Get(ctx context.Context, actor *models.Actor, id string) (*models.Document, error) {
	if m.err != nil {
		return nil, m.err
	}
	return &models.Document{ID: id}, nil
}

func (m *documentServiceMock) ListByClaim(ctx context.Context, actor *models.Actor, claimID string, query dto.ListDocumentsQuery) ([]models.Document, *models.Pagination, error) {
	m.lastQuery = query
	return []models.Document{{ID: "doc-1", ClaimID: claimID}}, &models.Pagination{Page: 1, PageSize: 20, TotalCount: 1}, nil
}

func (m *documentServiceMock) Delete(ctx context.Context, actor *models.Actor, id string) error {
	return m.err
}

type reviewServiceMock struct {
	lastReview dto.ReviewDocumentRequest
	err        error
}

func (m *reviewServiceMock) Review(ctx context.Context, actor *models.Actor, id string, req dto.ReviewDocumentRequest) (*models.Document, error) {
	m.lastReview = req
	if m.err != nil {
		return nil, m.err
	}
	return &models.Document{ID: id, Status: models.DocumentStatusApproved}, nil
}

func (m *reviewServiceMock) RequestReupload(ctx context.Context, actor *models.Actor, id string, req dto.ReuploadRequestPayload) (*models.ReuploadRequest, error) {
	if m.err != nil {
		return nil, m.err
	}
	return &models.ReuploadRequest{ID: "req-1", DocumentID: id, Deadline: req.Deadline}, nil
}

func multipartUpload(t *testing.T, content []byte, fields map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	for k, v := range fields {
		require.NoError(t, writer.WriteField(k, v))
	}
	header := textproto.MIMEHeader{}
	header.Set("Content-Disposition", `form-data; name="file"; filename="scan.pdf"`)
	header.Set("Content-Type", "application/pdf")
	part, err := writer.CreatePart(header)
	require.NoError(t, err)
	_, err = part.Write(content)
	require.NoError(t, err)
	require.NoError(t, writer.Close())
	return body, writer.FormDataContentType()
}

func newTestContext(method, target string, body *bytes.Buffer, role models.UserRole) (*gin.Context, *httptest.ResponseRecorder) {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	if body == nil {
		body = &bytes.Buffer{}
	}
	req, _ := http.NewRequest(method, target, body)
	req.RemoteAddr = "203.0.113.9:4000"
	c.Request = req
	if role != "" {
		c.Set(middleware.ContextUserKey, &models.JWTClaims{UserID: "user-1", Role: role})
	}
	return c, w
}

func decodeEnvelope(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var envelope map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &envelope))
	return envelope
}

func TestDocumentHandlerUploadCreated(t *testing.T) {
	svc := &documentServiceMock{uploadResult: &dto.UploadDocumentResult{Document: &models.Document{ID: "doc-1"}}}
	handler := NewDocumentHandler(svc, &reviewServiceMock{}, DocumentHandlerConfig{UploadTimeout: time.Minute})
	body, contentType := multipartUpload(t, []byte("%PDF-1.4"), map[string]string{"category": "medical_report", "customerId": "cust-1"})
	c, w := newTestContext(http.MethodPost, "/claims/claim-1/documents", body, models.RoleCustomer)
	c.Request.Header.Set("Content-Type", contentType)
	c.Params = gin.Params{{Key: "claimId", Value: "claim-1"}}

	handler.Upload(c)

	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "claim-1", svc.lastUpload.ClaimID)
	assert.Equal(t, "cust-1", svc.lastUpload.CustomerID)
	assert.Equal(t, "medical_report", svc.lastUpload.Category)
	assert.Equal(t, "scan.pdf", svc.lastUpload.Filename)
	assert.Equal(t, "application/pdf", svc.lastUpload.DeclaredMIME)
	assert.Equal(t, []byte("%PDF-1.4"), svc.lastUpload.Content)
	assert.Equal(t, "203.0.113.9", svc.lastActor.Origin)
	assert.True(t, svc.deadline)
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))
}

func TestDocumentHandlerUploadDeduplicated(t *testing.T) {
	svc := &documentServiceMock{uploadResult: &dto.UploadDocumentResult{Document: &models.Document{ID: "doc-1"}, Deduplicated: true}}
	handler := NewDocumentHandler(svc, &reviewServiceMock{}, DocumentHandlerConfig{})
	body, contentType := multipartUpload(t, []byte("%PDF-1.4"), map[string]string{"category": "medical_report"})
	c, w := newTestContext(http.MethodPost, "/claims/claim-1/documents", body, models.RoleCustomer)
	c.Request.Header.Set("Content-Type", contentType)

	handler.Upload(c)

	require.Equal(t, http.StatusOK, w.Code)
	envelope := decodeEnvelope(t, w)
	assert.Equal(t, true, envelope["meta"].(map[string]interface{})["deduplicated"])
	assert.False(t, svc.deadline)
}

func TestDocumentHandlerUploadTooLarge(t *testing.T) {
	svc := &documentServiceMock{}
	handler := NewDocumentHandler(svc, &reviewServiceMock{}, DocumentHandlerConfig{MaxRequestBytes: 64})
	body, contentType := multipartUpload(t, bytes.Repeat([]byte("a"), 1024), map[string]string{"category": "photo"})
	c, w := newTestContext(http.MethodPost, "/claims/claim-1/documents", body, models.RoleCustomer)
	c.Request.Header.Set("Content-Type", contentType)

	handler.Upload(c)

	require.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	envelope := decodeEnvelope(t, w)
	assert.Equal(t, "SIZE_EXCEEDED", envelope["error"].(map[string]interface{})["code"])
	assert.Empty(t, svc.lastUpload.ClaimID, "service is not called")
}

func TestDocumentHandlerUploadMissingFile(t *testing.T) {
	handler := NewDocumentHandler(&documentServiceMock{}, &reviewServiceMock{}, DocumentHandlerConfig{})
	c, w := newTestContext(http.MethodPost, "/claims/claim-1/documents", bytes.NewBufferString("category=photo"), models.RoleCustomer)
	c.Request.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	handler.Upload(c)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDocumentHandlerUploadPolicyViolation(t *testing.T) {
	violation := appErrors.WithDetails(appErrors.ErrPolicyViolation, []string{"TYPE_NOT_ALLOWED", "EXTENSION_NOT_ALLOWED"})
	handler := NewDocumentHandler(&documentServiceMock{err: violation}, &reviewServiceMock{}, DocumentHandlerConfig{})
	body, contentType := multipartUpload(t, []byte("MZ"), map[string]string{"category": "medical_report"})
	c, w := newTestContext(http.MethodPost, "/claims/claim-1/documents", body, models.RoleCustomer)
	c.Request.Header.Set("Content-Type", contentType)

	handler.Upload(c)

	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	errBody := decodeEnvelope(t, w)["error"].(map[string]interface{})
	assert.Equal(t, "POLICY_VIOLATION", errBody["code"])
	assert.Len(t, errBody["details"], 2)
}

func TestDocumentHandlerDownloadHeaders(t *testing.T) {
	svc := &documentServiceMock{download: &dto.DownloadResult{
		Document: &models.Document{ID: "doc-1", StoredFilename: "0f3c.bin", OriginalFilename: "claim-1 report.pdf", DeclaredMIMEType: "application/pdf", DetectedMIMEType: "application/pdf", ContentDigest: "abc123"},
		Content:  []byte("%PDF-1.4"),
	}}
	handler := NewDocumentHandler(svc, &reviewServiceMock{}, DocumentHandlerConfig{})
	c, w := newTestContext(http.MethodGet, "/documents/doc-1/content", nil, models.RoleReviewer)
	c.Params = gin.Params{{Key: "id", Value: "doc-1"}}

	handler.Download(c)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/pdf", w.Header().Get("Content-Type"))
	assert.Equal(t, `attachment; filename="claim-1 report.pdf"`, w.Header().Get("Content-Disposition"))
	assert.Equal(t, "sha-256=abc123", w.Header().Get("X-Content-Digest"))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "%PDF-1.4", w.Body.String())
}

func TestDocumentHandlerDownloadHidesIntegrityFailures(t *testing.T) {
	handler := NewDocumentHandler(&documentServiceMock{err: appErrors.ErrIntegrityViolation}, &reviewServiceMock{}, DocumentHandlerConfig{})
	c, w := newTestContext(http.MethodGet, "/documents/doc-1/content", nil, models.RoleReviewer)

	handler.Download(c)

	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "DOCUMENT_UNAVAILABLE", decodeEnvelope(t, w)["error"].(map[string]interface{})["code"])
	assert.Len(t, c.Errors, 1, "full error kept for the request log")
}

func TestDocumentHandlerListBindsQuery(t *testing.T) {
	svc := &documentServiceMock{}
	handler := NewDocumentHandler(svc, &reviewServiceMock{}, DocumentHandlerConfig{})
	c, w := newTestContext(http.MethodGet, "/claims/claim-1/documents?category=photo&status=pending&page=2", nil, models.RoleReviewer)
	c.Params = gin.Params{{Key: "claimId", Value: "claim-1"}}

	handler.List(c)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, dto.ListDocumentsQuery{Category: "photo", Status: "pending", Page: 2}, svc.lastQuery)
	assert.NotNil(t, decodeEnvelope(t, w)["pagination"])
}

func TestDocumentHandlerListRejectsUnknownStatus(t *testing.T) {
	svc := &documentServiceMock{}
	handler := NewDocumentHandler(svc, &reviewServiceMock{}, DocumentHandlerConfig{})
	c, w := newTestContext(http.MethodGet, "/claims/claim-1/documents?status=bogus", nil, models.RoleReviewer)
	c.Params = gin.Params{{Key: "claimId", Value: "claim-1"}}

	handler.List(c)

	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, dto.ListDocumentsQuery{}, svc.lastQuery, "service is not reached")
}

func TestDocumentHandlerDelete(t *testing.T) {
	handler := NewDocumentHandler(&documentServiceMock{}, &reviewServiceMock{}, DocumentHandlerConfig{})
	c, w := newTestContext(http.MethodDelete, "/documents/doc-1", nil, models.RoleCustomer)
	handler.Delete(c)
	c.Writer.WriteHeaderNow()
	assert.Equal(t, http.StatusNoContent, w.Code)

	handler = NewDocumentHandler(&documentServiceMock{err: appErrors.ErrForbidden}, &reviewServiceMock{}, DocumentHandlerConfig{})
	c, w = newTestContext(http.MethodDelete, "/documents/doc-1", nil, models.RoleCustomer)
	handler.Delete(c)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestDocumentHandlerReview(t *testing.T) {
	reviews := &reviewServiceMock{}
	handler := NewDocumentHandler(&documentServiceMock{}, reviews, DocumentHandlerConfig{})
	c, w := newTestContext(http.MethodPost, "/documents/doc-1/review", bytes.NewBufferString(`{"decision":"reject","reason":"blurry"}`), models.RoleReviewer)
	c.Request.Header.Set("Content-Type", "application/json")
	c.Params = gin.Params{{Key: "id", Value: "doc-1"}}

	handler.Review(c)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, dto.ReviewDocumentRequest{Decision: "reject", Reason: "blurry"}, reviews.lastReview)

	reviews.err = appErrors.ErrInvalidTransition
	c, w = newTestContext(http.MethodPost, "/documents/doc-1/review", bytes.NewBufferString(`{"decision":"approve"}`), models.RoleReviewer)
	c.Request.Header.Set("Content-Type", "application/json")
	handler.Review(c)
	assert.Equal(t, http.StatusConflict, w.Code)

	c, w = newTestContext(http.MethodPost, "/documents/doc-1/review", bytes.NewBufferString(`nope`), models.RoleReviewer)
	c.Request.Header.Set("Content-Type", "application/json")
	handler.Review(c)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDocumentHandlerRequestReupload(t *testing.T) {
	handler := NewDocumentHandler(&documentServiceMock{}, &reviewServiceMock{}, DocumentHandlerConfig{})
	c, w := newTestContext(http.MethodPost, "/documents/doc-1/reupload-request", bytes.NewBufferString(`{"deadline":"2030-01-02T15:04:05Z"}`), models.RoleReviewer)
	c.Request.Header.Set("Content-Type", "application/json")
	c.Params = gin.Params{{Key: "id", Value: "doc-1"}}

	handler.RequestReupload(c)

	require.Equal(t, http.StatusCreated, w.Code)
	data := decodeEnvelope(t, w)["data"].(map[string]interface{})
	assert.Equal(t, "doc-1", data["document_id"])
	assert.Equal(t, "2030-01-02T15:04:05Z", data["deadline"])
}

func TestDocumentHandlerDownloadLinkRoundTrip(t *testing.T) {
	svc := &documentServiceMock{download: &dto.DownloadResult{
		Document: &models.Document{ID: "doc-1", StoredFilename: "a.pdf", DetectedMIMEType: "application/pdf"},
		Content:  []byte("%PDF"),
	}}
	signer := downloadlink.NewSigner("secret", time.Minute)
	handler := NewDocumentHandler(svc, &reviewServiceMock{}, DocumentHandlerConfig{Links: signer, LinkBasePath: "/api/v1/downloads/"})

	c, w := newTestContext(http.MethodPost, "/documents/doc-1/link", nil, models.RoleCustomer)
	c.Params = gin.Params{{Key: "id", Value: "doc-1"}}
	handler.CreateLink(c)
	require.Equal(t, http.StatusCreated, w.Code)
	url := decodeEnvelope(t, w)["data"].(map[string]interface{})["url"].(string)
	require.True(t, strings.HasPrefix(url, "/api/v1/downloads/"))

	c, w = newTestContext(http.MethodGet, url, nil, "")
	c.Params = gin.Params{{Key: "token", Value: strings.TrimPrefix(url, "/api/v1/downloads/")}}
	handler.DownloadByLink(c)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "%PDF", w.Body.String())
	assert.Equal(t, "doc-1", svc.lastID)
	assert.Equal(t, "user-1", svc.lastActor.UserID)
	assert.Equal(t, models.RoleCustomer, svc.lastActor.Role)
	assert.Equal(t, "no-referrer", w.Header().Get("Referrer-Policy"))
}

func TestDocumentHandlerDownloadLinkRejected(t *testing.T) {
	handler := NewDocumentHandler(&documentServiceMock{}, &reviewServiceMock{}, DocumentHandlerConfig{Links: downloadlink.NewSigner("secret", time.Minute)})
	c, w := newTestContext(http.MethodGet, "/api/v1/downloads/forged", nil, "")
	c.Params = gin.Params{{Key: "token", Value: "forged"}}
	handler.DownloadByLink(c)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	disabled := NewDocumentHandler(&documentServiceMock{}, &reviewServiceMock{}, DocumentHandlerConfig{})
	c, w = newTestContext(http.MethodPost, "/documents/doc-1/link", nil, models.RoleCustomer)
	disabled.CreateLink(c)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
