package main

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/noah-isme/claimdocs-api/internal/handler"
	"github.com/noah-isme/claimdocs-api/internal/models"
	"github.com/noah-isme/claimdocs-api/internal/service"
	"github.com/noah-isme/claimdocs-api/pkg/config"
)

func testToken(t *testing.T, role models.UserRole) string {
	t.Helper()
	claims := models.JWTClaims{
		UserID:           "user-1",
		Role:             role,
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("router-secret"))
	require.NoError(t, err)
	return "Bearer " + token
}

// Only the gates are exercised, so the document services are never reached.
func newTestRouter() http.Handler {
	cfg := &config.Config{Env: config.EnvProduction, APIPrefix: "/api/v1"}
	policies := service.NewPolicyService(nil, nil, nil, nil)
	return newRouter(cfg, zap.NewNop(), nil, service.NewTokenService("router-secret"), routeHandlers{
		documents:  handler.NewDocumentHandler(nil, nil, handler.DocumentHandlerConfig{}),
		accessLogs: handler.NewAccessLogHandler(nil),
		rules:      handler.NewValidationRuleHandler(policies),
		system:     handler.NewMetricsHandler(nil, nil),
	})
}

func TestRouterRoleGates(t *testing.T) {
	router := newTestRouter()
	cases := []struct {
		name   string
		method string
		path   string
		role   models.UserRole
		want   int
	}{
		{"health is public", http.MethodGet, "/health", "", http.StatusOK},
		{"ready is public", http.MethodGet, "/ready", "", http.StatusOK},
		{"api needs a token", http.MethodGet, "/api/v1/documents/doc-1", "", http.StatusUnauthorized},
		{"customer cannot review", http.MethodPost, "/api/v1/documents/doc-1/review", models.RoleCustomer, http.StatusForbidden},
		{"customer cannot request re-upload", http.MethodPost, "/api/v1/documents/doc-1/reupload-request", models.RoleCustomer, http.StatusForbidden},
		{"customer cannot read the access log", http.MethodGet, "/api/v1/documents/doc-1/access-logs", models.RoleCustomer, http.StatusForbidden},
		{"reviewer cannot verify the chain", http.MethodGet, "/api/v1/documents/doc-1/access-logs/verify", models.RoleReviewer, http.StatusForbidden},
		{"reviewer cannot edit rules", http.MethodPut, "/api/v1/validation-rules/invoice", models.RoleReviewer, http.StatusForbidden},
		{"reviewer cannot reload rules", http.MethodPost, "/api/v1/validation-rules/reload", models.RoleReviewer, http.StatusForbidden},
		{"anyone authenticated lists rules", http.MethodGet, "/api/v1/validation-rules", models.RoleCustomer, http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			req := httptest.NewRequest(tc.method, tc.path, nil)
			if tc.role != "" {
				req.Header.Set("Authorization", testToken(t, tc.role))
			}
			router.ServeHTTP(w, req)
			assert.Equal(t, tc.want, w.Code)
		})
	}
}

func TestRouterHidesDocsInProduction(t *testing.T) {
	w := httptest.NewRecorder()
	newTestRouter().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/docs/index.html", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}
