package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/claimdocs-api/internal/dto"
	"github.com/noah-isme/claimdocs-api/internal/models"
	appErrors "github.com/noah-isme/claimdocs-api/pkg/errors"
	"github.com/noah-isme/claimdocs-api/pkg/response"
)

type policyService interface {
	List() []models.ValidationRule
	Info() dto.PolicySnapshotInfo
	Upsert(ctx context.Context, actor *models.Actor, category string, req dto.UpsertValidationRuleRequest) (*models.ValidationRule, error)
	Refresh(ctx context.Context, actor *models.Actor) (dto.PolicySnapshotInfo, error)
}

// ValidationRuleHandler exposes the validation policy.
type ValidationRuleHandler struct {
	service policyService
}

// NewValidationRuleHandler builds a new handler.
func NewValidationRuleHandler(service policyService) *ValidationRuleHandler {
	return &ValidationRuleHandler{service: service}
}

// List godoc
// @Summary List validation rules in force
// @Tags ValidationRules
// @Produce json
// @Success 200 {object} response.Envelope
// @Router /validation-rules [get]
func (h *ValidationRuleHandler) List(c *gin.Context) {
	info := h.service.Info()
	response.JSON(c, http.StatusOK, h.service.List(), nil, map[string]interface{}{
		"snapshot_version": info.Version,
		"loaded_at":        info.LoadedAt,
	})
}

// Upsert godoc
// @Summary Create or replace the rule for a category
// @Tags ValidationRules
// @Accept json
// @Produce json
// @Param category path string true "Document category"
// @Param payload body dto.UpsertValidationRuleRequest true "Rule"
// @Success 200 {object} response.Envelope
// @Router /validation-rules/{category} [put]
func (h *ValidationRuleHandler) Upsert(c *gin.Context) {
	var req dto.UpsertValidationRuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid validation rule payload"))
		return
	}
	rule, err := h.service.Upsert(c.Request.Context(), actorFromContext(c), c.Param("category"), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, rule, nil)
}

// Reload godoc
// @Summary Reload validation rules on every instance
// @Tags ValidationRules
// @Produce json
// @Success 200 {object} response.Envelope
// @Router /validation-rules/reload [post]
func (h *ValidationRuleHandler) Reload(c *gin.Context) {
	info, err := h.service.Refresh(c.Request.Context(), actorFromContext(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, info, nil)
}
