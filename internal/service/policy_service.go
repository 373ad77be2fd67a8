package service

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/noah-isme/claimdocs-api/internal/dto"
	"github.com/noah-isme/claimdocs-api/internal/models"
	"github.com/noah-isme/claimdocs-api/pkg/config"
	appErrors "github.com/noah-isme/claimdocs-api/pkg/errors"
)

var categoryPattern = regexp.MustCompile(`^[a-z][a-z0-9_]{1,63}$`)

type policyRepository interface {
	List(ctx context.Context) ([]models.ValidationRule, error)
	Upsert(ctx context.Context, rule *models.ValidationRule) error
	BulkUpsert(ctx context.Context, rules []models.ValidationRule) error
	Count(ctx context.Context) (int, error)
}

type policyNotifier interface {
	Publish(ctx context.Context, category string) error
}

type policySubscriber interface {
	Subscribe(ctx context.Context, fn func(ctx context.Context, category string)) error
}

// PolicySnapshot is an immutable view of every validation rule.
type PolicySnapshot struct {
	Version  int64
	LoadedAt time.Time
	rules    map[string]models.ValidationRule
}

// Rule returns the rule for category.
func (s *PolicySnapshot) Rule(category string) (models.ValidationRule, bool) {
	if s == nil {
		return models.ValidationRule{}, false
	}
	rule, ok := s.rules[category]
	return rule, ok
}

// PolicyService owns the validation rule snapshot and its reloads.
type PolicyService struct {
	repo      policyRepository
	notifier  policyNotifier
	validator *validator.Validate
	logger    *zap.Logger
	snapshot  atomic.Pointer[PolicySnapshot]
	reloads   atomic.Int64
}

// NewPolicyService constructs the store. Call Reload before serving traffic.
func NewPolicyService(repo policyRepository, notifier policyNotifier, validate *validator.Validate, logger *zap.Logger) *PolicyService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PolicyService{repo: repo, notifier: notifier, validator: validate, logger: logger}
}

// Reload replaces the snapshot with the rules currently persisted.
func (s *PolicyService) Reload(ctx context.Context) error {
	rules, err := s.repo.List(ctx)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load validation rules")
	}
	byCategory := make(map[string]models.ValidationRule, len(rules))
	for _, rule := range rules {
		byCategory[rule.Category] = normalizeRule(rule)
	}
	next := &PolicySnapshot{
		Version:  s.reloads.Add(1),
		LoadedAt: time.Now().UTC(),
		rules:    byCategory,
	}
	s.snapshot.Store(next)
	s.logger.Info("validation policy loaded", zap.Int64("snapshot_version", next.Version), zap.Int("categories", len(byCategory)))
	return nil
}

// Snapshot returns the rule set in force.
func (s *PolicyService) Snapshot() *PolicySnapshot {
	return s.snapshot.Load()
}

// Lookup resolves the rule for category.
func (s *PolicyService) Lookup(category string) (models.ValidationRule, error) {
	rule, ok := s.snapshot.Load().Rule(category)
	if !ok {
		return models.ValidationRule{}, appErrors.WithDetails(appErrors.ErrPolicyNotFound, map[string]string{"category": category})
	}
	return rule, nil
}

// List returns every rule ordered by category.
func (s *PolicyService) List() []models.ValidationRule {
	snap := s.snapshot.Load()
	if snap == nil {
		return []models.ValidationRule{}
	}
	rules := make([]models.ValidationRule, 0, len(snap.rules))
	for _, rule := range snap.rules {
		rules = append(rules, rule)
	}
	sort.Slice(rules, func(i, j int) bool { return rules[i].Category < rules[j].Category })
	return rules
}

// Info summarises the snapshot for the admin API.
func (s *PolicyService) Info() dto.PolicySnapshotInfo {
	snap := s.snapshot.Load()
	if snap == nil {
		return dto.PolicySnapshotInfo{}
	}
	return dto.PolicySnapshotInfo{
		Version:    snap.Version,
		Categories: len(snap.rules),
		LoadedAt:   snap.LoadedAt.Format(time.RFC3339),
	}
}

// Upsert creates or replaces the rule for category. Admin only.
func (s *PolicyService) Upsert(ctx context.Context, actor *models.Actor, category string, req dto.UpsertValidationRuleRequest) (*models.ValidationRule, error) {
	if actor == nil || actor.Role != models.RoleAdmin {
		return nil, appErrors.ErrForbidden
	}
	category = strings.TrimSpace(strings.ToLower(category))
	if !categoryPattern.MatchString(category) {
		return nil, appErrors.Clone(appErrors.ErrValidation, "category must be lower-case letters, digits or underscores")
	}
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid validation rule payload")
	}

	requireEncryption := true
	if req.RequireEncryption != nil {
		requireEncryption = *req.RequireEncryption
	}
	updatedBy := actor.UserID
	rule := normalizeRule(models.ValidationRule{
		Category:          category,
		MaxSizeBytes:      req.MaxSizeBytes,
		AllowedMIMETypes:  req.AllowedMIMETypes,
		AllowedExtensions: req.AllowedExtensions,
		RequireEncryption: requireEncryption,
		RequireScan:       req.RequireScan,
		UpdatedBy:         &updatedBy,
	})
	if len(rule.AllowedMIMETypes) == 0 || len(rule.AllowedExtensions) == 0 {
		return nil, appErrors.Clone(appErrors.ErrValidation, "allowed types and extensions must not be blank")
	}
	if err := s.repo.Upsert(ctx, &rule); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to save validation rule")
	}
	s.logger.Info("validation rule updated",
		zap.String("category", rule.Category),
		zap.Int64("version", rule.Version),
		zap.String("updated_by", updatedBy),
	)
	if err := s.Reload(ctx); err != nil {
		return nil, err
	}
	if s.notifier != nil {
		if err := s.notifier.Publish(ctx, rule.Category); err != nil {
			s.logger.Warn("failed to broadcast policy reload", zap.Error(err))
		}
	}
	return &rule, nil
}

// Import persists rules from a policy file. When overwrite is false an already
// seeded table is left untouched. It returns the number of rules written.
func (s *PolicyService) Import(ctx context.Context, rules []config.PolicyRule, actorID string, overwrite bool) (int, error) {
	if len(rules) == 0 {
		return 0, nil
	}
	if !overwrite {
		existing, err := s.repo.Count(ctx)
		if err != nil {
			return 0, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to count validation rules")
		}
		if existing > 0 {
			return 0, nil
		}
	}
	records := make([]models.ValidationRule, 0, len(rules))
	for _, raw := range rules {
		rule := normalizeRule(models.ValidationRule{
			Category:          strings.TrimSpace(strings.ToLower(raw.Category)),
			MaxSizeBytes:      raw.MaxSizeBytes,
			AllowedMIMETypes:  raw.AllowedMIMETypes,
			AllowedExtensions: raw.AllowedExtensions,
			RequireEncryption: raw.RequireEncryption,
			RequireScan:       raw.RequireScan,
		})
		if actorID != "" {
			id := actorID
			rule.UpdatedBy = &id
		}
		if !categoryPattern.MatchString(rule.Category) || rule.MaxSizeBytes <= 0 || len(rule.AllowedMIMETypes) == 0 || len(rule.AllowedExtensions) == 0 {
			return 0, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("invalid policy rule for category %q", raw.Category))
		}
		records = append(records, rule)
	}
	if err := s.repo.BulkUpsert(ctx, records); err != nil {
		return 0, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to import validation rules")
	}
	if err := s.Reload(ctx); err != nil {
		return 0, err
	}
	if s.notifier != nil {
		if err := s.notifier.Publish(ctx, "*"); err != nil {
			s.logger.Warn("failed to broadcast policy reload", zap.Error(err))
		}
	}
	return len(records), nil
}

// Refresh reloads this instance and asks every other instance to do the same. Admin only.
func (s *PolicyService) Refresh(ctx context.Context, actor *models.Actor) (dto.PolicySnapshotInfo, error) {
	if actor == nil || actor.Role != models.RoleAdmin {
		return dto.PolicySnapshotInfo{}, appErrors.ErrForbidden
	}
	if err := s.Reload(ctx); err != nil {
		return dto.PolicySnapshotInfo{}, err
	}
	if s.notifier != nil {
		if err := s.notifier.Publish(ctx, "*"); err != nil {
			s.logger.Warn("failed to broadcast policy reload", zap.Error(err))
		}
	}
	return s.Info(), nil
}

// Watch reloads the snapshot whenever another instance announces a change.
// It blocks until ctx is cancelled.
func (s *PolicyService) Watch(ctx context.Context, sub policySubscriber) error {
	if sub == nil {
		<-ctx.Done()
		return nil
	}
	return sub.Subscribe(ctx, func(ctx context.Context, category string) {
		if err := s.Reload(ctx); err != nil {
			s.logger.Error("policy reload failed", zap.String("category", category), zap.Error(err))
		}
	})
}

func normalizeRule(rule models.ValidationRule) models.ValidationRule {
	rule.AllowedMIMETypes = normalizeList(rule.AllowedMIMETypes, func(v string) string {
		return strings.ToLower(strings.TrimSpace(v))
	})
	rule.AllowedExtensions = normalizeList(rule.AllowedExtensions, normalizeExtension)
	return rule
}

func normalizeList(values []string, fn func(string) string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		n := fn(v)
		if n == "" {
			continue
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}

func normalizeExtension(ext string) string {
	return strings.TrimPrefix(strings.ToLower(strings.TrimSpace(ext)), ".")
}
