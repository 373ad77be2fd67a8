package service

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/claimdocs-api/internal/dto"
	"github.com/noah-isme/claimdocs-api/internal/models"
	"github.com/noah-isme/claimdocs-api/pkg/config"
	appErrors "github.com/noah-isme/claimdocs-api/pkg/errors"
)

type policyRepoStub struct {
	mu       sync.Mutex
	rules    map[string]models.ValidationRule
	listErr  error
	upserts  int
	bulkSize int
}

func newPolicyRepoStub(rules ...models.ValidationRule) *policyRepoStub {
	stub := &policyRepoStub{rules: map[string]models.ValidationRule{}}
	for _, r := range rules {
		stub.rules[r.Category] = r
	}
	return stub
}

func (s *policyRepoStub) List(ctx context.Context) ([]models.ValidationRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	out := make([]models.ValidationRule, 0, len(s.rules))
	for _, r := range s.rules {
		out = append(out, r)
	}
	return out, nil
}

func (s *policyRepoStub) Upsert(ctx context.Context, rule *models.ValidationRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upserts++
	rule.Version = s.rules[rule.Category].Version + 1
	s.rules[rule.Category] = *rule
	return nil
}

func (s *policyRepoStub) BulkUpsert(ctx context.Context, rules []models.ValidationRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bulkSize = len(rules)
	for _, rule := range rules {
		rule.Version = s.rules[rule.Category].Version + 1
		s.rules[rule.Category] = rule
	}
	return nil
}

func (s *policyRepoStub) Count(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rules), nil
}

type notifierSpy struct {
	published []string
}

func (n *notifierSpy) Publish(ctx context.Context, category string) error {
	n.published = append(n.published, category)
	return nil
}

type subscriberStub struct {
	categories []string
}

func (s subscriberStub) Subscribe(ctx context.Context, fn func(ctx context.Context, category string)) error {
	for _, c := range s.categories {
		fn(ctx, c)
	}
	return nil
}

func boolPtr(v bool) *bool { return &v }

func TestPolicyServiceLookupAfterReload(t *testing.T) {
	repo := newPolicyRepoStub(models.ValidationRule{
		Category:          "invoice",
		MaxSizeBytes:      100,
		AllowedMIMETypes:  []string{" Application/PDF ", "application/pdf"},
		AllowedExtensions: []string{".PDF"},
		Version:           2,
	})
	svc := NewPolicyService(repo, nil, nil, nil)

	_, err := svc.Lookup("invoice")
	assert.ErrorIs(t, err, appErrors.ErrPolicyNotFound, "no snapshot before the first reload")

	require.NoError(t, svc.Reload(context.Background()))
	rule, err := svc.Lookup("invoice")
	require.NoError(t, err)
	assert.Equal(t, []string{"application/pdf"}, []string(rule.AllowedMIMETypes))
	assert.Equal(t, []string{"pdf"}, []string(rule.AllowedExtensions))
	assert.Equal(t, int64(2), rule.Version)

	_, err = svc.Lookup("photo")
	require.ErrorIs(t, err, appErrors.ErrPolicyNotFound)
	assert.Equal(t, map[string]string{"category": "photo"}, appErrors.FromError(err).Details)
	assert.Equal(t, 1, svc.Info().Categories)
}

func TestPolicyServiceReloadFailureKeepsSnapshot(t *testing.T) {
	repo := newPolicyRepoStub(models.ValidationRule{Category: "invoice", MaxSizeBytes: 1, AllowedMIMETypes: []string{"application/pdf"}, AllowedExtensions: []string{"pdf"}})
	svc := NewPolicyService(repo, nil, nil, nil)
	require.NoError(t, svc.Reload(context.Background()))
	before := svc.Snapshot()

	repo.listErr = errBoom
	assert.Error(t, svc.Reload(context.Background()))
	assert.Same(t, before, svc.Snapshot())
}

func TestPolicyServiceUpsert(t *testing.T) {
	repo := newPolicyRepoStub()
	notifier := &notifierSpy{}
	svc := NewPolicyService(repo, notifier, nil, nil)
	req := dto.UpsertValidationRuleRequest{
		MaxSizeBytes:      2048,
		AllowedMIMETypes:  []string{"image/png"},
		AllowedExtensions: []string{"png"},
	}

	_, err := svc.Upsert(context.Background(), reviewer, "photo", req)
	assert.ErrorIs(t, err, appErrors.ErrForbidden)

	_, err = svc.Upsert(context.Background(), admin, "Bad Category!", req)
	assert.ErrorIs(t, err, appErrors.ErrValidation)

	_, err = svc.Upsert(context.Background(), admin, "photo", dto.UpsertValidationRuleRequest{MaxSizeBytes: 0})
	assert.ErrorIs(t, err, appErrors.ErrValidation)

	rule, err := svc.Upsert(context.Background(), admin, "Photo", req)
	require.NoError(t, err)
	assert.Equal(t, "photo", rule.Category)
	assert.True(t, rule.RequireEncryption, "encryption defaults on")
	assert.Equal(t, int64(1), rule.Version)

	req.RequireEncryption = boolPtr(false)
	rule, err = svc.Upsert(context.Background(), admin, "photo", req)
	require.NoError(t, err)
	assert.False(t, rule.RequireEncryption)
	assert.Equal(t, int64(2), rule.Version)

	live, err := svc.Lookup("photo")
	require.NoError(t, err)
	assert.False(t, live.RequireEncryption)
	assert.Equal(t, []string{"photo", "photo"}, notifier.published)
}

func TestPolicyServiceImport(t *testing.T) {
	repo := newPolicyRepoStub()
	notifier := &notifierSpy{}
	svc := NewPolicyService(repo, notifier, nil, nil)
	rules := []config.PolicyRule{
		{Category: "invoice", MaxSizeBytes: 1024, AllowedMIMETypes: []string{"application/pdf"}, AllowedExtensions: []string{"pdf"}, RequireEncryption: true},
		{Category: "photo", MaxSizeBytes: 4096, AllowedMIMETypes: []string{"image/jpeg"}, AllowedExtensions: []string{"jpg", "jpeg"}},
	}

	n, err := svc.Import(context.Background(), rules, "", false)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Len(t, svc.List(), 2)
	assert.Equal(t, "invoice", svc.List()[0].Category)

	n, err = svc.Import(context.Background(), rules, "", false)
	require.NoError(t, err)
	assert.Zero(t, n, "seeded table is left alone without overwrite")

	n, err = svc.Import(context.Background(), rules[:1], "adm-1", true)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"*", "*"}, notifier.published)

	_, err = svc.Import(context.Background(), []config.PolicyRule{{Category: "x", MaxSizeBytes: 1}}, "", true)
	assert.ErrorIs(t, err, appErrors.ErrValidation)
}

func TestPolicyServiceWatchReloads(t *testing.T) {
	repo := newPolicyRepoStub()
	svc := NewPolicyService(repo, nil, nil, nil)
	require.NoError(t, svc.Reload(context.Background()))

	repo.rules["invoice"] = models.ValidationRule{Category: "invoice", MaxSizeBytes: 1, AllowedMIMETypes: []string{"application/pdf"}, AllowedExtensions: []string{"pdf"}}
	require.NoError(t, svc.Watch(context.Background(), subscriberStub{categories: []string{"invoice"}}))

	_, err := svc.Lookup("invoice")
	assert.NoError(t, err)
	assert.Equal(t, int64(2), svc.Info().Version)
}

func TestPolicyServiceRefreshIsAdminOnly(t *testing.T) {
	notifier := &notifierSpy{}
	svc := NewPolicyService(newPolicyRepoStub(), notifier, nil, nil)

	_, err := svc.Refresh(context.Background(), reviewer)
	assert.ErrorIs(t, err, appErrors.ErrForbidden)

	info, err := svc.Refresh(context.Background(), admin)
	require.NoError(t, err)
	assert.Equal(t, int64(1), info.Version)
	assert.Equal(t, []string{"*"}, notifier.published)
}
