package service

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	appErrors "github.com/noah-isme/claimdocs-api/pkg/errors"
)

type claimOwnerReader interface {
	OwnerOf(ctx context.Context, claimID string) (string, error)
}

type cacheObserver interface {
	RecordOwnershipLookup(hit bool)
}

// OwnershipResolver answers which customer owns a claim, caching recent answers.
type OwnershipResolver struct {
	claims   claimOwnerReader
	cache    *expirable.LRU[string, string]
	observer cacheObserver
}

// NewOwnershipResolver constructs a resolver with an LRU of size entries living for ttl.
func NewOwnershipResolver(claims claimOwnerReader, size int, ttl time.Duration, observer cacheObserver) *OwnershipResolver {
	if size <= 0 {
		size = 4096
	}
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &OwnershipResolver{
		claims:   claims,
		cache:    expirable.NewLRU[string, string](size, nil, ttl),
		observer: observer,
	}
}

// OwnerOf returns the claim's customer id or ErrNotFound.
func (r *OwnershipResolver) OwnerOf(ctx context.Context, claimID string) (string, error) {
	if owner, ok := r.cache.Get(claimID); ok {
		r.observe(true)
		return owner, nil
	}
	r.observe(false)
	owner, err := r.claims.OwnerOf(ctx, claimID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", appErrors.Clone(appErrors.ErrNotFound, "claim not found")
		}
		return "", appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to resolve claim owner")
	}
	r.cache.Add(claimID, owner)
	return owner, nil
}

func (r *OwnershipResolver) observe(hit bool) {
	if r.observer != nil {
		r.observer.RecordOwnershipLookup(hit)
	}
}
