package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/noah-isme/claimdocs-api/pkg/vault"
)

// KeyRepository stores wrapped data-encryption keys in Redis. It satisfies vault.KeyStore.
type KeyRepository struct {
	client *redis.Client
	prefix string
	logger *zap.Logger
}

// NewKeyRepository constructs a Redis key store.
func NewKeyRepository(client *redis.Client, prefix string, logger *zap.Logger) *KeyRepository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KeyRepository{client: client, prefix: prefix, logger: logger}
}

// Put stores a wrapped key. Existing ids are never overwritten.
func (r *KeyRepository) Put(ctx context.Context, keyID string, wrapped []byte) error {
	if r.client == nil {
		return errors.New("key store not configured")
	}
	ok, err := r.client.SetNX(ctx, r.prefix+keyID, wrapped, 0).Result()
	if err != nil {
		return fmt.Errorf("redis setnx %s: %w", keyID, err)
	}
	if !ok {
		return fmt.Errorf("key id %s already exists", keyID)
	}
	return nil
}

// Get returns the wrapped key or vault.ErrKeyNotFound.
func (r *KeyRepository) Get(ctx context.Context, keyID string) ([]byte, error) {
	if r.client == nil {
		return nil, vault.ErrKeyNotFound
	}
	raw, err := r.client.Get(ctx, r.prefix+keyID).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, vault.ErrKeyNotFound
		}
		return nil, fmt.Errorf("redis get %s: %w", keyID, err)
	}
	return raw, nil
}

// Delete removes a wrapped key; missing keys are ignored.
func (r *KeyRepository) Delete(ctx context.Context, keyID string) error {
	if r.client == nil {
		return nil
	}
	if err := r.client.Del(ctx, r.prefix+keyID).Err(); err != nil {
		r.logger.Warn("failed to delete data key", zap.String("key_id", keyID), zap.Error(err))
		return fmt.Errorf("redis delete %s: %w", keyID, err)
	}
	return nil
}
