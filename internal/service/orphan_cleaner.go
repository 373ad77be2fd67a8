package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/claimdocs-api/pkg/jobs"
)

// OrphanBlob is stored content that no metadata row references.
type OrphanBlob struct {
	StorageKey string
	KeyID      string
}

type blobRemover interface {
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
}

type keyDiscarder interface {
	Discard(ctx context.Context, keyID string) error
}

// OrphanCleaner removes blobs and data keys left behind by failed or
// deduplicated uploads. Deletes that fail inline are retried in the background.
type OrphanCleaner struct {
	storage blobRemover
	keys    keyDiscarder
	queue   *jobs.Queue[OrphanBlob]
	timeout time.Duration
	logger  *zap.Logger
}

// NewOrphanCleaner constructs the cleaner. timeout bounds each inline attempt.
func NewOrphanCleaner(storage blobRemover, keys keyDiscarder, timeout time.Duration, cfg jobs.QueueConfig) *OrphanCleaner {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	c := &OrphanCleaner{storage: storage, keys: keys, timeout: timeout, logger: cfg.Logger}
	c.queue = jobs.NewQueue[OrphanBlob]("orphan-cleanup", c.handle, cfg)
	c.queue.OnExhausted(func(_ context.Context, job jobs.Job[OrphanBlob], err error) {
		c.logger.Error("orphaned document blob left behind",
			zap.String("storage_key", job.Payload.StorageKey),
			zap.String("key_id", job.Payload.KeyID),
			zap.Error(err),
		)
	})
	return c
}

// Start launches the background retry workers.
func (c *OrphanCleaner) Start(ctx context.Context) {
	c.queue.Start(ctx)
}

// Stop waits for the workers to exit.
func (c *OrphanCleaner) Stop() {
	c.queue.Stop()
}

// Clean removes blob and key now, queueing a retry when that fails. The
// request context is detached so a cancelled upload still cleans up.
func (c *OrphanCleaner) Clean(ctx context.Context, blob OrphanBlob) {
	attemptCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
	defer cancel()
	err := c.remove(attemptCtx, blob)
	if err == nil {
		return
	}
	c.logger.Warn("document cleanup failed, queueing retry", zap.String("storage_key", blob.StorageKey), zap.Error(err))
	if qErr := c.queue.Enqueue(jobs.Job[OrphanBlob]{ID: blob.StorageKey, Type: "orphan_blob", Payload: blob}); qErr != nil {
		c.logger.Error("orphaned document blob left behind", zap.String("storage_key", blob.StorageKey), zap.Error(qErr))
	}
}

func (c *OrphanCleaner) handle(ctx context.Context, job jobs.Job[OrphanBlob]) error {
	attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.remove(attemptCtx, job.Payload)
}

func (c *OrphanCleaner) remove(ctx context.Context, blob OrphanBlob) error {
	if blob.StorageKey != "" {
		if err := c.storage.Delete(ctx, blob.StorageKey); err != nil {
			return fmt.Errorf("delete blob: %w", err)
		}
		// The data key is the only way to read the blob, so it goes last.
		exists, err := c.storage.Exists(ctx, blob.StorageKey)
		if err != nil {
			return fmt.Errorf("confirm blob removal: %w", err)
		}
		if exists {
			return fmt.Errorf("blob %s still present after delete", blob.StorageKey)
		}
	}
	if blob.KeyID != "" {
		if err := c.keys.Discard(ctx, blob.KeyID); err != nil {
			return fmt.Errorf("discard key: %w", err)
		}
	}
	return nil
}
