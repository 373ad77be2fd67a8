package objectstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// RetryPolicy bounds every gateway operation.
type RetryPolicy struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	AttemptTimeout time.Duration
}

// Observer receives retry telemetry. Optional.
type Observer interface {
	ObserveStorageRetry(op string)
	ObserveStorageFailure(op string)
}

const jitter = 0.5

// Gateway wraps a Backend with per-attempt timeouts and exponential backoff.
type Gateway struct {
	backend  Backend
	policy   RetryPolicy
	logger   *zap.Logger
	observer Observer
}

// NewGateway constructs a gateway with sane defaults for zero policy values.
func NewGateway(backend Backend, policy RetryPolicy, logger *zap.Logger, observer Observer) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	if policy.MaxRetries < 0 {
		policy.MaxRetries = 0
	}
	if policy.InitialBackoff <= 0 {
		policy.InitialBackoff = 200 * time.Millisecond
	}
	if policy.MaxBackoff < policy.InitialBackoff {
		policy.MaxBackoff = policy.InitialBackoff
	}
	if policy.AttemptTimeout <= 0 {
		policy.AttemptTimeout = 10 * time.Second
	}
	return &Gateway{backend: backend, policy: policy, logger: logger, observer: observer}
}

// Budget returns the worst-case wall time of one gateway operation.
func (g *Gateway) Budget() time.Duration {
	total := time.Duration(g.policy.MaxRetries+1) * g.policy.AttemptTimeout
	interval := g.policy.InitialBackoff
	for i := 0; i < g.policy.MaxRetries; i++ {
		total += time.Duration(float64(interval) * (1 + jitter))
		interval *= 2
		if interval > g.policy.MaxBackoff {
			interval = g.policy.MaxBackoff
		}
	}
	return total
}

// Backend exposes the underlying provider name for logs.
func (g *Gateway) Backend() string {
	return g.backend.Name()
}

// Put stores data under key.
func (g *Gateway) Put(ctx context.Context, key string, data []byte) error {
	return g.do(ctx, "put", key, func(ctx context.Context) error {
		return g.backend.Put(ctx, key, data)
	})
}

// Get fetches the blob under key. ErrObjectNotFound is returned without retrying.
func (g *Gateway) Get(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	err := g.do(ctx, "get", key, func(ctx context.Context) error {
		out, err := g.backend.Get(ctx, key)
		if err != nil {
			return err
		}
		data = out
		return nil
	})
	return data, err
}

// Delete removes key. Deleting a missing key succeeds.
func (g *Gateway) Delete(ctx context.Context, key string) error {
	err := g.do(ctx, "delete", key, func(ctx context.Context) error {
		return g.backend.Delete(ctx, key)
	})
	if errors.Is(err, ErrObjectNotFound) {
		return nil
	}
	return err
}

// Exists reports whether key is stored.
func (g *Gateway) Exists(ctx context.Context, key string) (bool, error) {
	var exists bool
	err := g.do(ctx, "exists", key, func(ctx context.Context) error {
		ok, err := g.backend.Exists(ctx, key)
		if err != nil {
			return err
		}
		exists = ok
		return nil
	})
	return exists, err
}

func (g *Gateway) do(ctx context.Context, op, key string, fn func(context.Context) error) error {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = g.policy.InitialBackoff
	exp.MaxInterval = g.policy.MaxBackoff
	exp.Multiplier = 2
	exp.RandomizationFactor = jitter
	exp.MaxElapsedTime = 0

	policy := backoff.WithContext(backoff.WithMaxRetries(exp, uint64(g.policy.MaxRetries)), ctx)

	attempts := 0
	operation := func() error {
		attempts++
		attemptCtx, cancel := context.WithTimeout(ctx, g.policy.AttemptTimeout)
		defer cancel()
		err := fn(attemptCtx)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrObjectNotFound) {
			return backoff.Permanent(err)
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return backoff.Permanent(ctxErr)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		if g.observer != nil {
			g.observer.ObserveStorageRetry(op)
		}
		g.logger.Warn("object storage attempt failed, retrying",
			zap.String("backend", g.backend.Name()),
			zap.String("op", op),
			zap.String("key", key),
			zap.Int("attempt", attempts),
			zap.Duration("backoff", wait),
			zap.Error(err),
		)
	}

	err := backoff.RetryNotify(operation, policy, notify)
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrObjectNotFound) {
		return err
	}
	if g.observer != nil {
		g.observer.ObserveStorageFailure(op)
	}
	g.logger.Error("object storage operation failed",
		zap.String("backend", g.backend.Name()),
		zap.String("op", op),
		zap.String("key", key),
		zap.Int("attempts", attempts),
		zap.Error(err),
	)
	return fmt.Errorf("%w: %s %s after %d attempts: %w", ErrUnavailable, op, key, attempts, err)
}
