package service

import (
	"context"
	"fmt"
	"time"

	"checkout-engine/internal/models"
	"checkout-engine/internal/util"

	"go.uber.org/zap"
)

const (
	idempotencyLockTTL  = 30 * time.Second
	idempotencyCacheTTL = 24 * time.Hour
)

// Registry answers "has this request already produced an order" before any
// mutating work begins. The redis cache is a fast path; the unique
// (user_id, idempotency_key) constraint on orders is the authority, so a
// cache miss can never cause a duplicate, only a slower lookup.
type Registry struct {
	orders OrderStore
	cache  IdempotencyCache
	logger *zap.Logger
}

// NewRegistry creates a new idempotency registry
func NewRegistry(orders OrderStore, cache IdempotencyCache) *Registry {
	return &Registry{
		orders: orders,
		cache:  cache,
		logger: util.GetLogger(),
	}
}

// Lookup returns the order previously produced for (user, key), or nil.
func (r *Registry) Lookup(ctx context.Context, userID int64, key string) (*models.Order, error) {
	if key == "" {
		return nil, nil
	}

	if orderID, err := r.cache.CachedOrderForKey(ctx, userID, key); err == nil && orderID != 0 {
		order, err := r.orders.GetOrderByID(ctx, orderID)
		if err == nil {
			return order, nil
		}
	}

	order, err := r.orders.GetOrderByIdempotencyKey(ctx, userID, key)
	if err != nil {
		return nil, fmt.Errorf("failed to check idempotency: %w", err)
	}
	return order, nil
}

// Begin takes an advisory lock on (user, key) so two concurrent requests
// bearing the same key cannot both pass the not-found check. Returns false
// when another request holds the key.
func (r *Registry) Begin(ctx context.Context, userID int64, key string) (bool, error) {
	if key == "" {
		return true, nil
	}
	ok, err := r.cache.AcquireLock(ctx, lockName(userID, key), idempotencyLockTTL)
	if err != nil {
		// Redis down: fall through, the unique constraint still protects us.
		r.logger.Warn("Idempotency lock unavailable", zap.Error(err))
		return true, nil
	}
	return ok, nil
}

// End releases the advisory lock.
func (r *Registry) End(ctx context.Context, userID int64, key string) {
	if key == "" {
		return
	}
	if err := r.cache.ReleaseLock(ctx, lockName(userID, key)); err != nil {
		r.logger.Warn("Failed to release idempotency lock", zap.Error(err))
	}
}

// Remember caches the produced order for fast replay answers.
func (r *Registry) Remember(ctx context.Context, userID int64, key string, orderID int64) {
	if key == "" {
		return
	}
	if err := r.cache.CacheOrderForKey(ctx, userID, key, orderID, idempotencyCacheTTL); err != nil {
		r.logger.Warn("Failed to cache idempotency key", zap.Error(err))
	}
}

func lockName(userID int64, key string) string {
	return fmt.Sprintf("idem:%d:%s", userID, key)
}
