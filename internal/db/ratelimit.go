package db

import (
	"context"
	"time"

	"go.uber.org/zap"
)

type counterStore interface {
	TryConsumeRateLimit(ctx context.Context, key string, bucket time.Time, limit int) (bool, error)
}

// CounterLimiter is the per-tenant send limiter used when Redis is not
// configured. Each minute bucket is a row in rate_limit_counters.
type CounterLimiter struct {
	store  counterStore
	logger *zap.Logger
	now    func() time.Time
}

func NewCounterLimiter(repo *Repository, logger *zap.Logger) *CounterLimiter {
	return &CounterLimiter{
		store:  repo,
		logger: logger,
		now:    time.Now,
	}
}

// TryConsume takes one token from the tenant's current minute. limit <= 0
// means unlimited.
func (l *CounterLimiter) TryConsume(ctx context.Context, tenantID string, limit int) (bool, error) {
	if limit <= 0 {
		return true, nil
	}

	bucket := l.now().UTC().Truncate(time.Minute)
	ok, err := l.store.TryConsumeRateLimit(ctx, "send:"+tenantID, bucket, limit)
	if err != nil {
		return false, err
	}
	if !ok {
		l.logger.Debug("send limit reached",
			zap.String("tenant_id", tenantID),
			zap.Int("limit", limit),
		)
	}
	return ok, nil
}
