package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// consumeScript increments the bucket only while it is below the limit.
// KEYS[1] bucket key, ARGV[1] limit, ARGV[2] ttl seconds
var consumeScript = redis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
if current >= tonumber(ARGV[1]) then
	return 0
end
current = redis.call('INCR', KEYS[1])
if current == 1 then
	redis.call('EXPIRE', KEYS[1], ARGV[2])
end
return 1
`)

// SendLimiter caps outbound messages per tenant per clock minute. The
// counter lives in Redis so every scheduler replica shares it.
type SendLimiter struct {
	client *Client
	logger *zap.Logger
	window time.Duration
	now    func() time.Time
}

func NewSendLimiter(client *Client, logger *zap.Logger) *SendLimiter {
	return &SendLimiter{
		client: client,
		logger: logger,
		window: time.Minute,
		now:    time.Now,
	}
}

// TryConsume takes one token from the tenant's current bucket. A false
// result is not an error. limit <= 0 means unlimited.
func (l *SendLimiter) TryConsume(ctx context.Context, tenantID string, limit int) (bool, error) {
	if limit <= 0 {
		return true, nil
	}

	bucket := l.now().Truncate(l.window).Unix()
	key := fmt.Sprintf("sendlimit:%s:%d", tenantID, bucket)
	ttl := int((2 * l.window).Seconds())

	ok, err := consumeScript.Run(ctx, l.client.rdb, []string{key}, limit, ttl).Int()
	if err != nil {
		return false, fmt.Errorf("redis consume failed: %w", err)
	}

	if ok == 0 {
		l.logger.Debug("send limit reached",
			zap.String("tenant_id", tenantID),
			zap.Int("limit", limit),
			zap.Int64("bucket", bucket),
		)
		return false, nil
	}
	return true, nil
}
