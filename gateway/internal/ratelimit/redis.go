package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"xbrl_api/gateway/internal/models"
)

// bumpScript increments all three window counters and returns their new
// values in one round trip. Expiry is set when a counter is first
// created so stale buckets clean themselves up.
var bumpScript = redis.NewScript(`
local m = redis.call('INCR', KEYS[1])
if m == 1 then redis.call('EXPIRE', KEYS[1], ARGV[1]) end
local h = redis.call('INCR', KEYS[2])
if h == 1 then redis.call('EXPIRE', KEYS[2], ARGV[2]) end
local d = redis.call('INCR', KEYS[3])
if d == 1 then redis.call('EXPIRE', KEYS[3], ARGV[3]) end
return {m, h, d}
`)

// RedisLimiter counts requests in Redis so the limit holds across
// gateway instances.
type RedisLimiter struct {
	client *redis.Client
	now    func() time.Time
}

// NewRedisLimiter creates a Redis-backed limiter.
func NewRedisLimiter(client *redis.Client) *RedisLimiter {
	return &RedisLimiter{client: client, now: time.Now}
}

// Check counts the request and evaluates all three windows atomically.
func (l *RedisLimiter) Check(ctx context.Context, keyID string, limits models.RateLimits) (*Result, error) {
	if unlimited(limits) {
		return skipResult(limits), nil
	}

	now := l.now().UTC()
	minuteStart, hourStart, dayStart := windowStarts(now)

	redisKeys := []string{
		fmt.Sprintf("rl:%s:m:%d", keyID, minuteStart.Unix()),
		fmt.Sprintf("rl:%s:h:%d", keyID, hourStart.Unix()),
		fmt.Sprintf("rl:%s:d:%d", keyID, dayStart.Unix()),
	}
	// Counters outlive their window by one period so in-flight reads
	// never race the expiry.
	ttls := []any{120, 7200, 172800}

	raw, err := bumpScript.Run(ctx, l.client, redisKeys, ttls...).Slice()
	if err != nil {
		return nil, errors.Wrap(err, "rate limit script failed")
	}
	if len(raw) != 3 {
		return nil, errors.Errorf("rate limit script returned %d values", len(raw))
	}

	counts := make([]int64, 3)
	for i, v := range raw {
		n, ok := v.(int64)
		if !ok {
			return nil, errors.Errorf("rate limit script returned non-integer %T", v)
		}
		counts[i] = n
	}

	return evaluate(limits, counts[0], counts[1], counts[2]), nil
}
