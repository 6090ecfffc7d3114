package redis

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/notify-router/internal/ratelimit"
	goredis "github.com/redis/go-redis/v9"
)

const keyPrefix = "ratelimit:provider:"

// allowScript keeps one sorted set per provider, scored by attempt time in
// milliseconds. Entries older than the window are trimmed before counting.
var allowScript = goredis.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", now - window)
if redis.call("ZCARD", KEYS[1]) >= limit then
  return 0
end
redis.call("ZADD", KEYS[1], now, ARGV[4])
redis.call("PEXPIRE", KEYS[1], window)
return 1
`)

var _ ratelimit.RateLimiter = (*RedisRateLimiter)(nil)

// RedisRateLimiter is a sliding-window limiter shared by every worker process.
type RedisRateLimiter struct {
	client *goredis.Client
	window time.Duration
	now    func() time.Time
	script *goredis.Script
}

func NewRedisRateLimiter(client *goredis.Client) (*RedisRateLimiter, error) {
	return newRedisRateLimiter(client, ratelimit.Window, time.Now)
}

func newRedisRateLimiter(
	client *goredis.Client,
	window time.Duration,
	nowFn func() time.Time,
) (*RedisRateLimiter, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if window <= 0 {
		window = ratelimit.Window
	}
	if nowFn == nil {
		nowFn = time.Now
	}

	return &RedisRateLimiter{
		client: client,
		window: window,
		now:    nowFn,
		script: allowScript,
	}, nil
}

func (r *RedisRateLimiter) Allow(ctx context.Context, key string, limit int) (bool, error) {
	if r == nil || r.client == nil || r.script == nil {
		return false, fmt.Errorf("rate limiter is not initialized")
	}

	normalized := strings.ToLower(strings.TrimSpace(key))
	if normalized == "" {
		return false, fmt.Errorf("rate limit key is required")
	}
	if limit <= 0 {
		return true, nil
	}

	if ctx == nil {
		ctx = context.Background()
	}

	nowMillis := r.now().UTC().UnixMilli()
	member := fmt.Sprintf("%d-%s", nowMillis, uuid.NewString())
	result, err := r.script.Run(
		ctx,
		r.client,
		[]string{keyPrefix + normalized},
		nowMillis,
		r.window.Milliseconds(),
		limit,
		member,
	).Int()
	if err != nil {
		return false, fmt.Errorf("failed to evaluate rate limit: %w", err)
	}

	return result == 1, nil
}
