package kv

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/LucasGS520/Market-Suite/internal/metrics"
)

// slidingWindow trims timestamps outside the window, records the
// current request and reports whether the key is still within its
// limit. The whole check-and-record runs atomically inside Redis.
var slidingWindow = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local member = ARGV[4]

redis.call('ZREMRANGEBYSCORE', key, 0, now - window)
redis.call('ZADD', key, now, member)
redis.call('PEXPIRE', key, window)
local count = redis.call('ZCARD', key)
if count <= limit then
  return 1
end
return 0
`)

// RateLimiter is a Redis sliding-window limiter shared across processes.
// Timestamps are kept in a sorted set under the configured key.
type RateLimiter struct {
	rdb     *redis.Client
	key     string
	limit   int
	window  time.Duration
	metrics *metrics.Metrics
}

// NewRateLimiter builds a limiter allowing limit requests per window
// under the given Redis key.
func NewRateLimiter(rdb *redis.Client, key string, limit int, window time.Duration, m *metrics.Metrics) *RateLimiter {
	return &RateLimiter{rdb: rdb, key: key, limit: limit, window: window, metrics: m}
}

func (l *RateLimiter) formatKey(identifier string) string {
	if identifier == "" {
		return l.key
	}
	return l.key + ":" + identifier
}

// Allow records one request and reports whether it fits in the window.
// An empty identifier uses the limiter's base key; sub-limits (per user,
// per endpoint) pass an identifier. KV failures deny the request, which
// is the safe direction for outbound scraping.
func (l *RateLimiter) Allow(ctx context.Context, identifier string) bool {
	now := time.Now()
	member := strconv.FormatInt(now.UnixNano(), 10)
	res, err := slidingWindow.Run(ctx, l.rdb,
		[]string{l.formatKey(identifier)},
		now.UnixMilli(), l.window.Milliseconds(), l.limit, member,
	).Int()
	if err != nil {
		return false
	}
	if res != 1 {
		if l.metrics != nil {
			l.metrics.RateLimitDeniedTotal.WithLabelValues(l.key).Inc()
		}
		return false
	}
	return true
}

// Count returns how many requests are recorded in the current window.
func (l *RateLimiter) Count(ctx context.Context, identifier string) (int, error) {
	key := l.formatKey(identifier)
	windowStart := time.Now().UnixMilli() - l.window.Milliseconds()
	if err := l.rdb.ZRemRangeByScore(ctx, key, "0", fmt.Sprint(windowStart)).Err(); err != nil {
		return 0, err
	}
	n, err := l.rdb.ZCard(ctx, key).Result()
	return int(n), err
}

// Reset clears the limiter state for the identifier.
func (l *RateLimiter) Reset(ctx context.Context, identifier string) error {
	return l.rdb.Del(ctx, l.formatKey(identifier)).Err()
}
