// Package kv wraps the Redis facilities shared by both services:
// client construction, the global scraping suspension flag, beat
// heartbeats, the login brute-force counter and the sliding-window
// rate limiter.
package kv

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/LucasGS520/Market-Suite/internal/metrics"
)

// SuspendedKey is the single flag that pauses all outbound scraping.
const SuspendedKey = "scraping:suspended"

// Heartbeat key names written by the beat and fetch tasks.
const (
	HeartbeatScraping   = "beat:last_scraping"
	HeartbeatCompetitor = "beat:last_competitor"
	HeartbeatSuccess    = "beat:last_success"
)

// NewClient builds a Redis client from a redis:// URL.
func NewClient(url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return redis.NewClient(opts), nil
}

// Flags controls the global suspension flag.
type Flags struct {
	rdb     *redis.Client
	metrics *metrics.Metrics
}

// NewFlags builds the suspension flag accessor.
func NewFlags(rdb *redis.Client, m *metrics.Metrics) *Flags {
	return &Flags{rdb: rdb, metrics: m}
}

// IsScrapingSuspended reports whether the global flag is set. A KV
// failure is treated as not suspended so a Redis outage cannot wedge
// the pipeline shut.
func (f *Flags) IsScrapingSuspended(ctx context.Context) bool {
	n, err := f.rdb.Exists(ctx, SuspendedKey).Result()
	active := err == nil && n == 1
	if active {
		f.metrics.ScrapingSuspendedFlag.Set(1)
	} else {
		f.metrics.ScrapingSuspendedFlag.Set(0)
	}
	return active
}

// SuspendScraping raises the flag for the given duration.
func (f *Flags) SuspendScraping(ctx context.Context, d time.Duration) error {
	if err := f.rdb.Set(ctx, SuspendedKey, "1", d).Err(); err != nil {
		return fmt.Errorf("suspend scraping: %w", err)
	}
	f.metrics.ScrapingSuspendedFlag.Set(1)
	return nil
}

// ResumeScraping clears the flag immediately.
func (f *Flags) ResumeScraping(ctx context.Context) error {
	if err := f.rdb.Del(ctx, SuspendedKey).Err(); err != nil {
		return fmt.Errorf("resume scraping: %w", err)
	}
	f.metrics.ScrapingSuspendedFlag.Set(0)
	return nil
}

// Heartbeat stores the current UTC time under key in ISO-8601 form.
func Heartbeat(ctx context.Context, rdb *redis.Client, key string) error {
	return rdb.Set(ctx, key, time.Now().UTC().Format(time.RFC3339Nano), 0).Err()
}

// HeartbeatLag returns the age of the heartbeat stored under key.
// ok is false when the key is absent or unparsable.
func HeartbeatLag(ctx context.Context, rdb *redis.Client, key string) (time.Duration, bool) {
	raw, err := rdb.Get(ctx, key).Result()
	if err != nil {
		return 0, false
	}
	ts, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return 0, false
	}
	return time.Since(ts), true
}

// BruteForceGuard counts login attempts per client IP.
type BruteForceGuard struct {
	rdb    *redis.Client
	limit  int
	window time.Duration
}

// NewBruteForceGuard builds a guard allowing limit attempts per window.
func NewBruteForceGuard(rdb *redis.Client, limit int, window time.Duration) *BruteForceGuard {
	return &BruteForceGuard{rdb: rdb, limit: limit, window: window}
}

// Allow records one attempt from ip and reports whether it is within
// the limit. KV failures fail open.
func (g *BruteForceGuard) Allow(ctx context.Context, ip string) bool {
	key := "bf:" + ip
	n, err := g.rdb.Incr(ctx, key).Result()
	if err != nil {
		return true
	}
	if n == 1 {
		g.rdb.Expire(ctx, key, g.window)
	}
	return int(n) <= g.limit
}

// Reset clears the attempt counter for ip, called after a successful login.
func (g *BruteForceGuard) Reset(ctx context.Context, ip string) {
	g.rdb.Del(ctx, "bf:"+ip)
}
