// Package cache is the content-hash cache of parsed product data.
// Entries live in Redis keyed by URL; seeing the same HTML hash again
// grows the TTL multiplicatively, so stable pages are refetched less.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/LucasGS520/Market-Suite/internal/config"
	"github.com/LucasGS520/Market-Suite/internal/metrics"
)

const keyPrefix = "cache:product:"

// Entry is one cached product: the parsed payload, the SHA-256 of the
// HTML it came from, the response ETag and the current TTL multiplier.
type Entry struct {
	Data       json.RawMessage `json:"data"`
	Hash       string          `json:"hash"`
	ETag       string          `json:"etag,omitempty"`
	Multiplier int             `json:"multiplier"`
}

// Cache is the adaptive-TTL content cache.
type Cache struct {
	rdb           *redis.Client
	baseTTL       time.Duration
	maxMultiplier int
	metrics       *metrics.Metrics
	logger        *zap.Logger
}

// New builds a cache from settings.
func New(rdb *redis.Client, cfg config.CacheSettings, m *metrics.Metrics, logger *zap.Logger) *Cache {
	return &Cache{
		rdb:           rdb,
		baseTTL:       cfg.BaseTTL,
		maxMultiplier: cfg.MaxMultiplier,
		metrics:       m,
		logger:        logger.Named("cache"),
	}
}

// HashContent returns the hex SHA-256 of the HTML.
func HashContent(html string) string {
	sum := sha256.Sum256([]byte(html))
	return hex.EncodeToString(sum[:])
}

// Get returns the full entry for the URL, or nil when absent.
func (c *Cache) Get(ctx context.Context, url string) (*Entry, error) {
	raw, err := c.rdb.Get(ctx, keyPrefix+url).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cache get: %w", err)
	}
	var e Entry
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		// A corrupt entry behaves like a miss.
		c.logger.Warn("cache_entry_corrupt", zap.String("url", url), zap.Error(err))
		return nil, nil
	}
	return &e, nil
}

// Set stores data and the HTML hash for the URL. Unchanged content
// bumps the multiplier up to the maximum; changed content resets it.
// The TTL is always base × multiplier.
func (c *Cache) Set(ctx context.Context, url string, data json.RawMessage, html, etag string) error {
	newHash := HashContent(html)
	multiplier := 1

	prior, err := c.Get(ctx, url)
	if err != nil {
		return err
	}
	if prior != nil && prior.Hash == newHash {
		multiplier = prior.Multiplier + 1
		if multiplier > c.maxMultiplier {
			multiplier = c.maxMultiplier
		}
	}

	entry := Entry{Data: data, Hash: newHash, ETag: etag, Multiplier: multiplier}
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("cache marshal: %w", err)
	}

	ttl := c.baseTTL * time.Duration(multiplier)
	if err := c.rdb.Set(ctx, keyPrefix+url, raw, ttl).Err(); err != nil {
		return fmt.Errorf("cache set: %w", err)
	}
	c.logger.Debug("cache_stored", zap.String("url", url), zap.Int("multiplier", multiplier), zap.Duration("ttl", ttl))
	return nil
}

// Invalidate removes the entry for the URL.
func (c *Cache) Invalidate(ctx context.Context, url string) error {
	return c.rdb.Del(ctx, keyPrefix+url).Err()
}

// RecordHit and RecordMiss keep the cache counters close to the code
// that consults the cache.
func (c *Cache) RecordHit()  { c.metrics.CacheHitsTotal.Inc() }
func (c *Cache) RecordMiss() { c.metrics.CacheMissesTotal.Inc() }

// Cleanup scans cache keys and deletes entries without an expiration,
// which indicates a buggy write. Returns how many were removed.
func (c *Cache) Cleanup(ctx context.Context) (int, error) {
	removed := 0
	iter := c.rdb.Scan(ctx, 0, keyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		ttl, err := c.rdb.TTL(ctx, key).Result()
		if err != nil {
			continue
		}
		// go-redis reports a missing expiration as a raw -1.
		if ttl == -1 {
			if err := c.rdb.Del(ctx, key).Err(); err == nil {
				removed++
			}
		}
	}
	if err := iter.Err(); err != nil {
		return removed, fmt.Errorf("cache cleanup scan: %w", err)
	}
	return removed, nil
}
