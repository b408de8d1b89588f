// Package throttle slows outbound requests down to a polite pace:
// a token bucket with jitter, a humanized delay modeled on reading
// speed, and robots.txt Crawl-delay integration.
package throttle

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/LucasGS520/Market-Suite/internal/breaker"
	"github.com/LucasGS520/Market-Suite/internal/config"
	"github.com/LucasGS520/Market-Suite/internal/kv"
	"github.com/LucasGS520/Market-Suite/internal/metrics"
	"github.com/LucasGS520/Market-Suite/internal/taskerr"
)

// Sleep pauses for d unless the context is cancelled first.
func Sleep(ctx context.Context, d time.Duration) error {
	return sleepCtx(ctx, d)
}

// sleepCtx sleeps for d unless the context is cancelled first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Bucket is a token bucket with jitter, adaptive backoff and an
// optional global sliding-window limiter in front of it.
type Bucket struct {
	mu        sync.Mutex
	rate      float64
	capacity  float64
	tokens    float64
	timestamp time.Time

	jitterMin, jitterMax float64
	minRate              float64
	decreaseFactor       float64

	breaker *breaker.CircuitBreaker
	limiter *kv.RateLimiter
	metrics *metrics.Metrics
	logger  *zap.Logger

	sleep     func(context.Context, time.Duration) error
	randFloat func() float64
}

// NewBucket builds a full bucket. limiter may be nil.
func NewBucket(cfg config.ThrottleSettings, cb *breaker.CircuitBreaker, limiter *kv.RateLimiter, m *metrics.Metrics, logger *zap.Logger) *Bucket {
	return &Bucket{
		rate:           cfg.Rate,
		capacity:       cfg.Capacity,
		tokens:         cfg.Capacity,
		timestamp:      time.Now(),
		jitterMin:      cfg.JitterMin,
		jitterMax:      cfg.JitterMax,
		minRate:        cfg.MinRate,
		decreaseFactor: cfg.DecreaseFactor,
		breaker:        cb,
		limiter:        limiter,
		metrics:        m,
		logger:         logger.Named("throttle"),
		sleep:          sleepCtx,
		randFloat:      rand.Float64,
	}
}

// Wait blocks until a token is available, using the configured jitter.
func (b *Bucket) Wait(ctx context.Context, circuitKey, identifier string) error {
	return b.WaitWithJitter(ctx, circuitKey, identifier, b.jitterMin, b.jitterMax)
}

// WaitWithJitter is Wait with a per-request jitter range, used when a
// robots.txt Crawl-delay overrides the defaults. A denied global rate
// limit records a circuit failure and surfaces as a retryable 429.
func (b *Bucket) WaitWithJitter(ctx context.Context, circuitKey, identifier string, jmin, jmax float64) error {
	if b.limiter != nil && !b.limiter.Allow(ctx, identifier) {
		b.breaker.RecordFailure(ctx, circuitKey)
		return taskerr.WithStatus(taskerr.TransientRemote, 429, errRateLimited)
	}

	b.mu.Lock()
	now := time.Now()
	elapsed := now.Sub(b.timestamp).Seconds()
	b.tokens = math.Min(b.capacity, b.tokens+elapsed*b.rate)
	b.timestamp = now

	jitter := jmin + b.randFloat()*(jmax-jmin)
	b.metrics.JitterSeconds.Observe(jitter)

	var wait float64
	if b.tokens < 1 {
		// Not enough tokens: wait until one regenerates, plus jitter.
		wait = (1-b.tokens)/b.rate + jitter
		b.tokens = 0
	} else {
		wait = jitter
		b.tokens--
	}
	b.mu.Unlock()

	return b.sleep(ctx, time.Duration(wait*float64(time.Second)))
}

// Backoff applies exponential backoff after a 429 and permanently
// lowers the refill rate, floored at the configured minimum.
func (b *Bucket) Backoff(ctx context.Context, attempt int, circuitKey string) error {
	b.mu.Lock()
	base := b.jitterMin + b.randFloat()*(b.jitterMax-b.jitterMin)
	delay := math.Pow(2, float64(attempt)) * base
	b.metrics.JitterSeconds.Observe(base)

	newRate := math.Max(b.minRate, b.rate*b.decreaseFactor)
	if newRate < b.rate {
		b.rate = newRate
	}
	b.metrics.BackoffFactor.Set(b.rate)
	b.mu.Unlock()

	b.breaker.RecordFailure(ctx, circuitKey)
	b.logger.Info("backoff_applied", zap.Int("attempt", attempt), zap.Float64("delay_s", delay), zap.Float64("rate", newRate))
	return b.sleep(ctx, time.Duration(delay*float64(time.Second)))
}

// Rate returns the current refill rate, visible for tests and metrics.
func (b *Bucket) Rate() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rate
}

var errRateLimited = errors.New("rate limit exceeded")
