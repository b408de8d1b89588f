// Package breaker is a multi-level circuit breaker backed by Redis.
// Failures accumulate per circuit key; crossing a level's threshold
// sets a suspend flag whose TTL grows with the level. State lives in
// Redis so every worker process honors the same circuit.
package breaker

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/slack-go/slack"
	"go.uber.org/zap"

	"github.com/LucasGS520/Market-Suite/internal/config"
	"github.com/LucasGS520/Market-Suite/internal/metrics"
)

// CircuitBreaker tracks failures per circuit key with escalating
// suspensions. Mutations are serialized under a process-local mutex;
// Redis INCR keeps the count atomic across processes.
type CircuitBreaker struct {
	mu      sync.Mutex
	rdb     *redis.Client
	levels  []config.CircuitLevel
	webhook string
	metrics *metrics.Metrics
	logger  *zap.Logger

	webhookClient *http.Client
}

// New builds a circuit breaker with the configured levels. webhook may
// be empty, in which case the highest level opens silently.
func New(rdb *redis.Client, levels []config.CircuitLevel, webhook string, m *metrics.Metrics, logger *zap.Logger) *CircuitBreaker {
	return &CircuitBreaker{
		rdb:           rdb,
		levels:        levels,
		webhook:       webhook,
		metrics:       m,
		logger:        logger.Named("circuit"),
		webhookClient: &http.Client{Timeout: 5 * time.Second},
	}
}

func keysFor(key string) (failures, suspend string) {
	return key + ":failures", key + ":suspend"
}

// AllowRequest reports whether the circuit for key is closed. A KV
// failure counts as closed so Redis outages do not halt the pipeline.
func (cb *CircuitBreaker) AllowRequest(ctx context.Context, key string) bool {
	_, suspendKey := keysFor(key)
	n, err := cb.rdb.Exists(ctx, suspendKey).Result()
	if err != nil {
		cb.logger.Warn("suspend_check_failed", zap.String("key", key), zap.Error(err))
		return true
	}
	return n == 0
}

// RecordFailure increments the failure counter and opens the circuit
// when a level threshold is met. Levels are scanned from the highest
// down; the first match wins. At the highest level the previous
// level's duration is reused so escalation stays bounded, and a Slack
// webhook fires once per opening.
func (cb *CircuitBreaker) RecordFailure(ctx context.Context, key string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	failuresKey, suspendKey := keysFor(key)
	count, err := cb.rdb.Incr(ctx, failuresKey).Result()
	if err != nil {
		cb.logger.Warn("failure_incr_failed", zap.String("key", key), zap.Error(err))
		return
	}

	// First failure pins the counter's lifetime to the longest suspend,
	// so stale counts eventually evaporate.
	if count == 1 {
		maxSuspend := cb.levels[0].Suspend
		for _, lvl := range cb.levels {
			if lvl.Suspend > maxSuspend {
				maxSuspend = lvl.Suspend
			}
		}
		cb.rdb.Expire(ctx, failuresKey, maxSuspend)
	}

	for idx := len(cb.levels) - 1; idx >= 0; idx-- {
		lvl := cb.levels[idx]
		if count < int64(lvl.Threshold) {
			continue
		}

		suspend := lvl.Suspend
		top := idx == len(cb.levels)-1
		if top && idx > 0 {
			suspend = cb.levels[idx-1].Suspend
		}

		if err := cb.rdb.Set(ctx, suspendKey, "1", suspend).Err(); err != nil {
			cb.logger.Warn("suspend_set_failed", zap.String("key", key), zap.Error(err))
			return
		}

		cb.metrics.CircuitOpen.WithLabelValues("open").Set(1)
		cb.metrics.CircuitOpen.WithLabelValues("closed").Set(0)
		cb.metrics.CircuitStateChangesTotal.WithLabelValues("open").Inc()
		cb.logger.Warn("circuit_opened",
			zap.String("key", key),
			zap.Int("level", idx+1),
			zap.Int64("failures", count),
			zap.Duration("suspend", suspend))

		if top && cb.webhook != "" {
			cb.notifySlack(ctx, lvl.Threshold, suspend)
		}
		return
	}
}

// RecordSuccess closes the circuit, clearing counter and flag.
func (cb *CircuitBreaker) RecordSuccess(ctx context.Context, key string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	failuresKey, suspendKey := keysFor(key)
	if err := cb.rdb.Del(ctx, failuresKey, suspendKey).Err(); err != nil {
		cb.logger.Warn("circuit_clear_failed", zap.String("key", key), zap.Error(err))
		return
	}
	cb.metrics.CircuitOpen.WithLabelValues("open").Set(0)
	cb.metrics.CircuitOpen.WithLabelValues("closed").Set(1)
	cb.metrics.CircuitStateChangesTotal.WithLabelValues("closed").Inc()
}

// notifySlack posts a best-effort message when the highest level trips.
func (cb *CircuitBreaker) notifySlack(ctx context.Context, threshold int, suspend time.Duration) {
	msg := &slack.WebhookMessage{
		Text: fmt.Sprintf(":rotating_light: *Circuit Breaker* nível máximo acionado!\nThreshold: %d falhas atingidas.\nSuspensão: %d min.",
			threshold, int(suspend.Minutes())),
	}
	if err := slack.PostWebhookCustomHTTPContext(ctx, cb.webhook, cb.webhookClient, msg); err != nil {
		cb.logger.Warn("slack_webhook_failed", zap.Error(err))
	}
}
