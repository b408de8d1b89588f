// Package queue is a Redis-backed task queue with two lanes and a
// delayed set per lane. Delivery is at least once; task bodies must be
// idempotent.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/LucasGS520/Market-Suite/internal/metrics"
)

// Lane names. Scraping work and monitor/compare work are segregated so
// slow fetches cannot starve comparisons.
const (
	LaneScraping = "scraping"
	LaneMonitor  = "monitor"
)

func laneKey(lane string) string    { return "queue:" + lane }
func delayedKey(lane string) string { return "queue:delayed:" + lane }

// Task is the envelope stored on the wire. Attempts counts deliveries
// so retries can stop at the configured maximum.
type Task struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload"`
	Attempts   int             `json:"attempts"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// NewTask builds an envelope with a fresh id.
func NewTask(taskType string, payload any) (*Task, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", taskType, err)
	}
	return &Task{
		ID:         uuid.NewString(),
		Type:       taskType,
		Payload:    raw,
		EnqueuedAt: time.Now().UTC(),
	}, nil
}

// Queue wraps the Redis structures of all lanes.
type Queue struct {
	rdb     *redis.Client
	metrics *metrics.Metrics
	logger  *zap.Logger
}

func New(rdb *redis.Client, m *metrics.Metrics, logger *zap.Logger) *Queue {
	return &Queue{rdb: rdb, metrics: m, logger: logger.Named("queue")}
}

// Enqueue pushes the task for immediate delivery.
func (q *Queue) Enqueue(ctx context.Context, lane string, t *Task) error {
	raw, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	if err := q.rdb.LPush(ctx, laneKey(lane), raw).Err(); err != nil {
		return fmt.Errorf("enqueue %s: %w", lane, err)
	}
	return nil
}

// EnqueueIn schedules the task to become deliverable after delay.
func (q *Queue) EnqueueIn(ctx context.Context, lane string, t *Task, delay time.Duration) error {
	raw, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	score := float64(time.Now().Add(delay).UnixMilli())
	if err := q.rdb.ZAdd(ctx, delayedKey(lane), redis.Z{Score: score, Member: raw}).Err(); err != nil {
		return fmt.Errorf("enqueue delayed %s: %w", lane, err)
	}
	return nil
}

// Dequeue blocks up to timeout for the next task on the lane. A nil
// task means the wait timed out.
func (q *Queue) Dequeue(ctx context.Context, lane string, timeout time.Duration) (*Task, error) {
	res, err := q.rdb.BRPop(ctx, timeout, laneKey(lane)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue %s: %w", lane, err)
	}
	var t Task
	if err := json.Unmarshal([]byte(res[1]), &t); err != nil {
		q.logger.Error("task_envelope_corrupt", zap.String("lane", lane), zap.Error(err))
		return nil, nil
	}
	return &t, nil
}

// MoveDue promotes every delayed task whose time has come onto the
// lane's list. Returns how many were moved.
func (q *Queue) MoveDue(ctx context.Context, lane string) (int, error) {
	now := fmt.Sprintf("%d", time.Now().UnixMilli())
	members, err := q.rdb.ZRangeByScore(ctx, delayedKey(lane), &redis.ZRangeBy{
		Min: "-inf", Max: now,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("move due %s: %w", lane, err)
	}
	moved := 0
	for _, member := range members {
		// Only the mover that wins the ZREM pushes, so concurrent
		// movers promote each task once.
		removed, err := q.rdb.ZRem(ctx, delayedKey(lane), member).Result()
		if err != nil || removed == 0 {
			continue
		}
		if err := q.rdb.LPush(ctx, laneKey(lane), member).Err(); err != nil {
			q.logger.Error("delayed_promote_failed", zap.String("lane", lane), zap.Error(err))
			continue
		}
		moved++
	}
	return moved, nil
}

// Depth reports the list length of the lane and updates the gauge.
func (q *Queue) Depth(ctx context.Context, lane string) (int64, error) {
	n, err := q.rdb.LLen(ctx, laneKey(lane)).Result()
	if err != nil {
		return 0, fmt.Errorf("depth %s: %w", lane, err)
	}
	q.metrics.QueueDepth.WithLabelValues(lane).Set(float64(n))
	return n, nil
}

// DelayedDepth reports the size of the lane's delayed set.
func (q *Queue) DelayedDepth(ctx context.Context, lane string) (int64, error) {
	n, err := q.rdb.ZCard(ctx, delayedKey(lane)).Result()
	if err != nil {
		return 0, fmt.Errorf("delayed depth %s: %w", lane, err)
	}
	return n, nil
}
