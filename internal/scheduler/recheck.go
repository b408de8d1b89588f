// Package scheduler computes when each monitored product is polled
// next. Timestamps live in Redis so every worker process shares the
// same view; the interval adapts to recent alerts, price proximity,
// volatility, peak hours and consecutive failures.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/LucasGS520/Market-Suite/internal/config"
	"github.com/LucasGS520/Market-Suite/internal/metrics"
	"github.com/LucasGS520/Market-Suite/internal/store"
)

// comparisonView is the slice of the stored comparison payload the
// scheduler cares about.
type comparisonView struct {
	Alerts                 []json.RawMessage `json:"alerts"`
	AverageCompetitorPrice *decimal.Decimal  `json:"average_competitor_price"`
	LowestCompetitor       *struct {
		Price *decimal.Decimal `json:"price"`
	} `json:"lowest_competitor"`
}

// Recheck is the adaptive recheck manager.
type Recheck struct {
	rdb     *redis.Client
	cfg     config.SchedulerSettings
	metrics *metrics.Metrics
	logger  *zap.Logger

	// Injected for tests.
	now       func() time.Time
	randFloat func() float64
}

// New builds a recheck manager.
func New(rdb *redis.Client, cfg config.SchedulerSettings, m *metrics.Metrics, logger *zap.Logger) *Recheck {
	return &Recheck{
		rdb:       rdb,
		cfg:       cfg,
		metrics:   m,
		logger:    logger.Named("recheck"),
		now:       time.Now,
		randFloat: rand.Float64,
	}
}

func nextKey(id string) string { return "recheck:next:" + id }
func failKey(id string) string { return "recheck:fail:" + id }

// ShouldRecheck reports whether the stored next-check time has passed.
// A missing key or a KV failure both mean the product is due; the
// scheduler must never silently park a product.
func (r *Recheck) ShouldRecheck(ctx context.Context, id string) bool {
	raw, err := r.rdb.Get(ctx, nextKey(id)).Result()
	if err != nil {
		if err != redis.Nil {
			r.logger.Warn("next_check_read_failed", zap.String("id", id), zap.Error(err))
		}
		return true
	}
	next, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return true
	}
	return !next.After(r.now().UTC())
}

// RecordResult clears the failure counter on success, or increments it
// with a 24h expiry on failure.
func (r *Recheck) RecordResult(ctx context.Context, id string, success bool) {
	if success {
		if err := r.rdb.Del(ctx, failKey(id)).Err(); err != nil {
			r.logger.Warn("failure_counter_clear_failed", zap.String("id", id), zap.Error(err))
		}
		return
	}
	n, err := r.rdb.Incr(ctx, failKey(id)).Result()
	if err != nil {
		r.logger.Warn("failure_counter_incr_failed", zap.String("id", id), zap.Error(err))
		return
	}
	r.rdb.Expire(ctx, failKey(id), r.cfg.FailureTTL)
	r.logger.Debug("failure_recorded", zap.String("id", id), zap.Int64("failures", n))
}

// Failures returns the consecutive failure count for id.
func (r *Recheck) Failures(ctx context.Context, id string) int {
	raw, err := r.rdb.Get(ctx, failKey(id)).Result()
	if err != nil {
		return 0
	}
	n, _ := strconv.Atoi(raw)
	return n
}

// ScheduleNext computes the next check time for the product, persists
// it and returns it. Recent comparisons are newest first. On KV
// failure the computed time is returned but nothing is stored, which
// leaves the product due on the next dispatch tick.
func (r *Recheck) ScheduleNext(ctx context.Context, product *store.MonitoredProduct, comparisons []store.PriceComparison) (time.Time, error) {
	id := product.ID.String()
	interval := r.cfg.BaseInterval.Seconds()

	if len(comparisons) > 0 {
		latest := parseView(comparisons[0].Data)

		// Recent alerts mean the market is moving; check sooner.
		if latest != nil && len(latest.Alerts) > 0 {
			interval *= 0.5
		}

		// Lowest competitor hovering near the target price.
		if latest != nil && latest.LowestCompetitor != nil && latest.LowestCompetitor.Price != nil &&
			product.TargetPrice.IsPositive() {
			diff := latest.LowestCompetitor.Price.Sub(product.TargetPrice).Abs()
			if diff.LessThanOrEqual(product.TargetPrice.Mul(decimal.NewFromFloat(0.05))) {
				interval *= 0.7
			}
		}

		// Volatility across the last three comparisons: spread over 10%
		// of the mean shortens the interval, a calm market stretches it.
		var avgs []decimal.Decimal
		for _, c := range comparisons {
			if len(avgs) == 3 {
				break
			}
			if v := parseView(c.Data); v != nil && v.AverageCompetitorPrice != nil {
				avgs = append(avgs, *v.AverageCompetitorPrice)
			}
		}
		if len(avgs) >= 2 {
			mean, spread := meanAndSpread(avgs)
			if mean.IsPositive() && spread.GreaterThan(mean.Mul(decimal.NewFromFloat(0.1))) {
				interval *= 0.7
			} else {
				interval *= 1.2
			}
		}
	}

	hour := r.now().UTC().Hour()
	if hour >= r.cfg.PeakStart && hour < r.cfg.PeakEnd {
		interval *= 0.7
	}

	if failures := r.Failures(ctx, id); failures > 0 {
		interval *= math.Pow(2, float64(failures))
	}

	// Uniform jitter on [1-j, 1+j] so rechecks never synchronize.
	interval *= 1 + (r.randFloat()*2-1)*r.cfg.Jitter

	interval = math.Max(r.cfg.MinInterval.Seconds(), math.Min(interval, r.cfg.MaxInterval.Seconds()))
	next := r.now().UTC().Add(time.Duration(interval * float64(time.Second)))

	if err := r.rdb.Set(ctx, nextKey(id), next.Format(time.RFC3339Nano), 0).Err(); err != nil {
		return next, fmt.Errorf("store next check: %w", err)
	}
	r.metrics.RecheckScheduledTotal.Inc()
	r.logger.Debug("recheck_scheduled", zap.String("id", id), zap.Time("next", next))
	return next, nil
}

func parseView(raw json.RawMessage) *comparisonView {
	var v comparisonView
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil
	}
	return &v
}

func meanAndSpread(vals []decimal.Decimal) (mean, spread decimal.Decimal) {
	sum := decimal.Zero
	min, max := vals[0], vals[0]
	for _, v := range vals {
		sum = sum.Add(v)
		if v.LessThan(min) {
			min = v
		}
		if v.GreaterThan(max) {
			max = v
		}
	}
	return sum.Div(decimal.NewFromInt(int64(len(vals)))), max.Sub(min)
}
