package tasks

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/LucasGS520/Market-Suite/internal/breaker"
	"github.com/LucasGS520/Market-Suite/internal/config"
	"github.com/LucasGS520/Market-Suite/internal/kv"
	"github.com/LucasGS520/Market-Suite/internal/queue"
	"github.com/LucasGS520/Market-Suite/internal/store"
)

// Circuit keys guarding the dispatch ticks.
const (
	circuitRecheckMonitored  = "recheck_monitored_products"
	circuitRecheckCompetitor = "recheck_competitor_products"
)

// Beat is the single-instance periodic dispatcher. It pulls due
// products, enqueues fetch tasks and samples operational metrics.
// Each dispatch tick runs its guards in order: circuit, global
// suspension flag, then the per-minute dispatch limiter.
type Beat struct {
	h       *Handlers
	cron    *cron.Cron
	circuit *breaker.CircuitBreaker

	monitoredDispatch  *kv.RateLimiter
	competitorDispatch *kv.RateLimiter

	batchScraping   int
	batchCompetitor int
}

// NewBeat builds the beat around the shared handlers.
func NewBeat(h *Handlers, cb *breaker.CircuitBreaker, cfg config.DispatchSettings) *Beat {
	return &Beat{
		h:                  h,
		cron:               cron.New(),
		circuit:            cb,
		monitoredDispatch:  kv.NewRateLimiter(h.rdb, "rate:dispatch:monitored", cfg.MonitoredPerMinute, time.Minute, h.metrics),
		competitorDispatch: kv.NewRateLimiter(h.rdb, "rate:dispatch:competitor", cfg.CompetitorPerMinute, time.Minute, h.metrics),
		batchScraping:      cfg.BatchScraping,
		batchCompetitor:    cfg.BatchCompetitor,
	}
}

// allowTick applies the shared tick preconditions.
func (b *Beat) allowTick(ctx context.Context, circuitKey string, log *zap.Logger) bool {
	if !b.circuit.AllowRequest(ctx, circuitKey) {
		log.Warn("tick_skipped_circuit_open", zap.String("circuit", circuitKey))
		return false
	}
	if b.h.flags.IsScrapingSuspended(ctx) {
		log.Warn("tick_skipped_suspended", zap.String("circuit", circuitKey))
		return false
	}
	return true
}

// Start registers the schedule and begins ticking. The returned stop
// function blocks until running jobs complete.
func (b *Beat) Start(ctx context.Context) (stop func(), err error) {
	log := b.h.logger.Named("beat")

	schedule := []struct {
		spec string
		name string
		run  func(context.Context)
	}{
		{"*/5 * * * *", "recheck_monitored", b.recheckMonitored},
		{"*/8 * * * *", "recheck_competitors", b.recheckCompetitors},
		{"* * * * *", "collect_metrics", b.collectMetrics},
		{"0 3 * * *", "cleanup_cache", b.cleanupCache},
	}
	for _, job := range schedule {
		job := job
		if _, err := b.cron.AddFunc(job.spec, func() {
			start := time.Now()
			job.run(ctx)
			log.Debug("beat_job_done", zap.String("job", job.name), zap.Duration("elapsed", time.Since(start)))
		}); err != nil {
			return nil, err
		}
	}

	b.cron.Start()
	return func() { <-b.cron.Stop().Done() }, nil
}

// recheckMonitored enqueues fetch tasks for every due monitored
// product, up to the batch cap.
func (b *Beat) recheckMonitored(ctx context.Context) {
	log := b.h.logger.Named("beat")
	if !b.allowTick(ctx, circuitRecheckMonitored, log) {
		return
	}

	products, err := b.h.db.MonitoredByType(ctx, store.MonitoringScraping)
	if err != nil {
		log.Error("monitored_load_failed", zap.Error(err))
		return
	}

	dispatched := 0
	for i := range products {
		if dispatched >= b.batchScraping {
			break
		}
		p := &products[i]
		if p.Status != store.ProductActive && p.Status != store.ProductPending {
			continue
		}
		if !b.h.sched.ShouldRecheck(ctx, p.ID.String()) {
			continue
		}
		if !b.monitoredDispatch.Allow(ctx, "") {
			log.Warn("tick_stopped_rate_limited", zap.String("limiter", "monitored"))
			break
		}

		id := p.ID
		task, err := queue.NewTask(TaskCollectProduct, CollectProductPayload{
			URL:         p.ProductURL,
			UserID:      p.UserID,
			Name:        p.Name,
			TargetPrice: p.TargetPrice,
			ProductID:   &id,
		})
		if err != nil {
			log.Error("task_build_failed", zap.Error(err))
			continue
		}
		if err := b.h.queue.Enqueue(ctx, queue.LaneScraping, task); err != nil {
			log.Error("enqueue_failed", zap.Error(err))
			continue
		}
		b.h.metrics.DispatchedTotal.WithLabelValues("monitored").Inc()
		dispatched++
	}

	kv.Heartbeat(ctx, b.h.rdb, kv.HeartbeatScraping)
	log.Info("recheck_monitored_tick", zap.Int("dispatched", dispatched), zap.Int("candidates", len(products)))
}

// recheckCompetitors enqueues competitor fetches for due parents and
// chains one comparison per affected product.
func (b *Beat) recheckCompetitors(ctx context.Context) {
	log := b.h.logger.Named("beat")
	if !b.allowTick(ctx, circuitRecheckCompetitor, log) {
		return
	}

	competitors, err := b.h.db.AllCompetitors(ctx)
	if err != nil {
		log.Error("competitors_load_failed", zap.Error(err))
		return
	}

	dispatched := 0
	affected := make(map[string]bool)
	for i := range competitors {
		if dispatched >= b.batchCompetitor {
			break
		}
		c := &competitors[i]
		if c.Status == store.ListingRemoved {
			continue
		}
		if !b.h.sched.ShouldRecheck(ctx, c.MonitoredProductID.String()) {
			continue
		}
		if !b.competitorDispatch.Allow(ctx, "") {
			log.Warn("tick_stopped_rate_limited", zap.String("limiter", "competitor"))
			break
		}

		task, err := queue.NewTask(TaskCollectCompetitor, CollectCompetitorPayload{
			MonitoredProductID: c.MonitoredProductID,
			URL:                c.ProductURL,
		})
		if err != nil {
			log.Error("task_build_failed", zap.Error(err))
			continue
		}
		if err := b.h.queue.Enqueue(ctx, queue.LaneScraping, task); err != nil {
			log.Error("enqueue_failed", zap.Error(err))
			continue
		}
		b.h.metrics.DispatchedTotal.WithLabelValues("competitor").Inc()
		affected[c.MonitoredProductID.String()] = true
		dispatched++
	}

	for _, c := range competitors {
		id := c.MonitoredProductID
		if !affected[id.String()] {
			continue
		}
		affected[id.String()] = false

		task, err := queue.NewTask(TaskComparePrices, ComparePayload{MonitoredProductID: id})
		if err != nil {
			continue
		}
		// Comparisons run after the fetch batch settles.
		if err := b.h.queue.EnqueueIn(ctx, queue.LaneMonitor, task, time.Minute); err != nil {
			log.Error("compare_enqueue_failed", zap.Error(err))
		}
	}

	kv.Heartbeat(ctx, b.h.rdb, kv.HeartbeatCompetitor)
	log.Info("recheck_competitors_tick", zap.Int("dispatched", dispatched))
}

// collectMetrics samples queue depth, table sizes and the suspension
// flag once a minute.
func (b *Beat) collectMetrics(ctx context.Context) {
	log := b.h.logger.Named("beat")

	for _, lane := range []string{queue.LaneScraping, queue.LaneMonitor} {
		if _, err := b.h.queue.Depth(ctx, lane); err != nil {
			log.Warn("queue_depth_failed", zap.String("lane", lane), zap.Error(err))
		}
	}

	counts, err := b.h.db.TableCounts(ctx)
	if err != nil {
		log.Warn("table_counts_failed", zap.Error(err))
	} else {
		for table, n := range counts {
			b.h.metrics.DBRows.WithLabelValues(table).Set(float64(n))
		}
	}

	b.h.flags.IsScrapingSuspended(ctx)
}

// cleanupCache enqueues the daily cache sweep.
func (b *Beat) cleanupCache(ctx context.Context) {
	task, err := queue.NewTask(TaskCleanupCache, struct{}{})
	if err != nil {
		return
	}
	if err := b.h.queue.Enqueue(ctx, queue.LaneMonitor, task); err != nil {
		b.h.logger.Named("beat").Error("cleanup_enqueue_failed", zap.Error(err))
	}
}
