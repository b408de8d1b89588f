// Package tasks holds the bodies of every queued task and the
// periodic beat that feeds them. All handlers are idempotent; the
// queue delivers at least once.
package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/LucasGS520/Market-Suite/internal/alerts"
	"github.com/LucasGS520/Market-Suite/internal/audit"
	"github.com/LucasGS520/Market-Suite/internal/cache"
	"github.com/LucasGS520/Market-Suite/internal/compare"
	"github.com/LucasGS520/Market-Suite/internal/config"
	"github.com/LucasGS520/Market-Suite/internal/kv"
	"github.com/LucasGS520/Market-Suite/internal/metrics"
	"github.com/LucasGS520/Market-Suite/internal/mlurl"
	"github.com/LucasGS520/Market-Suite/internal/queue"
	"github.com/LucasGS520/Market-Suite/internal/scheduler"
	"github.com/LucasGS520/Market-Suite/internal/scrape"
	"github.com/LucasGS520/Market-Suite/internal/store"
	"github.com/LucasGS520/Market-Suite/internal/taskerr"
)

// Task type names carried in the queue envelope.
const (
	TaskCollectProduct    = "collect_product"
	TaskCollectCompetitor = "collect_competitor"
	TaskComparePrices     = "compare_prices"
	TaskDispatchAlerts    = "dispatch_price_alerts"
	TaskSendNotification  = "send_notification"
	TaskCleanupCache      = "cleanup_cache"
)

// CollectProductPayload requests a fetch of one monitored product.
// ProductID is set for rechecks and empty on first collection.
type CollectProductPayload struct {
	URL         string          `json:"url"`
	UserID      uuid.UUID       `json:"user_id"`
	Name        string          `json:"name"`
	TargetPrice decimal.Decimal `json:"target_price"`
	ProductID   *uuid.UUID      `json:"product_id,omitempty"`
}

// CollectCompetitorPayload requests a fetch of one competitor listing.
type CollectCompetitorPayload struct {
	MonitoredProductID uuid.UUID `json:"monitored_product_id"`
	URL                string    `json:"url"`
}

// ComparePayload requests a comparison run for one product.
type ComparePayload struct {
	MonitoredProductID uuid.UUID `json:"monitored_product_id"`
}

// DispatchAlertsPayload carries the alerts of a finished comparison.
type DispatchAlertsPayload struct {
	MonitoredProductID uuid.UUID       `json:"monitored_product_id"`
	Alerts             []compare.Alert `json:"alerts"`
}

// SendNotificationPayload is a direct, pre-rendered notification.
type SendNotificationPayload struct {
	UserID    uuid.UUID       `json:"user_id"`
	Subject   string          `json:"subject"`
	Message   string          `json:"message"`
	AlertType store.AlertType `json:"alert_type"`
}

// Handlers owns the dependencies shared by all task bodies.
type Handlers struct {
	db        store.Store
	rdb       *redis.Client
	queue     *queue.Queue
	sched     *scheduler.Recheck
	scraper   *scrape.Client
	notifier  *alerts.Manager
	flags     *kv.Flags
	cache     *cache.Cache
	monitored *kv.RateLimiter
	comps     *kv.RateLimiter
	audit     *audit.Logger
	metrics   *metrics.Metrics
	logger    *zap.Logger

	tolerance       decimal.Decimal
	changeThreshold decimal.Decimal
	retryDelay      time.Duration
}

// NewHandlers wires the task bodies. The two rate limiters cap
// monitored and competitor fetches independently.
func NewHandlers(
	db store.Store,
	rdb *redis.Client,
	q *queue.Queue,
	sched *scheduler.Recheck,
	scraper *scrape.Client,
	notifier *alerts.Manager,
	flags *kv.Flags,
	contentCache *cache.Cache,
	monitoredLimiter, competitorLimiter *kv.RateLimiter,
	auditLog *audit.Logger,
	cfg *config.Settings,
	m *metrics.Metrics,
	logger *zap.Logger,
) *Handlers {
	tolerance, err := decimal.NewFromString(cfg.PriceTolerance)
	if err != nil {
		tolerance = decimal.RequireFromString("0.01")
	}
	threshold, err := decimal.NewFromString(cfg.PriceChangeThreshold)
	if err != nil {
		threshold = tolerance
	}
	return &Handlers{
		db:              db,
		rdb:             rdb,
		queue:           q,
		sched:           sched,
		scraper:         scraper,
		notifier:        notifier,
		flags:           flags,
		cache:           contentCache,
		monitored:       monitoredLimiter,
		comps:           competitorLimiter,
		audit:           auditLog,
		metrics:         m,
		logger:          logger.Named("tasks"),
		tolerance:       tolerance,
		changeThreshold: threshold,
		retryDelay:      cfg.Queue.RetryDelay,
	}
}

// Register binds every handler to its lane's worker.
func (h *Handlers) Register(scraping, monitor *queue.Worker) {
	scraping.Register(TaskCollectProduct, h.CollectProduct)
	scraping.Register(TaskCollectCompetitor, h.CollectCompetitor)
	monitor.Register(TaskComparePrices, h.ComparePrices)
	monitor.Register(TaskDispatchAlerts, h.DispatchAlerts)
	monitor.Register(TaskSendNotification, h.SendNotification)
	monitor.Register(TaskCleanupCache, h.CleanupCache)
}

// MaskIdentifier hides the middle of an email or phone number so logs
// never carry full contact details.
func MaskIdentifier(s string) string {
	if at := strings.IndexByte(s, '@'); at > 0 {
		local := s[:at]
		if len(local) <= 2 {
			return local[:1] + "***" + s[at:]
		}
		return local[:2] + "***" + s[at:]
	}
	if len(s) > 4 {
		return strings.Repeat("*", len(s)-4) + s[len(s)-4:]
	}
	return "****"
}

// guard applies the shared preconditions of fetch tasks in order:
// global suspension first, then the task-type rate limit. A deferral
// re-enqueues the task instead of failing it.
func (h *Handlers) guard(ctx context.Context, t *queue.Task, limiter *kv.RateLimiter, name string) (deferTask bool) {
	if h.flags.IsScrapingSuspended(ctx) {
		h.logger.Warn("task_deferred_suspended", zap.String("type", t.Type), zap.String("id", t.ID))
		return true
	}
	if !limiter.Allow(ctx, "") {
		h.logger.Warn("task_deferred_rate_limited", zap.String("type", t.Type), zap.String("limiter", name))
		return true
	}
	return false
}

func (h *Handlers) deferTask(ctx context.Context, t *queue.Task) error {
	// Deferrals do not consume an attempt.
	t.Attempts--
	return h.queue.EnqueueIn(ctx, queue.LaneScraping, t, h.retryDelay)
}

// rescheduleCollect computes the next recheck of a monitored product
// and enqueues the fetch at that time. Fetch tasks run this on failure
// as well as success, so a failing product backs off exponentially
// instead of being redispatched on every beat tick.
func (h *Handlers) rescheduleCollect(ctx context.Context, monitoredID uuid.UUID, taskType string, payload any) {
	product, err := h.db.MonitoredByID(ctx, monitoredID)
	if err != nil {
		h.logger.Warn("reschedule_load_failed", zap.String("product_id", monitoredID.String()), zap.Error(err))
		return
	}
	recent, err := h.db.LatestComparisons(ctx, monitoredID, 3)
	if err != nil {
		h.logger.Warn("recent_comparisons_failed", zap.Error(err))
	}
	next, err := h.sched.ScheduleNext(ctx, product, recent)
	if err != nil {
		h.logger.Warn("schedule_next_failed", zap.String("product_id", monitoredID.String()), zap.Error(err))
		return
	}
	task, err := queue.NewTask(taskType, payload)
	if err != nil {
		return
	}
	if err := h.queue.EnqueueIn(ctx, queue.LaneScraping, task, time.Until(next)); err != nil {
		h.logger.Warn("reschedule_enqueue_failed", zap.String("product_id", monitoredID.String()), zap.Error(err))
	}
}

// CollectProduct fetches one monitored product, persists the result
// and chains a comparison.
func (h *Handlers) CollectProduct(ctx context.Context, t *queue.Task) error {
	var p CollectProductPayload
	if err := json.Unmarshal(t.Payload, &p); err != nil {
		return taskerr.New(taskerr.InvalidInput, err)
	}
	canonical := mlurl.Canonicalize(p.URL)
	if canonical == "" {
		return taskerr.Newf(taskerr.InvalidInput, "not a marketplace product url: %s", p.URL)
	}
	if p.UserID == uuid.Nil {
		return taskerr.Newf(taskerr.InvalidInput, "missing user id")
	}

	if h.guard(ctx, t, h.monitored, "monitored") {
		return h.deferTask(ctx, t)
	}

	kv.Heartbeat(ctx, h.rdb, kv.HeartbeatScraping)

	data, err := h.scraper.Parse(ctx, canonical, scrape.ProductMonitored)
	if err != nil {
		h.recordFetchFailure(ctx, p.ProductID, canonical, err)
		if p.ProductID != nil {
			h.sched.RecordResult(ctx, p.ProductID.String(), false)
			h.rescheduleCollect(ctx, *p.ProductID, TaskCollectProduct, p)
		}
		return err
	}

	var id uuid.UUID
	if data.Cached && p.ProductID != nil {
		// Unchanged content: only the check timestamp moves.
		id = *p.ProductID
		if err := h.db.TouchMonitored(ctx, id); err != nil {
			return taskerr.New(taskerr.DependencyUnavailable, err)
		}
	} else {
		product := &store.MonitoredProduct{
			UserID:         p.UserID,
			Name:           p.Name,
			ProductURL:     canonical,
			TargetPrice:    p.TargetPrice,
			CurrentPrice:   decimal.NewNullDecimal(data.CurrentPrice),
			Status:         store.ProductActive,
			MonitoringType: store.MonitoringScraping,
		}
		if product.Name == "" {
			product.Name = data.Name
		}
		if id, err = h.db.UpsertMonitored(ctx, product); err != nil {
			return taskerr.New(taskerr.DependencyUnavailable, err)
		}
		payload, _ := json.Marshal(data)
		h.audit.Write(audit.Record{Stage: audit.StagePersist, URL: canonical, Payload: payload})
	}

	if p.ProductID == nil {
		// First collection: users without rules get the price-target one.
		rules, rerr := h.db.ActiveRules(ctx, p.UserID, id)
		if rerr == nil && len(rules) == 0 {
			if _, cerr := h.db.CreateDefaultRule(ctx, p.UserID, &id); cerr != nil {
				h.logger.Warn("default_rule_failed", zap.String("product_id", id.String()), zap.Error(cerr))
			}
		}
	}

	h.sched.RecordResult(ctx, id.String(), true)

	compareTask, err := queue.NewTask(TaskComparePrices, ComparePayload{MonitoredProductID: id})
	if err != nil {
		return err
	}
	return h.queue.Enqueue(ctx, queue.LaneMonitor, compareTask)
}

// CollectCompetitor fetches one competitor listing and persists it.
func (h *Handlers) CollectCompetitor(ctx context.Context, t *queue.Task) error {
	var p CollectCompetitorPayload
	if err := json.Unmarshal(t.Payload, &p); err != nil {
		return taskerr.New(taskerr.InvalidInput, err)
	}
	canonical := mlurl.Canonicalize(p.URL)
	if canonical == "" {
		return taskerr.Newf(taskerr.InvalidInput, "not a marketplace product url: %s", p.URL)
	}
	if p.MonitoredProductID == uuid.Nil {
		return taskerr.Newf(taskerr.InvalidInput, "missing monitored product id")
	}

	if h.guard(ctx, t, h.comps, "competitor") {
		return h.deferTask(ctx, t)
	}

	kv.Heartbeat(ctx, h.rdb, kv.HeartbeatCompetitor)

	data, err := h.scraper.Parse(ctx, canonical, scrape.ProductCompetitor)
	if err != nil {
		h.recordFetchFailure(ctx, &p.MonitoredProductID, canonical, err)
		if kind := taskerr.KindOf(err); kind == taskerr.NotProductPage {
			// The listing is gone: mark it removed instead of failing.
			competitor := &store.CompetitorProduct{
				MonitoredProductID: p.MonitoredProductID,
				ProductURL:         canonical,
				Status:             store.ListingRemoved,
			}
			if _, upErr := h.db.UpsertCompetitor(ctx, competitor); upErr != nil {
				return taskerr.New(taskerr.DependencyUnavailable, upErr)
			}
			return nil
		}
		h.sched.RecordResult(ctx, p.MonitoredProductID.String(), false)
		h.rescheduleCollect(ctx, p.MonitoredProductID, TaskCollectCompetitor, p)
		return err
	}

	if data.Cached {
		// Unchanged content: bump the existing row instead of upserting.
		comps, lerr := h.db.CompetitorsByMonitored(ctx, p.MonitoredProductID)
		if lerr == nil {
			for i := range comps {
				if comps[i].ProductURL != canonical {
					continue
				}
				if terr := h.db.TouchCompetitor(ctx, comps[i].ID); terr != nil {
					return taskerr.New(taskerr.DependencyUnavailable, terr)
				}
				h.sched.RecordResult(ctx, p.MonitoredProductID.String(), true)
				return nil
			}
		}
	}

	competitor := &store.CompetitorProduct{
		MonitoredProductID: p.MonitoredProductID,
		Name:               data.Name,
		ProductURL:         canonical,
		CurrentPrice:       decimal.NewNullDecimal(data.CurrentPrice),
		FreeShipping:       data.FreeShipping,
		Seller:             data.Seller,
		Status:             store.ListingAvailable,
	}
	if _, err := h.db.UpsertCompetitor(ctx, competitor); err != nil {
		return taskerr.New(taskerr.DependencyUnavailable, err)
	}
	payload, _ := json.Marshal(data)
	h.audit.Write(audit.Record{Stage: audit.StagePersist, URL: canonical, Payload: payload})
	h.sched.RecordResult(ctx, p.MonitoredProductID.String(), true)
	return nil
}

// ComparePrices runs the comparison engine for one product, persists
// the snapshot, schedules the next recheck and chains the alert
// dispatch.
func (h *Handlers) ComparePrices(ctx context.Context, t *queue.Task) error {
	var p ComparePayload
	if err := json.Unmarshal(t.Payload, &p); err != nil {
		return taskerr.New(taskerr.InvalidInput, err)
	}

	product, err := h.db.MonitoredByID(ctx, p.MonitoredProductID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return taskerr.New(taskerr.InvalidInput, err)
		}
		return taskerr.New(taskerr.DependencyUnavailable, err)
	}
	competitors, err := h.db.CompetitorsByMonitored(ctx, product.ID)
	if err != nil {
		return taskerr.New(taskerr.DependencyUnavailable, err)
	}

	result := compare.Compare(product, competitors, h.tolerance, h.changeThreshold, h.logger)

	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal comparison: %w", err)
	}
	if err := h.db.InsertComparison(ctx, &store.PriceComparison{
		MonitoredProductID: product.ID,
		Data:               raw,
	}); err != nil {
		return taskerr.New(taskerr.DependencyUnavailable, err)
	}

	recent, err := h.db.LatestComparisons(ctx, product.ID, 3)
	if err != nil {
		h.logger.Warn("recent_comparisons_failed", zap.Error(err))
	}
	if _, err := h.sched.ScheduleNext(ctx, product, recent); err != nil {
		h.logger.Warn("schedule_next_failed", zap.String("product_id", product.ID.String()), zap.Error(err))
	}

	kv.Heartbeat(ctx, h.rdb, kv.HeartbeatSuccess)
	h.rdb.Set(ctx, "compare:last_success:"+product.ID.String(),
		time.Now().UTC().Format(time.RFC3339Nano), 24*time.Hour)

	if len(result.Alerts) == 0 {
		return nil
	}
	dispatchTask, err := queue.NewTask(TaskDispatchAlerts, DispatchAlertsPayload{
		MonitoredProductID: product.ID,
		Alerts:             result.Alerts,
	})
	if err != nil {
		return err
	}
	return h.queue.Enqueue(ctx, queue.LaneMonitor, dispatchTask)
}

// DispatchAlerts runs rule matching and notification fan-out for the
// alerts of one comparison.
func (h *Handlers) DispatchAlerts(ctx context.Context, t *queue.Task) error {
	var p DispatchAlertsPayload
	if err := json.Unmarshal(t.Payload, &p); err != nil {
		return taskerr.New(taskerr.InvalidInput, err)
	}
	product, err := h.db.MonitoredByID(ctx, p.MonitoredProductID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return taskerr.New(taskerr.InvalidInput, err)
		}
		return taskerr.New(taskerr.DependencyUnavailable, err)
	}
	return h.notifier.Dispatch(ctx, product, p.Alerts)
}

// SendNotification delivers a pre-rendered message to every channel.
func (h *Handlers) SendNotification(ctx context.Context, t *queue.Task) error {
	var p SendNotificationPayload
	if err := json.Unmarshal(t.Payload, &p); err != nil {
		return taskerr.New(taskerr.InvalidInput, err)
	}
	if p.UserID == uuid.Nil || p.Subject == "" {
		return taskerr.Newf(taskerr.InvalidInput, "missing user id or subject")
	}
	if p.AlertType == "" {
		p.AlertType = store.AlertPriceTarget
	}
	return h.notifier.SendRaw(ctx, p.UserID, p.Subject, p.Message, p.AlertType)
}

// CleanupCache removes cache entries written without an expiration.
func (h *Handlers) CleanupCache(ctx context.Context, t *queue.Task) error {
	removed, err := h.cache.Cleanup(ctx)
	if err != nil {
		return taskerr.New(taskerr.DependencyUnavailable, err)
	}
	h.logger.Info("cache_cleanup_done", zap.Int("removed", removed))
	return nil
}

// recordFetchFailure persists a ScrapingError classified from the
// pipeline error. Failures without a known product are only logged.
func (h *Handlers) recordFetchFailure(ctx context.Context, productID *uuid.UUID, url string, err error) {
	h.audit.Write(audit.Record{Stage: audit.StageError, URL: url, Error: err.Error()})
	if productID == nil {
		return
	}

	var errType store.ScrapingErrorType
	switch taskerr.KindOf(err) {
	case taskerr.ParsingFailed:
		errType = store.ErrParsing
	case taskerr.NotProductPage:
		errType = store.ErrMissing
	case taskerr.Blocked, taskerr.TransientRemote:
		errType = store.ErrHTTP
	default:
		errType = store.ErrHTTP
	}
	if ctx.Err() != nil {
		errType = store.ErrTimeout
	}

	rec := &store.ScrapingError{
		MonitoredProductID: *productID,
		ProductURL:         url,
		Stage:              "fetch",
		ErrorType:          errType,
		Message:            err.Error(),
	}
	var te *taskerr.Error
	if errors.As(err, &te) && te.StatusCode != 0 {
		status := te.StatusCode
		rec.HTTPStatus = &status
	}
	if insertErr := h.db.InsertScrapingError(ctx, rec); insertErr != nil {
		h.logger.Error("scraping_error_persist_failed", zap.Error(insertErr))
	}
}
