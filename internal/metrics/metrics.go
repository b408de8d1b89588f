// Package metrics owns every Prometheus collector of the platform.
// A single Metrics value is built against a registry in main and
// injected into the components that record observations.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics aggregates the collectors used across both services.
type Metrics struct {
	Registry *prometheus.Registry

	// Pipeline
	ScrapingLatencySeconds *prometheus.HistogramVec
	ScraperInFlight        prometheus.Gauge
	ScraperHeadFailures    prometheus.Counter
	TasksExecutedTotal     *prometheus.CounterVec
	DispatchedTotal        *prometheus.CounterVec
	QueueDepth             *prometheus.GaugeVec

	// Scheduler
	RecheckScheduledTotal prometheus.Counter

	// Throttle / protection
	JitterSeconds              prometheus.Histogram
	BackoffFactor              prometheus.Gauge
	RateLimitDeniedTotal       *prometheus.CounterVec
	CircuitOpen                *prometheus.GaugeVec
	CircuitStateChangesTotal   *prometheus.CounterVec
	ScrapingSuspendedFlag      prometheus.Gauge
	BrowserRecoverySuccessTotal prometheus.Counter

	// Cache
	CacheHitsTotal   prometheus.Counter
	CacheMissesTotal prometheus.Counter

	// Notifications
	NotificationsSentTotal       *prometheus.CounterVec
	NotificationsSkippedTotal    *prometheus.CounterVec
	NotificationSendDuration     *prometheus.HistogramVec
	AlertRulesTriggeredTotal     *prometheus.CounterVec
	AlertRulesSuppressedTotal    *prometheus.CounterVec

	// Audit
	AuditRecordsTotal         *prometheus.CounterVec
	AuditErrorsTotal          *prometheus.CounterVec
	AuditHTMLLengthBytes      *prometheus.HistogramVec
	AuditRecordDurationSeconds *prometheus.HistogramVec

	// Storage
	DBRows *prometheus.GaugeVec
}

// New builds the collector set and registers it on reg.
func New(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		Registry: reg,

		ScrapingLatencySeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "scraping_latency_seconds",
			Help:    "Latency of scraping pipeline stages.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"source"}),
		ScraperInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "scraper_in_flight",
			Help: "Fetch tasks currently executing.",
		}),
		ScraperHeadFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scraper_head_failures_total",
			Help: "HTTP failures surfaced by fetch tasks.",
		}),
		TasksExecutedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tasks_executed_total",
			Help: "Task executions by task name and outcome.",
		}, []string{"task", "status"}),
		DispatchedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatched_total",
			Help: "Fetch tasks enqueued by the periodic beat.",
		}, []string{"type"}),
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "queue_depth",
			Help: "Pending tasks per lane.",
		}, []string{"lane"}),

		RecheckScheduledTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "recheck_scheduled_total",
			Help: "Recheck timestamps computed and stored.",
		}),

		JitterSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "scraper_jitter_seconds",
			Help:    "Jitter applied before outbound requests.",
			Buckets: prometheus.LinearBuckets(0, 1, 10),
		}),
		BackoffFactor: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "scraper_backoff_factor",
			Help: "Current token bucket refill rate after adaptive backoff.",
		}),
		RateLimitDeniedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rate_limit_denied_total",
			Help: "Sliding-window rate limit denials.",
		}, []string{"name"}),
		CircuitOpen: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "scraper_circuit_open",
			Help: "Circuit breaker state (1 = in that state).",
		}, []string{"state"}),
		CircuitStateChangesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scraper_circuit_state_changes_total",
			Help: "Circuit breaker transitions.",
		}, []string{"state"}),
		ScrapingSuspendedFlag: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "scraping_suspended_flag",
			Help: "Whether the global scraping suspension flag is set.",
		}),
		BrowserRecoverySuccessTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scraper_browser_recovery_success_total",
			Help: "Successful browser-based refetches during block recovery.",
		}),

		CacheHitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cache_hits_total",
			Help: "Content cache hits (unchanged HTML hash).",
		}),
		CacheMissesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cache_misses_total",
			Help: "Content cache misses.",
		}),

		NotificationsSentTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "notifications_sent_total",
			Help: "Notification delivery attempts per channel and outcome.",
		}, []string{"channel", "success"}),
		NotificationsSkippedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "notifications_skipped_total",
			Help: "Notifications skipped before dispatch.",
		}, []string{"reason"}),
		NotificationSendDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "notification_send_duration_seconds",
			Help:    "Per-channel delivery latency.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"channel"}),
		AlertRulesTriggeredTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "alert_rules_triggered_total",
			Help: "Alert rules matched by generated alerts.",
		}, []string{"rule_type"}),
		AlertRulesSuppressedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "alert_rules_suppressed_total",
			Help: "Matched rules suppressed before delivery.",
		}, []string{"reason"}),

		AuditRecordsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "audit_records_total",
			Help: "Audit records written per stage.",
		}, []string{"stage"}),
		AuditErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "audit_errors_total",
			Help: "Audit write failures per stage.",
		}, []string{"stage"}),
		AuditHTMLLengthBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "audit_html_length_bytes",
			Help:    "HTML sizes recorded in audit records.",
			Buckets: prometheus.ExponentialBuckets(1024, 4, 8),
		}, []string{"stage"}),
		AuditRecordDurationSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "audit_record_duration_seconds",
			Help:    "Time spent writing audit records.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
		}, []string{"stage"}),

		DBRows: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "db_rows",
			Help: "Row counts of the main tables, sampled by the beat.",
		}, []string{"table"}),
	}

	reg.MustRegister(
		m.ScrapingLatencySeconds, m.ScraperInFlight, m.ScraperHeadFailures,
		m.TasksExecutedTotal, m.DispatchedTotal, m.QueueDepth,
		m.RecheckScheduledTotal,
		m.JitterSeconds, m.BackoffFactor, m.RateLimitDeniedTotal,
		m.CircuitOpen, m.CircuitStateChangesTotal, m.ScrapingSuspendedFlag,
		m.BrowserRecoverySuccessTotal,
		m.CacheHitsTotal, m.CacheMissesTotal,
		m.NotificationsSentTotal, m.NotificationsSkippedTotal, m.NotificationSendDuration,
		m.AlertRulesTriggeredTotal, m.AlertRulesSuppressedTotal,
		m.AuditRecordsTotal, m.AuditErrorsTotal, m.AuditHTMLLengthBytes, m.AuditRecordDurationSeconds,
		m.DBRows,
	)
	return m
}

// NewTest builds a Metrics backed by a throwaway registry, for tests.
func NewTest() *Metrics {
	return New(prometheus.NewRegistry())
}
