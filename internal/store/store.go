// Package store is the relational persistence layer. Tasks acquire a
// Store through injection and every call uses a short-lived query with
// the caller's context; there is no session state.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("store: not found")

// Store is the durable-state contract used by tasks and services.
type Store interface {
	Ping(ctx context.Context) error

	UserByID(ctx context.Context, id uuid.UUID) (*User, error)

	MonitoredByID(ctx context.Context, id uuid.UUID) (*MonitoredProduct, error)
	MonitoredByType(ctx context.Context, t MonitoringType) ([]MonitoredProduct, error)
	// UpsertMonitored inserts or refreshes a monitored product keyed by
	// (user, canonical URL) and returns its id.
	UpsertMonitored(ctx context.Context, p *MonitoredProduct) (uuid.UUID, error)
	// TouchMonitored updates only the last-checked timestamp, used on
	// cache hits where the content is known unchanged.
	TouchMonitored(ctx context.Context, id uuid.UUID) error

	AllCompetitors(ctx context.Context) ([]CompetitorProduct, error)
	CompetitorsByMonitored(ctx context.Context, monitoredID uuid.UUID) ([]CompetitorProduct, error)
	// UpsertCompetitor inserts or refreshes a competitor keyed by
	// (monitored product, URL). On refresh the previous current price is
	// rolled into old_price before the new price lands.
	UpsertCompetitor(ctx context.Context, c *CompetitorProduct) (uuid.UUID, error)
	// TouchCompetitor propagates old_price := current_price and bumps
	// last_checked, the whole effect of an unchanged cache hit.
	TouchCompetitor(ctx context.Context, id uuid.UUID) error

	LatestComparisons(ctx context.Context, monitoredID uuid.UUID, limit int) ([]PriceComparison, error)
	InsertComparison(ctx context.Context, c *PriceComparison) error

	ActiveRules(ctx context.Context, userID uuid.UUID, monitoredID uuid.UUID) ([]AlertRule, error)
	CreateDefaultRule(ctx context.Context, userID uuid.UUID, monitoredID *uuid.UUID) (*AlertRule, error)
	UpdateRuleLastNotified(ctx context.Context, ruleID uuid.UUID, at time.Time) error

	InsertNotificationLog(ctx context.Context, l *NotificationLog) error
	// HasRecentDuplicate reports whether a successful log row with the
	// same (user, subject, message) exists inside the window.
	HasRecentDuplicate(ctx context.Context, userID uuid.UUID, subject, message string, window time.Duration) (bool, error)

	InsertScrapingError(ctx context.Context, e *ScrapingError) error

	// TableCounts samples row counts of the main tables for metrics.
	TableCounts(ctx context.Context) (map[string]int64, error)
}
