package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	_ "github.com/jackc/pgx/v5/stdlib" // database/sql driver
)

// Postgres implements Store over sqlx.
type Postgres struct {
	db *sqlx.DB
}

// Open connects to Postgres through the pgx stdlib driver.
func Open(dsn string) (*Postgres, error) {
	db, err := sqlx.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Postgres{db: db}, nil
}

// NewPostgres wraps an existing connection, used by tests with sqlmock.
func NewPostgres(db *sqlx.DB) *Postgres { return &Postgres{db: db} }

func (s *Postgres) Ping(ctx context.Context) error {
	var one int
	return s.db.GetContext(ctx, &one, "SELECT 1")
}

func (s *Postgres) Close() error { return s.db.Close() }

func (s *Postgres) UserByID(ctx context.Context, id uuid.UUID) (*User, error) {
	var u User
	err := s.db.GetContext(ctx, &u,
		`SELECT id, email, phone, push_token, notifications_enabled, created_at
		 FROM users WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("user by id: %w", err)
	}
	return &u, nil
}

func (s *Postgres) MonitoredByID(ctx context.Context, id uuid.UUID) (*MonitoredProduct, error) {
	var p MonitoredProduct
	err := s.db.GetContext(ctx, &p,
		`SELECT id, user_id, name_identification, product_url, target_price,
		        current_price, status, monitoring_type, last_checked_at, created_at
		 FROM monitored_products WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("monitored by id: %w", err)
	}
	return &p, nil
}

func (s *Postgres) MonitoredByType(ctx context.Context, t MonitoringType) ([]MonitoredProduct, error) {
	var out []MonitoredProduct
	err := s.db.SelectContext(ctx, &out,
		`SELECT id, user_id, name_identification, product_url, target_price,
		        current_price, status, monitoring_type, last_checked_at, created_at
		 FROM monitored_products
		 WHERE monitoring_type = $1 AND status = $2
		 ORDER BY last_checked_at NULLS FIRST`, t, ProductActive)
	if err != nil {
		return nil, fmt.Errorf("monitored by type: %w", err)
	}
	return out, nil
}

func (s *Postgres) UpsertMonitored(ctx context.Context, p *MonitoredProduct) (uuid.UUID, error) {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	var id uuid.UUID
	err := s.db.GetContext(ctx, &id,
		`INSERT INTO monitored_products
		   (id, user_id, name_identification, product_url, target_price,
		    current_price, status, monitoring_type, last_checked_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now(), now())
		 ON CONFLICT (user_id, product_url) DO UPDATE SET
		   name_identification = EXCLUDED.name_identification,
		   target_price = EXCLUDED.target_price,
		   current_price = EXCLUDED.current_price,
		   status = EXCLUDED.status,
		   last_checked_at = now()
		 RETURNING id`,
		p.ID, p.UserID, p.Name, p.ProductURL, p.TargetPrice,
		p.CurrentPrice, p.Status, p.MonitoringType)
	if err != nil {
		return uuid.Nil, fmt.Errorf("upsert monitored: %w", err)
	}
	return id, nil
}

func (s *Postgres) TouchMonitored(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE monitored_products SET last_checked_at = now() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("touch monitored: %w", err)
	}
	return nil
}

func (s *Postgres) AllCompetitors(ctx context.Context) ([]CompetitorProduct, error) {
	var out []CompetitorProduct
	err := s.db.SelectContext(ctx, &out,
		`SELECT id, monitored_product_id, name_competitor, product_url, current_price,
		        old_price, free_shipping, seller, status, last_checked_at
		 FROM competitor_products
		 WHERE status <> $1
		 ORDER BY last_checked_at NULLS FIRST`, ListingRemoved)
	if err != nil {
		return nil, fmt.Errorf("all competitors: %w", err)
	}
	return out, nil
}

func (s *Postgres) CompetitorsByMonitored(ctx context.Context, monitoredID uuid.UUID) ([]CompetitorProduct, error) {
	var out []CompetitorProduct
	err := s.db.SelectContext(ctx, &out,
		`SELECT id, monitored_product_id, name_competitor, product_url, current_price,
		        old_price, free_shipping, seller, status, last_checked_at
		 FROM competitor_products WHERE monitored_product_id = $1`, monitoredID)
	if err != nil {
		return nil, fmt.Errorf("competitors by monitored: %w", err)
	}
	return out, nil
}

func (s *Postgres) UpsertCompetitor(ctx context.Context, c *CompetitorProduct) (uuid.UUID, error) {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	var id uuid.UUID
	err := s.db.GetContext(ctx, &id,
		`INSERT INTO competitor_products
		   (id, monitored_product_id, name_competitor, product_url, current_price,
		    old_price, free_shipping, seller, status, last_checked_at)
		 VALUES ($1, $2, $3, $4, $5, NULL, $6, $7, $8, now())
		 ON CONFLICT (monitored_product_id, product_url) DO UPDATE SET
		   name_competitor = EXCLUDED.name_competitor,
		   old_price = competitor_products.current_price,
		   current_price = EXCLUDED.current_price,
		   free_shipping = EXCLUDED.free_shipping,
		   seller = EXCLUDED.seller,
		   status = EXCLUDED.status,
		   last_checked_at = now()
		 RETURNING id`,
		c.ID, c.MonitoredProductID, c.Name, c.ProductURL, c.CurrentPrice,
		c.FreeShipping, c.Seller, c.Status)
	if err != nil {
		return uuid.Nil, fmt.Errorf("upsert competitor: %w", err)
	}
	return id, nil
}

func (s *Postgres) TouchCompetitor(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE competitor_products
		 SET old_price = current_price, last_checked_at = now()
		 WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("touch competitor: %w", err)
	}
	return nil
}

func (s *Postgres) LatestComparisons(ctx context.Context, monitoredID uuid.UUID, limit int) ([]PriceComparison, error) {
	var out []PriceComparison
	err := s.db.SelectContext(ctx, &out,
		`SELECT id, monitored_product_id, data, created_at
		 FROM price_comparisons
		 WHERE monitored_product_id = $1
		 ORDER BY created_at DESC LIMIT $2`, monitoredID, limit)
	if err != nil {
		return nil, fmt.Errorf("latest comparisons: %w", err)
	}
	return out, nil
}

func (s *Postgres) InsertComparison(ctx context.Context, c *PriceComparison) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO price_comparisons (id, monitored_product_id, data, created_at)
		 VALUES ($1, $2, $3, now())`,
		c.ID, c.MonitoredProductID, c.Data)
	if err != nil {
		return fmt.Errorf("insert comparison: %w", err)
	}
	return nil
}

func (s *Postgres) ActiveRules(ctx context.Context, userID uuid.UUID, monitoredID uuid.UUID) ([]AlertRule, error) {
	var out []AlertRule
	err := s.db.SelectContext(ctx, &out,
		`SELECT id, user_id, monitored_product_id, rule_type, threshold_value,
		        threshold_percent, target_price, product_status, enabled, last_notified_at
		 FROM alert_rules
		 WHERE user_id = $1 AND enabled
		   AND (monitored_product_id = $2 OR monitored_product_id IS NULL)
		 ORDER BY monitored_product_id NULLS LAST`, userID, monitoredID)
	if err != nil {
		return nil, fmt.Errorf("active rules: %w", err)
	}
	return out, nil
}

func (s *Postgres) CreateDefaultRule(ctx context.Context, userID uuid.UUID, monitoredID *uuid.UUID) (*AlertRule, error) {
	rule := &AlertRule{
		ID:                 uuid.New(),
		UserID:             userID,
		MonitoredProductID: monitoredID,
		RuleType:           AlertPriceTarget,
		Enabled:            true,
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO alert_rules (id, user_id, monitored_product_id, rule_type, enabled)
		 VALUES ($1, $2, $3, $4, true)`,
		rule.ID, rule.UserID, rule.MonitoredProductID, rule.RuleType)
	if err != nil {
		return nil, fmt.Errorf("create default rule: %w", err)
	}
	return rule, nil
}

func (s *Postgres) UpdateRuleLastNotified(ctx context.Context, ruleID uuid.UUID, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE alert_rules SET last_notified_at = $2 WHERE id = $1`, ruleID, at)
	if err != nil {
		return fmt.Errorf("update rule last notified: %w", err)
	}
	return nil
}

func (s *Postgres) InsertNotificationLog(ctx context.Context, l *NotificationLog) error {
	if l.ID == uuid.Nil {
		l.ID = uuid.New()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO notification_logs
		   (id, user_id, alert_rule_id, alert_type, channel, subject, message,
		    provider_metadata, success, error, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, now())`,
		l.ID, l.UserID, l.AlertRuleID, l.AlertType, l.Channel, l.Subject,
		l.Message, l.ProviderMetadata, l.Success, l.Error)
	if err != nil {
		return fmt.Errorf("insert notification log: %w", err)
	}
	return nil
}

func (s *Postgres) HasRecentDuplicate(ctx context.Context, userID uuid.UUID, subject, message string, window time.Duration) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists,
		`SELECT EXISTS (
		   SELECT 1 FROM notification_logs
		   WHERE user_id = $1 AND subject = $2 AND message = $3 AND success
		     AND created_at > now() - $4::interval
		 )`, userID, subject, message, fmt.Sprintf("%d seconds", int(window.Seconds())))
	if err != nil {
		return false, fmt.Errorf("has recent duplicate: %w", err)
	}
	return exists, nil
}

func (s *Postgres) InsertScrapingError(ctx context.Context, e *ScrapingError) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO scraping_errors
		   (id, monitored_product_id, product_url, stage, http_status, error_type, message, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, now())`,
		e.ID, e.MonitoredProductID, e.ProductURL, e.Stage, e.HTTPStatus, e.ErrorType, e.Message)
	if err != nil {
		return fmt.Errorf("insert scraping error: %w", err)
	}
	return nil
}

var countedTables = []string{
	"users", "monitored_products", "competitor_products",
	"alert_rules", "price_comparisons", "notification_logs", "scraping_errors",
}

func (s *Postgres) TableCounts(ctx context.Context) (map[string]int64, error) {
	out := make(map[string]int64, len(countedTables))
	for _, table := range countedTables {
		var n int64
		if err := s.db.GetContext(ctx, &n, "SELECT count(*) FROM "+table); err != nil {
			return nil, fmt.Errorf("count %s: %w", table, err)
		}
		out[table] = n
	}
	return out, nil
}
