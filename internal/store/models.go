package store

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// MonitoringType selects how a monitored product is refreshed.
type MonitoringType string

const (
	MonitoringScraping MonitoringType = "scraping"
	MonitoringManual   MonitoringType = "manual"
)

// ProductStatus is the lifecycle state of a monitored product.
type ProductStatus string

const (
	ProductActive   ProductStatus = "active"
	ProductInactive ProductStatus = "inactive"
	ProductPending  ProductStatus = "pending"
	ProductFailed   ProductStatus = "failed"
)

// ListingStatus is the observed state of a competitor listing.
type ListingStatus string

const (
	ListingAvailable   ListingStatus = "available"
	ListingUnavailable ListingStatus = "unavailable"
	ListingRemoved     ListingStatus = "removed"
)

// AlertType enumerates rule types and alert classifications.
type AlertType string

const (
	AlertPriceTarget    AlertType = "price_target"
	AlertPriceChange    AlertType = "price_change"
	AlertListingPaused  AlertType = "listing_paused"
	AlertListingRemoved AlertType = "listing_removed"
	AlertScrapingError  AlertType = "scraping_error"
)

// ChannelType enumerates notification channels.
type ChannelType string

const (
	ChannelEmail    ChannelType = "email"
	ChannelSMS      ChannelType = "sms"
	ChannelPush     ChannelType = "push"
	ChannelWhatsApp ChannelType = "whatsapp"
	ChannelSlack    ChannelType = "slack"
	ChannelWebhook  ChannelType = "webhook"
)

// ScrapingErrorType classifies persisted scraping failures.
type ScrapingErrorType string

const (
	ErrHTTP    ScrapingErrorType = "http_error"
	ErrMissing ScrapingErrorType = "missing_data"
	ErrTimeout ScrapingErrorType = "timeout"
	ErrParsing ScrapingErrorType = "parsing_error"
)

// User is the owner of monitored products and alert rules.
type User struct {
	ID                   uuid.UUID `db:"id"`
	Email                string    `db:"email"`
	Phone                string    `db:"phone"`
	PushToken            string    `db:"push_token"`
	NotificationsEnabled bool      `db:"notifications_enabled"`
	CreatedAt            time.Time `db:"created_at"`
}

// MonitoredProduct is a user-owned reference to a marketplace listing.
// ProductURL is canonical; (UserID, ProductURL) is unique.
type MonitoredProduct struct {
	ID             uuid.UUID           `db:"id"`
	UserID         uuid.UUID           `db:"user_id"`
	Name           string              `db:"name_identification"`
	ProductURL     string              `db:"product_url"`
	TargetPrice    decimal.Decimal     `db:"target_price"`
	CurrentPrice   decimal.NullDecimal `db:"current_price"`
	Status         ProductStatus       `db:"status"`
	MonitoringType MonitoringType      `db:"monitoring_type"`
	LastCheckedAt  *time.Time          `db:"last_checked_at"`
	CreatedAt      time.Time           `db:"created_at"`
}

// CompetitorProduct is a competing listing attached to a monitored
// product. OldPrice holds the previous CurrentPrice and is rolled
// forward on every successful refresh.
type CompetitorProduct struct {
	ID                 uuid.UUID           `db:"id"`
	MonitoredProductID uuid.UUID           `db:"monitored_product_id"`
	Name               string              `db:"name_competitor"`
	ProductURL         string              `db:"product_url"`
	CurrentPrice       decimal.NullDecimal `db:"current_price"`
	OldPrice           decimal.NullDecimal `db:"old_price"`
	FreeShipping       bool                `db:"free_shipping"`
	Seller             string              `db:"seller"`
	Status             ListingStatus       `db:"status"`
	LastCheckedAt      *time.Time          `db:"last_checked_at"`
}

// AlertRule is a per-user matcher, optionally scoped to one product.
type AlertRule struct {
	ID                 uuid.UUID           `db:"id"`
	UserID             uuid.UUID           `db:"user_id"`
	MonitoredProductID *uuid.UUID          `db:"monitored_product_id"`
	RuleType           AlertType           `db:"rule_type"`
	ThresholdValue     decimal.NullDecimal `db:"threshold_value"`
	ThresholdPercent   decimal.NullDecimal `db:"threshold_percent"`
	TargetPrice        decimal.NullDecimal `db:"target_price"`
	ProductStatus      *ListingStatus      `db:"product_status"`
	Enabled            bool                `db:"enabled"`
	LastNotifiedAt     *time.Time          `db:"last_notified_at"`
}

// PriceComparison is an immutable snapshot of one comparison run.
type PriceComparison struct {
	ID                 uuid.UUID       `db:"id"`
	MonitoredProductID uuid.UUID       `db:"monitored_product_id"`
	Data               json.RawMessage `db:"data"`
	CreatedAt          time.Time       `db:"created_at"`
}

// NotificationLog records one delivery attempt to one channel.
type NotificationLog struct {
	ID               uuid.UUID       `db:"id"`
	UserID           uuid.UUID       `db:"user_id"`
	AlertRuleID      *uuid.UUID      `db:"alert_rule_id"`
	AlertType        AlertType       `db:"alert_type"`
	Channel          ChannelType     `db:"channel"`
	Subject          string          `db:"subject"`
	Message          string          `db:"message"`
	ProviderMetadata json.RawMessage `db:"provider_metadata"`
	Success          bool            `db:"success"`
	Error            string          `db:"error"`
	CreatedAt        time.Time       `db:"created_at"`
}

// ScrapingError records one pipeline failure for a product URL.
type ScrapingError struct {
	ID                 uuid.UUID         `db:"id"`
	MonitoredProductID uuid.UUID         `db:"monitored_product_id"`
	ProductURL         string            `db:"product_url"`
	Stage              string            `db:"stage"`
	HTTPStatus         *int              `db:"http_status"`
	ErrorType          ScrapingErrorType `db:"error_type"`
	Message            string            `db:"message"`
	CreatedAt          time.Time         `db:"created_at"`
}
