// Package alerts matches comparison alerts against user rules and
// fans the surviving notifications out to every configured channel.
package alerts

import (
	"github.com/shopspring/decimal"

	"github.com/LucasGS520/Market-Suite/internal/compare"
	"github.com/LucasGS520/Market-Suite/internal/store"
)

// Matches reports whether the alert satisfies the rule.
//
// The generic constraints apply to every rule type: a configured
// target price caps the alert price, and a configured product status
// must match exactly. The rule type then selects its own checks.
func Matches(alert *compare.Alert, rule *store.AlertRule) bool {
	if rule.TargetPrice.Valid {
		if alert.Price == nil || alert.Price.GreaterThan(rule.TargetPrice.Decimal) {
			return false
		}
	}
	if rule.ProductStatus != nil && alert.Status != string(*rule.ProductStatus) {
		return false
	}

	switch rule.RuleType {
	case store.AlertPriceTarget:
		if alert.Price == nil {
			return false
		}
		if rule.ThresholdValue.Valid && alert.Price.GreaterThan(rule.ThresholdValue.Decimal) {
			return false
		}
		if rule.ThresholdPercent.Valid {
			if alert.PctBelowTarget == nil || alert.PctBelowTarget.LessThan(rule.ThresholdPercent.Decimal) {
				return false
			}
		}
		return true

	case store.AlertPriceChange:
		if alert.Type != compare.TypePriceIncrease && alert.Type != compare.TypePriceDecrease {
			return false
		}
		change := decimal.Zero
		if alert.Change != nil {
			change = alert.Change.Abs()
		}
		if rule.ThresholdValue.Valid && change.LessThan(rule.ThresholdValue.Decimal) {
			return false
		}
		if rule.ThresholdPercent.Valid {
			pctChange := decimal.Zero
			if alert.OldPrice != nil && !alert.OldPrice.IsZero() {
				pctChange = change.Div(*alert.OldPrice).Mul(decimal.NewFromInt(100)).Abs()
			}
			if pctChange.LessThan(rule.ThresholdPercent.Decimal) {
				return false
			}
		}
		return true

	case store.AlertListingPaused:
		return alert.Status == string(store.ListingUnavailable)

	case store.AlertListingRemoved:
		return alert.Status == string(store.ListingRemoved)

	case store.AlertScrapingError:
		return alert.Error != "" || alert.Detail != ""
	}
	return false
}

// ClassifyAlert picks the alert type from the shape of the alert,
// mirroring how the template is chosen.
func ClassifyAlert(alert *compare.Alert) store.AlertType {
	switch {
	case alert.Type == compare.TypePriceIncrease || alert.Type == compare.TypePriceDecrease:
		return store.AlertPriceChange
	case alert.Status == string(store.ListingUnavailable):
		return store.AlertListingPaused
	case alert.Status == string(store.ListingRemoved):
		return store.AlertListingRemoved
	case alert.Error != "" || alert.Detail != "":
		return store.AlertScrapingError
	}
	return store.AlertPriceTarget
}
