// Package compare computes price discrepancies between a monitored
// product and its competitors and generates the alert candidates the
// rule matcher consumes. All arithmetic is decimal; ties round half
// away from zero, matching the persistence layer.
package compare

import (
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/LucasGS520/Market-Suite/internal/store"
)

// Alert is one alert candidate. Only the fields relevant to the alert
// shape are populated; the JSON form is stored in the comparison
// snapshot and matched against rules.
type Alert struct {
	CompetitorID   string           `json:"competitor_id,omitempty"`
	ProductID      string           `json:"product_id,omitempty"`
	Name           string           `json:"name,omitempty"`
	Type           string           `json:"type,omitempty"`
	Status         string           `json:"status,omitempty"`
	Price          *decimal.Decimal `json:"price,omitempty"`
	OldPrice       *decimal.Decimal `json:"old_price,omitempty"`
	Change         *decimal.Decimal `json:"change,omitempty"`
	PctChange      *decimal.Decimal `json:"pct_change,omitempty"`
	PctBelowTarget *decimal.Decimal `json:"pct_below_target,omitempty"`
	Error          string           `json:"error,omitempty"`
	Detail         string           `json:"detail,omitempty"`
	RuleID         string           `json:"rule_id,omitempty"`
}

// Alert type values for price-change alerts.
const (
	TypePriceIncrease = "price_increase"
	TypePriceDecrease = "price_decrease"
)

// Discrepancy is the full price breakdown for one competitor.
type Discrepancy struct {
	CompetitorID     string           `json:"competitor_id"`
	Name             string           `json:"name"`
	Price            decimal.Decimal  `json:"price"`
	PctVsTarget      *decimal.Decimal `json:"pct_x_target"`
	PctVsMonitored   *decimal.Decimal `json:"pct_x_monitored"`
	DeltaVsMin       decimal.Decimal  `json:"delta_x_min_competitor"`
	DeltaVsMonitored decimal.Decimal  `json:"delta_x_monitored"`
	OldPrice         *decimal.Decimal `json:"old_price"`
	ChangeFromOld    *decimal.Decimal `json:"change_from_old"`
	PctChangeFromOld *decimal.Decimal `json:"pct_change_from_old"`
}

// Result is the immutable outcome of one comparison run.
type Result struct {
	MonitoredPrice         decimal.Decimal  `json:"monitored_price"`
	TargetPrice            decimal.Decimal  `json:"target_price"`
	AverageCompetitorPrice *decimal.Decimal `json:"average_competitor_price"`
	LowestCompetitor       *Discrepancy     `json:"lowest_competitor"`
	HighestCompetitor      *Discrepancy     `json:"highest_competitor"`
	Discrepancies          []Discrepancy    `json:"discrepancies"`
	Alerts                 []Alert          `json:"alerts"`
}

var hundred = decimal.NewFromInt(100)

// quantize rounds to the precision implied by the tolerance step
// (0.01 → two decimal places).
func quantize(d, tolerance decimal.Decimal) decimal.Decimal {
	return d.Round(-tolerance.Exponent())
}

func pct(numerator, denominator decimal.Decimal) decimal.Decimal {
	return numerator.Div(denominator).Mul(hundred).Round(2)
}

func ptr(d decimal.Decimal) *decimal.Decimal { return &d }

// discrepancyFor builds the breakdown of a single competitor against
// the monitored price, target price and the lowest competitor price.
func discrepancyFor(c *store.CompetitorProduct, monitoredPrice, targetPrice, minPrice, tolerance decimal.Decimal) Discrepancy {
	price := c.CurrentPrice.Decimal

	d := Discrepancy{
		CompetitorID:     c.ID.String(),
		Name:             c.Name,
		Price:            price,
		DeltaVsMin:       quantize(price.Sub(minPrice), tolerance),
		DeltaVsMonitored: quantize(price.Sub(monitoredPrice), tolerance),
	}
	if targetPrice.IsPositive() {
		d.PctVsTarget = ptr(pct(price.Sub(targetPrice), targetPrice))
	}
	if monitoredPrice.IsPositive() {
		d.PctVsMonitored = ptr(pct(price.Sub(monitoredPrice), monitoredPrice))
	}
	if c.OldPrice.Valid {
		old := c.OldPrice.Decimal
		change := quantize(price.Sub(old), tolerance)
		d.OldPrice = ptr(old)
		d.ChangeFromOld = ptr(change)
		if !old.IsZero() {
			d.PctChangeFromOld = ptr(pct(change, old))
		}
	}
	return d
}

// priceChangeAlert returns an alert when the competitor's price moved
// at least changeThreshold from its previous value, or nil.
func priceChangeAlert(c *store.CompetitorProduct, tolerance, changeThreshold decimal.Decimal) *Alert {
	if !c.OldPrice.Valid {
		return nil
	}
	old := c.OldPrice.Decimal
	change := quantize(c.CurrentPrice.Decimal.Sub(old), tolerance)
	if change.Abs().LessThan(changeThreshold) {
		return nil
	}
	alertType := TypePriceDecrease
	if change.IsPositive() {
		alertType = TypePriceIncrease
	}
	a := &Alert{
		CompetitorID: c.ID.String(),
		Name:         c.Name,
		Price:        ptr(c.CurrentPrice.Decimal),
		OldPrice:     ptr(old),
		Change:       ptr(change),
		Type:         alertType,
	}
	if !old.IsZero() {
		a.PctChange = ptr(pct(change, old))
	}
	return a
}

// listingStatusAlert returns an alert for paused or removed listings.
func listingStatusAlert(c *store.CompetitorProduct) *Alert {
	switch c.Status {
	case store.ListingUnavailable, store.ListingRemoved:
		return &Alert{
			CompetitorID: c.ID.String(),
			Name:         c.Name,
			Status:       string(c.Status),
		}
	}
	return nil
}

// Compare runs one comparison of monitored against its competitors.
// Competitors without a price are ignored; an empty set yields an
// empty result with no alerts.
func Compare(monitored *store.MonitoredProduct, competitors []store.CompetitorProduct, tolerance, changeThreshold decimal.Decimal, logger *zap.Logger) *Result {
	monitoredPrice := decimal.Zero
	if monitored.CurrentPrice.Valid {
		monitoredPrice = monitored.CurrentPrice.Decimal
	}
	targetPrice := monitored.TargetPrice

	result := &Result{
		MonitoredPrice: monitoredPrice,
		TargetPrice:    targetPrice,
		Discrepancies:  []Discrepancy{},
		Alerts:         []Alert{},
	}

	valid := make([]store.CompetitorProduct, 0, len(competitors))
	for _, c := range competitors {
		if c.CurrentPrice.Valid {
			valid = append(valid, c)
		}
	}
	if len(valid) == 0 {
		logger.Info("no_competitor_prices", zap.String("monitored_id", monitored.ID.String()))
		return result
	}

	minPrice := valid[0].CurrentPrice.Decimal
	maxPrice := minPrice
	sum := decimal.Zero
	lowest, highest := &valid[0], &valid[0]
	for i := range valid {
		price := valid[i].CurrentPrice.Decimal
		sum = sum.Add(price)
		if price.LessThan(minPrice) {
			minPrice = price
			lowest = &valid[i]
		}
		if price.GreaterThan(maxPrice) {
			maxPrice = price
			highest = &valid[i]
		}
	}
	avg := quantize(sum.Div(decimal.NewFromInt(int64(len(valid)))), tolerance)
	result.AverageCompetitorPrice = ptr(avg)

	for i := range valid {
		c := &valid[i]
		result.Discrepancies = append(result.Discrepancies,
			discrepancyFor(c, monitoredPrice, targetPrice, minPrice, tolerance))

		if a := listingStatusAlert(c); a != nil {
			result.Alerts = append(result.Alerts, *a)
		}
		if a := priceChangeAlert(c, tolerance, changeThreshold); a != nil {
			result.Alerts = append(result.Alerts, *a)
		}

		// Competitors undercutting the target price by more than the
		// tolerance raise a price-target alert.
		price := c.CurrentPrice.Decimal
		if targetPrice.IsPositive() && price.LessThan(targetPrice.Sub(tolerance)) {
			result.Alerts = append(result.Alerts, Alert{
				CompetitorID:   c.ID.String(),
				Name:           c.Name,
				Price:          ptr(price),
				PctBelowTarget: ptr(pct(targetPrice.Sub(price), targetPrice)),
			})
		}
	}

	// Product-level status alert comes last.
	switch store.ListingStatus(monitored.Status) {
	case store.ListingUnavailable, store.ListingRemoved:
		result.Alerts = append(result.Alerts, Alert{
			ProductID: monitored.ID.String(),
			Status:    string(monitored.Status),
		})
	}

	low := discrepancyFor(lowest, monitoredPrice, targetPrice, minPrice, tolerance)
	high := discrepancyFor(highest, monitoredPrice, targetPrice, minPrice, tolerance)
	result.LowestCompetitor = &low
	result.HighestCompetitor = &high

	logger.Info("comparison_summary",
		zap.String("monitored_id", monitored.ID.String()),
		zap.String("base_price", monitoredPrice.String()),
		zap.String("lowest_price", lowest.CurrentPrice.Decimal.String()),
		zap.String("highest_price", highest.CurrentPrice.Decimal.String()),
		zap.Int("alerts", len(result.Alerts)))

	return result
}
