// Package scrape owns both sides of the scraper contract: the HTTP
// client the alert service uses to request a parse, and the fetch,
// parse and cache pipeline behind the scraper service endpoint.
package scrape

import (
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

// ProductType selects which parse profile applies.
type ProductType string

const (
	ProductMonitored  ProductType = "monitored"
	ProductCompetitor ProductType = "competitor"
)

// ProductData is the parsed result of one product page.
type ProductData struct {
	Name         string           `json:"name" validate:"required,min=3"`
	CurrentPrice decimal.Decimal  `json:"current_price" validate:"required"`
	OldPrice     *decimal.Decimal `json:"old_price,omitempty"`
	Thumbnail    string           `json:"thumbnail,omitempty" validate:"omitempty,url"`
	FreeShipping bool             `json:"free_shipping"`
	Seller       string           `json:"seller,omitempty"`
	Shipping     string           `json:"shipping,omitempty"`

	// Cached reports that the scraper answered from an unchanged cache
	// entry. Carried as a response header, not in the body.
	Cached bool `json:"-"`
}

var validate = validator.New()

// Validate applies the data-quality checks shared by both services:
// structural tags first, then the price domain rule.
func (p *ProductData) Validate() error {
	if err := validate.Struct(p); err != nil {
		return fmt.Errorf("product data: %w", err)
	}
	if !p.CurrentPrice.IsPositive() {
		return fmt.Errorf("product data: price %s is not positive", p.CurrentPrice)
	}
	if p.OldPrice != nil && p.OldPrice.IsNegative() {
		return fmt.Errorf("product data: old price %s is negative", p.OldPrice)
	}
	return nil
}
