package scrape

import (
	"context"
	"encoding/json"
	"html"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/LucasGS520/Market-Suite/internal/taskerr"
)

// Parser extracts product data from a fetched page.
type Parser interface {
	Parse(ctx context.Context, url, htmlBody string) (*ProductData, error)
}

// MarketplaceParser reads the marketplace's product pages. It tries
// the embedded JSON-LD block first and falls back to meta tags; pages
// that look like search results are rejected outright.
type MarketplaceParser struct{}

func NewMarketplaceParser() *MarketplaceParser { return &MarketplaceParser{} }

var (
	jsonLDRe    = regexp.MustCompile(`(?s)<script[^>]+application/ld\+json[^>]*>(.*?)</script>`)
	titleRe     = regexp.MustCompile(`<meta[^>]+property="og:title"[^>]+content="([^"]*)"`)
	pageTitleRe = regexp.MustCompile(`(?s)<title[^>]*>(.*?)</title>`)
	imageRe     = regexp.MustCompile(`<meta[^>]+property="og:image"[^>]+content="([^"]*)"`)
	priceRe     = regexp.MustCompile(`"price"\s*:\s*"?([0-9]+(?:\.[0-9]+)?)"?`)
	oldPriceRe  = regexp.MustCompile(`"(?:original_price|prev_price)"\s*:\s*"?([0-9]+(?:\.[0-9]+)?)"?`)
	sellerRe    = regexp.MustCompile(`"seller(?:_name)?"\s*:\s*"([^"]+)"`)
)

// searchMarkers betray a search or category listing rather than a
// single product page.
var searchMarkers = []string{"ui-search-results", "ui-search-layout", "resultados para"}

type jsonLDProduct struct {
	Type   string `json:"@type"`
	Name   string `json:"name"`
	Image  string `json:"image"`
	Offers struct {
		Price json.Number `json:"price"`
	} `json:"offers"`
}

func (p *MarketplaceParser) Parse(ctx context.Context, url, htmlBody string) (*ProductData, error) {
	lower := strings.ToLower(htmlBody)
	for _, marker := range searchMarkers {
		if strings.Contains(lower, marker) {
			return nil, taskerr.Newf(taskerr.NotProductPage, "search page at %s", url)
		}
	}

	data := &ProductData{}

	if m := jsonLDRe.FindStringSubmatch(htmlBody); m != nil {
		var ld jsonLDProduct
		if err := json.Unmarshal([]byte(m[1]), &ld); err == nil && strings.EqualFold(ld.Type, "Product") {
			data.Name = ld.Name
			data.Thumbnail = ld.Image
			if price, err := decimal.NewFromString(ld.Offers.Price.String()); err == nil {
				data.CurrentPrice = price
			}
		}
	}

	if data.Name == "" {
		if m := titleRe.FindStringSubmatch(htmlBody); m != nil {
			data.Name = html.UnescapeString(m[1])
		} else if m := pageTitleRe.FindStringSubmatch(htmlBody); m != nil {
			data.Name = strings.TrimSpace(html.UnescapeString(m[1]))
		}
	}
	if data.Thumbnail == "" {
		if m := imageRe.FindStringSubmatch(htmlBody); m != nil {
			data.Thumbnail = m[1]
		}
	}
	if data.CurrentPrice.IsZero() {
		if m := priceRe.FindStringSubmatch(htmlBody); m != nil {
			if price, err := decimal.NewFromString(m[1]); err == nil {
				data.CurrentPrice = price
			}
		}
	}
	if m := oldPriceRe.FindStringSubmatch(htmlBody); m != nil {
		if old, err := decimal.NewFromString(m[1]); err == nil {
			data.OldPrice = &old
		}
	}
	if m := sellerRe.FindStringSubmatch(htmlBody); m != nil {
		data.Seller = m[1]
	}
	data.FreeShipping = strings.Contains(lower, `"free_shipping":true`) ||
		strings.Contains(lower, "frete grátis")
	if data.FreeShipping {
		data.Shipping = "free"
	}

	if err := data.Validate(); err != nil {
		return nil, taskerr.New(taskerr.ParsingFailed, err)
	}
	return data, nil
}
