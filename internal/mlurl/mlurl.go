// Package mlurl normalizes Mercado Livre product URLs. The canonical
// form is the uniqueness key for monitored and competitor products, so
// the same listing reached through any mirror maps to one row.
package mlurl

import (
	"net/url"
	"regexp"
	"strings"
)

var productIDRe = regexp.MustCompile(`(?i)MLB[-_]?(\d+)`)

// productHosts are the hosts that serve product pages directly.
var productHosts = map[string]bool{
	"produto.mercadolivre.com.br": true,
	"www.mercadolivre.com.br":     true,
	"m.mercadolivre.com.br":       true,
}

// Canonicalize reduces any marketplace product URL to its canonical
// form, or returns "" when the URL does not reference a product.
// The operation is idempotent: canonical URLs map to themselves.
func Canonicalize(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	host := u.Hostname()
	if !strings.Contains(host, "mercadolivre.com.br") {
		return ""
	}
	m := productIDRe.FindStringSubmatch(raw)
	if m == nil {
		return ""
	}
	return "https://produto.mercadolivre.com.br/MLB-" + m[1]
}

// IsProductURL reports whether the URL points at a known product host.
func IsProductURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return productHosts[u.Hostname()]
}
