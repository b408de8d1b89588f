package blockwatch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"

	"github.com/LucasGS520/Market-Suite/internal/identity"
)

// HTTPBrowser is the plain-HTTP browser fallback: a refetch with a
// fresh cookie jar, a rotated agent and full navigation headers. A
// reply that still looks blocked is an error so the caller keeps
// escalating instead of caching a challenge page.
type HTTPBrowser struct {
	ua        *identity.UserAgentManager
	newClient func() *http.Client
}

// NewHTTPBrowser builds the fallback fetcher. The recovery manager
// bounds each fetch with its own timeout context.
func NewHTTPBrowser(ua *identity.UserAgentManager) *HTTPBrowser {
	return &HTTPBrowser{
		ua: ua,
		newClient: func() *http.Client {
			jar, _ := cookiejar.New(nil)
			return &http.Client{Jar: jar}
		},
	}
}

// FetchHTML implements BrowserFetcher.
func (b *HTTPBrowser) FetchHTML(ctx context.Context, url, sessionID string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	// A distinct session scope draws an agent the blocked one never used.
	req.Header.Set("User-Agent", b.ua.UserAgent(sessionID+":browser"))
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8")
	req.Header.Set("Accept-Language", "pt-BR,pt;q=0.9,en;q=0.8")
	req.Header.Set("Sec-Fetch-Dest", "document")
	req.Header.Set("Sec-Fetch-Mode", "navigate")
	req.Header.Set("Upgrade-Insecure-Requests", "1")

	resp, err := b.newClient().Do(req)
	if err != nil {
		return "", fmt.Errorf("browser refetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", fmt.Errorf("browser refetch read %s: %w", url, err)
	}
	body := string(raw)

	if block := Detect(resp.StatusCode, body); block != BlockOK {
		return "", fmt.Errorf("browser refetch still blocked (%s) at %s", block, url)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("browser refetch status %d at %s", resp.StatusCode, url)
	}
	return body, nil
}
