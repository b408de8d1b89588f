package identity

import (
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"sync"
)

// genericCookies are seeded into every fresh jar so the first request
// does not look like a cold client.
var genericCookies = map[string]string{
	"ftid":  "mercadolivre",
	"orgid": "web",
}

// CookieManager keeps one cookie jar per scraping session. Jars are
// reset during block recovery to shed any tracking state.
type CookieManager struct {
	mu    sync.Mutex
	jars  map[string]http.CookieJar
	seedURL *url.URL
}

// NewCookieManager builds an empty manager. seedHost is the site the
// generic cookies are scoped to.
func NewCookieManager(seedHost string) *CookieManager {
	u, _ := url.Parse(seedHost)
	return &CookieManager{
		jars:    make(map[string]http.CookieJar),
		seedURL: u,
	}
}

// Jar returns the session's cookie jar, creating and seeding it on
// first use.
func (m *CookieManager) Jar(sessionID string) http.CookieJar {
	m.mu.Lock()
	defer m.mu.Unlock()

	jar := m.jars[sessionID]
	if jar == nil {
		jar, _ = cookiejar.New(nil)
		if m.seedURL != nil {
			seed := make([]*http.Cookie, 0, len(genericCookies))
			for name, value := range genericCookies {
				seed = append(seed, &http.Cookie{Name: name, Value: value})
			}
			jar.SetCookies(m.seedURL, seed)
		}
		m.jars[sessionID] = jar
	}
	return jar
}

// Reset drops the jar of one session, or every jar when sessionID is
// empty.
func (m *CookieManager) Reset(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sessionID == "" {
		m.jars = make(map[string]http.CookieJar)
		return
	}
	delete(m.jars, sessionID)
}
