// Package identity manages the browsing identity presented to the
// target site: rotating user agents and per-session cookie jars.
package identity

import (
	"math/rand"
	"sync"
	"time"
)

// userAgents is the rotation pool: current desktop and mobile browsers
// common in Brazilian traffic.
var userAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/123.0.0.0 Safari/537.36 Edg/123.0.2420.81",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:125.0) Gecko/20100101 Firefox/125.0",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.4 Safari/605.1.15",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Linux; Android 14; SM-S918B) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Mobile Safari/537.36",
	"Mozilla/5.0 (iPhone; CPU iPhone OS 17_4 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.4 Mobile/15E148 Safari/604.1",
}

type uaSession struct {
	ua      string
	count   int
	started time.Time
}

// UserAgentManager hands out a stable user agent per scraping session,
// rotating it after a request budget or a session timeout.
type UserAgentManager struct {
	mu             sync.Mutex
	sessions       map[string]*uaSession
	maxRequests    int
	sessionTimeout time.Duration

	now     func() time.Time
	pick    func() string
}

// NewUserAgentManager builds a manager with the given per-session
// request budget and timeout.
func NewUserAgentManager(maxRequests int, sessionTimeout time.Duration) *UserAgentManager {
	return &UserAgentManager{
		sessions:       make(map[string]*uaSession),
		maxRequests:    maxRequests,
		sessionTimeout: sessionTimeout,
		now:            time.Now,
		pick: func() string {
			return userAgents[rand.Intn(len(userAgents))]
		},
	}
}

// UserAgent returns the agent bound to the session, rotating when the
// budget or timeout has been exceeded.
func (m *UserAgentManager) UserAgent(sessionID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	sess := m.sessions[sessionID]
	if sess == nil || sess.count >= m.maxRequests || now.Sub(sess.started) >= m.sessionTimeout {
		sess = &uaSession{ua: m.pick(), started: now}
		m.sessions[sessionID] = sess
	}
	sess.count++
	return sess.ua
}

// Rotate discards the state of one session, or of every session when
// sessionID is empty, forcing a fresh random agent on next use.
func (m *UserAgentManager) Rotate(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sessionID == "" {
		m.sessions = make(map[string]*uaSession)
		return
	}
	delete(m.sessions, sessionID)
}
