package identity

import (
	"fmt"
	"net/url"
	"testing"
	"time"

	. "github.com/onsi/gomega"
)

func newTestUAManager(t *testing.T, maxRequests int, timeout time.Duration) *UserAgentManager {
	t.Helper()
	m := NewUserAgentManager(maxRequests, timeout)
	var n int
	m.pick = func() string {
		n++
		return fmt.Sprintf("agent-%d", n)
	}
	return m
}

func TestUserAgentStablePerSession(t *testing.T) {
	g := NewWithT(t)
	m := newTestUAManager(t, 50, 30*time.Minute)

	first := m.UserAgent("sess-1")
	for i := 0; i < 10; i++ {
		g.Expect(m.UserAgent("sess-1")).To(Equal(first))
	}

	// A second session draws its own agent.
	g.Expect(m.UserAgent("sess-2")).NotTo(Equal(first))
}

func TestUserAgentRotatesAfterRequestBudget(t *testing.T) {
	g := NewWithT(t)
	m := newTestUAManager(t, 3, 30*time.Minute)

	first := m.UserAgent("sess-1")
	g.Expect(m.UserAgent("sess-1")).To(Equal(first))
	g.Expect(m.UserAgent("sess-1")).To(Equal(first))

	// Fourth request exceeds the budget of 3.
	g.Expect(m.UserAgent("sess-1")).NotTo(Equal(first))
}

func TestUserAgentRotatesAfterTimeout(t *testing.T) {
	g := NewWithT(t)
	m := newTestUAManager(t, 50, 30*time.Minute)

	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return base }
	first := m.UserAgent("sess-1")

	m.now = func() time.Time { return base.Add(31 * time.Minute) }
	g.Expect(m.UserAgent("sess-1")).NotTo(Equal(first))
}

func TestRotateDiscardsSessions(t *testing.T) {
	g := NewWithT(t)
	m := newTestUAManager(t, 50, 30*time.Minute)

	one := m.UserAgent("sess-1")
	two := m.UserAgent("sess-2")

	m.Rotate("sess-1")
	g.Expect(m.UserAgent("sess-1")).NotTo(Equal(one))
	g.Expect(m.UserAgent("sess-2")).To(Equal(two))

	m.Rotate("")
	g.Expect(m.UserAgent("sess-2")).NotTo(Equal(two))
}

func TestUserAgentPoolEntriesLookLikeBrowsers(t *testing.T) {
	g := NewWithT(t)
	for _, ua := range userAgents {
		g.Expect(ua).To(HavePrefix("Mozilla/5.0"))
	}
}

func TestCookieJarSeededOnFirstUse(t *testing.T) {
	g := NewWithT(t)
	m := NewCookieManager("https://www.mercadolivre.com.br")

	jar := m.Jar("sess-1")
	u, _ := url.Parse("https://www.mercadolivre.com.br/")
	cookies := jar.Cookies(u)

	names := map[string]string{}
	for _, c := range cookies {
		names[c.Name] = c.Value
	}
	g.Expect(names).To(HaveKeyWithValue("ftid", "mercadolivre"))
	g.Expect(names).To(HaveKeyWithValue("orgid", "web"))

	// Same session, same jar.
	g.Expect(m.Jar("sess-1")).To(BeIdenticalTo(jar))
}

func TestCookieReset(t *testing.T) {
	g := NewWithT(t)
	m := NewCookieManager("https://www.mercadolivre.com.br")

	jar := m.Jar("sess-1")
	m.Reset("sess-1")
	g.Expect(m.Jar("sess-1")).NotTo(BeIdenticalTo(jar))

	other := m.Jar("sess-2")
	m.Reset("")
	g.Expect(m.Jar("sess-2")).NotTo(BeIdenticalTo(other))
}
