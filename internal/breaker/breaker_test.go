package breaker

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	. "github.com/onsi/gomega"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/LucasGS520/Market-Suite/internal/config"
	"github.com/LucasGS520/Market-Suite/internal/metrics"
)

func testLevels() []config.CircuitLevel {
	return []config.CircuitLevel{
		{Threshold: 3, Suspend: 5 * time.Minute},
		{Threshold: 10, Suspend: 30 * time.Minute},
		{Threshold: 25, Suspend: 120 * time.Minute},
	}
}

func newTestBreaker(t *testing.T) (*CircuitBreaker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return New(rdb, testLevels(), "", metrics.NewTest(), zap.NewNop()), mr
}

func fail(cb *CircuitBreaker, key string, times int) {
	for i := 0; i < times; i++ {
		cb.RecordFailure(context.Background(), key)
	}
}

func TestCircuitStaysClosedBelowThreshold(t *testing.T) {
	g := NewWithT(t)
	cb, _ := newTestBreaker(t)
	ctx := context.Background()

	g.Expect(cb.AllowRequest(ctx, "scraper:example.com")).To(BeTrue())
	fail(cb, "scraper:example.com", 2)
	g.Expect(cb.AllowRequest(ctx, "scraper:example.com")).To(BeTrue())
}

func TestCircuitOpensAtFirstLevel(t *testing.T) {
	g := NewWithT(t)
	cb, mr := newTestBreaker(t)
	ctx := context.Background()

	fail(cb, "scraper:example.com", 3)
	g.Expect(cb.AllowRequest(ctx, "scraper:example.com")).To(BeFalse())
	g.Expect(mr.TTL("scraper:example.com:suspend")).To(Equal(5 * time.Minute))
}

func TestCircuitEscalatesPerLevel(t *testing.T) {
	g := NewWithT(t)
	cb, mr := newTestBreaker(t)

	fail(cb, "scraper:example.com", 10)
	g.Expect(mr.TTL("scraper:example.com:suspend")).To(Equal(30 * time.Minute))

	// The top level reuses the previous level's suspension.
	fail(cb, "scraper:example.com", 15)
	g.Expect(mr.TTL("scraper:example.com:suspend")).To(Equal(30 * time.Minute))
}

func TestCircuitFailureCounterExpiry(t *testing.T) {
	g := NewWithT(t)
	cb, mr := newTestBreaker(t)

	fail(cb, "scraper:example.com", 1)
	// Counter lifetime is pinned to the longest configured suspend.
	g.Expect(mr.TTL("scraper:example.com:failures")).To(Equal(120 * time.Minute))
}

func TestCircuitClosesOnSuccess(t *testing.T) {
	g := NewWithT(t)
	cb, mr := newTestBreaker(t)
	ctx := context.Background()

	fail(cb, "scraper:example.com", 3)
	g.Expect(cb.AllowRequest(ctx, "scraper:example.com")).To(BeFalse())

	cb.RecordSuccess(ctx, "scraper:example.com")
	g.Expect(cb.AllowRequest(ctx, "scraper:example.com")).To(BeTrue())
	g.Expect(mr.Exists("scraper:example.com:failures")).To(BeFalse())

	// Counter restarts from zero after a success.
	fail(cb, "scraper:example.com", 2)
	g.Expect(cb.AllowRequest(ctx, "scraper:example.com")).To(BeTrue())
}

func TestCircuitKeysAreIndependent(t *testing.T) {
	g := NewWithT(t)
	cb, _ := newTestBreaker(t)
	ctx := context.Background()

	fail(cb, "scraper:a.example.com", 3)
	g.Expect(cb.AllowRequest(ctx, "scraper:a.example.com")).To(BeFalse())
	g.Expect(cb.AllowRequest(ctx, "scraper:b.example.com")).To(BeTrue())
}
