package kv

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	. "github.com/onsi/gomega"
	"github.com/redis/go-redis/v9"

	"github.com/LucasGS520/Market-Suite/internal/metrics"
)

func newTestRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return rdb, mr
}

func TestNewClientParsesURL(t *testing.T) {
	g := NewWithT(t)

	rdb, err := NewClient("redis://localhost:6379/2")
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(rdb.Options().DB).To(Equal(2))
	rdb.Close()

	_, err = NewClient("not a url")
	g.Expect(err).To(HaveOccurred())
}

func TestSuspensionFlag(t *testing.T) {
	g := NewWithT(t)
	rdb, mr := newTestRedis(t)
	flags := NewFlags(rdb, metrics.NewTest())
	ctx := context.Background()

	g.Expect(flags.IsScrapingSuspended(ctx)).To(BeFalse())

	g.Expect(flags.SuspendScraping(ctx, 5*time.Minute)).To(Succeed())
	g.Expect(flags.IsScrapingSuspended(ctx)).To(BeTrue())
	g.Expect(mr.TTL(SuspendedKey)).To(Equal(5 * time.Minute))

	g.Expect(flags.ResumeScraping(ctx)).To(Succeed())
	g.Expect(flags.IsScrapingSuspended(ctx)).To(BeFalse())

	// Expiry clears the flag without an explicit resume.
	g.Expect(flags.SuspendScraping(ctx, time.Minute)).To(Succeed())
	mr.FastForward(2 * time.Minute)
	g.Expect(flags.IsScrapingSuspended(ctx)).To(BeFalse())
}

func TestHeartbeatRoundTrip(t *testing.T) {
	g := NewWithT(t)
	rdb, _ := newTestRedis(t)
	ctx := context.Background()

	_, ok := HeartbeatLag(ctx, rdb, HeartbeatScraping)
	g.Expect(ok).To(BeFalse())

	g.Expect(Heartbeat(ctx, rdb, HeartbeatScraping)).To(Succeed())
	lag, ok := HeartbeatLag(ctx, rdb, HeartbeatScraping)
	g.Expect(ok).To(BeTrue())
	g.Expect(lag).To(BeNumerically("<", time.Minute))
}

func TestHeartbeatLagUnparsable(t *testing.T) {
	g := NewWithT(t)
	rdb, mr := newTestRedis(t)

	mr.Set(HeartbeatSuccess, "not a timestamp")
	_, ok := HeartbeatLag(context.Background(), rdb, HeartbeatSuccess)
	g.Expect(ok).To(BeFalse())
}

func TestRateLimiterWindow(t *testing.T) {
	g := NewWithT(t)
	rdb, mr := newTestRedis(t)
	limiter := NewRateLimiter(rdb, "rate:test", 3, time.Minute, metrics.NewTest())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		g.Expect(limiter.Allow(ctx, "")).To(BeTrue(), "request %d", i)
	}
	g.Expect(limiter.Allow(ctx, "")).To(BeFalse())

	n, err := limiter.Count(ctx, "")
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(n).To(Equal(4))

	// The set carries a PEXPIRE of one window, so an idle limiter
	// resets itself.
	mr.FastForward(2 * time.Minute)
	g.Expect(limiter.Allow(ctx, "")).To(BeTrue())
}

func TestRateLimiterIdentifiersAreIndependent(t *testing.T) {
	g := NewWithT(t)
	rdb, _ := newTestRedis(t)
	limiter := NewRateLimiter(rdb, "rate:test", 1, time.Minute, metrics.NewTest())
	ctx := context.Background()

	g.Expect(limiter.Allow(ctx, "user-a")).To(BeTrue())
	g.Expect(limiter.Allow(ctx, "user-a")).To(BeFalse())
	g.Expect(limiter.Allow(ctx, "user-b")).To(BeTrue())
}

func TestRateLimiterReset(t *testing.T) {
	g := NewWithT(t)
	rdb, _ := newTestRedis(t)
	limiter := NewRateLimiter(rdb, "rate:test", 1, time.Minute, metrics.NewTest())
	ctx := context.Background()

	g.Expect(limiter.Allow(ctx, "")).To(BeTrue())
	g.Expect(limiter.Allow(ctx, "")).To(BeFalse())
	g.Expect(limiter.Reset(ctx, "")).To(Succeed())
	g.Expect(limiter.Allow(ctx, "")).To(BeTrue())
}

func TestBruteForceGuard(t *testing.T) {
	g := NewWithT(t)
	rdb, mr := newTestRedis(t)
	guard := NewBruteForceGuard(rdb, 3, 15*time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		g.Expect(guard.Allow(ctx, "10.0.0.1")).To(BeTrue(), "attempt %d", i)
	}
	g.Expect(guard.Allow(ctx, "10.0.0.1")).To(BeFalse())
	g.Expect(guard.Allow(ctx, "10.0.0.2")).To(BeTrue())
	g.Expect(mr.TTL("bf:10.0.0.1")).To(Equal(15 * time.Minute))

	guard.Reset(ctx, "10.0.0.1")
	g.Expect(guard.Allow(ctx, "10.0.0.1")).To(BeTrue())
}
