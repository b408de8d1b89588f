package scrape

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	. "github.com/onsi/gomega"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/LucasGS520/Market-Suite/internal/audit"
	"github.com/LucasGS520/Market-Suite/internal/breaker"
	"github.com/LucasGS520/Market-Suite/internal/cache"
	"github.com/LucasGS520/Market-Suite/internal/config"
	"github.com/LucasGS520/Market-Suite/internal/identity"
	"github.com/LucasGS520/Market-Suite/internal/kv"
	"github.com/LucasGS520/Market-Suite/internal/metrics"
	"github.com/LucasGS520/Market-Suite/internal/taskerr"
	"github.com/LucasGS520/Market-Suite/internal/throttle"
)

// newTestPipeline builds a pipeline with every delay zeroed so tests
// run at full speed.
func newTestPipeline(t *testing.T) (*Pipeline, *kv.Flags, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	m := metrics.NewTest()
	logger := zap.NewNop()
	flags := kv.NewFlags(rdb, m)
	cb := breaker.New(rdb, []config.CircuitLevel{{Threshold: 3, Suspend: 5 * time.Minute}}, "", m, logger)
	bucket := throttle.NewBucket(config.ThrottleSettings{
		Rate: 1000, Capacity: 1000, JitterMin: 0, JitterMax: 0, MinRate: 1, DecreaseFactor: 1,
	}, cb, nil, m, logger)
	human := throttle.NewHumanDelay(config.HumanSettings{AvgWPM: 1e9, BaseDelay: 0, FatigueMin: 0, FatigueMax: 0})
	robots := throttle.NewRobots(rdb, 24*time.Hour, logger)
	ua := identity.NewUserAgentManager(50, 30*time.Minute)
	cookies := identity.NewCookieManager("https://www.mercadolivre.com.br")
	contentCache := cache.New(rdb, config.CacheSettings{BaseTTL: time.Hour, MaxMultiplier: 5}, m, logger)
	auditLog := audit.New(t.TempDir(), m, logger)

	p := NewPipeline(robots, bucket, human, cb, flags, ua, cookies,
		contentCache, nil, NewMarketplaceParser(), auditLog, m, logger, 5*time.Second)
	return p, flags, mr
}

func TestPipelineCollectAndCacheHit(t *testing.T) {
	g := NewWithT(t)
	p, _, _ := newTestPipeline(t)

	var fetches atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			http.NotFound(w, r)
			return
		}
		fetches.Add(1)
		w.Write([]byte(productPageHTML))
	}))
	defer srv.Close()
	ctx := context.Background()

	data, cached, err := p.Collect(ctx, srv.URL+"/produto", ProductMonitored, "sess-1")
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(cached).To(BeFalse())
	g.Expect(data.Name).To(Equal("Notebook Gamer Acer Nitro 5"))
	g.Expect(fetches.Load()).To(Equal(int32(1)))

	// Same content again: parsed data comes from the cache entry.
	data, cached, err = p.Collect(ctx, srv.URL+"/produto", ProductMonitored, "sess-1")
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(cached).To(BeTrue())
	g.Expect(data.Name).To(Equal("Notebook Gamer Acer Nitro 5"))
	g.Expect(fetches.Load()).To(Equal(int32(2)))
}

func TestPipelineSuspendedShortCircuits(t *testing.T) {
	g := NewWithT(t)
	p, flags, _ := newTestPipeline(t)
	ctx := context.Background()

	g.Expect(flags.SuspendScraping(ctx, time.Minute)).To(Succeed())
	_, _, err := p.Collect(ctx, "https://example.com/p", ProductMonitored, "sess-1")
	g.Expect(taskerr.KindOf(err)).To(Equal(taskerr.Blocked))
}

func TestPipelineBlockedResponseWithoutRecovery(t *testing.T) {
	g := NewWithT(t)
	p, _, _ := newTestPipeline(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Retry-After", "60")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, _, err := p.Collect(context.Background(), srv.URL+"/produto", ProductMonitored, "sess-1")
	g.Expect(taskerr.KindOf(err)).To(Equal(taskerr.Blocked))
	g.Expect(taskerr.RetryAfterOf(err)).To(Equal(time.Minute))
}

func TestPipelineCircuitOpensAfterRepeatedBlocks(t *testing.T) {
	g := NewWithT(t)
	p, _, _ := newTestPipeline(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			http.NotFound(w, r)
			return
		}
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, _, err := p.Collect(ctx, srv.URL+"/produto", ProductMonitored, "sess-1")
		g.Expect(taskerr.KindOf(err)).To(Equal(taskerr.Blocked), "fetch %d", i)
	}

	// The host circuit is now open; the request never leaves.
	_, _, err := p.Collect(ctx, srv.URL+"/produto", ProductMonitored, "sess-1")
	g.Expect(err).To(MatchError(ContainSubstring("circuit open")))
}

func TestPipelineWaitsBeforeFetching(t *testing.T) {
	g := NewWithT(t)
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	m := metrics.NewTest()
	logger := zap.NewNop()
	flags := kv.NewFlags(rdb, m)
	cb := breaker.New(rdb, []config.CircuitLevel{{Threshold: 3, Suspend: 5 * time.Minute}}, "", m, logger)
	bucket := throttle.NewBucket(config.ThrottleSettings{
		Rate: 1000, Capacity: 1000, JitterMin: 0, JitterMax: 0, MinRate: 1, DecreaseFactor: 1,
	}, cb, nil, m, logger)
	// A fixed 150 ms base delay with no fatigue spread makes the
	// pre-fetch pause observable at the server.
	human := throttle.NewHumanDelay(config.HumanSettings{AvgWPM: 1e9, BaseDelay: 0.15, FatigueMin: 1, FatigueMax: 1})
	robots := throttle.NewRobots(rdb, 24*time.Hour, logger)
	ua := identity.NewUserAgentManager(50, 30*time.Minute)
	cookies := identity.NewCookieManager("https://www.mercadolivre.com.br")
	contentCache := cache.New(rdb, config.CacheSettings{BaseTTL: time.Hour, MaxMultiplier: 5}, m, logger)
	auditLog := audit.New(t.TempDir(), m, logger)

	p := NewPipeline(robots, bucket, human, cb, flags, ua, cookies,
		contentCache, nil, NewMarketplaceParser(), auditLog, m, logger, 5*time.Second)

	var fetchDelay time.Duration
	start := time.Now()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			http.NotFound(w, r)
			return
		}
		fetchDelay = time.Since(start)
		w.Write([]byte(productPageHTML))
	}))
	defer srv.Close()

	_, _, err := p.Collect(context.Background(), srv.URL+"/produto", ProductMonitored, "sess-1")
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(fetchDelay).To(BeNumerically(">=", 100*time.Millisecond))
}

func TestPipelineListingGone(t *testing.T) {
	g := NewWithT(t)
	p, _, _ := newTestPipeline(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	_, _, err := p.Collect(context.Background(), srv.URL+"/produto", ProductMonitored, "sess-1")
	g.Expect(taskerr.KindOf(err)).To(Equal(taskerr.NotProductPage))
}
