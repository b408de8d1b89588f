// scraperd is the scraper service: the anti-blocking fetch pipeline
// behind POST /scraper/parse.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/LucasGS520/Market-Suite/internal/api"
	"github.com/LucasGS520/Market-Suite/internal/audit"
	"github.com/LucasGS520/Market-Suite/internal/blockwatch"
	"github.com/LucasGS520/Market-Suite/internal/breaker"
	"github.com/LucasGS520/Market-Suite/internal/cache"
	"github.com/LucasGS520/Market-Suite/internal/config"
	"github.com/LucasGS520/Market-Suite/internal/identity"
	"github.com/LucasGS520/Market-Suite/internal/kv"
	"github.com/LucasGS520/Market-Suite/internal/metrics"
	"github.com/LucasGS520/Market-Suite/internal/scrape"
	"github.com/LucasGS520/Market-Suite/internal/throttle"
)

const marketplaceBase = "https://www.mercadolivre.com.br"

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(logger); err != nil {
		logger.Fatal("scraperd exited", zap.Error(err))
	}
}

func run(logger *zap.Logger) error {
	cfg, err := config.Load("")
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rdb, err := kv.NewClient(cfg.RedisURL)
	if err != nil {
		return err
	}
	defer rdb.Close()

	m := metrics.New(prometheus.NewRegistry())
	flags := kv.NewFlags(rdb, m)
	auditLog := audit.New(cfg.AuditDir, m, logger)

	cb := breaker.New(rdb, cfg.CircuitLevels, cfg.Alerts.SlackWebhookURL, m, logger)
	scraperLimiter := kv.NewRateLimiter(rdb, "rate:scraper", 10, time.Minute, m)
	bucket := throttle.NewBucket(cfg.Throttle, cb, scraperLimiter, m, logger)
	human := throttle.NewHumanDelay(cfg.Human)
	robots := throttle.NewRobots(rdb, cfg.RobotsCacheTTL, logger)

	ua := identity.NewUserAgentManager(50, 30*time.Minute)
	cookies := identity.NewCookieManager(marketplaceBase)
	browser := blockwatch.NewHTTPBrowser(ua)
	recovery := blockwatch.NewRecovery(cfg.Block, ua, cookies, human, flags, browser, m, logger)

	contentCache := cache.New(rdb, cfg.Cache, m, logger)
	pipeline := scrape.NewPipeline(robots, bucket, human, cb, flags, ua, cookies,
		contentCache, recovery, scrape.NewMarketplaceParser(), auditLog, m, logger,
		cfg.ScraperTimeout)

	guard := kv.NewBruteForceGuard(rdb, cfg.BruteForceLimit, cfg.BruteForceWindow)
	server := &http.Server{
		Addr:              cfg.ScraperListenAddr,
		Handler:           api.NewScraperRouter(pipeline, rdb, m, guard, logger),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("scraperd listening", zap.String("addr", cfg.ScraperListenAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
