// alertd is the alert service: API, beat dispatcher, worker pools,
// comparison engine and notification fan-out.
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
	"golang.org/x/sync/errgroup"

	"github.com/LucasGS520/Market-Suite/internal/alerts"
	"github.com/LucasGS520/Market-Suite/internal/api"
	"github.com/LucasGS520/Market-Suite/internal/audit"
	"github.com/LucasGS520/Market-Suite/internal/breaker"
	"github.com/LucasGS520/Market-Suite/internal/cache"
	"github.com/LucasGS520/Market-Suite/internal/config"
	"github.com/LucasGS520/Market-Suite/internal/kv"
	"github.com/LucasGS520/Market-Suite/internal/metrics"
	"github.com/LucasGS520/Market-Suite/internal/queue"
	"github.com/LucasGS520/Market-Suite/internal/scheduler"
	"github.com/LucasGS520/Market-Suite/internal/scrape"
	"github.com/LucasGS520/Market-Suite/internal/store"
	"github.com/LucasGS520/Market-Suite/internal/tasks"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(logger); err != nil {
		logger.Fatal("alertd exited", zap.Error(err))
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

	db, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	m := metrics.New(prometheus.NewRegistry())
	flags := kv.NewFlags(rdb, m)
	auditLog := audit.New(cfg.AuditDir, m, logger)
	contentCache := cache.New(rdb, cfg.Cache, m, logger)
	sched := scheduler.New(rdb, cfg.Scheduler, m, logger)

	monitoredLimiter := kv.NewRateLimiter(rdb, "rate:monitored", cfg.Dispatch.MonitoredPerHour, time.Hour, m)
	competitorLimiter := kv.NewRateLimiter(rdb, "rate:competitor", cfg.Dispatch.CompetitorPerHour, time.Hour, m)

	scraperClient := scrape.NewClient(cfg.ScraperBaseURL, cfg.ScraperTimeout, m, logger)
	notifier := alerts.NewManager(db, nil, cfg.Alerts, m, logger)

	q := queue.New(rdb, m, logger)
	handlers := tasks.NewHandlers(db, rdb, q, sched, scraperClient, notifier, flags,
		contentCache, monitoredLimiter, competitorLimiter, auditLog, cfg, m, logger)

	scrapingWorker := queue.NewWorker(q, queue.LaneScraping, cfg.Queue.ScrapingConcurrency, cfg.Queue, m, logger)
	// Monitor tasks only touch Redis and Postgres, so they retry sooner.
	monitorCfg := cfg.Queue
	monitorCfg.RetryDelay = 10 * time.Second
	monitorWorker := queue.NewWorker(q, queue.LaneMonitor, cfg.Queue.MonitorConcurrency, monitorCfg, m, logger)
	handlers.Register(scrapingWorker, monitorWorker)

	cb := breaker.New(rdb, cfg.CircuitLevels, cfg.Alerts.SlackWebhookURL, m, logger)
	beat := tasks.NewBeat(handlers, cb, cfg.Dispatch)
	stopBeat, err := beat.Start(ctx)
	if err != nil {
		return err
	}
	defer stopBeat()

	guard := kv.NewBruteForceGuard(rdb, cfg.BruteForceLimit, cfg.BruteForceWindow)
	server := &http.Server{
		Addr:              cfg.AlertListenAddr,
		Handler:           api.NewAlertRouter(db, rdb, m, guard, logger),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return scrapingWorker.Run(gctx) })
	g.Go(func() error { return monitorWorker.Run(gctx) })
	g.Go(func() error {
		logger.Info("alertd listening", zap.String("addr", cfg.AlertListenAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
