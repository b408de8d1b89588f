package blockwatch

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/LucasGS520/Market-Suite/internal/config"
	"github.com/LucasGS520/Market-Suite/internal/identity"
	"github.com/LucasGS520/Market-Suite/internal/kv"
	"github.com/LucasGS520/Market-Suite/internal/metrics"
	"github.com/LucasGS520/Market-Suite/internal/throttle"
)

// BrowserFetcher refetches a page with a real browser. Implementations
// run headless with stealth settings and wait for the product title or
// price selector before returning.
type BrowserFetcher interface {
	FetchHTML(ctx context.Context, url, sessionID string) (string, error)
}

// Recovery coordinates the mitigation steps after a detected block.
// Severity climbs with every block until a success resets it, and
// selects the global suspension duration.
type Recovery struct {
	mu       sync.Mutex
	severity int

	ua      *identity.UserAgentManager
	cookies *identity.CookieManager
	delay   *throttle.HumanDelay
	flags   *kv.Flags
	browser BrowserFetcher

	steps          []time.Duration
	prolongFactor  float64
	browserTimeout time.Duration

	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewRecovery builds the recovery manager. browser may be nil, in
// which case the browser fallback step is skipped.
func NewRecovery(
	cfg config.BlockSettings,
	ua *identity.UserAgentManager,
	cookies *identity.CookieManager,
	delay *throttle.HumanDelay,
	flags *kv.Flags,
	browser BrowserFetcher,
	m *metrics.Metrics,
	logger *zap.Logger,
) *Recovery {
	return &Recovery{
		ua:             ua,
		cookies:        cookies,
		delay:          delay,
		flags:          flags,
		browser:        browser,
		steps:          cfg.SuspensionSteps,
		prolongFactor:  cfg.ProlongFactor,
		browserTimeout: cfg.BrowserTimeout,
		metrics:        m,
		logger:         logger.Named("block_recovery"),
	}
}

// HandleBlock applies the mitigation sequence for one detected block:
// rotate the session identity, prolong the humanized delay, try a
// browser refetch for hard blocks, then raise the global suspension
// flag with a duration that escalates with severity. The recovered
// HTML is returned when the browser fallback succeeded.
func (r *Recovery) HandleBlock(ctx context.Context, blockType BlockResult, sessionID, url string) string {
	r.mu.Lock()
	level := SeverityOf(blockType)
	if next := r.severity + 1; next > level {
		r.severity = next
	} else {
		r.severity = level
	}
	severity := r.severity
	r.mu.Unlock()

	log := r.logger.With(
		zap.String("block_type", string(blockType)),
		zap.String("session_id", sessionID),
		zap.Int("severity", severity))
	log.Warn("block_detected")

	r.ua.Rotate(sessionID)
	r.cookies.Reset(sessionID)
	r.delay.Prolong(r.prolongFactor)

	var recovered string
	if (blockType == BlockHTTP403 || blockType == BlockCaptcha) && url != "" && r.browser != nil {
		fetchCtx, cancel := context.WithTimeout(ctx, r.browserTimeout)
		html, err := r.browser.FetchHTML(fetchCtx, url, sessionID)
		cancel()
		if err != nil {
			log.Warn("browser_fallback_failed", zap.String("url", url), zap.Error(err))
		} else {
			recovered = html
			r.metrics.BrowserRecoverySuccessTotal.Inc()
			log.Info("browser_fallback_recovered", zap.String("url", url))
		}
	}

	idx := severity - 1
	if idx > len(r.steps)-1 {
		idx = len(r.steps) - 1
	}
	suspend := r.steps[idx]
	if err := r.flags.SuspendScraping(ctx, suspend); err != nil {
		log.Error("suspend_flag_failed", zap.Error(err))
	}
	log.Warn("scraping_suspended", zap.Duration("duration", suspend))

	return recovered
}

// RecordSuccess resets the severity after a clean fetch.
func (r *Recovery) RecordSuccess() {
	r.mu.Lock()
	r.severity = 0
	r.mu.Unlock()
}

// Severity returns the current severity, visible for tests.
func (r *Recovery) Severity() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.severity
}
