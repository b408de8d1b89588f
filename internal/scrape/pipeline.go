package scrape

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/LucasGS520/Market-Suite/internal/audit"
	"github.com/LucasGS520/Market-Suite/internal/blockwatch"
	"github.com/LucasGS520/Market-Suite/internal/breaker"
	"github.com/LucasGS520/Market-Suite/internal/cache"
	"github.com/LucasGS520/Market-Suite/internal/identity"
	"github.com/LucasGS520/Market-Suite/internal/kv"
	"github.com/LucasGS520/Market-Suite/internal/metrics"
	"github.com/LucasGS520/Market-Suite/internal/taskerr"
	"github.com/LucasGS520/Market-Suite/internal/throttle"
)

// Pipeline is the scraper service's fetch path: protection stack in
// front, block handling around the request, cache and parser behind.
type Pipeline struct {
	robots   *throttle.Robots
	bucket   *throttle.Bucket
	human    *throttle.HumanDelay
	breaker  *breaker.CircuitBreaker
	flags    *kv.Flags
	ua       *identity.UserAgentManager
	cookies  *identity.CookieManager
	cache    *cache.Cache
	recovery *blockwatch.Recovery
	parser   Parser
	audit    *audit.Logger
	metrics  *metrics.Metrics
	logger   *zap.Logger

	timeout time.Duration
}

// NewPipeline wires the fetch path. Every dependency is required
// except recovery, which may be nil in tests.
func NewPipeline(
	robots *throttle.Robots,
	bucket *throttle.Bucket,
	human *throttle.HumanDelay,
	cb *breaker.CircuitBreaker,
	flags *kv.Flags,
	ua *identity.UserAgentManager,
	cookies *identity.CookieManager,
	contentCache *cache.Cache,
	recovery *blockwatch.Recovery,
	parser Parser,
	auditLog *audit.Logger,
	m *metrics.Metrics,
	logger *zap.Logger,
	timeout time.Duration,
) *Pipeline {
	return &Pipeline{
		robots:   robots,
		bucket:   bucket,
		human:    human,
		breaker:  cb,
		flags:    flags,
		ua:       ua,
		cookies:  cookies,
		cache:    contentCache,
		recovery: recovery,
		parser:   parser,
		audit:    auditLog,
		metrics:  m,
		logger:   logger.Named("pipeline"),
		timeout:  timeout,
	}
}

// circuitKeyFor scopes circuit state per host.
func circuitKeyFor(pageURL string) string {
	u, err := url.Parse(pageURL)
	if err != nil || u.Host == "" {
		return "scraper:unknown"
	}
	return "scraper:" + u.Host
}

// Collect fetches, parses and caches one product page. The boolean is
// true when the parsed data came from an unchanged cache entry.
func (p *Pipeline) Collect(ctx context.Context, pageURL string, productType ProductType, sessionID string) (*ProductData, bool, error) {
	start := time.Now()
	p.metrics.ScraperInFlight.Inc()
	defer func() {
		p.metrics.ScraperInFlight.Dec()
		p.metrics.ScrapingLatencySeconds.WithLabelValues(string(productType)).Observe(time.Since(start).Seconds())
	}()

	if p.flags.IsScrapingSuspended(ctx) {
		return nil, false, taskerr.Newf(taskerr.Blocked, "scraping globally suspended")
	}

	circuitKey := circuitKeyFor(pageURL)
	if !p.breaker.AllowRequest(ctx, circuitKey) {
		return nil, false, taskerr.Newf(taskerr.Blocked, "circuit open for %s", circuitKey)
	}

	userAgent := p.ua.UserAgent(sessionID)

	// A robots.txt Crawl-delay re-centers the bucket jitter around the
	// requested pause for this one request.
	if delay, ok := p.robots.CrawlDelay(ctx, pageURL, userAgent); ok && delay > 0 {
		if err := p.bucket.WaitWithJitter(ctx, circuitKey, string(productType), delay*0.5, delay*1.5); err != nil {
			return nil, false, err
		}
	} else if err := p.bucket.Wait(ctx, circuitKey, string(productType)); err != nil {
		return nil, false, err
	}

	// Pause like a person about to open the page.
	if err := p.human.Wait(ctx, "", 0); err != nil {
		return nil, false, err
	}

	htmlBody, etag, err := p.fetch(ctx, pageURL, sessionID, userAgent, circuitKey)
	if err != nil {
		p.audit.Write(audit.Record{Stage: audit.StageError, URL: pageURL, Error: err.Error()})
		return nil, false, err
	}
	p.audit.Write(audit.Record{Stage: audit.StageGet, URL: pageURL, HTMLLength: len(htmlBody)})

	// Reading pause proportional to the page keeps the pace humanlike.
	if err := p.human.Wait(ctx, htmlBody[:min(len(htmlBody), 4096)], 0.5); err != nil {
		return nil, false, err
	}

	hash := cache.HashContent(htmlBody)
	if entry, cacheErr := p.cache.Get(ctx, pageURL); cacheErr == nil && entry != nil && entry.Hash == hash {
		var data ProductData
		if err := json.Unmarshal(entry.Data, &data); err == nil {
			p.cache.RecordHit()
			p.audit.Write(audit.Record{Stage: audit.StageCache, URL: pageURL, Details: map[string]any{"multiplier": entry.Multiplier}})
			// Refresh the entry so the multiplier grows on repeats.
			if err := p.cache.Set(ctx, pageURL, entry.Data, htmlBody, etag); err != nil {
				p.logger.Warn("cache_refresh_failed", zap.String("url", pageURL), zap.Error(err))
			}
			return &data, true, nil
		}
	}
	p.cache.RecordMiss()

	data, err := p.parser.Parse(ctx, pageURL, htmlBody)
	if err != nil {
		p.audit.Write(audit.Record{Stage: audit.StageParser, URL: pageURL, HTMLLength: len(htmlBody), Error: err.Error()})
		return nil, false, err
	}
	payload, _ := json.Marshal(data)
	p.audit.Write(audit.Record{Stage: audit.StageParser, URL: pageURL, HTMLLength: len(htmlBody), Payload: payload})

	if err := p.cache.Set(ctx, pageURL, payload, htmlBody, etag); err != nil {
		p.logger.Warn("cache_store_failed", zap.String("url", pageURL), zap.Error(err))
	}

	p.breaker.RecordSuccess(ctx, circuitKey)
	if p.recovery != nil {
		p.recovery.RecordSuccess()
	}
	return data, false, nil
}

// fetch performs the HTTP GET with the session identity and runs
// block detection on the response. A recovered block yields the
// browser-fetched HTML instead of an error.
func (p *Pipeline) fetch(ctx context.Context, pageURL, sessionID, userAgent, circuitKey string) (string, string, error) {
	client := &http.Client{
		Timeout: p.timeout,
		Jar:     p.cookies.Jar(sessionID),
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return "", "", taskerr.New(taskerr.InvalidInput, err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept-Language", "pt-BR,pt;q=0.9")

	resp, err := client.Do(req)
	if err != nil {
		p.breaker.RecordFailure(ctx, circuitKey)
		p.metrics.ScraperHeadFailures.Inc()
		return "", "", taskerr.New(taskerr.TransientRemote, fmt.Errorf("fetch %s: %w", pageURL, err))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		p.breaker.RecordFailure(ctx, circuitKey)
		return "", "", taskerr.New(taskerr.TransientRemote, fmt.Errorf("read %s: %w", pageURL, err))
	}
	body := string(raw)
	etag := resp.Header.Get("ETag")

	block := blockwatch.Detect(resp.StatusCode, body)
	if block != blockwatch.BlockOK {
		p.breaker.RecordFailure(ctx, circuitKey)

		var recovered string
		if p.recovery != nil {
			recovered = p.recovery.HandleBlock(ctx, block, sessionID, pageURL)
		}
		if recovered != "" {
			stage := audit.StageBlockRecovered
			if block == blockwatch.BlockCaptcha {
				stage = audit.StageCaptchaRecovered
			}
			p.audit.Write(audit.Record{Stage: stage, URL: pageURL, HTMLLength: len(recovered)})
			return recovered, "", nil
		}

		te := taskerr.WithStatus(taskerr.Blocked, resp.StatusCode, fmt.Errorf("blocked (%s) at %s", block, pageURL))
		if block == blockwatch.BlockHTTP429 {
			te.RetryAfter = ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
		}
		return "", "", te
	}

	if resp.StatusCode >= 500 {
		p.breaker.RecordFailure(ctx, circuitKey)
		return "", "", taskerr.WithStatus(taskerr.TransientRemote, resp.StatusCode, fmt.Errorf("status %d at %s", resp.StatusCode, pageURL))
	}
	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone {
		return "", "", taskerr.WithStatus(taskerr.NotProductPage, resp.StatusCode, fmt.Errorf("listing gone at %s", pageURL))
	}
	if resp.StatusCode != http.StatusOK {
		return "", "", taskerr.WithStatus(taskerr.TransientRemote, resp.StatusCode, fmt.Errorf("status %d at %s", resp.StatusCode, pageURL))
	}
	return body, etag, nil
}
