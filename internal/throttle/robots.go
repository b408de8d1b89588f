package throttle

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

var (
	agentRe = regexp.MustCompile(`(?i)^User-agent:\s*(.+)$`)
	delayRe = regexp.MustCompile(`(?i)^Crawl-delay:\s*([0-9]+(?:\.[0-9]+)?)$`)
)

// Robots fetches and caches robots.txt per domain and extracts the
// Crawl-delay directive. Content is cached in Redis for 24h (empty
// content is cached too, so a missing file is not refetched per
// request); concurrent fetches of the same domain are deduplicated.
type Robots struct {
	rdb    *redis.Client
	client *http.Client
	ttl    time.Duration
	logger *zap.Logger
	group  singleflight.Group
}

// NewRobots builds the robots.txt reader.
func NewRobots(rdb *redis.Client, ttl time.Duration, logger *zap.Logger) *Robots {
	return &Robots{
		rdb:    rdb,
		client: &http.Client{Timeout: 5 * time.Second},
		ttl:    ttl,
		logger: logger.Named("robots"),
	}
}

func cacheKey(base string) string { return "robots.txt:content:" + base }

// CrawlDelay returns the Crawl-delay (seconds) declared for the exact
// user agent, falling back to the "*" wildcard. ok is false when no
// directive applies or the file could not be read.
func (r *Robots) CrawlDelay(ctx context.Context, pageURL, userAgent string) (float64, bool) {
	u, err := url.Parse(pageURL)
	if err != nil || u.Host == "" {
		return 0, false
	}
	base := fmt.Sprintf("%s://%s", u.Scheme, u.Host)

	content := r.fetch(ctx, base)
	if content == "" {
		return 0, false
	}

	delays := parseCrawlDelays(content)
	if d, ok := delays[userAgent]; ok {
		return d, true
	}
	if d, ok := delays["*"]; ok {
		return d, true
	}
	return 0, false
}

func (r *Robots) fetch(ctx context.Context, base string) string {
	key := cacheKey(base)
	if cached, err := r.rdb.Get(ctx, key).Result(); err == nil {
		return cached
	}

	v, _, _ := r.group.Do(base, func() (any, error) {
		content := ""
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/robots.txt", nil)
		if err == nil {
			resp, err := r.client.Do(req)
			if err != nil {
				r.logger.Warn("robots_fetch_failed", zap.String("base", base), zap.Error(err))
			} else {
				if resp.StatusCode == http.StatusOK {
					body, _ := io.ReadAll(io.LimitReader(resp.Body, 512*1024))
					content = string(body)
				}
				resp.Body.Close()
			}
		}
		if err := r.rdb.Set(ctx, key, content, r.ttl).Err(); err != nil {
			r.logger.Warn("robots_cache_write_failed", zap.String("base", base), zap.Error(err))
		}
		return content, nil
	})
	return v.(string)
}

// parseCrawlDelays extracts per-agent Crawl-delay values. The delay
// line applies to the most recent User-agent block above it.
func parseCrawlDelays(content string) map[string]float64 {
	delays := map[string]float64{}
	var currentAgents []string

	for _, raw := range strings.Split(content, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if m := agentRe.FindStringSubmatch(line); m != nil {
			currentAgents = []string{strings.TrimSpace(m[1])}
			continue
		}
		if m := delayRe.FindStringSubmatch(line); m != nil && len(currentAgents) > 0 {
			d, err := strconv.ParseFloat(m[1], 64)
			if err != nil {
				continue
			}
			for _, agent := range currentAgents {
				delays[agent] = d
			}
		}
	}
	return delays
}
