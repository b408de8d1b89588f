package scrape

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/LucasGS520/Market-Suite/internal/metrics"
	"github.com/LucasGS520/Market-Suite/internal/taskerr"
)

// Client calls the scraper service's parse endpoint. Calls run behind
// a circuit breaker so a dead scraper fails fast instead of tying up
// worker slots for the full timeout.
type Client struct {
	baseURL string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// parseRequest is the wire request of POST /scraper/parse.
type parseRequest struct {
	URL         string `json:"url"`
	ProductType string `json:"product_type"`
}

// errorResponse carries the detail string of a non-2xx reply.
type errorResponse struct {
	Detail string `json:"detail"`
}

// NewClient builds the scraper client. The breaker trips after five
// consecutive failures and probes again after thirty seconds.
func NewClient(baseURL string, timeout time.Duration, m *metrics.Metrics, logger *zap.Logger) *Client {
	log := logger.Named("scraper_client")
	settings := gobreaker.Settings{
		Name:    "scraper",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			m.CircuitStateChangesTotal.WithLabelValues(to.String()).Inc()
			for _, state := range []gobreaker.State{gobreaker.StateClosed, gobreaker.StateHalfOpen, gobreaker.StateOpen} {
				v := 0.0
				if state == to {
					v = 1.0
				}
				m.CircuitOpen.WithLabelValues(state.String()).Set(v)
			}
			log.Warn("circuit_state_change", zap.String("from", from.String()), zap.String("to", to.String()))
		},
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		breaker: gobreaker.NewCircuitBreaker(settings),
		metrics: m,
		logger:  log,
	}
}

// Parse requests a fetch-and-parse of url from the scraper service.
func (c *Client) Parse(ctx context.Context, url string, productType ProductType) (*ProductData, error) {
	start := time.Now()
	c.metrics.ScraperInFlight.Inc()
	defer func() {
		c.metrics.ScraperInFlight.Dec()
		c.metrics.ScrapingLatencySeconds.WithLabelValues("scraper_service").Observe(time.Since(start).Seconds())
	}()

	result, err := c.breaker.Execute(func() (any, error) {
		return c.doParse(ctx, url, productType)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, taskerr.New(taskerr.DependencyUnavailable, err)
		}
		return nil, err
	}
	return result.(*ProductData), nil
}

func (c *Client) doParse(ctx context.Context, url string, productType ProductType) (*ProductData, error) {
	payload, err := json.Marshal(parseRequest{URL: url, ProductType: string(productType)})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/scraper/parse", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		c.metrics.ScraperHeadFailures.Inc()
		return nil, taskerr.New(taskerr.TransientRemote, fmt.Errorf("scraper request: %w", err))
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, taskerr.New(taskerr.TransientRemote, fmt.Errorf("scraper response: %w", err))
	}

	if resp.StatusCode != http.StatusOK {
		return nil, c.classifyError(resp, raw)
	}

	var data ProductData
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, taskerr.New(taskerr.ParsingFailed, fmt.Errorf("scraper payload: %w", err))
	}
	if err := data.Validate(); err != nil {
		return nil, taskerr.New(taskerr.ParsingFailed, err)
	}
	data.Cached = resp.Header.Get("X-Cache") == "hit"
	return &data, nil
}

// classifyError maps a non-2xx scraper reply onto the task error
// taxonomy so the worker retries only what is worth retrying.
func (c *Client) classifyError(resp *http.Response, raw []byte) error {
	var detail errorResponse
	json.Unmarshal(raw, &detail)
	msg := detail.Detail
	if msg == "" {
		msg = strings.TrimSpace(string(raw))
	}
	err := fmt.Errorf("scraper status %d: %s", resp.StatusCode, msg)

	switch {
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode == http.StatusForbidden:
		te := taskerr.WithStatus(taskerr.Blocked, resp.StatusCode, err)
		te.RetryAfter = ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
		return te
	case resp.StatusCode == http.StatusUnprocessableEntity:
		return taskerr.WithStatus(taskerr.NotProductPage, resp.StatusCode, err)
	case resp.StatusCode >= 500:
		c.metrics.ScraperHeadFailures.Inc()
		return taskerr.WithStatus(taskerr.TransientRemote, resp.StatusCode, err)
	case resp.StatusCode >= 400:
		return taskerr.WithStatus(taskerr.InvalidInput, resp.StatusCode, err)
	}
	return err
}
