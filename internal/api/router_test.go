package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	. "github.com/onsi/gomega"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/LucasGS520/Market-Suite/internal/kv"
	"github.com/LucasGS520/Market-Suite/internal/metrics"
	"github.com/LucasGS520/Market-Suite/internal/taskerr"
)

func newTestRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return rdb, mr
}

func TestHealthOK(t *testing.T) {
	g := NewWithT(t)
	rdb, _ := newTestRedis(t)
	ctx := context.Background()

	g.Expect(kv.Heartbeat(ctx, rdb, kv.HeartbeatSuccess)).To(Succeed())

	h := NewHealth(nil, rdb, zap.NewNop())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/", nil))

	g.Expect(rec.Code).To(Equal(http.StatusOK))
	var resp healthResponse
	g.Expect(json.Unmarshal(rec.Body.Bytes(), &resp)).To(Succeed())
	g.Expect(resp.Overall).To(Equal("ok"))
	g.Expect(resp.Redis).To(Equal("ok"))
	g.Expect(resp.Beat).To(Equal("ok"))
}

func TestHealthStaleBeat(t *testing.T) {
	g := NewWithT(t)
	rdb, _ := newTestRedis(t)
	ctx := context.Background()

	// A heartbeat older than the allowed lag marks the beat unhealthy.
	stale := time.Now().UTC().Add(-10 * time.Minute).Format(time.RFC3339Nano)
	g.Expect(rdb.Set(ctx, kv.HeartbeatSuccess, stale, 0).Err()).To(Succeed())

	h := NewHealth(nil, rdb, zap.NewNop())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/", nil))

	g.Expect(rec.Code).To(Equal(http.StatusServiceUnavailable))
	var resp healthResponse
	g.Expect(json.Unmarshal(rec.Body.Bytes(), &resp)).To(Succeed())
	g.Expect(resp.Overall).To(Equal("error"))
	g.Expect(resp.Beat).To(Equal("error"))
	g.Expect(resp.Redis).To(Equal("ok"))
}

func TestHealthMissingBeat(t *testing.T) {
	g := NewWithT(t)
	rdb, _ := newTestRedis(t)

	h := NewHealth(nil, rdb, zap.NewNop())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/", nil))

	g.Expect(rec.Code).To(Equal(http.StatusServiceUnavailable))
}

func TestParseHandlerRejectsBadInput(t *testing.T) {
	g := NewWithT(t)
	handler := parseHandler(nil, zap.NewNop())

	cases := []struct {
		name string
		body string
		want string
	}{
		{"broken JSON", `{"url":`, "invalid JSON body"},
		{"non-marketplace URL", `{"url":"https://example.com/x","product_type":"monitored"}`, "not a recognized marketplace product URL"},
		{"search page", `{"url":"https://lista.mercadolivre.com.br/notebook","product_type":"monitored"}`, "not a recognized marketplace product URL"},
		{"bad product type", `{"url":"https://produto.mercadolivre.com.br/MLB-123","product_type":"weird"}`, "product_type must be monitored or competitor"},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/scraper/parse", strings.NewReader(tc.body))
		handler(rec, req)

		g.Expect(rec.Code).To(Equal(http.StatusBadRequest), tc.name)
		var resp map[string]string
		g.Expect(json.Unmarshal(rec.Body.Bytes(), &resp)).To(Succeed(), tc.name)
		g.Expect(resp["detail"]).To(Equal(tc.want), tc.name)
	}
}

func TestStatusForTaxonomy(t *testing.T) {
	g := NewWithT(t)

	g.Expect(statusFor(taskerr.Newf(taskerr.InvalidInput, "bad url"))).To(Equal(http.StatusBadRequest))
	g.Expect(statusFor(taskerr.Newf(taskerr.NotProductPage, "search page"))).To(Equal(http.StatusUnprocessableEntity))
	g.Expect(statusFor(taskerr.Newf(taskerr.ParsingFailed, "no price"))).To(Equal(http.StatusUnprocessableEntity))
	g.Expect(statusFor(taskerr.Newf(taskerr.Blocked, "blocked"))).To(Equal(http.StatusTooManyRequests))
	g.Expect(statusFor(taskerr.Newf(taskerr.TransientRemote, "upstream"))).To(Equal(http.StatusBadGateway))

	// An explicit upstream status wins over the kind mapping.
	te := taskerr.Newf(taskerr.Blocked, "blocked (403)")
	te.StatusCode = http.StatusForbidden
	g.Expect(statusFor(te)).To(Equal(http.StatusForbidden))
}

func TestBruteForceMiddleware(t *testing.T) {
	g := NewWithT(t)
	rdb, _ := newTestRedis(t)

	guard := kv.NewBruteForceGuard(rdb, 2, 15*time.Minute)
	mw := BruteForce(guard, zap.NewNop())
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	call := func(addr string) int {
		req := httptest.NewRequest(http.MethodGet, "/health/", nil)
		req.RemoteAddr = addr
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	g.Expect(call("10.0.0.1:1234")).To(Equal(http.StatusOK))
	g.Expect(call("10.0.0.1:1234")).To(Equal(http.StatusOK))
	g.Expect(call("10.0.0.1:1234")).To(Equal(http.StatusTooManyRequests))

	// Other clients are unaffected.
	g.Expect(call("10.0.0.2:1234")).To(Equal(http.StatusOK))
}

func TestAlertRouterSurface(t *testing.T) {
	g := NewWithT(t)
	rdb, _ := newTestRedis(t)

	router := NewAlertRouter(nil, rdb, metrics.NewTest(), nil, zap.NewNop())
	srv := httptest.NewServer(router)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	g.Expect(err).NotTo(HaveOccurred())
	resp.Body.Close()
	g.Expect(resp.StatusCode).To(Equal(http.StatusOK))

	resp, err = http.Get(srv.URL + "/health/")
	g.Expect(err).NotTo(HaveOccurred())
	resp.Body.Close()
	g.Expect(resp.StatusCode).To(Equal(http.StatusServiceUnavailable))
}
