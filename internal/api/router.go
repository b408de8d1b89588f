package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/LucasGS520/Market-Suite/internal/kv"
	"github.com/LucasGS520/Market-Suite/internal/metrics"
	"github.com/LucasGS520/Market-Suite/internal/mlurl"
	"github.com/LucasGS520/Market-Suite/internal/scrape"
	"github.com/LucasGS520/Market-Suite/internal/store"
	"github.com/LucasGS520/Market-Suite/internal/taskerr"
)

// base assembles the middleware and endpoints shared by both services.
func base(health *Health, m *metrics.Metrics, guard *kv.BruteForceGuard, logger *zap.Logger) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(RequestLogger(logger))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))
	if guard != nil {
		r.Use(BruteForce(guard, logger))
	}

	r.Get("/health/", health.ServeHTTP)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{}))
	return r
}

// NewAlertRouter builds the alert service's router.
func NewAlertRouter(db store.Store, rdb *redis.Client, m *metrics.Metrics, guard *kv.BruteForceGuard, logger *zap.Logger) chi.Router {
	return base(NewHealth(db, rdb, logger), m, guard, logger)
}

// NewScraperRouter builds the scraper service's router, adding the
// parse endpoint on top of the shared surface.
func NewScraperRouter(pipeline *scrape.Pipeline, rdb *redis.Client, m *metrics.Metrics, guard *kv.BruteForceGuard, logger *zap.Logger) chi.Router {
	r := base(NewHealth(nil, rdb, logger), m, guard, logger)
	r.Post("/scraper/parse", parseHandler(pipeline, logger))
	return r
}

// parseRequest is the body of POST /scraper/parse.
type parseRequest struct {
	URL         string `json:"url"`
	ProductType string `json:"product_type"`
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"detail": detail})
}

// statusFor maps the task error taxonomy onto the HTTP contract.
func statusFor(err error) int {
	var te *taskerr.Error
	if errors.As(err, &te) && te.StatusCode >= 400 {
		return te.StatusCode
	}
	switch taskerr.KindOf(err) {
	case taskerr.InvalidInput:
		return http.StatusBadRequest
	case taskerr.NotProductPage, taskerr.ParsingFailed:
		return http.StatusUnprocessableEntity
	case taskerr.Blocked:
		return http.StatusTooManyRequests
	case taskerr.TransientRemote, taskerr.DependencyUnavailable:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func parseHandler(pipeline *scrape.Pipeline, logger *zap.Logger) http.HandlerFunc {
	log := logger.Named("parse_endpoint")
	return func(w http.ResponseWriter, r *http.Request) {
		var req parseRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeDetail(w, http.StatusBadRequest, "invalid JSON body")
			return
		}

		canonical := mlurl.Canonicalize(req.URL)
		if canonical == "" {
			writeDetail(w, http.StatusBadRequest, "not a recognized marketplace product URL")
			return
		}
		productType := scrape.ProductType(req.ProductType)
		if productType != scrape.ProductMonitored && productType != scrape.ProductCompetitor {
			writeDetail(w, http.StatusBadRequest, "product_type must be monitored or competitor")
			return
		}

		// One parse session per client keeps UA rotation per caller.
		data, cached, err := pipeline.Collect(r.Context(), canonical, productType, clientIP(r))
		if err != nil {
			log.Warn("parse_failed", zap.String("url", canonical), zap.Error(err))
			writeDetail(w, statusFor(err), err.Error())
			return
		}

		w.Header().Set("Content-Type", "application/json")
		if cached {
			w.Header().Set("X-Cache", "hit")
		}
		json.NewEncoder(w).Encode(data)
	}
}
