// Package api builds the chi routers of both services: health and
// metrics on each, plus the parse endpoint on the scraper service.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/LucasGS520/Market-Suite/internal/kv"
	"github.com/LucasGS520/Market-Suite/internal/store"
)

// beatMaxLag is the heartbeat age beyond which the beat is unhealthy.
const beatMaxLag = 300 * time.Second

// healthResponse is the body of GET /health/.
type healthResponse struct {
	Overall  string `json:"overall"`
	Postgres string `json:"postgres"`
	Redis    string `json:"redis"`
	Beat     string `json:"beat"`
}

// Health checks the SQL store, the KV store and the beat heartbeat.
type Health struct {
	db     store.Store
	rdb    *redis.Client
	logger *zap.Logger
}

func NewHealth(db store.Store, rdb *redis.Client, logger *zap.Logger) *Health {
	return &Health{db: db, rdb: rdb, logger: logger.Named("health")}
}

func (h *Health) check(ctx context.Context) healthResponse {
	resp := healthResponse{Overall: "ok", Postgres: "ok", Redis: "ok", Beat: "ok"}

	if h.db != nil {
		if err := h.db.Ping(ctx); err != nil {
			resp.Postgres = "error"
			h.logger.Warn("postgres_unhealthy", zap.Error(err))
		}
	}
	if err := h.rdb.Ping(ctx).Err(); err != nil {
		resp.Redis = "error"
		h.logger.Warn("redis_unhealthy", zap.Error(err))
	}

	lag, ok := kv.HeartbeatLag(ctx, h.rdb, kv.HeartbeatSuccess)
	if !ok || lag > beatMaxLag {
		resp.Beat = "error"
	}

	if resp.Postgres != "ok" || resp.Redis != "ok" || resp.Beat != "ok" {
		resp.Overall = "error"
	}
	return resp
}

// ServeHTTP implements GET /health/.
func (h *Health) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	resp := h.check(ctx)
	status := http.StatusOK
	if resp.Overall != "ok" {
		status = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp)
}
