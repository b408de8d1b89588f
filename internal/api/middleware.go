package api

import (
	"net"
	"net/http"

	"go.uber.org/zap"

	"github.com/LucasGS520/Market-Suite/internal/kv"
)

// clientIP strips the port from RemoteAddr; chi's RealIP middleware
// has already folded X-Forwarded-For in.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// BruteForce rejects clients that exceed the attempt budget with 429.
func BruteForce(guard *kv.BruteForceGuard, logger *zap.Logger) func(http.Handler) http.Handler {
	log := logger.Named("bruteforce")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := clientIP(r)
			if !guard.Allow(r.Context(), ip) {
				log.Warn("rate_limited", zap.String("ip", ip), zap.String("path", r.URL.Path))
				http.Error(w, `{"detail":"too many requests"}`, http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequestLogger logs one line per request at debug level.
func RequestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	log := logger.Named("http")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r)
			log.Debug("request", zap.String("method", r.Method), zap.String("path", r.URL.Path))
		})
	}
}
