// Package ratelimit throttles telemetry senders at the ingestion boundary.
package ratelimit

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"

	"github.com/trackside-telemetry/pipeline/internal/constants"
)

// Limiter decides whether the sender identified by key may send one more request.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
	Close() error
}

// Noop allows every request.
type Noop struct{}

// Allow always allows.
func (Noop) Allow(context.Context, string) (bool, error) { return true, nil }

// Close does nothing.
func (Noop) Close() error { return nil }

// Middleware rejects requests over the limit with 429.
//
// Senders are identified by their edge id header, or their IP when it is missing.
// When the limiter fails, the request is let through.
func Middleware(l Limiter, log *slog.Logger, next http.Handler) http.Handler {
	if log == nil {
		log = slog.Default()
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := senderKey(r)
		allowed, err := l.Allow(r.Context(), key)
		if err != nil {
			log.Warn("Rate limiter unavailable, allowing request", "key", key, "err", err)
			next.ServeHTTP(w, r)
			return
		}
		if !allowed {
			log.Warn("Rate limit exceeded", "key", key)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(map[string]string{"detail": "rate limit exceeded"})
			return
		}

		next.ServeHTTP(w, r)
	})
}

func senderKey(r *http.Request) string {
	if id := r.Header.Get(constants.EdgeIDHeader); id != "" {
		return "edge:" + id
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		ip = r.RemoteAddr
	}
	return "ip:" + ip
}
