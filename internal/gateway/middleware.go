package gateway

import (
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wingbridge/wingbridge/internal/web"
)

var (
	metricRequestsTotal   uint64
	metricRequestsFailed  uint64
	metricRequestLatencyN uint64
	metricRateLimited     uint64
	metricForbidden       uint64
)

func recordForbidden() {
	atomic.AddUint64(&metricForbidden, 1)
}

func snapshotMetrics() map[string]any {
	total := atomic.LoadUint64(&metricRequestsTotal)
	failed := atomic.LoadUint64(&metricRequestsFailed)
	latencySum := atomic.LoadUint64(&metricRequestLatencyN)
	avgMs := 0.0
	if total > 0 {
		avgMs = float64(latencySum) / float64(total)
	}
	return map[string]any{
		"requestsTotal":  total,
		"requestsFailed": failed,
		"avgLatencyMs":   avgMs,
		"rateLimited":    atomic.LoadUint64(&metricRateLimited),
		"forbidden":      atomic.LoadUint64(&metricForbidden),
	}
}

func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &web.StatusWriter{ResponseWriter: w, Code: 200}
		next.ServeHTTP(sw, r)
		ms := uint64(time.Since(start).Milliseconds())
		atomic.AddUint64(&metricRequestsTotal, 1)
		atomic.AddUint64(&metricRequestLatencyN, ms)
		if sw.Code >= 400 {
			atomic.AddUint64(&metricRequestsFailed, 1)
		}
		slog.Info("request",
			"requestId", w.Header().Get("X-Request-Id"),
			"method", r.Method,
			"path", r.URL.Path,
			"status", sw.Code,
			"ms", ms,
		)
	})
}

func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rid := r.Header.Get("X-Request-Id")
		if rid == "" {
			b := make([]byte, 8)
			_, _ = rand.Read(b)
			rid = hex.EncodeToString(b)
		}
		w.Header().Set("X-Request-Id", rid)
		next.ServeHTTP(w, r)
	})
}

// withAuth guards bridge-owned routes with the configured bearer token. The
// external channel never goes through this: web pages hold no bridge token,
// their boundary is the origin allow-list.
func (h *Handlers) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.Cfg.Token != "" {
			auth := r.Header.Get("Authorization")
			if auth != "Bearer "+h.Cfg.Token {
				w.Header().Set("WWW-Authenticate", `Bearer realm="wingbridge"`)
				web.JSON(w, 401, map[string]any{"ok": false, "error": "unauthorized"})
				return
			}
		}
		next(w, r)
	}
}

var (
	rateMu      sync.Mutex
	rateBuckets = map[string][]time.Time{}
)

func RateLimitMiddleware(next http.Handler) http.Handler {
	const window = 10 * time.Second
	const maxReq = 120
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := strings.TrimSpace(r.URL.Path)
		if p == "/health" || p == "/metrics" || p == "/connect" {
			next.ServeHTTP(w, r)
			return
		}
		host, _, _ := net.SplitHostPort(r.RemoteAddr)
		if host == "" {
			host = r.RemoteAddr
		}

		now := time.Now()
		rateMu.Lock()
		hits := rateBuckets[host]
		filtered := hits[:0]
		for _, t := range hits {
			if now.Sub(t) < window {
				filtered = append(filtered, t)
			}
		}
		limited := len(filtered) >= maxReq
		if !limited {
			filtered = append(filtered, now)
		}
		rateBuckets[host] = filtered
		rateMu.Unlock()

		if limited {
			atomic.AddUint64(&metricRateLimited, 1)
			web.JSON(w, 429, map[string]any{"ok": false, "error": "rate_limited"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Chain applies the standard middleware stack.
func Chain(next http.Handler) http.Handler {
	return RequestIDMiddleware(LoggingMiddleware(RateLimitMiddleware(next)))
}
