package middleware

import (
	"net/http"

	"golang.org/x/time/rate"

	"hierplan/internal/observability"
)

// RateLimitConfig configures one token bucket shared by every route.
type RateLimitConfig struct {
	Enabled bool
	RPS     float64
	Burst   int
	// Metrics counts rejected requests. Nil disables counting.
	Metrics *observability.HTTPMetrics
	// RouteOf labels rejected requests in Metrics. Nil uses the raw path.
	RouteOf func(*http.Request) string
}

func (c RateLimitConfig) active() bool {
	return c.Enabled && c.RPS > 0 && c.Burst > 0
}

const rateLimitedBody = `{"error":"rate limit exceeded","kind":"rate_limited"}` + "\n"

// RateLimitMiddleware answers 429 once the bucket is empty. A config that
// is disabled or has a non-positive rate or burst returns handlers unchanged.
func RateLimitMiddleware(cfg RateLimitConfig) func(http.Handler) http.Handler {
	if !cfg.active() {
		return func(next http.Handler) http.Handler { return next }
	}

	limiter := rate.NewLimiter(rate.Limit(cfg.RPS), cfg.Burst)
	routeOf := cfg.RouteOf
	if routeOf == nil {
		routeOf = func(r *http.Request) string { return r.URL.Path }
	}
	reject := func(w http.ResponseWriter, r *http.Request) {
		cfg.Metrics.RecordRateLimited(r.Context(), routeOf(r))
		h := w.Header()
		h.Set("Content-Type", "application/json")
		h.Set("Retry-After", "1")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(rateLimitedBody))
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if limiter.Allow() {
				next.ServeHTTP(w, r)
				return
			}
			reject(w, r)
		})
	}
}
