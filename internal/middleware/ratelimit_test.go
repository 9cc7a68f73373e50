package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func serveN(t *testing.T, cfg RateLimitConfig, n int) []*httptest.ResponseRecorder {
	t.Helper()
	handler := RateLimitMiddleware(cfg)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	out := make([]*httptest.ResponseRecorder, n)
	for i := range out {
		out[i] = httptest.NewRecorder()
		handler.ServeHTTP(out[i], httptest.NewRequest(http.MethodGet, "/v1/destinations/1/plan", nil))
	}
	return out
}

func TestRateLimitMiddleware_PassThrough(t *testing.T) {
	for name, cfg := range map[string]RateLimitConfig{
		"disabled":   {RPS: 1, Burst: 1},
		"zero rate":  {Enabled: true, Burst: 1},
		"zero burst": {Enabled: true, RPS: 1},
	} {
		t.Run(name, func(t *testing.T) {
			for _, rec := range serveN(t, cfg, 5) {
				assert.Equal(t, http.StatusNoContent, rec.Code)
			}
		})
	}
}

func TestRateLimitMiddleware_BurstExceeded(t *testing.T) {
	recs := serveN(t, RateLimitConfig{Enabled: true, RPS: 0.01, Burst: 2}, 3)

	assert.Equal(t, http.StatusNoContent, recs[0].Code)
	assert.Equal(t, http.StatusNoContent, recs[1].Code)

	limited := recs[2]
	assert.Equal(t, http.StatusTooManyRequests, limited.Code)
	assert.Equal(t, "application/json", limited.Header().Get("Content-Type"))
	assert.Equal(t, "1", limited.Header().Get("Retry-After"))
	assert.JSONEq(t, `{"error":"rate limit exceeded","kind":"rate_limited"}`, limited.Body.String())
}
