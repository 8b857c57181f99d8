package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rateLimitedHandler(clock clockwork.Clock, cfg RateLimitConfig) http.Handler {
	return RateLimit(cfg, clock)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
}

func hit(h http.Handler, path, addr string) *httptest.ResponseRecorder {
	r := httptest.NewRequest(http.MethodGet, path, nil)
	r.RemoteAddr = addr
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

func TestRateLimitAllowsBurstThenBlocks(t *testing.T) {
	clock := clockwork.NewFakeClock()
	h := rateLimitedHandler(clock, RateLimitConfig{RequestsPerMinute: 10, BurstFactor: 1.5})

	// Hard cap is ceil(10 * 1.5) = 15.
	for i := 0; i < 15; i++ {
		w := hit(h, "/v1/workspaces", "10.0.0.1:1234")
		require.Equal(t, http.StatusOK, w.Code, "request %d", i)
	}

	w := hit(h, "/v1/workspaces", "10.0.0.1:1234")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "60", w.Header().Get("Retry-After"))
}

func TestRateLimitWindowSlides(t *testing.T) {
	clock := clockwork.NewFakeClock()
	h := rateLimitedHandler(clock, RateLimitConfig{RequestsPerMinute: 2, BurstFactor: 1})

	require.Equal(t, http.StatusOK, hit(h, "/v1/runs", "10.0.0.1:1").Code)
	require.Equal(t, http.StatusOK, hit(h, "/v1/runs", "10.0.0.1:1").Code)
	require.Equal(t, http.StatusTooManyRequests, hit(h, "/v1/runs", "10.0.0.1:1").Code)

	clock.Advance(61 * time.Second)
	assert.Equal(t, http.StatusOK, hit(h, "/v1/runs", "10.0.0.1:1").Code)
}

func TestRateLimitIsPerClient(t *testing.T) {
	clock := clockwork.NewFakeClock()
	h := rateLimitedHandler(clock, RateLimitConfig{RequestsPerMinute: 1, BurstFactor: 1})

	require.Equal(t, http.StatusOK, hit(h, "/v1/runs", "10.0.0.1:1").Code)
	require.Equal(t, http.StatusTooManyRequests, hit(h, "/v1/runs", "10.0.0.1:1").Code)
	// A different client is unaffected.
	assert.Equal(t, http.StatusOK, hit(h, "/v1/runs", "10.0.0.2:1").Code)
}

func TestRateLimitHeaders(t *testing.T) {
	clock := clockwork.NewFakeClock()
	h := rateLimitedHandler(clock, RateLimitConfig{RequestsPerMinute: 60, BurstFactor: 1.5})

	w := hit(h, "/v1/runs", "10.0.0.1:1")
	assert.Equal(t, "60", w.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "59", w.Header().Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, w.Header().Get("X-RateLimit-Reset"))
}

func TestRateLimitSkipsOperationalPaths(t *testing.T) {
	clock := clockwork.NewFakeClock()
	h := rateLimitedHandler(clock, RateLimitConfig{RequestsPerMinute: 1, BurstFactor: 1})

	for i := 0; i < 10; i++ {
		require.Equal(t, http.StatusOK, hit(h, "/health", "10.0.0.1:1").Code)
		require.Equal(t, http.StatusOK, hit(h, "/metrics", "10.0.0.1:1").Code)
	}
}

func TestRateLimitHonorsForwardedFor(t *testing.T) {
	clock := clockwork.NewFakeClock()
	h := rateLimitedHandler(clock, RateLimitConfig{RequestsPerMinute: 1, BurstFactor: 1})

	r := httptest.NewRequest(http.MethodGet, "/v1/runs", nil)
	r.RemoteAddr = "10.0.0.1:1"
	r.Header.Set("X-Forwarded-For", "203.0.113.7")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	require.Equal(t, http.StatusOK, w.Code)

	// Same proxy, different forwarded client: separate budget.
	r2 := httptest.NewRequest(http.MethodGet, "/v1/runs", nil)
	r2.RemoteAddr = "10.0.0.1:1"
	r2.Header.Set("X-Forwarded-For", "203.0.113.8")
	w2 := httptest.NewRecorder()
	h.ServeHTTP(w2, r2)
	assert.Equal(t, http.StatusOK, w2.Code)
}
