package middleware

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	apierrors "github.com/edgegate/edgegate/internal/pkg/errors"
	"github.com/edgegate/edgegate/internal/pkg/response"
)

// RateLimitConfig defines rate limiting parameters. The effective cap
// per window is RequestsPerMinute * BurstFactor.
type RateLimitConfig struct {
	RequestsPerMinute int
	BurstFactor       float64
}

// DefaultRateLimitConfig returns default rate limiting configuration.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerMinute: 60,
		BurstFactor:       1.5,
	}
}

// slidingWindow is an in-process sliding-window counter keyed by
// client address. Timestamps are bucketed per second; the window is
// advisory and not shared across instances.
type slidingWindow struct {
	mu      sync.Mutex
	clock   clockwork.Clock
	window  time.Duration
	buckets map[string]map[int64]int
}

func newSlidingWindow(clock clockwork.Clock, window time.Duration) *slidingWindow {
	return &slidingWindow{
		clock:   clock,
		window:  window,
		buckets: make(map[string]map[int64]int),
	}
}

// hit records a request and returns the count within the window.
func (s *slidingWindow) hit(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now().Unix()
	cutoff := now - int64(s.window.Seconds())

	b, ok := s.buckets[key]
	if !ok {
		b = make(map[int64]int)
		s.buckets[key] = b
	}
	for sec := range b {
		if sec <= cutoff {
			delete(b, sec)
		}
	}
	b[now]++

	total := 0
	for _, n := range b {
		total += n
	}
	return total
}

// skipRateLimit lists paths exempt from limiting.
func skipRateLimit(path string) bool {
	return path == "/health" || path == "/ready" || path == "/metrics"
}

// RateLimit returns an in-process sliding-window limiter keyed by
// client address.
func RateLimit(cfg RateLimitConfig, clock clockwork.Clock) func(next http.Handler) http.Handler {
	if cfg.RequestsPerMinute <= 0 {
		cfg = DefaultRateLimitConfig()
	}
	if cfg.BurstFactor < 1 {
		cfg.BurstFactor = 1
	}
	window := newSlidingWindow(clock, time.Minute)
	hardCap := int(math.Ceil(float64(cfg.RequestsPerMinute) * cfg.BurstFactor))

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if skipRateLimit(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			count := window.hit(clientAddr(r))
			remaining := cfg.RequestsPerMinute - count
			if remaining < 0 {
				remaining = 0
			}
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(cfg.RequestsPerMinute))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(clock.Now().Add(time.Minute).Unix(), 10))

			if count > hardCap {
				w.Header().Set("Retry-After", "60")
				response.Error(w, apierrors.ErrRateLimited)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientAddr extracts the client address, honoring proxy headers the
// same way chi's RealIP does.
func clientAddr(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return xff
	}
	if xrip := r.Header.Get("X-Real-IP"); xrip != "" {
		return xrip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
