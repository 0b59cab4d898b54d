package httpmiddleware

import (
	"context"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// RateLimitConfig configures the sliding window rate limiter.
type RateLimitConfig struct {
	// Max is the number of requests a key may make per Window.
	Max    int
	Window time.Duration
	// KeyFunc extracts the rate limit key. Defaults to the client IP.
	KeyFunc func(*http.Request) string
	Now     func() time.Time
}

// HeaderKey keys requests by the given header, falling back to the client IP
// for requests without it.
func HeaderKey(header string) func(*http.Request) string {
	return func(r *http.Request) string {
		if v := r.Header.Get(header); v != "" {
			return header + ":" + v
		}
		return "ip:" + clientIP(r)
	}
}

// bucket counts requests of the current fixed window and the one before it.
type bucket struct {
	start     time.Time
	cur, prev int
}

type limiter struct {
	cfg RateLimitConfig

	mu      sync.Mutex
	buckets map[string]*bucket
}

func newLimiter(cfg RateLimitConfig) *limiter {
	if cfg.KeyFunc == nil {
		cfg.KeyFunc = clientIP
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &limiter{cfg: cfg, buckets: make(map[string]*bucket)}
}

// take admits one request for key at now. The previous window counts in
// proportion to how much of it the sliding window still covers.
func (l *limiter) take(key string, now time.Time) (remaining int, reset time.Time, ok bool) {
	start := now.Truncate(l.cfg.Window)

	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.buckets[key]
	switch {
	case b == nil:
		b = &bucket{start: start}
		l.buckets[key] = b
	case start.Equal(b.start.Add(l.cfg.Window)):
		b.start, b.prev, b.cur = start, b.cur, 0
	case start.After(b.start):
		b.start, b.prev, b.cur = start, 0, 0
	}

	weight := 1 - float64(now.Sub(start))/float64(l.cfg.Window)
	used := float64(b.prev)*weight + float64(b.cur)
	reset = start.Add(l.cfg.Window)
	if used >= float64(l.cfg.Max) {
		return 0, reset, false
	}
	b.cur++
	return max(0, l.cfg.Max-int(math.Ceil(used+1))), reset, true
}

// evict drops keys idle for two full windows.
func (l *limiter) evict(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for k, b := range l.buckets {
		if now.Sub(b.start) >= 2*l.cfg.Window {
			delete(l.buckets, k)
		}
	}
}

// RateLimit enforces a per-key sliding window limit and answers 429 with a
// Retry-After header once it is exceeded. Idle keys are evicted until ctx is
// done.
func RateLimit(ctx context.Context, cfg RateLimitConfig) Middleware {
	l := newLimiter(cfg)
	go func() {
		t := time.NewTicker(2 * l.cfg.Window)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				l.evict(l.cfg.Now())
			}
		}
	}()

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			now := l.cfg.Now()
			remaining, reset, ok := l.take(l.cfg.KeyFunc(r), now)

			h := w.Header()
			h.Set("X-RateLimit-Limit", strconv.Itoa(l.cfg.Max))
			h.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
			h.Set("X-RateLimit-Reset", strconv.FormatInt(reset.Unix(), 10))
			if !ok {
				h.Set("Retry-After", strconv.Itoa(int(math.Ceil(reset.Sub(now).Seconds()))))
				writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientIP is the first X-Forwarded-For hop, then X-Real-IP, then the peer
// address.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
