package middleware

import (
	"context"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter applies a per-client token bucket to the change intake. Each
// client gets its own rate.Limiter; buckets idle past a cutoff are evicted
// by the cleanup loop.
type RateLimiter struct {
	mu         sync.Mutex
	buckets    map[string]*bucket
	rate       rate.Limit
	burst      int
	maxBuckets int // cap on tracked clients (prevents memory exhaustion)
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter creates a rate limiter with the given sustained rate
// (requests per second) and burst size.
func NewRateLimiter(perSecond float64, burst int) *RateLimiter {
	return &RateLimiter{
		buckets:    make(map[string]*bucket),
		rate:       rate.Limit(perSecond),
		burst:      burst,
		maxBuckets: 100000, // 100k clients max
	}
}

// Handler returns HTTP middleware that enforces the per-client limit.
// Rejections carry a Retry-After hint so well-behaved callers back off
// instead of hammering the intake.
func (rl *RateLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		remaining, retryAfter, allowed := rl.allow(clientAddr(r))

		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))

		if !allowed {
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(retryAfter.Seconds()))))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":"rate limit exceeded"}`))
			return
		}

		next.ServeHTTP(w, r)
	})
}

// allow reserves one token for the client. When no token is available the
// reservation is canceled so the client is not charged, and the delay until
// the next token is returned as the Retry-After hint.
func (rl *RateLimiter) allow(client string) (remaining int, retryAfter time.Duration, allowed bool) {
	rl.mu.Lock()
	b, exists := rl.buckets[client]
	if !exists {
		if len(rl.buckets) >= rl.maxBuckets {
			rl.mu.Unlock()
			return 0, rl.tokenInterval(), false // reject when at capacity
		}
		b = &bucket{limiter: rate.NewLimiter(rl.rate, rl.burst)}
		rl.buckets[client] = b
	}
	b.lastSeen = time.Now()
	lim := b.limiter
	rl.mu.Unlock()

	res := lim.Reserve()
	if delay := res.Delay(); delay > 0 {
		res.Cancel()
		return 0, delay, false
	}
	return int(lim.Tokens()), 0, true
}

// tokenInterval is the time one token takes to accrue.
func (rl *RateLimiter) tokenInterval() time.Duration {
	if rl.rate <= 0 {
		return time.Second
	}
	return time.Duration(float64(time.Second) / float64(rl.rate))
}

// StartCleanup spawns a goroutine that removes stale buckets every interval.
// A bucket is stale if it has not been seen for longer than maxIdle.
// Returns a cancel function that stops the cleanup goroutine.
func (rl *RateLimiter) StartCleanup(interval, maxIdle time.Duration) func() {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				rl.cleanup(maxIdle)
			}
		}
	}()
	return cancel
}

// cleanup removes buckets that have been idle longer than maxIdle.
func (rl *RateLimiter) cleanup(maxIdle time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	cutoff := time.Now().Add(-maxIdle)
	for client, b := range rl.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(rl.buckets, client)
		}
	}
}

// Len returns the number of tracked client buckets (for metrics and testing).
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.buckets)
}

// clientAddr keys the bucket by peer address. RemoteAddr is the transport
// peer unless a trusted proxy layer upstream rewrote it; client-supplied
// identifiers like session ids are never used because rotating them would
// sidestep the limit.
func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
