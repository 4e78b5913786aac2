package tool

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter is one token bucket shared by every dispatch of a registry.
type RateLimiter struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	limiter *rate.Limiter
	now     func() time.Time // for testing
}

// NewRateLimiter allows perMinute calls across all tools, with bursts of up
// to burst calls. A burst below one defaults to one.
func NewRateLimiter(perMinute, burst int) *RateLimiter {
	if burst < 1 {
		burst = 1
	}
	limit := rate.Limit(float64(perMinute) / 60)
	return &RateLimiter{
		limit:   limit,
		burst:   burst,
		limiter: rate.NewLimiter(limit, burst),
		now:     time.Now,
	}
}

// Allow reports whether a call may proceed now and, if so, consumes a token.
func (r *RateLimiter) Allow() bool {
	r.mu.Lock()
	l, now := r.limiter, r.now()
	r.mu.Unlock()
	return l.AllowN(now, 1)
}

// Reset refills the bucket.
func (r *RateLimiter) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.limiter = rate.NewLimiter(r.limit, r.burst)
}
