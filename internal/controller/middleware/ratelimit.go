package middleware

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter limits requests per owner.
type RateLimiter struct {
	limit    rate.Limit
	burst    int
	ttl      time.Duration
	limiters sync.Map // owner -> *cachedLimiter
}

// RateLimitOption configures a RateLimiter.
type RateLimitOption func(*RateLimiter)

// WithLimit sets the sustained rate (requests per second) and burst.
// A rate of 0 means unlimited.
func WithLimit(perSecond float64, burst int) RateLimitOption {
	return func(rl *RateLimiter) {
		rl.limit = rate.Limit(perSecond)
		rl.burst = burst
	}
}

// WithTTL sets how long an idle owner's limiter is kept.
func WithTTL(ttl time.Duration) RateLimitOption {
	return func(rl *RateLimiter) {
		rl.ttl = ttl
	}
}

// NewRateLimiter returns an unlimited limiter unless WithLimit is given.
func NewRateLimiter(opts ...RateLimitOption) *RateLimiter {
	rl := &RateLimiter{ttl: 5 * time.Minute}
	for _, opt := range opts {
		opt(rl)
	}
	if rl.limit > 0 && rl.burst <= 0 {
		rl.burst = max(1, int(rl.limit))
	}
	return rl
}

// Middleware must run after RequireOwner.
func (rl *RateLimiter) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			owner, ok := OwnerFromContext(r.Context())
			if !ok {
				writeError(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			// limit=0 means unlimited
			if rl.limit > 0 && !rl.get(owner).Allow() {
				w.Header().Set("Retry-After", strconv.Itoa(rl.retryAfter()))
				writeError(w, "Too Many Requests", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (rl *RateLimiter) retryAfter() int {
	secs := int(1 / float64(rl.limit))
	return max(1, secs)
}

type cachedLimiter struct {
	limiter   *rate.Limiter
	expiresAt time.Time
}

func (rl *RateLimiter) get(owner string) *rate.Limiter {
	now := time.Now()
	if v, ok := rl.limiters.Load(owner); ok {
		cached := v.(*cachedLimiter)
		if now.Before(cached.expiresAt) {
			return cached.limiter
		}
		// expired, need to create new
	}

	cached := &cachedLimiter{
		limiter:   rate.NewLimiter(rl.limit, rl.burst),
		expiresAt: now.Add(rl.ttl),
	}
	rl.limiters.Store(owner, cached)
	return cached.limiter
}
