package api

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"

	apperrors "github.com/wallet-provisioner/internal/errors"
)

// defaultLimiterIdleTTL is how long a client's bucket survives without requests
const defaultLimiterIdleTTL = 10 * time.Minute

// RateLimiter keeps one token bucket per client address. Buckets of clients
// that stay idle for the TTL are evicted.
type RateLimiter struct {
	limiters *cache.Cache

	limit     rate.Limit
	burstSize int
}

// NewRateLimiter creates a rate limiter. rps <= 0 disables limiting.
func NewRateLimiter(rps, burst int) *RateLimiter {
	return newRateLimiter(rps, burst, defaultLimiterIdleTTL)
}

func newRateLimiter(rps, burst int, idleTTL time.Duration) *RateLimiter {
	limit := rate.Limit(rps)
	if rps <= 0 {
		limit = rate.Inf
	}
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{
		limiters:  cache.New(idleTTL, idleTTL),
		limit:     limit,
		burstSize: burst,
	}
}

// getLimiter returns the rate limiter for a client and extends its lifetime
func (rl *RateLimiter) getLimiter(key string) *rate.Limiter {
	if v, ok := rl.limiters.Get(key); ok {
		limiter := v.(*rate.Limiter)
		rl.limiters.SetDefault(key, limiter)
		return limiter
	}

	limiter := rate.NewLimiter(rl.limit, rl.burstSize)
	if err := rl.limiters.Add(key, limiter, cache.DefaultExpiration); err != nil {
		// Another request for the same client won the race
		if v, ok := rl.limiters.Get(key); ok {
			return v.(*rate.Limiter)
		}
	}
	return limiter
}

// retryAfterSeconds is the time until one token is available again
func (rl *RateLimiter) retryAfterSeconds() int {
	if rl.limit == rate.Inf || rl.limit <= 0 {
		return 1
	}
	return int(math.Max(1, math.Ceil(1/float64(rl.limit))))
}

// clientKey identifies the caller by remote host, ignoring the port
func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// RateLimitMiddleware creates a middleware that enforces rate limiting
func RateLimitMiddleware(rl *RateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			limiter := rl.getLimiter(clientKey(r))

			if !limiter.Allow() {
				retryAfter := rl.retryAfterSeconds()
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				respondCategorized(w, apperrors.NewRateLimitError(retryAfter))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
