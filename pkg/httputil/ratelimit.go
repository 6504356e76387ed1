package httputil

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/platinummonkey/pulse/pkg/observability"
)

// KeyLimiter takes one slot from key's window. ratelimit.Distributed and ratelimit.Keyed
// both satisfy it.
type KeyLimiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// windowReporter is implemented by limiters that can report quota for response headers
type windowReporter interface {
	Remaining(ctx context.Context, key string) (int, error)
	TTL(ctx context.Context, key string) (time.Duration, error)
	Limit() int
}

// RateLimitMiddleware rejects requests over the per-client-IP limit with 429. Limiter errors
// fail open: the request is served and the error logged.
func RateLimitMiddleware(limiter KeyLimiter, window time.Duration, logger *observability.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			key := "ip:" + ClientIP(r)

			allowed, err := limiter.Allow(ctx, key)
			if err != nil {
				logger.WithError(err).WithField("key", key).Warn("rate limiter unavailable, allowing request")
				next.ServeHTTP(w, r)
				return
			}

			reporter, reports := limiter.(windowReporter)
			retryAfter := window
			if reports {
				if ttl, err := reporter.TTL(ctx, key); err == nil && ttl > 0 {
					retryAfter = ttl
				}
				w.Header().Set("X-RateLimit-Limit", strconv.Itoa(reporter.Limit()))
			}

			if !allowed {
				if reports {
					w.Header().Set("X-RateLimit-Remaining", "0")
				}
				WriteTooManyRequests(w, retryAfter)
				return
			}

			if reports {
				if remaining, err := reporter.Remaining(ctx, key); err == nil {
					w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}
