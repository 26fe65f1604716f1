package server

import (
	"net"
	"net/http"
	"strconv"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"

	"github.com/wudi/schemahub/internal/config"
	"github.com/wudi/schemahub/internal/errors"
)

// RateLimiter enforces a per-client request rate. Clients are keyed by
// token subject when authenticated, by remote IP otherwise; limiter
// state lives in an LRU so unknown clients cannot grow it unbounded.
type RateLimiter struct {
	limiters *lru.Cache[string, *rate.Limiter]
	rps      rate.Limit
	burst    int

	allowed  atomic.Int64
	rejected atomic.Int64
}

// NewRateLimiter creates a RateLimiter from config.
func NewRateLimiter(cfg config.RateLimitConfig) (*RateLimiter, error) {
	rps := cfg.RPS
	if rps <= 0 {
		rps = 10
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = int(rps * 2)
	}

	limiters, err := lru.New[string, *rate.Limiter](10000)
	if err != nil {
		return nil, err
	}

	return &RateLimiter{
		limiters: limiters,
		rps:      rate.Limit(rps),
		burst:    burst,
	}, nil
}

// Allow reports whether a request from key may proceed.
func (rl *RateLimiter) Allow(key string) bool {
	limiter, ok := rl.limiters.Get(key)
	if !ok {
		limiter = rate.NewLimiter(rl.rps, rl.burst)
		// A concurrent add for the same key leaves one limiter unused;
		// both start full, so no request is miscounted.
		rl.limiters.Add(key, limiter)
	}
	return limiter.Allow()
}

// Middleware returns a middleware that enforces the per-client limit.
func (rl *RateLimiter) Middleware() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !rl.Allow(clientKey(r)) {
				rl.rejected.Add(1)
				w.Header().Set("Retry-After", strconv.Itoa(1))
				errors.ErrTooManyRequests.
					WithRequestID(RequestIDFromContext(r.Context())).
					WriteJSON(w)
				return
			}
			rl.allowed.Add(1)
			next.ServeHTTP(w, r)
		})
	}
}

// Stats returns metrics for this limiter.
func (rl *RateLimiter) Stats() map[string]interface{} {
	return map[string]interface{}{
		"enabled":  true,
		"clients":  rl.limiters.Len(),
		"allowed":  rl.allowed.Load(),
		"rejected": rl.rejected.Load(),
	}
}

func clientKey(r *http.Request) string {
	if p := PrincipalFromContext(r.Context()); p != nil && p.Subject != "" {
		return "sub:" + p.Subject
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return "ip:" + r.RemoteAddr
	}
	return "ip:" + host
}
