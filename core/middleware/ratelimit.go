package middleware

import (
	"math"
	"net"
	nethttp "net/http"
	"strconv"
	"sync"
	"time"

	"github.com/searchktools/dispatch-server/core/http"
	"golang.org/x/time/rate"
)

// limiterIdleTTL is how long an unused client bucket is kept
const limiterIdleTTL = 5 * time.Minute

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter keeps one token bucket per client IP. Limits can be changed at
// runtime with Update.
type RateLimiter struct {
	mu        sync.Mutex
	limiters  map[string]*clientLimiter
	limit     rate.Limit
	burst     int
	lastSweep time.Time
	now       func() time.Time
}

// NewRateLimiter allows rps requests per second per client with the given
// burst. A non-positive rps disables limiting.
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	rl := &RateLimiter{
		limiters: make(map[string]*clientLimiter),
		now:      time.Now,
	}
	rl.Update(rps, burst)
	rl.lastSweep = rl.now()
	return rl
}

// Update changes the limits for existing and future clients
func (rl *RateLimiter) Update(rps float64, burst int) {
	limit := rate.Inf
	if rps > 0 {
		limit = rate.Limit(rps)
	}
	if burst <= 0 {
		burst = int(math.Max(1, math.Ceil(rps)))
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.limit = limit
	rl.burst = burst
	for _, cl := range rl.limiters {
		cl.limiter.SetLimit(limit)
		cl.limiter.SetBurst(burst)
	}
}

// Allow reports whether a request from key may proceed, and if not, how long
// until a token is available.
func (rl *RateLimiter) Allow(key string) (bool, time.Duration) {
	rl.mu.Lock()
	now := rl.now()
	if rl.limit == rate.Inf {
		rl.mu.Unlock()
		return true, 0
	}

	if now.Sub(rl.lastSweep) > limiterIdleTTL {
		for k, cl := range rl.limiters {
			if now.Sub(cl.lastSeen) > limiterIdleTTL {
				delete(rl.limiters, k)
			}
		}
		rl.lastSweep = now
	}

	cl, ok := rl.limiters[key]
	if !ok {
		cl = &clientLimiter{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.limiters[key] = cl
	}
	cl.lastSeen = now
	rl.mu.Unlock()

	r := cl.limiter.ReserveN(now, 1)
	if !r.OK() {
		return false, time.Second
	}
	if d := r.DelayFrom(now); d > 0 {
		r.CancelAt(now)
		return false, d
	}
	return true, 0
}

// Len returns the number of tracked clients
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.limiters)
}

// Middleware rejects requests over the limit with 429 and Retry-After
func (rl *RateLimiter) Middleware() http.Middleware {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(c *http.Context) (*http.Response, error) {
			ok, wait := rl.Allow(clientIP(c.Request.RemoteAddr))
			if ok {
				return next(c)
			}
			secs := int(math.Ceil(wait.Seconds()))
			if secs < 1 {
				secs = 1
			}
			return nil, &http.Error{
				Status:  nethttp.StatusTooManyRequests,
				Message: "too many requests",
				Header:  http.Header{http.HeaderRetryAfter: {strconv.Itoa(secs)}},
			}
		}
	}
}

// RateLimit is shorthand for NewRateLimiter(rps, burst).Middleware()
func RateLimit(rps float64, burst int) http.Middleware {
	return NewRateLimiter(rps, burst).Middleware()
}

func clientIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
