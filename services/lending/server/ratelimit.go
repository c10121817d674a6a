package server

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"lendingcore/observability"
)

// RateLimit allows RequestsPerMinute per client with the given burst.
type RateLimit struct {
	RequestsPerMinute float64
	Burst             int
}

type rateEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter keeps one token bucket per client. Authenticated callers are
// keyed by address, anonymous ones by remote IP.
type RateLimiter struct {
	limit    RateLimit
	metrics  *observability.LendingMetrics
	mu       sync.Mutex
	visitors map[string]*rateEntry
	idleTTL  time.Duration
	clockNow func() time.Time
}

// NewRateLimiter returns nil when limit is disabled.
func NewRateLimiter(limit RateLimit, metrics *observability.LendingMetrics) *RateLimiter {
	if limit.RequestsPerMinute <= 0 {
		return nil
	}
	if limit.Burst <= 0 {
		limit.Burst = 1
	}
	return &RateLimiter{
		limit:    limit,
		metrics:  metrics,
		visitors: make(map[string]*rateEntry),
		idleTTL:  5 * time.Minute,
		clockNow: time.Now,
	}
}

func (r *RateLimiter) Middleware(next http.Handler) http.Handler {
	if r == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if !r.allow(clientID(req)) {
			r.metrics.RecordThrottle("rate_limit")
			w.Header().Set("Retry-After", "1")
			writeJSON(w, http.StatusTooManyRequests, errorResponse{Error: "rate limit exceeded", Code: "RATE_LIMITED"})
			return
		}
		next.ServeHTTP(w, req)
	})
}

func (r *RateLimiter) allow(id string) bool {
	now := r.clockNow()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sweep(now)
	entry, ok := r.visitors[id]
	if !ok {
		limiter := rate.NewLimiter(rate.Limit(r.limit.RequestsPerMinute/60.0), r.limit.Burst)
		entry = &rateEntry{limiter: limiter}
		r.visitors[id] = entry
	}
	entry.lastSeen = now
	return entry.limiter.AllowN(now, 1)
}

// sweep drops visitors idle for longer than the TTL. Callers hold r.mu.
func (r *RateLimiter) sweep(now time.Time) {
	for id, entry := range r.visitors {
		if now.Sub(entry.lastSeen) > r.idleTTL {
			delete(r.visitors, id)
		}
	}
}

// clientID keys authenticated callers by address and everyone else by the
// remote address, which middleware.RealIP has already resolved.
func clientID(r *http.Request) string {
	if p, ok := PrincipalFromContext(r.Context()); ok {
		return p.Address.Hex()
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
