package protocol

import (
	"sync"

	"golang.org/x/time/rate"
)

// RateLimiters tracks one token-bucket limiter per (connection, method)
// pair, evicted when the owning connection closes. Backs the
// rate_limited JSON-RPC error for methods that declare a per-call limit.
type RateLimiters struct {
	mu      sync.Mutex
	buckets map[string]map[string]*rate.Limiter
}

// NewRateLimiters creates an empty limiter set.
func NewRateLimiters() *RateLimiters {
	return &RateLimiters{buckets: make(map[string]map[string]*rate.Limiter)}
}

// Allow reports whether connID may invoke method right now, given a
// limit of ratePerSecond calls/second with a burst of one second's worth.
// A ratePerSecond of zero always allows the call (no limit configured).
func (rl *RateLimiters) Allow(connID, method string, ratePerSecond float64) bool {
	if ratePerSecond <= 0 {
		return true
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	perMethod, ok := rl.buckets[connID]
	if !ok {
		perMethod = make(map[string]*rate.Limiter)
		rl.buckets[connID] = perMethod
	}

	lim, ok := perMethod[method]
	if !ok {
		burst := int(ratePerSecond)
		if burst < 1 {
			burst = 1
		}
		lim = rate.NewLimiter(rate.Limit(ratePerSecond), burst)
		perMethod[method] = lim
	}

	return lim.Allow()
}

// Forget releases all limiters owned by connID. Called when a connection
// closes so the buckets map does not grow unbounded across the ~200-agent
// connection lifecycle.
func (rl *RateLimiters) Forget(connID string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.buckets, connID)
}
