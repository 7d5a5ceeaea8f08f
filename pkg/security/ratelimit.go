package security

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// clientIdleTTL is how long a client's bucket is kept without requests. An
// idle bucket refills long before this, so dropping it loses no state.
const clientIdleTTL = 10 * time.Minute

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter applies a global limit and a per-client limit.
type RateLimiter struct {
	globalLimiter  *rate.Limiter
	clientLimiters map[string]*clientLimiter
	lastSweep      time.Time
	now            func() time.Time
	mu             sync.Mutex

	requestsPerSecond float64
	burst             int
}

// NewRateLimiter creates a limiter. The global bucket allows ten clients'
// worth of traffic.
func NewRateLimiter(requestsPerSecond float64, burst int) *RateLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{
		globalLimiter:     rate.NewLimiter(rate.Limit(requestsPerSecond*10), burst*10),
		clientLimiters:    make(map[string]*clientLimiter),
		now:               time.Now,
		requestsPerSecond: requestsPerSecond,
		burst:             burst,
	}
}

// Allow checks if a request should be allowed
func (rl *RateLimiter) Allow(clientID string) bool {
	limiter := rl.getClientLimiter(clientID)
	if !limiter.Allow() {
		return false
	}
	return rl.globalLimiter.Allow()
}

// getClientLimiter gets or creates a rate limiter for a specific client and
// drops clients idle for longer than clientIdleTTL.
func (rl *RateLimiter) getClientLimiter(clientID string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	if now.Sub(rl.lastSweep) >= clientIdleTTL {
		for id, c := range rl.clientLimiters {
			if now.Sub(c.lastSeen) >= clientIdleTTL {
				delete(rl.clientLimiters, id)
			}
		}
		rl.lastSweep = now
	}

	c, exists := rl.clientLimiters[clientID]
	if !exists {
		c = &clientLimiter{limiter: rate.NewLimiter(rate.Limit(rl.requestsPerSecond), rl.burst)}
		rl.clientLimiters[clientID] = c
	}
	c.lastSeen = now
	return c.limiter
}
