package security

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter applies a global limit and a per-client limit.
type RateLimiter struct {
	globalLimiter  *rate.Limiter
	clientLimiters map[string]*clientLimiter
	mu             sync.RWMutex

	requestsPerSecond float64
	burst             int
	idleTTL           time.Duration
	now               func() time.Time
}

type clientLimiter struct {
	limiter  *rate.Limiter
	mu       sync.Mutex
	lastSeen time.Time
}

// NewRateLimiter creates a limiter allowing requestsPerSecond per client
// with the given burst. The global limit is ten times the client limit.
func NewRateLimiter(requestsPerSecond float64, burst int) *RateLimiter {
	return NewRateLimiterWithGlobal(requestsPerSecond, burst, requestsPerSecond*10, burst*10)
}

// NewRateLimiterWithGlobal creates a limiter with an explicit global limit.
func NewRateLimiterWithGlobal(clientRPS float64, clientBurst int, globalRPS float64, globalBurst int) *RateLimiter {
	return &RateLimiter{
		globalLimiter:     rate.NewLimiter(rate.Limit(globalRPS), globalBurst),
		clientLimiters:    make(map[string]*clientLimiter),
		requestsPerSecond: clientRPS,
		burst:             clientBurst,
		idleTTL:           10 * time.Minute,
		now:               time.Now,
	}
}

// Allow reports whether a request from clientID may proceed now.
func (rl *RateLimiter) Allow(clientID string) bool {
	if !rl.globalLimiter.Allow() {
		return false
	}
	return rl.getClientLimiter(clientID).Allow()
}

// Wait blocks until a request from clientID may proceed or ctx ends.
func (rl *RateLimiter) Wait(ctx context.Context, clientID string) error {
	if err := rl.globalLimiter.Wait(ctx); err != nil {
		return fmt.Errorf("global rate limit: %w", err)
	}
	if err := rl.getClientLimiter(clientID).Wait(ctx); err != nil {
		return fmt.Errorf("client rate limit: %w", err)
	}
	return nil
}

// Clients returns the number of tracked clients.
func (rl *RateLimiter) Clients() int {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	return len(rl.clientLimiters)
}

// EvictIdle forgets clients not seen within the idle TTL and returns how
// many were removed.
func (rl *RateLimiter) EvictIdle() int {
	cutoff := rl.now().Add(-rl.idleTTL)
	rl.mu.Lock()
	defer rl.mu.Unlock()
	n := 0
	for id, cl := range rl.clientLimiters {
		cl.mu.Lock()
		idle := cl.lastSeen.Before(cutoff)
		cl.mu.Unlock()
		if idle {
			delete(rl.clientLimiters, id)
			n++
		}
	}
	return n
}

// getClientLimiter gets or creates a rate limiter for a specific client
func (rl *RateLimiter) getClientLimiter(clientID string) *rate.Limiter {
	rl.mu.RLock()
	cl, exists := rl.clientLimiters[clientID]
	rl.mu.RUnlock()

	if !exists {
		rl.mu.Lock()
		// Double-check after acquiring write lock
		if cl, exists = rl.clientLimiters[clientID]; !exists {
			cl = &clientLimiter{limiter: rate.NewLimiter(rate.Limit(rl.requestsPerSecond), rl.burst)}
			rl.clientLimiters[clientID] = cl
		}
		rl.mu.Unlock()
	}

	cl.mu.Lock()
	cl.lastSeen = rl.now()
	cl.mu.Unlock()
	return cl.limiter
}
