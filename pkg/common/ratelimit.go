// Package common holds small shared primitives used across services.
package common

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter provides thread-safe pacing with dynamically adjustable limits.
// It is used to keep calls against quota-limited third-party APIs inside a
// fixed minimum delay while allowing runtime adjustments when a provider
// tightens its limits.
type RateLimiter struct {
	limiter *rate.Limiter
	mu      sync.RWMutex // Protects concurrent access to the limiter
}

// NewRateLimiter creates a RateLimiter with the specified requests per second
// (rps) and burst size. The burst parameter controls how many requests can be
// made at once to accommodate temporary spikes.
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	return &RateLimiter{
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
	}
}

// NewMinDelayLimiter creates a RateLimiter that releases at most one event per
// minDelay with no burst headroom. This is the pacing policy applied to each
// credential in a rotation pool.
func NewMinDelayLimiter(minDelay time.Duration) *RateLimiter {
	return &RateLimiter{
		limiter: rate.NewLimiter(rate.Every(minDelay), 1),
	}
}

// Wait blocks until the rate limiter allows an event or the context is
// canceled. It returns an error if the context is canceled while waiting.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	return rl.limiter.Wait(ctx)
}

// Allow reports whether an event may happen now without blocking.
func (rl *RateLimiter) Allow() bool {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	return rl.limiter.Allow()
}

// UpdateLimits dynamically adjusts the rate limiter's requests per second and
// burst size. This allows adapting to changing conditions like server load or
// API quotas at runtime.
func (rl *RateLimiter) UpdateLimits(rps float64, burst int) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.limiter.SetLimit(rate.Limit(rps))
	rl.limiter.SetBurst(burst)
}
