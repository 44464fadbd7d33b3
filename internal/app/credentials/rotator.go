// Package credentials coordinates access to pooled third-party API
// credentials: round-robin rotation, per-credential pacing and quota
// accounting for stages that call quota-limited services.
package credentials

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/corvusec/scanhive/internal/domain/credentials"
	"github.com/corvusec/scanhive/pkg/common"
	"github.com/corvusec/scanhive/pkg/common/logger"
)

// Config tunes a rotator instance.
type Config struct {
	// RotationInterval is how often the background timer advances the pool.
	RotationInterval time.Duration
	// MinDelay is the minimum spacing between calls on one credential.
	MinDelay time.Duration
}

const (
	defaultRotationInterval = time.Minute
	defaultMinDelay         = time.Second
)

// Rotator cycles through a credential pool. Each orchestration context owns
// its rotator; there is no process-global pool. All index movement happens
// under the mutex so concurrent stage goroutines see one consistent cycle.
type Rotator struct {
	interval time.Duration

	mu       sync.Mutex
	pool     []*credentials.Credential
	limiters map[string]*common.RateLimiter
	index    int

	logger *logger.Logger
}

// NewRotator builds a rotator over the pool. The pool must not be empty and
// credential names must be unique; each credential gets its own min-delay
// pacer.
func NewRotator(pool []*credentials.Credential, cfg Config, log *logger.Logger) (*Rotator, error) {
	if len(pool) == 0 {
		return nil, credentials.ErrNoCredentials
	}
	if cfg.RotationInterval <= 0 {
		cfg.RotationInterval = defaultRotationInterval
	}
	if cfg.MinDelay <= 0 {
		cfg.MinDelay = defaultMinDelay
	}

	limiters := make(map[string]*common.RateLimiter, len(pool))
	for _, cred := range pool {
		if _, dup := limiters[cred.Name()]; dup {
			return nil, fmt.Errorf("duplicate credential name %q", cred.Name())
		}
		limiters[cred.Name()] = common.NewMinDelayLimiter(cfg.MinDelay)
	}

	return &Rotator{
		interval: cfg.RotationInterval,
		pool:     pool,
		limiters: limiters,
		logger:   log.With("component", "credential_rotator", "pool_size", len(pool)),
	}, nil
}

// Current returns the active credential.
func (r *Rotator) Current() *credentials.Credential {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pool[r.index]
}

// Rotate advances to the next usable credential and returns it. A single-entry
// pool always yields the same credential. When every other entry is exhausted
// or cooling down the index still advances one step, so repeated rotations
// keep cycling as windows reset.
func (r *Rotator) Rotate() *credentials.Credential {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.pool) == 1 {
		return r.pool[r.index]
	}

	now := time.Now()
	for step := 1; step < len(r.pool); step++ {
		candidate := (r.index + step) % len(r.pool)
		if r.pool[candidate].Usable(now) {
			r.index = candidate
			return r.pool[r.index]
		}
	}

	r.index = (r.index + 1) % len(r.pool)
	return r.pool[r.index]
}

// WaitForSlot blocks until the credential's pacer releases a slot or the
// context expires. A context error here is retryable: the caller may rotate
// and try again.
func (r *Rotator) WaitForSlot(ctx context.Context, cred *credentials.Credential) error {
	r.mu.Lock()
	limiter, ok := r.limiters[cred.Name()]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown %s", cred)
	}

	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("waiting for slot on %s: %w", cred, err)
	}
	return nil
}

// QuotaStatus reports the credential's usage against its quotas. Exhaustion
// is part of the status, never a silent skip; callers decide whether to
// rotate, back off, or drop the artifact.
func (r *Rotator) QuotaStatus(cred *credentials.Credential) credentials.QuotaStatus {
	return cred.Status(time.Now())
}

// Run drives the background rotation timer until ctx ends. With exactly one
// credential there is nothing to rotate and the call returns immediately.
func (r *Rotator) Run(ctx context.Context) {
	r.mu.Lock()
	size := len(r.pool)
	r.mu.Unlock()
	if size <= 1 {
		r.logger.Debug(ctx, "rotation timer disabled for single-credential pool")
		return
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cred := r.Rotate()
			r.logger.Debug(ctx, "rotated credential", "credential", cred.Name())
		}
	}
}
