package pool

import (
	"context"
	"math/rand/v2"
	"time"
)

// RampScheduler controls the rate at which managers are started, so a
// large pool does not fork every process at once.
type RampScheduler struct {
	rate      int           // managers per second
	maxJitter time.Duration // maximum jitter per manager
	seed      uint64
}

// NewRampScheduler creates a scheduler with the given rate and jitter.
func NewRampScheduler(rate int, maxJitter time.Duration) *RampScheduler {
	return NewRampSchedulerWithSeed(rate, maxJitter, time.Now().UnixNano())
}

// NewRampSchedulerWithSeed creates a scheduler with a specific seed for
// reproducibility.
func NewRampSchedulerWithSeed(rate int, maxJitter time.Duration, seed int64) *RampScheduler {
	return &RampScheduler{
		rate:      rate,
		maxJitter: maxJitter,
		seed:      uint64(seed),
	}
}

// Jitter returns the deterministic jitter for manager id.
func (r *RampScheduler) Jitter(id int) time.Duration {
	if r.maxJitter <= 0 {
		return 0
	}
	rng := rand.New(rand.NewPCG(r.seed, uint64(id)))
	return time.Duration(rng.Int64N(int64(r.maxJitter)))
}

// Delay returns how long to wait before starting manager id.
// The first manager starts immediately.
func (r *RampScheduler) Delay(id int) time.Duration {
	if id == 0 {
		return 0
	}
	var base time.Duration
	if r.rate > 0 {
		base = time.Second / time.Duration(r.rate)
	}
	return base + r.Jitter(id)
}

// Schedule waits the appropriate amount of time before starting manager
// id. Returns nil on success, or the context error if cancelled.
func (r *RampScheduler) Schedule(ctx context.Context, id int) error {
	delay := r.Delay(id)
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// EstimatedRampDuration returns the estimated time to start n managers.
func (r *RampScheduler) EstimatedRampDuration(n int) time.Duration {
	if r.rate <= 0 || n <= 1 {
		return 0
	}
	base := time.Duration(n-1) * time.Second / time.Duration(r.rate)
	return base + time.Duration(n-1)*r.maxJitter/2
}

// Rate returns the configured rate (managers per second).
func (r *RampScheduler) Rate() int {
	return r.rate
}

// MaxJitter returns the configured maximum jitter.
func (r *RampScheduler) MaxJitter() time.Duration {
	return r.maxJitter
}
