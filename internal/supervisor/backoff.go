package supervisor

import (
	"math"
	"math/rand/v2"
	"time"
)

// BackoffConfig controls the delay between restarts of a crashed or
// desynchronised process.
type BackoffConfig struct {
	Initial    time.Duration // delay before the first restart
	Max        time.Duration // ceiling for any delay
	Multiplier float64       // growth per consecutive restart
	JitterPct  float64       // total jitter band, 0.4 means ±20%

	// StableAfter is the uptime after which a process counts as healthy,
	// so its next failure starts again from Initial. Zero means 30s.
	StableAfter time.Duration
}

const defaultStableAfter = 30 * time.Second

// DefaultBackoffConfig returns the restart policy used when none is
// configured. A resident ExifTool starts in well under a second, so the
// first retry comes quickly.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		Initial:     50 * time.Millisecond,
		Max:         2 * time.Second,
		Multiplier:  1.7,
		JitterPct:   0.4,
		StableAfter: defaultStableAfter,
	}
}

// Backoff tracks consecutive restarts of one process. It is not safe for
// concurrent use; the supervisor guards it.
type Backoff struct {
	config   BackoffConfig
	attempts int
	rng      *rand.Rand

	// capAt is the first attempt whose unjittered delay reaches Max.
	capAt int
}

// NewBackoff creates a Backoff. The seed makes jitter deterministic.
func NewBackoff(seed int64, cfg BackoffConfig) *Backoff {
	if cfg.StableAfter <= 0 {
		cfg.StableAfter = defaultStableAfter
	}
	b := &Backoff{
		config: cfg,
		rng:    rand.New(rand.NewPCG(uint64(seed), 0x65786966)),
		capAt:  math.MaxInt,
	}
	if cfg.Initial > 0 && cfg.Multiplier > 1 && cfg.Max > cfg.Initial {
		b.capAt = int(math.Ceil(math.Log(float64(cfg.Max)/float64(cfg.Initial)) / math.Log(cfg.Multiplier)))
	}
	return b
}

// Next returns the delay before the next restart and counts the attempt.
func (b *Backoff) Next() time.Duration {
	delay := b.Calculate()
	b.attempts++
	return delay
}

// Calculate returns the delay for the current attempt without counting it.
func (b *Backoff) Calculate() time.Duration {
	var delay float64
	if b.attempts >= b.capAt {
		delay = float64(b.config.Max)
	} else {
		delay = math.Min(
			float64(b.config.Initial)*math.Pow(b.config.Multiplier, float64(b.attempts)),
			float64(b.config.Max),
		)
	}

	if b.config.JitterPct > 0 {
		band := delay * b.config.JitterPct
		delay += band*b.rng.Float64() - band/2
	}
	return time.Duration(math.Max(delay, 0))
}

// Observe records how the previous process ended and resets the attempt
// counter when it had been healthy. It reports whether it reset.
func (b *Backoff) Observe(uptime time.Duration, exitCode int) bool {
	if uptime < b.config.StableAfter && exitCode != 0 {
		return false
	}
	b.attempts = 0
	return true
}

// Reset forgets all previous attempts.
func (b *Backoff) Reset() {
	b.attempts = 0
}

// Attempts returns the number of delays handed out since the last reset.
func (b *Backoff) Attempts() int {
	return b.attempts
}

// SetAttempts sets the attempt counter.
func (b *Backoff) SetAttempts(n int) {
	b.attempts = n
}
