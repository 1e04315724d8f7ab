// Package timeseries tracks a cumulative counter and computes rolling
// rates over short windows. The CLI uses it for files/sec and
// stdout bytes/sec during batch runs.
package timeseries

import (
	"sync"
	"sync/atomic"
	"time"
)

const (
	// ringSize is the number of samples kept (two minutes at 1 sample/sec).
	ringSize = 120

	window1s  = 1 * time.Second
	window10s = 10 * time.Second
	window60s = 60 * time.Second
)

// Clock interface for testing with deterministic time.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

type sample struct {
	at    time.Time
	total int64
}

// RateTracker accumulates a counter and keeps periodic samples of it.
//
//	tracker := NewRateTracker()
//	tracker.Add(n)         // from any goroutine
//	tracker.RecordSample() // once per tick
//	stats := tracker.Stats()
type RateTracker struct {
	total atomic.Int64

	mu       sync.RWMutex
	samples  []sample
	writeIdx int
	start    time.Time
	clock    Clock
}

// RateStats is a point-in-time view of a RateTracker.
type RateStats struct {
	Total int64

	// Per-second rates over the trailing window.
	Rate1s  float64
	Rate10s float64
	Rate60s float64

	// RateOverall is the rate since the tracker was created.
	RateOverall float64
}

// NewRateTracker creates a tracker using the wall clock.
func NewRateTracker() *RateTracker {
	return NewRateTrackerWithClock(realClock{})
}

// NewRateTrackerWithClock creates a tracker with a custom clock.
func NewRateTrackerWithClock(clock Clock) *RateTracker {
	now := clock.Now()
	return &RateTracker{
		samples: append(make([]sample, 0, ringSize), sample{at: now}),
		start:   now,
		clock:   clock,
	}
}

// Add increases the counter. Non-positive values are ignored.
func (t *RateTracker) Add(n int64) {
	if n > 0 {
		t.total.Add(n)
	}
}

// Set raises the counter to n if n is larger. Useful when the source
// already reports a cumulative value.
func (t *RateTracker) Set(n int64) {
	for {
		cur := t.total.Load()
		if n <= cur || t.total.CompareAndSwap(cur, n) {
			return
		}
	}
}

// RecordSample stores the current counter with a timestamp.
func (t *RateTracker) RecordSample() {
	s := sample{at: t.clock.Now(), total: t.total.Load()}

	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.samples) < ringSize {
		t.samples = append(t.samples, s)
		return
	}
	t.samples[t.writeIdx] = s
	t.writeIdx = (t.writeIdx + 1) % ringSize
}

// Stats computes the current rates.
func (t *RateTracker) Stats() RateStats {
	now := t.clock.Now()
	total := t.total.Load()

	t.mu.RLock()
	defer t.mu.RUnlock()

	st := RateStats{Total: total}
	if elapsed := now.Sub(t.start).Seconds(); elapsed > 0 {
		st.RateOverall = float64(total) / elapsed
	}
	st.Rate1s = t.rateOver(now, total, window1s)
	st.Rate10s = t.rateOver(now, total, window10s)
	st.Rate60s = t.rateOver(now, total, window60s)
	return st
}

// rateOver uses the newest sample at or before now-window, or the oldest
// sample when history is shorter than the window. Must hold mu.
func (t *RateTracker) rateOver(now time.Time, total int64, window time.Duration) float64 {
	target := now.Add(-window)

	var best *sample
	for i := range t.samples {
		s := &t.samples[i]
		if s.at.After(target) {
			continue
		}
		if best == nil || s.at.After(best.at) {
			best = s
		}
	}
	if best == nil {
		best = t.oldest()
	}
	if best == nil {
		return 0
	}

	elapsed := now.Sub(best.at).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(total-best.total) / elapsed
}

// oldest returns the oldest sample. Must hold mu.
func (t *RateTracker) oldest() *sample {
	if len(t.samples) == 0 {
		return nil
	}
	if len(t.samples) < ringSize {
		return &t.samples[0]
	}
	return &t.samples[t.writeIdx]
}

// Reset clears the counter and history.
func (t *RateTracker) Reset() {
	now := t.clock.Now()

	t.mu.Lock()
	defer t.mu.Unlock()
	t.total.Store(0)
	t.samples = append(t.samples[:0], sample{at: now})
	t.writeIdx = 0
	t.start = now
}

// SampleCount returns the number of stored samples.
func (t *RateTracker) SampleCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.samples)
}
