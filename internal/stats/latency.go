package stats

import (
	"sync"
	"time"

	"github.com/influxdata/tdigest"
)

// digestCompression keeps ~100 centroids (~10KB) per tracker.
const digestCompression = 100

// LatencyTracker records command latencies into a t-digest so
// percentiles stay cheap however many commands run.
type LatencyTracker struct {
	mu     sync.Mutex
	digest *tdigest.TDigest
	count  int64
	sum    time.Duration
	min    time.Duration
	max    time.Duration
}

// NewLatencyTracker creates an empty tracker.
func NewLatencyTracker() *LatencyTracker {
	return &LatencyTracker{
		digest: tdigest.NewWithCompression(digestCompression),
	}
}

// Record adds one observation.
func (t *LatencyTracker) Record(d time.Duration) {
	if d < 0 {
		d = 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	t.digest.Add(float64(d), 1)
	if t.count == 0 || d < t.min {
		t.min = d
	}
	if d > t.max {
		t.max = d
	}
	t.count++
	t.sum += d
}

// Quantile returns the latency at q (0.0-1.0), or 0 when empty.
func (t *LatencyTracker) Quantile(q float64) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.count == 0 {
		return 0
	}
	return time.Duration(t.digest.Quantile(q))
}

// Percentiles returns P50, P95 and P99.
func (t *LatencyTracker) Percentiles() (p50, p95, p99 time.Duration) {
	return t.Quantile(0.50), t.Quantile(0.95), t.Quantile(0.99)
}

// Count returns the number of observations.
func (t *LatencyTracker) Count() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.count
}

// Mean returns the average latency.
func (t *LatencyTracker) Mean() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.count == 0 {
		return 0
	}
	return t.sum / time.Duration(t.count)
}

// Min returns the smallest observation.
func (t *LatencyTracker) Min() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.min
}

// Max returns the largest observation.
func (t *LatencyTracker) Max() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.max
}

// Reset discards all observations.
func (t *LatencyTracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.digest = tdigest.NewWithCompression(digestCompression)
	t.count = 0
	t.sum = 0
	t.min = 0
	t.max = 0
}
