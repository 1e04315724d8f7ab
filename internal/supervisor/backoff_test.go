package supervisor

import (
	"math"
	"testing"
	"time"
)

func TestDefaultBackoffConfig(t *testing.T) {
	cfg := DefaultBackoffConfig()
	want := BackoffConfig{
		Initial:     50 * time.Millisecond,
		Max:         2 * time.Second,
		Multiplier:  1.7,
		JitterPct:   0.4,
		StableAfter: 30 * time.Second,
	}
	if cfg != want {
		t.Errorf("DefaultBackoffConfig() = %+v, want %+v", cfg, want)
	}
}

func TestBackoff_Calculate_NoJitter(t *testing.T) {
	tests := []struct {
		name     string
		attempts int
		initial  time.Duration
		max      time.Duration
		mult     float64
		want     time.Duration
	}{
		{"attempt 0", 0, 100 * time.Millisecond, 10 * time.Second, 2.0, 100 * time.Millisecond},
		{"attempt 1", 1, 100 * time.Millisecond, 10 * time.Second, 2.0, 200 * time.Millisecond},
		{"attempt 3", 3, 100 * time.Millisecond, 10 * time.Second, 2.0, 800 * time.Millisecond},
		{"capped", 10, 100 * time.Millisecond, time.Second, 2.0, time.Second},
		{"zero initial", 4, 0, time.Second, 2.0, 0},
		{"huge attempts capped", 1000, 100 * time.Millisecond, 5 * time.Second, 2.0, 5 * time.Second},
		{"overflowing attempts capped", math.MaxInt32, 100 * time.Millisecond, 5 * time.Second, 1.7, 5 * time.Second},
		{"exactly at cap", 3, 100 * time.Millisecond, 800 * time.Millisecond, 2.0, 800 * time.Millisecond},
		{"negative attempts", -1, 100 * time.Millisecond, 5 * time.Second, 2.0, 50 * time.Millisecond},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewBackoff(1, BackoffConfig{
				Initial:    tt.initial,
				Max:        tt.max,
				Multiplier: tt.mult,
			})
			b.SetAttempts(tt.attempts)
			if got := b.Calculate(); got != tt.want {
				t.Errorf("Calculate() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestBackoff_NextAndReset(t *testing.T) {
	b := NewBackoff(1, BackoffConfig{Initial: 10 * time.Millisecond, Max: time.Second, Multiplier: 2})

	want := []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 40 * time.Millisecond}
	for i, w := range want {
		if got := b.Next(); got != w {
			t.Errorf("Next() #%d = %v, want %v", i, got, w)
		}
	}
	if b.Attempts() != 3 {
		t.Errorf("Attempts() = %d, want 3", b.Attempts())
	}

	b.Reset()
	if b.Attempts() != 0 {
		t.Errorf("Attempts() after Reset = %d, want 0", b.Attempts())
	}
	if got := b.Next(); got != 10*time.Millisecond {
		t.Errorf("Next() after Reset = %v, want 10ms", got)
	}
}

func TestBackoff_JitterBounds(t *testing.T) {
	cfg := BackoffConfig{
		Initial:    time.Second,
		Max:        10 * time.Second,
		Multiplier: 1.0,
		JitterPct:  0.4, // ±20%
	}
	b := NewBackoff(12345, cfg)

	for i := 0; i < 50; i++ {
		d := b.Calculate()
		if d < 800*time.Millisecond || d > 1200*time.Millisecond {
			t.Errorf("sample %d = %v, want between 800ms and 1200ms", i, d)
		}
	}
}

func TestBackoff_DeterministicJitter(t *testing.T) {
	cfg := BackoffConfig{
		Initial:    time.Second,
		Max:        10 * time.Second,
		Multiplier: 1.0,
		JitterPct:  0.4,
	}

	b1 := NewBackoff(42, cfg)
	b2 := NewBackoff(42, cfg)
	for i := 0; i < 10; i++ {
		if d1, d2 := b1.Calculate(), b2.Calculate(); d1 != d2 {
			t.Errorf("iteration %d: %v != %v (same seed should be deterministic)", i, d1, d2)
		}
	}
}

func TestBackoff_Observe(t *testing.T) {
	tests := []struct {
		name        string
		stableAfter time.Duration
		uptime      time.Duration
		exitCode    int
		wantReset   bool
	}{
		{"clean exit", 0, time.Second, 0, true},
		{"long uptime crash", 0, 30 * time.Second, 1, true},
		{"quick crash", 0, time.Second, 1, false},
		{"killed quickly", 0, 10 * time.Millisecond, -1, false},
		{"custom threshold reached", 5 * time.Second, 5 * time.Second, -1, true},
		{"custom threshold missed", 5 * time.Second, 4 * time.Second, -1, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewBackoff(1, BackoffConfig{
				Initial:     10 * time.Millisecond,
				Max:         time.Second,
				Multiplier:  2,
				StableAfter: tt.stableAfter,
			})
			b.SetAttempts(4)
			if got := b.Observe(tt.uptime, tt.exitCode); got != tt.wantReset {
				t.Errorf("Observe(%v, %d) = %v, want %v", tt.uptime, tt.exitCode, got, tt.wantReset)
			}
			wantAttempts := 4
			if tt.wantReset {
				wantAttempts = 0
			}
			if b.Attempts() != wantAttempts {
				t.Errorf("Attempts() = %d, want %d", b.Attempts(), wantAttempts)
			}
		})
	}
}

func BenchmarkBackoff_Calculate(b *testing.B) {
	backoff := NewBackoff(12345, DefaultBackoffConfig())

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = backoff.Calculate()
	}
}
