// Package pool runs several independent stay-open managers and fans work
// out across them.
//
// Each manager owns its own process and buffers; the pool only decides
// which manager handles which files. Batch results are reassembled in
// input order.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/randomizedcoder/go-exiftool-stayopen/internal/exiferr"
	"github.com/randomizedcoder/go-exiftool-stayopen/internal/exiftool"
	"github.com/randomizedcoder/go-exiftool-stayopen/internal/logging"
	"github.com/randomizedcoder/go-exiftool-stayopen/internal/result"
	"github.com/randomizedcoder/go-exiftool-stayopen/internal/stats"
	"github.com/randomizedcoder/go-exiftool-stayopen/internal/supervisor"
)

// DefaultBatchSize is the number of files sent in one command.
const DefaultBatchSize = 50

// Callbacks contains optional callbacks for pool events.
type Callbacks struct {
	// OnStateChange is called when any manager's process changes state.
	OnStateChange func(id int, oldState, newState supervisor.State)

	// OnProgress is called after each batch with the files done so far.
	OnProgress func(done, total int)
}

// Config holds configuration for a Pool.
type Config struct {
	Size    int
	Manager exiftool.Config

	// BatchSize caps the files per command (default DefaultBatchSize).
	BatchSize int

	// RampRate is managers started per second (0 = all at once).
	RampRate   int
	RampJitter time.Duration
	Seed       int64

	Logger    *slog.Logger
	Callbacks Callbacks
}

// Pool is a fixed set of managers.
type Pool struct {
	managers  []*exiftool.Manager
	logger    *slog.Logger
	batchSize int
	callbacks Callbacks

	latency     *stats.LatencyTracker
	activeCount atomic.Int64
	next        atomic.Uint64
	closeOnce   sync.Once
	closeErr    error
}

// New starts cfg.Size managers, paced by the ramp scheduler. If any
// manager fails to start, the ones already running are closed.
func New(ctx context.Context, cfg Config) (*Pool, error) {
	if cfg.Size < 1 {
		return nil, exiferr.New(exiferr.InvalidArgument, "pool", fmt.Sprintf("size %d", cfg.Size))
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = DefaultBatchSize
	}

	p := &Pool{
		logger:    logger,
		batchSize: batch,
		callbacks: cfg.Callbacks,
		latency:   cfg.Manager.Latency,
	}
	if p.latency == nil {
		p.latency = stats.NewLatencyTracker()
	}

	var scheduler *RampScheduler
	if cfg.Seed != 0 {
		scheduler = NewRampSchedulerWithSeed(cfg.RampRate, cfg.RampJitter, cfg.Seed)
	} else {
		scheduler = NewRampScheduler(cfg.RampRate, cfg.RampJitter)
	}
	logger.Info("pool_starting",
		"size", cfg.Size,
		"rate", cfg.RampRate,
		"estimated_duration", scheduler.EstimatedRampDuration(cfg.Size).String(),
	)

	for i := 0; i < cfg.Size; i++ {
		if err := scheduler.Schedule(ctx, i); err != nil {
			p.Close()
			return nil, exiferr.Wrap(exiferr.Timeout, "pool", err)
		}

		mcfg := cfg.Manager
		mcfg.Logger = logging.ForManager(logger, i)
		mcfg.Latency = p.latency
		mcfg.OnStateChange = p.stateHandler(i, cfg.Manager.OnStateChange)

		m, err := exiftool.New(ctx, mcfg)
		if err != nil {
			logger.Error("manager_start_failed", "manager_id", i, "error", err)
			p.Close()
			return nil, err
		}
		p.managers = append(p.managers, m)
	}

	logger.Info("pool_ready", "size", len(p.managers), "active", p.ActiveCount())
	return p, nil
}

// stateHandler tracks the number of running processes.
func (p *Pool) stateHandler(id int, next func(oldState, newState supervisor.State)) func(oldState, newState supervisor.State) {
	return func(oldState, newState supervisor.State) {
		wasActive := oldState == supervisor.StateRunning
		isActive := newState == supervisor.StateRunning
		if !wasActive && isActive {
			p.activeCount.Add(1)
		} else if wasActive && !isActive {
			p.activeCount.Add(-1)
		}

		if next != nil {
			next(oldState, newState)
		}
		if p.callbacks.OnStateChange != nil {
			p.callbacks.OnStateChange(id, oldState, newState)
		}
	}
}

// Close shuts every manager down concurrently. It is idempotent.
func (p *Pool) Close() error {
	p.closeOnce.Do(func() {
		p.logger.Info("shutdown_initiated", "active_managers", p.ActiveCount())

		errs := make([]error, len(p.managers))
		var wg sync.WaitGroup
		for i, m := range p.managers {
			wg.Add(1)
			go func(i int, m *exiftool.Manager) {
				defer wg.Done()
				errs[i] = m.Close()
			}(i, m)
		}
		wg.Wait()

		p.closeErr = errors.Join(errs...)
		p.logger.Info("all_managers_stopped")
	})
	return p.closeErr
}

// =============================================================================
// Work distribution
// =============================================================================

// JSONBatch reads every path with -json. Paths are split into contiguous
// chunks, one per manager; the result holds one entry per path, in the
// order of paths.
func (p *Pool) JSONBatch(ctx context.Context, paths []string, extra ...string) ([]result.Entry, error) {
	out := make([]result.Entry, len(paths))
	var done atomic.Int64

	err := p.fanOut(ctx, len(paths), func(ctx context.Context, m *exiftool.Manager, lo, hi int) error {
		for start := lo; start < hi; start += p.batchSize {
			end := min(start+p.batchSize, hi)
			entries, err := m.JSONBatch(ctx, paths[start:end], extra...)
			if err != nil {
				return err
			}
			copy(out[start:end], entries)
			p.progress(int(done.Add(int64(end-start))), len(paths))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Each calls fn for every path, spreading paths over the managers.
// Calls on the same manager are sequential. The first error cancels the
// remaining work.
func (p *Pool) Each(ctx context.Context, paths []string, fn func(ctx context.Context, m *exiftool.Manager, path string) error) error {
	var done atomic.Int64
	return p.fanOut(ctx, len(paths), func(ctx context.Context, m *exiftool.Manager, lo, hi int) error {
		for i := lo; i < hi; i++ {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := fn(ctx, m, paths[i]); err != nil {
				return fmt.Errorf("%s: %w", paths[i], err)
			}
			p.progress(int(done.Add(1)), len(paths))
		}
		return nil
	})
}

// fanOut runs work over [0,n) split into one contiguous range per
// manager.
func (p *Pool) fanOut(ctx context.Context, n int, work func(ctx context.Context, m *exiftool.Manager, lo, hi int) error) error {
	if n == 0 {
		return nil
	}
	g, ctx := errgroup.WithContext(ctx)
	for i, r := range Chunks(n, len(p.managers)) {
		m := p.managers[i]
		lo, hi := r[0], r[1]
		g.Go(func() error {
			return work(ctx, m, lo, hi)
		})
	}
	return g.Wait()
}

func (p *Pool) progress(done, total int) {
	if p.callbacks.OnProgress != nil {
		p.callbacks.OnProgress(done, total)
	}
}

// Chunks splits n items into at most parts contiguous [lo,hi) ranges
// whose sizes differ by at most one.
func Chunks(n, parts int) [][2]int {
	if n <= 0 || parts <= 0 {
		return nil
	}
	parts = min(parts, n)
	out := make([][2]int, 0, parts)
	size, rem := n/parts, n%parts
	lo := 0
	for i := 0; i < parts; i++ {
		hi := lo + size
		if i < rem {
			hi++
		}
		out = append(out, [2]int{lo, hi})
		lo = hi
	}
	return out
}

// =============================================================================
// Accessors
// =============================================================================

// Size returns the number of managers.
func (p *Pool) Size() int {
	return len(p.managers)
}

// Manager returns manager i.
func (p *Pool) Manager(i int) *exiftool.Manager {
	return p.managers[i]
}

// Next returns managers in round-robin order.
func (p *Pool) Next() *exiftool.Manager {
	n := p.next.Add(1) - 1
	return p.managers[n%uint64(len(p.managers))]
}

// ActiveCount returns the number of running processes.
func (p *Pool) ActiveCount() int {
	return int(p.activeCount.Load())
}

// States returns each manager's process state.
func (p *Pool) States() map[int]supervisor.State {
	states := make(map[int]supervisor.State, len(p.managers))
	for i, m := range p.managers {
		states[i] = m.State()
	}
	return states
}

// Restarts returns the total automatic restarts across managers.
func (p *Pool) Restarts() int {
	total := 0
	for _, m := range p.managers {
		total += m.Restarts()
	}
	return total
}

// Commands returns the total completed commands across managers.
func (p *Pool) Commands() int64 {
	var total int64
	for _, m := range p.managers {
		total += m.Commands()
	}
	return total
}

// Latency returns the tracker shared by every manager.
func (p *Pool) Latency() *stats.LatencyTracker {
	return p.latency
}
