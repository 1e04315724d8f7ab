// Package orchestrator runs one CLI job: preflight checks, the metrics
// endpoint, a pool of ExifTool managers, the requested command and the
// exit summary.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/randomizedcoder/go-exiftool-stayopen/internal/config"
	"github.com/randomizedcoder/go-exiftool-stayopen/internal/exiftool"
	"github.com/randomizedcoder/go-exiftool-stayopen/internal/metrics"
	"github.com/randomizedcoder/go-exiftool-stayopen/internal/pool"
	"github.com/randomizedcoder/go-exiftool-stayopen/internal/preflight"
	"github.com/randomizedcoder/go-exiftool-stayopen/internal/process"
	"github.com/randomizedcoder/go-exiftool-stayopen/internal/stats"
	"github.com/randomizedcoder/go-exiftool-stayopen/internal/supervisor"
	"github.com/randomizedcoder/go-exiftool-stayopen/internal/timeseries"
	"github.com/randomizedcoder/go-exiftool-stayopen/internal/tui"
)

// ErrPreflight is returned when preflight checks fail.
var ErrPreflight = errors.New("preflight checks failed (use -skip-preflight to override)")

// sampleInterval is how often the rate trackers are sampled.
const sampleInterval = time.Second

// recentDiagnostics is the number of stderr lines kept per manager for
// the dashboard.
const recentDiagnostics = 20

// Orchestrator coordinates all components for one CLI invocation.
type Orchestrator struct {
	config *config.Config
	logger *slog.Logger
	stdout io.Writer
	stderr io.Writer

	runner        *process.ExifToolRunner
	registry      *prometheus.Registry
	metrics       *metrics.Collector
	metricsServer *metrics.Server
	latency       *stats.LatencyTracker
	files         *timeseries.RateTracker
	bytes         *timeseries.RateTracker

	pool    atomic.Pointer[pool.Pool]
	total   atomic.Int64
	version string

	startTime time.Time
}

// New creates a new Orchestrator with the given configuration. Results
// go to stdout; preflight output, the dashboard and the summary go to
// stderr.
func New(cfg *config.Config, logger *slog.Logger, stdout, stderr io.Writer) *Orchestrator {
	runner := process.NewExifToolRunner(&process.ExifToolConfig{
		BinaryPath: cfg.ExifToolPath,
		CommonArgs: cfg.CommonArgs,
		Env:        cfg.Env,
	})

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	o := &Orchestrator{
		config:   cfg,
		logger:   logger,
		stdout:   stdout,
		stderr:   stderr,
		runner:   runner,
		registry: registry,
		metrics:  metrics.NewCollectorWithRegistry(registry),
		latency:  stats.NewLatencyTracker(),
		files:    timeseries.NewRateTracker(),
		bytes:    timeseries.NewRateTracker(),
	}
	if cfg.MetricsAddr != "" {
		o.metricsServer = metrics.NewServer(cfg.MetricsAddr, registry, o.ready, logger)
	}
	return o
}

// Run executes the configured command. It blocks until the command
// finishes or a signal arrives.
func (o *Orchestrator) Run(ctx context.Context) (err error) {
	o.startTime = time.Now()

	if o.config.PrintCmd {
		fmt.Fprintln(o.stdout, o.runner.CommandString())
		return nil
	}

	if o.config.Command == config.CommandCheck {
		config.ApplyCheckMode(o.config)
	}

	// Run preflight checks
	if !o.config.SkipPreflight || o.config.Command == config.CommandCheck {
		result := preflight.RunAll(ctx, preflight.Options{
			Pool:    o.config.Pool,
			Runner:  o.runner,
			TempDir: o.config.TempDir,
		})
		preflight.PrintResults(o.stderr, result)
		if !result.Passed {
			return ErrPreflight
		}
		o.version = result.Version.Raw
	}

	// Start metrics server
	if o.metricsServer != nil {
		if err := o.metricsServer.Start(); err != nil {
			return fmt.Errorf("failed to start metrics server: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := o.metricsServer.Shutdown(shutdownCtx); err != nil {
				o.logger.Warn("metrics_server_shutdown_error", "error", err)
			}
		}()
	}

	// Setup signal handling
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if o.config.Summary {
		defer o.printExitSummary()
	}

	p, err := pool.New(ctx, pool.Config{
		Size:       o.config.Pool,
		Manager:    o.managerConfig(),
		BatchSize:  o.config.BatchSize,
		RampRate:   o.config.RampRate,
		RampJitter: o.config.RampJitter,
		Logger:     o.logger,
		Callbacks: pool.Callbacks{
			OnStateChange: o.onStateChange,
			OnProgress:    o.onProgress,
		},
	})
	if err != nil {
		return err
	}
	o.pool.Store(p)
	defer func() {
		if cerr := p.Close(); cerr != nil {
			o.logger.Warn("shutdown_incomplete", "error", cerr)
		}
	}()

	job := o.job()
	samplerDone := o.startSampler(ctx)
	defer samplerDone()

	if o.config.TUIEnabled {
		err = o.runWithTUI(ctx, job)
	} else {
		err = job(ctx)
	}

	if ctx.Err() != nil && err != nil {
		o.logger.Info("run_interrupted", "error", err)
	}
	return err
}

// managerConfig maps the CLI configuration onto one manager.
func (o *Orchestrator) managerConfig() exiftool.Config {
	cfg := exiftool.DefaultConfig()
	cfg.BinaryPath = o.config.ExifToolPath
	cfg.CommonArgs = o.config.CommonArgs
	cfg.Env = o.config.Env
	cfg.ReadTimeout = o.config.ReadTimeout
	cfg.ShutdownGrace = o.config.ShutdownGrace
	cfg.MaxPendingDiagnostics = o.config.MaxPendingDiagnostics
	cfg.TempDir = o.config.TempDir
	cfg.Backoff = supervisor.BackoffConfig{
		Initial:    o.config.BackoffInitial,
		Max:        o.config.BackoffMax,
		Multiplier: o.config.BackoffMultiply,
		JitterPct:  0.4,
	}
	cfg.MaxRestarts = o.config.MaxRestarts
	cfg.Verbose = o.config.Verbose
	cfg.Metrics = o.metrics
	cfg.Latency = o.latency
	return cfg
}

// runWithTUI runs job while the dashboard owns the terminal. Quitting
// the dashboard cancels the job.
func (o *Orchestrator) runWithTUI(ctx context.Context, job func(context.Context) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	program := tea.NewProgram(
		tui.New(tui.Config{
			Command:     o.config.Command,
			MetricsAddr: o.config.MetricsAddr,
			Source:      o,
		}),
		tea.WithOutput(o.stderr),
		tea.WithContext(ctx),
	)

	errCh := make(chan error, 1)
	go func() {
		err := job(ctx)
		errCh <- err
		tui.SendDone(program, err)
	}()

	if _, err := program.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		o.logger.Warn("tui_error", "error", err)
	}
	cancel()
	return <-errCh
}

// startSampler records rate samples until ctx ends or the returned
// function is called.
func (o *Orchestrator) startSampler(ctx context.Context) func() {
	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(sampleInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				o.sample()
			}
		}
	}()
	return func() {
		cancel()
		wg.Wait()
	}
}

func (o *Orchestrator) sample() {
	o.bytes.Set(o.metrics.GenerateSummary().BytesRead)
	o.files.RecordSample()
	o.bytes.RecordSample()
}

// ready reports whether any manager can take commands.
func (o *Orchestrator) ready() bool {
	p := o.pool.Load()
	return p != nil && p.ActiveCount() > 0
}

// Callback handlers

func (o *Orchestrator) onStateChange(managerID int, oldState, newState supervisor.State) {
	if o.config.Verbose {
		o.logger.Debug("manager_state_change",
			"manager_id", managerID,
			"from", oldState.String(),
			"to", newState.String(),
		)
	}
}

func (o *Orchestrator) onProgress(done, total int) {
	o.files.Set(int64(done))
	if o.config.Verbose && (done%100 == 0 || done == total) {
		o.logger.Info("batch_progress", "done", done, "total", total)
	}
}

// Snapshot implements tui.Source.
func (o *Orchestrator) Snapshot() tui.Snapshot {
	s := o.metrics.GenerateSummary()
	snap := tui.Snapshot{
		Total:             int(o.total.Load()),
		Done:              int(o.files.Stats().Total),
		Commands:          s.TotalCommands(),
		Failed:            s.Commands[metrics.OutcomeFailed],
		Retries:           s.Retries,
		Files:             o.files.Stats(),
		Bytes:             o.bytes.Stats(),
		DiagnosticLines:   s.DiagLines,
		DiagnosticDropped: s.Dropped,
	}
	snap.P50, snap.P95, snap.P99 = o.latency.Percentiles()

	p := o.pool.Load()
	if p == nil {
		return snap
	}
	snap.PoolSize = p.Size()
	snap.Active = p.ActiveCount()
	snap.States = p.States()
	snap.Restarts = p.Restarts()
	snap.Pids = make(map[int]int, p.Size())
	for i := 0; i < p.Size(); i++ {
		m := p.Manager(i)
		snap.Pids[i] = m.Pid()
		snap.Diagnostics = append(snap.Diagnostics, m.RecentDiagnostics(recentDiagnostics)...)
	}
	return snap
}

// printExitSummary writes a summary of the run to stderr, followed by
// the exiftool_ metric families when verbose.
func (o *Orchestrator) printExitSummary() {
	s := o.metrics.GenerateSummary()
	poolSize := 0
	if p := o.pool.Load(); p != nil {
		poolSize = p.Size()
	}
	fmt.Fprint(o.stderr, stats.FormatExitSummary(stats.SummaryConfig{
		Duration:           time.Since(o.startTime),
		MetricsAddr:        o.config.MetricsAddr,
		Version:            o.version,
		PoolSize:           poolSize,
		Files:              int(o.total.Load()),
		Commands:           s.Commands,
		Retries:            s.Retries,
		TotalStarts:        s.TotalStarts,
		TotalRestarts:      s.TotalRestarts,
		ExitCodes:          s.ExitCodes,
		Errors:             s.Errors,
		Writes:             s.Writes,
		DiagnosticsDropped: s.Dropped,
		Latency:            o.latency,
		UptimeP50:          s.UptimeP50,
		UptimeP95:          s.UptimeP95,
		UptimeP99:          s.UptimeP99,
	}))

	if o.config.Verbose {
		fmt.Fprintln(o.stderr, "Metrics:")
		if err := metrics.WriteText(o.stderr, o.registry, "exiftool_"); err != nil {
			o.logger.Warn("metrics_dump_failed", "error", err)
		}
	}
}

// Runner returns the ExifTool runner for external access.
func (o *Orchestrator) Runner() *process.ExifToolRunner {
	return o.runner
}

// Metrics returns the metrics collector for external access.
func (o *Orchestrator) Metrics() *metrics.Collector {
	return o.metrics
}

// Registry returns the Prometheus registry served on -metrics.
func (o *Orchestrator) Registry() *prometheus.Registry {
	return o.registry
}
