// Package executor is the single point of command submission for one
// stay-open ExifTool process.
//
// An Executor owns the process (through a supervisor) and the reader
// pair attached to its streams. Calls are serialised by one mutex, so at
// most one command is outstanding and responses come back in submission
// order. Transport failures restart the process and resubmit the command
// exactly once.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/randomizedcoder/go-exiftool-stayopen/internal/exiferr"
	"github.com/randomizedcoder/go-exiftool-stayopen/internal/logging"
	"github.com/randomizedcoder/go-exiftool-stayopen/internal/metrics"
	"github.com/randomizedcoder/go-exiftool-stayopen/internal/parser"
	"github.com/randomizedcoder/go-exiftool-stayopen/internal/process"
	"github.com/randomizedcoder/go-exiftool-stayopen/internal/protocol"
	"github.com/randomizedcoder/go-exiftool-stayopen/internal/stats"
	"github.com/randomizedcoder/go-exiftool-stayopen/internal/supervisor"
)

// DefaultShutdownGrace is how long Close waits for a clean exit.
const DefaultShutdownGrace = 2 * time.Second

// Config holds configuration for an Executor.
type Config struct {
	Runner process.Runner

	// ReadTimeout bounds the wait for one response (0 = unbounded).
	// On expiry the process is restarted.
	ReadTimeout time.Duration

	// MaxPendingDiagnostics caps the stderr lines kept per command.
	MaxPendingDiagnostics int

	// ChunkSize is the stdout read size.
	ChunkSize int

	Backoff     supervisor.BackoffConfig
	MaxRestarts int
	KillTimeout time.Duration

	Logger  *slog.Logger
	Verbose bool

	// Metrics is optional.
	Metrics *metrics.Collector

	// Latency receives per-command latencies. Executors may share one.
	Latency *stats.LatencyTracker

	// OnStateChange observes the supervisor state.
	OnStateChange func(oldState, newState supervisor.State)
}

// Executor runs commands against one resident process.
// All methods are safe for concurrent use.
type Executor struct {
	cfg     Config
	logger  *slog.Logger
	sup     *supervisor.Supervisor
	stderr  *logging.StderrHandler
	latency *stats.LatencyTracker

	mu       sync.Mutex
	handle   *supervisor.Handle
	stdout   *parser.ChannelReader
	diag     *parser.DiagnosticReader
	seq      uint64
	closed   bool
	bytesIn  int64 // stdout bytes already reported
	dropped  int64 // stderr drops already reported
	commands int64
}

// New creates an Executor. The process is not started until Start or the
// first command.
func New(cfg Config) *Executor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if cfg.Runner == nil {
		cfg.Runner = process.NewExifToolRunner(nil)
	}

	e := &Executor{
		cfg:     cfg,
		logger:  logger,
		stderr:  logging.NewStderrHandler(logger, cfg.Verbose),
		latency: cfg.Latency,
	}
	if e.latency == nil {
		e.latency = stats.NewLatencyTracker()
	}

	backoffCfg := cfg.Backoff
	if backoffCfg.Initial <= 0 {
		backoffCfg = supervisor.DefaultBackoffConfig()
	}

	e.sup = supervisor.New(supervisor.Config{
		Runner:      cfg.Runner,
		Backoff:     supervisor.NewBackoff(time.Now().UnixNano(), backoffCfg),
		Logger:      logger,
		MaxRestarts: cfg.MaxRestarts,
		KillTimeout: cfg.KillTimeout,
		Callbacks: supervisor.Callbacks{
			OnStateChange: cfg.OnStateChange,
			OnStart: func(int) {
				if cfg.Metrics != nil {
					cfg.Metrics.ProcessStarted()
				}
			},
			OnExit: func(_ int, code int, uptime time.Duration) {
				if cfg.Metrics != nil {
					cfg.Metrics.RecordExit(code, uptime)
				}
			},
			OnRestart: func(int, time.Duration) {
				if cfg.Metrics != nil {
					cfg.Metrics.ProcessRestarted()
				}
			},
		},
	})
	return e
}

// Start spawns the process now, so a missing executable is reported
// before the first command.
func (e *Executor) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return exiferr.New(exiferr.Closed, "start", "executor closed")
	}
	return e.ensureLocked(ctx)
}

// Execute runs one command and returns its framed response. A non-zero
// status or stderr output is not an error; the caller classifies it.
func (e *Executor) Execute(ctx context.Context, args []string) (*protocol.FramedResponse, error) {
	return e.run(ctx, "execute", args, false)
}

// ExecuteBinary runs a command whose stdout is one raw binary value. The
// payload is framed by nonce markers and returned verbatim.
func (e *Executor) ExecuteBinary(ctx context.Context, args []string) (*protocol.FramedResponse, error) {
	return e.run(ctx, "execute_binary", args, true)
}

func (e *Executor) run(ctx context.Context, op string, args []string, binary bool) (*protocol.FramedResponse, error) {
	if _, err := protocol.NewCommand(0, args); err != nil {
		return nil, e.fail(exiferr.Wrap(exiferr.InvalidArgument, op, err))
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil, e.fail(exiferr.New(exiferr.Closed, op, "executor closed"))
	}

	start := time.Now()
	resp, err := e.attemptLocked(ctx, op, args, binary)
	if err != nil && exiferr.KindOf(err).Retryable() {
		if ctx.Err() == nil {
			resp, err = e.retryLocked(ctx, op, args, binary, err)
		}
		if err != nil {
			// the stream cannot be trusted after an abandoned command
			e.resetLocked()
		}
	}
	if err != nil {
		return nil, e.fail(err)
	}

	e.record(resp, time.Since(start))
	return resp, nil
}

func (e *Executor) retryLocked(ctx context.Context, op string, args []string, binary bool, cause error) (*protocol.FramedResponse, error) {
	e.logger.Warn("command_retry",
		"op", op,
		"seq", e.seq,
		"reason", supervisor.ReasonFor(cause).String(),
		"error", cause,
	)
	if e.cfg.Metrics != nil {
		e.cfg.Metrics.CommandRetried()
	}

	e.detachLocked()
	h, err := e.sup.Restart(ctx, supervisor.ReasonFor(cause))
	if err != nil {
		if exiferr.KindOf(err) == exiferr.ProcessNotFound {
			return nil, err
		}
		return nil, exitedErr(op, fmt.Errorf("restart: %w (after %v)", err, cause))
	}
	e.attachLocked(h)

	resp, err := e.attemptLocked(ctx, op, args, binary)
	if err != nil {
		if ctx.Err() != nil || exiferr.KindOf(err) == exiferr.ProcessNotFound {
			return nil, err
		}
		return nil, exitedErr(op, err)
	}
	return resp, nil
}

func exitedErr(op string, cause error) error {
	if k := exiferr.KindOf(cause); k == exiferr.ProcessExited {
		return cause
	}
	return &exiferr.Error{
		Kind:   exiferr.ProcessExited,
		Op:     op,
		Detail: "failed again after restart",
		Offset: -1,
		Err:    cause,
	}
}

func (e *Executor) attemptLocked(ctx context.Context, op string, args []string, binary bool) (*protocol.FramedResponse, error) {
	if err := e.ensureLocked(ctx); err != nil {
		return nil, err
	}

	e.seq++
	seq := e.seq

	var open, close string
	wire := args
	if binary {
		open, close = protocol.BinaryMarkers(seq, protocol.NewNonce())
		wire = protocol.WrapBinary(open, close, args)
	}
	cmd, err := protocol.NewCommand(seq, wire)
	if err != nil {
		return nil, exiferr.Wrap(exiferr.InvalidArgument, op, err)
	}

	if _, err := e.handle.Stdin.Write(protocol.Encode(cmd)); err != nil {
		if !e.handle.Alive() {
			return nil, exiferr.Wrap(exiferr.ProcessExited, op, err)
		}
		return nil, exiferr.Wrap(exiferr.IO, op, err)
	}

	readCtx := ctx
	if e.cfg.ReadTimeout > 0 {
		var cancel context.CancelFunc
		readCtx, cancel = context.WithTimeout(ctx, e.cfg.ReadTimeout)
		defer cancel()
	}

	var resp *protocol.FramedResponse
	if binary {
		resp, err = e.stdout.ReadBinary(readCtx, seq, open, close)
	} else {
		resp, err = e.stdout.ReadUntilMarker(readCtx, seq)
	}
	if err != nil {
		return nil, err
	}

	lines, err := e.diag.Collect(readCtx, seq)
	if err != nil {
		return nil, err
	}
	resp.Diagnostics = lines
	return resp, nil
}

// ensureLocked makes sure a live process with attached readers exists.
// A process that died between commands is replaced without counting as a
// retry.
func (e *Executor) ensureLocked(ctx context.Context) error {
	if e.handle != nil && e.handle.Alive() {
		return nil
	}
	if e.handle != nil {
		e.logger.Warn("exiftool_died_idle",
			"pid", e.handle.Pid,
			"exit_code", e.handle.ExitCode(),
		)
		e.detachLocked()
	}

	h, err := e.sup.Spawn(ctx)
	if err != nil {
		if errors.Is(err, supervisor.ErrStopped) {
			return exiferr.Wrap(exiferr.Closed, "spawn", err)
		}
		if ctx.Err() != nil {
			return exiferr.Wrap(exiferr.Timeout, "spawn", err)
		}
		if exiferr.KindOf(err) == exiferr.Unknown {
			return exiferr.Wrap(exiferr.ProcessNotFound, "spawn", err)
		}
		return err
	}
	e.attachLocked(h)
	return nil
}

func (e *Executor) attachLocked(h *supervisor.Handle) {
	e.handle = h
	e.stdout = parser.NewChannelReader(h.Stdout, e.cfg.ChunkSize)
	e.diag = parser.NewDiagnosticReader(h.Stderr, e.cfg.MaxPendingDiagnostics, &diagnosticSink{
		handler: e.stderr,
		metrics: e.cfg.Metrics,
	})
	e.bytesIn = 0
	e.dropped = 0
}

func (e *Executor) detachLocked() {
	if e.stdout != nil {
		e.stdout.Close()
	}
	if e.diag != nil {
		e.diag.Close()
	}
	e.handle = nil
	e.stdout = nil
	e.diag = nil
}

// resetLocked kills the process so the next command starts clean.
func (e *Executor) resetLocked() {
	e.detachLocked()
	if err := e.sup.Shutdown(0); err != nil {
		e.logger.Error("reset_failed", "error", err)
	}
}

func (e *Executor) record(resp *protocol.FramedResponse, d time.Duration) {
	e.commands++
	e.latency.Record(d)

	m := e.cfg.Metrics
	if m == nil {
		return
	}
	outcome := metrics.OutcomeOK
	if resp.Failed() {
		outcome = metrics.OutcomeToolError
	}
	m.RecordCommand(outcome, d)
	m.SetLatencyPercentiles(e.latency.Percentiles())

	if e.stdout != nil {
		total := e.stdout.BytesRead()
		m.BytesRead(total - e.bytesIn)
		e.bytesIn = total
	}
	if e.diag != nil {
		_, dropped := e.diag.Stats()
		m.DiagnosticsDropped(dropped - e.dropped)
		e.dropped = dropped
	}
}

func (e *Executor) fail(err error) error {
	if m := e.cfg.Metrics; m != nil {
		m.RecordCommand(metrics.OutcomeFailed, 0)
		m.RecordError(exiferr.KindOf(err).String())
	}
	return err
}

// Close shuts the process down. Later calls fail with exiferr.Closed.
// Close is idempotent.
func (e *Executor) Close(grace time.Duration) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil
	}
	e.closed = true
	e.detachLocked()
	if err := e.sup.Close(grace); err != nil {
		return exiferr.Wrap(exiferr.IO, "close", err)
	}
	return nil
}

// =============================================================================
// Accessors
// =============================================================================

// IsAlive reports whether the process is running. It does not block on
// an in-flight command.
func (e *Executor) IsAlive() bool {
	return e.sup.IsAlive()
}

// Pid returns the PID of the running process, or 0.
func (e *Executor) Pid() int {
	return e.sup.Pid()
}

// Restarts returns the number of restarts performed.
func (e *Executor) Restarts() int {
	return e.sup.Restarts()
}

// Spawns returns the number of processes started.
func (e *Executor) Spawns() int {
	return e.sup.Spawns()
}

// State returns the supervisor state.
func (e *Executor) State() supervisor.State {
	return e.sup.State()
}

// Latency returns the per-command latency tracker.
func (e *Executor) Latency() *stats.LatencyTracker {
	return e.latency
}

// RecentDiagnostics returns up to n of the most recent stderr lines.
func (e *Executor) RecentDiagnostics(n int) []string {
	return e.stderr.RecentLines(n)
}

// Commands returns the number of successfully framed commands.
func (e *Executor) Commands() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.commands
}

// diagnosticSink forwards stderr lines to the log handler and metrics.
type diagnosticSink struct {
	handler *logging.StderrHandler
	metrics *metrics.Collector
}

func (s *diagnosticSink) HandleLine(line string) {
	s.handler.HandleLine(line)
	if s.metrics != nil {
		s.metrics.DiagnosticLine(levelName(logging.ClassifyLine(line)))
	}
}

func levelName(l slog.Level) string {
	switch {
	case l >= slog.LevelWarn:
		return "warn"
	case l >= slog.LevelInfo:
		return "info"
	default:
		return "debug"
	}
}
