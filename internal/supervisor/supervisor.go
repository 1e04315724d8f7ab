package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/randomizedcoder/go-exiftool-stayopen/internal/exiferr"
	"github.com/randomizedcoder/go-exiftool-stayopen/internal/process"
)

var (
	// ErrStopped is returned by Spawn and Restart after Close.
	ErrStopped = errors.New("supervisor: stopped")

	// ErrMaxRestarts is returned by Restart once MaxRestarts is reached.
	ErrMaxRestarts = errors.New("supervisor: max restarts reached")

	// ErrKillFailed is returned when the process survived SIGKILL for the
	// whole kill timeout.
	ErrKillFailed = errors.New("supervisor: process did not exit after kill")
)

// DefaultKillTimeout bounds the wait after SIGKILL.
const DefaultKillTimeout = 5 * time.Second

// Callbacks contains optional callback functions for supervisor events.
type Callbacks struct {
	// OnStateChange is called when the supervisor state changes.
	OnStateChange func(oldState, newState State)

	// OnStart is called when a process starts.
	OnStart func(pid int)

	// OnExit is called when a process exits, for whatever reason.
	OnExit func(pid int, exitCode int, uptime time.Duration)

	// OnRestart is called before a restart attempt.
	OnRestart func(attempt int, delay time.Duration)
}

// Handle is one running child process and its three streams.
// The supervisor is the only party that starts or stops it; the executor
// writes Stdin and the readers consume Stdout and Stderr.
type Handle struct {
	Stdin  io.WriteCloser
	Stdout io.ReadCloser
	Stderr io.ReadCloser

	Pid     int
	Started time.Time

	done     chan struct{}
	exitCode int
	waitErr  error

	closeOnce sync.Once
}

// Done is closed once the process has exited and been reaped.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Alive reports whether the process is still running. It never blocks.
func (h *Handle) Alive() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

// ExitCode returns the exit code, or -1 while the process is running.
func (h *Handle) ExitCode() int {
	if h.Alive() {
		return -1
	}
	return h.exitCode
}

// WaitErr returns the error from Wait once the process has exited.
func (h *Handle) WaitErr() error {
	if h.Alive() {
		return nil
	}
	return h.waitErr
}

// Uptime returns how long the process has been (or was) running.
func (h *Handle) Uptime() time.Duration {
	return time.Since(h.Started)
}

func (h *Handle) closeStreams() {
	h.closeOnce.Do(func() {
		h.Stdin.Close()
		h.Stdout.Close()
		h.Stderr.Close()
	})
}

// Supervisor manages the lifecycle of the resident process.
// All methods are safe for concurrent use.
type Supervisor struct {
	runner      process.Runner
	backoff     *Backoff
	logger      *slog.Logger
	callbacks   Callbacks
	maxRestarts int // 0 = unlimited
	killTimeout time.Duration

	mu         sync.Mutex
	handle     *Handle
	restarts   int
	spawns     int
	lastReason RestartReason

	state   State
	stateMu sync.RWMutex
}

// Config holds configuration for creating a new Supervisor.
type Config struct {
	Runner      process.Runner
	Backoff     *Backoff
	Logger      *slog.Logger
	Callbacks   Callbacks
	MaxRestarts int // 0 = unlimited

	// KillTimeout bounds the wait after SIGKILL (default DefaultKillTimeout).
	KillTimeout time.Duration
}

// New creates a new Supervisor with the given configuration.
func New(cfg Config) *Supervisor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	backoff := cfg.Backoff
	if backoff == nil {
		backoff = NewBackoff(time.Now().UnixNano(), DefaultBackoffConfig())
	}
	killTimeout := cfg.KillTimeout
	if killTimeout <= 0 {
		killTimeout = DefaultKillTimeout
	}
	return &Supervisor{
		runner:      cfg.Runner,
		backoff:     backoff,
		logger:      logger,
		callbacks:   cfg.Callbacks,
		maxRestarts: cfg.MaxRestarts,
		killTimeout: killTimeout,
		state:       StateCreated,
	}
}

// Spawn starts the process unless one is already alive, and returns the
// current handle.
func (s *Supervisor) Spawn(ctx context.Context) (*Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.State() == StateStopped {
		return nil, ErrStopped
	}
	if s.handle != nil && s.handle.Alive() {
		return s.handle, nil
	}
	if s.handle != nil {
		// dead handle left behind by a crash
		s.terminate(s.handle, 0)
		s.handle = nil
	}
	return s.spawnLocked(ctx)
}

func (s *Supervisor) spawnLocked(ctx context.Context) (*Handle, error) {
	s.setState(StateStarting)

	cmd, err := s.runner.BuildCommand(ctx)
	if err != nil {
		s.logger.Error("failed_to_build_command",
			"process", s.runner.Name(),
			"error", err,
		)
		s.setState(StateCreated)
		return nil, err
	}
	setProcessGroup(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		s.setState(StateCreated)
		return nil, exiferr.Wrap(exiferr.IO, "spawn", fmt.Errorf("stdin pipe: %w", err))
	}

	// Plain pipes, not StdoutPipe: Wait must not close the read ends
	// while the readers still drain them.
	outR, outW, err := os.Pipe()
	if err != nil {
		stdin.Close()
		s.setState(StateCreated)
		return nil, exiferr.Wrap(exiferr.IO, "spawn", fmt.Errorf("stdout pipe: %w", err))
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		stdin.Close()
		outR.Close()
		outW.Close()
		s.setState(StateCreated)
		return nil, exiferr.Wrap(exiferr.IO, "spawn", fmt.Errorf("stderr pipe: %w", err))
	}
	cmd.Stdout = outW
	cmd.Stderr = errW

	started := time.Now()
	if err := cmd.Start(); err != nil {
		s.logger.Error("failed_to_start_process",
			"process", s.runner.Name(),
			"error", err,
		)
		stdin.Close()
		outR.Close()
		outW.Close()
		errR.Close()
		errW.Close()
		s.setState(StateCreated)
		return nil, exiferr.Wrap(exiferr.ProcessNotFound, "spawn", err)
	}

	// The child holds its own copies; closing ours makes EOF reach the
	// readers as soon as the child exits.
	outW.Close()
	errW.Close()

	h := &Handle{
		Stdin:   stdin,
		Stdout:  outR,
		Stderr:  errR,
		Pid:     cmd.Process.Pid,
		Started: started,
		done:    make(chan struct{}),
	}
	go func() {
		err := cmd.Wait()
		h.exitCode = exitCode(err)
		h.waitErr = err
		close(h.done)

		uptime := time.Since(h.Started)
		s.logger.Info("exiftool_exited",
			"pid", h.Pid,
			"exit_code", h.exitCode,
			"uptime", uptime.String(),
		)
		if s.callbacks.OnExit != nil {
			s.callbacks.OnExit(h.Pid, h.exitCode, uptime)
		}
	}()

	s.handle = h
	s.spawns++
	s.setState(StateRunning)

	s.logger.Info("exiftool_started",
		"pid", h.Pid,
		"spawns", s.spawns,
	)
	if s.callbacks.OnStart != nil {
		s.callbacks.OnStart(h.Pid)
	}
	return h, nil
}

// Restart tears down the current process (forcefully; it is presumed
// broken), waits for the backoff delay and spawns a fresh one.
func (s *Supervisor) Restart(ctx context.Context, reason RestartReason) (*Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.State() == StateStopped {
		return nil, ErrStopped
	}
	if s.maxRestarts > 0 && s.restarts >= s.maxRestarts {
		s.logger.Warn("max_restarts_reached",
			"restarts", s.restarts,
			"max", s.maxRestarts,
		)
		return nil, ErrMaxRestarts
	}

	if old := s.handle; old != nil {
		s.handle = nil
		s.terminate(old, 0)
		if s.backoff.Observe(old.Uptime(), old.ExitCode()) {
			s.logger.Debug("restart_backoff_reset", "uptime", old.Uptime())
		}
	}

	delay := s.backoff.Next()
	s.restarts++
	s.lastReason = reason

	if s.callbacks.OnRestart != nil {
		s.callbacks.OnRestart(s.restarts, delay)
	}
	s.logger.Info("process_restart_scheduled",
		"attempt", s.restarts,
		"reason", reason.String(),
		"delay", delay.String(),
	)

	s.setState(StateBackoff)
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		s.setState(StateCreated)
		return nil, ctx.Err()
	case <-timer.C:
	}
	return s.spawnLocked(ctx)
}

// Shutdown asks the process to leave stay-open mode, waits up to grace
// for it to exit, then kills its process group. It is idempotent and the
// supervisor can spawn again afterwards.
func (s *Supervisor) Shutdown(grace time.Duration) error {
	s.mu.Lock()
	h := s.handle
	s.handle = nil
	s.mu.Unlock()

	if h != nil && h.Alive() && s.State() != StateStopped {
		s.setState(StateDraining)
	}
	err := s.terminate(h, grace)
	if s.State() != StateStopped {
		s.setState(StateCreated)
	}
	return err
}

// Close shuts the process down and stops the supervisor for good.
func (s *Supervisor) Close(grace time.Duration) error {
	err := s.Shutdown(grace)
	s.setState(StateStopped)
	return err
}

// terminate stops h and releases its streams. Safe on nil and on
// already-exited handles.
func (s *Supervisor) terminate(h *Handle, grace time.Duration) error {
	if h == nil {
		return nil
	}
	defer h.closeStreams()

	if !h.Alive() {
		return nil
	}

	// Written in the background: a wedged child may not drain stdin.
	go func() {
		h.Stdin.Write(s.runner.ShutdownCommand())
		h.Stdin.Close()
	}()

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-h.done:
		s.logger.Debug("exiftool_stopped", "pid", h.Pid)
		return nil
	case <-timer.C:
	}

	s.logger.Warn("force_killing_process",
		"pid", h.Pid,
		"grace", grace.String(),
	)
	if err := killGroup(h.Pid); err != nil {
		s.logger.Error("kill_failed", "pid", h.Pid, "error", err)
	}

	kill := time.NewTimer(s.killTimeout)
	defer kill.Stop()
	select {
	case <-h.done:
		return nil
	case <-kill.C:
		return ErrKillFailed
	}
}

// IsAlive reports whether a process is currently running. It never blocks
// on the process.
func (s *Supervisor) IsAlive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle != nil && s.handle.Alive()
}

// Handle returns the current handle, or nil.
func (s *Supervisor) Handle() *Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle
}

// Pid returns the PID of the running process, or 0.
func (s *Supervisor) Pid() int {
	if h := s.Handle(); h != nil && h.Alive() {
		return h.Pid
	}
	return 0
}

// State returns the current state of the supervisor.
func (s *Supervisor) State() State {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.state
}

// setState updates the state and calls the callback if registered.
func (s *Supervisor) setState(newState State) {
	s.stateMu.Lock()
	oldState := s.state
	s.state = newState
	s.stateMu.Unlock()

	if s.callbacks.OnStateChange != nil && oldState != newState {
		s.callbacks.OnStateChange(oldState, newState)
	}
}

// LastRestartReason returns the reason given to the most recent Restart.
func (s *Supervisor) LastRestartReason() RestartReason {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastReason
}

// Restarts returns the number of restarts that have occurred.
func (s *Supervisor) Restarts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.restarts
}

// Spawns returns the number of processes started so far.
func (s *Supervisor) Spawns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.spawns
}

// Uptime returns the current uptime if running, or 0 if not.
func (s *Supervisor) Uptime() time.Duration {
	h := s.Handle()
	if h == nil || !h.Alive() {
		return 0
	}
	return h.Uptime()
}
