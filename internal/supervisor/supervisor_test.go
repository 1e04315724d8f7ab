package supervisor

import (
	"context"
	"errors"
	"log/slog"
	"os/exec"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/randomizedcoder/go-exiftool-stayopen/internal/exiferr"
	"github.com/randomizedcoder/go-exiftool-stayopen/internal/exiftooltest"
	"github.com/randomizedcoder/go-exiftool-stayopen/internal/process"
)

func TestMain(m *testing.M) {
	exiftooltest.RunIfFake()
	goleak.VerifyTestMain(m)
}

// =============================================================================
// Test Helpers
// =============================================================================

// mockRunner implements process.Runner for testing.
type mockRunner struct {
	name      string
	args      []string
	buildErr  error
	buildCall int
	mu        sync.Mutex
}

func (m *mockRunner) BuildCommand(ctx context.Context) (*exec.Cmd, error) {
	m.mu.Lock()
	m.buildCall++
	m.mu.Unlock()
	if m.buildErr != nil {
		return nil, m.buildErr
	}
	return exec.Command(m.name, m.args...), nil
}

func (m *mockRunner) ShutdownCommand() []byte { return []byte("quit\n") }

func (m *mockRunner) Name() string { return "mock" }

// newSleepRunner returns a runner whose process ignores stdin.
func newSleepRunner() *mockRunner {
	return &mockRunner{name: "sleep", args: []string{"60"}}
}

func newExitRunner(code string) *mockRunner {
	return &mockRunner{name: "sh", args: []string{"-c", "exit " + code}}
}

func newTestLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func newTestBackoff() *Backoff {
	return NewBackoff(1, BackoffConfig{
		Initial:    time.Millisecond,
		Max:        10 * time.Millisecond,
		Multiplier: 2.0,
	})
}

func newFakeSupervisor(t *testing.T, cb Callbacks) *Supervisor {
	t.Helper()
	return New(Config{
		Runner:    process.NewExifToolRunner(exiftooltest.Config(t)),
		Backoff:   newTestBackoff(),
		Logger:    newTestLogger(),
		Callbacks: cb,
	})
}

// =============================================================================
// State
// =============================================================================

func TestState_String(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateCreated, "created"},
		{StateStarting, "starting"},
		{StateRunning, "running"},
		{StateBackoff, "backoff"},
		{StateDraining, "draining"},
		{StateStopped, "stopped"},
		{State(99), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.state.String(); got != tt.want {
				t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
			}
		})
	}
}

func TestState_IsActiveIsTerminal(t *testing.T) {
	tests := []struct {
		state    State
		active   bool
		accepts  bool
		terminal bool
	}{
		{StateCreated, false, false, false},
		{StateStarting, true, false, false},
		{StateRunning, true, true, false},
		{StateBackoff, true, false, false},
		{StateDraining, false, false, false},
		{StateStopped, false, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.state.String(), func(t *testing.T) {
			if got := tt.state.IsActive(); got != tt.active {
				t.Errorf("IsActive() = %v, want %v", got, tt.active)
			}
			if got := tt.state.AcceptsCommands(); got != tt.accepts {
				t.Errorf("AcceptsCommands() = %v, want %v", got, tt.accepts)
			}
			if got := tt.state.IsTerminal(); got != tt.terminal {
				t.Errorf("IsTerminal() = %v, want %v", got, tt.terminal)
			}
		})
	}
}

func TestReasonFor(t *testing.T) {
	tests := []struct {
		err  error
		want RestartReason
	}{
		{exiferr.New(exiferr.ProcessExited, "read", "eof"), ReasonExited},
		{exiferr.Wrap(exiferr.IO, "write_request", errors.New("broken pipe")), ReasonExited},
		{exiferr.New(exiferr.MalformedResponse, "read", "desync"), ReasonDesync},
		{exiferr.Wrap(exiferr.Timeout, "read", context.DeadlineExceeded), ReasonTimeout},
		{errors.New("plain"), ReasonUnknown},
		{nil, ReasonUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.want.String(), func(t *testing.T) {
			if got := ReasonFor(tt.err); got != tt.want {
				t.Errorf("ReasonFor(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
	if got := RestartReason(99).String(); got != "unknown" {
		t.Errorf("RestartReason(99).String() = %q", got)
	}
}

func TestExitCode(t *testing.T) {
	if got := exitCode(nil); got != 0 {
		t.Errorf("exitCode(nil) = %d, want 0", got)
	}
	if got := exitCode(errors.New("boom")); got != 1 {
		t.Errorf("exitCode(non-exit error) = %d, want 1", got)
	}

	err := exec.Command("sh", "-c", "exit 7").Run()
	if got := exitCode(err); got != 7 {
		t.Errorf("exitCode(exit 7) = %d, want 7", got)
	}
}

// =============================================================================
// Lifecycle
// =============================================================================

func TestSupervisor_InitialState(t *testing.T) {
	s := newFakeSupervisor(t, Callbacks{})

	if s.State() != StateCreated {
		t.Errorf("State() = %v, want created", s.State())
	}
	if s.IsAlive() {
		t.Error("IsAlive() = true before Spawn")
	}
	if s.Pid() != 0 {
		t.Errorf("Pid() = %d, want 0", s.Pid())
	}
	if s.Uptime() != 0 {
		t.Errorf("Uptime() = %v, want 0", s.Uptime())
	}
}

func TestSupervisor_SpawnAndShutdown(t *testing.T) {
	var (
		mu      sync.Mutex
		started []int
		exited  = make(chan int, 1)
	)
	s := newFakeSupervisor(t, Callbacks{
		OnStart: func(pid int) {
			mu.Lock()
			started = append(started, pid)
			mu.Unlock()
		},
		OnExit: func(pid, code int, uptime time.Duration) {
			exited <- code
		},
	})

	h, err := s.Spawn(context.Background())
	if err != nil {
		t.Fatalf("Spawn() error = %v", err)
	}
	if !s.IsAlive() {
		t.Fatal("IsAlive() = false after Spawn")
	}
	if s.State() != StateRunning {
		t.Errorf("State() = %v, want running", s.State())
	}

	again, err := s.Spawn(context.Background())
	if err != nil {
		t.Fatalf("second Spawn() error = %v", err)
	}
	if again != h {
		t.Error("Spawn() on a live process should return the same handle")
	}

	if err := s.Shutdown(5 * time.Second); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if s.IsAlive() {
		t.Error("IsAlive() = true after Shutdown")
	}
	if code := h.ExitCode(); code != 0 {
		t.Errorf("ExitCode() = %d, want 0 (graceful stay-open exit)", code)
	}
	select {
	case code := <-exited:
		if code != 0 {
			t.Errorf("OnExit code = %d, want 0", code)
		}
	case <-time.After(5 * time.Second):
		t.Error("OnExit not called")
	}

	// idempotent
	if err := s.Shutdown(time.Second); err != nil {
		t.Errorf("second Shutdown() error = %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(started) != 1 || started[0] != h.Pid {
		t.Errorf("OnStart pids = %v, want [%d]", started, h.Pid)
	}
}

func TestSupervisor_BuildError(t *testing.T) {
	s := New(Config{
		Runner: process.NewExifToolRunner(&process.ExifToolConfig{
			BinaryPath: "/nonexistent/exiftool-test-binary",
		}),
		Logger: newTestLogger(),
	})

	_, err := s.Spawn(context.Background())
	if !errors.Is(err, exiferr.ProcessNotFound) {
		t.Fatalf("Spawn() error = %v, want ProcessNotFound", err)
	}
	if s.State() != StateCreated {
		t.Errorf("State() = %v, want created after failed spawn", s.State())
	}
	if s.Spawns() != 0 {
		t.Errorf("Spawns() = %d, want 0", s.Spawns())
	}
}

func TestSupervisor_ForceKill(t *testing.T) {
	s := New(Config{
		Runner: newSleepRunner(),
		Logger: newTestLogger(),
	})

	h, err := s.Spawn(context.Background())
	if err != nil {
		t.Fatalf("Spawn() error = %v", err)
	}

	start := time.Now()
	if err := s.Shutdown(50 * time.Millisecond); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("Shutdown took %v, want prompt kill", elapsed)
	}
	if h.Alive() {
		t.Fatal("process still alive after forced shutdown")
	}
	// 128 + SIGKILL
	if code := h.ExitCode(); code != 137 {
		t.Errorf("ExitCode() = %d, want 137", code)
	}
}

func TestSupervisor_DetectsExit(t *testing.T) {
	s := New(Config{
		Runner: newExitRunner("3"),
		Logger: newTestLogger(),
	})

	h, err := s.Spawn(context.Background())
	if err != nil {
		t.Fatalf("Spawn() error = %v", err)
	}
	select {
	case <-h.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("process did not exit")
	}
	if s.IsAlive() {
		t.Error("IsAlive() = true after exit")
	}
	if code := h.ExitCode(); code != 3 {
		t.Errorf("ExitCode() = %d, want 3", code)
	}
	if err := s.Shutdown(time.Second); err != nil {
		t.Errorf("Shutdown() after exit error = %v", err)
	}
}

func TestSupervisor_Restart(t *testing.T) {
	var (
		mu       sync.Mutex
		attempts []int
	)
	s := newFakeSupervisor(t, Callbacks{
		OnRestart: func(attempt int, delay time.Duration) {
			mu.Lock()
			attempts = append(attempts, attempt)
			mu.Unlock()
		},
	})
	defer s.Close(time.Second)

	first, err := s.Spawn(context.Background())
	if err != nil {
		t.Fatalf("Spawn() error = %v", err)
	}

	second, err := s.Restart(context.Background(), ReasonExited)
	if err != nil {
		t.Fatalf("Restart() error = %v", err)
	}
	if first.Alive() {
		t.Error("old process still alive after Restart")
	}
	if second.Pid == first.Pid {
		t.Error("Restart() returned the same pid")
	}
	if !s.IsAlive() {
		t.Error("IsAlive() = false after Restart")
	}
	if s.Restarts() != 1 || s.Spawns() != 2 {
		t.Errorf("Restarts/Spawns = %d/%d, want 1/2", s.Restarts(), s.Spawns())
	}
	if got := s.LastRestartReason(); got != ReasonExited {
		t.Errorf("LastRestartReason() = %v, want exited", got)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(attempts) != 1 || attempts[0] != 1 {
		t.Errorf("OnRestart attempts = %v, want [1]", attempts)
	}
}

func TestSupervisor_MaxRestarts(t *testing.T) {
	s := New(Config{
		Runner:      newExitRunner("1"),
		Backoff:     newTestBackoff(),
		Logger:      newTestLogger(),
		MaxRestarts: 2,
	})
	defer s.Close(time.Second)

	if _, err := s.Spawn(context.Background()); err != nil {
		t.Fatalf("Spawn() error = %v", err)
	}
	for i := 0; i < 2; i++ {
		if _, err := s.Restart(context.Background(), ReasonExited); err != nil {
			t.Fatalf("Restart() #%d error = %v", i+1, err)
		}
	}
	if _, err := s.Restart(context.Background(), ReasonExited); !errors.Is(err, ErrMaxRestarts) {
		t.Errorf("third Restart() error = %v, want ErrMaxRestarts", err)
	}
}

func TestSupervisor_RestartContextCancelled(t *testing.T) {
	s := New(Config{
		Runner: newSleepRunner(),
		Backoff: NewBackoff(1, BackoffConfig{
			Initial:    time.Hour,
			Max:        time.Hour,
			Multiplier: 1,
		}),
		Logger: newTestLogger(),
	})
	defer s.Close(time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if _, err := s.Restart(ctx, ReasonTimeout); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Restart() error = %v, want deadline exceeded", err)
	}
}

func TestSupervisor_CloseIsTerminal(t *testing.T) {
	var (
		mu          sync.Mutex
		transitions []State
	)
	s := newFakeSupervisor(t, Callbacks{
		OnStateChange: func(oldState, newState State) {
			mu.Lock()
			transitions = append(transitions, newState)
			mu.Unlock()
		},
	})

	if _, err := s.Spawn(context.Background()); err != nil {
		t.Fatalf("Spawn() error = %v", err)
	}
	if err := s.Close(5 * time.Second); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if s.State() != StateStopped {
		t.Errorf("State() = %v, want stopped", s.State())
	}
	if _, err := s.Spawn(context.Background()); !errors.Is(err, ErrStopped) {
		t.Errorf("Spawn() after Close error = %v, want ErrStopped", err)
	}
	if _, err := s.Restart(context.Background(), ReasonExited); !errors.Is(err, ErrStopped) {
		t.Errorf("Restart() after Close error = %v, want ErrStopped", err)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []State{StateStarting, StateRunning, StateDraining, StateCreated, StateStopped}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition %d = %v, want %v", i, transitions[i], want[i])
		}
	}
}

func TestSupervisor_ConcurrentStateAccess(t *testing.T) {
	s := newFakeSupervisor(t, Callbacks{})
	defer s.Close(time.Second)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_ = s.State()
				_ = s.IsAlive()
				_ = s.Pid()
			}
		}()
	}
	if _, err := s.Spawn(context.Background()); err != nil {
		t.Errorf("Spawn() error = %v", err)
	}
	wg.Wait()
}

func TestHandle_StreamsAreUsable(t *testing.T) {
	s := New(Config{
		Runner: &mockRunner{name: "sh", args: []string{"-c", "read line; echo got:$line; echo err >&2"}},
		Logger: newTestLogger(),
	})
	defer s.Close(time.Second)

	h, err := s.Spawn(context.Background())
	if err != nil {
		t.Fatalf("Spawn() error = %v", err)
	}
	if _, err := h.Stdin.Write([]byte("hello\n")); err != nil {
		t.Fatalf("write stdin: %v", err)
	}

	buf := make([]byte, 64)
	n, err := h.Stdout.Read(buf)
	if err != nil {
		t.Fatalf("read stdout: %v", err)
	}
	if got := string(buf[:n]); got != "got:hello\n" {
		t.Errorf("stdout = %q, want %q", got, "got:hello\n")
	}

	n, err = h.Stderr.Read(buf)
	if err != nil {
		t.Fatalf("read stderr: %v", err)
	}
	if got := string(buf[:n]); got != "err\n" {
		t.Errorf("stderr = %q, want %q", got, "err\n")
	}
	<-h.Done()
}
