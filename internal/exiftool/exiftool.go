// Package exiftool is the public face of the stay-open manager: one
// Manager owns one resident ExifTool process and offers typed read and
// write operations on top of the framed command protocol.
//
//	err := exiftool.With(ctx, exiftool.DefaultConfig(), func(m *exiftool.Manager) error {
//		make, err := m.ReadTag(ctx, "photo.jpg", "Make")
//		...
//	})
package exiftool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/randomizedcoder/go-exiftool-stayopen/internal/exiferr"
	"github.com/randomizedcoder/go-exiftool-stayopen/internal/executor"
	"github.com/randomizedcoder/go-exiftool-stayopen/internal/metrics"
	"github.com/randomizedcoder/go-exiftool-stayopen/internal/process"
	"github.com/randomizedcoder/go-exiftool-stayopen/internal/protocol"
	"github.com/randomizedcoder/go-exiftool-stayopen/internal/result"
	"github.com/randomizedcoder/go-exiftool-stayopen/internal/stats"
	"github.com/randomizedcoder/go-exiftool-stayopen/internal/supervisor"
	"github.com/randomizedcoder/go-exiftool-stayopen/internal/writer"
)

// Config holds configuration for a Manager.
type Config struct {
	// Process
	BinaryPath string
	CommonArgs []string
	Env        []string
	Dir        string

	// Protocol
	ReadTimeout           time.Duration // 0 = unbounded
	ShutdownGrace         time.Duration
	MaxPendingDiagnostics int

	// Writes
	TempDir string

	// Restart policy
	Backoff     supervisor.BackoffConfig
	MaxRestarts int // 0 = unlimited

	// Observability
	Logger  *slog.Logger
	Verbose bool
	Metrics *metrics.Collector

	// Latency is an optional shared latency tracker.
	Latency *stats.LatencyTracker

	OnStateChange func(oldState, newState supervisor.State)
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		BinaryPath:    "exiftool",
		ShutdownGrace: executor.DefaultShutdownGrace,
		Backoff:       supervisor.DefaultBackoffConfig(),
	}
}

// Manager runs commands against one stay-open ExifTool process.
// All methods are safe for concurrent use; commands are serialised.
type Manager struct {
	cfg    Config
	logger *slog.Logger
	runner *process.ExifToolRunner
	exec   *executor.Executor
	writer *writer.Coordinator

	versionMu sync.Mutex
	version   string
}

// New starts a Manager. The process is spawned immediately, so a missing
// executable is reported here as exiferr.ProcessNotFound.
func New(ctx context.Context, cfg Config) (*Manager, error) {
	m, err := newManager(cfg)
	if err != nil {
		return nil, err
	}
	if err := m.exec.Start(ctx); err != nil {
		m.exec.Close(0)
		return nil, err
	}
	return m, nil
}

func newManager(cfg Config) (*Manager, error) {
	if cfg.BinaryPath == "" {
		cfg.BinaryPath = "exiftool"
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = executor.DefaultShutdownGrace
	}
	if err := process.ValidateCommonArgs(cfg.CommonArgs); err != nil {
		return nil, exiferr.Wrap(exiferr.InvalidArgument, "new", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	runner := process.NewExifToolRunner(&process.ExifToolConfig{
		BinaryPath: cfg.BinaryPath,
		CommonArgs: cfg.CommonArgs,
		Env:        cfg.Env,
		Dir:        cfg.Dir,
	})
	exec := executor.New(executor.Config{
		Runner:                runner,
		ReadTimeout:           cfg.ReadTimeout,
		MaxPendingDiagnostics: cfg.MaxPendingDiagnostics,
		Backoff:               cfg.Backoff,
		MaxRestarts:           cfg.MaxRestarts,
		Logger:                logger,
		Verbose:               cfg.Verbose,
		Metrics:               cfg.Metrics,
		Latency:               cfg.Latency,
		OnStateChange:         cfg.OnStateChange,
	})
	return &Manager{
		cfg:    cfg,
		logger: logger,
		runner: runner,
		exec:   exec,
		writer: writer.New(exec, writer.Config{
			TempDir: cfg.TempDir,
			Logger:  logger,
			Metrics: cfg.Metrics,
		}),
	}, nil
}

// With starts a Manager, runs fn and shuts the Manager down on every exit
// path, including panics in fn.
func With(ctx context.Context, cfg Config, fn func(*Manager) error) (err error) {
	m, err := New(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := m.Close(); cerr != nil {
			err = errors.Join(err, cerr)
		}
	}()
	return fn(m)
}

// Close shuts the process down: the stay-open exit request first, then a
// kill of the process group after the grace period. Close is idempotent.
func (m *Manager) Close() error {
	return m.exec.Close(m.cfg.ShutdownGrace)
}

// =============================================================================
// Raw access
// =============================================================================

// Execute runs args and returns the framed response without classifying
// it.
func (m *Manager) Execute(ctx context.Context, args ...string) (*protocol.FramedResponse, error) {
	return m.exec.Execute(ctx, args)
}

// ExecuteRaw runs args and returns stdout. Tool errors reported on stderr
// become errors; warnings are logged.
func (m *Manager) ExecuteRaw(ctx context.Context, args ...string) ([]byte, error) {
	resp, err := m.exec.Execute(ctx, args)
	if err != nil {
		return nil, err
	}
	if err := m.check(resp); err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// ExecuteLines runs args and returns stdout split into lines.
func (m *Manager) ExecuteLines(ctx context.Context, args ...string) ([]string, error) {
	resp, err := m.exec.Execute(ctx, args)
	if err != nil {
		return nil, err
	}
	if err := m.check(resp); err != nil {
		return nil, err
	}
	return result.Lines(resp), nil
}

func (m *Manager) check(resp *protocol.FramedResponse) error {
	warnings, err := result.Check(resp)
	for _, w := range warnings {
		m.logger.Debug("exiftool_warning", "seq", resp.Seq, "line", w)
	}
	return err
}

// =============================================================================
// Structured reads
// =============================================================================

// JSON returns every tag ExifTool reports for path. extra is passed
// before the path, e.g. {"-n"} or {"-G"}.
func (m *Manager) JSON(ctx context.Context, path string, extra ...string) (result.Entry, error) {
	entries, err := m.JSONBatch(ctx, []string{path}, extra...)
	if err != nil {
		return nil, err
	}
	return entries[0], nil
}

// JSONBatch reads several files in one command. The result has one entry
// per path, in the order of paths.
func (m *Manager) JSONBatch(ctx context.Context, paths []string, extra ...string) ([]result.Entry, error) {
	if len(paths) == 0 {
		return []result.Entry{}, nil
	}
	for _, p := range paths {
		if p == "" {
			return nil, exiferr.New(exiferr.InvalidArgument, "json", "empty path")
		}
	}

	args := make([]string, 0, len(extra)+len(paths)+1)
	args = append(args, "-json")
	args = append(args, extra...)
	args = append(args, paths...)

	resp, err := m.exec.Execute(ctx, args)
	if err != nil {
		return nil, err
	}
	if err := m.check(resp); err != nil {
		return nil, err
	}
	entries, err := result.DecodeJSON(resp.Body)
	if err != nil {
		return nil, err
	}
	return orderEntries(paths, entries)
}

// orderEntries matches entries to paths by SourceFile.
func orderEntries(paths []string, entries []result.Entry) ([]result.Entry, error) {
	if len(entries) != len(paths) {
		return nil, &exiferr.Error{
			Kind:   exiferr.MalformedResponse,
			Op:     "json",
			Detail: fmt.Sprintf("%d entries for %d files", len(entries), len(paths)),
			Offset: -1,
		}
	}

	bySource := make(map[string][]result.Entry, len(entries))
	for _, e := range entries {
		bySource[e.SourceFile()] = append(bySource[e.SourceFile()], e)
	}
	ordered := make([]result.Entry, len(paths))
	for i, p := range paths {
		list := bySource[p]
		if len(list) == 0 {
			// ExifTool may normalise the path; fall back to position
			ordered[i] = entries[i]
			continue
		}
		ordered[i] = list[0]
		bySource[p] = list[1:]
	}
	return ordered, nil
}

// ReadTag returns the value of one tag. An absent tag is
// exiferr.TagNotFound.
func (m *Manager) ReadTag(ctx context.Context, path, tag string, extra ...string) (any, error) {
	if err := validTag("read_tag", tag); err != nil {
		return nil, err
	}
	entry, err := m.JSON(ctx, path, append([]string{"-" + tag}, extra...)...)
	if err != nil {
		return nil, err
	}
	return result.Tag(entry, tag)
}

// ReadTagString is ReadTag with the value formatted as text.
func (m *Manager) ReadTagString(ctx context.Context, path, tag string, extra ...string) (string, error) {
	if err := validTag("read_tag", tag); err != nil {
		return "", err
	}
	entry, err := m.JSON(ctx, path, append([]string{"-" + tag}, extra...)...)
	if err != nil {
		return "", err
	}
	return result.TagString(entry, tag)
}

// ReadTagOptional is ReadTag for optional tags: an absent tag returns
// ok=false and a nil error.
func (m *Manager) ReadTagOptional(ctx context.Context, path, tag string, extra ...string) (value any, ok bool, err error) {
	v, err := m.ReadTag(ctx, path, tag, extra...)
	switch {
	case err == nil:
		return v, true, nil
	case errors.Is(err, exiferr.TagNotFound):
		return nil, false, nil
	default:
		return nil, false, err
	}
}

// ReadTags returns the requested tags of path. Absent tags are missing
// from the entry.
func (m *Manager) ReadTags(ctx context.Context, path string, tags []string, extra ...string) (result.Entry, error) {
	args := make([]string, 0, len(tags)+len(extra))
	for _, t := range tags {
		if err := validTag("read_tags", t); err != nil {
			return nil, err
		}
		args = append(args, "-"+t)
	}
	args = append(args, extra...)
	return m.JSON(ctx, path, args...)
}

// ReadTagBinary returns the raw bytes of a binary tag such as
// ThumbnailImage. An absent tag is exiferr.TagNotFound; a present but
// empty value is a zero-length slice.
func (m *Manager) ReadTagBinary(ctx context.Context, path, tag string, extra ...string) ([]byte, error) {
	if err := validTag("read_tag_binary", tag); err != nil {
		return nil, err
	}
	if path == "" {
		return nil, exiferr.New(exiferr.InvalidArgument, "read_tag_binary", "empty path")
	}

	args := make([]string, 0, len(extra)+5)
	args = append(args, "-b", "-if", "defined $"+tag, "-"+tag)
	args = append(args, extra...)
	args = append(args, path)

	resp, err := m.exec.ExecuteBinary(ctx, args)
	if err != nil {
		return nil, err
	}
	data, err := result.Binary(resp)
	if err != nil {
		var e *exiferr.Error
		if errors.As(err, &e) && e.Kind == exiferr.TagNotFound {
			e.Path, e.Tag, e.Op = path, tag, "read_tag_binary"
		}
		return nil, err
	}
	return data, nil
}

// =============================================================================
// Writes
// =============================================================================

// WriteTag sets tag to value in path and verifies that one file was
// updated. ExifTool keeps a "_original" backup unless extra contains
// "-overwrite_original".
func (m *Manager) WriteTag(ctx context.Context, path, tag string, value any, extra ...string) (*writer.Result, error) {
	return m.writer.WriteTag(ctx, path, tag, fmt.Sprint(value), extra)
}

// WriteTagBinary sets tag to the raw bytes data in path.
func (m *Manager) WriteTagBinary(ctx context.Context, path, tag string, data []byte, extra ...string) (*writer.Result, error) {
	return m.writer.WriteBinary(ctx, path, tag, data, extra)
}

// =============================================================================
// Introspection
// =============================================================================

// Version returns the version reported by the running process.
func (m *Manager) Version(ctx context.Context) (string, error) {
	m.versionMu.Lock()
	defer m.versionMu.Unlock()
	if m.version != "" {
		return m.version, nil
	}

	lines, err := m.ExecuteLines(ctx, "-ver")
	if err != nil {
		return "", err
	}
	if len(lines) == 0 {
		return "", exiferr.New(exiferr.MalformedResponse, "version", "empty output")
	}
	info, err := process.ParseVersion(lines[0])
	if err != nil {
		return "", exiferr.Wrap(exiferr.MalformedResponse, "version", err)
	}
	m.version = info.Raw
	if m.cfg.Metrics != nil {
		m.cfg.Metrics.SetVersion(info.Raw)
	}
	return m.version, nil
}

// IsAlive reports whether the process is running.
func (m *Manager) IsAlive() bool { return m.exec.IsAlive() }

// Pid returns the PID of the running process, or 0.
func (m *Manager) Pid() int { return m.exec.Pid() }

// Restarts returns the number of automatic restarts.
func (m *Manager) Restarts() int { return m.exec.Restarts() }

// State returns the process supervisor state.
func (m *Manager) State() supervisor.State { return m.exec.State() }

// Latency returns the per-command latency tracker.
func (m *Manager) Latency() *stats.LatencyTracker { return m.exec.Latency() }

// Commands returns the number of completed commands.
func (m *Manager) Commands() int64 { return m.exec.Commands() }

// RecentDiagnostics returns up to n recent stderr lines.
func (m *Manager) RecentDiagnostics(n int) []string { return m.exec.RecentDiagnostics(n) }

// CommandString returns the command line used to start the process.
func (m *Manager) CommandString() string { return m.runner.CommandString() }

func validTag(op, tag string) error {
	if tag == "" || strings.HasPrefix(tag, "-") || strings.ContainsAny(tag, "=<>\n ") {
		return &exiferr.Error{
			Kind:   exiferr.InvalidArgument,
			Op:     op,
			Tag:    tag,
			Detail: "invalid tag name",
			Offset: -1,
		}
	}
	return nil
}
