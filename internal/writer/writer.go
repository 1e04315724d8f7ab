// Package writer coordinates tag writes and verifies that the process
// actually updated the target file.
//
// A write moves through
//
//	Idle -> [StagingBinary] -> Submitting -> Verifying -> Idle
//
// Binary values are staged into a private temporary file and passed with
// the -TAG<=FILE syntax. The staging file is removed on every path.
package writer

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/randomizedcoder/go-exiftool-stayopen/internal/exiferr"
	"github.com/randomizedcoder/go-exiftool-stayopen/internal/metrics"
	"github.com/randomizedcoder/go-exiftool-stayopen/internal/protocol"
	"github.com/randomizedcoder/go-exiftool-stayopen/internal/result"
)

// State is the phase of the write in progress.
type State int

const (
	StateIdle State = iota
	StateStagingBinary
	StateSubmitting
	StateVerifying
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStagingBinary:
		return "staging_binary"
	case StateSubmitting:
		return "submitting"
	case StateVerifying:
		return "verifying"
	default:
		return "unknown"
	}
}

const stagingPattern = "exiftool-stage-*.bin"

// Executor is the part of executor.Executor the coordinator needs.
type Executor interface {
	Execute(ctx context.Context, args []string) (*protocol.FramedResponse, error)
}

// Config holds configuration for a Coordinator.
type Config struct {
	// TempDir is where binary values are staged (empty = os.TempDir()).
	TempDir string

	Logger  *slog.Logger
	Metrics *metrics.Collector

	// OnStateChange is called on every transition.
	OnStateChange func(oldState, newState State)
}

// Result describes a verified write.
type Result struct {
	Updated  int
	Warnings []string
}

// Coordinator performs verified writes through an Executor. Writes are
// serialised.
type Coordinator struct {
	exec   Executor
	cfg    Config
	logger *slog.Logger

	mu    sync.Mutex
	state State
}

// New creates a Coordinator.
func New(exec Executor, cfg Config) *Coordinator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Coordinator{exec: exec, cfg: cfg, logger: logger}
}

// State returns the current phase.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// setState must be called with mu held.
func (c *Coordinator) setState(s State) {
	old := c.state
	c.state = s
	if old != s && c.cfg.OnStateChange != nil {
		c.cfg.OnStateChange(old, s)
	}
}

// WriteTag sets tag to value in path. extra is inserted between the
// assignment and the path, e.g. {"-overwrite_original"}.
func (c *Coordinator) WriteTag(ctx context.Context, path, tag, value string, extra []string) (*Result, error) {
	if err := validate("write_tag", path, tag); err != nil {
		return nil, c.done(err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	defer c.setState(StateIdle)

	res, err := c.submit(ctx, "write_tag", path, tag, "-"+tag+"="+value, extra)
	return res, c.done(err)
}

// WriteBinary sets tag to the raw bytes data in path.
func (c *Coordinator) WriteBinary(ctx context.Context, path, tag string, data []byte, extra []string) (*Result, error) {
	if err := validate("write_binary", path, tag); err != nil {
		return nil, c.done(err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	defer c.setState(StateIdle)

	c.setState(StateStagingBinary)
	staged, err := c.stage(data)
	if err != nil {
		return nil, c.done(err)
	}
	defer func() {
		if err := os.Remove(staged); err != nil && !os.IsNotExist(err) {
			c.logger.Warn("staging_file_remove_failed", "path", staged, "error", err)
		}
	}()

	res, err := c.submit(ctx, "write_binary", path, tag, "-"+tag+"<="+staged, extra)
	return res, c.done(err)
}

func (c *Coordinator) stage(data []byte) (string, error) {
	f, err := os.CreateTemp(c.cfg.TempDir, stagingPattern)
	if err != nil {
		return "", exiferr.Wrap(exiferr.IO, "stage_binary", err)
	}
	name := f.Name()

	err = f.Chmod(0o600)
	if err == nil {
		_, err = f.Write(data)
	}
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(name)
		return "", exiferr.Wrap(exiferr.IO, "stage_binary", err)
	}
	return name, nil
}

func (c *Coordinator) submit(ctx context.Context, op, path, tag, assignment string, extra []string) (*Result, error) {
	args := make([]string, 0, len(extra)+2)
	args = append(args, assignment)
	args = append(args, extra...)
	args = append(args, path)

	c.setState(StateSubmitting)
	resp, err := c.exec.Execute(ctx, args)
	if err != nil {
		return nil, err
	}

	c.setState(StateVerifying)
	count, found := result.UpdateCount(resp)
	warnings, checkErr := result.Check(resp)

	if checkErr != nil && exiferr.KindOf(checkErr) == exiferr.FileNotFound {
		return nil, checkErr
	}
	if checkErr != nil || !found || count != 1 {
		detail := strings.Join(resp.Diagnostics, "; ")
		if !found {
			detail = strings.TrimSpace(detail + " no update count reported")
		}
		return nil, &exiferr.Error{
			Kind:   exiferr.WriteRejected,
			Op:     op,
			Path:   path,
			Tag:    tag,
			Count:  count,
			Detail: detail,
			Offset: -1,
			Err:    checkErr,
		}
	}

	c.logger.Debug("tag_written",
		"path", path,
		"tag", tag,
		"warnings", len(warnings),
	)
	return &Result{Updated: count, Warnings: warnings}, nil
}

// done records the outcome and returns err unchanged.
func (c *Coordinator) done(err error) error {
	if m := c.cfg.Metrics; m != nil {
		switch {
		case err == nil:
			m.RecordWrite(metrics.WriteOK)
		case exiferr.KindOf(err) == exiferr.WriteRejected:
			m.RecordWrite(metrics.WriteRejected)
		default:
			m.RecordWrite(metrics.WriteFailed)
		}
	}
	return err
}

func validate(op, path, tag string) error {
	switch {
	case path == "":
		return exiferr.New(exiferr.InvalidArgument, op, "empty path")
	case tag == "":
		return exiferr.New(exiferr.InvalidArgument, op, "empty tag")
	case strings.ContainsAny(tag, "=<>\n") || strings.HasPrefix(tag, "-"):
		return &exiferr.Error{
			Kind:   exiferr.InvalidArgument,
			Op:     op,
			Tag:    tag,
			Detail: fmt.Sprintf("invalid tag name %q", tag),
			Offset: -1,
		}
	}
	return nil
}
