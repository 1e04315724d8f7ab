package process

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/randomizedcoder/go-exiftool-stayopen/internal/exiferr"
	"github.com/randomizedcoder/go-exiftool-stayopen/internal/protocol"
)

// ExifToolConfig holds configuration for the ExifTool process.
type ExifToolConfig struct {
	// BinaryPath is the executable name or path. Unqualified names are
	// resolved through PATH.
	BinaryPath string

	// CommonArgs are appended after -common_args and apply to every
	// command, e.g. {"-charset", "filename=utf8"}.
	CommonArgs []string

	// Env is appended to the parent environment.
	Env []string

	// Dir is the working directory of the process (empty = inherit).
	Dir string
}

// DefaultExifToolConfig returns an ExifToolConfig with sensible defaults.
func DefaultExifToolConfig() *ExifToolConfig {
	return &ExifToolConfig{
		BinaryPath: "exiftool",
	}
}

// ExifToolRunner implements Runner for ExifTool in stay-open mode.
type ExifToolRunner struct {
	config *ExifToolConfig
}

// NewExifToolRunner creates a new runner with the given configuration.
func NewExifToolRunner(cfg *ExifToolConfig) *ExifToolRunner {
	if cfg == nil {
		cfg = DefaultExifToolConfig()
	}
	return &ExifToolRunner{
		config: cfg,
	}
}

// Name returns "exiftool".
func (r *ExifToolRunner) Name() string {
	return "exiftool"
}

// Resolve returns the resolved path of the executable, or a
// ProcessNotFound error.
func (r *ExifToolRunner) Resolve() (string, error) {
	bin := r.config.BinaryPath
	if bin == "" {
		return "", exiferr.New(exiferr.ProcessNotFound, "resolve", "empty executable path")
	}
	path, err := exec.LookPath(bin)
	if err != nil {
		return "", exiferr.Wrap(exiferr.ProcessNotFound, "resolve", err)
	}
	return path, nil
}

// BuildCommand creates an exec.Cmd for a stay-open ExifTool.
// The context only gates building; the process outlives it and is
// stopped through the supervisor.
func (r *ExifToolRunner) BuildCommand(ctx context.Context) (*exec.Cmd, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := r.Resolve()
	if err != nil {
		return nil, err
	}
	cmd := exec.Command(path, r.buildArgs()...)
	if len(r.config.Env) > 0 {
		cmd.Env = append(os.Environ(), r.config.Env...)
	}
	cmd.Dir = r.config.Dir
	return cmd, nil
}

// ShutdownCommand returns the stay-open exit request.
func (r *ExifToolRunner) ShutdownCommand() []byte {
	return protocol.ShutdownCommand()
}

// buildArgs constructs the stay-open arguments.
func (r *ExifToolRunner) buildArgs() []string {
	args := []string{
		"-stay_open", "True",
		// Read arguments from stdin
		"-@", "-",
	}
	if len(r.config.CommonArgs) > 0 {
		args = append(args, "-common_args")
		args = append(args, r.config.CommonArgs...)
	}
	return args
}

// Config returns the runner configuration.
func (r *ExifToolRunner) Config() *ExifToolConfig {
	return r.config
}

// CommandString returns the command that would be executed (for debugging).
func (r *ExifToolRunner) CommandString() string {
	return r.config.BinaryPath + " " + strings.Join(r.buildArgs(), " ")
}

// ValidateCommonArgs rejects common arguments that cannot be sent on the
// command line safely.
func ValidateCommonArgs(args []string) error {
	for i, a := range args {
		if strings.ContainsRune(a, '\n') {
			return fmt.Errorf("common arg %d contains newline", i)
		}
	}
	return nil
}
