// Package process provides abstractions for running external processes.
package process

import (
	"context"
	"os/exec"
)

// Runner creates executable commands for a manager.
// This interface allows the supervisor to be process-agnostic.
type Runner interface {
	// BuildCommand returns a ready-to-start command.
	// The command should NOT be started yet.
	BuildCommand(ctx context.Context) (*exec.Cmd, error)

	// ShutdownCommand returns the bytes written to stdin to ask the
	// process to exit on its own.
	ShutdownCommand() []byte

	// Name returns a human-readable name for this process type.
	Name() string
}
