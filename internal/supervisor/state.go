// Package supervisor owns the lifecycle of the resident ExifTool process:
// spawning it, noticing when it dies, and restarting or stopping it.
package supervisor

import "github.com/randomizedcoder/go-exiftool-stayopen/internal/exiferr"

// State is where the resident process is in its lifecycle.
type State int

const (
	// StateCreated means no process is attached. The next command spawns one.
	StateCreated State = iota

	// StateStarting means a process is being spawned.
	StateStarting

	// StateRunning means the process is in stay-open mode and takes commands.
	StateRunning

	// StateBackoff means a broken process was torn down and a replacement
	// is due after the backoff delay.
	StateBackoff

	// StateDraining means the process was asked to leave stay-open mode and
	// is given the grace period to exit.
	StateDraining

	// StateStopped means Close was called. Nothing can be spawned again.
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateBackoff:
		return "backoff"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// IsActive reports whether a process is attached or about to be.
func (s State) IsActive() bool {
	return s == StateStarting || s == StateRunning || s == StateBackoff
}

// AcceptsCommands reports whether a command may be written to the process.
func (s State) AcceptsCommands() bool {
	return s == StateRunning
}

// IsTerminal reports whether the supervisor is closed.
func (s State) IsTerminal() bool {
	return s == StateStopped
}

// RestartReason says why a process is being replaced.
type RestartReason int

const (
	ReasonUnknown RestartReason = iota
	ReasonExited                // process died or its pipes closed
	ReasonDesync                // output could not be framed
	ReasonTimeout               // no completion marker in time
)

func (r RestartReason) String() string {
	switch r {
	case ReasonExited:
		return "exited"
	case ReasonDesync:
		return "desync"
	case ReasonTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// ReasonFor maps the failure that broke a process to a restart reason.
func ReasonFor(err error) RestartReason {
	switch exiferr.KindOf(err) {
	case exiferr.ProcessExited, exiferr.IO:
		return ReasonExited
	case exiferr.MalformedResponse:
		return ReasonDesync
	case exiferr.Timeout:
		return ReasonTimeout
	default:
		return ReasonUnknown
	}
}
