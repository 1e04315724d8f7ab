package config

import (
	"errors"
	"fmt"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// minArgs is the positional argument count each command needs.
var minArgs = map[string]int{
	CommandJSON:    1,
	CommandRead:    2,
	CommandWrite:   2,
	CommandBinary:  2,
	CommandVersion: 0,
	CommandCheck:   0,
}

// Validate checks the configuration for errors and inconsistencies.
// Returns nil if valid, or an error describing every problem.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Command == "" && !cfg.PrintCmd {
		errs = append(errs, ValidationError{
			Field:   "command",
			Message: "a command is required (json, read, write, binary, version, check)",
		})
	}
	if cfg.Command != "" {
		need, ok := minArgs[cfg.Command]
		switch {
		case !ok:
			errs = append(errs, ValidationError{
				Field:   "command",
				Message: fmt.Sprintf("unknown command %q", cfg.Command),
			})
		case len(cfg.Args) < need:
			errs = append(errs, ValidationError{
				Field:   "command",
				Message: fmt.Sprintf("%s needs at least %d argument(s), got %d", cfg.Command, need, len(cfg.Args)),
			})
		}
		if cfg.Command == CommandWrite && len(cfg.Args) >= 1 {
			if _, _, ok := SplitAssignment(cfg.Args[0]); !ok {
				errs = append(errs, ValidationError{
					Field:   "command",
					Message: fmt.Sprintf("write expects TAG=VALUE (got %q)", cfg.Args[0]),
				})
			}
		}
		if cfg.Command == CommandBinary && len(cfg.Args) > 2 {
			errs = append(errs, ValidationError{
				Field:   "command",
				Message: "binary takes exactly one file",
			})
		}
	}

	if cfg.ExifToolPath == "" {
		errs = append(errs, ValidationError{Field: "exiftool_path", Message: "must not be empty"})
	}

	if cfg.Pool < 1 {
		errs = append(errs, ValidationError{Field: "pool", Message: "must be at least 1"})
	}
	if cfg.RampRate < 0 {
		errs = append(errs, ValidationError{Field: "ramp_rate", Message: "must not be negative"})
	}
	if cfg.BatchSize < 1 {
		errs = append(errs, ValidationError{Field: "batch_size", Message: "must be at least 1"})
	}
	if cfg.ReadTimeout < 0 {
		errs = append(errs, ValidationError{Field: "read_timeout", Message: "must not be negative"})
	}
	if cfg.ShutdownGrace < 0 {
		errs = append(errs, ValidationError{Field: "shutdown_grace", Message: "must not be negative"})
	}
	if cfg.MaxPendingDiagnostics < 1 {
		errs = append(errs, ValidationError{Field: "max_pending_diagnostics", Message: "must be at least 1"})
	}

	for _, a := range cfg.CommonArgs {
		if strings.ContainsAny(a, "\r\n") {
			errs = append(errs, ValidationError{
				Field:   "common_args",
				Message: fmt.Sprintf("argument %q contains a line break", a),
			})
		}
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[cfg.LogFormat] {
		errs = append(errs, ValidationError{
			Field:   "log_format",
			Message: fmt.Sprintf("must be 'json' or 'text' (got %q)", cfg.LogFormat),
		})
	}
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.LogLevel)] {
		errs = append(errs, ValidationError{
			Field:   "log_level",
			Message: fmt.Sprintf("must be debug, info, warn or error (got %q)", cfg.LogLevel),
		})
	}

	// Backoff settings
	if cfg.BackoffInitial <= 0 {
		errs = append(errs, ValidationError{Field: "backoff_initial", Message: "must be positive"})
	}
	if cfg.BackoffMax < cfg.BackoffInitial {
		errs = append(errs, ValidationError{Field: "backoff_max", Message: "must be >= backoff_initial"})
	}
	if cfg.BackoffMultiply < 1.0 {
		errs = append(errs, ValidationError{Field: "backoff_multiply", Message: "must be >= 1.0"})
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// SplitAssignment splits "TAG=VALUE". The value may be empty, which
// deletes the tag.
func SplitAssignment(s string) (tag, value string, ok bool) {
	tag, value, ok = strings.Cut(s, "=")
	if !ok || tag == "" {
		return "", "", false
	}
	return tag, value, true
}

// ApplyCheckMode modifies config for the check command.
func ApplyCheckMode(cfg *Config) {
	cfg.Pool = 1
	cfg.Verbose = true
	cfg.TUIEnabled = false
}
