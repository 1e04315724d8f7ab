// Package config provides configuration management for go-exiftool-stayopen.
package config

import "time"

// Commands understood by the CLI.
const (
	CommandJSON    = "json"
	CommandRead    = "read"
	CommandWrite   = "write"
	CommandBinary  = "binary"
	CommandVersion = "version"
	CommandCheck   = "check"
)

// Config holds all configuration options for the CLI.
type Config struct {
	// Pool
	Pool       int           `json:"pool" yaml:"pool"`
	RampRate   int           `json:"ramp_rate" yaml:"ramp_rate"`
	RampJitter time.Duration `json:"ramp_jitter" yaml:"ramp_jitter"`
	BatchSize  int           `json:"batch_size" yaml:"batch_size"`

	// ExifTool
	ExifToolPath          string        `json:"exiftool_path" yaml:"exiftool_path"`
	CommonArgs            []string      `json:"common_args" yaml:"common_args"`
	Env                   []string      `json:"env" yaml:"env"` // extra KEY=VALUE for the process
	ReadTimeout           time.Duration `json:"read_timeout" yaml:"read_timeout"`
	ShutdownGrace         time.Duration `json:"shutdown_grace" yaml:"shutdown_grace"`
	MaxPendingDiagnostics int           `json:"max_pending_diagnostics" yaml:"max_pending_diagnostics"`
	TempDir               string        `json:"temp_dir" yaml:"temp_dir"`

	// Restart policy
	MaxRestarts     int           `json:"max_restarts" yaml:"max_restarts"` // 0 = unlimited
	BackoffInitial  time.Duration `json:"backoff_initial" yaml:"backoff_initial"`
	BackoffMax      time.Duration `json:"backoff_max" yaml:"backoff_max"`
	BackoffMultiply float64       `json:"backoff_multiply" yaml:"backoff_multiply"`

	// Output
	Output string `json:"output" yaml:"output"` // "" = stdout

	// Observability
	MetricsAddr string `json:"metrics_addr" yaml:"metrics_addr"` // "" = disabled
	Verbose     bool   `json:"verbose" yaml:"verbose"`
	LogFormat   string `json:"log_format" yaml:"log_format"` // json, text
	LogLevel    string `json:"log_level" yaml:"log_level"`
	TUIEnabled  bool   `json:"tui" yaml:"tui"`
	Summary     bool   `json:"summary" yaml:"summary"`

	// Diagnostic modes
	PrintCmd      bool `json:"print_cmd" yaml:"-"`
	SkipPreflight bool `json:"skip_preflight" yaml:"skip_preflight"`

	// ConfigFile is the YAML file overlaid before flags.
	ConfigFile string `json:"-" yaml:"-"`

	// Command and its positional arguments.
	Command string   `json:"-" yaml:"-"`
	Args    []string `json:"-" yaml:"-"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		// Pool
		Pool:       1,
		RampRate:   10,
		RampJitter: 50 * time.Millisecond,
		BatchSize:  50,

		// ExifTool
		ExifToolPath:          "exiftool",
		ReadTimeout:           0, // unbounded
		ShutdownGrace:         2 * time.Second,
		MaxPendingDiagnostics: 1000,

		// Restart policy
		MaxRestarts:     0,
		BackoffInitial:  100 * time.Millisecond,
		BackoffMax:      2 * time.Second,
		BackoffMultiply: 1.7,

		// Observability
		Verbose:   false,
		LogFormat: "text",
		LogLevel:  "info",
		Summary:   true,
	}
}
