package config

import (
	"flag"
	"fmt"
	"io"
	"strings"
)

// argList is a custom flag type for repeatable -common-arg flags.
type argList []string

func (a *argList) String() string {
	return strings.Join(*a, ", ")
}

func (a *argList) Set(value string) error {
	*a = append(*a, value)
	return nil
}

// ParseFlags parses command-line arguments (without the program name)
// and returns a Config. A -config file is applied first so flags given
// on the command line override it.
func ParseFlags(args []string, stderr io.Writer) (*Config, error) {
	cfg := DefaultConfig()

	if path := configPath(args); path != "" {
		if err := LoadFile(cfg, path); err != nil {
			return nil, err
		}
		cfg.ConfigFile = path
	}

	fs := flag.NewFlagSet("go-exiftool-stayopen", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() { printUsage(fs, stderr) }

	commonArgs := argList(append([]string(nil), cfg.CommonArgs...))
	var configFile string

	// Pool
	fs.IntVar(&cfg.Pool, "pool", cfg.Pool, "Number of ExifTool processes")
	fs.IntVar(&cfg.RampRate, "ramp-rate", cfg.RampRate, "Processes to start per second")
	fs.DurationVar(&cfg.RampJitter, "ramp-jitter", cfg.RampJitter, "Random jitter per process start")
	fs.IntVar(&cfg.BatchSize, "batch", cfg.BatchSize, "Files per command for json")

	// ExifTool
	fs.StringVar(&cfg.ExifToolPath, "exiftool", cfg.ExifToolPath, "Path to exiftool binary")
	fs.Var(&commonArgs, "common-arg", "Argument appended to every command (can repeat)")
	fs.DurationVar(&cfg.ReadTimeout, "read-timeout", cfg.ReadTimeout, "Bound on one response (0 = unbounded)")
	fs.DurationVar(&cfg.ShutdownGrace, "shutdown-grace", cfg.ShutdownGrace, "Wait for a clean exit before killing")
	fs.IntVar(&cfg.MaxPendingDiagnostics, "max-diagnostics", cfg.MaxPendingDiagnostics, "Stderr lines kept per command")
	fs.StringVar(&cfg.TempDir, "temp-dir", cfg.TempDir, "Directory for staged binary values")

	// Restart policy
	fs.IntVar(&cfg.MaxRestarts, "max-restarts", cfg.MaxRestarts, "Restarts per process (0 = unlimited)")
	fs.DurationVar(&cfg.BackoffInitial, "backoff-initial", cfg.BackoffInitial, "Initial restart backoff")
	fs.DurationVar(&cfg.BackoffMax, "backoff-max", cfg.BackoffMax, "Maximum restart backoff")
	fs.Float64Var(&cfg.BackoffMultiply, "backoff-multiply", cfg.BackoffMultiply, "Backoff multiplier")

	// Output
	fs.StringVar(&cfg.Output, "o", cfg.Output, "Write results to this file (atomic replace)")

	// Observability
	fs.StringVar(&cfg.MetricsAddr, "metrics", cfg.MetricsAddr, "Prometheus metrics address (empty = disabled)")
	fs.BoolVar(&cfg.Verbose, "v", cfg.Verbose, "Verbose logging")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, `Log format: "json" or "text"`)
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, `Log level: "debug", "info", "warn", "error"`)
	fs.BoolVar(&cfg.TUIEnabled, "tui", cfg.TUIEnabled, "Show live progress dashboard")
	fs.BoolVar(&cfg.Summary, "summary", cfg.Summary, "Print the exit summary to stderr")

	// Diagnostics
	fs.BoolVar(&cfg.PrintCmd, "print-cmd", cfg.PrintCmd, "Print the exiftool command line and exit")
	fs.BoolVar(&cfg.SkipPreflight, "skip-preflight", cfg.SkipPreflight, "Skip preflight checks")
	fs.StringVar(&configFile, "config", cfg.ConfigFile, "YAML configuration file")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg.CommonArgs = commonArgs
	rest := fs.Args()
	if len(rest) >= 1 {
		cfg.Command = rest[0]
		cfg.Args = rest[1:]
	}
	return cfg, nil
}

// configPath finds the -config value without parsing other flags.
func configPath(args []string) string {
	for i := 0; i < len(args); i++ {
		a := args[i]
		if a == "--" {
			return ""
		}
		name := strings.TrimLeft(a, "-")
		if name == a {
			continue
		}
		switch {
		case name == "config" && i+1 < len(args):
			return args[i+1]
		case strings.HasPrefix(name, "config="):
			return strings.TrimPrefix(name, "config=")
		}
	}
	return ""
}

func printUsage(fs *flag.FlagSet, w io.Writer) {
	fmt.Fprintf(w, `go-exiftool-stayopen - batch metadata access over a resident ExifTool process

Usage:
  go-exiftool-stayopen [flags] <command> [args]

Commands:
  json FILE...             Print all tags of each file as a JSON array
  read TAG FILE...         Print one tag per file
  write TAG=VALUE FILE...  Write a tag and verify the update count
  binary TAG FILE          Extract a binary tag (use -o for a file)
  version                  Print the ExifTool version
  check                    Run preflight checks and exit

Pool Flags:
`)
	printFlagCategory(fs, w, []string{"pool", "ramp-rate", "ramp-jitter", "batch"})

	fmt.Fprintf(w, "\nExifTool:\n")
	printFlagCategory(fs, w, []string{"exiftool", "common-arg", "read-timeout", "shutdown-grace", "max-diagnostics", "temp-dir"})

	fmt.Fprintf(w, "\nRestart Policy:\n")
	printFlagCategory(fs, w, []string{"max-restarts", "backoff-initial", "backoff-max", "backoff-multiply"})

	fmt.Fprintf(w, "\nOutput & Observability:\n")
	printFlagCategory(fs, w, []string{"o", "metrics", "v", "log-format", "log-level", "tui", "summary"})

	fmt.Fprintf(w, "\nDiagnostics:\n")
	printFlagCategory(fs, w, []string{"config", "print-cmd", "skip-preflight"})

	fmt.Fprintf(w, `
Examples:
  # All tags of every JPEG, four processes
  go-exiftool-stayopen -pool 4 json *.jpg

  # Embedded thumbnail to a file
  go-exiftool-stayopen -o thumb.jpg binary ThumbnailImage photo.jpg

`)
}

// printFlagCategory prints flags matching the given names (helper for usage).
func printFlagCategory(fs *flag.FlagSet, w io.Writer, names []string) {
	fs.VisitAll(func(f *flag.Flag) {
		for _, name := range names {
			if f.Name == name {
				fmt.Fprintf(w, "  -%s %s\n    \t%s", f.Name, flagType(f), f.Usage)
				if f.DefValue != "" && f.DefValue != "false" && f.DefValue != "0" && f.DefValue != "0s" && f.DefValue != "[]" {
					fmt.Fprintf(w, " (default %s)", f.DefValue)
				}
				fmt.Fprintln(w)
				return
			}
		}
	})
}

// flagType returns a type hint for the flag value.
func flagType(f *flag.Flag) string {
	switch f.DefValue {
	case "true", "false":
		return ""
	}

	if strings.HasSuffix(f.DefValue, "s") || strings.HasSuffix(f.DefValue, "m") || strings.HasSuffix(f.DefValue, "h") {
		return "duration"
	}

	if _, err := fmt.Sscanf(f.DefValue, "%d", new(int)); err == nil {
		return "int"
	}

	return "string"
}
