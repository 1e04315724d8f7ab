// Package main provides the go-exiftool-stayopen CLI entry point.
//
// go-exiftool-stayopen drives a pool of long-lived ExifTool processes over
// the stay-open protocol to read and write image metadata in bulk.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/randomizedcoder/go-exiftool-stayopen/internal/config"
	"github.com/randomizedcoder/go-exiftool-stayopen/internal/logging"
	"github.com/randomizedcoder/go-exiftool-stayopen/internal/orchestrator"
)

// version is set at build time via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0" ./cmd/go-exiftool-stayopen
var version = "dev"

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	// Handle version flag early (before flag parsing)
	if len(args) > 0 {
		if arg := args[0]; arg == "-version" || arg == "--version" {
			fmt.Printf("go-exiftool-stayopen %s\n", version)
			return 0
		}
	}

	cfg, err := config.ParseFlags(args, os.Stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintf(os.Stderr, "Error parsing flags: %v\n", err)
		return 2
	}

	// The dashboard owns the terminal; logs would tear it.
	var logger *slog.Logger
	if cfg.TUIEnabled {
		logger = logging.NewLoggerWithWriter(io.Discard, "json", "info")
	} else {
		logger = logging.NewLogger(cfg.LogFormat, cfg.LogLevel, cfg.Verbose)
	}
	logging.SetDefault(logger)

	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		return 2
	}

	logger.Debug("starting",
		"version", version,
		"command", cfg.Command,
		"args", len(cfg.Args),
		"pool", cfg.Pool,
		"exiftool", cfg.ExifToolPath,
		"metrics_addr", cfg.MetricsAddr,
	)

	orch := orchestrator.New(cfg, logger, os.Stdout, os.Stderr)
	if err := orch.Run(context.Background()); err != nil {
		if !errors.Is(err, orchestrator.ErrPreflight) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		logger.Debug("orchestrator_failed", "error", err)
		return 1
	}
	return 0
}
