// Package stats provides command latency tracking and the exit summary
// for go-exiftool-stayopen.
package stats

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

const (
	heavyRule = "═══════════════════════════════════════════════════════════════════════════════\n"
	lightRule = "───────────────────────────────────────────────────────────────────────────────\n"
)

// SummaryConfig holds everything the exit summary displays.
type SummaryConfig struct {
	// Duration is the total run duration
	Duration time.Duration

	// MetricsAddr is the Prometheus metrics endpoint address
	MetricsAddr string

	// Version is the ExifTool version in use
	Version string

	// PoolSize is the number of ExifTool processes
	PoolSize int

	// Files is the number of files processed
	Files int

	// Commands maps outcome to count (from metrics.Collector)
	Commands map[string]int64

	// Retries is the number of commands resubmitted after a restart
	Retries int64

	// TotalStarts and TotalRestarts count process lifecycle events
	TotalStarts   int64
	TotalRestarts int64

	// ExitCodes is a map of exit codes to counts
	ExitCodes map[int]int64

	// Errors maps error kind to count
	Errors map[string]int64

	// Writes maps write result to count
	Writes map[string]int64

	// DiagnosticsDropped is the number of stderr lines dropped
	DiagnosticsDropped int64

	// Latency holds per-command latencies; nil skips the section
	Latency *LatencyTracker

	// UptimeP50, UptimeP95, UptimeP99 are process uptime percentiles
	UptimeP50 time.Duration
	UptimeP95 time.Duration
	UptimeP99 time.Duration
}

// FormatExitSummary formats the run statistics for display at program exit.
func FormatExitSummary(cfg SummaryConfig) string {
	var b strings.Builder

	b.WriteString("\n")
	b.WriteString(heavyRule)
	b.WriteString("                      go-exiftool-stayopen Exit Summary\n")
	b.WriteString(heavyRule + "\n")

	if cfg.DiagnosticsDropped > 0 {
		b.WriteString("⚠️  DIAGNOSTICS TRUNCATED: a command produced more stderr than the pending cap\n")
		fmt.Fprintf(&b, "    Lines dropped: %s\n", FormatNumber(cfg.DiagnosticsDropped))
		b.WriteString("    Consider: -max-diagnostics 5000\n\n")
	}

	// Run info
	fmt.Fprintf(&b, "Run Duration:           %s\n", FormatDuration(cfg.Duration))
	if cfg.Version != "" {
		fmt.Fprintf(&b, "ExifTool Version:       %s\n", cfg.Version)
	}
	if cfg.PoolSize > 0 {
		fmt.Fprintf(&b, "Processes:              %d\n", cfg.PoolSize)
	}
	fmt.Fprintf(&b, "Files:                  %d\n\n", cfg.Files)

	// Commands
	var total int64
	for _, n := range cfg.Commands {
		total += n
	}
	if total > 0 {
		section(&b, "Commands")
		rate := 0.0
		if cfg.Duration > 0 {
			rate = float64(total) / cfg.Duration.Seconds()
		}
		fmt.Fprintf(&b, "  %-20s %12s %12s\n", "Outcome", "Total", "Share")
		b.WriteString("  " + strings.Repeat("─", 46) + "\n")
		for _, outcome := range sortedKeys(cfg.Commands) {
			n := cfg.Commands[outcome]
			fmt.Fprintf(&b, "  %-20s %12s %11.1f%%\n", outcome, FormatNumber(n), float64(n)*100/float64(total))
		}
		fmt.Fprintf(&b, "\n  Rate:                 %s\n", FormatRate(rate))
		if cfg.Retries > 0 {
			fmt.Fprintf(&b, "  Retries:              %d\n", cfg.Retries)
		}
		b.WriteString("\n")
	}

	// Latency
	if cfg.Latency != nil && cfg.Latency.Count() > 0 {
		section(&b, "Command Latency")
		p50, p95, p99 := cfg.Latency.Percentiles()
		fmt.Fprintf(&b, "  Mean:                 %s\n", FormatMs(cfg.Latency.Mean()))
		fmt.Fprintf(&b, "  P50 (median):         %s\n", FormatMs(p50))
		fmt.Fprintf(&b, "  P95:                  %s\n", FormatMs(p95))
		fmt.Fprintf(&b, "  P99:                  %s\n", FormatMs(p99))
		fmt.Fprintf(&b, "  Max:                  %s\n", FormatMs(cfg.Latency.Max()))
		b.WriteString("\n")
	}

	// Writes
	if len(cfg.Writes) > 0 {
		section(&b, "Writes")
		for _, result := range sortedKeys(cfg.Writes) {
			fmt.Fprintf(&b, "  %-22s%d\n", result+":", cfg.Writes[result])
		}
		b.WriteString("\n")
	}

	// Lifecycle
	if cfg.TotalStarts > 0 || cfg.TotalRestarts > 0 {
		section(&b, "Lifecycle")
		fmt.Fprintf(&b, "  Total Starts:         %d\n", cfg.TotalStarts)
		fmt.Fprintf(&b, "  Total Restarts:       %d\n", cfg.TotalRestarts)
		if cfg.UptimeP50 > 0 || cfg.UptimeP95 > 0 {
			fmt.Fprintf(&b, "  Uptime P50:           %s\n", FormatDuration(cfg.UptimeP50))
			fmt.Fprintf(&b, "  Uptime P95:           %s\n", FormatDuration(cfg.UptimeP95))
			fmt.Fprintf(&b, "  Uptime P99:           %s\n", FormatDuration(cfg.UptimeP99))
		}
		b.WriteString("\n")
	}

	// Errors
	if len(cfg.Errors) > 0 {
		section(&b, "Errors")
		for _, kind := range sortedKeys(cfg.Errors) {
			fmt.Fprintf(&b, "  %-22s%d\n", kind+":", cfg.Errors[kind])
		}
		b.WriteString("\n")
	}

	// Exit codes
	if len(cfg.ExitCodes) > 0 {
		section(&b, "Exit Codes")

		codes := make([]int, 0, len(cfg.ExitCodes))
		for code := range cfg.ExitCodes {
			codes = append(codes, code)
		}
		sort.Ints(codes)

		for _, code := range codes {
			fmt.Fprintf(&b, "  %3d %-16s %d\n", code, exitCodeLabel(code), cfg.ExitCodes[code])
		}
		b.WriteString("\n")
	}

	if cfg.MetricsAddr != "" {
		fmt.Fprintf(&b, "Metrics endpoint was: http://%s/metrics\n", cfg.MetricsAddr)
	}

	b.WriteString(heavyRule)

	return b.String()
}

// section writes a titled divider.
func section(b *strings.Builder, title string) {
	pad := (79 - len(title)) / 2
	if pad < 0 {
		pad = 0
	}
	b.WriteString(lightRule)
	b.WriteString(strings.Repeat(" ", pad) + title + "\n")
	b.WriteString(lightRule + "\n")
}

func sortedKeys(m map[string]int64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// exitCodeLabel returns a human-readable label for common exit codes.
func exitCodeLabel(code int) string {
	switch code {
	case 0:
		return "(clean)"
	case 1:
		return "(error)"
	case 137:
		return "(SIGKILL)"
	case 143:
		return "(SIGTERM)"
	default:
		return ""
	}
}

// =============================================================================
// Formatting Helper Functions (exported for reuse)
// =============================================================================

// FormatDuration formats a duration as HH:MM:SS.
func FormatDuration(d time.Duration) string {
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

// FormatNumber formats a number with K/M suffixes for readability.
func FormatNumber(n int64) string {
	if n >= 1_000_000 {
		return fmt.Sprintf("%.1fM", float64(n)/1_000_000)
	}
	if n >= 1_000 {
		return fmt.Sprintf("%.1fK", float64(n)/1_000)
	}
	return fmt.Sprintf("%d", n)
}

// FormatBytes formats bytes with KB/MB/GB suffixes.
func FormatBytes(n int64) string {
	if n >= 1_000_000_000 {
		return fmt.Sprintf("%.2f GB", float64(n)/1_000_000_000)
	}
	if n >= 1_000_000 {
		return fmt.Sprintf("%.2f MB", float64(n)/1_000_000)
	}
	if n >= 1_000 {
		return fmt.Sprintf("%.2f KB", float64(n)/1_000)
	}
	return fmt.Sprintf("%d B", n)
}

// FormatMs formats a duration as milliseconds.
func FormatMs(d time.Duration) string {
	ms := d.Milliseconds()
	if ms == 0 && d > 0 {
		// Sub-millisecond, show microseconds
		return fmt.Sprintf("%d µs", d.Microseconds())
	}
	return fmt.Sprintf("%d ms", ms)
}

// FormatRate formats a rate with appropriate precision.
func FormatRate(rate float64) string {
	if rate >= 1000 {
		return fmt.Sprintf("%.1fK/s", rate/1000)
	}
	if rate >= 1 {
		return fmt.Sprintf("%.1f/s", rate)
	}
	return fmt.Sprintf("%.2f/s", rate)
}
