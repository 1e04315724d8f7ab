// Package logging provides structured logging for go-exiftool-stayopen:
// the process-wide slog logger and the handler that turns ExifTool's
// diagnostic stream into log records.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

// NewLogger creates the CLI logger on stderr. Format is "json" or "text"
// (anything else is JSON); level is "debug", "info", "warn" or "error".
// Verbose forces debug and adds source locations.
func NewLogger(format, level string, verbose bool) *slog.Logger {
	if !strings.EqualFold(format, "text") {
		format = "json"
	}
	lvl := parseLevel(level)
	if verbose {
		lvl = slog.LevelDebug
	}
	return slog.New(newHandler(os.Stderr, format, &slog.HandlerOptions{
		Level:     lvl,
		AddSource: lvl == slog.LevelDebug,
	}))
}

// NewLoggerWithWriter creates a logger that writes to w. Unknown formats
// fall back to text.
func NewLoggerWithWriter(w io.Writer, format, level string) *slog.Logger {
	return slog.New(newHandler(w, format, &slog.HandlerOptions{Level: parseLevel(level)}))
}

func newHandler(w io.Writer, format string, opts *slog.HandlerOptions) slog.Handler {
	if strings.EqualFold(format, "json") {
		opts.ReplaceAttr = millis
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// millis renders durations as fractional milliseconds under a "_ms" key.
// JSON would otherwise print integer nanoseconds.
func millis(_ []string, a slog.Attr) slog.Attr {
	if a.Value.Kind() != slog.KindDuration {
		return a
	}
	d := a.Value.Duration()
	return slog.Float64(a.Key+"_ms", float64(d)/float64(time.Millisecond))
}

// parseLevel converts a string level to slog.Level.
func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ForManager scopes logger to one pool member.
func ForManager(logger *slog.Logger, id int) *slog.Logger {
	return logger.With("manager_id", id)
}

// SetDefault sets the default logger for the slog package.
func SetDefault(logger *slog.Logger) {
	slog.SetDefault(logger)
}
