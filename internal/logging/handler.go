package logging

import (
	"context"
	"log/slog"
	"strings"
	"sync"
)

const (
	// MaxLineLength is the maximum length of a single log line before truncation.
	MaxLineLength = 4096

	// MaxBufferedLines is the number of recent lines kept for diagnostics.
	MaxBufferedLines = 100
)

// StderrHandler logs the diagnostic stream of an ExifTool process.
// It buffers recent lines for the exit summary.
type StderrHandler struct {
	logger  *slog.Logger
	verbose bool

	// circular buffer for recent lines
	buffer []string
	bufIdx int
	mu     sync.Mutex
}

// NewStderrHandler creates a new stderr handler.
func NewStderrHandler(logger *slog.Logger, verbose bool) *StderrHandler {
	return &StderrHandler{
		logger:  logger,
		verbose: verbose,
		buffer:  make([]string, MaxBufferedLines),
	}
}

// HandleLine processes a single line of stderr output.
func (h *StderrHandler) HandleLine(line string) {
	if len(line) > MaxLineLength {
		line = line[:MaxLineLength] + "...(truncated)"
	}

	h.mu.Lock()
	h.buffer[h.bufIdx] = line
	h.bufIdx = (h.bufIdx + 1) % MaxBufferedLines
	h.mu.Unlock()

	h.logLine(line)
}

// logLine logs the line at appropriate level based on content.
func (h *StderrHandler) logLine(line string) {
	level := ClassifyLine(line)

	// In non-verbose mode, only log warnings and errors
	if !h.verbose && level == slog.LevelDebug {
		return
	}

	h.logger.Log(context.Background(), level, "exiftool_stderr",
		"line", line,
	)
}

// ClassifyLine maps a diagnostic line to a log level. ExifTool prefixes
// problems with "Error:" or "Warning:"; everything else is chatter.
func ClassifyLine(line string) slog.Level {
	trimmed := strings.TrimSpace(line)
	switch {
	case strings.HasPrefix(trimmed, "Error:"):
		return slog.LevelWarn
	case strings.HasPrefix(trimmed, "Warning:"):
		return slog.LevelInfo
	default:
		return slog.LevelDebug
	}
}

// RecentLines returns the most recent lines from the buffer.
func (h *StderrHandler) RecentLines(n int) []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	if n > MaxBufferedLines {
		n = MaxBufferedLines
	}

	lines := make([]string, 0, n)

	for i := 0; i < n; i++ {
		idx := (h.bufIdx - n + i + MaxBufferedLines) % MaxBufferedLines
		if h.buffer[idx] != "" {
			lines = append(lines, h.buffer[idx])
		}
	}

	return lines
}
