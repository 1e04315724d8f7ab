// Package tui provides a live terminal dashboard for batch runs.
//
// The TUI uses Bubble Tea for the application framework and Lipgloss for
// styling. It shows file progress, throughput, command latency and the
// state of every ExifTool process in the pool.
package tui

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/randomizedcoder/go-exiftool-stayopen/internal/logging"
	"github.com/randomizedcoder/go-exiftool-stayopen/internal/supervisor"
)

var (
	colorAccent  = lipgloss.Color("#7C3AED")
	colorHeading = lipgloss.Color("#06B6D4")
	colorText    = lipgloss.Color("#E5E7EB")
	colorMuted   = lipgloss.Color("#9CA3AF")
	colorDim     = lipgloss.Color("#6B7280")
	colorBorder  = lipgloss.Color("#374151")
)

// tone is how alarming a value is. Process states, diagnostic lines,
// drop rates and error rates all map onto it.
type tone int

const (
	toneQuiet tone = iota
	toneGood
	toneBusy
	toneWarn
	toneBad
)

var toneStyles = map[tone]lipgloss.Style{
	toneQuiet: lipgloss.NewStyle().Foreground(colorMuted),
	toneGood:  lipgloss.NewStyle().Foreground(lipgloss.Color("#10B981")).Bold(true),
	toneBusy:  lipgloss.NewStyle().Foreground(lipgloss.Color("#3B82F6")).Bold(true),
	toneWarn:  lipgloss.NewStyle().Foreground(lipgloss.Color("#F59E0B")).Bold(true),
	toneBad:   lipgloss.NewStyle().Foreground(lipgloss.Color("#EF4444")).Bold(true),
}

func (t tone) style() lipgloss.Style { return toneStyles[t] }

func (t tone) render(s string) string { return t.style().Render(s) }

// Layout
var (
	panelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(colorBorder).
			Padding(0, 1)

	headerStyle = lipgloss.NewStyle().
			Foreground(colorText).
			Background(colorAccent).
			Bold(true).
			Padding(0, 1).
			MarginBottom(1)

	sectionStyle = lipgloss.NewStyle().
			Foreground(colorHeading).
			Bold(true).
			BorderStyle(lipgloss.NormalBorder()).
			BorderBottom(true).
			BorderForeground(colorBorder).
			MarginTop(1)

	footerStyle = lipgloss.NewStyle().Foreground(colorMuted).MarginTop(1)
	dimStyle    = lipgloss.NewStyle().Foreground(colorDim)
	labelStyle  = lipgloss.NewStyle().Foreground(colorMuted).Width(20)
	valueStyle  = lipgloss.NewStyle().Foreground(colorText).Bold(true)

	tableHeaderStyle = sectionStyle.MarginTop(0)
	rowStyles        = [2]lipgloss.Style{
		lipgloss.NewStyle().Foreground(colorText),
		lipgloss.NewStyle().Foreground(colorMuted),
	}

	barFilledStyle = lipgloss.NewStyle().Foreground(colorAccent)
	barEmptyStyle  = lipgloss.NewStyle().Foreground(colorBorder)
)

// stateTone maps a supervisor state onto the tone scale.
func stateTone(s supervisor.State) tone {
	switch s {
	case supervisor.StateRunning:
		return toneGood
	case supervisor.StateStarting, supervisor.StateCreated, supervisor.StateDraining:
		return toneBusy
	case supervisor.StateBackoff:
		return toneWarn
	default:
		return toneBad
	}
}

// GetStateLabel returns a styled state name.
func GetStateLabel(s supervisor.State) string {
	return stateTone(s).render(s.String())
}

// dropTone grades the share of stderr lines that exceeded the pending cap.
func dropTone(dropRate float64) tone {
	switch {
	case dropRate > 0.10:
		return toneBad
	case dropRate > 0:
		return toneWarn
	default:
		return toneGood
	}
}

// GetDiagnosticsLabel returns the header badge for the diagnostic stream.
func GetDiagnosticsLabel(dropRate float64) string {
	label := "● Diagnostics"
	switch dropTone(dropRate) {
	case toneBad:
		label += " (severely truncated)"
	case toneWarn:
		label += " (truncated)"
	}
	return dropTone(dropRate).render(label)
}

// errorRateTone grades the share of failed commands.
func errorRateTone(rate float64) tone {
	switch {
	case rate == 0:
		return toneGood
	case rate < 0.01:
		return toneWarn
	default:
		return toneBad
	}
}

// lineTone colours a stderr line the way the logger levels it.
func lineTone(line string) tone {
	switch logging.ClassifyLine(line) {
	case slog.LevelWarn:
		return toneBad
	case slog.LevelInfo:
		return toneWarn
	default:
		return toneQuiet
	}
}

// RenderDiagnostic styles one ExifTool stderr line.
func RenderDiagnostic(line string) string {
	return lineTone(line).render(line)
}

// RenderKeyValue renders a label-value pair.
func RenderKeyValue(label, value string) string {
	return renderKeyStyled(label, valueStyle.Render(value))
}

func renderKeyStyled(label, styled string) string {
	return lipgloss.JoinHorizontal(lipgloss.Left, labelStyle.Render(label+":"), styled)
}

// RenderProgressBar renders a bar of at least 10 cells followed by the
// percentage. The percentage is not clamped.
func RenderProgressBar(progress float64, width int) string {
	width = max(width, 10)
	filled := min(max(int(progress*float64(width)), 0), width)
	return barFilledStyle.Render(strings.Repeat("█", filled)) +
		barEmptyStyle.Render(strings.Repeat("░", width-filled)) +
		valueStyle.Render(fmt.Sprintf(" %3.0f%%", progress*100))
}
