package tui

import (
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/randomizedcoder/go-exiftool-stayopen/internal/stats"
)

// maxDiagnostics is the number of stderr lines shown in the detailed view.
const maxDiagnostics = 10

// =============================================================================
// Main View Rendering
// =============================================================================

func (m Model) renderSummaryView() string {
	sections := []string{
		m.renderHeader(),
		m.renderProgress(),
		m.renderThroughput(),
		m.renderLatency(),
	}
	if m.snap.Failed > 0 || m.snap.Restarts > 0 || m.snap.Retries > 0 {
		sections = append(sections, m.renderErrors())
	}
	sections = append(sections, m.renderFooter())
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func (m Model) renderDetailedView() string {
	return lipgloss.JoinVertical(lipgloss.Left,
		m.renderHeader(),
		m.renderProcessTable(),
		m.renderDiagnostics(),
		m.renderFooter(),
	)
}

// =============================================================================
// Header
// =============================================================================

func (m Model) renderHeader() string {
	header := fmt.Sprintf(
		" go-exiftool-stayopen │ %s │ %s │ Processes: %d/%d │ Elapsed: %s ",
		m.command,
		GetDiagnosticsLabel(m.DropRate()),
		m.snap.Active,
		m.snap.PoolSize,
		stats.FormatDuration(m.Elapsed()),
	)
	return headerStyle.Width(m.width).Render(header)
}

// =============================================================================
// Sections
// =============================================================================

func (m Model) renderProgress() string {
	barWidth := max(m.width-30, 20)
	bar := RenderProgressBar(m.Progress(), barWidth)

	var status string
	switch {
	case m.done && m.err != nil:
		status = toneBad.render("✗ " + m.err.Error())
	case m.done:
		status = toneGood.render(fmt.Sprintf("✓ %d files done", m.snap.Done))
	default:
		status = toneBusy.render(fmt.Sprintf("Processing... %d/%d", m.snap.Done, m.snap.Total))
	}

	content := lipgloss.JoinVertical(lipgloss.Left,
		sectionStyle.Render("Progress"),
		bar,
		status,
	)
	return panelStyle.Width(m.width - 2).Render(content)
}

func (m Model) renderThroughput() string {
	f, b := m.snap.Files, m.snap.Bytes
	content := lipgloss.JoinVertical(lipgloss.Left,
		sectionStyle.Render("Throughput"),
		RenderKeyValue("Files", fmt.Sprintf("%s (%s, 10s %s)", stats.FormatNumber(f.Total), stats.FormatRate(f.Rate1s), stats.FormatRate(f.Rate10s))),
		RenderKeyValue("Commands", stats.FormatNumber(m.snap.Commands)),
		RenderKeyValue("Stdout", fmt.Sprintf("%s (%s/s)", stats.FormatBytes(b.Total), stats.FormatBytes(int64(b.Rate10s)))),
	)
	return panelStyle.Width(m.width - 2).Render(content)
}

func (m Model) renderLatency() string {
	content := lipgloss.JoinVertical(lipgloss.Left,
		sectionStyle.Render("Command Latency"),
		RenderKeyValue("P50", stats.FormatMs(m.snap.P50)),
		RenderKeyValue("P95", stats.FormatMs(m.snap.P95)),
		RenderKeyValue("P99", stats.FormatMs(m.snap.P99)),
	)
	return panelStyle.Width(m.width - 2).Render(content)
}

func (m Model) renderErrors() string {
	rate := m.ErrorRate()
	content := lipgloss.JoinVertical(lipgloss.Left,
		sectionStyle.Render("Errors"),
		renderKeyStyled("Failed", errorRateTone(rate).render(fmt.Sprintf("%d (%.2f%%)", m.snap.Failed, rate*100))),
		RenderKeyValue("Retries", fmt.Sprintf("%d", m.snap.Retries)),
		RenderKeyValue("Restarts", fmt.Sprintf("%d", m.snap.Restarts)),
	)
	return panelStyle.Width(m.width - 2).Render(content)
}

func (m Model) renderProcessTable() string {
	ids := make([]int, 0, len(m.snap.States))
	for id := range m.snap.States {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	rows := []string{tableHeaderStyle.Render(fmt.Sprintf("%-4s %-10s %-8s", "ID", "STATE", "PID"))}
	for i, id := range ids {
		style := rowStyles[i%2]
		pid := "-"
		if p := m.snap.Pids[id]; p > 0 {
			pid = fmt.Sprintf("%d", p)
		}
		rows = append(rows, style.Render(fmt.Sprintf("%-4d ", id))+
			GetStateLabel(m.snap.States[id])+
			style.Render(fmt.Sprintf("%*s%-8s", 11-len(m.snap.States[id].String()), "", pid)))
	}

	content := lipgloss.JoinVertical(lipgloss.Left,
		append([]string{sectionStyle.Render("Processes")}, rows...)...)
	return panelStyle.Width(m.width - 2).Render(content)
}

func (m Model) renderDiagnostics() string {
	lines := m.snap.Diagnostics
	if len(lines) > maxDiagnostics {
		lines = lines[len(lines)-maxDiagnostics:]
	}
	body := []string{sectionStyle.Render("Recent Diagnostics")}
	if len(lines) == 0 {
		body = append(body, dimStyle.Render("(none)"))
	}
	for _, l := range lines {
		if w := m.width - 6; w > 10 && len(l) > w {
			l = l[:w-3] + "..."
		}
		body = append(body, RenderDiagnostic(l))
	}
	return panelStyle.Width(m.width - 2).Render(lipgloss.JoinVertical(lipgloss.Left, body...))
}

// =============================================================================
// Footer
// =============================================================================

func (m Model) renderFooter() string {
	shortcuts := []string{
		"q: quit",
		"d: toggle details",
		"r: refresh",
	}

	left := dimStyle.Render(strings.Join(shortcuts, " │ "))
	right := ""
	if m.metricsAddr != "" {
		right = dimStyle.Render("Metrics: http://" + m.metricsAddr + "/metrics")
	}

	padding := max(m.width-lipgloss.Width(left)-lipgloss.Width(right)-2, 1)

	return footerStyle.Render(
		lipgloss.JoinHorizontal(lipgloss.Left,
			left,
			strings.Repeat(" ", padding),
			right,
		),
	)
}
