package tui

import (
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/randomizedcoder/go-exiftool-stayopen/internal/supervisor"
	"github.com/randomizedcoder/go-exiftool-stayopen/internal/timeseries"
)

// =============================================================================
// Messages
// =============================================================================

// TickMsg is sent periodically to update the display.
type TickMsg time.Time

// SnapshotMsg carries an updated snapshot.
type SnapshotMsg Snapshot

// DoneMsg signals the batch finished; Err is its result.
type DoneMsg struct{ Err error }

// QuitMsg signals the TUI should exit.
type QuitMsg struct{}

// =============================================================================
// Snapshot
// =============================================================================

// Snapshot is a point-in-time view of a batch run.
type Snapshot struct {
	Total int // files in the batch
	Done  int // files finished

	PoolSize int
	Active   int
	States   map[int]supervisor.State
	Pids     map[int]int

	Commands int64
	Failed   int64
	Retries  int64
	Restarts int

	P50, P95, P99 time.Duration

	Files timeseries.RateStats
	Bytes timeseries.RateStats

	DiagnosticLines   int64
	DiagnosticDropped int64
	Diagnostics       []string // most recent stderr lines
}

// Source provides snapshots.
type Source interface {
	Snapshot() Snapshot
}

// =============================================================================
// Model
// =============================================================================

// Model represents the TUI state.
type Model struct {
	// Configuration
	command     string
	metricsAddr string
	source      Source

	// Current state
	snap         Snapshot
	startTime    time.Time
	lastUpdate   time.Time
	detailedView bool
	done         bool
	err          error

	// Display options
	width  int
	height int

	quitting bool
}

// Config holds TUI configuration.
type Config struct {
	Command     string
	MetricsAddr string
	Source      Source
}

// New creates a new TUI model.
func New(cfg Config) Model {
	return Model{
		command:     cfg.Command,
		metricsAddr: cfg.MetricsAddr,
		source:      cfg.Source,
		startTime:   time.Now(),
		lastUpdate:  time.Now(),
		width:       80,
		height:      24,
	}
}

// =============================================================================
// Bubble Tea Interface
// =============================================================================

// Init initializes the model.
func (m Model) Init() tea.Cmd {
	return tickCmd()
}

// Update handles messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			m.quitting = true
			return m, tea.Quit
		case "d":
			m.detailedView = !m.detailedView
			return m, nil
		case "r":
			return m, tickCmd()
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case TickMsg:
		m.refresh()
		if m.done {
			return m, nil
		}
		return m, tickCmd()

	case SnapshotMsg:
		m.snap = Snapshot(msg)
		m.lastUpdate = time.Now()
		return m, nil

	case DoneMsg:
		m.refresh()
		m.done = true
		m.err = msg.Err
		return m, tea.Quit

	case QuitMsg:
		m.quitting = true
		return m, tea.Quit
	}

	return m, nil
}

func (m *Model) refresh() {
	if m.source != nil {
		m.snap = m.source.Snapshot()
	}
	m.lastUpdate = time.Now()
}

// View renders the TUI.
func (m Model) View() string {
	if m.quitting {
		return ""
	}
	if m.detailedView {
		return m.renderDetailedView()
	}
	return m.renderSummaryView()
}

// =============================================================================
// Commands
// =============================================================================

// tickCmd returns a command that sends a tick after 500ms.
func tickCmd() tea.Cmd {
	return tea.Tick(500*time.Millisecond, func(t time.Time) tea.Msg {
		return TickMsg(t)
	})
}

// =============================================================================
// Accessors
// =============================================================================

// Elapsed returns the time since the run started.
func (m Model) Elapsed() time.Duration {
	return time.Since(m.startTime)
}

// Progress returns the fraction of files done (0.0 to 1.0).
func (m Model) Progress() float64 {
	if m.snap.Total == 0 {
		return 0
	}
	return float64(m.snap.Done) / float64(m.snap.Total)
}

// ErrorRate returns the fraction of commands that failed.
func (m Model) ErrorRate() float64 {
	if m.snap.Commands == 0 {
		return 0
	}
	return float64(m.snap.Failed) / float64(m.snap.Commands)
}

// DropRate returns the fraction of diagnostic lines dropped.
func (m Model) DropRate() float64 {
	total := m.snap.DiagnosticLines + m.snap.DiagnosticDropped
	if total == 0 {
		return 0
	}
	return float64(m.snap.DiagnosticDropped) / float64(total)
}

// Done reports whether the batch finished, and its error.
func (m Model) Done() (bool, error) {
	return m.done, m.err
}

// =============================================================================
// Helpers for external use
// =============================================================================

// SendDone tells the TUI the batch finished.
func SendDone(p *tea.Program, err error) {
	if p != nil {
		p.Send(DoneMsg{Err: err})
	}
}

// SendQuit sends a quit message to the TUI.
func SendQuit(p *tea.Program) {
	if p != nil {
		p.Send(QuitMsg{})
	}
}
