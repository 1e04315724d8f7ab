// Package metrics provides Prometheus metrics for go-exiftool-stayopen.
//
// Metrics are process-wide: every manager in a pool reports into the same
// collectors, so the aggregate view is what gets exported.
package metrics

import (
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
)

// Command outcomes.
const (
	OutcomeOK        = "ok"
	OutcomeToolError = "tool_error"
	OutcomeFailed    = "failed"
)

// Write results.
const (
	WriteOK       = "ok"
	WriteRejected = "rejected"
	WriteFailed   = "failed"
)

// --- Commands ---
var (
	exiftoolInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "exiftool_info",
			Help: "Information about the managed ExifTool (value always 1)",
		},
		[]string{"version"},
	)

	exiftoolCommandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "exiftool_commands_total",
			Help: "Commands executed, by outcome",
		},
		[]string{"outcome"},
	)

	exiftoolCommandDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "exiftool_command_duration_seconds",
			Help:    "Time from writing a command to receiving its completion marker",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms .. ~8s
		},
	)

	exiftoolCommandRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "exiftool_command_retries_total",
			Help: "Commands resubmitted after a process restart",
		},
	)

	exiftoolErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "exiftool_errors_total",
			Help: "Errors returned to callers, by kind",
		},
		[]string{"kind"},
	)

	exiftoolLatencyP50Seconds = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "exiftool_command_latency_p50_seconds",
			Help: "50th percentile command latency",
		},
	)

	exiftoolLatencyP95Seconds = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "exiftool_command_latency_p95_seconds",
			Help: "95th percentile command latency",
		},
	)

	exiftoolLatencyP99Seconds = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "exiftool_command_latency_p99_seconds",
			Help: "99th percentile command latency",
		},
	)
)

// --- Process lifecycle ---
var (
	exiftoolProcessStartsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "exiftool_process_starts_total",
			Help: "ExifTool processes started",
		},
	)

	exiftoolProcessRestartsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "exiftool_process_restarts_total",
			Help: "ExifTool processes restarted after a failure",
		},
	)

	exiftoolProcessExitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "exiftool_process_exits_total",
			Help: "ExifTool process exits, by category",
		},
		[]string{"category"},
	)

	exiftoolProcessesAlive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "exiftool_processes_alive",
			Help: "ExifTool processes currently running",
		},
	)

	exiftoolProcessUptimeSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "exiftool_process_uptime_seconds",
			Help:    "Lifetime of exited ExifTool processes",
			Buckets: prometheus.ExponentialBuckets(0.1, 4, 10),
		},
	)
)

// --- Streams ---
var (
	exiftoolStdoutBytesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "exiftool_stdout_bytes_total",
			Help: "Bytes read from ExifTool stdout",
		},
	)

	exiftoolDiagnosticLinesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "exiftool_diagnostic_lines_total",
			Help: "Diagnostic (stderr) lines, by level",
		},
		[]string{"level"},
	)

	exiftoolDiagnosticLinesDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "exiftool_diagnostic_lines_dropped_total",
			Help: "Diagnostic lines dropped because a command exceeded the pending cap",
		},
	)

	exiftoolWritesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "exiftool_writes_total",
			Help: "Tag writes, by result",
		},
		[]string{"result"},
	)
)

// Collector records events into the Prometheus metrics and keeps the
// totals needed for the exit summary.
type Collector struct {
	startTime time.Time

	mu            sync.Mutex
	commands      map[string]int64
	retries       int64
	totalStarts   int64
	totalRestarts int64
	exitCodes     map[int]int64
	uptimes       []time.Duration
	errorKinds    map[string]int64
	writes        map[string]int64
	dropped       int64
	bytesRead     int64
	diagLines     int64
}

// NewCollector creates a collector registered with the default registry.
func NewCollector() *Collector {
	return NewCollectorWithRegistry(prometheus.DefaultRegisterer)
}

// NewCollectorWithRegistry creates a collector with a custom registry.
// Useful for testing.
func NewCollectorWithRegistry(registry prometheus.Registerer) *Collector {
	c := &Collector{
		startTime:  time.Now(),
		commands:   make(map[string]int64),
		exitCodes:  make(map[int]int64),
		errorKinds: make(map[string]int64),
		writes:     make(map[string]int64),
	}

	registry.MustRegister(
		exiftoolInfo,
		exiftoolCommandsTotal,
		exiftoolCommandDurationSeconds,
		exiftoolCommandRetriesTotal,
		exiftoolErrorsTotal,
		exiftoolLatencyP50Seconds,
		exiftoolLatencyP95Seconds,
		exiftoolLatencyP99Seconds,

		exiftoolProcessStartsTotal,
		exiftoolProcessRestartsTotal,
		exiftoolProcessExitsTotal,
		exiftoolProcessesAlive,
		exiftoolProcessUptimeSeconds,

		exiftoolStdoutBytesTotal,
		exiftoolDiagnosticLinesTotal,
		exiftoolDiagnosticLinesDroppedTotal,
		exiftoolWritesTotal,
	)

	return c
}

// SetVersion publishes the ExifTool version.
func (c *Collector) SetVersion(version string) {
	exiftoolInfo.Reset()
	exiftoolInfo.WithLabelValues(version).Set(1)
}

// RecordCommand records a finished command.
func (c *Collector) RecordCommand(outcome string, d time.Duration) {
	exiftoolCommandsTotal.WithLabelValues(outcome).Inc()
	exiftoolCommandDurationSeconds.Observe(d.Seconds())

	c.mu.Lock()
	c.commands[outcome]++
	c.mu.Unlock()
}

// CommandRetried records a resubmission after restart.
func (c *Collector) CommandRetried() {
	exiftoolCommandRetriesTotal.Inc()

	c.mu.Lock()
	c.retries++
	c.mu.Unlock()
}

// RecordError records an error returned to a caller.
func (c *Collector) RecordError(kind string) {
	exiftoolErrorsTotal.WithLabelValues(kind).Inc()

	c.mu.Lock()
	c.errorKinds[kind]++
	c.mu.Unlock()
}

// SetLatencyPercentiles publishes latency percentiles computed elsewhere.
func (c *Collector) SetLatencyPercentiles(p50, p95, p99 time.Duration) {
	exiftoolLatencyP50Seconds.Set(p50.Seconds())
	exiftoolLatencyP95Seconds.Set(p95.Seconds())
	exiftoolLatencyP99Seconds.Set(p99.Seconds())
}

// ProcessStarted records a process start.
func (c *Collector) ProcessStarted() {
	exiftoolProcessStartsTotal.Inc()
	exiftoolProcessesAlive.Inc()

	c.mu.Lock()
	c.totalStarts++
	c.mu.Unlock()
}

// ProcessRestarted records a restart attempt.
func (c *Collector) ProcessRestarted() {
	exiftoolProcessRestartsTotal.Inc()

	c.mu.Lock()
	c.totalRestarts++
	c.mu.Unlock()
}

// RecordExit records a process exit event.
func (c *Collector) RecordExit(exitCode int, uptime time.Duration) {
	category := "error"
	if exitCode == 0 {
		category = "success"
	} else if exitCode > 128 {
		category = "signal"
	}
	exiftoolProcessExitsTotal.WithLabelValues(category).Inc()
	exiftoolProcessesAlive.Dec()
	exiftoolProcessUptimeSeconds.Observe(uptime.Seconds())

	c.mu.Lock()
	c.exitCodes[exitCode]++
	c.uptimes = append(c.uptimes, uptime)
	c.mu.Unlock()
}

// BytesRead records bytes read from stdout.
func (c *Collector) BytesRead(n int64) {
	if n <= 0 {
		return
	}
	exiftoolStdoutBytesTotal.Add(float64(n))

	c.mu.Lock()
	c.bytesRead += n
	c.mu.Unlock()
}

// DiagnosticLine records one stderr line at the given level name.
func (c *Collector) DiagnosticLine(level string) {
	exiftoolDiagnosticLinesTotal.WithLabelValues(level).Inc()

	c.mu.Lock()
	c.diagLines++
	c.mu.Unlock()
}

// DiagnosticsDropped records dropped stderr lines.
func (c *Collector) DiagnosticsDropped(n int64) {
	if n <= 0 {
		return
	}
	exiftoolDiagnosticLinesDroppedTotal.Add(float64(n))

	c.mu.Lock()
	c.dropped += n
	c.mu.Unlock()
}

// RecordWrite records a tag write.
func (c *Collector) RecordWrite(result string) {
	exiftoolWritesTotal.WithLabelValues(result).Inc()

	c.mu.Lock()
	c.writes[result]++
	c.mu.Unlock()
}

// =============================================================================
// Summary Generation
// =============================================================================

// Summary holds the data for generating an exit summary.
type Summary struct {
	Duration      time.Duration
	Commands      map[string]int64
	Retries       int64
	TotalStarts   int64
	TotalRestarts int64
	ExitCodes     map[int]int64
	Errors        map[string]int64
	Writes        map[string]int64
	Dropped       int64
	BytesRead     int64
	DiagLines     int64
	UptimeP50     time.Duration
	UptimeP95     time.Duration
	UptimeP99     time.Duration
}

// TotalCommands returns the number of commands across all outcomes.
func (s *Summary) TotalCommands() int64 {
	var n int64
	for _, v := range s.Commands {
		n += v
	}
	return n
}

// GenerateSummary creates a summary of the run.
func (c *Collector) GenerateSummary() *Summary {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := &Summary{
		Duration:      time.Since(c.startTime),
		Commands:      copyMap(c.commands),
		Retries:       c.retries,
		TotalStarts:   c.totalStarts,
		TotalRestarts: c.totalRestarts,
		ExitCodes:     make(map[int]int64, len(c.exitCodes)),
		Errors:        copyMap(c.errorKinds),
		Writes:        copyMap(c.writes),
		Dropped:       c.dropped,
		BytesRead:     c.bytesRead,
		DiagLines:     c.diagLines,
	}
	for code, count := range c.exitCodes {
		s.ExitCodes[code] = count
	}

	if len(c.uptimes) > 0 {
		sorted := make([]time.Duration, len(c.uptimes))
		copy(sorted, c.uptimes)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

		s.UptimeP50 = percentile(sorted, 0.50)
		s.UptimeP95 = percentile(sorted, 0.95)
		s.UptimeP99 = percentile(sorted, 0.99)
	}

	return s
}

// TotalStarts returns the total number of process starts.
func (c *Collector) TotalStarts() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.totalStarts
}

// TotalRestarts returns the total number of restarts.
func (c *Collector) TotalRestarts() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.totalRestarts
}

// =============================================================================
// Text export
// =============================================================================

// WriteText writes the families gathered from g whose names start with
// prefix in the Prometheus text exposition format.
func WriteText(w io.Writer, g prometheus.Gatherer, prefix string) error {
	families, err := g.Gather()
	if err != nil {
		return err
	}
	enc := expfmt.NewEncoder(w, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range families {
		if !strings.HasPrefix(mf.GetName(), prefix) {
			continue
		}
		if err := enc.Encode(mf); err != nil {
			return err
		}
	}
	return nil
}

// CounterValue sums the counter or gauge samples of family name, across
// all label sets.
func CounterValue(families []*dto.MetricFamily, name string) (float64, bool) {
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		var sum float64
		for _, m := range mf.GetMetric() {
			switch {
			case m.GetCounter() != nil:
				sum += m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				sum += m.GetGauge().GetValue()
			}
		}
		return sum, true
	}
	return 0, false
}

// =============================================================================
// Helper Functions
// =============================================================================

func copyMap(m map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// percentile returns the value at the given percentile (0.0-1.0).
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(float64(len(sorted)-1) * p)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
