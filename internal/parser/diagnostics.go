package parser

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/randomizedcoder/go-exiftool-stayopen/internal/exiferr"
	"github.com/randomizedcoder/go-exiftool-stayopen/internal/protocol"
)

const (
	// DefaultMaxPending caps the diagnostic lines held for one command.
	DefaultMaxPending = 1000

	// markerQueue is the number of echo markers buffered for Collect.
	markerQueue = 64

	maxLineSize = 1024 * 1024
)

// LineHandler observes every diagnostic line. logging.StderrHandler
// implements it.
type LineHandler interface {
	HandleLine(line string)
}

// NoopHandler is a LineHandler that does nothing.
type NoopHandler struct{}

// HandleLine does nothing.
func (NoopHandler) HandleLine(string) {}

// DiagnosticReader collects the stderr lines of each command.
//
// Lines are kept in a bounded pending list until the command's echo marker
// arrives. If a command floods stderr beyond the cap, extra lines are
// dropped (and counted) rather than blocking the process: the list is
// lossy, the markers are not.
type DiagnosticReader struct {
	handler    LineHandler
	maxPending int

	markers chan uint64
	stop    chan struct{}
	done    chan struct{}
	once    sync.Once

	mu      sync.Mutex
	pending []string

	linesRead    atomic.Int64
	linesDropped atomic.Int64
}

// NewDiagnosticReader starts reading r in the background.
func NewDiagnosticReader(r io.Reader, maxPending int, handler LineHandler) *DiagnosticReader {
	if maxPending < 1 {
		maxPending = DefaultMaxPending
	}
	if handler == nil {
		handler = NoopHandler{}
	}
	d := &DiagnosticReader{
		handler:    handler,
		maxPending: maxPending,
		markers:    make(chan uint64, markerQueue),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	go d.run(r)
	return d
}

func (d *DiagnosticReader) run(r io.Reader) {
	defer close(d.done)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)

	for scanner.Scan() {
		line := scanner.Text()
		if seq, ok := protocol.DecodeMarker([]byte(line)); ok {
			select {
			case d.markers <- seq:
			case <-d.stop:
				return
			}
			continue
		}

		d.linesRead.Add(1)
		d.handler.HandleLine(line)

		d.mu.Lock()
		if len(d.pending) < d.maxPending {
			d.pending = append(d.pending, line)
		} else {
			d.linesDropped.Add(1)
		}
		d.mu.Unlock()
	}
}

// Close stops the background goroutine.
func (d *DiagnosticReader) Close() {
	d.once.Do(func() { close(d.stop) })
}

// Collect waits for the echo marker of seq and returns the lines emitted
// since the previous command. Markers of older commands (abandoned after a
// timeout) are skipped together with their lines.
func (d *DiagnosticReader) Collect(ctx context.Context, seq uint64) ([]string, error) {
	for {
		select {
		case got := <-d.markers:
			if done, err := d.match(got, seq); done {
				return d.take(), err
			}
		case <-d.done:
			// the stream ended; a marker may still be queued
			select {
			case got := <-d.markers:
				if done, err := d.match(got, seq); done {
					return d.take(), err
				}
				continue
			default:
			}
			return d.take(), &exiferr.Error{
				Kind:   exiferr.ProcessExited,
				Op:     "collect_diagnostics",
				Detail: fmt.Sprintf("stderr closed before marker for command %d", seq),
				Offset: -1,
			}
		case <-ctx.Done():
			return d.take(), &exiferr.Error{
				Kind:   exiferr.Timeout,
				Op:     "collect_diagnostics",
				Detail: fmt.Sprintf("no stderr marker for command %d", seq),
				Offset: -1,
				Err:    ctx.Err(),
			}
		}
	}
}

func (d *DiagnosticReader) match(got, seq uint64) (bool, error) {
	switch {
	case got == seq:
		return true, nil
	case got < seq:
		d.take()
		return false, nil
	default:
		return true, &exiferr.Error{
			Kind:   exiferr.MalformedResponse,
			Op:     "collect_diagnostics",
			Detail: fmt.Sprintf("awaited stderr marker %d, got %d", seq, got),
			Offset: -1,
			Err:    protocol.ErrDesync,
		}
	}
}

func (d *DiagnosticReader) take() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	lines := d.pending
	d.pending = nil
	return lines
}

// Stats returns the number of diagnostic lines read and dropped.
func (d *DiagnosticReader) Stats() (read, dropped int64) {
	return d.linesRead.Load(), d.linesDropped.Load()
}

// DropRate returns the current drop rate as a fraction (0.0 to 1.0).
func (d *DiagnosticReader) DropRate() float64 {
	read := d.linesRead.Load()
	if read == 0 {
		return 0
	}
	return float64(d.linesDropped.Load()) / float64(read)
}
