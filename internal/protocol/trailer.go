package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
)

var (
	// ErrDesync is returned when the stream carries a marker for a
	// sequence other than the one being awaited.
	ErrDesync = errors.New("protocol: sequence desync")

	// ErrTrailingBytes is returned when bytes follow the completion
	// marker. Nothing may be written between a marker and the next command.
	ErrTrailingBytes = errors.New("protocol: bytes after completion marker")

	// ErrBinaryFrame is returned when a binary response lacks its
	// opening marker.
	ErrBinaryFrame = errors.New("protocol: malformed binary frame")
)

// Trailer describes a located completion trailer.
type Trailer struct {
	// BodyEnd is the index where response content ends (the start of the
	// status tag, or of the marker line when no status tag was found).
	BodyEnd int

	// End is the index just after the marker line terminator.
	End int

	// ExitCode is the status reported by the process, or UnknownStatus.
	ExitCode int
}

// FindTrailer scans buf for the completion marker of seq, treating it as
// a delimiter only when it occupies a whole line. Scanning starts at the
// beginning of the line containing index from, so callers can pass the
// previous buffer length and still find a marker split across reads.
//
// It returns found=false when no complete marker line is present yet.
func FindTrailer(buf []byte, seq uint64, from int) (Trailer, bool, error) {
	from = clampIndex(from, len(buf))
	// back up to the start of the line containing from
	lineStart := bytes.LastIndexByte(buf[:from], RecordSeparator) + 1
	t, _, found, err := ScanTrailer(buf, seq, lineStart, from)
	return t, found, err
}

// ScanTrailer is FindTrailer for callers that track where the last
// incomplete line began. buf[:from] has been scanned before and lineStart
// is the start of the line containing from, so only bytes from index from
// onward are searched for line ends.
//
// When no marker is found, next is the start of the incomplete final line;
// pass it back as lineStart on the following call.
func ScanTrailer(buf []byte, seq uint64, lineStart, from int) (t Trailer, next int, found bool, err error) {
	from = clampIndex(from, len(buf))
	start := clampIndex(lineStart, from)

	for search := from; search < len(buf); {
		nl := bytes.IndexByte(buf[search:], RecordSeparator)
		if nl < 0 {
			// incomplete line; wait for more bytes
			break
		}
		lineEnd := search + nl
		line := buf[start:lineEnd]

		if got, ok := DecodeMarker(line); ok {
			if got != seq {
				return Trailer{}, start, false, fmt.Errorf("%w: awaited %d, got marker %d", ErrDesync, seq, got)
			}
			tr, err := trailerAt(buf, seq, start, lineEnd+1)
			if err != nil {
				return Trailer{}, start, false, err
			}
			if tr.End != len(buf) {
				return Trailer{}, start, false, fmt.Errorf("%w: %d bytes", ErrTrailingBytes, len(buf)-tr.End)
			}
			return tr, tr.End, true, nil
		}
		start = lineEnd + 1
		search = start
	}
	return Trailer{}, start, false, nil
}

func clampIndex(i, n int) int {
	return max(0, min(i, n))
}

// trailerAt builds the trailer for a marker line spanning [ms, end).
// The status tag normally sits on the line just before the marker, but it
// follows output that lacks a final newline directly (binary values).
func trailerAt(buf []byte, seq uint64, ms, end int) (Trailer, error) {
	t := Trailer{BodyEnd: ms, End: end, ExitCode: UnknownStatus}
	if ms == 0 {
		return t, nil
	}
	// previous line is [ps, ms-1)
	ps := bytes.LastIndexByte(buf[:ms-1], RecordSeparator) + 1
	prev := buf[ps : ms-1]

	tag := []byte(statusPrefix + strconv.FormatUint(seq, 10) + "=")
	at := bytes.LastIndex(prev, tag)
	if at < 0 {
		// A status tag for a different sequence is a desync.
		if other := bytes.LastIndex(prev, []byte(statusPrefix)); other >= 0 {
			if s, _, ok := DecodeStatus(prev[other:]); ok && s != seq {
				return Trailer{}, fmt.Errorf("%w: awaited %d, got status %d", ErrDesync, seq, s)
			}
		}
		return t, nil
	}
	_, code, ok := DecodeStatus(prev[at:])
	if !ok {
		return t, nil
	}
	t.BodyEnd = ps + at
	t.ExitCode = code
	return t, nil
}

// FindBinaryTrailer locates the end of a binary response framed by
// WrapBinary. It only accepts the closing marker at the exact position
// where the payload must end: immediately before the status tag that
// precedes the completion marker at the very end of buf. Marker-like
// bytes inside the payload therefore never terminate it, even when a read
// ends right after them.
//
// On success it returns the payload bounds within buf.
func FindBinaryTrailer(buf []byte, seq uint64, open, close string) (payloadStart, payloadEnd int, t Trailer, found bool, err error) {
	marker := append(CompletionMarker(seq), RecordSeparator)
	if !bytes.HasSuffix(buf, marker) {
		return 0, 0, Trailer{}, false, nil
	}
	ms := len(buf) - len(marker)
	if ms > 0 && buf[ms-1] != RecordSeparator {
		return 0, 0, Trailer{}, false, nil
	}
	if ms == 0 {
		return 0, 0, Trailer{}, false, nil
	}

	// status line [ps, ms-1) must be exactly our status tag
	ps := bytes.LastIndexByte(buf[:ms-1], RecordSeparator) + 1
	s, code, ok := DecodeStatus(buf[ps : ms-1])
	if !ok || s != seq {
		return 0, 0, Trailer{}, false, nil
	}

	// Without the closing marker in front, these trailer-shaped bytes are
	// payload that happened to end a read; keep reading.
	closeLine := []byte(close + "\n")
	if ps < len(closeLine) || !bytes.Equal(buf[ps-len(closeLine):ps], closeLine) {
		return 0, 0, Trailer{}, false, nil
	}
	payloadEnd = ps - len(closeLine)

	openLine := []byte(open + "\n")
	at := bytes.Index(buf, openLine)
	if at < 0 || at+len(openLine) > payloadEnd {
		return 0, 0, Trailer{}, false, fmt.Errorf("%w: opening marker missing", ErrBinaryFrame)
	}
	payloadStart = at + len(openLine)

	t = Trailer{BodyEnd: ps, End: len(buf), ExitCode: code}
	return payloadStart, payloadEnd, t, true, nil
}
