// Package protocol defines the wire framing used to talk to ExifTool in
// -stay_open mode.
//
// ExifTool reads arguments one per line from stdin ("-@ -") and runs them
// when it sees an -execute directive. The process does not frame its own
// output, so every command we write carries three extra directives:
//
//	-echo3
//	{status<seq>=${status}}    printed to stdout after processing
//	-echo4
//	{ready<seq>}               printed to stderr after processing
//	-execute<seq>              run; prints {ready<seq>} to stdout when done
//
// A response on stdout therefore always ends with the trailer
//
//	{status<seq>=<code>}
//	{ready<seq>}
//
// and the diagnostic stream for the same command ends with {ready<seq>}.
//
// Example exchange for sequence 7:
//
//	> -json
//	> -Make
//	> photo.jpg
//	> -echo3
//	> {status7=${status}}
//	> -echo4
//	> {ready7}
//	> -execute7
//	< [{"SourceFile": "photo.jpg", "Make": "Huawei"}]
//	< {status7=0}
//	< {ready7}
package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const (
	// RecordSeparator terminates every argument on the wire.
	RecordSeparator = '\n'

	// ExecuteDirective starts execution of the buffered arguments.
	ExecuteDirective = "-execute"

	readyPrefix  = "{ready"
	statusPrefix = "{status"
	markerSuffix = "}"

	// statusVariable is substituted by ExifTool (12.10+) with the exit
	// status of the command.
	statusVariable = "${status}"

	// UnknownStatus is reported when the process did not substitute the
	// status variable.
	UnknownStatus = -1
)

var (
	// ErrArgumentNewline is returned for arguments that contain the
	// record separator and would be split into two arguments on the wire.
	ErrArgumentNewline = errors.New("protocol: argument contains newline")

	// ErrEmptyCommand is returned for commands without arguments.
	ErrEmptyCommand = errors.New("protocol: command has no arguments")
)

// Command is one batch of arguments tagged with a sequence number.
type Command struct {
	Seq  uint64
	Args []string
}

// NewCommand validates args and returns an immutable command.
func NewCommand(seq uint64, args []string) (Command, error) {
	if len(args) == 0 {
		return Command{}, ErrEmptyCommand
	}
	for i, arg := range args {
		if strings.IndexByte(arg, RecordSeparator) >= 0 {
			return Command{}, fmt.Errorf("%w: argument %d", ErrArgumentNewline, i)
		}
	}
	cp := make([]string, len(args))
	copy(cp, args)
	return Command{Seq: seq, Args: cp}, nil
}

// Encode serializes a command to the bytes written on stdin.
func Encode(cmd Command) []byte {
	var b bytes.Buffer
	for _, arg := range cmd.Args {
		b.WriteString(arg)
		b.WriteByte(RecordSeparator)
	}
	seq := strconv.FormatUint(cmd.Seq, 10)

	// stdout status tag
	b.WriteString("-echo3\n")
	b.WriteString(statusPrefix + seq + "=" + statusVariable + markerSuffix + "\n")

	// stderr sync tag
	b.WriteString("-echo4\n")
	b.WriteString(readyPrefix + seq + markerSuffix + "\n")

	b.WriteString(ExecuteDirective + seq + "\n")
	return b.Bytes()
}

// ShutdownCommand returns the bytes that ask the process to leave
// stay-open mode and exit.
func ShutdownCommand() []byte {
	return []byte("-stay_open\nFalse\n" + ExecuteDirective + "\n")
}

// CompletionMarker returns the line (without line ending) the process
// prints on stdout once command seq has finished.
func CompletionMarker(seq uint64) []byte {
	return []byte(readyPrefix + strconv.FormatUint(seq, 10) + markerSuffix)
}

// StatusLine returns the status line for seq and code, as the process
// prints it.
func StatusLine(seq uint64, code int) []byte {
	return []byte(statusPrefix + strconv.FormatUint(seq, 10) + "=" + strconv.Itoa(code) + markerSuffix)
}

// DecodeMarker extracts the sequence number from a completion marker line.
// Lines that do not match the grammar are content, not delimiters.
func DecodeMarker(line []byte) (seq uint64, ok bool) {
	line = trimEOL(line)
	if !bytes.HasPrefix(line, []byte(readyPrefix)) || !bytes.HasSuffix(line, []byte(markerSuffix)) {
		return 0, false
	}
	digits := line[len(readyPrefix) : len(line)-len(markerSuffix)]
	return parseSeq(digits)
}

// DecodeStatus extracts the sequence number and exit code from a status
// line. An unsubstituted or empty status yields UnknownStatus.
func DecodeStatus(line []byte) (seq uint64, code int, ok bool) {
	line = trimEOL(line)
	if !bytes.HasPrefix(line, []byte(statusPrefix)) || !bytes.HasSuffix(line, []byte(markerSuffix)) {
		return 0, 0, false
	}
	inner := line[len(statusPrefix) : len(line)-len(markerSuffix)]
	eq := bytes.IndexByte(inner, '=')
	if eq < 0 {
		return 0, 0, false
	}
	seq, ok = parseSeq(inner[:eq])
	if !ok {
		return 0, 0, false
	}
	value := string(inner[eq+1:])
	if value == "" || value == statusVariable {
		return seq, UnknownStatus, true
	}
	code, err := strconv.Atoi(value)
	if err != nil {
		return seq, UnknownStatus, true
	}
	return seq, code, true
}

func parseSeq(digits []byte) (uint64, bool) {
	if len(digits) == 0 {
		return 0, false
	}
	for _, c := range digits {
		if c < '0' || c > '9' {
			return 0, false
		}
	}
	seq, err := strconv.ParseUint(string(digits), 10, 64)
	if err != nil {
		return 0, false
	}
	return seq, true
}

func trimEOL(line []byte) []byte {
	line = bytes.TrimSuffix(line, []byte("\n"))
	return bytes.TrimSuffix(line, []byte("\r"))
}
