// Package exiferr defines the error taxonomy shared by the stay-open
// protocol layers.
//
// Every caller-facing failure is an *Error carrying a Kind. Callers match
// on the kind with errors.Is against the Kind values themselves:
//
//	if errors.Is(err, exiferr.TagNotFound) { ... }
package exiferr

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a failure.
type Kind int

const (
	// Unknown is the zero value and never produced intentionally.
	Unknown Kind = iota

	// ProcessNotFound means the executable could not be resolved or started.
	// Fatal to the call, not to the manager.
	ProcessNotFound

	// ProcessExited means the process died or stopped answering, and the
	// single automatic restart-and-retry did not help.
	ProcessExited

	// IO is a read or write failure on one of the process streams.
	IO

	// MalformedResponse covers protocol desync: a marker for the wrong
	// sequence, trailing bytes after a marker, or a broken binary frame.
	MalformedResponse

	// ParseFailure means the structured (JSON) body could not be decoded.
	ParseFailure

	// TagNotFound means the requested tag is absent for the file.
	TagNotFound

	// WriteRejected means the process did not confirm the expected number
	// of updated files.
	WriteRejected

	// FileNotFound means the process reported an input file as missing.
	FileNotFound

	// ToolError is any other error the process reported on stderr together
	// with a non-zero status.
	ToolError

	// InvalidArgument means a request was rejected before being sent.
	InvalidArgument

	// Closed means the manager has already been shut down.
	Closed

	// Timeout means the optional read bound expired.
	Timeout
)

var kindNames = map[Kind]string{
	Unknown:           "unknown",
	ProcessNotFound:   "process-not-found",
	ProcessExited:     "process-exited-unexpectedly",
	IO:                "io-failure",
	MalformedResponse: "malformed-response",
	ParseFailure:      "structured-data-parse-failure",
	TagNotFound:       "tag-not-found",
	WriteRejected:     "write-rejected-by-process",
	FileNotFound:      "file-not-found",
	ToolError:         "tool-error",
	InvalidArgument:   "invalid-argument",
	Closed:            "closed",
	Timeout:           "timeout",
}

// String returns the taxonomy name of the kind.
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// Error lets a Kind be used directly as an errors.Is target.
func (k Kind) Error() string {
	return k.String()
}

// Retryable reports whether the executor should restart the process and
// resubmit once after a failure of this kind.
func (k Kind) Retryable() bool {
	switch k {
	case ProcessExited, IO, MalformedResponse, Timeout:
		return true
	default:
		return false
	}
}

// Error is a classified failure.
type Error struct {
	Kind Kind
	Op   string // operation, e.g. "execute", "read_tag"

	// Optional context
	Path   string
	Tag    string
	Detail string
	Offset int64 // byte offset for ParseFailure, -1 when unknown
	Count  int   // reported update count for WriteRejected

	Err error
}

// Error implements error.
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("exiftool")
	if e.Op != "" {
		b.WriteString(" ")
		b.WriteString(e.Op)
	}
	b.WriteString(": ")
	b.WriteString(e.Kind.String())
	if e.Path != "" {
		fmt.Fprintf(&b, " path=%q", e.Path)
	}
	if e.Tag != "" {
		fmt.Fprintf(&b, " tag=%q", e.Tag)
	}
	if e.Kind == ParseFailure && e.Offset >= 0 {
		fmt.Fprintf(&b, " offset=%d", e.Offset)
	}
	if e.Kind == WriteRejected {
		fmt.Fprintf(&b, " updated=%d", e.Count)
	}
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches a Kind target.
func (e *Error) Is(target error) bool {
	if k, ok := target.(Kind); ok {
		return e.Kind == k
	}
	return false
}

// New creates an error of the given kind.
func New(kind Kind, op, detail string) *Error {
	return &Error{Kind: kind, Op: op, Detail: detail, Offset: -1}
}

// Wrap creates an error of the given kind around a cause.
func Wrap(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err, Offset: -1}
}

// KindOf returns the Kind of the first *Error in err's chain, or Unknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}
