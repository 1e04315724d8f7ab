package exiferr

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKind_String(t *testing.T) {
	tests := []struct {
		kind Kind
		want string
	}{
		{ProcessNotFound, "process-not-found"},
		{ProcessExited, "process-exited-unexpectedly"},
		{ParseFailure, "structured-data-parse-failure"},
		{WriteRejected, "write-rejected-by-process"},
		{Timeout, "timeout"},
		{Kind(999), "unknown"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.kind.String())
	}
}

func TestKind_Retryable(t *testing.T) {
	retryable := []Kind{ProcessExited, IO, MalformedResponse, Timeout}
	notRetryable := []Kind{ProcessNotFound, ParseFailure, TagNotFound, WriteRejected, FileNotFound, ToolError, InvalidArgument, Closed}

	for _, k := range retryable {
		assert.True(t, k.Retryable(), k.String())
	}
	for _, k := range notRetryable {
		assert.False(t, k.Retryable(), k.String())
	}
}

func TestError_Is(t *testing.T) {
	err := fmt.Errorf("outer: %w", &Error{Kind: TagNotFound, Op: "read_tag", Tag: "Make", Offset: -1})

	assert.ErrorIs(t, err, TagNotFound)
	assert.NotErrorIs(t, err, FileNotFound)
	assert.Equal(t, TagNotFound, KindOf(err))
	assert.Equal(t, Unknown, KindOf(errors.New("plain")))
	assert.Equal(t, Unknown, KindOf(nil))
}

func TestError_Unwrap(t *testing.T) {
	err := Wrap(IO, "write_request", io.ErrClosedPipe)
	assert.ErrorIs(t, err, io.ErrClosedPipe)
	assert.ErrorIs(t, err, IO)
}

func TestError_Message(t *testing.T) {
	tests := []struct {
		name string
		err  *Error
		want []string
	}{
		{
			name: "parse failure offset",
			err:  &Error{Kind: ParseFailure, Op: "json", Path: "a.jpg", Offset: 17},
			want: []string{"exiftool json: structured-data-parse-failure", `path="a.jpg"`, "offset=17"},
		},
		{
			name: "write rejected count",
			err:  &Error{Kind: WriteRejected, Op: "write_tag", Tag: "Artist", Count: 0, Offset: -1},
			want: []string{"write-rejected-by-process", `tag="Artist"`, "updated=0"},
		},
		{
			name: "detail and cause",
			err:  &Error{Kind: ToolError, Detail: "Error: bad", Err: errors.New("status 1"), Offset: -1},
			want: []string{"tool-error: Error: bad: status 1"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := tt.err.Error()
			for _, w := range tt.want {
				assert.True(t, strings.Contains(msg, w), "%q missing %q", msg, w)
			}
		})
	}

	assert.NotContains(t, New(ParseFailure, "json", "x").Error(), "offset=")
}
