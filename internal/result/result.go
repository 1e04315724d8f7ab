// Package result classifies framed responses into caller-facing values.
//
// The executor never decides severity: it hands back the body, the status
// the process reported and the stderr lines. This package turns those into
// warnings, decoded entries, tag values or exiferr failures.
package result

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"

	"github.com/randomizedcoder/go-exiftool-stayopen/internal/exiferr"
	"github.com/randomizedcoder/go-exiftool-stayopen/internal/protocol"
)

const (
	errorPrefix   = "Error:"
	notFoundText  = "Error: File not found - "
	sourceFileKey = "SourceFile"

	// StatusConditionFailed is reported when every file failed an -if
	// condition.
	StatusConditionFailed = 2
)

var updatedRe = regexp.MustCompile(`(?m)^\s*(\d+) (?:image )?files? updated\s*$`)

// Check classifies the status and diagnostics of resp. On success the
// stderr lines are returned as warnings.
func Check(resp *protocol.FramedResponse) (warnings []string, err error) {
	errLines := errorLines(resp.Diagnostics)

	failed := resp.Failed()
	switch {
	case resp.ExitCode == StatusConditionFailed && len(errLines) == 0:
		failed = false
	case resp.ExitCode == protocol.UnknownStatus && len(errLines) > 0 && len(bytes.TrimSpace(resp.Body)) == 0:
		// old versions report no status; an error with no output is fatal
		failed = true
	}
	if !failed {
		return resp.Diagnostics, nil
	}

	for _, line := range errLines {
		if path, ok := strings.CutPrefix(line, notFoundText); ok {
			return nil, &exiferr.Error{
				Kind:   exiferr.FileNotFound,
				Op:     "check",
				Path:   strings.TrimSpace(path),
				Detail: line,
				Offset: -1,
			}
		}
	}

	detail := strings.Join(errLines, "; ")
	if detail == "" {
		detail = strings.Join(resp.Diagnostics, "; ")
	}
	if detail == "" {
		detail = fmt.Sprintf("exit status %d", resp.ExitCode)
	}
	return nil, &exiferr.Error{
		Kind:   exiferr.ToolError,
		Op:     "check",
		Detail: detail,
		Offset: -1,
	}
}

func errorLines(lines []string) []string {
	var out []string
	for _, l := range lines {
		if strings.HasPrefix(l, errorPrefix) {
			out = append(out, l)
		}
	}
	return out
}

// Lines returns the body split into lines with line endings removed.
func Lines(resp *protocol.FramedResponse) []string {
	body := strings.TrimRight(string(resp.Body), "\r\n")
	if body == "" {
		return nil
	}
	lines := strings.Split(body, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSuffix(l, "\r")
	}
	return lines
}

// Binary returns the payload of a binary request verbatim. A zero-length
// payload is a valid empty value; an absent tag is reported by the
// process as a failed condition and becomes TagNotFound.
func Binary(resp *protocol.FramedResponse) ([]byte, error) {
	if resp.ExitCode == StatusConditionFailed && len(errorLines(resp.Diagnostics)) == 0 {
		return nil, exiferr.New(exiferr.TagNotFound, "binary", "no value")
	}
	if _, err := Check(resp); err != nil {
		return nil, err
	}
	if !resp.Binary {
		return nil, exiferr.New(exiferr.MalformedResponse, "binary", "response is not binary framed")
	}
	if resp.Payload == nil {
		return []byte{}, nil
	}
	return resp.Payload, nil
}

// UpdateCount parses the "N image files updated" line of a write.
func UpdateCount(resp *protocol.FramedResponse) (int, bool) {
	m := updatedRe.FindSubmatch(resp.Body)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(string(m[1]))
	if err != nil {
		return 0, false
	}
	return n, true
}

// =============================================================================
// Structured output
// =============================================================================

// Entry is one object of the -json output, keyed by tag name.
type Entry map[string]any

// SourceFile returns the input path this entry belongs to.
func (e Entry) SourceFile() string {
	s, _ := e[sourceFileKey].(string)
	return s
}

// JSON decodes the -json array in the body. Numbers are kept as
// json.Number. An empty body (every file failed) decodes to no entries.
func JSON(resp *protocol.FramedResponse) ([]Entry, error) {
	if _, err := Check(resp); err != nil {
		return nil, err
	}
	return DecodeJSON(resp.Body)
}

// DecodeJSON decodes a -json array.
func DecodeJSON(body []byte) ([]Entry, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return []Entry{}, nil
	}

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	var entries []Entry
	if err := dec.Decode(&entries); err != nil {
		return nil, parseFailure(err, dec.InputOffset())
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, &exiferr.Error{
			Kind:   exiferr.ParseFailure,
			Op:     "json",
			Detail: "unexpected data after array",
			Offset: dec.InputOffset(),
		}
	}
	if entries == nil {
		entries = []Entry{}
	}
	return entries, nil
}

func parseFailure(err error, fallback int64) error {
	offset := fallback
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	switch {
	case errors.As(err, &syntaxErr):
		offset = syntaxErr.Offset
	case errors.As(err, &typeErr):
		offset = typeErr.Offset
	}
	return &exiferr.Error{
		Kind:   exiferr.ParseFailure,
		Op:     "json",
		Offset: offset,
		Err:    err,
	}
}

// Tag returns the value of name in entry. Names match exactly first,
// then case-insensitively, then by the name without its group prefix.
// Ties go to the lexically smallest key. Absent and null values are
// TagNotFound.
func Tag(entry Entry, name string) (any, error) {
	if v, ok := entry[name]; ok && v != nil {
		return v, nil
	}
	// "EXIF:Make" is reported as "Make" unless -G is given
	short := tagShortName(name)

	best, bestRank := "", tagNoMatch
	for k, v := range entry {
		if v == nil {
			continue
		}
		rank := tagMatchRank(k, name, short)
		if rank < bestRank || (rank == bestRank && rank != tagNoMatch && k < best) {
			best, bestRank = k, rank
		}
	}
	if bestRank != tagNoMatch {
		return entry[best], nil
	}
	return nil, &exiferr.Error{
		Kind:   exiferr.TagNotFound,
		Op:     "tag",
		Path:   entry.SourceFile(),
		Tag:    name,
		Offset: -1,
	}
}

const (
	tagFoldName = iota
	tagExactShort
	tagFoldShort
	tagNoMatch
)

func tagMatchRank(key, name, short string) int {
	switch ks := tagShortName(key); {
	case strings.EqualFold(key, name):
		return tagFoldName
	case ks == short:
		return tagExactShort
	case strings.EqualFold(ks, short):
		return tagFoldShort
	}
	return tagNoMatch
}

func tagShortName(name string) string {
	if i := strings.LastIndexByte(name, ':'); i >= 0 {
		return name[i+1:]
	}
	return name
}

// TagString returns the value of name formatted as text.
func TagString(entry Entry, name string) (string, error) {
	v, err := Tag(entry, name)
	if err != nil {
		return "", err
	}
	switch t := v.(type) {
	case string:
		return t, nil
	case json.Number:
		return t.String(), nil
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t), nil
		}
		return string(b), nil
	}
}
