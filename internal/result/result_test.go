package result

import (
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randomizedcoder/go-exiftool-stayopen/internal/exiferr"
	"github.com/randomizedcoder/go-exiftool-stayopen/internal/protocol"
)

func response(body string, code int, diag ...string) *protocol.FramedResponse {
	return &protocol.FramedResponse{Body: []byte(body), ExitCode: code, Diagnostics: diag}
}

// =============================================================================
// Tests: Check
// =============================================================================

func TestCheck(t *testing.T) {
	tests := []struct {
		name         string
		resp         *protocol.FramedResponse
		wantKind     exiferr.Kind
		wantWarnings []string
		wantPath     string
	}{
		{
			name: "clean",
			resp: response("ok\n", 0),
		},
		{
			name:         "warning on success",
			resp:         response("ok\n", 0, "Warning: [minor] Bad MakerNotes"),
			wantWarnings: []string{"Warning: [minor] Bad MakerNotes"},
		},
		{
			name:     "file not found",
			resp:     response("", 1, "Error: File not found - /tmp/x.jpg"),
			wantKind: exiferr.FileNotFound,
			wantPath: "/tmp/x.jpg",
		},
		{
			name:     "other tool error",
			resp:     response("", 1, "Error: Not a valid JPEG - a.jpg"),
			wantKind: exiferr.ToolError,
		},
		{
			name:     "non-zero status without diagnostics",
			resp:     response("", 1),
			wantKind: exiferr.ToolError,
		},
		{
			name:     "unknown status with error and no output",
			resp:     response("", protocol.UnknownStatus, "Error: Unknown file type - a.txt"),
			wantKind: exiferr.ToolError,
		},
		{
			name:         "unknown status with error but output",
			resp:         response("[{}]\n", protocol.UnknownStatus, "Error: something"),
			wantWarnings: []string{"Error: something"},
		},
		{
			name:         "explicit success with error and no output",
			resp:         response("", 0, "Error: minor problem"),
			wantWarnings: []string{"Error: minor problem"},
		},
		{
			name: "condition failed",
			resp: response("", StatusConditionFailed),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			warnings, err := Check(tt.resp)
			if tt.wantKind == exiferr.Unknown {
				require.NoError(t, err)
				assert.Equal(t, tt.wantWarnings, warnings)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantKind)
			if tt.wantPath != "" {
				var e *exiferr.Error
				require.ErrorAs(t, err, &e)
				assert.Equal(t, tt.wantPath, e.Path)
			}
		})
	}
}

// =============================================================================
// Tests: JSON
// =============================================================================

func TestJSON_Batch(t *testing.T) {
	body := `[{
  "SourceFile": "a.jpg",
  "FileSize": "12 kB",
  "ImageWidth": 4000
},
{
  "SourceFile": "b.jpg",
  "FileSize": "9 kB",
  "ImageWidth": 3000.5
}]
`
	entries, err := JSON(response(body, 0))
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.Equal(t, "a.jpg", entries[0].SourceFile())
	assert.Equal(t, "b.jpg", entries[1].SourceFile())

	width, err := Tag(entries[0], "ImageWidth")
	require.NoError(t, err)
	assert.Equal(t, json.Number("4000"), width, "numbers keep their literal form")

	s, err := TagString(entries[1], "imagewidth")
	require.NoError(t, err)
	assert.Equal(t, "3000.5", s)
}

func TestJSON_Empty(t *testing.T) {
	entries, err := JSON(response("", 0))
	require.NoError(t, err)
	assert.Empty(t, entries)

	entries, err = JSON(response("[]\n", 0))
	require.NoError(t, err)
	assert.NotNil(t, entries)
	assert.Empty(t, entries)
}

func TestJSON_ParseFailureOffset(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		min, max int64
	}{
		{"syntax error", `[{"Make": "Huawei",}]`, 19, 20},
		{"not an array", `{"Make": "Huawei"}`, 0, 18},
		{"trailing data", `[{}] junk`, 4, 9},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := JSON(response(tt.body, 0))
			require.Error(t, err)
			assert.ErrorIs(t, err, exiferr.ParseFailure)

			var e *exiferr.Error
			require.ErrorAs(t, err, &e)
			assert.GreaterOrEqual(t, e.Offset, tt.min)
			assert.LessOrEqual(t, e.Offset, tt.max)
		})
	}
}

func TestJSON_ToolErrorWins(t *testing.T) {
	_, err := JSON(response("garbage", 1, "Error: File not found - x.jpg"))
	assert.ErrorIs(t, err, exiferr.FileNotFound)
}

// =============================================================================
// Tests: Tag
// =============================================================================

func TestTag(t *testing.T) {
	entry := Entry{
		"SourceFile": "p.jpg",
		"Make":       "Huawei",
		"Empty":      "",
		"Null":       nil,
		"Keywords":   []any{"a", "b"},
	}

	v, err := Tag(entry, "Make")
	require.NoError(t, err)
	assert.Equal(t, "Huawei", v)

	v, err = Tag(entry, "IFD0:Make")
	require.NoError(t, err, "group prefix is ignored")
	assert.Equal(t, "Huawei", v)

	v, err = Tag(entry, "Empty")
	require.NoError(t, err, "empty string is a value")
	assert.Equal(t, "", v)

	for _, name := range []string{"Null", "Model"} {
		_, err := Tag(entry, name)
		assert.ErrorIs(t, err, exiferr.TagNotFound, name)

		var e *exiferr.Error
		require.ErrorAs(t, err, &e)
		assert.Equal(t, "p.jpg", e.Path)
		assert.Equal(t, name, e.Tag)
	}

	s, err := TagString(entry, "Keywords")
	require.NoError(t, err)
	assert.Equal(t, `["a","b"]`, s)
}

func TestTag_AmbiguousKeys(t *testing.T) {
	tests := []struct {
		name  string
		entry Entry
		tag   string
		want  any
	}{
		{
			name:  "grouped keys pick smallest",
			entry: Entry{"EXIF:Make": "Huawei", "MakerNotes:Make": "Other"},
			tag:   "Make",
			want:  "Huawei",
		},
		{
			name:  "case-insensitive full name wins over short name",
			entry: Entry{"exif:make": "full", "IFD0:Make": "short"},
			tag:   "EXIF:Make",
			want:  "full",
		},
		{
			name:  "exact short name wins over folded",
			entry: Entry{"A:make": "folded", "B:Make": "exact"},
			tag:   "Make",
			want:  "exact",
		},
		{
			name:  "folded duplicates pick smallest",
			entry: Entry{"make": "lower", "MAKE": "upper"},
			tag:   "mAkE",
			want:  "upper",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for range 50 {
				v, err := Tag(tt.entry, tt.tag)
				require.NoError(t, err)
				require.Equal(t, tt.want, v)
			}
		})
	}
}

// =============================================================================
// Tests: Lines, Binary, UpdateCount
// =============================================================================

func TestLines(t *testing.T) {
	tests := []struct {
		body string
		want []string
	}{
		{"", nil},
		{"\n", nil},
		{"Make: Huawei\n", []string{"Make: Huawei"}},
		{"a\r\nb\r\n", []string{"a", "b"}},
		{"a\n\nb", []string{"a", "", "b"}},
	}
	for _, tt := range tests {
		if diff := cmp.Diff(tt.want, Lines(response(tt.body, 0))); diff != "" {
			t.Errorf("Lines(%q) mismatch (-want +got):\n%s", tt.body, diff)
		}
	}
}

func TestBinary(t *testing.T) {
	payload := []byte{0x00, '{', 'r', 'e', 'a', 'd', 'y', '1', '}', 0xff}

	got, err := Binary(&protocol.FramedResponse{Binary: true, Payload: payload})
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	got, err = Binary(&protocol.FramedResponse{Binary: true})
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got, "zero-length value is not an absent tag")

	_, err = Binary(&protocol.FramedResponse{Binary: true, ExitCode: StatusConditionFailed})
	assert.ErrorIs(t, err, exiferr.TagNotFound)

	_, err = Binary(&protocol.FramedResponse{Binary: true, ExitCode: 1, Diagnostics: []string{"Error: File not found - z"}})
	assert.ErrorIs(t, err, exiferr.FileNotFound)

	_, err = Binary(response("text", 0))
	assert.ErrorIs(t, err, exiferr.MalformedResponse)
}

func TestUpdateCount(t *testing.T) {
	tests := []struct {
		body   string
		want   int
		wantOK bool
	}{
		{"    1 image files updated\n", 1, true},
		{"    0 image files updated\n    1 files weren't updated due to errors\n", 0, true},
		{"    3 image files updated\n    1 image files unchanged\n", 3, true},
		{"    1 files updated\n", 1, true},
		{"    1 file updated\n", 1, true},
		{"    1 files weren't updated due to errors\n", 0, false},
		{"", 0, false},
	}
	for _, tt := range tests {
		got, ok := UpdateCount(response(tt.body, 0))
		if got != tt.want || ok != tt.wantOK {
			t.Errorf("UpdateCount(%q) = %d, %v; want %d, %v", tt.body, got, ok, tt.want, tt.wantOK)
		}
	}
}
