package writer

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randomizedcoder/go-exiftool-stayopen/internal/exiferr"
	"github.com/randomizedcoder/go-exiftool-stayopen/internal/metrics"
	"github.com/randomizedcoder/go-exiftool-stayopen/internal/protocol"
)

// =============================================================================
// Test Helpers
// =============================================================================

// stubExecutor answers every command with a fixed response and records
// what it was asked to run.
type stubExecutor struct {
	mu   sync.Mutex
	args [][]string
	resp *protocol.FramedResponse
	err  error

	// inspect runs during Execute, while staging files still exist
	inspect func(args []string)
}

func (s *stubExecutor) Execute(_ context.Context, args []string) (*protocol.FramedResponse, error) {
	s.mu.Lock()
	s.args = append(s.args, append([]string(nil), args...))
	s.mu.Unlock()
	if s.inspect != nil {
		s.inspect(args)
	}
	return s.resp, s.err
}

func updated(n int) *protocol.FramedResponse {
	return &protocol.FramedResponse{
		Body: []byte("    " + strconv.Itoa(n) + " image files updated\n"),
	}
}

func stagedPath(t *testing.T, args []string, tag string) string {
	t.Helper()
	prefix := "-" + tag + "<="
	for _, a := range args {
		if p, ok := strings.CutPrefix(a, prefix); ok {
			return p
		}
	}
	t.Fatalf("no %s argument in %q", prefix, args)
	return ""
}

// =============================================================================
// Tests: WriteTag
// =============================================================================

func TestWriteTag_Arguments(t *testing.T) {
	exec := &stubExecutor{resp: updated(1)}
	c := New(exec, Config{})

	res, err := c.WriteTag(context.Background(), "/img/a.jpg", "Artist", "Jane Doe", []string{"-overwrite_original"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Updated)

	require.Len(t, exec.args, 1)
	assert.Equal(t, []string{"-Artist=Jane Doe", "-overwrite_original", "/img/a.jpg"}, exec.args[0])
	assert.Equal(t, StateIdle, c.State())
}

func TestWriteTag_Verification(t *testing.T) {
	tests := []struct {
		name      string
		resp      *protocol.FramedResponse
		execErr   error
		wantKind  exiferr.Kind
		wantCount int
	}{
		{
			name: "one file updated",
			resp: updated(1),
		},
		{
			name: "warning kept",
			resp: &protocol.FramedResponse{
				Body:        []byte("    1 image files updated\n"),
				Diagnostics: []string{"Warning: [minor] Fixed incorrect URI"},
			},
		},
		{
			name: "zero files updated",
			resp: &protocol.FramedResponse{
				Body:        []byte("    0 image files updated\n    1 files weren't updated due to errors\n"),
				ExitCode:    1,
				Diagnostics: []string{"Error: Not a valid JPEG - a.jpg"},
			},
			wantKind:  exiferr.WriteRejected,
			wantCount: 0,
		},
		{
			name:     "no count reported",
			resp:     &protocol.FramedResponse{Body: []byte("")},
			wantKind: exiferr.WriteRejected,
		},
		{
			name: "file missing",
			resp: &protocol.FramedResponse{
				Body:        []byte("    0 image files updated\n    1 files weren't updated due to errors\n"),
				ExitCode:    1,
				Diagnostics: []string{"Error: File not found - a.jpg"},
			},
			wantKind: exiferr.FileNotFound,
		},
		{
			name:     "transport failure passes through",
			execErr:  exiferr.New(exiferr.ProcessExited, "execute", "gone"),
			wantKind: exiferr.ProcessExited,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := New(&stubExecutor{resp: tt.resp, err: tt.execErr}, Config{})
			res, err := c.WriteTag(context.Background(), "a.jpg", "Artist", "x", nil)

			if tt.wantKind == exiferr.Unknown {
				require.NoError(t, err)
				assert.Equal(t, 1, res.Updated)
				assert.Equal(t, tt.resp.Diagnostics, res.Warnings)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantKind)
			if tt.wantKind == exiferr.WriteRejected {
				var e *exiferr.Error
				require.True(t, errors.As(err, &e))
				assert.Equal(t, tt.wantCount, e.Count)
				assert.Equal(t, "a.jpg", e.Path)
				assert.Equal(t, "Artist", e.Tag)
			}
		})
	}
}

func TestWriteTag_InvalidArguments(t *testing.T) {
	exec := &stubExecutor{resp: updated(1)}
	c := New(exec, Config{})

	tests := []struct {
		name, path, tag string
	}{
		{"empty path", "", "Artist"},
		{"empty tag", "a.jpg", ""},
		{"assignment in tag", "a.jpg", "Artist=x"},
		{"redirect in tag", "a.jpg", "Artist<"},
		{"option as tag", "a.jpg", "-all"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.WriteTag(context.Background(), tt.path, tt.tag, "v", nil)
			assert.ErrorIs(t, err, exiferr.InvalidArgument)
		})
	}
	assert.Empty(t, exec.args, "nothing is submitted")
}

// =============================================================================
// Tests: WriteBinary
// =============================================================================

func TestWriteBinary_StagesAndRemoves(t *testing.T) {
	dir := t.TempDir()
	data := []byte{0x00, 0xff, '{', 'r', 'e', 'a', 'd', 'y', '}', '\n'}

	var staged string
	exec := &stubExecutor{resp: updated(1)}
	exec.inspect = func(args []string) {
		staged = stagedPath(t, args, "ThumbnailImage")
		got, err := os.ReadFile(staged)
		require.NoError(t, err)
		assert.Equal(t, data, got, "staged bytes match")

		fi, err := os.Stat(staged)
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0o600), fi.Mode().Perm())
		assert.Equal(t, dir, filepath.Dir(staged))
	}

	var transitions []string
	c := New(exec, Config{
		TempDir: dir,
		OnStateChange: func(_, s State) {
			transitions = append(transitions, s.String())
		},
	})

	res, err := c.WriteBinary(context.Background(), "a.jpg", "ThumbnailImage", data, []string{"-overwrite_original"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Updated)

	_, err = os.Stat(staged)
	assert.True(t, os.IsNotExist(err), "staging file removed after success")
	assert.Equal(t, []string{"staging_binary", "submitting", "verifying", "idle"}, transitions)
}

func TestWriteBinary_RemovesOnFailure(t *testing.T) {
	dir := t.TempDir()

	var staged string
	exec := &stubExecutor{err: exiferr.New(exiferr.ProcessExited, "execute", "gone")}
	exec.inspect = func(args []string) { staged = stagedPath(t, args, "PreviewImage") }

	c := New(exec, Config{TempDir: dir})
	_, err := c.WriteBinary(context.Background(), "a.jpg", "PreviewImage", []byte("x"), nil)
	assert.ErrorIs(t, err, exiferr.ProcessExited)

	_, statErr := os.Stat(staged)
	assert.True(t, os.IsNotExist(statErr), "staging file removed after failure")

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.Equal(t, StateIdle, c.State())
}

func TestWriteBinary_StagingFailure(t *testing.T) {
	exec := &stubExecutor{resp: updated(1)}
	c := New(exec, Config{TempDir: filepath.Join(t.TempDir(), "missing")})

	_, err := c.WriteBinary(context.Background(), "a.jpg", "ThumbnailImage", []byte("x"), nil)
	assert.ErrorIs(t, err, exiferr.IO)
	assert.Empty(t, exec.args)
}

func TestWriteBinary_UniqueStagingFiles(t *testing.T) {
	dir := t.TempDir()
	seen := map[string]bool{}
	exec := &stubExecutor{resp: updated(1)}
	exec.inspect = func(args []string) { seen[stagedPath(t, args, "ThumbnailImage")] = true }

	c := New(exec, Config{TempDir: dir})
	for i := 0; i < 5; i++ {
		_, err := c.WriteBinary(context.Background(), "a.jpg", "ThumbnailImage", []byte{byte(i)}, nil)
		require.NoError(t, err)
	}
	assert.Len(t, seen, 5)
}

// =============================================================================
// Tests: metrics and state
// =============================================================================

func TestCoordinator_Metrics(t *testing.T) {
	collector := metrics.NewCollectorWithRegistry(prometheus.NewRegistry())

	ok := New(&stubExecutor{resp: updated(1)}, Config{Metrics: collector})
	_, err := ok.WriteTag(context.Background(), "a.jpg", "Artist", "x", nil)
	require.NoError(t, err)

	rejected := New(&stubExecutor{resp: updated(0)}, Config{Metrics: collector})
	_, err = rejected.WriteTag(context.Background(), "a.jpg", "Artist", "x", nil)
	require.Error(t, err)

	_, err = ok.WriteTag(context.Background(), "", "Artist", "x", nil)
	require.Error(t, err)

	s := collector.GenerateSummary()
	assert.EqualValues(t, 1, s.Writes[metrics.WriteOK])
	assert.EqualValues(t, 1, s.Writes[metrics.WriteRejected])
	assert.EqualValues(t, 1, s.Writes[metrics.WriteFailed])
}

func TestState_String(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateIdle, "idle"},
		{StateStagingBinary, "staging_binary"},
		{StateSubmitting, "submitting"},
		{StateVerifying, "verifying"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}
