package protocol

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func TestNewCommand(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		wantErr error
	}{
		{"simple", []string{"-json", "a.jpg"}, nil},
		{"spaces_ok", []string{"-Artist=Jane Doe", "my file.jpg"}, nil},
		{"carriage_return_ok", []string{"-Comment=a\rb"}, nil},
		{"empty", nil, ErrEmptyCommand},
		{"newline", []string{"-Comment=line1\nline2"}, ErrArgumentNewline},
		{"trailing_newline", []string{"a.jpg\n"}, ErrArgumentNewline},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd, err := NewCommand(3, tt.args)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if cmd.Seq != 3 {
				t.Errorf("Seq = %d, want 3", cmd.Seq)
			}
		})
	}
}

func TestNewCommand_CopiesArgs(t *testing.T) {
	args := []string{"-json", "a.jpg"}
	cmd, err := NewCommand(1, args)
	if err != nil {
		t.Fatal(err)
	}
	args[1] = "b.jpg"
	if cmd.Args[1] != "a.jpg" {
		t.Errorf("command shares caller slice: %v", cmd.Args)
	}
}

func TestEncode(t *testing.T) {
	cmd, err := NewCommand(42, []string{"-json", "-Make", "photo.jpg"})
	if err != nil {
		t.Fatal(err)
	}
	got := string(Encode(cmd))
	want := "-json\n-Make\nphoto.jpg\n" +
		"-echo3\n{status42=${status}}\n" +
		"-echo4\n{ready42}\n" +
		"-execute42\n"
	if got != want {
		t.Errorf("Encode() =\n%q\nwant\n%q", got, want)
	}
}

func TestShutdownCommand(t *testing.T) {
	got := string(ShutdownCommand())
	if !strings.HasPrefix(got, "-stay_open\nFalse\n") {
		t.Errorf("ShutdownCommand() = %q", got)
	}
	if !strings.HasSuffix(got, "-execute\n") {
		t.Errorf("ShutdownCommand() must end with execute directive: %q", got)
	}
}

func TestDecodeMarker(t *testing.T) {
	tests := []struct {
		line    string
		wantSeq uint64
		wantOK  bool
	}{
		{"{ready7}", 7, true},
		{"{ready7}\n", 7, true},
		{"{ready7}\r\n", 7, true},
		{"{ready18446744073709551615}", 18446744073709551615, true},
		{"{ready}", 0, false},
		{"{ready-1}", 0, false},
		{"{ready7", 0, false},
		{"ready7}", 0, false},
		{" {ready7}", 0, false},
		{"{ready7} ", 0, false},
		{"{ready 7}", 0, false},
		{"{ready18446744073709551616}", 0, false},
		{"", 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			seq, ok := DecodeMarker([]byte(tt.line))
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if seq != tt.wantSeq {
				t.Errorf("seq = %d, want %d", seq, tt.wantSeq)
			}
		})
	}
}

func TestCompletionMarker_RoundTrip(t *testing.T) {
	for _, seq := range []uint64{0, 1, 99, 123456789} {
		got, ok := DecodeMarker(CompletionMarker(seq))
		if !ok || got != seq {
			t.Errorf("DecodeMarker(CompletionMarker(%d)) = %d, %v", seq, got, ok)
		}
	}
}

func TestDecodeStatus(t *testing.T) {
	tests := []struct {
		line     string
		wantSeq  uint64
		wantCode int
		wantOK   bool
	}{
		{"{status3=0}", 3, 0, true},
		{"{status3=1}\n", 3, 1, true},
		{"{status3=2}\r\n", 3, 2, true},
		{"{status3=${status}}", 3, UnknownStatus, true},
		{"{status3=}", 3, UnknownStatus, true},
		{"{status3=abc}", 3, UnknownStatus, true},
		{"{status3}", 0, 0, false},
		{"{status=0}", 0, 0, false},
		{"{statusx=0}", 0, 0, false},
		{"status3=0", 0, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			seq, code, ok := DecodeStatus([]byte(tt.line))
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if seq != tt.wantSeq || code != tt.wantCode {
				t.Errorf("got (%d, %d), want (%d, %d)", seq, code, tt.wantSeq, tt.wantCode)
			}
		})
	}
}

func TestFindTrailer(t *testing.T) {
	tests := []struct {
		name      string
		buf       string
		seq       uint64
		wantFound bool
		wantBody  string
		wantCode  int
		wantErr   error
	}{
		{
			name:      "json_body",
			buf:       "[{\"Make\": \"Huawei\"}]\n{status5=0}\n{ready5}\n",
			seq:       5,
			wantFound: true,
			wantBody:  "[{\"Make\": \"Huawei\"}]\n",
			wantCode:  0,
		},
		{
			name:      "empty_body",
			buf:       "{status5=1}\n{ready5}\n",
			seq:       5,
			wantFound: true,
			wantBody:  "",
			wantCode:  1,
		},
		{
			name:      "status_after_unterminated_output",
			buf:       "rawbytes{status5=0}\n{ready5}\n",
			seq:       5,
			wantFound: true,
			wantBody:  "rawbytes",
			wantCode:  0,
		},
		{
			name:      "no_status_line",
			buf:       "line\n{ready5}\n",
			seq:       5,
			wantFound: true,
			wantBody:  "line\n",
			wantCode:  UnknownStatus,
		},
		{
			name:      "crlf_marker",
			buf:       "line\r\n{status5=0}\r\n{ready5}\r\n",
			seq:       5,
			wantFound: true,
			wantBody:  "line\r\n",
			wantCode:  0,
		},
		{
			name:      "incomplete_marker",
			buf:       "line\n{status5=0}\n{ready5}",
			seq:       5,
			wantFound: false,
		},
		{
			name:      "marker_substring_not_a_line",
			buf:       "value {ready5} inside\n",
			seq:       5,
			wantFound: false,
		},
		{
			name:    "wrong_sequence",
			buf:     "{status4=0}\n{ready4}\n",
			seq:     5,
			wantErr: ErrDesync,
		},
		{
			name:    "wrong_status_sequence",
			buf:     "{status4=0}\n{ready5}\n",
			seq:     5,
			wantErr: ErrDesync,
		},
		{
			name:    "trailing_bytes",
			buf:     "{status5=0}\n{ready5}\nextra",
			seq:     5,
			wantErr: ErrTrailingBytes,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := []byte(tt.buf)
			tr, found, err := FindTrailer(buf, tt.seq, 0)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if found != tt.wantFound {
				t.Fatalf("found = %v, want %v", found, tt.wantFound)
			}
			if !found {
				return
			}
			if body := string(buf[:tr.BodyEnd]); body != tt.wantBody {
				t.Errorf("body = %q, want %q", body, tt.wantBody)
			}
			if tr.ExitCode != tt.wantCode {
				t.Errorf("ExitCode = %d, want %d", tr.ExitCode, tt.wantCode)
			}
			if tr.End != len(buf) {
				t.Errorf("End = %d, want %d", tr.End, len(buf))
			}
		})
	}
}

// A marker split across two reads must be found once the rest arrives,
// when scanning resumes from the previous buffer length.
func TestFindTrailer_SplitAcrossReads(t *testing.T) {
	full := []byte("out\n{status9=0}\n{ready9}\n")

	for cut := 1; cut < len(full); cut++ {
		first := full[:cut]
		_, found, err := FindTrailer(first, 9, 0)
		if err != nil {
			t.Fatalf("cut %d: unexpected error on partial: %v", cut, err)
		}
		if found && cut != len(full) {
			t.Fatalf("cut %d: found marker in partial buffer %q", cut, first)
		}

		tr, found, err := FindTrailer(full, 9, cut)
		if err != nil || !found {
			t.Fatalf("cut %d: found=%v err=%v", cut, found, err)
		}
		if string(full[:tr.BodyEnd]) != "out\n" {
			t.Errorf("cut %d: body = %q", cut, full[:tr.BodyEnd])
		}
	}
}

// A long unterminated line fed in small reads is only searched for line
// ends in the newly appended bytes.
func TestScanTrailer_Incremental(t *testing.T) {
	full := []byte("head\n" + strings.Repeat("x", 4096) + "\n{status3=0}\n{ready3}\n")

	lineStart, from := 0, 0
	for end := 7; end <= len(full); end += 7 {
		if end > len(full)-7 {
			end = len(full)
		}
		tr, next, found, err := ScanTrailer(full[:end], 3, lineStart, from)
		if err != nil {
			t.Fatalf("end %d: unexpected error: %v", end, err)
		}
		if found {
			if end != len(full) {
				t.Fatalf("end %d: found marker in partial buffer", end)
			}
			if body := string(full[:tr.BodyEnd]); body != "head\n"+strings.Repeat("x", 4096)+"\n" {
				t.Errorf("body has %d bytes", len(body))
			}
			if tr.ExitCode != 0 {
				t.Errorf("ExitCode = %d", tr.ExitCode)
			}
			return
		}
		if want := bytes.LastIndexByte(full[:end], '\n') + 1; next != want {
			t.Fatalf("end %d: next = %d, want %d", end, next, want)
		}
		lineStart, from = next, end
	}
	t.Fatal("marker never found")
}

func TestFindBinaryTrailer(t *testing.T) {
	open, closeM := BinaryMarkers(8, "abc123")
	payload := []byte("\xff\xd8\n{ready8}\n{status8=0}\n\x00binary")

	var buf bytes.Buffer
	buf.WriteString(open + "\n")
	buf.Write(payload)
	buf.WriteString(closeM + "\n")
	buf.Write(StatusLine(8, 0))
	buf.WriteString("\n")
	buf.Write(CompletionMarker(8))
	buf.WriteString("\n")
	full := buf.Bytes()

	t.Run("exact_payload", func(t *testing.T) {
		start, end, tr, found, err := FindBinaryTrailer(full, 8, open, closeM)
		if err != nil || !found {
			t.Fatalf("found=%v err=%v", found, err)
		}
		if !bytes.Equal(full[start:end], payload) {
			t.Errorf("payload = %q, want %q", full[start:end], payload)
		}
		if tr.ExitCode != 0 {
			t.Errorf("ExitCode = %d", tr.ExitCode)
		}
	})

	t.Run("marker_inside_payload_does_not_terminate", func(t *testing.T) {
		// Cut right after the fake "{ready8}\n" inside the payload.
		cut := len(open) + 1 + bytes.Index(payload, []byte("{ready8}\n")) + len("{ready8}\n")
		_, _, _, found, err := FindBinaryTrailer(full[:cut], 8, open, closeM)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if found {
			t.Fatal("terminated on marker bytes inside the payload")
		}
	})

	t.Run("empty_payload", func(t *testing.T) {
		b := []byte(open + "\n" + closeM + "\n{status8=0}\n{ready8}\n")
		start, end, _, found, err := FindBinaryTrailer(b, 8, open, closeM)
		if err != nil || !found {
			t.Fatalf("found=%v err=%v", found, err)
		}
		if start != end {
			t.Errorf("payload length = %d, want 0", end-start)
		}
	})

	t.Run("trailer_without_close_marker_keeps_reading", func(t *testing.T) {
		// A read that ends inside the payload right after bytes shaped like
		// our own trailer.
		b := []byte(open + "\nxyz\n{status8=0}\n{ready8}\n")
		_, _, _, found, err := FindBinaryTrailer(b, 8, open, closeM)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if found {
			t.Fatal("terminated without the closing marker")
		}

		b = append(b, []byte("tail"+closeM+"\n{status8=0}\n{ready8}\n")...)
		start, end, _, found, err := FindBinaryTrailer(b, 8, open, closeM)
		if err != nil || !found {
			t.Fatalf("found=%v err=%v", found, err)
		}
		if got, want := string(b[start:end]), "xyz\n{status8=0}\n{ready8}\ntail"; got != want {
			t.Errorf("payload = %q, want %q", got, want)
		}
	})

	t.Run("missing_open_marker", func(t *testing.T) {
		b := []byte("xyz" + closeM + "\n{status8=0}\n{ready8}\n")
		_, _, _, _, err := FindBinaryTrailer(b, 8, open, closeM)
		if !errors.Is(err, ErrBinaryFrame) {
			t.Fatalf("err = %v, want ErrBinaryFrame", err)
		}
	})
}

func TestBinaryMarkers_Unique(t *testing.T) {
	n1, n2 := NewNonce(), NewNonce()
	if n1 == n2 {
		t.Fatal("nonces should differ")
	}
	o1, c1 := BinaryMarkers(1, n1)
	o2, _ := BinaryMarkers(1, n2)
	if o1 == o2 {
		t.Error("markers with different nonces should differ")
	}
	if o1 == c1 {
		t.Error("open and close markers should differ")
	}
	if strings.ContainsRune(o1, '\n') || strings.ContainsRune(c1, '\n') {
		t.Error("markers must be single arguments")
	}
}

func TestWrapBinary(t *testing.T) {
	got := WrapBinary("<o>", "<c>", []string{"-b", "-ThumbnailImage", "a.jpg"})
	want := []string{"-echo", "<o>", "-b", "-ThumbnailImage", "a.jpg", "-echo3", "<c>"}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Errorf("WrapBinary() = %v, want %v", got, want)
	}
}

func TestFramedResponse_Failed(t *testing.T) {
	tests := []struct {
		code int
		want bool
	}{
		{0, false},
		{UnknownStatus, false},
		{1, true},
		{2, true},
	}
	for _, tt := range tests {
		r := &FramedResponse{ExitCode: tt.code}
		if got := r.Failed(); got != tt.want {
			t.Errorf("Failed() with code %d = %v, want %v", tt.code, got, tt.want)
		}
	}
}
