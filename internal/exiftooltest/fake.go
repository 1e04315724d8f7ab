// Package exiftooltest provides a fake ExifTool for tests.
//
// The fake speaks the subset of the stay-open protocol this module relies
// on. Test binaries re-execute themselves as the fake: call RunIfFake from
// TestMain and point the manager at Config().
//
//	func TestMain(m *testing.M) {
//		exiftooltest.RunIfFake()
//		os.Exit(m.Run())
//	}
//
// "Image" files are JSON objects mapping tag names to values. Binary
// values are stored as "base64:<data>", the same convention ExifTool uses
// for -json -b output.
//
// Test-only tags trigger failure modes:
//
//	-FakeCrash   print partial output and exit 3
//	-FakeHang    never answer
//	-FakeDesync  print a completion marker for the wrong sequence
//	-FakeWarn    print a warning on stderr
package exiftooltest

import (
	"bufio"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/randomizedcoder/go-exiftool-stayopen/internal/process"
)

// EnvVar switches a test binary into fake mode.
const EnvVar = "EXIFTOOLTEST_FAKE"

// Version is what the fake reports for -ver.
const Version = "12.76"

const binaryPrefix = "base64:"

// RunIfFake turns the current process into the fake when EnvVar is set.
// It must run before flag parsing, i.e. first thing in TestMain.
func RunIfFake() {
	if os.Getenv(EnvVar) != "1" {
		return
	}
	os.Exit(Main(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

// Config returns a process configuration that runs the current test
// binary as the fake.
func Config(tb testing.TB) *process.ExifToolConfig {
	tb.Helper()
	exe, err := os.Executable()
	if err != nil {
		tb.Fatalf("os.Executable: %v", err)
	}
	return &process.ExifToolConfig{
		BinaryPath: exe,
		Env:        []string{EnvVar + "=1"},
	}
}

// WriteFixture writes a fake image holding tags and returns its path.
func WriteFixture(tb testing.TB, dir, name string, tags map[string]any) string {
	tb.Helper()
	path := filepath.Join(dir, name)
	data, err := json.Marshal(tags)
	if err != nil {
		tb.Fatalf("marshal fixture: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		tb.Fatalf("write fixture: %v", err)
	}
	return path
}

// ReadFixture returns the tags stored in a fake image.
func ReadFixture(tb testing.TB, path string) map[string]any {
	tb.Helper()
	tags, err := loadTags(path)
	if err != nil {
		tb.Fatalf("read fixture: %v", err)
	}
	return tags
}

// BinaryValue encodes data the way the fake stores binary tags.
func BinaryValue(data []byte) string {
	return binaryPrefix + base64.StdEncoding.EncodeToString(data)
}

// Main runs the fake and returns its exit code.
func Main(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	out := bufio.NewWriter(stdout)
	defer out.Flush()

	if len(args) == 1 && args[0] == "-ver" {
		fmt.Fprintln(out, Version)
		return 0
	}

	stayOpen := false
	var common []string
	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-stay_open" && i+1 < len(args):
			stayOpen = isTrue(args[i+1])
			i++
		case args[i] == "-@" && i+1 < len(args):
			i++
		case args[i] == "-common_args":
			common = append(common, args[i+1:]...)
			i = len(args)
		}
	}
	if !stayOpen {
		fmt.Fprintln(stderr, "fake exiftool only supports -stay_open True -@ -")
		return 1
	}

	f := &fake{out: out, errw: stderr}
	scanner := bufio.NewScanner(stdin)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	var pending []string
	for scanner.Scan() {
		line := strings.TrimSuffix(scanner.Text(), "\r")
		if !strings.HasPrefix(line, "-execute") {
			pending = append(pending, line)
			continue
		}
		token := strings.TrimPrefix(line, "-execute")
		cmdArgs := append(pending, common...)
		pending = nil

		if stopRequested(cmdArgs) {
			return 0
		}
		if code, exit := f.run(cmdArgs, token); exit {
			return code
		}
	}
	return 0
}

func isTrue(s string) bool {
	return s == "1" || strings.EqualFold(s, "true")
}

func stopRequested(args []string) bool {
	for i := 0; i+1 < len(args); i++ {
		if args[i] == "-stay_open" && !isTrue(args[i+1]) {
			return true
		}
	}
	return false
}

type fake struct {
	out  *bufio.Writer
	errw io.Writer
}

type request struct {
	before, after       []string // -echo / -echo3
	beforeErr, afterErr []string // -echo2 / -echo4
	json                bool
	binary              bool
	short               bool
	overwrite           bool
	ifDefined           string
	tags                []string
	writes              map[string]string
	writeFiles          map[string]string
	files               []string
	crash, hang, desync bool
	warn                bool
	version             bool
}

func parseRequest(args []string) *request {
	r := &request{writes: map[string]string{}, writeFiles: map[string]string{}}
	next := func(i *int) string {
		if *i+1 < len(args) {
			*i++
			return args[*i]
		}
		return ""
	}
	for i := 0; i < len(args); i++ {
		a := args[i]
		switch {
		case a == "-echo" || a == "-echo1":
			r.before = append(r.before, next(&i))
		case a == "-echo2":
			r.beforeErr = append(r.beforeErr, next(&i))
		case a == "-echo3":
			r.after = append(r.after, next(&i))
		case a == "-echo4":
			r.afterErr = append(r.afterErr, next(&i))
		case a == "-json" || a == "-j":
			r.json = true
		case a == "-b":
			r.binary = true
		case a == "-S":
			r.short = true
		case a == "-overwrite_original":
			r.overwrite = true
		case a == "-if":
			expr := next(&i)
			if name, ok := strings.CutPrefix(expr, "defined $"); ok {
				r.ifDefined = name
			}
		case a == "-ver":
			r.version = true
		case a == "-FakeCrash":
			r.crash = true
		case a == "-FakeHang":
			r.hang = true
		case a == "-FakeDesync":
			r.desync = true
		case a == "-FakeWarn":
			r.warn = true
		case strings.HasPrefix(a, "-") && strings.Contains(a, "<="):
			tag, file, _ := strings.Cut(a[1:], "<=")
			r.writeFiles[tag] = file
		case strings.HasPrefix(a, "-") && strings.Contains(a, "="):
			tag, value, _ := strings.Cut(a[1:], "=")
			r.writes[tag] = value
		case strings.HasPrefix(a, "-"):
			r.tags = append(r.tags, a[1:])
		default:
			r.files = append(r.files, a)
		}
	}
	return r
}

// run executes one command. It returns exit=true when the fake process
// must terminate with code.
func (f *fake) run(args []string, token string) (code int, exit bool) {
	r := parseRequest(args)

	for _, s := range r.before {
		fmt.Fprintln(f.out, s)
	}
	for _, s := range r.beforeErr {
		fmt.Fprintln(f.errw, s)
	}

	switch {
	case r.crash:
		fmt.Fprint(f.out, "partial output")
		f.out.Flush()
		return 3, true
	case r.hang:
		f.out.Flush()
		time.Sleep(time.Hour)
		return 1, true
	case r.desync:
		fmt.Fprintln(f.out, "{ready999999}")
	}
	if r.warn {
		fmt.Fprintln(f.errw, "Warning: fake warning - "+strings.Join(r.files, ","))
	}

	status := 0
	switch {
	case r.version:
		fmt.Fprintln(f.out, Version)
	case len(r.writes) > 0 || len(r.writeFiles) > 0:
		status = f.write(r)
	case r.binary:
		status = f.readBinary(r)
	case r.json:
		status = f.readJSON(r)
	default:
		status = f.readText(r)
	}

	statusText := fmt.Sprint(status)
	for _, s := range r.after {
		fmt.Fprintln(f.out, strings.ReplaceAll(s, "${status}", statusText))
	}
	if token != "" || !r.desync {
		fmt.Fprintf(f.out, "{ready%s}\n", token)
	}
	f.out.Flush()
	for _, s := range r.afterErr {
		fmt.Fprintln(f.errw, strings.ReplaceAll(s, "${status}", statusText))
	}
	return 0, false
}

func loadTags(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	tags := map[string]any{}
	if len(strings.TrimSpace(string(data))) > 0 {
		if err := json.Unmarshal(data, &tags); err != nil {
			return nil, fmt.Errorf("not a fake image: %w", err)
		}
	}
	if fi, err := os.Stat(path); err == nil {
		if _, ok := tags["FileSize"]; !ok {
			tags["FileSize"] = fmt.Sprintf("%d bytes", fi.Size())
		}
	}
	tags["FileName"] = filepath.Base(path)
	return tags, nil
}

func (f *fake) notFound(path string) {
	fmt.Fprintf(f.errw, "Error: File not found - %s\n", path)
}

func (f *fake) readJSON(r *request) int {
	status := 0
	entries := make([]map[string]any, 0, len(r.files))
	for _, path := range r.files {
		tags, err := loadTags(path)
		if err != nil {
			f.notFound(path)
			status = 1
			continue
		}
		entry := map[string]any{"SourceFile": path}
		for name, v := range tags {
			if len(r.tags) > 0 && !contains(r.tags, name) {
				continue
			}
			if s, ok := v.(string); ok && strings.HasPrefix(s, binaryPrefix) {
				n := len(decodeBinary(s))
				v = fmt.Sprintf("(Binary data %d bytes, use -b option to extract)", n)
			}
			entry[name] = v
		}
		entries = append(entries, entry)
	}
	if len(entries) == 0 {
		return status
	}
	data, _ := json.MarshalIndent(entries, "", "  ")
	f.out.Write(data)
	f.out.WriteString("\n")
	return status
}

func (f *fake) readText(r *request) int {
	status := 0
	for _, path := range r.files {
		tags, err := loadTags(path)
		if err != nil {
			f.notFound(path)
			status = 1
			continue
		}
		names := r.tags
		if len(names) == 0 {
			for name := range tags {
				names = append(names, name)
			}
			sort.Strings(names)
		}
		for _, name := range names {
			v, ok := tags[name]
			if !ok {
				continue
			}
			if r.short {
				fmt.Fprintf(f.out, "%s: %v\n", name, v)
			} else {
				fmt.Fprintf(f.out, "%-32s: %v\n", name, v)
			}
		}
	}
	return status
}

func (f *fake) readBinary(r *request) int {
	status := 0
	for _, path := range r.files {
		tags, err := loadTags(path)
		if err != nil {
			f.notFound(path)
			status = 1
			continue
		}
		if r.ifDefined != "" {
			if _, ok := tags[r.ifDefined]; !ok {
				status = 2
				continue
			}
		}
		for _, name := range r.tags {
			v, ok := tags[name]
			if !ok {
				continue
			}
			s := fmt.Sprint(v)
			if strings.HasPrefix(s, binaryPrefix) {
				f.out.Write(decodeBinary(s))
			} else {
				f.out.WriteString(s)
			}
		}
	}
	return status
}

func (f *fake) write(r *request) int {
	updated, failed := 0, 0
	for _, path := range r.files {
		tags, err := loadTags(path)
		if err != nil {
			f.notFound(path)
			failed++
			continue
		}
		delete(tags, "FileName")
		delete(tags, "FileSize")
		for tag, value := range r.writes {
			tags[tag] = value
		}
		ok := true
		for tag, src := range r.writeFiles {
			data, err := os.ReadFile(src)
			if err != nil {
				fmt.Fprintf(f.errw, "Error: Error opening file - %s\n", src)
				ok = false
				break
			}
			tags[tag] = BinaryValue(data)
		}
		if !ok {
			failed++
			continue
		}
		if !r.overwrite {
			if orig, err := os.ReadFile(path); err == nil {
				os.WriteFile(path+"_original", orig, 0o644)
			}
		}
		data, _ := json.Marshal(tags)
		if err := os.WriteFile(path, data, 0o644); err != nil {
			fmt.Fprintf(f.errw, "Error: %v - %s\n", err, path)
			failed++
			continue
		}
		updated++
	}
	fmt.Fprintf(f.out, "    %d image files updated\n", updated)
	if failed > 0 {
		fmt.Fprintf(f.out, "    %d files weren't updated due to errors\n", failed)
		return 1
	}
	return 0
}

func decodeBinary(s string) []byte {
	data, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(s, binaryPrefix))
	if err != nil {
		return nil
	}
	return data
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}
