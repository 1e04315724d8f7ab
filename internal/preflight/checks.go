// Package preflight provides startup validation checks.
package preflight

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"syscall"

	"github.com/randomizedcoder/go-exiftool-stayopen/internal/process"
)

// Check represents the result of a single preflight check.
type Check struct {
	Name     string // Name of the check
	Required int    // Required value (if applicable)
	Actual   int    // Actual value found
	Passed   bool   // Whether the check passed
	Warning  bool   // True if it's a warning (non-fatal)
	Message  string // Additional context
}

// Result holds the results of all preflight checks.
type Result struct {
	Checks  []Check
	Passed  bool
	Version process.VersionInfo // zero if the probe failed
}

// Options selects what RunAll verifies.
type Options struct {
	Pool    int
	Runner  *process.ExifToolRunner
	TempDir string // "" = os.TempDir()
}

// String returns a human-readable summary of the check.
func (c Check) String() string {
	status := "✓"
	if !c.Passed {
		status = "✗"
	} else if c.Warning {
		status = "⚠"
	}

	if c.Required > 0 {
		return fmt.Sprintf("  %s %s: %d available (need %d)", status, c.Name, c.Actual, c.Required)
	}
	return fmt.Sprintf("  %s %s: %s", status, c.Name, c.Message)
}

// RunAll executes all preflight checks.
func RunAll(ctx context.Context, opts Options) *Result {
	result := &Result{
		Checks: make([]Check, 0, 5),
		Passed: true,
	}
	add := func(c Check) {
		result.Checks = append(result.Checks, c)
		if !c.Passed {
			result.Passed = false
		}
	}

	add(checkFileDescriptors(opts.Pool))
	add(checkProcessLimit(opts.Pool))

	exe, info := checkExifTool(ctx, opts.Runner)
	add(exe)
	if exe.Passed {
		result.Version = info
		add(checkVersion(info))
	}

	add(checkTempDir(opts.TempDir))
	return result
}

// checkFileDescriptors verifies sufficient file descriptors are available.
func checkFileDescriptors(pool int) Check {
	var limit syscall.Rlimit
	syscall.Getrlimit(syscall.RLIMIT_NOFILE, &limit)

	// Three pipes per process plus staging files, logging and the
	// metrics listener.
	required := pool*8 + 64
	actual := int(limit.Cur)

	return Check{
		Name:     "file_descriptors",
		Required: required,
		Actual:   actual,
		Passed:   actual >= required,
		Message:  fmt.Sprintf("ulimit -n %d (need %d for %d processes)", actual, required, pool),
	}
}

// checkProcessLimit verifies sufficient process slots are available.
func checkProcessLimit(pool int) Check {
	required := pool + 50

	data, err := os.ReadFile("/proc/self/limits")
	if err != nil {
		return Check{
			Name:    "process_limit",
			Passed:  true,
			Warning: true,
			Message: "unable to check (non-Linux or restricted)",
		}
	}

	actual := 0
	for _, line := range strings.Split(string(data), "\n") {
		if strings.HasPrefix(line, "Max processes") {
			fields := strings.Fields(line)
			if len(fields) >= 4 {
				if fields[3] == "unlimited" {
					actual = 1000000
				} else {
					fmt.Sscanf(fields[3], "%d", &actual)
				}
			}
			break
		}
	}

	if actual == 0 {
		return Check{
			Name:    "process_limit",
			Passed:  true,
			Warning: true,
			Message: "unable to determine (assuming OK)",
		}
	}

	return Check{
		Name:     "process_limit",
		Required: required,
		Actual:   actual,
		Passed:   actual >= required,
		Message:  fmt.Sprintf("ulimit -u %d (need %d)", actual, required),
	}
}

// checkExifTool verifies the executable resolves and answers -ver.
func checkExifTool(ctx context.Context, runner *process.ExifToolRunner) (Check, process.VersionInfo) {
	if runner == nil {
		runner = process.NewExifToolRunner(nil)
	}
	path, err := runner.Resolve()
	if err != nil {
		return Check{
			Name:    "exiftool",
			Passed:  false,
			Message: err.Error(),
		}, process.VersionInfo{}
	}

	info, err := runner.ProbeVersion(ctx)
	if err != nil {
		return Check{
			Name:    "exiftool",
			Passed:  false,
			Message: fmt.Sprintf("found at %s but -ver failed: %v", path, err),
		}, process.VersionInfo{}
	}

	return Check{
		Name:    "exiftool",
		Passed:  true,
		Message: fmt.Sprintf("found at %s (version %s)", path, info.Raw),
	}, info
}

// checkVersion verifies the per-command status template is supported.
func checkVersion(info process.VersionInfo) Check {
	if !info.SupportsStatus() {
		return Check{
			Name:    "exiftool_version",
			Passed:  false,
			Message: fmt.Sprintf("%s is older than %.2f (no ${status} support)", info.Raw, process.MinStatusVersion),
		}
	}
	return Check{
		Name:    "exiftool_version",
		Passed:  true,
		Message: fmt.Sprintf("%s >= %.2f", info.Raw, process.MinStatusVersion),
	}
}

// checkTempDir verifies binary values can be staged.
func checkTempDir(dir string) Check {
	if dir == "" {
		dir = os.TempDir()
	}
	f, err := os.CreateTemp(dir, "exiftool-preflight-*")
	if err != nil {
		return Check{
			Name:    "temp_dir",
			Passed:  false,
			Message: fmt.Sprintf("%s not writable: %v", dir, err),
		}
	}
	name := f.Name()
	f.Close()
	os.Remove(name)

	return Check{
		Name:    "temp_dir",
		Passed:  true,
		Message: fmt.Sprintf("%s writable", dir),
	}
}

// PrintResults writes the preflight check results to w.
func PrintResults(w io.Writer, result *Result) {
	fmt.Fprintln(w, "Preflight checks:")
	for _, check := range result.Checks {
		fmt.Fprintln(w, check.String())
		if !check.Passed {
			fmt.Fprintf(w, "    Fix: %s\n", suggestFix(check.Name))
		}
	}
	fmt.Fprintln(w)
}

// suggestFix returns a suggestion for fixing a failed check.
func suggestFix(name string) string {
	switch name {
	case "file_descriptors":
		return "ulimit -n 8192 (or edit /etc/security/limits.conf)"
	case "process_limit":
		return "ulimit -u 4096 (or edit /etc/security/limits.conf)"
	case "exiftool":
		return "install exiftool (apt install libimage-exiftool-perl / brew install exiftool) or pass -exiftool"
	case "exiftool_version":
		return "upgrade exiftool to 12.10 or later"
	case "temp_dir":
		return "pass -temp-dir with a writable directory"
	default:
		return "see documentation"
	}
}
