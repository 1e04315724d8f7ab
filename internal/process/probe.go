package process

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// MinStatusVersion is the first ExifTool release that substitutes
// ${status} in -echo3/-echo4 text.
const MinStatusVersion = 12.10

// VersionInfo holds the parsed output of "exiftool -ver".
type VersionInfo struct {
	Raw     string
	Version float64
}

// SupportsStatus reports whether the version reports per-command status.
func (v VersionInfo) SupportsStatus() bool {
	return v.Version >= MinStatusVersion
}

// ProbeVersion runs the executable once with -ver and parses the result.
// This is a one-shot process, independent of any stay-open manager.
func (r *ExifToolRunner) ProbeVersion(ctx context.Context) (VersionInfo, error) {
	path, err := r.Resolve()
	if err != nil {
		return VersionInfo{}, err
	}

	cmd := exec.CommandContext(ctx, path, "-ver")
	if len(r.config.Env) > 0 {
		cmd.Env = append(cmd.Environ(), r.config.Env...)
	}

	output, err := cmd.Output()
	if err != nil {
		return VersionInfo{}, fmt.Errorf("exiftool -ver failed: %w", err)
	}
	return ParseVersion(string(output))
}

// ParseVersion parses a version string such as "12.76\n".
func ParseVersion(s string) (VersionInfo, error) {
	raw := strings.TrimSpace(s)
	if raw == "" {
		return VersionInfo{}, fmt.Errorf("empty version output")
	}
	// Development builds print e.g. "13.01 [Warning: ...]"
	field := strings.Fields(raw)[0]
	v, err := strconv.ParseFloat(field, 64)
	if err != nil {
		return VersionInfo{}, fmt.Errorf("failed to parse version %q: %w", raw, err)
	}
	return VersionInfo{Raw: raw, Version: v}, nil
}
