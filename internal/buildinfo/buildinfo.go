// Package buildinfo carries version metadata stamped by the linker.
package buildinfo

import (
	"fmt"
	"runtime"
	"time"
)

// Set via -ldflags at release build time. The zero values identify a
// developer build.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

var started = time.Now()

// Info returns build and runtime metadata keyed for JSON output.
func Info() map[string]string {
	return map[string]string{
		"version":    Version,
		"git_commit": GitCommit,
		"build_time": BuildTime,
		"go_version": runtime.Version(),
		"os":         runtime.GOOS,
		"arch":       runtime.GOARCH,
		"uptime":     Uptime().String(),
	}
}

// Uptime reports time since process start, truncated to seconds.
func Uptime() time.Duration {
	return time.Since(started).Truncate(time.Second)
}

// String is the one-line form used in the startup log.
func String() string {
	return fmt.Sprintf("Drover %s (%s) built %s", Version, GitCommit, BuildTime)
}

// UserAgent identifies Drover on every outbound HTTP request.
func UserAgent() string {
	return fmt.Sprintf("Drover/%s (%s; %s)", Version, runtime.GOOS, runtime.GOARCH)
}
