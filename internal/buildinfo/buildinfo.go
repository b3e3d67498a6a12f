// Package buildinfo holds version and build metadata. Release builds
// stamp the variables via -ldflags; for plain "go build" and "go
// install" the VCS settings the toolchain embeds fill in the commit and
// build time instead.
package buildinfo

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"time"
)

// These variables are set at build time via -ldflags.
var (
	Version   = "dev"
	GitCommit = "unknown"
	GitBranch = "unknown"
	BuildTime = "unknown"
)

var startTime = time.Now()

func init() {
	bi, ok := debug.ReadBuildInfo()
	if ok {
		fillFromVCS(bi)
	}
}

// fillFromVCS replaces unstamped values with those recorded by the Go
// toolchain, marking modified trees with "-dirty".
func fillFromVCS(bi *debug.BuildInfo) {
	if Version == "dev" && bi.Main.Version != "" && bi.Main.Version != "(devel)" {
		Version = bi.Main.Version
	}
	var revision, modified, vcsTime string
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			revision = s.Value
		case "vcs.modified":
			modified = s.Value
		case "vcs.time":
			vcsTime = s.Value
		}
	}
	if GitCommit == "unknown" && revision != "" {
		GitCommit = revision[:min(len(revision), 12)]
		if modified == "true" {
			GitCommit += "-dirty"
		}
	}
	if BuildTime == "unknown" && vcsTime != "" {
		BuildTime = vcsTime
	}
}

// StartTime returns when the process started.
func StartTime() time.Time {
	return startTime
}

// Uptime returns the duration since process start, truncated to the
// second.
func Uptime() time.Duration {
	return time.Since(startTime).Truncate(time.Second)
}

// Info returns build and runtime details keyed for display or JSON.
func Info() map[string]string {
	return map[string]string{
		"version":    Version,
		"git_commit": GitCommit,
		"git_branch": GitBranch,
		"build_time": BuildTime,
		"go_version": runtime.Version(),
		"os":         runtime.GOOS,
		"arch":       runtime.GOARCH,
		"started":    startTime.UTC().Format(time.RFC3339),
		"uptime":     Uptime().String(),
	}
}

// String returns a one-line summary for logging.
func String() string {
	return fmt.Sprintf("tollgate %s (%s@%s) built %s", Version, GitCommit, GitBranch, BuildTime)
}
