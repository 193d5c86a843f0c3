// Package version carries build metadata injected with -ldflags.
package version

import (
	"fmt"
	"runtime"
)

var (
	// Version is the semantic version.
	Version = "dev"

	// GitCommit is the git commit hash.
	GitCommit = "unknown"

	// BuildDate is the build date.
	BuildDate = "unknown"
)

// GetVersion returns the version string.
func GetVersion() string {
	return Version
}

// GetFullVersion returns the version with commit, build date and toolchain.
func GetFullVersion() string {
	return fmt.Sprintf("%s (commit: %s, built: %s, %s %s/%s)",
		GetShortVersion(), GitCommit, BuildDate, runtime.Version(), runtime.GOOS, runtime.GOARCH)
}

// GetShortVersion returns the version with the abbreviated commit, when
// one was injected.
func GetShortVersion() string {
	if GitCommit != "unknown" && len(GitCommit) > 7 {
		return fmt.Sprintf("%s-%s", Version, GitCommit[:7])
	}
	return Version
}
