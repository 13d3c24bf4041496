// Package version holds build metadata for the examcache binaries, injected
// at link time:
//
//	-X github.com/ferro-labs/examcache/internal/version.Version=v0.1.0
//	-X github.com/ferro-labs/examcache/internal/version.Commit=abc1234
//	-X github.com/ferro-labs/examcache/internal/version.Date=2026-02-25T00:00:00Z
package version

import (
	"fmt"
	"runtime"
)

// Set by -ldflags; local builds keep the dev values.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// Info is the JSON shape served at /version.
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuiltAt   string `json:"built_at"`
	GoVersion string `json:"go_version"`
}

// Get returns the current build metadata.
func Get() Info {
	return Info{Version: Version, Commit: Commit, BuiltAt: Date, GoVersion: runtime.Version()}
}

// String returns e.g. "v0.1.0 (commit abc1234, built 2026-02-25T12:00:00Z)".
func String() string {
	return fmt.Sprintf("%s (commit %s, built %s)", Version, Commit, Date)
}
