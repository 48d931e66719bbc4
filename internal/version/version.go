// Package version provides build-time identity and release consistency
// checks for agtools.
package version

import (
	"fmt"
	"runtime"
)

var (
	// Version is the application version (e.g., git tag or "dev")
	Version = "dev"
	// Commit is the git commit hash
	Commit = "dev"
	// BuildTime is the build timestamp
	BuildTime = "unknown"
)

// Info is a snapshot of the build identity.
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

// Get returns the build identity of the running binary.
func Get() Info {
	return Info{Version: Version, Commit: Commit, BuildTime: BuildTime}
}

// UserAgent returns the client identity presented to upstream endpoints.
// The desktop releases pin their released version into the same header, so
// the proxy must agree with whatever version the binary was stamped with.
func UserAgent() string {
	return fmt.Sprintf("antigravity/%s %s/%s", Version, runtime.GOOS, runtime.GOARCH)
}
