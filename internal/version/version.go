// Package version carries build metadata set with -ldflags.
package version

import (
	"runtime"
	"time"
)

var (
	// Version is the current application version
	Version = "dev"
	// GitSHA is the git commit SHA
	GitSHA = "unknown"
	// BuildTime is the build timestamp
	BuildTime = "unknown"
)

// Platform describes the host the binary runs on.
type Platform struct {
	OS   string `json:"os"`
	Arch string `json:"arch"`
}

// Info is the /version payload.
type Info struct {
	Version   string   `json:"version"`
	GitSHA    string   `json:"git_sha"`
	BuildTime string   `json:"build_time_utc"`
	GoVersion string   `json:"go"`
	Platform  Platform `json:"platform"`
	Now       string   `json:"ts_utc"`
}

// Current returns the build metadata stamped with now.
func Current(now time.Time) Info {
	return Info{
		Version:   Version,
		GitSHA:    GitSHA,
		BuildTime: BuildTime,
		GoVersion: runtime.Version(),
		Platform:  Platform{OS: runtime.GOOS, Arch: runtime.GOARCH},
		Now:       now.UTC().Format(time.RFC3339),
	}
}
