// Package version holds build information injected with ldflags:
//
//	go build -ldflags "-X github.com/jmylchreest/abrcore/internal/version.Version=x.y.z \
//	                   -X github.com/jmylchreest/abrcore/internal/version.Commit=$(git rev-parse HEAD) \
//	                   -X github.com/jmylchreest/abrcore/internal/version.Date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
package version

import (
	"encoding/json"
	"fmt"
	"runtime"
)

// Build-time variables injected via ldflags.
var (
	Version = "dev"
	Commit  = "unknown"
	Date    = "unknown"
)

// ApplicationName is the canonical name of this application.
const ApplicationName = "abrcore"

// Info is the structured build information.
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	Date      string `json:"date"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
}

// GetInfo returns the build information.
func GetInfo() Info {
	return Info{
		Version:   Version,
		Commit:    Commit,
		Date:      Date,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
}

func shortCommit() string {
	if Commit != "unknown" && len(Commit) >= 8 {
		return Commit[:8]
	}
	return ""
}

// String returns a human-readable version line.
func String() string {
	info := GetInfo()
	if c := shortCommit(); c != "" {
		return fmt.Sprintf("%s version %s (commit: %s, built: %s, %s, %s)",
			ApplicationName, info.Version, c, info.Date, info.GoVersion, info.Platform)
	}
	return fmt.Sprintf("%s version %s (%s, %s)", ApplicationName, info.Version, info.GoVersion, info.Platform)
}

// Short returns the version for the --version flag.
func Short() string {
	if c := shortCommit(); c != "" {
		return fmt.Sprintf("%s (%s)", Version, c)
	}
	return Version
}

// JSON returns the build information as indented JSON.
func JSON() string {
	b, _ := json.MarshalIndent(GetInfo(), "", "  ")
	return string(b)
}

// UserAgent returns the User-Agent sent with HTTP requests.
func UserAgent() string {
	return ApplicationName + "/" + Version
}
