// Package version provides utilities for extracting build information
package version

import (
	"runtime/debug"
)

// Version is the service version, overridable at build time via
// -ldflags "-X github.com/TocharianOU/newrag/version.Version=v1.2.3".
var Version = "dev"

// BuildInfo contains build-time information
type BuildInfo struct {
	GoVersion   string `json:"goVersion"`
	MainModule  string `json:"mainModule"`
	MainVersion string `json:"mainVersion"`
}

// GetBuildInfo extracts build information from the current binary
// This uses runtime/debug to get module information embedded at build time
func GetBuildInfo() *BuildInfo {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return &BuildInfo{
			GoVersion:   "unknown",
			MainModule:  "unknown",
			MainVersion: Version,
		}
	}

	mainVersion := info.Main.Version
	if mainVersion == "" || mainVersion == "(devel)" {
		mainVersion = Version
	}

	return &BuildInfo{
		GoVersion:   info.GoVersion,
		MainModule:  info.Path,
		MainVersion: mainVersion,
	}
}
