// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

// Package version holds the build information set through -ldflags
package version

import (
	"fmt"
	"runtime"
)

var (
	version   = "dev"
	buildTime = "unknown"
	gitBranch string
	gitCommit string
)

type VersionInfo struct {
	Version   string
	BuildTime string
	GitBranch string
	GitCommit string

	GoVersion string
	GoOS      string
	GoArch    string
}

// Info returns the version information
func Info() VersionInfo {
	return VersionInfo{
		Version:   version,
		BuildTime: buildTime,
		GitBranch: gitBranch,
		GitCommit: gitCommit,

		GoVersion: runtime.Version(),
		GoOS:      runtime.GOOS,
		GoArch:    runtime.GOARCH,
	}
}

func (v VersionInfo) String() string {
	commit := v.GitCommit
	if len(commit) > 8 {
		commit = commit[:8]
	}
	return fmt.Sprintf("energy-modeller %s (%s@%s, built %s) %s %s/%s",
		v.Version, v.GitBranch, commit, v.BuildTime, v.GoVersion, v.GoOS, v.GoArch)
}
