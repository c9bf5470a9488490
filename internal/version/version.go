// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

// Package version holds the build metadata injected with -ldflags -X
package version

import (
	"fmt"
	"runtime"
)

var (
	version   string
	buildTime string
	gitBranch string
	gitCommit string
)

type VersionInfo struct {
	Version   string `yaml:"version"`
	BuildTime string `yaml:"buildTime"`
	GitBranch string `yaml:"gitBranch"`
	GitCommit string `yaml:"gitCommit"`

	GoVersion string `yaml:"goVersion"`
	GoOS      string `yaml:"goOS"`
	GoArch    string `yaml:"goArch"`
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

// String renders the one-line form printed by "pstatectl version"
func (v VersionInfo) String() string {
	ver := v.Version
	if ver == "" {
		ver = "devel"
	}
	s := fmt.Sprintf("pstatectl %s (%s/%s, %s)", ver, v.GoOS, v.GoArch, v.GoVersion)
	if v.GitCommit != "" {
		s += fmt.Sprintf(" commit %s", v.GitCommit)
		if v.GitBranch != "" {
			s += fmt.Sprintf(" on %s", v.GitBranch)
		}
	}
	if v.BuildTime != "" {
		s += fmt.Sprintf(" built %s", v.BuildTime)
	}
	return s
}
