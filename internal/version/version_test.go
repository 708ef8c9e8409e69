// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package version

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInfo(t *testing.T) {
	info := Info()
	assert.Equal(t, runtime.Version(), info.GoVersion)
	assert.Equal(t, runtime.GOOS, info.GoOS)
	assert.Equal(t, runtime.GOARCH, info.GoArch)
}

func TestString(t *testing.T) {
	tt := []struct {
		name   string
		commit string
		want   string
	}{
		{name: "short commit", commit: "abc", want: "energy-modeller v1.2.3 (main@abc, built 2025-04-01T12:00:00Z)"},
		{name: "long commit", commit: "abcdef123456", want: "energy-modeller v1.2.3 (main@abcdef12, built 2025-04-01T12:00:00Z)"},
	}
	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			v := VersionInfo{Version: "v1.2.3", BuildTime: "2025-04-01T12:00:00Z", GitBranch: "main", GitCommit: tc.commit}
			assert.Contains(t, v.String(), tc.want)
		})
	}
}
