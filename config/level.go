// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"strings"
)

// Level selects which metric families are exported, as a bit set
type Level uint32

const (
	MetricsLevelHost Level = 1 << iota
	MetricsLevelVM
	MetricsLevelApp

	MetricsLevelAll = MetricsLevelHost | MetricsLevelVM | MetricsLevelApp
)

var levelNames = []struct {
	name  string
	level Level
}{
	{"host", MetricsLevelHost},
	{"vm", MetricsLevelVM},
	{"app", MetricsLevelApp},
}

func (l Level) names() []string {
	var names []string
	for _, n := range levelNames {
		if l&n.level != 0 {
			names = append(names, n.name)
		}
	}
	return names
}

func (l Level) String() string {
	return strings.Join(l.names(), ",")
}

func (l Level) IsHostEnabled() bool {
	return l&MetricsLevelHost != 0
}

func (l Level) IsVMEnabled() bool {
	return l&MetricsLevelVM != 0
}

func (l Level) IsAppEnabled() bool {
	return l&MetricsLevelApp != 0
}

// ParseLevel combines levels; no levels means all of them
func ParseLevel(levels []string) (Level, error) {
	if len(levels) == 0 {
		return MetricsLevelAll, nil
	}

	var result Level
	for _, level := range levels {
		name := strings.ToLower(strings.TrimSpace(level))
		found := false
		for _, n := range levelNames {
			if n.name == name {
				result |= n.level
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("unknown metrics level: %s", level)
		}
	}
	return result, nil
}

// ValidLevels returns the list of valid metrics levels
func ValidLevels() []string {
	names := make([]string, len(levelNames))
	for i, n := range levelNames {
		names[i] = n.name
	}
	return names
}

// MarshalYAML writes a single level as a string and several as a list
func (l Level) MarshalYAML() (any, error) {
	names := l.names()
	if len(names) == 1 {
		return names[0], nil
	}
	return names, nil
}

// UnmarshalYAML accepts a string or a list of strings
func (l *Level) UnmarshalYAML(unmarshal func(any) error) error {
	var single string
	if err := unmarshal(&single); err == nil {
		parsed, err := ParseLevel([]string{single})
		if err != nil {
			return err
		}
		*l = parsed
		return nil
	}

	var multiple []string
	if err := unmarshal(&multiple); err == nil {
		parsed, err := ParseLevel(multiple)
		if err != nil {
			return err
		}
		*l = parsed
		return nil
	}

	return fmt.Errorf("cannot unmarshal metrics level: must be a string or array of strings")
}

// MetricsLevelValue is a kingpin.Value accumulating repeated --metrics flags
type MetricsLevelValue struct {
	level *Level
	set   bool
}

func NewMetricsLevelValue(target *Level) *MetricsLevelValue {
	return &MetricsLevelValue{level: target}
}

func (m *MetricsLevelValue) Set(value string) error {
	level, err := ParseLevel([]string{value})
	if err != nil {
		return err
	}
	if !m.set {
		*m.level = 0
		m.set = true
	}
	*m.level |= level
	return nil
}

func (m *MetricsLevelValue) String() string {
	return m.level.String()
}

func (m *MetricsLevelValue) IsCumulative() bool {
	return true
}
