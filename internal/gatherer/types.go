// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package gatherer

import (
	"maps"
	"time"

	"github.com/sustainable-computing-io/energy-modeller/internal/energy"
)

// HostUsage is the latest reading of a host
type HostUsage struct {
	Host   *energy.Host
	Time   time.Time
	Power  energy.Power
	Energy energy.Energy // cumulative as reported by telemetry
	Offset energy.Power  // general purpose overhead amortized onto the host
}

// WorkloadUsage is the part of its host's latest reading attributed to a
// workload
type WorkloadUsage struct {
	Source   energy.Source
	Host     string
	Time     time.Time
	Fraction float64
	Power    energy.Power
}

// Snapshot is the state of every host and workload after a tick
type Snapshot struct {
	Timestamp time.Time
	Hosts     map[string]HostUsage
	Workloads map[energy.SourceKey]WorkloadUsage
}

// NewSnapshot creates an empty Snapshot
func NewSnapshot() *Snapshot {
	return &Snapshot{
		Hosts:     map[string]HostUsage{},
		Workloads: map[energy.SourceKey]WorkloadUsage{},
	}
}

func (s *Snapshot) Clone() *Snapshot {
	return &Snapshot{
		Timestamp: s.Timestamp,
		Hosts:     maps.Clone(s.Hosts),
		Workloads: maps.Clone(s.Workloads),
	}
}

// dropHost removes host and its workloads
func (s *Snapshot) dropHost(name string) {
	delete(s.Hosts, name)
	maps.DeleteFunc(s.Workloads, func(_ energy.SourceKey, w WorkloadUsage) bool {
		return w.Host == name
	})
}
