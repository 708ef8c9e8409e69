// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

// Package telemetry discovers hosts and workloads and reads their
// measurements from a monitoring system.
package telemetry

import (
	"context"
	"errors"
	"time"

	"github.com/sustainable-computing-io/energy-modeller/internal/energy"
)

// Well known metric names of a Measurement
const (
	MetricPower           = "power"            // watts
	MetricEnergy          = "energy"           // cumulative watt-hours
	MetricCPUIdlePercent  = "cpu_idle_percent" // 0-100
	MetricCPUSpotUsage    = "cpu_spot_usage"   // 0-100
	MetricMemoryAvailable = "memory_available" // MB
	MetricMemoryTotal     = "memory_total"     // MB
	MetricGPUPresent      = "gpu_present"
	MetricGPUCount        = "gpu_count"
	MetricGPUUsage        = "gpu_usage"
	MetricMICPresent      = "mic_present"
	MetricAppAllocated    = "app_allocated_cores"
	MetricAppRunning      = "app_running"
)

var (
	// ErrNotFound is returned when an entity is unknown to the source
	ErrNotFound = errors.New("not found")

	// ErrNoData is returned when an entity is known but has no recent
	// measurement
	ErrNoData = errors.New("no data")
)

// Measurement is the set of metrics observed for one entity at one time
type Measurement struct {
	Entity  string
	Time    time.Time
	Metrics map[string]float64
}

// Value returns the named metric and whether it was observed
func (m Measurement) Value(metric string) (float64, bool) {
	v, ok := m.Metrics[metric]
	return v, ok
}

// Source is a monitoring system the modeller reads from
type Source interface {
	Name() string

	Hosts(ctx context.Context) ([]*energy.Host, error)
	VMs(ctx context.Context) ([]*energy.VM, error)
	// Applications lists applications, restricted to the given statuses
	// when any are given
	Applications(ctx context.Context, status ...string) ([]*energy.Application, error)
	GeneralPurposeNodes(ctx context.Context) ([]*energy.GeneralPurposeNode, error)
	HostByName(ctx context.Context, name string) (*energy.Host, error)

	HostMeasurements(ctx context.Context, hosts []*energy.Host) ([]Measurement, error)
	VMMeasurements(ctx context.Context, vms []*energy.VM) ([]Measurement, error)
	ApplicationMeasurements(ctx context.Context, apps []*energy.Application) ([]Measurement, error)

	CurrentEnergyUsage(ctx context.Context, host *energy.Host) (energy.CurrentUsage, error)
	LowestObservedPower(ctx context.Context, host *energy.Host) (energy.Power, error)
	HighestObservedPower(ctx context.Context, host *energy.Host) (energy.Power, error)

	// CPUUtilisation returns the mean cpu load of host in [0,1] over window
	CPUUtilisation(ctx context.Context, host *energy.Host, window time.Duration) (float64, error)
	// AcceleratorUtilisation returns the current accelerator usage of host
	AcceleratorUtilisation(ctx context.Context, host *energy.Host) (float64, error)
}

func filterStatus(apps []*energy.Application, status []string) []*energy.Application {
	if len(status) == 0 {
		return apps
	}
	allowed := make(map[string]bool, len(status))
	for _, s := range status {
		allowed[s] = true
	}
	filtered := make([]*energy.Application, 0, len(apps))
	for _, a := range apps {
		if allowed[a.Status] {
			filtered = append(filtered, a)
		}
	}
	return filtered
}
