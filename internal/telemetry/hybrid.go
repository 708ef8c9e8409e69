// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"context"
	"time"

	"github.com/sustainable-computing-io/energy-modeller/internal/energy"
)

// Hybrid reads hosts and their power from one source and workloads from
// another
type Hybrid struct {
	hosts     Source
	workloads Source
}

var _ Source = (*Hybrid)(nil)

// NewHybrid creates a source merging hosts and workloads
func NewHybrid(hosts, workloads Source) *Hybrid {
	return &Hybrid{hosts: hosts, workloads: workloads}
}

func (h *Hybrid) Name() string {
	return "hybrid(" + h.hosts.Name() + "," + h.workloads.Name() + ")"
}

func (h *Hybrid) Hosts(ctx context.Context) ([]*energy.Host, error) {
	return h.hosts.Hosts(ctx)
}

func (h *Hybrid) GeneralPurposeNodes(ctx context.Context) ([]*energy.GeneralPurposeNode, error) {
	return h.hosts.GeneralPurposeNodes(ctx)
}

func (h *Hybrid) HostByName(ctx context.Context, name string) (*energy.Host, error) {
	return h.hosts.HostByName(ctx, name)
}

func (h *Hybrid) VMs(ctx context.Context) ([]*energy.VM, error) {
	return h.workloads.VMs(ctx)
}

func (h *Hybrid) Applications(ctx context.Context, status ...string) ([]*energy.Application, error) {
	return h.workloads.Applications(ctx, status...)
}

func (h *Hybrid) HostMeasurements(ctx context.Context, hosts []*energy.Host) ([]Measurement, error) {
	return h.hosts.HostMeasurements(ctx, hosts)
}

func (h *Hybrid) VMMeasurements(ctx context.Context, vms []*energy.VM) ([]Measurement, error) {
	return h.workloads.VMMeasurements(ctx, vms)
}

func (h *Hybrid) ApplicationMeasurements(ctx context.Context, apps []*energy.Application) ([]Measurement, error) {
	return h.workloads.ApplicationMeasurements(ctx, apps)
}

func (h *Hybrid) CurrentEnergyUsage(ctx context.Context, host *energy.Host) (energy.CurrentUsage, error) {
	return h.hosts.CurrentEnergyUsage(ctx, host)
}

func (h *Hybrid) LowestObservedPower(ctx context.Context, host *energy.Host) (energy.Power, error) {
	return h.hosts.LowestObservedPower(ctx, host)
}

func (h *Hybrid) HighestObservedPower(ctx context.Context, host *energy.Host) (energy.Power, error) {
	return h.hosts.HighestObservedPower(ctx, host)
}

func (h *Hybrid) CPUUtilisation(ctx context.Context, host *energy.Host, window time.Duration) (float64, error) {
	return h.hosts.CPUUtilisation(ctx, host, window)
}

func (h *Hybrid) AcceleratorUtilisation(ctx context.Context, host *energy.Host) (float64, error) {
	return h.hosts.AcceleratorUtilisation(ctx, host)
}
