// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"context"
	"errors"
	"fmt"

	"github.com/sustainable-computing-io/energy-modeller/internal/energy"
)

// ResolveHost finds the host a workload runs on. The host name reported with
// the workload is looked up first; failing that the host part of a
// <prefix>_<host> workload name is tried.
func ResolveHost(ctx context.Context, src Source, hostName, workloadName string) (*energy.Host, error) {
	var errs []error
	if hostName != "" {
		h, err := src.HostByName(ctx, hostName)
		if err == nil {
			return h, nil
		}
		errs = append(errs, err)
	}
	if name, ok := energy.HostNameFromWorkloadName(workloadName); ok && name != hostName {
		h, err := src.HostByName(ctx, name)
		if err == nil {
			return h, nil
		}
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return nil, fmt.Errorf("host of %s: %w", workloadName, ErrNotFound)
	}
	return nil, fmt.Errorf("host of %s: %w", workloadName, errors.Join(errs...))
}

// hostNameOf is the name of the host a workload runs on without querying the
// source
func hostNameOf(hostName, workloadName string) string {
	if hostName != "" {
		return hostName
	}
	name, _ := energy.HostNameFromWorkloadName(workloadName)
	return name
}

// Residents groups the vms and applications a source reports by the name of
// the host they run on
type Residents struct {
	VMs  map[string][]*energy.VM
	Apps map[string][]*energy.Application
}

// Of returns every source resident on host ordered by kind and id
func (r Residents) Of(host string) []energy.Source {
	sources := make([]energy.Source, 0, len(r.VMs[host])+len(r.Apps[host]))
	for _, vm := range r.VMs[host] {
		sources = append(sources, vm)
	}
	for _, app := range r.Apps[host] {
		sources = append(sources, app)
	}
	energy.SortSources(sources)
	return sources
}

// GroupResidents groups vms and apps by host. Workloads whose host can't be
// determined are left out.
func GroupResidents(vms []*energy.VM, apps []*energy.Application) Residents {
	r := Residents{
		VMs:  map[string][]*energy.VM{},
		Apps: map[string][]*energy.Application{},
	}
	for _, vm := range vms {
		if host := hostNameOf(vm.HostName(), vm.Name); host != "" {
			r.VMs[host] = append(r.VMs[host], vm)
		}
	}
	for _, app := range apps {
		if host := hostNameOf(app.HostName(), app.Name); host != "" {
			r.Apps[host] = append(r.Apps[host], app)
		}
	}
	return r
}

// ListResidents queries src for every vm and the applications with the
// given statuses and groups them by host
func ListResidents(ctx context.Context, src Source, status ...string) (Residents, error) {
	vms, err := src.VMs(ctx)
	if err != nil {
		return Residents{}, fmt.Errorf("error listing vms: %w", err)
	}
	apps, err := src.Applications(ctx, status...)
	if err != nil {
		return Residents{}, fmt.Errorf("error listing applications: %w", err)
	}
	return GroupResidents(vms, apps), nil
}

// ResidentMeasurements reads the measurements of sources keyed by their
// identity. Hosts and general purpose nodes in sources are ignored.
func ResidentMeasurements(ctx context.Context, src Source, sources []energy.Source) (map[energy.SourceKey]Measurement, error) {
	var (
		vms  []*energy.VM
		apps []*energy.Application
	)
	for _, s := range sources {
		switch w := s.(type) {
		case *energy.VM:
			vms = append(vms, w)
		case *energy.Application:
			apps = append(apps, w)
		}
	}

	ret := make(map[energy.SourceKey]Measurement, len(sources))
	if len(vms) > 0 {
		ms, err := src.VMMeasurements(ctx, vms)
		if err != nil {
			return nil, fmt.Errorf("error reading vm measurements: %w", err)
		}
		for _, m := range ms {
			ret[energy.SourceKey{Kind: energy.KindVM, ID: m.Entity}] = m
		}
	}
	if len(apps) > 0 {
		ms, err := src.ApplicationMeasurements(ctx, apps)
		if err != nil {
			return nil, fmt.Errorf("error reading application measurements: %w", err)
		}
		for _, m := range ms {
			ret[energy.SourceKey{Kind: energy.KindApplication, ID: m.Entity}] = m
		}
	}
	return ret, nil
}

// LoadFractionSample builds the sample of residents on host at the time of
// the host measurement. A resident's fraction is its cpu spot usage over the
// host's. When the host reports no usage every resident gets an equal part.
func LoadFractionSample(host *energy.Host, hostM Measurement, residents []energy.Source, usage map[energy.SourceKey]Measurement, offset energy.Power) energy.LoadFractionSample {
	sample := energy.NewLoadFractionSample(host, hostM.Time, offset)
	if len(residents) == 0 {
		return sample
	}

	hostUsage, _ := hostM.Value(MetricCPUSpotUsage)
	if hostUsage <= 0 {
		for _, r := range residents {
			sample.Add(r, 1/float64(len(residents)))
		}
		return sample
	}

	for _, r := range residents {
		u, _ := usage[energy.KeyOf(r)].Value(MetricCPUSpotUsage)
		sample.Add(r, u/hostUsage)
	}
	return sample
}
