// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

// Package store persists the host and vm registries, calibration data and
// the historic series the gatherer records.
package store

import (
	"context"
	"time"

	"github.com/sustainable-computing-io/energy-modeller/internal/energy"
)

// VMProfile is the descriptive data kept per vm
type VMProfile struct {
	AppTags    []string
	DiskImages []string
}

// TraceFilter selects the vms an aggregate covers. Exactly one of Tag and
// DiskImage is set.
type TraceFilter struct {
	Tag       string
	DiskImage string
}

// WeeklyBucket is the mean load fraction observed in one hour of the week
type WeeklyBucket struct {
	Day     time.Weekday
	Hour    int
	Mean    float64
	Samples int
}

// BootBucket is the mean load fraction observed in one window of time after
// vm creation
type BootBucket struct {
	Offset  time.Duration // start of the window relative to vm creation
	Mean    float64
	Samples int
}

// Registry reads and writes the known hosts and vms
type Registry interface {
	Hosts(ctx context.Context) ([]*energy.Host, error)
	SetHosts(ctx context.Context, hosts []*energy.Host) error
	VMs(ctx context.Context) ([]*energy.VM, error)
	SetVMs(ctx context.Context, vms []*energy.VM) error
}

// Calibration reads and writes calibration and profile data
type Calibration interface {
	HostCalibration(ctx context.Context, host string) ([]energy.CalibrationPoint, error)
	SetHostCalibration(ctx context.Context, host string, points []energy.CalibrationPoint) error
	Accelerators(ctx context.Context, host string) ([]*energy.Accelerator, error)
	SetAccelerators(ctx context.Context, host string, accelerators []*energy.Accelerator) error
	HostProfile(ctx context.Context, host string) ([]energy.ProfilePoint, error)
	SetHostProfile(ctx context.Context, host string, points []energy.ProfilePoint) error
	VMProfile(ctx context.Context, vm string) (VMProfile, error)
	SetVMProfile(ctx context.Context, vm string, profile VMProfile) error
}

// History reads and writes the recorded series. A nil period reads
// everything.
type History interface {
	WriteHostHistoricData(ctx context.Context, host *energy.Host, t time.Time, power energy.Power, e energy.Energy) error
	HostHistory(ctx context.Context, host *energy.Host, period *energy.TimePeriod) ([]energy.HostEnergyRecord, error)
	WriteHostLoadFraction(ctx context.Context, sample energy.LoadFractionSample) error
	HostLoadFractionHistory(ctx context.Context, host *energy.Host, period *energy.TimePeriod) ([]energy.LoadFractionSample, error)
}

// Aggregates summarise the recorded load of vms
type Aggregates interface {
	AverageCPUUtilisationByTag(ctx context.Context, period *energy.TimePeriod, tags ...string) (float64, error)
	AverageCPUUtilisationByDiskImage(ctx context.Context, period *energy.TimePeriod, images ...string) (float64, error)
	WeeklyCPUTrace(ctx context.Context, filter TraceFilter, period *energy.TimePeriod) ([]WeeklyBucket, error)
	BootRelativeCPUTrace(ctx context.Context, filter TraceFilter, window time.Duration) ([]BootBucket, error)
}

// Store is the persistent store of the modeller
type Store interface {
	Registry
	Calibration
	History
	Aggregates
	Close() error
}

// Enrich loads the calibration, accelerators and profile of host into it
func Enrich(ctx context.Context, c Calibration, host *energy.Host) error {
	calibration, err := c.HostCalibration(ctx, host.Name)
	if err != nil {
		return err
	}
	accelerators, err := c.Accelerators(ctx, host.Name)
	if err != nil {
		return err
	}
	profile, err := c.HostProfile(ctx, host.Name)
	if err != nil {
		return err
	}
	host.Calibration = calibration
	host.Accelerators = accelerators
	host.Profile = profile
	return nil
}
