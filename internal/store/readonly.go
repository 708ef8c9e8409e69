// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"time"

	"github.com/sustainable-computing-io/energy-modeller/internal/energy"
)

// ReadOnly serves reads from a store and discards every write. It lets
// several instances query one database while a single one records.
type ReadOnly struct {
	Store
}

var _ Store = (*ReadOnly)(nil)

// NewReadOnly wraps s
func NewReadOnly(s Store) *ReadOnly {
	return &ReadOnly{Store: s}
}

func (*ReadOnly) SetHosts(context.Context, []*energy.Host) error {
	return nil
}

func (*ReadOnly) SetVMs(context.Context, []*energy.VM) error {
	return nil
}

func (*ReadOnly) SetHostCalibration(context.Context, string, []energy.CalibrationPoint) error {
	return nil
}

func (*ReadOnly) SetAccelerators(context.Context, string, []*energy.Accelerator) error {
	return nil
}

func (*ReadOnly) SetHostProfile(context.Context, string, []energy.ProfilePoint) error {
	return nil
}

func (*ReadOnly) SetVMProfile(context.Context, string, VMProfile) error {
	return nil
}

func (*ReadOnly) WriteHostHistoricData(context.Context, *energy.Host, time.Time, energy.Power, energy.Energy) error {
	return nil
}

func (*ReadOnly) WriteHostLoadFraction(context.Context, energy.LoadFractionSample) error {
	return nil
}
