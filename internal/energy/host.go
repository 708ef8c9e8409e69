// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package energy

import (
	"errors"
	"fmt"
	"slices"
)

// ErrNegativeCapacity is returned when a host is given a negative core, ram
// or disk capacity
var ErrNegativeCapacity = errors.New("capacity can't be negative")

// CalibrationPoint is an observed (cpu load, memory load, power) triple used
// to fit power models. CPU and Memory are load fractions in [0,1].
type CalibrationPoint struct {
	CPU    float64
	Memory float64
	Power  float64 // watts
}

// ProfilePoint is a benchmark result recorded for a host
type ProfilePoint struct {
	Benchmark        string
	Score            float64
	PowerPerformance float64 // score per watt
}

// AcceleratorType is the family of an accelerator
type AcceleratorType string

const (
	GPU  AcceleratorType = "gpu"
	MIC  AcceleratorType = "mic"
	FPGA AcceleratorType = "fpga"
)

// AcceleratorCalibrationPoint maps named accelerator parameters (clock
// rates, utilisation, ...) to the observed power
type AcceleratorCalibrationPoint struct {
	Parameters map[string]float64
	Power      float64 // watts
}

// Accelerator is a device attached to a host that carries its own
// calibration data
type Accelerator struct {
	Name        string
	Type        AcceleratorType
	Count       int
	Calibration []AcceleratorCalibrationPoint
}

// IsCalibrated reports whether any calibration data is available
func (a *Accelerator) IsCalibrated() bool {
	return len(a.Calibration) > 0
}

// Host is a physical machine whose power is measured and apportioned
type Host struct {
	HostID    int
	Name      string
	Available bool
	State     string

	Cores  int
	RAMMb  int
	DiskGb float64

	Accelerators []*Accelerator
	Calibration  []CalibrationPoint
	Profile      []ProfilePoint
}

var _ Source = (*Host)(nil)

// NewHost creates an available host with no capacity or calibration data
func NewHost(id int, name string) *Host {
	return &Host{
		HostID:    id,
		Name:      name,
		Available: true,
	}
}

func (h *Host) ID() string {
	return h.Name
}

func (h *Host) Kind() Kind {
	return KindHost
}

// SetCapacity sets the core, ram and disk capacity of the host
func (h *Host) SetCapacity(cores, ramMb int, diskGb float64) error {
	if cores < 0 || ramMb < 0 || diskGb < 0 {
		return fmt.Errorf("%w: host %s cores=%d ram=%d disk=%.2f", ErrNegativeCapacity, h.Name, cores, ramMb, diskGb)
	}
	h.Cores = cores
	h.RAMMb = ramMb
	h.DiskGb = diskGb
	return nil
}

// IsCalibrated reports whether the host has any calibration data
func (h *Host) IsCalibrated() bool {
	return len(h.Calibration) > 0
}

// IdlePower is the lowest calibrated power of the host or 0 when the host
// is not calibrated
func (h *Host) IdlePower() Power {
	if !h.IsCalibrated() {
		return 0
	}
	p := slices.MinFunc(h.Calibration, func(a, b CalibrationPoint) int {
		switch {
		case a.Power < b.Power:
			return -1
		case a.Power > b.Power:
			return 1
		}
		return 0
	})
	return Power(p.Power)
}

// MaxPower is the highest calibrated power of the host or 0 when the host
// is not calibrated
func (h *Host) MaxPower() Power {
	var maxPower float64
	for _, p := range h.Calibration {
		maxPower = max(maxPower, p.Power)
	}
	return Power(maxPower)
}

// CalibratedAccelerator returns the first accelerator that has calibration
// data
func (h *Host) CalibratedAccelerator() (*Accelerator, bool) {
	for _, a := range h.Accelerators {
		if a.IsCalibrated() {
			return a, true
		}
	}
	return nil, false
}

// HasCalibratedAccelerator reports whether CalibratedAccelerator would
// return an accelerator
func (h *Host) HasCalibratedAccelerator() bool {
	_, ok := h.CalibratedAccelerator()
	return ok
}

// GeneralPurposeNode is a host providing shared infrastructure (e.g.
// distributed storage) whose power is amortized over other hosts instead of
// being attributed to a workload
type GeneralPurposeNode struct {
	Host
}

var _ Source = (*GeneralPurposeNode)(nil)

// NewGeneralPurposeNode creates an available general purpose node
func NewGeneralPurposeNode(id int, name string) *GeneralPurposeNode {
	return &GeneralPurposeNode{Host: *NewHost(id, name)}
}

func (n *GeneralPurposeNode) Kind() Kind {
	return KindGeneralPurpose
}
