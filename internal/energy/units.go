// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package energy

import (
	"fmt"
	"time"
)

// Power represents power usage as float64 Watts.
// Use functions Watts and KiloWatts to get the power value in the
// respective unit
type Power float64

const (
	Watt      Power = 1
	MilliWatt       = Watt / 1000
	KiloWatt        = 1000 * Watt
)

func (p Power) Watts() float64 {
	return float64(p)
}

func (p Power) KiloWatts() float64 {
	return float64(p / KiloWatt)
}

func (p Power) String() string {
	return fmt.Sprintf("%.2fW", p.Watts())
}

// Energy represents energy usage as float64 Watt-hours, the unit used for
// every historic and predicted total.
type Energy float64

const (
	WattHour     Energy = 1
	Joule               = WattHour / 3600
	KiloWattHour        = 1000 * WattHour
)

func (e Energy) WattHours() float64 {
	return float64(e)
}

func (e Energy) KiloWattHours() float64 {
	return float64(e / KiloWattHour)
}

func (e Energy) Joules() float64 {
	return float64(e / Joule)
}

func (e Energy) String() string {
	return fmt.Sprintf("%.2fWh", e.WattHours())
}

// EnergyOver returns the energy consumed when drawing p for d
func EnergyOver(p Power, d time.Duration) Energy {
	return Energy(p.Watts() * d.Hours())
}

// AveragePower returns the constant power that would consume e over d.
// A non-positive duration yields 0.
func AveragePower(e Energy, d time.Duration) Power {
	if d <= 0 {
		return 0
	}
	return Power(e.WattHours() / d.Hours())
}
