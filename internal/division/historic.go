// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package division

import (
	"math"
	"slices"
	"time"

	"github.com/sustainable-computing-io/energy-modeller/internal/energy"
)

// CleanData aligns host energy records with load fraction samples. Both
// series are sorted by time and walked together; entries whose timestamps
// match to the second are kept in pairs, any other entry is dropped. The
// returned slices have equal length. Inputs are not modified.
func CleanData(records []energy.HostEnergyRecord, samples []energy.LoadFractionSample) ([]energy.HostEnergyRecord, []energy.LoadFractionSample) {
	records = slices.Clone(records)
	samples = slices.Clone(samples)
	energy.SortRecords(records)
	energy.SortSamples(samples)

	n := min(len(records), len(samples))
	cleanRecords := make([]energy.HostEnergyRecord, 0, n)
	cleanSamples := make([]energy.LoadFractionSample, 0, n)

	i, j := 0, 0
	for i < len(records) && j < len(samples) {
		rt, st := records[i].Time.Unix(), samples[j].Time.Unix()
		switch {
		case rt == st:
			cleanRecords = append(cleanRecords, records[i])
			cleanSamples = append(cleanSamples, samples[j])
			i++
			j++
		case rt < st:
			i++
		default:
			j++
		}
	}
	return cleanRecords, cleanSamples
}

// Historic attributes energy to sources over a reconciled history of host
// power and load fraction samples
type Historic struct {
	host         *energy.Host
	records      []energy.HostEnergyRecord
	samples      []energy.LoadFractionSample
	considerIdle bool

	// span of every record, matched or not
	first, last time.Time
	hasRecords  bool
}

// NewHistoric reconciles records and samples of host with CleanData
func NewHistoric(host *energy.Host, records []energy.HostEnergyRecord, samples []energy.LoadFractionSample, opts ...OptionFn) *Historic {
	o := DefaultOpts()
	for _, fn := range opts {
		fn(&o)
	}
	r, s := CleanData(records, samples)
	h := &Historic{
		host:         host,
		records:      r,
		samples:      s,
		considerIdle: o.considerIdle,
	}
	for _, rec := range records {
		if !h.hasRecords || rec.Time.Before(h.first) {
			h.first = rec.Time
		}
		if !h.hasRecords || rec.Time.After(h.last) {
			h.last = rec.Time
		}
		h.hasRecords = true
	}
	return h
}

func (h *Historic) SetConsiderIdle(considerIdle bool) {
	h.considerIdle = considerIdle
}

func (h *Historic) ConsiderIdle() bool {
	return h.considerIdle
}

// Records returns the reconciled host energy records
func (h *Historic) Records() []energy.HostEnergyRecord {
	return h.records
}

// Samples returns the reconciled load fraction samples
func (h *Historic) Samples() []energy.LoadFractionSample {
	return h.samples
}

// EnergyFor integrates the energy attributed to target with the trapezoidal
// rule. Intervals where target is missing at either end contribute nothing.
func (h *Historic) EnergyFor(target energy.Source) energy.Energy {
	idlePower := 0.0
	if h.considerIdle && h.host != nil {
		idlePower = h.host.IdlePower().Watts()
	}

	total := 0.0
	for i := 1; i < len(h.records); i++ {
		prev, cur := h.samples[i-1], h.samples[i]
		fPrev, okPrev := prev.Fraction(target)
		fCur, okCur := cur.Fraction(target)
		if !okPrev || !okCur {
			continue
		}

		hours := h.records[i].Time.Sub(h.records[i-1].Time).Hours()
		powerPrev := h.records[i-1].Power + prev.HostPowerOffset
		powerCur := h.records[i].Power + cur.HostPowerOffset
		deltaWh := math.Abs(hours * (powerPrev + powerCur).Watts() / 2)
		avgFraction := (fPrev + fCur) / 2

		if !h.considerIdle {
			total += deltaWh * avgFraction
			continue
		}

		hostIdleWh := idlePower * hours
		avgCount := float64(prev.Len()+cur.Len()) / 2
		total += hostIdleWh/avgCount + max(0, deltaWh-hostIdleWh)*avgFraction
	}
	return energy.Energy(total)
}

// Duration is the time spanned by every host energy record
func (h *Historic) Duration() time.Duration {
	return h.last.Sub(h.first)
}

// DurationOf is the time between the first and last sample target is
// present in, 0 if it never is
func (h *Historic) DurationOf(target energy.Source) time.Duration {
	first, last := -1, -1
	for i, s := range h.samples {
		if !s.Contains(target) {
			continue
		}
		if first < 0 {
			first = i
		}
		last = i
	}
	if first < 0 {
		return 0
	}
	return h.samples[last].Time.Sub(h.samples[first].Time)
}

// Start returns the time of the first host energy record, reconciled or
// not; false when there are no records
func (h *Historic) Start() (time.Time, bool) {
	return h.first, h.hasRecords
}

// End returns the time of the last host energy record; false when there are
// no records
func (h *Historic) End() (time.Time, bool) {
	return h.last, h.hasRecords
}

// IntegrateHostEnergy returns the energy of a host over records with the
// trapezoidal rule. Records are sorted on a copy first.
func IntegrateHostEnergy(records []energy.HostEnergyRecord) energy.Energy {
	if len(records) < 2 {
		return 0
	}
	records = slices.Clone(records)
	energy.SortRecords(records)

	total := 0.0
	for i := 1; i < len(records); i++ {
		hours := records[i].Time.Sub(records[i-1].Time).Hours()
		total += hours * (records[i-1].Power + records[i].Power).Watts() / 2
	}
	return energy.Energy(total)
}
