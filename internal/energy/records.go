// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package energy

import (
	"slices"
	"time"
)

// HostEnergyRecord is a single power/energy observation of a host
type HostEnergyRecord struct {
	Host   *Host
	Time   time.Time
	Power  Power
	Energy Energy // cumulative counter as reported by telemetry
}

// LoadFraction is the share of a host's utilisation attributed to a source
type LoadFraction struct {
	Source   Source
	Fraction float64
}

// LoadFractionSample is the set of load fractions of every source resident
// on a host at one instant. HostPowerOffset is the shared infrastructure
// power amortized onto the host at that instant.
type LoadFractionSample struct {
	Host            *Host
	Time            time.Time
	Fractions       map[SourceKey]LoadFraction
	HostPowerOffset Power
}

// NewLoadFractionSample creates an empty sample for host at t
func NewLoadFractionSample(host *Host, t time.Time, offset Power) LoadFractionSample {
	return LoadFractionSample{
		Host:            host,
		Time:            t,
		Fractions:       make(map[SourceKey]LoadFraction),
		HostPowerOffset: offset,
	}
}

// Add records the load fraction of s, clamped to [0,1]
func (s *LoadFractionSample) Add(src Source, fraction float64) {
	if s.Fractions == nil {
		s.Fractions = make(map[SourceKey]LoadFraction)
	}
	s.Fractions[KeyOf(src)] = LoadFraction{Source: src, Fraction: clamp01(fraction)}
}

// Fraction returns the load fraction of src and whether src is in the sample
func (s LoadFractionSample) Fraction(src Source) (float64, bool) {
	lf, ok := s.Fractions[KeyOf(src)]
	return lf.Fraction, ok
}

// Contains reports whether src is in the sample
func (s LoadFractionSample) Contains(src Source) bool {
	_, ok := s.Fractions[KeyOf(src)]
	return ok
}

// Len is the number of sources in the sample
func (s LoadFractionSample) Len() int {
	return len(s.Fractions)
}

// Total is the sum of every fraction in the sample
func (s LoadFractionSample) Total() float64 {
	total := 0.0
	for _, lf := range s.Fractions {
		total += lf.Fraction
	}
	return total
}

// Sources returns the sources in the sample ordered by kind and id
func (s LoadFractionSample) Sources() []Source {
	sources := make([]Source, 0, len(s.Fractions))
	for _, lf := range s.Fractions {
		sources = append(sources, lf.Source)
	}
	SortSources(sources)
	return sources
}

// SortRecords sorts records by time, preserving the order of equal times
func SortRecords(records []HostEnergyRecord) {
	slices.SortStableFunc(records, func(a, b HostEnergyRecord) int {
		return a.Time.Compare(b.Time)
	})
}

// SortSamples sorts samples by time, preserving the order of equal times
func SortSamples(samples []LoadFractionSample) {
	slices.SortStableFunc(samples, func(a, b LoadFractionSample) int {
		return a.Time.Compare(b.Time)
	})
}

func clamp01(v float64) float64 {
	return min(max(v, 0), 1)
}
