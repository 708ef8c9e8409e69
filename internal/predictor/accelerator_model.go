// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package predictor

import (
	"fmt"
	"math"
	"slices"

	"github.com/sustainable-computing-io/energy-modeller/internal/energy"
)

// BimodalModel predicts accelerator power from the mean power observed at
// each distinct value of a grouping parameter, such as a clock rate
// indicator
type BimodalModel struct {
	Parameter string
	groups    map[float64]float64 // parameter value -> mean power
	low       float64
	high      float64
}

var _ energy.ModelFunc = (*BimodalModel)(nil)

// FitBimodal groups points by the exact value of parameter. Points that do
// not carry parameter are ignored.
func FitBimodal(points []energy.AcceleratorCalibrationPoint, parameter string) (*energy.PredictorFunction, error) {
	sums := make(map[float64]float64)
	counts := make(map[float64]int)
	var xs, ys []float64
	for _, p := range points {
		v, ok := p.Parameters[parameter]
		if !ok {
			continue
		}
		sums[v] += p.Power
		counts[v]++
		xs = append(xs, v)
		ys = append(ys, p.Power)
	}
	if len(sums) == 0 {
		return nil, fmt.Errorf("%w: no calibration point carries %q", ErrInsufficientData, parameter)
	}

	m := &BimodalModel{
		Parameter: parameter,
		groups:    make(map[float64]float64, len(sums)),
		low:       math.Inf(1),
		high:      math.Inf(-1),
	}
	for v, sum := range sums {
		m.groups[v] = sum / float64(counts[v])
		m.low = min(m.low, v)
		m.high = max(m.high, v)
	}
	return withErrors(m, xs, ys), nil
}

// Value returns the mean power of the group at x. When no group matches x
// exactly, the closer of the lowest and highest groups is used; groups in
// between are never considered.
func (m *BimodalModel) Value(x float64) float64 {
	if p, ok := m.groups[x]; ok {
		return p
	}
	if math.Abs(x-m.low) <= math.Abs(x-m.high) {
		return m.groups[m.low]
	}
	return m.groups[m.high]
}

// Groups returns the grouping values in increasing order
func (m *BimodalModel) Groups() []float64 {
	keys := make([]float64, 0, len(m.groups))
	for k := range m.groups {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// High returns the grouping value of the highest group
func (m *BimodalModel) High() float64 {
	return m.high
}

// MultiParameterFunction predicts power from several named metrics, e.g. a
// trained neural network for accelerators that do not behave bimodally
type MultiParameterFunction interface {
	Predict(metrics map[string]float64) (float64, error)
}

// MultiParameterFunc adapts an ordinary function to MultiParameterFunction
type MultiParameterFunc func(metrics map[string]float64) (float64, error)

func (f MultiParameterFunc) Predict(metrics map[string]float64) (float64, error) {
	return f(metrics)
}
