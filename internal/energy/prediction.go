// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package energy

import (
	"fmt"
	"math"
	"time"
)

// ModelFunc is a fitted single variable power model
type ModelFunc interface {
	// Value returns the predicted power in watts at x
	Value(x float64) float64
}

// ModelFuncOf adapts an ordinary function to ModelFunc
type ModelFuncOf func(x float64) float64

func (f ModelFuncOf) Value(x float64) float64 {
	return f(x)
}

// PredictorFunction is a fitted model together with its goodness of fit
// against the data it was fitted to
type PredictorFunction struct {
	Func                ModelFunc
	SumOfSquareError    float64
	RootMeanSquareError float64
}

// NoFit is the predictor function of a model that could not be fitted. Its
// errors are maximal so it loses every best fit comparison.
func NoFit() *PredictorFunction {
	return &PredictorFunction{
		SumOfSquareError:    math.MaxFloat64,
		RootMeanSquareError: math.MaxFloat64,
	}
}

// Fitted reports whether f holds a usable model
func (f *PredictorFunction) Fitted() bool {
	return f != nil && f.Func != nil
}

// EnergyUsagePrediction is the predicted or measured energy usage of a
// subject over a period. Subject is nil when the prediction covers a group.
type EnergyUsagePrediction struct {
	Subject     Source
	AvgPower    Power
	TotalEnergy Energy
	Period      TimePeriod
}

// NewPrediction derives the average power from total over the period
func NewPrediction(subject Source, total Energy, period TimePeriod) *EnergyUsagePrediction {
	return &EnergyUsagePrediction{
		Subject:     subject,
		AvgPower:    AveragePower(total, period.Duration()),
		TotalEnergy: total,
		Period:      period,
	}
}

func (p *EnergyUsagePrediction) String() string {
	subject := "<group>"
	if p.Subject != nil {
		subject = KeyOf(p.Subject).String()
	}
	return fmt.Sprintf("%s avg=%s total=%s period=%s", subject, p.AvgPower, p.TotalEnergy, p.Period)
}

// CurrentUsage is the instantaneous power of a host as reported by
// telemetry
type CurrentUsage struct {
	Subject Source
	Time    time.Time
	Power   Power
}
