// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package predictor

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/sustainable-computing-io/energy-modeller/internal/energy"
)

type MockUtilisationSource struct {
	mock.Mock
}

var _ UtilisationSource = (*MockUtilisationSource)(nil)

func (m *MockUtilisationSource) CPUUtilisation(ctx context.Context, host *energy.Host, window time.Duration) (float64, error) {
	args := m.Called(ctx, host, window)
	return args.Get(0).(float64), args.Error(1)
}

func (m *MockUtilisationSource) AcceleratorUtilisation(ctx context.Context, host *energy.Host) (float64, error) {
	args := m.Called(ctx, host)
	return args.Get(0).(float64), args.Error(1)
}

type MockPowerSource struct {
	mock.Mock
}

var _ PowerSource = (*MockPowerSource)(nil)

func (m *MockPowerSource) CurrentEnergyUsage(ctx context.Context, host *energy.Host) (energy.CurrentUsage, error) {
	args := m.Called(ctx, host)
	return args.Get(0).(energy.CurrentUsage), args.Error(1)
}

// countingFitter records how many fits it ran
type countingFitter struct {
	Fitter
	fits int
}

func (f *countingFitter) Fit(points []energy.CalibrationPoint) (*energy.PredictorFunction, error) {
	f.fits++
	return f.Fitter.Fit(points)
}
