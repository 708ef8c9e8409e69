// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package collector

import (
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sustainable-computing-io/energy-modeller/config"
	"github.com/sustainable-computing-io/energy-modeller/internal/energy"
	"github.com/sustainable-computing-io/energy-modeller/internal/gatherer"
)

// MockDataProvider mocks the gatherer
type MockDataProvider struct {
	mock.Mock
	dataCh chan struct{}
}

var _ gatherer.DataProvider = (*MockDataProvider)(nil)

func (m *MockDataProvider) Snapshot() *gatherer.Snapshot {
	args := m.Called()
	if s := args.Get(0); s != nil {
		return s.(*gatherer.Snapshot)
	}
	return nil
}

func (m *MockDataProvider) DataChannel() <-chan struct{} {
	return m.dataCh
}

func labelsOf(m *dto.Metric) map[string]string {
	labels := map[string]string{}
	for _, l := range m.GetLabel() {
		labels[l.GetName()] = l.GetValue()
	}
	return labels
}

// gather returns metric values keyed by name and then by the value of key
func gather(t *testing.T, r *prometheus.Registry, key string) map[string]map[string]float64 {
	t.Helper()
	families, err := r.Gather()
	require.NoError(t, err)

	values := map[string]map[string]float64{}
	for _, mf := range families {
		byKey := map[string]float64{}
		for _, m := range mf.GetMetric() {
			v := m.GetGauge().GetValue()
			if m.GetCounter() != nil {
				v = m.GetCounter().GetValue()
			}
			byKey[labelsOf(m)[key]] = v
		}
		values[mf.GetName()] = byKey
	}
	return values
}

func testSnapshot() *gatherer.Snapshot {
	host := energy.NewHost(1, "node-1")
	vm := energy.NewVM(1, "vm-1")
	app := energy.NewApplication(1, "train", host)
	now := time.Unix(1000, 0)

	s := gatherer.NewSnapshot()
	s.Hosts["node-1"] = gatherer.HostUsage{Host: host, Time: now, Power: 180, Energy: 42, Offset: 20}
	s.Workloads[energy.KeyOf(vm)] = gatherer.WorkloadUsage{Source: vm, Host: "node-1", Time: now, Fraction: 0.25, Power: 50}
	s.Workloads[energy.KeyOf(app)] = gatherer.WorkloadUsage{Source: app, Host: "node-1", Time: now, Fraction: 0.75, Power: 150}
	return s
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestPowerCollector(t *testing.T) {
	dp := &MockDataProvider{}
	dp.On("Snapshot").Return(testSnapshot())

	registry := prometheus.NewRegistry()
	registry.MustRegister(NewPowerCollector(dp, testLogger(), config.MetricsLevelAll))

	byHost := gather(t, registry, "host")
	assert.Equal(t, 180.0, byHost["energy_modeller_host_power_watts"]["node-1"])
	assert.Equal(t, 42.0, byHost["energy_modeller_host_energy_watt_hours_total"]["node-1"])
	assert.Equal(t, 20.0, byHost["energy_modeller_host_power_offset_watts"]["node-1"])

	byVM := gather(t, registry, "vm")
	assert.Equal(t, 50.0, byVM["energy_modeller_vm_power_watts"]["vm-1"])
	assert.Equal(t, 0.25, byVM["energy_modeller_vm_load_fraction"]["vm-1"])

	byApp := gather(t, registry, "app")
	assert.Equal(t, 150.0, byApp["energy_modeller_app_power_watts"]["train"])
	assert.Equal(t, 0.75, byApp["energy_modeller_app_load_fraction"]["train"])
}

func TestPowerCollectorLevels(t *testing.T) {
	dp := &MockDataProvider{}
	dp.On("Snapshot").Return(testSnapshot())

	registry := prometheus.NewRegistry()
	registry.MustRegister(NewPowerCollector(dp, testLogger(), config.MetricsLevelVM))

	values := gather(t, registry, "vm")
	assert.Contains(t, values, "energy_modeller_vm_power_watts")
	assert.NotContains(t, values, "energy_modeller_host_power_watts")
	assert.NotContains(t, values, "energy_modeller_app_power_watts")
}

func TestPowerCollectorBeforeFirstTick(t *testing.T) {
	dp := &MockDataProvider{}
	dp.On("Snapshot").Return(nil)

	registry := prometheus.NewRegistry()
	registry.MustRegister(NewPowerCollector(dp, testLogger(), config.MetricsLevelAll))

	families, err := registry.Gather()
	require.NoError(t, err)
	assert.Empty(t, families)
	dp.AssertExpectations(t)
}
