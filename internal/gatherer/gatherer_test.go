// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package gatherer

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/sustainable-computing-io/energy-modeller/internal/disklog"
	"github.com/sustainable-computing-io/energy-modeller/internal/energy"
	"github.com/sustainable-computing-io/energy-modeller/internal/store"
	"github.com/sustainable-computing-io/energy-modeller/internal/telemetry"
)

type MockEntryLogger struct {
	mock.Mock
}

func (m *MockEntryLogger) Log(entries ...disklog.Entry) {
	m.Called(entries)
}

type MockInvalidator struct {
	mock.Mock
}

func (m *MockInvalidator) Invalidate(hostName string) {
	m.Called(hostName)
}

type fixture struct {
	fake  *telemetry.Fake
	store *store.Gorm
	clock *testingclock.FakeClock
	host  *energy.Host
	node  *energy.GeneralPurposeNode
	vm1   *energy.VM
	vm2   *energy.VM
}

// newFixture sets up node-1 drawing 180W and running vm-1 and vm-2 at 25%
// and 75% of its cpu, plus a general purpose node drawing 20W
func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := store.NewGorm(store.DriverSQLite, ":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.SetHostCalibration(context.Background(), "node-1",
		[]energy.CalibrationPoint{{CPU: 0, Power: 80}, {CPU: 1, Power: 200}}))

	f := &fixture{
		fake:  telemetry.NewFake(),
		store: s,
		clock: testingclock.NewFakeClock(time.Unix(1000, 0)),
		host:  energy.NewHost(1, "node-1"),
		node:  energy.NewGeneralPurposeNode(2, "storage-1"),
		vm1:   energy.NewVM(1, "vm-1"),
		vm2:   energy.NewVM(2, "vm-2_node-1"),
	}
	f.vm1.Host = f.host

	f.fake.AddHost(f.host)
	f.fake.AddGeneralPurposeNode(f.node)
	f.fake.AddVM(f.vm1)
	f.fake.AddVM(f.vm2)
	f.measure(time.Unix(1000, 0), 180)
	f.fake.SetMeasurement(&f.node.Host, time.Unix(1000, 0), map[string]float64{telemetry.MetricPower: 20})
	f.fake.SetMeasurement(f.vm1, time.Unix(1000, 0), map[string]float64{telemetry.MetricCPUSpotUsage: 20})
	f.fake.SetMeasurement(f.vm2, time.Unix(1000, 0), map[string]float64{telemetry.MetricCPUSpotUsage: 60})
	return f
}

func (f *fixture) measure(t time.Time, power float64) {
	f.fake.SetMeasurement(f.host, t, map[string]float64{
		telemetry.MetricPower:        power,
		telemetry.MetricEnergy:       5,
		telemetry.MetricCPUSpotUsage: 80,
	})
}

func (f *fixture) gatherer(opts ...OptionFn) *Gatherer {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	opts = append([]OptionFn{WithLogger(logger), WithClock(f.clock)}, opts...)
	return New(f.fake, f.store, opts...)
}

func TestHandleTickResult(t *testing.T) {
	f := newFixture(t)

	t.Run("fault threshold pauses once", func(t *testing.T) {
		g := f.gatherer(WithInterval(time.Second))
		tickErr := errors.New("telemetry down")

		pauses := 0
		for range 101 {
			if g.handleTickResult(tickErr) == DefaultCooldown {
				pauses++
			}
		}
		assert.Equal(t, 1, pauses)
		assert.Zero(t, g.Faults())

		// ticking resumes at the normal interval
		assert.Equal(t, time.Second, g.handleTickResult(nil))
		assert.Equal(t, time.Second, g.handleTickResult(tickErr))
		assert.Equal(t, 1, g.Faults())
	})

	t.Run("threshold is exceeded, not reached", func(t *testing.T) {
		g := f.gatherer(WithInterval(time.Second), WithFaultThreshold(3, time.Hour))
		tickErr := errors.New("store down")
		for range 3 {
			assert.Equal(t, time.Second, g.handleTickResult(tickErr))
		}
		assert.Equal(t, 3, g.Faults())
		assert.Equal(t, time.Hour, g.handleTickResult(tickErr))
		assert.Zero(t, g.Faults())
	})

	t.Run("success decrements with floor zero", func(t *testing.T) {
		g := f.gatherer()
		tickErr := errors.New("timeout")
		g.handleTickResult(tickErr)
		g.handleTickResult(tickErr)
		g.handleTickResult(tickErr)
		g.handleTickResult(nil)
		assert.Equal(t, 2, g.Faults())

		for range 5 {
			assert.Equal(t, DefaultInterval, g.handleTickResult(nil))
		}
		assert.Zero(t, g.Faults())
	})
}

func TestRunOnceRecords(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	g := f.gatherer()
	require.NoError(t, g.Init())
	assert.False(t, g.IsReady())

	require.NoError(t, g.runOnce(ctx))
	assert.True(t, g.IsReady())

	hosts := g.Hosts()
	require.Len(t, hosts, 1)
	assert.True(t, hosts[0].IsCalibrated(), "calibration loaded from the store")

	vms := g.VMs()
	require.Len(t, vms, 2)
	assert.Equal(t, "node-1", vms[1].HostName(), "host resolved from the vm name")

	records, err := f.store.HostHistory(ctx, f.host, nil)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, energy.Power(180), records[0].Power)
	assert.Equal(t, energy.Energy(5), records[0].Energy)

	samples, err := f.store.HostLoadFractionHistory(ctx, f.host, nil)
	require.NoError(t, err)
	require.Len(t, samples, 1)
	assert.Equal(t, energy.Power(20), samples[0].HostPowerOffset)
	fraction, ok := samples[0].Fraction(f.vm1)
	require.True(t, ok)
	assert.InDelta(t, 0.25, fraction, 1e-9)

	storedHosts, err := f.store.Hosts(ctx)
	require.NoError(t, err)
	assert.Len(t, storedHosts, 2, "hosts and general purpose nodes are persisted")
	storedVMs, err := f.store.VMs(ctx)
	require.NoError(t, err)
	assert.Len(t, storedVMs, 2)

	snapshot := g.Snapshot()
	require.NotNil(t, snapshot)
	assert.Equal(t, energy.Power(180), snapshot.Hosts["node-1"].Power)
	assert.Equal(t, energy.Power(20), snapshot.Hosts["node-1"].Offset)
	assert.InDelta(t, 50, snapshot.Workloads[energy.KeyOf(f.vm1)].Power.Watts(), 1e-9)
	assert.InDelta(t, 150, snapshot.Workloads[energy.KeyOf(f.vm2)].Power.Watts(), 1e-9)

	select {
	case <-g.DataChannel():
	default:
		t.Fatal("expected a data signal")
	}

	// an unchanged timestamp is not recorded twice
	require.NoError(t, g.runOnce(ctx))
	records, err = f.store.HostHistory(ctx, f.host, nil)
	require.NoError(t, err)
	assert.Len(t, records, 1)

	f.measure(time.Unix(1005, 0), 190)
	require.NoError(t, g.runOnce(ctx))
	records, err = f.store.HostHistory(ctx, f.host, nil)
	require.NoError(t, err)
	assert.Len(t, records, 2)
	assert.Equal(t, energy.Power(190), g.Snapshot().Hosts["node-1"].Power)
}

func TestOverheadPerHost(t *testing.T) {
	f := newFixture(t)
	g := f.gatherer(WithOverheadPerHost(5))
	require.NoError(t, g.runOnce(context.Background()))

	snapshot := g.Snapshot()
	assert.Equal(t, energy.Power(25), snapshot.Hosts["node-1"].Offset)
	assert.InDelta(t, 51.25, snapshot.Workloads[energy.KeyOf(f.vm1)].Power.Watts(), 1e-9)
}

func TestReadOnlyGathering(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	vmLog := &MockEntryLogger{}
	g := f.gatherer(WithPerformGathering(false), WithVMLog(vmLog))

	require.NoError(t, g.runOnce(ctx))

	records, err := f.store.HostHistory(ctx, f.host, nil)
	require.NoError(t, err)
	assert.Empty(t, records)
	samples, err := f.store.HostLoadFractionHistory(ctx, f.host, nil)
	require.NoError(t, err)
	assert.Empty(t, samples)
	hosts, err := f.store.Hosts(ctx)
	require.NoError(t, err)
	assert.Empty(t, hosts)
	vmLog.AssertNotCalled(t, "Log", mock.Anything)

	// current readings are still served
	require.NotNil(t, g.Snapshot())
	assert.Len(t, g.Snapshot().Workloads, 2)
}

func TestDiskLogs(t *testing.T) {
	f := newFixture(t)
	app := energy.NewApplication(1, "train", f.host)
	f.fake.AddApplication(app)
	f.fake.SetMeasurement(app, time.Unix(1000, 0), map[string]float64{telemetry.MetricCPUSpotUsage: 0})

	vmLog, appLog := &MockEntryLogger{}, &MockEntryLogger{}
	vmLog.On("Log", []disklog.Entry{
		{Tag: "vm-1", Metric: "power", Value: 50},
		{Tag: "vm-1", Metric: "load_fraction", Value: 0.25},
		{Tag: "vm-2_node-1", Metric: "power", Value: 150},
		{Tag: "vm-2_node-1", Metric: "load_fraction", Value: 0.75},
	}).Once()
	appLog.On("Log", []disklog.Entry{
		{Tag: "train", Metric: "power", Value: 0},
		{Tag: "train", Metric: "load_fraction", Value: 0},
	}).Once()

	g := f.gatherer(WithVMLog(vmLog), WithApplicationLog(appLog))
	require.NoError(t, g.runOnce(context.Background()))

	vmLog.AssertExpectations(t)
	appLog.AssertExpectations(t)
}

func TestTickFailures(t *testing.T) {
	ctx := context.Background()

	tt := []struct {
		name  string
		setup func(t *testing.T, f *fixture)
	}{
		{name: "telemetry down", setup: func(t *testing.T, f *fixture) { f.fake.SetError(errors.New("down")) }},
		{name: "store closed", setup: func(t *testing.T, f *fixture) { require.NoError(t, f.store.Close()) }},
	}
	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			g := f.gatherer()
			tc.setup(t, f)
			assert.Error(t, g.runOnce(ctx))
			assert.Nil(t, g.Snapshot())
		})
	}
}

func TestHostRemoval(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	g := f.gatherer()
	require.NoError(t, g.runOnce(ctx))
	require.Contains(t, g.Snapshot().Hosts, "node-1")

	f.fake.RemoveHost("node-1")
	f.fake.RemoveVM("vm-1")
	f.fake.RemoveVM("vm-2_node-1")
	require.NoError(t, g.runOnce(ctx))

	assert.Empty(t, g.Hosts())
	assert.Empty(t, g.VMs())
	assert.Empty(t, g.Snapshot().Hosts)
	assert.Empty(t, g.Snapshot().Workloads)
}

func TestCalibrationRefresh(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	inv := &MockInvalidator{}
	inv.On("Invalidate", "node-1").Once()

	g := f.gatherer(WithCalibrationRefresh(time.Minute, inv))
	require.NoError(t, g.runOnce(ctx))

	// unchanged calibration does not invalidate
	f.clock.Step(2 * time.Minute)
	require.NoError(t, g.runOnce(ctx))
	inv.AssertNotCalled(t, "Invalidate", "node-1")

	require.NoError(t, f.store.SetHostCalibration(ctx, "node-1",
		[]energy.CalibrationPoint{{CPU: 0, Power: 90}, {CPU: 1, Power: 210}}))
	require.NoError(t, g.runOnce(ctx))
	inv.AssertNotCalled(t, "Invalidate", "node-1")

	f.clock.Step(2 * time.Minute)
	require.NoError(t, g.runOnce(ctx))
	inv.AssertExpectations(t)
	assert.Equal(t, energy.Power(90), g.Hosts()[0].IdlePower())
}

func TestRun(t *testing.T) {
	f := newFixture(t)
	f.fake.SetError(errors.New("down"))
	g := f.gatherer(WithInterval(time.Second))
	require.NoError(t, g.Init())
	assert.False(t, g.IsLive())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- g.Run(ctx) }()

	assert.Eventually(t, func() bool { return g.Faults() == 1 }, time.Second, 5*time.Millisecond)
	assert.True(t, g.IsLive())

	assert.Eventually(t, f.clock.HasWaiters, time.Second, 5*time.Millisecond)
	f.fake.SetError(nil)
	f.clock.Step(time.Second)
	assert.Eventually(t, func() bool { return g.IsReady() && g.Faults() == 0 }, time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	assert.False(t, g.IsLive())
}

func TestInitAndShutdown(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.store.SetHosts(ctx, []*energy.Host{f.host}))

	g := f.gatherer()
	require.NoError(t, g.Init())
	assert.Equal(t, "gatherer", g.Name())

	require.NoError(t, g.Shutdown())
	_, err := f.store.Hosts(ctx)
	assert.Error(t, err, "store is closed on shutdown")
	assert.Error(t, g.Init())
}
