// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sustainable-computing-io/energy-modeller/internal/energy"
)

func newTestStore(t *testing.T) *Gorm {
	t.Helper()
	s, err := NewGorm(DriverSQLite, ":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestNewGormUnsupportedDriver(t *testing.T) {
	_, err := NewGorm("postgres", "", nil)
	assert.ErrorContains(t, err, `unsupported store driver "postgres"`)
}

func TestRegistry(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	h1, h2 := energy.NewHost(0, "node-1"), energy.NewHost(0, "node-2")
	require.NoError(t, h1.SetCapacity(8, 16384, 100))
	require.NoError(t, s.SetHosts(ctx, []*energy.Host{h2, h1}))

	hosts, err := s.Hosts(ctx)
	require.NoError(t, err)
	require.Len(t, hosts, 2)
	assert.Equal(t, "node-1", hosts[0].Name)
	assert.Equal(t, 8, hosts[0].Cores)
	assert.Equal(t, 16384, hosts[0].RAMMb)
	assert.NotZero(t, hosts[0].HostID)

	// upsert by name
	h1.State = "maintenance"
	require.NoError(t, s.SetHosts(ctx, []*energy.Host{h1}))
	hosts, err = s.Hosts(ctx)
	require.NoError(t, err)
	require.Len(t, hosts, 2)
	assert.Equal(t, "maintenance", hosts[0].State)

	vm := energy.NewVM(0, "vm-1")
	vm.Host = h1
	vm.Created = time.Unix(5000, 0)
	require.NoError(t, s.SetVMs(ctx, []*energy.VM{vm}))
	vms, err := s.VMs(ctx)
	require.NoError(t, err)
	require.Len(t, vms, 1)
	assert.Equal(t, "node-1", vms[0].HostName())
	assert.Equal(t, int64(5000), vms[0].Created.Unix())

	assert.NoError(t, s.SetHosts(ctx, nil))
	assert.NoError(t, s.SetVMs(ctx, nil))
}

func TestCalibration(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	points := []energy.CalibrationPoint{{CPU: 0, Memory: 0.1, Power: 80}, {CPU: 1, Memory: 0.9, Power: 200}}
	require.NoError(t, s.SetHostCalibration(ctx, "node-1", points))
	got, err := s.HostCalibration(ctx, "node-1")
	require.NoError(t, err)
	assert.Equal(t, points, got)

	// rewriting replaces
	require.NoError(t, s.SetHostCalibration(ctx, "node-1", points[:1]))
	got, err = s.HostCalibration(ctx, "node-1")
	require.NoError(t, err)
	assert.Len(t, got, 1)

	none, err := s.HostCalibration(ctx, "node-2")
	require.NoError(t, err)
	assert.Empty(t, none)

	accs := []*energy.Accelerator{{
		Name:  "gpu0",
		Type:  energy.GPU,
		Count: 2,
		Calibration: []energy.AcceleratorCalibrationPoint{
			{Parameters: map[string]float64{"clock": 0}, Power: 50},
			{Parameters: map[string]float64{"clock": 100}, Power: 150},
		},
	}, {Name: "fpga0", Type: energy.FPGA, Count: 1}}
	require.NoError(t, s.SetAccelerators(ctx, "node-1", accs))
	gotAccs, err := s.Accelerators(ctx, "node-1")
	require.NoError(t, err)
	assert.Equal(t, accs, gotAccs)

	profile := []energy.ProfilePoint{{Benchmark: "linpack", Score: 1200, PowerPerformance: 6}}
	require.NoError(t, s.SetHostProfile(ctx, "node-1", profile))
	gotProfile, err := s.HostProfile(ctx, "node-1")
	require.NoError(t, err)
	assert.Equal(t, profile, gotProfile)

	vmProfile := VMProfile{AppTags: []string{"web", "frontend"}, DiskImages: []string{"ubuntu-24.04"}}
	require.NoError(t, s.SetVMProfile(ctx, "vm-1", vmProfile))
	gotVM, err := s.VMProfile(ctx, "vm-1")
	require.NoError(t, err)
	assert.Equal(t, vmProfile, gotVM)
}

func TestHistory(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	host := energy.NewHost(1, "node-1")
	vm := energy.NewVM(1, "vm-1")
	app := energy.NewApplication(1, "train", host)

	for i, p := range []float64{100, 200, 150} {
		ts := time.Unix(int64(i)*60, 0)
		require.NoError(t, s.WriteHostHistoricData(ctx, host, ts, energy.Power(p), energy.Energy(i)))

		sample := energy.NewLoadFractionSample(host, ts, energy.Power(10*i))
		sample.Add(vm, 0.25)
		sample.Add(app, 0.5)
		require.NoError(t, s.WriteHostLoadFraction(ctx, sample))
	}
	require.NoError(t, s.WriteHostHistoricData(ctx, energy.NewHost(2, "node-2"), time.Unix(0, 0), 1, 1))
	require.NoError(t, s.WriteHostLoadFraction(ctx, energy.NewLoadFractionSample(host, time.Unix(999, 0), 0)))

	records, err := s.HostHistory(ctx, host, nil)
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, energy.Power(200), records[1].Power)
	assert.Equal(t, int64(60), records[1].Time.Unix())

	period := energy.PeriodFromSeconds(60, 120)
	records, err = s.HostHistory(ctx, host, &period)
	require.NoError(t, err)
	assert.Len(t, records, 2)

	samples, err := s.HostLoadFractionHistory(ctx, host, nil)
	require.NoError(t, err)
	require.Len(t, samples, 3, "empty samples are not recorded")
	assert.Equal(t, energy.Power(20), samples[2].HostPowerOffset)
	f, ok := samples[1].Fraction(vm)
	require.True(t, ok)
	assert.Equal(t, 0.25, f)
	f, ok = samples[1].Fraction(app)
	require.True(t, ok)
	assert.Equal(t, 0.5, f)

	samples, err = s.HostLoadFractionHistory(ctx, host, &period)
	require.NoError(t, err)
	assert.Len(t, samples, 2)
}

func seedVMLoad(t *testing.T, s *Gorm) {
	t.Helper()
	ctx := context.Background()
	host := energy.NewHost(1, "node-1")

	web := energy.NewVM(0, "web-1")
	web.Created = time.Unix(0, 0)
	db := energy.NewVM(0, "db-1")
	db.Created = time.Unix(3600, 0)
	require.NoError(t, s.SetVMs(ctx, []*energy.VM{web, db}))
	require.NoError(t, s.SetVMProfile(ctx, "web-1", VMProfile{AppTags: []string{"web"}, DiskImages: []string{"ubuntu"}}))
	require.NoError(t, s.SetVMProfile(ctx, "db-1", VMProfile{AppTags: []string{"db"}, DiskImages: []string{"ubuntu"}}))

	// 1970-01-01 was a Thursday
	for _, r := range []struct {
		sec     int64
		web, db float64
	}{
		{sec: 3600, web: 0.2, db: 0.6},
		{sec: 5400, web: 0.4, db: 0.8},
		{sec: 7200, web: 0.6, db: 1.0},
	} {
		sample := energy.NewLoadFractionSample(host, time.Unix(r.sec, 0), 0)
		sample.Add(web, r.web)
		sample.Add(db, r.db)
		require.NoError(t, s.WriteHostLoadFraction(ctx, sample))
	}
}

func TestAverages(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	seedVMLoad(t, s)

	avg, err := s.AverageCPUUtilisationByTag(ctx, nil, "web")
	require.NoError(t, err)
	assert.InDelta(t, 0.4, avg, 1e-9)

	avg, err = s.AverageCPUUtilisationByTag(ctx, nil, "web", "db")
	require.NoError(t, err)
	assert.InDelta(t, 0.6, avg, 1e-9)

	period := energy.PeriodFromSeconds(5400, 7200)
	avg, err = s.AverageCPUUtilisationByDiskImage(ctx, &period, "ubuntu")
	require.NoError(t, err)
	assert.InDelta(t, 0.7, avg, 1e-9)

	avg, err = s.AverageCPUUtilisationByTag(ctx, nil, "batch")
	require.NoError(t, err)
	assert.Zero(t, avg)

	avg, err = s.AverageCPUUtilisationByTag(ctx, nil)
	require.NoError(t, err)
	assert.Zero(t, avg)
}

func TestTraces(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	seedVMLoad(t, s)

	weekly, err := s.WeeklyCPUTrace(ctx, TraceFilter{Tag: "web"}, nil)
	require.NoError(t, err)
	require.Len(t, weekly, 2)
	assert.Equal(t, WeeklyBucket{Day: time.Thursday, Hour: 1, Mean: 0.3, Samples: 2}, roundWeekly(weekly[0]))
	assert.Equal(t, WeeklyBucket{Day: time.Thursday, Hour: 2, Mean: 0.6, Samples: 1}, roundWeekly(weekly[1]))

	boot, err := s.BootRelativeCPUTrace(ctx, TraceFilter{Tag: "db"}, time.Hour)
	require.NoError(t, err)
	require.Len(t, boot, 2)
	assert.Equal(t, time.Duration(0), boot[0].Offset)
	assert.InDelta(t, 0.7, boot[0].Mean, 1e-9)
	assert.Equal(t, time.Hour, boot[1].Offset)
	assert.InDelta(t, 1.0, boot[1].Mean, 1e-9)

	byImage, err := s.BootRelativeCPUTrace(ctx, TraceFilter{DiskImage: "ubuntu"}, 2*time.Hour)
	require.NoError(t, err)
	assert.Len(t, byImage, 2)

	_, err = s.WeeklyCPUTrace(ctx, TraceFilter{}, nil)
	assert.ErrorIs(t, err, ErrInvalidFilter)
	_, err = s.WeeklyCPUTrace(ctx, TraceFilter{Tag: "web", DiskImage: "ubuntu"}, nil)
	assert.ErrorIs(t, err, ErrInvalidFilter)
	_, err = s.BootRelativeCPUTrace(ctx, TraceFilter{Tag: "web"}, 0)
	assert.Error(t, err)
}

func roundWeekly(b WeeklyBucket) WeeklyBucket {
	b.Mean = float64(int(b.Mean*1000+0.5)) / 1000
	return b
}

func TestReadOnly(t *testing.T) {
	ctx := context.Background()
	backing := newTestStore(t)
	host := energy.NewHost(1, "node-1")
	require.NoError(t, backing.SetHostCalibration(ctx, "node-1", []energy.CalibrationPoint{{CPU: 0, Power: 80}}))
	require.NoError(t, backing.WriteHostHistoricData(ctx, host, time.Unix(0, 0), 100, 0))

	ro := NewReadOnly(backing)
	sample := energy.NewLoadFractionSample(host, time.Unix(0, 0), 0)
	sample.Add(energy.NewVM(1, "vm-1"), 1)

	assert.NoError(t, ro.SetHosts(ctx, []*energy.Host{host}))
	assert.NoError(t, ro.SetVMs(ctx, []*energy.VM{energy.NewVM(1, "vm-1")}))
	assert.NoError(t, ro.SetHostCalibration(ctx, "node-1", nil))
	assert.NoError(t, ro.SetAccelerators(ctx, "node-1", []*energy.Accelerator{{Name: "gpu0"}}))
	assert.NoError(t, ro.SetHostProfile(ctx, "node-1", []energy.ProfilePoint{{Benchmark: "x"}}))
	assert.NoError(t, ro.SetVMProfile(ctx, "vm-1", VMProfile{AppTags: []string{"web"}}))
	assert.NoError(t, ro.WriteHostHistoricData(ctx, host, time.Unix(60, 0), 200, 1))
	assert.NoError(t, ro.WriteHostLoadFraction(ctx, sample))

	hosts, err := ro.Hosts(ctx)
	require.NoError(t, err)
	assert.Empty(t, hosts)
	vms, err := ro.VMs(ctx)
	require.NoError(t, err)
	assert.Empty(t, vms)
	cal, err := ro.HostCalibration(ctx, "node-1")
	require.NoError(t, err)
	assert.Len(t, cal, 1)
	accs, err := ro.Accelerators(ctx, "node-1")
	require.NoError(t, err)
	assert.Empty(t, accs)
	profile, err := ro.HostProfile(ctx, "node-1")
	require.NoError(t, err)
	assert.Empty(t, profile)
	vmProfile, err := ro.VMProfile(ctx, "vm-1")
	require.NoError(t, err)
	assert.Empty(t, vmProfile.AppTags)
	records, err := ro.HostHistory(ctx, host, nil)
	require.NoError(t, err)
	assert.Len(t, records, 1)
	samples, err := ro.HostLoadFractionHistory(ctx, host, nil)
	require.NoError(t, err)
	assert.Empty(t, samples)
}

func TestEnrich(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.SetHostCalibration(ctx, "node-1", []energy.CalibrationPoint{{CPU: 0, Power: 80}, {CPU: 1, Power: 200}}))
	require.NoError(t, s.SetAccelerators(ctx, "node-1", []*energy.Accelerator{{Name: "gpu0", Type: energy.GPU, Count: 1}}))
	require.NoError(t, s.SetHostProfile(ctx, "node-1", []energy.ProfilePoint{{Benchmark: "linpack", Score: 10}}))

	host := energy.NewHost(1, "node-1")
	require.NoError(t, Enrich(ctx, s, host))
	assert.True(t, host.IsCalibrated())
	assert.Equal(t, energy.Power(80), host.IdlePower())
	assert.Len(t, host.Accelerators, 1)
	assert.Len(t, host.Profile, 1)

	require.NoError(t, s.Close())
	assert.Error(t, Enrich(ctx, s, energy.NewHost(2, "node-2")))
}
