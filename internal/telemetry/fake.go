// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"math/rand"
	"slices"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/sustainable-computing-io/energy-modeller/internal/energy"
)

// NOTE: Fake is an in-memory source for tests and local development. It is
// not intended to be used in production.
type Fake struct {
	logger *slog.Logger
	clock  clock.PassiveClock

	mu    sync.RWMutex
	hosts map[string]*energy.Host
	nodes map[string]*energy.GeneralPurposeNode
	vms   map[string]*energy.VM
	apps  map[string]*energy.Application

	measurements map[energy.SourceKey]Measurement
	observed     map[string][]energy.Power // host -> every power reading seen
	cpu          map[string]float64
	accelerator  map[string]float64
	err          error

	// synthetic generates fresh host and vm measurements on every read
	synthetic bool
	seedHosts int
	seedVMs   int
	rand      *rand.Rand
}

var _ Source = (*Fake)(nil)

// FakeOptFn is a functional option for configuring Fake
type FakeOptFn func(*Fake)

// WithFakeClock sets the clock used to timestamp synthetic measurements
func WithFakeClock(c clock.PassiveClock) FakeOptFn {
	return func(f *Fake) {
		f.clock = c
	}
}

// WithFakeLogger sets the logger of the fake source
func WithFakeLogger(l *slog.Logger) FakeOptFn {
	return func(f *Fake) {
		f.logger = l.With("source", f.Name())
	}
}

// WithSyntheticCluster seeds the source with hosts, each running vmsPerHost
// VMs, and makes it generate random measurements on every read
func WithSyntheticCluster(hosts, vmsPerHost int) FakeOptFn {
	return func(f *Fake) {
		f.synthetic = true
		f.seedHosts = hosts
		f.seedVMs = vmsPerHost
	}
}

func (f *Fake) seed() {
	for i := range f.seedHosts {
		h := energy.NewHost(i+1, fmt.Sprintf("host-%d", i+1))
		_ = h.SetCapacity(16, 65536, 500)
		h.Calibration = []energy.CalibrationPoint{
			{CPU: 0, Memory: 0, Power: 80},
			{CPU: 0.5, Memory: 0.5, Power: 150},
			{CPU: 1, Memory: 1, Power: 200},
		}
		f.hosts[h.Name] = h
		for j := range f.seedVMs {
			vm := energy.NewVM(i*f.seedVMs+j+1, fmt.Sprintf("vm-%d_%s", j+1, h.Name))
			vm.Host = h
			vm.Created = f.clock.Now()
			f.vms[vm.Name] = vm
		}
	}
}

// NewFake creates an empty fake source
func NewFake(opts ...FakeOptFn) *Fake {
	f := &Fake{
		logger:       slog.Default().With("source", "fake"),
		clock:        clock.RealClock{},
		hosts:        map[string]*energy.Host{},
		nodes:        map[string]*energy.GeneralPurposeNode{},
		vms:          map[string]*energy.VM{},
		apps:         map[string]*energy.Application{},
		measurements: map[energy.SourceKey]Measurement{},
		observed:     map[string][]energy.Power{},
		cpu:          map[string]float64{},
		accelerator:  map[string]float64{},
		rand:         rand.New(rand.NewSource(42)),
	}
	for _, opt := range opts {
		opt(f)
	}
	f.seed()
	return f
}

func (f *Fake) Name() string {
	return "fake"
}

// AddHost makes h discoverable
func (f *Fake) AddHost(h *energy.Host) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hosts[h.Name] = h
}

// RemoveHost makes the host called name undiscoverable
func (f *Fake) RemoveHost(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.hosts, name)
}

// AddGeneralPurposeNode makes n discoverable
func (f *Fake) AddGeneralPurposeNode(n *energy.GeneralPurposeNode) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nodes[n.Name] = n
}

// AddVM makes vm discoverable
func (f *Fake) AddVM(vm *energy.VM) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.vms[vm.Name] = vm
}

// RemoveVM makes the vm called name undiscoverable
func (f *Fake) RemoveVM(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.vms, name)
}

// AddApplication makes app discoverable
func (f *Fake) AddApplication(app *energy.Application) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.apps[app.Name] = app
}

// SetMeasurement sets the latest measurement of src
func (f *Fake) SetMeasurement(src energy.Source, t time.Time, metrics map[string]float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.setMeasurement(src, t, metrics)
}

func (f *Fake) setMeasurement(src energy.Source, t time.Time, metrics map[string]float64) {
	f.measurements[energy.KeyOf(src)] = Measurement{Entity: src.ID(), Time: t, Metrics: maps.Clone(metrics)}
	if p, ok := metrics[MetricPower]; ok {
		f.observed[src.ID()] = append(f.observed[src.ID()], energy.Power(p))
	}
}

// SetCPUUtilisation sets the windowed cpu utilisation of the host called name
func (f *Fake) SetCPUUtilisation(name string, usage float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cpu[name] = usage
}

// SetAcceleratorUtilisation sets the accelerator usage of the host called name
func (f *Fake) SetAcceleratorUtilisation(name string, usage float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accelerator[name] = usage
}

// SetError makes every call fail with err until it is cleared with nil
func (f *Fake) SetError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *Fake) failure() error {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.err
}

func sortedValues[V any](m map[string]V) []V {
	keys := slices.Sorted(maps.Keys(m))
	values := make([]V, len(keys))
	for i, k := range keys {
		values[i] = m[k]
	}
	return values
}

func (f *Fake) Hosts(_ context.Context) ([]*energy.Host, error) {
	if err := f.failure(); err != nil {
		return nil, err
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	return sortedValues(f.hosts), nil
}

func (f *Fake) VMs(_ context.Context) ([]*energy.VM, error) {
	if err := f.failure(); err != nil {
		return nil, err
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	return sortedValues(f.vms), nil
}

func (f *Fake) Applications(_ context.Context, status ...string) ([]*energy.Application, error) {
	if err := f.failure(); err != nil {
		return nil, err
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	return filterStatus(sortedValues(f.apps), status), nil
}

func (f *Fake) GeneralPurposeNodes(_ context.Context) ([]*energy.GeneralPurposeNode, error) {
	if err := f.failure(); err != nil {
		return nil, err
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	return sortedValues(f.nodes), nil
}

func (f *Fake) HostByName(_ context.Context, name string) (*energy.Host, error) {
	if err := f.failure(); err != nil {
		return nil, err
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	if h, ok := f.hosts[name]; ok {
		return h, nil
	}
	return nil, fmt.Errorf("host %s: %w", name, ErrNotFound)
}

func (f *Fake) HostMeasurements(_ context.Context, hosts []*energy.Host) ([]Measurement, error) {
	if err := f.failure(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.synthetic {
		for _, h := range hosts {
			f.synthesizeHost(h)
		}
	}
	return f.lookup(hostSources(hosts)), nil
}

func (f *Fake) VMMeasurements(_ context.Context, vms []*energy.VM) ([]Measurement, error) {
	if err := f.failure(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	sources := make([]energy.Source, len(vms))
	for i, vm := range vms {
		sources[i] = vm
		if f.synthetic {
			f.setMeasurement(vm, f.clock.Now(), map[string]float64{
				MetricCPUSpotUsage: f.rand.Float64() * 100 / float64(max(len(vms), 1)),
			})
		}
	}
	return f.lookup(sources), nil
}

func (f *Fake) ApplicationMeasurements(_ context.Context, apps []*energy.Application) ([]Measurement, error) {
	if err := f.failure(); err != nil {
		return nil, err
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	sources := make([]energy.Source, len(apps))
	for i, app := range apps {
		sources[i] = app
	}
	return f.lookup(sources), nil
}

// synthesizeHost draws a random load and derives power from the host's
// calibration. Energy accumulates from the previous reading.
func (f *Fake) synthesizeHost(h *energy.Host) {
	now := f.clock.Now()
	load := f.rand.Float64()
	power := h.IdlePower() + (h.MaxPower()-h.IdlePower())*energy.Power(load)

	total := 0.0
	if prev, ok := f.measurements[energy.KeyOf(h)]; ok {
		total = prev.Metrics[MetricEnergy] + energy.EnergyOver(power, now.Sub(prev.Time)).WattHours()
	}
	f.setMeasurement(h, now, map[string]float64{
		MetricPower:          power.Watts(),
		MetricEnergy:         total,
		MetricCPUSpotUsage:   load * 100,
		MetricCPUIdlePercent: (1 - load) * 100,
		MetricMemoryTotal:    float64(h.RAMMb),
	})
}

func hostSources(hosts []*energy.Host) []energy.Source {
	sources := make([]energy.Source, len(hosts))
	for i, h := range hosts {
		sources[i] = h
	}
	return sources
}

func (f *Fake) lookup(sources []energy.Source) []Measurement {
	ret := make([]Measurement, 0, len(sources))
	for _, s := range sources {
		if m, ok := f.measurements[energy.KeyOf(s)]; ok {
			ret = append(ret, m)
		}
	}
	return ret
}

func (f *Fake) latest(host *energy.Host) (Measurement, error) {
	m, ok := f.measurements[energy.KeyOf(host)]
	if !ok {
		return Measurement{}, fmt.Errorf("host %s: %w", host.Name, ErrNoData)
	}
	return m, nil
}

func (f *Fake) CurrentEnergyUsage(_ context.Context, host *energy.Host) (energy.CurrentUsage, error) {
	if err := f.failure(); err != nil {
		return energy.CurrentUsage{}, err
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	m, err := f.latest(host)
	if err != nil {
		return energy.CurrentUsage{}, err
	}
	return energy.CurrentUsage{Subject: host, Time: m.Time, Power: energy.Power(m.Metrics[MetricPower])}, nil
}

func (f *Fake) observedPower(host *energy.Host, pick func([]energy.Power) energy.Power) (energy.Power, error) {
	if err := f.failure(); err != nil {
		return 0, err
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	seen := f.observed[host.Name]
	if len(seen) == 0 {
		return 0, fmt.Errorf("host %s: %w", host.Name, ErrNoData)
	}
	return pick(seen), nil
}

func (f *Fake) LowestObservedPower(_ context.Context, host *energy.Host) (energy.Power, error) {
	return f.observedPower(host, func(p []energy.Power) energy.Power { return slices.Min(p) })
}

func (f *Fake) HighestObservedPower(_ context.Context, host *energy.Host) (energy.Power, error) {
	return f.observedPower(host, func(p []energy.Power) energy.Power { return slices.Max(p) })
}

func (f *Fake) CPUUtilisation(_ context.Context, host *energy.Host, _ time.Duration) (float64, error) {
	if err := f.failure(); err != nil {
		return 0, err
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	if u, ok := f.cpu[host.Name]; ok {
		return u, nil
	}
	m, err := f.latest(host)
	if err != nil {
		return 0, err
	}
	usage, ok := m.Value(MetricCPUSpotUsage)
	if !ok {
		return 0, fmt.Errorf("host %s cpu usage: %w", host.Name, ErrNoData)
	}
	return usage / 100, nil
}

func (f *Fake) AcceleratorUtilisation(_ context.Context, host *energy.Host) (float64, error) {
	if err := f.failure(); err != nil {
		return 0, err
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	if u, ok := f.accelerator[host.Name]; ok {
		return u, nil
	}
	m, err := f.latest(host)
	if err != nil {
		return 0, err
	}
	usage, ok := m.Value(MetricGPUUsage)
	if !ok {
		return 0, fmt.Errorf("host %s accelerator usage: %w", host.Name, ErrNoData)
	}
	return usage, nil
}
