// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

// Package modeller answers current, forecast and historic energy queries for
// hosts and the workloads resident on them.
package modeller

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"k8s.io/utils/clock"

	"github.com/sustainable-computing-io/energy-modeller/internal/division"
	"github.com/sustainable-computing-io/energy-modeller/internal/energy"
	"github.com/sustainable-computing-io/energy-modeller/internal/predictor"
	"github.com/sustainable-computing-io/energy-modeller/internal/store"
	"github.com/sustainable-computing-io/energy-modeller/internal/telemetry"
)

// Store is the part of the persistent store the modeller reads
type Store interface {
	store.Calibration
	store.History
}

// Modeller composes telemetry, stored history, a predictor and a division
// rule into energy estimates. Methods log and return nil when an estimate
// can't be made.
type Modeller struct {
	logger    *slog.Logger
	clock     clock.PassiveClock
	telemetry telemetry.Source
	store     Store
	predictor predictor.Predictor
	overhead  *predictor.Overhead

	rule         division.Rule
	considerIdle bool
	lookback     time.Duration
	appStatus    []string
}

// New creates a Modeller. A nil overhead projects the measured power of
// general purpose nodes.
func New(src telemetry.Source, s Store, p predictor.Predictor, overhead *predictor.Overhead, applyOpts ...OptionFn) (*Modeller, error) {
	opts := DefaultOpts()
	for _, apply := range applyOpts {
		apply(&opts)
	}
	if !slices.Contains(division.Rules(), opts.rule) {
		return nil, fmt.Errorf("unknown division rule %q", opts.rule)
	}
	if src == nil || s == nil || p == nil {
		return nil, fmt.Errorf("modeller requires a telemetry source, a store and a predictor")
	}
	logger := opts.logger.With("service", "modeller")
	if overhead == nil {
		overhead = predictor.NewOverhead(src, 0, logger)
	}
	return &Modeller{
		logger:       logger,
		clock:        opts.clock,
		telemetry:    src,
		store:        s,
		predictor:    p,
		overhead:     overhead,
		rule:         opts.rule,
		considerIdle: opts.considerIdle,
		lookback:     opts.lookback,
		appStatus:    opts.appStatus,
	}, nil
}

// Predictor returns the predictor forecasts are made with
func (m *Modeller) Predictor() predictor.Predictor {
	return m.predictor
}

// Hosts lists the hosts known to telemetry with their calibration loaded
func (m *Modeller) Hosts(ctx context.Context) ([]*energy.Host, error) {
	hosts, err := m.telemetry.Hosts(ctx)
	if err != nil {
		return nil, err
	}
	for _, h := range hosts {
		if err := store.Enrich(ctx, m.store, h); err != nil {
			m.logger.Warn("failed to load host calibration", "host", h.Name, "error", err)
		}
	}
	return hosts, nil
}

// Host returns the host called name with its calibration loaded
func (m *Modeller) Host(ctx context.Context, name string) (*energy.Host, error) {
	h, err := m.telemetry.HostByName(ctx, name)
	if err != nil {
		return nil, err
	}
	if err := store.Enrich(ctx, m.store, h); err != nil {
		return nil, fmt.Errorf("error loading calibration of %s: %w", name, err)
	}
	return h, nil
}

// VM returns the vm called name together with the host it runs on
func (m *Modeller) VM(ctx context.Context, name string) (*energy.VM, *energy.Host, error) {
	vms, err := m.telemetry.VMs(ctx)
	if err != nil {
		return nil, nil, err
	}
	idx := slices.IndexFunc(vms, func(vm *energy.VM) bool { return vm.Name == name })
	if idx < 0 {
		return nil, nil, fmt.Errorf("vm %s: %w", name, telemetry.ErrNotFound)
	}
	vm := vms[idx]
	resolved, err := telemetry.ResolveHost(ctx, m.telemetry, vm.HostName(), vm.Name)
	if err != nil {
		return nil, nil, err
	}
	host, err := m.Host(ctx, resolved.Name)
	if err != nil {
		return nil, nil, err
	}
	vm.Host = host
	return vm, host, nil
}

// residents lists every workload on host
func (m *Modeller) residents(ctx context.Context, host *energy.Host) ([]energy.Source, error) {
	r, err := telemetry.ListResidents(ctx, m.telemetry, m.appStatus...)
	if err != nil {
		return nil, err
	}
	return r.Of(host.Name), nil
}

func (m *Modeller) validPeriod(period energy.TimePeriod, subject energy.Source) bool {
	if err := period.Validate(); err != nil {
		m.logger.Error("rejecting query", "subject", subject.ID(), "period", period, "error", err)
		return false
	}
	return true
}

// HostForecast predicts the energy host will use over period
func (m *Modeller) HostForecast(ctx context.Context, host *energy.Host, period energy.TimePeriod) *energy.EnergyUsagePrediction {
	if !m.validPeriod(period, host) {
		return nil
	}
	p, err := m.predictor.HostEnergy(ctx, host, period)
	if err != nil {
		m.logger.Error("failed to predict host energy", "host", host.Name, "error", err)
		return nil
	}
	return p
}

// Forecast predicts the energy subject will use over period. The host
// forecast is divided among coResident, subject included, and the general
// purpose overhead is amortized evenly across them.
func (m *Modeller) Forecast(ctx context.Context, subject energy.Source, coResident []energy.Source, host *energy.Host, period energy.TimePeriod) *energy.EnergyUsagePrediction {
	if !m.validPeriod(period, subject) {
		return nil
	}
	hostForecast := m.HostForecast(ctx, host, period)
	if hostForecast == nil {
		return nil
	}

	residents := slices.Clone(coResident)
	if !energy.ContainsSource(residents, subject) {
		residents = append(residents, subject)
	}

	sample := m.currentSample(ctx, host, residents)
	div, err := division.New(m.rule, host, sample,
		division.WithConsiderIdle(m.considerIdle),
		division.WithIdleScale(period.Hours()))
	if err != nil {
		m.logger.Error("failed to divide host forecast", "host", host.Name, "error", err)
		return nil
	}

	share := div.ShareOf(hostForecast.TotalEnergy.WattHours(), subject)
	share += m.overheadEnergy(ctx, period).WattHours() / float64(len(residents))
	return energy.NewPrediction(subject, energy.Energy(share), period)
}

// VMForecast predicts the energy of vm over period alongside every other
// workload on its host
func (m *Modeller) VMForecast(ctx context.Context, vm *energy.VM, host *energy.Host, period energy.TimePeriod) *energy.EnergyUsagePrediction {
	residents, err := m.residents(ctx, host)
	if err != nil {
		m.logger.Warn("failed to list residents, forecasting vm alone", "vm", vm.Name, "error", err)
	}
	return m.Forecast(ctx, vm, residents, host, period)
}

func (m *Modeller) overheadEnergy(ctx context.Context, period energy.TimePeriod) energy.Energy {
	nodes, err := m.telemetry.GeneralPurposeNodes(ctx)
	if err != nil {
		m.logger.Warn("failed to list general purpose nodes", "error", err)
	}
	p, err := m.overhead.Predict(ctx, nodes, period)
	if err != nil {
		return 0
	}
	return p.TotalEnergy
}

// currentSample reads the load fractions of residents from telemetry. When
// they can't be read every resident is weighted equally.
func (m *Modeller) currentSample(ctx context.Context, host *energy.Host, residents []energy.Source) energy.LoadFractionSample {
	if m.rule == division.RuleEven {
		return evenSample(host, m.clock.Now(), residents)
	}

	hostMs, err := m.telemetry.HostMeasurements(ctx, []*energy.Host{host})
	if err != nil || len(hostMs) == 0 {
		m.logger.Warn("no host measurement, dividing evenly", "host", host.Name, "error", err)
		return evenSample(host, m.clock.Now(), residents)
	}
	usage, err := telemetry.ResidentMeasurements(ctx, m.telemetry, residents)
	if err != nil {
		m.logger.Warn("no resident measurements, dividing evenly", "host", host.Name, "error", err)
		return evenSample(host, hostMs[0].Time, residents)
	}
	return telemetry.LoadFractionSample(host, hostMs[0], residents, usage, 0)
}

func evenSample(host *energy.Host, t time.Time, residents []energy.Source) energy.LoadFractionSample {
	sample := energy.NewLoadFractionSample(host, t, 0)
	for _, r := range residents {
		sample.Add(r, 1)
	}
	return sample
}

// latestSample is the most recent stored load fraction sample of host within
// the lookback window
func (m *Modeller) latestSample(ctx context.Context, host *energy.Host) (energy.LoadFractionSample, bool) {
	now := m.clock.Now()
	period := energy.NewTimePeriod(now.Add(-m.lookback), now)
	samples, err := m.store.HostLoadFractionHistory(ctx, host, &period)
	if err != nil {
		m.logger.Warn("failed to read load fraction history", "host", host.Name, "error", err)
		return energy.LoadFractionSample{}, false
	}
	if len(samples) == 0 {
		return energy.LoadFractionSample{}, false
	}
	return samples[len(samples)-1], true
}

// CurrentHostUsage returns the power host draws now
func (m *Modeller) CurrentHostUsage(ctx context.Context, host *energy.Host) *energy.CurrentUsage {
	u, err := m.telemetry.CurrentEnergyUsage(ctx, host)
	if err != nil {
		m.logger.Warn("failed to read current host power", "host", host.Name, "error", err)
		return nil
	}
	return &u
}

// CurrentVMUsage divides the current power of the host of vm using the
// latest recorded load fractions
func (m *Modeller) CurrentVMUsage(ctx context.Context, vm *energy.VM) *energy.CurrentUsage {
	return m.currentShare(ctx, vm, vm.HostName(), vm.Name)
}

// CurrentApplicationUsage is CurrentVMUsage for an application
func (m *Modeller) CurrentApplicationUsage(ctx context.Context, app *energy.Application) *energy.CurrentUsage {
	return m.currentShare(ctx, app, app.HostName(), app.Name)
}

func (m *Modeller) currentShare(ctx context.Context, subject energy.Source, hostName, name string) *energy.CurrentUsage {
	host, err := telemetry.ResolveHost(ctx, m.telemetry, hostName, name)
	if err != nil {
		m.logger.Warn("failed to resolve host", "subject", name, "error", err)
		return nil
	}
	if err := store.Enrich(ctx, m.store, host); err != nil {
		m.logger.Warn("failed to load host calibration", "host", host.Name, "error", err)
	}
	usage := m.CurrentHostUsage(ctx, host)
	if usage == nil {
		return nil
	}

	sample, ok := m.latestSample(ctx, host)
	if !ok || !sample.Contains(subject) {
		residents, err := m.residents(ctx, host)
		if err != nil {
			m.logger.Warn("failed to list residents", "host", host.Name, "error", err)
		}
		if !energy.ContainsSource(residents, subject) {
			residents = append(residents, subject)
		}
		sample = m.currentSample(ctx, host, residents)
	}

	div, err := division.New(m.rule, host, sample, division.WithConsiderIdle(m.considerIdle))
	if err != nil {
		m.logger.Error("failed to divide host power", "host", host.Name, "error", err)
		return nil
	}
	total := usage.Power + sample.HostPowerOffset
	return &energy.CurrentUsage{
		Subject: subject,
		Time:    usage.Time,
		Power:   energy.Power(div.ShareOf(total.Watts(), subject)),
	}
}

// HistoricHostEnergy integrates the recorded power of host over period
func (m *Modeller) HistoricHostEnergy(ctx context.Context, host *energy.Host, period energy.TimePeriod) *energy.EnergyUsagePrediction {
	if !m.validPeriod(period, host) {
		return nil
	}
	records, err := m.store.HostHistory(ctx, host, &period)
	if err != nil {
		m.logger.Error("failed to read host history", "host", host.Name, "error", err)
		return nil
	}
	return energy.NewPrediction(host, division.IntegrateHostEnergy(records), period)
}

// HistoricSourceEnergy attributes the recorded energy of host over period to
// target using the recorded load fractions
func (m *Modeller) HistoricSourceEnergy(ctx context.Context, host *energy.Host, target energy.Source, period energy.TimePeriod) *energy.EnergyUsagePrediction {
	if !m.validPeriod(period, target) {
		return nil
	}
	records, err := m.store.HostHistory(ctx, host, &period)
	if err != nil {
		m.logger.Error("failed to read host history", "host", host.Name, "error", err)
		return nil
	}
	samples, err := m.store.HostLoadFractionHistory(ctx, host, &period)
	if err != nil {
		m.logger.Error("failed to read load fraction history", "host", host.Name, "error", err)
		return nil
	}
	h := division.NewHistoric(host, records, samples, division.WithConsiderIdle(m.considerIdle))
	return energy.NewPrediction(target, h.EnergyFor(target), period)
}
