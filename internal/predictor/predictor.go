// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

// Package predictor fits power models to host calibration data and
// forecasts host power and energy with them.
package predictor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"time"

	"github.com/sustainable-computing-io/energy-modeller/internal/energy"
)

// Predictor forecasts the power and energy of hosts
type Predictor interface {
	Name() string

	// HostPower returns the predicted power of host at the given cpu load
	HostPower(host *energy.Host, usageCPU float64) energy.Power

	// HostEnergy predicts the energy host uses over period at the configured
	// default load
	HostEnergy(ctx context.Context, host *energy.Host, period energy.TimePeriod) (*energy.EnergyUsagePrediction, error)

	// Function returns the fitted function used for host, or a function with
	// maximal errors when none could be fitted
	Function(host *energy.Host) *energy.PredictorFunction

	SumOfSquareError(host *energy.Host) float64
	RootMeanSquareError(host *energy.Host) float64

	// Invalidate forgets every function fitted for the host
	Invalidate(hostName string)
}

// UtilisationSource reports measured utilisation of hosts
type UtilisationSource interface {
	// CPUUtilisation returns the mean cpu load of host in [0,1] over the last
	// window
	CPUUtilisation(ctx context.Context, host *energy.Host, window time.Duration) (float64, error)

	// AcceleratorUtilisation returns the current value of the accelerator
	// grouping parameter of host
	AcceleratorUtilisation(ctx context.Context, host *energy.Host) (float64, error)
}

// CPU predicts host power from cpu load with the best of its fitters
type CPU struct {
	name    string
	logger  *slog.Logger
	fitters []Fitter
	cache   *ModelCache

	defaultCPU  float64
	window      time.Duration
	utilisation UtilisationSource
}

var _ Predictor = (*CPU)(nil)

// NewCPU creates a predictor that picks, per host, the function with the
// lowest root mean square error among fitters
func NewCPU(name string, fitters []Fitter, applyOpts ...OptionFn) *CPU {
	opts := DefaultOpts()
	for _, apply := range applyOpts {
		apply(&opts)
	}
	cache := opts.cache
	if cache == nil {
		cache = NewModelCache(opts.cacheSize)
	}
	return &CPU{
		name:        name,
		logger:      opts.logger.With("service", "predictor", "predictor", name),
		fitters:     fitters,
		cache:       cache,
		defaultCPU:  opts.defaultCPU,
		window:      opts.window,
		utilisation: opts.utilisation,
	}
}

// NewLinear creates a predictor using a linear fit
func NewLinear(opts ...OptionFn) *CPU {
	return NewCPU(string(FamilyLinear), []Fitter{LinearFitter{}}, opts...)
}

// NewPolynomial creates a predictor using a quadratic fit
func NewPolynomial(opts ...OptionFn) *CPU {
	return NewCPU(string(FamilyPolynomial), []Fitter{PolynomialFitter{Degree: 2}}, opts...)
}

// NewSpline creates a predictor using a monotone spline fit
func NewSpline(opts ...OptionFn) *CPU {
	return NewCPU(string(FamilySpline), []Fitter{SplineFitter{}}, opts...)
}

// NewCPUBestFit creates a predictor choosing among linear, polynomial and
// spline fits per host
func NewCPUBestFit(opts ...OptionFn) *CPU {
	return NewCPU("best-fit", []Fitter{LinearFitter{}, PolynomialFitter{Degree: 2}, SplineFitter{}}, opts...)
}

func (p *CPU) Name() string {
	return p.name
}

func (p *CPU) Function(host *energy.Host) *energy.PredictorFunction {
	best := energy.NoFit()
	for _, f := range p.fitters {
		fn, err := p.cache.GetOrFit(host.Name, f.Family(), func() (*energy.PredictorFunction, error) {
			return f.Fit(host.Calibration)
		})
		if err != nil {
			p.logger.Debug("no fit", "host", host.Name, "family", f.Family(), "error", err)
			continue
		}
		if fn.RootMeanSquareError < best.RootMeanSquareError || !best.Fitted() {
			best = fn
		}
	}
	return best
}

func (p *CPU) SumOfSquareError(host *energy.Host) float64 {
	return p.Function(host).SumOfSquareError
}

func (p *CPU) RootMeanSquareError(host *energy.Host) float64 {
	return p.Function(host).RootMeanSquareError
}

func (p *CPU) HostPower(host *energy.Host, usageCPU float64) energy.Power {
	fn := p.Function(host)
	if !fn.Fitted() {
		return fallbackPower(host, usageCPU)
	}
	return energy.Power(max(fn.Func.Value(usageCPU), 0))
}

func (p *CPU) HostEnergy(ctx context.Context, host *energy.Host, period energy.TimePeriod) (*energy.EnergyUsagePrediction, error) {
	if err := period.Validate(); err != nil {
		return nil, err
	}
	power := p.HostPower(host, p.cpuUsage(ctx, host))
	return energy.NewPrediction(host, energy.EnergyOver(power, period.Duration()), period), nil
}

func (p *CPU) Invalidate(hostName string) {
	p.cache.Invalidate(hostName)
}

// cpuUsage is the configured default load, or the measured load when the
// default is MeasuredUsage
func (p *CPU) cpuUsage(ctx context.Context, host *energy.Host) float64 {
	if p.defaultCPU != MeasuredUsage {
		return p.defaultCPU
	}
	if p.utilisation == nil {
		p.logger.Warn("no utilisation source, assuming default load", "host", host.Name, "load", fallbackUsage)
		return fallbackUsage
	}
	usage, err := p.utilisation.CPUUtilisation(ctx, host, p.window)
	if err != nil || math.IsNaN(usage) {
		p.logger.Warn("failed to measure cpu utilisation, assuming default load",
			"host", host.Name, "load", fallbackUsage, "error", err)
		return fallbackUsage
	}
	return min(max(usage, 0), 1)
}

// fallbackPower interpolates between idle and max power for hosts without a
// fitted function
func fallbackPower(host *energy.Host, usageCPU float64) energy.Power {
	idle, peak := host.IdlePower(), host.MaxPower()
	return idle + (peak-idle)*energy.Power(usageCPU)
}

// Accelerator adds the power of a host's calibrated accelerator to a cpu
// predictor
type Accelerator struct {
	*CPU

	groupingParameter  string
	defaultAccelerator float64
	accelFuncs         map[string]MultiParameterFunction
}

var _ Predictor = (*Accelerator)(nil)

// NewAccelerator creates a best fit cpu predictor with an accelerator term
func NewAccelerator(applyOpts ...OptionFn) *Accelerator {
	opts := DefaultOpts()
	for _, apply := range applyOpts {
		apply(&opts)
	}
	cpu := NewCPUBestFit(applyOpts...)
	cpu.name = "accelerator"
	cpu.logger = opts.logger.With("service", "predictor", "predictor", cpu.name)
	return &Accelerator{
		CPU:                cpu,
		groupingParameter:  opts.groupingParameter,
		defaultAccelerator: opts.defaultAccelerator,
		accelFuncs:         opts.accelFuncs,
	}
}

func (p *Accelerator) HostPower(host *energy.Host, usageCPU float64) energy.Power {
	return p.hostPower(host, usageCPU, p.defaultAccelerator)
}

func (p *Accelerator) HostEnergy(ctx context.Context, host *energy.Host, period energy.TimePeriod) (*energy.EnergyUsagePrediction, error) {
	if err := period.Validate(); err != nil {
		return nil, err
	}
	power := p.hostPower(host, p.cpuUsage(ctx, host), p.acceleratorUsage(ctx, host))
	return energy.NewPrediction(host, energy.EnergyOver(power, period.Duration()), period), nil
}

func (p *Accelerator) hostPower(host *energy.Host, usageCPU, usageAcc float64) energy.Power {
	power := p.CPU.HostPower(host, usageCPU)
	acc, ok := host.CalibratedAccelerator()
	if !ok {
		return power
	}
	accPower, err := p.acceleratorPower(host, acc, usageCPU, usageAcc)
	if err != nil {
		p.logger.Warn("failed to predict accelerator power", "host", host.Name, "accelerator", acc.Name, "error", err)
		return power
	}
	return power + accPower
}

// acceleratorPower predicts the power of every device of acc. A negative
// usageAcc means the usage is unknown and the highest group is assumed.
func (p *Accelerator) acceleratorPower(host *energy.Host, acc *energy.Accelerator, usageCPU, usageAcc float64) (energy.Power, error) {
	count := float64(max(acc.Count, 1))

	if fn, ok := p.accelFuncs[acc.Name]; ok {
		v, err := fn.Predict(map[string]float64{
			"cpu":               usageCPU,
			p.groupingParameter: usageAcc,
		})
		if err != nil {
			return 0, err
		}
		return energy.Power(v * count), nil
	}

	fn, err := p.cache.GetOrFit(host.Name, FamilyBimodal, func() (*energy.PredictorFunction, error) {
		return FitBimodal(acc.Calibration, p.groupingParameter)
	})
	if err != nil {
		return 0, err
	}
	m, ok := fn.Func.(*BimodalModel)
	if !ok {
		return 0, fmt.Errorf("unexpected accelerator model %T", fn.Func)
	}
	if usageAcc < 0 {
		usageAcc = m.High()
	}
	return energy.Power(m.Value(usageAcc) * count), nil
}

func (p *Accelerator) acceleratorUsage(ctx context.Context, host *energy.Host) float64 {
	if p.defaultAccelerator != MeasuredUsage || p.utilisation == nil {
		return p.defaultAccelerator
	}
	usage, err := p.utilisation.AcceleratorUtilisation(ctx, host)
	if err != nil {
		p.logger.Warn("failed to measure accelerator utilisation", "host", host.Name, "error", err)
		return MeasuredUsage
	}
	return usage
}

// BestFit picks the cpu best fit predictor, or the accelerator predictor for
// hosts with a calibrated accelerator
type BestFit struct {
	cpu         *CPU
	accelerator *Accelerator
}

var _ Predictor = (*BestFit)(nil)

// NewBestFit creates a predictor that uses the cpu best fit for plain hosts
// and the accelerator predictor for hosts with a calibrated accelerator.
// Both share one model cache.
func NewBestFit(opts ...OptionFn) *BestFit {
	o := DefaultOpts()
	for _, apply := range opts {
		apply(&o)
	}
	if o.cache == nil {
		opts = append(slices.Clone(opts), WithCache(NewModelCache(o.cacheSize)))
	}
	return &BestFit{
		cpu:         NewCPUBestFit(opts...),
		accelerator: NewAccelerator(opts...),
	}
}

func (p *BestFit) pick(host *energy.Host) Predictor {
	if host.HasCalibratedAccelerator() {
		return p.accelerator
	}
	return p.cpu
}

func (p *BestFit) Name() string {
	return "best-fit"
}

func (p *BestFit) HostPower(host *energy.Host, usageCPU float64) energy.Power {
	return p.pick(host).HostPower(host, usageCPU)
}

func (p *BestFit) HostEnergy(ctx context.Context, host *energy.Host, period energy.TimePeriod) (*energy.EnergyUsagePrediction, error) {
	return p.pick(host).HostEnergy(ctx, host, period)
}

func (p *BestFit) Function(host *energy.Host) *energy.PredictorFunction {
	return p.pick(host).Function(host)
}

func (p *BestFit) SumOfSquareError(host *energy.Host) float64 {
	return p.pick(host).SumOfSquareError(host)
}

func (p *BestFit) RootMeanSquareError(host *energy.Host) float64 {
	return p.pick(host).RootMeanSquareError(host)
}

func (p *BestFit) Invalidate(hostName string) {
	p.cpu.Invalidate(hostName)
}

var constructors = map[string]func(...OptionFn) Predictor{
	string(FamilyLinear):     func(o ...OptionFn) Predictor { return NewLinear(o...) },
	string(FamilyPolynomial): func(o ...OptionFn) Predictor { return NewPolynomial(o...) },
	string(FamilySpline):     func(o ...OptionFn) Predictor { return NewSpline(o...) },
	"best-fit":               func(o ...OptionFn) Predictor { return NewBestFit(o...) },
	"accelerator":            func(o ...OptionFn) Predictor { return NewAccelerator(o...) },
}

// ErrUnknownPredictor is returned by New for unregistered names
var ErrUnknownPredictor = errors.New("unknown predictor")

// New creates the predictor registered as name
func New(name string, opts ...OptionFn) (Predictor, error) {
	c, ok := constructors[name]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownPredictor, name)
	}
	return c(opts...), nil
}

// Names returns the registered predictor names
func Names() []string {
	return []string{string(FamilyLinear), string(FamilyPolynomial), string(FamilySpline), "best-fit", "accelerator"}
}
