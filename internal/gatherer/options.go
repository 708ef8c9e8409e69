// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package gatherer

import (
	"log/slog"
	"time"

	"k8s.io/utils/clock"

	"github.com/sustainable-computing-io/energy-modeller/internal/disklog"
	"github.com/sustainable-computing-io/energy-modeller/internal/energy"
)

// Defaults of the tick loop
const (
	DefaultInterval       = 5 * time.Second
	DefaultFaultThreshold = 100
	DefaultCooldown       = 5 * time.Minute
)

// EntryLogger receives the disk log lines of a tick
type EntryLogger interface {
	Log(entries ...disklog.Entry)
}

// Invalidator drops models fitted for a host
type Invalidator interface {
	Invalidate(hostName string)
}

type Opts struct {
	logger             *slog.Logger
	clock              clock.WithTicker
	interval           time.Duration
	faultThreshold     int
	cooldown           time.Duration
	performGathering   bool
	overheadPerHost    energy.Power
	appStatus          []string
	vmLog              EntryLogger
	appLog             EntryLogger
	invalidator        Invalidator
	calibrationRefresh time.Duration
}

// DefaultOpts returns the default options
func DefaultOpts() Opts {
	return Opts{
		logger:           slog.Default(),
		clock:            clock.RealClock{},
		interval:         DefaultInterval,
		faultThreshold:   DefaultFaultThreshold,
		cooldown:         DefaultCooldown,
		performGathering: true,
	}
}

// OptionFn is a function sets one or more options in Opts struct
type OptionFn func(*Opts)

// WithLogger sets the logger for the Gatherer
func WithLogger(logger *slog.Logger) OptionFn {
	return func(o *Opts) {
		o.logger = logger
	}
}

// WithClock sets the clock the Gatherer waits on
func WithClock(c clock.WithTicker) OptionFn {
	return func(o *Opts) {
		o.clock = c
	}
}

// WithInterval sets the wait between ticks
func WithInterval(d time.Duration) OptionFn {
	return func(o *Opts) {
		o.interval = d
	}
}

// WithFaultThreshold sets how many outstanding faults pause the loop, and
// for how long
func WithFaultThreshold(threshold int, cooldown time.Duration) OptionFn {
	return func(o *Opts) {
		o.faultThreshold = threshold
		o.cooldown = cooldown
	}
}

// WithPerformGathering toggles writing to the store and disk logs
func WithPerformGathering(enabled bool) OptionFn {
	return func(o *Opts) {
		o.performGathering = enabled
	}
}

// WithOverheadPerHost adds a fixed power to the offset of every host
func WithOverheadPerHost(p energy.Power) OptionFn {
	return func(o *Opts) {
		o.overheadPerHost = p
	}
}

// WithApplicationStatus restricts tracked applications to the given statuses
func WithApplicationStatus(status ...string) OptionFn {
	return func(o *Opts) {
		o.appStatus = status
	}
}

// WithVMLog sets where vm disk log lines go
func WithVMLog(l EntryLogger) OptionFn {
	return func(o *Opts) {
		o.vmLog = l
	}
}

// WithApplicationLog sets where application disk log lines go
func WithApplicationLog(l EntryLogger) OptionFn {
	return func(o *Opts) {
		o.appLog = l
	}
}

// WithCalibrationRefresh re-reads the calibration of known hosts every d
// and invalidates the models of hosts whose calibration changed. 0 disables.
func WithCalibrationRefresh(d time.Duration, inv Invalidator) OptionFn {
	return func(o *Opts) {
		o.calibrationRefresh = d
		o.invalidator = inv
	}
}
