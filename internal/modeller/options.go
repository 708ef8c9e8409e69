// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package modeller

import (
	"log/slog"
	"time"

	"k8s.io/utils/clock"

	"github.com/sustainable-computing-io/energy-modeller/internal/division"
)

// Opts for a Modeller
type Opts struct {
	logger       *slog.Logger
	clock        clock.PassiveClock
	rule         division.Rule
	considerIdle bool
	lookback     time.Duration
	appStatus    []string
}

// DefaultOpts returns the default options
func DefaultOpts() Opts {
	return Opts{
		logger:   slog.Default(),
		clock:    clock.RealClock{},
		rule:     division.RuleLoadFraction,
		lookback: 10 * time.Minute,
	}
}

// OptionFn sets one or more options in Opts
type OptionFn func(*Opts)

func WithLogger(logger *slog.Logger) OptionFn {
	return func(o *Opts) {
		o.logger = logger
	}
}

func WithClock(c clock.PassiveClock) OptionFn {
	return func(o *Opts) {
		o.clock = c
	}
}

// WithDivisionRule sets the rule used to split current and forecast host
// energy among residents
func WithDivisionRule(rule division.Rule) OptionFn {
	return func(o *Opts) {
		o.rule = rule
	}
}

// WithConsiderIdle grants every resident an equal part of the host's idle
// power before the rest is divided
func WithConsiderIdle(considerIdle bool) OptionFn {
	return func(o *Opts) {
		o.considerIdle = considerIdle
	}
}

// WithLookback sets how old the latest stored load fraction sample may be
// before the current one is read from telemetry instead
func WithLookback(d time.Duration) OptionFn {
	return func(o *Opts) {
		o.lookback = d
	}
}

// WithApplicationStatus restricts residents to applications in one of the
// given statuses
func WithApplicationStatus(status ...string) OptionFn {
	return func(o *Opts) {
		o.appStatus = status
	}
}
