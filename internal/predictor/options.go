// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package predictor

import (
	"log/slog"
	"time"
)

// MeasuredUsage is the value of DefaultCPU and DefaultAccelerator that
// selects measured rather than assumed usage
const MeasuredUsage = -1.0

// fallbackUsage is assumed when measured usage is unavailable
const fallbackUsage = 0.5

type Opts struct {
	logger             *slog.Logger
	cache              *ModelCache
	cacheSize          int
	defaultCPU         float64
	defaultAccelerator float64
	window             time.Duration
	groupingParameter  string
	utilisation        UtilisationSource
	accelFuncs         map[string]MultiParameterFunction
}

// DefaultOpts returns the options of a predictor assuming half cpu load
func DefaultOpts() Opts {
	return Opts{
		logger:             slog.Default(),
		cacheSize:          DefaultCacheSize,
		defaultCPU:         fallbackUsage,
		defaultAccelerator: MeasuredUsage,
		window:             10 * time.Minute,
		groupingParameter:  "clock",
		accelFuncs:         map[string]MultiParameterFunction{},
	}
}

// OptionFn is a function sets one more more options in Opts struct
type OptionFn func(*Opts)

// WithLogger sets the logger of the predictor
func WithLogger(logger *slog.Logger) OptionFn {
	return func(o *Opts) {
		o.logger = logger
	}
}

// WithCache shares a model cache between predictors
func WithCache(c *ModelCache) OptionFn {
	return func(o *Opts) {
		o.cache = c
	}
}

// WithCacheSize sets the size of the model cache created by the predictor.
// It has no effect together with WithCache.
func WithCacheSize(size int) OptionFn {
	return func(o *Opts) {
		o.cacheSize = size
	}
}

// WithDefaultCPU sets the cpu load assumed for forecasts; MeasuredUsage
// queries the utilisation source instead
func WithDefaultCPU(usage float64) OptionFn {
	return func(o *Opts) {
		o.defaultCPU = usage
	}
}

// WithDefaultAccelerator sets the accelerator usage assumed for forecasts;
// MeasuredUsage queries the utilisation source instead
func WithDefaultAccelerator(usage float64) OptionFn {
	return func(o *Opts) {
		o.defaultAccelerator = usage
	}
}

// WithWindow sets the observation window of measured cpu usage
func WithWindow(d time.Duration) OptionFn {
	return func(o *Opts) {
		o.window = d
	}
}

// WithGroupingParameter sets the accelerator calibration parameter that the
// bimodal model groups by
func WithGroupingParameter(name string) OptionFn {
	return func(o *Opts) {
		o.groupingParameter = name
	}
}

// WithUtilisationSource sets where measured usage comes from
func WithUtilisationSource(src UtilisationSource) OptionFn {
	return func(o *Opts) {
		o.utilisation = src
	}
}

// WithAcceleratorFunction registers a multi parameter model for the
// accelerator called name, used in place of the bimodal model
func WithAcceleratorFunction(name string, fn MultiParameterFunction) OptionFn {
	return func(o *Opts) {
		o.accelFuncs[name] = fn
	}
}
