// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

// Package service runs the parts of the modeller that have a lifecycle
package service

import "context"

// Service is implemented by everything the composition root starts
type Service interface {
	Name() string
}

// Initializer is a Service that must be set up before anything runs
type Initializer interface {
	Service
	Init() error
}

// Runner is a Service that works in the background until its context is
// cancelled. Run blocks.
type Runner interface {
	Service
	Run(ctx context.Context) error
}

// Shutdowner is a Service holding resources to release on exit
type Shutdowner interface {
	Service
	Shutdown() error
}

// LiveChecker reports whether a Service is still working
type LiveChecker interface {
	Service
	IsLive() bool
}

// ReadyChecker reports whether a Service has data to serve
type ReadyChecker interface {
	Service
	IsReady() bool
}
