// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"fmt"
	"log/slog"
	"time"

	"k8s.io/utils/clock"
)

// Names of the sources New can create
const (
	SourcePrometheus = "prometheus"
	SourceFake       = "fake"
	SourceHybrid     = "hybrid"
)

// Settings carries everything a source may need to be constructed
type Settings struct {
	Logger *slog.Logger
	Clock  clock.WithTicker

	PrometheusURL       string
	QueryTimeout        time.Duration
	HistoryWindow       time.Duration
	GeneralPurposeNodes []string

	FakeHosts      int
	FakeVMsPerHost int

	// HybridHosts and HybridWorkloads name the sources a hybrid merges
	HybridHosts     string
	HybridWorkloads string
}

type constructor func(Settings) (Source, error)

var constructors map[string]constructor

func init() {
	constructors = map[string]constructor{
		SourcePrometheus: newPrometheusFrom,
		SourceFake:       newFakeFrom,
		SourceHybrid:     newHybridFrom,
	}
}

// New creates the source registered as name
func New(name string, s Settings) (Source, error) {
	c, ok := constructors[name]
	if !ok {
		return nil, fmt.Errorf("unknown telemetry source %q", name)
	}
	if s.Logger == nil {
		s.Logger = slog.Default()
	}
	if s.Clock == nil {
		s.Clock = clock.RealClock{}
	}
	return c(s)
}

func newPrometheusFrom(s Settings) (Source, error) {
	if s.PrometheusURL == "" {
		return nil, fmt.Errorf("prometheus source requires a url")
	}
	opts := []PrometheusOptFn{
		WithPrometheusLogger(s.Logger),
		WithPrometheusClock(s.Clock),
		WithGeneralPurposeNodes(s.GeneralPurposeNodes...),
	}
	if s.QueryTimeout > 0 {
		opts = append(opts, WithQueryTimeout(s.QueryTimeout))
	}
	if s.HistoryWindow > 0 {
		opts = append(opts, WithHistoryWindow(s.HistoryWindow))
	}
	return NewPrometheus(s.PrometheusURL, opts...)
}

func newFakeFrom(s Settings) (Source, error) {
	return NewFake(
		WithFakeLogger(s.Logger),
		WithFakeClock(s.Clock),
		WithSyntheticCluster(s.FakeHosts, s.FakeVMsPerHost),
	), nil
}

func newHybridFrom(s Settings) (Source, error) {
	if s.HybridHosts == SourceHybrid || s.HybridWorkloads == SourceHybrid {
		return nil, fmt.Errorf("hybrid source can't contain another hybrid source")
	}
	hosts, err := New(s.HybridHosts, s)
	if err != nil {
		return nil, fmt.Errorf("hybrid hosts: %w", err)
	}
	workloads, err := New(s.HybridWorkloads, s)
	if err != nil {
		return nil, fmt.Errorf("hybrid workloads: %w", err)
	}
	return NewHybrid(hosts, workloads), nil
}
