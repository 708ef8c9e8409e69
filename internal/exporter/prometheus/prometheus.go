// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package prometheus

import (
	"fmt"
	"log/slog"
	"maps"
	"net/http"
	"slices"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sustainable-computing-io/energy-modeller/config"
	"github.com/sustainable-computing-io/energy-modeller/internal/exporter/prometheus/collector"
	"github.com/sustainable-computing-io/energy-modeller/internal/gatherer"
	"github.com/sustainable-computing-io/energy-modeller/internal/service"
)

// APIRegistry is where the exporter mounts /metrics
type APIRegistry interface {
	Register(endpoint, summary, description string, handler http.Handler) error
}

// debugCollectors are the runtime collectors that can be enabled by name
var debugCollectors = map[string]func() prom.Collector{
	"go": func() prom.Collector { return collectors.NewGoCollector() },
	"process": func() prom.Collector {
		return collectors.NewProcessCollector(collectors.ProcessCollectorOpts{})
	},
}

// DebugCollectors lists the names accepted by WithDebugCollectors
func DebugCollectors() []string {
	return slices.Sorted(maps.Keys(debugCollectors))
}

type Opts struct {
	logger       *slog.Logger
	debug        []string
	collectors   map[string]prom.Collector
	metricsLevel config.Level
}

// DefaultOpts() returns a new Opts with defaults set
func DefaultOpts() Opts {
	return Opts{
		logger:       slog.Default(),
		debug:        []string{"go"},
		collectors:   map[string]prom.Collector{},
		metricsLevel: config.MetricsLevelAll,
	}
}

// OptionFn is a function sets one more more options in Opts struct
type OptionFn func(*Opts)

// WithLogger sets the logger for the exporter
func WithLogger(logger *slog.Logger) OptionFn {
	return func(o *Opts) {
		o.logger = logger
	}
}

// WithDebugCollectors replaces the enabled debug collectors
func WithDebugCollectors(names []string) OptionFn {
	return func(o *Opts) {
		o.debug = slices.Clone(names)
	}
}

func WithCollectors(c map[string]prom.Collector) OptionFn {
	return func(o *Opts) {
		o.collectors = c
	}
}

// WithMetricsLevel selects the metric families of the power collector
func WithMetricsLevel(level config.Level) OptionFn {
	return func(o *Opts) {
		o.metricsLevel = level
	}
}

// CreateCollectors returns the collectors exporting the data gathered by dp
func CreateCollectors(dp gatherer.DataProvider, applyOpts ...OptionFn) map[string]prom.Collector {
	opts := DefaultOpts()
	for _, apply := range applyOpts {
		apply(&opts)
	}
	return map[string]prom.Collector{
		"build_info": collector.NewBuildInfoCollector(),
		"power":      collector.NewPowerCollector(dp, opts.logger, opts.metricsLevel),
	}
}

// Exporter serves its collectors on /metrics from a private registry
type Exporter struct {
	logger     *slog.Logger
	registry   *prom.Registry
	server     APIRegistry
	debug      map[string]bool
	collectors map[string]prom.Collector
}

var _ service.Initializer = (*Exporter)(nil)

// NewExporter creates an exporter that registers /metrics on s during Init
func NewExporter(s APIRegistry, applyOpts ...OptionFn) *Exporter {
	opts := DefaultOpts()
	for _, apply := range applyOpts {
		apply(&opts)
	}

	debug := make(map[string]bool, len(opts.debug))
	for _, name := range opts.debug {
		debug[name] = true
	}

	return &Exporter{
		logger:     opts.logger.With("service", "prometheus"),
		registry:   prom.NewRegistry(),
		server:     s,
		debug:      debug,
		collectors: opts.collectors,
	}
}

// Name implements service.Name
func (e *Exporter) Name() string {
	return "prometheus"
}

func (e *Exporter) register(kind, name string, c prom.Collector) error {
	if err := e.registry.Register(c); err != nil {
		return fmt.Errorf("failed to register %s collector %s: %w", kind, name, err)
	}
	e.logger.Info("Enabled collector", "kind", kind, "collector", name)
	return nil
}

func (e *Exporter) Init() error {
	for _, name := range slices.Sorted(maps.Keys(e.debug)) {
		create, ok := debugCollectors[name]
		if !ok {
			return fmt.Errorf("unknown collector: %s", name)
		}
		if err := e.register("debug", name, create()); err != nil {
			return err
		}
	}

	for _, name := range slices.Sorted(maps.Keys(e.collectors)) {
		if err := e.register("energy", name, e.collectors[name]); err != nil {
			return err
		}
	}

	handler := promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		Registry:          e.registry,
		ErrorHandling:     promhttp.ContinueOnError,
		ErrorLog:          slog.NewLogLogger(e.logger.Handler(), slog.LevelError),
	})
	return e.server.Register("/metrics", "Metrics", "Prometheus metrics", handler)
}
