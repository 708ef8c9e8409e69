// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"syscall"

	"github.com/alecthomas/kingpin/v2"
	"k8s.io/utils/clock"
	"k8s.io/utils/ptr"

	"github.com/sustainable-computing-io/energy-modeller/config"
	"github.com/sustainable-computing-io/energy-modeller/internal/disklog"
	"github.com/sustainable-computing-io/energy-modeller/internal/division"
	"github.com/sustainable-computing-io/energy-modeller/internal/energy"
	"github.com/sustainable-computing-io/energy-modeller/internal/exporter/prometheus"
	"github.com/sustainable-computing-io/energy-modeller/internal/exporter/stdout"
	"github.com/sustainable-computing-io/energy-modeller/internal/gatherer"
	"github.com/sustainable-computing-io/energy-modeller/internal/logger"
	"github.com/sustainable-computing-io/energy-modeller/internal/modeller"
	"github.com/sustainable-computing-io/energy-modeller/internal/predictor"
	"github.com/sustainable-computing-io/energy-modeller/internal/server"
	"github.com/sustainable-computing-io/energy-modeller/internal/service"
	"github.com/sustainable-computing-io/energy-modeller/internal/store"
	"github.com/sustainable-computing-io/energy-modeller/internal/telemetry"
	"github.com/sustainable-computing-io/energy-modeller/internal/version"
)

func main() {
	cfg, err := parseArgsAndConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Log.Level, cfg.Log.Format, logger.Output(cfg.Log.Output))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logVersionInfo(log)
	printConfigInfo(log, cfg)

	services, cleanup, err := createServices(log, cfg)
	if err != nil {
		log.Error("failed to create services", "error", err)
		os.Exit(1)
	}
	defer cleanup()

	if err := service.Init(log, services); err != nil {
		log.Error("failed to initialize services", "error", err)
		cleanup()
		os.Exit(1)
	}

	log.Info("Starting energy modeller")
	if err := service.Run(context.Background(), log, services); err != nil {
		log.Error("energy modeller terminated with an error", "error", err)
		cleanup()
		os.Exit(1)
	}
	log.Info("Graceful shutdown completed")
}

func logVersionInfo(logger *slog.Logger) {
	v := version.Info()
	logger.Info("Energy modeller version information",
		"version", v.Version,
		"buildTime", v.BuildTime,
		"gitBranch", v.GitBranch,
		"gitCommit", v.GitCommit,
		"goVersion", v.GoVersion,
		"goOS", v.GoOS,
		"goArch", v.GoArch,
	)
}

// parseArgsAndConfig layers the config files in the order given and applies
// command line flags last
func parseArgsAndConfig() (*config.Config, error) {
	const appName = "energy-modeller"
	app := kingpin.New(appName, "Energy accounting and prediction for hosts, virtual machines and applications.")
	app.Version(version.Info().String())

	configFiles := app.Flag("config.file", "Path to a YAML configuration file; repeat to layer files").Strings()
	updateConfig := config.RegisterFlags(app)
	kingpin.MustParse(app.Parse(os.Args[1:]))

	b := &config.Builder{}
	for _, f := range *configFiles {
		b.MergeFile(f)
	}
	cfg, err := b.Build()
	if err != nil {
		return nil, fmt.Errorf("error loading configuration: %w", err)
	}

	if err := updateConfig(cfg); err != nil {
		return nil, fmt.Errorf("error applying command line flags: %w", err)
	}
	return cfg, nil
}

func printConfigInfo(logger *slog.Logger, cfg *config.Config) {
	if !logger.Enabled(context.Background(), slog.LevelInfo) || cfg.Log.Format == "json" {
		return
	}

	fmt.Printf(`
Configuration
━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━
%s
━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━
`, cfg)
}

func openStore(logger *slog.Logger, cfg *config.Config) (store.Store, error) {
	g, err := store.NewGorm(cfg.Store.Driver, cfg.Store.DSN, logger)
	if err != nil {
		return nil, err
	}
	if cfg.IsReadOnly() {
		logger.Info("Store is read only", "driver", cfg.Store.Driver)
		return store.NewReadOnly(g), nil
	}
	return g, nil
}

func createPredictor(logger *slog.Logger, cfg *config.Config, src telemetry.Source) (predictor.Predictor, error) {
	p := cfg.Predictor
	return predictor.New(p.Name,
		predictor.WithLogger(logger),
		predictor.WithCache(predictor.NewModelCache(p.CacheSize)),
		predictor.WithDefaultCPU(p.DefaultCPU),
		predictor.WithDefaultAccelerator(p.DefaultAccelerator),
		predictor.WithWindow(p.Window),
		predictor.WithGroupingParameter(p.GroupingParameter),
		predictor.WithUtilisationSource(src),
	)
}

func diskLogOpts(logger *slog.Logger, cfg *config.Config) []disklog.OptionFn {
	d := cfg.DiskLog
	return []disklog.OptionFn{
		disklog.WithLogger(logger),
		disklog.WithRotation(d.MaxSizeMB, d.MaxBackups, d.MaxAgeDays, ptr.Deref(d.Compress, false)),
	}
}

// createServices wires every component. cleanup releases what no service
// owns and is safe to call more than once.
func createServices(logger *slog.Logger, cfg *config.Config) ([]service.Service, func(), error) {
	logger.Debug("Creating all services")
	noop := func() {}

	t := cfg.Telemetry
	src, err := telemetry.New(t.Source, telemetry.Settings{
		Logger:              logger,
		Clock:               clock.RealClock{},
		PrometheusURL:       t.Prometheus.URL,
		QueryTimeout:        t.Prometheus.QueryTimeout,
		HistoryWindow:       t.Prometheus.HistoryWindow,
		GeneralPurposeNodes: t.GeneralPurposeNodes,
		FakeHosts:           t.Fake.Hosts,
		FakeVMsPerHost:      t.Fake.VMsPerHost,
		HybridHosts:         t.Hybrid.Hosts,
		HybridWorkloads:     t.Hybrid.Workloads,
	})
	if err != nil {
		return nil, noop, fmt.Errorf("failed to create telemetry source: %w", err)
	}

	st, err := openStore(logger, cfg)
	if err != nil {
		return nil, noop, fmt.Errorf("failed to open store: %w", err)
	}

	closed := false
	cleanup := func() {
		if closed {
			return
		}
		closed = true
		if err := st.Close(); err != nil {
			logger.Warn("failed to close store", "error", err)
		}
	}

	pred, err := createPredictor(logger, cfg, src)
	if err != nil {
		cleanup()
		return nil, noop, fmt.Errorf("failed to create predictor: %w", err)
	}
	overhead := predictor.NewOverhead(src, energy.Power(cfg.Division.OverheadPerNode), logger)

	m, err := modeller.New(src, st, pred, overhead,
		modeller.WithLogger(logger),
		modeller.WithDivisionRule(division.Rule(cfg.Division.Rule)),
		modeller.WithConsiderIdle(ptr.Deref(cfg.Division.ConsiderIdle, false)),
		modeller.WithLookback(cfg.Division.Lookback),
		modeller.WithApplicationStatus(t.ApplicationStatus...),
	)
	if err != nil {
		cleanup()
		return nil, noop, fmt.Errorf("failed to create modeller: %w", err)
	}

	apiServer := server.NewAPIServer(
		server.WithLogger(logger),
		server.WithListen(cfg.Web.ListenAddresses, cfg.Web.Config),
	)
	services := []service.Service{
		apiServer,
		server.NewAPI(apiServer, m, clock.RealClock{}, logger),
	}

	if ptr.Deref(cfg.Gatherer.Enabled, false) {
		g := cfg.Gatherer
		opts := []gatherer.OptionFn{
			gatherer.WithLogger(logger),
			gatherer.WithInterval(g.Interval),
			gatherer.WithFaultThreshold(g.FaultThreshold, g.Cooldown),
			gatherer.WithPerformGathering(ptr.Deref(g.PerformGathering, true) && !cfg.IsReadOnly()),
			gatherer.WithOverheadPerHost(energy.Power(g.OverheadPerHost)),
			gatherer.WithApplicationStatus(t.ApplicationStatus...),
			gatherer.WithCalibrationRefresh(g.CalibrationRefresh, pred),
		}

		if cfg.DiskLog.VM != "" {
			sink := disklog.New("vm-disk-log", cfg.DiskLog.VM, diskLogOpts(logger, cfg)...)
			opts = append(opts, gatherer.WithVMLog(sink))
			services = append(services, sink)
		}
		if cfg.DiskLog.App != "" {
			sink := disklog.New("app-disk-log", cfg.DiskLog.App, diskLogOpts(logger, cfg)...)
			opts = append(opts, gatherer.WithApplicationLog(sink))
			services = append(services, sink)
		}

		// the gatherer owns the store from here on
		gath := gatherer.New(src, st, opts...)
		closed = true
		services = append(services, gath)

		if ptr.Deref(cfg.Exporter.Prometheus.Enabled, false) {
			pc := cfg.Exporter.Prometheus
			collectors := prometheus.CreateCollectors(gath,
				prometheus.WithLogger(logger),
				prometheus.WithMetricsLevel(pc.MetricsLevel),
			)
			services = append(services, prometheus.NewExporter(apiServer,
				prometheus.WithLogger(logger),
				prometheus.WithDebugCollectors(pc.DebugCollectors),
				prometheus.WithCollectors(collectors),
			))
		}
		if ptr.Deref(cfg.Exporter.Stdout.Enabled, false) {
			services = append(services, stdout.NewExporter(gath, stdout.WithLogger(logger)))
		}
	} else {
		logger.Info("Gatherer disabled, serving queries only")
		if ptr.Deref(cfg.Exporter.Prometheus.Enabled, false) || ptr.Deref(cfg.Exporter.Stdout.Enabled, false) {
			logger.Warn("Exporters need the gatherer and are not started")
		}
	}

	if ptr.Deref(cfg.Debug.Pprof.Enabled, false) {
		services = append(services, server.NewPprof(apiServer))
	}

	services = append(services,
		server.NewHealthProbe(apiServer, services, logger),
		service.NewSignalHandler(logger, os.Interrupt, syscall.SIGTERM),
	)
	return services, cleanup, nil
}
