// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"io"
	"net"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"gopkg.in/yaml.v3"
	"k8s.io/utils/ptr"
)

// Config represents the complete application configuration
type (
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
		Output string `yaml:"output"` // stderr, stdout or a file path
	}

	Prometheus struct {
		URL           string        `yaml:"url"`
		QueryTimeout  time.Duration `yaml:"queryTimeout"`
		HistoryWindow time.Duration `yaml:"historyWindow"`
	}

	Fake struct {
		Hosts      int `yaml:"hosts"`
		VMsPerHost int `yaml:"vmsPerHost"`
	}

	Hybrid struct {
		Hosts     string `yaml:"hosts"`
		Workloads string `yaml:"workloads"`
	}

	Telemetry struct {
		Source              string     `yaml:"source"`
		Prometheus          Prometheus `yaml:"prometheus"`
		Fake                Fake       `yaml:"fake"`
		Hybrid              Hybrid     `yaml:"hybrid"`
		GeneralPurposeNodes []string   `yaml:"generalPurposeNodes"`
		ApplicationStatus   []string   `yaml:"applicationStatus"`
	}

	Store struct {
		Driver   string `yaml:"driver"`
		DSN      string `yaml:"dsn"`
		ReadOnly *bool  `yaml:"readOnly"`
	}

	Predictor struct {
		Name               string        `yaml:"name"`
		DefaultCPU         float64       `yaml:"defaultCPU"`         // -1 measures
		DefaultAccelerator float64       `yaml:"defaultAccelerator"` // -1 measures
		Window             time.Duration `yaml:"window"`
		GroupingParameter  string        `yaml:"groupingParameter"`
		CacheSize          int           `yaml:"cacheSize"`
	}

	Division struct {
		Rule            string        `yaml:"rule"`
		ConsiderIdle    *bool         `yaml:"considerIdle"`
		OverheadPerNode float64       `yaml:"overheadPerNode"` // watts
		Lookback        time.Duration `yaml:"lookback"`
	}

	Gatherer struct {
		Enabled            *bool         `yaml:"enabled"`
		PerformGathering   *bool         `yaml:"performGathering"`
		Interval           time.Duration `yaml:"interval"`
		FaultThreshold     int           `yaml:"faultThreshold"`
		Cooldown           time.Duration `yaml:"cooldown"`
		OverheadPerHost    float64       `yaml:"overheadPerHost"` // watts
		CalibrationRefresh time.Duration `yaml:"calibrationRefresh"`
	}

	DiskLog struct {
		VM         string `yaml:"vm"`
		App        string `yaml:"app"`
		MaxSizeMB  int    `yaml:"maxSizeMB"`
		MaxBackups int    `yaml:"maxBackups"`
		MaxAgeDays int    `yaml:"maxAgeDays"`
		Compress   *bool  `yaml:"compress"`
	}

	StdoutExporter struct {
		Enabled *bool `yaml:"enabled"`
	}

	PrometheusExporter struct {
		Enabled         *bool    `yaml:"enabled"`
		DebugCollectors []string `yaml:"debugCollectors"`
		MetricsLevel    Level    `yaml:"metricsLevel"`
	}

	Exporter struct {
		Stdout     StdoutExporter     `yaml:"stdout"`
		Prometheus PrometheusExporter `yaml:"prometheus"`
	}

	Web struct {
		Config          string   `yaml:"configFile"`
		ListenAddresses []string `yaml:"listenAddresses"`
	}

	PprofDebug struct {
		Enabled *bool `yaml:"enabled"`
	}

	Debug struct {
		Pprof PprofDebug `yaml:"pprof"`
	}

	Config struct {
		Log       Log       `yaml:"log"`
		Telemetry Telemetry `yaml:"telemetry"`
		Store     Store     `yaml:"store"`
		Predictor Predictor `yaml:"predictor"`
		Division  Division  `yaml:"division"`
		Gatherer  Gatherer  `yaml:"gatherer"`
		DiskLog   DiskLog   `yaml:"diskLog"`
		Exporter  Exporter  `yaml:"exporter"`
		Web       Web       `yaml:"web"`
		Debug     Debug     `yaml:"debug"`
	}
)

const (
	// Flags
	LogLevelFlag  = "log.level"
	LogFormatFlag = "log.format"
	LogOutputFlag = "log.output"

	TelemetrySourceFlag    = "telemetry.source"
	PrometheusURLFlag      = "telemetry.prometheus-url"
	GeneralPurposeNodeFlag = "telemetry.general-purpose-node"

	StoreDriverFlag   = "store.driver"
	StoreDSNFlag      = "store.dsn"
	StoreReadOnlyFlag = "store.read-only"

	PredictorFlag           = "predictor"
	PredictorDefaultCPUFlag = "predictor.default-cpu"

	DivisionRuleFlag         = "division.rule"
	DivisionConsiderIdleFlag = "division.consider-idle"

	GathererEnabledFlag  = "gatherer"
	GathererIntervalFlag = "gatherer.interval"
	PerformGatheringFlag = "gatherer.perform-gathering"

	DiskLogVMFlag  = "disk-log.vm"
	DiskLogAppFlag = "disk-log.app"

	pprofEnabledFlag = "debug.pprof"

	WebConfigFlag        = "web.config-file"
	WebListenAddressFlag = "web.listen-address"

	ExporterStdoutEnabledFlag     = "exporter.stdout"
	ExporterPrometheusEnabledFlag = "exporter.prometheus"
	ExporterPrometheusMetricsFlag = "metrics"
)

// Accepted values of the enum settings. They mirror the registries of the
// telemetry, store, predictor and division packages.
var (
	telemetrySources = []string{"prometheus", "fake", "hybrid"}
	storeDrivers     = []string{"sqlite", "mysql"}
	predictors       = []string{"linear", "polynomial", "spline", "best-fit", "accelerator"}
	divisionRules    = []string{"even", "load-fraction"}
)

// DefaultConfig returns a Config with default values
func DefaultConfig() *Config {
	return &Config{
		Log: Log{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Telemetry: Telemetry{
			Source: "prometheus",
			Prometheus: Prometheus{
				URL:           "http://localhost:9090",
				QueryTimeout:  30 * time.Second,
				HistoryWindow: 24 * time.Hour,
			},
			Fake:   Fake{Hosts: 2, VMsPerHost: 3},
			Hybrid: Hybrid{Hosts: "prometheus", Workloads: "fake"},
		},
		Store: Store{
			Driver:   "sqlite",
			DSN:      "energy-modeller.db",
			ReadOnly: ptr.To(false),
		},
		Predictor: Predictor{
			Name:               "best-fit",
			DefaultCPU:         0.5,
			DefaultAccelerator: -1,
			Window:             10 * time.Minute,
			GroupingParameter:  "clock",
			CacheSize:          50,
		},
		Division: Division{
			Rule:         "load-fraction",
			ConsiderIdle: ptr.To(false),
			Lookback:     10 * time.Minute,
		},
		Gatherer: Gatherer{
			Enabled:          ptr.To(true),
			PerformGathering: ptr.To(true),
			Interval:         5 * time.Second,
			FaultThreshold:   100,
			Cooldown:         5 * time.Minute,
		},
		DiskLog: DiskLog{
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 28,
			Compress:   ptr.To(false),
		},
		Exporter: Exporter{
			Stdout: StdoutExporter{
				Enabled: ptr.To(false),
			},
			Prometheus: PrometheusExporter{
				Enabled:         ptr.To(true),
				DebugCollectors: []string{"go"},
				MetricsLevel:    MetricsLevelAll,
			},
		},
		Web: Web{
			ListenAddresses: []string{":28283"},
		},
		Debug: Debug{
			Pprof: PprofDebug{
				Enabled: ptr.To(false),
			},
		},
	}
}

// Load loads configuration from an io.Reader
func Load(r io.Reader) (*Config, error) {
	cfg := DefaultConfig()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.sanitize()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile loads configuration from a file
func FromFile(filePath string) (*Config, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer func() { _ = file.Close() }()

	return Load(file)
}

type ConfigUpdaterFn func(*Config) error

// RegisterFlags registers command-line flags with kingpin app
// and returns ConfigUpdaterFn that updates the config from parsed flags
// as command line arguments override config file settings
func RegisterFlags(app *kingpin.Application) ConfigUpdaterFn {
	// track flags that were explicitly set
	flagsSet := map[string]bool{}

	app.PreAction(func(ctx *kingpin.ParseContext) error {
		flagsSet = map[string]bool{}
		for _, element := range ctx.Elements {
			if flag, ok := element.Clause.(*kingpin.FlagClause); ok && element.Value != nil {
				flagsSet[flag.Model().Name] = true
			}
		}
		return nil
	})

	logLevel := app.Flag(LogLevelFlag, "Logging level: debug, info, warn, error").Default("info").Enum("debug", "info", "warn", "error")
	logFormat := app.Flag(LogFormatFlag, "Logging format: text or json").Default("text").Enum("text", "json")
	logOutput := app.Flag(LogOutputFlag, "Log destination: stderr, stdout or a file path").Default("stderr").String()

	telemetrySource := app.Flag(TelemetrySourceFlag, "Telemetry source").Default("prometheus").Enum(telemetrySources...)
	prometheusURL := app.Flag(PrometheusURLFlag, "Prometheus server to read telemetry from").Default("http://localhost:9090").String()
	gpNodes := app.Flag(GeneralPurposeNodeFlag, "Name of a general purpose node whose power is shared by every host").Strings()

	storeDriver := app.Flag(StoreDriverFlag, "Store driver").Default("sqlite").Enum(storeDrivers...)
	storeDSN := app.Flag(StoreDSNFlag, "Store data source name").Default("energy-modeller.db").String()
	storeReadOnly := app.Flag(StoreReadOnlyFlag, "Never write to the store").Default("false").Bool()

	predictorName := app.Flag(PredictorFlag, "Predictive model").Default("best-fit").Enum(predictors...)
	defaultCPU := app.Flag(PredictorDefaultCPUFlag, "Cpu load assumed by forecasts in [0,1]; -1 to measure").Default("0.5").Float64()

	divisionRule := app.Flag(DivisionRuleFlag, "Rule sharing host energy between residents").Default("load-fraction").Enum(divisionRules...)
	considerIdle := app.Flag(DivisionConsiderIdleFlag, "Share idle power evenly before dividing the rest").Default("false").Bool()

	gathererEnabled := app.Flag(GathererEnabledFlag, "Run the data gatherer").Default("true").Bool()
	gathererInterval := app.Flag(GathererIntervalFlag, "Interval between gatherer ticks").Default("5s").Duration()
	performGathering := app.Flag(PerformGatheringFlag, "Record gathered data; false keeps the gatherer read-only").Default("true").Bool()

	diskLogVM := app.Flag(DiskLogVMFlag, "Path of the vm disk log; empty disables it").Default("").String()
	diskLogApp := app.Flag(DiskLogAppFlag, "Path of the application disk log; empty disables it").Default("").String()

	enablePprof := app.Flag(pprofEnabledFlag, "Enable pprof debug endpoints").Default("false").Bool()
	webConfig := app.Flag(WebConfigFlag, "Web config file path").Default("").String()
	webListenAddresses := app.Flag(WebListenAddressFlag, "Web server listen addresses").Default(":28283").Strings()

	stdoutExporterEnabled := app.Flag(ExporterStdoutEnabledFlag, "Enable stdout exporter").Default("false").Bool()
	prometheusExporterEnabled := app.Flag(ExporterPrometheusEnabledFlag, "Enable Prometheus exporter").Default("true").Bool()
	metricsLevel := MetricsLevelAll
	app.Flag(ExporterPrometheusMetricsFlag, "Metrics levels to export (host,vm,app)").SetValue(NewMetricsLevelValue(&metricsLevel))

	return func(cfg *Config) error {
		if flagsSet[LogLevelFlag] {
			cfg.Log.Level = *logLevel
		}
		if flagsSet[LogFormatFlag] {
			cfg.Log.Format = *logFormat
		}
		if flagsSet[LogOutputFlag] {
			cfg.Log.Output = *logOutput
		}

		if flagsSet[TelemetrySourceFlag] {
			cfg.Telemetry.Source = *telemetrySource
		}
		if flagsSet[PrometheusURLFlag] {
			cfg.Telemetry.Prometheus.URL = *prometheusURL
		}
		if flagsSet[GeneralPurposeNodeFlag] {
			cfg.Telemetry.GeneralPurposeNodes = *gpNodes
		}

		if flagsSet[StoreDriverFlag] {
			cfg.Store.Driver = *storeDriver
		}
		if flagsSet[StoreDSNFlag] {
			cfg.Store.DSN = *storeDSN
		}
		if flagsSet[StoreReadOnlyFlag] {
			cfg.Store.ReadOnly = storeReadOnly
		}

		if flagsSet[PredictorFlag] {
			cfg.Predictor.Name = *predictorName
		}
		if flagsSet[PredictorDefaultCPUFlag] {
			cfg.Predictor.DefaultCPU = *defaultCPU
		}

		if flagsSet[DivisionRuleFlag] {
			cfg.Division.Rule = *divisionRule
		}
		if flagsSet[DivisionConsiderIdleFlag] {
			cfg.Division.ConsiderIdle = considerIdle
		}

		if flagsSet[GathererEnabledFlag] {
			cfg.Gatherer.Enabled = gathererEnabled
		}
		if flagsSet[GathererIntervalFlag] {
			cfg.Gatherer.Interval = *gathererInterval
		}
		if flagsSet[PerformGatheringFlag] {
			cfg.Gatherer.PerformGathering = performGathering
		}

		if flagsSet[DiskLogVMFlag] {
			cfg.DiskLog.VM = *diskLogVM
		}
		if flagsSet[DiskLogAppFlag] {
			cfg.DiskLog.App = *diskLogApp
		}

		if flagsSet[pprofEnabledFlag] {
			cfg.Debug.Pprof.Enabled = enablePprof
		}
		if flagsSet[WebConfigFlag] {
			cfg.Web.Config = *webConfig
		}
		if flagsSet[WebListenAddressFlag] {
			cfg.Web.ListenAddresses = *webListenAddresses
		}

		if flagsSet[ExporterStdoutEnabledFlag] {
			cfg.Exporter.Stdout.Enabled = stdoutExporterEnabled
		}
		if flagsSet[ExporterPrometheusEnabledFlag] {
			cfg.Exporter.Prometheus.Enabled = prometheusExporterEnabled
		}
		if flagsSet[ExporterPrometheusMetricsFlag] {
			cfg.Exporter.Prometheus.MetricsLevel = metricsLevel
		}

		cfg.sanitize()
		return cfg.Validate()
	}
}

func trimAll(values []string) {
	for i := range values {
		values[i] = strings.TrimSpace(values[i])
	}
}

func (c *Config) sanitize() {
	c.Log.Level = strings.TrimSpace(c.Log.Level)
	c.Log.Format = strings.TrimSpace(c.Log.Format)
	c.Log.Output = strings.TrimSpace(c.Log.Output)
	c.Telemetry.Source = strings.TrimSpace(c.Telemetry.Source)
	c.Telemetry.Prometheus.URL = strings.TrimSpace(c.Telemetry.Prometheus.URL)
	trimAll(c.Telemetry.GeneralPurposeNodes)
	trimAll(c.Telemetry.ApplicationStatus)
	c.Store.Driver = strings.TrimSpace(c.Store.Driver)
	c.Predictor.Name = strings.TrimSpace(c.Predictor.Name)
	c.Division.Rule = strings.TrimSpace(c.Division.Rule)
	c.DiskLog.VM = strings.TrimSpace(c.DiskLog.VM)
	c.DiskLog.App = strings.TrimSpace(c.DiskLog.App)
	c.Web.Config = strings.TrimSpace(c.Web.Config)
	trimAll(c.Web.ListenAddresses)
	trimAll(c.Exporter.Prometheus.DebugCollectors)
}

// Validate checks for configuration errors
func (c *Config) Validate() error {
	var errs []string
	oneOf := func(what, value string, valid []string) {
		if !slices.Contains(valid, value) {
			errs = append(errs, fmt.Sprintf("invalid %s: %q, must be one of %s", what, value, strings.Join(valid, ", ")))
		}
	}

	oneOf("log level", c.Log.Level, []string{"debug", "info", "warn", "error"})
	oneOf("log format", c.Log.Format, []string{"text", "json"})

	{ // telemetry
		oneOf("telemetry source", c.Telemetry.Source, telemetrySources)
		uses := func(name string) bool {
			return c.Telemetry.Source == name ||
				(c.Telemetry.Source == "hybrid" && (c.Telemetry.Hybrid.Hosts == name || c.Telemetry.Hybrid.Workloads == name))
		}
		if c.Telemetry.Source == "hybrid" {
			oneOf("hybrid hosts source", c.Telemetry.Hybrid.Hosts, []string{"prometheus", "fake"})
			oneOf("hybrid workloads source", c.Telemetry.Hybrid.Workloads, []string{"prometheus", "fake"})
		}
		if uses("prometheus") && c.Telemetry.Prometheus.URL == "" {
			errs = append(errs, "prometheus url cannot be empty")
		}
		if c.Telemetry.Fake.Hosts < 0 || c.Telemetry.Fake.VMsPerHost < 0 {
			errs = append(errs, "fake cluster size can't be negative")
		}
	}
	{ // store
		oneOf("store driver", c.Store.Driver, storeDrivers)
		if c.Store.DSN == "" {
			errs = append(errs, "store dsn cannot be empty")
		}
	}
	{ // predictor
		oneOf("predictor", c.Predictor.Name, predictors)
		validUsage := func(what string, v float64) {
			if v != -1 && (v < 0 || v > 1) {
				errs = append(errs, fmt.Sprintf("invalid %s: %v, must be in [0,1] or -1", what, v))
			}
		}
		validUsage("default cpu", c.Predictor.DefaultCPU)
		validUsage("default accelerator", c.Predictor.DefaultAccelerator)
		if c.Predictor.Window <= 0 {
			errs = append(errs, fmt.Sprintf("invalid predictor window: %s must be positive", c.Predictor.Window))
		}
		if c.Predictor.CacheSize <= 0 {
			errs = append(errs, fmt.Sprintf("invalid model cache size: %d must be positive", c.Predictor.CacheSize))
		}
	}
	{ // division
		oneOf("division rule", c.Division.Rule, divisionRules)
		if c.Division.OverheadPerNode < 0 {
			errs = append(errs, "overhead per node can't be negative")
		}
		if c.Division.Lookback < 0 {
			errs = append(errs, "division lookback can't be negative")
		}
	}
	{ // gatherer
		if c.Gatherer.Interval <= 0 {
			errs = append(errs, fmt.Sprintf("invalid gatherer interval: %s must be positive", c.Gatherer.Interval))
		}
		if c.Gatherer.FaultThreshold < 0 {
			errs = append(errs, "gatherer fault threshold can't be negative")
		}
		if c.Gatherer.Cooldown < 0 || c.Gatherer.CalibrationRefresh < 0 {
			errs = append(errs, "gatherer durations can't be negative")
		}
		if c.Gatherer.OverheadPerHost < 0 {
			errs = append(errs, "overhead per host can't be negative")
		}
	}
	{ // disk logs
		if c.DiskLog.VM != "" && c.DiskLog.VM == c.DiskLog.App {
			errs = append(errs, "vm and application disk logs must differ")
		}
		if c.DiskLog.MaxSizeMB < 0 || c.DiskLog.MaxBackups < 0 || c.DiskLog.MaxAgeDays < 0 {
			errs = append(errs, "disk log rotation settings can't be negative")
		}
	}
	{ // web
		if c.Web.Config != "" {
			if err := canReadFile(c.Web.Config); err != nil {
				errs = append(errs, fmt.Sprintf("invalid web config file. path: %q: %s", c.Web.Config, err.Error()))
			}
		}
		if len(c.Web.ListenAddresses) == 0 {
			errs = append(errs, "at least one web listen address must be specified")
		}
		for _, addr := range c.Web.ListenAddresses {
			if err := validateListenAddress(addr); err != nil {
				errs = append(errs, fmt.Sprintf("invalid web listen address %q: %s", addr, err.Error()))
			}
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(errs, ", "))
	}
	return nil
}

// IsReadOnly reports whether nothing may be written to the store
func (c *Config) IsReadOnly() bool {
	return ptr.Deref(c.Store.ReadOnly, false)
}

func canReadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	buf := make([]byte, 8)
	_, err = f.Read(buf)
	return err
}

func validateListenAddress(addr string) error {
	if addr == "" {
		return fmt.Errorf("address cannot be empty")
	}
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid address format: %w", err)
	}
	portNum, err := strconv.Atoi(port)
	if err != nil {
		return fmt.Errorf("port must be numeric, got %s", port)
	}
	if portNum < 1 || portNum > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", portNum)
	}
	return nil
}

func (c *Config) String() string {
	bytes, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Sprintf("unprintable config: %v", err)
	}
	return string(bytes)
}
