// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"math"
	"slices"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
	"github.com/prometheus/prometheus/promql/parser"
	"k8s.io/utils/clock"

	"github.com/sustainable-computing-io/energy-modeller/internal/energy"
)

// MetricScrapeTime names an optional query returning, in unix seconds, when
// the entity was last scraped. It sets Measurement.Time and is not reported
// as a metric; without it the time is that of the query evaluation.
const MetricScrapeTime = "scrape_time"

// querier is the part of the Prometheus HTTP API the source uses
type querier interface {
	Query(ctx context.Context, query string, ts time.Time, opts ...v1.Option) (model.Value, v1.Warnings, error)
}

// Queries are the PromQL expressions the Prometheus source evaluates. Each
// expression must return an instant vector labelled with the entity it
// describes.
type Queries struct {
	HostLabel   string
	VMLabel     string
	AppLabel    string
	StatusLabel string

	// Host maps a metric name to a query over every host. The MetricPower
	// query also discovers hosts.
	Host map[string]string
	// VM maps a metric name to a query over every vm. The MetricCPUSpotUsage
	// query also discovers vms and must carry HostLabel. It is a percentage
	// of the whole host, like the host's own MetricCPUSpotUsage, so the two
	// divide into a load fraction.
	VM map[string]string
	// App maps a metric name to a query over every application. The
	// MetricAppRunning query also discovers applications and must carry
	// HostLabel and StatusLabel.
	App map[string]string
}

// DefaultQueries read host power from Kepler and utilisation from the node
// exporter and libvirt exporter
func DefaultQueries() Queries {
	return Queries{
		HostLabel:   "instance",
		VMLabel:     "vm_name",
		AppLabel:    "app",
		StatusLabel: "status",
		Host: map[string]string{
			MetricPower:           `sum by (instance) (kepler_node_cpu_watts)`,
			MetricEnergy:          `sum by (instance) (kepler_node_cpu_joules_total) / 3600`,
			MetricCPUSpotUsage:    `100 * (1 - avg by (instance) (rate(node_cpu_seconds_total{mode="idle"}[1m])))`,
			MetricCPUIdlePercent:  `100 * avg by (instance) (rate(node_cpu_seconds_total{mode="idle"}[1m]))`,
			MetricMemoryAvailable: `sum by (instance) (node_memory_MemAvailable_bytes) / 1048576`,
			MetricMemoryTotal:     `sum by (instance) (node_memory_MemTotal_bytes) / 1048576`,
			MetricGPUCount:        `count by (instance) (DCGM_FI_DEV_GPU_UTIL)`,
			MetricGPUUsage:        `avg by (instance) (DCGM_FI_DEV_GPU_UTIL)`,
			MetricScrapeTime:      `max by (instance) (timestamp(kepler_node_cpu_watts))`,
		},
		VM: map[string]string{
			// core seconds per second over the host's core count
			MetricCPUSpotUsage: `100 * sum by (instance, vm_name) (rate(libvirt_domain_info_cpu_time_seconds_total[1m]))` +
				` / on (instance) group_left count by (instance) (node_cpu_seconds_total{mode="idle"})`,
			MetricScrapeTime: `max by (instance, vm_name) (timestamp(libvirt_domain_info_cpu_time_seconds_total))`,
		},
		App: map[string]string{
			MetricAppRunning:   `sum by (instance, app, status) (energy_modeller_app_running)`,
			MetricAppAllocated: `sum by (instance, app) (energy_modeller_app_allocated_cores)`,
		},
	}
}

// Validate parses every query and checks that the discovery queries exist
func (q Queries) Validate() error {
	var errs []error
	for _, set := range []struct {
		kind      string
		queries   map[string]string
		discovery string
	}{
		{"host", q.Host, MetricPower},
		{"vm", q.VM, MetricCPUSpotUsage},
		{"app", q.App, MetricAppRunning},
	} {
		if _, ok := set.queries[set.discovery]; !ok {
			errs = append(errs, fmt.Errorf("%s queries: missing %s", set.kind, set.discovery))
		}
		for _, metric := range slices.Sorted(maps.Keys(set.queries)) {
			if _, err := parser.ParseExpr(set.queries[metric]); err != nil {
				errs = append(errs, fmt.Errorf("%s query %s: %w", set.kind, metric, err))
			}
		}
	}
	return errors.Join(errs...)
}

// Prometheus reads telemetry through the Prometheus HTTP API
type Prometheus struct {
	logger         *slog.Logger
	api            querier
	clock          clock.PassiveClock
	queries        Queries
	timeout        time.Duration
	historyWindow  time.Duration
	generalPurpose map[string]bool
}

var _ Source = (*Prometheus)(nil)

// PrometheusOptFn is a functional option for configuring Prometheus
type PrometheusOptFn func(*Prometheus)

// WithPrometheusLogger sets the logger of the source
func WithPrometheusLogger(l *slog.Logger) PrometheusOptFn {
	return func(p *Prometheus) {
		p.logger = l.With("source", p.Name())
	}
}

// WithQueries replaces the default queries
func WithQueries(q Queries) PrometheusOptFn {
	return func(p *Prometheus) {
		p.queries = q
	}
}

// WithQueryTimeout bounds every query
func WithQueryTimeout(d time.Duration) PrometheusOptFn {
	return func(p *Prometheus) {
		p.timeout = d
	}
}

// WithHistoryWindow sets how far back lowest and highest observed power look
func WithHistoryWindow(d time.Duration) PrometheusOptFn {
	return func(p *Prometheus) {
		p.historyWindow = d
	}
}

// WithGeneralPurposeNodes names the hosts that provide shared
// infrastructure. They are reported as general purpose nodes instead of
// hosts.
func WithGeneralPurposeNodes(names ...string) PrometheusOptFn {
	return func(p *Prometheus) {
		for _, n := range names {
			p.generalPurpose[n] = true
		}
	}
}

// WithPrometheusClock sets the clock used for query timestamps
func WithPrometheusClock(c clock.PassiveClock) PrometheusOptFn {
	return func(p *Prometheus) {
		p.clock = c
	}
}

// NewPrometheus creates a source reading from the Prometheus server at url
func NewPrometheus(url string, opts ...PrometheusOptFn) (*Prometheus, error) {
	client, err := api.NewClient(api.Config{Address: url})
	if err != nil {
		return nil, fmt.Errorf("error creating Prometheus client: %w", err)
	}
	p := newPrometheus(v1.NewAPI(client), opts...)
	if err := p.queries.Validate(); err != nil {
		return nil, fmt.Errorf("invalid Prometheus queries: %w", err)
	}
	return p, nil
}

func newPrometheus(q querier, opts ...PrometheusOptFn) *Prometheus {
	p := &Prometheus{
		logger:         slog.Default().With("source", "prometheus"),
		api:            q,
		clock:          clock.RealClock{},
		queries:        DefaultQueries(),
		timeout:        30 * time.Second,
		historyWindow:  7 * 24 * time.Hour,
		generalPurpose: map[string]bool{},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Prometheus) Name() string {
	return "prometheus"
}

func (p *Prometheus) vector(ctx context.Context, query string) (model.Vector, error) {
	queryCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	result, warnings, err := p.api.Query(queryCtx, query, p.clock.Now())
	if err != nil {
		return nil, fmt.Errorf("error querying Prometheus: %w", err)
	}
	if len(warnings) > 0 {
		p.logger.Debug("Warnings received from Prometheus query", "warnings", warnings, "query", query)
	}
	vector, ok := result.(model.Vector)
	if !ok {
		return nil, fmt.Errorf("unexpected result type from Prometheus: %s", result.Type())
	}
	return vector, nil
}

// byLabel indexes a vector by the value of label
func byLabel(v model.Vector, label string) map[string]*model.Sample {
	ret := make(map[string]*model.Sample, len(v))
	for _, s := range v {
		if name := string(s.Metric[model.LabelName(label)]); name != "" {
			ret[name] = s
		}
	}
	return ret
}

// hostNames returns the sorted names of every host reporting power
func (p *Prometheus) hostNames(ctx context.Context) ([]string, error) {
	v, err := p.vector(ctx, p.queries.Host[MetricPower])
	if err != nil {
		return nil, err
	}
	return slices.Sorted(maps.Keys(byLabel(v, p.queries.HostLabel))), nil
}

func (p *Prometheus) Hosts(ctx context.Context) ([]*energy.Host, error) {
	names, err := p.hostNames(ctx)
	if err != nil {
		return nil, err
	}
	hosts := make([]*energy.Host, 0, len(names))
	for i, n := range names {
		if p.generalPurpose[n] {
			continue
		}
		hosts = append(hosts, energy.NewHost(i+1, n))
	}
	return hosts, nil
}

func (p *Prometheus) GeneralPurposeNodes(ctx context.Context) ([]*energy.GeneralPurposeNode, error) {
	names, err := p.hostNames(ctx)
	if err != nil {
		return nil, err
	}
	var nodes []*energy.GeneralPurposeNode
	for i, n := range names {
		if p.generalPurpose[n] {
			nodes = append(nodes, energy.NewGeneralPurposeNode(i+1, n))
		}
	}
	return nodes, nil
}

func (p *Prometheus) HostByName(ctx context.Context, name string) (*energy.Host, error) {
	names, err := p.hostNames(ctx)
	if err != nil {
		return nil, err
	}
	i, found := slices.BinarySearch(names, name)
	if !found || p.generalPurpose[name] {
		return nil, fmt.Errorf("host %s: %w", name, ErrNotFound)
	}
	return energy.NewHost(i+1, name), nil
}

func (p *Prometheus) VMs(ctx context.Context) ([]*energy.VM, error) {
	v, err := p.vector(ctx, p.queries.VM[MetricCPUSpotUsage])
	if err != nil {
		return nil, err
	}
	byName := byLabel(v, p.queries.VMLabel)
	vms := make([]*energy.VM, 0, len(byName))
	for i, name := range slices.Sorted(maps.Keys(byName)) {
		vm := energy.NewVM(i+1, name)
		if host := string(byName[name].Metric[model.LabelName(p.queries.HostLabel)]); host != "" {
			vm.Host = energy.NewHost(0, host)
		}
		vms = append(vms, vm)
	}
	return vms, nil
}

func (p *Prometheus) Applications(ctx context.Context, status ...string) ([]*energy.Application, error) {
	v, err := p.vector(ctx, p.queries.App[MetricAppRunning])
	if err != nil {
		return nil, err
	}
	byName := byLabel(v, p.queries.AppLabel)
	apps := make([]*energy.Application, 0, len(byName))
	for i, name := range slices.Sorted(maps.Keys(byName)) {
		s := byName[name]
		var host *energy.Host
		if h := string(s.Metric[model.LabelName(p.queries.HostLabel)]); h != "" {
			host = energy.NewHost(0, h)
		}
		app := energy.NewApplication(i+1, name, host)
		app.Status = string(s.Metric[model.LabelName(p.queries.StatusLabel)])
		apps = append(apps, app)
	}
	return filterStatus(apps, status), nil
}

// measurements evaluates every query and collects the results for the
// named entities. An entity is reported once it has at least one metric.
// Its time is the scrape time when MetricScrapeTime is queried, else the
// latest sample time.
func (p *Prometheus) measurements(ctx context.Context, queries map[string]string, label string, names []string) ([]Measurement, error) {
	collected := make(map[string]*Measurement, len(names))
	for _, metric := range slices.Sorted(maps.Keys(queries)) {
		v, err := p.vector(ctx, queries[metric])
		if err != nil {
			return nil, fmt.Errorf("metric %s: %w", metric, err)
		}
		samples := byLabel(v, label)
		for _, name := range names {
			s, ok := samples[name]
			if !ok {
				continue
			}
			m, ok := collected[name]
			if !ok {
				m = &Measurement{Entity: name, Metrics: map[string]float64{}}
				collected[name] = m
			}
			m.Metrics[metric] = float64(s.Value)
			if t := s.Timestamp.Time(); t.After(m.Time) {
				m.Time = t
			}
		}
	}

	ret := make([]Measurement, 0, len(collected))
	for _, name := range names {
		m, ok := collected[name]
		if !ok {
			continue
		}
		if sec, ok := m.Metrics[MetricScrapeTime]; ok {
			delete(m.Metrics, MetricScrapeTime)
			m.Time = time.UnixMilli(int64(math.Round(sec * 1000)))
		}
		if len(m.Metrics) > 0 {
			ret = append(ret, *m)
		}
	}
	return ret, nil
}

func (p *Prometheus) HostMeasurements(ctx context.Context, hosts []*energy.Host) ([]Measurement, error) {
	names := make([]string, len(hosts))
	for i, h := range hosts {
		names[i] = h.Name
	}
	return p.measurements(ctx, p.queries.Host, p.queries.HostLabel, names)
}

func (p *Prometheus) VMMeasurements(ctx context.Context, vms []*energy.VM) ([]Measurement, error) {
	names := make([]string, len(vms))
	for i, vm := range vms {
		names[i] = vm.Name
	}
	return p.measurements(ctx, p.queries.VM, p.queries.VMLabel, names)
}

func (p *Prometheus) ApplicationMeasurements(ctx context.Context, apps []*energy.Application) ([]Measurement, error) {
	names := make([]string, len(apps))
	for i, app := range apps {
		names[i] = app.Name
	}
	return p.measurements(ctx, p.queries.App, p.queries.AppLabel, names)
}

// hostValue evaluates query and returns the sample of host
func (p *Prometheus) hostValue(ctx context.Context, query string, host *energy.Host) (*model.Sample, error) {
	v, err := p.vector(ctx, query)
	if err != nil {
		return nil, err
	}
	s, ok := byLabel(v, p.queries.HostLabel)[host.Name]
	if !ok {
		return nil, fmt.Errorf("host %s: %w", host.Name, ErrNoData)
	}
	return s, nil
}

func (p *Prometheus) CurrentEnergyUsage(ctx context.Context, host *energy.Host) (energy.CurrentUsage, error) {
	s, err := p.hostValue(ctx, p.queries.Host[MetricPower], host)
	if err != nil {
		return energy.CurrentUsage{}, err
	}
	return energy.CurrentUsage{Subject: host, Time: s.Timestamp.Time(), Power: energy.Power(s.Value)}, nil
}

// overTime wraps query in a subquery aggregated by fn over window
func overTime(fn, query string, window time.Duration) string {
	return fmt.Sprintf("%s((%s)[%s:])", fn, query, model.Duration(window))
}

func (p *Prometheus) LowestObservedPower(ctx context.Context, host *energy.Host) (energy.Power, error) {
	s, err := p.hostValue(ctx, overTime("min_over_time", p.queries.Host[MetricPower], p.historyWindow), host)
	if err != nil {
		return 0, err
	}
	return energy.Power(s.Value), nil
}

func (p *Prometheus) HighestObservedPower(ctx context.Context, host *energy.Host) (energy.Power, error) {
	s, err := p.hostValue(ctx, overTime("max_over_time", p.queries.Host[MetricPower], p.historyWindow), host)
	if err != nil {
		return 0, err
	}
	return energy.Power(s.Value), nil
}

func (p *Prometheus) CPUUtilisation(ctx context.Context, host *energy.Host, window time.Duration) (float64, error) {
	s, err := p.hostValue(ctx, overTime("avg_over_time", p.queries.Host[MetricCPUSpotUsage], window), host)
	if err != nil {
		return 0, err
	}
	return float64(s.Value) / 100, nil
}

func (p *Prometheus) AcceleratorUtilisation(ctx context.Context, host *energy.Host) (float64, error) {
	query, ok := p.queries.Host[MetricGPUUsage]
	if !ok {
		return 0, fmt.Errorf("no %s query: %w", MetricGPUUsage, ErrNoData)
	}
	s, err := p.hostValue(ctx, query, host)
	if err != nil {
		return 0, err
	}
	return float64(s.Value), nil
}
