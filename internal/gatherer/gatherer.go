// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

// Package gatherer polls telemetry for hosts and workloads and records their
// power and load fractions.
package gatherer

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"reflect"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"k8s.io/utils/clock"

	"github.com/sustainable-computing-io/energy-modeller/internal/disklog"
	"github.com/sustainable-computing-io/energy-modeller/internal/division"
	"github.com/sustainable-computing-io/energy-modeller/internal/energy"
	"github.com/sustainable-computing-io/energy-modeller/internal/service"
	"github.com/sustainable-computing-io/energy-modeller/internal/store"
	"github.com/sustainable-computing-io/energy-modeller/internal/telemetry"
)

// DataProvider exposes the results of the latest tick
type DataProvider interface {
	// Snapshot returns a copy of the latest snapshot, nil before the first
	// successful tick
	Snapshot() *Snapshot

	// DataChannel signals when a new snapshot is available
	DataChannel() <-chan struct{}
}

// Gatherer runs the tick loop
type Gatherer struct {
	logger    *slog.Logger
	clock     clock.WithTicker
	telemetry telemetry.Source
	store     store.Store

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

	// registries, written by the tick only
	mu           sync.RWMutex
	hosts        map[string]*energy.Host
	nodes        map[string]*energy.GeneralPurposeNode
	vms          map[string]*energy.VM
	storedHosts  map[string]bool
	storedVMs    map[string]bool
	lastSeen     map[string]time.Time
	calibratedAt map[string]time.Time

	faults   atomic.Int64
	running  atomic.Bool
	snapshot atomic.Pointer[Snapshot]
	dataCh   chan struct{}
}

var (
	_ DataProvider         = (*Gatherer)(nil)
	_ service.Initializer  = (*Gatherer)(nil)
	_ service.Runner       = (*Gatherer)(nil)
	_ service.Shutdowner   = (*Gatherer)(nil)
	_ service.LiveChecker  = (*Gatherer)(nil)
	_ service.ReadyChecker = (*Gatherer)(nil)
)

// New creates a Gatherer reading src and writing to s
func New(src telemetry.Source, s store.Store, applyOpts ...OptionFn) *Gatherer {
	opts := DefaultOpts()
	for _, apply := range applyOpts {
		apply(&opts)
	}

	return &Gatherer{
		logger:             opts.logger.With("service", "gatherer"),
		clock:              opts.clock,
		telemetry:          src,
		store:              s,
		interval:           opts.interval,
		faultThreshold:     opts.faultThreshold,
		cooldown:           opts.cooldown,
		performGathering:   opts.performGathering,
		overheadPerHost:    opts.overheadPerHost,
		appStatus:          opts.appStatus,
		vmLog:              opts.vmLog,
		appLog:             opts.appLog,
		invalidator:        opts.invalidator,
		calibrationRefresh: opts.calibrationRefresh,

		hosts:        map[string]*energy.Host{},
		nodes:        map[string]*energy.GeneralPurposeNode{},
		vms:          map[string]*energy.VM{},
		storedHosts:  map[string]bool{},
		storedVMs:    map[string]bool{},
		lastSeen:     map[string]time.Time{},
		calibratedAt: map[string]time.Time{},
		dataCh:       make(chan struct{}, 1),
	}
}

func (g *Gatherer) Name() string {
	return "gatherer"
}

// Init loads the hosts and vms already in the store
func (g *Gatherer) Init() error {
	ctx := context.Background()
	hosts, err := g.store.Hosts(ctx)
	if err != nil {
		return fmt.Errorf("failed to load host registry: %w", err)
	}
	vms, err := g.store.VMs(ctx)
	if err != nil {
		return fmt.Errorf("failed to load vm registry: %w", err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	for _, h := range hosts {
		g.storedHosts[h.Name] = true
	}
	for _, vm := range vms {
		g.storedVMs[vm.Name] = true
	}
	g.logger.Info("Loaded registries", "hosts", len(hosts), "vms", len(vms),
		"gathering", g.performGathering, "interval", g.interval)
	return nil
}

// Run ticks until ctx is cancelled. Cancellation is noticed between ticks.
func (g *Gatherer) Run(ctx context.Context) error {
	g.logger.Info("Gatherer is running...")
	g.running.Store(true)
	defer g.running.Store(false)

	for {
		wait := g.handleTickResult(g.runOnce(ctx))
		select {
		case <-ctx.Done():
			g.logger.Info("Gatherer has terminated.")
			return nil
		case <-g.clock.After(wait):
		}
	}
}

// Shutdown closes the store
func (g *Gatherer) Shutdown() error {
	g.logger.Info("shutting down gatherer")
	return g.store.Close()
}

func (g *Gatherer) IsLive() bool {
	return g.running.Load()
}

func (g *Gatherer) IsReady() bool {
	return g.snapshot.Load() != nil
}

func (g *Gatherer) DataChannel() <-chan struct{} {
	return g.dataCh
}

func (g *Gatherer) Snapshot() *Snapshot {
	s := g.snapshot.Load()
	if s == nil {
		return nil
	}
	return s.Clone()
}

// Faults is the number of outstanding failed ticks
func (g *Gatherer) Faults() int {
	return int(g.faults.Load())
}

// Hosts returns the registered hosts
func (g *Gatherer) Hosts() []*energy.Host {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return sortedValues(g.hosts)
}

// VMs returns the registered vms
func (g *Gatherer) VMs() []*energy.VM {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return sortedValues(g.vms)
}

func (g *Gatherer) signalNewData() {
	select {
	case g.dataCh <- struct{}{}:
		g.logger.Debug("Data channel updated")
	default:
		g.logger.Debug("Data channel is full")
	}
}

// handleTickResult counts the outcome of a tick and returns how long to wait
// before the next one
func (g *Gatherer) handleTickResult(err error) time.Duration {
	if err != nil {
		g.logger.Error("abandoning tick", "error", err, "faults", g.faults.Add(1))
	} else if g.faults.Load() > 0 {
		g.faults.Add(-1)
	}

	if g.faults.Load() > int64(g.faultThreshold) {
		g.logger.Warn("too many failed ticks, pausing",
			"faults", g.faults.Load(), "cooldown", g.cooldown)
		g.faults.Store(0)
		return g.cooldown
	}
	return g.interval
}

// runOnce performs a single tick
func (g *Gatherer) runOnce(ctx context.Context) error {
	started := g.clock.Now()

	hosts, err := g.telemetry.Hosts(ctx)
	if err != nil {
		return fmt.Errorf("failed to list hosts: %w", err)
	}
	nodes, err := g.telemetry.GeneralPurposeNodes(ctx)
	if err != nil {
		return fmt.Errorf("failed to list general purpose nodes: %w", err)
	}
	residents, err := telemetry.ListResidents(ctx, g.telemetry, g.appStatus...)
	if err != nil {
		return err
	}

	known := g.register(ctx, hosts, nodes, residents)
	if err := g.persistRegistry(ctx); err != nil {
		return err
	}

	measurements, err := g.telemetry.HostMeasurements(ctx, known)
	if err != nil {
		return fmt.Errorf("failed to read host measurements: %w", err)
	}
	offset, err := g.hostOffset(ctx, len(known))
	if err != nil {
		return err
	}

	prev := g.snapshot.Load()
	next := NewSnapshot()
	if prev != nil {
		next = prev.Clone()
	}
	for name := range next.Hosts {
		if _, ok := g.host(name); !ok {
			next.dropHost(name)
		}
	}

	updated := 0
	for _, m := range measurements {
		host, ok := g.host(m.Entity)
		if !ok {
			continue
		}
		if last, seen := g.lastSeen[host.Name]; seen && !m.Time.After(last) {
			continue
		}
		if err := g.record(ctx, host, m, residents.Of(host.Name), offset, next); err != nil {
			return err
		}
		g.lastSeen[host.Name] = m.Time
		updated++
	}

	next.Timestamp = g.clock.Now()
	g.snapshot.Store(next)
	g.signalNewData()
	g.logger.Debug("tick complete", "hosts", len(known), "updated", updated,
		"duration", g.clock.Since(started))
	return nil
}

func (g *Gatherer) host(name string) (*energy.Host, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	h, ok := g.hosts[name]
	return h, ok
}

// register diffs the discovered entities against the registries. New hosts
// and nodes get their calibration from the store. Returns the registered
// hosts.
func (g *Gatherer) register(ctx context.Context, hosts []*energy.Host, nodes []*energy.GeneralPurposeNode, residents telemetry.Residents) []*energy.Host {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clock.Now()
	seen := make(map[string]bool, len(hosts))
	for _, h := range hosts {
		seen[h.Name] = true
		if existing, ok := g.hosts[h.Name]; ok {
			g.refreshCalibration(ctx, existing, now)
			continue
		}
		if err := store.Enrich(ctx, g.store, h); err != nil {
			g.logger.Warn("failed to load calibration, host stays uncalibrated", "host", h.Name, "error", err)
		}
		g.hosts[h.Name] = h
		g.calibratedAt[h.Name] = now
		g.logger.Info("registered host", "host", h.Name, "calibrated", h.IsCalibrated())
	}
	for name := range g.hosts {
		if !seen[name] {
			g.logger.Info("host is gone", "host", name)
			delete(g.hosts, name)
			delete(g.lastSeen, name)
			delete(g.calibratedAt, name)
		}
	}

	seenNodes := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		seenNodes[n.Name] = true
		if _, ok := g.nodes[n.Name]; ok {
			continue
		}
		if err := store.Enrich(ctx, g.store, &n.Host); err != nil {
			g.logger.Warn("failed to load calibration of general purpose node", "node", n.Name, "error", err)
		}
		g.nodes[n.Name] = n
	}
	for name := range g.nodes {
		if !seenNodes[name] {
			delete(g.nodes, name)
		}
	}

	vms := map[string]*energy.VM{}
	for hostName, resident := range residents.VMs {
		for _, vm := range resident {
			if vm.Host == nil {
				vm.Host = g.hosts[hostName]
			}
			vms[vm.Name] = vm
		}
	}
	g.vms = vms

	return sortedValues(g.hosts)
}

// refreshCalibration re-reads the calibration of host once it is older than
// the refresh period
func (g *Gatherer) refreshCalibration(ctx context.Context, host *energy.Host, now time.Time) {
	if g.calibrationRefresh <= 0 || now.Sub(g.calibratedAt[host.Name]) < g.calibrationRefresh {
		return
	}
	fresh := energy.NewHost(host.HostID, host.Name)
	if err := store.Enrich(ctx, g.store, fresh); err != nil {
		g.logger.Warn("failed to refresh calibration", "host", host.Name, "error", err)
		return
	}
	g.calibratedAt[host.Name] = now
	if reflect.DeepEqual(fresh.Calibration, host.Calibration) &&
		reflect.DeepEqual(fresh.Accelerators, host.Accelerators) {
		return
	}
	host.Calibration = fresh.Calibration
	host.Accelerators = fresh.Accelerators
	host.Profile = fresh.Profile
	if g.invalidator != nil {
		g.invalidator.Invalidate(host.Name)
	}
	g.logger.Info("calibration changed", "host", host.Name, "points", len(host.Calibration))
}

// persistRegistry writes hosts and vms the store hasn't seen yet
func (g *Gatherer) persistRegistry(ctx context.Context) error {
	if !g.performGathering {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	var hosts []*energy.Host
	for name, h := range g.hosts {
		if !g.storedHosts[name] {
			hosts = append(hosts, h)
		}
	}
	for name, n := range g.nodes {
		if !g.storedHosts[name] {
			hosts = append(hosts, &n.Host)
		}
	}
	if err := g.store.SetHosts(ctx, hosts); err != nil {
		return fmt.Errorf("failed to persist hosts: %w", err)
	}
	for _, h := range hosts {
		g.storedHosts[h.Name] = true
	}

	var vms []*energy.VM
	for name, vm := range g.vms {
		if !g.storedVMs[name] {
			vms = append(vms, vm)
		}
	}
	if err := g.store.SetVMs(ctx, vms); err != nil {
		return fmt.Errorf("failed to persist vms: %w", err)
	}
	for _, vm := range vms {
		g.storedVMs[vm.Name] = true
	}
	return nil
}

// hostOffset amortizes the power of general purpose nodes over hosts
func (g *Gatherer) hostOffset(ctx context.Context, hostCount int) (energy.Power, error) {
	g.mu.RLock()
	nodes := make([]*energy.Host, 0, len(g.nodes))
	for _, n := range sortedValues(g.nodes) {
		nodes = append(nodes, &n.Host)
	}
	g.mu.RUnlock()

	if len(nodes) == 0 || hostCount == 0 {
		return g.overheadPerHost, nil
	}
	ms, err := g.telemetry.HostMeasurements(ctx, nodes)
	if err != nil {
		return 0, fmt.Errorf("failed to read general purpose node measurements: %w", err)
	}
	var total energy.Power
	for _, m := range ms {
		p, _ := m.Value(telemetry.MetricPower)
		total += energy.Power(p)
	}
	return total/energy.Power(hostCount) + g.overheadPerHost, nil
}

// record persists the reading of host and the load fractions of its
// residents, then attributes the reading to them in next
func (g *Gatherer) record(ctx context.Context, host *energy.Host, m telemetry.Measurement, residents []energy.Source, offset energy.Power, next *Snapshot) error {
	power, _ := m.Value(telemetry.MetricPower)
	total, _ := m.Value(telemetry.MetricEnergy)
	usage := HostUsage{
		Host:   host,
		Time:   m.Time,
		Power:  energy.Power(power),
		Energy: energy.Energy(total),
		Offset: offset,
	}

	resourceUsage, err := telemetry.ResidentMeasurements(ctx, g.telemetry, residents)
	if err != nil {
		return err
	}
	sample := telemetry.LoadFractionSample(host, m, residents, resourceUsage, offset)

	if g.performGathering {
		if err := g.store.WriteHostHistoricData(ctx, host, m.Time, usage.Power, usage.Energy); err != nil {
			return fmt.Errorf("failed to record host %s: %w", host.Name, err)
		}
		if err := g.store.WriteHostLoadFraction(ctx, sample); err != nil {
			return fmt.Errorf("failed to record load fraction of %s: %w", host.Name, err)
		}
	}

	next.dropHost(host.Name)
	next.Hosts[host.Name] = usage

	div := division.NewLoadFraction(host, sample)
	var vmEntries, appEntries []disklog.Entry
	for _, r := range residents {
		f, _ := sample.Fraction(r)
		w := WorkloadUsage{
			Source:   r,
			Host:     host.Name,
			Time:     m.Time,
			Fraction: f,
			Power:    energy.Power(div.ShareOf((usage.Power + offset).Watts(), r)),
		}
		next.Workloads[energy.KeyOf(r)] = w

		entries := []disklog.Entry{
			{Tag: r.ID(), Metric: "power", Value: w.Power.Watts()},
			{Tag: r.ID(), Metric: "load_fraction", Value: f},
		}
		switch r.Kind() {
		case energy.KindVM:
			vmEntries = append(vmEntries, entries...)
		case energy.KindApplication:
			appEntries = append(appEntries, entries...)
		}
	}

	if g.performGathering {
		if g.vmLog != nil && len(vmEntries) > 0 {
			g.vmLog.Log(vmEntries...)
		}
		if g.appLog != nil && len(appEntries) > 0 {
			g.appLog.Log(appEntries...)
		}
	}
	g.logger.Debug("recorded host", "host", host.Name, "power", usage.Power, "residents", len(residents))
	return nil
}

func sortedValues[V any](m map[string]V) []V {
	values := make([]V, 0, len(m))
	for _, k := range slices.Sorted(maps.Keys(m)) {
		values = append(values, m[k])
	}
	return values
}
