// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package collector

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/sustainable-computing-io/energy-modeller/config"
	"github.com/sustainable-computing-io/energy-modeller/internal/energy"
	"github.com/sustainable-computing-io/energy-modeller/internal/gatherer"
)

const hostLabel = "host"

// PowerCollector exports the latest gatherer snapshot. Every scrape reads
// a single snapshot so hosts and workloads are consistent.
type PowerCollector struct {
	dp           gatherer.DataProvider
	logger       *slog.Logger
	metricsLevel config.Level

	hostWatts       *prometheus.Desc
	hostWattHours   *prometheus.Desc
	hostOffsetWatts *prometheus.Desc

	vmWatts    *prometheus.Desc
	vmFraction *prometheus.Desc

	appWatts    *prometheus.Desc
	appFraction *prometheus.Desc
}

func wattsDesc(level string, labels []string) *prometheus.Desc {
	return prometheus.NewDesc(
		prometheus.BuildFQName(namespace, level, "power_watts"),
		fmt.Sprintf("Power consumption at %s level in watts", level),
		labels, nil)
}

func fractionDesc(level string, labels []string) *prometheus.Desc {
	return prometheus.NewDesc(
		prometheus.BuildFQName(namespace, level, "load_fraction"),
		fmt.Sprintf("Share of its host's load at %s level (value between 0.0 and 1.0)", level),
		labels, nil)
}

func NewPowerCollector(dp gatherer.DataProvider, logger *slog.Logger, metricsLevel config.Level) *PowerCollector {
	return &PowerCollector{
		dp:           dp,
		logger:       logger.With("collector", "power"),
		metricsLevel: metricsLevel,

		hostWatts: wattsDesc("host", []string{hostLabel}),
		hostWattHours: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "host", "energy_watt_hours_total"),
			"Cumulative energy consumption of a host in watt hours",
			[]string{hostLabel}, nil),
		hostOffsetWatts: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "host", "power_offset_watts"),
			"Shared infrastructure power amortized onto a host in watts",
			[]string{hostLabel}, nil),

		vmWatts:    wattsDesc("vm", []string{"vm", hostLabel}),
		vmFraction: fractionDesc("vm", []string{"vm", hostLabel}),

		appWatts:    wattsDesc("app", []string{"app", hostLabel}),
		appFraction: fractionDesc("app", []string{"app", hostLabel}),
	}
}

// Describe implements the prometheus.Collector interface
func (c *PowerCollector) Describe(ch chan<- *prometheus.Desc) {
	if c.metricsLevel.IsHostEnabled() {
		ch <- c.hostWatts
		ch <- c.hostWattHours
		ch <- c.hostOffsetWatts
	}
	if c.metricsLevel.IsVMEnabled() {
		ch <- c.vmWatts
		ch <- c.vmFraction
	}
	if c.metricsLevel.IsAppEnabled() {
		ch <- c.appWatts
		ch <- c.appFraction
	}
}

// Collect implements the prometheus.Collector interface
func (c *PowerCollector) Collect(ch chan<- prometheus.Metric) {
	snapshot := c.dp.Snapshot()
	if snapshot == nil {
		c.logger.Debug("Collect called before the first tick")
		return
	}

	started := time.Now()
	defer func() {
		c.logger.Debug("Collected power data", "duration", time.Since(started))
	}()

	if c.metricsLevel.IsHostEnabled() {
		for name, h := range snapshot.Hosts {
			ch <- prometheus.MustNewConstMetric(c.hostWatts, prometheus.GaugeValue, h.Power.Watts(), name)
			ch <- prometheus.MustNewConstMetric(c.hostWattHours, prometheus.CounterValue, h.Energy.WattHours(), name)
			ch <- prometheus.MustNewConstMetric(c.hostOffsetWatts, prometheus.GaugeValue, h.Offset.Watts(), name)
		}
	}

	for key, w := range snapshot.Workloads {
		switch {
		case key.Kind == energy.KindVM && c.metricsLevel.IsVMEnabled():
			ch <- prometheus.MustNewConstMetric(c.vmWatts, prometheus.GaugeValue, w.Power.Watts(), key.ID, w.Host)
			ch <- prometheus.MustNewConstMetric(c.vmFraction, prometheus.GaugeValue, w.Fraction, key.ID, w.Host)
		case key.Kind == energy.KindApplication && c.metricsLevel.IsAppEnabled():
			ch <- prometheus.MustNewConstMetric(c.appWatts, prometheus.GaugeValue, w.Power.Watts(), key.ID, w.Host)
			ch <- prometheus.MustNewConstMetric(c.appFraction, prometheus.GaugeValue, w.Fraction, key.ID, w.Host)
		}
	}
}
