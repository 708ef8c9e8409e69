// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package stdout

import (
	"cmp"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/tw"

	"github.com/sustainable-computing-io/energy-modeller/internal/gatherer"
	"github.com/sustainable-computing-io/energy-modeller/internal/service"
)

// Exporter prints the latest gatherer snapshot as tables
type Exporter struct {
	logger   *slog.Logger
	dp       gatherer.DataProvider
	out      io.WriteCloser
	ticker   *time.Ticker
	interval time.Duration

	printed time.Time // timestamp of the last printed snapshot
}

var (
	_ service.Initializer = (*Exporter)(nil)
	_ service.Runner      = (*Exporter)(nil)
	_ service.Shutdowner  = (*Exporter)(nil)
)

type Opts struct {
	logger   *slog.Logger
	out      io.WriteCloser
	interval time.Duration
}

// DefaultOpts() returns a new Opts with defaults set
func DefaultOpts() Opts {
	return Opts{
		logger:   slog.Default(),
		out:      os.Stdout,
		interval: 5 * time.Second,
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

func WithOutput(out io.WriteCloser) OptionFn {
	return func(o *Opts) {
		o.out = out
	}
}

func WithInterval(interval time.Duration) OptionFn {
	return func(o *Opts) {
		o.interval = interval
	}
}

func NewExporter(dp gatherer.DataProvider, applyOpts ...OptionFn) *Exporter {
	opts := DefaultOpts()
	for _, apply := range applyOpts {
		apply(&opts)
	}

	return &Exporter{
		logger:   opts.logger.With("service", "stdout"),
		dp:       dp,
		out:      opts.out,
		interval: opts.interval,
	}
}

func (e *Exporter) Init() error {
	if e.interval <= 0 {
		return fmt.Errorf("invalid stdout interval %s", e.interval)
	}
	e.ticker = time.NewTicker(e.interval)
	return nil
}

// Run prints every snapshot that is newer than the last one printed
func (e *Exporter) Run(ctx context.Context) error {
	for {
		select {
		case <-e.ticker.C:
			e.printLatest()
		case <-ctx.Done():
			e.logger.Info("Exiting ticker")
			return nil
		}
	}
}

func (e *Exporter) printLatest() {
	snapshot := e.dp.Snapshot()
	if snapshot == nil || !snapshot.Timestamp.After(e.printed) {
		return
	}
	e.printed = snapshot.Timestamp
	write(e.out, snapshot)
}

func write(out io.Writer, snapshot *gatherer.Snapshot) {
	_, _ = fmt.Fprintf(out, "%s\n", snapshot.Timestamp.UTC().Format(time.RFC3339))
	writeHosts(out, snapshot)
	if len(snapshot.Workloads) > 0 {
		writeWorkloads(out, snapshot)
	}
}

func newTable(out io.Writer) *tablewriter.Table {
	table := tablewriter.NewWriter(out)
	table.Configure(func(cfg *tablewriter.Config) {
		cfg.Row.Formatting.Alignment = tw.AlignRight
	})
	return table
}

func watts(v float64) string {
	return fmt.Sprintf("%.2f", v)
}

func writeHosts(out io.Writer, snapshot *gatherer.Snapshot) {
	rows := [][]string{}
	for name, usage := range snapshot.Hosts {
		rows = append(rows, []string{
			name,
			watts(usage.Power.Watts()),
			watts(usage.Offset.Watts()),
			fmt.Sprintf("%.2f", usage.Energy.WattHours()),
		})
	}
	slices.SortFunc(rows, func(a, b []string) int { return cmp.Compare(a[0], b[0]) })

	table := newTable(out)
	table.Header([]string{"Host", "Power(W)", "Offset(W)", "Energy(Wh)"})
	_ = table.Bulk(rows)
	_ = table.Render()
}

func writeWorkloads(out io.Writer, snapshot *gatherer.Snapshot) {
	rows := [][]string{}
	for key, usage := range snapshot.Workloads {
		rows = append(rows, []string{
			usage.Host,
			string(key.Kind),
			key.ID,
			fmt.Sprintf("%.3f", usage.Fraction),
			watts(usage.Power.Watts()),
		})
	}
	slices.SortFunc(rows, func(a, b []string) int {
		return cmp.Or(cmp.Compare(a[0], b[0]), cmp.Compare(a[1], b[1]), cmp.Compare(a[2], b[2]))
	})

	table := newTable(out)
	table.Header([]string{"Host", "Kind", "Name", "Fraction", "Power(W)"})
	_ = table.Bulk(rows)
	_ = table.Render()
}

func (e *Exporter) Shutdown() error {
	if e.ticker != nil {
		e.ticker.Stop()
	}
	return e.out.Close()
}

// Name implements service.Name
func (e *Exporter) Name() string {
	return "stdout"
}
