// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"testing"
	"time"

	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
	"github.com/prometheus/prometheus/promql/parser"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/sustainable-computing-io/energy-modeller/internal/energy"
)

// series is a synthetic time series. Instant selectors and rate() both read
// rate as the sample value; count() and timestamp() are the only consumers
// of instant selectors in the default queries.
type series struct {
	labels map[string]string
	rate   float64
	ts     time.Time
}

type point struct {
	labels map[string]string
	value  float64
}

type evalResult struct {
	scalar bool
	value  float64
	vector []point
}

// promqlQuerier evaluates the PromQL subset used by DefaultQueries against
// a fixed set of series
type promqlQuerier struct {
	series []series
}

func (q *promqlQuerier) Query(_ context.Context, query string, ts time.Time, _ ...v1.Option) (model.Value, v1.Warnings, error) {
	expr, err := parser.ParseExpr(query)
	if err != nil {
		return nil, nil, err
	}
	r, err := q.eval(expr)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", query, err)
	}
	at := model.TimeFromUnixNano(ts.UnixNano())
	if r.scalar {
		return &model.Scalar{Value: model.SampleValue(r.value), Timestamp: at}, nil, nil
	}
	vec := make(model.Vector, 0, len(r.vector))
	for _, p := range r.vector {
		m := model.Metric{}
		for k, v := range p.labels {
			m[model.LabelName(k)] = model.LabelValue(v)
		}
		vec = append(vec, &model.Sample{Metric: m, Value: model.SampleValue(p.value), Timestamp: at})
	}
	return vec, nil, nil
}

func (q *promqlQuerier) eval(expr parser.Expr) (evalResult, error) {
	switch e := expr.(type) {
	case *parser.NumberLiteral:
		return evalResult{scalar: true, value: e.Val}, nil
	case *parser.ParenExpr:
		return q.eval(e.Expr)
	case *parser.VectorSelector:
		return evalResult{vector: q.selectPoints(e, func(s series) float64 { return s.rate })}, nil
	case *parser.Call:
		return q.call(e)
	case *parser.AggregateExpr:
		in, err := q.eval(e.Expr)
		if err != nil {
			return evalResult{}, err
		}
		return aggregate(e.Op, e.Grouping, in.vector)
	case *parser.BinaryExpr:
		lhs, err := q.eval(e.LHS)
		if err != nil {
			return evalResult{}, err
		}
		rhs, err := q.eval(e.RHS)
		if err != nil {
			return evalResult{}, err
		}
		return binary(e, lhs, rhs)
	}
	return evalResult{}, fmt.Errorf("unsupported expression %T", expr)
}

func (q *promqlQuerier) call(c *parser.Call) (evalResult, error) {
	switch c.Func.Name {
	case "rate":
		ms, ok := c.Args[0].(*parser.MatrixSelector)
		if !ok {
			return evalResult{}, fmt.Errorf("rate of %T", c.Args[0])
		}
		vs, ok := ms.VectorSelector.(*parser.VectorSelector)
		if !ok {
			return evalResult{}, fmt.Errorf("rate of %T", ms.VectorSelector)
		}
		return evalResult{vector: q.selectPoints(vs, func(s series) float64 { return s.rate })}, nil
	case "timestamp":
		vs, ok := c.Args[0].(*parser.VectorSelector)
		if !ok {
			return evalResult{}, fmt.Errorf("timestamp of %T", c.Args[0])
		}
		return evalResult{vector: q.selectPoints(vs, func(s series) float64 {
			return float64(s.ts.UnixMilli()) / 1000
		})}, nil
	}
	return evalResult{}, fmt.Errorf("unsupported function %s", c.Func.Name)
}

func (q *promqlQuerier) selectPoints(vs *parser.VectorSelector, value func(series) float64) []point {
	ret := []point{}
	for _, s := range q.series {
		matched := true
		for _, m := range vs.LabelMatchers {
			if !m.Matches(s.labels[m.Name]) {
				matched = false
				break
			}
		}
		if !matched {
			continue
		}
		lbls := map[string]string{}
		for k, v := range s.labels {
			if k != model.MetricNameLabel {
				lbls[k] = v
			}
		}
		ret = append(ret, point{labels: lbls, value: value(s)})
	}
	return ret
}

func labelKey(lbls map[string]string) string {
	pairs := make([]string, 0, len(lbls))
	for k, v := range lbls {
		pairs = append(pairs, k+"="+v)
	}
	slices.Sort(pairs)
	return strings.Join(pairs, ",")
}

func subset(lbls map[string]string, names []string) map[string]string {
	ret := map[string]string{}
	for _, n := range names {
		if v, ok := lbls[n]; ok {
			ret[n] = v
		}
	}
	return ret
}

func aggregate(op parser.ItemType, grouping []string, in []point) (evalResult, error) {
	type group struct {
		labels map[string]string
		values []float64
	}
	groups := map[string]*group{}
	var order []string
	for _, p := range in {
		lbls := subset(p.labels, grouping)
		k := labelKey(lbls)
		g, ok := groups[k]
		if !ok {
			g = &group{labels: lbls}
			groups[k] = g
			order = append(order, k)
		}
		g.values = append(g.values, p.value)
	}

	out := []point{}
	for _, k := range order {
		g := groups[k]
		var v float64
		switch op {
		case parser.SUM:
			v = floats.Sum(g.values)
		case parser.AVG:
			v = stat.Mean(g.values, nil)
		case parser.COUNT:
			v = float64(len(g.values))
		case parser.MAX:
			v = floats.Max(g.values)
		default:
			return evalResult{}, fmt.Errorf("unsupported aggregation %s", op)
		}
		out = append(out, point{labels: g.labels, value: v})
	}
	return evalResult{vector: out}, nil
}

func binary(e *parser.BinaryExpr, lhs, rhs evalResult) (evalResult, error) {
	apply := func(a, b float64) (float64, error) {
		switch e.Op {
		case parser.ADD:
			return a + b, nil
		case parser.SUB:
			return a - b, nil
		case parser.MUL:
			return a * b, nil
		case parser.DIV:
			return a / b, nil
		}
		return 0, fmt.Errorf("unsupported operator %s", e.Op)
	}

	if lhs.scalar && rhs.scalar {
		v, err := apply(lhs.value, rhs.value)
		return evalResult{scalar: true, value: v}, err
	}
	if lhs.scalar || rhs.scalar {
		vec := lhs.vector
		if lhs.scalar {
			vec = rhs.vector
		}
		out := []point{}
		for _, p := range vec {
			a, b := p.value, rhs.value
			if lhs.scalar {
				a, b = lhs.value, p.value
			}
			v, err := apply(a, b)
			if err != nil {
				return evalResult{}, err
			}
			out = append(out, point{labels: p.labels, value: v})
		}
		return evalResult{vector: out}, nil
	}

	matchKey := func(lbls map[string]string) string {
		if e.VectorMatching == nil || !e.VectorMatching.On {
			return labelKey(lbls)
		}
		return labelKey(subset(lbls, e.VectorMatching.MatchingLabels))
	}
	right := map[string]float64{}
	for _, p := range rhs.vector {
		right[matchKey(p.labels)] = p.value
	}
	out := []point{}
	for _, p := range lhs.vector {
		b, ok := right[matchKey(p.labels)]
		if !ok {
			continue
		}
		v, err := apply(p.value, b)
		if err != nil {
			return evalResult{}, err
		}
		out = append(out, point{labels: p.labels, value: v})
	}
	return evalResult{vector: out}, nil
}

// nodeSeries returns the node exporter cpu counters of a host whose cores
// are each busy for busy seconds per second, and its Kepler power
func nodeSeries(host string, cores int, busy float64, scraped time.Time) []series {
	ret := []series{{
		labels: map[string]string{model.MetricNameLabel: "kepler_node_cpu_watts", "instance": host},
		rate:   200,
		ts:     scraped,
	}}
	for cpu := range cores {
		for mode, rate := range map[string]float64{"idle": 1 - busy, "user": busy} {
			ret = append(ret, series{
				labels: map[string]string{
					model.MetricNameLabel: "node_cpu_seconds_total",
					"instance":            host,
					"cpu":                 fmt.Sprint(cpu),
					"mode":                mode,
				},
				rate: rate,
				ts:   scraped,
			})
		}
	}
	return ret
}

func vmSeries(host, vm string, cores float64, scraped time.Time) series {
	return series{
		labels: map[string]string{
			model.MetricNameLabel: "libvirt_domain_info_cpu_time_seconds_total",
			"instance":            host,
			"vm_name":             vm,
		},
		rate: cores,
		ts:   scraped,
	}
}

func TestDefaultQueriesLoadFractions(t *testing.T) {
	ctx := context.Background()
	scraped := time.Unix(480, 0)

	tt := []struct {
		name      string
		cores     int
		busy      float64
		vmCores   map[string]float64
		hostUsage float64
		fractions map[string]float64
	}{{
		name:      "eight cores half busy",
		cores:     8,
		busy:      0.5,
		vmCores:   map[string]float64{"vm-a": 3, "vm-b": 1},
		hostUsage: 50,
		fractions: map[string]float64{"vm-a": 0.75, "vm-b": 0.25},
	}, {
		name:      "one vm saturating its host",
		cores:     4,
		busy:      1,
		vmCores:   map[string]float64{"vm-a": 4},
		hostUsage: 100,
		fractions: map[string]float64{"vm-a": 1},
	}, {
		name:      "sixteen cores with host overhead",
		cores:     16,
		busy:      0.25,
		vmCores:   map[string]float64{"vm-a": 1.5, "vm-b": 1.5, "vm-c": 0.5},
		hostUsage: 25,
		fractions: map[string]float64{"vm-a": 0.375, "vm-b": 0.375, "vm-c": 0.125},
	}}

	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			q := &promqlQuerier{series: nodeSeries("node-1", tc.cores, tc.busy, scraped)}
			for vm, c := range tc.vmCores {
				q.series = append(q.series, vmSeries("node-1", vm, c, scraped))
			}
			p := newPrometheus(q, WithPrometheusClock(testingclock.NewFakeClock(time.Unix(500, 0))))

			hosts, err := p.Hosts(ctx)
			require.NoError(t, err)
			require.Len(t, hosts, 1)
			hostMs, err := p.HostMeasurements(ctx, hosts)
			require.NoError(t, err)
			require.Len(t, hostMs, 1)
			usage, _ := hostMs[0].Value(MetricCPUSpotUsage)
			assert.InDelta(t, tc.hostUsage, usage, 1e-9)

			residents, err := ListResidents(ctx, p)
			require.NoError(t, err)
			onHost := residents.Of("node-1")
			require.Len(t, onHost, len(tc.vmCores))
			vmMs, err := ResidentMeasurements(ctx, p, onHost)
			require.NoError(t, err)

			s := LoadFractionSample(hosts[0], hostMs[0], onHost, vmMs, 0)
			for _, r := range onHost {
				f, ok := s.Fraction(r)
				require.True(t, ok)
				assert.InDelta(t, tc.fractions[r.ID()], f, 1e-9, r.ID())
			}
		})
	}
}

func TestDefaultQueriesScrapeTime(t *testing.T) {
	ctx := context.Background()
	scraped := time.Unix(480, 0)
	q := &promqlQuerier{series: append(nodeSeries("node-1", 2, 0.5, scraped), vmSeries("node-1", "vm-a", 1, scraped))}
	clk := testingclock.NewFakeClock(time.Unix(500, 0))
	p := newPrometheus(q, WithPrometheusClock(clk))
	host := []*energy.Host{energy.NewHost(1, "node-1")}

	first, err := p.HostMeasurements(ctx, host)
	require.NoError(t, err)
	clk.Step(5 * time.Second)
	second, err := p.HostMeasurements(ctx, host)
	require.NoError(t, err)

	require.Len(t, first, 1)
	require.Len(t, second, 1)
	assert.Equal(t, scraped, first[0].Time)
	assert.Equal(t, first[0].Time, second[0].Time, "no new scrape, same time")
	assert.NotContains(t, first[0].Metrics, MetricScrapeTime)

	vms, err := p.VMMeasurements(ctx, []*energy.VM{energy.NewVM(1, "vm-a")})
	require.NoError(t, err)
	require.Len(t, vms, 1)
	assert.Equal(t, scraped, vms[0].Time)
}

func TestQueriesValidate(t *testing.T) {
	tt := []struct {
		name    string
		mutate  func(*Queries)
		wantErr string
	}{
		{name: "defaults", mutate: func(*Queries) {}},
		{
			name:    "missing discovery query",
			mutate:  func(q *Queries) { delete(q.VM, MetricCPUSpotUsage) },
			wantErr: "vm queries: missing " + MetricCPUSpotUsage,
		},
		{
			name:    "unparsable query",
			mutate:  func(q *Queries) { q.Host[MetricMemoryTotal] = "sum by (instance (" },
			wantErr: "host query " + MetricMemoryTotal,
		},
	}

	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			q := DefaultQueries()
			tc.mutate(&q)
			err := q.Validate()
			if tc.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tc.wantErr)
		})
	}
}
