// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

// Package division apportions a host's power or energy among the sources
// resident on it.
package division

import (
	"fmt"
	"slices"
	"strings"

	"github.com/sustainable-computing-io/energy-modeller/internal/energy"
)

// Division splits a single total value between the sources it was built
// for. Totals are in the unit of the caller (watts or watt-hours).
type Division interface {
	// ShareOf returns the part of total attributed to target. A target that
	// is not part of the division gets 0.
	ShareOf(total float64, target energy.Source) float64

	// SetConsiderIdle toggles granting every source an equal part of the
	// host's idle power before splitting the remainder
	SetConsiderIdle(bool)
	ConsiderIdle() bool
}

// Rule names a division rule
type Rule string

const (
	RuleEven         Rule = "even"
	RuleLoadFraction Rule = "load-fraction"
)

// Rules returns all supported rule names
func Rules() []Rule {
	rules := make([]Rule, 0, len(constructors))
	for r := range constructors {
		rules = append(rules, r)
	}
	slices.Sort(rules)
	return rules
}

type constructor func(host *energy.Host, sample energy.LoadFractionSample, opts ...OptionFn) Division

var constructors = map[Rule]constructor{
	RuleEven: func(host *energy.Host, sample energy.LoadFractionSample, opts ...OptionFn) Division {
		return NewEven(host, sample.Sources(), opts...)
	},
	RuleLoadFraction: func(host *energy.Host, sample energy.LoadFractionSample, opts ...OptionFn) Division {
		return NewLoadFraction(host, sample, opts...)
	},
}

// New creates the division for rule over the sources of sample
func New(rule Rule, host *energy.Host, sample energy.LoadFractionSample, opts ...OptionFn) (Division, error) {
	c, ok := constructors[rule]
	if !ok {
		return nil, fmt.Errorf("unknown division rule %q; must be one of %s", rule, joinRules(Rules()))
	}
	return c(host, sample, opts...), nil
}

func joinRules(rules []Rule) string {
	s := make([]string, len(rules))
	for i, r := range rules {
		s[i] = string(r)
	}
	return strings.Join(s, ", ")
}

// Opts configures a division
type Opts struct {
	considerIdle bool
	idleScale    float64
}

// DefaultOpts returns options for an instantaneous power division with idle
// folded into the total
func DefaultOpts() Opts {
	return Opts{
		considerIdle: false,
		idleScale:    1,
	}
}

// OptionFn is a function that sets one or more options in Opts
type OptionFn func(*Opts)

// WithConsiderIdle sets the initial idle toggle
func WithConsiderIdle(considerIdle bool) OptionFn {
	return func(o *Opts) {
		o.considerIdle = considerIdle
	}
}

// WithIdleScale converts the host's idle power into the unit of the totals
// passed to ShareOf. Use the period length in hours when dividing energy.
func WithIdleScale(scale float64) OptionFn {
	return func(o *Opts) {
		o.idleScale = scale
	}
}

// base holds the idle handling shared by every rule
type base struct {
	host         *energy.Host
	considerIdle bool
	idleScale    float64
}

func newBase(host *energy.Host, opts ...OptionFn) base {
	o := DefaultOpts()
	for _, fn := range opts {
		fn(&o)
	}
	return base{host: host, considerIdle: o.considerIdle, idleScale: o.idleScale}
}

func (b *base) SetConsiderIdle(considerIdle bool) {
	b.considerIdle = considerIdle
}

func (b *base) ConsiderIdle() bool {
	return b.considerIdle
}

// idleSplit returns the idle part granted to each of n sources and the
// remaining active total. The idle part never exceeds total.
func (b *base) idleSplit(total float64, n int) (perSource, active float64) {
	if !b.considerIdle || b.host == nil || n == 0 {
		return 0, total
	}
	idle := min(b.host.IdlePower().Watts()*b.idleScale, max(total, 0))
	return idle / float64(n), total - idle
}

// Even splits the total evenly across every source
type Even struct {
	base
	sources []energy.Source
}

var _ Division = (*Even)(nil)

// NewEven creates an even division over sources
func NewEven(host *energy.Host, sources []energy.Source, opts ...OptionFn) *Even {
	return &Even{
		base:    newBase(host, opts...),
		sources: slices.Clone(sources),
	}
}

func (d *Even) ShareOf(total float64, target energy.Source) float64 {
	n := len(d.sources)
	if n == 0 || !energy.ContainsSource(d.sources, target) {
		return 0
	}
	idle, active := d.idleSplit(total, n)
	return idle + active/float64(n)
}

// LoadFraction splits the total in proportion to the load fraction of each
// source in a sample
type LoadFraction struct {
	base
	sample energy.LoadFractionSample
}

var _ Division = (*LoadFraction)(nil)

// NewLoadFraction creates a division weighted by the fractions of sample
func NewLoadFraction(host *energy.Host, sample energy.LoadFractionSample, opts ...OptionFn) *LoadFraction {
	return &LoadFraction{
		base:   newBase(host, opts...),
		sample: sample,
	}
}

func (d *LoadFraction) ShareOf(total float64, target energy.Source) float64 {
	fraction, ok := d.sample.Fraction(target)
	if !ok {
		return 0
	}
	n := d.sample.Len()
	idle, active := d.idleSplit(total, n)

	sum := d.sample.Total()
	if sum == 0 {
		// no utilisation recorded, nobody is favoured
		return idle + active/float64(n)
	}
	return idle + active*fraction/sum
}
