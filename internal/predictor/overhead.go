// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package predictor

import (
	"context"
	"log/slog"

	"github.com/sustainable-computing-io/energy-modeller/internal/energy"
)

// PowerSource reports the current power of a host
type PowerSource interface {
	CurrentEnergyUsage(ctx context.Context, host *energy.Host) (energy.CurrentUsage, error)
}

// Overhead projects the power of general purpose nodes as a constant over a
// period
type Overhead struct {
	logger  *slog.Logger
	power   PowerSource
	perNode energy.Power
}

// NewOverhead creates an overhead projection. A positive perNode power is
// used for every node instead of querying src.
func NewOverhead(src PowerSource, perNode energy.Power, logger *slog.Logger) *Overhead {
	if logger == nil {
		logger = slog.Default()
	}
	return &Overhead{
		logger:  logger.With("service", "overhead"),
		power:   src,
		perNode: perNode,
	}
}

// Power is the combined current power of nodes. Nodes whose power can't be
// read contribute nothing.
func (o *Overhead) Power(ctx context.Context, nodes []*energy.GeneralPurposeNode) energy.Power {
	if o.perNode > 0 {
		return o.perNode * energy.Power(len(nodes))
	}
	var total energy.Power
	if o.power == nil {
		return total
	}
	for _, n := range nodes {
		usage, err := o.power.CurrentEnergyUsage(ctx, &n.Host)
		if err != nil {
			o.logger.Warn("failed to read general purpose node power", "node", n.Name, "error", err)
			continue
		}
		total += usage.Power
	}
	return total
}

// Predict projects the current overhead power of nodes over period. The
// prediction has no subject.
func (o *Overhead) Predict(ctx context.Context, nodes []*energy.GeneralPurposeNode, period energy.TimePeriod) (*energy.EnergyUsagePrediction, error) {
	if err := period.Validate(); err != nil {
		return nil, err
	}
	p := o.Power(ctx, nodes)
	return &energy.EnergyUsagePrediction{
		AvgPower:    p,
		TotalEnergy: energy.EnergyOver(p, period.Duration()),
		Period:      period,
	}, nil
}
