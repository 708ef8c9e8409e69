// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
)

// SignalHandler stops the run group when one of its signals arrives
type SignalHandler struct {
	logger  *slog.Logger
	signals []os.Signal
	ch      chan os.Signal
}

func NewSignalHandler(logger *slog.Logger, signals ...os.Signal) *SignalHandler {
	return &SignalHandler{
		logger:  logger.With("service", "signal-handler"),
		signals: signals,
		ch:      make(chan os.Signal, 1),
	}
}

func (sh *SignalHandler) Name() string {
	return "signal-handler"
}

func (sh *SignalHandler) Run(ctx context.Context) error {
	signal.Notify(sh.ch, sh.signals...)
	defer signal.Stop(sh.ch)

	select {
	case sig := <-sh.ch:
		sh.logger.Info("received signal, stopping", "signal", sig.String())
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
