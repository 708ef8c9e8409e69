// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/oklog/run"
)

// Init initializes services in order. When one fails the services
// initialized before it are shut down in reverse order.
func Init(logger *slog.Logger, services []Service) error {
	initialized := make([]Service, 0, len(services))
	for _, s := range services {
		srv, ok := s.(Initializer)
		if !ok {
			initialized = append(initialized, s)
			continue
		}

		logger.Info("Initializing service", "service", s.Name())
		if err := srv.Init(); err != nil {
			shutdown(logger, initialized)
			return fmt.Errorf("failed to initialize service %s: %w", s.Name(), err)
		}
		initialized = append(initialized, s)
	}
	return nil
}

func shutdown(logger *slog.Logger, services []Service) {
	for _, s := range slices.Backward(services) {
		srv, ok := s.(Shutdowner)
		if !ok {
			continue
		}
		if err := srv.Shutdown(); err != nil {
			logger.Error("failed to shutdown service", "service", s.Name(), "error", err)
		}
	}
}

// Run runs every Runner until the first one returns, then cancels the rest.
// Each Shutdowner is shut down once, runners as they stop and the others
// after every runner has returned.
func Run(outer context.Context, logger *slog.Logger, services []Service) error {
	ctx, cancel := context.WithCancel(outer)
	defer cancel()

	var g run.Group
	var idle []Service
	for _, s := range services {
		r, ok := s.(Runner)
		if !ok {
			idle = append(idle, s)
			continue
		}
		g.Add(
			func() error {
				logger.Info("Running service", "service", s.Name())
				return r.Run(ctx)
			},
			func(err error) {
				cancel()
				if err != nil {
					logger.Warn("service terminated", "service", s.Name(), "reason", err)
				}
				shutdown(logger, []Service{s})
			},
		)
	}

	err := g.Run()
	shutdown(logger, idle)
	return err
}
