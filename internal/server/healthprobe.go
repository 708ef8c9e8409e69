// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/sustainable-computing-io/energy-modeller/internal/service"
)

// HealthProbe serves liveness and readiness of the services that report them
type HealthProbe struct {
	logger   *slog.Logger
	api      APIService
	services []service.Service
}

// ServiceHealth is the state of one service
type ServiceHealth struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
}

// HealthStatus is the body of both probes
type HealthStatus struct {
	Status   string          `json:"status"` // ok or unhealthy
	Services []ServiceHealth `json:"services"`
}

var _ service.Initializer = (*HealthProbe)(nil)

func NewHealthProbe(api APIService, services []service.Service, logger *slog.Logger) *HealthProbe {
	return &HealthProbe{
		logger:   logger.With("service", "health-probe"),
		api:      api,
		services: services,
	}
}

func (h *HealthProbe) Name() string {
	return "health-probe"
}

func (h *HealthProbe) Init() error {
	live := h.handler(func(s service.Service) (bool, bool) {
		c, ok := s.(service.LiveChecker)
		return ok && c.IsLive(), ok
	})
	if err := h.api.Register("/probe/livez", "Liveness", "200 while every service is working", live); err != nil {
		return err
	}

	ready := h.handler(func(s service.Service) (bool, bool) {
		c, ok := s.(service.ReadyChecker)
		return ok && c.IsReady(), ok
	})
	return h.api.Register("/probe/readyz", "Readiness", "200 once every service has data to serve", ready)
}

// handler reports on the services check applies to
func (h *HealthProbe) handler(check func(service.Service) (healthy, applies bool)) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		status := HealthStatus{Status: "ok", Services: []ServiceHealth{}}
		code := http.StatusOK
		for _, s := range h.services {
			healthy, applies := check(s)
			if !applies {
				continue
			}
			status.Services = append(status.Services, ServiceHealth{Name: s.Name(), Healthy: healthy})
			if !healthy {
				status.Status = "unhealthy"
				code = http.StatusServiceUnavailable
			}
		}
		writeJSON(h.logger, w, code, status)
	})
}

func writeJSON(logger *slog.Logger, w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Error("failed to encode JSON response", "error", err)
	}
}
