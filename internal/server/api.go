// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"k8s.io/utils/clock"

	"github.com/sustainable-computing-io/energy-modeller/internal/energy"
	"github.com/sustainable-computing-io/energy-modeller/internal/service"
	"github.com/sustainable-computing-io/energy-modeller/internal/telemetry"
)

// Modeller answers the queries of the API
type Modeller interface {
	Hosts(ctx context.Context) ([]*energy.Host, error)
	Host(ctx context.Context, name string) (*energy.Host, error)
	VM(ctx context.Context, name string) (*energy.VM, *energy.Host, error)

	HostForecast(ctx context.Context, host *energy.Host, period energy.TimePeriod) *energy.EnergyUsagePrediction
	VMForecast(ctx context.Context, vm *energy.VM, host *energy.Host, period energy.TimePeriod) *energy.EnergyUsagePrediction
	HistoricHostEnergy(ctx context.Context, host *energy.Host, period energy.TimePeriod) *energy.EnergyUsagePrediction
	HistoricSourceEnergy(ctx context.Context, host *energy.Host, target energy.Source, period energy.TimePeriod) *energy.EnergyUsagePrediction

	CurrentHostUsage(ctx context.Context, host *energy.Host) *energy.CurrentUsage
	CurrentVMUsage(ctx context.Context, vm *energy.VM) *energy.CurrentUsage
}

// defaultSpan is the length of a period when the query doesn't bound it
const defaultSpan = time.Hour

// API serves forecasts and history over HTTP under /api/v1/
type API struct {
	logger   *slog.Logger
	clock    clock.PassiveClock
	api      APIService
	modeller Modeller
}

var _ service.Initializer = (*API)(nil)

func NewAPI(api APIService, m Modeller, c clock.PassiveClock, logger *slog.Logger) *API {
	return &API{
		logger:   logger.With("service", "query-api"),
		clock:    c,
		api:      api,
		modeller: m,
	}
}

func (a *API) Name() string {
	return "query-api"
}

func (a *API) Init() error {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/hosts", a.listHosts)
	mux.HandleFunc("GET /api/v1/hosts/{name}/forecast", a.hostForecast)
	mux.HandleFunc("GET /api/v1/hosts/{name}/history", a.hostHistory)
	mux.HandleFunc("GET /api/v1/vms/{name}/forecast", a.vmForecast)
	mux.HandleFunc("GET /api/v1/vms/{name}/history", a.vmHistory)
	return a.api.Register("/api/v1/", "Query API", "Host and vm energy forecasts and history", mux)
}

type (
	HostResponse struct {
		Name              string   `json:"name"`
		Calibrated        bool     `json:"calibrated"`
		IdlePowerWatts    float64  `json:"idlePowerWatts"`
		MaxPowerWatts     float64  `json:"maxPowerWatts"`
		CurrentPowerWatts *float64 `json:"currentPowerWatts,omitempty"`
	}

	PredictionResponse struct {
		Subject              string    `json:"subject"`
		Kind                 string    `json:"kind"`
		Host                 string    `json:"host"`
		Start                time.Time `json:"start"`
		End                  time.Time `json:"end"`
		AvgPowerWatts        float64   `json:"avgPowerWatts"`
		TotalEnergyWattHours float64   `json:"totalEnergyWattHours"`
		CurrentPowerWatts    *float64  `json:"currentPowerWatts,omitempty"`
	}

	ErrorResponse struct {
		Error string `json:"error"`
	}
)

func (a *API) fail(w http.ResponseWriter, code int, err error) {
	if code >= http.StatusInternalServerError {
		a.logger.Error("query failed", "error", err)
	}
	writeJSON(a.logger, w, code, ErrorResponse{Error: err.Error()})
}

// lookupFailed maps unknown subjects to 404 and the rest to 502
func (a *API) lookupFailed(w http.ResponseWriter, err error) {
	if errors.Is(err, telemetry.ErrNotFound) {
		a.fail(w, http.StatusNotFound, err)
		return
	}
	a.fail(w, http.StatusBadGateway, err)
}

func unixParam(r *http.Request, name string) (time.Time, bool, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return time.Time{}, false, nil
	}
	sec, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("%s must be unix seconds: %q", name, raw)
	}
	return time.Unix(sec, 0), true, nil
}

// period reads start and end. A missing bound is defaultSpan away from the
// other; with both missing the period starts now for forecasts and ends now
// for history.
func (a *API) period(r *http.Request, forward bool) (energy.TimePeriod, error) {
	start, hasStart, err := unixParam(r, "start")
	if err != nil {
		return energy.TimePeriod{}, err
	}
	end, hasEnd, err := unixParam(r, "end")
	if err != nil {
		return energy.TimePeriod{}, err
	}

	switch {
	case hasStart && hasEnd:
	case hasStart:
		end = start.Add(defaultSpan)
	case hasEnd:
		start = end.Add(-defaultSpan)
	case forward:
		start = a.clock.Now()
		end = start.Add(defaultSpan)
	default:
		end = a.clock.Now()
		start = end.Add(-defaultSpan)
	}

	p := energy.NewTimePeriod(start, end)
	return p, p.Validate()
}

func predictionOf(p *energy.EnergyUsagePrediction, host string, current *energy.CurrentUsage) PredictionResponse {
	resp := PredictionResponse{
		Subject:              p.Subject.ID(),
		Kind:                 string(p.Subject.Kind()),
		Host:                 host,
		Start:                p.Period.Start.UTC(),
		End:                  p.Period.End.UTC(),
		AvgPowerWatts:        p.AvgPower.Watts(),
		TotalEnergyWattHours: p.TotalEnergy.WattHours(),
	}
	if current != nil {
		w := current.Power.Watts()
		resp.CurrentPowerWatts = &w
	}
	return resp
}

func (a *API) listHosts(w http.ResponseWriter, r *http.Request) {
	hosts, err := a.modeller.Hosts(r.Context())
	if err != nil {
		a.fail(w, http.StatusBadGateway, err)
		return
	}

	resp := make([]HostResponse, 0, len(hosts))
	for _, h := range hosts {
		hr := HostResponse{
			Name:           h.Name,
			Calibrated:     h.IsCalibrated(),
			IdlePowerWatts: h.IdlePower().Watts(),
			MaxPowerWatts:  h.MaxPower().Watts(),
		}
		if u := a.modeller.CurrentHostUsage(r.Context(), h); u != nil {
			p := u.Power.Watts()
			hr.CurrentPowerWatts = &p
		}
		resp = append(resp, hr)
	}
	writeJSON(a.logger, w, http.StatusOK, resp)
}

// hostQuery resolves the host and the period of a host endpoint
func (a *API) hostQuery(w http.ResponseWriter, r *http.Request, forward bool) (*energy.Host, energy.TimePeriod, bool) {
	period, err := a.period(r, forward)
	if err != nil {
		a.fail(w, http.StatusBadRequest, err)
		return nil, period, false
	}
	host, err := a.modeller.Host(r.Context(), r.PathValue("name"))
	if err != nil {
		a.lookupFailed(w, err)
		return nil, period, false
	}
	return host, period, true
}

func (a *API) vmQuery(w http.ResponseWriter, r *http.Request, forward bool) (*energy.VM, *energy.Host, energy.TimePeriod, bool) {
	period, err := a.period(r, forward)
	if err != nil {
		a.fail(w, http.StatusBadRequest, err)
		return nil, nil, period, false
	}
	vm, host, err := a.modeller.VM(r.Context(), r.PathValue("name"))
	if err != nil {
		a.lookupFailed(w, err)
		return nil, nil, period, false
	}
	return vm, host, period, true
}

func (a *API) respond(w http.ResponseWriter, p *energy.EnergyUsagePrediction, host string, current *energy.CurrentUsage) {
	if p == nil {
		a.fail(w, http.StatusServiceUnavailable, errors.New("no prediction available"))
		return
	}
	writeJSON(a.logger, w, http.StatusOK, predictionOf(p, host, current))
}

func (a *API) hostForecast(w http.ResponseWriter, r *http.Request) {
	host, period, ok := a.hostQuery(w, r, true)
	if !ok {
		return
	}
	a.respond(w, a.modeller.HostForecast(r.Context(), host, period), host.Name,
		a.modeller.CurrentHostUsage(r.Context(), host))
}

func (a *API) hostHistory(w http.ResponseWriter, r *http.Request) {
	host, period, ok := a.hostQuery(w, r, false)
	if !ok {
		return
	}
	a.respond(w, a.modeller.HistoricHostEnergy(r.Context(), host, period), host.Name, nil)
}

func (a *API) vmForecast(w http.ResponseWriter, r *http.Request) {
	vm, host, period, ok := a.vmQuery(w, r, true)
	if !ok {
		return
	}
	a.respond(w, a.modeller.VMForecast(r.Context(), vm, host, period), host.Name,
		a.modeller.CurrentVMUsage(r.Context(), vm))
}

func (a *API) vmHistory(w http.ResponseWriter, r *http.Request) {
	vm, host, period, ok := a.vmQuery(w, r, false)
	if !ok {
		return
	}
	a.respond(w, a.modeller.HistoricSourceEnergy(r.Context(), host, vm, period), host.Name, nil)
}
