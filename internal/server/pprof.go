// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"net/http"
	"net/http/pprof"

	"github.com/sustainable-computing-io/energy-modeller/internal/service"
)

// Pprof exposes the runtime profiles under /debug/pprof/
type Pprof struct {
	api APIService
}

var _ service.Initializer = (*Pprof)(nil)

func NewPprof(api APIService) *Pprof {
	return &Pprof{api: api}
}

func (p *Pprof) Name() string {
	return "pprof"
}

func (p *Pprof) Init() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	return p.api.Register("/debug/pprof/", "pprof", "Profiling data", mux)
}
