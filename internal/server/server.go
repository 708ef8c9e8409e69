// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

// Package server hosts the HTTP endpoints of the modeller
package server

import (
	"context"
	"fmt"
	"html"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/exporter-toolkit/web"

	"github.com/sustainable-computing-io/energy-modeller/internal/service"
)

// DefaultListenAddress is used when no listen address is configured
const DefaultListenAddress = ":28283"

// APIService defines the interface for the HTTP server providing API endpoints
type APIService interface {
	service.Service
	Register(endpoint, summary, description string, handler http.Handler) error
}

type endpoint struct {
	path, summary, description string
}

// APIServer serves every registered endpoint and a landing page listing them
type APIServer struct {
	logger    *slog.Logger
	server    *http.Server
	mux       *http.ServeMux
	endpoints []endpoint
	webConfig *web.FlagConfig
}

var (
	_ APIService          = (*APIServer)(nil)
	_ service.Initializer = (*APIServer)(nil)
	_ service.Runner      = (*APIServer)(nil)
	_ service.Shutdowner  = (*APIServer)(nil)
)

type Opts struct {
	logger    *slog.Logger
	webConfig *web.FlagConfig
}

// OptionFn is a function sets one or more options in Opts struct
type OptionFn func(*Opts)

// WithLogger sets the logger for the APIServer
func WithLogger(logger *slog.Logger) OptionFn {
	return func(o *Opts) {
		o.logger = logger
	}
}

// WithListen sets the listening addresses and the exporter-toolkit web
// config file enabling TLS and basic auth
func WithListen(addrs []string, webConfigFile string) OptionFn {
	return func(o *Opts) {
		o.webConfig = &web.FlagConfig{
			WebListenAddresses: &addrs,
			WebConfigFile:      &webConfigFile,
		}
	}
}

// DefaultOpts returns the default options
func DefaultOpts() Opts {
	noWebConfig := ""
	return Opts{
		logger: slog.Default(),
		webConfig: &web.FlagConfig{
			WebListenAddresses: &[]string{DefaultListenAddress},
			WebConfigFile:      &noWebConfig,
		},
	}
}

// NewAPIServer creates a new APIServer instance
func NewAPIServer(applyOpts ...OptionFn) *APIServer {
	opts := DefaultOpts()
	for _, apply := range applyOpts {
		apply(&opts)
	}

	mux := http.NewServeMux()
	return &APIServer{
		logger: opts.logger.With("service", "api-server"),
		mux:    mux,
		server: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
		webConfig: opts.webConfig,
	}
}

func (s *APIServer) Name() string {
	return "api-server"
}

func (s *APIServer) Init() error {
	s.logger.Info("Initializing energy modeller server")
	s.mux.HandleFunc("/", s.landingPage)
	return nil
}

func (s *APIServer) landingPage(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	var items strings.Builder
	for _, e := range s.endpoints {
		fmt.Fprintf(&items, "\t<li><a href=\"%s\">%s</a> %s</li>\n",
			html.EscapeString(e.path), html.EscapeString(e.summary), html.EscapeString(e.description))
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, err := fmt.Fprintf(w, `<html>
<head><title>Energy Modeller</title></head>
<body>
<h1>Energy Modeller</h1>
<p>Available endpoints:</p>
<ul>
%s</ul>
</body>
</html>`, items.String())
	if err != nil {
		s.logger.Error("failed to write landing page", "error", err)
	}
}

func (s *APIServer) Run(ctx context.Context) error {
	s.logger.Info("Running energy modeller server", "addresses", *s.webConfig.WebListenAddresses)
	errCh := make(chan error, 1)
	go func() {
		errCh <- web.ListenAndServe(s.server, s.webConfig, s.logger)
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		s.logger.Error("server returned an error", "error", err)
		return err
	}
}

func (s *APIServer) Shutdown() error {
	s.logger.Info("shutting down API server")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// Register serves handler at endpoint. Each endpoint can be registered once.
func (s *APIServer) Register(path, summary, description string, handler http.Handler) error {
	for _, e := range s.endpoints {
		if e.path == path {
			return fmt.Errorf("endpoint %s is already registered", path)
		}
	}
	s.mux.Handle(path, handler)
	s.endpoints = append(s.endpoints, endpoint{path: path, summary: summary, description: description})
	s.logger.Debug("Endpoint registered", "endpoint", path)
	return nil
}

// Handler exposes the mux, mostly for tests
func (s *APIServer) Handler() http.Handler {
	return s.mux
}
