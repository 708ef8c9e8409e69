// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sustainable-computing-io/energy-modeller/internal/service"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func serve(t *testing.T, h http.Handler, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func TestAPIServerRegister(t *testing.T) {
	s := NewAPIServer(WithLogger(testLogger()))
	assert.Equal(t, "api-server", s.Name())
	require.NoError(t, s.Init())

	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte("pong")) })
	require.NoError(t, s.Register("/ping", "Ping", "Answers pong", ok))
	assert.ErrorContains(t, s.Register("/ping", "Ping", "again", ok), "already registered")

	rec := serve(t, s.Handler(), "/ping")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "pong", rec.Body.String())

	rec = serve(t, s.Handler(), "/")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "<h1>Energy Modeller</h1>")
	assert.Contains(t, rec.Body.String(), `<a href="/ping">Ping</a> Answers pong`)

	assert.Equal(t, http.StatusNotFound, serve(t, s.Handler(), "/missing").Code)
}

func TestAPIServerRunAndShutdown(t *testing.T) {
	s := NewAPIServer(WithLogger(testLogger()), WithListen([]string{"127.0.0.1:0"}, ""))
	require.NoError(t, s.Init())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("server did not stop")
	}
	assert.NoError(t, s.Shutdown())
}

func TestAPIServerRunFailure(t *testing.T) {
	s := NewAPIServer(WithLogger(testLogger()), WithListen([]string{"127.0.0.1:0"}, "/does/not/exist.yaml"))
	assert.Error(t, s.Run(context.Background()))
}

func TestPprof(t *testing.T) {
	s := NewAPIServer(WithLogger(testLogger()))
	p := NewPprof(s)
	assert.Equal(t, "pprof", p.Name())
	require.NoError(t, p.Init())

	rec := serve(t, s.Handler(), "/debug/pprof/")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "goroutine")

	assert.Error(t, p.Init(), "registering twice fails")
}

type MockChecker struct {
	mock.Mock
	name string
}

func (m *MockChecker) Name() string  { return m.name }
func (m *MockChecker) IsLive() bool  { return m.Called().Bool(0) }
func (m *MockChecker) IsReady() bool { return m.Called().Bool(0) }

type plainService struct{}

func (plainService) Name() string { return "plain" }

func TestHealthProbe(t *testing.T) {
	tt := []struct {
		name       string
		live       bool
		ready      bool
		livezCode  int
		readyzCode int
	}{
		{name: "healthy", live: true, ready: true, livezCode: http.StatusOK, readyzCode: http.StatusOK},
		{name: "no data yet", live: true, ready: false, livezCode: http.StatusOK, readyzCode: http.StatusServiceUnavailable},
		{name: "stopped", live: false, ready: true, livezCode: http.StatusServiceUnavailable, readyzCode: http.StatusOK},
	}

	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			checker := &MockChecker{name: "gatherer"}
			checker.On("IsLive").Return(tc.live)
			checker.On("IsReady").Return(tc.ready)

			s := NewAPIServer(WithLogger(testLogger()))
			probe := NewHealthProbe(s, []service.Service{checker, plainService{}}, testLogger())
			assert.Equal(t, "health-probe", probe.Name())
			require.NoError(t, probe.Init())

			rec := serve(t, s.Handler(), "/probe/livez")
			assert.Equal(t, tc.livezCode, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
			var status HealthStatus
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
			assert.Equal(t, []ServiceHealth{{Name: "gatherer", Healthy: tc.live}}, status.Services)

			rec = serve(t, s.Handler(), "/probe/readyz")
			assert.Equal(t, tc.readyzCode, rec.Code)
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
			if tc.ready {
				assert.Equal(t, "ok", status.Status)
			} else {
				assert.Equal(t, "unhealthy", status.Status)
			}
		})
	}
}

func TestHealthProbeWithoutCheckers(t *testing.T) {
	s := NewAPIServer(WithLogger(testLogger()))
	require.NoError(t, NewHealthProbe(s, []service.Service{plainService{}}, testLogger()).Init())

	rec := serve(t, s.Handler(), "/probe/readyz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok","services":[]}`, rec.Body.String())
}
