// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package stdout

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sustainable-computing-io/energy-modeller/internal/energy"
	"github.com/sustainable-computing-io/energy-modeller/internal/gatherer"
)

type MockDataProvider struct {
	mock.Mock
}

func (m *MockDataProvider) Snapshot() *gatherer.Snapshot {
	s, _ := m.Called().Get(0).(*gatherer.Snapshot)
	return s
}

func (m *MockDataProvider) DataChannel() <-chan struct{} {
	return m.Called().Get(0).(<-chan struct{})
}

// syncBuffer is a WriteCloser safe to read while Run writes to it
type syncBuffer struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	closed bool
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testSnapshot(ts int64) *gatherer.Snapshot {
	s := gatherer.NewSnapshot()
	s.Timestamp = time.Unix(ts, 0)
	host := energy.NewHost(1, "node-1")
	s.Hosts["node-1"] = gatherer.HostUsage{Host: host, Time: s.Timestamp, Power: 180, Energy: 5, Offset: 20}
	s.Hosts["node-2"] = gatherer.HostUsage{Host: energy.NewHost(2, "node-2"), Time: s.Timestamp, Power: 95.5}

	vm := energy.NewVM(1, "vm-1")
	vm.Host = host
	app := energy.NewApplication(1, "train", host)
	s.Workloads[energy.KeyOf(vm)] = gatherer.WorkloadUsage{Source: vm, Host: "node-1", Time: s.Timestamp, Fraction: 0.25, Power: 40}
	s.Workloads[energy.KeyOf(app)] = gatherer.WorkloadUsage{Source: app, Host: "node-1", Time: s.Timestamp, Fraction: 0.75, Power: 120}
	return s
}

func TestNewExporter(t *testing.T) {
	tt := []struct {
		name     string
		opts     []OptionFn
		out      io.WriteCloser
		interval time.Duration
	}{
		{name: "default options", out: os.Stdout, interval: 5 * time.Second},
		{
			name:     "custom options",
			opts:     []OptionFn{WithLogger(testLogger()), WithOutput(os.Stderr), WithInterval(20 * time.Second)},
			out:      os.Stderr,
			interval: 20 * time.Second,
		},
	}
	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			dp := &MockDataProvider{}
			e := NewExporter(dp, tc.opts...)
			assert.Equal(t, "stdout", e.Name())
			assert.Same(t, dp, e.dp)
			assert.Same(t, tc.out, e.out)
			assert.Equal(t, tc.interval, e.interval)
		})
	}
}

func TestInitRejectsInterval(t *testing.T) {
	e := NewExporter(&MockDataProvider{}, WithInterval(0))
	assert.Error(t, e.Init())
}

func TestWrite(t *testing.T) {
	buf := bytes.Buffer{}
	write(&buf, testSnapshot(1000))
	out := buf.String()

	lines := strings.Split(out, "\n")
	assert.Equal(t, "1970-01-01T00:16:40Z", lines[0])

	n1 := strings.Index(out, "node-1")
	n2 := strings.Index(out, "node-2")
	require.NotEqual(t, -1, n1)
	require.NotEqual(t, -1, n2)
	assert.Less(t, n1, n2)

	for _, cell := range []string{"180.00", "20.00", "5.00", "95.50", "vm-1", "train", "0.250", "0.750", "40.00", "120.00"} {
		assert.Contains(t, out, cell)
	}
	// app sorts before vm on the same host
	assert.Less(t, strings.Index(out, "train"), strings.Index(out, "vm-1"))
}

func TestWriteWithoutWorkloads(t *testing.T) {
	s := testSnapshot(1000)
	s.Workloads = map[energy.SourceKey]gatherer.WorkloadUsage{}

	buf := bytes.Buffer{}
	write(&buf, s)
	assert.Contains(t, buf.String(), "node-1")
	assert.NotContains(t, buf.String(), "FRACTION")
}

func TestPrintLatest(t *testing.T) {
	dp := &MockDataProvider{}
	dp.On("Snapshot").Return(nil).Once()
	dp.On("Snapshot").Return(testSnapshot(1000)).Twice()
	dp.On("Snapshot").Return(testSnapshot(1005)).Once()

	out := &syncBuffer{}
	e := NewExporter(dp, WithLogger(testLogger()), WithOutput(out))

	e.printLatest()
	assert.Empty(t, out.String(), "nothing is printed before the first tick")

	e.printLatest()
	first := out.String()
	assert.Contains(t, first, "node-1")

	e.printLatest()
	assert.Equal(t, first, out.String(), "a snapshot is printed once")

	e.printLatest()
	assert.Contains(t, out.String(), "1970-01-01T00:16:45Z")
	dp.AssertExpectations(t)
}

func TestInitRunShutdown(t *testing.T) {
	dp := &MockDataProvider{}
	dp.On("Snapshot").Return(testSnapshot(1000))

	out := &syncBuffer{}
	e := NewExporter(dp, WithLogger(testLogger()), WithOutput(out), WithInterval(10*time.Millisecond))
	require.NoError(t, e.Init())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	assert.Eventually(t, func() bool {
		return strings.Contains(out.String(), "node-1")
	}, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}

	require.NoError(t, e.Shutdown())
	assert.True(t, out.closed)
	assert.Equal(t, 1, strings.Count(out.String(), "1970-01-01T00:16:40Z"))
}
