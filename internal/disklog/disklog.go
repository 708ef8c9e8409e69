// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

// Package disklog appends space delimited `<entity> <metric> <value>` lines
// to rotating files for dashboards that tail them.
package disklog

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/sustainable-computing-io/energy-modeller/internal/service"
)

// Entry is a single line of a disk log
type Entry struct {
	Tag    string
	Metric string
	Value  float64
}

// String formats e the way it is written to disk
func (e Entry) String() string {
	return sanitize(e.Tag) + " " + sanitize(e.Metric) + " " + strconv.FormatFloat(e.Value, 'f', -1, 64)
}

// sanitize keeps a field free of the delimiter
func sanitize(s string) string {
	if s == "" {
		return "-"
	}
	return strings.Join(strings.Fields(s), "_")
}

// Opts for a Sink
type Opts struct {
	logger     *slog.Logger
	maxSizeMB  int
	maxBackups int
	maxAgeDays int
	compress   bool
	bufferSize int
	writer     io.WriteCloser
}

// DefaultOpts returns the default options
func DefaultOpts() Opts {
	return Opts{
		logger:     slog.Default(),
		maxSizeMB:  100,
		maxBackups: 5,
		maxAgeDays: 28,
		bufferSize: 256,
	}
}

// OptionFn is a function sets one or more options in Opts struct
type OptionFn func(*Opts)

// WithLogger sets the logger for the Sink
func WithLogger(logger *slog.Logger) OptionFn {
	return func(o *Opts) {
		o.logger = logger
	}
}

// WithRotation sets when the file is rotated and how many rotated files are
// kept
func WithRotation(maxSizeMB, maxBackups, maxAgeDays int, compress bool) OptionFn {
	return func(o *Opts) {
		o.maxSizeMB = maxSizeMB
		o.maxBackups = maxBackups
		o.maxAgeDays = maxAgeDays
		o.compress = compress
	}
}

// WithBufferSize sets how many batches may be queued before Log drops them
func WithBufferSize(n int) OptionFn {
	return func(o *Opts) {
		o.bufferSize = n
	}
}

// WithWriter replaces the rotating file with w
func WithWriter(w io.WriteCloser) OptionFn {
	return func(o *Opts) {
		o.writer = w
	}
}

// Sink is a background service appending entries to a file
type Sink struct {
	name    string
	path    string
	logger  *slog.Logger
	out     io.WriteCloser
	batches chan []Entry
}

var (
	_ service.Service    = (*Sink)(nil)
	_ service.Runner     = (*Sink)(nil)
	_ service.Shutdowner = (*Sink)(nil)
)

// New creates a Sink named name appending to path
func New(name, path string, applyOpts ...OptionFn) *Sink {
	opts := DefaultOpts()
	for _, apply := range applyOpts {
		apply(&opts)
	}

	out := opts.writer
	if out == nil {
		out = &lumberjack.Logger{
			Filename:   path,
			MaxSize:    opts.maxSizeMB,
			MaxBackups: opts.maxBackups,
			MaxAge:     opts.maxAgeDays,
			Compress:   opts.compress,
		}
	}

	return &Sink{
		name:    name,
		path:    path,
		logger:  opts.logger.With("service", name, "path", path),
		out:     out,
		batches: make(chan []Entry, opts.bufferSize),
	}
}

func (s *Sink) Name() string {
	return s.name
}

// Log queues entries for writing. It never blocks; when the queue is full
// the batch is dropped.
func (s *Sink) Log(entries ...Entry) {
	if len(entries) == 0 {
		return
	}
	select {
	case s.batches <- entries:
	default:
		s.logger.Warn("disk log queue full; dropping entries", "entries", len(entries))
	}
}

// Run writes queued entries until ctx is cancelled, then flushes what is
// left in the queue
func (s *Sink) Run(ctx context.Context) error {
	w := bufio.NewWriter(s.out)
	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case batch := <-s.batches:
					s.write(w, batch)
				default:
					return s.flush(w)
				}
			}
		case batch := <-s.batches:
			s.write(w, batch)
			if err := s.flush(w); err != nil {
				s.logger.Warn("failed to write disk log", "error", err)
			}
		}
	}
}

func (s *Sink) write(w *bufio.Writer, batch []Entry) {
	for _, e := range batch {
		// bufio keeps the first error and reports it on flush
		_, _ = fmt.Fprintln(w, e.String())
	}
}

func (s *Sink) flush(w *bufio.Writer) error {
	return w.Flush()
}

func (s *Sink) Shutdown() error {
	s.logger.Info("closing disk log")
	return s.out.Close()
}
