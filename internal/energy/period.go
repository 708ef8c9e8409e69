// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package energy

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidPeriod is returned for a time period that ends before it starts
var ErrInvalidPeriod = errors.New("time period ends before it starts")

// TimePeriod is a closed interval of time
type TimePeriod struct {
	Start time.Time
	End   time.Time
}

func NewTimePeriod(start, end time.Time) TimePeriod {
	return TimePeriod{Start: start, End: end}
}

// PeriodFromSeconds builds a period out of unix timestamps in seconds
func PeriodFromSeconds(start, end int64) TimePeriod {
	return TimePeriod{Start: time.Unix(start, 0), End: time.Unix(end, 0)}
}

// PeriodFrom returns the period of length d starting at start
func PeriodFrom(start time.Time, d time.Duration) TimePeriod {
	return TimePeriod{Start: start, End: start.Add(d)}
}

// Valid reports whether the period starts no later than it ends
func (p TimePeriod) Valid() bool {
	return !p.End.Before(p.Start)
}

// Validate returns ErrInvalidPeriod when the period is not valid
func (p TimePeriod) Validate() error {
	if !p.Valid() {
		return fmt.Errorf("%w: start=%s end=%s", ErrInvalidPeriod, p.Start.Format(time.RFC3339), p.End.Format(time.RFC3339))
	}
	return nil
}

func (p TimePeriod) Duration() time.Duration {
	return p.End.Sub(p.Start)
}

func (p TimePeriod) Hours() float64 {
	return p.Duration().Hours()
}

// Contains reports whether t falls in the period, bounds included
func (p TimePeriod) Contains(t time.Time) bool {
	return !t.Before(p.Start) && !t.After(p.End)
}

func (p TimePeriod) String() string {
	return fmt.Sprintf("[%s, %s]", p.Start.Format(time.RFC3339), p.End.Format(time.RFC3339))
}
