// Package schedule parses DAG schedule expressions and computes when the next
// run is due.
package schedule

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Schedule yields successive activation times. A zero time means never.
type Schedule interface {
	Next(time.Time) time.Time
}

// Once fires a single time at the DAG's anchor.
type Once struct{}

func (Once) Next(time.Time) time.Time { return time.Time{} }

// Parse turns expr into a Schedule. Manual-only expressions ("", "@none",
// "none") yield a nil Schedule and no error.
func Parse(expr string) (Schedule, error) {
	expr = strings.TrimSpace(expr)
	switch strings.ToLower(expr) {
	case "", "@none", "none", "@manual":
		return nil, nil
	case "@once":
		return Once{}, nil
	}
	s, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, fmt.Errorf("parse schedule: %w", err)
	}
	return s, nil
}

// Validate reports whether expr is a valid schedule expression.
func Validate(expr string) error {
	_, err := Parse(expr)
	return err
}

// Interval is the data interval covered by one run. Start is the run's logical date.
type Interval struct {
	Start time.Time
	End   time.Time
}

// first returns the earliest activation at or after anchor.
func first(s Schedule, anchor time.Time) time.Time {
	if _, ok := s.(cron.ConstantDelaySchedule); ok {
		return anchor
	}
	return s.Next(anchor.Add(-time.Second))
}

// NextDue computes the next run to create. A run is due once its data interval
// has fully elapsed at now. last is the logical date of the most recent run,
// or nil. With catchup disabled every missed interval except the most recent
// complete one is skipped.
func NextDue(s Schedule, anchor time.Time, last *time.Time, now time.Time, catchup bool, end *time.Time) (Interval, bool) {
	if s == nil {
		return Interval{}, false
	}
	if _, ok := s.(Once); ok {
		if last != nil || now.Before(anchor) {
			return Interval{}, false
		}
		return Interval{Start: anchor, End: anchor}, true
	}

	var start time.Time
	if last == nil {
		start = first(s, anchor)
	} else {
		start = s.Next(*last)
	}
	if start.IsZero() {
		return Interval{}, false
	}
	stop := s.Next(start)
	if stop.IsZero() || stop.After(now) {
		return Interval{}, false
	}

	if !catchup {
		for {
			next := s.Next(stop)
			if next.IsZero() || next.After(now) {
				break
			}
			start, stop = stop, next
		}
	}

	if end != nil && start.After(*end) {
		return Interval{}, false
	}
	return Interval{Start: start, End: stop}, true
}
