package clock

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// Schedule wraps a parsed 5-field cron expression anchored in a timezone.
type Schedule struct {
	raw      string
	loc      *time.Location
	schedule cron.Schedule
}

// ParseSchedule parses a standard 5-field cron expression. Fire times are
// computed in loc (nil means UTC).
func ParseSchedule(expr string, loc *time.Location) (*Schedule, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	schedule, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("parse cron %q: %w", expr, err)
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Schedule{raw: expr, loc: loc, schedule: schedule}, nil
}

// Next returns the next activation strictly after t.
func (s *Schedule) Next(t time.Time) time.Time {
	return s.schedule.Next(t.In(s.loc))
}

// Due reports whether a job anchored at lastRun (last_run_at, or creation
// time when it never ran) should fire at now. Missed slots coalesce:
// however many activations elapsed between lastRun and now, Due holds once
// until the caller advances lastRun. Suspends and restarts therefore never
// replay history.
func (s *Schedule) Due(lastRun, now time.Time) bool {
	next := s.Next(lastRun)
	return !next.After(now.In(s.loc))
}

// String returns the raw cron expression.
func (s *Schedule) String() string { return s.raw }
