// Package clock provides the hub's time source: wall-clock now, timezone
// resolution, cron fire-time computation and local-time window checks.
// Components take a Clock so tests can pin time.
package clock

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Clock is the time source used by every periodic component.
type Clock interface {
	Now() time.Time
}

// System is the real wall clock.
type System struct{}

// Now returns the current UTC time.
func (System) Now() time.Time { return time.Now().UTC() }

// Fixed is a pinned clock for tests.
type Fixed struct{ T time.Time }

// Now returns the pinned instant.
func (f Fixed) Now() time.Time { return f.T }

// cronParser accepts the standard 5-field expression: minute, hour,
// day-of-month, month, day-of-week. No seconds field, no descriptors.
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
)

// ParseCron validates a 5-field cron expression.
func ParseCron(expr string) (cron.Schedule, error) {
	if len(strings.Fields(expr)) != 5 {
		return nil, fmt.Errorf("cron expression must have exactly 5 fields: %q", expr)
	}
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return sched, nil
}

// LoadLocation resolves a timezone name, falling back to fallback when the
// name is empty or unknown.
func LoadLocation(name, fallback string) *time.Location {
	if name != "" {
		if loc, err := time.LoadLocation(name); err == nil {
			return loc
		}
	}
	if loc, err := time.LoadLocation(fallback); err == nil {
		return loc
	}
	return time.UTC
}

// FireTimes walks the cron fire instants of expr in loc over the half-open
// interval (after, until]. The walk happens in local time, so DST-skipped
// instants never fire and fall-back ambiguity resolves to the earliest
// instant (robfig walks forward through local wall time). Returned times
// are UTC. The walk is capped to avoid unbounded catch-up after long
// downtime.
func FireTimes(expr string, loc *time.Location, after, until time.Time, limit int) ([]time.Time, error) {
	sched, err := ParseCron(expr)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 60
	}
	var fires []time.Time
	t := after.In(loc)
	for len(fires) < limit {
		t = sched.Next(t)
		if t.IsZero() || t.After(until.In(loc)) {
			break
		}
		fires = append(fires, t.UTC())
	}
	return fires, nil
}

// ParseHHMM parses a "HH:MM" string into hour and minute.
func ParseHHMM(value string) (hour, minute int, err error) {
	parts := strings.SplitN(value, ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid HH:MM value %q", value)
	}
	hour, err = strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", value)
	}
	minute, err = strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", value)
	}
	return hour, minute, nil
}

// InWindow reports whether t falls inside the local-time window
// [start, end] (both "HH:MM") in loc. Windows crossing midnight wrap:
// start 22:00 end 06:00 covers the night. Empty start and end means no
// window, which always passes.
func InWindow(t time.Time, loc *time.Location, start, end string) (bool, error) {
	if start == "" && end == "" {
		return true, nil
	}
	if start == "" || end == "" {
		return false, fmt.Errorf("window start and end must be set together")
	}
	sh, sm, err := ParseHHMM(start)
	if err != nil {
		return false, err
	}
	eh, em, err := ParseHHMM(end)
	if err != nil {
		return false, err
	}
	local := t.In(loc)
	now := local.Hour()*60 + local.Minute()
	s := sh*60 + sm
	e := eh*60 + em
	if s <= e {
		return s <= now && now <= e, nil
	}
	return now >= s || now <= e, nil
}
