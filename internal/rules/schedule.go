package rules

import (
	"time"

	"github.com/quantumlife/pulse/internal/core"
)

// scheduleAllows reports whether t falls inside the schedule. A disabled or
// absent schedule always allows. A malformed schedule never allows and
// returns the parse error.
func scheduleAllows(s *core.Schedule, t time.Time) (bool, error) {
	if s == nil || !s.Enabled {
		return true, nil
	}
	if err := ValidateSchedule(*s); err != nil {
		return false, err
	}

	start, _ := parseClock(s.StartTime)
	end, _ := parseClock(s.EndTime)
	minute := minuteOfDay(t)

	if !inWindow(start, end, minute) {
		return false, nil
	}
	if len(s.Days) == 0 {
		return true, nil
	}

	// A window that wraps midnight belongs to the day it started on
	day := t.Weekday()
	if start > end && minute < end {
		day = (day + 6) % 7
	}
	for _, d := range s.Days {
		if wd, _ := parseWeekday(d); wd == day {
			return true, nil
		}
	}
	return false, nil
}

// inWindow tests [start, end) in minutes after midnight. start > end wraps,
// start == end covers the whole day.
func inWindow(start, end, minute int) bool {
	switch {
	case start == end:
		return true
	case start < end:
		return minute >= start && minute < end
	default:
		return minute >= start || minute < end
	}
}

func minuteOfDay(t time.Time) int {
	return t.Hour()*60 + t.Minute()
}
