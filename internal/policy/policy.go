// Package policy decides whether a cycle is a delivery occasion for a subscriber.
//
// A frequency maps to a recurring window (hourly: minutes [HourlyMinute,
// HourlyMinute+HourlyWindow) of every hour; daily: [DailyAt, DailyAt+DailyWindow)
// of every day). An email is due when now falls inside the current window and
// nothing was sent since the period (hour or calendar day) began. The
// lastSentAt comparison is what makes the decision at-most-once per window for
// any tick interval no larger than the window.
package policy

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"newsbeat/internal/domain"
)

type Policy struct {
	// HourlyMinute is the minute-of-hour at which the hourly window opens.
	HourlyMinute int
	HourlyWindow time.Duration

	// DailyAt is the time-of-day (offset from midnight) at which the daily window opens.
	DailyAt     time.Duration
	DailyWindow time.Duration

	Location *time.Location
}

// Default returns the windows used when no configuration overrides them:
// hh:00-hh:15 for hourly and 09:00-10:00 for daily.
func Default() Policy {
	return Policy{
		HourlyMinute: 0,
		HourlyWindow: 15 * time.Minute,
		DailyAt:      9 * time.Hour,
		DailyWindow:  time.Hour,
		Location:     time.Local,
	}
}

// Validate checks the windows fit inside their periods.
func (p Policy) Validate() error {
	if p.HourlyMinute < 0 || p.HourlyMinute > 59 {
		return fmt.Errorf("hourly minute must be 0..59, got %d", p.HourlyMinute)
	}
	if p.HourlyWindow <= 0 || time.Duration(p.HourlyMinute)*time.Minute+p.HourlyWindow > time.Hour {
		return fmt.Errorf("hourly window %s starting at minute %d exceeds the hour", p.HourlyWindow, p.HourlyMinute)
	}
	if p.DailyAt < 0 || p.DailyAt >= 24*time.Hour {
		return fmt.Errorf("daily time must be within the day, got %s", p.DailyAt)
	}
	if p.DailyWindow <= 0 || p.DailyAt+p.DailyWindow > 24*time.Hour {
		return fmt.Errorf("daily window %s starting at %s exceeds the day", p.DailyWindow, FormatClock(p.DailyAt))
	}
	return nil
}

// MinWindow is the narrowest delivery window. A scheduler interval larger than
// this can step over a window entirely.
func (p Policy) MinWindow() time.Duration {
	if p.DailyWindow < p.HourlyWindow {
		return p.DailyWindow
	}
	return p.HourlyWindow
}

// IsDeliveryDue reports whether an email is due for a subscriber with the
// given frequency. A zero lastSentAt means "never sent".
func (p Policy) IsDeliveryDue(freq domain.Frequency, now, lastSentAt time.Time) bool {
	switch freq {
	case domain.Immediate:
		return true
	case domain.Hourly:
		start, from, until := p.hourlyWindow(now)
		return inWindow(now, from, until) && lastSentAt.Before(start)
	case domain.Daily:
		start, from, until := p.dailyWindow(now)
		return inWindow(now, from, until) && lastSentAt.Before(start)
	default:
		return false
	}
}

// NextOccasion returns when the next window for freq opens at or after now.
// Immediate subscribers are always at now.
func (p Policy) NextOccasion(freq domain.Frequency, now time.Time) time.Time {
	switch freq {
	case domain.Hourly:
		_, open, _ := p.hourlyWindow(now)
		if !open.Before(now) {
			return open
		}
		_, open, _ = p.hourlyWindow(open.Add(time.Hour))
		return open
	case domain.Daily:
		_, open, _ := p.dailyWindow(now)
		if !open.Before(now) {
			return open
		}
		_, open, _ = p.dailyWindow(open.AddDate(0, 0, 1))
		return open
	default:
		return now
	}
}

func (p Policy) loc() *time.Location {
	if p.Location == nil {
		return time.Local
	}
	return p.Location
}

// hourlyWindow truncates in the offset in effect at now, so both occurrences
// of a repeated wall-clock hour (DST fall-back) get their own period.
func (p Policy) hourlyWindow(now time.Time) (periodStart, from, until time.Time) {
	t := now.In(p.loc())
	_, off := t.Zone()
	shift := time.Duration(off) * time.Second
	periodStart = t.Add(shift).Truncate(time.Hour).Add(-shift)
	from = periodStart.Add(time.Duration(p.HourlyMinute) * time.Minute)
	return periodStart, from, from.Add(p.HourlyWindow)
}

func (p Policy) dailyWindow(now time.Time) (periodStart, from, until time.Time) {
	t := now.In(p.loc())
	periodStart = time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
	h := int(p.DailyAt / time.Hour)
	m := int((p.DailyAt % time.Hour) / time.Minute)
	from = time.Date(t.Year(), t.Month(), t.Day(), h, m, 0, 0, t.Location())
	return periodStart, from, from.Add(p.DailyWindow)
}

func inWindow(now, from, until time.Time) bool {
	return !now.Before(from) && now.Before(until)
}

// ParseClock parses "HH:MM" into an offset from midnight.
func ParseClock(s string) (time.Duration, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 2 {
		return 0, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid minute in %q", s)
	}
	return time.Duration(h)*time.Hour + time.Duration(m)*time.Minute, nil
}

// FormatClock renders an offset from midnight as HH:MM.
func FormatClock(d time.Duration) string {
	return fmt.Sprintf("%02d:%02d", int(d/time.Hour), int((d%time.Hour)/time.Minute))
}
