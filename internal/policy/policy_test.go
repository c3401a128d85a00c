package policy

import (
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"newsbeat/internal/domain"
)

func at(hh, mm int) time.Time {
	return time.Date(2026, 3, 10, hh, mm, 0, 0, time.UTC)
}

func utcPolicy() Policy {
	p := Default()
	p.Location = time.UTC
	return p
}

func TestImmediateAlwaysDue(t *testing.T) {
	t.Parallel()

	p := utcPolicy()
	assert.True(t, p.IsDeliveryDue(domain.Immediate, at(3, 17), time.Time{}))
	assert.True(t, p.IsDeliveryDue(domain.Immediate, at(3, 17), at(3, 16)))
}

func TestUnknownFrequencyNeverDue(t *testing.T) {
	t.Parallel()

	assert.False(t, utcPolicy().IsDeliveryDue(domain.Frequency("weekly"), at(9, 0), time.Time{}))
}

func TestDailyWindow(t *testing.T) {
	t.Parallel()

	p := utcPolicy()
	tests := []struct {
		name     string
		now      time.Time
		lastSent time.Time
		want     bool
	}{
		{"before window", at(8, 59), time.Time{}, false},
		{"window opens", at(9, 0), time.Time{}, true},
		{"inside window, sent yesterday", at(9, 30), at(9, 0).AddDate(0, 0, -1), true},
		{"inside window, already sent today", at(9, 5), at(9, 0), false},
		{"sent early today outside window", at(9, 10), at(0, 30), false},
		{"window closed", at(10, 0), time.Time{}, false},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, p.IsDeliveryDue(domain.Daily, tc.now, tc.lastSent), tc.name)
	}
}

func TestHourlyWindow(t *testing.T) {
	t.Parallel()

	p := utcPolicy()
	assert.True(t, p.IsDeliveryDue(domain.Hourly, at(14, 0), at(13, 0)))
	assert.True(t, p.IsDeliveryDue(domain.Hourly, at(14, 14), time.Time{}))
	assert.False(t, p.IsDeliveryDue(domain.Hourly, at(14, 15), time.Time{}))
	assert.False(t, p.IsDeliveryDue(domain.Hourly, at(14, 5), at(14, 0)))
}

// Simulates the scheduler at several tick intervals across a full hour,
// recording lastSentAt whenever an email is due.
func TestHourlyAtMostOncePerHourForAnyTick(t *testing.T) {
	t.Parallel()

	p := utcPolicy()
	for _, tick := range []time.Duration{time.Minute, 5 * time.Minute, 7 * time.Minute, 15 * time.Minute} {
		var last time.Time
		sends := map[int]int{}
		start := at(10, 0)
		for now := start; now.Before(start.Add(3 * time.Hour)); now = now.Add(tick) {
			if p.IsDeliveryDue(domain.Hourly, now, last) {
				last = now
				sends[now.Hour()]++
			}
		}
		for hour, n := range sends {
			assert.LessOrEqual(t, n, 1, "tick=%s hour=%d", tick, hour)
		}
		assert.NotEmpty(t, sends, "tick=%s should hit at least one window", tick)
	}
}

func TestLocationDecidesCalendarDay(t *testing.T) {
	t.Parallel()

	jakarta := time.FixedZone("WIB", 7*3600)
	p := utcPolicy()
	p.Location = jakarta

	// 02:00 UTC is 09:00 in UTC+7.
	now := time.Date(2026, 3, 10, 2, 0, 0, 0, time.UTC)
	assert.True(t, p.IsDeliveryDue(domain.Daily, now, time.Time{}))
	assert.False(t, utcPolicy().IsDeliveryDue(domain.Daily, now, time.Time{}))
}

func TestHourlyRepeatedHourAtFallBack(t *testing.T) {
	t.Parallel()

	berlin, err := time.LoadLocation("Europe/Berlin")
	require.NoError(t, err)
	p := Default()
	p.Location = berlin

	// 2026-10-25 02:00-03:00 local happens twice: CEST (00:xx UTC) then CET (01:xx UTC).
	first := time.Date(2026, 10, 25, 0, 5, 0, 0, time.UTC)
	second := time.Date(2026, 10, 25, 1, 5, 0, 0, time.UTC)
	require.Equal(t, first.In(berlin).Hour(), second.In(berlin).Hour())

	assert.True(t, p.IsDeliveryDue(domain.Hourly, first, time.Time{}))
	assert.False(t, p.IsDeliveryDue(domain.Hourly, first.Add(5*time.Minute), first))
	assert.True(t, p.IsDeliveryDue(domain.Hourly, second, first), "second 02:00 hour is its own window")
	assert.False(t, p.IsDeliveryDue(domain.Hourly, second.Add(5*time.Minute), second))
}

func TestNextOccasion(t *testing.T) {
	t.Parallel()

	p := utcPolicy()
	assert.Equal(t, at(9, 0), p.NextOccasion(domain.Daily, at(8, 0)))
	assert.Equal(t, at(9, 0).AddDate(0, 0, 1), p.NextOccasion(domain.Daily, at(9, 1)))
	assert.Equal(t, at(15, 0), p.NextOccasion(domain.Hourly, at(14, 1)))
	assert.Equal(t, at(14, 1), p.NextOccasion(domain.Immediate, at(14, 1)))
}

func TestValidateAndMinWindow(t *testing.T) {
	t.Parallel()

	p := utcPolicy()
	require.NoError(t, p.Validate())
	assert.Equal(t, 15*time.Minute, p.MinWindow())

	bad := p
	bad.HourlyMinute = 50
	assert.Error(t, bad.Validate())

	bad = p
	bad.DailyAt = 23 * time.Hour
	bad.DailyWindow = 2 * time.Hour
	assert.Error(t, bad.Validate())
}

func TestParseClock(t *testing.T) {
	t.Parallel()

	d, err := ParseClock("09:30")
	require.NoError(t, err)
	assert.Equal(t, 9*time.Hour+30*time.Minute, d)
	assert.Equal(t, "09:30", FormatClock(d))

	for _, bad := range []string{"9", "24:00", "12:60", "ab:cd"} {
		_, err := ParseClock(bad)
		assert.Error(t, err, bad)
	}
}
