package schedule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chicago(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("America/Chicago")
	require.NoError(t, err)
	return loc
}

func TestNextWindow(t *testing.T) {
	t.Parallel()
	loc := chicago(t)
	o := Oracle{Location: loc, OpenHour: 6, CloseHour: 19, PreOpenLead: 40 * time.Minute}

	at := func(y int, m time.Month, d, h, min int) time.Time { return time.Date(y, m, d, h, min, 0, 0, loc) }

	// 2024-03-04 is a Monday.
	cases := []struct {
		name     string
		now      time.Time
		wantOpen time.Time
	}{
		{"monday before pre-open", at(2024, 3, 4, 3, 0), at(2024, 3, 4, 6, 0)},
		{"monday during pre-open", at(2024, 3, 4, 5, 30), at(2024, 3, 4, 6, 0)},
		{"monday inside window", at(2024, 3, 4, 12, 0), at(2024, 3, 4, 6, 0)},
		{"monday exactly at close", at(2024, 3, 4, 19, 0), at(2024, 3, 4, 6, 0)},
		{"monday after close", at(2024, 3, 4, 19, 1), at(2024, 3, 5, 6, 0)},
		{"friday after close", at(2024, 3, 8, 20, 0), at(2024, 3, 11, 6, 0)},
		{"saturday", at(2024, 3, 9, 10, 0), at(2024, 3, 11, 6, 0)},
		{"sunday", at(2024, 3, 10, 23, 59), at(2024, 3, 11, 6, 0)},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			w := o.Next(tc.now)
			assert.True(t, w.Open.Equal(tc.wantOpen), "open=%s want %s", w.Open, tc.wantOpen)
			assert.Equal(t, time.Monday <= w.Open.Weekday() && w.Open.Weekday() <= time.Friday, true)
			assert.Equal(t, 40*time.Minute, w.Open.Sub(w.PreOpen))
			assert.Equal(t, 13*time.Hour, w.Close.Sub(w.Open))
			assert.False(t, tc.now.After(w.Close))
		})
	}
}

func TestNextWindowNormalizesOtherZones(t *testing.T) {
	t.Parallel()
	loc := chicago(t)
	o := Oracle{Location: loc, OpenHour: 6, CloseHour: 19}

	// Saturday 02:00 UTC is still Friday evening in Chicago, past the close.
	now := time.Date(2024, 3, 9, 2, 0, 0, 0, time.UTC)
	w := o.Next(now)
	assert.Equal(t, time.Monday, w.Open.Weekday())
	assert.Equal(t, w.Open, w.PreOpen)
}

func TestNextWindowSkipsHolidays(t *testing.T) {
	t.Parallel()
	hol, err := ParseHolidays([]string{"2024-03-11", " 2024-03-12 "})
	require.NoError(t, err)
	o := Oracle{Location: time.UTC, OpenHour: 9, CloseHour: 16, Holidays: hol}

	w := o.Next(time.Date(2024, 3, 8, 17, 0, 0, 0, time.UTC))
	assert.Equal(t, time.Date(2024, 3, 13, 9, 0, 0, 0, time.UTC), w.Open)
}

func TestNextWindowPlainForm(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 3, 9, 12, 0, 0, 0, time.UTC) // Saturday
	w := NextWindow(now, 9, 16, 0)
	assert.Equal(t, time.Date(2024, 3, 11, 9, 0, 0, 0, time.UTC), w.Open)
	assert.True(t, w.Contains(w.Open))
	assert.True(t, w.Contains(w.Close))
	assert.False(t, w.Contains(w.Close.Add(time.Nanosecond)))
}

func TestValidate(t *testing.T) {
	t.Parallel()
	assert.NoError(t, Oracle{OpenHour: 6, CloseHour: 19, PreOpenLead: 40 * time.Minute}.Validate())
	assert.Error(t, Oracle{OpenHour: 19, CloseHour: 6}.Validate())
	assert.Error(t, Oracle{OpenHour: 6, CloseHour: 25}.Validate())
	assert.Error(t, Oracle{OpenHour: 6, CloseHour: 19, PreOpenLead: time.Hour}.Validate())
}

func TestParseHolidaysRejectsGarbage(t *testing.T) {
	t.Parallel()
	_, err := ParseHolidays([]string{"2024-13-01", "tomorrow"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tomorrow")
}
