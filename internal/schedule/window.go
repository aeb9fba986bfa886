// Package schedule computes market-hours activation windows.
package schedule

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// DefaultPreOpenLead is how long before the open the pre-open phase starts
// when an agent does not configure one.
const DefaultPreOpenLead = 40 * time.Minute

// MaxPreOpenLead bounds the configurable lead.
const MaxPreOpenLead = 40 * time.Minute

// Window is one activation interval. PreOpen <= Open < Close always holds.
type Window struct {
	PreOpen time.Time
	Open    time.Time
	Close   time.Time
}

// Contains reports whether t lies in [Open, Close].
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Open) && !t.After(w.Close)
}

func (w Window) String() string {
	return fmt.Sprintf("%s..%s (pre-open %s)",
		w.Open.Format(time.RFC3339), w.Close.Format(time.RFC3339), w.PreOpen.Format(time.RFC3339))
}

// Oracle resolves the next window for one agent. It holds no mutable state.
type Oracle struct {
	Location    *time.Location
	OpenHour    int
	CloseHour   int
	PreOpenLead time.Duration
	// Holidays are skipped like weekends. Keys are YYYY-MM-DD in Location.
	Holidays map[string]struct{}
}

// Validate checks the hour pair and lead.
func (o Oracle) Validate() error {
	if o.OpenHour < 0 || o.OpenHour > 23 {
		return fmt.Errorf("open hour %d out of range 0..23", o.OpenHour)
	}
	if o.CloseHour < 1 || o.CloseHour > 24 {
		return fmt.Errorf("close hour %d out of range 1..24", o.CloseHour)
	}
	if o.OpenHour >= o.CloseHour {
		return fmt.Errorf("open hour %d must be before close hour %d", o.OpenHour, o.CloseHour)
	}
	if o.PreOpenLead < 0 || o.PreOpenLead > MaxPreOpenLead {
		return fmt.Errorf("pre-open lead %s out of range 0..%s", o.PreOpenLead, MaxPreOpenLead)
	}
	return nil
}

// Next returns the window that is open at now, or the next one to open.
func (o Oracle) Next(now time.Time) Window {
	loc := o.Location
	if loc == nil {
		loc = now.Location()
	}
	local := now.In(loc)
	y, m, d := local.Date()
	day := time.Date(y, m, d, 0, 0, 0, 0, loc)

	// A year of consecutive holidays is a configuration mistake; stop there.
	for i := 0; i < 400; i++ {
		if o.businessDay(day) {
			open := atHour(day, o.OpenHour)
			closeAt := atHour(day, o.CloseHour)
			if !local.After(closeAt) {
				return Window{PreOpen: open.Add(-o.PreOpenLead), Open: open, Close: closeAt}
			}
		}
		day = day.AddDate(0, 0, 1)
	}
	open := atHour(day, o.OpenHour)
	return Window{PreOpen: open.Add(-o.PreOpenLead), Open: open, Close: atHour(day, o.CloseHour)}
}

func (o Oracle) businessDay(day time.Time) bool {
	switch day.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	if len(o.Holidays) > 0 {
		if _, ok := o.Holidays[day.Format(time.DateOnly)]; ok {
			return false
		}
	}
	return true
}

func atHour(day time.Time, hour int) time.Time {
	y, m, d := day.Date()
	return time.Date(y, m, d, hour, 0, 0, 0, day.Location())
}

// NextWindow is the plain form of Oracle.Next, evaluated in now's location.
func NextWindow(now time.Time, openHour, closeHour int, preOpenLead time.Duration) Window {
	return Oracle{OpenHour: openHour, CloseHour: closeHour, PreOpenLead: preOpenLead}.Next(now)
}

// ParseHolidays validates YYYY-MM-DD strings into an Oracle holiday set.
func ParseHolidays(days []string) (map[string]struct{}, error) {
	if len(days) == 0 {
		return nil, nil
	}
	out := make(map[string]struct{}, len(days))
	var errs []error
	for _, raw := range days {
		s := strings.TrimSpace(raw)
		if _, err := time.Parse(time.DateOnly, s); err != nil {
			errs = append(errs, fmt.Errorf("holiday %q: want YYYY-MM-DD", raw))
			continue
		}
		out[s] = struct{}{}
	}
	return out, errors.Join(errs...)
}
