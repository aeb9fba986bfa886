package housekeeping

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

var reHHMM = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)

// ParseSpec parses a job schedule.
//
// Supported forms:
//   - Cron: "*/5 * * * *", "15 3 * * *", "@hourly", "@every 55m"
//   - Interval duration: "55m", "2h30m"
//   - Interval HH:MM: "00:50" (50 minutes), "02:30" (2 hours 30 minutes)
//
// Intervals come back as cron.ConstantDelaySchedule with interval set.
func ParseSpec(raw string) (sched cron.Schedule, interval time.Duration, err error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return nil, 0, fmt.Errorf("schedule required")
	}
	if every, ok := strings.CutPrefix(s, "@every"); ok {
		d, err := time.ParseDuration(strings.TrimSpace(every))
		if err != nil || d <= 0 {
			return nil, 0, fmt.Errorf("invalid interval in %q", raw)
		}
		return cron.Every(d), d, nil
	}
	if strings.ContainsAny(s, " \t") || strings.HasPrefix(s, "@") {
		sched, err := parser.Parse(s)
		if err != nil {
			return nil, 0, fmt.Errorf("invalid cron %q: %w", raw, err)
		}
		return sched, 0, nil
	}
	if m := reHHMM.FindStringSubmatch(s); m != nil {
		var hh, mm int
		_, _ = fmt.Sscanf(m[1]+" "+m[2], "%d %d", &hh, &mm)
		if mm > 59 {
			return nil, 0, fmt.Errorf("invalid minutes in %q", raw)
		}
		d := time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
		if d <= 0 {
			return nil, 0, fmt.Errorf("interval must be > 0")
		}
		return cron.Every(d), d, nil
	}
	if d, err := time.ParseDuration(s); err == nil {
		if d <= 0 {
			return nil, 0, fmt.Errorf("interval must be > 0")
		}
		return cron.Every(d), d, nil
	}
	return nil, 0, fmt.Errorf(
		"invalid schedule %q (use cron like '*/5 * * * *', HH:MM like '02:30', or duration like '55m')", raw)
}
