package config

import (
	"errors"
	"strings"
	"time"
)

// ParseDurationField parses a Go duration string at path. Empty means zero;
// negative values are rejected. Errors are *Error carrying path.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, errorf(path, "invalid duration %q (want e.g. \"1.5s\", \"15m\")", raw)
	}
	if d < 0 {
		return 0, &Error{Path: path, Err: errors.New("duration must be >= 0")}
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with def for empty or zero.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil || d > 0 {
		return d, err
	}
	return def, nil
}

// ParseDurationInRange applies def and then requires lo <= d <= hi.
func ParseDurationInRange(path, raw string, def, lo, hi time.Duration) (time.Duration, error) {
	d, err := ParseDurationOrDefault(path, raw, def)
	if err != nil {
		return 0, err
	}
	if d < lo || d > hi {
		return 0, errorf(path, "%s out of range %s..%s", d, lo, hi)
	}
	return d, nil
}
