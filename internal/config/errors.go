package config

import (
	"errors"
	"fmt"
)

// Error is a configuration problem. It is fatal at startup; during hot
// reload the offending file is rejected and the previous config stays.
type Error struct {
	// Path names the offending key (e.g. "agents.bear.poll_interval") or file.
	Path string
	Err  error
}

func (e *Error) Error() string {
	if e.Path == "" {
		return "config: " + e.Err.Error()
	}
	return "config: " + e.Path + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

func errorf(path, format string, args ...any) *Error {
	return &Error{Path: path, Err: fmt.Errorf(format, args...)}
}

// IsError reports whether err is, or wraps, a configuration error.
func IsError(err error) bool {
	var ce *Error
	return errors.As(err, &ce)
}
