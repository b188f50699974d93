package config

import (
	"errors"
	"fmt"
)

// Error reports an invalid or unreadable configuration. It is fatal: the
// process must not start polling with a config that produced one.
type Error struct {
	Path string // dotted field path, e.g. "polling.interval"
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Path == "" {
		return "config: " + msg
	}
	return "config: " + e.Path + ": " + msg
}

func (e *Error) Unwrap() error { return e.Err }

func errorf(path, format string, args ...any) *Error {
	return &Error{Path: path, Msg: fmt.Sprintf(format, args...)}
}

// IsConfigError reports whether err (or anything it wraps) is a *Error.
func IsConfigError(err error) bool {
	var ce *Error
	return errors.As(err, &ce)
}

// problems accumulates validation failures so one run reports all of them.
type problems []error

func (p *problems) add(path, format string, args ...any) {
	*p = append(*p, errorf(path, format, args...))
}

func (p *problems) addErr(err error) {
	if err != nil {
		*p = append(*p, err)
	}
}

func (p problems) err() error { return errors.Join(p...) }

func itoa(i int) string { return fmt.Sprint(i) }
