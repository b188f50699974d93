package config

import (
	"strings"
	"time"
)

func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, &Error{Path: path, Msg: "invalid duration " + quote(raw), Err: err}
	}
	if d < 0 {
		return 0, errorf(path, "duration must be >= 0")
	}
	return d, nil
}

func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}

func quote(s string) string { return `"` + s + `"` }
