package provider

import (
	"errors"
	"fmt"
	"time"

	"stockwatch/internal/model"
)

var (
	ErrAuth        = errors.New("unauthorized")
	ErrRateLimited = errors.New("rate limited")
	ErrNotFound    = errors.New("not found")
	ErrBadItem     = errors.New("item not usable by this source")
	ErrBadResponse = errors.New("unexpected response")
)

// Error is a failed provider call. It maps to an ERROR result; the pass
// continues with the next item.
type Error struct {
	Source     string
	Op         string
	StatusCode int
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s %s: http %d: %v", e.Source, e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Source, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// AsError wraps err as a *Error unless it already is one.
func AsError(source, op string, err error) *Error {
	if err == nil {
		return nil
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	return &Error{Source: source, Op: op, Err: err}
}

// Failed builds an ERROR result for item carrying err as a *Error.
func Failed(item model.TrackedItem, err error) model.AvailabilityResult {
	return model.Failed(item, time.Now(), AsError(item.Source, "check", err))
}
