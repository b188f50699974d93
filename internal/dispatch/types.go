package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"stockwatch/internal/model"
)

var (
	ErrQueueFull = errors.New("dispatch queue full")
	ErrStopped   = errors.New("dispatcher stopped")
)

// Sink delivers one alert to one destination.
type Sink interface {
	Name() string
	Send(ctx context.Context, ev model.AlertEvent) error
}

// Config controls the async alert pipeline.
type Config struct {
	Workers       int
	QueueSize     int
	RatePerSec    float64 // per sink; 0 disables limiting
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	SendTimeout   time.Duration
	HistorySize   int
}

// Outcome is the delivery result for one sink.
type Outcome struct {
	Sink     string
	Attempts int
	Err      error
}

// SinkError is a delivery that failed after all attempts.
type SinkError struct {
	Sink     string
	Attempts int
	Err      error
}

func (e *SinkError) Error() string {
	return fmt.Sprintf("sink %s: %d attempt(s): %v", e.Sink, e.Attempts, e.Err)
}

func (e *SinkError) Unwrap() error { return e.Err }

// Permanent marks err as not worth retrying, for example a 4xx response.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// IsPermanent reports whether err is wrapped with Permanent.
func IsPermanent(err error) bool {
	var p permanentError
	return errors.As(err, &p)
}

type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

type HistoryItem struct {
	At       time.Time
	EventID  string
	Identity model.Identity
	Outcomes []Outcome
}

// DeliveryEvent is emitted on the event bus per sink delivery.
type DeliveryEvent struct {
	EventID  string         `json:"event_id"`
	Identity model.Identity `json:"identity"`
	Sink     string         `json:"sink"`
	Attempts int            `json:"attempts"`
	Error    string         `json:"error,omitempty"`
}
