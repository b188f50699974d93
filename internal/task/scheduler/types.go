package scheduler

import (
	"context"
	"time"

	"stockwatch/internal/model"
)

// Checker runs one item through fetch, detect, alert and persist.
type Checker interface {
	Check(ctx context.Context, item model.TrackedItem) model.CheckOutcome
}

// CheckerFunc adapts a function to Checker.
type CheckerFunc func(ctx context.Context, item model.TrackedItem) model.CheckOutcome

func (f CheckerFunc) Check(ctx context.Context, item model.TrackedItem) model.CheckOutcome {
	return f(ctx, item)
}

// Config controls trigger timing. Validation (floor, jitter range) happens
// at config load; New only fills zero values.
type Config struct {
	Interval    time.Duration
	MinInterval time.Duration
	Jitter      float64

	// StartupSpread bounds the random delay of each item's first trigger in
	// RunForever. Zero fires every new item at once.
	StartupSpread time.Duration

	// TaskTimeout bounds one check task in the engine, including store and
	// dispatch work after the provider call.
	TaskTimeout time.Duration

	// PerSourceLimit caps concurrent checks per source; SourceLimits
	// overrides it for individual sources.
	PerSourceLimit int
	SourceLimits   map[string]int

	// Grace is how long in-flight checks may run after cancellation.
	Grace time.Duration

	// Pacer carries last check times across scheduler generations. New
	// creates a private one when nil.
	Pacer *Pacer
}

// ScheduleInfo describes one registered item schedule.
type ScheduleInfo struct {
	Identity model.Identity
	Next     time.Time
	Prev     time.Time
}

// PassSummary is published on the bus after each RunOnce pass.
type PassSummary struct {
	Items         int           `json:"items"`
	Checked       int           `json:"checked"`
	ProviderError int           `json:"provider_error"`
	StoreError    int           `json:"store_error"`
	Abandoned     int           `json:"abandoned"`
	Alerts        int           `json:"alerts"`
	Duration      time.Duration `json:"duration"`
}

func summarize(outcomes []model.CheckOutcome, took time.Duration) PassSummary {
	sum := PassSummary{Items: len(outcomes), Duration: took}
	for _, o := range outcomes {
		switch o.State {
		case model.OutcomeChecked:
			sum.Checked++
		case model.OutcomeProviderError:
			sum.ProviderError++
		case model.OutcomeStoreError:
			sum.StoreError++
		case model.OutcomeAbandoned:
			sum.Abandoned++
		}
		if o.Alerted {
			sum.Alerts++
		}
	}
	return sum
}
