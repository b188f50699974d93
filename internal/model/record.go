package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// StateRecord is the persisted last-known state of one identity.
type StateRecord struct {
	Identity      Identity   `json:"identity"`
	Status        Status     `json:"status"`
	LastCheckedAt time.Time  `json:"last_checked_at"`
	LastAlertedAt *time.Time `json:"last_alerted_at,omitempty"`

	// Operator visibility only; alerting never reads these.
	ConsecutiveErrors int    `json:"consecutive_errors,omitempty"`
	LastError         string `json:"last_error,omitempty"`
}

// Transition is a detected change worth alerting on.
type Transition struct {
	Identity Identity
	From     Status
	// HadPrevious is false when no record existed before this check.
	HadPrevious bool
	To          Status
	Result      AvailabilityResult
}

// AlertEvent is what gets delivered to sinks.
type AlertEvent struct {
	ID           string    `json:"id"`
	Identity     Identity  `json:"identity"`
	Source       string    `json:"source"`
	Label        string    `json:"label"`
	From         Status    `json:"from"`
	To           Status    `json:"to"`
	Detail       Detail    `json:"detail"`
	CheckedAt    time.Time `json:"checked_at"`
	DispatchedAt time.Time `json:"dispatched_at"`
}

// NewAlertEvent builds the event for a transition of item.
func NewAlertEvent(item TrackedItem, tr Transition, now time.Time) AlertEvent {
	from := tr.From
	if !tr.HadPrevious {
		from = StatusUnknown
	}
	return AlertEvent{
		ID:           uuid.NewString(),
		Identity:     tr.Identity,
		Source:       strings.ToLower(strings.TrimSpace(item.Source)),
		Label:        item.DisplayName(),
		From:         from,
		To:           tr.To,
		Detail:       tr.Result.Detail,
		CheckedAt:    tr.Result.CheckedAt,
		DispatchedAt: now,
	}
}

// Text renders the human-readable alert message.
func (e AlertEvent) Text() string {
	var b strings.Builder
	b.WriteString(e.Label)
	b.WriteString(" is ")
	b.WriteString(e.To.Label())
	if loc := strings.TrimSpace(e.Detail.Location); loc != "" {
		b.WriteString(" at ")
		b.WriteString(loc)
	}
	b.WriteString(" (")
	b.WriteString(e.Source)
	b.WriteString(")")
	if e.Detail.Price > 0 {
		cur := e.Detail.Currency
		if cur == "" {
			cur = "USD"
		}
		fmt.Fprintf(&b, " %.2f %s", e.Detail.Price, cur)
	}
	if u := strings.TrimSpace(e.Detail.URL); u != "" {
		b.WriteString("\n")
		b.WriteString(u)
	}
	return b.String()
}

// OutcomeState classifies how a single item check ended.
type OutcomeState string

const (
	OutcomeChecked       OutcomeState = "checked"
	OutcomeProviderError OutcomeState = "provider_error"
	OutcomeStoreError    OutcomeState = "store_error"
	OutcomeAbandoned     OutcomeState = "abandoned"
)

// CheckOutcome reports one item's trip through fetch, detect, alert and persist.
type CheckOutcome struct {
	Item     TrackedItem
	Result   AvailabilityResult
	Previous *StateRecord
	Record   StateRecord
	Alerted  bool
	State    OutcomeState
	Err      error
	Duration time.Duration
}
