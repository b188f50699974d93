// Package transition decides when a check result is worth an alert and how
// it folds into the persisted record.
//
// Both functions are pure; callers own reading and writing the store.
package transition

import (
	"stockwatch/internal/model"
)

// ShouldAlert reports whether moving from prev to next fires an alert.
//
// It is true only when next is IN_STOCK and the previous persisted status
// was OUT_OF_STOCK, UNKNOWN, or absent (hasPrev == false). ERROR results
// never alert, and IN_STOCK -> IN_STOCK is silent.
func ShouldAlert(prev model.Status, hasPrev bool, next model.Status) bool {
	if next != model.StatusInStock {
		return false
	}
	if !hasPrev {
		return true
	}
	return prev == model.StatusOutOfStock || prev == model.StatusUnknown
}

// Detect compares a result against the prior record (nil when absent).
func Detect(prev *model.StateRecord, res model.AvailabilityResult) (model.Transition, bool) {
	tr := model.Transition{Identity: res.Identity, To: res.Status, Result: res}
	if prev != nil {
		tr.From = prev.Status
		tr.HadPrevious = true
	}
	return tr, ShouldAlert(tr.From, tr.HadPrevious, res.Status)
}

// Apply folds res into the prior record and returns the record to persist.
//
// An ERROR result keeps the prior status (or UNKNOWN when there is none) and
// only advances LastCheckedAt. The retained status does not expire.
// LastAlertedAt is carried over; callers set it when they dispatch.
func Apply(prev *model.StateRecord, res model.AvailabilityResult) model.StateRecord {
	next := model.StateRecord{Identity: res.Identity, LastCheckedAt: res.CheckedAt}
	if prev != nil {
		next.LastAlertedAt = prev.LastAlertedAt
	}

	if res.Status == model.StatusError || !res.Status.Valid() {
		next.Status = model.StatusUnknown
		if prev != nil {
			next.Status = prev.Status
			next.ConsecutiveErrors = prev.ConsecutiveErrors
		}
		next.ConsecutiveErrors++
		if res.Err != nil {
			next.LastError = res.Err.Error()
		} else {
			next.LastError = "check failed"
		}
		return next
	}

	next.Status = res.Status
	return next
}
