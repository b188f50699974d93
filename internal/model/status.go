package model

import (
	"fmt"
	"strings"
)

// Status is the normalized availability of a tracked item.
//
// The string form is what gets persisted, so values must stay stable.
type Status string

const (
	StatusInStock    Status = "in_stock"
	StatusOutOfStock Status = "out_of_stock"
	StatusUnknown    Status = "unknown"
	// StatusError marks a failed check. It is never persisted as a record
	// status; see transition.Apply.
	StatusError Status = "error"
)

func (s Status) Valid() bool {
	switch s {
	case StatusInStock, StatusOutOfStock, StatusUnknown, StatusError:
		return true
	default:
		return false
	}
}

// Concrete reports whether s is a definite observation (in or out of stock).
func (s Status) Concrete() bool {
	return s == StatusInStock || s == StatusOutOfStock
}

func (s Status) String() string { return string(s) }

// Label is the upper-case form used in human-facing alert text.
func (s Status) Label() string {
	return strings.ToUpper(strings.ReplaceAll(string(s), "_", " "))
}

// ParseStatus accepts the persisted form plus a few legacy spellings.
func ParseStatus(raw string) (Status, error) {
	s := strings.ToLower(strings.TrimSpace(raw))
	s = strings.ReplaceAll(s, "-", "_")
	s = strings.ReplaceAll(s, " ", "_")
	switch s {
	case "in_stock", "instock", "available":
		return StatusInStock, nil
	case "out_of_stock", "outofstock", "sold_out", "soldout":
		return StatusOutOfStock, nil
	case "unknown", "":
		return StatusUnknown, nil
	case "error":
		return StatusError, nil
	default:
		return "", fmt.Errorf("unknown status %q", raw)
	}
}

func (s *Status) UnmarshalText(b []byte) error {
	v, err := ParseStatus(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

func (s Status) MarshalText() ([]byte, error) { return []byte(s), nil }
