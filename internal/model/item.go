package model

import (
	"strings"
	"time"
)

// Identity is the stable key of a tracked item: "<source>:<id>".
type Identity string

func NewIdentity(source, id string) Identity {
	return Identity(strings.ToLower(strings.TrimSpace(source)) + ":" + strings.TrimSpace(id))
}

// Source returns the source part of the identity.
func (i Identity) Source() string {
	s, _, _ := strings.Cut(string(i), ":")
	return s
}

func (i Identity) String() string { return string(i) }

// Filters narrow what counts as "available" for an item.
// Zero values mean "no constraint".
type Filters struct {
	RadiusMiles float64           `json:"radius_miles,omitempty"`
	MaxPrice    float64           `json:"max_price,omitempty"`
	Section     string            `json:"section,omitempty"`
	Venue       string            `json:"venue,omitempty"`
	Keyword     bool              `json:"keyword,omitempty"`
	Extra       map[string]string `json:"extra,omitempty"`
}

// PriceOK reports whether price satisfies the MaxPrice ceiling.
// An unknown price (<= 0) passes.
func (f Filters) PriceOK(price float64) bool {
	if f.MaxPrice <= 0 || price <= 0 {
		return true
	}
	return price <= f.MaxPrice
}

// TrackedItem is one watch-list entry.
type TrackedItem struct {
	Source  string  `json:"source"`
	ID      string  `json:"id"`
	Label   string  `json:"label"`
	Filters Filters `json:"filters,omitempty"`
}

func (t TrackedItem) Identity() Identity { return NewIdentity(t.Source, t.ID) }

// DisplayName falls back to the identity when no label is configured.
func (t TrackedItem) DisplayName() string {
	if l := strings.TrimSpace(t.Label); l != "" {
		return l
	}
	return string(t.Identity())
}

// Detail is optional, provider-specific context attached to a result.
type Detail struct {
	Name     string  `json:"name,omitempty"`
	Price    float64 `json:"price,omitempty"`
	Currency string  `json:"currency,omitempty"`
	URL      string  `json:"url,omitempty"`
	Location string  `json:"location,omitempty"`
}

// AvailabilityResult is the outcome of one provider check.
type AvailabilityResult struct {
	Identity  Identity  `json:"identity"`
	Status    Status    `json:"status"`
	Detail    Detail    `json:"detail"`
	CheckedAt time.Time `json:"checked_at"`
	// Err is set when Status is StatusError.
	Err error `json:"-"`
}

// Failed builds an ERROR result for item.
func Failed(item TrackedItem, at time.Time, err error) AvailabilityResult {
	return AvailabilityResult{Identity: item.Identity(), Status: StatusError, CheckedAt: at, Err: err}
}
