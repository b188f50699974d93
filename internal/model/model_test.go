package model

import (
	"strings"
	"testing"
	"time"
)

func TestIdentityNormalizesSource(t *testing.T) {
	t.Parallel()
	id := TrackedItem{Source: " BestBuy ", ID: " 6543210 "}.Identity()
	if id != "bestbuy:6543210" {
		t.Fatalf("Identity = %q, want %q", id, "bestbuy:6543210")
	}
	if id.Source() != "bestbuy" {
		t.Fatalf("Source = %q, want bestbuy", id.Source())
	}
}

func TestParseStatus(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw  string
		want Status
	}{
		{"in_stock", StatusInStock},
		{"IN STOCK", StatusInStock},
		{"out-of-stock", StatusOutOfStock},
		{"sold out", StatusOutOfStock},
		{"", StatusUnknown},
		{"error", StatusError},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.raw, func(t *testing.T) {
			got, err := ParseStatus(tt.raw)
			if err != nil {
				t.Fatalf("ParseStatus(%q) error: %v", tt.raw, err)
			}
			if got != tt.want {
				t.Fatalf("ParseStatus(%q) = %v, want %v", tt.raw, got, tt.want)
			}
		})
	}
	if _, err := ParseStatus("maybe"); err == nil {
		t.Fatal("expected error for unknown status")
	}
}

func TestAlertEventText(t *testing.T) {
	t.Parallel()
	item := TrackedItem{Source: "bestbuy", ID: "1", Label: "Elite Trainer Box"}
	tr := Transition{
		Identity:    item.Identity(),
		From:        StatusOutOfStock,
		HadPrevious: true,
		To:          StatusInStock,
		Result: AvailabilityResult{
			Status:    StatusInStock,
			Detail:    Detail{Location: "Best Buy Glen Burnie", Price: 49.99, URL: "https://example.test/p/1"},
			CheckedAt: time.Unix(100, 0),
		},
	}
	ev := NewAlertEvent(item, tr, time.Unix(101, 0))
	if ev.ID == "" {
		t.Fatal("expected event id")
	}
	text := ev.Text()
	for _, want := range []string{"Elite Trainer Box is IN STOCK", "Best Buy Glen Burnie", "(bestbuy)", "49.99 USD", "https://example.test/p/1"} {
		if !strings.Contains(text, want) {
			t.Fatalf("Text() = %q, missing %q", text, want)
		}
	}
}

func TestAlertEventFromAbsentIsUnknown(t *testing.T) {
	t.Parallel()
	item := TrackedItem{Source: "target", ID: "x"}
	ev := NewAlertEvent(item, Transition{Identity: item.Identity(), To: StatusInStock}, time.Now())
	if ev.From != StatusUnknown {
		t.Fatalf("From = %v, want %v", ev.From, StatusUnknown)
	}
	if ev.Label != "target:x" {
		t.Fatalf("Label = %q, want identity fallback", ev.Label)
	}
}
