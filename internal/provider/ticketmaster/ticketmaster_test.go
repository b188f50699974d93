package ticketmaster

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"stockwatch/internal/config"
	"stockwatch/internal/geo"
	"stockwatch/internal/model"
	"stockwatch/internal/provider"
)

func eventJSON(id, code string, min float64, venue string) string {
	return fmt.Sprintf(`{"id":%q,"name":"Show %s","url":"https://tm.example/%s",
	  "dates":{"start":{"localDate":"2026-11-01"},"status":{"code":%q}},
	  "priceRanges":[{"min":%g,"max":200,"currency":"USD"}],
	  "_embedded":{"venues":[{"name":%q,"city":{"name":"Baltimore"}}]}}`, id, id, id, code, min, venue)
}

func newProvider(t *testing.T, h http.HandlerFunc) provider.Provider {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	p, err := New(provider.Deps{
		Name:        Name,
		Source:      config.SourceConfig{APIKey: "k", BaseURL: srv.URL},
		HTTP:        srv.Client(),
		Geo:         geo.Static{Lat: 39.29, Lon: -76.61},
		RadiusMiles: 20,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

func TestCheckEventStatus(t *testing.T) {
	t.Parallel()
	tests := []struct {
		code     string
		min      float64
		maxPrice float64
		want     model.Status
	}{
		{"onsale", 45, 0, model.StatusInStock},
		{"onsale", 45, 100, model.StatusInStock},
		{"onsale", 150, 100, model.StatusOutOfStock},
		{"offsale", 45, 0, model.StatusOutOfStock},
		{"cancelled", 45, 0, model.StatusOutOfStock},
		{"rescheduled", 45, 0, model.StatusUnknown},
		{"", 45, 0, model.StatusUnknown},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(fmt.Sprintf("%s_%g_%g", tt.code, tt.min, tt.maxPrice), func(t *testing.T) {
			t.Parallel()
			p := newProvider(t, func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/events/E1.json" || r.URL.Query().Get("apikey") != "k" {
					http.NotFound(w, r)
					return
				}
				_, _ = w.Write([]byte(eventJSON("E1", tt.code, tt.min, "Arena")))
			})
			res, err := p.Check(context.Background(), model.TrackedItem{Source: Name, ID: "E1", Filters: model.Filters{MaxPrice: tt.maxPrice}})
			if err != nil {
				t.Fatalf("Check: %v", err)
			}
			if res.Status != tt.want {
				t.Fatalf("Status = %v, want %v", res.Status, tt.want)
			}
			if res.Detail.Location != "Arena, Baltimore" || res.Detail.Price != tt.min {
				t.Fatalf("Detail = %+v", res.Detail)
			}
		})
	}
}

func TestCheckKeywordSearch(t *testing.T) {
	t.Parallel()
	p := newProvider(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if r.URL.Path != "/events.json" || q.Get("keyword") != "band name" || q.Get("latlong") != "39.29,-76.61" || q.Get("unit") != "miles" {
			http.Error(w, "bad query", http.StatusBadRequest)
			return
		}
		fmt.Fprintf(w, `{"_embedded":{"events":[%s,%s]}}`,
			eventJSON("A", "offsale", 30, "Arena"),
			eventJSON("B", "onsale", 60, "Stadium"))
	})

	item := model.TrackedItem{Source: Name, ID: "band name", Filters: model.Filters{Keyword: true}}
	res, err := p.Check(context.Background(), item)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if res.Status != model.StatusInStock || res.Detail.Name != "Show B" {
		t.Fatalf("result = %+v", res)
	}

	item.Filters.Venue = "arena"
	res, err = p.Check(context.Background(), item)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if res.Status != model.StatusOutOfStock {
		t.Fatalf("venue-filtered Status = %v, want %v", res.Status, model.StatusOutOfStock)
	}
}

func TestCheckRateLimited(t *testing.T) {
	t.Parallel()
	p := newProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusTooManyRequests)
	})
	_, err := p.Check(context.Background(), model.TrackedItem{Source: Name, ID: "E1"})
	pe := provider.AsError(Name, "check", err)
	if pe == nil || pe.StatusCode != http.StatusTooManyRequests || pe.RetryAfter.Seconds() != 30 {
		t.Fatalf("err = %#v, want 429 with Retry-After", err)
	}
}
