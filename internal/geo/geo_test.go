package geo

import (
	"context"
	"math"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func TestHaversine(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		a, b Point
		want float64
	}{
		{"same point", Point{39.29, -76.61}, Point{39.29, -76.61}, 0},
		{"baltimore to dc", Point{39.2904, -76.6122}, Point{38.9072, -77.0369}, 34.92},
		{"one degree latitude", Point{0, 0}, Point{1, 0}, 69.09},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := Haversine(tt.a, tt.b); math.Abs(got-tt.want) > 0.5 {
				t.Fatalf("Haversine = %.2f, want ~%.2f", got, tt.want)
			}
		})
	}
}

func TestZippopotamGeocode(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		switch r.URL.Path {
		case "/us/21032":
			_, _ = w.Write([]byte(`{"places":[{"latitude":"39.0468","longitude":"-76.5911"}]}`))
		case "/us/00000":
			_, _ = w.Write([]byte(`{"places":[]}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	z := NewZippopotam(srv.Client(), "test")
	z.BaseURL = srv.URL + "/us"

	pt, err := z.Geocode(context.Background(), "21032")
	if err != nil {
		t.Fatalf("Geocode: %v", err)
	}
	if pt.Lat != 39.0468 || pt.Lon != -76.5911 {
		t.Fatalf("Geocode = %+v", pt)
	}
	for _, zip := range []string{"00000", "99999", ""} {
		if _, err := z.Geocode(context.Background(), zip); err == nil {
			t.Fatalf("Geocode(%q) succeeded, want error", zip)
		}
	}

	loc := NewLocator(0, 0, "21032", z)
	before := calls.Load()
	for i := 0; i < 3; i++ {
		if _, err := loc.Locate(context.Background()); err != nil {
			t.Fatalf("Locate: %v", err)
		}
	}
	if got := calls.Load() - before; got != 1 {
		t.Fatalf("geocoder calls = %d, want 1 (cached)", got)
	}
}

func TestNewLocatorPrefersCoordinates(t *testing.T) {
	t.Parallel()
	loc := NewLocator(40, -75, "21032", nil)
	pt, err := loc.Locate(context.Background())
	if err != nil || pt != (Point{40, -75}) {
		t.Fatalf("Locate = %+v, %v", pt, err)
	}
	if NewLocator(0, 0, "", nil) != nil {
		t.Fatal("expected nil locator without zip or coordinates")
	}
}
