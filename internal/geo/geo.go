// Package geo resolves the search origin for location-aware sources.
package geo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// EarthRadiusMiles is the mean earth radius used by Haversine.
const EarthRadiusMiles = 3958.8

var ErrNoLocation = errors.New("location must include zip or lat/lon")

type Point struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Haversine returns the great-circle distance between a and b in miles.
func Haversine(a, b Point) float64 {
	phi1 := a.Lat * math.Pi / 180
	phi2 := b.Lat * math.Pi / 180
	dPhi := (b.Lat - a.Lat) * math.Pi / 180
	dLambda := (b.Lon - a.Lon) * math.Pi / 180

	h := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	return EarthRadiusMiles * 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

// Geocoder turns a postal code into coordinates.
type Geocoder interface {
	Geocode(ctx context.Context, zip string) (Point, error)
}

// Locator returns the configured search origin.
type Locator interface {
	Locate(ctx context.Context) (Point, error)
}

// Zippopotam geocodes US ZIP codes with api.zippopotam.us.
type Zippopotam struct {
	BaseURL   string
	HTTP      *http.Client
	UserAgent string
}

func NewZippopotam(hc *http.Client, userAgent string) *Zippopotam {
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	return &Zippopotam{BaseURL: "https://api.zippopotam.us/us/", HTTP: hc, UserAgent: userAgent}
}

func (z *Zippopotam) Geocode(ctx context.Context, zip string) (Point, error) {
	zip = strings.TrimSpace(zip)
	if zip == "" {
		return Point{}, ErrNoLocation
	}
	base := z.BaseURL
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+zip, nil)
	if err != nil {
		return Point{}, err
	}
	if z.UserAgent != "" {
		req.Header.Set("User-Agent", z.UserAgent)
	}
	resp, err := z.HTTP.Do(req)
	if err != nil {
		return Point{}, fmt.Errorf("zip lookup: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Point{}, fmt.Errorf("zip lookup failed: %d", resp.StatusCode)
	}

	var payload struct {
		Places []struct {
			Latitude  string `json:"latitude"`
			Longitude string `json:"longitude"`
		} `json:"places"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&payload); err != nil {
		return Point{}, fmt.Errorf("invalid geocoder response: %w", err)
	}
	if len(payload.Places) == 0 {
		return Point{}, fmt.Errorf("no places found for zip %s", zip)
	}
	lat, err1 := strconv.ParseFloat(payload.Places[0].Latitude, 64)
	lon, err2 := strconv.ParseFloat(payload.Places[0].Longitude, 64)
	if err := errors.Join(err1, err2); err != nil {
		return Point{}, fmt.Errorf("invalid geocoder response: %w", err)
	}
	return Point{Lat: lat, Lon: lon}, nil
}

// Static is a fixed origin.
type Static Point

func (s Static) Locate(context.Context) (Point, error) { return Point(s), nil }

// ZipLocator geocodes Zip once and caches the first success.
type ZipLocator struct {
	Zip      string
	Geocoder Geocoder

	mu  sync.Mutex
	pt  Point
	got bool
}

func (z *ZipLocator) Locate(ctx context.Context) (Point, error) {
	z.mu.Lock()
	defer z.mu.Unlock()
	if z.got {
		return z.pt, nil
	}
	pt, err := z.Geocoder.Geocode(ctx, z.Zip)
	if err != nil {
		return Point{}, err
	}
	z.pt, z.got = pt, true
	return pt, nil
}

// NewLocator prefers explicit coordinates, then a geocoded zip.
// It returns nil when neither is configured.
func NewLocator(lat, lon float64, zip string, g Geocoder) Locator {
	if lat != 0 || lon != 0 {
		return Static{Lat: lat, Lon: lon}
	}
	if strings.TrimSpace(zip) != "" && g != nil {
		return &ZipLocator{Zip: zip, Geocoder: g}
	}
	return nil
}
