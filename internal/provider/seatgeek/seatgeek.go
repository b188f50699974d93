// Package seatgeek checks event listings with the SeatGeek platform API.
package seatgeek

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"stockwatch/internal/geo"
	"stockwatch/internal/model"
	"stockwatch/internal/provider"
)

const (
	Name       = "seatgeek"
	APIKeyEnv  = "SEATGEEK_CLIENT_ID"
	defaultURL = "https://api.seatgeek.com/2"
)

type Provider struct {
	name     string
	baseURL  string
	clientID string
	radius   float64
	locator  geo.Locator
	client   *provider.Client
}

// New is a provider.Factory. The api key is the SeatGeek client id.
func New(d provider.Deps) (provider.Provider, error) {
	id := d.Source.ResolvedAPIKey(APIKeyEnv)
	if id == "" {
		return nil, fmt.Errorf("%s: client id is required (set %s or sources.%s.api_key)", d.Name, APIKeyEnv, d.Name)
	}
	base := strings.TrimRight(strings.TrimSpace(d.Source.BaseURL), "/")
	if base == "" {
		base = defaultURL
	}
	return &Provider{
		name:     d.Name,
		baseURL:  base,
		clientID: id,
		radius:   d.RadiusMiles,
		locator:  d.Geo,
		client:   provider.NewClient(d, 4),
	}, nil
}

func (p *Provider) Name() string        { return p.name }
func (p *Provider) Kind() provider.Kind { return provider.KindAPI }

type event struct {
	ID    int64  `json:"id"`
	Title string `json:"title"`
	URL   string `json:"url"`
	Venue struct {
		Name string `json:"name"`
		City string `json:"city"`
	} `json:"venue"`
	Stats *struct {
		ListingCount *int     `json:"listing_count"`
		LowestPrice  *float64 `json:"lowest_price"`
	} `json:"stats"`
}

func (e event) detail() model.Detail {
	d := model.Detail{Name: e.Title, URL: e.URL, Currency: "USD", Location: e.Venue.Name}
	if e.Venue.City != "" {
		if d.Location != "" {
			d.Location += ", "
		}
		d.Location += e.Venue.City
	}
	if e.Stats != nil && e.Stats.LowestPrice != nil {
		d.Price = *e.Stats.LowestPrice
	}
	return d
}

func (e event) status(f model.Filters) model.Status {
	if e.Stats == nil || e.Stats.ListingCount == nil {
		return model.StatusUnknown
	}
	if *e.Stats.ListingCount <= 0 {
		return model.StatusOutOfStock
	}
	if !f.PriceOK(e.detail().Price) {
		return model.StatusOutOfStock
	}
	return model.StatusInStock
}

// Check treats item.ID as a SeatGeek event id, or as a search query when
// filters.keyword is set.
func (p *Provider) Check(ctx context.Context, item model.TrackedItem) (model.AvailabilityResult, error) {
	q := url.Values{}
	q.Set("client_id", p.clientID)

	if !isKeyword(item) {
		endpoint := fmt.Sprintf("%s/events/%s?%s", p.baseURL, url.PathEscape(strings.TrimSpace(item.ID)), q.Encode())
		var ev event
		if err := p.client.GetJSON(ctx, "event", endpoint, &ev); err != nil {
			return model.AvailabilityResult{}, err
		}
		return provider.Result(item, ev.status(item.Filters), ev.detail()), nil
	}

	q.Set("q", strings.TrimSpace(item.ID))
	q.Set("per_page", "25")
	q.Set("sort", "datetime_utc.asc")
	if p.locator != nil {
		pt, err := p.locator.Locate(ctx)
		if err != nil {
			return model.AvailabilityResult{}, provider.AsError(p.name, "locate", err)
		}
		radius := p.radius
		if item.Filters.RadiusMiles > 0 {
			radius = item.Filters.RadiusMiles
		}
		q.Set("lat", strconv.FormatFloat(pt.Lat, 'f', -1, 64))
		q.Set("lon", strconv.FormatFloat(pt.Lon, 'f', -1, 64))
		q.Set("range", fmt.Sprintf("%dmi", int(radius+0.5)))
	}

	var payload struct {
		Events []event `json:"events"`
	}
	if err := p.client.GetJSON(ctx, "search", p.baseURL+"/events?"+q.Encode(), &payload); err != nil {
		return model.AvailabilityResult{}, err
	}

	status := model.StatusOutOfStock
	var detail model.Detail
	for _, ev := range payload.Events {
		if v := strings.TrimSpace(item.Filters.Venue); v != "" && !strings.Contains(strings.ToLower(ev.Venue.Name), strings.ToLower(v)) {
			continue
		}
		switch ev.status(item.Filters) {
		case model.StatusInStock:
			return provider.Result(item, model.StatusInStock, ev.detail()), nil
		case model.StatusUnknown:
			status, detail = model.StatusUnknown, ev.detail()
		}
	}
	return provider.Result(item, status, detail), nil
}

func isKeyword(item model.TrackedItem) bool {
	if item.Filters.Keyword {
		return true
	}
	v, _ := strconv.ParseBool(item.Filters.Extra["keyword"])
	return v
}
