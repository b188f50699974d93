// Package ticketmaster checks event ticket availability with the
// Ticketmaster Discovery API.
package ticketmaster

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
	Name       = "ticketmaster"
	APIKeyEnv  = "TICKETMASTER_API_KEY"
	defaultURL = "https://app.ticketmaster.com/discovery/v2"
)

type Provider struct {
	name    string
	baseURL string
	apiKey  string
	radius  float64
	locator geo.Locator
	client  *provider.Client
}

// New is a provider.Factory.
func New(d provider.Deps) (provider.Provider, error) {
	key := d.Source.ResolvedAPIKey(APIKeyEnv)
	if key == "" {
		return nil, fmt.Errorf("%s: api key is required (set %s or sources.%s.api_key)", d.Name, APIKeyEnv, d.Name)
	}
	base := strings.TrimRight(strings.TrimSpace(d.Source.BaseURL), "/")
	if base == "" {
		base = defaultURL
	}
	return &Provider{
		name:    d.Name,
		baseURL: base,
		apiKey:  key,
		radius:  d.RadiusMiles,
		locator: d.Geo,
		client:  provider.NewClient(d, 4),
	}, nil
}

func (p *Provider) Name() string        { return p.name }
func (p *Provider) Kind() provider.Kind { return provider.KindAPI }

type event struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	URL   string `json:"url"`
	Dates struct {
		Start struct {
			LocalDate string `json:"localDate"`
		} `json:"start"`
		Status struct {
			Code string `json:"code"`
		} `json:"status"`
	} `json:"dates"`
	PriceRanges []struct {
		Min      float64 `json:"min"`
		Max      float64 `json:"max"`
		Currency string  `json:"currency"`
	} `json:"priceRanges"`
	Embedded struct {
		Venues []struct {
			Name string `json:"name"`
			City struct {
				Name string `json:"name"`
			} `json:"city"`
		} `json:"venues"`
	} `json:"_embedded"`
}

func (e event) venue() string {
	if len(e.Embedded.Venues) == 0 {
		return ""
	}
	v := e.Embedded.Venues[0]
	if v.City.Name == "" {
		return v.Name
	}
	if v.Name == "" {
		return v.City.Name
	}
	return v.Name + ", " + v.City.Name
}

func (e event) detail() model.Detail {
	d := model.Detail{Name: e.Name, URL: e.URL, Location: e.venue()}
	if len(e.PriceRanges) > 0 {
		d.Price = e.PriceRanges[0].Min
		d.Currency = e.PriceRanges[0].Currency
	}
	return d
}

// status maps an event's sale status code, applying the price ceiling.
func (e event) status(f model.Filters) model.Status {
	switch strings.ToLower(e.Dates.Status.Code) {
	case "onsale":
		if !f.PriceOK(e.detail().Price) {
			return model.StatusOutOfStock
		}
		return model.StatusInStock
	case "offsale", "cancelled", "canceled":
		return model.StatusOutOfStock
	default:
		return model.StatusUnknown
	}
}

// Check treats item.ID as a Discovery event id, or as a search keyword when
// filters.keyword is set.
func (p *Provider) Check(ctx context.Context, item model.TrackedItem) (model.AvailabilityResult, error) {
	if isKeyword(item) {
		return p.checkKeyword(ctx, item)
	}
	q := url.Values{}
	q.Set("apikey", p.apiKey)
	endpoint := fmt.Sprintf("%s/events/%s.json?%s", p.baseURL, url.PathEscape(strings.TrimSpace(item.ID)), q.Encode())

	var ev event
	if err := p.client.GetJSON(ctx, "event", endpoint, &ev); err != nil {
		return model.AvailabilityResult{}, err
	}
	return provider.Result(item, ev.status(item.Filters), ev.detail()), nil
}

func (p *Provider) checkKeyword(ctx context.Context, item model.TrackedItem) (model.AvailabilityResult, error) {
	q := url.Values{}
	q.Set("apikey", p.apiKey)
	q.Set("keyword", strings.TrimSpace(item.ID))
	q.Set("countryCode", "US")
	q.Set("size", "50")
	q.Set("sort", "date,asc")
	if p.locator != nil {
		pt, err := p.locator.Locate(ctx)
		if err != nil {
			return model.AvailabilityResult{}, provider.AsError(p.name, "locate", err)
		}
		radius := p.radius
		if item.Filters.RadiusMiles > 0 {
			radius = item.Filters.RadiusMiles
		}
		q.Set("latlong", fmt.Sprintf("%g,%g", pt.Lat, pt.Lon))
		q.Set("radius", strconv.Itoa(int(radius+0.5)))
		q.Set("unit", "miles")
	}
	endpoint := p.baseURL + "/events.json?" + q.Encode()

	var payload struct {
		Embedded struct {
			Events []event `json:"events"`
		} `json:"_embedded"`
	}
	if err := p.client.GetJSON(ctx, "search", endpoint, &payload); err != nil {
		return model.AvailabilityResult{}, err
	}

	best := model.StatusOutOfStock
	var bestEv *event
	for i := range payload.Embedded.Events {
		ev := &payload.Embedded.Events[i]
		if v := strings.TrimSpace(item.Filters.Venue); v != "" && !strings.Contains(strings.ToLower(ev.venue()), strings.ToLower(v)) {
			continue
		}
		switch ev.status(item.Filters) {
		case model.StatusInStock:
			return provider.Result(item, model.StatusInStock, ev.detail()), nil
		case model.StatusUnknown:
			best, bestEv = model.StatusUnknown, ev
		}
	}
	var d model.Detail
	if bestEv != nil {
		d = bestEv.detail()
	}
	return provider.Result(item, best, d), nil
}

func isKeyword(item model.TrackedItem) bool {
	if item.Filters.Keyword {
		return true
	}
	v, _ := strconv.ParseBool(item.Filters.Extra["keyword"])
	return v
}
