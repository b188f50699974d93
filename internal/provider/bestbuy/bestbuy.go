// Package bestbuy checks in-store availability through the Best Buy
// Products and Stores APIs.
package bestbuy

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"stockwatch/internal/geo"
	"stockwatch/internal/model"
	"stockwatch/internal/provider"
	logx "stockwatch/pkg/logx"
)

const (
	Name       = "bestbuy"
	APIKeyEnv  = "BESTBUY_API_KEY"
	defaultURL = "https://api.bestbuy.com/v1"

	// maxStores bounds per-check requests; area queries return nearest first.
	maxStores = 10
	storeTTL  = time.Hour
)

var (
	negativeTerms = []string{"sold out", "unavailable", "out of stock", "not available"}
	positiveTerms = []string{"available", "in stock", "pickup", "ready"}
)

type Store struct {
	ID      string
	Name    string
	Address string
	Point   geo.Point
}

type Provider struct {
	name    string
	baseURL string
	apiKey  string
	radius  float64
	client  *provider.Client
	locator geo.Locator
	log     logx.Logger

	mu     sync.Mutex
	stores map[string]storeCache
}

type storeCache struct {
	at     time.Time
	stores []Store
}

// New is a provider.Factory.
func New(d provider.Deps) (provider.Provider, error) {
	key := d.Source.ResolvedAPIKey(APIKeyEnv)
	if key == "" {
		return nil, fmt.Errorf("%s: api key is required (set %s or sources.%s.api_key)", d.Name, APIKeyEnv, d.Name)
	}
	if d.Geo == nil {
		return nil, fmt.Errorf("%s: %w", d.Name, geo.ErrNoLocation)
	}
	base := strings.TrimRight(strings.TrimSpace(d.Source.BaseURL), "/")
	if base == "" {
		base = defaultURL
	}
	log := d.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Provider{
		name:    d.Name,
		baseURL: base,
		apiKey:  key,
		radius:  d.RadiusMiles,
		client:  provider.NewClient(d, 2),
		locator: d.Geo,
		log:     log,
		stores:  map[string]storeCache{},
	}, nil
}

func (p *Provider) Name() string        { return p.name }
func (p *Provider) Kind() provider.Kind { return provider.KindAPI }

// Check asks each nearby store in turn and stops at the first one that
// reports the SKU available.
func (p *Provider) Check(ctx context.Context, item model.TrackedItem) (model.AvailabilityResult, error) {
	sku := strings.TrimSpace(item.ID)
	if _, err := strconv.ParseUint(sku, 10, 64); err != nil {
		return model.AvailabilityResult{}, &provider.Error{Source: p.name, Op: "check", Err: fmt.Errorf("%w: sku %q is not numeric", provider.ErrBadItem, sku)}
	}

	radius := p.radius
	if item.Filters.RadiusMiles > 0 {
		radius = item.Filters.RadiusMiles
	}
	stores, err := p.StoresNear(ctx, radius)
	if err != nil {
		return model.AvailabilityResult{}, err
	}
	if len(stores) == 0 {
		return provider.Result(item, model.StatusOutOfStock, model.Detail{Location: fmt.Sprintf("no stores within %.0f miles", radius)}), nil
	}

	var (
		sawOut  bool
		lastErr error
		failed  int
	)
	for _, st := range stores {
		status, detail, err := p.checkStore(ctx, sku, st)
		if err != nil {
			if ctx.Err() != nil {
				return model.AvailabilityResult{}, err
			}
			failed++
			lastErr = err
			p.log.Debug("store check failed", logx.String("sku", sku), logx.String("store", st.ID), logx.Err(err))
			continue
		}
		switch status {
		case model.StatusInStock:
			if !item.Filters.PriceOK(detail.Price) {
				sawOut = true
				continue
			}
			return provider.Result(item, model.StatusInStock, detail), nil
		case model.StatusOutOfStock:
			sawOut = true
		}
	}
	if failed == len(stores) {
		return model.AvailabilityResult{}, lastErr
	}
	if sawOut {
		return provider.Result(item, model.StatusOutOfStock, model.Detail{}), nil
	}
	return provider.Result(item, model.StatusUnknown, model.Detail{}), nil
}

// StoresNear lists stores around the configured origin, nearest first.
// Results are cached per radius for an hour.
func (p *Provider) StoresNear(ctx context.Context, radius float64) ([]Store, error) {
	key := strconv.FormatFloat(radius, 'f', 1, 64)
	p.mu.Lock()
	if c, ok := p.stores[key]; ok && time.Since(c.at) < storeTTL {
		p.mu.Unlock()
		return c.stores, nil
	}
	p.mu.Unlock()

	origin, err := p.locator.Locate(ctx)
	if err != nil {
		return nil, provider.AsError(p.name, "locate", err)
	}

	q := url.Values{}
	q.Set("apiKey", p.apiKey)
	q.Set("format", "json")
	q.Set("show", "storeId,name,lat,lng,address,city,region,postalCode")
	q.Set("pageSize", "100")
	endpoint := fmt.Sprintf("%s/stores(area(%g,%g,%g))?%s", p.baseURL, origin.Lat, origin.Lon, radius, q.Encode())

	var payload struct {
		Stores []struct {
			StoreID    json.Number `json:"storeId"`
			Name       string      `json:"name"`
			Lat        float64     `json:"lat"`
			Lng        float64     `json:"lng"`
			Address    string      `json:"address"`
			City       string      `json:"city"`
			Region     string      `json:"region"`
			PostalCode string      `json:"postalCode"`
		} `json:"stores"`
	}
	if err := p.client.GetJSON(ctx, "stores", endpoint, &payload); err != nil {
		return nil, err
	}

	out := make([]Store, 0, len(payload.Stores))
	for _, e := range payload.Stores {
		id := strings.TrimSpace(string(e.StoreID))
		if id == "" {
			continue
		}
		name := e.Name
		if name == "" {
			name = "Best Buy " + id
		}
		out = append(out, Store{
			ID:      id,
			Name:    name,
			Address: joinNonEmpty(", ", e.Address, e.City, e.Region, e.PostalCode),
			Point:   geo.Point{Lat: e.Lat, Lon: e.Lng},
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		return geo.Haversine(origin, out[i].Point) < geo.Haversine(origin, out[j].Point)
	})
	if len(out) > maxStores {
		out = out[:maxStores]
	}

	p.mu.Lock()
	p.stores[key] = storeCache{at: time.Now(), stores: out}
	p.mu.Unlock()
	return out, nil
}

func (p *Provider) checkStore(ctx context.Context, sku string, st Store) (model.Status, model.Detail, error) {
	q := url.Values{}
	q.Set("apiKey", p.apiKey)
	q.Set("format", "json")
	q.Set("show", "sku,name,salePrice,url,inStoreAvailability,onlineAvailability,storePickup,storePickupSla")
	q.Set("pageSize", "1")
	endpoint := fmt.Sprintf("%s/products(sku=%s)+stores(storeId=%s)?%s", p.baseURL, sku, url.PathEscape(st.ID), q.Encode())

	var payload map[string]any
	if err := p.client.GetJSON(ctx, "product", endpoint, &payload); err != nil {
		return "", model.Detail{}, err
	}

	detail := model.Detail{Location: st.Name, Currency: "USD"}
	products, _ := payload["products"].([]any)
	if len(products) == 0 {
		// The store filter drops products the store cannot sell.
		return model.StatusOutOfStock, detail, nil
	}
	prod, _ := products[0].(map[string]any)
	detail.Name, _ = prod["name"].(string)
	detail.URL, _ = prod["url"].(string)
	detail.Price, _ = prod["salePrice"].(float64)

	for _, field := range []string{"inStoreAvailability", "storePickup"} {
		if v, ok := prod[field].(bool); ok {
			if v {
				return model.StatusInStock, detail, nil
			}
			return model.StatusOutOfStock, detail, nil
		}
	}
	return Classify(Flatten(payload)), detail, nil
}

// Classify maps flattened response text to a status. Negative terms win.
func Classify(text string) model.Status {
	text = strings.ToLower(text)
	for _, t := range negativeTerms {
		if strings.Contains(text, t) {
			return model.StatusOutOfStock
		}
	}
	for _, t := range positiveTerms {
		if strings.Contains(text, t) {
			return model.StatusInStock
		}
	}
	return model.StatusUnknown
}

// Flatten joins every scalar in a decoded JSON value with spaces.
// Object keys are skipped; only values carry availability wording.
func Flatten(v any) string {
	var b strings.Builder
	flatten(&b, v)
	return strings.TrimSpace(b.String())
}

func flatten(b *strings.Builder, v any) {
	switch x := v.(type) {
	case nil:
	case string:
		b.WriteString(x)
		b.WriteByte(' ')
	case float64:
		b.WriteString(strconv.FormatFloat(x, 'f', -1, 64))
		b.WriteByte(' ')
	case bool:
		b.WriteString(strconv.FormatBool(x))
		b.WriteByte(' ')
	case []any:
		for _, e := range x {
			flatten(b, e)
		}
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			flatten(b, x[k])
		}
	}
}

func joinNonEmpty(sep string, parts ...string) string {
	out := parts[:0:0]
	for _, p := range parts {
		if strings.TrimSpace(p) != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, sep)
}
