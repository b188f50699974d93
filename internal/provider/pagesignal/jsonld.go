package pagesignal

import (
	"encoding/json"
	"strconv"
	"strings"

	"stockwatch/internal/model"

	"github.com/PuerkitoBio/goquery"
)

type offer struct {
	name     string
	status   model.Status
	price    float64
	currency string
}

// jsonLDOffers collects every offer found in ld+json blocks, in document
// order. Blocks that fail to parse are ignored.
func jsonLDOffers(doc *goquery.Document) []offer {
	var out []offer
	doc.Find(`script[type="application/ld+json"]`).Each(func(_ int, s *goquery.Selection) {
		var v any
		if err := json.Unmarshal([]byte(strings.TrimSpace(s.Text())), &v); err != nil {
			return
		}
		walk(v, "", &out)
	})
	return out
}

func walk(v any, name string, out *[]offer) {
	switch n := v.(type) {
	case []any:
		for _, e := range n {
			walk(e, name, out)
		}
	case map[string]any:
		if s, ok := n["name"].(string); ok && s != "" {
			name = s
		}
		if g, ok := n["@graph"]; ok {
			walk(g, name, out)
		}
		if offers, ok := n["offers"]; ok {
			collectOffers(offers, name, out)
		}
	}
}

func collectOffers(v any, name string, out *[]offer) {
	switch n := v.(type) {
	case []any:
		for _, e := range n {
			collectOffers(e, name, out)
		}
	case map[string]any:
		// AggregateOffer nests the individual offers.
		if inner, ok := n["offers"]; ok {
			collectOffers(inner, name, out)
		}
		o := offer{name: name, status: availability(n["availability"])}
		o.price = number(n["price"])
		if o.price == 0 {
			o.price = number(n["lowPrice"])
		}
		o.currency, _ = n["priceCurrency"].(string)
		if _, ok := n["availability"]; ok || o.price > 0 {
			*out = append(*out, o)
		}
	}
}

// availability maps a schema.org ItemAvailability value. Values that are
// not clearly purchasable now or clearly gone map to UNKNOWN.
func availability(v any) model.Status {
	s, _ := v.(string)
	s = strings.TrimSpace(s)
	if i := strings.LastIndexAny(s, "/#"); i >= 0 {
		s = s[i+1:]
	}
	switch strings.ToLower(s) {
	case "instock", "limitedavailability", "instoreonly", "onlineonly":
		return model.StatusInStock
	case "outofstock", "soldout", "discontinued", "preorder", "presale", "backorder":
		return model.StatusOutOfStock
	default:
		return model.StatusUnknown
	}
}

func number(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(strings.TrimPrefix(n, "$")), 64)
		if err != nil {
			return 0
		}
		return f
	}
	return 0
}
