// Package pagesignal infers availability from a public product or event
// page. It reads schema.org JSON-LD offers first and falls back to signal
// phrases found in the visible page text.
package pagesignal

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"stockwatch/internal/config"
	"stockwatch/internal/model"
	"stockwatch/internal/provider"

	"github.com/PuerkitoBio/goquery"
)

const Type = "pagesignal"

// PageFetcher returns the HTML of a page. Evaluation does not care whether
// it came from a plain GET or a headless browser.
type PageFetcher interface {
	Fetch(ctx context.Context, pageURL string) ([]byte, error)
}

type httpFetcher struct{ c *provider.Client }

func (f httpFetcher) Fetch(ctx context.Context, pageURL string) ([]byte, error) {
	h := http.Header{}
	h.Set("Accept", "text/html,application/xhtml+xml")
	return f.c.Get(ctx, "page", pageURL, h)
}

// renderFetcher loads pages through the shared headless browser, paced by
// the same per-source limiter as plain requests.
type renderFetcher struct {
	c *provider.Client
	r provider.Renderer
}

func (f renderFetcher) Fetch(ctx context.Context, pageURL string) ([]byte, error) {
	if f.c.Limiter != nil {
		if err := f.c.Limiter.Wait(ctx); err != nil {
			return nil, &provider.Error{Source: f.c.Source, Op: "render", Err: err}
		}
	}
	b, err := f.r.Render(ctx, pageURL, f.c.UserAgent)
	if err != nil {
		return nil, &provider.Error{Source: f.c.Source, Op: "render", Err: err}
	}
	return b, nil
}

// rendered lists the retailers whose availability text is filled in by
// scripts; their pages are loaded in the browser unless configured otherwise.
var rendered = map[string]bool{
	"target":   true,
	"walmart":  true,
	"gamestop": true,
	"stubhub":  true,
}

// RenderMode resolves the retrieval mode for a source.
func RenderMode(name, configured string) string {
	switch m := strings.ToLower(strings.TrimSpace(configured)); m {
	case config.RenderHTTP, config.RenderBrowser:
		return m
	}
	if rendered[strings.ToLower(strings.TrimSpace(name))] {
		return config.RenderBrowser
	}
	return config.RenderHTTP
}

// Signals are the phrases that mark a page as sold out or available.
// Negative phrases are checked first.
type Signals struct {
	Negative  []string
	Positive  []string
	ZipParams []string
}

var generic = Signals{
	Negative: []string{"out of stock", "sold out", "unavailable", "not available"},
	Positive: []string{"in stock", "add to cart", "available"},
}

// Defaults holds the built-in signals per source name.
var Defaults = map[string]Signals{
	"target": {
		Negative:  []string{"out of stock", "sold out", "not available at this store", "unavailable"},
		Positive:  []string{"ready for pickup", "pickup", "in stock", "available"},
		ZipParams: []string{"zip", "zipcode"},
	},
	"walmart": {
		Negative: []string{"out of stock", "sold out", "not available", "unavailable"},
		Positive: []string{"pickup today", "in stock", "add to cart", "available"},
	},
	"gamestop": {
		Negative: []string{"out of stock", "not available", "unavailable"},
		Positive: []string{"pick up", "available", "in stock"},
	},
	"stubhub": {
		Negative: []string{"no tickets", "sold out", "no listings", "event cancelled"},
		Positive: []string{"tickets available", "listings", "buy tickets"},
	},
}

// SignalsFor merges configured phrases over the defaults for name.
func SignalsFor(name string, negative, positive []string) Signals {
	s, ok := Defaults[strings.ToLower(name)]
	if !ok {
		s = generic
	}
	if len(negative) > 0 {
		s.Negative = negative
	}
	if len(positive) > 0 {
		s.Positive = positive
	}
	s.Negative = lowerAll(s.Negative)
	s.Positive = lowerAll(s.Positive)
	return s
}

type Provider struct {
	name    string
	signals Signals
	zip     string
	fetcher PageFetcher
}

// New is a provider.Factory. The source's render mode picks plain HTTP or
// the headless browser in d.Renderer.
func New(d provider.Deps) (provider.Provider, error) {
	c := provider.NewClient(d, 0.5)
	var f PageFetcher = httpFetcher{c: c}
	if RenderMode(d.Name, d.Source.Render) == config.RenderBrowser {
		if d.Renderer == nil {
			return nil, fmt.Errorf("%s: browser rendering requested but no browser is available", d.Name)
		}
		f = renderFetcher{c: c, r: d.Renderer}
	}
	p, err := NewWithFetcher(d, f)
	if err != nil {
		return nil, err
	}
	return p, nil
}

func NewWithFetcher(d provider.Deps, f PageFetcher) (*Provider, error) {
	if f == nil {
		return nil, fmt.Errorf("%s: page fetcher is required", d.Name)
	}
	s := SignalsFor(d.Name, d.Source.Negative, d.Source.Positive)
	if len(s.Negative) == 0 && len(s.Positive) == 0 {
		return nil, fmt.Errorf("%s: no signal phrases configured", d.Name)
	}
	return &Provider{name: d.Name, signals: s, zip: strings.TrimSpace(d.Zip), fetcher: f}, nil
}

func (p *Provider) Name() string        { return p.name }
func (p *Provider) Kind() provider.Kind { return provider.KindPage }

// Check treats item.ID as the page URL.
func (p *Provider) Check(ctx context.Context, item model.TrackedItem) (model.AvailabilityResult, error) {
	pageURL, err := p.pageURL(item.ID)
	if err != nil {
		return model.AvailabilityResult{}, &provider.Error{Source: p.name, Op: "url", Err: err}
	}
	body, err := p.fetcher.Fetch(ctx, pageURL)
	if err != nil {
		return model.AvailabilityResult{}, provider.AsError(p.name, "page", err)
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return model.AvailabilityResult{}, &provider.Error{Source: p.name, Op: "parse", Err: fmt.Errorf("%w: %v", provider.ErrBadResponse, err)}
	}

	st, detail := Evaluate(doc, p.signals)
	detail.URL = strings.TrimSpace(item.ID)
	if st == model.StatusInStock && !item.Filters.PriceOK(detail.Price) {
		st = model.StatusOutOfStock
	}
	return provider.Result(item, st, detail), nil
}

func (p *Provider) pageURL(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", fmt.Errorf("%w: %q is not an http(s) page url", provider.ErrBadItem, raw)
	}
	if p.zip != "" && len(p.signals.ZipParams) > 0 {
		q := u.Query()
		for _, k := range p.signals.ZipParams {
			if q.Get(k) == "" {
				q.Set(k, p.zip)
			}
		}
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// Evaluate classifies a parsed page. JSON-LD offers win over text signals;
// a page with neither is UNKNOWN.
func Evaluate(doc *goquery.Document, s Signals) (model.Status, model.Detail) {
	var detail model.Detail
	offers := jsonLDOffers(doc)
	if len(offers) > 0 {
		detail.Name = offers[0].name
	}
	if detail.Name == "" {
		detail.Name = strings.TrimSpace(doc.Find("title").First().Text())
	}

	var sawOOS bool
	for _, o := range offers {
		switch o.status {
		case model.StatusInStock:
			detail.Price, detail.Currency = o.price, o.currency
			return model.StatusInStock, detail
		case model.StatusOutOfStock:
			if !sawOOS {
				detail.Price, detail.Currency = o.price, o.currency
			}
			sawOOS = true
		}
	}
	if sawOOS {
		return model.StatusOutOfStock, detail
	}
	if len(offers) > 0 && offers[0].price > 0 {
		detail.Price, detail.Currency = offers[0].price, offers[0].currency
	}

	return classifyText(visibleText(doc), s), detail
}

func classifyText(text string, s Signals) model.Status {
	if text == "" {
		return model.StatusUnknown
	}
	for _, n := range s.Negative {
		if n != "" && strings.Contains(text, n) {
			return model.StatusOutOfStock
		}
	}
	for _, p := range s.Positive {
		if p != "" && strings.Contains(text, p) {
			return model.StatusInStock
		}
	}
	return model.StatusUnknown
}

// visibleText returns the lowercased, whitespace-collapsed body text with
// scripts and styles removed.
func visibleText(doc *goquery.Document) string {
	doc.Find("script, style, noscript, template").Remove()
	sel := doc.Find("body")
	if sel.Length() == 0 {
		sel = doc.Selection
	}
	return strings.ToLower(strings.Join(strings.Fields(sel.Text()), " "))
}

func lowerAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		if v = strings.ToLower(strings.TrimSpace(v)); v != "" {
			out = append(out, v)
		}
	}
	return out
}
