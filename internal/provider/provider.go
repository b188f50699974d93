// Package provider defines how availability is fetched from a source.
//
// A Provider only reads: it issues GET requests against public APIs or
// product pages and reports what it saw. Checkout, cart actions, CAPTCHA
// solving and bot-detection evasion are outside this package's contract and
// no implementation may attempt them.
package provider

import (
	"context"
	"net/http"
	"time"

	"stockwatch/internal/config"
	"stockwatch/internal/geo"
	"stockwatch/internal/model"
	logx "stockwatch/pkg/logx"
)

// Version is reported in the User-Agent header. Set at build time.
var Version = "dev"

type Kind string

const (
	KindAPI  Kind = "api"
	KindPage Kind = "page"
)

// Provider checks one tracked item. Implementations must be safe for
// concurrent use. A returned error becomes an ERROR result.
type Provider interface {
	Name() string
	Check(ctx context.Context, item model.TrackedItem) (model.AvailabilityResult, error)
}

// Kinder is implemented by providers that report how they obtain data.
type Kinder interface {
	Kind() Kind
}

// KindOf returns p's kind, defaulting to KindAPI.
func KindOf(p Provider) Kind {
	if k, ok := p.(Kinder); ok {
		return k.Kind()
	}
	return KindAPI
}

// Renderer loads a page in a headless browser and returns the HTML after
// scripts ran. It is shared by every page source and must be safe for
// concurrent use.
type Renderer interface {
	Render(ctx context.Context, pageURL, userAgent string) ([]byte, error)
}

// Deps is what a Factory gets to build a provider for one configured source.
type Deps struct {
	Name        string
	Source      config.SourceConfig
	HTTP        *http.Client
	Renderer    Renderer
	Geo         geo.Locator
	Zip         string
	RadiusMiles float64
	Log         logx.Logger
}

// Timeout returns the source's HTTP timeout or def.
func (d Deps) Timeout(def time.Duration) time.Duration {
	t, err := config.ParseDurationOrDefault("sources."+d.Name+".timeout", d.Source.Timeout, def)
	if err != nil {
		return def
	}
	return t
}

// Factory builds a provider from its dependencies.
type Factory func(Deps) (Provider, error)

// Result builds a result for item stamped now.
func Result(item model.TrackedItem, st model.Status, d model.Detail) model.AvailabilityResult {
	return model.AvailabilityResult{Identity: item.Identity(), Status: st, Detail: d, CheckedAt: time.Now()}
}
