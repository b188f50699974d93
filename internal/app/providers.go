package app

import (
	"sort"
	"strings"

	"stockwatch/internal/config"
	"stockwatch/internal/geo"
	"stockwatch/internal/model"
	"stockwatch/internal/provider"
	"stockwatch/internal/provider/bestbuy"
	"stockwatch/internal/provider/pagesignal"
	"stockwatch/internal/provider/seatgeek"
	"stockwatch/internal/provider/ticketmaster"
	logx "stockwatch/pkg/logx"
)

// factories maps a source type to its constructor.
var factories = map[string]provider.Factory{
	bestbuy.Name:      bestbuy.New,
	ticketmaster.Name: ticketmaster.New,
	seatgeek.Name:     seatgeek.New,
	pagesignal.Type:   pagesignal.New,
}

// sourceType picks the factory key for a named source. Retailers with
// built-in page signals need no explicit type.
func sourceType(name string, sc config.SourceConfig) string {
	if t := strings.ToLower(strings.TrimSpace(sc.Type)); t != "" {
		return t
	}
	n := strings.ToLower(strings.TrimSpace(name))
	if _, ok := factories[n]; ok {
		return n
	}
	if _, ok := pagesignal.Defaults[n]; ok {
		return pagesignal.Type
	}
	return n
}

// buildRegistry constructs a provider for every configured source and for
// watchlist sources that resolve to a known type without configuration.
// Construction problems are config errors. Page sources share r for
// browser retrieval.
func buildRegistry(cfg *config.Config, s *config.Settings, r provider.Renderer, log logx.Logger) (*provider.Registry, error) {
	sources := map[string]config.SourceConfig{}
	for name, sc := range cfg.Sources {
		sources[strings.ToLower(strings.TrimSpace(name))] = sc
	}
	for _, it := range s.Items {
		n := strings.ToLower(strings.TrimSpace(it.Source))
		if _, ok := sources[n]; ok {
			continue
		}
		if _, ok := factories[sourceType(n, config.SourceConfig{})]; ok {
			sources[n] = config.SourceConfig{}
		}
	}

	// Only sources that something on the watchlist uses need credentials.
	used := map[string]bool{}
	for _, it := range s.Items {
		used[it.Identity().Source()] = true
	}

	loc := geo.NewLocator(cfg.Location.Lat, cfg.Location.Lon, cfg.Location.Zip,
		geo.NewZippopotam(nil, provider.UserAgent()))

	names := make([]string, 0, len(sources))
	for n := range sources {
		names = append(names, n)
	}
	sort.Strings(names)

	reg := provider.NewRegistry()
	for _, name := range names {
		if !used[name] {
			log.Debug("source configured but not watched", logx.String("source", name))
			continue
		}
		sc := sources[name]
		typ := sourceType(name, sc)
		f, ok := factories[typ]
		if !ok {
			return nil, &config.Error{Path: "sources." + name + ".type", Msg: "unknown source type " + quote(typ)}
		}
		p, err := f(provider.Deps{
			Name:        name,
			Source:      sc,
			Renderer:    r,
			Geo:         loc,
			Zip:         cfg.Location.Zip,
			RadiusMiles: s.RadiusMiles,
			Log:         log.With(logx.String("source", name)),
		})
		if err != nil {
			return nil, &config.Error{Path: "sources." + name, Msg: err.Error(), Err: err}
		}
		reg.Register(p)
		log.Debug("source registered", logx.String("source", name), logx.String("type", typ), logx.String("kind", string(provider.KindOf(p))))
	}

	if err := reg.Resolve(s.Items); err != nil {
		return nil, err
	}
	return reg, nil
}

func quote(s string) string { return `"` + s + `"` }

// watchedSources lists distinct sources in watchlist order.
func watchedSources(items []model.TrackedItem) []string {
	seen := map[string]bool{}
	var out []string
	for _, it := range items {
		src := it.Identity().Source()
		if !seen[src] {
			seen[src] = true
			out = append(out, src)
		}
	}
	return out
}
