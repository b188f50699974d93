package config

import (
	"reflect"
	"sort"
	"strings"

	"stockwatch/internal/model"
	logx "stockwatch/pkg/logx"
)

// SummarizeConfigChange returns (1) the changed top-level sections,
// (2) safe structured attrs for logging (never secrets), and (3) the source
// names whose configuration changed.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Polling, newCfg.Polling) {
		changed = append(changed, "polling")
		attrs = append(attrs,
			logx.String("polling.interval", newCfg.Polling.Interval),
			logx.Int("polling.workers", newCfg.Polling.Workers),
			logx.Int("polling.per_source_limit", newCfg.Polling.PerSourceLimit),
		)
	}

	if oldCfg.Location != newCfg.Location || oldCfg.RadiusMiles != newCfg.RadiusMiles {
		changed = append(changed, "location")
		attrs = append(attrs,
			logx.Bool("location.zip_set", strings.TrimSpace(newCfg.Location.Zip) != ""),
			logx.Float64("radius_miles", newCfg.RadiusMiles),
		)
	}

	// Store (never log redis password)
	if !reflect.DeepEqual(oldCfg.Store, newCfg.Store) {
		changed = append(changed, "store")
		attrs = append(attrs,
			logx.String("store.driver", newCfg.Store.Driver),
			logx.String("store.path", newCfg.Store.Path),
		)
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	// Alerts (never log urls or tokens; webhook urls embed secrets)
	if !reflect.DeepEqual(oldCfg.Alerts, newCfg.Alerts) {
		changed = append(changed, "alerts")
		types := make([]string, 0, len(newCfg.Alerts.Sinks))
		for _, s := range newCfg.Alerts.Sinks {
			types = append(types, s.DisplayName())
		}
		attrs = append(attrs,
			logx.Int("alerts.sink_count", len(newCfg.Alerts.Sinks)),
			logx.String("alerts.sinks", strings.Join(types, ",")),
		)
	}

	sources := changedSources(oldCfg.Sources, newCfg.Sources)
	if len(sources) > 0 {
		changed = append(changed, "sources")
		attrs = append(attrs, logx.String("sources.changed", strings.Join(sources, ",")))
	}

	added, removed := watchlistDelta(oldCfg.Watchlist, newCfg.Watchlist)
	if len(added) > 0 || len(removed) > 0 || !reflect.DeepEqual(oldCfg.Watchlist, newCfg.Watchlist) {
		changed = append(changed, "watchlist")
		attrs = append(attrs,
			logx.Int("watchlist.count", len(newCfg.Watchlist)),
			logx.Int("watchlist.added", len(added)),
			logx.Int("watchlist.removed", len(removed)),
		)
	}

	if oldCfg.StatusFile != newCfg.StatusFile || oldCfg.StatusEvery != newCfg.StatusEvery {
		changed = append(changed, "status")
	}

	if oldCfg.Browser != newCfg.Browser {
		changed = append(changed, "browser")
	}

	// Diagnostics (never log token)
	if oldCfg.Diagnostics.Enabled != newCfg.Diagnostics.Enabled ||
		oldCfg.Diagnostics.Addr != newCfg.Diagnostics.Addr ||
		oldCfg.Diagnostics.Pprof != newCfg.Diagnostics.Pprof ||
		oldCfg.Diagnostics.AllowInsecure != newCfg.Diagnostics.AllowInsecure ||
		(oldCfg.Diagnostics.Token != "") != (newCfg.Diagnostics.Token != "") {
		changed = append(changed, "diagnostics")
		attrs = append(attrs,
			logx.Bool("diagnostics.enabled", newCfg.Diagnostics.Enabled),
			logx.String("diagnostics.addr", newCfg.Diagnostics.Addr),
			logx.Bool("diagnostics.token_set", newCfg.Diagnostics.Token != ""),
		)
	}

	return changed, attrs, sources
}

func changedSources(a, b map[string]SourceConfig) []string {
	names := map[string]bool{}
	for k, v := range a {
		if w, ok := b[k]; !ok || !reflect.DeepEqual(v, w) {
			names[k] = true
		}
	}
	for k := range b {
		if _, ok := a[k]; !ok {
			names[k] = true
		}
	}
	out := make([]string, 0, len(names))
	for k := range names {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func watchlistDelta(a, b []WatchItem) (added, removed []model.Identity) {
	ids := func(items []WatchItem) map[model.Identity]bool {
		m := make(map[model.Identity]bool, len(items))
		for _, it := range items {
			m[model.NewIdentity(it.Source, it.ID)] = true
		}
		return m
	}
	oldIDs, newIDs := ids(a), ids(b)
	for id := range newIDs {
		if !oldIDs[id] {
			added = append(added, id)
		}
	}
	for id := range oldIDs {
		if !newIDs[id] {
			removed = append(removed, id)
		}
	}
	return added, removed
}
