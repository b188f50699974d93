package config

import (
	"net"
	"strings"
	"time"

	"stockwatch/internal/model"
)

// Polling floor and defaults. The floor keeps every source well inside
// polite request rates and is not configurable downwards.
const (
	MinPollInterval     = 120 * time.Second
	DefaultPollInterval = 180 * time.Second
	DefaultJitter       = 0.2
	MaxJitter           = 0.5

	// DefaultStartupSpread bounds the random delay of first checks.
	DefaultStartupSpread = 30 * time.Second

	DefaultRadiusMiles = 20
	DefaultStatusFile  = "status.json"
	DefaultStorePath   = "state.sqlite3"
	DefaultDiagAddr    = "127.0.0.1:9090"
)

// Settings is a validated Config with defaults applied and durations parsed.
type Settings struct {
	Polling     Polling
	Alerts      Alerts
	StatusFile  string
	StatusEvery time.Duration
	RadiusMiles float64
	StoreBusy   time.Duration
	Items       []model.TrackedItem
}

type Polling struct {
	Interval       time.Duration
	MinInterval    time.Duration
	Jitter         float64
	Workers        int
	PerSourceLimit int
	QueueSize      int
	CheckTimeout   time.Duration
	GracePeriod    time.Duration
	StartupSpread  time.Duration
}

type Alerts struct {
	Workers       int
	QueueSize     int
	RatePerSec    float64
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
}

var (
	sinkTypes = map[string]bool{"webhook": true, "discord": true, "telegram": true, "log": true}
	storeDrvs = map[string]bool{"": true, "sqlite": true, "sqlite3": true, "file": true, "redis": true, "memory": true, "mem": true}
	logLevels = map[string]bool{"": true, "trace": true, "debug": true, "info": true, "warn": true, "warning": true, "error": true}
)

// Validate reports every problem in cfg. It performs no I/O.
func Validate(cfg *Config) error {
	_, err := Resolve(cfg)
	return err
}

// Resolve validates cfg and returns its effective settings.
// All problems are returned together (errors.Join of *Error).
func Resolve(cfg *Config) (*Settings, error) {
	if cfg == nil {
		return nil, &Error{Msg: "config is nil"}
	}
	var p problems
	s := &Settings{}

	s.Polling = resolvePolling(cfg.Polling, &p)
	s.Alerts = resolveAlerts(cfg.Alerts, &p)

	s.RadiusMiles = cfg.RadiusMiles
	switch {
	case s.RadiusMiles < 0:
		p.add("radius_miles", "must be >= 0")
	case s.RadiusMiles == 0:
		s.RadiusMiles = DefaultRadiusMiles
	}
	if cfg.Location.Lat < -90 || cfg.Location.Lat > 90 {
		p.add("location.lat", "must be within [-90, 90]")
	}
	if cfg.Location.Lon < -180 || cfg.Location.Lon > 180 {
		p.add("location.lon", "must be within [-180, 180]")
	}

	s.StatusFile = strings.TrimSpace(cfg.StatusFile)
	switch s.StatusFile {
	case "":
		s.StatusFile = DefaultStatusFile
	case "-":
		s.StatusFile = ""
	}
	var err error
	s.StatusEvery, err = ParseDurationOrDefault("status_every", cfg.StatusEvery, 5*time.Second)
	p.addErr(err)

	drv := strings.ToLower(strings.TrimSpace(cfg.Store.Driver))
	if !storeDrvs[drv] {
		p.add("store.driver", "unknown driver %q (want sqlite, file, redis or memory)", cfg.Store.Driver)
	}
	if drv == "redis" && strings.TrimSpace(cfg.Store.RedisAddr) == "" {
		p.add("store.redis_addr", "required for the redis driver")
	}
	s.StoreBusy, err = ParseDurationOrDefault("store.busy_timeout", cfg.Store.BusyTimeout, 5*time.Second)
	p.addErr(err)

	if cfg.Browser.Tabs < 0 {
		p.add("browser.tabs", "must be >= 0")
	}

	if !logLevels[strings.ToLower(strings.TrimSpace(cfg.Logging.Level))] {
		p.add("logging.level", "unknown level %q", cfg.Logging.Level)
	}

	for name, src := range cfg.Sources {
		path := "sources." + name
		if strings.TrimSpace(name) == "" {
			p.add("sources", "source name must not be empty")
		}
		if src.Concurrency < 0 {
			p.add(path+".concurrency", "must be >= 0")
		}
		if src.RatePerSec < 0 {
			p.add(path+".rate_per_sec", "must be >= 0")
		}
		_, err := ParseDurationField(path+".timeout", src.Timeout)
		p.addErr(err)
		switch strings.ToLower(strings.TrimSpace(src.Render)) {
		case "", RenderHTTP, RenderBrowser:
		default:
			p.add(path+".render", "%q must be %q or %q", src.Render, RenderHTTP, RenderBrowser)
		}
	}

	s.Items = resolveWatchlist(cfg.Watchlist, &p)
	validateDiagnostics(cfg.Diagnostics, &p)

	if err := p.err(); err != nil {
		return nil, err
	}
	return s, nil
}

func resolvePolling(c PollingConfig, p *problems) Polling {
	var (
		out Polling
		err error
	)
	out.MinInterval, err = ParseDurationOrDefault("polling.min_interval", c.MinInterval, MinPollInterval)
	p.addErr(err)
	if out.MinInterval < MinPollInterval {
		p.add("polling.min_interval", "%s may not be lowered below %s", out.MinInterval, MinPollInterval)
		out.MinInterval = MinPollInterval
	}

	out.Interval, err = ParseDurationOrDefault("polling.interval", c.Interval, DefaultPollInterval)
	p.addErr(err)
	if err == nil && out.Interval < out.MinInterval {
		p.add("polling.interval", "%s is below the minimum polling interval %s", out.Interval, out.MinInterval)
	}

	out.Jitter = DefaultJitter
	if c.Jitter != nil {
		out.Jitter = *c.Jitter
	}
	if out.Jitter < 0 || out.Jitter > MaxJitter {
		p.add("polling.jitter", "%v must be within [0, %v]", out.Jitter, MaxJitter)
	}

	out.Workers = orDefault(c.Workers, 4)
	out.PerSourceLimit = orDefault(c.PerSourceLimit, 2)
	out.QueueSize = orDefault(c.QueueSize, 256)
	if c.Workers < 0 {
		p.add("polling.workers", "must be >= 1")
	}
	if c.PerSourceLimit < 0 {
		p.add("polling.per_source_limit", "must be >= 1")
	}
	if c.QueueSize < 0 {
		p.add("polling.queue_size", "must be >= 1")
	}

	out.CheckTimeout, err = ParseDurationOrDefault("polling.check_timeout", c.CheckTimeout, 45*time.Second)
	p.addErr(err)
	out.GracePeriod, err = ParseDurationOrDefault("polling.grace_period", c.GracePeriod, 10*time.Second)
	p.addErr(err)
	// "0s" is honoured: every item is checked right after start.
	out.StartupSpread = DefaultStartupSpread
	if strings.TrimSpace(c.StartupSpread) != "" {
		out.StartupSpread, err = ParseDurationField("polling.startup_spread", c.StartupSpread)
		p.addErr(err)
	}
	return out
}

func resolveAlerts(c AlertsConfig, p *problems) Alerts {
	var (
		out Alerts
		err error
	)
	out.Workers = orDefault(c.Workers, 2)
	out.QueueSize = orDefault(c.QueueSize, 256)
	if c.Workers < 0 {
		p.add("alerts.workers", "must be >= 1")
	}
	if c.QueueSize < 0 {
		p.add("alerts.queue_size", "must be >= 1")
	}

	switch {
	case c.RatePerSec < 0:
		out.RatePerSec = 0
	case c.RatePerSec == 0:
		out.RatePerSec = 2
	default:
		out.RatePerSec = c.RatePerSec
	}

	out.RetryMax = 3
	if c.RetryMax != nil {
		out.RetryMax = *c.RetryMax
	}
	if out.RetryMax < 0 || out.RetryMax > 10 {
		p.add("alerts.retry_max", "%d must be within [0, 10]", out.RetryMax)
	}
	out.RetryBase, err = ParseDurationOrDefault("alerts.retry_base", c.RetryBase, 500*time.Millisecond)
	p.addErr(err)
	out.RetryMaxDelay, err = ParseDurationOrDefault("alerts.retry_max_delay", c.RetryMaxDelay, 10*time.Second)
	p.addErr(err)
	if out.RetryMaxDelay < out.RetryBase {
		out.RetryMaxDelay = out.RetryBase
	}

	names := map[string]bool{}
	for i, sk := range c.Sinks {
		path := "alerts.sinks[" + itoa(i) + "]"
		typ := strings.ToLower(strings.TrimSpace(sk.Type))
		if !sinkTypes[typ] {
			p.add(path+".type", "unknown sink type %q (want webhook, discord, telegram or log)", sk.Type)
			continue
		}
		if names[sk.DisplayName()] {
			p.add(path+".name", "duplicate sink name %q", sk.DisplayName())
		}
		names[sk.DisplayName()] = true

		switch typ {
		case "webhook", "discord":
			if sk.URL == "" && sk.URLEnv == "" {
				p.add(path+".url", "url or url_env is required")
			}
		case "telegram":
			if sk.Token == "" && sk.TokenEnv == "" {
				p.add(path+".token", "token or token_env is required")
			}
			if sk.ChatID == 0 {
				p.add(path+".chat_id", "required")
			}
		}
		_, err := ParseDurationField(path+".timeout", sk.Timeout)
		p.addErr(err)
	}
	return out
}

func resolveWatchlist(items []WatchItem, p *problems) []model.TrackedItem {
	out := make([]model.TrackedItem, 0, len(items))
	seen := map[model.Identity]int{}
	for i, w := range items {
		path := "watchlist[" + itoa(i) + "]"
		item := model.TrackedItem{
			Source: strings.ToLower(strings.TrimSpace(w.Source)),
			ID:     strings.TrimSpace(w.ID),
			Label:  strings.TrimSpace(w.Label),
			Filters: model.Filters{
				RadiusMiles: w.Filters.RadiusMiles,
				MaxPrice:    w.Filters.MaxPrice,
				Section:     w.Filters.Section,
				Venue:       w.Filters.Venue,
				Keyword:     w.Filters.Keyword,
				Extra:       w.Filters.Extra,
			},
		}
		if item.Source == "" {
			p.add(path+".source", "required")
		}
		if item.ID == "" {
			p.add(path+".id", "required")
		}
		if item.Filters.RadiusMiles < 0 {
			p.add(path+".filters.radius_miles", "must be >= 0")
		}
		if item.Filters.MaxPrice < 0 {
			p.add(path+".filters.max_price", "must be >= 0")
		}
		if item.Source == "" || item.ID == "" {
			continue
		}
		if j, dup := seen[item.Identity()]; dup {
			p.add(path, "duplicate of watchlist[%d] (%s)", j, item.Identity())
			continue
		}
		seen[item.Identity()] = i
		out = append(out, item)
	}
	return out
}

func validateDiagnostics(c DiagnosticsConfig, p *problems) {
	if !c.Enabled {
		return
	}
	addr := strings.TrimSpace(c.Addr)
	if addr == "" {
		addr = DefaultDiagAddr
	}
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		p.add("diagnostics.addr", "invalid address %q: %v", addr, err)
		return
	}
	if !IsLoopbackHost(host) && strings.TrimSpace(c.Token) == "" && !c.AllowInsecure {
		p.add("diagnostics.addr", "%q is not loopback; set a token or allow_insecure", addr)
	}
}

// IsLoopbackHost reports whether host only accepts local connections.
func IsLoopbackHost(host string) bool {
	host = strings.TrimSpace(host)
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
