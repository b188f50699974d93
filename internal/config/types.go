package config

import (
	"os"
	"strings"
)

// Config is the on-disk configuration.
//
// All durations are Go duration strings (e.g. "500ms", "45s", "3m").
// Omitted fields fall back to the defaults documented per field; Resolve
// applies them and reports every problem as a *Error.
type Config struct {
	Polling  PollingConfig  `json:"polling"`
	Location LocationConfig `json:"location"`

	// RadiusMiles is the default search radius for location-aware sources (default 20).
	RadiusMiles float64 `json:"radius_miles,omitempty"`

	Store StoreConfig `json:"store"`

	// StatusFile is rewritten after every pass (default "status.json").
	// Set to "-" to disable.
	StatusFile string `json:"status_file,omitempty"`
	// StatusEvery debounces status rewrites in daemon mode (default "5s").
	StatusEvery string `json:"status_every,omitempty"`

	Logging     LoggingConfig           `json:"logging"`
	Alerts      AlertsConfig            `json:"alerts"`
	Sources     map[string]SourceConfig `json:"sources,omitempty"`
	Watchlist   []WatchItem             `json:"watchlist"`
	Diagnostics DiagnosticsConfig       `json:"diagnostics,omitempty"`
	Browser     BrowserConfig           `json:"browser,omitempty"`
}

// BrowserConfig sets up the headless browser used by page sources with
// render "browser". It starts on the first such check.
type BrowserConfig struct {
	// Path to a Chromium binary. Empty finds an installed one or downloads
	// a pinned build.
	Path string `json:"path,omitempty"`
	// Tabs caps concurrently rendered pages (default 3).
	Tabs int `json:"tabs,omitempty"`
}

// PollingConfig controls scheduling and the check worker pool.
//
// Defaults:
//   - interval: "180s"
//   - min_interval: "120s" (may be raised, never lowered)
//   - jitter: 0.2 (fraction of interval, 0..0.5)
//   - workers: 4
//   - per_source_limit: 2
//   - queue_size: 256
//   - check_timeout: "45s"
//   - grace_period: "10s"
type PollingConfig struct {
	Interval       string   `json:"interval,omitempty"`
	MinInterval    string   `json:"min_interval,omitempty"`
	Jitter         *float64 `json:"jitter,omitempty"`
	Workers        int      `json:"workers,omitempty"`
	PerSourceLimit int      `json:"per_source_limit,omitempty"`
	QueueSize      int      `json:"queue_size,omitempty"`
	CheckTimeout   string   `json:"check_timeout,omitempty"`
	GracePeriod    string   `json:"grace_period,omitempty"`
	StartupSpread  string   `json:"startup_spread,omitempty"`
}

// LocationConfig anchors radius searches. Lat/Lon win over Zip when both are set.
type LocationConfig struct {
	Zip string  `json:"zip,omitempty"`
	Lat float64 `json:"lat,omitempty"`
	Lon float64 `json:"lon,omitempty"`
}

func (l LocationConfig) HasCoordinates() bool { return l.Lat != 0 || l.Lon != 0 }

// StoreConfig selects the state store driver.
//
// Example:
//
//	"store": { "driver": "sqlite", "path": "./state.sqlite3" }
type StoreConfig struct {
	Driver      string `json:"driver,omitempty"` // sqlite (default), file, redis, memory
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only

	RedisAddr     string `json:"redis_addr,omitempty"`
	RedisPassword string `json:"redis_password,omitempty"` // do not log
	RedisDB       int    `json:"redis_db,omitempty"`
	RedisPrefix   string `json:"redis_prefix,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level,omitempty"`
	Console *bool       `json:"console,omitempty"`
	JSON    bool        `json:"json,omitempty"`
	File    LoggingFile `json:"file,omitempty"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

// AlertsConfig controls the alert dispatcher.
//
// Defaults:
//   - workers: 2
//   - queue_size: 256
//   - rate_per_sec: 2 (per sink; 0 keeps the default, negative disables)
//   - retry_max: 3 (retries after the first attempt)
//   - retry_base: "500ms"
//   - retry_max_delay: "10s"
type AlertsConfig struct {
	Workers       int          `json:"workers,omitempty"`
	QueueSize     int          `json:"queue_size,omitempty"`
	RatePerSec    float64      `json:"rate_per_sec,omitempty"`
	RetryMax      *int         `json:"retry_max,omitempty"`
	RetryBase     string       `json:"retry_base,omitempty"`
	RetryMaxDelay string       `json:"retry_max_delay,omitempty"`
	Sinks         []SinkConfig `json:"sinks,omitempty"`
}

// SinkConfig describes one alert destination.
//
// Secrets can be given inline or via an environment variable (*_env);
// the inline value wins.
type SinkConfig struct {
	Type     string            `json:"type"` // webhook, discord, telegram, log
	Name     string            `json:"name,omitempty"`
	URL      string            `json:"url,omitempty"`
	URLEnv   string            `json:"url_env,omitempty"`
	Headers  map[string]string `json:"headers,omitempty"`
	Token    string            `json:"token,omitempty"`
	TokenEnv string            `json:"token_env,omitempty"`
	ChatID   int64             `json:"chat_id,omitempty"`
	ThreadID int               `json:"thread_id,omitempty"`
	Timeout  string            `json:"timeout,omitempty"`
}

// DisplayName returns Name, falling back to Type.
func (s SinkConfig) DisplayName() string {
	if n := strings.TrimSpace(s.Name); n != "" {
		return n
	}
	return strings.ToLower(strings.TrimSpace(s.Type))
}

func (s SinkConfig) ResolvedURL() string   { return Secret(s.URL, s.URLEnv) }
func (s SinkConfig) ResolvedToken() string { return Secret(s.Token, s.TokenEnv) }

// SourceConfig configures one named source. The map key is the name used in
// watchlist entries; Type selects the provider implementation and defaults to
// the name itself.
type SourceConfig struct {
	Type        string   `json:"type,omitempty"`
	BaseURL     string   `json:"base_url,omitempty"`
	APIKey      string   `json:"api_key,omitempty"` // do not log
	APIKeyEnv   string   `json:"api_key_env,omitempty"`
	Concurrency int      `json:"concurrency,omitempty"`
	RatePerSec  float64  `json:"rate_per_sec,omitempty"`
	Timeout     string   `json:"timeout,omitempty"`
	UserAgent   string   `json:"user_agent,omitempty"`
	Negative    []string `json:"negative,omitempty"`
	Positive    []string `json:"positive,omitempty"`

	// Render picks page retrieval for page-signal sources: "http" or
	// "browser". Empty uses the source's default.
	Render string `json:"render,omitempty"`
}

// Page retrieval modes for SourceConfig.Render.
const (
	RenderHTTP    = "http"
	RenderBrowser = "browser"
)

// ResolvedAPIKey returns the inline key, then $APIKeyEnv, then $defEnv.
func (s SourceConfig) ResolvedAPIKey(defEnv string) string {
	env := s.APIKeyEnv
	if strings.TrimSpace(env) == "" {
		env = defEnv
	}
	return Secret(s.APIKey, env)
}

// WatchItem is one tracked item as written in the config file.
type WatchItem struct {
	Source  string      `json:"source"`
	ID      string      `json:"id"`
	Label   string      `json:"label,omitempty"`
	Filters WatchFilter `json:"filters,omitempty"`
}

type WatchFilter struct {
	RadiusMiles float64           `json:"radius_miles,omitempty"`
	MaxPrice    float64           `json:"max_price,omitempty"`
	Section     string            `json:"section,omitempty"`
	Venue       string            `json:"venue,omitempty"`
	Keyword     bool              `json:"keyword,omitempty"`
	Extra       map[string]string `json:"extra,omitempty"`
}

// DiagnosticsConfig controls the optional HTTP server exposing /metrics,
// /healthz and /debug/pprof.
//
// Security note:
//   - Prefer binding to localhost (default "127.0.0.1:9090").
//   - A non-loopback address needs a token or allow_insecure.
type DiagnosticsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"` // bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`
}

// Secret returns value when set, otherwise the named environment variable.
func Secret(value, env string) string {
	if v := strings.TrimSpace(value); v != "" {
		return v
	}
	if env = strings.TrimSpace(env); env != "" {
		return strings.TrimSpace(os.Getenv(env))
	}
	return ""
}
