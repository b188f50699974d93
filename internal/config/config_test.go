package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"stockwatch/internal/model"
)

const jsonConfig = `{
  "polling": {"interval": "200s", "jitter": 0.1, "workers": 3},
  "location": {"zip": "21032"},
  "sources": {"bestbuy": {"api_key_env": "BESTBUY_API_KEY", "concurrency": 1}},
  "watchlist": [
    {"source": "BestBuy", "id": " 6543210 ", "label": "ETB", "filters": {"radius_miles": 10}},
    {"source": "target", "id": "https://www.target.com/p/-/A-1"}
  ]
}`

const yamlConfig = `
polling:
  interval: 200s
  jitter: 0.1
  workers: 3
location:
  zip: "21032"
sources:
  bestbuy:
    api_key_env: BESTBUY_API_KEY
    concurrency: 1
watchlist:
  - source: BestBuy
    id: " 6543210 "
    label: ETB
    filters:
      radius_miles: 10
  - source: target
    id: https://www.target.com/p/-/A-1
`

const tomlConfig = `
[polling]
interval = "200s"
jitter = 0.1
workers = 3

[location]
zip = "21032"

[sources.bestbuy]
api_key_env = "BESTBUY_API_KEY"
concurrency = 1

[[watchlist]]
source = "BestBuy"
id = " 6543210 "
label = "ETB"
[watchlist.filters]
radius_miles = 10

[[watchlist]]
source = "target"
id = "https://www.target.com/p/-/A-1"
`

func TestDecodeFormatsAgree(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		file string
		body string
	}{
		{"json", "stockwatch.json", jsonConfig},
		{"yaml", "stockwatch.yaml", yamlConfig},
		{"toml", "stockwatch.toml", tomlConfig},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg, err := Decode(tt.file, []byte(tt.body))
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			s, err := Resolve(cfg)
			if err != nil {
				t.Fatalf("Resolve: %v", err)
			}
			if s.Polling.Interval != 200*time.Second {
				t.Fatalf("Interval = %v, want 200s", s.Polling.Interval)
			}
			if s.Polling.Jitter != 0.1 || s.Polling.Workers != 3 {
				t.Fatalf("Polling = %+v", s.Polling)
			}
			if cfg.Sources["bestbuy"].Concurrency != 1 {
				t.Fatalf("Sources = %+v", cfg.Sources)
			}
			if len(s.Items) != 2 {
				t.Fatalf("Items = %+v, want 2", s.Items)
			}
			if got := s.Items[0].Identity(); got != model.Identity("bestbuy:6543210") {
				t.Fatalf("Identity = %q", got)
			}
			if s.Items[0].Filters.RadiusMiles != 10 {
				t.Fatalf("Filters = %+v", s.Items[0].Filters)
			}
		})
	}
}

func TestResolveDefaults(t *testing.T) {
	t.Parallel()
	s, err := Resolve(&Config{})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	p := s.Polling
	if p.Interval != DefaultPollInterval || p.MinInterval != MinPollInterval || p.Jitter != DefaultJitter {
		t.Fatalf("Polling = %+v", p)
	}
	if p.Workers != 4 || p.PerSourceLimit != 2 || p.CheckTimeout != 45*time.Second || p.GracePeriod != 10*time.Second {
		t.Fatalf("Polling = %+v", p)
	}
	if p.StartupSpread != DefaultStartupSpread {
		t.Fatalf("StartupSpread = %v, want %v", p.StartupSpread, DefaultStartupSpread)
	}
	s, err = Resolve(&Config{Polling: PollingConfig{StartupSpread: "0s"}})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if s.Polling.StartupSpread != 0 {
		t.Fatalf("StartupSpread = %v, want 0 when set to 0s", s.Polling.StartupSpread)
	}
	if s.Alerts.RetryMax != 3 || s.Alerts.RetryBase != 500*time.Millisecond {
		t.Fatalf("Alerts = %+v", s.Alerts)
	}
	if s.StatusFile != DefaultStatusFile || s.RadiusMiles != DefaultRadiusMiles {
		t.Fatalf("Settings = %+v", s)
	}
}

func TestResolveRejects(t *testing.T) {
	t.Parallel()
	neg := -1
	big := 0.7
	tests := []struct {
		name string
		cfg  Config
		path string
	}{
		{"interval below floor", Config{Polling: PollingConfig{Interval: "60s"}}, "polling.interval"},
		{"floor lowered", Config{Polling: PollingConfig{MinInterval: "30s", Interval: "60s"}}, "polling.min_interval"},
		{"raised floor", Config{Polling: PollingConfig{MinInterval: "5m"}}, "polling.interval"},
		{"bad duration", Config{Polling: PollingConfig{Interval: "soon"}}, "polling.interval"},
		{"jitter too large", Config{Polling: PollingConfig{Jitter: &big}}, "polling.jitter"},
		{"negative retries", Config{Alerts: AlertsConfig{RetryMax: &neg}}, "alerts.retry_max"},
		{"unknown sink", Config{Alerts: AlertsConfig{Sinks: []SinkConfig{{Type: "sms"}}}}, "alerts.sinks[0].type"},
		{"webhook without url", Config{Alerts: AlertsConfig{Sinks: []SinkConfig{{Type: "webhook"}}}}, "alerts.sinks[0].url"},
		{"telegram without chat", Config{Alerts: AlertsConfig{Sinks: []SinkConfig{{Type: "telegram", Token: "x"}}}}, "alerts.sinks[0].chat_id"},
		{"unknown driver", Config{Store: StoreConfig{Driver: "postgres"}}, "store.driver"},
		{"redis without addr", Config{Store: StoreConfig{Driver: "redis"}}, "store.redis_addr"},
		{"missing id", Config{Watchlist: []WatchItem{{Source: "bestbuy"}}}, "watchlist[0].id"},
		{"duplicate item", Config{Watchlist: []WatchItem{{Source: "bestbuy", ID: "1"}, {Source: "BESTBUY", ID: "1"}}}, "watchlist[1]"},
		{"public diagnostics", Config{Diagnostics: DiagnosticsConfig{Enabled: true, Addr: "0.0.0.0:9090"}}, "diagnostics.addr"},
		{"unknown render mode", Config{Sources: map[string]SourceConfig{"target": {Render: "webkit"}}}, "sources.target.render"},
		{"bad startup spread", Config{Polling: PollingConfig{StartupSpread: "later"}}, "polling.startup_spread"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Resolve(&tt.cfg)
			if err == nil {
				t.Fatal("Resolve succeeded, want error")
			}
			if !IsConfigError(err) {
				t.Fatalf("err = %T %v, want *config.Error", err, err)
			}
			if !strings.Contains(err.Error(), tt.path+":") {
				t.Fatalf("err = %v, want mention of %s", err, tt.path)
			}
		})
	}
}

func TestResolveReportsAllProblems(t *testing.T) {
	t.Parallel()
	_, err := Resolve(&Config{
		Polling:   PollingConfig{Interval: "60s"},
		Watchlist: []WatchItem{{ID: "1"}},
	})
	var ce *Error
	if !errors.As(err, &ce) {
		t.Fatalf("err = %v, want *config.Error", err)
	}
	for _, want := range []string{"polling.interval", "watchlist[0].source"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("err = %v, missing %s", err, want)
		}
	}
}

func TestDecodeRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	for _, tc := range []struct{ file, body string }{
		{"c.json", `{"polling": {"intervall": "180s"}}`},
		{"c.yaml", "checkout:\n  enabled: true\n"},
		{"c.json", `{} {}`},
	} {
		if _, err := Decode(tc.file, []byte(tc.body)); !IsConfigError(err) {
			t.Fatalf("Decode(%s, %q) err = %v, want *config.Error", tc.file, tc.body, err)
		}
	}
}

func TestSecretPrefersInlineValue(t *testing.T) {
	t.Setenv("STOCKWATCH_TEST_KEY", "from-env")
	if got := Secret("", "STOCKWATCH_TEST_KEY"); got != "from-env" {
		t.Fatalf("Secret = %q, want from-env", got)
	}
	if got := Secret("inline", "STOCKWATCH_TEST_KEY"); got != "inline" {
		t.Fatalf("Secret = %q, want inline", got)
	}
	src := SourceConfig{}
	if got := src.ResolvedAPIKey("STOCKWATCH_TEST_KEY"); got != "from-env" {
		t.Fatalf("ResolvedAPIKey = %q, want from-env", got)
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()
	oldCfg := &Config{
		Alerts:    AlertsConfig{Sinks: []SinkConfig{{Type: "discord", URL: "https://discord.example/secret"}}},
		Watchlist: []WatchItem{{Source: "bestbuy", ID: "1"}},
	}
	newCfg := &Config{
		Polling:   PollingConfig{Interval: "5m"},
		Alerts:    AlertsConfig{Sinks: []SinkConfig{{Type: "discord", URL: "https://discord.example/rotated"}}},
		Sources:   map[string]SourceConfig{"target": {Type: "pagesignal"}},
		Watchlist: []WatchItem{{Source: "bestbuy", ID: "2"}},
	}
	sections, _, sources := SummarizeConfigChange(oldCfg, newCfg)
	want := []string{"polling", "alerts", "sources", "watchlist"}
	if strings.Join(sections, ",") != strings.Join(want, ",") {
		t.Fatalf("sections = %v, want %v", sections, want)
	}
	if len(sources) != 1 || sources[0] != "target" {
		t.Fatalf("sources = %v, want [target]", sources)
	}
}

func TestManagerWatchPublishesValidChanges(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "stockwatch.yaml")
	if err := os.WriteFile(path, []byte("polling:\n  interval: 180s\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	m := NewManager(path)
	if _, _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Watch(ctx) }()
	time.Sleep(200 * time.Millisecond)

	// Invalid change is rejected and the previous config kept.
	if err := os.WriteFile(path, []byte("polling:\n  interval: 30s\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	time.Sleep(600 * time.Millisecond)
	select {
	case cfg := <-ch:
		t.Fatalf("published invalid config %+v", cfg.Polling)
	default:
	}

	if err := os.WriteFile(path, []byte("polling:\n  interval: 240s\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	select {
	case cfg := <-ch:
		if cfg.Polling.Interval != "240s" {
			t.Fatalf("published interval = %q, want 240s", cfg.Polling.Interval)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no config published")
	}
	if _, s := m.Get(); s.Polling.Interval != 240*time.Second {
		t.Fatalf("committed interval = %v", s.Polling.Interval)
	}
}
