package app

import (
	"strings"
	"time"

	"stockwatch/internal/config"
	"stockwatch/internal/dispatch"
	"stockwatch/internal/store"
	"stockwatch/internal/task/engine"
	"stockwatch/internal/task/scheduler"
	logx "stockwatch/pkg/logx"
)

// taskMargin is added to the check timeout so a slow provider times out in
// the watcher (ERROR) rather than in the engine.
const taskMargin = 15 * time.Second

func mapLogConfig(c config.LoggingConfig) logx.Config {
	console := true
	if c.Console != nil {
		console = *c.Console
	}
	path := strings.TrimSpace(c.File.Path)
	if c.File.Enabled && path == "" {
		path = "stockwatch.log"
	}
	return logx.Config{
		Level:   c.Level,
		Console: console,
		JSON:    c.JSON,
		File:    logx.FileConfig{Enabled: c.File.Enabled, Path: path},
	}
}

func mapStoreConfig(cfg *config.Config, s *config.Settings, dryRun bool) store.Config {
	sc := cfg.Store
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if dryRun {
		// Dry runs keep state in memory only.
		driver = "memory"
	}
	path := strings.TrimSpace(sc.Path)
	if path == "" {
		path = config.DefaultStorePath
	}
	prefix := sc.RedisPrefix
	if prefix == "" {
		prefix = "stockwatch:"
	}
	return store.Config{
		Driver:        driver,
		Path:          path,
		BusyTimeout:   s.StoreBusy,
		RedisAddr:     sc.RedisAddr,
		RedisPassword: sc.RedisPassword,
		RedisDB:       sc.RedisDB,
		RedisPrefix:   prefix,
	}
}

func mapEngineConfig(s *config.Settings) engine.Config {
	return engine.Config{
		Workers:        s.Polling.Workers,
		QueueSize:      s.Polling.QueueSize,
		DefaultTimeout: s.Polling.CheckTimeout + taskMargin,
	}
}

func mapSchedulerConfig(cfg *config.Config, s *config.Settings) scheduler.Config {
	limits := map[string]int{}
	for name, sc := range cfg.Sources {
		if sc.Concurrency > 0 {
			limits[strings.ToLower(strings.TrimSpace(name))] = sc.Concurrency
		}
	}
	return scheduler.Config{
		Interval:       s.Polling.Interval,
		MinInterval:    s.Polling.MinInterval,
		Jitter:         s.Polling.Jitter,
		StartupSpread:  s.Polling.StartupSpread,
		TaskTimeout:    s.Polling.CheckTimeout + taskMargin,
		PerSourceLimit: s.Polling.PerSourceLimit,
		SourceLimits:   limits,
		Grace:          s.Polling.GracePeriod,
	}
}

func mapDispatchConfig(s *config.Settings) dispatch.Config {
	return dispatch.Config{
		Workers:       s.Alerts.Workers,
		QueueSize:     s.Alerts.QueueSize,
		RatePerSec:    s.Alerts.RatePerSec,
		RetryMax:      s.Alerts.RetryMax,
		RetryBase:     s.Alerts.RetryBase,
		RetryMaxDelay: s.Alerts.RetryMaxDelay,
	}
}
