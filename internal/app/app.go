package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"stockwatch/internal/config"
	"stockwatch/internal/dispatch"
	"stockwatch/internal/eventbus"
	"stockwatch/internal/model"
	"stockwatch/internal/observability/diag"
	"stockwatch/internal/observability/metrics"
	"stockwatch/internal/provider"
	"stockwatch/internal/provider/pagesignal"
	rtsup "stockwatch/internal/runtime/supervisor"
	"stockwatch/internal/status"
	"stockwatch/internal/store"
	"stockwatch/internal/task/engine"
	"stockwatch/internal/task/scheduler"
	"stockwatch/internal/watcher"
	logx "stockwatch/pkg/logx"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Options selects the config file and run flavour.
type Options struct {
	ConfigPath string
	// DryRun keeps state in memory and sends alerts to the log only.
	DryRun bool
}

// App owns the long-lived services (logging, store, metrics, diagnostics)
// and builds a pipeline per config generation.
type App struct {
	opts Options

	cfgm *config.Manager
	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	registry *prometheus.Registry
	metrics  *metrics.Metrics
	store    store.Store
	status   *status.Writer
	diag     *diag.Service

	// pacer outlives pipelines so a reload keeps per-item check spacing.
	pacer *scheduler.Pacer

	// browser is shared by every pipeline and started on first use.
	browser *pagesignal.Browser

	mu   sync.Mutex
	sup  *rtsup.Supervisor
	pipe *pipeline
}

// pipeline is everything rebuilt on a config reload.
type pipeline struct {
	items      []model.TrackedItem
	providers  *provider.Registry
	dispatcher *dispatch.Dispatcher
	watcher    *watcher.Watcher
	engine     *engine.Service
	sched      *scheduler.Service
}

// New loads and validates the config and opens the store. Any config
// problem is returned as a *config.Error before a provider is contacted.
func New(opts Options) (*App, error) {
	cfgm := config.NewManager(opts.ConfigPath)
	cfg, s, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg.Logging))
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	bus := eventbus.New()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	a := &App{
		opts:     opts,
		cfgm:     cfgm,
		log:      log,
		logs:     logSvc,
		bus:      bus,
		registry: reg,
		metrics:  m,
		pacer:    scheduler.NewPacer(),
		browser:  pagesignal.NewBrowser(cfg.Browser.Path, cfg.Browser.Tabs, log.With(logx.String("comp", "browser"))),
	}

	// Validate the whole pipeline once up front so a bad source or sink
	// fails startup instead of the first pass.
	if _, err := a.newPipeline(cfg, s); err != nil {
		logSvc.Close()
		return nil, err
	}

	sc := mapStoreConfig(cfg, s, opts.DryRun)
	st, err := store.Open(sc, log)
	if err != nil {
		logSvc.Close()
		return nil, err
	}
	a.store = st
	log.Info("store opened", logx.String("driver", sc.Driver), logx.Bool("dry_run", opts.DryRun))

	if s.StatusFile != "" {
		a.status = status.New(s.StatusFile, s.Items, log.With(logx.String("comp", "status")))
	}
	a.diag = diag.New(diag.FromConfig(cfg.Diagnostics), reg, a.health, log.With(logx.String("comp", "diag")))

	cfgm.SetValidator(func(_ context.Context, c *config.Config) error {
		ns, err := config.Resolve(c)
		if err != nil {
			return err
		}
		_, err = a.newPipeline(c, ns)
		return err
	})
	return a, nil
}

// Logger returns the app logger.
func (a *App) Logger() logx.Logger { return a.log }

// Bus exposes lifecycle events.
func (a *App) Bus() eventbus.Bus { return a.bus }

func (a *App) sinks(cfg *config.Config, log logx.Logger) ([]dispatch.Sink, error) {
	slog := log.With(logx.String("comp", "alert"))
	if a.opts.DryRun || len(cfg.Alerts.Sinks) == 0 {
		return []dispatch.Sink{dispatch.NewLogSink("log", slog)}, nil
	}
	sinks, err := dispatch.BuildSinks(cfg.Alerts.Sinks, nil, slog)
	if err != nil {
		if config.IsConfigError(err) {
			return nil, err
		}
		return nil, &config.Error{Err: err}
	}
	return sinks, nil
}

// newPipeline wires providers, dispatcher, watcher, engine and scheduler
// for one config generation. Nothing is started.
func (a *App) newPipeline(cfg *config.Config, s *config.Settings) (*pipeline, error) {
	providers, err := buildRegistry(cfg, s, a.browser, a.log.With(logx.String("comp", "provider")))
	if err != nil {
		return nil, err
	}
	sinks, err := a.sinks(cfg, a.log)
	if err != nil {
		return nil, err
	}

	d := dispatch.New(mapDispatchConfig(s), sinks, a.log.With(logx.String("comp", "dispatch")), a.bus)
	w := watcher.New(watcher.Config{CheckTimeout: s.Polling.CheckTimeout}, providers, a.store, d,
		a.log.With(logx.String("comp", "watcher")), a.bus)
	eng := engine.New(mapEngineConfig(s), a.log.With(logx.String("comp", "taskengine")), a.bus)
	sc := mapSchedulerConfig(cfg, s)
	sc.Pacer = a.pacer
	sched := scheduler.New(sc, eng, w, a.log.With(logx.String("comp", "scheduler")), a.bus)

	return &pipeline{
		items:      s.Items,
		providers:  providers,
		dispatcher: d,
		watcher:    w,
		engine:     eng,
		sched:      sched,
	}, nil
}

// start launches the dispatcher workers. They are detached from any run
// context so stopping a run still drains queued alerts.
func (p *pipeline) start() {
	p.dispatcher.Start(context.Background())
}

func (p *pipeline) stop(ctx context.Context) {
	p.dispatcher.Stop(ctx)
}

// RunOnce executes exactly one pass over the watchlist and returns the
// per-item outcomes in watchlist order. Queued alerts are delivered before
// it returns, bounded by the grace period.
func (a *App) RunOnce(ctx context.Context) ([]model.CheckOutcome, error) {
	cfg, s := a.cfgm.Get()
	p, err := a.newPipeline(cfg, s)
	if err != nil {
		return nil, err
	}
	a.setPipeline(p)

	p.start()
	a.log.Info("pass starting", logx.Int("items", len(p.items)), logx.String("sources", strings.Join(watchedSources(p.items), ",")))
	out := p.sched.RunOnce(ctx, p.items)
	p.sched.Stop()

	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.Polling.GracePeriod)
	p.stop(dctx)
	cancel()

	if a.status != nil {
		wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		if err := a.status.Write(wctx, a.store); err != nil {
			a.log.Warn("status write failed", logx.Err(err))
		}
		cancel()
	}
	return out, nil
}

// RunForever polls every item on its own jittered schedule until ctx is
// cancelled or a supervised service fails. A published config change
// restarts the schedules with the new pipeline.
func (a *App) RunForever(ctx context.Context) error {
	cfg, s := a.cfgm.Get()
	p, err := a.newPipeline(cfg, s)
	if err != nil {
		return err
	}
	a.seedPacer(ctx)

	sup := rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.mu.Lock()
	a.sup = sup
	a.mu.Unlock()

	sup.Go("metrics", func(c context.Context) error { return a.metrics.Run(c, a.bus) })
	if a.status != nil {
		every := s.StatusEvery
		sup.Go("status", func(c context.Context) error { return a.status.Run(c, a.bus, a.store, every) })
	}
	sup.Go("config.watch", a.cfgm.Watch)
	a.diag.Start(sup.Context())

	sub := a.cfgm.Subscribe(8)
	defer a.cfgm.Unsubscribe(sub)

	lastApplied := cfg
	for {
		a.setPipeline(p)
		p.start()
		runCtx, cancelRun := context.WithCancel(sup.Context())
		done := make(chan error, 1)
		go func(p *pipeline) { done <- p.sched.RunForever(runCtx, p.items) }(p)

		var next *pipeline
		for next == nil {
			select {
			case <-sup.Context().Done():
				cancelRun()
				<-done
				a.stopPipeline(p, s.Polling.GracePeriod)
				if err := sup.Err(); err != nil && !errors.Is(err, context.Canceled) {
					return err
				}
				return nil
			case newCfg, ok := <-sub:
				if !ok {
					sub = nil
					continue
				}
				newCfg = coalesce(sub, newCfg)
				ns := a.applied(lastApplied, newCfg)
				lastApplied = newCfg
				if ns == nil {
					continue
				}
				np, err := a.newPipeline(newCfg, ns)
				if err != nil {
					a.log.Warn("config rejected; keeping previous pipeline", logx.Err(err))
					continue
				}
				next = np
				s = ns
			}
		}

		cancelRun()
		<-done
		a.stopPipeline(p, s.Polling.GracePeriod)
		p = next
		if a.status != nil {
			a.status.SetItems(p.items)
		}
		a.log.Info("pipeline restarted", logx.Int("items", len(p.items)))
	}
}

// seedPacer loads last check times from the store so a restarted daemon
// does not re-check items it checked moments ago.
func (a *App) seedPacer(ctx context.Context) {
	lctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	recs, err := a.store.List(lctx)
	if err != nil {
		a.log.Warn("last check times unavailable; using startup spread only", logx.Err(err))
		return
	}
	for _, rec := range recs {
		a.pacer.Seed(rec.Identity, rec.LastCheckedAt)
	}
	a.log.Debug("check pacing seeded", logx.Int("records", len(recs)))
}

// coalesce keeps only the latest pending config.
func coalesce(sub chan *config.Config, cfg *config.Config) *config.Config {
	for {
		select {
		case newer, ok := <-sub:
			if !ok {
				return cfg
			}
			if newer != nil {
				cfg = newer
			}
		default:
			return cfg
		}
	}
}

// applied logs the change summary, applies logging changes and returns the
// committed settings when the pipeline needs rebuilding (nil otherwise).
func (a *App) applied(old, cfg *config.Config) *config.Settings {
	sections, attrs, sources := config.SummarizeConfigChange(old, cfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return nil
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
	if len(sources) > 0 {
		a.log.Debug("source config changes detected", logx.Any("sources", sources))
	}

	rebuild := false
	for _, sec := range sections {
		switch sec {
		case "logging":
			a.logs.Apply(mapLogConfig(cfg.Logging))
		case "store", "diagnostics", "status", "browser":
			a.log.Warn(sec + " config changed; restart required for changes to take effect")
		default:
			rebuild = true
		}
	}
	if !rebuild {
		return nil
	}
	committed, s := a.cfgm.Get()
	if committed != cfg {
		// A newer config was committed meanwhile; it will be delivered next.
		return nil
	}
	return s
}

func (a *App) setPipeline(p *pipeline) {
	a.mu.Lock()
	a.pipe = p
	a.mu.Unlock()
}

func (a *App) stopPipeline(p *pipeline, grace time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	p.stop(ctx)
}

// health backs /healthz.
func (a *App) health() map[string]error {
	out := map[string]error{}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, _, err := a.store.Get(ctx, model.Identity("health:ping")); err != nil {
		out["store"] = err
	} else {
		out["store"] = nil
	}

	a.mu.Lock()
	sup, p := a.sup, a.pipe
	a.mu.Unlock()
	if sup != nil {
		out["supervisor"] = sup.Err()
	}
	if p != nil {
		if sp := p.dispatcher.Supervisor(); sp != nil {
			out["dispatch"] = sp.Err()
		}
	}
	return out
}

// Close releases long-lived services. Each step is bounded so one slow
// component cannot stall shutdown.
func (a *App) Close(ctx context.Context, reason StopReason) error {
	a.log.Info("stopping", logx.String("reason", string(reason)))

	a.mu.Lock()
	sup, p := a.sup, a.pipe
	a.mu.Unlock()
	if sup != nil {
		sup.Cancel()
	}

	var errs []error
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		if max > 0 {
			// Respect the caller's deadline; never extend it.
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem < max {
					max = rem
				}
			}
			if max <= 0 {
				max = time.Millisecond
			}
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	if sup != nil {
		step("supervisor", 15*time.Second, sup.Wait)
	}
	if p != nil {
		step("dispatch", 5*time.Second, func(c context.Context) error { p.stop(c); return nil })
	}
	step("browser", 5*time.Second, func(context.Context) error { return a.browser.Close() })
	step("diag", 2*time.Second, func(c context.Context) error { a.diag.Stop(c); return nil })
	step("store", 2*time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return errors.Join(errs...)
}
