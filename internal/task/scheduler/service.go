package scheduler

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"stockwatch/internal/eventbus"
	"stockwatch/internal/model"
	"stockwatch/internal/task/engine"
	logx "stockwatch/pkg/logx"

	"github.com/robfig/cron/v3"
)

type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	engine  *engine.Service
	checker Checker

	// One RunState per identity, shared by passes and cron triggers so an
	// item is never checked concurrently with itself.
	stateMu sync.Mutex
	states  map[model.Identity]*engine.RunState

	c       *cron.Cron
	entries map[model.Identity]cron.EntryID

	pacer   *Pacer
	refused *refusals
}

func New(cfg Config, eng *engine.Service, checker Checker, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 180 * time.Second
	}
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = 120 * time.Second
	}
	if cfg.PerSourceLimit <= 0 {
		cfg.PerSourceLimit = 2
	}
	if cfg.Grace <= 0 {
		cfg.Grace = 10 * time.Second
	}
	pacer := cfg.Pacer
	if pacer == nil {
		pacer = NewPacer()
	}
	return &Service{
		cfg:     cfg,
		log:     log,
		bus:     bus,
		engine:  eng,
		checker: checker,
		states:  map[model.Identity]*engine.RunState{},
		entries: map[model.Identity]cron.EntryID{},
		pacer:   pacer,
		refused: newRefusals(),
	}
}

func (s *Service) stateFor(id model.Identity) *engine.RunState {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	st := s.states[id]
	if st == nil {
		st = &engine.RunState{}
		s.states[id] = st
	}
	return st
}

func (s *Service) groupLimit(source string) int {
	if n := s.cfg.SourceLimits[strings.ToLower(source)]; n > 0 {
		return n
	}
	return s.cfg.PerSourceLimit
}

func (s *Service) task(item model.TrackedItem, run func(ctx context.Context) error, onDrop func(error)) engine.Task {
	id := item.Identity()
	return engine.Task{
		Name:       id.String(),
		Timeout:    s.cfg.TaskTimeout,
		Run:        run,
		Overlap:    engine.OverlapSkipIfRunning,
		State:      s.stateFor(id),
		Group:      id.Source(),
		GroupLimit: s.groupLimit(id.Source()),
		OnDrop:     onDrop,
	}
}

// startEngine runs tasks detached from ctx: cancellation reaches in-flight
// checks only through Stop, after the grace period.
func (s *Service) startEngine(ctx context.Context) {
	s.engine.Start(context.WithoutCancel(ctx))
}

// Stop halts triggering and gives in-flight checks the grace period before
// they are cancelled.
func (s *Service) Stop() {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.entries = map[model.Identity]cron.EntryID{}
	s.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Grace)
	defer cancel()
	s.engine.Stop(ctx)
}

var errCheckPanicked = errors.New("check panicked")

type indexed struct {
	i int
	o model.CheckOutcome
}

func abandoned(item model.TrackedItem, err error) model.CheckOutcome {
	return model.CheckOutcome{Item: item, State: model.OutcomeAbandoned, Err: err}
}

// RunOnce checks every item once on the worker pool and returns the
// outcomes in the order of items. When ctx is cancelled mid-pass, checks
// already running get the grace period; the rest are reported abandoned.
func (s *Service) RunOnce(ctx context.Context, items []model.TrackedItem) []model.CheckOutcome {
	start := time.Now()
	s.startEngine(ctx)

	out := make([]model.CheckOutcome, len(items))
	results := make(chan indexed, len(items))
	pending := 0

	for i, item := range items {
		i, item := i, item
		t := s.task(item,
			func(tctx context.Context) error {
				s.pacer.mark(item.Identity(), time.Now())
				// A panicking check still reports; the engine logs the panic.
				o := model.CheckOutcome{Item: item, State: model.OutcomeProviderError, Err: errCheckPanicked}
				defer func() { results <- indexed{i, o} }()
				o = s.checker.Check(tctx, item)
				return nil
			},
			func(err error) { results <- indexed{i, abandoned(item, err)} },
		)
		if err := s.engine.Submit(ctx, t); err != nil {
			s.checkNotQueued(item.Identity(), err)
			out[i] = abandoned(item, err)
			continue
		}
		pending++
	}

	done := ctx.Done()
	var stopped chan struct{}
	for pending > 0 {
		select {
		case r := <-results:
			out[r.i] = r.o
			pending--
		case <-done:
			done = nil
			stopped = make(chan struct{})
			s.log.Warn("pass cancelled; waiting for in-flight checks", logx.Int("pending", pending), logx.Duration("grace", s.cfg.Grace))
			go func() {
				s.Stop()
				close(stopped)
			}()
		case <-stopped:
			// Stop returned; whatever has not reported ignored cancellation.
			collect(results, out)
			for i := range out {
				if out[i].State == "" {
					out[i] = abandoned(items[i], context.Canceled)
				}
			}
			pending = 0
		}
	}

	sum := summarize(out, time.Since(start))
	eventbus.Emit(s.bus, eventbus.PassCompleted, sum)
	s.log.Info("pass completed",
		logx.Int("items", sum.Items),
		logx.Int("checked", sum.Checked),
		logx.Int("provider_error", sum.ProviderError),
		logx.Int("store_error", sum.StoreError),
		logx.Int("abandoned", sum.Abandoned),
		logx.Int("alerts", sum.Alerts),
		logx.Duration("took", sum.Duration),
	)
	return out
}

func collect(results <-chan indexed, out []model.CheckOutcome) {
	for {
		select {
		case r := <-results:
			out[r.i] = r.o
		default:
			return
		}
	}
}

// RunForever registers one jittered schedule per item and enqueues a check
// at each trigger until ctx is cancelled. It returns after the grace period.
// Items the pacer has seen before are first due one jittered interval after
// their last check.
func (s *Service) RunForever(ctx context.Context, items []model.TrackedItem) error {
	s.startEngine(ctx)

	c := cron.New(cron.WithLocation(time.UTC))
	now := time.Now()
	entries := make(map[model.Identity]cron.EntryID, len(items))
	for _, item := range items {
		item := item
		id := item.Identity()
		last, _ := s.pacer.Last(id)
		sched, first := newJitterSchedule(s.cfg.Interval, s.cfg.Jitter, s.cfg.MinInterval, s.cfg.StartupSpread, now, last, id.String())
		entries[id] = c.Schedule(sched, cron.FuncJob(func() { s.trigger(item) }))
		s.log.Debug("item scheduled", logx.String("item", id.String()), logx.Duration("first_in", first.Sub(now)), logx.Duration("interval", s.cfg.Interval))
	}

	s.mu.Lock()
	s.c = c
	s.entries = entries
	s.mu.Unlock()

	c.Start()
	s.log.Info("scheduler started", logx.Int("items", len(items)), logx.Duration("interval", s.cfg.Interval), logx.Float64("jitter", s.cfg.Jitter))

	<-ctx.Done()
	s.log.Info("scheduler stopping", logx.Duration("grace", s.cfg.Grace))
	s.Stop()
	return nil
}

// trigger queues one check. A check that would start less than MinInterval
// after the previous one of the same item is skipped.
func (s *Service) trigger(item model.TrackedItem) {
	id := item.Identity()
	t := s.task(item,
		func(tctx context.Context) error {
			if left, ok := s.pacer.admit(id, time.Now(), s.cfg.MinInterval); !ok {
				s.log.Debug("check skipped; too soon after the previous one", logx.String("item", id.String()), logx.Duration("left", left))
				return nil
			}
			s.checker.Check(tctx, item)
			return nil
		},
		func(err error) {
			s.log.Debug("check dropped", logx.String("item", id.String()), logx.Err(err))
		},
	)
	s.checkNotQueued(id, s.engine.Enqueue(t))
}

// Schedules lists registered item schedules with their next trigger.
func (s *Service) Schedules() []ScheduleInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ScheduleInfo, 0, len(s.entries))
	for id, eid := range s.entries {
		e := s.c.Entry(eid)
		out = append(out, ScheduleInfo{Identity: id, Next: e.Next, Prev: e.Prev})
	}
	return out
}
