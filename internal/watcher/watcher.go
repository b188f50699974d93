// Package watcher runs one tracked item through fetch, detect, alert and
// persist, in that order.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"stockwatch/internal/eventbus"
	"stockwatch/internal/model"
	"stockwatch/internal/provider"
	"stockwatch/internal/store"
	"stockwatch/internal/transition"
	logx "stockwatch/pkg/logx"
)

// Dispatcher queues alert events for delivery. It must not block.
type Dispatcher interface {
	Dispatch(ev model.AlertEvent) error
}

type Config struct {
	// CheckTimeout bounds one provider call. Exceeding it yields ERROR.
	CheckTimeout time.Duration

	// PersistTimeout bounds the store work after a fetch. It runs detached
	// from the check context.
	PersistTimeout time.Duration
}

// CheckEvent is published on the bus for check.completed and check.failed.
type CheckEvent struct {
	Identity model.Identity     `json:"identity"`
	Source   string             `json:"source"`
	Status   model.Status       `json:"status"`
	Stored   model.Status       `json:"stored"`
	State    model.OutcomeState `json:"state"`
	Alerted  bool               `json:"alerted"`
	Duration time.Duration      `json:"duration"`
	Error    string             `json:"error,omitempty"`
}

// Watcher implements scheduler.Checker.
type Watcher struct {
	cfg      Config
	registry *provider.Registry
	store    store.Store
	alerts   Dispatcher
	log      logx.Logger
	bus      eventbus.Bus
	now      func() time.Time
}

func New(cfg Config, reg *provider.Registry, st store.Store, alerts Dispatcher, log logx.Logger, bus eventbus.Bus) *Watcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.CheckTimeout <= 0 {
		cfg.CheckTimeout = 45 * time.Second
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = 10 * time.Second
	}
	return &Watcher{cfg: cfg, registry: reg, store: st, alerts: alerts, log: log, bus: bus, now: time.Now}
}

// Check runs the full lifecycle for item. It never returns early on a
// provider, store or dispatch failure; the outcome says what happened.
func (w *Watcher) Check(ctx context.Context, item model.TrackedItem) model.CheckOutcome {
	start := w.now()
	id := item.Identity()
	out := model.CheckOutcome{Item: item}
	log := w.log.With(logx.String("item", id.String()))

	res := w.fetch(ctx, item)
	res = w.normalize(item, res)
	out.Result = res

	// Shutdown overtook the check; leave the store as it was.
	if err := ctx.Err(); err != nil {
		out.State = model.OutcomeAbandoned
		out.Err = err
		out.Duration = w.now().Sub(start)
		log.Debug("check abandoned", logx.Err(err))
		eventbus.Emit(w.bus, eventbus.CheckAbandoned, w.event(out))
		return out
	}

	// From here the check commits. A cancellation arriving after the alert
	// is queued must not keep the record that suppresses a repeat alert
	// from being written.
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.cfg.PersistTimeout)
	defer cancel()

	prevRec, found, err := w.store.Get(pctx, id)
	if err != nil {
		return w.storeFailed(out, start, log, err)
	}
	var prev *model.StateRecord
	if found {
		out.Previous = &prevRec
		prev = out.Previous
	}

	tr, alert := transition.Detect(prev, res)
	next := transition.Apply(prev, res)
	if alert {
		ev := model.NewAlertEvent(item, tr, w.now())
		if err := w.alerts.Dispatch(ev); err != nil {
			log.Warn("alert not queued", logx.String("event", ev.ID), logx.Err(err))
		} else {
			at := ev.DispatchedAt
			next.LastAlertedAt = &at
			out.Alerted = true
			log.Info("alert fired",
				logx.String("event", ev.ID),
				logx.String("from", ev.From.String()),
				logx.String("to", ev.To.String()),
			)
			eventbus.Emit(w.bus, eventbus.AlertFired, ev)
		}
	}

	if err := w.store.Put(pctx, next); err != nil {
		return w.storeFailed(out, start, log, err)
	}
	out.Record = next

	out.Duration = w.now().Sub(start)
	if res.Status == model.StatusError {
		out.State = model.OutcomeProviderError
		out.Err = res.Err
		log.Warn("check failed",
			logx.Err(res.Err),
			logx.String("kept", next.Status.String()),
			logx.Int("consecutive_errors", next.ConsecutiveErrors),
		)
		eventbus.Emit(w.bus, eventbus.CheckFailed, w.event(out))
		return out
	}
	out.State = model.OutcomeChecked
	log.Debug("check completed", logx.String("status", res.Status.String()), logx.Duration("dur", out.Duration))
	eventbus.Emit(w.bus, eventbus.CheckCompleted, w.event(out))
	return out
}

func (w *Watcher) storeFailed(out model.CheckOutcome, start time.Time, log logx.Logger, err error) model.CheckOutcome {
	out.State = model.OutcomeStoreError
	out.Err = err
	out.Duration = w.now().Sub(start)
	log.Warn("state store failed", logx.Err(err))
	eventbus.Emit(w.bus, eventbus.CheckFailed, w.event(out))
	return out
}

// fetch calls the provider under the check timeout. A provider that ignores
// its context is left behind once the deadline passes.
func (w *Watcher) fetch(ctx context.Context, item model.TrackedItem) model.AvailabilityResult {
	p, ok := w.registry.Lookup(item.Source)
	if !ok {
		return provider.Failed(item, fmt.Errorf("%w: no provider for source %q", provider.ErrBadItem, item.Source))
	}

	cctx, cancel := context.WithTimeout(ctx, w.cfg.CheckTimeout)
	defer cancel()

	type fetched struct {
		res model.AvailabilityResult
		err error
	}
	ch := make(chan fetched, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				w.log.Error("provider panic",
					logx.String("source", p.Name()),
					logx.String("item", item.Identity().String()),
					logx.Any("panic", r),
					logx.Stack(string(debug.Stack())),
				)
				ch <- fetched{err: fmt.Errorf("provider panic: %v", r)}
			}
		}()
		res, err := p.Check(cctx, item)
		ch <- fetched{res: res, err: err}
	}()

	select {
	case f := <-ch:
		if f.err != nil {
			return provider.Failed(item, f.err)
		}
		return f.res
	case <-cctx.Done():
		err := cctx.Err()
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("check timed out after %s: %w", w.cfg.CheckTimeout, err)
		}
		return provider.Failed(item, err)
	}
}

func (w *Watcher) normalize(item model.TrackedItem, res model.AvailabilityResult) model.AvailabilityResult {
	res.Identity = item.Identity()
	if res.CheckedAt.IsZero() {
		res.CheckedAt = w.now()
	}
	if !res.Status.Valid() {
		res = provider.Failed(item, fmt.Errorf("%w: status %q", provider.ErrBadResponse, res.Status))
	}
	if res.Status == model.StatusError && res.Err == nil {
		res.Err = provider.AsError(item.Source, "check", errors.New("check failed"))
	}
	return res
}

func (w *Watcher) event(o model.CheckOutcome) CheckEvent {
	ev := CheckEvent{
		Identity: o.Item.Identity(),
		Source:   o.Item.Identity().Source(),
		Status:   o.Result.Status,
		Stored:   o.Record.Status,
		State:    o.State,
		Alerted:  o.Alerted,
		Duration: o.Duration,
	}
	if o.Err != nil {
		ev.Error = o.Err.Error()
	}
	return ev
}
