package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"stockwatch/internal/eventbus"
	"stockwatch/internal/model"
	rtsup "stockwatch/internal/runtime/supervisor"
	logx "stockwatch/pkg/logx"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

type target struct {
	sink    Sink
	limiter *rate.Limiter
	policy  retrypolicy.RetryPolicy[any]
}

// Dispatcher implements an async alert pipeline:
// queue + worker pool + per-sink rate limit + per-sink retry.
//
// A failing sink never blocks delivery to the others. It is safe for
// concurrent use.
type Dispatcher struct {
	mu sync.Mutex

	log logx.Logger
	bus eventbus.Bus
	cfg Config

	targets []target

	accepting bool
	sendWG    sync.WaitGroup

	queue    chan model.AlertEvent
	sup      *rtsup.Supervisor
	stopDone chan struct{}

	hmu     sync.Mutex
	history []HistoryItem

	dropped atomic.Uint64
}

func New(cfg Config, sinks []Sink, log logx.Logger, bus eventbus.Bus) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay < cfg.RetryBase {
		cfg.RetryMaxDelay = cfg.RetryBase
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 15 * time.Second
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 300
	}

	d := &Dispatcher{log: log, bus: bus, cfg: cfg}
	for _, s := range sinks {
		if s == nil {
			continue
		}
		t := target{sink: s, policy: newRetryPolicy(cfg)}
		if cfg.RatePerSec > 0 {
			burst := int(cfg.RatePerSec)
			if burst < 1 {
				burst = 1
			}
			t.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst)
		}
		d.targets = append(d.targets, t)
	}
	return d
}

func newRetryPolicy(cfg Config) retrypolicy.RetryPolicy[any] {
	return retrypolicy.NewBuilder[any]().
		WithBackoff(cfg.RetryBase, cfg.RetryMaxDelay).
		WithMaxRetries(cfg.RetryMax).
		WithJitterFactor(0.2).
		HandleIf(func(_ any, err error) bool {
			return err != nil && !IsPermanent(err) && !errors.Is(err, context.Canceled)
		}).
		Build()
}

// Sinks returns the configured sink names.
func (d *Dispatcher) Sinks() []string {
	out := make([]string, 0, len(d.targets))
	for _, t := range d.targets {
		out = append(out, t.sink.Name())
	}
	return out
}

// Supervisor returns the dispatcher's supervisor (nil if not started).
func (d *Dispatcher) Supervisor() *rtsup.Supervisor {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sup
}

// Start launches the workers. Start is idempotent.
func (d *Dispatcher) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	d.mu.Lock()
	if d.stopDone != nil {
		done := d.stopDone
		d.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		d.mu.Lock()
	}
	if d.queue != nil {
		d.mu.Unlock()
		return
	}

	d.queue = make(chan model.AlertEvent, d.cfg.QueueSize)
	d.accepting = true
	d.sup = rtsup.New(ctx, rtsup.WithLogger(d.log), rtsup.WithCancelOnError(false))
	sup := d.sup
	q := d.queue
	workers := d.cfg.Workers
	d.mu.Unlock()

	for i := 0; i < workers; i++ {
		sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			d.workerLoop(c, q)
			d.mu.Lock()
			stopping := d.stopDone != nil
			d.mu.Unlock()
			if stopping || c.Err() != nil {
				return nil
			}
			return errors.New("dispatch worker exited unexpectedly")
		}, rtsup.WithPublishFirstError(true))
	}
	d.log.Info("dispatcher started", logx.Int("workers", workers), logx.Int("sinks", len(d.targets)))
}

// Stop stops intake and drains the queue best-effort until ctx deadline.
func (d *Dispatcher) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	d.mu.Lock()
	q := d.queue
	sup := d.sup
	if q == nil {
		d.mu.Unlock()
		return
	}
	if d.stopDone != nil {
		done := d.stopDone
		d.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	d.stopDone = done
	d.accepting = false
	d.mu.Unlock()

	go func() {
		defer close(done)
		// In-flight Dispatch calls finish before the queue closes.
		d.sendWG.Wait()
		close(q)
		_ = sup.Wait(context.Background())

		d.mu.Lock()
		d.queue = nil
		d.stopDone = nil
		d.sup = nil
		d.mu.Unlock()
	}()

	select {
	case <-done:
		d.log.Info("dispatcher stopped")
	case <-ctx.Done():
		d.log.Warn("dispatcher drain timed out; cancelling deliveries", logx.Int("queued", len(q)))
		sup.Cancel()
	}
}

// Dispatch queues ev for delivery without blocking.
func (d *Dispatcher) Dispatch(ev model.AlertEvent) error {
	d.mu.Lock()
	if !d.accepting || d.queue == nil {
		d.mu.Unlock()
		return ErrStopped
	}
	q := d.queue
	d.sendWG.Add(1)
	d.mu.Unlock()
	defer d.sendWG.Done()

	select {
	case q <- ev:
		return nil
	default:
		d.dropped.Add(1)
		eventbus.Emit(d.bus, eventbus.AlertDropped, DeliveryEvent{EventID: ev.ID, Identity: ev.Identity, Error: ErrQueueFull.Error()})
		d.log.Warn("alert dropped: queue full", logx.String("identity", ev.Identity.String()), logx.Int("queue_cap", cap(q)))
		return ErrQueueFull
	}
}

func (d *Dispatcher) workerLoop(ctx context.Context, q <-chan model.AlertEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-q:
			if !ok {
				return
			}
			d.Deliver(ctx, ev)
		}
	}
}

// Deliver sends ev to every sink concurrently and waits for all of them.
func (d *Dispatcher) Deliver(ctx context.Context, ev model.AlertEvent) []Outcome {
	out := make([]Outcome, len(d.targets))
	var g errgroup.Group
	for i, t := range d.targets {
		i, t := i, t
		g.Go(func() error {
			out[i] = d.deliverOne(ctx, t, ev)
			// Never short-circuit the other sinks.
			return nil
		})
	}
	_ = g.Wait()

	for _, o := range out {
		if o.Err != nil {
			d.log.Warn("alert delivery failed",
				logx.String("sink", o.Sink),
				logx.String("identity", ev.Identity.String()),
				logx.Int("attempts", o.Attempts),
				logx.Err(o.Err),
			)
			eventbus.Emit(d.bus, eventbus.AlertFailed, DeliveryEvent{EventID: ev.ID, Identity: ev.Identity, Sink: o.Sink, Attempts: o.Attempts, Error: o.Err.Error()})
			continue
		}
		d.log.Debug("alert delivered", logx.String("sink", o.Sink), logx.String("identity", ev.Identity.String()), logx.Int("attempts", o.Attempts))
		eventbus.Emit(d.bus, eventbus.AlertDelivered, DeliveryEvent{EventID: ev.ID, Identity: ev.Identity, Sink: o.Sink, Attempts: o.Attempts})
	}
	d.appendHistory(HistoryItem{At: time.Now(), EventID: ev.ID, Identity: ev.Identity, Outcomes: out})
	return out
}

func (d *Dispatcher) deliverOne(ctx context.Context, t target, ev model.AlertEvent) Outcome {
	name := t.sink.Name()
	var attempts int
	_, err := failsafe.With[any](t.policy).WithContext(ctx).Get(func() (any, error) {
		attempts++
		if t.limiter != nil {
			if err := t.limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}
		sctx, cancel := context.WithTimeout(ctx, d.cfg.SendTimeout)
		defer cancel()
		return nil, t.sink.Send(sctx, ev)
	})
	if err != nil {
		return Outcome{Sink: name, Attempts: attempts, Err: &SinkError{Sink: name, Attempts: attempts, Err: err}}
	}
	return Outcome{Sink: name, Attempts: attempts}
}

// History returns recent deliveries, oldest first.
func (d *Dispatcher) History() []HistoryItem {
	d.hmu.Lock()
	defer d.hmu.Unlock()
	return append([]HistoryItem(nil), d.history...)
}

// Dropped counts alerts rejected because the queue was full.
func (d *Dispatcher) Dropped() uint64 { return d.dropped.Load() }

func (d *Dispatcher) appendHistory(it HistoryItem) {
	d.hmu.Lock()
	d.history = append(d.history, it)
	if len(d.history) > d.cfg.HistorySize {
		d.history = d.history[len(d.history)-d.cfg.HistorySize:]
	}
	d.hmu.Unlock()
}
