package watcher

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"stockwatch/internal/model"
	"stockwatch/internal/provider"
	"stockwatch/internal/store"
	logx "stockwatch/pkg/logx"
)

// scripted returns the next status from its script on every call.
type scripted struct {
	mu     sync.Mutex
	script []model.Status
	calls  int
}

func (s *scripted) Name() string { return "bestbuy" }

func (s *scripted) Check(ctx context.Context, item model.TrackedItem) (model.AvailabilityResult, error) {
	s.mu.Lock()
	st := s.script[s.calls%len(s.script)]
	s.calls++
	s.mu.Unlock()
	if st == model.StatusError {
		return model.AvailabilityResult{}, &provider.Error{Source: "bestbuy", Op: "products", StatusCode: 503, Err: errors.New("unavailable")}
	}
	return provider.Result(item, st, model.Detail{Name: "PS5"}), nil
}

type funcProvider func(ctx context.Context, item model.TrackedItem) (model.AvailabilityResult, error)

func (funcProvider) Name() string { return "bestbuy" }
func (f funcProvider) Check(ctx context.Context, item model.TrackedItem) (model.AvailabilityResult, error) {
	return f(ctx, item)
}

type recordingDispatcher struct {
	mu     sync.Mutex
	events []model.AlertEvent
	err    error
}

func (d *recordingDispatcher) Dispatch(ev model.AlertEvent) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.events = append(d.events, ev)
	return nil
}

func (d *recordingDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.events)
}

type brokenStore struct {
	store.Store
	getErr, putErr error
	puts           int
}

func (b *brokenStore) Get(ctx context.Context, id model.Identity) (model.StateRecord, bool, error) {
	if b.getErr != nil {
		return model.StateRecord{}, false, &store.Error{Op: "get", Identity: id, Err: b.getErr}
	}
	return b.Store.Get(ctx, id)
}

func (b *brokenStore) Put(ctx context.Context, rec model.StateRecord) error {
	b.puts++
	if b.putErr != nil {
		return &store.Error{Op: "put", Identity: rec.Identity, Err: b.putErr}
	}
	return b.Store.Put(ctx, rec)
}

// ctxStore fails store calls whose context is done, like the database
// backends do.
type ctxStore struct {
	store.Store
}

func (c ctxStore) Get(ctx context.Context, id model.Identity) (model.StateRecord, bool, error) {
	if err := ctx.Err(); err != nil {
		return model.StateRecord{}, false, &store.Error{Op: "get", Identity: id, Err: err}
	}
	return c.Store.Get(ctx, id)
}

func (c ctxStore) Put(ctx context.Context, rec model.StateRecord) error {
	if err := ctx.Err(); err != nil {
		return &store.Error{Op: "put", Identity: rec.Identity, Err: err}
	}
	return c.Store.Put(ctx, rec)
}

// cancellingDispatcher accepts the alert and then cancels the check, as a
// shutdown landing between dispatch and persist would.
type cancellingDispatcher struct {
	recordingDispatcher
	cancel context.CancelFunc
}

func (d *cancellingDispatcher) Dispatch(ev model.AlertEvent) error {
	err := d.recordingDispatcher.Dispatch(ev)
	d.cancel()
	return err
}

var item = model.TrackedItem{Source: "bestbuy", ID: "6525421", Label: "PS5 Slim"}

func newWatcher(p provider.Provider, st store.Store, d Dispatcher) *Watcher {
	reg := provider.NewRegistry()
	reg.Register(p)
	return New(Config{CheckTimeout: time.Second}, reg, st, d, logx.Nop(), nil)
}

func TestAlertsOnlyOnTransitionIntoStock(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name       string
		seed       *model.Status
		script     []model.Status
		wantAlerts int
		wantFinal  model.Status
	}{
		{
			name:       "unknown oos in in oos in",
			script:     []model.Status{model.StatusUnknown, model.StatusOutOfStock, model.StatusInStock, model.StatusInStock, model.StatusOutOfStock, model.StatusInStock},
			wantAlerts: 2,
			wantFinal:  model.StatusInStock,
		},
		{
			name:       "error between two in-stock results is silent",
			seed:       statusPtr(model.StatusInStock),
			script:     []model.Status{model.StatusError, model.StatusInStock},
			wantAlerts: 0,
			wantFinal:  model.StatusInStock,
		},
		{
			name:       "first observation in stock alerts",
			script:     []model.Status{model.StatusInStock},
			wantAlerts: 1,
			wantFinal:  model.StatusInStock,
		},
		{
			name:       "first error stored as unknown",
			script:     []model.Status{model.StatusError},
			wantAlerts: 0,
			wantFinal:  model.StatusUnknown,
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			st := store.NewMemory()
			if tt.seed != nil {
				if err := st.Put(ctx, model.StateRecord{Identity: item.Identity(), Status: *tt.seed, LastCheckedAt: time.Now()}); err != nil {
					t.Fatalf("seed: %v", err)
				}
			}
			d := &recordingDispatcher{}
			w := newWatcher(&scripted{script: tt.script}, st, d)
			for range tt.script {
				w.Check(ctx, item)
			}
			if got := d.count(); got != tt.wantAlerts {
				t.Fatalf("alerts = %d, want %d", got, tt.wantAlerts)
			}
			rec, ok, err := st.Get(ctx, item.Identity())
			if err != nil || !ok {
				t.Fatalf("Get = ok %v err %v", ok, err)
			}
			if rec.Status != tt.wantFinal {
				t.Fatalf("final status = %v, want %v", rec.Status, tt.wantFinal)
			}
		})
	}
}

func statusPtr(s model.Status) *model.Status { return &s }

func TestErrorKeepsStatusAndCountsFailures(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := store.NewMemory()
	w := newWatcher(&scripted{script: []model.Status{model.StatusOutOfStock, model.StatusError, model.StatusError}}, st, &recordingDispatcher{})

	w.Check(ctx, item)
	w.Check(ctx, item)
	last := w.Check(ctx, item)

	if last.State != model.OutcomeProviderError {
		t.Fatalf("State = %v, want %v", last.State, model.OutcomeProviderError)
	}
	var pe *provider.Error
	if !errors.As(last.Err, &pe) || pe.StatusCode != 503 {
		t.Fatalf("Err = %v, want *provider.Error 503", last.Err)
	}
	if last.Record.Status != model.StatusOutOfStock {
		t.Fatalf("stored = %v, want %v", last.Record.Status, model.StatusOutOfStock)
	}
	if last.Record.ConsecutiveErrors != 2 {
		t.Fatalf("ConsecutiveErrors = %d, want 2", last.Record.ConsecutiveErrors)
	}
	if last.Record.LastCheckedAt.IsZero() {
		t.Fatal("LastCheckedAt not advanced on error")
	}
}

func TestNoRealertAfterRestart(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	cfg := store.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "state.json")}
	d := &recordingDispatcher{}

	st, err := store.Open(cfg, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	out := newWatcher(&scripted{script: []model.Status{model.StatusInStock}}, st, d).Check(ctx, item)
	if !out.Alerted || out.Record.LastAlertedAt == nil {
		t.Fatalf("first check: Alerted %v LastAlertedAt %v, want alert", out.Alerted, out.Record.LastAlertedAt)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	st, err = store.Open(cfg, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st.Close()
	out = newWatcher(&scripted{script: []model.Status{model.StatusInStock}}, st, d).Check(ctx, item)
	if out.Alerted {
		t.Fatal("alerted again after restart")
	}
	if got := d.count(); got != 1 {
		t.Fatalf("alerts = %d, want 1", got)
	}
}

func TestStoreFailures(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("get", func(t *testing.T) {
		t.Parallel()
		bs := &brokenStore{Store: store.NewMemory(), getErr: errors.New("disk gone")}
		d := &recordingDispatcher{}
		out := newWatcher(&scripted{script: []model.Status{model.StatusInStock}}, bs, d).Check(ctx, item)
		if out.State != model.OutcomeStoreError {
			t.Fatalf("State = %v, want %v", out.State, model.OutcomeStoreError)
		}
		var se *store.Error
		if !errors.As(out.Err, &se) {
			t.Fatalf("Err = %v, want *store.Error", out.Err)
		}
		if d.count() != 0 || bs.puts != 0 {
			t.Fatalf("alerts %d puts %d, want none", d.count(), bs.puts)
		}
	})

	t.Run("put", func(t *testing.T) {
		t.Parallel()
		bs := &brokenStore{Store: store.NewMemory(), putErr: errors.New("read-only")}
		out := newWatcher(&scripted{script: []model.Status{model.StatusOutOfStock}}, bs, &recordingDispatcher{}).Check(ctx, item)
		if out.State != model.OutcomeStoreError {
			t.Fatalf("State = %v, want %v", out.State, model.OutcomeStoreError)
		}
	})
}

func TestDispatchFailureStillPersists(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := store.NewMemory()
	d := &recordingDispatcher{err: errors.New("queue full")}
	out := newWatcher(&scripted{script: []model.Status{model.StatusInStock}}, st, d).Check(ctx, item)
	if out.State != model.OutcomeChecked {
		t.Fatalf("State = %v, want %v", out.State, model.OutcomeChecked)
	}
	rec, ok, _ := st.Get(ctx, item.Identity())
	if !ok || rec.Status != model.StatusInStock {
		t.Fatalf("stored = %+v ok %v, want in_stock", rec, ok)
	}
	if rec.LastAlertedAt != nil {
		t.Fatalf("LastAlertedAt = %v, want nil when dispatch failed", rec.LastAlertedAt)
	}
}

func TestAbandonedCheckIsNotPersisted(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	st := store.NewMemory()
	p := funcProvider(func(pctx context.Context, it model.TrackedItem) (model.AvailabilityResult, error) {
		cancel()
		<-pctx.Done()
		return model.AvailabilityResult{}, pctx.Err()
	})
	out := newWatcher(p, st, &recordingDispatcher{}).Check(ctx, item)
	if out.State != model.OutcomeAbandoned {
		t.Fatalf("State = %v, want %v", out.State, model.OutcomeAbandoned)
	}
	if _, ok, _ := st.Get(context.Background(), item.Identity()); ok {
		t.Fatal("abandoned check wrote the store")
	}
}

func TestCancelAfterDispatchStillPersists(t *testing.T) {
	t.Parallel()
	st := ctxStore{store.NewMemory()}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d := &cancellingDispatcher{cancel: cancel}
	w := newWatcher(&scripted{script: []model.Status{model.StatusInStock}}, st, d)

	out := w.Check(ctx, item)
	if out.State != model.OutcomeChecked || !out.Alerted {
		t.Fatalf("first check = %v alerted=%v err=%v, want checked and alerted", out.State, out.Alerted, out.Err)
	}
	rec, ok, err := st.Get(context.Background(), item.Identity())
	if err != nil || !ok || rec.Status != model.StatusInStock || rec.LastAlertedAt == nil {
		t.Fatalf("stored = %+v ok=%v err=%v, want in_stock with LastAlertedAt", rec, ok, err)
	}

	out = w.Check(context.Background(), item)
	if out.Alerted {
		t.Fatal("second check alerted again")
	}
	if got := d.count(); got != 1 {
		t.Fatalf("alerts = %d, want 1", got)
	}
}

func TestProviderMisbehaviourBecomesError(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		p    funcProvider
	}{
		{name: "panic", p: func(context.Context, model.TrackedItem) (model.AvailabilityResult, error) {
			panic("nil map")
		}},
		{name: "ignores deadline", p: func(context.Context, model.TrackedItem) (model.AvailabilityResult, error) {
			time.Sleep(500 * time.Millisecond)
			return model.AvailabilityResult{Status: model.StatusInStock}, nil
		}},
		{name: "invalid status", p: func(context.Context, model.TrackedItem) (model.AvailabilityResult, error) {
			return model.AvailabilityResult{Status: "maybe"}, nil
		}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			reg := provider.NewRegistry()
			reg.Register(tt.p)
			w := New(Config{CheckTimeout: 50 * time.Millisecond}, reg, store.NewMemory(), &recordingDispatcher{}, logx.Nop(), nil)
			out := w.Check(context.Background(), item)
			if out.Result.Status != model.StatusError || out.State != model.OutcomeProviderError {
				t.Fatalf("status %v state %v, want error/provider_error", out.Result.Status, out.State)
			}
			if out.Record.Status != model.StatusUnknown {
				t.Fatalf("stored = %v, want unknown", out.Record.Status)
			}
		})
	}
}
