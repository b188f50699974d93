// Package supervisor runs named goroutines under one cancellable context,
// turning panics into errors and optionally restarting failed loops.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	logx "stockwatch/pkg/logx"
)

// healthyRun is how long a restarted loop must stay up before its backoff
// resets.
const healthyRun = 30 * time.Second

type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc
	log    logx.Logger

	cancelOnErr bool

	wg       sync.WaitGroup
	done     chan struct{}
	waitOnce sync.Once

	mu       sync.Mutex
	firstErr error
	started  uint64
	active   int64
	stats    map[string]*GoroutineStats
}

type Option func(*Supervisor)

func WithLogger(log logx.Logger) Option {
	return func(s *Supervisor) { s.log = log }
}

// WithCancelOnError makes the first failure of a Go goroutine cancel the
// whole supervisor.
func WithCancelOnError(enabled bool) Option {
	return func(s *Supervisor) { s.cancelOnErr = enabled }
}

// GoroutineStats aggregates the runs of every goroutine with one name.
type GoroutineStats struct {
	Name      string    `json:"name"`
	Active    int64     `json:"active"`
	Started   uint64    `json:"started"`
	Panics    uint64    `json:"panics"`
	Restarts  uint64    `json:"restarts"`
	LastErr   string    `json:"last_err,omitempty"`
	LastErrAt time.Time `json:"last_err_at"`
}

type Snapshot struct {
	Active     int64            `json:"active"`
	Started    uint64           `json:"started"`
	FirstError string           `json:"first_error,omitempty"`
	Goroutines []GoroutineStats `json:"goroutines"`
}

func New(parent context.Context, opts ...Option) *Supervisor {
	ctx, cancel := context.WithCancel(parent)
	s := &Supervisor{
		ctx:    ctx,
		cancel: cancel,
		log:    logx.Nop(),
		done:   make(chan struct{}),
		stats:  make(map[string]*GoroutineStats),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }

// Cancel cancels the shared context and returns immediately.
func (s *Supervisor) Cancel() { s.cancel() }

// Err returns the first recorded failure.
func (s *Supervisor) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.firstErr
}

func (s *Supervisor) Snapshot() Snapshot {
	if s == nil {
		return Snapshot{}
	}
	s.mu.Lock()
	snap := Snapshot{Active: s.active, Started: s.started}
	if s.firstErr != nil {
		snap.FirstError = s.firstErr.Error()
	}
	for _, st := range s.stats {
		snap.Goroutines = append(snap.Goroutines, *st)
	}
	s.mu.Unlock()
	sort.Slice(snap.Goroutines, func(i, j int) bool { return snap.Goroutines[i].Name < snap.Goroutines[j].Name })
	return snap
}

// Go runs fn once. A failure other than context.Canceled is recorded and,
// with WithCancelOnError, cancels the supervisor.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	s.spawn(func() {
		err := s.attempt(name, fn, false)
		if err == nil {
			return
		}
		s.record(err)
		if s.cancelOnErr {
			s.cancel()
		}
	})
}

// Go0 runs a loop that has no error to report.
func (s *Supervisor) Go0(name string, fn func(ctx context.Context)) {
	if fn == nil {
		return
	}
	s.Go(name, func(ctx context.Context) error {
		fn(ctx)
		return nil
	})
}

// RestartOption configures GoRestart.
type RestartOption func(*restartPolicy)

type restartPolicy struct {
	minBackoff   time.Duration
	maxBackoff   time.Duration
	publishFirst bool
}

// WithRestartBackoff bounds the doubling pause between restarts.
func WithRestartBackoff(min, max time.Duration) RestartOption {
	return func(p *restartPolicy) {
		if min > 0 {
			p.minBackoff = min
		}
		if max > 0 {
			p.maxBackoff = max
		}
	}
}

// WithPublishFirstError records a restarted failure so Err reports it.
func WithPublishFirstError(enabled bool) RestartOption {
	return func(p *restartPolicy) { p.publishFirst = enabled }
}

// GoRestart keeps fn running: an error or panic restarts it after a
// jittered backoff, a nil return or a cancelled context ends it.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, opts ...RestartOption) {
	if fn == nil {
		return
	}
	p := restartPolicy{minBackoff: 250 * time.Millisecond, maxBackoff: 30 * time.Second}
	for _, o := range opts {
		o(&p)
	}
	p.maxBackoff = max(p.maxBackoff, p.minBackoff)

	s.spawn(func() {
		backoff := p.minBackoff
		for restart := false; s.ctx.Err() == nil; restart = true {
			began := time.Now()
			err := s.attempt(name, fn, restart)
			if err == nil || s.ctx.Err() != nil {
				return
			}
			if p.publishFirst {
				s.record(err)
			}
			if time.Since(began) >= healthyRun {
				backoff = p.minBackoff
			}
			wait := backoff + jitter(backoff)
			s.log.Warn("goroutine restarting", logx.String("name", name), logx.Duration("backoff", wait), logx.Err(err))

			t := time.NewTimer(wait)
			select {
			case <-s.ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
			backoff = min(backoff*2, p.maxBackoff)
		}
	})
}

func jitter(d time.Duration) time.Duration {
	if d < 5 {
		return 0
	}
	return rand.N(d / 5)
}

// Stop cancels and waits like Wait.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.cancel()
	return s.Wait(ctx)
}

// Wait blocks until every goroutine returned or ctx is done. It returns
// the first recorded failure.
func (s *Supervisor) Wait(ctx context.Context) error {
	s.waitOnce.Do(func() {
		go func() {
			s.wg.Wait()
			close(s.done)
		}()
	})
	select {
	case <-s.done:
		return s.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Supervisor) spawn(body func()) {
	s.mu.Lock()
	s.started++
	s.active++
	s.mu.Unlock()
	s.wg.Add(1)
	go func() {
		defer func() {
			s.mu.Lock()
			s.active--
			s.mu.Unlock()
			s.wg.Done()
		}()
		body()
	}()
}

// attempt runs fn once with panic recovery and books the run in the
// per-name stats. Cancellation is not a failure.
func (s *Supervisor) attempt(name string, fn func(ctx context.Context) error, restart bool) (err error) {
	st := s.begin(name, restart)
	panicked := false
	defer func() {
		if r := recover(); r != nil {
			panicked = true
			err = fmt.Errorf("%s: panic: %v", name, r)
			s.log.Error("goroutine panicked", logx.String("name", name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
		s.end(st, err, panicked)
	}()

	if err = fn(s.ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

func (s *Supervisor) begin(name string, restart bool) *GoroutineStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats[name]
	if st == nil {
		st = &GoroutineStats{Name: name}
		s.stats[name] = st
	}
	st.Started++
	st.Active++
	if restart {
		st.Restarts++
	}
	return st
}

func (s *Supervisor) end(st *GoroutineStats, err error, panicked bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st.Active > 0 {
		st.Active--
	}
	if panicked {
		st.Panics++
	}
	if err != nil {
		st.LastErr = err.Error()
		st.LastErrAt = time.Now()
	}
}

func (s *Supervisor) record(err error) {
	s.mu.Lock()
	if s.firstErr == nil {
		s.firstErr = err
	}
	s.mu.Unlock()
}
