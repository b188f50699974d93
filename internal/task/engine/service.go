// Package engine runs item checks on a bounded worker pool.
//
// Tasks wait in a fixed-size queue. A worker admits a task only when its
// concurrency group (the source) has a free slot; otherwise the task is
// parked until a task of the same group finishes, so one slow source never
// occupies every worker and never loses checks to a full queue.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"stockwatch/internal/eventbus"
	rtsup "stockwatch/internal/runtime/supervisor"
	logx "stockwatch/pkg/logx"
)

const (
	warnEvery = 5 * time.Second
	// cancelWait bounds how long Stop waits for tasks after cancelling them.
	cancelWait = 2 * time.Second
)

// run is one started generation of the pool.
type run struct {
	queue chan queuedTask
	stop  chan struct{}
	sup   *rtsup.Supervisor
	// stopped is non-nil once Stop began and closed when it finished.
	stopped chan struct{}
}

type Service struct {
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	mu  sync.Mutex
	cur *run

	// gate is held shared while a task is handed to the queue. Stop takes
	// it exclusively once so nothing lands after the final drain.
	gate sync.RWMutex

	statesMu sync.Mutex
	states   map[string]*RunState

	groups   groupGate
	inFlight atomic.Int32
	seq      atomic.Uint64

	drops drops
	hist  history
}

type queuedTask struct {
	task       Task
	enqueuedAt time.Time
	timeout    time.Duration
	state      *RunState
	track      bool
}

// finish releases the overlap slot taken at enqueue.
func (qt queuedTask) finish() {
	if qt.track {
		qt.state.release()
	}
}

func (qt queuedTask) event(at time.Time) TaskEvent {
	return TaskEvent{ID: qt.task.ID, Name: qt.task.Name, Group: qt.task.Group, Started: at}
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 200
	}
	return &Service{
		cfg:    cfg,
		log:    log,
		bus:    bus,
		states: make(map[string]*RunState),
		hist:   history{size: cfg.HistorySize},
	}
}

// Supervisor returns the worker supervisor, or nil when not running.
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur == nil {
		return nil
	}
	return s.cur.sup
}

// Start launches the workers under ctx. Cancelling ctx aborts running
// tasks at once; Stop is the graceful path. Start is idempotent and waits
// for a Stop in progress.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if r := s.cur; r != nil {
		if r.stopped == nil {
			s.mu.Unlock()
			return
		}
		done := r.stopped
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
		if s.cur != nil {
			s.mu.Unlock()
			return
		}
	}

	r := &run{
		queue: make(chan queuedTask, s.cfg.QueueSize),
		stop:  make(chan struct{}),
		sup:   rtsup.New(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false)),
	}
	s.cur = r
	s.mu.Unlock()

	for i := 0; i < s.cfg.Workers; i++ {
		r.sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			s.worker(c, r)
			select {
			case <-r.stop:
				return nil
			default:
			}
			if err := c.Err(); err != nil {
				return err
			}
			return errors.New("worker exited unexpectedly")
		}, rtsup.WithPublishFirstError(true))
	}
	s.log.Info("task engine started", logx.Int("workers", s.cfg.Workers), logx.Int("queue", s.cfg.QueueSize))
}

// Stop refuses new tasks and lets running ones finish until ctx is done,
// then cancels them. Tasks still queued or parked are dropped through
// OnDrop.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	r := s.cur
	if r == nil {
		s.mu.Unlock()
		return
	}
	if r.stopped != nil {
		done := r.stopped
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	r.stopped = done
	close(r.stop)
	s.mu.Unlock()

	s.gate.Lock()
	s.gate.Unlock()

	go func() {
		_ = r.sup.Wait(context.Background())
		s.drain(r.queue)
		for _, qt := range s.groups.takeParked() {
			s.discard(time.Now(), qt, dropShutdown, 0)
		}
		s.mu.Lock()
		s.cur = nil
		s.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("task engine stopped")
		return
	case <-ctx.Done():
	}

	s.log.Warn("task engine grace period expired; cancelling in-flight tasks", logx.Int("in_flight", int(s.inFlight.Load())))
	r.sup.Cancel()
	select {
	case <-done:
		s.log.Info("task engine stopped")
	case <-time.After(cancelWait):
		s.log.Warn("task engine stop timed out", logx.Int("in_flight", int(s.inFlight.Load())))
	}
}

func (s *Service) drain(q chan queuedTask) {
	for {
		select {
		case qt := <-q:
			s.discard(time.Now(), qt, dropShutdown, 0)
		default:
			return
		}
	}
}

// Enqueue hands t to the pool without blocking; a full queue drops it.
func (s *Service) Enqueue(t Task) error {
	return s.enqueue(context.Background(), t, false)
}

// Submit blocks until t is queued, ctx is done, or the engine stops.
func (s *Service) Submit(ctx context.Context, t Task) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return s.enqueue(ctx, t, true)
}

func (s *Service) enqueue(ctx context.Context, t Task, block bool) error {
	if t.Run == nil {
		return errors.New("task Run is nil")
	}
	if t.Name = strings.TrimSpace(t.Name); t.Name == "" {
		return errors.New("task Name is required")
	}
	now := time.Now()
	if strings.TrimSpace(t.ID) == "" {
		t.ID = fmt.Sprintf("chk-%x-%x", now.UnixNano(), s.seq.Add(1))
	}

	s.gate.RLock()
	defer s.gate.RUnlock()

	s.mu.Lock()
	r := s.cur
	s.mu.Unlock()
	if r == nil {
		return ErrStopped
	}
	select {
	case <-r.stop:
		return ErrStopping
	default:
	}

	qt := queuedTask{task: t, enqueuedAt: now, timeout: t.Timeout, state: t.State}
	if qt.timeout <= 0 {
		qt.timeout = s.cfg.DefaultTimeout
	}
	if qt.state == nil {
		qt.state = s.stateFor(t.Name)
	}
	if t.Overlap == OverlapSkipIfRunning {
		if !qt.state.tryAcquire() {
			ev := qt.event(now)
			ev.Error = "overlap_skip"
			eventbus.Emit(s.bus, eventbus.TaskSkipped, ev)
			s.log.Debug("task skipped due to overlap", logx.String("task", t.Name))
			return ErrOverlapSkip
		}
		qt.track = true
	}

	if !block {
		select {
		case r.queue <- qt:
			return nil
		default:
			qt.finish()
			s.noteDrop(now, qt, dropQueueFull, 0, r.queue)
			return ErrQueueFull
		}
	}

	select {
	case r.queue <- qt:
		return nil
	case <-ctx.Done():
		qt.finish()
		return ctx.Err()
	case <-r.stop:
		qt.finish()
		return ErrStopping
	}
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	r := s.cur
	s.mu.Unlock()

	running, parked := s.groups.snapshot()
	snap := Snapshot{
		Workers:          s.cfg.Workers,
		InFlight:         int(s.inFlight.Load()),
		Groups:           running,
		Parked:           parked,
		Dropped:          s.drops.total(),
		DroppedQueueFull: s.drops.queueFull.Load(),
		DroppedStale:     s.drops.stale.Load(),
		DroppedShutdown:  s.drops.shutdown.Load(),
		DefaultTimeout:   s.cfg.DefaultTimeout,
		MaxQueueDelay:    s.cfg.MaxQueueDelay,
		History:          s.hist.list(),
	}
	if r != nil {
		snap.QueueLen, snap.QueueCap = len(r.queue), cap(r.queue)
	}
	return snap
}

func (s *Service) stateFor(name string) *RunState {
	s.statesMu.Lock()
	defer s.statesMu.Unlock()
	st := s.states[name]
	if st == nil {
		st = &RunState{}
		s.states[name] = st
	}
	return st
}

// discard drops an accepted task: its overlap slot is freed, the drop is
// counted and OnDrop learns why.
func (s *Service) discard(now time.Time, qt queuedTask, why dropReason, waited time.Duration) {
	qt.finish()
	s.noteDrop(now, qt, why, waited, nil)
	s.hist.add(HistoryItem{ID: qt.task.ID, Name: qt.task.Name, Group: qt.task.Group, Started: now, QueueDelay: waited, Error: string(why)})
	if qt.task.OnDrop != nil {
		qt.task.OnDrop(why.err())
	}
}

func (s *Service) noteDrop(now time.Time, qt queuedTask, why dropReason, waited time.Duration, q chan queuedTask) {
	n := s.drops.add(why)
	ev := qt.event(now)
	ev.QueueDelay = waited
	ev.Error = string(why)
	eventbus.Emit(s.bus, eventbus.TaskDropped, ev)

	if why == dropShutdown || !s.drops.shouldWarn(why, now) {
		return
	}
	fields := []logx.Field{logx.String("task", qt.task.Name), logx.String("reason", string(why)), logx.Uint64("count", n)}
	if q != nil {
		fields = append(fields, logx.Int("queue_cap", cap(q)))
	}
	if waited > 0 {
		fields = append(fields, logx.Duration("queue_delay", waited))
	}
	s.log.Warn("task dropped", fields...)
}

// drops counts discarded tasks per reason and throttles the warnings.
type drops struct {
	queueFull atomic.Uint64
	stale     atomic.Uint64
	shutdown  atomic.Uint64

	mu       sync.Mutex
	lastWarn map[dropReason]time.Time
}

func (d *drops) add(why dropReason) uint64 {
	switch why {
	case dropQueueFull:
		return d.queueFull.Add(1)
	case dropStale:
		return d.stale.Add(1)
	default:
		return d.shutdown.Add(1)
	}
}

func (d *drops) total() uint64 {
	return d.queueFull.Load() + d.stale.Load() + d.shutdown.Load()
}

func (d *drops) shouldWarn(why dropReason, now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.lastWarn == nil {
		d.lastWarn = map[dropReason]time.Time{}
	}
	if last, ok := d.lastWarn[why]; ok && now.Sub(last) < warnEvery {
		return false
	}
	d.lastWarn[why] = now
	return true
}

// history keeps the most recent task records.
type history struct {
	mu    sync.Mutex
	size  int
	items []HistoryItem
}

func (h *history) add(it HistoryItem) {
	h.mu.Lock()
	h.items = append(h.items, it)
	if over := len(h.items) - h.size; over > 0 {
		h.items = append(h.items[:0], h.items[over:]...)
	}
	h.mu.Unlock()
}

func (h *history) list() []HistoryItem {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]HistoryItem, len(h.items))
	copy(out, h.items)
	return out
}
