package engine

import (
	"context"
	"sync"
	"time"
)

// Config sizes the pool. Zero values get defaults in New.
type Config struct {
	Workers   int
	QueueSize int

	// DefaultTimeout bounds a task whose own Timeout is zero.
	DefaultTimeout time.Duration

	// MaxQueueDelay discards tasks that waited longer than this before a
	// worker picked them up. Zero keeps every task.
	MaxQueueDelay time.Duration

	HistorySize int
}

type OverlapPolicy int

const (
	// OverlapSkipIfRunning refuses a task while another with the same
	// RunState is queued or running.
	OverlapSkipIfRunning OverlapPolicy = iota
	OverlapAllow
)

// RunState marks one logical job (one tracked item) as busy from enqueue
// until its run ends.
type RunState struct {
	mu   sync.Mutex
	busy bool
}

func (s *RunState) tryAcquire() bool {
	if s == nil {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.busy {
		return false
	}
	s.busy = true
	return true
}

func (s *RunState) release() {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.busy = false
	s.mu.Unlock()
}

// Busy reports whether a run is queued or executing.
func (s *RunState) Busy() bool {
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.busy
}

// HistoryItem records one finished or discarded task.
type HistoryItem struct {
	ID         string
	Name       string
	Group      string
	Started    time.Time
	QueueDelay time.Duration
	Duration   time.Duration
	Error      string
}

// TaskEvent is published on the bus for task.* events.
type TaskEvent struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Group      string        `json:"group,omitempty"`
	Started    time.Time     `json:"started"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
}

// Task is one unit of work.
//
// At most GroupLimit tasks of the same Group run at once (0 means no
// limit). State gates overlap; when nil the engine keeps one RunState per
// Name.
type Task struct {
	ID         string
	Name       string
	Timeout    time.Duration
	Run        func(ctx context.Context) error
	Overlap    OverlapPolicy
	State      *RunState
	Group      string
	GroupLimit int

	// OnDrop is called when an accepted task is discarded without running.
	OnDrop func(err error)
}

// Snapshot is a point-in-time view for diagnostics.
type Snapshot struct {
	Workers  int
	QueueLen int
	QueueCap int
	InFlight int

	// Groups maps each concurrency group to its running task count.
	Groups map[string]int
	// Parked counts tasks waiting for a slot in their group.
	Parked int

	Dropped          uint64
	DroppedQueueFull uint64
	DroppedStale     uint64
	DroppedShutdown  uint64

	DefaultTimeout time.Duration
	MaxQueueDelay  time.Duration

	History []HistoryItem
}

// dropReason labels why a task never ran. The string is used in events.
type dropReason string

const (
	dropQueueFull dropReason = "queue_full"
	dropStale     dropReason = "stale_queue_delay"
	dropShutdown  dropReason = "shutdown"
)

func (r dropReason) err() error {
	switch r {
	case dropQueueFull:
		return ErrQueueFull
	case dropStale:
		return ErrStale
	default:
		return ErrStopping
	}
}
