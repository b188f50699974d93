// Package eventbus fans pipeline events out to in-process subscribers.
// Publishing never blocks; a subscriber whose buffer is full misses the
// event.
package eventbus

import (
	"sync"
	"time"
)

const (
	CheckCompleted = "check.completed"
	CheckFailed    = "check.failed"
	CheckAbandoned = "check.abandoned"

	AlertFired     = "alert.fired"
	AlertDelivered = "alert.delivered"
	AlertFailed    = "alert.failed"
	AlertDropped   = "alert.dropped"

	PassCompleted = "pass.completed"

	TaskStarted  = "task.started"
	TaskFinished = "task.finished"
	TaskFailed   = "task.failed"
	TaskDropped  = "task.dropped"
	TaskSkipped  = "task.skipped"
)

type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	// Subscribe returns a channel with the given buffer and a function that
	// detaches and closes it. Calling the function twice is harmless.
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// Emit stamps and publishes an event. A nil bus is a no-op.
func Emit(bus Bus, typ string, data any) {
	if bus != nil {
		bus.Publish(Event{Type: typ, Time: time.Now(), Data: data})
	}
}

const defaultBuffer = 8

type subscriber struct {
	ch chan Event
}

type memBus struct {
	// Sends happen under the read lock, so unsubscribe (write lock) never
	// closes a channel that is being written to.
	mu   sync.RWMutex
	subs []*subscriber
}

// New returns an in-memory bus. It starts no goroutines.
func New() Bus { return &memBus{} }

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		select {
		case s.ch <- e:
		default:
		}
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	s := &subscriber{ch: make(chan Event, buffer)}
	b.mu.Lock()
	b.subs = append(b.subs, s)
	b.mu.Unlock()

	var once sync.Once
	return s.ch, func() { once.Do(func() { b.remove(s) }) }
}

func (b *memBus) remove(s *subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, cur := range b.subs {
		if cur == s {
			b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
			break
		}
	}
	close(s.ch)
}
