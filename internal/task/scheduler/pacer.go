package scheduler

import (
	"sync"
	"time"

	"stockwatch/internal/model"
)

// Pacer remembers when each item was last checked. One Pacer outlives
// scheduler generations, so rebuilding the pipeline does not reset the
// minimum spacing between two checks of the same item.
type Pacer struct {
	mu   sync.Mutex
	last map[model.Identity]time.Time
}

func NewPacer() *Pacer {
	return &Pacer{last: map[model.Identity]time.Time{}}
}

// Seed records an earlier check. It never moves a known time backwards.
func (p *Pacer) Seed(id model.Identity, at time.Time) {
	if at.IsZero() {
		return
	}
	p.mu.Lock()
	if at.After(p.last[id]) {
		p.last[id] = at
	}
	p.mu.Unlock()
}

// Last reports the start of the latest check of id.
func (p *Pacer) Last(id model.Identity) (time.Time, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.last[id]
	return t, ok
}

// admit marks now as a check start unless the previous start is less than
// floor ago, in which case it returns how long is left.
func (p *Pacer) admit(id model.Identity, now time.Time, floor time.Duration) (time.Duration, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if last, ok := p.last[id]; ok {
		if left := floor - now.Sub(last); left > 0 {
			return left, false
		}
	}
	p.last[id] = now
	return 0, true
}

func (p *Pacer) mark(id model.Identity, now time.Time) {
	p.mu.Lock()
	p.last[id] = now
	p.mu.Unlock()
}
