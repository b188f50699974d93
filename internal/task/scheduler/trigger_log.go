package scheduler

import (
	"errors"
	"sync"
	"time"

	"stockwatch/internal/model"
	"stockwatch/internal/task/engine"
	logx "stockwatch/pkg/logx"
)

// refusedWarnEvery is the minimum spacing of "check not queued" warnings
// for one source.
const refusedWarnEvery = 5 * time.Second

// refusals rate-limits warnings about checks the engine would not queue.
// A full queue usually hits every item of a source at once, so warnings are
// kept per source and carry the number of refusals folded into them.
type refusals struct {
	mu    sync.Mutex
	bySrc map[string]*refusal
	every time.Duration
}

type refusal struct {
	warned     time.Time
	suppressed int
}

func newRefusals() *refusals {
	return &refusals{bySrc: map[string]*refusal{}, every: refusedWarnEvery}
}

// note records a refusal and reports whether to warn now, with the count of
// refusals swallowed since the last warning.
func (r *refusals) note(source string, now time.Time) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.bySrc[source]
	if st == nil {
		st = &refusal{}
		r.bySrc[source] = st
	}
	if !st.warned.IsZero() && now.Sub(st.warned) < r.every {
		st.suppressed++
		return 0, false
	}
	n := st.suppressed
	st.warned, st.suppressed = now, 0
	return n, true
}

// checkNotQueued logs why a check of id did not reach the engine.
func (s *Service) checkNotQueued(id model.Identity, err error) {
	if err == nil {
		return
	}
	if errors.Is(err, engine.ErrOverlapSkip) {
		s.log.Debug("check trigger skipped; previous check still pending", logx.String("item", id.String()))
		return
	}
	if errors.Is(err, engine.ErrStopping) || errors.Is(err, engine.ErrStopped) {
		s.log.Debug("check trigger ignored; scheduler stopping", logx.String("item", id.String()))
		return
	}
	suppressed, warn := s.refused.note(id.Source(), time.Now())
	if !warn {
		return
	}
	s.log.Warn("check not queued",
		logx.String("item", id.String()),
		logx.String("source", id.Source()),
		logx.Int("suppressed", suppressed),
		logx.Err(err),
	)
}
