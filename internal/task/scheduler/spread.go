package scheduler

import (
	"hash/fnv"
	"math/rand"
	"sync/atomic"
	"time"
)

// NextDelay returns interval scaled by a uniform factor in
// [1-jitter, 1+jitter], never below floor. A nil rng uses the global source.
func NextDelay(interval time.Duration, jitter float64, floor time.Duration, rng *rand.Rand) time.Duration {
	if jitter < 0 {
		jitter = 0
	}
	f := rand.Float64
	if rng != nil {
		f = rng.Float64
	}
	d := time.Duration(float64(interval) * (1 + (f()*2-1)*jitter))
	if d < floor {
		d = floor
	}
	return d
}

// jitterSchedule is a cron.Schedule that fires first at a precomputed start
// time and then every NextDelay after the previous run.
type jitterSchedule struct {
	interval time.Duration
	jitter   float64
	floor    time.Duration
	first    time.Time
	rng      *rand.Rand
}

// Next hands out the start time once; cron may ask slightly after it, in
// which case the first run is due immediately.
func (s *jitterSchedule) Next(t time.Time) time.Time {
	if !s.first.IsZero() {
		first := s.first
		s.first = time.Time{}
		if first.After(t) {
			return first
		}
		return t
	}
	return t.Add(NextDelay(s.interval, s.jitter, s.floor, s.rng))
}

var spreadSeq uint64

// newJitterSchedule spreads the first trigger randomly over
// [0, min(interval, spreadMax)) so a restart does not fire every item at
// once.
// A non-zero last pushes the first trigger to one jittered interval after
// that check when this lands later than the spread.
func newJitterSchedule(interval time.Duration, jitter float64, floor, spreadMax time.Duration, now, last time.Time, tag string) (*jitterSchedule, time.Time) {
	seed := time.Now().UnixNano() ^ int64(atomic.AddUint64(&spreadSeq, 1)) ^ int64(fnv64a(tag))
	rng := rand.New(rand.NewSource(seed))

	spreadMax = min(interval, spreadMax)
	var spread time.Duration
	if spreadMax > 0 {
		spread = time.Duration(rng.Int63n(int64(spreadMax)))
	}
	first := now.Add(spread)
	if !last.IsZero() {
		if due := last.Add(NextDelay(interval, jitter, floor, rng)); due.After(first) {
			first = due
		}
	}
	return &jitterSchedule{
		interval: interval,
		jitter:   jitter,
		floor:    floor,
		first:    first,
		rng:      rng,
	}, first
}

func fnv64a(s string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return h.Sum64()
}
