package engine

import "errors"

var (
	ErrStopped     = errors.New("task engine stopped")
	ErrStopping    = errors.New("task engine stopping")
	ErrQueueFull   = errors.New("task engine queue full")
	ErrOverlapSkip = errors.New("task skipped due to overlap policy")
	ErrStale       = errors.New("task dropped: queued too long")
)
