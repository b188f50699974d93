package engine

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"stockwatch/internal/eventbus"
	logx "stockwatch/pkg/logx"
)

// slowTask is the duration from which a finished task logs at info.
const slowTask = 5 * time.Second

func (s *Service) worker(ctx context.Context, r *run) {
	for {
		// A closed stop channel wins over queued work.
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		default:
		}

		var qt queuedTask
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		case qt = <-r.queue:
		}

		key, ok := s.groups.admit(qt)
		if !ok {
			// Parked; the task holding the group's slot runs it next.
			continue
		}
		s.runGroup(ctx, r, qt, key)
	}
}

// runGroup runs qt and then every parked task the group slot is handed to.
// Once the pool is stopping, handed-over tasks are dropped instead.
func (s *Service) runGroup(ctx context.Context, r *run, qt queuedTask, key string) {
	for {
		s.inFlight.Add(1)
		s.execute(ctx, qt)
		s.inFlight.Add(-1)

		for {
			next, ok := s.groups.release(key)
			if !ok {
				return
			}
			if !halted(ctx, r.stop) {
				qt = next
				break
			}
			s.discard(time.Now(), next, dropShutdown, 0)
		}
	}
}

func halted(ctx context.Context, stop <-chan struct{}) bool {
	select {
	case <-ctx.Done():
		return true
	case <-stop:
		return true
	default:
		return false
	}
}

func (s *Service) execute(ctx context.Context, qt queuedTask) {
	start := time.Now()
	waited := start.Sub(qt.enqueuedAt)
	if waited < 0 {
		waited = 0
	}
	if limit := s.cfg.MaxQueueDelay; limit > 0 && waited > limit {
		s.discard(start, qt, dropStale, waited)
		return
	}
	defer qt.finish()

	ev := qt.event(start)
	ev.QueueDelay = waited
	eventbus.Emit(s.bus, eventbus.TaskStarted, ev)

	err := s.runTask(ctx, qt)

	ev.Duration = time.Since(start)
	item := HistoryItem{ID: ev.ID, Name: ev.Name, Group: ev.Group, Started: start, QueueDelay: waited, Duration: ev.Duration}
	fields := []logx.Field{logx.String("task", ev.Name), logx.Duration("queue_delay", waited), logx.Duration("dur", ev.Duration)}
	switch {
	case err != nil:
		item.Error, ev.Error = err.Error(), err.Error()
		s.log.Warn("task.failed", append(fields, logx.Err(err))...)
		eventbus.Emit(s.bus, eventbus.TaskFailed, ev)
	case ev.Duration >= slowTask:
		s.log.Info("task.completed", fields...)
		eventbus.Emit(s.bus, eventbus.TaskFinished, ev)
	default:
		s.log.Debug("task.completed", fields...)
		eventbus.Emit(s.bus, eventbus.TaskFinished, ev)
	}
	s.hist.add(item)
}

// runTask applies the timeout and turns a panic into an error so the
// worker survives.
func (s *Service) runTask(ctx context.Context, qt queuedTask) (err error) {
	if qt.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, qt.timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			s.log.Error("task.panic", logx.String("task", qt.task.Name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	return qt.task.Run(ctx)
}
