package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	logx "stockwatch/pkg/logx"
)

func newStarted(t *testing.T, cfg Config) *Service {
	t.Helper()
	s := New(cfg, logx.Nop(), nil)
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func TestGroupLimitCapsConcurrency(t *testing.T) {
	t.Parallel()
	s := newStarted(t, Config{Workers: 6, QueueSize: 64})

	var (
		running atomic.Int32
		peak    atomic.Int32
		wg      sync.WaitGroup
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		err := s.Submit(context.Background(), Task{
			Name:       fmt.Sprintf("bestbuy:%d", i),
			Group:      "bestbuy",
			GroupLimit: 2,
			Run: func(ctx context.Context) error {
				defer wg.Done()
				n := running.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				time.Sleep(20 * time.Millisecond)
				running.Add(-1)
				return nil
			},
		})
		if err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}
	wg.Wait()
	if got := peak.Load(); got > 2 {
		t.Fatalf("peak concurrency = %d, want <= 2", got)
	}
}

func TestOverlapSkip(t *testing.T) {
	t.Parallel()
	s := newStarted(t, Config{Workers: 1, QueueSize: 4})

	release := make(chan struct{})
	started := make(chan struct{})
	task := Task{Name: "ticketmaster:1", Run: func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	}}
	if err := s.Enqueue(task); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	<-started
	if err := s.Enqueue(task); !errors.Is(err, ErrOverlapSkip) {
		t.Fatalf("second Enqueue err = %v, want ErrOverlapSkip", err)
	}
	close(release)
}

func TestPanicBecomesFailure(t *testing.T) {
	t.Parallel()
	s := newStarted(t, Config{Workers: 1, QueueSize: 4})

	done := make(chan struct{})
	if err := s.Enqueue(Task{Name: "boom", Run: func(ctx context.Context) error { panic("bad provider") }}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := s.Enqueue(Task{Name: "after", Run: func(ctx context.Context) error { close(done); return nil }}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not survive a panicking task")
	}
	h := s.Snapshot().History
	if len(h) == 0 || h[0].Error == "" {
		t.Fatalf("history = %+v, want first entry failed", h)
	}
}

func TestStopDropsQueuedTasks(t *testing.T) {
	t.Parallel()
	s := New(Config{Workers: 1, QueueSize: 8}, logx.Nop(), nil)
	s.Start(context.Background())

	block := make(chan struct{})
	started := make(chan struct{})
	var finished atomic.Bool
	if err := s.Enqueue(Task{Name: "running", Run: func(ctx context.Context) error {
		close(started)
		<-block
		finished.Store(true)
		return nil
	}}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	<-started

	var dropped atomic.Int32
	for i := 0; i < 3; i++ {
		if err := s.Enqueue(Task{
			Name:   fmt.Sprintf("queued:%d", i),
			Run:    func(ctx context.Context) error { t.Error("queued task ran after stop"); return nil },
			OnDrop: func(err error) { dropped.Add(1) },
		}); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	go func() {
		time.Sleep(50 * time.Millisecond)
		close(block)
	}()
	s.Stop(context.Background())

	if !finished.Load() {
		t.Fatal("in-flight task did not finish within grace")
	}
	if got := dropped.Load(); got != 3 {
		t.Fatalf("dropped = %d, want 3", got)
	}
	if err := s.Enqueue(Task{Name: "late", Run: func(ctx context.Context) error { return nil }}); !errors.Is(err, ErrStopped) {
		t.Fatalf("Enqueue after stop err = %v, want ErrStopped", err)
	}
}

func TestStopCancelsAfterGrace(t *testing.T) {
	t.Parallel()
	s := New(Config{Workers: 1, QueueSize: 1}, logx.Nop(), nil)
	s.Start(context.Background())

	started := make(chan struct{})
	var cancelled atomic.Bool
	if err := s.Enqueue(Task{Name: "slow", Run: func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		cancelled.Store(true)
		return ctx.Err()
	}}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	s.Stop(ctx)
	if !cancelled.Load() {
		t.Fatal("in-flight task was not cancelled after grace expired")
	}
}

func TestEnqueueQueueFull(t *testing.T) {
	t.Parallel()
	s := newStarted(t, Config{Workers: 1, QueueSize: 1})

	block := make(chan struct{})
	started := make(chan struct{})
	defer close(block)
	if err := s.Enqueue(Task{Name: "a", Run: func(ctx context.Context) error { close(started); <-block; return nil }}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	<-started
	if err := s.Enqueue(Task{Name: "b", Run: func(ctx context.Context) error { return nil }}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := s.Enqueue(Task{Name: "c", Run: func(ctx context.Context) error { return nil }}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("err = %v, want ErrQueueFull", err)
	}
	if got := s.Snapshot().DroppedQueueFull; got != 1 {
		t.Fatalf("DroppedQueueFull = %d, want 1", got)
	}
}

func TestGroupBacklogLargerThanQueueAllRuns(t *testing.T) {
	t.Parallel()
	s := newStarted(t, Config{Workers: 4, QueueSize: 8})

	var (
		ran     atomic.Int32
		dropped atomic.Int32
		running atomic.Int32
		peak    atomic.Int32
		wg      sync.WaitGroup
	)
	for i := 0; i < 40; i++ {
		wg.Add(1)
		err := s.Submit(context.Background(), Task{
			Name:       fmt.Sprintf("target:%d", i),
			Group:      "target",
			GroupLimit: 2,
			Run: func(ctx context.Context) error {
				defer wg.Done()
				n := running.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				running.Add(-1)
				ran.Add(1)
				return nil
			},
			OnDrop: func(err error) {
				dropped.Add(1)
				wg.Done()
			},
		})
		if err != nil {
			t.Fatalf("Submit %d: %v", i, err)
		}
	}
	wg.Wait()

	if got := ran.Load(); got != 40 {
		t.Fatalf("ran = %d, want 40 (dropped %d)", got, dropped.Load())
	}
	if got := peak.Load(); got > 2 {
		t.Fatalf("peak concurrency = %d, want <= 2", got)
	}
	snap := s.Snapshot()
	if snap.Dropped != 0 || snap.Parked != 0 {
		t.Fatalf("snapshot dropped=%d parked=%d, want 0/0", snap.Dropped, snap.Parked)
	}
}

func TestStopDropsParkedTasks(t *testing.T) {
	t.Parallel()
	s := New(Config{Workers: 3, QueueSize: 8}, logx.Nop(), nil)
	s.Start(context.Background())

	block := make(chan struct{})
	started := make(chan struct{})
	if err := s.Enqueue(Task{Name: "walmart:0", Group: "walmart", GroupLimit: 1, Run: func(ctx context.Context) error {
		close(started)
		<-block
		return nil
	}}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	<-started

	var dropped atomic.Int32
	for i := 1; i <= 3; i++ {
		if err := s.Enqueue(Task{
			Name:       fmt.Sprintf("walmart:%d", i),
			Group:      "walmart",
			GroupLimit: 1,
			Run:        func(ctx context.Context) error { t.Error("parked task ran after stop"); return nil },
			OnDrop:     func(err error) { dropped.Add(1) },
		}); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
	deadline := time.Now().Add(2 * time.Second)
	for s.Snapshot().Parked != 3 {
		if time.Now().After(deadline) {
			t.Fatalf("parked = %d, want 3", s.Snapshot().Parked)
		}
		time.Sleep(5 * time.Millisecond)
	}

	go func() {
		time.Sleep(30 * time.Millisecond)
		close(block)
	}()
	s.Stop(context.Background())

	if got := dropped.Load(); got != 3 {
		t.Fatalf("dropped = %d, want 3", got)
	}
}
