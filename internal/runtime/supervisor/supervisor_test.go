package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestGoRecoversPanic(t *testing.T) {
	t.Parallel()
	sup := New(context.Background())
	sup.Go("boom", func(ctx context.Context) error { panic("kaboom") })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := sup.Wait(ctx)
	if err == nil {
		t.Fatal("expected panic to surface as error")
	}
	snap := sup.Snapshot()
	if len(snap.Goroutines) != 1 || snap.Goroutines[0].Panics != 1 {
		t.Fatalf("snapshot = %+v, want one panic recorded", snap)
	}
}

func TestGoRestartRetriesUntilSuccess(t *testing.T) {
	t.Parallel()
	sup := New(context.Background())
	var runs atomic.Int32
	sup.GoRestart("flaky", func(ctx context.Context) error {
		if runs.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	}, WithRestartBackoff(time.Millisecond, 2*time.Millisecond), WithPublishFirstError(true))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := sup.Wait(ctx); err == nil {
		t.Fatal("expected first error to be published")
	}
	if got := runs.Load(); got != 3 {
		t.Fatalf("runs = %d, want 3", got)
	}
}

func TestCancelStopsGoroutines(t *testing.T) {
	t.Parallel()
	sup := New(context.Background())
	sup.Go0("loop", func(ctx context.Context) { <-ctx.Done() })
	if err := sup.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if got := sup.Snapshot().Active; got != 0 {
		t.Fatalf("Active = %d, want 0", got)
	}
}
