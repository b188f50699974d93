package eventbus

import (
	"testing"
	"time"
)

func TestPublishFansOut(t *testing.T) {
	t.Parallel()
	b := New()
	a, unsubA := b.Subscribe(4)
	defer unsubA()
	c, unsubC := b.Subscribe(4)
	defer unsubC()

	Emit(b, AlertFired, "bestbuy:1")

	for _, ch := range []<-chan Event{a, c} {
		select {
		case ev := <-ch:
			if ev.Type != AlertFired || ev.Data != "bestbuy:1" {
				t.Fatalf("event = %+v", ev)
			}
			if ev.Time.IsZero() {
				t.Fatal("expected timestamp")
			}
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive event")
		}
	}
}

func TestPublishNeverBlocks(t *testing.T) {
	t.Parallel()
	b := New()
	_, unsub := b.Subscribe(1)
	defer unsub()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			Emit(b, CheckCompleted, i)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()
	if _, ok := <-ch; ok {
		t.Fatal("expected closed channel")
	}
	Emit(b, CheckFailed, nil)
	Emit(nil, CheckFailed, nil)
}
