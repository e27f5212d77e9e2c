package eventbus

import (
	"testing"
	"time"
)

func TestPublishNonBlockingDropsWhenFull(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()

	done := make(chan struct{})
	go func() {
		b.Publish(Event{Type: "one"})
		b.Publish(Event{Type: "two"}) // buffer full: dropped, never blocks
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full subscriber buffer")
	}

	if got := b.Dropped(); got != 1 {
		t.Fatalf("dropped = %d, want 1", got)
	}
	ev := <-ch
	if ev.Type != "one" {
		t.Fatalf("delivered %q, want the first event", ev.Type)
	}
	if ev.Time.IsZero() {
		t.Fatal("publish must stamp the event time")
	}
}

func TestSubscribeFanoutAndUnsubscribe(t *testing.T) {
	b := New()
	ch1, unsub1 := b.Subscribe(4)
	ch2, unsub2 := b.Subscribe(4)
	defer unsub2()

	b.Publish(Event{Type: "x", Data: 42})
	for _, ch := range []<-chan Event{ch1, ch2} {
		ev := <-ch
		if ev.Type != "x" || ev.Data != 42 {
			t.Fatalf("fanout delivered %+v", ev)
		}
	}

	unsub1()
	unsub1() // idempotent
	if _, ok := <-ch1; ok {
		t.Fatal("channel must be closed after unsubscribe")
	}

	// Departed subscribers are not publish targets and count no drops.
	b.Publish(Event{Type: "y"})
	if ev := <-ch2; ev.Type != "y" {
		t.Fatalf("remaining subscriber got %q", ev.Type)
	}
	if got := b.Dropped(); got != 0 {
		t.Fatalf("dropped = %d, want 0", got)
	}
}
