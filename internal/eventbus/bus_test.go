package eventbus

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(4)
	defer unsub()

	b.Publish(Event{Type: TypeTaskStarted, Data: "t1"})

	select {
	case e := <-ch:
		if e.Type != TypeTaskStarted {
			t.Fatalf("Type = %q, want %q", e.Type, TypeTaskStarted)
		}
		if e.Time.IsZero() {
			t.Fatal("expected Publish to stamp Time")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestSlowSubscriberDrops(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()

	b.Publish(Event{Type: TypeTaskCompleted})
	b.Publish(Event{Type: TypeTaskCompleted}) // buffer full, dropped

	<-ch
	select {
	case e := <-ch:
		t.Fatalf("expected second event to be dropped, got %v", e)
	default:
	}
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	t.Parallel()
	b := New()
	_, unsub := b.Subscribe(1)
	unsub()
	unsub()

	// Publishing after unsubscribe must not panic.
	b.Publish(Event{Type: TypeTaskFailed})
}
