package eventbus

import "testing"

func TestSubscribeFiltersByType(t *testing.T) {
	t.Parallel()
	b := New()
	all, unsubAll := b.Subscribe(4)
	dead, unsubDead := b.Subscribe(4, RunDeadLettered)
	defer unsubAll()
	defer unsubDead()

	b.Publish(Event{Type: RunStarted})
	b.Publish(Event{Type: RunDeadLettered, Data: "x"})

	if got := len(all); got != 2 {
		t.Fatalf("unfiltered subscriber got %d events, want 2", got)
	}
	if got := len(dead); got != 1 {
		t.Fatalf("filtered subscriber got %d events, want 1", got)
	}
	e := <-dead
	if e.Type != RunDeadLettered || e.Data != "x" || e.Time.IsZero() {
		t.Fatalf("unexpected event: %+v", e)
	}
}

func TestPublishNeverBlocks(t *testing.T) {
	t.Parallel()
	b := New()
	_, unsub := b.Subscribe(1)
	defer unsub()

	for i := 0; i < 10; i++ {
		b.Publish(Event{Type: RunQueued})
	}
	if got := b.Dropped(); got != 9 {
		t.Fatalf("Dropped() = %d, want 9", got)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()
	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed after unsubscribe")
	}
	b.Publish(Event{Type: RunQueued})
}
