package eventbus

import "testing"

func TestPublishFiltersByType(t *testing.T) {
	t.Parallel()
	b := New()
	sent, unsubSent := b.Subscribe(4, TypeActionSent)
	defer unsubSent()
	all, unsubAll := b.Subscribe(4)
	defer unsubAll()

	b.Publish(Event{Type: TypeActionFailed})
	b.Publish(Event{Type: TypeActionSent, Data: "x"})

	if got := len(sent); got != 1 {
		t.Fatalf("filtered subscriber got %d events, want 1", got)
	}
	if e := <-sent; e.Data != "x" || e.Time.IsZero() {
		t.Fatalf("unexpected event %+v", e)
	}
	if got := len(all); got != 2 {
		t.Fatalf("catch-all subscriber got %d events, want 2", got)
	}
}

func TestPublishDropsWhenFull(t *testing.T) {
	t.Parallel()
	b := New()
	_, unsub := b.Subscribe(1)
	defer unsub()
	b.Publish(Event{Type: "a"})
	b.Publish(Event{Type: "b"})
	if got := b.Dropped(); got != 1 {
		t.Fatalf("Dropped = %d, want 1", got)
	}
}

func TestUnsubscribeClosesAndStopsDelivery(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()
	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed")
	}
	b.Publish(Event{Type: "a"})
}
