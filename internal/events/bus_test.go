package events

import (
	"sync"
	"testing"
	"time"
)

func TestNilBusPublish(t *testing.T) {
	var b *Bus
	// Must not panic.
	b.Publish(Event{Kind: KindUsage})
	if got := b.SubscriberCount(); got != 0 {
		t.Errorf("SubscriberCount() on nil bus = %d, want 0", got)
	}
}

func TestPublishScopedToConversation(t *testing.T) {
	b := NewBus()
	mine := b.Subscribe("c1", 8)
	other := b.Subscribe("c2", 8)
	defer b.Unsubscribe(mine)
	defer b.Unsubscribe(other)

	b.Publish(Event{Kind: KindMessageToken, ConversationID: "c1", Token: "Bon"})

	select {
	case got := <-mine:
		if got.Token != "Bon" {
			t.Errorf("got token %q", got.Token)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	select {
	case got := <-other:
		t.Errorf("other conversation received %+v", got)
	default:
	}
}

func TestDropOnFull(t *testing.T) {
	b := NewBus()
	ch := b.Subscribe("c1", 1)
	defer b.Unsubscribe(ch)

	b.Publish(Event{Kind: KindUsage, ConversationID: "c1"})
	b.Publish(Event{Kind: KindMessageToken, ConversationID: "c1"})

	if got := <-ch; got.Kind != KindUsage {
		t.Errorf("got %s, want usage", got.Kind)
	}
	select {
	case got := <-ch:
		t.Errorf("expected drop, got %s", got.Kind)
	default:
	}
}

func TestUnsubscribeClosesAndIsIdempotent(t *testing.T) {
	b := NewBus()
	ch := b.Subscribe("c1", 1)
	b.Unsubscribe(ch)
	b.Unsubscribe(ch)

	if _, ok := <-ch; ok {
		t.Error("channel should be closed")
	}
	if n := b.SubscriberCount(); n != 0 {
		t.Errorf("SubscriberCount() = %d, want 0", n)
	}
}

func TestConcurrentPublishSubscribe(t *testing.T) {
	b := NewBus()
	var wg sync.WaitGroup
	for range 10 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			ch := b.Subscribe("c1", 4)
			b.Unsubscribe(ch)
		}()
		go func() {
			defer wg.Done()
			b.Publish(Event{Kind: KindUsage, ConversationID: "c1"})
		}()
	}
	wg.Wait()
}
