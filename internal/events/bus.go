package events

import "sync"

// Bus is a non-blocking broadcast bus keyed by conversation id.
// Subscribers receive events on buffered channels; slow subscribers miss
// events rather than blocking the turn. The bus is nil-safe: calling
// Publish on a nil *Bus is a no-op.
type Bus struct {
	mu   sync.RWMutex
	subs map[string]map[chan Event]struct{}
	// recvToSend maps the receive-only channel returned by Subscribe
	// back to the bidirectional channel stored in subs, so Unsubscribe
	// can accept the caller's view.
	recvToSend map[<-chan Event]subscription
}

type subscription struct {
	conversationID string
	ch             chan Event
}

// NewBus creates a new event bus ready for use.
func NewBus() *Bus {
	return &Bus{
		subs:       make(map[string]map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]subscription),
	}
}

// Publish sends e to every subscriber of e.ConversationID. Safe to call
// on a nil receiver.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs[e.ConversationID] {
		select {
		case ch <- e:
		default:
			// Subscriber is full; drop the event rather than block.
		}
	}
}

// Emitter returns an Emitter that publishes to the bus.
func (b *Bus) Emitter() Emitter {
	return b.Publish
}

// Subscribe returns a channel that receives events of one conversation.
// The caller must eventually call Unsubscribe.
func (b *Bus) Subscribe(conversationID string, bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	set, ok := b.subs[conversationID]
	if !ok {
		set = make(map[chan Event]struct{})
		b.subs[conversationID] = set
	}
	set[ch] = struct{}{}
	b.recvToSend[ch] = subscription{conversationID: conversationID, ch: ch}
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Safe to
// call with a channel that is already unsubscribed.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.recvToSend, ch)
	if set := b.subs[sub.conversationID]; set != nil {
		delete(set, sub.ch)
		if len(set) == 0 {
			delete(b.subs, sub.conversationID)
		}
	}
	close(sub.ch)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.recvToSend)
}
