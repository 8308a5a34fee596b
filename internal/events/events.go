// Package events fans core state changes out to subscribers such as the
// websocket stream of the command gateway.
package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// Kind names an event
type Kind string

const (
	PeerOnline      Kind = "peer_online"
	PeerOffline     Kind = "peer_offline"
	PeerUpdated     Kind = "peer_updated"
	TypingStarted   Kind = "typing_started"
	TypingStopped   Kind = "typing_stopped"
	MessageAdded    Kind = "message_added"
	MessageEdited   Kind = "message_edited"
	MessageUndone   Kind = "message_undone"
	ReactionChanged Kind = "reaction_changed"
	PinChanged      Kind = "pin_changed"
	SendConfirmed   Kind = "send_confirmed"
	DeliveryFailed  Kind = "delivery_failed"
)

// Event is one notification. Data carries a snapshot of the affected record
// (peer, message or pin) and is safe to retain.
type Event struct {
	Kind      Kind      `json:"kind"`
	At        time.Time `json:"at"`
	PeerID    string    `json:"peer_id,omitempty"`
	MessageID string    `json:"message_id,omitempty"`
	Data      any       `json:"data,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// Publisher accepts events; implementations must not block
type Publisher interface {
	Publish(Event)
}

// Nop drops every event
type Nop struct{}

// Publish implements Publisher
func (Nop) Publish(Event) {}

// Bus is an in-process broadcast of events to any number of subscribers.
// A slow subscriber loses events instead of stalling the publisher.
type Bus struct {
	mu      sync.RWMutex
	subs    map[uint64]chan Event
	nextID  uint64
	dropped atomic.Uint64
}

// NewBus creates an empty bus
func NewBus() *Bus {
	return &Bus{subs: make(map[uint64]chan Event)}
}

// Subscribe registers a subscriber with the given channel buffer. The
// returned cancel function unregisters it and closes the channel.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// Publish delivers e to every subscriber without blocking
func (b *Bus) Publish(e Event) {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped reports how many deliveries were skipped because a subscriber was full
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Subscribers reports the number of active subscribers
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
