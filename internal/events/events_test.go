package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusDeliversToAllSubscribers(t *testing.T) {
	bus := NewBus()
	a, cancelA := bus.Subscribe(4)
	defer cancelA()
	b, cancelB := bus.Subscribe(4)
	defer cancelB()

	bus.Publish(Event{Kind: PeerOnline, PeerID: "p1"})

	for _, ch := range []<-chan Event{a, b} {
		e := <-ch
		assert.Equal(t, PeerOnline, e.Kind)
		assert.Equal(t, "p1", e.PeerID)
		assert.False(t, e.At.IsZero())
	}
}

func TestBusDropsWhenSubscriberFull(t *testing.T) {
	bus := NewBus()
	ch, cancel := bus.Subscribe(1)
	defer cancel()

	bus.Publish(Event{Kind: MessageAdded})
	bus.Publish(Event{Kind: MessageEdited})

	assert.Equal(t, uint64(1), bus.Dropped())
	e := <-ch
	assert.Equal(t, MessageAdded, e.Kind)
}

func TestCancelClosesChannel(t *testing.T) {
	bus := NewBus()
	ch, cancel := bus.Subscribe(1)
	cancel()
	cancel()

	_, open := <-ch
	require.False(t, open)
	bus.Publish(Event{Kind: PinChanged})
}

func TestSubscribersCount(t *testing.T) {
	bus := NewBus()
	assert.Equal(t, 0, bus.Subscribers())
	_, cancel := bus.Subscribe(1)
	assert.Equal(t, 1, bus.Subscribers())
	cancel()
	assert.Equal(t, 0, bus.Subscribers())
}
