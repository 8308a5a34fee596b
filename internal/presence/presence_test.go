package presence

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lanchat/lanchat/internal/events"
	"github.com/lanchat/lanchat/internal/protocol"
)

type recorder struct {
	mu  sync.Mutex
	evs []events.Event
}

func (r *recorder) Publish(e events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evs = append(r.evs, e)
}

func (r *recorder) kinds() []events.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.Kind, 0, len(r.evs))
	for _, e := range r.evs {
		out = append(out, e.Kind)
	}
	return out
}

var t0 = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

func TestOnHelloEmitsOnlyOnTransition(t *testing.T) {
	rec := &recorder{}
	tbl := NewTable(8*time.Second, 0, rec)
	hello := protocol.Hello{Name: "Alice", HTTPPort: 51338}

	assert.True(t, tbl.OnHello("a", hello, "10.0.0.2", t0))
	for i := 1; i <= 5; i++ {
		assert.False(t, tbl.OnHello("a", hello, "10.0.0.2", t0.Add(time.Duration(i)*2*time.Second)))
	}

	assert.Equal(t, []events.Kind{events.PeerOnline}, rec.kinds())
	p, ok := tbl.Get("a")
	require.True(t, ok)
	assert.Equal(t, t0.Add(10*time.Second), p.LastSeen)
	assert.Equal(t, "10.0.0.2", p.Addr)
}

func TestOnHelloProfileChangeEmitsUpdate(t *testing.T) {
	rec := &recorder{}
	tbl := NewTable(0, 0, rec)
	tbl.OnHello("a", protocol.Hello{Name: "Alice"}, "", t0)
	tbl.OnHello("a", protocol.Hello{Name: "Alice B."}, "", t0.Add(time.Second))

	assert.Equal(t, []events.Kind{events.PeerOnline, events.PeerUpdated}, rec.kinds())
}

func TestLivenessTimeoutIsExact(t *testing.T) {
	rec := &recorder{}
	timeout := 8 * time.Second
	tbl := NewTable(timeout, 0, rec)
	tbl.OnHello("a", protocol.Hello{Name: "A"}, "", t0)

	assert.Empty(t, tbl.Sweep(t0.Add(timeout-time.Millisecond)))
	assert.Equal(t, 1, tbl.Count())

	assert.Equal(t, []string{"a"}, tbl.Sweep(t0.Add(timeout)))
	assert.Equal(t, 0, tbl.Count())

	// online again immediately on the next beacon
	assert.True(t, tbl.OnHello("a", protocol.Hello{Name: "A"}, "", t0.Add(timeout+time.Second)))
	assert.Equal(t, 1, tbl.Count())
	assert.Equal(t, []events.Kind{events.PeerOnline, events.PeerOffline, events.PeerOnline}, rec.kinds())
}

func TestOnGoodbyeMarksOfflineImmediately(t *testing.T) {
	rec := &recorder{}
	tbl := NewTable(0, 0, rec)
	tbl.OnHello("a", protocol.Hello{Name: "A"}, "", t0)

	assert.True(t, tbl.OnGoodbye("a", t0.Add(time.Second)))
	assert.False(t, tbl.OnGoodbye("a", t0.Add(2*time.Second)))
	assert.Equal(t, 0, tbl.Count())
	assert.Equal(t, []events.Kind{events.PeerOnline, events.PeerOffline}, rec.kinds())
}

func TestTypingExpiresIndependently(t *testing.T) {
	rec := &recorder{}
	tbl := NewTable(8*time.Second, 3*time.Second, rec)
	tbl.OnHello("a", protocol.Hello{Name: "A"}, "", t0)

	tbl.OnTyping("a", true, t0)
	p, _ := tbl.Get("a")
	assert.True(t, p.Typing)

	tbl.OnHello("a", protocol.Hello{Name: "A"}, "", t0.Add(2*time.Second))
	tbl.Sweep(t0.Add(3 * time.Second))
	p, _ = tbl.Get("a")
	assert.False(t, p.Typing)
	assert.Equal(t, 1, tbl.Count(), "typing expiry must not take the peer offline")

	assert.Equal(t, []events.Kind{events.PeerOnline, events.TypingStarted, events.TypingStopped}, rec.kinds())
}

func TestTypingFromUnknownPeerIgnored(t *testing.T) {
	rec := &recorder{}
	tbl := NewTable(0, 0, rec)
	tbl.OnTyping("ghost", true, t0)
	assert.Empty(t, rec.kinds())
	assert.Equal(t, 0, tbl.Count())
}

func TestPeersSortedSnapshot(t *testing.T) {
	tbl := NewTable(0, 0, nil)
	tbl.OnHello("z", protocol.Hello{Name: "Bob"}, "", t0)
	tbl.OnHello("y", protocol.Hello{Name: "Alice"}, "", t0)
	tbl.OnHello("x", protocol.Hello{Name: "Bob"}, "", t0)

	peers := tbl.Peers()
	require.Len(t, peers, 3)
	assert.Equal(t, []string{"y", "x", "z"}, []string{peers[0].ID, peers[1].ID, peers[2].ID})

	peers[0].Name = "mutated"
	p, _ := tbl.Get("y")
	assert.Equal(t, "Alice", p.Name)
}
