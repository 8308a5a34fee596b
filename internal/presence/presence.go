// Package presence provides the live-peer view of the room
package presence

import (
	"sort"
	"sync"
	"time"

	"github.com/lanchat/lanchat/internal/events"
	"github.com/lanchat/lanchat/internal/protocol"
)

const (
	// DefaultLivenessTimeout is how long a silent peer stays online
	DefaultLivenessTimeout = 8 * time.Second
	// DefaultTypingTTL is how long a typing indicator lasts without refresh
	DefaultTypingTTL = 4 * time.Second
)

// Peer is a snapshot of one known peer
type Peer struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	AvatarRef string    `json:"avatar_ref,omitempty"`
	HTTPPort  int       `json:"http_port"`
	Addr      string    `json:"addr,omitempty"`
	LastSeen  time.Time `json:"last_seen"`
	Typing    bool      `json:"typing"`
}

type entry struct {
	peer        Peer
	typingUntil time.Time
}

// Table tracks online peers. All methods take the current time explicitly
// so liveness can be driven by a ticker or by tests.
type Table struct {
	mu        sync.RWMutex
	peers     map[string]*entry
	timeout   time.Duration
	typingTTL time.Duration
	pub       events.Publisher
}

// NewTable creates a table. Zero durations select the defaults.
func NewTable(timeout, typingTTL time.Duration, pub events.Publisher) *Table {
	if timeout <= 0 {
		timeout = DefaultLivenessTimeout
	}
	if typingTTL <= 0 {
		typingTTL = DefaultTypingTTL
	}
	if pub == nil {
		pub = events.Nop{}
	}
	return &Table{
		peers:     make(map[string]*entry),
		timeout:   timeout,
		typingTTL: typingTTL,
		pub:       pub,
	}
}

// Timeout returns the configured liveness timeout
func (t *Table) Timeout() time.Duration { return t.timeout }

// OnHello upserts the sender of a beacon. It returns true when the peer
// transitioned from absent to online; only that transition emits
// PeerOnline, so the periodic beacon does not flood subscribers.
func (t *Table) OnHello(id string, h protocol.Hello, addr string, now time.Time) bool {
	if id == "" {
		return false
	}

	t.mu.Lock()
	e, known := t.peers[id]
	if !known {
		e = &entry{}
		t.peers[id] = e
	}
	changed := known && (e.peer.Name != h.Name || e.peer.AvatarRef != h.AvatarRef || e.peer.HTTPPort != h.HTTPPort)
	e.peer.ID = id
	e.peer.Name = h.Name
	e.peer.AvatarRef = h.AvatarRef
	e.peer.HTTPPort = h.HTTPPort
	if addr != "" {
		e.peer.Addr = addr
	}
	e.peer.LastSeen = now
	snap := e.peer
	t.mu.Unlock()

	switch {
	case !known:
		t.pub.Publish(events.Event{Kind: events.PeerOnline, At: now, PeerID: id, Data: snap})
	case changed:
		t.pub.Publish(events.Event{Kind: events.PeerUpdated, At: now, PeerID: id, Data: snap})
	}
	return !known
}

// OnGoodbye removes a peer immediately
func (t *Table) OnGoodbye(id string, now time.Time) bool {
	t.mu.Lock()
	e, ok := t.peers[id]
	if ok {
		delete(t.peers, id)
	}
	t.mu.Unlock()

	if ok {
		t.pub.Publish(events.Event{Kind: events.PeerOffline, At: now, PeerID: id, Data: e.peer})
	}
	return ok
}

// OnTyping sets or clears the typing flag of a known peer. Typing frames of
// peers that have not sent a HELLO yet are ignored.
func (t *Table) OnTyping(id string, typing bool, now time.Time) {
	t.mu.Lock()
	e, ok := t.peers[id]
	if !ok {
		t.mu.Unlock()
		return
	}
	was := e.peer.Typing
	e.peer.Typing = typing
	if typing {
		e.typingUntil = now.Add(t.typingTTL)
	} else {
		e.typingUntil = time.Time{}
	}
	t.mu.Unlock()

	if was == typing {
		return
	}
	kind := events.TypingStopped
	if typing {
		kind = events.TypingStarted
	}
	t.pub.Publish(events.Event{Kind: kind, At: now, PeerID: id})
}

// Sweep removes peers whose last beacon is at least the liveness timeout
// old and expires stale typing flags. It returns the ids that went offline.
func (t *Table) Sweep(now time.Time) []string {
	var offline []Peer
	var stoppedTyping []string

	t.mu.Lock()
	for id, e := range t.peers {
		if now.Sub(e.peer.LastSeen) >= t.timeout {
			delete(t.peers, id)
			offline = append(offline, e.peer)
			continue
		}
		if e.peer.Typing && !now.Before(e.typingUntil) {
			e.peer.Typing = false
			stoppedTyping = append(stoppedTyping, id)
		}
	}
	t.mu.Unlock()

	ids := make([]string, 0, len(offline))
	for _, p := range offline {
		ids = append(ids, p.ID)
		t.pub.Publish(events.Event{Kind: events.PeerOffline, At: now, PeerID: p.ID, Data: p})
	}
	for _, id := range stoppedTyping {
		t.pub.Publish(events.Event{Kind: events.TypingStopped, At: now, PeerID: id})
	}
	sort.Strings(ids)
	return ids
}

// Peers returns the online peers ordered by name, then id
func (t *Table) Peers() []Peer {
	t.mu.RLock()
	out := make([]Peer, 0, len(t.peers))
	for _, e := range t.peers {
		out = append(out, e.peer)
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Get returns one online peer
func (t *Table) Get(id string) (Peer, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.peers[id]
	if !ok {
		return Peer{}, false
	}
	return e.peer, true
}

// Count returns the number of online peers
func (t *Table) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.peers)
}
