package outbox

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lanchat/lanchat/internal/events"
	"github.com/lanchat/lanchat/internal/protocol"
)

var errDown = errors.New("network down")

type fakeSender struct {
	mu   sync.Mutex
	sent []protocol.Frame
	fail func(protocol.Frame) bool
}

func (s *fakeSender) Send(f protocol.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil && s.fail(f) {
		return errDown
	}
	s.sent = append(s.sent, f)
	return nil
}

func (s *fakeSender) targets() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.sent))
	for _, f := range s.sent {
		out = append(out, string(f.Type)+":"+f.TargetID())
	}
	return out
}

type recorder struct {
	mu  sync.Mutex
	evs []events.Event
}

func (r *recorder) Publish(e events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evs = append(r.evs, e)
}

func (r *recorder) failures() []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, e := range r.evs {
		if e.Kind == events.DeliveryFailed {
			out = append(out, e)
		}
	}
	return out
}

type memStore struct {
	mu      sync.Mutex
	entries map[string]Entry
}

func (s *memStore) PutEntry(e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[e.ID] = e
	return nil
}

func (s *memStore) DeleteEntry(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, id)
	return nil
}

func (s *memStore) LoadEntries() ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	return out, nil
}

var t0 = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

// newManager pins the clock to t0 so Created and NextRetry are predictable
func newManager(s Sender, cfg Config, opts ...Option) *Manager {
	return New(s, cfg, append([]Option{WithClock(func() time.Time { return t0 })}, opts...)...)
}

func chat(id string) protocol.Frame {
	return protocol.NewFrame("me", protocol.Chat{MessageID: id, Name: "Me", Text: "hi " + id})
}

func TestFlushSendsAndRemoves(t *testing.T) {
	s := &fakeSender{}
	m := newManager(s, Config{})

	id, err := m.Enqueue(chat("m1"))
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Equal(t, 1, m.Size())

	assert.Equal(t, 1, m.Flush(t0))
	assert.Zero(t, m.Size())
	assert.Equal(t, []string{"CHAT:m1"}, s.targets())
}

func TestEnqueueRejectsInvalidFrame(t *testing.T) {
	m := newManager(&fakeSender{}, Config{})
	_, err := m.Enqueue(protocol.NewFrame("me", protocol.Chat{MessageID: "m1"}))
	assert.ErrorIs(t, err, protocol.ErrInvalid)
	assert.Zero(t, m.Size())
}

func TestBackoffSchedule(t *testing.T) {
	m := newManager(&fakeSender{}, Config{})
	want := []time.Duration{
		500 * time.Millisecond, time.Second, 2 * time.Second, 4 * time.Second,
		8 * time.Second, 16 * time.Second, 30 * time.Second, 30 * time.Second,
	}
	for i, d := range want {
		assert.Equal(t, d, m.backoff(i+1), "attempt %d", i+1)
	}
}

func TestFailedEntryWaitsForBackoff(t *testing.T) {
	s := &fakeSender{fail: func(protocol.Frame) bool { return true }}
	m := newManager(s, Config{})
	_, err := m.Enqueue(chat("m1"))
	require.NoError(t, err)

	assert.Zero(t, m.Flush(t0))
	e := m.Snapshot()[0]
	assert.Equal(t, 1, e.Attempts)
	assert.Equal(t, t0.Add(500*time.Millisecond), e.NextRetry)
	assert.Equal(t, errDown.Error(), e.LastError)

	m.Flush(t0.Add(499 * time.Millisecond))
	assert.Equal(t, 1, m.Snapshot()[0].Attempts, "not due yet")

	m.Flush(t0.Add(500 * time.Millisecond))
	assert.Equal(t, 2, m.Snapshot()[0].Attempts)
}

func TestMaxAttemptsEmitsDeliveryFailed(t *testing.T) {
	rec := &recorder{}
	s := &fakeSender{fail: func(protocol.Frame) bool { return true }}
	m := newManager(s, Config{MaxAttempts: 3}, WithPublisher(rec))
	_, err := m.Enqueue(chat("m1"))
	require.NoError(t, err)

	now := t0
	for i := 0; i < 3; i++ {
		m.Flush(now)
		now = now.Add(time.Minute)
	}

	assert.Zero(t, m.Size())
	fails := rec.failures()
	require.Len(t, fails, 1)
	assert.Equal(t, "m1", fails[0].MessageID)
	assert.Equal(t, errDown.Error(), fails[0].Error)
}

func TestPerTargetOrdering(t *testing.T) {
	down := atomic.Bool{}
	down.Store(true)
	s := &fakeSender{fail: func(f protocol.Frame) bool {
		return down.Load() && f.TargetID() == "m1"
	}}
	m := newManager(s, Config{})

	_, err := m.Enqueue(chat("m1"))
	require.NoError(t, err)
	_, err = m.Enqueue(protocol.NewFrame("me", protocol.Edit{MessageID: "m1", Text: "fixed", EditCount: 1}))
	require.NoError(t, err)
	_, err = m.Enqueue(chat("m2"))
	require.NoError(t, err)

	assert.Equal(t, 1, m.Flush(t0))
	assert.Equal(t, []string{"CHAT:m2"}, s.targets(), "unrelated entries are not blocked")
	assert.Equal(t, 2, m.Size())

	down.Store(false)
	now := t0.Add(time.Second)
	assert.Equal(t, 1, m.Flush(now), "the edit waits one pass behind its chat")
	assert.Equal(t, 1, m.Flush(now))
	assert.Equal(t, []string{"CHAT:m2", "CHAT:m1", "EDIT:m1"}, s.targets())
}

func TestQueueLimitDropsOldest(t *testing.T) {
	rec := &recorder{}
	m := newManager(&fakeSender{}, Config{Limit: 2}, WithPublisher(rec))
	for _, id := range []string{"m1", "m2", "m3"} {
		_, err := m.Enqueue(chat(id))
		require.NoError(t, err)
	}

	assert.Equal(t, 2, m.Size())
	fails := rec.failures()
	require.Len(t, fails, 1)
	assert.Equal(t, "m1", fails[0].MessageID)
	assert.Equal(t, ErrQueueFull.Error(), fails[0].Error)
}

func TestNotReadyKeepsRetryBudget(t *testing.T) {
	online := atomic.Bool{}
	s := &fakeSender{}
	m := newManager(s, Config{MaxAttempts: 1}, WithReady(online.Load))
	_, err := m.Enqueue(chat("m1"))
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		assert.Zero(t, m.Flush(t0.Add(time.Duration(i)*time.Minute)))
	}
	assert.Equal(t, 1, m.Size())
	assert.Zero(t, m.Snapshot()[0].Attempts)

	online.Store(true)
	assert.Equal(t, 1, m.Flush(t0.Add(time.Hour)))
	assert.Zero(t, m.Size())
}

func TestQueueDrainsAfterReconnect(t *testing.T) {
	down := atomic.Bool{}
	down.Store(true)
	s := &fakeSender{fail: func(protocol.Frame) bool { return down.Load() }}
	m := newManager(s, Config{})

	for _, id := range []string{"m1", "m2", "m3"} {
		_, err := m.Enqueue(chat(id))
		require.NoError(t, err)
	}
	m.Flush(t0)
	m.Flush(t0.Add(time.Second))
	assert.Equal(t, 3, m.Size())

	down.Store(false)
	assert.Equal(t, 3, m.Flush(t0.Add(time.Minute)))
	assert.Equal(t, []string{"CHAT:m1", "CHAT:m2", "CHAT:m3"}, s.targets())
}

func TestLoadRestoresPersistedEntries(t *testing.T) {
	st := &memStore{entries: make(map[string]Entry)}
	first := newManager(&fakeSender{fail: func(protocol.Frame) bool { return true }}, Config{}, WithStore(st))
	for _, id := range []string{"m1", "m2"} {
		_, err := first.Enqueue(chat(id))
		require.NoError(t, err)
	}
	first.Flush(t0)
	require.Len(t, st.entries, 2)

	s := &fakeSender{}
	second := newManager(s, Config{}, WithStore(st))
	require.NoError(t, second.Load())
	require.Equal(t, 2, second.Size())
	assert.Equal(t, 1, second.Snapshot()[0].Attempts)

	assert.Equal(t, 2, second.Flush(t0.Add(time.Minute)))
	assert.Equal(t, []string{"CHAT:m1", "CHAT:m2"}, s.targets())
	assert.Empty(t, st.entries)
}

func TestRunFlushesOnEnqueue(t *testing.T) {
	s := &fakeSender{}
	m := newManager(s, Config{FlushInterval: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	_, err := m.Enqueue(chat("m1"))
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return m.Size() == 0 }, 2*time.Second, 10*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}
