// Package outbox is the offline queue: every outbound frame is recorded
// here first and retried with exponential backoff until the transport
// accepts it or the retry budget runs out.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lanchat/lanchat/internal/events"
	"github.com/lanchat/lanchat/internal/metrics"
	"github.com/lanchat/lanchat/internal/protocol"
)

const (
	DefaultLimit         = 200
	DefaultMaxAttempts   = 8
	DefaultBaseBackoff   = 500 * time.Millisecond
	DefaultMaxBackoff    = 30 * time.Second
	DefaultFlushInterval = time.Second
)

// ErrQueueFull is the failure recorded for entries evicted by overflow
var ErrQueueFull = errors.New("outbox: queue full, oldest entry dropped")

// Entry is one pending outbound frame
type Entry struct {
	ID        string          `json:"id"`
	Seq       uint64          `json:"seq"`
	Frame     protocol.Frame  `json:"-"`
	Raw       json.RawMessage `json:"frame"`
	Created   time.Time       `json:"created"`
	Attempts  int             `json:"attempts"`
	NextRetry time.Time       `json:"next_retry"`
	LastError string          `json:"last_error,omitempty"`
}

// Sender transmits one frame; a nil error means the local socket accepted it
type Sender interface {
	Send(protocol.Frame) error
}

// SenderFunc adapts a function to Sender
type SenderFunc func(protocol.Frame) error

// Send implements Sender
func (f SenderFunc) Send(fr protocol.Frame) error { return f(fr) }

// Store persists queue entries across restarts
type Store interface {
	PutEntry(Entry) error
	DeleteEntry(id string) error
	LoadEntries() ([]Entry, error)
}

// Config tunes the queue; zero values select defaults
type Config struct {
	Limit         int
	MaxAttempts   int
	BaseBackoff   time.Duration
	MaxBackoff    time.Duration
	FlushInterval time.Duration
}

func (c *Config) applyDefaults() {
	if c.Limit <= 0 {
		c.Limit = DefaultLimit
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = DefaultBaseBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = DefaultMaxBackoff
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = DefaultFlushInterval
	}
}

// Manager owns the queue
type Manager struct {
	cfg     Config
	sender  Sender
	store   Store
	ready   func() bool
	pub     events.Publisher
	metrics *metrics.Metrics
	log     *zap.Logger
	now     func() time.Time

	mu      sync.Mutex
	entries []*Entry
	seq     uint64
	kick    chan struct{}
}

// Option configures a Manager
type Option func(*Manager)

// WithStore persists entries through s
func WithStore(s Store) Option { return func(m *Manager) { m.store = s } }

// WithReady skips flushes while ready reports false, so entries keep their
// retry budget while the network is down.
func WithReady(ready func() bool) Option { return func(m *Manager) { m.ready = ready } }

// WithPublisher emits delivery-failed events to p
func WithPublisher(p events.Publisher) Option { return func(m *Manager) { m.pub = p } }

// WithMetrics records queue depth and failures
func WithMetrics(mt *metrics.Metrics) Option { return func(m *Manager) { m.metrics = mt } }

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option { return func(m *Manager) { m.log = l } }

// WithClock overrides time.Now
func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

// New creates a queue that transmits through sender
func New(sender Sender, cfg Config, opts ...Option) *Manager {
	cfg.applyDefaults()
	m := &Manager{
		cfg:    cfg,
		sender: sender,
		ready:  func() bool { return true },
		pub:    events.Nop{},
		log:    zap.NewNop(),
		now:    time.Now,
		kick:   make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Load restores persisted entries in creation order
func (m *Manager) Load() error {
	if m.store == nil {
		return nil
	}
	stored, err := m.store.LoadEntries()
	if err != nil {
		return fmt.Errorf("load outbox: %w", err)
	}
	sort.Slice(stored, func(i, j int) bool { return stored[i].Seq < stored[j].Seq })

	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range stored {
		e := stored[i]
		f, err := protocol.Decode(e.Raw)
		if err != nil {
			m.log.Warn("outbox_entry_corrupt", zap.String("id", e.ID), zap.Error(err))
			if m.store != nil {
				_ = m.store.DeleteEntry(e.ID)
			}
			continue
		}
		e.Frame = f
		if e.Seq > m.seq {
			m.seq = e.Seq
		}
		m.entries = append(m.entries, &e)
	}
	m.metrics.SetQueueDepth(len(m.entries))
	if len(m.entries) > 0 {
		m.log.Info("outbox_loaded", zap.Int("entries", len(m.entries)))
		m.signal()
	}
	return nil
}

// Enqueue records f for transmission and wakes the flush loop. It never
// blocks on the network; a persistence failure keeps the entry in memory.
func (m *Manager) Enqueue(f protocol.Frame) (string, error) {
	raw, err := protocol.Encode(f)
	if err != nil {
		return "", err
	}
	now := m.now()

	m.mu.Lock()
	var evicted *Entry
	if len(m.entries) >= m.cfg.Limit {
		evicted = m.entries[0]
		m.entries = m.entries[1:]
	}
	m.seq++
	e := &Entry{
		ID:        uuid.NewString(),
		Seq:       m.seq,
		Frame:     f,
		Raw:       raw,
		Created:   now,
		NextRetry: now,
	}
	m.entries = append(m.entries, e)
	depth := len(m.entries)
	stored := *e
	m.mu.Unlock()

	if evicted != nil {
		evicted.LastError = ErrQueueFull.Error()
		m.fail(*evicted)
	}
	if m.store != nil {
		if err := m.store.PutEntry(stored); err != nil {
			m.log.Warn("outbox_persist_failed", zap.String("id", e.ID), zap.Error(err))
		}
	}
	m.metrics.SetQueueDepth(depth)
	m.signal()
	return e.ID, nil
}

func (m *Manager) signal() {
	select {
	case m.kick <- struct{}{}:
	default:
	}
}

// Flush sends every due entry in creation order. An entry is held back
// while an earlier entry for the same message is still queued. It returns
// the number of entries sent.
func (m *Manager) Flush(now time.Time) int {
	if !m.ready() {
		return 0
	}

	m.mu.Lock()
	blocked := make(map[string]bool)
	var due []*Entry
	held := false
	for _, e := range m.entries {
		target := e.Frame.TargetID()
		if target != "" {
			if blocked[target] {
				held = true
				continue
			}
			blocked[target] = true
		}
		if !e.NextRetry.After(now) {
			due = append(due, e)
		}
	}
	m.mu.Unlock()

	type result struct {
		entry *Entry
		err   error
	}
	results := make([]result, 0, len(due))
	for _, e := range due {
		results = append(results, result{entry: e, err: m.sender.Send(e.Frame)})
	}

	sent := 0
	var failed []Entry
	var retried []Entry
	m.mu.Lock()
	for _, r := range results {
		if r.err == nil {
			if m.remove(r.entry.ID) {
				sent++
			}
			continue
		}
		if !m.contains(r.entry.ID) {
			continue
		}
		r.entry.Attempts++
		r.entry.LastError = r.err.Error()
		if r.entry.Attempts >= m.cfg.MaxAttempts {
			m.remove(r.entry.ID)
			failed = append(failed, *r.entry)
			continue
		}
		r.entry.NextRetry = now.Add(m.backoff(r.entry.Attempts))
		retried = append(retried, *r.entry)
	}
	depth := len(m.entries)
	m.mu.Unlock()

	if m.store != nil {
		for _, r := range results {
			if r.err == nil {
				_ = m.store.DeleteEntry(r.entry.ID)
			}
		}
		for _, e := range retried {
			if err := m.store.PutEntry(e); err != nil {
				m.log.Warn("outbox_persist_failed", zap.String("id", e.ID), zap.Error(err))
			}
		}
	}
	for _, e := range retried {
		m.log.Debug("outbox_send_retry",
			zap.String("id", e.ID),
			zap.String("type", string(e.Frame.Type)),
			zap.Int("attempts", e.Attempts),
			zap.Time("next_retry", e.NextRetry),
			zap.String("error", e.LastError))
	}
	for _, e := range failed {
		m.fail(e)
	}
	m.metrics.SetQueueDepth(depth)
	if held && sent > 0 {
		m.signal()
	}
	return sent
}

// backoff returns the delay after the given number of failed attempts
func (m *Manager) backoff(attempts int) time.Duration {
	d := m.cfg.BaseBackoff
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= m.cfg.MaxBackoff {
			return m.cfg.MaxBackoff
		}
	}
	return min(d, m.cfg.MaxBackoff)
}

func (m *Manager) fail(e Entry) {
	if m.store != nil {
		_ = m.store.DeleteEntry(e.ID)
	}
	m.metrics.DeliveryFailed()
	m.log.Warn("outbox_delivery_failed",
		zap.String("id", e.ID),
		zap.String("type", string(e.Frame.Type)),
		zap.String("message_id", e.Frame.TargetID()),
		zap.Int("attempts", e.Attempts),
		zap.String("error", e.LastError))
	m.pub.Publish(events.Event{
		Kind:      events.DeliveryFailed,
		At:        m.now(),
		MessageID: e.Frame.TargetID(),
		Data:      e,
		Error:     e.LastError,
	})
}

func (m *Manager) remove(id string) bool {
	for i, e := range m.entries {
		if e.ID == id {
			m.entries = append(m.entries[:i], m.entries[i+1:]...)
			return true
		}
	}
	return false
}

func (m *Manager) contains(id string) bool {
	for _, e := range m.entries {
		if e.ID == id {
			return true
		}
	}
	return false
}

// Run flushes on every tick and whenever Enqueue signals, until ctx ends
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-m.kick:
		}
		m.Flush(m.now())
	}
}

// Size returns the number of queued entries
func (m *Manager) Size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Snapshot returns copies of the queued entries in creation order
func (m *Manager) Snapshot() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Entry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, *e)
	}
	return out
}
