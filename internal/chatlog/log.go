package chatlog

import (
	"errors"
	"fmt"
	"iter"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lanchat/lanchat/internal/events"
	"github.com/lanchat/lanchat/internal/protocol"
)

var (
	ErrNotFound   = errors.New("chatlog: message not found")
	ErrStaleEdit  = errors.New("chatlog: edit counter not newer than current")
	ErrNotAuthor  = errors.New("chatlog: only the author may change a message")
	ErrTombstoned = errors.New("chatlog: message was undone")
	ErrInvalid    = errors.New("chatlog: invalid message")
	// ErrDeferred is returned by Apply when an operation targets a message
	// not yet received and was buffered for later replay.
	ErrDeferred = errors.New("chatlog: target unknown, operation buffered")
	// ErrDropped is returned by Apply when the out-of-order buffer is full
	ErrDropped = errors.New("chatlog: target unknown, buffer full")
)

// Store persists the log. Implementations are called outside the log lock.
type Store interface {
	PutMessage(Message) error
	DeleteMessages(ids ...string) error
	LoadMessages() ([]Message, error)
	PutPin(*Pin) error
	LoadPin() (*Pin, error)
}

// Options tunes a Log; zero values select defaults
type Options struct {
	DedupCapacity    int
	DedupTTL         time.Duration
	PendingTTL       time.Duration
	PendingTargets   int
	PendingPerTarget int

	Store     Store
	Publisher events.Publisher
	Logger    *zap.Logger
	Clock     func() time.Time
}

// Log is the ordered message history of the room
type Log struct {
	mu      sync.RWMutex
	msgs    []*Message
	byID    map[string]*Message
	seq     uint64
	dedup   *DedupCache
	pending *pendingOps
	pin     *Pin

	persistMu sync.Mutex
	store     Store
	pub       events.Publisher
	log       *zap.Logger
	now       func() time.Time
}

// New creates an empty log
func New(opts Options) *Log {
	l := &Log{
		byID:    make(map[string]*Message),
		dedup:   NewDedupCache(opts.DedupCapacity, opts.DedupTTL),
		pending: newPendingOps(opts.PendingTTL, opts.PendingTargets, opts.PendingPerTarget),
		store:   opts.Store,
		pub:     opts.Publisher,
		log:     opts.Logger,
		now:     opts.Clock,
	}
	if l.pub == nil {
		l.pub = events.Nop{}
	}
	if l.log == nil {
		l.log = zap.NewNop()
	}
	if l.now == nil {
		l.now = time.Now
	}
	return l
}

// Load rehydrates the log and the pin from the store. Loaded ids are
// seeded into the dedup cache so retransmissions are not re-applied.
func (l *Log) Load() error {
	if l.store == nil {
		return nil
	}
	msgs, err := l.store.LoadMessages()
	if err != nil {
		return fmt.Errorf("load messages: %w", err)
	}
	pin, err := l.store.LoadPin()
	if err != nil {
		return fmt.Errorf("load pin: %w", err)
	}

	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range msgs {
		m := msgs[i]
		if m.ID == "" {
			continue
		}
		if _, dup := l.byID[m.ID]; dup {
			continue
		}
		if m.Seq > l.seq {
			l.seq = m.Seq
		}
		l.byID[m.ID] = &m
		l.msgs = append(l.msgs, &m)
		l.dedup.Seen(m.ID, now)
	}
	sort.SliceStable(l.msgs, func(i, j int) bool { return less(l.msgs[i], l.msgs[j]) })
	l.pin = pin
	l.log.Info("chatlog_loaded", zap.Int("messages", len(l.msgs)), zap.Bool("pinned", pin != nil))
	return nil
}

// Append adds msg unless its id was already seen. It reports whether the
// message was newly applied.
func (l *Log) Append(msg Message) (bool, error) {
	if msg.ID == "" || msg.AuthorID == "" {
		return false, ErrInvalid
	}
	now := l.now()
	if msg.Timestamp == 0 {
		msg.Timestamp = now.UnixMilli()
	}

	l.mu.Lock()
	if _, ok := l.byID[msg.ID]; ok {
		l.mu.Unlock()
		return false, nil
	}
	if l.dedup.Seen(msg.ID, now) {
		l.mu.Unlock()
		return false, nil
	}
	l.seq++
	msg.Seq = l.seq
	msg.EditCount = 0
	msg.Tombstoned = false
	msg.Reactions = nil
	m := &msg
	l.insert(m)
	snap := m.clone()
	replay := l.pending.take(msg.ID, now)
	l.mu.Unlock()

	l.persist(msg.ID)
	l.pub.Publish(events.Event{Kind: events.MessageAdded, At: now, PeerID: msg.AuthorID, MessageID: msg.ID, Data: snap})

	for _, f := range replay {
		if _, err := l.Apply(f); err != nil {
			l.log.Debug("chatlog_replay_rejected",
				zap.String("message_id", msg.ID),
				zap.String("type", string(f.Type)),
				zap.Error(err))
		}
	}
	return true, nil
}

func (l *Log) insert(m *Message) {
	i := sort.Search(len(l.msgs), func(i int) bool { return less(m, l.msgs[i]) })
	l.msgs = append(l.msgs, nil)
	copy(l.msgs[i+1:], l.msgs[i:])
	l.msgs[i] = m
	l.byID[m.ID] = m
}

// Edit replaces the text of message id when counter is newer than the
// current edit counter and editor is the author.
func (l *Log) Edit(id, text string, counter int, editor string) error {
	l.mu.Lock()
	m, err := l.editable(id, editor)
	if err != nil {
		l.mu.Unlock()
		return err
	}
	if counter <= m.EditCount {
		l.mu.Unlock()
		return ErrStaleEdit
	}
	m.Text = text
	m.EditCount = counter
	snap := m.clone()
	l.mu.Unlock()

	l.persist(id)
	l.pub.Publish(events.Event{Kind: events.MessageEdited, At: l.now(), PeerID: editor, MessageID: id, Data: snap})
	return nil
}

// EditNext applies a local edit with the next edit counter and returns it
func (l *Log) EditNext(id, text, editor string) (int, error) {
	l.mu.Lock()
	m, err := l.editable(id, editor)
	if err != nil {
		l.mu.Unlock()
		return 0, err
	}
	m.Text = text
	m.EditCount++
	counter := m.EditCount
	snap := m.clone()
	l.mu.Unlock()

	l.persist(id)
	l.pub.Publish(events.Event{Kind: events.MessageEdited, At: l.now(), PeerID: editor, MessageID: id, Data: snap})
	return counter, nil
}

func (l *Log) editable(id, editor string) (*Message, error) {
	m, ok := l.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	if m.AuthorID != editor {
		return nil, ErrNotAuthor
	}
	if m.Tombstoned {
		return nil, ErrTombstoned
	}
	return m, nil
}

// Undo tombstones message id. Undoing an already undone message is a
// successful no-op; the result reports whether anything changed.
func (l *Log) Undo(id, actor string) (bool, error) {
	l.mu.Lock()
	m, ok := l.byID[id]
	if !ok {
		l.mu.Unlock()
		return false, ErrNotFound
	}
	if m.AuthorID != actor {
		l.mu.Unlock()
		return false, ErrNotAuthor
	}
	if m.Tombstoned {
		l.mu.Unlock()
		return false, nil
	}
	m.Tombstoned = true
	m.Text = ""
	m.Attachment = nil
	m.Reactions = nil
	snap := m.clone()
	unpinned := l.pin != nil && l.pin.MessageID == id
	if unpinned {
		l.pin = nil
	}
	l.mu.Unlock()

	now := l.now()
	l.persist(id)
	l.pub.Publish(events.Event{Kind: events.MessageUndone, At: now, PeerID: actor, MessageID: id, Data: snap})
	if unpinned {
		l.persistPin()
		l.pub.Publish(events.Event{Kind: events.PinChanged, At: now, PeerID: actor, MessageID: id})
	}
	return true, nil
}

// React adds or removes peer's emoji reaction on message id. It reports
// whether the reaction set changed.
func (l *Log) React(id, emoji, peer string, add bool) (bool, error) {
	if emoji == "" || peer == "" {
		return false, ErrInvalid
	}
	l.mu.Lock()
	m, ok := l.byID[id]
	if !ok {
		l.mu.Unlock()
		return false, ErrNotFound
	}
	if m.Tombstoned {
		l.mu.Unlock()
		return false, ErrTombstoned
	}
	changed := m.toggleReaction(emoji, peer, add)
	snap := m.clone()
	l.mu.Unlock()

	if !changed {
		return false, nil
	}
	l.persist(id)
	l.pub.Publish(events.Event{Kind: events.ReactionChanged, At: l.now(), PeerID: peer, MessageID: id, Data: snap})
	return true, nil
}

// SetPin replaces the pin. An empty preview is filled from the target
// message when it is known.
func (l *Log) SetPin(p Pin) Pin {
	p, _ = l.setPin(p, false)
	return p
}

// PinMessage is SetPin for a message that must be in the log and not
// retracted. It returns ErrNotFound or ErrTombstoned otherwise.
func (l *Log) PinMessage(p Pin) (Pin, error) {
	return l.setPin(p, true)
}

func (l *Log) setPin(p Pin, strict bool) (Pin, error) {
	if p.At.IsZero() {
		p.At = l.now()
	}
	l.mu.Lock()
	m, known := l.byID[p.MessageID]
	switch {
	case strict && !known:
		l.mu.Unlock()
		return Pin{}, fmt.Errorf("%w: %s", ErrNotFound, p.MessageID)
	case strict && m.Tombstoned:
		l.mu.Unlock()
		return Pin{}, fmt.Errorf("%w: %s", ErrTombstoned, p.MessageID)
	}
	if p.Preview == "" {
		if known {
			p.Preview = m.Preview()
		}
	} else {
		p.Preview = TrimPreview(p.Preview)
	}
	pin := p
	l.pin = &pin
	l.mu.Unlock()

	l.persistPin()
	l.pub.Publish(events.Event{Kind: events.PinChanged, At: p.At, PeerID: p.PinnedBy, MessageID: p.MessageID, Data: p})
	return p, nil
}

// Unpin clears the pin. A non-empty id only clears a pin targeting that
// message. It reports whether the pin was cleared.
func (l *Log) Unpin(id, by string) bool {
	l.mu.Lock()
	if l.pin == nil || (id != "" && l.pin.MessageID != id) {
		l.mu.Unlock()
		return false
	}
	target := l.pin.MessageID
	l.pin = nil
	l.mu.Unlock()

	l.persistPin()
	l.pub.Publish(events.Event{Kind: events.PinChanged, At: l.now(), PeerID: by, MessageID: target})
	return true
}

// Pinned returns the current pin, if any
func (l *Log) Pinned() (Pin, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.pin == nil {
		return Pin{}, false
	}
	return *l.pin, true
}

// Apply routes a validated network frame to the matching mutation.
// Operations on unknown messages are buffered and ErrDeferred is returned.
func (l *Log) Apply(f protocol.Frame) (bool, error) {
	var err error
	changed := true
	switch p := f.Payload.(type) {
	case protocol.Chat:
		return l.Append(FromChat(f, p))
	case protocol.Edit:
		err = l.Edit(p.MessageID, p.Text, p.EditCount, f.SenderID)
	case protocol.Undo:
		changed, err = l.Undo(p.MessageID, f.SenderID)
	case protocol.Reaction:
		changed, err = l.React(p.MessageID, p.Emoji, f.SenderID, p.Add)
	case protocol.Pin:
		_, err = l.PinMessage(Pin{MessageID: p.MessageID, Preview: p.Preview, PinnedBy: f.SenderID, Name: p.Name})
	case protocol.Unpin:
		return l.Unpin(p.MessageID, f.SenderID), nil
	default:
		return false, fmt.Errorf("%w: frame %s", ErrInvalid, f.Type)
	}
	if errors.Is(err, ErrNotFound) {
		return false, l.buffer(f)
	}
	if err != nil {
		return false, err
	}
	return changed, nil
}

func (l *Log) buffer(f protocol.Frame) error {
	now := l.now()
	l.mu.Lock()
	// the target may have arrived between the failed mutation and here
	_, known := l.byID[f.TargetID()]
	ok := known || l.pending.add(f, now)
	l.mu.Unlock()

	if known {
		_, err := l.Apply(f)
		return err
	}
	if !ok {
		l.log.Debug("chatlog_pending_full", zap.String("message_id", f.TargetID()), zap.String("type", string(f.Type)))
		return ErrDropped
	}
	l.log.Debug("chatlog_op_buffered", zap.String("message_id", f.TargetID()), zap.String("type", string(f.Type)))
	return ErrDeferred
}

// PruneBuffered discards buffered operations older than the pending TTL
func (l *Log) PruneBuffered() int {
	l.mu.Lock()
	n := l.pending.prune(l.now())
	l.mu.Unlock()
	if n > 0 {
		l.log.Debug("chatlog_pending_expired", zap.Int("dropped", n))
	}
	return n
}

// Buffered returns the number of operations waiting for their target
func (l *Log) Buffered() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.pending.len()
}

// Get returns a copy of message id, tombstoned or not
func (l *Log) Get(id string) (Message, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	m, ok := l.byID[id]
	if !ok {
		return Message{}, false
	}
	return m.clone(), true
}

// Seen reports whether id is in the log or the dedup cache
func (l *Log) Seen(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.byID[id]; ok {
		return true
	}
	return l.dedup.Contains(id, l.now())
}

// Len returns the number of records, tombstones included
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.msgs)
}

// QueryOptions selects a page of the log for QueryWith
type QueryOptions struct {
	// Limit caps the page; non-positive means everything
	Limit int
	// Before starts the page strictly before this message id
	Before string
	// Tombstoned includes retracted messages in the page
	Tombstoned bool
}

// Query yields visible messages newest first, starting strictly before the
// message with id before (or from the newest when before is empty). A
// non-positive limit yields everything. The sequence iterates over a
// snapshot taken when Query is called and may be ranged over repeatedly.
func (l *Log) Query(limit int, before string) iter.Seq[Message] {
	return l.QueryWith(QueryOptions{Limit: limit, Before: before})
}

// QueryWith is Query with tombstones optionally included
func (l *Log) QueryWith(opts QueryOptions) iter.Seq[Message] {
	limit, before := opts.Limit, opts.Before
	l.mu.RLock()
	end := len(l.msgs)
	if before != "" {
		end = 0
		if m, ok := l.byID[before]; ok {
			end = sort.Search(len(l.msgs), func(i int) bool { return !less(l.msgs[i], m) })
		}
	}
	snap := make([]Message, 0, min(end, max(limit, 0)))
	for i := end - 1; i >= 0; i-- {
		if limit > 0 && len(snap) == limit {
			break
		}
		if l.msgs[i].Tombstoned && !opts.Tombstoned {
			continue
		}
		snap = append(snap, l.msgs[i].clone())
	}
	l.mu.RUnlock()

	return func(yield func(Message) bool) {
		for _, m := range snap {
			if !yield(m) {
				return
			}
		}
	}
}

// Recent returns up to limit visible messages in chronological order
func (l *Log) Recent(limit int) []Message {
	var out []Message
	for m := range l.Query(limit, "") {
		out = append(out, m)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// Trim drops the oldest records so at most keep remain, returning the
// removed ids. Removed ids stay in the dedup cache.
func (l *Log) Trim(keep int) []string {
	if keep < 0 {
		keep = 0
	}
	l.mu.Lock()
	excess := len(l.msgs) - keep
	if excess <= 0 {
		l.mu.Unlock()
		return nil
	}
	removed := make([]string, 0, excess)
	for _, m := range l.msgs[:excess] {
		removed = append(removed, m.ID)
		delete(l.byID, m.ID)
	}
	l.msgs = append([]*Message(nil), l.msgs[excess:]...)
	l.mu.Unlock()

	if l.store != nil {
		l.persistMu.Lock()
		if err := l.store.DeleteMessages(removed...); err != nil {
			l.log.Warn("chatlog_trim_persist_failed", zap.Int("count", len(removed)), zap.Error(err))
		}
		l.persistMu.Unlock()
	}
	return removed
}

// persist writes the current state of id. Writes are serialized so the
// stored record never lags behind a newer in-memory version.
func (l *Log) persist(id string) {
	if l.store == nil {
		return
	}
	l.persistMu.Lock()
	defer l.persistMu.Unlock()
	m, ok := l.Get(id)
	if !ok {
		return
	}
	if err := l.store.PutMessage(m); err != nil {
		l.log.Warn("chatlog_persist_failed", zap.String("message_id", id), zap.Error(err))
	}
}

func (l *Log) persistPin() {
	if l.store == nil {
		return
	}
	l.persistMu.Lock()
	defer l.persistMu.Unlock()
	var pin *Pin
	if p, ok := l.Pinned(); ok {
		pin = &p
	}
	if err := l.store.PutPin(pin); err != nil {
		l.log.Warn("chatlog_pin_persist_failed", zap.Error(err))
	}
}
