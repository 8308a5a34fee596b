// Package chatlog holds the ordered room history: message records, the
// dedup cache of recently seen ids, buffered out-of-order operations and
// the pin state.
package chatlog

import (
	"sort"
	"strings"
	"time"

	"github.com/lanchat/lanchat/internal/protocol"
)

// PreviewMaxLen bounds denormalized previews (pins, replies)
const PreviewMaxLen = 120

// Message is one chat record. Records are identified by ID for their whole
// life; edits and undos change them in place.
type Message struct {
	ID         string               `json:"message_id"`
	AuthorID   string               `json:"sender_id"`
	AuthorName string               `json:"name"`
	Timestamp  int64                `json:"timestamp"`
	Seq        uint64               `json:"seq"`
	Text       string               `json:"text"`
	Reply      *protocol.Reply      `json:"reply,omitempty"`
	Attachment *protocol.Attachment `json:"attachment,omitempty"`
	EditCount  int                  `json:"edit_count"`
	Tombstoned bool                 `json:"tombstoned,omitempty"`
	// Reactions maps an emoji to the sorted ids of the peers using it
	Reactions map[string][]string `json:"reactions,omitempty"`
}

// Pin is the room-wide pinned message
type Pin struct {
	MessageID string    `json:"message_id"`
	Preview   string    `json:"preview"`
	PinnedBy  string    `json:"pinned_by,omitempty"`
	Name      string    `json:"name,omitempty"`
	At        time.Time `json:"at"`
}

// FromChat builds the record a CHAT frame creates
func FromChat(f protocol.Frame, c protocol.Chat) Message {
	return Message{
		ID:         c.MessageID,
		AuthorID:   f.SenderID,
		AuthorName: c.Name,
		Timestamp:  f.Timestamp,
		Text:       c.Text,
		Reply:      c.Reply,
		Attachment: c.Attachment,
	}
}

// Preview returns the collapsed, trimmed text used for pins and replies
func (m Message) Preview() string {
	text := m.Text
	if text == "" && m.Attachment != nil {
		text = m.Attachment.Filename
	}
	return TrimPreview(text)
}

// TrimPreview collapses whitespace and cuts text to PreviewMaxLen runes
func TrimPreview(text string) string {
	cleaned := strings.Join(strings.Fields(text), " ")
	runes := []rune(cleaned)
	if len(runes) <= PreviewMaxLen {
		return cleaned
	}
	return string(runes[:PreviewMaxLen-1]) + "."
}

func (m *Message) clone() Message {
	out := *m
	if m.Reply != nil {
		r := *m.Reply
		out.Reply = &r
	}
	if m.Attachment != nil {
		a := *m.Attachment
		out.Attachment = &a
	}
	if m.Reactions != nil {
		out.Reactions = make(map[string][]string, len(m.Reactions))
		for emoji, peers := range m.Reactions {
			out.Reactions[emoji] = append([]string(nil), peers...)
		}
	}
	return out
}

// toggleReaction adds or removes peer from the emoji set. It reports
// whether the set changed.
func (m *Message) toggleReaction(emoji, peer string, add bool) bool {
	peers := m.Reactions[emoji]
	i := sort.SearchStrings(peers, peer)
	present := i < len(peers) && peers[i] == peer

	switch {
	case add && !present:
		if m.Reactions == nil {
			m.Reactions = make(map[string][]string)
		}
		peers = append(peers, "")
		copy(peers[i+1:], peers[i:])
		peers[i] = peer
		m.Reactions[emoji] = peers
		return true
	case !add && present:
		peers = append(peers[:i], peers[i+1:]...)
		if len(peers) == 0 {
			delete(m.Reactions, emoji)
		} else {
			m.Reactions[emoji] = peers
		}
		return true
	}
	return false
}

// less orders records by sender timestamp, then receipt sequence
func less(a, b *Message) bool {
	if a.Timestamp != b.Timestamp {
		return a.Timestamp < b.Timestamp
	}
	return a.Seq < b.Seq
}
