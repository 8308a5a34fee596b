// Package protocol defines the lanchat wire format: the UDP multicast frames
// exchanged between peers and the JSON bodies of the local HTTP API.
package protocol

import "time"

const (
	// MulticastGroup is the IPv4 group every peer of the room joins
	MulticastGroup = "239.255.77.77"
	// Port is the UDP port of the multicast group
	Port = 51337
	// TTL keeps frames on the local subnet
	TTL = 1
	// Version is the frame format version carried in every frame
	Version = 1

	// MaxTextBytes is the largest UTF-8 body a sender may put in a frame
	MaxTextBytes = 8 * 1024
	// MaxDatagramBytes is the largest encoded frame (stay well under the UDP limit)
	MaxDatagramBytes = 50 * 1024
)

// FrameType identifies the payload carried by a frame
type FrameType string

const (
	TypeHello    FrameType = "HELLO"
	TypeGoodbye  FrameType = "GOODBYE"
	TypeChat     FrameType = "CHAT"
	TypeTyping   FrameType = "TYPING"
	TypeReaction FrameType = "REACTION"
	TypeEdit     FrameType = "EDIT"
	TypeUndo     FrameType = "UNDO"
	TypePin      FrameType = "PIN"
	TypeUnpin    FrameType = "UNPIN"
)

// Frame is one decoded datagram. Payload holds exactly one of the payload
// types below, matching Type.
type Frame struct {
	Type      FrameType
	Version   int
	SenderID  string
	Timestamp int64 // sender clock, unix milliseconds
	Payload   Payload
}

// Payload is the closed set of frame bodies.
type Payload interface {
	frameType() FrameType
	validate() error
}

// Hello is the periodic presence beacon
type Hello struct {
	Name      string `json:"name"`
	AvatarRef string `json:"avatar_ref,omitempty"`
	HTTPPort  int    `json:"http_port"`
}

// Goodbye announces a graceful shutdown
type Goodbye struct{}

// Chat creates a new message
type Chat struct {
	MessageID  string      `json:"message_id"`
	Name       string      `json:"name"`
	Text       string      `json:"text"`
	Reply      *Reply      `json:"reply,omitempty"`
	Attachment *Attachment `json:"attachment,omitempty"`
}

// Reply is the denormalized reference to the message being answered
type Reply struct {
	MessageID string `json:"message_id"`
	Name      string `json:"name,omitempty"`
	Preview   string `json:"preview,omitempty"`
	Type      string `json:"type,omitempty"`
}

// Attachment references a file served by the author's attachment server
type Attachment struct {
	Ref      string `json:"ref"`
	Filename string `json:"filename"`
	Size     int64  `json:"size"`
	URL      string `json:"url,omitempty"`
}

// Typing toggles the sender's typing indicator
type Typing struct {
	Typing bool `json:"typing"`
}

// Reaction adds or removes one emoji reaction of the sender
type Reaction struct {
	MessageID string `json:"message_id"`
	Emoji     string `json:"emoji"`
	Add       bool   `json:"add"`
}

// Edit replaces the body of an existing message. EditCount must grow
// monotonically per message.
type Edit struct {
	MessageID string `json:"message_id"`
	Text      string `json:"text"`
	EditCount int    `json:"edit_count"`
}

// Undo tombstones a message
type Undo struct {
	MessageID string `json:"message_id"`
}

// Pin sets the room-wide pinned message
type Pin struct {
	MessageID string `json:"message_id"`
	Preview   string `json:"preview,omitempty"`
	Name      string `json:"name,omitempty"`
}

// Unpin clears the pin if it still targets MessageID
type Unpin struct {
	MessageID string `json:"message_id"`
}

func (Hello) frameType() FrameType    { return TypeHello }
func (Goodbye) frameType() FrameType  { return TypeGoodbye }
func (Chat) frameType() FrameType     { return TypeChat }
func (Typing) frameType() FrameType   { return TypeTyping }
func (Reaction) frameType() FrameType { return TypeReaction }
func (Edit) frameType() FrameType     { return TypeEdit }
func (Undo) frameType() FrameType     { return TypeUndo }
func (Pin) frameType() FrameType      { return TypePin }
func (Unpin) frameType() FrameType    { return TypeUnpin }

// NewFrame stamps a payload with sender and the current time
func NewFrame(senderID string, p Payload) Frame {
	return Frame{
		Type:      p.frameType(),
		Version:   Version,
		SenderID:  senderID,
		Timestamp: NowMillis(),
		Payload:   p,
	}
}

// TargetID returns the message id a frame creates or modifies, or "" for
// presence frames.
func (f Frame) TargetID() string {
	switch p := f.Payload.(type) {
	case Chat:
		return p.MessageID
	case Reaction:
		return p.MessageID
	case Edit:
		return p.MessageID
	case Undo:
		return p.MessageID
	case Pin:
		return p.MessageID
	case Unpin:
		return p.MessageID
	}
	return ""
}

// NowMillis returns the current wall clock in unix milliseconds
func NowMillis() int64 {
	return time.Now().UnixMilli()
}
