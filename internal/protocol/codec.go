package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

var (
	// ErrMalformed is returned for datagrams that are not a frame envelope
	ErrMalformed = errors.New("malformed frame")
	// ErrUnsupportedVersion is returned for frames of another format version
	ErrUnsupportedVersion = errors.New("unsupported frame version")
	// ErrUnknownType is returned for frame types this build does not know
	ErrUnknownType = errors.New("unknown frame type")
	// ErrInvalid is returned when a payload misses required fields
	ErrInvalid = errors.New("invalid frame payload")
	// ErrTextTooLong is returned by senders for bodies above MaxTextBytes
	ErrTextTooLong = errors.New("text too long (max 8 KB)")
	// ErrFrameTooLarge is returned when the encoded frame exceeds MaxDatagramBytes
	ErrFrameTooLarge = errors.New("frame exceeds datagram limit")
)

// envelope is the JSON layout on the wire
type envelope struct {
	Type      FrameType       `json:"type"`
	Version   int             `json:"v"`
	SenderID  string          `json:"sender_id"`
	Timestamp int64           `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Encode validates f and renders it as one datagram. Text limits are enforced
// here so that oversized bodies are refused by the sender.
func Encode(f Frame) ([]byte, error) {
	if f.Payload == nil {
		return nil, fmt.Errorf("%w: missing payload", ErrInvalid)
	}
	if f.Type == "" {
		f.Type = f.Payload.frameType()
	}
	if f.Type != f.Payload.frameType() {
		return nil, fmt.Errorf("%w: type %s carries %s payload", ErrInvalid, f.Type, f.Payload.frameType())
	}
	if f.SenderID == "" {
		return nil, fmt.Errorf("%w: missing sender_id", ErrInvalid)
	}
	if err := f.Payload.validate(); err != nil {
		return nil, err
	}
	if err := checkTextLimit(f.Payload); err != nil {
		return nil, err
	}
	if f.Version == 0 {
		f.Version = Version
	}

	raw, err := json.Marshal(f.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", f.Type, err)
	}
	data, err := json.Marshal(envelope{
		Type:      f.Type,
		Version:   f.Version,
		SenderID:  f.SenderID,
		Timestamp: f.Timestamp,
		Payload:   raw,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal frame: %w", err)
	}
	if len(data) > MaxDatagramBytes {
		return nil, ErrFrameTooLarge
	}
	return data, nil
}

// Decode parses one datagram. Unknown JSON fields are ignored so newer peers
// can add fields without breaking older ones.
func Decode(data []byte) (Frame, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Version != Version {
		return Frame{}, fmt.Errorf("%w: %d", ErrUnsupportedVersion, env.Version)
	}
	if env.SenderID == "" {
		return Frame{}, fmt.Errorf("%w: missing sender_id", ErrInvalid)
	}

	p, err := newPayload(env.Type)
	if err != nil {
		return Frame{}, err
	}
	raw := env.Payload
	if len(raw) == 0 || string(raw) == "null" {
		raw = json.RawMessage("{}")
	}
	if err := json.Unmarshal(raw, p); err != nil {
		return Frame{}, fmt.Errorf("%w: %s payload: %v", ErrMalformed, env.Type, err)
	}

	payload := deref(p)
	if err := payload.validate(); err != nil {
		return Frame{}, err
	}
	return Frame{
		Type:      env.Type,
		Version:   env.Version,
		SenderID:  env.SenderID,
		Timestamp: env.Timestamp,
		Payload:   payload,
	}, nil
}

// ValidateText checks a user supplied body against the sender limit
func ValidateText(text string) error {
	if len(text) > MaxTextBytes {
		return ErrTextTooLong
	}
	if !utf8.ValidString(text) {
		return fmt.Errorf("%w: text is not valid UTF-8", ErrInvalid)
	}
	return nil
}

func newPayload(t FrameType) (any, error) {
	switch t {
	case TypeHello:
		return &Hello{}, nil
	case TypeGoodbye:
		return &Goodbye{}, nil
	case TypeChat:
		return &Chat{}, nil
	case TypeTyping:
		return &Typing{}, nil
	case TypeReaction:
		return &Reaction{}, nil
	case TypeEdit:
		return &Edit{}, nil
	case TypeUndo:
		return &Undo{}, nil
	case TypePin:
		return &Pin{}, nil
	case TypeUnpin:
		return &Unpin{}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownType, t)
}

func deref(p any) Payload {
	switch v := p.(type) {
	case *Hello:
		return *v
	case *Goodbye:
		return *v
	case *Chat:
		return *v
	case *Typing:
		return *v
	case *Reaction:
		return *v
	case *Edit:
		return *v
	case *Undo:
		return *v
	case *Pin:
		return *v
	case *Unpin:
		return *v
	}
	return nil
}

func checkTextLimit(p Payload) error {
	switch v := p.(type) {
	case Chat:
		return ValidateText(v.Text)
	case Edit:
		return ValidateText(v.Text)
	}
	return nil
}

func requireID(field, id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("%w: missing %s", ErrInvalid, field)
	}
	return nil
}

func (h Hello) validate() error {
	if h.HTTPPort < 0 || h.HTTPPort > 65535 {
		return fmt.Errorf("%w: http_port %d out of range", ErrInvalid, h.HTTPPort)
	}
	return nil
}

func (Goodbye) validate() error { return nil }

func (c Chat) validate() error {
	if err := requireID("message_id", c.MessageID); err != nil {
		return err
	}
	if c.Text == "" && c.Attachment == nil {
		return fmt.Errorf("%w: chat without text or attachment", ErrInvalid)
	}
	if c.Reply != nil {
		if err := requireID("reply.message_id", c.Reply.MessageID); err != nil {
			return err
		}
	}
	if c.Attachment != nil {
		if err := requireID("attachment.ref", c.Attachment.Ref); err != nil {
			return err
		}
		if c.Attachment.Size < 0 {
			return fmt.Errorf("%w: negative attachment size", ErrInvalid)
		}
	}
	return nil
}

func (Typing) validate() error { return nil }

func (r Reaction) validate() error {
	if err := requireID("message_id", r.MessageID); err != nil {
		return err
	}
	return requireID("emoji", r.Emoji)
}

func (e Edit) validate() error {
	if err := requireID("message_id", e.MessageID); err != nil {
		return err
	}
	if e.EditCount < 1 {
		return fmt.Errorf("%w: edit_count must be positive", ErrInvalid)
	}
	return nil
}

func (u Undo) validate() error  { return requireID("message_id", u.MessageID) }
func (p Pin) validate() error   { return requireID("message_id", p.MessageID) }
func (u Unpin) validate() error { return requireID("message_id", u.MessageID) }
