package protocol

// Request and response bodies of the local command API (/api/v1).

// APIPrefix is the versioned path prefix of the command API
const APIPrefix = "/api/v1"

// TokenHeader carries the shared-secret API token
const TokenHeader = "X-API-Token"

// TokenQueryParam is the query parameter alternative to TokenHeader
const TokenQueryParam = "token"

// SendRequest is the body of POST /send
type SendRequest struct {
	Text         string `json:"text"`
	MessageID    string `json:"message_id,omitempty"`
	ReplyTo      string `json:"reply_to,omitempty"`
	ReplyName    string `json:"reply_name,omitempty"`
	ReplyPreview string `json:"reply_preview,omitempty"`
	ReplyType    string `json:"reply_type,omitempty"`
}

// SendFileRequest is the body of POST /send/file
type SendFileRequest struct {
	Path string `json:"path"`
}

// EditRequest is the body of POST /edit
type EditRequest struct {
	MessageID string `json:"message_id"`
	Text      string `json:"text"`
}

// TargetRequest is the body of POST /undo and POST /unpin
type TargetRequest struct {
	MessageID string `json:"message_id"`
}

// PinRequest is the body of POST /pin
type PinRequest struct {
	MessageID string `json:"message_id"`
	Preview   string `json:"preview,omitempty"`
}

// ReactRequest is the body of POST /react
type ReactRequest struct {
	MessageID string `json:"message_id"`
	Emoji     string `json:"emoji"`
	Add       *bool  `json:"add,omitempty"`
}

// TypingRequest is the body of POST /typing
type TypingRequest struct {
	Typing bool `json:"typing"`
}

// ErrorResponse is the failure envelope
type ErrorResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
}
