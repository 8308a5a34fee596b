package gateway

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/lanchat/lanchat/internal/protocol"
)

type endpoint struct {
	Method      string         `json:"method"`
	Path        string         `json:"path"`
	Description string         `json:"description"`
	Auth        bool           `json:"auth"`
	Request     map[string]any `json:"request,omitempty"`
}

var endpoints = []endpoint{
	{Method: "GET", Path: "/", Description: "self description"},
	{Method: "GET", Path: "/help", Description: "plain text help"},
	{Method: "GET", Path: "/status", Description: "node and queue status"},
	{Method: "GET", Path: "/peers", Description: "online peers", Auth: true},
	{Method: "GET", Path: "/messages?limit=50&before=<id>", Description: "recent messages, oldest first", Auth: true},
	{Method: "GET", Path: "/pin", Description: "pinned message", Auth: true},
	{Method: "GET", Path: "/stats?since=<unix ms>", Description: "per-second traffic samples", Auth: true},
	{Method: "GET", Path: "/events", Description: "websocket event stream", Auth: true},
	{Method: "POST", Path: "/send", Description: "send a chat message", Auth: true,
		Request: map[string]any{"text": "hello", "reply_to": "optional message id"}},
	{Method: "POST", Path: "/send/file", Description: "send a local file by path", Auth: true,
		Request: map[string]any{"path": "/path/to/file"}},
	{Method: "POST", Path: "/edit", Description: "edit an own message", Auth: true,
		Request: map[string]any{"message_id": "...", "text": "new text"}},
	{Method: "POST", Path: "/undo", Description: "retract an own message", Auth: true,
		Request: map[string]any{"message_id": "..."}},
	{Method: "POST", Path: "/pin", Description: "pin a message", Auth: true,
		Request: map[string]any{"message_id": "...", "preview": "optional"}},
	{Method: "POST", Path: "/unpin", Description: "clear the pin", Auth: true,
		Request: map[string]any{"message_id": "..."}},
	{Method: "POST", Path: "/react", Description: "add or remove a reaction", Auth: true,
		Request: map[string]any{"message_id": "...", "emoji": "👍", "add": true}},
	{Method: "POST", Path: "/typing", Description: "set the typing indicator", Auth: true,
		Request: map[string]any{"typing": true}},
}

func (g *Gateway) baseURL() string {
	return fmt.Sprintf("http://127.0.0.1:%d%s", g.cfg.Port, protocol.APIPrefix)
}

func (g *Gateway) handleDescribe(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":       true,
		"name":     "lanchat command API",
		"version":  "v1",
		"enabled":  g.cfg.Enabled,
		"base_url": g.baseURL(),
		"auth": map[string]any{
			"required": true,
			"header":   protocol.TokenHeader,
			"query":    protocol.TokenQueryParam,
		},
		"notes": []string{
			"Loopback clients only.",
			fmt.Sprintf("Text size limit: %d bytes UTF-8.", protocol.MaxTextBytes),
			"File send expects a path on this machine.",
		},
		"endpoints": endpoints,
	})
}

func (g *Gateway) handleHelp(w http.ResponseWriter, r *http.Request) {
	var sb strings.Builder
	sb.WriteString("lanchat command API\n")
	fmt.Fprintf(&sb, "Base: %s\n", g.baseURL())
	fmt.Fprintf(&sb, "Auth: %s header or ?%s=...\n", protocol.TokenHeader, protocol.TokenQueryParam)
	for _, e := range endpoints {
		fmt.Fprintf(&sb, "%-4s %s%-32s %s\n", e.Method, protocol.APIPrefix, e.Path, e.Description)
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(sb.String()))
}
