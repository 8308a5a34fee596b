package gateway

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/lanchat/lanchat/internal/chatlog"
	"github.com/lanchat/lanchat/internal/metrics"
	"github.com/lanchat/lanchat/internal/protocol"
)

// Paging bounds of GET /messages
const (
	DefaultMessageLimit = 50
	MaxMessageLimit     = 200
)

func (g *Gateway) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":           true,
		"api_enabled":  g.cfg.Enabled,
		"api_base_url": g.baseURL(),
		"self":         g.svc.Status(),
	})
}

func (g *Gateway) handlePeers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "peers": g.svc.Peers()})
}

func (g *Gateway) handleMessages(w http.ResponseWriter, r *http.Request) {
	limit := parseLimit(r.URL.Query().Get("limit"))
	before := r.URL.Query().Get("before")
	msgs := g.svc.Messages(limit, before)
	if msgs == nil {
		msgs = []chatlog.Message{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "messages": msgs})
}

func (g *Gateway) handleStats(w http.ResponseWriter, r *http.Request) {
	since, _ := strconv.ParseInt(r.URL.Query().Get("since"), 10, 64)
	samples := g.svc.Stats(since)
	if samples == nil {
		samples = []metrics.Sample{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "samples": samples})
}

func (g *Gateway) handleGetPin(w http.ResponseWriter, r *http.Request) {
	pin, ok := g.svc.Pinned()
	if !ok {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "pinned": nil})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "pinned": pin})
}

func (g *Gateway) handleSend(w http.ResponseWriter, r *http.Request) {
	var req protocol.SendRequest
	if !g.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeError(w, http.StatusBadRequest, "missing text")
		return
	}
	if len(req.Text) > protocol.MaxTextBytes {
		writeError(w, http.StatusBadRequest, protocol.ErrTextTooLong.Error())
		return
	}
	id, err := g.svc.SendText(r.Context(), req)
	if err != nil {
		g.fail(w, "send", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "message_id": id})
}

func (g *Gateway) handleSendFile(w http.ResponseWriter, r *http.Request) {
	var req protocol.SendFileRequest
	if !g.decode(w, r, &req) {
		return
	}
	req.Path = strings.TrimSpace(req.Path)
	if req.Path == "" {
		writeError(w, http.StatusBadRequest, "missing path")
		return
	}
	id, err := g.svc.SendFile(r.Context(), req.Path)
	if err != nil {
		g.fail(w, "send_file", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "queued": true, "message_id": id})
}

func (g *Gateway) handleEdit(w http.ResponseWriter, r *http.Request) {
	var req protocol.EditRequest
	if !g.decode(w, r, &req) {
		return
	}
	req.MessageID = strings.TrimSpace(req.MessageID)
	if req.MessageID == "" || strings.TrimSpace(req.Text) == "" {
		writeError(w, http.StatusBadRequest, "missing message_id or text")
		return
	}
	if len(req.Text) > protocol.MaxTextBytes {
		writeError(w, http.StatusBadRequest, protocol.ErrTextTooLong.Error())
		return
	}
	count, err := g.svc.Edit(r.Context(), req.MessageID, req.Text)
	if err != nil {
		g.fail(w, "edit", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "edit_count": count})
}

func (g *Gateway) handleUndo(w http.ResponseWriter, r *http.Request) {
	var req protocol.TargetRequest
	if !g.decodeTarget(w, r, &req) {
		return
	}
	if err := g.svc.Undo(r.Context(), req.MessageID); err != nil {
		g.fail(w, "undo", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (g *Gateway) handlePin(w http.ResponseWriter, r *http.Request) {
	var req protocol.PinRequest
	if !g.decode(w, r, &req) {
		return
	}
	req.MessageID = strings.TrimSpace(req.MessageID)
	if req.MessageID == "" {
		writeError(w, http.StatusBadRequest, "missing message_id")
		return
	}
	pin, err := g.svc.Pin(r.Context(), req.MessageID, strings.TrimSpace(req.Preview))
	if err != nil {
		g.fail(w, "pin", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "pinned": pin})
}

func (g *Gateway) handleUnpin(w http.ResponseWriter, r *http.Request) {
	var req protocol.TargetRequest
	if !g.decodeTarget(w, r, &req) {
		return
	}
	if err := g.svc.Unpin(r.Context(), req.MessageID); err != nil {
		g.fail(w, "unpin", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (g *Gateway) handleReact(w http.ResponseWriter, r *http.Request) {
	var req protocol.ReactRequest
	if !g.decode(w, r, &req) {
		return
	}
	req.MessageID = strings.TrimSpace(req.MessageID)
	req.Emoji = strings.TrimSpace(req.Emoji)
	if req.MessageID == "" || req.Emoji == "" {
		writeError(w, http.StatusBadRequest, "missing message_id or emoji")
		return
	}
	changed, err := g.svc.React(r.Context(), req.MessageID, req.Emoji, req.Add)
	if err != nil {
		g.fail(w, "react", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "changed": changed})
}

func (g *Gateway) handleTyping(w http.ResponseWriter, r *http.Request) {
	var req protocol.TypingRequest
	if !g.decode(w, r, &req) {
		return
	}
	if err := g.svc.SetTyping(r.Context(), req.Typing); err != nil {
		g.fail(w, "typing", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// decode reads a JSON body into v. An empty body leaves v zeroed.
func (g *Gateway) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return true
	}
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("request body exceeds %d bytes", maxErr.Limit))
		return false
	}
	writeError(w, http.StatusBadRequest, "invalid JSON payload")
	return false
}

func (g *Gateway) decodeTarget(w http.ResponseWriter, r *http.Request, req *protocol.TargetRequest) bool {
	if !g.decode(w, r, req) {
		return false
	}
	req.MessageID = strings.TrimSpace(req.MessageID)
	if req.MessageID == "" {
		writeError(w, http.StatusBadRequest, "missing message_id")
		return false
	}
	return true
}

func (g *Gateway) fail(w http.ResponseWriter, op string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		g.log.Error("api_request_failed", zap.String("op", op), zap.Error(err))
	} else {
		g.log.Debug("api_request_rejected", zap.String("op", op), zap.Int("status", status), zap.Error(err))
	}
	writeError(w, status, err.Error())
}

func parseLimit(raw string) int {
	n, err := strconv.Atoi(raw)
	if err != nil {
		return DefaultMessageLimit
	}
	return max(1, min(MaxMessageLimit, n))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, protocol.ErrorResponse{OK: false, Error: message})
}

// statusRecorder captures the response code for instrumentation
type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (s *statusRecorder) WriteHeader(code int) {
	if !s.wroteHeader {
		s.status = code
		s.wroteHeader = true
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	s.wroteHeader = true
	return s.ResponseWriter.Write(b)
}

func (s *statusRecorder) Flush() {
	if f, ok := s.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack lets the websocket upgrade pass through the recorder
func (s *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := s.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	s.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}
