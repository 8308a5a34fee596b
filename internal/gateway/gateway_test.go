package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lanchat/lanchat/internal/attach"
	"github.com/lanchat/lanchat/internal/chatlog"
	"github.com/lanchat/lanchat/internal/events"
	"github.com/lanchat/lanchat/internal/metrics"
	"github.com/lanchat/lanchat/internal/presence"
	"github.com/lanchat/lanchat/internal/protocol"
)

const testToken = "s3cret-token-value"

// fakeNode drives a real message log so tests can assert on mutations
type fakeNode struct {
	mu        sync.Mutex
	log       *chatlog.Log
	seq       int
	lastLimit int
	typing    []bool
	editErr   error
	block     bool
}

func newFakeNode() *fakeNode {
	return &fakeNode{log: chatlog.New(chatlog.Options{})}
}

func (f *fakeNode) Status() Status {
	return Status{PeerID: "self", Name: "Alice", Messages: f.log.Len()}
}

func (f *fakeNode) Peers() []presence.Peer {
	return []presence.Peer{{ID: "bob", Name: "Bob"}}
}

func (f *fakeNode) Messages(limit int, before string) []chatlog.Message {
	f.mu.Lock()
	f.lastLimit = limit
	f.mu.Unlock()
	return f.log.Recent(limit)
}

func (f *fakeNode) Pinned() (chatlog.Pin, bool) { return f.log.Pinned() }

func (f *fakeNode) Stats(since int64) []metrics.Sample {
	if since > 100 {
		return nil
	}
	return []metrics.Sample{{Timestamp: 200, FramesIn: 3}}
}

func (f *fakeNode) SendText(ctx context.Context, req protocol.SendRequest) (string, error) {
	if f.block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	f.mu.Lock()
	f.seq++
	id := req.MessageID
	if id == "" {
		id = fmt.Sprintf("m%d", f.seq)
	}
	f.mu.Unlock()
	_, err := f.log.Append(chatlog.Message{ID: id, AuthorID: "self", Text: req.Text, Timestamp: protocol.NowMillis()})
	return id, err
}

func (f *fakeNode) SendFile(ctx context.Context, path string) (string, error) {
	return "", fmt.Errorf("open %s: %w", path, fs.ErrNotExist)
}

func (f *fakeNode) Edit(ctx context.Context, id, text string) (int, error) {
	if f.editErr != nil {
		return 0, f.editErr
	}
	return f.log.EditNext(id, text, "self")
}

func (f *fakeNode) Undo(ctx context.Context, id string) error {
	_, err := f.log.Undo(id, "self")
	return err
}

func (f *fakeNode) Pin(ctx context.Context, id, preview string) (chatlog.Pin, error) {
	return f.log.SetPin(chatlog.Pin{MessageID: id, Preview: preview, PinnedBy: "self"}), nil
}

func (f *fakeNode) Unpin(ctx context.Context, id string) error {
	f.log.Unpin(id, "self")
	return nil
}

func (f *fakeNode) React(ctx context.Context, id, emoji string, add *bool) (bool, error) {
	return f.log.React(id, emoji, "self", add == nil || *add)
}

func (f *fakeNode) SetTyping(ctx context.Context, typing bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.typing = append(f.typing, typing)
	return nil
}

func testConfig() Config {
	return Config{Enabled: true, Token: testToken, Port: 51338, RequestTimeout: time.Second, MaxBodyBytes: 1024}
}

type envelope struct {
	OK        bool              `json:"ok"`
	Error     string            `json:"error"`
	MessageID string            `json:"message_id"`
	EditCount int               `json:"edit_count"`
	Messages  []chatlog.Message `json:"messages"`
	Pinned    *chatlog.Pin      `json:"pinned"`
	Self      *Status           `json:"self"`
}

func do(t *testing.T, h http.Handler, method, target, body string, token string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.RemoteAddr = "127.0.0.1:40000"
	if token != "" {
		req.Header.Set(protocol.TokenHeader, token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var env envelope
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	}
	return rec, env
}

func TestSendWithInvalidTokenDoesNotMutate(t *testing.T) {
	node := newFakeNode()
	h := New(node, testConfig(), Options{}).Handler()

	rec, env := do(t, h, http.MethodPost, "/api/v1/send", `{"text":"hi"}`, "wrong")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.False(t, env.OK)
	assert.Equal(t, "unauthorized", env.Error)

	rec, _ = do(t, h, http.MethodPost, "/api/v1/send", `{"text":"hi"}`, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, 0, node.log.Len())
}

func TestSendAndListMessages(t *testing.T) {
	node := newFakeNode()
	h := New(node, testConfig(), Options{}).Handler()

	rec, env := do(t, h, http.MethodPost, "/api/v1/send", `{"text":"  hello  "}`, testToken)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, env.OK)
	require.NotEmpty(t, env.MessageID)

	msg, ok := node.log.Get(env.MessageID)
	require.True(t, ok)
	assert.Equal(t, "  hello  ", msg.Text)

	rec, env = do(t, h, http.MethodGet, "/api/v1/messages?limit=10", "", testToken)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, env.Messages, 1)
	assert.Equal(t, "  hello  ", env.Messages[0].Text)
}

func TestTextKeepsLeadingIndentation(t *testing.T) {
	node := newFakeNode()
	h := New(node, testConfig(), Options{}).Handler()

	code := "    for {\n        tick()\n    }\n"
	body, err := json.Marshal(protocol.SendRequest{Text: code})
	require.NoError(t, err)
	rec, env := do(t, h, http.MethodPost, "/api/v1/send", string(body), testToken)
	require.Equal(t, http.StatusOK, rec.Code)
	msg, _ := node.log.Get(env.MessageID)
	assert.Equal(t, code, msg.Text)

	edited := "\tindented again\n"
	body, err = json.Marshal(protocol.EditRequest{MessageID: env.MessageID, Text: edited})
	require.NoError(t, err)
	rec, _ = do(t, h, http.MethodPost, "/api/v1/edit", string(body), testToken)
	require.Equal(t, http.StatusOK, rec.Code)
	msg, _ = node.log.Get(env.MessageID)
	assert.Equal(t, edited, msg.Text)

	rec, _ = do(t, h, http.MethodPost, "/api/v1/send", `{"text":" \n\t "}`, testToken)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec, _ = do(t, h, http.MethodPost, "/api/v1/edit", `{"message_id":"`+env.MessageID+`","text":"   "}`, testToken)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, 1, node.log.Len())
}

func TestTokenInQuery(t *testing.T) {
	h := New(newFakeNode(), testConfig(), Options{}).Handler()
	rec, env := do(t, h, http.MethodGet, "/api/v1/peers?token="+testToken, "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, env.OK)
}

func TestUnauthenticatedEndpoints(t *testing.T) {
	h := New(newFakeNode(), testConfig(), Options{}).Handler()

	rec, env := do(t, h, http.MethodGet, "/api/v1/", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, env.OK)
	assert.Contains(t, rec.Body.String(), `"base_url":"http://127.0.0.1:51338/api/v1"`)

	rec, env = do(t, h, http.MethodGet, "/api/v1/status", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, env.Self)
	assert.Equal(t, "Alice", env.Self.Name)

	rec, _ = do(t, h, http.MethodGet, "/api/v1/help", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.HasPrefix(rec.Header().Get("Content-Type"), "text/plain"))
	assert.Contains(t, rec.Body.String(), "/api/v1/send")
}

func TestNonLoopbackForbidden(t *testing.T) {
	h := New(newFakeNode(), testConfig(), Options{}).Handler()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/status", nil)
	req.RemoteAddr = "192.168.1.20:5000"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ok":false`)
}

func TestIsLoopback(t *testing.T) {
	assert.True(t, isLoopback("127.0.0.1:1"))
	assert.True(t, isLoopback("[::1]:8080"))
	assert.False(t, isLoopback("10.0.0.5:1"))
	assert.False(t, isLoopback("garbage"))
}

func TestMessagesLimitClamp(t *testing.T) {
	node := newFakeNode()
	h := New(node, testConfig(), Options{}).Handler()

	cases := map[string]int{"": 50, "abc": 50, "0": 1, "500": 200, "25": 25}
	for raw, want := range cases {
		rec, _ := do(t, h, http.MethodGet, "/api/v1/messages?limit="+raw, "", testToken)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, want, node.lastLimit, "limit=%q", raw)
	}
}

func TestValidationErrors(t *testing.T) {
	h := New(newFakeNode(), testConfig(), Options{}).Handler()

	rec, env := do(t, h, http.MethodPost, "/api/v1/send", `{"text":"   "}`, testToken)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "missing text", env.Error)

	rec, env = do(t, h, http.MethodPost, "/api/v1/send", `{not json`, testToken)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid JSON payload", env.Error)

	rec, _ = do(t, h, http.MethodPost, "/api/v1/undo", `{}`, testToken)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	big := `{"text":"` + strings.Repeat("a", 4096) + `"}`
	rec, _ = do(t, h, http.MethodPost, "/api/v1/send", big, testToken)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestTextTooLong(t *testing.T) {
	cfg := testConfig()
	cfg.MaxBodyBytes = 64 * 1024
	h := New(newFakeNode(), cfg, Options{}).Handler()
	body := `{"text":"` + strings.Repeat("x", protocol.MaxTextBytes+1) + `"}`
	rec, env := do(t, h, http.MethodPost, "/api/v1/send", body, testToken)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, protocol.ErrTextTooLong.Error(), env.Error)
}

func TestMethodNotAllowed(t *testing.T) {
	h := New(newFakeNode(), testConfig(), Options{}).Handler()
	rec, env := do(t, h, http.MethodGet, "/api/v1/send", "", testToken)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.False(t, env.OK)
}

func TestUnknownPath(t *testing.T) {
	h := New(newFakeNode(), testConfig(), Options{}).Handler()
	rec, env := do(t, h, http.MethodGet, "/api/v1/nope", "", testToken)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.False(t, env.OK)
}

func TestRequestTimeout(t *testing.T) {
	node := newFakeNode()
	node.block = true
	cfg := testConfig()
	cfg.RequestTimeout = 50 * time.Millisecond
	h := New(node, cfg, Options{}).Handler()

	rec, env := do(t, h, http.MethodPost, "/api/v1/send", `{"text":"hi"}`, testToken)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "request timed out", env.Error)
}

func TestErrorMapping(t *testing.T) {
	node := newFakeNode()
	h := New(node, testConfig(), Options{}).Handler()

	rec, _ := do(t, h, http.MethodPost, "/api/v1/edit", `{"message_id":"missing","text":"x"}`, testToken)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	node.editErr = fmt.Errorf("edit m1: %w", chatlog.ErrNotAuthor)
	rec, _ = do(t, h, http.MethodPost, "/api/v1/edit", `{"message_id":"m1","text":"x"}`, testToken)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec, _ = do(t, h, http.MethodPost, "/api/v1/send/file", `{"path":"/no/such/file"}`, testToken)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, http.StatusRequestEntityTooLarge, statusFor(fmt.Errorf("fetch: %w", attach.ErrTooLarge)))
	assert.Equal(t, http.StatusServiceUnavailable, statusFor(fmt.Errorf("copy content: %w", context.Canceled)))
}

func TestEditUndoPinFlow(t *testing.T) {
	node := newFakeNode()
	h := New(node, testConfig(), Options{}).Handler()

	_, env := do(t, h, http.MethodPost, "/api/v1/send", `{"text":"first draft"}`, testToken)
	id := env.MessageID

	rec, env := do(t, h, http.MethodPost, "/api/v1/edit", `{"message_id":"`+id+`","text":"final"}`, testToken)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, env.EditCount)

	rec, env = do(t, h, http.MethodPost, "/api/v1/pin", `{"message_id":"`+id+`"}`, testToken)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, env.Pinned)
	assert.Equal(t, "final", env.Pinned.Preview)

	_, env = do(t, h, http.MethodGet, "/api/v1/pin", "", testToken)
	require.NotNil(t, env.Pinned)
	assert.Equal(t, id, env.Pinned.MessageID)

	rec, _ = do(t, h, http.MethodPost, "/api/v1/react", `{"message_id":"`+id+`","emoji":"👍"}`, testToken)
	require.Equal(t, http.StatusOK, rec.Code)
	msg, _ := node.log.Get(id)
	assert.Equal(t, []string{"self"}, msg.Reactions["👍"])

	rec, _ = do(t, h, http.MethodPost, "/api/v1/undo", `{"message_id":"`+id+`"}`, testToken)
	require.Equal(t, http.StatusOK, rec.Code)
	msg, _ = node.log.Get(id)
	assert.True(t, msg.Tombstoned)

	_, env = do(t, h, http.MethodGet, "/api/v1/pin", "", testToken)
	assert.Nil(t, env.Pinned)
}

func TestTyping(t *testing.T) {
	node := newFakeNode()
	h := New(node, testConfig(), Options{}).Handler()
	rec, _ := do(t, h, http.MethodPost, "/api/v1/typing", `{"typing":true}`, testToken)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []bool{true}, node.typing)
}

func TestAPIDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.Enabled = false
	h := New(newFakeNode(), cfg, Options{}).Handler()

	rec, env := do(t, h, http.MethodGet, "/api/v1/peers", "", testToken)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "API disabled", env.Error)

	rec, _ = do(t, h, http.MethodGet, "/api/v1/", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestPreflight(t *testing.T) {
	h := New(newFakeNode(), testConfig(), Options{}).Handler()
	req := httptest.NewRequest(http.MethodOptions, "/api/v1/send", nil)
	req.RemoteAddr = "127.0.0.1:1234"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, AllowedOrigin, rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), protocol.TokenHeader)
}

func TestRateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimit = 0.001
	cfg.RateBurst = 1
	h := New(newFakeNode(), cfg, Options{}).Handler()

	rec, _ := do(t, h, http.MethodGet, "/api/v1/status", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	rec, env := do(t, h, http.MethodGet, "/api/v1/status", "", "")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.False(t, env.OK)
}

func TestMetricsEndpoint(t *testing.T) {
	m := metrics.New()
	h := New(newFakeNode(), testConfig(), Options{Metrics: m}).Handler()

	do(t, h, http.MethodGet, "/api/v1/status", "", "")
	rec, _ := do(t, h, http.MethodGet, "/metrics", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `lanchat_http_requests_total{code="200",route="/api/v1/status"} 1`)
}

func TestEventStream(t *testing.T) {
	bus := events.NewBus()
	srv := httptest.NewServer(New(newFakeNode(), testConfig(), Options{Events: bus}).Handler())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/events?token=" + testToken
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	defer conn.Close()

	require.Eventually(t, func() bool { return bus.Subscribers() == 1 }, time.Second, 5*time.Millisecond)
	bus.Publish(events.Event{Kind: events.MessageAdded, MessageID: "m1"})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var ev events.Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, events.MessageAdded, ev.Kind)
	assert.Equal(t, "m1", ev.MessageID)
}

func TestEventStreamRequiresToken(t *testing.T) {
	srv := httptest.NewServer(New(newFakeNode(), testConfig(), Options{Events: events.NewBus()}).Handler())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/events"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestStats(t *testing.T) {
	h := New(newFakeNode(), testConfig(), Options{}).Handler()

	rec, _ := do(t, h, http.MethodGet, "/api/v1/stats?since=50", "", testToken)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"timestamp_ms":200`)

	rec, _ = do(t, h, http.MethodGet, "/api/v1/stats?since=500", "", testToken)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"samples":[]`)
}
