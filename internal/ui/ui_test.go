package ui

import (
	"bytes"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/lanchat/lanchat/internal/chatlog"
	"github.com/lanchat/lanchat/internal/presence"
	"github.com/lanchat/lanchat/internal/protocol"
)

func TestMain(m *testing.M) {
	SetNoColor(true)
	os.Exit(m.Run())
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "hello", Truncate("hello", 5))
	assert.Equal(t, "hel…", Truncate("hello", 4))
	assert.Equal(t, "h", Truncate("hello", 1))
	assert.Equal(t, "", Truncate("hello", 0))
	assert.Equal(t, "héll…", Truncate("héllo wörld", 5))
}

func TestShortID(t *testing.T) {
	assert.Equal(t, "abc", ShortID("abc"))
	assert.Equal(t, "12345678", ShortID("1234567890"))
}

func TestRenderMessage(t *testing.T) {
	m := chatlog.Message{
		ID:         "aaaaaaaa-1111",
		AuthorID:   "peer-b",
		AuthorName: "bob",
		Timestamp:  time.Now().UnixMilli(),
		Text:       "hi all",
		EditCount:  1,
		Reply:      &protocol.Reply{MessageID: "m0", Name: "alice", Preview: "question?"},
		Reactions:  map[string][]string{"👍": {"p1", "p2"}, "🎉": {}},
	}
	out := RenderMessage(m, "self")
	assert.Contains(t, out, "bob: ")
	assert.Contains(t, out, "↳ alice: question?")
	assert.Contains(t, out, "hi all (edited)")
	assert.Contains(t, out, "👍 2")
	assert.NotContains(t, out, "🎉")
	assert.Contains(t, out, "#aaaaaaaa")

	m.AuthorID = "self"
	assert.Contains(t, RenderMessage(m, "self"), "You: ")

	m.Tombstoned = true
	out = RenderMessage(m, "self")
	assert.Contains(t, out, "(message removed)")
	assert.NotContains(t, out, "hi all")
}

func TestRenderMessageAttachment(t *testing.T) {
	m := chatlog.Message{
		ID:         "m1",
		AuthorID:   "p",
		Text:       "report",
		Attachment: &protocol.Attachment{Ref: "r", Filename: "a.pdf", Size: 1536},
	}
	assert.Contains(t, RenderMessage(m, ""), "[a.pdf, 1.5 KiB]")
}

func TestRenderPeer(t *testing.T) {
	now := time.Now()
	p := presence.Peer{ID: "0123456789", Name: "carol", Addr: "192.168.1.4", LastSeen: now.Add(-3 * time.Second), Typing: true}
	out := RenderPeer(p, now)
	assert.Contains(t, out, "carol (01234567)")
	assert.Contains(t, out, "192.168.1.4")
	assert.Contains(t, out, "typing")
	assert.Contains(t, out, "3 seconds ago")
}

func TestRenderPin(t *testing.T) {
	out := RenderPin(chatlog.Pin{MessageID: "m1", Preview: "standup at 10", Name: "dave"})
	assert.Contains(t, out, "standup at 10 by dave")
	assert.Contains(t, out, "#m1")
}

func TestRenderHeader(t *testing.T) {
	out := RenderHeader("1.0", []Field{{Label: "Name", Value: "erin"}, {Label: "API", Value: "http://127.0.0.1:51338/api/v1"}})
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	assert.Contains(t, lines[0], "lanchat v1.0")
	for _, l := range lines {
		assert.Equal(t, boxWidth, visibleLength(l), l)
	}
	assert.Contains(t, out, "Name: erin")
}

func TestRenderHelpers(t *testing.T) {
	assert.Equal(t, "Error: boom", RenderError(errors.New("boom")))
	assert.Equal(t, "ok", RenderSuccess("ok"))
	assert.Equal(t, "2.0 KiB", RenderSize(2048))
	assert.Equal(t, "?", RenderSize(-1))
	assert.Equal(t, 5, visibleLength("\033[1mhello\033[0m"))
}

func TestFormatProgress(t *testing.T) {
	out := FormatProgress("file", 512, 1024)
	assert.Contains(t, out, "["+strings.Repeat("#", 15)+strings.Repeat("-", 15)+"]")
	assert.Contains(t, out, "512 B / 1.0 KiB")
	assert.Contains(t, out, " 50%")

	assert.Equal(t, "file 300 B", FormatProgress("file", 300, 0))
	assert.Contains(t, FormatProgress("file", 2000, 1000), "100%")
}

func TestProgressFinish(t *testing.T) {
	var buf bytes.Buffer
	p := NewProgress(&buf, "dl")
	p.Update(10, 10)
	p.Finish()
	p.Finish()
	out := buf.String()
	assert.True(t, strings.HasSuffix(out, "\n"))
	assert.Equal(t, 1, strings.Count(out, "\n"))
	assert.Contains(t, out, "10 B / 10 B")
}

func TestSpinnerDisabledIsSilent(t *testing.T) {
	var buf bytes.Buffer
	s := NewSpinnerTo(&buf, false, "working")
	s.Start()
	assert.False(t, s.IsRunning())
	s.Stop()
	assert.Empty(t, buf.String())
}

func TestSpinnerRuns(t *testing.T) {
	var buf syncBuffer
	s := NewSpinnerTo(&buf, true, "working")
	s.Start()
	assert.True(t, s.IsRunning())
	assert.Eventually(t, func() bool { return strings.Contains(buf.String(), "working") }, time.Second, 10*time.Millisecond)
	s.Stop()
	assert.False(t, s.IsRunning())
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
