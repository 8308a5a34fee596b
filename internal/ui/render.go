package ui

import (
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/dustin/go-humanize"

	"github.com/lanchat/lanchat/internal/chatlog"
	"github.com/lanchat/lanchat/internal/presence"
)

const boxWidth = 72

// Field is one label/value row of a panel
type Field struct {
	Label string
	Value string
}

// RenderHeader draws the boxed startup panel shown by `lanchat run`
func RenderHeader(version string, fields []Field) string {
	var sb strings.Builder

	title := fmt.Sprintf(" lanchat v%s ", version)
	leftDashes := 3
	rightDashes := boxWidth - 2 - leftDashes - utf8.RuneCountInString(title)
	if rightDashes < 0 {
		rightDashes = 0
	}
	sb.WriteString(Color(Cyan, BoxTopLeft+strings.Repeat(BoxHorizontal, leftDashes)))
	sb.WriteString(Color(Cyan+Bold, title))
	sb.WriteString(Color(Cyan, strings.Repeat(BoxHorizontal, rightDashes)+BoxTopRight))
	sb.WriteString("\n")

	sb.WriteString(formatCenteredLine("", boxWidth))
	for _, f := range fields {
		sb.WriteString(formatInfoLine(f.Label, f.Value, boxWidth))
	}
	sb.WriteString(formatCenteredLine("", boxWidth))

	sb.WriteString(Color(Cyan, BoxBottomLeft+strings.Repeat(BoxHorizontal, boxWidth-2)+BoxBottomRight))
	sb.WriteString("\n")
	return sb.String()
}

func formatCenteredLine(text string, width int) string {
	visible := visibleLength(text)
	left := (width - 2 - visible) / 2
	right := width - 2 - left - visible
	if left < 0 {
		left = 0
	}
	if right < 0 {
		right = 0
	}
	return Color(Cyan, BoxVertical) + strings.Repeat(" ", left) + text +
		strings.Repeat(" ", right) + Color(Cyan, BoxVertical) + "\n"
}

func formatInfoLine(label, value string, width int) string {
	inner := width - 4 - utf8.RuneCountInString(label) - 2
	value = Truncate(value, inner)
	padding := inner - utf8.RuneCountInString(value)
	if padding < 0 {
		padding = 0
	}
	return Color(Cyan, BoxVertical) + " " + Color(Dim, label+":") + " " + value +
		strings.Repeat(" ", padding) + " " + Color(Cyan, BoxVertical) + "\n"
}

// visibleLength counts runes, skipping ANSI escape sequences
func visibleLength(s string) int {
	inEscape := false
	visible := 0
	for _, r := range s {
		if r == '\033' {
			inEscape = true
			continue
		}
		if inEscape {
			if r == 'm' {
				inEscape = false
			}
			continue
		}
		visible++
	}
	return visible
}

// Truncate shortens s to at most max runes, marking the cut with an ellipsis
func Truncate(s string, max int) string {
	if max <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	r := []rune(s)
	if max == 1 {
		return string(r[:1])
	}
	return string(r[:max-1]) + "…"
}

// ShortID returns the first eight characters of an id
func ShortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}

// RenderMessage formats one log entry. Messages written by selfID are
// labelled "You".
func RenderMessage(m chatlog.Message, selfID string) string {
	var sb strings.Builder

	ts := time.UnixMilli(m.Timestamp).Local().Format("15:04")
	sb.WriteString(Color(Dim, "["+ts+"]"))
	sb.WriteString(" ")

	name := m.AuthorName
	if name == "" {
		name = ShortID(m.AuthorID)
	}
	if m.AuthorID == selfID && selfID != "" {
		sb.WriteString(Color(Bold+Green, "You:"))
	} else {
		sb.WriteString(Color(Bold+Blue, name+":"))
	}
	sb.WriteString(" ")

	if m.Tombstoned {
		sb.WriteString(Color(Dim, "(message removed)"))
		sb.WriteString(Color(Dim, "  #"+ShortID(m.ID)))
		return sb.String()
	}

	if m.Reply != nil {
		quoted := m.Reply.Name
		if m.Reply.Preview != "" {
			quoted += ": " + Truncate(m.Reply.Preview, 40)
		}
		sb.WriteString(Color(Dim, MarkReply+" "+quoted+" "))
	}
	sb.WriteString(m.Text)
	if m.Attachment != nil {
		sb.WriteString(" ")
		sb.WriteString(Color(Cyan, fmt.Sprintf("[%s, %s]", m.Attachment.Filename, humanize.IBytes(uint64(max(m.Attachment.Size, 0))))))
	}
	if m.EditCount > 0 {
		sb.WriteString(Color(Dim, " (edited)"))
	}
	if r := renderReactions(m.Reactions); r != "" {
		sb.WriteString("  ")
		sb.WriteString(r)
	}
	sb.WriteString(Color(Dim, "  #"+ShortID(m.ID)))
	return sb.String()
}

func renderReactions(reactions map[string][]string) string {
	if len(reactions) == 0 {
		return ""
	}
	emojis := make([]string, 0, len(reactions))
	for e, peers := range reactions {
		if len(peers) > 0 {
			emojis = append(emojis, e)
		}
	}
	sort.Strings(emojis)
	parts := make([]string, 0, len(emojis))
	for _, e := range emojis {
		parts = append(parts, fmt.Sprintf("%s %d", e, len(reactions[e])))
	}
	return strings.Join(parts, " ")
}

// RenderPeer formats one presence entry relative to now
func RenderPeer(p presence.Peer, now time.Time) string {
	var sb strings.Builder
	sb.WriteString(Color(Green, MarkOnline))
	sb.WriteString(" ")
	sb.WriteString(Color(Bold, p.Name))
	sb.WriteString(Color(Dim, " ("+ShortID(p.ID)+")"))
	if p.Addr != "" {
		sb.WriteString(" ")
		sb.WriteString(p.Addr)
	}
	if p.Typing {
		sb.WriteString(Color(Yellow, " typing"+MarkTyping))
	}
	if !p.LastSeen.IsZero() {
		sb.WriteString(Color(Dim, " seen "+humanize.RelTime(p.LastSeen, now, "ago", "from now")))
	}
	return sb.String()
}

// RenderPin formats the pinned message banner
func RenderPin(p chatlog.Pin) string {
	by := p.Name
	if by == "" {
		by = ShortID(p.PinnedBy)
	}
	line := fmt.Sprintf("%s %s", MarkPinned, Truncate(p.Preview, 60))
	if by != "" {
		line += Color(Dim, " by "+by)
	}
	return line + Color(Dim, "  #"+ShortID(p.MessageID))
}

// RenderSize formats a byte count for display
func RenderSize(n int64) string {
	if n < 0 {
		return "?"
	}
	return humanize.IBytes(uint64(n))
}

// RenderError formats an error message
func RenderError(err error) string {
	return Color(Red, fmt.Sprintf("Error: %v", err))
}

// RenderSuccess formats a success message
func RenderSuccess(msg string) string {
	return Color(Green, msg)
}

// RenderDim formats text in dim style
func RenderDim(msg string) string {
	return Color(Dim, msg)
}
