package node

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lanchat/lanchat/internal/attach"
	"github.com/lanchat/lanchat/internal/chatlog"
	"github.com/lanchat/lanchat/internal/discovery"
	"github.com/lanchat/lanchat/internal/gateway"
	"github.com/lanchat/lanchat/internal/metrics"
	"github.com/lanchat/lanchat/internal/presence"
	"github.com/lanchat/lanchat/internal/protocol"
)

// ErrNoFileServer is returned when a file is sent while the attachment
// server could not be started
var ErrNoFileServer = errors.New("node: attachment server unavailable")

var _ gateway.Service = (*Node)(nil)

// Status implements gateway.Service
func (n *Node) Status() gateway.Status {
	return gateway.Status{
		PeerID:       n.id,
		Name:         n.cfg.Name,
		AvatarRef:    n.avatarRef,
		LocalIP:      n.host(),
		HTTPPort:     n.httpPort,
		Running:      n.engine.Running(),
		NetworkReady: n.engine.Reachable(),
		QueueSize:    n.outbox.Size(),
		PeersOnline:  n.peers.Count(),
		Messages:     n.chat.Len(),
		BufferedOps:  n.chat.Buffered(),
	}
}

// Peers implements gateway.Service
func (n *Node) Peers() []presence.Peer { return n.peers.Peers() }

// Messages implements gateway.Service
func (n *Node) Messages(limit int, before string) []chatlog.Message {
	if before == "" {
		return n.chat.Recent(limit)
	}
	var out []chatlog.Message
	for m := range n.chat.Query(limit, before) {
		out = append(out, m)
	}
	slices.Reverse(out)
	return out
}

// Pinned implements gateway.Service
func (n *Node) Pinned() (chatlog.Pin, bool) { return n.chat.Pinned() }

// Stats implements gateway.Service
func (n *Node) Stats(since int64) []metrics.Sample { return n.history.Since(since) }

// SendText appends the message to the local log at once and queues the
// CHAT frame; it returns before the frame reaches the network.
func (n *Node) SendText(ctx context.Context, req protocol.SendRequest) (string, error) {
	if err := protocol.ValidateText(req.Text); err != nil {
		return "", err
	}
	if req.Text == "" {
		return "", fmt.Errorf("%w: empty text", chatlog.ErrInvalid)
	}
	id := req.MessageID
	if id == "" {
		id = uuid.NewString()
	} else if n.chat.Seen(id) {
		return "", fmt.Errorf("%w: duplicate message id %s", chatlog.ErrInvalid, id)
	}

	chat := protocol.Chat{MessageID: id, Name: n.cfg.Name, Text: req.Text}
	if req.ReplyTo != "" {
		chat.Reply = n.reply(req)
	}
	return id, n.publishChat(ctx, chat)
}

func (n *Node) reply(req protocol.SendRequest) *protocol.Reply {
	r := &protocol.Reply{
		MessageID: req.ReplyTo,
		Name:      req.ReplyName,
		Preview:   chatlog.TrimPreview(req.ReplyPreview),
		Type:      req.ReplyType,
	}
	if target, ok := n.chat.Get(req.ReplyTo); ok {
		if r.Name == "" {
			r.Name = target.AuthorName
		}
		if r.Preview == "" {
			r.Preview = target.Preview()
		}
		if r.Type == "" {
			r.Type = "text"
			if target.Attachment != nil {
				r.Type = "file"
			}
		}
	}
	return r
}

// SendFile ingests the file at path into the content store and announces
// it with a download URL on this node's attachment server.
func (n *Node) SendFile(ctx context.Context, path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	if info.IsDir() {
		return "", fmt.Errorf("%w: %s is a directory", chatlog.ErrInvalid, path)
	}
	if n.httpPort == 0 {
		return "", ErrNoFileServer
	}
	obj, err := n.files.IngestContext(ctx, path)
	if err != nil {
		return "", err
	}
	id := uuid.NewString()
	chat := protocol.Chat{
		MessageID: id,
		Name:      n.cfg.Name,
		Attachment: &protocol.Attachment{
			Ref:      obj.Ref,
			Filename: obj.Filename,
			Size:     obj.Size,
			URL:      attach.FileURL(n.host(), n.httpPort, obj.Ref),
		},
	}
	return id, n.publishChat(ctx, chat)
}

// publishChat commits the message unless the caller already gave up on it
func (n *Node) publishChat(ctx context.Context, chat protocol.Chat) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f := protocol.NewFrame(n.id, chat)
	if _, err := protocol.Encode(f); err != nil {
		return err
	}
	if _, err := n.chat.Append(chatlog.FromChat(f, chat)); err != nil {
		return err
	}
	n.enqueue(f)
	return nil
}

// Edit replaces the text of one of our messages and broadcasts the next
// edit counter
func (n *Node) Edit(ctx context.Context, id, text string) (int, error) {
	if err := protocol.ValidateText(text); err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	count, err := n.chat.EditNext(id, text, n.id)
	if err != nil {
		return 0, err
	}
	n.enqueue(protocol.NewFrame(n.id, protocol.Edit{MessageID: id, Text: text, EditCount: count}))
	return count, nil
}

// Undo retracts one of our messages. Undoing twice sends nothing new.
func (n *Node) Undo(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	changed, err := n.chat.Undo(id, n.id)
	if err != nil {
		return err
	}
	if changed {
		n.enqueue(protocol.NewFrame(n.id, protocol.Undo{MessageID: id}))
	}
	return nil
}

// Pin pins a known message. An empty preview is derived from the message.
func (n *Node) Pin(ctx context.Context, id, preview string) (chatlog.Pin, error) {
	if err := ctx.Err(); err != nil {
		return chatlog.Pin{}, err
	}
	pin, err := n.chat.PinMessage(chatlog.Pin{MessageID: id, Preview: preview, PinnedBy: n.id, Name: n.cfg.Name})
	if err != nil {
		return chatlog.Pin{}, err
	}
	n.enqueue(protocol.NewFrame(n.id, protocol.Pin{MessageID: id, Preview: pin.Preview, Name: n.cfg.Name}))
	return pin, nil
}

// Unpin clears the pin. An empty id targets whatever is pinned now.
func (n *Node) Unpin(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if id == "" {
		pin, ok := n.chat.Pinned()
		if !ok {
			return nil
		}
		id = pin.MessageID
	}
	n.chat.Unpin(id, n.id)
	n.enqueue(protocol.NewFrame(n.id, protocol.Unpin{MessageID: id}))
	return nil
}

// React sets our reaction on a message. A nil add toggles it.
func (n *Node) React(ctx context.Context, id, emoji string, add *bool) (bool, error) {
	want := true
	if add != nil {
		want = *add
	} else if msg, ok := n.chat.Get(id); ok {
		want = !slices.Contains(msg.Reactions[emoji], n.id)
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	changed, err := n.chat.React(id, emoji, n.id, want)
	if err != nil || !changed {
		return changed, err
	}
	n.enqueue(protocol.NewFrame(n.id, protocol.Reaction{MessageID: id, Emoji: emoji, Add: want}))
	return true, nil
}

// SetTyping broadcasts the typing indicator. Typing starts are throttled;
// the indicator is ephemeral, so it is never queued.
func (n *Node) SetTyping(ctx context.Context, typing bool) error {
	if typing && !n.typing.Allow() {
		return nil
	}
	err := n.engine.Send(protocol.NewFrame(n.id, protocol.Typing{Typing: typing}))
	if errors.Is(err, discovery.ErrNotStarted) || errors.Is(err, discovery.ErrUnreachable) {
		n.log.Debug("typing_not_sent", zap.Error(err))
		return nil
	}
	return err
}

func (n *Node) enqueue(f protocol.Frame) {
	if _, err := n.outbox.Enqueue(f); err != nil {
		n.log.Warn("outbox_enqueue_failed",
			zap.String("type", string(f.Type)),
			zap.String("message_id", f.TargetID()),
			zap.Error(err))
	}
}
