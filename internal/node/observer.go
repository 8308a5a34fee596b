package node

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/lanchat/lanchat/internal/attach"
	"github.com/lanchat/lanchat/internal/events"
	"github.com/lanchat/lanchat/internal/protocol"
)

const (
	avatarFetchTimeout = 30 * time.Second
	// MaxAvatarBytes caps avatars fetched from peers
	MaxAvatarBytes = 2 << 20
)

// OnSendConfirmed implements discovery.Observer
func (n *Node) OnSendConfirmed(messageID string) {
	n.bus.Publish(events.Event{Kind: events.SendConfirmed, PeerID: n.id, MessageID: messageID})
}

// OnPeerHello implements discovery.Observer. Unknown avatars are fetched
// from the announcing peer in the background.
func (n *Node) OnPeerHello(peerID string, hello protocol.Hello, addr string) {
	ref := hello.AvatarRef
	if ref == "" || hello.HTTPPort == 0 || addr == "" || !attach.ValidRef(ref) || n.files.Has(ref) {
		return
	}
	n.mu.Lock()
	if n.fetching[ref] || n.closed {
		n.mu.Unlock()
		return
	}
	n.fetching[ref] = true
	ctx := n.runCtx
	n.mu.Unlock()

	go n.fetchAvatar(ctx, peerID, attach.AvatarURL(addr, hello.HTTPPort, ref), ref)
}

func (n *Node) fetchAvatar(ctx context.Context, peerID, url, ref string) {
	defer func() {
		n.mu.Lock()
		delete(n.fetching, ref)
		n.mu.Unlock()
	}()
	ctx, cancel := context.WithTimeout(ctx, avatarFetchTimeout)
	defer cancel()

	if _, err := n.fetcher.FetchInto(ctx, n.files, url, ref, "avatar-"+peerID, MaxAvatarBytes); err != nil {
		n.debug.Debug("avatar_fetch_failed", zap.String("peer_id", peerID), zap.String("url", url), zap.Error(err))
		return
	}
	n.log.Debug("avatar_fetched", zap.String("peer_id", peerID), zap.String("ref", ref))
	if peer, ok := n.peers.Get(peerID); ok {
		n.bus.Publish(events.Event{Kind: events.PeerUpdated, PeerID: peerID, Data: peer})
	}
}
