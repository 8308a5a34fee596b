// Package discovery runs the multicast side of a node: it announces our
// presence, receives every peer's frames and routes them to the presence
// table and the message log.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lanchat/lanchat/internal/chatlog"
	"github.com/lanchat/lanchat/internal/metrics"
	"github.com/lanchat/lanchat/internal/presence"
	"github.com/lanchat/lanchat/internal/protocol"
)

const (
	// BeaconInterval is how often HELLO is sent
	BeaconInterval = 2 * time.Second
	// SweepInterval is how often liveness and typing flags are checked
	SweepInterval = time.Second
	// ResendJitter is the random extra delay added to each redundant resend
	ResendJitter = 40 * time.Millisecond
)

// ResendDelays are the offsets of the redundant copies of a frame
var ResendDelays = []time.Duration{60 * time.Millisecond, 120 * time.Millisecond}

var (
	ErrNotStarted     = errors.New("discovery: engine not started")
	ErrAlreadyStarted = errors.New("discovery: engine already started")
	ErrUnreachable    = errors.New("discovery: network unreachable")
)

// Observer is told about events the engine does not route itself
type Observer interface {
	// OnSendConfirmed fires when our own CHAT comes back from the group
	OnSendConfirmed(messageID string)
	// OnPeerHello fires for every HELLO from another peer
	OnPeerHello(peerID string, hello protocol.Hello, addr string)
}

// Config describes the local peer and the engine timing; zero values
// select defaults
type Config struct {
	SelfID string
	// Profile returns the current HELLO contents
	Profile func() protocol.Hello

	Group          *net.UDPAddr
	BeaconInterval time.Duration
	SweepInterval  time.Duration
}

// Engine is the discovery/transport engine
type Engine struct {
	cfg      Config
	peers    *presence.Table
	log      *chatlog.Log
	observer Observer
	open     Opener
	ready    func() bool
	metrics  *metrics.Metrics
	logger   *zap.Logger
	now      func() time.Time

	mu     sync.RWMutex
	conn   net.PacketConn
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures an Engine
type Option func(*Engine)

// WithOpener replaces the multicast socket, mainly for tests
func WithOpener(o Opener) Option { return func(e *Engine) { e.open = o } }

// WithReady replaces the network readiness check
func WithReady(ready func() bool) Option { return func(e *Engine) { e.ready = ready } }

// WithObserver registers o
func WithObserver(o Observer) Option { return func(e *Engine) { e.observer = o } }

// WithMetrics records frame counters
func WithMetrics(m *metrics.Metrics) Option { return func(e *Engine) { e.metrics = m } }

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option { return func(e *Engine) { e.logger = l } }

// WithClock overrides time.Now
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// New creates an engine that feeds peers and log
func New(cfg Config, peers *presence.Table, log *chatlog.Log, opts ...Option) *Engine {
	if cfg.Group == nil {
		cfg.Group = &net.UDPAddr{IP: net.ParseIP(protocol.MulticastGroup), Port: protocol.Port}
	}
	if cfg.BeaconInterval <= 0 {
		cfg.BeaconInterval = BeaconInterval
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = SweepInterval
	}
	if cfg.Profile == nil {
		cfg.Profile = func() protocol.Hello { return protocol.Hello{} }
	}
	e := &Engine{
		cfg:    cfg,
		peers:  peers,
		log:    log,
		open:   OpenMulticast,
		ready:  NetworkReady,
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Start joins the group and starts the beacon, receive and sweep loops.
// The loops stop when ctx ends or Stop is called.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.conn != nil {
		e.mu.Unlock()
		return ErrAlreadyStarted
	}
	conn, err := e.open(ctx, e.cfg.Group)
	if err != nil {
		e.mu.Unlock()
		return fmt.Errorf("open multicast %s: %w", e.cfg.Group, err)
	}
	ctx, cancel := context.WithCancel(ctx)
	e.conn = conn
	e.cancel = cancel
	e.wg.Add(3)
	e.mu.Unlock()

	go e.receiveLoop(ctx, conn)
	go e.beaconLoop(ctx)
	go e.sweepLoop(ctx)

	e.logger.Info("discovery_started",
		zap.String("group", e.cfg.Group.String()),
		zap.String("peer_id", e.cfg.SelfID))
	return nil
}

// Stop sends a best-effort GOODBYE, then leaves the group and waits for
// the loops to exit. Stopping a stopped engine does nothing.
func (e *Engine) Stop() {
	if err := e.Send(protocol.NewFrame(e.cfg.SelfID, protocol.Goodbye{})); err != nil {
		e.logger.Debug("goodbye_failed", zap.Error(err))
	}

	e.mu.Lock()
	conn, cancel := e.conn, e.cancel
	e.conn, e.cancel = nil, nil
	e.mu.Unlock()
	if conn == nil {
		return
	}
	cancel()
	conn.Close()
	e.wg.Wait()
	e.logger.Info("discovery_stopped")
}

// Running reports whether the engine has been started and not stopped
func (e *Engine) Running() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.conn != nil
}

// Reachable reports whether the network looks usable for sending
func (e *Engine) Reachable() bool {
	return e.ready()
}

// Send encodes f and writes one datagram to the group. A nil error only
// means the local socket accepted it.
func (e *Engine) Send(f protocol.Frame) error {
	data, err := protocol.Encode(f)
	if err != nil {
		return err
	}
	if err := e.write(data); err != nil {
		e.metrics.SendError()
		return err
	}
	e.metrics.FrameSent(string(f.Type))
	return nil
}

// SendRedundant sends f and schedules delayed copies to mask the loss of a
// single datagram; receivers drop the duplicates.
func (e *Engine) SendRedundant(f protocol.Frame) error {
	data, err := protocol.Encode(f)
	if err != nil {
		return err
	}
	if err := e.write(data); err != nil {
		e.metrics.SendError()
		return err
	}
	e.metrics.FrameSent(string(f.Type))
	for _, d := range ResendDelays {
		delay := d + rand.N(ResendJitter)
		time.AfterFunc(delay, func() {
			if err := e.write(data); err != nil && !errors.Is(err, ErrNotStarted) {
				e.logger.Debug("resend_failed", zap.String("type", string(f.Type)), zap.Error(err))
			}
		})
	}
	return nil
}

func (e *Engine) write(data []byte) error {
	e.mu.RLock()
	conn := e.conn
	e.mu.RUnlock()
	if conn == nil {
		return ErrNotStarted
	}
	if !e.ready() {
		return ErrUnreachable
	}
	if _, err := conn.WriteTo(data, e.cfg.Group); err != nil {
		return fmt.Errorf("write datagram: %w", err)
	}
	return nil
}

// receiveLoop reads datagrams until the socket is closed
func (e *Engine) receiveLoop(ctx context.Context, conn net.PacketConn) {
	defer e.wg.Done()

	buf := make([]byte, protocol.MaxDatagramBytes+1)
	for {
		// deadline lets the loop notice ctx even if Close is never called
		_ = conn.SetReadDeadline(time.Now().Add(time.Second))
		n, addr, err := conn.ReadFrom(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				if ctx.Err() != nil {
					return
				}
				continue
			}
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			e.logger.Warn("discovery_read_failed", zap.Error(err))
			continue
		}
		e.handle(buf[:n], addr)
	}
}

// handle decodes and routes one datagram. Bad input is dropped.
func (e *Engine) handle(raw []byte, addr net.Addr) {
	if len(raw) > protocol.MaxDatagramBytes {
		e.drop("oversized", addr, protocol.ErrFrameTooLarge)
		return
	}
	f, err := protocol.Decode(raw)
	if err != nil {
		e.drop(dropReason(err), addr, err)
		return
	}

	if f.SenderID == e.cfg.SelfID {
		if c, ok := f.Payload.(protocol.Chat); ok && e.observer != nil {
			e.observer.OnSendConfirmed(c.MessageID)
		}
		return
	}
	e.metrics.FrameReceived(string(f.Type))

	now := e.now()
	switch p := f.Payload.(type) {
	case protocol.Hello:
		e.peers.OnHello(f.SenderID, p, hostOf(addr), now)
		if e.observer != nil {
			e.observer.OnPeerHello(f.SenderID, p, hostOf(addr))
		}
	case protocol.Goodbye:
		e.peers.OnGoodbye(f.SenderID, now)
	case protocol.Typing:
		e.peers.OnTyping(f.SenderID, p.Typing, now)
	default:
		if _, err := e.log.Apply(f); err != nil {
			reason := "rejected"
			if errors.Is(err, chatlog.ErrDeferred) {
				reason = "deferred"
			}
			e.metrics.FrameDropped(reason)
			e.logger.Debug("frame_not_applied",
				zap.String("type", string(f.Type)),
				zap.String("sender_id", f.SenderID),
				zap.String("message_id", f.TargetID()),
				zap.Error(err))
		}
	}
}

func (e *Engine) drop(reason string, addr net.Addr, err error) {
	e.metrics.FrameDropped(reason)
	e.logger.Debug("frame_dropped",
		zap.String("reason", reason),
		zap.String("from", hostOf(addr)),
		zap.Error(err))
}

func dropReason(err error) string {
	switch {
	case errors.Is(err, protocol.ErrUnsupportedVersion):
		return "version"
	case errors.Is(err, protocol.ErrUnknownType):
		return "unknown_type"
	case errors.Is(err, protocol.ErrInvalid):
		return "invalid"
	default:
		return "malformed"
	}
}

func hostOf(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	if u, ok := addr.(*net.UDPAddr); ok {
		return u.IP.String()
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

// beaconLoop announces our presence immediately and then periodically
func (e *Engine) beaconLoop(ctx context.Context) {
	defer e.wg.Done()

	e.beacon()
	ticker := time.NewTicker(e.cfg.BeaconInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.beacon()
		}
	}
}

// Announce sends a HELLO now, e.g. after a profile change
func (e *Engine) Announce() {
	e.beacon()
}

func (e *Engine) beacon() {
	err := e.Send(protocol.NewFrame(e.cfg.SelfID, e.cfg.Profile()))
	if err != nil && !errors.Is(err, ErrNotStarted) {
		// offline beacons are expected; keep the log quiet
		e.logger.Debug("beacon_failed", zap.Error(err))
	}
}

// sweepLoop expires silent peers, stale typing flags and buffered ops
func (e *Engine) sweepLoop(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.sweep()
		}
	}
}

func (e *Engine) sweep() {
	for _, id := range e.peers.Sweep(e.now()) {
		e.logger.Info("peer_timed_out", zap.String("peer_id", id))
	}
	e.log.PruneBuffered()
	e.metrics.SetPeersOnline(e.peers.Count())
	e.metrics.SetMessages(e.log.Len())
}
