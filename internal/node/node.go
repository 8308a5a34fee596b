// Package node wires the chat core together: persistence, the message log,
// presence, the multicast engine, the offline queue, the attachment server
// and the command gateway.
package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/lanchat/lanchat/internal/attach"
	"github.com/lanchat/lanchat/internal/chatlog"
	"github.com/lanchat/lanchat/internal/config"
	"github.com/lanchat/lanchat/internal/discovery"
	"github.com/lanchat/lanchat/internal/events"
	"github.com/lanchat/lanchat/internal/gateway"
	"github.com/lanchat/lanchat/internal/metrics"
	"github.com/lanchat/lanchat/internal/outbox"
	"github.com/lanchat/lanchat/internal/presence"
	"github.com/lanchat/lanchat/internal/protocol"
	"github.com/lanchat/lanchat/internal/redact"
	"github.com/lanchat/lanchat/internal/retention"
	"github.com/lanchat/lanchat/internal/store"
)

// Options configures a Node. Config, Paths and PeerID are required.
type Options struct {
	Config *config.Config
	Paths  *config.Paths
	PeerID string

	Logger *zap.Logger
	// Debug receives best-effort diagnostics
	Debug *zap.Logger

	// Opener replaces the multicast socket
	Opener discovery.Opener
	// Ready replaces the network readiness check
	Ready func() bool
	// Listener replaces HTTP port selection
	Listener net.Listener
	// AdvertiseIP is the host put into attachment URLs; empty uses the
	// first non-loopback IPv4 address
	AdvertiseIP string
	// HTTPClient is used to fetch peers' avatars; nil selects the fetcher default
	HTTPClient *http.Client
}

// Node is one chat participant
type Node struct {
	cfg   *config.Config
	paths *config.Paths
	id    string
	log   *zap.Logger
	debug *zap.Logger

	bus       *events.Bus
	metrics   *metrics.Metrics
	history   *metrics.History
	db        *store.DB
	peers     *presence.Table
	chat      *chatlog.Log
	engine    *discovery.Engine
	outbox    *outbox.Manager
	files     *attach.Store
	fetcher   *attach.Fetcher
	gateway   *gateway.Gateway
	retention *retention.Scheduler
	typing    *rate.Limiter

	listener    net.Listener
	httpPort    int
	advertiseIP string
	avatarRef   string

	mu       sync.Mutex
	runCtx   context.Context
	fetching map[string]bool
	closed   bool
}

// New opens the node's state and builds every component. Nothing touches
// the network until Run.
func New(opts Options) (*Node, error) {
	if opts.Config == nil || opts.Paths == nil || opts.PeerID == "" {
		return nil, errors.New("node: config, paths and peer id are required")
	}
	cfg := opts.Config
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	debug := opts.Debug
	if debug == nil {
		debug = zap.NewNop()
	}
	log = log.With(zap.String("peer_id", opts.PeerID))

	n := &Node{
		cfg:         cfg,
		paths:       opts.Paths,
		id:          opts.PeerID,
		log:         log,
		debug:       debug,
		bus:         events.NewBus(),
		metrics:     metrics.New(),
		history:     metrics.NewHistory(),
		advertiseIP: opts.AdvertiseIP,
		runCtx:      context.Background(),
		fetching:    make(map[string]bool),
	}

	db, err := store.OpenOrMem(opts.Paths.DBDir, log)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	n.db = db

	n.chat = chatlog.New(chatlog.Options{
		DedupCapacity: cfg.History.DedupCapacity,
		DedupTTL:      cfg.History.DedupTTL,
		Store:         db,
		Publisher:     n.bus,
		Logger:        log,
	})
	if err := n.chat.Load(); err != nil {
		log.Warn("history_load_failed", zap.Error(err))
	}

	n.peers = presence.NewTable(cfg.Network.LivenessTimeout, cfg.Network.TypingTTL, n.bus)

	files, err := attach.NewStore(opts.Paths.FilesDir, log)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("open content store: %w", err)
	}
	n.files = files
	n.fetcher = attach.NewFetcher(opts.HTTPClient, log)
	if cfg.AvatarPath != "" {
		if obj, err := files.Ingest(cfg.AvatarPath); err != nil {
			log.Warn("avatar_ingest_failed", zap.String("path", redact.Path(cfg.AvatarPath)), zap.Error(err))
		} else {
			n.avatarRef = obj.Ref
		}
	}

	engineOpts := []discovery.Option{
		discovery.WithObserver(n),
		discovery.WithMetrics(n.metrics),
		discovery.WithLogger(log),
	}
	if opts.Opener != nil {
		engineOpts = append(engineOpts, discovery.WithOpener(opts.Opener))
	}
	if opts.Ready != nil {
		engineOpts = append(engineOpts, discovery.WithReady(opts.Ready))
	}
	n.engine = discovery.New(discovery.Config{
		SelfID:         n.id,
		Profile:        n.profile,
		Group:          &net.UDPAddr{IP: net.ParseIP(cfg.Network.Group), Port: cfg.Network.Port},
		BeaconInterval: cfg.Network.BeaconInterval,
		SweepInterval:  cfg.Network.SweepInterval,
	}, n.peers, n.chat, engineOpts...)

	n.outbox = outbox.New(outbox.SenderFunc(n.engine.SendRedundant), outbox.Config{
		Limit:       cfg.Outbox.Limit,
		MaxAttempts: cfg.Outbox.MaxAttempts,
		BaseBackoff: cfg.Outbox.BaseBackoff,
		MaxBackoff:  cfg.Outbox.MaxBackoff,
	},
		outbox.WithStore(db),
		outbox.WithReady(func() bool { return n.engine.Running() && n.engine.Reachable() }),
		outbox.WithPublisher(n.bus),
		outbox.WithMetrics(n.metrics),
		outbox.WithLogger(log),
	)
	if err := n.outbox.Load(); err != nil {
		log.Warn("outbox_load_failed", zap.Error(err))
	}

	throttle := cfg.Network.TypingThrottle
	if throttle <= 0 {
		throttle = 500 * time.Millisecond
	}
	n.typing = rate.NewLimiter(rate.Every(throttle), 1)

	n.retention, err = retention.New(cfg.History.RetentionCron, cfg.History.MaxMessages, n.chat, log)
	if err != nil {
		n.db.Close()
		return nil, err
	}

	n.listener = opts.Listener
	if n.listener == nil {
		n.listener, err = listen(cfg.HTTP)
		if err != nil {
			log.Warn("http_listen_failed", zap.Error(err))
		}
	}
	if n.listener != nil {
		if addr, ok := n.listener.Addr().(*net.TCPAddr); ok {
			n.httpPort = addr.Port
		}
	}

	n.gateway = gateway.New(n, gateway.Config{
		Enabled:        cfg.API.Enabled,
		Token:          cfg.API.Token,
		Port:           n.httpPort,
		RequestTimeout: cfg.API.RequestTimeout,
		MaxBodyBytes:   cfg.API.MaxBodyBytes,
		RateLimit:      cfg.API.RateLimit,
		RateBurst:      cfg.API.RateBurst,
	}, gateway.Options{Events: n.bus, Metrics: n.metrics, Logger: log})

	log.Info("node_ready",
		zap.String("name", cfg.Name),
		zap.Int("http_port", n.httpPort),
		zap.Bool("store_in_memory", db.InMemory()),
		zap.String("data_dir", redact.Path(opts.Paths.DataDir)),
		zap.Int("messages", n.chat.Len()),
		zap.Int("queued", n.outbox.Size()),
	)
	return n, nil
}

// Router returns the HTTP routes: attachments for peers, and the
// loopback-only command API and metrics.
func (n *Node) Router() http.Handler {
	r := mux.NewRouter()
	r.Use(n.gateway.Instrument)
	attach.NewServer(n.files, attach.ServerOptions{
		Avatar:  func() string { return n.avatarRef },
		Logger:  n.log,
		Debug:   n.debug,
		Metrics: n.metrics,
	}).Register(r)
	n.gateway.Register(r)
	return r
}

// Run starts the engine and every background loop and blocks until ctx is
// cancelled or a component fails. The engine says GOODBYE on the way out.
func (n *Node) Run(ctx context.Context) error {
	n.mu.Lock()
	n.runCtx = ctx
	n.mu.Unlock()

	if err := n.engine.Start(ctx); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return n.outbox.Run(ctx) })
	g.Go(func() error { return n.retention.Run(ctx) })
	g.Go(func() error { return n.sample(ctx) })
	if n.listener != nil {
		srv := &http.Server{
			Handler:           n.Router(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			n.log.Info("http_listening", zap.String("addr", n.listener.Addr().String()))
			if err := srv.Serve(n.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
				// The chat core keeps running without attachments or the API.
				n.log.Error("http_serve_failed", zap.Error(err))
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}
	g.Go(func() error {
		<-ctx.Done()
		n.engine.Stop()
		return nil
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return err
}

// sample records one traffic sample per interval and refreshes the gauges
func (n *Node) sample(ctx context.Context) error {
	ticker := time.NewTicker(metrics.SampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			in, out := n.metrics.Totals()
			n.history.Record(now, in, out, n.outbox.Size(), n.peers.Count())
			n.metrics.SetMessages(n.chat.Len())
			n.metrics.SetPeersOnline(n.peers.Count())
			n.metrics.SetQueueDepth(n.outbox.Size())
		}
	}
}

// Close releases the store. Call it after Run returns.
func (n *Node) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	n.mu.Unlock()
	if n.listener != nil {
		_ = n.listener.Close()
	}
	return n.db.Close()
}

// ID returns the local peer id
func (n *Node) ID() string { return n.id }

// HTTPPort returns the attachment/API port, 0 when serving is disabled
func (n *Node) HTTPPort() int { return n.httpPort }

// Events exposes the event bus for presentation layers
func (n *Node) Events() *events.Bus { return n.bus }

// Files exposes the content store
func (n *Node) Files() *attach.Store { return n.files }

// Fetcher exposes the attachment downloader
func (n *Node) Fetcher() *attach.Fetcher { return n.fetcher }

func (n *Node) profile() protocol.Hello {
	return protocol.Hello{Name: n.cfg.Name, AvatarRef: n.avatarRef, HTTPPort: n.httpPort}
}

func (n *Node) host() string {
	if n.advertiseIP != "" {
		return n.advertiseIP
	}
	ip, err := discovery.LocalIPv4()
	if err != nil {
		return "127.0.0.1"
	}
	return ip.String()
}
