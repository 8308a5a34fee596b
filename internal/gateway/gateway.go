// Package gateway serves the token-authenticated local command API.
//
// The API only answers loopback clients. Every endpoint except the
// self-description, help and status requires the shared token in the
// X-API-Token header or the token query parameter.
package gateway

import (
	"context"
	"crypto/subtle"
	"errors"
	"io/fs"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/lanchat/lanchat/internal/attach"
	"github.com/lanchat/lanchat/internal/chatlog"
	"github.com/lanchat/lanchat/internal/events"
	"github.com/lanchat/lanchat/internal/metrics"
	"github.com/lanchat/lanchat/internal/presence"
	"github.com/lanchat/lanchat/internal/protocol"
	"github.com/lanchat/lanchat/internal/redact"
)

// AllowedOrigin is the only browser origin granted CORS access
const AllowedOrigin = "http://localhost"

// Status is the node state reported by GET /status
type Status struct {
	PeerID       string `json:"peer_id"`
	Name         string `json:"name"`
	AvatarRef    string `json:"avatar_ref,omitempty"`
	LocalIP      string `json:"local_ip,omitempty"`
	HTTPPort     int    `json:"http_port"`
	Running      bool   `json:"running"`
	NetworkReady bool   `json:"network_ready"`
	QueueSize    int    `json:"queue_size"`
	PeersOnline  int    `json:"peers_online"`
	Messages     int    `json:"messages"`
	BufferedOps  int    `json:"buffered_ops"`
}

// Service is the node surface the gateway drives
type Service interface {
	Status() Status
	Peers() []presence.Peer
	// Messages returns up to limit messages in chronological order, ending
	// just before the message with id before when it is set.
	Messages(limit int, before string) []chatlog.Message
	Pinned() (chatlog.Pin, bool)
	// Stats returns traffic samples newer than since (unix milliseconds)
	Stats(since int64) []metrics.Sample

	SendText(ctx context.Context, req protocol.SendRequest) (string, error)
	SendFile(ctx context.Context, path string) (string, error)
	Edit(ctx context.Context, id, text string) (int, error)
	Undo(ctx context.Context, id string) error
	Pin(ctx context.Context, id, preview string) (chatlog.Pin, error)
	Unpin(ctx context.Context, id string) error
	React(ctx context.Context, id, emoji string, add *bool) (bool, error)
	SetTyping(ctx context.Context, typing bool) error
}

// Subscriber is the event source of GET /events
type Subscriber interface {
	Subscribe(buffer int) (<-chan events.Event, func())
}

// Config controls the gateway
type Config struct {
	Enabled bool
	Token   string
	// Port is advertised in the self-description
	Port           int
	RequestTimeout time.Duration
	MaxBodyBytes   int64
	// RateLimit is requests per second across all API clients; 0 disables
	RateLimit float64
	RateBurst int
}

// Options carries optional collaborators
type Options struct {
	Events  Subscriber
	Metrics *metrics.Metrics
	Logger  *zap.Logger
}

// Gateway is the HTTP command API
type Gateway struct {
	svc     Service
	cfg     Config
	events  Subscriber
	metrics *metrics.Metrics
	log     *zap.Logger
	limiter *rate.Limiter
}

// New creates a gateway
func New(svc Service, cfg Config, opts Options) *Gateway {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 64 * 1024
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	g := &Gateway{
		svc:     svc,
		cfg:     cfg,
		events:  opts.Events,
		metrics: opts.Metrics,
		log:     log,
	}
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = int(cfg.RateLimit) + 1
		}
		g.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return g
}

// Register mounts the API under /api/v1 and the metrics exposition at /metrics
func (g *Gateway) Register(r *mux.Router) {
	api := r.PathPrefix(protocol.APIPrefix).Subrouter()
	api.Use(g.loopbackOnly, g.cors, g.rateLimit)

	api.HandleFunc("", g.handleDescribe).Methods(http.MethodGet)
	api.HandleFunc("/", g.handleDescribe).Methods(http.MethodGet)
	api.HandleFunc("/help", g.handleHelp).Methods(http.MethodGet)
	api.Handle("/status", g.bounded(http.HandlerFunc(g.handleStatus))).Methods(http.MethodGet)

	api.Handle("/peers", g.protected(g.handlePeers)).Methods(http.MethodGet)
	api.Handle("/messages", g.protected(g.handleMessages)).Methods(http.MethodGet)
	api.Handle("/stats", g.protected(g.handleStats)).Methods(http.MethodGet)
	api.Handle("/pin", g.protected(g.handleGetPin)).Methods(http.MethodGet)
	api.Handle("/pin", g.protected(g.handlePin)).Methods(http.MethodPost)
	api.Handle("/send", g.protected(g.handleSend)).Methods(http.MethodPost)
	api.Handle("/send/file", g.protected(g.handleSendFile)).Methods(http.MethodPost)
	api.Handle("/edit", g.protected(g.handleEdit)).Methods(http.MethodPost)
	api.Handle("/undo", g.protected(g.handleUndo)).Methods(http.MethodPost)
	api.Handle("/unpin", g.protected(g.handleUnpin)).Methods(http.MethodPost)
	api.Handle("/react", g.protected(g.handleReact)).Methods(http.MethodPost)
	api.Handle("/typing", g.protected(g.handleTyping)).Methods(http.MethodPost)
	// The event stream is long-lived and hijacks the connection, so it
	// bypasses the request timeout.
	api.Handle("/events", g.authenticated(http.HandlerFunc(g.handleEvents))).Methods(http.MethodGet)

	if g.metrics != nil {
		r.Handle("/metrics", g.loopbackOnly(g.metrics.Handler())).Methods(http.MethodGet)
	}

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	// Preflight requests never match a route method, so they land here.
	preflight := g.loopbackOnly(g.cors(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})))
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.Method == http.MethodOptions {
			preflight.ServeHTTP(w, req)
			return
		}
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})
}

// Handler returns a standalone router serving only the gateway
func (g *Gateway) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(g.Instrument)
	g.Register(r)
	return r
}

// protected wraps h with the token check and the request timeout
func (g *Gateway) protected(h http.HandlerFunc) http.Handler {
	return g.authenticated(g.bounded(h))
}

// bounded limits handler run time and request body size
func (g *Gateway) bounded(h http.Handler) http.Handler {
	limited := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, g.cfg.MaxBodyBytes)
		}
		h.ServeHTTP(w, r)
	})
	timeout := http.TimeoutHandler(limited, g.cfg.RequestTimeout, `{"ok":false,"error":"request timed out"}`)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		timeout.ServeHTTP(w, r)
	})
}

// authenticated rejects requests without a valid token before any handler
// touches node state.
func (g *Gateway) authenticated(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !g.cfg.Enabled {
			writeError(w, http.StatusNotFound, "API disabled")
			return
		}
		if !g.authorized(r) {
			g.log.Warn("api_unauthorized",
				zap.String("method", r.Method),
				zap.String("url", redact.URL(r.URL)),
				zap.String("remote", r.RemoteAddr),
			)
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (g *Gateway) authorized(r *http.Request) bool {
	token := r.Header.Get(protocol.TokenHeader)
	if token == "" {
		token = r.URL.Query().Get(protocol.TokenQueryParam)
	}
	if token == "" || g.cfg.Token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(g.cfg.Token)) == 1
}

func (g *Gateway) loopbackOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !isLoopback(r.RemoteAddr) {
			g.log.Warn("api_request_blocked",
				zap.String("reason", "not_loopback"),
				zap.String("remote", r.RemoteAddr),
				zap.String("path", r.URL.Path),
			)
			writeError(w, http.StatusForbidden, "forbidden")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (g *Gateway) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", AllowedOrigin)
		h.Set("Vary", "Origin")
		h.Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type, "+protocol.TokenHeader)
		next.ServeHTTP(w, r)
	})
}

func (g *Gateway) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if g.limiter != nil && !g.limiter.Allow() {
			g.log.Warn("api_rate_limited", zap.String("path", r.URL.Path))
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Instrument records request counts per route template and logs each
// request with credentials redacted. It is meant for the root router so
// attachment routes are counted too.
func (g *Gateway) Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		g.metrics.HTTPRequest(route, rec.status)
		g.log.Debug("http_request",
			zap.String("method", r.Method),
			zap.String("route", route),
			zap.String("url", redact.URL(r.URL)),
			zap.String("headers", redact.Headers(r.Header)),
			zap.Int("status", rec.status),
			zap.Duration("elapsed", time.Since(start)),
		)
	})
}

func isLoopback(remote string) bool {
	host, _, err := net.SplitHostPort(remote)
	if err != nil {
		host = remote
	}
	host = strings.TrimPrefix(strings.TrimSuffix(host, "]"), "[")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// statusFor maps core errors onto HTTP statuses
func statusFor(err error) int {
	var maxErr *http.MaxBytesError
	switch {
	case errors.As(err, &maxErr), errors.Is(err, attach.ErrTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, chatlog.ErrNotFound), errors.Is(err, fs.ErrNotExist):
		return http.StatusNotFound
	case errors.Is(err, chatlog.ErrNotAuthor):
		return http.StatusForbidden
	case errors.Is(err, chatlog.ErrStaleEdit), errors.Is(err, chatlog.ErrTombstoned):
		return http.StatusConflict
	case errors.Is(err, chatlog.ErrInvalid),
		errors.Is(err, protocol.ErrInvalid),
		errors.Is(err, protocol.ErrTextTooLong),
		errors.Is(err, protocol.ErrFrameTooLarge):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
