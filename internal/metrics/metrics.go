// Package metrics exposes node counters to Prometheus and keeps a short
// rolling history of room traffic for the status API.
package metrics

import (
	"net/http"
	"strconv"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "lanchat"

// Metrics holds the collectors of one node. A nil *Metrics is valid and
// records nothing, so components can be built without instrumentation.
type Metrics struct {
	registry *prometheus.Registry

	framesSent     *prometheus.CounterVec
	framesReceived *prometheus.CounterVec
	framesDropped  *prometheus.CounterVec
	sendErrors     prometheus.Counter
	deliveryFailed prometheus.Counter
	queueDepth     prometheus.Gauge
	peersOnline    prometheus.Gauge
	messages       prometheus.Gauge
	httpRequests   *prometheus.CounterVec
	bytesServed    prometheus.Counter

	totalIn  atomic.Uint64
	totalOut atomic.Uint64
}

// New registers the node collectors on a private registry
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		framesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "frames_sent_total",
			Help: "Datagrams written to the multicast group, by frame type.",
		}, []string{"type"}),
		framesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "frames_received_total",
			Help: "Valid frames received from other peers, by frame type.",
		}, []string{"type"}),
		framesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "frames_dropped_total",
			Help: "Received datagrams that were not applied, by reason.",
		}, []string{"reason"}),
		sendErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "send_errors_total",
			Help: "Datagram writes rejected by the local socket or network check.",
		}),
		deliveryFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "delivery_failed_total",
			Help: "Queued frames given up after the retry budget or queue overflow.",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "outbox_depth",
			Help: "Frames waiting in the offline queue.",
		}),
		peersOnline: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "peers_online",
			Help: "Peers currently considered online.",
		}),
		messages: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "log_messages",
			Help: "Records in the message log, tombstones included.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "http_requests_total",
			Help: "HTTP requests handled, by route and status code.",
		}, []string{"route", "code"}),
		bytesServed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "attachment_bytes_served_total",
			Help: "Bytes of attachment content written to peers.",
		}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.framesSent, m.framesReceived, m.framesDropped,
		m.sendErrors, m.deliveryFailed, m.queueDepth,
		m.peersOnline, m.messages, m.httpRequests, m.bytesServed,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) FrameSent(frameType string) {
	if m != nil {
		m.framesSent.WithLabelValues(frameType).Inc()
		m.totalOut.Add(1)
	}
}

func (m *Metrics) FrameReceived(frameType string) {
	if m != nil {
		m.framesReceived.WithLabelValues(frameType).Inc()
		m.totalIn.Add(1)
	}
}

func (m *Metrics) FrameDropped(reason string) {
	if m != nil {
		m.framesDropped.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) SendError() {
	if m != nil {
		m.sendErrors.Inc()
	}
}

func (m *Metrics) DeliveryFailed() {
	if m != nil {
		m.deliveryFailed.Inc()
	}
}

func (m *Metrics) SetQueueDepth(n int) {
	if m != nil {
		m.queueDepth.Set(float64(n))
	}
}

func (m *Metrics) SetPeersOnline(n int) {
	if m != nil {
		m.peersOnline.Set(float64(n))
	}
}

func (m *Metrics) SetMessages(n int) {
	if m != nil {
		m.messages.Set(float64(n))
	}
}

func (m *Metrics) HTTPRequest(route string, code int) {
	if m != nil {
		m.httpRequests.WithLabelValues(route, strconv.Itoa(code)).Inc()
	}
}

func (m *Metrics) BytesServed(n int64) {
	if m != nil && n > 0 {
		m.bytesServed.Add(float64(n))
	}
}

// Totals returns the frames received and sent since start
func (m *Metrics) Totals() (in, out uint64) {
	if m == nil {
		return 0, 0
	}
	return m.totalIn.Load(), m.totalOut.Load()
}
