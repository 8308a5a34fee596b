package metrics

import (
	"sync"
	"time"
)

const (
	// MaxHistoryPoints is the number of samples kept
	MaxHistoryPoints = 120 // 2 minutes at 1 sample/second

	// SampleInterval is how often the node records a sample
	SampleInterval = time.Second
)

// Sample is one interval of room traffic
type Sample struct {
	Timestamp   int64  `json:"timestamp_ms"`
	FramesIn    uint64 `json:"frames_in"`
	FramesOut   uint64 `json:"frames_out"`
	QueueDepth  int    `json:"queue_depth"`
	PeersOnline int    `json:"peers_online"`
}

// History keeps the most recent traffic samples
type History struct {
	mu      sync.RWMutex
	samples []Sample
	lastIn  uint64
	lastOut uint64
	primed  bool
}

// NewHistory creates an empty history
func NewHistory() *History {
	return &History{samples: make([]Sample, 0, MaxHistoryPoints)}
}

// Record converts running frame totals into a per-interval sample. The
// first call only primes the totals.
func (h *History) Record(now time.Time, totalIn, totalOut uint64, queueDepth, peersOnline int) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.primed {
		h.lastIn, h.lastOut, h.primed = totalIn, totalOut, true
		return
	}
	h.samples = append(h.samples, Sample{
		Timestamp:   now.UnixMilli(),
		FramesIn:    totalIn - h.lastIn,
		FramesOut:   totalOut - h.lastOut,
		QueueDepth:  queueDepth,
		PeersOnline: peersOnline,
	})
	h.lastIn, h.lastOut = totalIn, totalOut

	if len(h.samples) > MaxHistoryPoints {
		excess := len(h.samples) - MaxHistoryPoints
		h.samples = append(h.samples[:0], h.samples[excess:]...)
	}
}

// Since returns samples newer than sinceMs; zero returns all of them
func (h *History) Since(sinceMs int64) []Sample {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var result []Sample
	for _, s := range h.samples {
		if s.Timestamp > sinceMs {
			result = append(result, s)
		}
	}
	return result
}

// Latest returns the most recent sample
func (h *History) Latest() (Sample, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.samples) == 0 {
		return Sample{}, false
	}
	return h.samples[len(h.samples)-1], true
}
