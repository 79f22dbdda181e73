// Package monitor exposes a running pipeline to people: a ring of recent
// frame turns, an HTTP status and chart server, and PNG plots written at
// the end of a run.
package monitor

import (
	"log"
	"sync"
	"time"

	"github.com/banshee-data/quadtrack/internal/scan"
	"github.com/banshee-data/quadtrack/internal/scan/overlay"
	"github.com/banshee-data/quadtrack/internal/scan/pipeline"
)

// Logf is the package logger. It defaults to log.Printf.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces the package logger; nil mutes it.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// TrackSample is one track as emitted on one frame.
type TrackSample struct {
	TrackID    string  `json:"track_id"`
	Confidence float64 `json:"confidence"`
	Terminal   bool    `json:"terminal"`
	Refined    bool    `json:"refined"`
	// Polygon is the drawn outline in overlay coordinates.
	Polygon []scan.Point `json:"polygon"`
}

// Turn summarises one frame turn.
type Turn struct {
	FrameSeq  uint64        `json:"frame_seq"`
	Timestamp time.Time     `json:"timestamp"`
	State     string        `json:"state"`
	Tracks    []TrackSample `json:"tracks"`
	Dropped   int           `json:"dropped"`
	Errors    []string      `json:"errors,omitempty"`
}

// History keeps the most recent turns in a fixed ring. It implements
// pipeline.Observer.
type History struct {
	mu        sync.RWMutex
	ring      []Turn
	next      int
	full      bool
	total     uint64
	lastBatch overlay.Batch
}

// NewHistory returns a ring holding capacity turns (at least one).
func NewHistory(capacity int) *History {
	if capacity < 1 {
		capacity = 1
	}
	return &History{ring: make([]Turn, capacity)}
}

var _ pipeline.Observer = (*History)(nil)

// ObserveTurn records out. Batch paths line up with out.Observations.
func (h *History) ObserveTurn(out pipeline.Output, b overlay.Batch) {
	t := Turn{
		FrameSeq:  out.FrameSeq,
		Timestamp: out.Timestamp,
		State:     out.State.String(),
		Tracks:    make([]TrackSample, 0, len(out.Observations)),
		Dropped:   len(out.Dropped),
	}
	for i, o := range out.Observations {
		s := TrackSample{
			TrackID:    o.TrackID.String(),
			Confidence: o.Observation.Confidence,
			Terminal:   o.Terminal,
			Refined:    o.Refined,
		}
		if i < len(b.Paths) {
			s.Polygon = b.Paths[i].Polygon()
		}
		t.Tracks = append(t.Tracks, s)
	}
	for _, err := range out.Errors {
		t.Errors = append(t.Errors, err.Error())
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.ring[h.next] = t
	h.next = (h.next + 1) % len(h.ring)
	if h.next == 0 {
		h.full = true
	}
	h.total++
	h.lastBatch = b
}

// Turns returns the retained turns, oldest first.
func (h *History) Turns() []Turn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if !h.full {
		return append([]Turn(nil), h.ring[:h.next]...)
	}
	out := make([]Turn, 0, len(h.ring))
	out = append(out, h.ring[h.next:]...)
	return append(out, h.ring[:h.next]...)
}

// Last returns the newest turn.
func (h *History) Last() (Turn, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.total == 0 {
		return Turn{}, false
	}
	i := (h.next - 1 + len(h.ring)) % len(h.ring)
	return h.ring[i], true
}

// LastBatch returns the batch drawn on the newest turn.
func (h *History) LastBatch() overlay.Batch {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.lastBatch
}

// Total counts every turn observed, including those evicted.
func (h *History) Total() uint64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.total
}

// SeriesPoint is one confidence sample of a track.
type SeriesPoint struct {
	FrameSeq   uint64
	Confidence float64
}

// Series returns per-track confidence samples over the retained turns, plus
// the track IDs in order of first appearance.
func (h *History) Series() (map[string][]SeriesPoint, []string) {
	series := make(map[string][]SeriesPoint)
	var order []string
	for _, t := range h.Turns() {
		for _, s := range t.Tracks {
			if _, seen := series[s.TrackID]; !seen {
				order = append(order, s.TrackID)
			}
			series[s.TrackID] = append(series[s.TrackID], SeriesPoint{FrameSeq: t.FrameSeq, Confidence: s.Confidence})
		}
	}
	return series, order
}
