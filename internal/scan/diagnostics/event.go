package diagnostics

import (
	"fmt"
	"log"
	"sync"
	"time"
)

// Kind classifies an Event.
type Kind string

const (
	KindError        Kind = "error"
	KindTransition   Kind = "transition"
	KindSeeded       Kind = "seeded"
	KindTerminal     Kind = "terminal"
	KindDropped      Kind = "dropped"
	KindStale        Kind = "stale"
	KindFrameDropped Kind = "frame_dropped"
	KindInvalid      Kind = "invalid"
)

// Event is one structured diagnostic record.
type Event struct {
	Time           time.Time `json:"time"`
	FrameSeq       uint64    `json:"frame_seq"`
	FrameTimestamp time.Time `json:"frame_timestamp"`
	Stage          string    `json:"stage"`
	Kind           Kind      `json:"kind"`
	TrackID        string    `json:"track_id,omitempty"`
	Message        string    `json:"message"`
}

func (e Event) String() string {
	s := fmt.Sprintf("frame %d %s/%s", e.FrameSeq, e.Stage, e.Kind)
	if e.TrackID != "" {
		s += " track " + e.TrackID
	}
	if e.Message != "" {
		s += ": " + e.Message
	}
	return s
}

// Sink accepts diagnostic events. Implementations must not block.
type Sink interface {
	Report(Event)
}

// SinkFunc adapts a function to a Sink.
type SinkFunc func(Event)

// Report calls f(e).
func (f SinkFunc) Report(e Event) { f(e) }

// Discard drops every event.
var Discard Sink = SinkFunc(func(Event) {})

// Fanout reports each event to every non-nil sink in order.
type Fanout []Sink

// Report implements Sink.
func (f Fanout) Report(e Event) {
	for _, s := range f {
		if s != nil {
			s.Report(e)
		}
	}
}

// LogSink writes events as single log lines. Errors always log; other
// kinds log only when Verbose is set.
type LogSink struct {
	Logf    func(format string, v ...interface{})
	Verbose bool
}

// NewLogSink returns a LogSink writing to the standard logger.
func NewLogSink(verbose bool) *LogSink {
	return &LogSink{Logf: log.Printf, Verbose: verbose}
}

// Report implements Sink.
func (l *LogSink) Report(e Event) {
	if l == nil || l.Logf == nil {
		return
	}
	if e.Kind != KindError && !l.Verbose {
		return
	}
	l.Logf("[diagnostics] %s", e)
}

// Recorder keeps every event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Report implements Sink.
func (r *Recorder) Report(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

// Events returns a copy of the recorded events in arrival order.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Filter returns the recorded events of one kind.
func (r *Recorder) Filter(kind Kind) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

// Reset clears the recorder.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}
