package scan

import (
	"time"

	"github.com/google/uuid"
)

// TrackedObservation is one observation emitted for a frame, tagged with
// the track that produced it.
type TrackedObservation struct {
	TrackID     uuid.UUID   `json:"track_id"`
	Observation Observation `json:"observation"`
	// Terminal is set on the final frame a track is emitted.
	Terminal bool `json:"terminal"`
	// Refined is set when a refinement pass replaced the tracker corners.
	Refined bool `json:"refined"`
}

// Result is the observation set a single frame turn emits, in track order.
type Result struct {
	FrameSeq     uint64               `json:"frame_seq"`
	Timestamp    time.Time            `json:"timestamp"`
	Orientation  Orientation          `json:"orientation"`
	Observations []TrackedObservation `json:"observations"`
}
