package tracks

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/banshee-data/quadtrack/internal/scan"
)

var (
	// ErrIncompleteUpdate means an active track had no update this frame.
	ErrIncompleteUpdate = errors.New("tracker update missing for active track")
	// ErrUnknownTrack means an update referenced a track not in the set,
	// typically a stale completion from an earlier frame.
	ErrUnknownTrack = errors.New("update references unknown track")
)

// Track is one tracked rectangle. Tracks are values; every frame produces
// new values rather than editing old ones.
type Track struct {
	ID          uuid.UUID
	Observation scan.Observation
	// Confidence is the last tracker-reported confidence (1.0 when seeded).
	Confidence float64
	// Terminal marks a track that is emitted one final time and then
	// dropped before the next frame.
	Terminal bool
	// Age counts tracker updates applied since seeding.
	Age int
}

func (t Track) String() string {
	state := "active"
	if t.Terminal {
		state = "terminal"
	}
	return fmt.Sprintf("track %s (%s, conf=%.2f, age=%d)", shortID(t.ID), state, t.Confidence, t.Age)
}

// Update is the tracker's result for one active track.
type Update struct {
	TrackID     uuid.UUID
	Observation scan.Observation
	Confidence  float64
}

func shortID(id uuid.UUID) string {
	return id.String()[:8]
}
