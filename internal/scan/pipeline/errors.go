package pipeline

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stage names used in errors and diagnostics.
const (
	StageDetect = "detect"
	StageTrack  = "track"
	StageRefine = "refine"
	StageEmit   = "emit"
	StageFrames = "frames"
)

var (
	// ErrResultCount means the tracker returned a different number of
	// results than observations it was given.
	ErrResultCount = errors.New("tracker result count mismatch")
	// ErrResultIndex means a tracker result pointed outside the request or
	// repeated an index.
	ErrResultIndex = errors.New("tracker result index invalid")
	// ErrCapabilityPanic wraps a panic recovered from a capability call.
	ErrCapabilityPanic = errors.New("capability panicked")
)

// FrameError is implemented by every per-frame failure.
type FrameError interface {
	error
	Stage() string
	Frame() (seq uint64, timestamp time.Time)
}

// DetectionError reports a detector failure for one frame. The controller
// stays in the state it was in.
type DetectionError struct {
	FrameSeq       uint64
	FrameTimestamp time.Time
	Err            error
}

func (e *DetectionError) Error() string {
	return fmt.Sprintf("detection failed for frame %d: %v", e.FrameSeq, e.Err)
}

func (e *DetectionError) Unwrap() error { return e.Err }

// Stage implements FrameError.
func (e *DetectionError) Stage() string { return StageDetect }

// Frame implements FrameError.
func (e *DetectionError) Frame() (uint64, time.Time) { return e.FrameSeq, e.FrameTimestamp }

// TrackingError reports a tracker failure for one frame. The track set is
// carried into the next frame unchanged.
type TrackingError struct {
	FrameSeq       uint64
	FrameTimestamp time.Time
	Err            error
}

func (e *TrackingError) Error() string {
	return fmt.Sprintf("tracking failed for frame %d: %v", e.FrameSeq, e.Err)
}

func (e *TrackingError) Unwrap() error { return e.Err }

// Stage implements FrameError.
func (e *TrackingError) Stage() string { return StageTrack }

// Frame implements FrameError.
func (e *TrackingError) Frame() (uint64, time.Time) { return e.FrameSeq, e.FrameTimestamp }

// RefinementError reports a failed refinement pass for one track. The
// tracker's observation is emitted instead.
type RefinementError struct {
	FrameSeq       uint64
	FrameTimestamp time.Time
	TrackID        uuid.UUID
	Err            error
}

func (e *RefinementError) Error() string {
	return fmt.Sprintf("refinement failed for track %s on frame %d: %v", e.TrackID, e.FrameSeq, e.Err)
}

func (e *RefinementError) Unwrap() error { return e.Err }

// Stage implements FrameError.
func (e *RefinementError) Stage() string { return StageRefine }

// Frame implements FrameError.
func (e *RefinementError) Frame() (uint64, time.Time) { return e.FrameSeq, e.FrameTimestamp }
