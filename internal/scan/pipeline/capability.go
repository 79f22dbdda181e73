package pipeline

import (
	"context"

	"github.com/banshee-data/quadtrack/internal/scan"
)

// Detector finds rectangles in a full frame.
type Detector interface {
	Detect(ctx context.Context, f scan.Frame) ([]scan.Observation, error)
}

// RegionDetector is optionally implemented by a Detector that can restrict
// its search to a normalized region of the frame. Returned observations are
// in full-frame normalized coordinates.
type RegionDetector interface {
	DetectRegion(ctx context.Context, f scan.Frame, region scan.Rect) ([]scan.Observation, error)
}

// TrackResult is the tracker's answer for one previous observation.
type TrackResult struct {
	Index       int              `json:"index"`
	Observation scan.Observation `json:"observation"`
	Confidence  float64          `json:"confidence"`
}

// Tracker advances a batch of previous observations against one frame. It
// returns one result per input observation.
type Tracker interface {
	Track(ctx context.Context, f scan.Frame, previous []scan.Observation) ([]TrackResult, error)
}

// DetectorFunc adapts a function to a Detector.
type DetectorFunc func(ctx context.Context, f scan.Frame) ([]scan.Observation, error)

// Detect calls fn(ctx, f).
func (fn DetectorFunc) Detect(ctx context.Context, f scan.Frame) ([]scan.Observation, error) {
	return fn(ctx, f)
}

// TrackerFunc adapts a function to a Tracker.
type TrackerFunc func(ctx context.Context, f scan.Frame, previous []scan.Observation) ([]TrackResult, error)

// Track calls fn(ctx, f, previous).
func (fn TrackerFunc) Track(ctx context.Context, f scan.Frame, previous []scan.Observation) ([]TrackResult, error) {
	return fn(ctx, f, previous)
}
