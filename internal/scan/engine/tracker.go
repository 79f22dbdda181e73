package engine

import (
	"context"
	"fmt"

	"github.com/banshee-data/quadtrack/internal/scan"
	"github.com/banshee-data/quadtrack/internal/scan/pipeline"
)

// Tracker follows observations by re-detecting inside each one's expanded
// bounds. Confidence is the candidate's score weighted by its overlap with
// the previous box, so a shape that vanishes reports zero and one that
// jumps reports little.
type Tracker struct {
	det    *Detector
	margin float64
}

// NewTracker wraps det. margin is the search expansion in normalized units.
func NewTracker(det *Detector, margin float64) (*Tracker, error) {
	if det == nil {
		return nil, fmt.Errorf("engine: tracker needs a detector")
	}
	if margin < 0 || margin > 0.5 {
		return nil, fmt.Errorf("engine: search margin %v outside [0,0.5]", margin)
	}
	return &Tracker{det: det, margin: margin}, nil
}

// Track implements pipeline.Tracker.
func (t *Tracker) Track(ctx context.Context, f scan.Frame, previous []scan.Observation) ([]pipeline.TrackResult, error) {
	out := make([]pipeline.TrackResult, 0, len(previous))
	for i, prev := range previous {
		box := prev.Bounds()
		cands, err := t.det.DetectRegion(ctx, f, box.Expand(t.margin))
		if err != nil {
			return nil, err
		}

		res := pipeline.TrackResult{Index: i, Observation: prev, Confidence: 0}
		var bestIoU float64
		for _, c := range cands {
			iou := box.IoU(c.Bounds())
			if iou > bestIoU {
				bestIoU = iou
				res.Observation = c
				res.Confidence = iou * c.Confidence
			}
		}
		res.Observation = res.Observation.WithConfidence(res.Confidence)
		out = append(out, res)
	}
	return out, nil
}
