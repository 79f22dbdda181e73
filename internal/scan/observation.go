package scan

import (
	"fmt"
	"math"
)

// Observation is one rectangle reported by the detector or tracker: four
// corners in normalized camera space (bottom-left origin, independent of
// device orientation) plus a confidence in [0,1]. Observations are values
// and are never mutated after they are produced.
type Observation struct {
	BottomLeft  Point   `json:"bottom_left"`
	BottomRight Point   `json:"bottom_right"`
	TopRight    Point   `json:"top_right"`
	TopLeft     Point   `json:"top_left"`
	Confidence  float64 `json:"confidence"`
}

// Corners returns the corners in emission order: BL, BR, TR, TL.
func (o Observation) Corners() [4]Point {
	return [4]Point{o.BottomLeft, o.BottomRight, o.TopRight, o.TopLeft}
}

// Bounds is the axis-aligned box enclosing the four corners.
func (o Observation) Bounds() Rect {
	c := o.Corners()
	r := Rect{MinX: c[0].X, MinY: c[0].Y, MaxX: c[0].X, MaxY: c[0].Y}
	for _, p := range c[1:] {
		r.MinX = math.Min(r.MinX, p.X)
		r.MinY = math.Min(r.MinY, p.Y)
		r.MaxX = math.Max(r.MaxX, p.X)
		r.MaxY = math.Max(r.MaxY, p.Y)
	}
	return r
}

// WithConfidence returns a copy carrying a different confidence.
func (o Observation) WithConfidence(c float64) Observation {
	o.Confidence = c
	return o
}

// Validate checks corner and confidence ranges. Engines are external, so the
// pipeline validates everything it receives before it reaches a track.
func (o Observation) Validate() error {
	if math.IsNaN(o.Confidence) || o.Confidence < 0 || o.Confidence > 1 {
		return fmt.Errorf("confidence %v outside [0,1]", o.Confidence)
	}
	names := [4]string{"bottom-left", "bottom-right", "top-right", "top-left"}
	for i, p := range o.Corners() {
		if math.IsNaN(p.X) || math.IsNaN(p.Y) || p.X < 0 || p.X > 1 || p.Y < 0 || p.Y > 1 {
			return fmt.Errorf("%s corner (%v, %v) outside unit square", names[i], p.X, p.Y)
		}
	}
	return nil
}

// ObservationFromRect builds an axis-aligned observation from a box.
func ObservationFromRect(r Rect, confidence float64) Observation {
	return Observation{
		BottomLeft:  Point{X: r.MinX, Y: r.MinY},
		BottomRight: Point{X: r.MaxX, Y: r.MinY},
		TopRight:    Point{X: r.MaxX, Y: r.MaxY},
		TopLeft:     Point{X: r.MinX, Y: r.MaxY},
		Confidence:  confidence,
	}
}
