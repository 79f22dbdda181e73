package scan

import (
	"math"

	"gonum.org/v1/gonum/spatial/r2"
)

// Point is a planar point. Normalized camera points use a bottom-left
// origin with both axes in [0,1]; overlay points are screen units with a
// top-left origin.
type Point = r2.Vec

// Size is a width/height pair in pixels or screen units.
type Size struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Empty reports whether either dimension is non-positive or not finite.
func (s Size) Empty() bool {
	return !(s.Width > 0) || !(s.Height > 0) || math.IsInf(s.Width, 0) || math.IsInf(s.Height, 0)
}

// Center returns the midpoint of a size anchored at the origin.
func (s Size) Center() Point {
	return Point{X: s.Width / 2, Y: s.Height / 2}
}

// Rect is an axis-aligned box in normalized coordinates.
type Rect struct {
	MinX float64 `json:"min_x"`
	MinY float64 `json:"min_y"`
	MaxX float64 `json:"max_x"`
	MaxY float64 `json:"max_y"`
}

// Width of the box.
func (r Rect) Width() float64 { return r.MaxX - r.MinX }

// Height of the box.
func (r Rect) Height() float64 { return r.MaxY - r.MinY }

// Area of the box; degenerate boxes have zero area.
func (r Rect) Area() float64 {
	if r.MaxX <= r.MinX || r.MaxY <= r.MinY {
		return 0
	}
	return r.Width() * r.Height()
}

// Contains reports whether p lies inside the box, edges included.
func (r Rect) Contains(p Point) bool {
	return p.X >= r.MinX && p.X <= r.MaxX && p.Y >= r.MinY && p.Y <= r.MaxY
}

// Expand grows the box by margin (a fraction of the unit square) on every
// side and clamps the result to [0,1].
func (r Rect) Expand(margin float64) Rect {
	return Rect{
		MinX: clamp01(r.MinX - margin),
		MinY: clamp01(r.MinY - margin),
		MaxX: clamp01(r.MaxX + margin),
		MaxY: clamp01(r.MaxY + margin),
	}
}

// Intersect returns the overlap of two boxes (possibly degenerate).
func (r Rect) Intersect(o Rect) Rect {
	return Rect{
		MinX: math.Max(r.MinX, o.MinX),
		MinY: math.Max(r.MinY, o.MinY),
		MaxX: math.Min(r.MaxX, o.MaxX),
		MaxY: math.Min(r.MaxY, o.MaxY),
	}
}

// IoU is the intersection-over-union of two boxes in [0,1].
func (r Rect) IoU(o Rect) float64 {
	inter := r.Intersect(o).Area()
	if inter == 0 {
		return 0
	}
	union := r.Area() + o.Area() - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
