package scan

import (
	"image"
	"time"
)

// Intrinsics is the optional camera calibration attached to a frame.
// The pipeline forwards it to engines untouched.
type Intrinsics struct {
	FocalX     float64 `json:"fx"`
	FocalY     float64 `json:"fy"`
	PrincipalX float64 `json:"cx"`
	PrincipalY float64 `json:"cy"`
}

// Frame is one captured image plus capture metadata. A frame is immutable
// once delivered and lives for exactly one pipeline turn.
type Frame struct {
	// Seq is the monotonic capture sequence number assigned by the source.
	Seq         uint64
	Image       image.Image
	Timestamp   time.Time
	Orientation Orientation
	Intrinsics  *Intrinsics
}

// Size returns the pixel dimensions of the frame image, or the zero size
// when the frame carries no image.
func (f Frame) Size() Size {
	if f.Image == nil {
		return Size{}
	}
	b := f.Image.Bounds()
	return Size{Width: float64(b.Dx()), Height: float64(b.Dy())}
}
