package scan

import (
	"fmt"
	"strings"
)

// Orientation is the physical device orientation at capture time.
type Orientation int

const (
	// OrientationUpright is the default; unknown and face-up/face-down
	// readings map here too.
	OrientationUpright Orientation = iota
	OrientationUpsideDown
	OrientationRotatedLeft
	OrientationRotatedRight
)

func (o Orientation) String() string {
	switch o {
	case OrientationUpsideDown:
		return "upside-down"
	case OrientationRotatedLeft:
		return "rotated-left"
	case OrientationRotatedRight:
		return "rotated-right"
	default:
		return "upright"
	}
}

// Rotated reports whether the orientation swaps the preview axes.
func (o Orientation) Rotated() bool {
	return o == OrientationRotatedLeft || o == OrientationRotatedRight
}

// ParseOrientation accepts the names produced by String plus a few aliases
// ("portrait", "landscape-left", ...).
func ParseOrientation(s string) (Orientation, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "upright", "portrait":
		return OrientationUpright, nil
	case "upside-down", "upsidedown", "portrait-upside-down":
		return OrientationUpsideDown, nil
	case "rotated-left", "left", "landscape-left":
		return OrientationRotatedLeft, nil
	case "rotated-right", "right", "landscape-right":
		return OrientationRotatedRight, nil
	}
	return OrientationUpright, fmt.Errorf("unknown orientation %q", s)
}
