package geometry

import (
	"fmt"
	"math"
	"sync"

	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/quadtrack/internal/scan"
)

// Params are the orientation-dependent layer parameters: a rotation in
// degrees and an anisotropic scale applied before it.
type Params struct {
	RotationDeg float64 `json:"rotation_deg"`
	ScaleX      float64 `json:"scale_x"`
	ScaleY      float64 `json:"scale_y"`
}

// ParamsFor evaluates the orientation table for a capture resolution and
// the preview rectangle size.
func ParamsFor(o scan.Orientation, capture, preview scan.Size) Params {
	switch o {
	case scan.OrientationUpsideDown:
		return Params{RotationDeg: 180, ScaleX: preview.Width / capture.Width, ScaleY: preview.Height / capture.Height}
	case scan.OrientationRotatedLeft:
		s := preview.Height / capture.Width
		return Params{RotationDeg: 90, ScaleX: s, ScaleY: s}
	case scan.OrientationRotatedRight:
		s := preview.Height / capture.Width
		return Params{RotationDeg: -90, ScaleX: s, ScaleY: s}
	default:
		return Params{RotationDeg: 0, ScaleX: preview.Width / capture.Width, ScaleY: preview.Height / capture.Height}
	}
}

// AspectFillPreview returns the size of the rectangle the video occupies
// when a capture of the given resolution is aspect-filled into viewport.
// Rotated orientations present the capture with its axes swapped. The
// result may overflow the viewport on one axis; the overflow is what the
// letterbox removal crops away.
func AspectFillPreview(viewport, capture scan.Size, o scan.Orientation) scan.Size {
	shown := capture
	if o.Rotated() {
		shown = scan.Size{Width: capture.Height, Height: capture.Width}
	}
	k := math.Max(viewport.Width/shown.Width, viewport.Height/shown.Height)
	return scan.Size{Width: shown.Width * k, Height: shown.Height * k}
}

// Transform is the cached camera → overlay mapping for one session. The
// capture resolution is fixed at construction; orientation, viewport and
// preview may change and trigger a rebuild. Safe for concurrent use.
type Transform struct {
	mu sync.RWMutex

	capture     scan.Size
	viewport    scan.Size
	preview     scan.Size
	previewSet  bool
	orientation scan.Orientation

	params  Params
	forward [9]float64
	inverse [9]float64
	builds  uint64
}

// New validates the setup geometry and builds the upright transform.
func New(capture, viewport scan.Size) (*Transform, error) {
	if capture.Empty() {
		return nil, &ConfigurationError{Field: "capture", Err: ErrEmptyCapture}
	}
	if viewport.Empty() {
		return nil, &ConfigurationError{Field: "viewport", Err: ErrEmptyViewport}
	}
	t := &Transform{capture: capture}
	if err := t.rebuild(scan.OrientationUpright, viewport, scan.Size{}, false); err != nil {
		return nil, err
	}
	return t, nil
}

// SetPreview pins the preview rectangle size instead of deriving it from
// the viewport by aspect-fill. It rebuilds when the value changes. On error
// the previous preview and matrices stay in place.
func (t *Transform) SetPreview(preview scan.Size) (bool, error) {
	if preview.Empty() {
		return false, &ConfigurationError{Field: "preview", Err: fmt.Errorf("preview %vx%v is empty", preview.Width, preview.Height)}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.previewSet && t.preview == preview {
		return false, nil
	}
	if err := t.rebuild(t.orientation, t.viewport, preview, true); err != nil {
		return false, err
	}
	return true, nil
}

// SetOrientation updates the device orientation, rebuilding on change. It
// reports false and keeps the previous transform if the rebuilt matrix
// would be singular.
func (t *Transform) SetOrientation(o scan.Orientation) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if o == t.orientation {
		return false
	}
	return t.rebuild(o, t.viewport, t.preview, t.previewSet) == nil
}

// Resize updates the viewport, rebuilding on change.
func (t *Transform) Resize(viewport scan.Size) (bool, error) {
	if viewport.Empty() {
		return false, &ConfigurationError{Field: "viewport", Err: ErrEmptyViewport}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if viewport == t.viewport {
		return false, nil
	}
	if err := t.rebuild(t.orientation, viewport, t.preview, t.previewSet); err != nil {
		return false, err
	}
	return true, nil
}

// Update applies the per-frame orientation and the current viewport in one
// step and reports whether the cached matrices were rebuilt. It is the
// entry point the emitter uses on every frame. On error nothing changes.
func (t *Transform) Update(o scan.Orientation, viewport scan.Size) (bool, error) {
	if viewport.Empty() {
		return false, &ConfigurationError{Field: "viewport", Err: ErrEmptyViewport}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if o == t.orientation && viewport == t.viewport {
		return false, nil
	}
	if err := t.rebuild(o, viewport, t.preview, t.previewSet); err != nil {
		return false, err
	}
	return true, nil
}

// Orientation returns the orientation the cached transform was built for.
func (t *Transform) Orientation() scan.Orientation {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.orientation
}

// Params returns the cached layer parameters.
func (t *Transform) Params() Params {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.params
}

// Matrix returns the cached row-major 3×3 forward matrix.
func (t *Transform) Matrix() [9]float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.forward
}

// Builds counts how many times the matrices were recomputed.
func (t *Transform) Builds() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.builds
}

// Capture returns the fixed capture resolution.
func (t *Transform) Capture() scan.Size { return t.capture }

// Viewport returns the current viewport size.
func (t *Transform) Viewport() scan.Size {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.viewport
}

// Preview returns the preview rectangle size in use.
func (t *Transform) Preview() scan.Size {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.preview
}

// ToResolution applies step 1 only: normalized bottom-left → capture pixels
// with a top-left origin.
func (t *Transform) ToResolution(p scan.Point) scan.Point {
	return scan.Point{X: p.X * t.capture.Width, Y: (1 - p.Y) * t.capture.Height}
}

// Forward maps a normalized camera point into overlay space.
func (t *Transform) Forward(p scan.Point) scan.Point {
	t.mu.RLock()
	m := t.forward
	t.mu.RUnlock()
	return apply(m, p)
}

// Inverse maps an overlay point back to normalized camera space.
func (t *Transform) Inverse(q scan.Point) scan.Point {
	t.mu.RLock()
	m := t.inverse
	t.mu.RUnlock()
	return apply(m, q)
}

// rebuild computes params and both matrices for the given geometry and
// commits all of it only if the forward matrix is invertible. Callers
// hold mu.
func (t *Transform) rebuild(o scan.Orientation, viewport, preview scan.Size, pinned bool) error {
	if !pinned {
		preview = AspectFillPreview(viewport, t.capture, o)
	}
	params := ParamsFor(o, t.capture, preview)

	w, h := t.capture.Width, t.capture.Height
	// flip Y then scale by resolution: (x, y) → (x·W, H − y·H)
	flipScale := mat.NewDense(3, 3, []float64{
		w, 0, 0,
		0, -h, h,
		0, 0, 1,
	})
	toLayer := translation(-w/2, -h/2)
	scale := mat.NewDense(3, 3, []float64{
		params.ScaleX, 0, 0,
		0, params.ScaleY, 0,
		0, 0, 1,
	})
	c, s := cosSin(params.RotationDeg)
	rot := mat.NewDense(3, 3, []float64{
		c, -s, 0,
		s, c, 0,
		0, 0, 1,
	})
	vc := viewport.Center()
	toView := translation(vc.X, vc.Y)

	var layer, centred, resolution, m mat.Dense
	layer.Mul(rot, scale)
	centred.Mul(toView, &layer)
	resolution.Mul(&centred, toLayer)
	m.Mul(&resolution, flipScale)

	var inv mat.Dense
	if err := inv.Inverse(&m); err != nil {
		return &ConfigurationError{Field: "transform", Err: fmt.Errorf("singular overlay transform: %w", err)}
	}
	t.orientation, t.viewport = o, viewport
	t.preview, t.previewSet = preview, pinned
	t.params = params
	copy(t.forward[:], m.RawMatrix().Data)
	copy(t.inverse[:], inv.RawMatrix().Data)
	t.builds++
	return nil
}

func translation(dx, dy float64) *mat.Dense {
	return mat.NewDense(3, 3, []float64{
		1, 0, dx,
		0, 1, dy,
		0, 0, 1,
	})
}

// cosSin is exact for the quarter turns the orientation table uses.
func cosSin(deg float64) (float64, float64) {
	switch math.Mod(math.Mod(deg, 360)+360, 360) {
	case 0:
		return 1, 0
	case 90:
		return 0, 1
	case 180:
		return -1, 0
	case 270:
		return 0, -1
	}
	rad := deg * math.Pi / 180
	return math.Cos(rad), math.Sin(rad)
}

func apply(m [9]float64, p scan.Point) scan.Point {
	return scan.Point{
		X: m[0]*p.X + m[1]*p.Y + m[2],
		Y: m[3]*p.X + m[4]*p.Y + m[5],
	}
}
