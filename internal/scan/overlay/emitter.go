package overlay

import (
	"sync"

	"github.com/banshee-data/quadtrack/internal/scan"
	"github.com/banshee-data/quadtrack/internal/scan/geometry"
)

// Emitter converts observation sets into path batches. It owns the cached
// geometry transform and the last emitted batch; both change only inside
// Emit so they move together with the frame turn.
type Emitter struct {
	transform *geometry.Transform

	mu       sync.Mutex
	viewport scan.Size
	pending  *scan.Size
	last     Batch
	emitted  uint64
}

// NewEmitter wraps a transform built for the session's capture resolution.
func NewEmitter(t *geometry.Transform) *Emitter {
	return &Emitter{transform: t, viewport: t.Viewport()}
}

// Resize queues a viewport change. It takes effect on the next Emit so a
// batch is never built from two different transforms.
func (e *Emitter) Resize(viewport scan.Size) error {
	if viewport.Empty() {
		return &geometry.ConfigurationError{Field: "viewport", Err: geometry.ErrEmptyViewport}
	}
	e.mu.Lock()
	e.pending = &viewport
	e.mu.Unlock()
	return nil
}

// Emit builds the batch for r, applying the frame's orientation and any
// queued resize to the transform first. A resize the transform rejects is
// logged and dropped; the batch keeps the previous viewport.
func (e *Emitter) Emit(r scan.Result) Batch {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.pending != nil {
		vp := *e.pending
		e.pending = nil
		if _, err := e.transform.Update(r.Orientation, vp); err != nil {
			opsf("frame %d: resize to %vx%v rejected, keeping %vx%v: %v",
				r.FrameSeq, vp.Width, vp.Height, e.viewport.Width, e.viewport.Height, err)
		} else {
			diagf("frame %d: viewport %vx%v", r.FrameSeq, vp.Width, vp.Height)
			e.viewport = vp
		}
	}
	rebuilt, err := e.transform.Update(r.Orientation, e.viewport)
	if err != nil {
		opsf("frame %d: orientation %s rejected, keeping previous transform: %v", r.FrameSeq, r.Orientation, err)
	} else if rebuilt {
		tracef("frame %d: transform rebuilt for %s", r.FrameSeq, r.Orientation)
	}

	b := Batch{
		FrameSeq:    r.FrameSeq,
		Timestamp:   r.Timestamp,
		Orientation: r.Orientation,
		Viewport:    e.viewport,
		Paths:       make([]Path, 0, len(r.Observations)),
	}
	for _, o := range r.Observations {
		b.Paths = append(b.Paths, e.path(o))
	}
	e.last = b
	e.emitted++
	return b
}

func (e *Emitter) path(o scan.TrackedObservation) Path {
	corners := o.Observation.Corners()
	pts := make([]scan.Point, len(corners))
	for i, c := range corners {
		pts[i] = e.transform.Forward(c)
	}
	p := NewPath(pts)
	p.TrackID = o.TrackID
	p.Confidence = o.Observation.Confidence
	p.Terminal = o.Terminal
	p.Refined = o.Refined
	return p
}

// Last returns the most recently emitted batch.
func (e *Emitter) Last() Batch {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.last
}

// Emitted counts batches built so far.
func (e *Emitter) Emitted() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.emitted
}

// Transform exposes the cached transform for read-only inspection.
func (e *Emitter) Transform() *geometry.Transform { return e.transform }
