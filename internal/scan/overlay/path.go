// Package overlay turns a frame's observation set into closed screen-space
// polygons for the renderer.
package overlay

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/quadtrack/internal/scan"
)

// Op is a path drawing command.
type Op int

const (
	MoveTo Op = iota
	LineTo
)

func (o Op) String() string {
	if o == MoveTo {
		return "M"
	}
	return "L"
}

// Command is one path step in overlay coordinates.
type Command struct {
	Op    Op         `json:"op"`
	Point scan.Point `json:"point"`
}

// Path is the closed outline of one observation: a move to the last corner
// followed by a line to each corner in BL, BR, TR, TL order. The final line
// ends where the move started, which closes the loop.
type Path struct {
	TrackID    uuid.UUID `json:"track_id"`
	Confidence float64   `json:"confidence"`
	Terminal   bool      `json:"terminal"`
	Refined    bool      `json:"refined"`
	Commands   []Command `json:"commands"`
}

// NewPath builds the closed command list for a polygon: a move to the last
// point, then a line to each point in order.
func NewPath(pts []scan.Point) Path {
	if len(pts) == 0 {
		return Path{}
	}
	cmds := make([]Command, 0, len(pts)+1)
	cmds = append(cmds, Command{Op: MoveTo, Point: pts[len(pts)-1]})
	for _, pt := range pts {
		cmds = append(cmds, Command{Op: LineTo, Point: pt})
	}
	return Path{Commands: cmds}
}

// Polygon returns the corner points in emission order.
func (p Path) Polygon() []scan.Point {
	pts := make([]scan.Point, 0, 4)
	for _, c := range p.Commands {
		if c.Op == LineTo {
			pts = append(pts, c.Point)
		}
	}
	return pts
}

// Closed reports whether the path ends where it starts.
func (p Path) Closed() bool {
	if len(p.Commands) < 2 || p.Commands[0].Op != MoveTo {
		return false
	}
	return p.Commands[0].Point == p.Commands[len(p.Commands)-1].Point
}

// SVG returns the path as SVG path data.
func (p Path) SVG() string {
	var b strings.Builder
	for i, c := range p.Commands {
		if i > 0 {
			b.WriteByte(' ')
		}
		fmt.Fprintf(&b, "%s%.2f %.2f", c.Op, c.Point.X, c.Point.Y)
	}
	return b.String()
}

// Batch is everything drawn for one frame: independent paths, one per
// emitted observation, in track order.
type Batch struct {
	FrameSeq    uint64           `json:"frame_seq"`
	Timestamp   time.Time        `json:"timestamp"`
	Orientation scan.Orientation `json:"orientation"`
	Viewport    scan.Size        `json:"viewport"`
	Paths       []Path           `json:"paths"`
}

// Renderer draws a batch. Render must not block the frame turn for long;
// slow renderers should buffer or drop internally.
type Renderer interface {
	Render(Batch)
}

// RendererFunc adapts a function to a Renderer.
type RendererFunc func(Batch)

// Render calls f(b).
func (f RendererFunc) Render(b Batch) { f(b) }

// MultiRenderer hands every batch to each renderer in order.
type MultiRenderer []Renderer

// Render implements Renderer.
func (m MultiRenderer) Render(b Batch) {
	for _, r := range m {
		if r != nil {
			r.Render(b)
		}
	}
}
