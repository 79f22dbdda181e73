package monitor

import (
	"fmt"
	"image/color"
	"os"
	"path/filepath"
	"sync"

	"github.com/lucasb-eyer/go-colorful"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/quadtrack/internal/scan/overlay"
)

// Plot file names written by Plotter.Generate.
const (
	ConfidencePlotFile = "confidence.png"
	OverlayPlotFile    = "overlay.png"
)

// Plotter writes PNG plots of a run: confidence over frames from the
// history, and the outlines of the last batch that had any. It is an
// overlay.Renderer so it can sit in the render fan-out.
type Plotter struct {
	mu        sync.Mutex
	outputDir string
	history   *History
	lastDrawn overlay.Batch
}

// NewPlotter creates outputDir and returns a plotter reading h.
func NewPlotter(outputDir string, h *History) (*Plotter, error) {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output dir: %w", err)
	}
	return &Plotter{outputDir: outputDir, history: h}, nil
}

// Render implements overlay.Renderer.
func (p *Plotter) Render(b overlay.Batch) {
	if len(b.Paths) == 0 {
		return
	}
	p.mu.Lock()
	p.lastDrawn = b
	p.mu.Unlock()
}

// Generate writes both plots and returns their paths.
func (p *Plotter) Generate() ([]string, error) {
	conf := filepath.Join(p.outputDir, ConfidencePlotFile)
	if err := p.writeConfidence(conf); err != nil {
		return nil, err
	}
	ov := filepath.Join(p.outputDir, OverlayPlotFile)
	if err := p.writeOverlay(ov); err != nil {
		return nil, err
	}
	Logf("plots written to %s", p.outputDir)
	return []string{conf, ov}, nil
}

func (p *Plotter) writeConfidence(path string) error {
	series, order := p.history.Series()

	pl := plot.New()
	pl.Title.Text = "Track confidence"
	pl.X.Label.Text = "Frame"
	pl.Y.Label.Text = "Confidence"
	pl.X.Min, pl.X.Max = 0, 1
	pl.Y.Min, pl.Y.Max = 0, 1
	pl.Legend.Top = true

	colors := palette(len(order))
	for i, id := range order {
		pts := make(plotter.XYs, 0, len(series[id]))
		for _, s := range series[id] {
			pts = append(pts, plotter.XY{X: float64(s.FrameSeq), Y: s.Confidence})
		}
		line, err := plotter.NewLine(pts)
		if err != nil {
			return fmt.Errorf("confidence line for %s: %w", id, err)
		}
		line.Color = colors[i]
		line.Width = vg.Points(1)
		pl.Add(line)
		pl.Legend.Add(shortID(id), line)
	}
	pl.Add(plotter.NewGrid())

	if err := pl.Save(10*vg.Inch, 4*vg.Inch, path); err != nil {
		return fmt.Errorf("failed to save confidence plot: %w", err)
	}
	return nil
}

func (p *Plotter) writeOverlay(path string) error {
	p.mu.Lock()
	b := p.lastDrawn
	p.mu.Unlock()

	pl := plot.New()
	pl.Title.Text = fmt.Sprintf("Overlay, frame %d", b.FrameSeq)
	pl.X.Label.Text = "x"
	pl.Y.Label.Text = "y (up)"
	pl.X.Min, pl.X.Max = 0, 1
	pl.Y.Min, pl.Y.Max = 0, 1
	if b.Viewport.Width > 0 && b.Viewport.Height > 0 {
		pl.X.Max, pl.Y.Max = b.Viewport.Width, b.Viewport.Height
	}

	colors := palette(len(b.Paths))
	for i, path := range b.Paths {
		corners := path.Polygon()
		pts := make(plotter.XYs, len(corners))
		for j, c := range corners {
			// overlay y grows downwards
			pts[j] = plotter.XY{X: c.X, Y: b.Viewport.Height - c.Y}
		}
		poly, err := plotter.NewPolygon(pts)
		if err != nil {
			return fmt.Errorf("overlay polygon %d: %w", i, err)
		}
		poly.LineStyle.Color = colors[i]
		poly.LineStyle.Width = vg.Points(1.5)
		if path.Terminal {
			poly.LineStyle.Dashes = []vg.Length{vg.Points(4), vg.Points(2)}
		}
		pl.Add(poly)
		pl.Legend.Add(shortID(path.TrackID.String()), poly)
	}

	if err := pl.Save(6*vg.Inch, 6*vg.Inch, path); err != nil {
		return fmt.Errorf("failed to save overlay plot: %w", err)
	}
	return nil
}

// palette spreads n colours evenly around the hue wheel.
func palette(n int) []color.Color {
	out := make([]color.Color, n)
	for i := range out {
		out[i] = colorful.Hsv(360*float64(i)/float64(n), 0.75, 0.85)
	}
	return out
}
