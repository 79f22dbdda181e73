package frames

import (
	"context"
	"image"
	"image/color"
	"io"
	"math"

	"github.com/disintegration/imaging"

	"github.com/banshee-data/quadtrack/internal/scan"
)

// SyntheticConfig describes a generated clip of one bright card sliding
// over a dark background.
type SyntheticConfig struct {
	SourceConfig
	Width, Height int
	Frames        int
	// CardWidth and CardHeight are fractions of the frame.
	CardWidth, CardHeight float64
	// Start is the card's bottom-left corner in normalized coordinates.
	Start scan.Point
	// Velocity is the per-frame displacement in normalized units.
	Velocity scan.Point
	// HideFrom and HideFor blank the card for a run of frames, which
	// drives tracks to terminal and back to seeking. HideFor 0 disables it.
	HideFrom, HideFor int
}

// DefaultSyntheticConfig is a 320×240 clip of a business-card sized box.
func DefaultSyntheticConfig(frames int) SyntheticConfig {
	return SyntheticConfig{
		Width:      320,
		Height:     240,
		Frames:     frames,
		CardWidth:  0.35,
		CardHeight: 0.3,
		Start:      scan.Point{X: 0.3, Y: 0.35},
		Velocity:   scan.Point{X: 0.005, Y: 0},
	}
}

// SyntheticSource renders SyntheticConfig frames on demand.
type SyntheticSource struct {
	cfg  SyntheticConfig
	next int
	pace *pacer
}

// NewSyntheticSource builds a generator for cfg.
func NewSyntheticSource(cfg SyntheticConfig) *SyntheticSource {
	return &SyntheticSource{cfg: cfg, pace: newPacer(cfg.SourceConfig)}
}

// Truth returns the card's true observation on frame seq (1-based) and
// whether the card is visible.
func (s *SyntheticSource) Truth(seq uint64) (scan.Observation, bool) {
	i := int(seq) - 1
	if s.cfg.HideFor > 0 && i >= s.cfg.HideFrom && i < s.cfg.HideFrom+s.cfg.HideFor {
		return scan.Observation{}, false
	}
	x := s.cfg.Start.X + s.cfg.Velocity.X*float64(i)
	y := s.cfg.Start.Y + s.cfg.Velocity.Y*float64(i)
	r := scan.Rect{
		MinX: clamp(x, 0, 1-s.cfg.CardWidth),
		MinY: clamp(y, 0, 1-s.cfg.CardHeight),
	}
	r.MaxX = r.MinX + s.cfg.CardWidth
	r.MaxY = r.MinY + s.cfg.CardHeight
	return scan.ObservationFromRect(r, 1), true
}

// Next implements Source.
func (s *SyntheticSource) Next(ctx context.Context) (scan.Frame, error) {
	if s.next >= s.cfg.Frames {
		s.pace.stop()
		return scan.Frame{}, io.EOF
	}
	if err := s.pace.wait(ctx); err != nil {
		return scan.Frame{}, err
	}
	s.next++
	seq := uint64(s.next)

	img := imaging.New(s.cfg.Width, s.cfg.Height, color.NRGBA{R: 24, G: 24, B: 28, A: 255})
	if obs, ok := s.Truth(seq); ok {
		b := obs.Bounds()
		w := int(math.Round(b.Width() * float64(s.cfg.Width)))
		h := int(math.Round(b.Height() * float64(s.cfg.Height)))
		card := imaging.New(w, h, color.NRGBA{R: 235, G: 235, B: 225, A: 255})
		// normalized bottom-left origin → image top-left origin
		left := int(math.Round(b.MinX * float64(s.cfg.Width)))
		top := int(math.Round((1 - b.MaxY) * float64(s.cfg.Height)))
		img = imaging.Paste(img, card, image.Pt(left, top))
	}
	return scan.Frame{
		Seq:         seq,
		Image:       img,
		Timestamp:   s.cfg.clock().Now(),
		Orientation: s.cfg.Orientation,
		Intrinsics:  s.cfg.Intrinsics,
	}, nil
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
