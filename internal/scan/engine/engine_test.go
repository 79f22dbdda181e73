package engine

import (
	"context"
	"image"
	"image/color"
	"testing"

	"github.com/anthonynsimon/bild/effect"
	"github.com/disintegration/imaging"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/quadtrack/internal/scan"
	"github.com/banshee-data/quadtrack/internal/scan/frames"
	"github.com/banshee-data/quadtrack/internal/scan/pipeline"
	"github.com/banshee-data/quadtrack/internal/testutil"
)

func newDetector(t *testing.T, mutate func(*Config)) *Detector {
	t.Helper()
	cfg := DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	d, err := NewDetector(cfg)
	require.NoError(t, err)
	return d
}

func assertCornersNear(t *testing.T, want, got scan.Observation, delta float64) {
	t.Helper()
	w, g := want.Corners(), got.Corners()
	for i := range w {
		assert.InDelta(t, w[i].X, g[i].X, delta, "corner %d x", i)
		assert.InDelta(t, w[i].Y, g[i].Y, delta, "corner %d y", i)
	}
}

func TestDetectFindsSyntheticCard(t *testing.T) {
	t.Parallel()
	fs, src := testutil.SyntheticFrames(t, frames.DefaultSyntheticConfig(1))
	d := newDetector(t, nil)

	obs, err := d.Detect(context.Background(), fs[0])
	require.NoError(t, err)
	require.Len(t, obs, 1)

	truth, ok := src.Truth(1)
	require.True(t, ok)
	assertCornersNear(t, truth, obs[0], 0.01)
	assert.GreaterOrEqual(t, obs[0].Confidence, 0.9)
	assert.NoError(t, obs[0].Validate())
}

func TestDetectScoresWhiteBoxOnBlack(t *testing.T) {
	t.Parallel()
	img := imaging.New(200, 100, color.NRGBA{A: 255})
	img = imaging.Paste(img, imaging.New(100, 50, color.NRGBA{R: 255, G: 255, B: 255, A: 255}), image.Pt(50, 25))

	obs, err := newDetector(t, nil).Detect(context.Background(), scan.Frame{Seq: 1, Image: img})
	require.NoError(t, err)
	require.Len(t, obs, 1)
	assert.GreaterOrEqual(t, obs[0].Confidence, 0.9)
	want := scan.ObservationFromRect(scan.Rect{MinX: 0.25, MinY: 0.25, MaxX: 0.75, MaxY: 0.75}, 1)
	assertCornersNear(t, want, obs[0], 0.01)
}

func TestEdgeMagnitudeSeesFallingEdges(t *testing.T) {
	t.Parallel()
	img := imaging.New(200, 100, color.NRGBA{A: 255})
	img = imaging.Paste(img, imaging.New(100, 50, color.NRGBA{R: 255, G: 255, B: 255, A: 255}), image.Pt(50, 25))
	gray := effect.Grayscale(img)
	box := [4]image.Point{{X: 50, Y: 75}, {X: 150, Y: 75}, {X: 150, Y: 25}, {X: 50, Y: 25}}

	// one-sided Sobel only sees the rising top and left edges
	assert.Less(t, edgeSupport(box, effect.Sobel(gray), 48), 0.75)

	edges := edgeMagnitude(effect.Sobel(gray), effect.Sobel(effect.Invert(gray)))
	assert.Equal(t, 1.0, edgeSupport(box, edges, 48))
	for i := range box {
		side := [4]image.Point{box[i], box[(i+1)%4], box[(i+1)%4], box[i]}
		assert.Equal(t, 1.0, edgeSupport(side, edges, 48), "side %d", i)
	}
}

func TestDetectEmptyFrame(t *testing.T) {
	t.Parallel()
	cfg := frames.DefaultSyntheticConfig(1)
	cfg.HideFrom, cfg.HideFor = 0, 1
	fs, _ := testutil.SyntheticFrames(t, cfg)

	obs, err := newDetector(t, nil).Detect(context.Background(), fs[0])
	require.NoError(t, err)
	assert.Empty(t, obs)
}

func TestDetectDownscaledWorkingCopy(t *testing.T) {
	t.Parallel()
	fs, src := testutil.SyntheticFrames(t, frames.DefaultSyntheticConfig(1))
	d := newDetector(t, func(c *Config) { c.MaxDimension = 160 })

	obs, err := d.Detect(context.Background(), fs[0])
	require.NoError(t, err)
	require.Len(t, obs, 1)
	truth, _ := src.Truth(1)
	assertCornersNear(t, truth, obs[0], 0.02)
}

func TestDetectRegion(t *testing.T) {
	t.Parallel()
	fs, src := testutil.SyntheticFrames(t, frames.DefaultSyntheticConfig(1))
	d := newDetector(t, nil)
	truth, _ := src.Truth(1)
	ctx := context.Background()

	obs, err := d.DetectRegion(ctx, fs[0], truth.Bounds().Expand(0.1))
	require.NoError(t, err)
	require.Len(t, obs, 1)
	// reported in full-frame coordinates, not the crop's
	assertCornersNear(t, truth, obs[0], 0.01)

	obs, err = d.DetectRegion(ctx, fs[0], scan.Rect{MinX: 0, MinY: 0, MaxX: 0.2, MaxY: 0.2})
	require.NoError(t, err)
	assert.Empty(t, obs)

	obs, err = d.DetectRegion(ctx, fs[0], scan.Rect{MinX: 0.5, MinY: 0.5, MaxX: 0.5, MaxY: 0.5})
	require.NoError(t, err)
	assert.Empty(t, obs, "degenerate region")
}

func TestDetectDarkShapesWhenInverted(t *testing.T) {
	t.Parallel()
	img := imaging.New(200, 100, color.NRGBA{R: 240, G: 240, B: 240, A: 255})
	img = imaging.Paste(img, imaging.New(80, 40, color.NRGBA{R: 20, G: 20, B: 20, A: 255}), image.Pt(20, 30))
	f := scan.Frame{Seq: 1, Image: img}

	obs, err := newDetector(t, func(c *Config) { c.Invert = true }).Detect(context.Background(), f)
	require.NoError(t, err)
	require.Len(t, obs, 1)
	want := scan.ObservationFromRect(scan.Rect{MinX: 0.1, MinY: 0.3, MaxX: 0.5, MaxY: 0.7}, 1)
	assertCornersNear(t, want, obs[0], 0.01)
}

func TestDetectOrdersBySizeAndCaps(t *testing.T) {
	t.Parallel()
	img := imaging.New(400, 200, color.NRGBA{R: 10, G: 10, B: 10, A: 255})
	white := color.NRGBA{R: 250, G: 250, B: 250, A: 255}
	img = imaging.Paste(img, imaging.New(60, 40, white), image.Pt(20, 20))
	img = imaging.Paste(img, imaging.New(120, 100, white), image.Pt(200, 50))
	f := scan.Frame{Seq: 1, Image: img}

	obs, err := newDetector(t, nil).Detect(context.Background(), f)
	require.NoError(t, err)
	require.Len(t, obs, 2)
	assert.Greater(t, obs[0].Bounds().Area(), obs[1].Bounds().Area())

	obs, err = newDetector(t, func(c *Config) { c.MaxResults = 1 }).Detect(context.Background(), f)
	require.NoError(t, err)
	require.Len(t, obs, 1)
	assert.InDelta(t, 0.5, obs[0].BottomLeft.X, 0.01)
}

func TestDetectRejectsNonRectangularShapes(t *testing.T) {
	t.Parallel()
	img := imaging.New(200, 200, color.NRGBA{R: 10, G: 10, B: 10, A: 255})
	white := color.NRGBA{R: 250, G: 250, B: 250, A: 255}
	// an L made of two bars fills well under the quad its corners span
	img = imaging.Paste(img, imaging.New(120, 20, white), image.Pt(40, 140))
	img = imaging.Paste(img, imaging.New(20, 120, white), image.Pt(40, 40))

	obs, err := newDetector(t, nil).Detect(context.Background(), scan.Frame{Image: img})
	require.NoError(t, err)
	assert.Empty(t, obs)
}

func TestDetectErrors(t *testing.T) {
	t.Parallel()
	d := newDetector(t, nil)
	_, err := d.Detect(context.Background(), scan.Frame{Seq: 1})
	assert.ErrorIs(t, err, ErrNoImage)

	fs, _ := testutil.SyntheticFrames(t, frames.DefaultSyntheticConfig(1))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = d.Detect(ctx, fs[0])
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNewDetectorValidates(t *testing.T) {
	t.Parallel()
	cases := map[string]func(*Config){
		"area order":    func(c *Config) { c.MinArea, c.MaxArea = 0.5, 0.4 },
		"max area":      func(c *Config) { c.MaxArea = 1.5 },
		"tolerance":     func(c *Config) { c.Tolerance = 2 },
		"max results":   func(c *Config) { c.MaxResults = 0 },
		"max dimension": func(c *Config) { c.MaxDimension = 4 },
	}
	for name, mutate := range cases {
		cfg := DefaultConfig()
		mutate(&cfg)
		_, err := NewDetector(cfg)
		assert.Error(t, err, name)
	}
}

func TestOtsuSplitsBimodalHistogram(t *testing.T) {
	t.Parallel()
	g := image.NewGray(image.Rect(0, 0, 10, 10))
	for i := range g.Pix {
		g.Pix[i] = 30
		if i%2 == 0 {
			g.Pix[i] = 200
		}
	}
	lvl := otsu(g)
	assert.Greater(t, lvl, uint8(30))
	assert.LessOrEqual(t, lvl, uint8(200))

	flat := image.NewGray(image.Rect(0, 0, 4, 4))
	assert.Equal(t, uint8(255), otsu(flat))

	// the bild filters hand back RGBA with the grey level in every channel
	rgba := effect.Grayscale(g)
	assert.Equal(t, lvl, otsu(rgba))
	inv := otsu(effect.Invert(rgba))
	assert.Greater(t, inv, uint8(55))
	assert.LessOrEqual(t, inv, uint8(225))
}

func TestTrackerFollowsMovingCard(t *testing.T) {
	t.Parallel()
	fs, src := testutil.SyntheticFrames(t, frames.DefaultSyntheticConfig(5))
	d := newDetector(t, nil)
	tr, err := NewTracker(d, 0.1)
	require.NoError(t, err)

	prev, _ := src.Truth(1)
	res, err := tr.Track(context.Background(), fs[4], []scan.Observation{prev})
	require.NoError(t, err)
	require.Len(t, res, 1)

	truth, _ := src.Truth(5)
	assert.Equal(t, 0, res[0].Index)
	assertCornersNear(t, truth, res[0].Observation, 0.01)
	assert.Greater(t, res[0].Confidence, 0.8)
	assert.Equal(t, res[0].Confidence, res[0].Observation.Confidence)
}

func TestTrackerReportsZeroWhenLost(t *testing.T) {
	t.Parallel()
	cfg := frames.DefaultSyntheticConfig(2)
	cfg.HideFrom, cfg.HideFor = 1, 1
	fs, src := testutil.SyntheticFrames(t, cfg)
	tr, err := NewTracker(newDetector(t, nil), 0.1)
	require.NoError(t, err)

	prev, _ := src.Truth(1)
	res, err := tr.Track(context.Background(), fs[1], []scan.Observation{prev})
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Zero(t, res[0].Confidence)
	assertCornersNear(t, prev, res[0].Observation, 1e-9)
}

func TestNewTrackerValidates(t *testing.T) {
	t.Parallel()
	_, err := NewTracker(nil, 0.1)
	assert.Error(t, err)
	_, err = NewTracker(newDetector(t, nil), 0.9)
	assert.Error(t, err)
}

// TestControllerWithEngine drives the controller with the bundled engine
// over a clip where the card disappears for one frame.
func TestControllerWithEngine(t *testing.T) {
	t.Parallel()
	cfg := frames.DefaultSyntheticConfig(8)
	cfg.HideFrom, cfg.HideFor = 2, 1
	fs, src := testutil.SyntheticFrames(t, cfg)

	d := newDetector(t, nil)
	tr, err := NewTracker(d, 0.1)
	require.NoError(t, err)
	c, err := pipeline.New(pipeline.DefaultConfig(), d, tr, nil)
	require.NoError(t, err)
	defer c.Close()

	var outs []pipeline.Output
	for _, f := range fs {
		out, err := c.Advance(context.Background(), f)
		require.NoError(t, err)
		require.Empty(t, out.Errors, "frame %d", f.Seq)
		outs = append(outs, out)
	}

	require.Len(t, outs[0].Observations, 1)
	first := outs[0].Observations[0].TrackID
	require.Len(t, outs[2].Observations, 1)
	assert.True(t, outs[2].Observations[0].Terminal, "hidden frame ends the track")

	last := outs[len(outs)-1]
	assert.Equal(t, pipeline.StateTracking, last.State)
	require.Len(t, last.Observations, 1)
	assert.False(t, last.Observations[0].Terminal)
	assert.NotEqual(t, uuid.Nil, last.Observations[0].TrackID)
	assert.NotEqual(t, first, last.Observations[0].TrackID)

	truth, _ := src.Truth(8)
	assertCornersNear(t, truth, last.Observations[0].Observation, 0.01)
}
