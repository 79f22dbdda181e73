package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/quadtrack/internal/scan"
	"github.com/banshee-data/quadtrack/internal/scan/frames"
	"github.com/banshee-data/quadtrack/internal/scan/geometry"
	"github.com/banshee-data/quadtrack/internal/scan/overlay"
)

func newScenarioEmitter(t *testing.T) *overlay.Emitter {
	t.Helper()
	tr, err := geometry.New(scan.Size{Width: 640, Height: 480}, scan.Size{Width: 390, Height: 844})
	require.NoError(t, err)
	_, err = tr.SetPreview(scan.Size{Width: 390, Height: 844})
	require.NoError(t, err)
	return overlay.NewEmitter(tr)
}

// Unit-square detection, upright, 640×480 capture, 390×844 preview.
func TestRunnerEmitsUnitSquare(t *testing.T) {
	t.Parallel()
	unit := scan.Observation{
		BottomLeft:  scan.Point{X: 0, Y: 0},
		BottomRight: scan.Point{X: 1, Y: 0},
		TopRight:    scan.Point{X: 1, Y: 1},
		TopLeft:     scan.Point{X: 0, Y: 1},
		Confidence:  1,
	}
	c := newController(t, noRefinement(), staticDetector(unit), &confidenceTracker{}, nil)
	emitter := newScenarioEmitter(t)

	var batches []overlay.Batch
	var outputs []Output
	r := NewRunner(c, frames.NewDispatcher(frames.DispatcherConfig{}), emitter,
		overlay.RendererFunc(func(b overlay.Batch) { batches = append(batches, b) }),
		ObserverFunc(func(out Output, _ overlay.Batch) { outputs = append(outputs, out) }),
	)

	src := frames.NewSliceSource(scan.Frame{Orientation: scan.OrientationUpright})
	require.NoError(t, r.Run(context.Background(), src))

	require.Len(t, batches, 1)
	require.Len(t, batches[0].Paths, 1)
	want := []scan.Point{{X: 0, Y: 844}, {X: 390, Y: 844}, {X: 390, Y: 0}, {X: 0, Y: 0}}
	if diff := cmp.Diff(want, batches[0].Paths[0].Polygon(), cmpopts.EquateApprox(0, 1e-9)); diff != "" {
		t.Errorf("polygon mismatch (-want +got):\n%s", diff)
	}
	assert.True(t, batches[0].Paths[0].Closed())
	require.Len(t, outputs, 1)
	assert.Equal(t, StateTracking, outputs[0].State)
	assert.Equal(t, batches[0], emitter.Last())
}

func TestRunnerStepSequence(t *testing.T) {
	t.Parallel()
	tr := &confidenceTracker{script: []float64{0.9, 0.6, 0.2}}
	c := newController(t, noRefinement(), staticDetector(box(0.2, 0.2, 0.4, 0.4)), tr, nil)
	emitter := newScenarioEmitter(t)

	var counts []int
	r := NewRunner(c, frames.NewDispatcher(frames.DispatcherConfig{}), emitter, nil,
		ObserverFunc(func(_ Output, b overlay.Batch) { counts = append(counts, len(b.Paths)) }))

	ctx := context.Background()
	for seq := uint64(1); seq <= 6; seq++ {
		require.NoError(t, r.Step(ctx, frame(seq)))
	}
	// seed, 0.9, 0.6, 0.2 (terminal, still drawn), gone, re-seeded
	assert.Equal(t, []int{1, 1, 1, 1, 0, 1}, counts)
}

func TestRunnerTreatsCancelAsShutdown(t *testing.T) {
	t.Parallel()
	c := newController(t, noRefinement(), staticDetector(), &confidenceTracker{}, nil)
	r := NewRunner(c, frames.NewDispatcher(frames.DispatcherConfig{}), newScenarioEmitter(t), nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	src := frames.NewSyntheticSource(frames.DefaultSyntheticConfig(1000))
	assert.NoError(t, r.Run(ctx, src))
}

func TestRunnerPropagatesSourceErrors(t *testing.T) {
	t.Parallel()
	c := newController(t, noRefinement(), staticDetector(), &confidenceTracker{}, nil)
	r := NewRunner(c, frames.NewDispatcher(frames.DispatcherConfig{}), newScenarioEmitter(t), nil)

	boom := errors.New("camera unplugged")
	err := r.Run(context.Background(), failingSource{err: boom})
	assert.ErrorIs(t, err, boom)
}

type failingSource struct{ err error }

func (s failingSource) Next(context.Context) (scan.Frame, error) { return scan.Frame{}, s.err }
