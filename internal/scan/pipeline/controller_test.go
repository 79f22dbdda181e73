package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/quadtrack/internal/scan"
	"github.com/banshee-data/quadtrack/internal/scan/diagnostics"
)

func box(minX, minY, maxX, maxY float64) scan.Observation {
	return scan.ObservationFromRect(scan.Rect{MinX: minX, MinY: minY, MaxX: maxX, MaxY: maxY}, 1)
}

func shift(o scan.Observation, dx float64) scan.Observation {
	b := o.Bounds()
	return box(b.MinX+dx, b.MinY, b.MaxX+dx, b.MaxY)
}

func frame(seq uint64) scan.Frame {
	return scan.Frame{Seq: seq, Timestamp: time.Unix(1700000000, int64(seq))}
}

// staticDetector returns the same observations on every call.
func staticDetector(obs ...scan.Observation) DetectorFunc {
	return func(context.Context, scan.Frame) ([]scan.Observation, error) {
		return obs, nil
	}
}

// confidenceTracker moves every observation right by 0.01 and reports the
// next confidence from a per-call script.
type confidenceTracker struct {
	mu     sync.Mutex
	script []float64
	calls  int
	err    map[int]error
}

func (t *confidenceTracker) Track(_ context.Context, _ scan.Frame, prev []scan.Observation) ([]TrackResult, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	call := t.calls
	t.calls++
	if err := t.err[call]; err != nil {
		return nil, err
	}
	conf := 0.9
	if call < len(t.script) {
		conf = t.script[call]
	}
	out := make([]TrackResult, len(prev))
	for i, p := range prev {
		out[i] = TrackResult{Index: i, Observation: shift(p, 0.01), Confidence: conf}
	}
	return out, nil
}

func (t *confidenceTracker) Calls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.calls
}

func noRefinement() Config {
	cfg := DefaultConfig()
	cfg.RefinementEnabled = false
	return cfg
}

func newController(t *testing.T, cfg Config, d Detector, tr Tracker, sink diagnostics.Sink) *Controller {
	t.Helper()
	c, err := New(cfg, d, tr, sink)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func advance(t *testing.T, c *Controller, seq uint64) Output {
	t.Helper()
	out, err := c.Advance(context.Background(), frame(seq))
	require.NoError(t, err)
	return out
}

func TestNewValidates(t *testing.T) {
	t.Parallel()
	tr := &confidenceTracker{}
	_, err := New(DefaultConfig(), nil, tr, nil)
	assert.Error(t, err)
	_, err = New(DefaultConfig(), staticDetector(), nil, nil)
	assert.Error(t, err)

	bad := DefaultConfig()
	bad.ConfidenceThreshold = 1
	_, err = New(bad, staticDetector(), tr, nil)
	assert.Error(t, err)

	bad = DefaultConfig()
	bad.CompletionQueueSize = 0
	_, err = New(bad, staticDetector(), tr, nil)
	assert.Error(t, err)
}

func TestSeekingWithEmptyDetectionStaysSeeking(t *testing.T) {
	t.Parallel()
	tr := &confidenceTracker{}
	c := newController(t, noRefinement(), staticDetector(), tr, nil)

	for seq := uint64(1); seq <= 5; seq++ {
		out := advance(t, c, seq)
		assert.Equal(t, StateSeeking, out.State)
		assert.Empty(t, out.Observations)
		assert.Empty(t, out.Errors)
	}
	assert.Equal(t, StateSeeking, c.State())
	assert.Zero(t, tr.Calls())
	assert.Equal(t, uint64(5), c.Stats().Detections)
}

func TestSeedFrameEmitsDetections(t *testing.T) {
	t.Parallel()
	var rec diagnostics.Recorder
	a, b := box(0.1, 0.1, 0.3, 0.3), box(0.5, 0.5, 0.8, 0.9)
	c := newController(t, noRefinement(), staticDetector(a, b), &confidenceTracker{}, &rec)

	out := advance(t, c, 1)
	assert.Equal(t, StateTracking, out.State)
	require.Len(t, out.Observations, 2)
	assert.Equal(t, a.Corners(), out.Observations[0].Observation.Corners())
	assert.Equal(t, b.Corners(), out.Observations[1].Observation.Corners())
	for _, o := range out.Observations {
		assert.Equal(t, 1.0, o.Observation.Confidence)
		assert.False(t, o.Terminal)
	}

	got := c.Tracks()
	require.Len(t, got, 2)
	assert.Equal(t, got[0].ID, out.Observations[0].TrackID)
	assert.Len(t, rec.Filter(diagnostics.KindSeeded), 2)
	require.Len(t, rec.Filter(diagnostics.KindTransition), 1)
	assert.Equal(t, "seeking -> tracking", rec.Filter(diagnostics.KindTransition)[0].Message)
}

// Confidence 0.9, 0.6, 0.2 at threshold 0.3.
func TestConfidenceLifecycle(t *testing.T) {
	t.Parallel()
	var rec diagnostics.Recorder
	tr := &confidenceTracker{script: []float64{0.9, 0.6, 0.2}}
	c := newController(t, noRefinement(), staticDetector(box(0.2, 0.2, 0.4, 0.4)), tr, &rec)

	seed := advance(t, c, 0)
	require.Len(t, seed.Observations, 1)
	id := seed.Observations[0].TrackID

	for i, want := range []float64{0.9, 0.6} {
		out := advance(t, c, uint64(i+1))
		require.Len(t, out.Observations, 1, "frame %d", i+1)
		o := out.Observations[0]
		assert.Equal(t, id, o.TrackID)
		assert.Equal(t, want, o.Observation.Confidence)
		assert.False(t, o.Terminal)
		assert.Equal(t, StateTracking, out.State)
	}

	out := advance(t, c, 3)
	require.Len(t, out.Observations, 1)
	assert.True(t, out.Observations[0].Terminal, "terminal but still emitted")
	assert.Equal(t, 0.2, out.Observations[0].Observation.Confidence)
	assert.Equal(t, StateTracking, out.State)

	out = advance(t, c, 4)
	assert.Empty(t, out.Observations)
	require.Len(t, out.Dropped, 1)
	assert.Equal(t, id, out.Dropped[0].ID)
	assert.Equal(t, StateSeeking, out.State)
	assert.Equal(t, 3, tr.Calls(), "terminal tracks are never sent to the tracker")

	assert.Len(t, rec.Filter(diagnostics.KindTerminal), 1)
	assert.Len(t, rec.Filter(diagnostics.KindDropped), 1)
}

func TestTerminalTrackKeepsLastGoodObservation(t *testing.T) {
	t.Parallel()
	tr := &confidenceTracker{script: []float64{0.8, 0.1}}
	c := newController(t, noRefinement(), staticDetector(box(0.2, 0.2, 0.4, 0.4)), tr, nil)

	advance(t, c, 1)
	good := advance(t, c, 2).Observations[0].Observation
	last := advance(t, c, 3).Observations[0]
	assert.True(t, last.Terminal)
	assert.Equal(t, good.Corners(), last.Observation.Corners())
}

// Detector fails once and then succeeds.
func TestDetectionFailureKeepsSeeking(t *testing.T) {
	t.Parallel()
	var rec diagnostics.Recorder
	var calls atomic.Int32
	boom := errors.New("engine offline")
	det := DetectorFunc(func(context.Context, scan.Frame) ([]scan.Observation, error) {
		if calls.Add(1) == 1 {
			return nil, boom
		}
		return []scan.Observation{box(0.1, 0.1, 0.2, 0.2), box(0.3, 0.3, 0.5, 0.5), box(0.6, 0.6, 0.9, 0.9)}, nil
	})
	c := newController(t, noRefinement(), det, &confidenceTracker{}, &rec)

	out := advance(t, c, 1)
	assert.Equal(t, StateSeeking, out.State)
	assert.Empty(t, out.Observations)
	require.Len(t, out.Errors, 1)
	var detErr *DetectionError
	require.ErrorAs(t, out.Errors[0], &detErr)
	assert.ErrorIs(t, detErr, boom)
	assert.Equal(t, uint64(1), detErr.FrameSeq)
	assert.Equal(t, frame(1).Timestamp, detErr.FrameTimestamp)

	errs := rec.Filter(diagnostics.KindError)
	require.Len(t, errs, 1)
	assert.Equal(t, StageDetect, errs[0].Stage)
	assert.Equal(t, uint64(1), errs[0].FrameSeq)

	out = advance(t, c, 2)
	assert.Equal(t, StateTracking, out.State)
	assert.Len(t, out.Observations, 3)
	assert.Len(t, c.Tracks(), 3)
	assert.Equal(t, uint64(1), c.Stats().DetectionErrors)
}

// Tracker fails while three tracks are active.
func TestTrackingFailureCarriesTracks(t *testing.T) {
	t.Parallel()
	boom := errors.New("tracker lost")
	tr := &confidenceTracker{err: map[int]error{1: boom}}
	det := staticDetector(box(0.1, 0.1, 0.2, 0.2), box(0.3, 0.3, 0.5, 0.5), box(0.6, 0.6, 0.8, 0.8))
	c := newController(t, noRefinement(), det, tr, nil)

	advance(t, c, 1)
	prior := advance(t, c, 2)
	require.Len(t, prior.Observations, 3)

	out := advance(t, c, 3)
	require.Len(t, out.Errors, 1)
	var trErr *TrackingError
	require.ErrorAs(t, out.Errors[0], &trErr)
	assert.ErrorIs(t, trErr, boom)
	assert.Equal(t, StateTracking, out.State)
	require.Len(t, out.Observations, 3)
	for i := range prior.Observations {
		assert.Equal(t, prior.Observations[i].TrackID, out.Observations[i].TrackID)
		assert.Equal(t, prior.Observations[i].Observation, out.Observations[i].Observation)
	}

	// retried on the next frame with the carried observations
	next := advance(t, c, 4)
	assert.Empty(t, next.Errors)
	assert.Equal(t, 3, tr.Calls())
	for i := range prior.Observations {
		assert.InDelta(t, prior.Observations[i].Observation.BottomLeft.X+0.01, next.Observations[i].Observation.BottomLeft.X, 1e-12)
	}
}

func TestTrackingFailureStillDropsTerminalTracks(t *testing.T) {
	t.Parallel()
	tr := &confidenceTracker{err: map[int]error{1: errors.New("x")}}
	det := staticDetector(box(0.1, 0.1, 0.2, 0.2), box(0.5, 0.5, 0.7, 0.7))
	c := newController(t, noRefinement(), det, tr, nil)
	advance(t, c, 1)

	// second track reported below threshold on frame 2
	lowSecond := TrackerFunc(func(ctx context.Context, f scan.Frame, prev []scan.Observation) ([]TrackResult, error) {
		res, err := tr.Track(ctx, f, prev)
		if err == nil {
			res[1].Confidence = 0.1
		}
		return res, err
	})
	c.tracker = lowSecond

	out := advance(t, c, 2)
	require.Len(t, out.Observations, 2)
	assert.True(t, out.Observations[1].Terminal)

	out = advance(t, c, 3)
	require.Len(t, out.Errors, 1)
	require.Len(t, out.Observations, 1, "terminal track is dropped even when tracking fails")
	require.Len(t, out.Dropped, 1)
}

func TestTrackerResultValidation(t *testing.T) {
	t.Parallel()
	cases := map[string]struct {
		results func(prev []scan.Observation) []TrackResult
		want    error
	}{
		"short": {
			results: func(prev []scan.Observation) []TrackResult { return nil },
			want:    ErrResultCount,
		},
		"duplicate index": {
			results: func(prev []scan.Observation) []TrackResult {
				return []TrackResult{{Index: 0, Observation: prev[0], Confidence: 0.9}, {Index: 0, Observation: prev[1], Confidence: 0.9}}
			},
			want: ErrResultIndex,
		},
		"index out of range": {
			results: func(prev []scan.Observation) []TrackResult {
				return []TrackResult{{Index: 0, Observation: prev[0], Confidence: 0.9}, {Index: 5, Observation: prev[1], Confidence: 0.9}}
			},
			want: ErrResultIndex,
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			tr := TrackerFunc(func(_ context.Context, _ scan.Frame, prev []scan.Observation) ([]TrackResult, error) {
				return tc.results(prev), nil
			})
			c := newController(t, noRefinement(), staticDetector(box(0.1, 0.1, 0.2, 0.2), box(0.4, 0.4, 0.6, 0.6)), tr, nil)
			before := advance(t, c, 1)

			out := advance(t, c, 2)
			require.Len(t, out.Errors, 1)
			assert.ErrorIs(t, out.Errors[0], tc.want)
			require.Len(t, out.Observations, 2)
			assert.Equal(t, before.Observations[0].Observation, out.Observations[0].Observation)
		})
	}

	t.Run("out of range corner", func(t *testing.T) {
		t.Parallel()
		tr := TrackerFunc(func(_ context.Context, _ scan.Frame, prev []scan.Observation) ([]TrackResult, error) {
			return []TrackResult{{Index: 0, Observation: box(0.9, 0.9, 1.2, 1.0), Confidence: 0.9}}, nil
		})
		c := newController(t, noRefinement(), staticDetector(box(0.1, 0.1, 0.2, 0.2)), tr, nil)
		advance(t, c, 1)
		out := advance(t, c, 2)
		require.Len(t, out.Errors, 1)
		var trErr *TrackingError
		assert.ErrorAs(t, out.Errors[0], &trErr)
	})
}

func TestInvalidDetectionsAreDiscarded(t *testing.T) {
	t.Parallel()
	var rec diagnostics.Recorder
	bad := box(0.1, 0.1, 0.2, 0.2)
	bad.TopRight.X = 1.5
	c := newController(t, noRefinement(), staticDetector(bad, box(0.4, 0.4, 0.6, 0.6)), &confidenceTracker{}, &rec)

	out := advance(t, c, 1)
	assert.Len(t, out.Observations, 1)
	assert.Len(t, rec.Filter(diagnostics.KindInvalid), 1)
}

func TestCapabilityPanicIsContained(t *testing.T) {
	t.Parallel()
	tr := TrackerFunc(func(context.Context, scan.Frame, []scan.Observation) ([]TrackResult, error) {
		panic("tracker bug")
	})
	c := newController(t, noRefinement(), staticDetector(box(0.1, 0.1, 0.2, 0.2)), tr, nil)
	advance(t, c, 1)

	out := advance(t, c, 2)
	require.Len(t, out.Errors, 1)
	assert.ErrorIs(t, out.Errors[0], ErrCapabilityPanic)
	assert.Len(t, out.Observations, 1)
	assert.Equal(t, StateTracking, c.State())
}

func TestCancelledTurnLeavesStateAndDiscardsLateCompletion(t *testing.T) {
	t.Parallel()
	var rec diagnostics.Recorder
	release := make(chan struct{})
	var calls atomic.Int32
	tr := TrackerFunc(func(_ context.Context, _ scan.Frame, prev []scan.Observation) ([]TrackResult, error) {
		n := calls.Add(1)
		if n == 1 {
			<-release
			// a late answer that would kill the track if applied
			return []TrackResult{{Index: 0, Observation: prev[0], Confidence: 0.05}}, nil
		}
		return []TrackResult{{Index: 0, Observation: shift(prev[0], 0.02), Confidence: 0.95}}, nil
	})
	c := newController(t, noRefinement(), staticDetector(box(0.1, 0.1, 0.2, 0.2)), tr, &rec)
	seed := advance(t, c, 1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := c.Advance(ctx, frame(2))
		done <- err
	}()
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)

	assert.Equal(t, seed.Observations[0].Observation, c.Tracks()[0].Observation, "cancelled turn changes nothing")

	close(release)
	require.Eventually(t, func() bool { return len(c.events) == 1 }, time.Second, time.Millisecond)

	out := advance(t, c, 3)
	require.Len(t, out.Observations, 1)
	assert.False(t, out.Observations[0].Terminal, "stale completion was not applied")
	assert.Equal(t, 0.95, out.Observations[0].Observation.Confidence)
	assert.Equal(t, uint64(1), c.Stats().StaleCompletions)
	assert.Len(t, rec.Filter(diagnostics.KindStale), 1)
}

func TestAdvanceWithDoneContext(t *testing.T) {
	t.Parallel()
	c := newController(t, noRefinement(), staticDetector(box(0.1, 0.1, 0.2, 0.2)), &confidenceTracker{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.Advance(ctx, frame(1))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateSeeking, c.State())
	assert.Zero(t, c.Stats().Turns)
}

// regionEngine implements Detector and RegionDetector and answers region
// requests with a fixed candidate.
type regionEngine struct {
	mu        sync.Mutex
	seed      []scan.Observation
	candidate scan.Observation
	regions   []scan.Rect
	fail      bool
	detects   int
}

func (e *regionEngine) Detect(context.Context, scan.Frame) ([]scan.Observation, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.detects++
	return e.seed, nil
}

func (e *regionEngine) DetectRegion(_ context.Context, _ scan.Frame, region scan.Rect) ([]scan.Observation, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.regions = append(e.regions, region)
	if e.fail {
		return nil, errors.New("region failed")
	}
	return []scan.Observation{box(0.8, 0.8, 0.9, 0.9), e.candidate}, nil
}

func TestRefinementReplacesEmittedCorners(t *testing.T) {
	t.Parallel()
	eng := &regionEngine{
		seed:      []scan.Observation{box(0.2, 0.2, 0.4, 0.4)},
		candidate: box(0.215, 0.205, 0.415, 0.405),
	}
	tr := &confidenceTracker{script: []float64{0.7}}
	c := newController(t, DefaultConfig(), eng, tr, nil)

	seed := advance(t, c, 1)
	assert.False(t, seed.Observations[0].Refined, "no refinement on the detection frame")
	assert.Empty(t, eng.regions)

	out := advance(t, c, 2)
	require.Len(t, out.Observations, 1)
	o := out.Observations[0]
	assert.True(t, o.Refined)
	assert.Equal(t, eng.candidate.Corners(), o.Observation.Corners())
	assert.Equal(t, 0.7, o.Observation.Confidence)

	tracked := c.Tracks()[0].Observation
	assert.InDelta(t, 0.21, tracked.BottomLeft.X, 1e-12, "refinement does not feed back into the track")

	require.Len(t, eng.regions, 1)
	want := box(0.21, 0.2, 0.41, 0.4).Bounds().Expand(0.1)
	assert.InDelta(t, want.MinX, eng.regions[0].MinX, 1e-12)
	assert.InDelta(t, want.MaxY, eng.regions[0].MaxY, 1e-12)
	assert.Equal(t, 1, eng.detects)
}

func TestRefinementFailureEmitsTrackerObservation(t *testing.T) {
	t.Parallel()
	var rec diagnostics.Recorder
	eng := &regionEngine{seed: []scan.Observation{box(0.2, 0.2, 0.4, 0.4)}, fail: true}
	c := newController(t, DefaultConfig(), eng, &confidenceTracker{}, &rec)
	advance(t, c, 1)

	out := advance(t, c, 2)
	require.Len(t, out.Errors, 1)
	var refErr *RefinementError
	require.ErrorAs(t, out.Errors[0], &refErr)
	assert.Equal(t, c.Tracks()[0].ID, refErr.TrackID)
	assert.False(t, out.Observations[0].Refined)
	assert.Equal(t, c.Tracks()[0].Observation.Corners(), out.Observations[0].Observation.Corners())

	errs := rec.Filter(diagnostics.KindError)
	require.Len(t, errs, 1)
	assert.Equal(t, StageRefine, errs[0].Stage)
	assert.Equal(t, refErr.TrackID.String(), errs[0].TrackID)
}

func TestTrackingFailureSkipsRefinement(t *testing.T) {
	t.Parallel()
	eng := &regionEngine{
		seed:      []scan.Observation{box(0.2, 0.2, 0.4, 0.4)},
		candidate: box(0.215, 0.205, 0.415, 0.405),
	}
	tr := &confidenceTracker{err: map[int]error{1: errors.New("tracker lost")}}
	c := newController(t, DefaultConfig(), eng, tr, nil)

	advance(t, c, 1)
	require.True(t, advance(t, c, 2).Observations[0].Refined)
	passes := c.Stats().RefinementPasses

	out := advance(t, c, 3)
	require.Len(t, out.Errors, 1)
	var trErr *TrackingError
	require.ErrorAs(t, out.Errors[0], &trErr)
	require.Len(t, out.Observations, 1)
	assert.False(t, out.Observations[0].Refined)
	assert.Equal(t, c.Tracks()[0].Observation, out.Observations[0].Observation)
	assert.Len(t, eng.regions, 1, "no region search on the failed frame")
	assert.Equal(t, passes, c.Stats().RefinementPasses)
}

func TestRefinementFallsBackToFullDetection(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	det := DetectorFunc(func(context.Context, scan.Frame) ([]scan.Observation, error) {
		calls.Add(1)
		return []scan.Observation{box(0.2, 0.2, 0.4, 0.4), box(0.6, 0.6, 0.7, 0.7)}, nil
	})
	c := newController(t, DefaultConfig(), det, &confidenceTracker{}, nil)
	advance(t, c, 1)
	require.Len(t, c.Tracks(), 2)

	out := advance(t, c, 2)
	assert.Equal(t, int32(3), calls.Load(), "one detection per track on top of the seed")
	for _, o := range out.Observations {
		assert.True(t, o.Refined)
	}
	assert.Equal(t, uint64(2), c.Stats().Refined)
}

func TestOutputRecord(t *testing.T) {
	t.Parallel()
	id := uuid.New()
	out := Output{
		Result: scan.Result{
			FrameSeq:  9,
			Timestamp: time.Unix(5, 0),
			Observations: []scan.TrackedObservation{
				{TrackID: id, Observation: box(0.1, 0.1, 0.2, 0.2).WithConfidence(0.4), Terminal: true},
			},
		},
		State: StateTracking,
	}
	r := out.Record()
	assert.Equal(t, uint64(9), r.FrameSeq)
	assert.Equal(t, "tracking", r.State)
	require.Len(t, r.Tracks, 1)
	assert.Equal(t, id.String(), r.Tracks[0].TrackID)
	assert.Equal(t, 0.4, r.Tracks[0].Confidence)
	assert.True(t, r.Tracks[0].Terminal)
}
