package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/quadtrack/internal/scan"
	"github.com/banshee-data/quadtrack/internal/scan/diagnostics"
	"github.com/banshee-data/quadtrack/internal/scan/tracks"
)

// State is the controller's detect/track mode.
type State int

const (
	// StateSeeking runs full detection; the track set is empty.
	StateSeeking State = iota
	// StateTracking advances existing tracks; the track set is non-empty.
	StateTracking
)

func (s State) String() string {
	if s == StateTracking {
		return "tracking"
	}
	return "seeking"
}

func stateOf(set tracks.Set) State {
	if set.Empty() {
		return StateSeeking
	}
	return StateTracking
}

// Config holds the controller tuning.
type Config struct {
	// ConfidenceThreshold is the inclusive eviction bound: a track whose
	// reported confidence is at or below it becomes terminal.
	ConfidenceThreshold float64
	RefinementEnabled   bool
	// RefinementMargin expands a track's bounds (normalized units) to form
	// the refinement search region.
	RefinementMargin float64
	// MinRefinementIoU is the overlap a refinement candidate needs with the
	// tracked box to replace the tracker's corners.
	MinRefinementIoU    float64
	CompletionQueueSize int
}

// DefaultConfig returns the stock controller tuning.
func DefaultConfig() Config {
	return Config{
		ConfidenceThreshold: 0.3,
		RefinementEnabled:   true,
		RefinementMargin:    0.1,
		MinRefinementIoU:    0.3,
		CompletionQueueSize: 64,
	}
}

// Validate checks the tuning ranges.
func (c Config) Validate() error {
	if math.IsNaN(c.ConfidenceThreshold) || c.ConfidenceThreshold <= 0 || c.ConfidenceThreshold >= 1 {
		return fmt.Errorf("confidence threshold %v must be in (0,1)", c.ConfidenceThreshold)
	}
	if c.RefinementMargin < 0 || c.RefinementMargin > 0.5 {
		return fmt.Errorf("refinement margin %v must be in [0,0.5]", c.RefinementMargin)
	}
	if c.MinRefinementIoU < 0 || c.MinRefinementIoU > 1 {
		return fmt.Errorf("refinement IoU %v must be in [0,1]", c.MinRefinementIoU)
	}
	if c.CompletionQueueSize < 1 {
		return fmt.Errorf("completion queue size %d must be positive", c.CompletionQueueSize)
	}
	return nil
}

// Output is the result of one frame turn.
type Output struct {
	scan.Result
	Turn  uint64
	State State
	// Dropped lists the tracks removed from the set during this turn.
	Dropped []tracks.Track
	// Errors holds the per-frame failures absorbed during this turn.
	Errors []error
}

// Record converts the output into its persisted form.
func (o Output) Record() diagnostics.TurnRecord {
	r := diagnostics.TurnRecord{
		FrameSeq:       o.FrameSeq,
		FrameTimestamp: o.Timestamp,
		State:          o.State.String(),
		Tracks:         make([]diagnostics.TrackRecord, 0, len(o.Observations)),
	}
	for _, e := range o.Observations {
		r.Tracks = append(r.Tracks, diagnostics.TrackRecord{
			TrackID:     e.TrackID.String(),
			Confidence:  e.Observation.Confidence,
			Terminal:    e.Terminal,
			Refined:     e.Refined,
			Observation: e.Observation,
		})
	}
	return r
}

// Stats is a snapshot of controller counters.
type Stats struct {
	Turns            uint64
	Detections       uint64
	TrackerCalls     uint64
	RefinementPasses uint64
	Refined          uint64
	DetectionErrors  uint64
	TrackingErrors   uint64
	RefinementErrors uint64
	StaleCompletions uint64
	Seeded           uint64
	Dropped          uint64
}

type counters struct {
	turns, detections, trackerCalls, refinementPasses, refined atomic.Uint64
	detectionErrors, trackingErrors, refinementErrors          atomic.Uint64
	stale, seeded, dropped                                     atomic.Uint64
}

type completionKind int

const (
	detectCompletion completionKind = iota
	trackCompletion
	refineCompletion
)

func (k completionKind) String() string {
	switch k {
	case detectCompletion:
		return StageDetect
	case trackCompletion:
		return StageTrack
	default:
		return StageRefine
	}
}

// completion is the typed result of one capability call, tagged with the
// turn that issued it.
type completion struct {
	turn         uint64
	kind         completionKind
	slot         int
	trackID      uuid.UUID
	observations []scan.Observation
	results      []TrackResult
	err          error
}

// Controller is the detect/track state machine. Advance is the only
// mutator and processes one frame at a time; capability calls run on their
// own goroutines and report back over a single completion channel that
// only Advance reads.
type Controller struct {
	detector Detector
	region   RegionDetector
	tracker  Tracker
	sink     diagnostics.Sink
	cfg      Config

	mu   sync.Mutex
	set  tracks.Set
	turn uint64

	published atomic.Pointer[tracks.Set]

	events    chan completion
	quit      chan struct{}
	closeOnce sync.Once

	stats counters
}

// New builds a controller in the Seeking state. A nil sink discards
// diagnostics.
func New(cfg Config, detector Detector, tracker Tracker, sink diagnostics.Sink) (*Controller, error) {
	if detector == nil {
		return nil, errors.New("pipeline: detector is required")
	}
	if tracker == nil {
		return nil, errors.New("pipeline: tracker is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}
	if sink == nil {
		sink = diagnostics.Discard
	}
	c := &Controller{
		detector: detector,
		tracker:  tracker,
		sink:     sink,
		cfg:      cfg,
		events:   make(chan completion, cfg.CompletionQueueSize),
		quit:     make(chan struct{}),
	}
	if rd, ok := detector.(RegionDetector); ok {
		c.region = rd
	}
	c.published.Store(&tracks.Set{})
	return c, nil
}

// Close releases goroutines still waiting to deliver stale completions.
func (c *Controller) Close() {
	c.closeOnce.Do(func() { close(c.quit) })
}

// State returns the mode the next frame will be processed in.
func (c *Controller) State() State {
	return stateOf(*c.published.Load())
}

// Tracks returns the track set as of the last completed turn.
func (c *Controller) Tracks() []tracks.Track {
	return c.published.Load().Tracks()
}

// Stats returns a snapshot of the counters.
func (c *Controller) Stats() Stats {
	return Stats{
		Turns:            c.stats.turns.Load(),
		Detections:       c.stats.detections.Load(),
		TrackerCalls:     c.stats.trackerCalls.Load(),
		RefinementPasses: c.stats.refinementPasses.Load(),
		Refined:          c.stats.refined.Load(),
		DetectionErrors:  c.stats.detectionErrors.Load(),
		TrackingErrors:   c.stats.trackingErrors.Load(),
		RefinementErrors: c.stats.refinementErrors.Load(),
		StaleCompletions: c.stats.stale.Load(),
		Seeded:           c.stats.seeded.Load(),
		Dropped:          c.stats.dropped.Load(),
	}
}

// Advance runs one frame turn and returns the observation set to emit.
//
// Capability failures are absorbed into Output.Errors and reported to the
// diagnostics sink; the only error returned is the context's, in which case
// the track set is left exactly as it was before the call.
func (c *Controller) Advance(ctx context.Context, f scan.Frame) (Output, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return Output{}, err
	}

	c.turn++
	turn := c.turn
	c.drainStale()
	c.stats.turns.Add(1)

	out := Output{
		Result: scan.Result{
			FrameSeq:    f.Seq,
			Timestamp:   f.Timestamp,
			Orientation: f.Orientation,
		},
		Turn: turn,
	}
	before := stateOf(c.set)

	var (
		next tracks.Set
		err  error
	)
	if before == StateSeeking {
		next, err = c.seek(ctx, turn, f, &out)
	} else {
		next, err = c.track(ctx, turn, f, &out)
	}
	if err != nil {
		return Output{}, err
	}

	c.set = next
	c.published.Store(&next)
	out.State = stateOf(next)
	if out.State != before {
		diagf("frame %d: %s -> %s (%d tracks)", f.Seq, before, out.State, next.Len())
		c.report(f, diagnostics.KindTransition, "", "", fmt.Sprintf("%s -> %s", before, out.State))
	}
	tracef("frame %d turn %d: state=%s emitted=%d errors=%d", f.Seq, turn, out.State, len(out.Observations), len(out.Errors))
	return out, nil
}

// seek runs full detection and seeds a track per valid observation.
func (c *Controller) seek(ctx context.Context, turn uint64, f scan.Frame, out *Output) (tracks.Set, error) {
	c.stats.detections.Add(1)
	c.submit(completion{turn: turn, kind: detectCompletion}, func(ev *completion) {
		ev.observations, ev.err = c.detector.Detect(ctx, f)
	})
	evs, err := c.await(ctx, turn, 1)
	if err != nil {
		return c.set, err
	}
	ev := evs[0]
	if ev.err != nil {
		c.fail(f, out, &DetectionError{FrameSeq: f.Seq, FrameTimestamp: f.Timestamp, Err: ev.err})
		return c.set, nil
	}

	valid := make([]scan.Observation, 0, len(ev.observations))
	for i, o := range ev.observations {
		if err := o.Validate(); err != nil {
			opsf("frame %d: discarding detection %d: %v", f.Seq, i, err)
			c.report(f, diagnostics.KindInvalid, StageDetect, "", err.Error())
			continue
		}
		valid = append(valid, o)
	}

	next := tracks.Seed(valid)
	for _, tr := range next.Tracks() {
		c.stats.seeded.Add(1)
		diagf("frame %d: seeded %s", f.Seq, tr)
		c.report(f, diagnostics.KindSeeded, StageDetect, tr.ID.String(), "")
		out.Observations = append(out.Observations, emitted(tr, tr.Observation, false))
	}
	return next, nil
}

// track advances every active track against f, then refines the survivors.
func (c *Controller) track(ctx context.Context, turn uint64, f scan.Frame, out *Output) (tracks.Set, error) {
	active := c.set.Active()
	if len(active) == 0 {
		// Only terminal tracks remain; they were emitted last frame.
		next, dropped := c.set.Prune()
		c.noteDropped(f, out, dropped)
		return next, nil
	}

	previous := make([]scan.Observation, len(active))
	for i, tr := range active {
		previous[i] = tr.Observation
	}
	c.stats.trackerCalls.Add(1)
	c.submit(completion{turn: turn, kind: trackCompletion}, func(ev *completion) {
		ev.results, ev.err = c.tracker.Track(ctx, f, previous)
	})
	evs, err := c.await(ctx, turn, 1)
	if err != nil {
		return c.set, err
	}

	var (
		next    tracks.Set
		dropped []tracks.Track
	)
	terr := evs[0].err
	if terr == nil {
		var updates []tracks.Update
		if updates, terr = updatesFrom(active, evs[0].results); terr == nil {
			next, dropped, terr = c.set.Advance(updates, c.cfg.ConfidenceThreshold)
		}
	}
	if terr != nil {
		c.fail(f, out, &TrackingError{FrameSeq: f.Seq, FrameTimestamp: f.Timestamp, Err: terr})
		next, dropped = c.set.Prune()
		c.noteDropped(f, out, dropped)
		for _, tr := range next.Tracks() {
			out.Observations = append(out.Observations, emitted(tr, tr.Observation, false))
		}
		return next, nil
	}
	c.noteDropped(f, out, dropped)

	all := next.Tracks()
	for _, tr := range all {
		if tr.Terminal {
			diagf("frame %d: %s below threshold %.2f", f.Seq, tr, c.cfg.ConfidenceThreshold)
			c.report(f, diagnostics.KindTerminal, StageTrack, tr.ID.String(), fmt.Sprintf("confidence %.3f", tr.Confidence))
		}
	}

	refined, err := c.refine(ctx, turn, f, all, out)
	if err != nil {
		return c.set, err
	}
	for i, tr := range all {
		if r, ok := refined[i]; ok {
			out.Observations = append(out.Observations, emitted(tr, r, true))
			continue
		}
		out.Observations = append(out.Observations, emitted(tr, tr.Observation, false))
	}
	return next, nil
}

// refine runs one region detection per non-terminal track and returns the
// replacement observation for each slot that found a match. Refinement
// only changes what is emitted this frame, never the track itself.
func (c *Controller) refine(ctx context.Context, turn uint64, f scan.Frame, all []tracks.Track, out *Output) (map[int]scan.Observation, error) {
	if !c.cfg.RefinementEnabled {
		return nil, nil
	}
	n := 0
	for i, tr := range all {
		if tr.Terminal {
			continue
		}
		region := tr.Observation.Bounds().Expand(c.cfg.RefinementMargin)
		c.stats.refinementPasses.Add(1)
		c.submit(completion{turn: turn, kind: refineCompletion, slot: i, trackID: tr.ID}, func(ev *completion) {
			if c.region != nil {
				ev.observations, ev.err = c.region.DetectRegion(ctx, f, region)
				return
			}
			ev.observations, ev.err = c.detector.Detect(ctx, f)
		})
		n++
	}
	evs, err := c.await(ctx, turn, n)
	if err != nil {
		return nil, err
	}

	refined := make(map[int]scan.Observation, n)
	for _, ev := range evs {
		tr := all[ev.slot]
		if ev.trackID != tr.ID {
			c.discard(ev)
			continue
		}
		if ev.err != nil {
			c.fail(f, out, &RefinementError{FrameSeq: f.Seq, FrameTimestamp: f.Timestamp, TrackID: tr.ID, Err: ev.err})
			continue
		}
		best, ok := bestMatch(tr.Observation, ev.observations, c.cfg.MinRefinementIoU)
		if !ok {
			tracef("frame %d: no refinement for %s among %d candidates", f.Seq, tr, len(ev.observations))
			continue
		}
		c.stats.refined.Add(1)
		refined[ev.slot] = best.WithConfidence(tr.Confidence)
	}
	return refined, nil
}

// submit runs call on its own goroutine and delivers the completion, with
// panics converted to errors.
func (c *Controller) submit(ev completion, call func(*completion)) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ev.err = fmt.Errorf("%w: %v", ErrCapabilityPanic, r)
			}
			select {
			case c.events <- ev:
			case <-c.quit:
			}
		}()
		call(&ev)
	}()
}

// await collects n completions for turn, discarding any from other turns.
func (c *Controller) await(ctx context.Context, turn uint64, n int) ([]completion, error) {
	got := make([]completion, 0, n)
	for len(got) < n {
		select {
		case ev := <-c.events:
			if ev.turn != turn {
				c.discard(ev)
				continue
			}
			got = append(got, ev)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return got, nil
}

// drainStale empties completions left over from abandoned turns.
func (c *Controller) drainStale() {
	for {
		select {
		case ev := <-c.events:
			c.discard(ev)
		default:
			return
		}
	}
}

func (c *Controller) discard(ev completion) {
	c.stats.stale.Add(1)
	tracef("discarding stale %s completion from turn %d", ev.kind, ev.turn)
	id := ""
	if ev.trackID != uuid.Nil {
		id = ev.trackID.String()
	}
	c.sink.Report(diagnostics.Event{
		Time:    time.Now(),
		Stage:   ev.kind.String(),
		Kind:    diagnostics.KindStale,
		TrackID: id,
		Message: fmt.Sprintf("completion from turn %d", ev.turn),
	})
}

func (c *Controller) fail(f scan.Frame, out *Output, err FrameError) {
	out.Errors = append(out.Errors, err)
	trackID := ""
	switch e := err.(type) {
	case *DetectionError:
		c.stats.detectionErrors.Add(1)
	case *TrackingError:
		c.stats.trackingErrors.Add(1)
	case *RefinementError:
		c.stats.refinementErrors.Add(1)
		trackID = e.TrackID.String()
	}
	opsf("%v", err)
	c.report(f, diagnostics.KindError, err.Stage(), trackID, err.Error())
}

func (c *Controller) noteDropped(f scan.Frame, out *Output, dropped []tracks.Track) {
	for _, tr := range dropped {
		c.stats.dropped.Add(1)
		diagf("frame %d: dropped %s", f.Seq, tr)
		c.report(f, diagnostics.KindDropped, StageTrack, tr.ID.String(), "")
	}
	out.Dropped = append(out.Dropped, dropped...)
}

func (c *Controller) report(f scan.Frame, kind diagnostics.Kind, stage, trackID, msg string) {
	c.sink.Report(diagnostics.Event{
		Time:           time.Now(),
		FrameSeq:       f.Seq,
		FrameTimestamp: f.Timestamp,
		Stage:          stage,
		Kind:           kind,
		TrackID:        trackID,
		Message:        msg,
	})
}

func emitted(tr tracks.Track, obs scan.Observation, refined bool) scan.TrackedObservation {
	return scan.TrackedObservation{
		TrackID:     tr.ID,
		Observation: obs.WithConfidence(tr.Confidence),
		Terminal:    tr.Terminal,
		Refined:     refined,
	}
}

// updatesFrom pairs tracker results with the tracks they were issued for.
func updatesFrom(active []tracks.Track, results []TrackResult) ([]tracks.Update, error) {
	if len(results) != len(active) {
		return nil, fmt.Errorf("%w: %d results for %d tracks", ErrResultCount, len(results), len(active))
	}
	seen := make([]bool, len(active))
	updates := make([]tracks.Update, 0, len(results))
	for _, r := range results {
		if r.Index < 0 || r.Index >= len(active) || seen[r.Index] {
			return nil, fmt.Errorf("%w: %d", ErrResultIndex, r.Index)
		}
		seen[r.Index] = true
		if err := r.Observation.WithConfidence(r.Confidence).Validate(); err != nil {
			return nil, fmt.Errorf("result %d: %w", r.Index, err)
		}
		updates = append(updates, tracks.Update{
			TrackID:     active[r.Index].ID,
			Observation: r.Observation,
			Confidence:  r.Confidence,
		})
	}
	return updates, nil
}

// bestMatch picks the candidate overlapping ref the most, if any reaches
// minIoU.
func bestMatch(ref scan.Observation, candidates []scan.Observation, minIoU float64) (scan.Observation, bool) {
	box := ref.Bounds()
	var (
		best    scan.Observation
		bestIoU float64
		found   bool
	)
	for _, cand := range candidates {
		if cand.Validate() != nil {
			continue
		}
		iou := box.IoU(cand.Bounds())
		if iou >= minIoU && iou > bestIoU {
			best, bestIoU, found = cand, iou, true
		}
	}
	return best, found
}
