package frames

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/banshee-data/quadtrack/internal/scan"
	"github.com/banshee-data/quadtrack/internal/scan/diagnostics"
	"github.com/banshee-data/quadtrack/internal/timeutil"
)

// Handler processes one frame. A returned error stops the dispatcher.
type Handler func(ctx context.Context, f scan.Frame) error

// DispatcherConfig tunes frame delivery.
type DispatcherConfig struct {
	// MaxFrameRate caps accepted frames per second; 0 means unlimited.
	MaxFrameRate float64
	Clock        timeutil.Clock
	// Sink receives a KindFrameDropped event for every discarded frame.
	Sink diagnostics.Sink
}

// DispatcherStats counts frames by outcome.
type DispatcherStats struct {
	Received  uint64
	Delivered uint64
	Dropped   uint64
	Throttled uint64
}

// Dispatcher moves frames from a Source to a single Handler with at most
// one frame in flight.
type Dispatcher struct {
	cfg      DispatcherConfig
	clock    timeutil.Clock
	interval time.Duration

	busy      atomic.Bool
	received  atomic.Uint64
	delivered atomic.Uint64
	dropped   atomic.Uint64
	throttled atomic.Uint64
}

// NewDispatcher applies defaults to cfg.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	d := &Dispatcher{cfg: cfg, clock: cfg.Clock}
	if d.clock == nil {
		d.clock = timeutil.RealClock{}
	}
	if d.cfg.Sink == nil {
		d.cfg.Sink = diagnostics.Discard
	}
	if cfg.MaxFrameRate > 0 {
		d.interval = time.Duration(float64(time.Second) / cfg.MaxFrameRate)
	}
	return d
}

// Busy reports whether the handler is currently processing a frame.
func (d *Dispatcher) Busy() bool { return d.busy.Load() }

// Stats returns a snapshot of the counters.
func (d *Dispatcher) Stats() DispatcherStats {
	return DispatcherStats{
		Received:  d.received.Load(),
		Delivered: d.delivered.Load(),
		Dropped:   d.dropped.Load(),
		Throttled: d.throttled.Load(),
	}
}

// Run pulls frames from src until it is exhausted, ctx ends or handle
// fails. It returns nil when the source reaches io.EOF.
//
// The producer marks the dispatcher busy before handing a frame over and
// the consumer clears it after the handler returns, so "busy" covers the
// whole time a frame is in flight. Frames pulled while busy are dropped.
func (d *Dispatcher) Run(ctx context.Context, src Source, handle Handler) error {
	g, gctx := errgroup.WithContext(ctx)
	handoff := make(chan scan.Frame)

	g.Go(func() error {
		defer close(handoff)
		var lastAccepted time.Time
		for {
			f, err := src.Next(gctx)
			if err != nil {
				if IsEndOfStream(err) {
					diagf("source exhausted after %d frames", d.received.Load())
					return nil
				}
				if gctx.Err() != nil {
					return gctx.Err()
				}
				return fmt.Errorf("frames: source: %w", err)
			}
			d.received.Add(1)

			if d.interval > 0 && !lastAccepted.IsZero() && d.clock.Since(lastAccepted) < d.interval {
				d.throttled.Add(1)
				d.reportDrop(f, "throttled")
				continue
			}
			if !d.busy.CompareAndSwap(false, true) {
				d.dropped.Add(1)
				d.reportDrop(f, "consumer busy")
				continue
			}
			select {
			case handoff <- f:
				lastAccepted = d.clock.Now()
			case <-gctx.Done():
				d.busy.Store(false)
				return gctx.Err()
			}
		}
	})

	g.Go(func() error {
		for f := range handoff {
			d.delivered.Add(1)
			tracef("frame %d delivered", f.Seq)
			err := handle(gctx, f)
			d.busy.Store(false)
			if err != nil {
				return err
			}
		}
		return nil
	})

	err := g.Wait()
	st := d.Stats()
	diagf("dispatcher stopped: received=%d delivered=%d dropped=%d throttled=%d", st.Received, st.Delivered, st.Dropped, st.Throttled)
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (d *Dispatcher) reportDrop(f scan.Frame, reason string) {
	tracef("frame %d dropped: %s", f.Seq, reason)
	d.cfg.Sink.Report(diagnostics.Event{
		Time:           d.clock.Now(),
		FrameSeq:       f.Seq,
		FrameTimestamp: f.Timestamp,
		Stage:          "frames",
		Kind:           diagnostics.KindFrameDropped,
		Message:        reason,
	})
}
