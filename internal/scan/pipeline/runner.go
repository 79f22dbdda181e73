package pipeline

import (
	"context"
	"errors"

	"github.com/banshee-data/quadtrack/internal/scan"
	"github.com/banshee-data/quadtrack/internal/scan/frames"
	"github.com/banshee-data/quadtrack/internal/scan/overlay"
)

// Observer sees every completed frame turn after it was rendered.
type Observer interface {
	ObserveTurn(out Output, batch overlay.Batch)
}

// ObserverFunc adapts a function to an Observer.
type ObserverFunc func(out Output, batch overlay.Batch)

// ObserveTurn calls f(out, batch).
func (f ObserverFunc) ObserveTurn(out Output, batch overlay.Batch) { f(out, batch) }

// Runner binds a frame source to the controller and the overlay emitter.
// Each dispatched frame is one turn: advance, emit, render, observe. The
// next frame is not accepted until all of that is done.
type Runner struct {
	controller *Controller
	dispatcher *frames.Dispatcher
	emitter    *overlay.Emitter
	renderer   overlay.Renderer
	observers  []Observer
}

// NewRunner wires the pipeline stages. renderer may be nil.
func NewRunner(c *Controller, d *frames.Dispatcher, e *overlay.Emitter, renderer overlay.Renderer, observers ...Observer) *Runner {
	if renderer == nil {
		renderer = overlay.MultiRenderer(nil)
	}
	return &Runner{
		controller: c,
		dispatcher: d,
		emitter:    e,
		renderer:   renderer,
		observers:  observers,
	}
}

// Run processes src until it is exhausted or ctx ends. Cancellation is a
// normal shutdown and returns nil.
func (r *Runner) Run(ctx context.Context, src frames.Source) error {
	diagf("runner started")
	err := r.dispatcher.Run(ctx, src, r.Step)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		diagf("runner stopped: %v", err)
		return nil
	}
	if err != nil {
		opsf("runner failed: %v", err)
	}
	return err
}

// Step runs one frame turn. It is exported for callers that drive frames
// themselves.
func (r *Runner) Step(ctx context.Context, f scan.Frame) error {
	out, err := r.controller.Advance(ctx, f)
	if err != nil {
		return err
	}
	batch := r.emitter.Emit(out.Result)
	r.renderer.Render(batch)
	for _, o := range r.observers {
		o.ObserveTurn(out, batch)
	}
	return nil
}
