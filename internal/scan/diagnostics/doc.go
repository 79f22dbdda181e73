// Package diagnostics is the structured event sink for the rectangle
// pipeline.
//
// Every per-frame failure, state transition and track lifecycle change is
// reported as an Event. Sinks are fire-and-forget: Report never blocks the
// frame turn and never returns an error. Store persists events and per-turn
// track observations to sqlite for offline analysis.
package diagnostics
