// Package scan owns the shared data model of the rectangle tracking pipeline.
//
// Responsibilities: the frame envelope handed to the pipeline, rectangle
// observations in normalized camera space, device orientation and the small
// set of planar value types (Point, Size, Rect) used by every stage.
//
// Layer packages live underneath: geometry (normalized → overlay space),
// tracks (track lifecycle), pipeline (detect/track controller), overlay
// (polygon emission), frames (frame delivery), diagnostics (failure events),
// and the engine/remote/visualiser/monitor adapters.
//
// Dependency rule: this package imports no other scan package.
package scan
