// Package geometry maps normalized camera observations into overlay space.
//
// The mapping is a fixed two-step composition that must not be reordered:
//
//  1. camera → resolution: flip Y, then scale X by the capture width and Y
//     by the capture height (bottom-left unit square → top-left pixels).
//  2. resolution → overlay: rotate-and-scale about the overlay layer centre,
//     with the layer itself kept centred on the viewport.
//
// Rotation and scale come from a table keyed on device orientation. The
// composed 3×3 matrix and its inverse are cached and rebuilt only when the
// orientation, viewport or preview size changes.
package geometry
