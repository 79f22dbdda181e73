// Package tracks owns the track lifecycle of the rectangle pipeline.
//
// Responsibilities: seeding tracks from detections, applying one tracker
// update per frame with confidence-based eviction, and dropping terminal
// tracks exactly one frame after they are flagged.
// Key types: Track, Set, Update.
//
// A Set is an ordered dense slice rebuilt on every frame; nothing mutates
// a Set in place. Track identity is a UUID assigned at seed time and
// carried unchanged through every continuation.
package tracks
