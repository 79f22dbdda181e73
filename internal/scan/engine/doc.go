// Package engine is the bundled vision engine: a Detector that finds
// bright quadrilaterals by threshold segmentation and edge support, and a
// Tracker that follows previous observations by re-detecting inside their
// neighbourhood.
//
// # Algorithm
//
//  1. Working copy: crop to the search region and shrink to MaxDimension.
//  2. Segmentation: greyscale, then threshold (Otsu when unset).
//  3. Components: 8-connected flood fill over foreground pixels.
//  4. Corners: extremes of x+y and x−y give TL, BR, TR and BL.
//  5. Score: fill ratio of the corner quad times the fraction of its
//     outline that lies on Sobel edges.
//  6. Filtering: MinArea, MaxArea and Tolerance, largest first, capped at
//     MaxResults.
//
// # Limitations
//
//   - Shapes must contrast with the background in one direction (see
//     Config.Invert).
//   - Touching shapes merge into one component.
package engine
