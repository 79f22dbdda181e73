package tracks

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/banshee-data/quadtrack/internal/scan"
)

// Set is the ordered collection of live tracks; order is detection order.
// The zero value is an empty set.
type Set struct {
	tracks []Track
}

// Seed builds a fresh track per observation with confidence 1.0.
func Seed(observations []scan.Observation) Set {
	if len(observations) == 0 {
		return Set{}
	}
	out := make([]Track, len(observations))
	for i, obs := range observations {
		out[i] = Track{
			ID:          uuid.New(),
			Observation: obs,
			Confidence:  1.0,
		}
	}
	return Set{tracks: out}
}

// Len is the number of tracks, terminal ones included.
func (s Set) Len() int { return len(s.tracks) }

// Empty reports whether the set holds no tracks.
func (s Set) Empty() bool { return len(s.tracks) == 0 }

// Tracks returns a copy of the tracks in order.
func (s Set) Tracks() []Track {
	out := make([]Track, len(s.tracks))
	copy(out, s.tracks)
	return out
}

// Active returns the non-terminal tracks in order; these are the tracks
// submitted to the tracker.
func (s Set) Active() []Track {
	out := make([]Track, 0, len(s.tracks))
	for _, t := range s.tracks {
		if !t.Terminal {
			out = append(out, t)
		}
	}
	return out
}

// Get looks a track up by identity.
func (s Set) Get(id uuid.UUID) (Track, bool) {
	for _, t := range s.tracks {
		if t.ID == id {
			return t, true
		}
	}
	return Track{}, false
}

// Advance applies one frame of tracker updates and returns the set for the
// next frame plus the tracks dropped from it.
//
// Per track, in order:
//   - already terminal: dropped (no update is consulted);
//   - reported confidence ≤ threshold: kept once more with Terminal set,
//     the reported confidence and its last good observation;
//   - otherwise: continued with the updated observation and confidence.
//
// Every active track needs exactly one update. A missing, duplicated or
// unknown update fails the whole advance and leaves s untouched, so a
// returned track is never a mix of two frames.
func (s Set) Advance(updates []Update, threshold float64) (Set, []Track, error) {
	byID := make(map[uuid.UUID]Update, len(updates))
	for _, u := range updates {
		if _, dup := byID[u.TrackID]; dup {
			return s, nil, fmt.Errorf("duplicate update for track %s", shortID(u.TrackID))
		}
		byID[u.TrackID] = u
	}

	next := make([]Track, 0, len(s.tracks))
	var dropped []Track
	for _, t := range s.tracks {
		if t.Terminal {
			dropped = append(dropped, t)
			continue
		}
		u, ok := byID[t.ID]
		if !ok {
			return s, nil, fmt.Errorf("%w: %s", ErrIncompleteUpdate, shortID(t.ID))
		}
		delete(byID, t.ID)

		cont := Track{ID: t.ID, Confidence: u.Confidence, Age: t.Age + 1}
		if u.Confidence <= threshold {
			cont.Observation = t.Observation
			cont.Terminal = true
		} else {
			cont.Observation = u.Observation.WithConfidence(u.Confidence)
		}
		next = append(next, cont)
	}
	for id := range byID {
		return s, nil, fmt.Errorf("%w: %s", ErrUnknownTrack, shortID(id))
	}
	return Set{tracks: next}, dropped, nil
}

// Prune drops terminal tracks and carries every other track unchanged. It
// is the degraded path when the tracker fails for a frame.
func (s Set) Prune() (Set, []Track) {
	var dropped []Track
	next := make([]Track, 0, len(s.tracks))
	for _, t := range s.tracks {
		if t.Terminal {
			dropped = append(dropped, t)
			continue
		}
		next = append(next, t)
	}
	if len(next) == 0 {
		return Set{}, dropped
	}
	return Set{tracks: next}, dropped
}
