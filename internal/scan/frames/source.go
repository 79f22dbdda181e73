// Package frames delivers camera frames to the pipeline one at a time.
//
// A Source produces frames in capture order. The Dispatcher hands them to a
// single consumer without buffering: a frame that arrives while the
// consumer is still busy is dropped, so a slow pipeline lowers the
// effective frame rate instead of building a backlog.
package frames

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/disintegration/imaging"

	"github.com/banshee-data/quadtrack/internal/scan"
	"github.com/banshee-data/quadtrack/internal/timeutil"
)

// Source yields frames in capture order and io.EOF when exhausted.
type Source interface {
	Next(ctx context.Context) (scan.Frame, error)
}

// SourceConfig is shared by the bundled sources.
type SourceConfig struct {
	Orientation scan.Orientation
	// Intrinsics is attached to every frame when set.
	Intrinsics *scan.Intrinsics
	// Interval paces delivery like a camera; zero delivers as fast as the
	// reader pulls.
	Interval time.Duration
	Clock    timeutil.Clock
}

func (c SourceConfig) clock() timeutil.Clock {
	if c.Clock == nil {
		return timeutil.RealClock{}
	}
	return c.Clock
}

// pacer blocks between frames when an interval is configured.
type pacer struct {
	ticker timeutil.Ticker
}

func newPacer(cfg SourceConfig) *pacer {
	if cfg.Interval <= 0 {
		return &pacer{}
	}
	return &pacer{ticker: cfg.clock().NewTicker(cfg.Interval)}
}

func (p *pacer) wait(ctx context.Context) error {
	if p.ticker == nil {
		return ctx.Err()
	}
	select {
	case <-p.ticker.C():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *pacer) stop() {
	if p.ticker != nil {
		p.ticker.Stop()
	}
}

// SliceSource replays in-memory frames. Frames with a zero Seq are numbered
// from 1 in order.
type SliceSource struct {
	frames []scan.Frame
	next   int
}

// NewSliceSource copies frames into a source.
func NewSliceSource(frames ...scan.Frame) *SliceSource {
	out := make([]scan.Frame, len(frames))
	copy(out, frames)
	for i := range out {
		if out[i].Seq == 0 {
			out[i].Seq = uint64(i + 1)
		}
	}
	return &SliceSource{frames: out}
}

// Next implements Source.
func (s *SliceSource) Next(ctx context.Context) (scan.Frame, error) {
	if err := ctx.Err(); err != nil {
		return scan.Frame{}, err
	}
	if s.next >= len(s.frames) {
		return scan.Frame{}, io.EOF
	}
	f := s.frames[s.next]
	s.next++
	return f, nil
}

var imageExts = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true,
	".bmp": true, ".tif": true, ".tiff": true,
}

// DirSource replays the image files of a directory in name order.
type DirSource struct {
	cfg   SourceConfig
	paths []string
	next  int
	pace  *pacer
}

// NewDirSource lists the images in dir. An empty directory is an error.
func NewDirSource(dir string, cfg SourceConfig) (*DirSource, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("frames: read %s: %w", dir, err)
	}
	var paths []string
	for _, e := range entries {
		if e.IsDir() || !imageExts[strings.ToLower(filepath.Ext(e.Name()))] {
			continue
		}
		paths = append(paths, filepath.Join(dir, e.Name()))
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("frames: no images in %s", dir)
	}
	sort.Strings(paths)
	diagf("replaying %d images from %s", len(paths), dir)
	return &DirSource{cfg: cfg, paths: paths, pace: newPacer(cfg)}, nil
}

// Len is the number of frames the source will produce.
func (s *DirSource) Len() int { return len(s.paths) }

// Next implements Source. Unreadable files are skipped with an ops log.
func (s *DirSource) Next(ctx context.Context) (scan.Frame, error) {
	for s.next < len(s.paths) {
		if err := s.pace.wait(ctx); err != nil {
			return scan.Frame{}, err
		}
		path := s.paths[s.next]
		s.next++
		img, err := imaging.Open(path)
		if err != nil {
			opsf("skipping %s: %v", path, err)
			continue
		}
		return scan.Frame{
			Seq:         uint64(s.next),
			Image:       img,
			Timestamp:   s.cfg.clock().Now(),
			Orientation: s.cfg.Orientation,
			Intrinsics:  s.cfg.Intrinsics,
		}, nil
	}
	s.pace.stop()
	return scan.Frame{}, io.EOF
}

// IsEndOfStream reports whether err marks a source running out of frames.
func IsEndOfStream(err error) bool {
	return errors.Is(err, io.EOF)
}
