package engine

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"math"
	"sort"

	"github.com/anthonynsimon/bild/effect"
	"github.com/anthonynsimon/bild/segment"
	"github.com/disintegration/imaging"

	"github.com/banshee-data/quadtrack/internal/scan"
)

// ErrNoImage is returned for frames without pixel data.
var ErrNoImage = errors.New("engine: frame has no image")

// Config tunes the detector.
type Config struct {
	// MinArea and MaxArea bound a shape's area as a fraction of the
	// searched region.
	MinArea float64
	MaxArea float64
	// Tolerance is the minimum score a shape needs.
	Tolerance  float64
	MaxResults int
	// MaxDimension caps the working image's longer side in pixels.
	MaxDimension int
	// Threshold is the foreground grey level; 0 selects it per image with
	// Otsu's method.
	Threshold uint8
	// EdgeLevel is the Sobel magnitude that counts as an edge.
	EdgeLevel uint8
	// Invert looks for dark shapes on a light background.
	Invert bool
}

// DefaultConfig returns the stock detector tuning.
func DefaultConfig() Config {
	return Config{
		MinArea:      0.01,
		MaxArea:      0.95,
		Tolerance:    0.75,
		MaxResults:   8,
		MaxDimension: 640,
		EdgeLevel:    48,
	}
}

// Detector implements the pipeline's Detector and RegionDetector.
type Detector struct {
	cfg Config
}

// NewDetector validates cfg.
func NewDetector(cfg Config) (*Detector, error) {
	if cfg.MinArea < 0 || cfg.MaxArea <= cfg.MinArea || cfg.MaxArea > 1 {
		return nil, fmt.Errorf("engine: area bounds [%v,%v] invalid", cfg.MinArea, cfg.MaxArea)
	}
	if cfg.Tolerance < 0 || cfg.Tolerance > 1 {
		return nil, fmt.Errorf("engine: tolerance %v outside [0,1]", cfg.Tolerance)
	}
	if cfg.MaxResults < 1 {
		return nil, fmt.Errorf("engine: max results %d must be positive", cfg.MaxResults)
	}
	if cfg.MaxDimension < 16 {
		return nil, fmt.Errorf("engine: max dimension %d too small", cfg.MaxDimension)
	}
	return &Detector{cfg: cfg}, nil
}

// Detect searches the whole frame.
func (d *Detector) Detect(ctx context.Context, f scan.Frame) ([]scan.Observation, error) {
	return d.DetectRegion(ctx, f, scan.Rect{MaxX: 1, MaxY: 1})
}

// DetectRegion searches a normalized region of the frame and reports
// observations in full-frame coordinates.
func (d *Detector) DetectRegion(ctx context.Context, f scan.Frame, region scan.Rect) ([]scan.Observation, error) {
	if f.Image == nil {
		return nil, ErrNoImage
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	crop := pixelRect(f.Image.Bounds(), region)
	if crop.Dx() < 2 || crop.Dy() < 2 {
		return nil, nil
	}
	return d.detect(ctx, f.Image, crop)
}

// shape is a scored candidate in working-image pixels.
type shape struct {
	corners [4]image.Point // BL, BR, TR, TL in y-down pixel space
	pixels  int
	score   float64
}

func (d *Detector) detect(ctx context.Context, img image.Image, crop image.Rectangle) ([]scan.Observation, error) {
	var src image.Image = img
	if crop != img.Bounds() {
		src = imaging.Crop(img, crop)
	}
	work := src
	if b := src.Bounds(); b.Dx() > d.cfg.MaxDimension || b.Dy() > d.cfg.MaxDimension {
		work = imaging.Fit(src, d.cfg.MaxDimension, d.cfg.MaxDimension, imaging.Box)
	}
	if work.Bounds().Min != (image.Point{}) {
		work = imaging.Clone(work)
	}

	gray := effect.Grayscale(work)
	inv := effect.Invert(gray)
	var fgSrc image.Image = gray
	if d.cfg.Invert {
		fgSrc = inv
	}
	level := d.cfg.Threshold
	if level == 0 {
		level = otsu(fgSrc)
	}
	fg := segment.Threshold(fgSrc, level)
	edges := edgeMagnitude(effect.Sobel(gray), effect.Sobel(inv))

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	wb := fg.Bounds()
	total := float64(wb.Dx() * wb.Dy())
	var shapes []shape
	for _, comp := range components(fg) {
		frac := float64(len(comp)) / total
		if frac < d.cfg.MinArea || frac > d.cfg.MaxArea {
			continue
		}
		s := scoreShape(comp, edges, d.cfg.EdgeLevel)
		if s.score < d.cfg.Tolerance {
			continue
		}
		shapes = append(shapes, s)
	}
	sort.SliceStable(shapes, func(i, j int) bool { return shapes[i].pixels > shapes[j].pixels })
	if len(shapes) > d.cfg.MaxResults {
		shapes = shapes[:d.cfg.MaxResults]
	}

	full := img.Bounds()
	sx := float64(crop.Dx()) / float64(wb.Dx())
	sy := float64(crop.Dy()) / float64(wb.Dy())
	out := make([]scan.Observation, 0, len(shapes))
	for _, s := range shapes {
		var pts [4]scan.Point
		for i, c := range s.corners {
			px := float64(crop.Min.X-full.Min.X) + float64(c.X-wb.Min.X)*sx
			py := float64(crop.Min.Y-full.Min.Y) + float64(c.Y-wb.Min.Y)*sy
			pts[i] = scan.Point{
				X: clamp01(px / float64(full.Dx())),
				Y: clamp01(1 - py/float64(full.Dy())),
			}
		}
		out = append(out, scan.Observation{
			BottomLeft:  pts[0],
			BottomRight: pts[1],
			TopRight:    pts[2],
			TopLeft:     pts[3],
			Confidence:  s.score,
		})
	}
	return out, nil
}

// components returns the 8-connected foreground regions of mask.
func components(mask *image.Gray) [][]image.Point {
	b := mask.Bounds()
	w, h := b.Dx(), b.Dy()
	visited := make([]bool, w*h)
	var out [][]image.Point

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if visited[y*w+x] || mask.GrayAt(b.Min.X+x, b.Min.Y+y).Y == 0 {
				continue
			}
			var comp []image.Point
			stack := []image.Point{{X: x, Y: y}}
			visited[y*w+x] = true
			for len(stack) > 0 {
				p := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				comp = append(comp, image.Point{X: b.Min.X + p.X, Y: b.Min.Y + p.Y})
				for dy := -1; dy <= 1; dy++ {
					for dx := -1; dx <= 1; dx++ {
						nx, ny := p.X+dx, p.Y+dy
						if nx < 0 || ny < 0 || nx >= w || ny >= h || visited[ny*w+nx] {
							continue
						}
						if mask.GrayAt(b.Min.X+nx, b.Min.Y+ny).Y == 0 {
							continue
						}
						visited[ny*w+nx] = true
						stack = append(stack, image.Point{X: nx, Y: ny})
					}
				}
			}
			if len(comp) >= 10 {
				out = append(out, comp)
			}
		}
	}
	return out
}

// scoreShape extracts the corner quad of a component and rates it.
func scoreShape(comp []image.Point, edges *image.RGBA, edgeLevel uint8) shape {
	tl, br, tr, bl := comp[0], comp[0], comp[0], comp[0]
	for _, p := range comp[1:] {
		if p.X+p.Y < tl.X+tl.Y {
			tl = p
		}
		if p.X+p.Y > br.X+br.Y {
			br = p
		}
		if p.X-p.Y > tr.X-tr.Y {
			tr = p
		}
		if p.X-p.Y < bl.X-bl.Y {
			bl = p
		}
	}
	// pixel corners, so a w×h block spans exactly w×h
	s := shape{
		corners: [4]image.Point{
			{X: bl.X, Y: bl.Y + 1},
			{X: br.X + 1, Y: br.Y + 1},
			{X: tr.X + 1, Y: tr.Y},
			{X: tl.X, Y: tl.Y},
		},
		pixels: len(comp),
	}

	area := quadArea(s.corners)
	if area <= 0 {
		return s
	}
	fill := math.Min(1, float64(len(comp))/area)
	s.score = fill * edgeSupport(s.corners, edges, edgeLevel)
	return s
}

// quadArea is the shoelace area of a quad.
func quadArea(c [4]image.Point) float64 {
	var sum int
	for i := range c {
		j := (i + 1) % len(c)
		sum += c[i].X*c[j].Y - c[j].X*c[i].Y
	}
	return math.Abs(float64(sum)) / 2
}

const edgeSamplesPerSide = 16

// edgeSupport is the fraction of outline samples that sit on an edge pixel
// or next to one.
func edgeSupport(c [4]image.Point, edges *image.RGBA, level uint8) float64 {
	b := edges.Bounds()
	hits, total := 0, 0
	for i := range c {
		a, z := c[i], c[(i+1)%len(c)]
		for k := 0; k < edgeSamplesPerSide; k++ {
			t := (float64(k) + 0.5) / edgeSamplesPerSide
			x := int(math.Round(float64(a.X) + t*float64(z.X-a.X)))
			y := int(math.Round(float64(a.Y) + t*float64(z.Y-a.Y)))
			total++
			if nearEdge(edges, b, x, y, level) {
				hits++
			}
		}
	}
	return float64(hits) / float64(total)
}

func nearEdge(edges *image.RGBA, b image.Rectangle, x, y int, level uint8) bool {
	for dy := -1; dy <= 1; dy++ {
		for dx := -1; dx <= 1; dx++ {
			p := image.Point{X: x + dx, Y: y + dy}
			if !p.In(b) {
				continue
			}
			if edges.RGBAAt(p.X, p.Y).R >= level {
				return true
			}
		}
	}
	return false
}

// edgeMagnitude merges the Sobel responses of an image and its negative.
// Sobel clamps negative gradients, so each input only sees edges in one
// direction; the per-pixel max sees both.
func edgeMagnitude(pos, neg *image.RGBA) *image.RGBA {
	b := pos.Bounds()
	out := image.NewRGBA(b)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := pos.RGBAAt(x, y)
			if n := neg.RGBAAt(x, y); n.R > c.R {
				c = n
			}
			out.SetRGBA(x, y, c)
		}
	}
	return out
}

// otsu picks the grey level that best separates the histogram into two
// classes. A flat image returns 255 so only pure white is foreground.
func otsu(img image.Image) uint8 {
	var hist [256]int
	b := img.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			hist[color.GrayModel.Convert(img.At(x, y)).(color.Gray).Y]++
		}
	}
	total := b.Dx() * b.Dy()
	var sumAll float64
	for i, n := range hist {
		sumAll += float64(i * n)
	}

	var sumBack, best float64
	wBack, bestLvl := 0, 255
	for t := 0; t < 255; t++ {
		wBack += hist[t]
		if wBack == 0 {
			continue
		}
		wFore := total - wBack
		if wFore == 0 {
			break
		}
		sumBack += float64(t * hist[t])
		mB := sumBack / float64(wBack)
		mF := (sumAll - sumBack) / float64(wFore)
		between := float64(wBack) * float64(wFore) * (mB - mF) * (mB - mF)
		if between > best {
			best, bestLvl = between, t+1
		}
	}
	return uint8(bestLvl)
}

// pixelRect converts a normalized bottom-left-origin region to the pixel
// rectangle of bounds it covers.
func pixelRect(bounds image.Rectangle, r scan.Rect) image.Rectangle {
	w, h := float64(bounds.Dx()), float64(bounds.Dy())
	x0 := int(math.Floor(clamp01(r.MinX) * w))
	x1 := int(math.Ceil(clamp01(r.MaxX) * w))
	y0 := int(math.Floor((1 - clamp01(r.MaxY)) * h))
	y1 := int(math.Ceil((1 - clamp01(r.MinY)) * h))
	return image.Rect(bounds.Min.X+x0, bounds.Min.Y+y0, bounds.Min.X+x1, bounds.Min.Y+y1).Intersect(bounds)
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
