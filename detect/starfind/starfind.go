/*Package starfind is a native star detector.

Detection follows the usual recipe of a sky background from the median and
MAD of the frame, a gaussian pre-filter, a k-sigma threshold and 4-connected
segmentation.  Each segment is measured on the unfiltered frame.  FWHM_IMAGE
is the diameter of the circle with the same area as the pixels above half of
the peak; A_IMAGE and B_IMAGE come from the second moments.

Objects touching the frame edge carry flag 8 and objects reaching the
saturation level carry flag 4, as SExtractor does.
*/
package starfind

import (
	"bufio"
	"context"
	"fmt"
	"image"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/disintegration/gift"

	"github.com/nasa-jpl/autofocus/catalog"
	"github.com/nasa-jpl/autofocus/detect"
	"github.com/nasa-jpl/autofocus/fitsimg"
	"github.com/nasa-jpl/autofocus/mathx"
)

const (
	flagSaturated = 4
	flagTruncated = 8
)

// Config holds the detection parameters
type Config struct {
	// Fields is the base schema; DefaultFields when empty
	Fields []string

	// Flux appends the flux fields to the schema
	Flux bool

	// AssocColumns is the number of value columns in association catalogs
	AssocColumns int

	// AssocRadius is the matching radius in pixels for association
	AssocRadius float64

	// Threshold is the detection threshold, in units of background sigma
	Threshold float64

	// MinArea is the minimum number of pixels in a segment
	MinArea int

	// Smooth is the sigma of the gaussian pre-filter in pixels; zero disables it
	Smooth float64

	// Saturation is the level at which a pixel is flagged saturated; zero disables it
	Saturation float64

	// MinSigma floors the background sigma, for noise-free frames
	MinSigma float64

	// Cleaning of the raw catalog
	MaxEllipticity float64
	Border         float64
}

// Detector implements detect.Detector
type Detector struct {
	cfg    Config
	schema catalog.Schema
}

var supported = map[string]bool{
	catalog.Number: true, catalog.ExtNumber: true, catalog.XImage: true, catalog.YImage: true,
	catalog.MagBest: true, catalog.Flags: true, catalog.ClassStar: true, catalog.FWHMImage: true,
	catalog.AImage: true, catalog.BImage: true, catalog.FluxMax: true, catalog.FluxAper: true,
	catalog.FluxErrAper: true, catalog.NumberAssoc: true,
}

// New creates a detector, filling unset parameters with defaults
func New(cfg Config) (*Detector, error) {
	if len(cfg.Fields) == 0 {
		cfg.Fields = catalog.DefaultFields
	}
	if cfg.Threshold == 0 {
		cfg.Threshold = 5
	}
	if cfg.MinArea == 0 {
		cfg.MinArea = 5
	}
	if cfg.MinSigma == 0 {
		cfg.MinSigma = 1
	}
	if cfg.AssocRadius == 0 {
		cfg.AssocRadius = 3
	}
	for _, f := range cfg.Fields {
		if !supported[f] && !strings.HasPrefix(f, "VECTOR_ASSOC(") {
			return nil, fmt.Errorf("starfind: %w: %s", catalog.ErrUnknownField, f)
		}
	}
	s := catalog.NewSchema(cfg.Fields...)
	if cfg.Flux {
		s = s.WithFlux()
	}
	if cfg.AssocColumns > 0 {
		s = s.WithAssoc(cfg.AssocColumns)
	}
	for _, f := range []string{catalog.Flags, catalog.FWHMImage} {
		if !s.Has(f) {
			return nil, fmt.Errorf("starfind: schema lacks %s", f)
		}
	}
	return &Detector{cfg: cfg, schema: s}, nil
}

// Schema returns the field order of detected objects
func (d *Detector) Schema() catalog.Schema {
	return d.schema
}

// Detect finds the objects in the image at imagePath
func (d *Detector) Detect(ctx context.Context, imagePath, assocPath string) (detect.Result, error) {
	frame, _, err := fitsimg.ReadFrame(imagePath)
	if err != nil {
		return detect.Result{}, err
	}
	if err := ctx.Err(); err != nil {
		return detect.Result{}, err
	}
	segs := d.segment(frame)
	bg, sigma := d.background(frame)
	var assoc []assocEntry
	if assocPath != "" {
		assoc, err = readAssoc(assocPath, d.cfg.AssocColumns)
		if err != nil {
			return detect.Result{}, err
		}
	}
	res := detect.Result{}
	nRej := 0
	for i, seg := range segs {
		m := d.measure(frame, seg, bg, sigma)
		m[catalog.Number] = float64(i + 1)
		m[catalog.ExtNumber] = 1
		if assocPath != "" {
			if !matchAssoc(m, assoc, d.cfg.AssocRadius, d.cfg.AssocColumns) {
				nRej++
				continue
			}
		}
		res.Raw = append(res.Raw, d.layout(m))
	}
	if nRej > 0 {
		res.Diagnostic = fmt.Sprintf("%d objects without association match dropped", nRej)
	}
	cl := catalog.Cleaner{
		MaxEllipticity: d.cfg.MaxEllipticity,
		Border:         d.cfg.Border,
		Width:          frame.Width,
		Height:         frame.Height,
	}
	res.Cleaned, err = cl.Clean(d.schema, res.Raw)
	return res, err
}

func (d *Detector) layout(m map[string]float64) catalog.Object {
	o := make(catalog.Object, d.schema.Len())
	for i, f := range d.schema.Fields() {
		o[i] = m[f]
	}
	return o
}

func (d *Detector) background(f fitsimg.Frame) (float64, float64) {
	bg, sigma := mathx.MAD(f.Pix)
	if sigma < d.cfg.MinSigma {
		sigma = d.cfg.MinSigma
	}
	return bg, sigma
}

// smooth applies the gaussian pre-filter.  The frame is scaled to 16 bits
// for filtering and scaled back.
func (d *Detector) smooth(f fitsimg.Frame) fitsimg.Frame {
	if d.cfg.Smooth <= 0 {
		return f
	}
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, v := range f.Pix {
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	if !(hi > lo) {
		return f
	}
	scale := 65535 / (hi - lo)
	src := image.NewGray16(image.Rect(0, 0, f.Width, f.Height))
	for i, v := range f.Pix {
		u := uint16(math.Round((v - lo) * scale))
		src.Pix[2*i] = uint8(u >> 8)
		src.Pix[2*i+1] = uint8(u)
	}
	g := gift.New(gift.GaussianBlur(float32(d.cfg.Smooth)))
	dst := image.NewGray16(g.Bounds(src.Bounds()))
	g.Draw(dst, src)
	out := fitsimg.NewFrame(f.Width, f.Height)
	for i := range out.Pix {
		u := uint16(dst.Pix[2*i])<<8 | uint16(dst.Pix[2*i+1])
		out.Pix[i] = lo + float64(u)/scale
	}
	return out
}

// segment returns the pixel indices of each connected region above threshold
func (d *Detector) segment(f fitsimg.Frame) [][]int {
	sm := d.smooth(f)
	bg, sigma := d.background(sm)
	thresh := bg + d.cfg.Threshold*sigma
	w, h := f.Width, f.Height
	seen := make([]bool, len(sm.Pix))
	var segs [][]int
	stack := make([]int, 0, 64)
	for start, v := range sm.Pix {
		if seen[start] || v <= thresh {
			continue
		}
		seg := []int{}
		stack = append(stack[:0], start)
		seen[start] = true
		for len(stack) > 0 {
			p := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			seg = append(seg, p)
			x, y := p%w, p/w
			for _, q := range [4][2]int{{x - 1, y}, {x + 1, y}, {x, y - 1}, {x, y + 1}} {
				if q[0] < 0 || q[1] < 0 || q[0] >= w || q[1] >= h {
					continue
				}
				n := q[1]*w + q[0]
				if !seen[n] && sm.Pix[n] > thresh {
					seen[n] = true
					stack = append(stack, n)
				}
			}
		}
		if len(seg) >= d.cfg.MinArea {
			segs = append(segs, seg)
		}
	}
	return segs
}

func (d *Detector) measure(f fitsimg.Frame, seg []int, bg, sigma float64) map[string]float64 {
	w, h := f.Width, f.Height
	var flux, sx, sy, peak float64
	flags := 0
	for _, p := range seg {
		v := f.Pix[p] - bg
		x, y := p%w, p/w
		if x == 0 || y == 0 || x == w-1 || y == h-1 {
			flags |= flagTruncated
		}
		if d.cfg.Saturation > 0 && f.Pix[p] >= d.cfg.Saturation {
			flags |= flagSaturated
		}
		if v > peak {
			peak = v
		}
		if v <= 0 {
			continue
		}
		flux += v
		sx += v * float64(x)
		sy += v * float64(y)
	}
	m := map[string]float64{catalog.Flags: float64(flags)}
	if flux <= 0 {
		m[catalog.MagBest] = 99
		return m
	}
	cx, cy := sx/flux, sy/flux
	var xx, yy, xy float64
	halfArea := 0
	for _, p := range seg {
		v := f.Pix[p] - bg
		if v >= peak/2 {
			halfArea++
		}
		if v <= 0 {
			continue
		}
		dx, dy := float64(p%w)-cx, float64(p/w)-cy
		xx += v * dx * dx
		yy += v * dy * dy
		xy += v * dx * dy
	}
	xx, yy, xy = xx/flux, yy/flux, xy/flux
	mid := (xx + yy) / 2
	rad := math.Sqrt((xx-yy)*(xx-yy)/4 + xy*xy)
	a := math.Sqrt(math.Max(mid+rad, 0))
	b := math.Sqrt(math.Max(mid-rad, 0))
	class := 0.
	if a > 0 {
		class = b / a
	}
	// FITS pixel coordinates are 1-based
	m[catalog.XImage] = cx + 1
	m[catalog.YImage] = cy + 1
	m[catalog.FWHMImage] = 2 * math.Sqrt(float64(halfArea)/math.Pi)
	m[catalog.AImage] = a
	m[catalog.BImage] = b
	m[catalog.ClassStar] = class
	m[catalog.MagBest] = -2.5 * math.Log10(flux)
	m[catalog.FluxMax] = peak
	m[catalog.FluxAper] = flux
	m[catalog.FluxErrAper] = math.Sqrt(flux + float64(len(seg))*sigma*sigma)
	return m
}

type assocEntry struct {
	x, y   float64
	values []float64
}

// readAssoc reads a whitespace separated text catalog of x, y and value columns.
// Lines starting with # are skipped.
func readAssoc(path string, cols int) ([]assocEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var out []assocEntry
	sc := bufio.NewScanner(f)
	line := 0
	for sc.Scan() {
		line++
		txt := strings.TrimSpace(sc.Text())
		if txt == "" || strings.HasPrefix(txt, "#") {
			continue
		}
		parts := strings.Fields(txt)
		if len(parts) < 2 {
			return nil, fmt.Errorf("%s:%d: expected at least x and y", path, line)
		}
		vals := make([]float64, len(parts))
		for i, p := range parts {
			vals[i], err = strconv.ParseFloat(p, 64)
			if err != nil {
				return nil, fmt.Errorf("%s:%d: %w", path, line, err)
			}
		}
		e := assocEntry{x: vals[0], y: vals[1], values: make([]float64, cols)}
		copy(e.values, vals)
		out = append(out, e)
	}
	return out, sc.Err()
}

// matchAssoc fills the association fields of m from the nearest entry within
// radius and reports whether one was found
func matchAssoc(m map[string]float64, entries []assocEntry, radius float64, cols int) bool {
	x, y := m[catalog.XImage], m[catalog.YImage]
	best, bestD := -1, radius*radius
	count := 0
	for i, e := range entries {
		d := (e.x-x)*(e.x-x) + (e.y-y)*(e.y-y)
		if d > radius*radius {
			continue
		}
		count++
		if d <= bestD {
			best, bestD = i, d
		}
	}
	if best < 0 {
		return false
	}
	for i := 0; i < cols; i++ {
		m[catalog.VectorAssoc(i+1)] = entries[best].values[i]
	}
	m[catalog.NumberAssoc] = float64(count)
	return true
}
