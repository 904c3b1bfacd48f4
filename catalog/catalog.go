// Package catalog describes detected objects as field vectors ordered by a
// Schema shared across a scan, and computes the focus statistics over them.
package catalog

import (
	"errors"
	"fmt"
	"math"
	"strconv"

	"github.com/nasa-jpl/autofocus/mathx"
)

// Field names, following the SExtractor parameter vocabulary
const (
	Number      = "NUMBER"
	ExtNumber   = "EXT_NUMBER"
	XImage      = "X_IMAGE"
	YImage      = "Y_IMAGE"
	MagBest     = "MAG_BEST"
	Flags       = "FLAGS"
	ClassStar   = "CLASS_STAR"
	FWHMImage   = "FWHM_IMAGE"
	AImage      = "A_IMAGE"
	BImage      = "B_IMAGE"
	FluxMax     = "FLUX_MAX"
	FluxAper    = "FLUX_APER"
	FluxErrAper = "FLUXERR_APER"
	NumberAssoc = "NUMBER_ASSOC"
)

// DefaultFields is the schema used when none is configured
var DefaultFields = []string{
	Number, ExtNumber, XImage, YImage, MagBest, Flags, ClassStar, FWHMImage, AImage, BImage,
}

var (
	// ErrUnknownField is generated when a field is not in the schema
	ErrUnknownField = errors.New("field not in schema")

	// ErrNoObjects is generated when statistics are requested over no objects
	ErrNoObjects = errors.New("no objects")
)

// VectorAssoc names the n-th association vector field
func VectorAssoc(n int) string {
	return "VECTOR_ASSOC(" + strconv.Itoa(n) + ")"
}

// Schema is an ordered list of field names.  The zero value is empty.
type Schema struct {
	fields []string
	index  map[string]int
}

// NewSchema builds a schema; duplicate fields keep their first position
func NewSchema(fields ...string) Schema {
	s := Schema{index: make(map[string]int, len(fields))}
	for _, f := range fields {
		if _, ok := s.index[f]; ok {
			continue
		}
		s.index[f] = len(s.fields)
		s.fields = append(s.fields, f)
	}
	return s
}

// Fields returns a copy of the field list
func (s Schema) Fields() []string {
	out := make([]string, len(s.fields))
	copy(out, s.fields)
	return out
}

// Len is the number of fields
func (s Schema) Len() int { return len(s.fields) }

// Index returns the position of field in an Object
func (s Schema) Index(field string) (int, error) {
	i, ok := s.index[field]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownField, field)
	}
	return i, nil
}

// Has returns true if the field is in the schema
func (s Schema) Has(field string) bool {
	_, ok := s.index[field]
	return ok
}

// WithFlux returns a schema extended by the flux fields
func (s Schema) WithFlux() Schema {
	return NewSchema(append(s.Fields(), FluxMax, FluxAper, FluxErrAper)...)
}

// WithAssoc returns a schema extended by n association vector fields and NUMBER_ASSOC
func (s Schema) WithAssoc(n int) Schema {
	f := s.Fields()
	for i := 1; i <= n; i++ {
		f = append(f, VectorAssoc(i))
	}
	return NewSchema(append(f, NumberAssoc)...)
}

// Object is one detected object, its values ordered per a Schema
type Object []float64

// Get returns the value of field for o
func (s Schema) Get(o Object, field string) (float64, error) {
	i, err := s.Index(field)
	if err != nil {
		return 0, err
	}
	if i >= len(o) {
		return 0, fmt.Errorf("object has %d values, %s is at %d", len(o), field, i)
	}
	return o[i], nil
}

// Cleaner selects the objects suitable for a focus measurement
type Cleaner struct {
	// MaxEllipticity rejects objects with 1-B/A above it; zero disables the check
	MaxEllipticity float64

	// Border rejects objects closer than this many pixels to the frame edge;
	// zero, or a zero Width/Height, disables the check
	Border        float64
	Width, Height int
}

// Clean returns the subset of raw which has no flags, a positive FWHM, and
// passes the shape and border checks.  The returned objects alias raw.
func (c Cleaner) Clean(s Schema, raw []Object) ([]Object, error) {
	iFlags, err := s.Index(Flags)
	if err != nil {
		return nil, err
	}
	iFWHM, err := s.Index(FWHMImage)
	if err != nil {
		return nil, err
	}
	iA, errA := s.Index(AImage)
	iB, errB := s.Index(BImage)
	shape := c.MaxEllipticity > 0 && errA == nil && errB == nil
	iX, errX := s.Index(XImage)
	iY, errY := s.Index(YImage)
	border := c.Border > 0 && c.Width > 0 && c.Height > 0 && errX == nil && errY == nil

	out := make([]Object, 0, len(raw))
	for _, o := range raw {
		if len(o) < s.Len() {
			continue
		}
		if o[iFlags] != 0 || !(o[iFWHM] > 0) || !mathx.Finite(o[iFWHM]) {
			continue
		}
		if shape {
			a, b := o[iA], o[iB]
			if a <= 0 || 1-b/a > c.MaxEllipticity {
				continue
			}
		}
		if border {
			x, y := o[iX], o[iY]
			if x < c.Border || y < c.Border || x > float64(c.Width)-c.Border || y > float64(c.Height)-c.Border {
				continue
			}
		}
		out = append(out, o)
	}
	return out, nil
}

// FWHMStats computes the mean and population standard deviation of FWHM_IMAGE
// over cleaned.  With filterNonStellar, objects whose CLASS_STAR is below
// classStarMin are excluded.  Objects shorter than the schema are skipped.
func FWHMStats(s Schema, cleaned []Object, filterNonStellar bool, classStarMin float64) (mean, std float64, n int, err error) {
	iFWHM, err := s.Index(FWHMImage)
	if err != nil {
		return 0, 0, 0, err
	}
	iClass := -1
	if filterNonStellar {
		iClass, err = s.Index(ClassStar)
		if err != nil {
			return 0, 0, 0, err
		}
	}
	vals := make([]float64, 0, len(cleaned))
	for _, o := range cleaned {
		if len(o) < s.Len() {
			continue
		}
		if iClass >= 0 && o[iClass] < classStarMin {
			continue
		}
		vals = append(vals, o[iFWHM])
	}
	if len(vals) == 0 {
		return 0, 0, 0, ErrNoObjects
	}
	mean, std = mathx.MeanStd(vals)
	return mean, std, len(vals), nil
}

// ScaleField multiplies field by factor in every object, in place
func ScaleField(s Schema, objs []Object, field string, factor float64) error {
	i, err := s.Index(field)
	if err != nil {
		return err
	}
	for _, o := range objs {
		if i < len(o) {
			o[i] *= factor
		}
	}
	return nil
}

// FluxStats summarizes FLUX_MAX over a catalog
type FluxStats struct {
	Mean float64
	Std  float64
	Max  float64

	// Normalized is FLUX_MAX per object divided by Max, in catalog order
	Normalized []float64
}

// Flux computes FluxStats over objs.  It returns ErrUnknownField when the
// schema has no FLUX_MAX and ErrNoObjects for an empty catalog.  Objects
// shorter than the schema are left out of the statistics and normalize to NaN.
func Flux(s Schema, objs []Object) (FluxStats, error) {
	i, err := s.Index(FluxMax)
	if err != nil {
		return FluxStats{}, err
	}
	if len(objs) == 0 {
		return FluxStats{}, ErrNoObjects
	}
	vals := make([]float64, 0, len(objs))
	max := math.Inf(-1)
	for _, o := range objs {
		if len(o) < s.Len() {
			continue
		}
		vals = append(vals, o[i])
		if o[i] > max {
			max = o[i]
		}
	}
	if len(vals) == 0 {
		return FluxStats{}, ErrNoObjects
	}
	fs := FluxStats{Max: max, Normalized: make([]float64, len(objs))}
	fs.Mean, fs.Std = mathx.MeanStd(vals)
	for j, o := range objs {
		switch {
		case len(o) < s.Len():
			fs.Normalized[j] = math.NaN()
		case max != 0:
			fs.Normalized[j] = o[i] / max
		}
	}
	return fs, nil
}
