/*Package extract turns one stored image into a validated FocusSample.

Extraction reads the header, checks the focuser position against the
accepted interval, reads the optional metadata, runs the star detector and
computes the binning-corrected FWHM.  An image which cannot yield a sample is
rejected: the Rejection is logged and returned, and is never fatal to a run.
*/
package extract

import (
	"context"
	"errors"
	"math"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/nasa-jpl/autofocus/catalog"
	"github.com/nasa-jpl/autofocus/detect"
	"github.com/nasa-jpl/autofocus/fitsimg"
	"github.com/nasa-jpl/autofocus/focus"
	"github.com/nasa-jpl/autofocus/mathx"
	"github.com/nasa-jpl/autofocus/metrics"
	"github.com/nasa-jpl/autofocus/util"
)

// Rejection reasons
const (
	ReasonHeader   = "unreadable header"
	ReasonFocPos   = "no FOC_POS"
	ReasonInterval = "outside interval"
	ReasonNoStars  = "no objects"
	ReasonFWHM     = "invalid fwhm"
)

// ErrRejected matches every *Rejection with errors.Is
var ErrRejected = errors.New("image rejected")

// Rejection is returned for an image which yields no sample
type Rejection struct {
	Path   string
	Reason string
	Err    error
}

func (r *Rejection) Error() string {
	if r.Err != nil {
		return "rejected " + r.Path + ": " + r.Reason + ": " + r.Err.Error()
	}
	return "rejected " + r.Path + ": " + r.Reason
}

// Is makes errors.Is(r, ErrRejected) true
func (r *Rejection) Is(target error) bool {
	return target == ErrRejected
}

// Unwrap returns the underlying error
func (r *Rejection) Unwrap() error {
	return r.Err
}

// Keys maps sample quantities to header keywords
type Keys struct {
	FocPos      string `koanf:"foc_pos" yaml:"foc_pos"`
	AmbientTemp string `koanf:"ambient_temp" yaml:"ambient_temp"`
	Binning     string `koanf:"binning" yaml:"binning"`
	BinningX    string `koanf:"binning_x" yaml:"binning_x"`
	BinningY    string `koanf:"binning_y" yaml:"binning_y"`
	Filter      string `koanf:"filter" yaml:"filter"`
	Date        string `koanf:"date" yaml:"date"`
	FilterA     string `koanf:"filter_a" yaml:"filter_a"`
	FilterB     string `koanf:"filter_b" yaml:"filter_b"`
	FilterC     string `koanf:"filter_c" yaml:"filter_c"`
}

// DefaultKeys are the keywords written by RTS2
var DefaultKeys = Keys{
	FocPos:      "FOC_POS",
	AmbientTemp: "AMB_TEMP",
	Binning:     "BINNING",
	BinningX:    "BIN_V",
	BinningY:    "BIN_H",
	Filter:      "FILTER",
	Date:        "DATE",
	FilterA:     "FILTA",
	FilterB:     "FILTB",
	FilterC:     "FILTC",
}

// DefaultBinningMap maps the combined binning keyword to a factor
var DefaultBinningMap = map[string]int{"1x1": 1, "2x2": 2, "3x3": 3, "4x4": 4}

// Config holds the scan context of an extraction
type Config struct {
	// Interval, when set, accepts only positions strictly inside it
	Interval *util.Limiter

	// WheelsInUse is the number of filter wheels (0-3) whose FILTA.. keys are read
	WheelsInUse int

	Keys       Keys
	BinningMap map[string]int

	// FilterNonStellar excludes objects with CLASS_STAR below ClassStarMin
	FilterNonStellar bool
	ClassStarMin     float64

	// Resolution is reported as the standard deviation of the position
	Resolution float64

	// AssocPath is the association catalog; "" disables association
	AssocPath string
}

// Extractor produces FocusSamples.  It holds no per-image state.
type Extractor struct {
	cfg     Config
	det     detect.Detector
	log     zerolog.Logger
	metrics *metrics.Metrics
}

// New creates an extractor.  Zero Keys and BinningMap take the defaults.
func New(cfg Config, det detect.Detector, log zerolog.Logger, m *metrics.Metrics) *Extractor {
	if cfg.Keys == (Keys{}) {
		cfg.Keys = DefaultKeys
	}
	if cfg.BinningMap == nil {
		cfg.BinningMap = DefaultBinningMap
	}
	if cfg.ClassStarMin == 0 {
		cfg.ClassStarMin = 0.1
	}
	return &Extractor{cfg: cfg, det: det, log: log, metrics: m}
}

// Schema is the field schema shared by all samples of this extractor
func (e *Extractor) Schema() catalog.Schema {
	return e.det.Schema()
}

func (e *Extractor) reject(path, reason string, err error) error {
	ev := e.log.Warn().Str("path", path).Str("reason", reason)
	if err != nil {
		ev = ev.Err(err)
	}
	ev.Msg("image rejected")
	e.metrics.Rejected(reason)
	return &Rejection{Path: path, Reason: reason, Err: err}
}

// Extract measures the image of h
func (e *Extractor) Extract(ctx context.Context, h focus.ImageHandle) (focus.FocusSample, error) {
	k := e.cfg.Keys
	hdr, err := fitsimg.ReadHeader(h.Path)
	if err != nil {
		return focus.FocusSample{}, e.reject(h.Path, ReasonHeader, err)
	}
	focPos, err := hdr.Float(k.FocPos)
	if err != nil {
		return focus.FocusSample{}, e.reject(h.Path, ReasonFocPos, err)
	}
	if e.cfg.Interval != nil && !e.cfg.Interval.Check(focPos) {
		return focus.FocusSample{}, e.reject(h.Path, ReasonInterval, nil)
	}
	lg := e.log.With().Str("path", h.Path).Float64("focPos", focPos).Logger()

	s := focus.FocusSample{
		Path:      h.Path,
		FocPos:    focPos,
		StdFocPos: e.cfg.Resolution,
		AssocPath: e.cfg.AssocPath,
		Schema:    e.det.Schema(),
	}
	if t, err := hdr.Float(k.AmbientTemp); err == nil {
		t = mathx.Round(t, 0.1)
		s.AmbientTemp = &t
	} else {
		lg.Debug().Err(err).Msg("no temperature")
	}
	s.Binning, s.BinningXY, s.BinningDegraded = e.binning(hdr, lg)
	if s.NAXIS1, err = hdr.Int("NAXIS1"); err != nil {
		lg.Warn().Err(err).Msg("no NAXIS1")
	}
	if s.NAXIS2, err = hdr.Int("NAXIS2"); err != nil {
		lg.Warn().Err(err).Msg("no NAXIS2")
	}
	if s.Filter, err = hdr.String(k.Filter); err != nil {
		lg.Warn().Err(err).Msg("no filter name")
	}
	if s.Date, err = hdr.String(k.Date); err != nil {
		lg.Warn().Err(err).Msg("no date")
	} else if s.Time = parseDate(s.Date); s.Time.IsZero() {
		lg.Warn().Str("date", s.Date).Msg("unparseable date")
	}
	wheelKeys := []struct {
		key string
		dst *string
	}{{k.FilterA, &s.FilterA}, {k.FilterB, &s.FilterB}, {k.FilterC, &s.FilterC}}
	for i := 0; i < e.cfg.WheelsInUse && i < len(wheelKeys); i++ {
		if *wheelKeys[i].dst, err = hdr.String(wheelKeys[i].key); err != nil {
			lg.Debug().Err(err).Str("key", wheelKeys[i].key).Msg("no wheel filter name")
		}
	}

	res, err := e.det.Detect(ctx, h.Path, e.cfg.AssocPath)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return focus.FocusSample{}, ctxErr
		}
		lg.Error().Err(err).Msg("star detector failed, using what it returned")
	}
	if res.Diagnostic != "" {
		lg.Warn().Str("diagnostic", res.Diagnostic).Msg("star detector")
	}
	schema := e.det.Schema()
	mean, std, n, err := catalog.FWHMStats(schema, res.Cleaned, e.cfg.FilterNonStellar, e.cfg.ClassStarMin)
	if err != nil {
		return focus.FocusSample{}, e.reject(h.Path, ReasonNoStars, err)
	}
	if !mathx.Finite(mean) || mean < 0 || !mathx.Finite(std) {
		return focus.FocusSample{}, e.reject(h.Path, ReasonFWHM, nil)
	}

	b := float64(s.Binning)
	s.FWHM = mean * b
	s.StdFWHM = std * b
	s.NStars = n
	// cleaned objects alias raw ones, so this scales both
	if err := catalog.ScaleField(schema, res.Raw, catalog.FWHMImage, b); err != nil {
		lg.Error().Err(err).Msg("scaling FWHM by binning")
	}
	s.Raw, s.Cleaned = res.Raw, res.Cleaned

	if schema.Has(catalog.FluxMax) {
		fs, err := catalog.Flux(schema, res.Cleaned)
		if err != nil {
			lg.Warn().Err(err).Msg("no flux statistics")
		} else {
			s.Flux = &fs
		}
	}
	e.metrics.Sample(s.FocPos, s.FWHM)
	lg.Info().Float64("fwhm", s.FWHM).Float64("stdFwhm", s.StdFWHM).Int("stars", n).Int("binning", s.Binning).Msg("sample")
	return s, nil
}

var dateLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	time.RFC3339Nano,
	"2006-01-02",
}

// parseDate reads a FITS DATE value as UTC, the zero time if it is malformed
func parseDate(v string) time.Time {
	v = strings.TrimSpace(v)
	for _, layout := range dateLayouts {
		if t, err := time.ParseInLocation(layout, v, time.UTC); err == nil {
			return t
		}
	}
	return time.Time{}
}

// binning resolves the binning factor from the combined keyword, else from
// equal X and Y keywords, else 1 (degraded)
func (e *Extractor) binning(hdr fitsimg.Header, lg zerolog.Logger) (b int, xy bool, degraded bool) {
	k := e.cfg.Keys
	if v, err := hdr.String(k.Binning); err == nil {
		if b, ok := e.cfg.BinningMap[v]; ok && b >= 1 {
			return b, false, false
		}
		lg.Warn().Str("binning", v).Msg("binning not in mapping")
	} else {
		lg.Warn().Err(err).Msg("no binning information found")
	}
	bx, errX := hdr.Float(k.BinningX)
	by, errY := hdr.Float(k.BinningY)
	if errX == nil && errY == nil && bx == by && bx >= 1 && bx == math.Trunc(bx) {
		return int(bx), true, false
	}
	lg.Warn().Msg("no valid binning information found, setting binning to 1")
	return 1, true, true
}

// Run extracts every handle from in until it is closed or ctx is done.
// Accepted samples are passed to emit in order.
func (e *Extractor) Run(ctx context.Context, in <-chan focus.ImageHandle, emit func(focus.FocusSample)) (accepted, rejected int, err error) {
	for {
		select {
		case <-ctx.Done():
			return accepted, rejected, ctx.Err()
		case h, ok := <-in:
			if !ok {
				return accepted, rejected, nil
			}
			s, err := e.Extract(ctx, h)
			if err != nil {
				if errors.Is(err, ErrRejected) {
					rejected++
					continue
				}
				return accepted, rejected, err
			}
			accepted++
			emit(s)
		}
	}
}
