package extract

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/astrogo/fitsio"
	"github.com/rs/zerolog"

	"github.com/nasa-jpl/autofocus/catalog"
	"github.com/nasa-jpl/autofocus/detect"
	"github.com/nasa-jpl/autofocus/detect/starfind"
	"github.com/nasa-jpl/autofocus/fitsimg"
	"github.com/nasa-jpl/autofocus/focus"
	"github.com/nasa-jpl/autofocus/util"
)

// fixed returns the same two stars for every image
type fixed struct {
	schema catalog.Schema
	fwhms  []float64
	err    error
}

func newFixed(fwhms ...float64) *fixed {
	return &fixed{schema: catalog.NewSchema(catalog.DefaultFields...), fwhms: fwhms}
}

func (f *fixed) Schema() catalog.Schema { return f.schema }

func (f *fixed) Detect(ctx context.Context, img, assoc string) (detect.Result, error) {
	var raw []catalog.Object
	for i, w := range f.fwhms {
		o := make(catalog.Object, f.schema.Len())
		for j, name := range f.schema.Fields() {
			switch name {
			case catalog.XImage, catalog.YImage:
				o[j] = float64(10 * (i + 1))
			case catalog.FWHMImage:
				o[j] = w
			case catalog.AImage, catalog.BImage:
				o[j] = 1
			case catalog.ClassStar:
				o[j] = 0.9
			}
		}
		raw = append(raw, o)
	}
	return detect.Result{Raw: raw, Cleaned: raw}, f.err
}

func quiet() zerolog.Logger { return zerolog.New(io.Discard) }

func writeImage(t *testing.T, dir, name string, cards ...fitsio.Card) string {
	t.Helper()
	fn := filepath.Join(dir, name)
	if err := fitsimg.WriteFile(fn, cards, fitsimg.NewFrame(8, 8), true); err != nil {
		t.Fatal(err)
	}
	return fn
}

func TestExtractReadsHeader(t *testing.T) {
	fn := writeImage(t, t.TempDir(), "a.fits",
		fitsio.Card{Name: "FOC_POS", Value: 3500},
		fitsio.Card{Name: "AMB_TEMP", Value: 12.345},
		fitsio.Card{Name: "BINNING", Value: "1x1"},
		fitsio.Card{Name: "FILTER", Value: "R"},
		fitsio.Card{Name: "DATE", Value: "2013-09-04T22:18:35.077"},
		fitsio.Card{Name: "FILTA", Value: "R"},
		fitsio.Card{Name: "FILTB", Value: "open"})
	e := New(Config{WheelsInUse: 1, Resolution: 5}, newFixed(3, 5), quiet(), nil)
	s, err := e.Extract(context.Background(), focus.ImageHandle{Path: fn})
	if err != nil {
		t.Fatal(err)
	}
	if s.FocPos != 3500 || s.StdFocPos != 5 {
		t.Errorf("expected position 3500+-5, got %v+-%v", s.FocPos, s.StdFocPos)
	}
	if s.FWHM != 4 || s.StdFWHM != 1 || s.NStars != 2 {
		t.Errorf("expected fwhm 4+-1 from 2 stars, got %v+-%v from %d", s.FWHM, s.StdFWHM, s.NStars)
	}
	if !s.HasTemperature() || math.Abs(*s.AmbientTemp-12.3) > 1e-9 {
		t.Errorf("expected temperature 12.3, got %v", s.AmbientTemp)
	}
	if s.Binning != 1 || s.BinningDegraded {
		t.Errorf("expected clean binning 1, got %d degraded=%v", s.Binning, s.BinningDegraded)
	}
	if s.NAXIS1 != 8 || s.NAXIS2 != 8 {
		t.Errorf("expected 8x8, got %dx%d", s.NAXIS1, s.NAXIS2)
	}
	if s.Filter != "R" || s.FilterA != "R" || s.FilterB != "" {
		t.Errorf("expected only the first wheel filter, got %q %q %q", s.Filter, s.FilterA, s.FilterB)
	}
	if s.Date == "" {
		t.Error("expected a date")
	}
	want := time.Date(2013, 9, 4, 22, 18, 35, 77e6, time.UTC)
	if !s.Time.Equal(want) {
		t.Errorf("expected time %v from DATE, got %v", want, s.Time)
	}
}

func TestParseDate(t *testing.T) {
	cases := []struct {
		in     string
		expect time.Time
	}{
		{"2013-09-04T22:18:35", time.Date(2013, 9, 4, 22, 18, 35, 0, time.UTC)},
		{"2013-09-04T22:18:35Z", time.Date(2013, 9, 4, 22, 18, 35, 0, time.UTC)},
		{"2013-09-04", time.Date(2013, 9, 4, 0, 0, 0, 0, time.UTC)},
		{"yesterday", time.Time{}},
		{"", time.Time{}},
	}
	for _, c := range cases {
		if got := parseDate(c.in); !got.Equal(c.expect) {
			t.Errorf("parseDate(%q) = %v, expected %v", c.in, got, c.expect)
		}
	}
}

func TestExtractMissingOptionalFields(t *testing.T) {
	fn := writeImage(t, t.TempDir(), "a.fits", fitsio.Card{Name: "FOC_POS", Value: 10})
	e := New(Config{}, newFixed(3), quiet(), nil)
	s, err := e.Extract(context.Background(), focus.ImageHandle{Path: fn})
	if err != nil {
		t.Fatal(err)
	}
	if s.HasTemperature() {
		t.Error("expected no temperature")
	}
	if !s.Time.IsZero() {
		t.Errorf("expected a zero time without DATE, got %v", s.Time)
	}
	if s.Binning != 1 || !s.BinningDegraded {
		t.Errorf("expected degraded binning 1, got %d degraded=%v", s.Binning, s.BinningDegraded)
	}
}

func TestBinningScalesFWHM(t *testing.T) {
	dir := t.TempDir()
	cases := []struct {
		name   string
		cards  []fitsio.Card
		expect int
		xy     bool
	}{
		{"mapped", []fitsio.Card{{Name: "BINNING", Value: "2x2"}}, 2, false},
		{"xy", []fitsio.Card{{Name: "BIN_V", Value: 3}, {Name: "BIN_H", Value: 3}}, 3, true},
		{"unequal", []fitsio.Card{{Name: "BIN_V", Value: 2}, {Name: "BIN_H", Value: 1}}, 1, true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			cards := append([]fitsio.Card{{Name: "FOC_POS", Value: 10}}, c.cards...)
			fn := writeImage(t, dir, c.name+".fits", cards...)
			det := newFixed(3, 5)
			e := New(Config{}, det, quiet(), nil)
			s, err := e.Extract(context.Background(), focus.ImageHandle{Path: fn})
			if err != nil {
				t.Fatal(err)
			}
			if s.Binning != c.expect || s.BinningXY != c.xy {
				t.Errorf("expected binning %d xy=%v, got %d xy=%v", c.expect, c.xy, s.Binning, s.BinningXY)
			}
			b := float64(c.expect)
			if s.FWHM != 4*b || s.StdFWHM != b {
				t.Errorf("expected fwhm %v+-%v, got %v+-%v", 4*b, b, s.FWHM, s.StdFWHM)
			}
			w, _ := s.Schema.Get(s.Raw[0], catalog.FWHMImage)
			if w != 3*b {
				t.Errorf("expected raw FWHM scaled to %v, got %v", 3*b, w)
			}
		})
	}
}

func TestRejections(t *testing.T) {
	dir := t.TempDir()
	lim := util.NewLimiter(100, 200)
	cases := []struct {
		name   string
		cards  []fitsio.Card
		det    *fixed
		reason string
	}{
		{"no position", nil, newFixed(3), ReasonFocPos},
		{"at lower bound", []fitsio.Card{{Name: "FOC_POS", Value: 100}}, newFixed(3), ReasonInterval},
		{"at upper bound", []fitsio.Card{{Name: "FOC_POS", Value: 200}}, newFixed(3), ReasonInterval},
		{"above", []fitsio.Card{{Name: "FOC_POS", Value: 250}}, newFixed(3), ReasonInterval},
		{"no stars", []fitsio.Card{{Name: "FOC_POS", Value: 150}}, newFixed(), ReasonNoStars},
		{"nan", []fitsio.Card{{Name: "FOC_POS", Value: 150}}, newFixed(math.NaN()), ReasonFWHM},
	}
	for i, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			fn := writeImage(t, dir, fmt.Sprintf("%d.fits", i), c.cards...)
			e := New(Config{Interval: &lim}, c.det, quiet(), nil)
			_, err := e.Extract(context.Background(), focus.ImageHandle{Path: fn})
			if !errors.Is(err, ErrRejected) {
				t.Fatalf("expected a rejection, got %v", err)
			}
			var r *Rejection
			if !errors.As(err, &r) || r.Reason != c.reason {
				t.Errorf("expected reason %q, got %v", c.reason, err)
			}
		})
	}
}

func TestUnreadableImageRejected(t *testing.T) {
	e := New(Config{}, newFixed(3), quiet(), nil)
	_, err := e.Extract(context.Background(), focus.ImageHandle{Path: filepath.Join(t.TempDir(), "missing.fits")})
	if !errors.Is(err, ErrRejected) {
		t.Errorf("expected a rejection, got %v", err)
	}
}

func TestEmptyImageRejected(t *testing.T) {
	fn := filepath.Join(t.TempDir(), "C0-0001.fits")
	if err := os.WriteFile(fn, nil, 0644); err != nil {
		t.Fatal(err)
	}
	e := New(Config{}, newFixed(3), quiet(), nil)
	_, err := e.Extract(context.Background(), focus.ImageHandle{Path: fn})
	var r *Rejection
	if !errors.As(err, &r) || r.Reason != ReasonHeader {
		t.Errorf("expected a %q rejection, got %v", ReasonHeader, err)
	}
}

func TestIntervalAcceptsInside(t *testing.T) {
	fn := writeImage(t, t.TempDir(), "a.fits", fitsio.Card{Name: "FOC_POS", Value: 150})
	lim := util.NewLimiter(100, 200)
	e := New(Config{Interval: &lim}, newFixed(3), quiet(), nil)
	s, err := e.Extract(context.Background(), focus.ImageHandle{Path: fn})
	if err != nil {
		t.Fatalf("expected 150 to be accepted inside (100, 200), got %v", err)
	}
	if s.FocPos != 150 {
		t.Errorf("expected position 150, got %v", s.FocPos)
	}
}

func TestDetectorErrorIsNotFatal(t *testing.T) {
	fn := writeImage(t, t.TempDir(), "a.fits", fitsio.Card{Name: "FOC_POS", Value: 10})
	det := newFixed(3)
	det.err = errors.New("sex: warning on stderr")
	e := New(Config{}, det, quiet(), nil)
	if _, err := e.Extract(context.Background(), focus.ImageHandle{Path: fn}); err != nil {
		t.Errorf("expected a sample despite the detector error, got %v", err)
	}
}

func TestRunSkipsRejected(t *testing.T) {
	dir := t.TempDir()
	in := make(chan focus.ImageHandle, 5)
	for i, pos := range []int{-200, -100, 0, 100, 200} {
		var cards []fitsio.Card
		if i != 2 {
			cards = append(cards, fitsio.Card{Name: "FOC_POS", Value: 3500 + pos})
		}
		in <- focus.ImageHandle{Path: writeImage(t, dir, fmt.Sprintf("%d.fits", i), cards...), Index: i}
	}
	close(in)
	e := New(Config{}, newFixed(3), quiet(), nil)
	var got []float64
	acc, rej, err := e.Run(context.Background(), in, func(s focus.FocusSample) { got = append(got, s.FocPos) })
	if err != nil {
		t.Fatal(err)
	}
	if acc != 4 || rej != 1 {
		t.Errorf("expected 4 accepted and 1 rejected, got %d and %d", acc, rej)
	}
	expect := []float64{3300, 3400, 3600, 3700}
	for i := range expect {
		if got[i] != expect[i] {
			t.Errorf("expected samples in order %v, got %v", expect, got)
			break
		}
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	in := make(chan focus.ImageHandle)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	e := New(Config{}, newFixed(3), quiet(), nil)
	if _, _, err := e.Run(ctx, in, func(focus.FocusSample) {}); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestExtractWithStarfind(t *testing.T) {
	stars := fitsimg.Grid(128, 128, 9, 16, 4, 2000)
	fld := fitsimg.Field{Width: 128, Height: 128, Background: 100, Noise: 5, Seed: 3, Stars: stars}
	fn := filepath.Join(t.TempDir(), "field.fits")
	cards := []fitsio.Card{{Name: "FOC_POS", Value: 3500}, {Name: "BINNING", Value: "2x2"}}
	if err := fitsimg.WriteFile(fn, cards, fld.Render(), false); err != nil {
		t.Fatal(err)
	}
	det, err := starfind.New(starfind.Config{Flux: true, Smooth: 1, MaxEllipticity: 0.5, Border: 5})
	if err != nil {
		t.Fatal(err)
	}
	e := New(Config{}, det, quiet(), nil)
	s, err := e.Extract(context.Background(), focus.ImageHandle{Path: fn})
	if err != nil {
		t.Fatal(err)
	}
	if s.NStars != 9 {
		t.Errorf("expected 9 stars, got %d", s.NStars)
	}
	if math.Abs(s.FWHM-8) > 1 {
		t.Errorf("expected binned FWHM near 8, got %v", s.FWHM)
	}
	if s.Flux == nil {
		t.Error("expected flux statistics")
	}
}
