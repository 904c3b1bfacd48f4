package fitsimg

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/astrogo/fitsio"
)

func TestSixteenBitRoundTripAppliesBZERO(t *testing.T) {
	f := NewFrame(8, 4)
	for i := range f.Pix {
		f.Pix[i] = float64(i * 1000)
	}
	fn := filepath.Join(t.TempDir(), "a.fits")
	cards := []fitsio.Card{{Name: "FOC_POS", Value: 3500}, {Name: "FILTER", Value: "R"}}
	if err := WriteFile(fn, cards, f, true); err != nil {
		t.Fatal(err)
	}
	out, hdr, err := ReadFrame(fn)
	if err != nil {
		t.Fatal(err)
	}
	if out.Width != 8 || out.Height != 4 {
		t.Fatalf("expected 8x4 frame, got %dx%d", out.Width, out.Height)
	}
	for i, v := range out.Pix {
		if v != f.Pix[i] {
			t.Fatalf("pixel %d: got %v, expected %v", i, v, f.Pix[i])
		}
	}
	pos, err := hdr.Int("FOC_POS")
	if err != nil || pos != 3500 {
		t.Errorf("expected FOC_POS 3500, got %d, %v", pos, err)
	}
	filter, _ := hdr.String("filter")
	if filter != "R" {
		t.Errorf("expected FILTER R, got %q", filter)
	}
}

func TestReadHeaderFloatFrame(t *testing.T) {
	fld := Field{Width: 32, Height: 32, Background: 10, Stars: []Star{{X: 16, Y: 16, FWHM: 3, Peak: 100}}}
	fn := filepath.Join(t.TempDir(), "b.fits")
	if err := WriteFile(fn, []fitsio.Card{{Name: "AMB_TEMP", Value: 12.25}}, fld.Render(), false); err != nil {
		t.Fatal(err)
	}
	hdr, err := ReadHeader(fn)
	if err != nil {
		t.Fatal(err)
	}
	temp, err := hdr.Float("AMB_TEMP")
	if err != nil || temp != 12.25 {
		t.Errorf("expected AMB_TEMP 12.25, got %v, %v", temp, err)
	}
	if n1, _ := hdr.Int("NAXIS1"); n1 != 32 {
		t.Errorf("expected NAXIS1 32, got %d", n1)
	}
	if _, err := hdr.Float("FOC_POS"); !errors.Is(err, ErrMissingField) {
		t.Errorf("expected ErrMissingField, got %v", err)
	}
	frame, _, err := ReadFrame(fn)
	if err != nil {
		t.Fatal(err)
	}
	if peak := frame.At(16, 16); math.Abs(peak-110) > 1e-3 {
		t.Errorf("expected peak of 110 at the star center, got %v", peak)
	}
}

func TestReadHeaderMissingFile(t *testing.T) {
	if _, err := ReadHeader(filepath.Join(t.TempDir(), "nope.fits")); err == nil {
		t.Error("expected an error for a missing file")
	}
}

func TestEmptyFileIsAnError(t *testing.T) {
	fn := filepath.Join(t.TempDir(), "empty.fits")
	if err := os.WriteFile(fn, nil, 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadHeader(fn); err == nil {
		t.Error("expected an error reading the header of an empty file")
	}
	if _, _, err := ReadFrame(fn); err == nil {
		t.Error("expected an error reading the frame of an empty file")
	}
}

func TestNewHeaderIsCaseInsensitive(t *testing.T) {
	h := NewHeader(map[string]interface{}{"binning": "2x2"})
	if !h.Has("BINNING") {
		t.Error("expected BINNING to be found")
	}
}

func TestGridStaysInsideMargin(t *testing.T) {
	stars := Grid(100, 80, 7, 10, 3, 1000)
	if len(stars) != 7 {
		t.Fatalf("expected 7 stars, got %d", len(stars))
	}
	for _, s := range stars {
		if s.X < 10 || s.X > 90 || s.Y < 10 || s.Y > 70 {
			t.Errorf("star %+v outside margin", s)
		}
	}
}
