// Package fitsimg reads and writes the FITS images produced by the camera.
package fitsimg

import (
	"errors"
	"fmt"
	"image"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/astrogo/fitsio"
)

var (
	// ErrMissingField is generated when a header keyword is absent
	ErrMissingField = errors.New("missing header field")

	// ErrNoHDU is generated for a file without any HDU, e.g. one still being written
	ErrNoHDU = errors.New("no HDU in file")

	// ErrNotImage is generated when the primary HDU holds no image
	ErrNotImage = errors.New("primary HDU is not an image")
)

// Header is the keyword/value metadata of the primary HDU.  Keys are upper case.
type Header struct {
	cards map[string]interface{}
}

// NewHeader builds a Header from a map, e.g. for tests or detectors which
// do not read FITS.
func NewHeader(kv map[string]interface{}) Header {
	h := Header{cards: make(map[string]interface{}, len(kv))}
	for k, v := range kv {
		h.cards[strings.ToUpper(k)] = v
	}
	return h
}

func headerFrom(fh *fitsio.Header) Header {
	h := Header{cards: make(map[string]interface{})}
	for _, k := range fh.Keys() {
		c := fh.Get(k)
		if c == nil {
			continue
		}
		h.cards[strings.ToUpper(k)] = c.Value
	}
	if _, ok := h.cards["BITPIX"]; !ok {
		h.cards["BITPIX"] = fh.Bitpix()
	}
	for i, a := range fh.Axes() {
		k := "NAXIS" + strconv.Itoa(i+1)
		if _, ok := h.cards[k]; !ok {
			h.cards[k] = a
		}
	}
	return h
}

// ReadHeader reads the primary header of the FITS file at path
func ReadHeader(path string) (Header, error) {
	f, err := os.Open(path)
	if err != nil {
		return Header{}, err
	}
	defer f.Close()
	fits, err := fitsio.Open(f)
	if err != nil {
		return Header{}, fmt.Errorf("%s: %w", path, err)
	}
	defer fits.Close()
	if len(fits.HDUs()) == 0 {
		return Header{}, fmt.Errorf("%s: %w", path, ErrNoHDU)
	}
	return headerFrom(fits.HDU(0).Header()), nil
}

// Has returns true if key is present
func (h Header) Has(key string) bool {
	_, ok := h.cards[strings.ToUpper(key)]
	return ok
}

// Value returns the raw value of key
func (h Header) Value(key string) (interface{}, error) {
	v, ok := h.cards[strings.ToUpper(key)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMissingField, key)
	}
	return v, nil
}

// Float returns key as a float64.  Numeric strings are parsed.
func (h Header) Float(key string) (float64, error) {
	v, err := h.Value(key)
	if err != nil {
		return 0, err
	}
	switch t := v.(type) {
	case float64:
		return t, nil
	case float32:
		return float64(t), nil
	case int:
		return float64(t), nil
	case int64:
		return float64(t), nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return 0, fmt.Errorf("%s: %w", key, err)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("%s: value of type %T is not numeric", key, v)
	}
}

// Int returns key as an int, truncating any fraction
func (h Header) Int(key string) (int, error) {
	f, err := h.Float(key)
	if err != nil {
		return 0, err
	}
	return int(f), nil
}

// String returns key formatted as a string, trimmed of padding
func (h Header) String(key string) (string, error) {
	v, err := h.Value(key)
	if err != nil {
		return "", err
	}
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s), nil
	}
	return fmt.Sprint(v), nil
}

// Frame is a single image plane in physical units (BZERO and BSCALE applied),
// stored row major
type Frame struct {
	Width, Height int
	Pix           []float64
}

// NewFrame allocates a zeroed frame
func NewFrame(w, h int) Frame {
	return Frame{Width: w, Height: h, Pix: make([]float64, w*h)}
}

// At returns the value at (x, y)
func (f Frame) At(x, y int) float64 {
	return f.Pix[y*f.Width+x]
}

// ReadFrame reads the primary image of the FITS file at path along with its header
func ReadFrame(path string) (Frame, Header, error) {
	f, err := os.Open(path)
	if err != nil {
		return Frame{}, Header{}, err
	}
	defer f.Close()
	fits, err := fitsio.Open(f)
	if err != nil {
		return Frame{}, Header{}, fmt.Errorf("%s: %w", path, err)
	}
	defer fits.Close()
	if len(fits.HDUs()) == 0 {
		return Frame{}, Header{}, fmt.Errorf("%s: %w", path, ErrNoHDU)
	}
	hdu := fits.HDU(0)
	img, ok := hdu.(fitsio.Image)
	if !ok {
		return Frame{}, Header{}, ErrNotImage
	}
	fh := img.Header()
	hdr := headerFrom(fh)
	axes := fh.Axes()
	if len(axes) < 2 {
		return Frame{}, hdr, fmt.Errorf("%s: %w: %d axes", path, ErrNotImage, len(axes))
	}
	frame := NewFrame(axes[0], axes[1])
	n := len(frame.Pix)
	nTotal := 1
	for _, a := range axes {
		nTotal *= a
	}
	// only the first plane of a cube is used
	switch fh.Bitpix() {
	case 8:
		buf := make([]byte, nTotal)
		err = img.Read(&buf)
		for i := 0; i < n; i++ {
			frame.Pix[i] = float64(buf[i])
		}
	case 16:
		buf := make([]int16, nTotal)
		err = img.Read(&buf)
		for i := 0; i < n; i++ {
			frame.Pix[i] = float64(buf[i])
		}
	case 32:
		buf := make([]int32, nTotal)
		err = img.Read(&buf)
		for i := 0; i < n; i++ {
			frame.Pix[i] = float64(buf[i])
		}
	case -32:
		buf := make([]float32, nTotal)
		err = img.Read(&buf)
		for i := 0; i < n; i++ {
			frame.Pix[i] = float64(buf[i])
		}
	case -64:
		buf := make([]float64, nTotal)
		err = img.Read(&buf)
		copy(frame.Pix, buf[:n])
	default:
		return Frame{}, hdr, fmt.Errorf("%s: unsupported BITPIX %d", path, fh.Bitpix())
	}
	if err != nil {
		return Frame{}, hdr, fmt.Errorf("%s: %w", path, err)
	}
	bzero, err := hdr.Float("BZERO")
	if err != nil {
		bzero = 0
	}
	bscale, err := hdr.Float("BSCALE")
	if err != nil || bscale == 0 {
		bscale = 1
	}
	if bzero != 0 || bscale != 1 {
		for i, v := range frame.Pix {
			frame.Pix[i] = v*bscale + bzero
		}
	}
	return frame, hdr, nil
}

// WriteFits streams a 16-bit unsigned image to w as a FITS file
func WriteFits(w io.Writer, metadata []fitsio.Card, img *image.Gray16) error {
	metadata = append(metadata, fitsio.Card{Name: "BZERO", Value: 32768}, fitsio.Card{Name: "BSCALE", Value: 1.0})
	b := img.Bounds()
	width, height := b.Dx(), b.Dy()
	fits, err := fitsio.Create(w)
	if err != nil {
		return err
	}
	defer fits.Close()
	im := fitsio.NewImage(16, []int{width, height})
	defer im.Close()
	err = im.Header().Append(metadata...)
	if err != nil {
		return err
	}
	ints := make([]int16, width*height)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			u := img.Gray16At(b.Min.X+x, b.Min.Y+y).Y
			ints[y*width+x] = int16(int32(u) - 32768)
		}
	}
	err = im.Write(ints)
	if err != nil {
		return err
	}
	return fits.Write(im)
}

// WriteFloatFits streams a frame to w as a 32-bit floating point FITS file
func WriteFloatFits(w io.Writer, metadata []fitsio.Card, f Frame) error {
	fits, err := fitsio.Create(w)
	if err != nil {
		return err
	}
	defer fits.Close()
	im := fitsio.NewImage(-32, []int{f.Width, f.Height})
	defer im.Close()
	err = im.Header().Append(metadata...)
	if err != nil {
		return err
	}
	fl := make([]float32, len(f.Pix))
	for i, v := range f.Pix {
		fl[i] = float32(v)
	}
	err = im.Write(fl)
	if err != nil {
		return err
	}
	return fits.Write(im)
}

// WriteFile writes f to path using WriteFits or WriteFloatFits.  The frame is
// clamped to [0, 65535] for 16-bit output.
func WriteFile(path string, metadata []fitsio.Card, f Frame, sixteenBit bool) error {
	fid, err := os.Create(path)
	if err != nil {
		return err
	}
	if sixteenBit {
		err = WriteFits(fid, metadata, f.Gray16())
	} else {
		err = WriteFloatFits(fid, metadata, f)
	}
	if err != nil {
		fid.Close()
		return err
	}
	return fid.Close()
}
