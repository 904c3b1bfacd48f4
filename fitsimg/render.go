package fitsimg

import (
	"image"
	"math"
	"math/rand"
)

// fwhmToSigma converts a gaussian FWHM to its standard deviation, 2*sqrt(2*ln(2))
const fwhmToSigma = 2.3548200450309493

// Star is a circular gaussian point source
type Star struct {
	X, Y float64
	FWHM float64
	Peak float64
}

// Field describes a synthetic exposure
type Field struct {
	Width, Height int
	Background    float64

	// Noise is the standard deviation of the additive gaussian noise
	Noise float64
	Seed  int64
	Stars []Star
}

// Render draws the field into a new frame
func (fd Field) Render() Frame {
	f := NewFrame(fd.Width, fd.Height)
	rng := rand.New(rand.NewSource(fd.Seed))
	for i := range f.Pix {
		f.Pix[i] = fd.Background
		if fd.Noise > 0 {
			f.Pix[i] += rng.NormFloat64() * fd.Noise
		}
	}
	for _, s := range fd.Stars {
		sigma := s.FWHM / fwhmToSigma
		if sigma <= 0 {
			continue
		}
		r := int(math.Ceil(5 * sigma))
		x0, x1 := int(s.X)-r, int(s.X)+r
		y0, y1 := int(s.Y)-r, int(s.Y)+r
		k := -1 / (2 * sigma * sigma)
		for y := max(y0, 0); y <= min(y1, fd.Height-1); y++ {
			dy := float64(y) - s.Y
			for x := max(x0, 0); x <= min(x1, fd.Width-1); x++ {
				dx := float64(x) - s.X
				f.Pix[y*fd.Width+x] += s.Peak * math.Exp(k*(dx*dx+dy*dy))
			}
		}
	}
	return f
}

// Gray16 converts the frame to a 16-bit image, clamping to [0, 65535]
func (f Frame) Gray16() *image.Gray16 {
	img := image.NewGray16(image.Rect(0, 0, f.Width, f.Height))
	for i, v := range f.Pix {
		u := uint16(math.Round(math.Max(0, math.Min(65535, v))))
		img.Pix[2*i] = uint8(u >> 8)
		img.Pix[2*i+1] = uint8(u)
	}
	return img
}

// Grid places n stars of equal FWHM and peak on a regular grid inside the
// frame, leaving margin pixels free at each edge
func Grid(width, height, n int, margin, fwhm, peak float64) []Star {
	if n <= 0 {
		return nil
	}
	cols := int(math.Ceil(math.Sqrt(float64(n))))
	rows := (n + cols - 1) / cols
	dx := (float64(width) - 2*margin) / float64(cols)
	dy := (float64(height) - 2*margin) / float64(rows)
	stars := make([]Star, 0, n)
	for i := 0; i < n; i++ {
		c, r := i%cols, i/cols
		stars = append(stars, Star{
			X:    margin + dx*(float64(c)+0.5),
			Y:    margin + dy*(float64(r)+0.5),
			FWHM: fwhm,
			Peak: peak,
		})
	}
	return stars
}
