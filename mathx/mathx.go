// Package mathx contains the small numerical helpers shared by the focus pipeline.
package mathx

import (
	"math"
	"sort"
)

// Round rounds a float to the nearest "unit" (0.1 for tenth, 0.01 for hundredth, and so on).
func Round(x, unit float64) float64 {
	return math.Round(x/unit) * unit
}

// Finite returns true if f is neither NaN nor infinite
func Finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// MeanStd returns the arithmetic mean and population standard deviation of x.
// Both are NaN if x is empty.
func MeanStd(x []float64) (float64, float64) {
	n := float64(len(x))
	if n == 0 {
		return math.NaN(), math.NaN()
	}
	var sum float64
	for _, v := range x {
		sum += v
	}
	mean := sum / n
	var ss float64
	for _, v := range x {
		d := v - mean
		ss += d * d
	}
	return mean, math.Sqrt(ss / n)
}

// Median returns the median of x without modifying it.  It is NaN for an empty slice
func Median(x []float64) float64 {
	if len(x) == 0 {
		return math.NaN()
	}
	buf := make([]float64, len(x))
	copy(buf, x)
	sort.Float64s(buf)
	mid := len(buf) / 2
	if len(buf)%2 == 1 {
		return buf[mid]
	}
	return (buf[mid-1] + buf[mid]) / 2
}

// MAD returns the median absolute deviation of x about its median, scaled
// to be a consistent estimator of the standard deviation for normal data.
func MAD(x []float64) (median, sigma float64) {
	median = Median(x)
	dev := make([]float64, len(x))
	for i, v := range x {
		dev[i] = math.Abs(v - median)
	}
	return median, 1.4826 * Median(dev)
}
