// Package util contains misc internal utilities.
package util

import (
	"math"
	"strconv"
	"strings"
	"time"
)

// Limiter holds an open interval (Min, Max).  The bounds themselves are outside the interval.
type Limiter struct {
	Min float64 `json:"min" yaml:"min"`
	Max float64 `json:"max" yaml:"max"`
}

// Check returns true if f lies strictly inside the interval
func (l Limiter) Check(f float64) bool {
	return f > l.Min && f < l.Max
}

// NewLimiter builds a Limiter from two bounds given in any order
func NewLimiter(a, b float64) Limiter {
	if a > b {
		a, b = b, a
	}
	return Limiter{Min: a, Max: b}
}

// Clamp limits input to the closed interval [low, high]
func Clamp(input, low, high float64) float64 {
	if input < low {
		return low
	}
	if input > high {
		return high
	}
	return input
}

// SecsToDuration converts a floating point number of seconds to a time.Duration
func SecsToDuration(secs float64) time.Duration {
	return time.Duration(math.Round(secs * 1e9))
}

// UnixSecsToTime converts floating point seconds since the epoch to a time.Time
func UnixSecsToTime(secs float64) time.Time {
	whole, frac := math.Modf(secs)
	return time.Unix(int64(whole), int64(math.Round(frac*1e9)))
}

// JoinInts joins a slice of ints with sep.
// e.g., []int{1,2,3}, " " => "1 2 3"
func JoinInts(is []int, sep string) string {
	s := make([]string, len(is))
	for i, v := range is {
		s[i] = strconv.Itoa(v)
	}
	return strings.Join(s, sep)
}
