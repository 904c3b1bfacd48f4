// Package focus holds the data model shared by the scan controller and the
// measurement extractor: the focuser, camera and filter wheel descriptions,
// scan requests, image handles and focus samples.
package focus

import (
	"errors"
	"fmt"
	"time"

	"github.com/nasa-jpl/autofocus/catalog"
)

const (
	// FakeWheel names a filter wheel which does not exist in hardware
	FakeWheel = "FAKE_FTW"

	// FakeFilter names a filter which does not exist in hardware
	FakeFilter = "FAKE_FT"
)

var (
	// ErrBadStep is generated when a position list is requested with a non-positive step
	ErrBadStep = errors.New("step must be positive")

	// ErrUnknownFilter is generated when a filter is not configured on a wheel
	ErrUnknownFilter = errors.New("filter not configured on wheel")
)

// Focuser describes a focuser device
type Focuser struct {
	// Name of the device
	Name string

	// Resolution is the settling tolerance, in device units
	Resolution float64

	// Speed is the travel speed, in device units per second
	Speed float64

	// Min and Max bound the device travel
	Min, Max int

	// Default is the baseline FOC_DEF position
	Default int
}

// Steps generates the positions lo, lo+step, ... <= hi
func Steps(lo, hi, step int) ([]int, error) {
	if step <= 0 {
		return nil, ErrBadStep
	}
	if hi < lo {
		return nil, nil
	}
	out := make([]int, 0, (hi-lo)/step+1)
	for p := lo; p <= hi; p += step {
		out = append(out, p)
	}
	return out, nil
}

// Filter is one slot in a filter wheel
type Filter struct {
	Name string

	// ExposureFactor multiplies the exposure time when this filter is in the beam
	ExposureFactor float64

	// OffsetToEmptySlot is the focus offset relative to the empty slot
	OffsetToEmptySlot int
}

// FilterWheel is an ordered collection of filters.  Filters[0] is the empty slot.
type FilterWheel struct {
	Name    string
	Filters []Filter
}

// Fake returns true if the wheel does not exist in hardware
func (w FilterWheel) Fake() bool {
	return w.Name == FakeWheel
}

// EmptySlot returns the name of the empty slot, or "" if the wheel has no filters
func (w FilterWheel) EmptySlot() string {
	if len(w.Filters) == 0 {
		return ""
	}
	return w.Filters[0].Name
}

// Filter looks up a filter by name
func (w FilterWheel) Filter(name string) (Filter, error) {
	for _, f := range w.Filters {
		if f.Name == name {
			return f, nil
		}
	}
	return Filter{}, fmt.Errorf("%w: %s on %s", ErrUnknownFilter, name, w.Name)
}

// Camera describes a camera device
type Camera struct {
	Name string

	// BaseExposure is the exposure time used when a scan does not override it
	BaseExposure time.Duration
}

// ScanRequest is one request for a focus scan.  It is consumed once.
type ScanRequest struct {
	// Exposure overrides the camera base exposure when non-zero
	Exposure time.Duration

	// Blind writes absolute targets (FOC_TAR) instead of offsets (FOC_FOFF)
	Blind bool

	// WriteToDevices enables set and execute calls.  When false the scan is a dry run.
	WriteToDevices bool

	// FocDef is the baseline default position.  When nil the value read
	// from the device at the start of the scan is used.
	FocDef *int

	// Positions are visited in order
	Positions []int

	// DryImages, when not empty, are used in order in place of the
	// camera's last image, one per position
	DryImages []string
}

// ImageHandle references one stored exposure
type ImageHandle struct {
	// Path is the stored copy
	Path string

	// Source is the file the camera produced
	Source string

	// Position is the commanded position (offset or absolute target)
	Position int

	// Target is the absolute position the focuser was driven to
	Target int

	// Index is the position's index in the scan
	Index int
}

// FocusSample is the validated, binning-corrected focus quality of one image
type FocusSample struct {
	Path string

	// Date is the DATE header, or "" if absent
	Date string

	// Time is the exposure DATE; zero when the header has none
	Time time.Time

	FocPos    float64
	StdFocPos float64

	// FWHM and StdFWHM are binning-corrected, in unbinned pixels
	FWHM    float64
	StdFWHM float64
	NStars  int

	Binning         int
	BinningXY       bool
	BinningDegraded bool

	// AmbientTemp is nil when the image carries no temperature
	AmbientTemp *float64

	NAXIS1, NAXIS2 int

	Filter  string
	FilterA string
	FilterB string
	FilterC string

	Schema  catalog.Schema
	Raw     []catalog.Object
	Cleaned []catalog.Object

	// Flux is present only when the schema carries FLUX_MAX
	Flux *catalog.FluxStats

	AssocPath string
}

// HasTemperature returns true if the sample carries an ambient temperature
func (s FocusSample) HasTemperature() bool {
	return s.AmbientTemp != nil
}
