/*Package config loads the configuration of the autofocus tools.

Values are layered: the defaults of Default, then a YAML file, then
environment variables prefixed AUTOFOCUS_ in which a double underscore
separates levels, e.g. AUTOFOCUS_HTTP__ADDR=:9000 or
AUTOFOCUS_SCAN__WRITE_TO_DEVICES=true.  Times are in seconds.
*/
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"

	"github.com/nasa-jpl/autofocus/detect"
	"github.com/nasa-jpl/autofocus/detect/sextractor"
	"github.com/nasa-jpl/autofocus/detect/starfind"
	"github.com/nasa-jpl/autofocus/extract"
	"github.com/nasa-jpl/autofocus/focus"
	"github.com/nasa-jpl/autofocus/logger"
	"github.com/nasa-jpl/autofocus/rts2"
	"github.com/nasa-jpl/autofocus/scan"
	"github.com/nasa-jpl/autofocus/session"
	"github.com/nasa-jpl/autofocus/util"
)

// EnvPrefix prefixes environment overrides
const EnvPrefix = "AUTOFOCUS_"

// ErrInvalid is wrapped by every validation failure
var ErrInvalid = errors.New("invalid configuration")

// Device is the connection to the RTS2 proxy
type Device struct {
	URL      string `koanf:"url" yaml:"url" validate:"required,url"`
	User     string `koanf:"user" yaml:"user"`
	Password string `koanf:"password" yaml:"password"`

	// RequestsPerSecond limits the request rate to the proxy, zero is unlimited
	RequestsPerSecond float64 `koanf:"requests_per_second" yaml:"requests_per_second" validate:"gte=0"`

	Timeout        float64 `koanf:"timeout" yaml:"timeout" validate:"gte=0"`
	ConnectTimeout float64 `koanf:"connect_timeout" yaml:"connect_timeout" validate:"gte=0"`

	// ProxyDevice publishes the last image of each camera
	ProxyDevice string `koanf:"proxy_device" yaml:"proxy_device" validate:"required"`
}

// Focuser describes the focuser and the positions of a scan
type Focuser struct {
	Name       string  `koanf:"name" yaml:"name" validate:"required"`
	Resolution float64 `koanf:"resolution" yaml:"resolution" validate:"gt=0"`
	Speed      float64 `koanf:"speed" yaml:"speed" validate:"gt=0"`
	Min        int     `koanf:"min" yaml:"min"`
	Max        int     `koanf:"max" yaml:"max" validate:"gtfield=Min"`
	Default    int     `koanf:"default" yaml:"default"`

	// Positions, when not empty, is the list of positions to visit.
	// Otherwise Lower, Lower+Step, ... Upper is used.
	Positions []int `koanf:"positions" yaml:"positions"`
	Lower     int   `koanf:"lower" yaml:"lower"`
	Upper     int   `koanf:"upper" yaml:"upper" validate:"gtefield=Lower"`
	Step      int   `koanf:"step" yaml:"step" validate:"gt=0"`
}

// Camera describes the camera
type Camera struct {
	Name            string  `koanf:"name" yaml:"name" validate:"required"`
	Exposure        float64 `koanf:"exposure" yaml:"exposure" validate:"gt=0"`
	ReadoutFallback float64 `koanf:"readout_fallback" yaml:"readout_fallback" validate:"gte=0"`
}

// Filter is one slot of a wheel
type Filter struct {
	Name              string  `koanf:"name" yaml:"name" validate:"required"`
	ExposureFactor    float64 `koanf:"exposure_factor" yaml:"exposure_factor" validate:"gte=0"`
	OffsetToEmptySlot int     `koanf:"offset_to_empty_slot" yaml:"offset_to_empty_slot"`
}

// Wheel is a filter wheel; its first filter is the empty slot
type Wheel struct {
	Name    string   `koanf:"name" yaml:"name" validate:"required"`
	Filters []Filter `koanf:"filters" yaml:"filters" validate:"min=1,dive"`
}

// Scan holds the scan mode and timing
type Scan struct {
	Blind          bool `koanf:"blind" yaml:"blind"`
	WriteToDevices bool `koanf:"write_to_devices" yaml:"write_to_devices"`

	// Wheel and Filter select the filter of the scan
	Wheel  string `koanf:"wheel" yaml:"wheel"`
	Filter string `koanf:"filter" yaml:"filter" validate:"required_with=Wheel"`

	ConfirmRetries  int     `koanf:"confirm_retries" yaml:"confirm_retries" validate:"gte=1"`
	ConfirmInterval float64 `koanf:"confirm_interval" yaml:"confirm_interval" validate:"gt=0"`
	ImagePoll       float64 `koanf:"image_poll" yaml:"image_poll" validate:"gt=0"`
	JoinTimeout     float64 `koanf:"join_timeout" yaml:"join_timeout" validate:"gt=0"`

	// DryImages replace the camera's images, in order
	DryImages []string `koanf:"dry_images" yaml:"dry_images"`
}

// Extract holds the measurement extraction settings
type Extract struct {
	// IntervalMin and IntervalMax bound the accepted positions, exclusive.
	// Equal values disable the check.
	IntervalMin float64 `koanf:"interval_min" yaml:"interval_min"`
	IntervalMax float64 `koanf:"interval_max" yaml:"interval_max"`

	WheelsInUse      int            `koanf:"wheels_in_use" yaml:"wheels_in_use" validate:"gte=0,lte=3"`
	Keys             extract.Keys   `koanf:"keys" yaml:"keys"`
	BinningMap       map[string]int `koanf:"binning_map" yaml:"binning_map"`
	FilterNonStellar bool           `koanf:"filter_non_stellar" yaml:"filter_non_stellar"`
	ClassStarMin     float64        `koanf:"class_star_min" yaml:"class_star_min" validate:"gte=0,lte=1"`
	AssocPath        string         `koanf:"assoc_path" yaml:"assoc_path"`
}

// Detector selects and configures the star detector
type Detector struct {
	// Kind is native or sextractor
	Kind string `koanf:"kind" yaml:"kind" validate:"oneof=native sextractor"`

	Fields         []string `koanf:"fields" yaml:"fields"`
	Flux           bool     `koanf:"flux" yaml:"flux"`
	AssocColumns   int      `koanf:"assoc_columns" yaml:"assoc_columns" validate:"gte=0"`
	AssocRadius    float64  `koanf:"assoc_radius" yaml:"assoc_radius" validate:"gte=0"`
	MaxEllipticity float64  `koanf:"max_ellipticity" yaml:"max_ellipticity" validate:"gte=0,lte=1"`
	Border         float64  `koanf:"border" yaml:"border" validate:"gte=0"`

	// native detector
	Threshold  float64 `koanf:"threshold" yaml:"threshold" validate:"gte=0"`
	MinArea    int     `koanf:"min_area" yaml:"min_area" validate:"gte=0"`
	Smooth     float64 `koanf:"smooth" yaml:"smooth" validate:"gte=0"`
	Saturation float64 `koanf:"saturation" yaml:"saturation" validate:"gte=0"`

	// sextractor
	Path       string `koanf:"path" yaml:"path"`
	ConfigFile string `koanf:"config_file" yaml:"config_file"`
	StarNNW    string `koanf:"star_nnw" yaml:"star_nnw"`
	TempDir    string `koanf:"temp_dir" yaml:"temp_dir"`
}

// Store is the acquisition store
type Store struct {
	Root string `koanf:"root" yaml:"root" validate:"required"`
}

// HTTP is the supervisor's HTTP interface
type HTTP struct {
	Addr    string `koanf:"addr" yaml:"addr" validate:"required"`
	Root    string `koanf:"root" yaml:"root"`
	Metrics bool   `koanf:"metrics" yaml:"metrics"`
}

// Log configures logging
type Log struct {
	Level  string `koanf:"level" yaml:"level" validate:"oneof=trace debug info warn error"`
	Format string `koanf:"format" yaml:"format" validate:"oneof=console json"`
}

// Config is the whole configuration
type Config struct {
	Device   Device   `koanf:"device" yaml:"device"`
	Focuser  Focuser  `koanf:"focuser" yaml:"focuser"`
	Camera   Camera   `koanf:"camera" yaml:"camera"`
	Wheels   []Wheel  `koanf:"wheels" yaml:"wheels" validate:"dive"`
	Scan     Scan     `koanf:"scan" yaml:"scan"`
	Extract  Extract  `koanf:"extract" yaml:"extract"`
	Detector Detector `koanf:"detector" yaml:"detector"`
	Store    Store    `koanf:"store" yaml:"store"`
	HTTP     HTTP     `koanf:"http" yaml:"http"`
	Log      Log      `koanf:"log" yaml:"log"`
}

// Default returns the default configuration, for the RTS2 dummy devices
func Default() Config {
	return Config{
		Device: Device{
			URL:               "http://localhost:8889",
			RequestsPerSecond: 20,
			Timeout:           10,
			ConnectTimeout:    30,
			ProxyDevice:       "XMLRPC",
		},
		Focuser: Focuser{
			Name:       "F0",
			Resolution: 2,
			Speed:      100,
			Min:        -12000,
			Max:        12000,
			Default:    0,
			Lower:      -1000,
			Upper:      1000,
			Step:       200,
		},
		Camera: Camera{Name: "C0", Exposure: 10, ReadoutFallback: 5},
		Scan: Scan{
			WriteToDevices:  true,
			ConfirmRetries:  scan.DefaultConfig.ConfirmRetries,
			ConfirmInterval: scan.DefaultConfig.ConfirmInterval.Seconds(),
			ImagePoll:       scan.DefaultConfig.ImagePoll.Seconds(),
			JoinTimeout:     10,
		},
		Extract: Extract{
			Keys:         extract.DefaultKeys,
			BinningMap:   extract.DefaultBinningMap,
			ClassStarMin: 0.1,
		},
		Detector: Detector{
			Kind:           "native",
			MaxEllipticity: 0.5,
			Border:         5,
			AssocRadius:    2,
			Threshold:      5,
			MinArea:        5,
			Smooth:         1,
			Path:           "sex",
		},
		Store: Store{Root: "/tmp/autofocus"},
		HTTP:  HTTP{Addr: ":8000", Metrics: true},
		Log:   Log{Level: "info", Format: "console"},
	}
}

// envKey maps AUTOFOCUS_SCAN__WRITE_TO_DEVICES to scan.write_to_devices
func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	return strings.ReplaceAll(s, "__", ".")
}

// Load layers the defaults, the YAML file at path and the environment, and
// validates the result.  A missing file is not an error.
func Load(path string) (Config, error) {
	k := koanf.New(".")
	c := Config{}
	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return c, err
	}
	if _, err := os.Stat(path); path != "" && !errors.Is(err, fs.ErrNotExist) {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return c, fmt.Errorf("error loading config: %w", err)
		}
	}
	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return c, err
	}
	if err := k.Unmarshal("", &c); err != nil {
		return c, err
	}
	return c, c.Validate()
}

// Validate checks the field constraints and that the scan's wheel and filter are configured
func (c Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if c.Scan.Wheel != "" {
		w, err := c.wheel(c.Scan.Wheel)
		if err != nil {
			return err
		}
		if _, err := w.Filter(c.Scan.Filter); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalid, err)
		}
	}
	return nil
}

func (c Config) wheel(name string) (focus.FilterWheel, error) {
	for _, w := range c.FilterWheels() {
		if w.Name == name {
			return w, nil
		}
	}
	return focus.FilterWheel{}, fmt.Errorf("%w: filter wheel %s is not configured", ErrInvalid, name)
}

// FilterWheels converts the wheels to their domain type
func (c Config) FilterWheels() []focus.FilterWheel {
	out := make([]focus.FilterWheel, len(c.Wheels))
	for i, w := range c.Wheels {
		fw := focus.FilterWheel{Name: w.Name, Filters: make([]focus.Filter, len(w.Filters))}
		for j, f := range w.Filters {
			fw.Filters[j] = focus.Filter{Name: f.Name, ExposureFactor: f.ExposureFactor, OffsetToEmptySlot: f.OffsetToEmptySlot}
		}
		out[i] = fw
	}
	return out
}

// Positions returns the configured list, or the stepped range
func (c Config) Positions() ([]int, error) {
	if len(c.Focuser.Positions) > 0 {
		return c.Focuser.Positions, nil
	}
	return focus.Steps(c.Focuser.Lower, c.Focuser.Upper, c.Focuser.Step)
}

// ScanConfig converts to the scan controller's configuration
func (c Config) ScanConfig() scan.Config {
	f := c.Focuser
	return scan.Config{
		Focuser: focus.Focuser{
			Name: f.Name, Resolution: f.Resolution, Speed: f.Speed,
			Min: f.Min, Max: f.Max, Default: f.Default,
		},
		Camera:          focus.Camera{Name: c.Camera.Name, BaseExposure: util.SecsToDuration(c.Camera.Exposure)},
		Wheels:          c.FilterWheels(),
		Wheel:           c.Scan.Wheel,
		Filter:          c.Scan.Filter,
		ProxyDevice:     c.Device.ProxyDevice,
		ConfirmRetries:  c.Scan.ConfirmRetries,
		ConfirmInterval: util.SecsToDuration(c.Scan.ConfirmInterval),
		ImagePoll:       util.SecsToDuration(c.Scan.ImagePoll),
		ReadoutFallback: util.SecsToDuration(c.Camera.ReadoutFallback),
	}
}

// SessionConfig converts to the supervisor's configuration
func (c Config) SessionConfig() session.Config {
	return session.Config{Scan: c.ScanConfig(), JoinTimeout: util.SecsToDuration(c.Scan.JoinTimeout)}
}

// ScanRequest is the default request of a scan
func (c Config) ScanRequest() (focus.ScanRequest, error) {
	pos, err := c.Positions()
	if err != nil {
		return focus.ScanRequest{}, err
	}
	return focus.ScanRequest{
		Blind:          c.Scan.Blind,
		WriteToDevices: c.Scan.WriteToDevices,
		Positions:      pos,
		DryImages:      c.Scan.DryImages,
	}, nil
}

// ExtractConfig converts to the extractor's configuration
func (c Config) ExtractConfig() extract.Config {
	e := c.Extract
	out := extract.Config{
		WheelsInUse:      e.WheelsInUse,
		Keys:             e.Keys,
		BinningMap:       e.BinningMap,
		FilterNonStellar: e.FilterNonStellar,
		ClassStarMin:     e.ClassStarMin,
		Resolution:       c.Focuser.Resolution,
		AssocPath:        e.AssocPath,
	}
	if e.IntervalMin != e.IntervalMax {
		lim := util.NewLimiter(e.IntervalMin, e.IntervalMax)
		out.Interval = &lim
	}
	return out
}

// NewDetector builds the configured star detector
func (c Config) NewDetector() (detect.Detector, error) {
	d := c.Detector
	switch d.Kind {
	case "sextractor":
		return sextractor.New(sextractor.Config{
			Path:           d.Path,
			ConfigFile:     d.ConfigFile,
			StarNNW:        d.StarNNW,
			Fields:         d.Fields,
			Flux:           d.Flux,
			AssocColumns:   d.AssocColumns,
			AssocRadius:    d.AssocRadius,
			TempDir:        d.TempDir,
			MaxEllipticity: d.MaxEllipticity,
			Border:         d.Border,
		}), nil
	default:
		return starfind.New(starfind.Config{
			Fields:         d.Fields,
			Flux:           d.Flux,
			AssocColumns:   d.AssocColumns,
			AssocRadius:    d.AssocRadius,
			Threshold:      d.Threshold,
			MinArea:        d.MinArea,
			Smooth:         d.Smooth,
			Saturation:     d.Saturation,
			MaxEllipticity: d.MaxEllipticity,
			Border:         d.Border,
		})
	}
}

// RTS2 converts to the proxy client's configuration
func (c Config) RTS2() rts2.Config {
	return rts2.Config{
		URL:               c.Device.URL,
		User:              c.Device.User,
		Password:          c.Device.Password,
		RequestsPerSecond: c.Device.RequestsPerSecond,
		Timeout:           util.SecsToDuration(c.Device.Timeout),
	}
}

// LogOptions converts to the logger's options
func (c Config) LogOptions() logger.Options {
	return logger.Options{Level: c.Log.Level, Format: c.Log.Format, Service: "autofocus"}
}
