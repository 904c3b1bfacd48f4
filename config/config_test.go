package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nasa-jpl/autofocus/detect/sextractor"
	"github.com/nasa-jpl/autofocus/detect/starfind"
)

const sample = `
focuser:
  name: F1
  positions: [10, 20, 30]
wheels:
  - name: W0
    filters:
      - name: open
      - name: R
        exposure_factor: 2
        offset_to_empty_slot: 15
scan:
  wheel: W0
  filter: R
  confirm_interval: 0.25
extract:
  interval_min: 0
  interval_max: 100
detector:
  kind: sextractor
`

func writeConf(t *testing.T, body string) string {
	t.Helper()
	fn := filepath.Join(t.TempDir(), "autofocus.yml")
	if err := os.WriteFile(fn, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
	return fn
}

func TestDefaultsAreValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatal(err)
	}
}

func TestLoadMissingFileGivesDefaults(t *testing.T) {
	c, err := Load(filepath.Join(t.TempDir(), "nope.yml"))
	if err != nil {
		t.Fatal(err)
	}
	if c.Focuser.Name != "F0" || c.HTTP.Addr != ":8000" {
		t.Errorf("expected defaults, got %+v", c)
	}
	pos, err := c.Positions()
	if err != nil {
		t.Fatal(err)
	}
	if len(pos) != 11 || pos[0] != -1000 || pos[10] != 1000 {
		t.Errorf("unexpected default positions %v", pos)
	}
}

func TestLoadFile(t *testing.T) {
	c, err := Load(writeConf(t, sample))
	if err != nil {
		t.Fatal(err)
	}
	if c.Focuser.Name != "F1" || c.Camera.Name != "C0" {
		t.Errorf("file did not layer over defaults: %+v %+v", c.Focuser, c.Camera)
	}
	sc := c.ScanConfig()
	if sc.ConfirmInterval != 250*time.Millisecond || sc.Camera.BaseExposure != 10*time.Second {
		t.Errorf("unexpected durations %v %v", sc.ConfirmInterval, sc.Camera.BaseExposure)
	}
	if len(sc.Wheels) != 1 || sc.Wheels[0].Filters[1].OffsetToEmptySlot != 15 {
		t.Errorf("unexpected wheels %+v", sc.Wheels)
	}
	req, err := c.ScanRequest()
	if err != nil {
		t.Fatal(err)
	}
	if len(req.Positions) != 3 || req.Positions[2] != 30 || !req.WriteToDevices {
		t.Errorf("unexpected request %+v", req)
	}
	ec := c.ExtractConfig()
	if ec.Interval == nil || ec.Interval.Check(100) || !ec.Interval.Check(50) {
		t.Errorf("unexpected interval %+v", ec.Interval)
	}
	if ec.Keys.FocPos != "FOC_POS" || ec.BinningMap["2x2"] != 2 {
		t.Errorf("expected default keys and binning map, got %+v", ec)
	}
	det, err := c.NewDetector()
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := det.(*sextractor.Detector); !ok {
		t.Errorf("expected a sextractor detector, got %T", det)
	}
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("AUTOFOCUS_HTTP__ADDR", ":9000")
	t.Setenv("AUTOFOCUS_SCAN__CONFIRM_RETRIES", "7")
	c, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if c.HTTP.Addr != ":9000" || c.Scan.ConfirmRetries != 7 {
		t.Errorf("environment not applied: %+v %+v", c.HTTP, c.Scan)
	}
	det, err := c.NewDetector()
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := det.(*starfind.Detector); !ok {
		t.Errorf("expected the native detector, got %T", det)
	}
}

func TestValidation(t *testing.T) {
	cases := []struct {
		name string
		mod  func(c *Config)
	}{
		{"detector kind", func(c *Config) { c.Detector.Kind = "magic" }},
		{"focuser limits", func(c *Config) { c.Focuser.Max = c.Focuser.Min }},
		{"no camera", func(c *Config) { c.Camera.Name = "" }},
		{"log level", func(c *Config) { c.Log.Level = "loud" }},
		{"unknown wheel", func(c *Config) { c.Scan.Wheel, c.Scan.Filter = "W9", "R" }},
		{"unknown filter", func(c *Config) {
			c.Wheels = []Wheel{{Name: "W0", Filters: []Filter{{Name: "open"}}}}
			c.Scan.Wheel, c.Scan.Filter = "W0", "R"
		}},
		{"empty wheel", func(c *Config) { c.Wheels = []Wheel{{Name: "W0"}} }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := Default()
			tc.mod(&c)
			if err := c.Validate(); !errors.Is(err, ErrInvalid) {
				t.Errorf("expected ErrInvalid, got %v", err)
			}
		})
	}
}

func TestEnvKey(t *testing.T) {
	if k := envKey("AUTOFOCUS_SCAN__WRITE_TO_DEVICES"); k != "scan.write_to_devices" {
		t.Errorf("got %s", k)
	}
}
