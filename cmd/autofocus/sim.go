package main

import (
	"context"
	"math"
	"time"

	"github.com/astrogo/fitsio"

	"github.com/nasa-jpl/autofocus/comm"
	"github.com/nasa-jpl/autofocus/config"
	"github.com/nasa-jpl/autofocus/device"
	"github.com/nasa-jpl/autofocus/fitsimg"
)

const (
	// simSpeedup compresses every wait of a simulated scan
	simSpeedup = 50

	// simBestOffset puts the best focus off FOC_DEF so a scan has something to find
	simBestOffset = 150

	simBestFWHM = 2.5

	// simSlope is the FWHM growth per focuser unit away from best focus
	simSlope = 0.01

	simSize = 256
)

func compressed(factor int) func(context.Context, time.Duration) error {
	return func(ctx context.Context, d time.Duration) error {
		return comm.Sleep(ctx, d/time.Duration(factor))
	}
}

// simFWHM is a V-shaped focus curve
func simFWHM(focPos, best float64) float64 {
	return simBestFWHM + math.Abs(focPos-best)*simSlope
}

// simRenderer writes a star field whose FWHM follows simFWHM, with the
// header keys the extractor is configured to read
func simRenderer(cfg config.Config, best float64) device.RenderFunc {
	k := cfg.Extract.Keys
	filter := cfg.Scan.Filter
	return func(path string, focPos float64) error {
		fwhm := simFWHM(focPos, best)
		// constant flux per star
		peak := 20000 * (simBestFWHM / fwhm) * (simBestFWHM / fwhm)
		fld := fitsimg.Field{
			Width:      simSize,
			Height:     simSize,
			Background: 100,
			Noise:      5,
			Seed:       int64(focPos),
			Stars:      fitsimg.Grid(simSize, simSize, 16, 24, fwhm, peak),
		}
		cards := []fitsio.Card{
			{Name: k.FocPos, Value: int(math.Round(focPos)), Comment: "focuser position"},
			{Name: k.AmbientTemp, Value: 8.25, Comment: "ambient temperature"},
			{Name: k.Binning, Value: "1x1"},
			{Name: k.Date, Value: time.Now().UTC().Format("2006-01-02T15:04:05.000")},
		}
		if filter != "" {
			cards = append(cards, fitsio.Card{Name: k.Filter, Value: filter})
		}
		return fitsimg.WriteFile(path, cards, fld.Render(), true)
	}
}

// newSimulator returns mock devices named as in cfg, writing images to dir
func newSimulator(cfg config.Config, dir string) *device.Mock {
	foc, cam := cfg.Focuser.Name, cfg.Camera.Name
	m := device.NewMock(foc, cam)
	m.ProxyDevice = cfg.Device.ProxyDevice
	m.ImageDir = dir
	m.Readout = 0.5
	m.SetValue(foc, device.FocDef, float64(cfg.Focuser.Default))
	m.SetValue(foc, device.FocPos, float64(cfg.Focuser.Default))
	if cfg.Scan.Wheel != "" {
		m.SetValue(cam, device.Wheel, cfg.Scan.Wheel)
		for _, w := range cfg.FilterWheels() {
			if w.Name == cfg.Scan.Wheel {
				names := make([]string, len(w.Filters))
				for i, f := range w.Filters {
					names[i] = f.Name
				}
				m.SetSelection(cam, device.Filter, names...)
			}
		}
	}
	m.Render = simRenderer(cfg, float64(cfg.Focuser.Default+simBestOffset))
	return m
}
