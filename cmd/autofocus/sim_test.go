package main

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/nasa-jpl/autofocus/config"
	"github.com/nasa-jpl/autofocus/device"
	"github.com/nasa-jpl/autofocus/fitsimg"
)

func TestSimFWHMIsVShaped(t *testing.T) {
	if simFWHM(100, 100) != simBestFWHM {
		t.Errorf("expected the best FWHM at best focus, got %v", simFWHM(100, 100))
	}
	if !(simFWHM(300, 100) > simFWHM(200, 100)) || simFWHM(0, 100) != simFWHM(200, 100) {
		t.Error("expected FWHM to grow symmetrically away from best focus")
	}
}

func TestSimulatorWritesHeader(t *testing.T) {
	cfg := config.Default()
	m := newSimulator(cfg, t.TempDir())
	ctx := context.Background()
	if err := m.Set(ctx, cfg.Focuser.Name, device.FocFoff, 100); err != nil {
		t.Fatal(err)
	}
	if err := m.Execute(ctx, cfg.Camera.Name, device.CmdExpose); err != nil {
		t.Fatal(err)
	}
	if err := m.Refresh(ctx); err != nil {
		t.Fatal(err)
	}
	fn, err := device.String(m, cfg.Device.ProxyDevice, device.LastImage(cfg.Camera.Name))
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Ext(fn) != ".fits" {
		t.Errorf("unexpected image name %s", fn)
	}
	hdr, err := fitsimg.ReadHeader(fn)
	if err != nil {
		t.Fatal(err)
	}
	pos, err := hdr.Float(cfg.Extract.Keys.FocPos)
	if err != nil || pos != float64(cfg.Focuser.Default+100) {
		t.Errorf("expected FOC_POS %d, got %v (%v)", cfg.Focuser.Default+100, pos, err)
	}
	if b, _ := hdr.String(cfg.Extract.Keys.Binning); b != "1x1" {
		t.Errorf("expected binning 1x1, got %q", b)
	}
}
