package device

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"testing"
)

func TestFloatConversions(t *testing.T) {
	m := NewMock("F0", "C0")
	m.SetValue("C0", "a", "12.5")
	m.SetValue("C0", "b", json.Number("3"))
	m.SetValue("C0", "c", 7)
	for name, expected := range map[string]float64{"a": 12.5, "b": 3, "c": 7} {
		f, err := Float(m, "C0", name)
		if err != nil {
			t.Fatal(err)
		}
		if f != expected {
			t.Errorf("%s: got %v, expected %v", name, f, expected)
		}
	}
	if _, err := Float(m, "C0", "missing"); !errors.Is(err, ErrNoValue) {
		t.Errorf("expected ErrNoValue, got %v", err)
	}
	if _, err := Float(m, "nope", "x"); !errors.Is(err, ErrUnknownDevice) {
		t.Errorf("expected ErrUnknownDevice, got %v", err)
	}
}

func TestMockOffsetMovesRelativeToDefault(t *testing.T) {
	ctx := context.Background()
	m := NewMock("F0", "C0")
	m.SetValue("F0", FocDef, 3500.)
	if err := m.Set(ctx, "F0", FocFoff, -200); err != nil {
		t.Fatal(err)
	}
	pos, _ := Int(m, "F0", FocPos)
	if pos != 0 {
		t.Errorf("cache should be stale before refresh, got %d", pos)
	}
	m.Refresh(ctx)
	pos, _ = Int(m, "F0", FocPos)
	if pos != 3300 {
		t.Errorf("expected FOC_POS 3300, got %d", pos)
	}
}

func TestMockStuckFocuser(t *testing.T) {
	ctx := context.Background()
	m := NewMock("F0", "C0")
	m.Stuck = true
	m.Set(ctx, "F0", FocTar, 100)
	m.Refresh(ctx)
	tar, _ := Int(m, "F0", FocTar)
	pos, _ := Int(m, "F0", FocPos)
	if tar != 100 || pos != 0 {
		t.Errorf("expected target 100 and position 0, got %d, %d", tar, pos)
	}
}

func TestMockExposePublishesAfterLag(t *testing.T) {
	ctx := context.Background()
	m := NewMock("F0", "C0")
	m.ImageDir = t.TempDir()
	m.ImageLag = 2
	if err := m.Execute(ctx, "C0", CmdExpose); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		m.Refresh(ctx)
		if _, err := m.Get(DefaultProxyDevice, LastImage("C0")); err == nil {
			t.Fatalf("image published after %d refreshes, expected lag of 2", i+1)
		}
	}
	m.Refresh(ctx)
	fn, err := String(m, DefaultProxyDevice, LastImage("C0"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(fn); err != nil {
		t.Errorf("image file not written: %v", err)
	}
	if m.Writes() != 1 {
		t.Errorf("expected 1 recorded call, got %d", m.Writes())
	}
}

func TestMockRefreshErr(t *testing.T) {
	m := NewMock("F0", "C0")
	m.RefreshErr = ErrMockOffline
	if err := m.Refresh(context.Background()); !errors.Is(err, ErrMockOffline) {
		t.Errorf("expected ErrMockOffline, got %v", err)
	}
}
