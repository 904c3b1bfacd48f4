package focus_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/nasa-jpl/autofocus/focus"
)

func ExampleSteps() {
	pos, _ := focus.Steps(-200, 200, 100)
	fmt.Println(pos)
	// Output: [-200 -100 0 100 200]
}

func TestStepsBadStep(t *testing.T) {
	if _, err := focus.Steps(0, 10, 0); !errors.Is(err, focus.ErrBadStep) {
		t.Errorf("expected ErrBadStep, got %v", err)
	}
	if pos, err := focus.Steps(10, 0, 1); err != nil || len(pos) != 0 {
		t.Errorf("expected no positions for an empty range, got %v %v", pos, err)
	}
}

func TestFilterWheel(t *testing.T) {
	w := focus.FilterWheel{Name: "W0", Filters: []focus.Filter{{Name: "open"}, {Name: "R", OffsetToEmptySlot: 12}}}
	if w.EmptySlot() != "open" || w.Fake() {
		t.Errorf("unexpected empty slot %q or fake wheel", w.EmptySlot())
	}
	f, err := w.Filter("R")
	if err != nil || f.OffsetToEmptySlot != 12 {
		t.Errorf("expected filter R, got %+v %v", f, err)
	}
	if _, err := w.Filter("B"); !errors.Is(err, focus.ErrUnknownFilter) {
		t.Errorf("expected ErrUnknownFilter, got %v", err)
	}
	if !(focus.FilterWheel{Name: focus.FakeWheel}).Fake() {
		t.Error("expected FAKE_FTW to be fake")
	}
	if (focus.FilterWheel{}).EmptySlot() != "" {
		t.Error("expected no empty slot on a wheel without filters")
	}
}

func TestHasTemperature(t *testing.T) {
	temp := 4.2
	if (focus.FocusSample{}).HasTemperature() || !(focus.FocusSample{AmbientTemp: &temp}).HasTemperature() {
		t.Error("HasTemperature does not follow AmbientTemp")
	}
}
