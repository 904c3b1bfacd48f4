package mathx

import (
	"fmt"
	"math"
	"testing"
)

func ExampleRound() {
	fmt.Println(Round(12.345, 0.1))
	// Output: 12.3
}

func TestRoundNegative(t *testing.T) {
	out := Round(-3.26, 0.1)
	if math.Abs(out-(-3.3)) > 1e-12 {
		t.Errorf("expected -3.3, got %f", out)
	}
}

func TestMeanStd(t *testing.T) {
	mean, std := MeanStd([]float64{2, 4, 4, 4, 5, 5, 7, 9})
	if mean != 5 {
		t.Errorf("expected mean 5, got %f", mean)
	}
	if std != 2 {
		t.Errorf("expected population std 2, got %f", std)
	}
}

func TestMeanStdEmptyIsNaN(t *testing.T) {
	mean, std := MeanStd(nil)
	if !math.IsNaN(mean) || !math.IsNaN(std) {
		t.Errorf("expected NaN for empty input, got %f, %f", mean, std)
	}
}

func TestFinite(t *testing.T) {
	if Finite(math.NaN()) || Finite(math.Inf(1)) || Finite(math.Inf(-1)) {
		t.Error("NaN and Inf must not be finite")
	}
	if !Finite(0) || !Finite(-1e300) {
		t.Error("ordinary numbers must be finite")
	}
}

func TestMedianDoesNotReorderInput(t *testing.T) {
	in := []float64{5, 1, 3, 2}
	if m := Median(in); m != 2.5 {
		t.Errorf("expected median 2.5, got %f", m)
	}
	if in[0] != 5 || in[3] != 2 {
		t.Errorf("input was modified: %v", in)
	}
}

func TestMADOfConstantIsZero(t *testing.T) {
	med, sigma := MAD([]float64{7, 7, 7, 7, 7})
	if med != 7 || sigma != 0 {
		t.Errorf("expected (7, 0), got (%f, %f)", med, sigma)
	}
}
