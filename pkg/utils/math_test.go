package utils

import (
	"math"
	"testing"
)

func TestNormalizeL2(t *testing.T) {
	x := []float32{3, 4}
	NormalizeL2(x)
	if math.Abs(float64(x[0])-0.6) > 1e-6 || math.Abs(float64(x[1])-0.8) > 1e-6 {
		t.Errorf("NormalizeL2 = %v, want [0.6 0.8]", x)
	}
	zero := []float32{0, 0}
	NormalizeL2(zero)
	if zero[0] != 0 || zero[1] != 0 {
		t.Errorf("zero vector changed: %v", zero)
	}
}

func TestSquaredL2(t *testing.T) {
	if got := SquaredL2([]float32{1, 2, 3}, []float32{1, 0, 0}); got != 13 {
		t.Errorf("SquaredL2 = %v, want 13", got)
	}
	if got := SquaredL2([]float32{1}, []float32{1}); got != 0 {
		t.Errorf("SquaredL2 identical = %v, want 0", got)
	}
}

func TestSub(t *testing.T) {
	dst := make([]float32, 2)
	Sub(dst, []float32{5, 1}, []float32{2, 3})
	if dst[0] != 3 || dst[1] != -2 {
		t.Errorf("Sub = %v, want [3 -2]", dst)
	}
}
