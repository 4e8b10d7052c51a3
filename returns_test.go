package metarl

import (
	"math"
	"testing"
)

func TestComputeReturnsDiscounted(t *testing.T) {
	rewards := [][]float64{{1}, {2}, {3}}
	values := [][]float64{{0}, {0}, {0}, {0}}
	masks := [][]float64{{1}, {1}, {0}, {1}}
	cfg := ReturnConfig{Gamma: 0.5}
	actual := ComputeReturns(cfg, []float64{10}, rewards, values, masks, nil)

	// The episode ends after step 1, so step 2 bootstraps
	// from the next value.
	expected := []float64{1 + 0.5*2, 2, 3 + 0.5*10, 10}
	for i, x := range expected {
		if math.Abs(actual[i][0]-x) > 1e-8 {
			t.Errorf("step %d: expected %v but got %v", i, x, actual[i][0])
		}
	}
}

func TestComputeReturnsGAE(t *testing.T) {
	rewards := [][]float64{{1}, {0}}
	values := [][]float64{{0.5}, {0.25}, {0}}
	masks := [][]float64{{1}, {1}, {1}}
	cfg := ReturnConfig{Gamma: 0.9, Tau: 0.8, UseGAE: true}
	actual := ComputeReturns(cfg, []float64{1}, rewards, values, masks, nil)

	delta1 := 0 + 0.9*1 - 0.25
	delta0 := 1 + 0.9*0.25 - 0.5
	gae0 := delta0 + 0.9*0.8*delta1
	expected := []float64{gae0 + 0.5, delta1 + 0.25}
	for i, x := range expected {
		if math.Abs(actual[i][0]-x) > 1e-8 {
			t.Errorf("step %d: expected %v but got %v", i, x, actual[i][0])
		}
	}
}

func TestComputeReturnsTimeLimits(t *testing.T) {
	rewards := [][]float64{{1}, {1}}
	values := [][]float64{{3}, {4}, {0}}
	masks := [][]float64{{1}, {0}, {1}}
	badMasks := [][]float64{{1}, {0}, {1}}
	cfg := ReturnConfig{Gamma: 1, ProperTimeLimits: true}
	actual := ComputeReturns(cfg, []float64{2}, rewards, values, masks, badMasks)

	// Step 0 was cut off by a time limit, so its return
	// is its own value prediction.
	expected := []float64{3, 1 + 2, 2}
	for i, x := range expected {
		if math.Abs(actual[i][0]-x) > 1e-8 {
			t.Errorf("step %d: expected %v but got %v", i, x, actual[i][0])
		}
	}

	cfg.ProperTimeLimits = false
	actual = ComputeReturns(cfg, []float64{2}, rewards, values, masks, badMasks)
	if math.Abs(actual[0][0]-1) > 1e-8 {
		t.Errorf("expected 1 but got %v", actual[0][0])
	}
}
