package anyvae

import (
	"math"
	"math/rand"
	"sort"
	"testing"

	"github.com/unixpickle/approb"
)

func TestSubsamplerUniform(t *testing.T) {
	s := &Subsampler{Elbos: 4, Decodes: 3, Rand: rand.New(rand.NewSource(1337))}
	plan := s.Plan([]int{5, 5, 5})
	for b, elbos := range plan.Elbos {
		if len(elbos) != 4 {
			t.Fatalf("trajectory %d: expected 4 ELBO terms but got %d", b, len(elbos))
		}
		for e, idx := range elbos {
			if idx < 0 || idx > 5 {
				t.Errorf("trajectory %d: ELBO index %d out of range", b, idx)
			}
			decodes := plan.Decodes[b][e]
			if len(decodes) != 3 {
				t.Errorf("expected 3 decodes but got %d", len(decodes))
			}
			for _, d := range decodes {
				if d < 0 || d >= 5 {
					t.Errorf("decode index %d out of range", d)
				}
			}
		}
	}
	if plan.NumElbos() != 12 || plan.NumDecodes() != 36 {
		t.Errorf("unexpected counts: %d elbos, %d decodes", plan.NumElbos(),
			plan.NumDecodes())
	}
}

func TestSubsamplerHeterogeneous(t *testing.T) {
	var warnings int
	s := &Subsampler{
		Elbos: 4,
		Rand:  rand.New(rand.NewSource(1337)),
		Warn: func(format string, args ...interface{}) {
			warnings++
		},
	}
	lens := []int{2, 7, 5}
	plan := s.Plan(lens)
	if warnings != 1 {
		t.Errorf("expected 1 warning but got %d", warnings)
	}
	for b, elbos := range plan.Elbos {
		if len(elbos) != 4 {
			t.Fatalf("trajectory %d: expected 4 ELBO terms but got %d", b, len(elbos))
		}
		seen := map[int]bool{}
		for _, idx := range elbos {
			if idx < 0 || idx > lens[b] {
				t.Errorf("trajectory %d: ELBO index %d out of range", b, idx)
			}
			if seen[idx] && lens[b]+1 >= 4 {
				t.Errorf("trajectory %d: unexpected duplicate %d", b, idx)
			}
			seen[idx] = true
		}
		for e := range elbos {
			if len(plan.Decodes[b][e]) != lens[b] {
				t.Errorf("trajectory %d: expected %d decodes", b, lens[b])
			}
		}
	}
}

func TestSubsamplerFullCoverage(t *testing.T) {
	s := &Subsampler{Elbos: 6, Rand: rand.New(rand.NewSource(1337))}
	plan := s.Plan([]int{5, 5})
	for _, elbos := range plan.Elbos {
		sorted := append([]int{}, elbos...)
		sort.Ints(sorted)
		for i, x := range sorted {
			if x != i {
				t.Fatalf("expected every timestep once but got %v", elbos)
			}
		}
	}
}

func TestSubsamplerOnlyPast(t *testing.T) {
	s := &Subsampler{OnlyPast: true, Rand: rand.New(rand.NewSource(1337))}
	plan := s.Plan([]int{3, 2})
	for b, elbos := range plan.Decodes {
		for e, decodes := range elbos {
			elbo := plan.Elbos[b][e]
			if len(decodes) != elbo {
				t.Errorf("ELBO %d should decode %d steps but got %d", elbo, elbo,
					len(decodes))
			}
		}
	}
	expected := []int{0, 1, 2, 3, 0, 1, 2}
	actual := plan.DecodeSegments()
	if len(actual) != len(expected) {
		t.Fatalf("expected %v but got %v", expected, actual)
	}
	for i, x := range expected {
		if actual[i] != x {
			t.Fatalf("expected %v but got %v", expected, actual)
		}
	}
}

func TestSubsamplerDistribution(t *testing.T) {
	gen := rand.New(rand.NewSource(1337))
	s := &Subsampler{Elbos: 1, Decodes: 1, Rand: gen}
	corr := approb.Correlation(20000, 0.1, func() float64 {
		return float64(rand.Intn(8))
	}, func() float64 {
		return float64(s.Plan([]int{7, 7}).Elbos[1][0])
	})
	if math.Abs(corr-1) > 1e-2 {
		t.Errorf("ELBO correlation should be 1 but got %f", corr)
	}
	corr = approb.Correlation(20000, 0.1, func() float64 {
		return float64(rand.Intn(7))
	}, func() float64 {
		return float64(s.Plan([]int{7, 7}).Decodes[0][0][0])
	})
	if math.Abs(corr-1) > 1e-2 {
		t.Errorf("decode correlation should be 1 but got %f", corr)
	}
}
