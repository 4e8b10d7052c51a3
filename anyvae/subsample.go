package anyvae

import (
	"log"
	"math/rand"

	"github.com/unixpickle/metarl"
)

// A Subsampler draws ELBO terms and decode targets for a
// batch of trajectories.
type Subsampler struct {
	// Elbos is the number of ELBO terms per trajectory.
	// If 0, every encoder timestep is used.
	// If it is one more than a trajectory's length,
	// every timestep of that trajectory is used once.
	Elbos int

	// Decodes is the number of decode targets per ELBO
	// term.
	// If 0, every available target is used.
	Decodes int

	// OnlyPast restricts the decode targets of an ELBO
	// term to the transitions it has already encoded.
	// It only applies when Decodes is 0.
	OnlyPast bool

	Rand *rand.Rand

	// Warn is called when duplicate ELBO terms are
	// unavoidable.
	// If nil, log.Printf is used.
	Warn func(format string, args ...interface{})
}

// Plan creates a Plan for trajectories with the given
// lengths.
//
// Every trajectory must have a positive length.
func (s *Subsampler) Plan(lens metarl.Lengths) *Plan {
	for _, l := range lens {
		if l <= 0 {
			panic("trajectories must be non-empty")
		}
	}
	uniform := lens.Uniform()
	minLen := lens.Min()

	plan := &Plan{
		Lens:    lens,
		Elbos:   make([][]int, len(lens)),
		Decodes: make([][][]int, len(lens)),
	}
	if !uniform && s.Elbos > minLen {
		s.warn("the number of ELBO terms (%d) is larger than the shortest "+
			"trajectory (%d), so there will be duplicates in the batch", s.Elbos, minLen)
	}
	for b, l := range lens {
		plan.Elbos[b] = s.elbos(l, uniform)
		plan.Decodes[b] = make([][]int, len(plan.Elbos[b]))
		for e, t := range plan.Elbos[b] {
			plan.Decodes[b][e] = s.decodes(l, t)
		}
	}
	return plan
}

func (s *Subsampler) elbos(length int, uniform bool) []int {
	if s.Elbos == 0 {
		return rangeInts(0, length+1)
	}
	if s.Elbos == length+1 {
		return s.Rand.Perm(length + 1)
	}
	res := make([]int, s.Elbos)
	if uniform || s.Elbos > length+1 {
		for i := range res {
			res[i] = s.Rand.Intn(length + 1)
		}
	} else {
		copy(res, s.Rand.Perm(length + 1))
	}
	return res
}

func (s *Subsampler) decodes(length, elbo int) []int {
	if s.Decodes == 0 {
		if s.OnlyPast {
			return rangeInts(0, elbo)
		}
		return rangeInts(0, length)
	}
	res := make([]int, s.Decodes)
	for i := range res {
		res[i] = s.Rand.Intn(length)
	}
	return res
}

func (s *Subsampler) warn(format string, args ...interface{}) {
	if s.Warn != nil {
		s.Warn(format, args...)
	} else {
		log.Printf("warning: "+format, args...)
	}
}

func rangeInts(start, end int) []int {
	res := make([]int, 0, end-start)
	for i := start; i < end; i++ {
		res = append(res, i)
	}
	return res
}
