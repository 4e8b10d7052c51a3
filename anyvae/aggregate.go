package anyvae

import (
	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anyvec"
)

// An Aggregator reduces per-row losses to scalars.
//
// Reconstruction terms are reduced into ELBO terms,
// ELBO terms are reduced into trajectories, and the
// trajectories are always averaged.
type Aggregator struct {
	AvgReconstruction bool
	AvgElbos          bool
	AvgHorizons       bool

	// Discount weighs horizon i by Discount^i.
	// If 0, every horizon has weight 1.
	Discount float64
}

// Reconstruction reduces a loss with one entry per
// decode row of the plan.
//
// ELBO terms without decode targets are left out, so
// they do not count towards averages over ELBO terms.
func (a *Aggregator) Reconstruction(p *Plan, losses anydiff.Res) anydiff.Res {
	if p.NumDecodes() == 0 {
		return zeroScalar(losses.Output().Creator())
	}
	var decodes []int
	for _, size := range p.DecodeSegments() {
		if size > 0 {
			decodes = append(decodes, size)
		}
	}
	perElbo := reduceSegments(losses, decodes, a.AvgReconstruction)
	perTraj := reduceSegments(perElbo, p.DecodedElboSegments(), a.AvgElbos)
	return mean(perTraj)
}

// Elbo reduces a loss with one entry per ELBO term of
// the plan.
func (a *Aggregator) Elbo(p *Plan, losses anydiff.Res) anydiff.Res {
	perTraj := reduceSegments(losses, p.ElboSegments(), a.AvgElbos)
	return mean(perTraj)
}

// Horizons combines the scalar losses of each
// prediction horizon.
func (a *Aggregator) Horizons(losses []anydiff.Res) anydiff.Res {
	if len(losses) == 1 {
		return losses[0]
	}
	c := losses[0].Output().Creator()
	alpha := 1.0
	var weighted []anydiff.Res
	for _, l := range losses {
		weighted = append(weighted, anydiff.Scale(l, c.MakeNumeric(alpha)))
		if a.Discount != 0 {
			alpha *= a.Discount
		}
	}
	total := anydiff.Sum(anydiff.Concat(weighted...))
	if a.AvgHorizons {
		return anydiff.Scale(total, c.MakeNumeric(1/float64(len(losses))))
	}
	return total
}

// reduceSegments sums or averages consecutive segments
// of a vector.
// Empty segments produce zeros.
func reduceSegments(vec anydiff.Res, segments []int, avg bool) anydiff.Res {
	c := vec.Output().Creator()
	if rectangular(segments) {
		cols := segments[0]
		res := anydiff.SumCols(&anydiff.Matrix{
			Data: vec,
			Rows: len(segments),
			Cols: cols,
		})
		if avg {
			res = anydiff.Scale(res, c.MakeNumeric(1/float64(cols)))
		}
		return res
	}
	var parts []anydiff.Res
	var start int
	for _, size := range segments {
		if size == 0 {
			parts = append(parts, anydiff.NewConst(c.MakeVector(1)))
			continue
		}
		part := anydiff.Sum(anydiff.Slice(vec, start, start+size))
		if avg {
			part = anydiff.Scale(part, c.MakeNumeric(1/float64(size)))
		}
		parts = append(parts, part)
		start += size
	}
	return anydiff.Concat(parts...)
}

func rectangular(segments []int) bool {
	if len(segments) == 0 || segments[0] == 0 {
		return false
	}
	for _, s := range segments {
		if s != segments[0] {
			return false
		}
	}
	return true
}

func mean(vec anydiff.Res) anydiff.Res {
	c := vec.Output().Creator()
	n := vec.Output().Len()
	return anydiff.Scale(anydiff.Sum(vec), c.MakeNumeric(1/float64(n)))
}

func zeroScalar(c anyvec.Creator) anydiff.Res {
	return anydiff.NewConst(c.MakeVector(1))
}
