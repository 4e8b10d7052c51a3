package anyppo

import (
	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anynet"
)

// RND implements random network distillation.
//
// A predictor is trained to match the outputs of a fixed,
// randomly initialized target network.
// The prediction error is high for unfamiliar states,
// making it usable as a novelty bonus.
type RND struct {
	Target    anynet.Layer
	Predictor anynet.Layer
}

// Parameters returns the predictor's parameters.
// The target is never trained.
func (r *RND) Parameters() []*anydiff.Var {
	return anynet.AllParameters(r.Predictor)
}

// Loss computes the mean L2 distance between the target
// and predictor outputs for a batch of n states.
func (r *RND) Loss(states anydiff.Res, n int) anydiff.Res {
	return mean(r.distances(states, n))
}

// Novelty computes the prediction error for each of n
// states.
func (r *RND) Novelty(states anydiff.Res, n int) []float64 {
	dists := r.distances(anydiff.NewConst(states.Output()), n).Output()
	return dists.Creator().Float64Slice(dists.Data())
}

func (r *RND) distances(states anydiff.Res, n int) anydiff.Res {
	target := anydiff.NewConst(r.Target.Apply(states, n).Output())
	pred := r.Predictor.Apply(states, n)
	sq := anydiff.Square(anydiff.Sub(target, pred))
	norms := anydiff.SumCols(&anydiff.Matrix{
		Data: sq,
		Rows: n,
		Cols: sq.Output().Len() / n,
	})
	return safeSqrt(norms)
}
