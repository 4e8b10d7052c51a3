package anyppo

import (
	"math"

	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/metarl"
)

// ClipGradNorm scales down the gradient entries of the
// parameters if their combined L2 norm exceeds maxNorm.
//
// It returns the norm before clipping.
// If the norm is not finite, the entries are zeroed.
// Entries for other parameters are left untouched.
func ClipGradNorm(g anydiff.Grad, params []*anydiff.Var, maxNorm float64) float64 {
	sub := metarl.Subgrad(g, params)
	var c anyvec.Creator
	var sqNorm float64
	for _, v := range sub {
		c = v.Creator()
		sqNorm += dot(v, v)
	}
	if c == nil {
		return 0
	}
	norm := math.Sqrt(sqNorm)
	if math.IsNaN(norm) || math.IsInf(norm, 0) {
		sub.Clear()
		return norm
	}
	if coef := maxNorm / (norm + 1e-6); coef < 1 {
		sub.Scale(c.MakeNumeric(coef))
	}
	return norm
}

func dot(v1, v2 anyvec.Vector) float64 {
	c := v1.Creator()
	sum := c.MakeVector(1)
	sum.AddScalar(v1.Dot(v2))
	return c.Float64Slice(sum.Data())[0]
}
