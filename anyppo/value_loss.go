package anyppo

import (
	"fmt"

	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/metarl"
)

// ValueLoss computes the critic loss for a batch of
// value predictions.
//
// The old values are the predictions made during the
// rollout.
// Clipped regimes keep new predictions within clip of
// the old ones and take the worse of the clipped and
// unclipped losses.
func ValueLoss(regime metarl.ValueLoss, values, oldValues, returns anydiff.Res,
	clip float64) anydiff.Res {
	c := values.Output().Creator()
	half := c.MakeNumeric(0.5)
	return anydiff.Pool(values, func(values anydiff.Res) anydiff.Res {
		penalty := anydiff.Square
		if regime.Huber() {
			penalty = huber
		}
		raw := penalty(anydiff.Sub(values, returns))
		switch regime {
		case metarl.HuberValueLoss:
			return mean(raw)
		case metarl.SquaredValueLoss:
			return anydiff.Scale(mean(raw), half)
		case metarl.ClippedHuberValueLoss, metarl.ClippedSquaredValueLoss:
			clipped := anydiff.Add(oldValues, anydiff.ClipRange(
				anydiff.Sub(values, oldValues),
				c.MakeNumeric(-clip),
				c.MakeNumeric(clip),
			))
			clippedLoss := penalty(anydiff.Sub(clipped, returns))
			return anydiff.Scale(mean(anydiff.ElemMax(raw, clippedLoss)), half)
		default:
			panic(fmt.Sprintf("unknown value loss: %d", regime))
		}
	})
}

func huber(diff anydiff.Res) anydiff.Res {
	c := diff.Output().Creator()
	return anydiff.Pool(diff, func(diff anydiff.Res) anydiff.Res {
		clipped := anydiff.ClipRange(diff, c.MakeNumeric(-1), c.MakeNumeric(1))
		return anydiff.Pool(clipped, func(clipped anydiff.Res) anydiff.Res {
			return anydiff.Sub(
				anydiff.Mul(clipped, diff),
				anydiff.Scale(anydiff.Square(clipped), c.MakeNumeric(0.5)),
			)
		})
	})
}

func mean(vec anydiff.Res) anydiff.Res {
	c := vec.Output().Creator()
	n := vec.Output().Len()
	return anydiff.Scale(anydiff.Sum(vec), c.MakeNumeric(1/float64(n)))
}
