package anyvae

import (
	"fmt"
	"math"

	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/metarl"
)

// valueClip is the clip range used by the Huber n-step
// value loss.
const valueClip = 0.2

// StateLoss computes one reconstruction loss per row.
//
// For Gaussian predictions, each row of pred is a mean
// followed by a log-variance.
func StateLoss(t metarl.StatePredType, pred, target anydiff.Res, n int) anydiff.Res {
	c := pred.Output().Creator()
	dim := target.Output().Len() / n
	switch t {
	case metarl.DeterministicState:
		return rowMean(anydiff.Square(anydiff.Sub(pred, target)), n)
	case metarl.GaussianState:
		parts := metarl.SplitCols(pred, n, dim, dim)
		mean, logVar := parts[0], parts[1]
		return anydiff.Pool(logVar, func(logVar anydiff.Res) anydiff.Res {
			sq := anydiff.Square(anydiff.Sub(target, mean))
			invVar := anydiff.Exp(anydiff.Scale(logVar, c.MakeNumeric(-1)))
			nll := anydiff.Add(
				anydiff.Scale(anydiff.Mul(sq, invVar), c.MakeNumeric(0.5)),
				anydiff.Scale(logVar, c.MakeNumeric(0.5)),
			)
			nll = anydiff.AddScalar(nll, c.MakeNumeric(0.5*math.Log(2*math.Pi)))
			return rowMean(nll, n)
		})
	default:
		panic(fmt.Sprintf("unsupported state prediction type: %s", t))
	}
}

// RewardLoss computes one reconstruction loss per row.
//
// Bernoulli predictions are logits for the event that
// the reward equals 1.
func RewardLoss(t metarl.RewardPredType, pred, target anydiff.Res, n int) anydiff.Res {
	c := pred.Output().Creator()
	switch t {
	case metarl.DeterministicReward:
		return rowMean(anydiff.Square(anydiff.Sub(pred, target)), n)
	case metarl.BernoulliReward:
		rewards := c.Float64Slice(target.Output().Data())
		labels := make([]float64, len(rewards))
		for i, r := range rewards {
			if r == 1 {
				labels[i] = 1
			}
		}
		labelVec := anydiff.NewConst(c.MakeVectorData(c.MakeNumericList(labels)))
		return rowMean(binaryCrossEntropy(pred, labelVec), n)
	default:
		panic(fmt.Sprintf("unsupported reward prediction type: %s", t))
	}
}

// TaskLoss computes one reconstruction loss per row.
//
// For task IDs, targets are one-hot vectors and
// predictions are logits.
func TaskLoss(t metarl.TaskPredType, pred, target anydiff.Res, n int) anydiff.Res {
	switch t {
	case metarl.TaskDescription:
		return rowMean(anydiff.Square(anydiff.Sub(pred, target)), n)
	case metarl.TaskID:
		return crossEntropy(pred, target, n)
	default:
		panic(fmt.Sprintf("unsupported task prediction type: %s", t))
	}
}

// ActionLoss computes the negative log-likelihood of
// one-hot actions under logits.
func ActionLoss(pred, target anydiff.Res, n int) anydiff.Res {
	return crossEntropy(pred, target, n)
}

// ValueLoss computes one value prediction loss per row.
//
// The old values are bootstrapped value estimates and
// the returns are the regression targets.
func ValueLoss(t metarl.NStepValueLoss, pred, oldValues, returns anydiff.Res) anydiff.Res {
	c := pred.Output().Creator()
	switch t {
	case metarl.HuberNStepLoss:
		return anydiff.Pool(pred, func(pred anydiff.Res) anydiff.Res {
			clipped := anydiff.Add(oldValues, anydiff.ClipRange(
				anydiff.Sub(pred, oldValues), c.MakeNumeric(-valueClip),
				c.MakeNumeric(valueClip)))
			raw := huber(anydiff.Sub(pred, returns))
			clippedLoss := huber(anydiff.Sub(clipped, returns))
			return anydiff.Scale(anydiff.ElemMax(raw, clippedLoss), c.MakeNumeric(0.5))
		})
	case metarl.ReturnNStepLoss:
		return anydiff.Square(anydiff.Sub(pred, returns))
	case metarl.ValueNStepLoss:
		return anydiff.Square(anydiff.Sub(pred, oldValues))
	default:
		panic(fmt.Sprintf("unsupported n-step value loss: %s", t))
	}
}

// GaussKL computes the KL divergence from each row's
// diagonal Gaussian to a standard normal.
func GaussKL(mean, logVar anydiff.Res, n int) anydiff.Res {
	c := mean.Output().Creator()
	return anydiff.Pool(logVar, func(logVar anydiff.Res) anydiff.Res {
		inner := anydiff.Sub(
			anydiff.AddScalar(logVar, c.MakeNumeric(1)),
			anydiff.Add(anydiff.Square(mean), anydiff.Exp(logVar)),
		)
		return anydiff.Scale(rowSum(inner, n), c.MakeNumeric(-0.5))
	})
}

// SequentialKL computes KL(N(mean, exp(logVar)) ||
// N(prevMean, exp(prevLogVar))) for each row.
func SequentialKL(mean, logVar, prevMean, prevLogVar anydiff.Res, n int) anydiff.Res {
	c := mean.Output().Creator()
	dim := mean.Output().Len() / n
	return anydiff.Pool(prevLogVar, func(prevLogVar anydiff.Res) anydiff.Res {
		invPrevVar := anydiff.Exp(anydiff.Scale(prevLogVar, c.MakeNumeric(-1)))
		return anydiff.Pool(invPrevVar, func(invPrevVar anydiff.Res) anydiff.Res {
			varRatio := anydiff.Mul(anydiff.Exp(logVar), invPrevVar)
			meanTerm := anydiff.Mul(anydiff.Square(anydiff.Sub(prevMean, mean)), invPrevVar)
			inner := anydiff.Add(anydiff.Sub(prevLogVar, logVar),
				anydiff.Add(varRatio, meanTerm))
			sums := anydiff.AddScalar(rowSum(inner, n), c.MakeNumeric(-float64(dim)))
			return anydiff.Scale(sums, c.MakeNumeric(0.5))
		})
	})
}

// huber computes the smooth L1 penalty of each
// component.
func huber(diff anydiff.Res) anydiff.Res {
	return anydiff.Pool(diff, func(diff anydiff.Res) anydiff.Res {
		c := diff.Output().Creator()
		clipped := anydiff.ClipRange(diff, c.MakeNumeric(-1), c.MakeNumeric(1))
		return anydiff.Pool(clipped, func(clipped anydiff.Res) anydiff.Res {
			return anydiff.Sub(
				anydiff.Mul(clipped, diff),
				anydiff.Scale(anydiff.Square(clipped), c.MakeNumeric(0.5)),
			)
		})
	})
}

func binaryCrossEntropy(logits, labels anydiff.Res) anydiff.Res {
	c := logits.Output().Creator()
	return anydiff.Pool(logits, func(logits anydiff.Res) anydiff.Res {
		logP := anydiff.LogSigmoid(logits)
		logNotP := anydiff.LogSigmoid(anydiff.Scale(logits, c.MakeNumeric(-1)))
		notLabels := anydiff.AddScalar(anydiff.Scale(labels, c.MakeNumeric(-1)),
			c.MakeNumeric(1))
		return anydiff.Scale(anydiff.Add(anydiff.Mul(labels, logP),
			anydiff.Mul(notLabels, logNotP)), c.MakeNumeric(-1))
	})
}

func crossEntropy(logits, oneHot anydiff.Res, n int) anydiff.Res {
	c := logits.Output().Creator()
	dim := logits.Output().Len() / n
	logProbs := anydiff.LogSoftmax(logits, dim)
	return anydiff.Scale(rowSum(anydiff.Mul(logProbs, oneHot), n), c.MakeNumeric(-1))
}

func rowSum(vec anydiff.Res, n int) anydiff.Res {
	return anydiff.SumCols(&anydiff.Matrix{
		Data: vec,
		Rows: n,
		Cols: vec.Output().Len() / n,
	})
}

func rowMean(vec anydiff.Res, n int) anydiff.Res {
	c := vec.Output().Creator()
	cols := vec.Output().Len() / n
	return anydiff.Scale(rowSum(vec, n), c.MakeNumeric(1/float64(cols)))
}

func requireGrad(name string, res anydiff.Res) {
	if len(res.Vars()) == 0 {
		panic(name + " is not connected to any parameters")
	}
}
