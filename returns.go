package metarl

import "fmt"

// ReturnConfig controls how returns are estimated from
// rewards and value predictions.
type ReturnConfig struct {
	// Gamma is the reward discount factor.
	Gamma float64

	// Tau is the GAE lambda parameter.
	// It is only used if UseGAE is set.
	Tau float64

	UseGAE bool

	// ProperTimeLimits, if set, makes the estimator
	// bootstrap from the value prediction at steps where
	// the bad mask is 0 (i.e. episodes that were cut off
	// by a time limit rather than terminated).
	ProperTimeLimits bool
}

// ComputeReturns estimates returns for a batch of
// processes.
//
// All arguments are indexed as [step][process].
// The rewards have T steps, while valuePreds, masks, and
// badMasks have T+1 steps.
// A mask of 0 at step t+1 means that the episode ended
// after step t.
// If badMasks is nil, it is treated as all ones.
//
// The final value prediction is replaced by nextValue.
// The result has T+1 steps; the last step is the
// bootstrap value.
func ComputeReturns(cfg ReturnConfig, nextValue []float64, rewards, valuePreds,
	masks, badMasks [][]float64) [][]float64 {
	numSteps := len(rewards)
	if len(valuePreds) != numSteps+1 || len(masks) != numSteps+1 {
		panic(fmt.Sprintf("expected %d value and mask steps", numSteps+1))
	}
	if badMasks != nil && len(badMasks) != numSteps+1 {
		panic(fmt.Sprintf("expected %d bad mask steps", numSteps+1))
	}
	bad := func(t, p int) float64 {
		if badMasks == nil || !cfg.ProperTimeLimits {
			return 1
		}
		return badMasks[t][p]
	}
	values := func(t, p int) float64 {
		if t == numSteps {
			return nextValue[p]
		}
		return valuePreds[t][p]
	}

	numProcs := len(nextValue)
	returns := make([][]float64, numSteps+1)
	for t := range returns {
		returns[t] = make([]float64, numProcs)
	}

	for p := 0; p < numProcs; p++ {
		if cfg.UseGAE {
			var gae float64
			for t := numSteps - 1; t >= 0; t-- {
				delta := rewards[t][p] + cfg.Gamma*values(t+1, p)*masks[t+1][p] -
					values(t, p)
				gae = delta + cfg.Gamma*cfg.Tau*masks[t+1][p]*gae
				gae *= bad(t+1, p)
				returns[t][p] = gae + values(t, p)
			}
			returns[numSteps][p] = values(numSteps, p)
		} else {
			returns[numSteps][p] = nextValue[p]
			for t := numSteps - 1; t >= 0; t-- {
				ret := returns[t+1][p]*cfg.Gamma*masks[t+1][p] + rewards[t][p]
				b := bad(t+1, p)
				returns[t][p] = ret*b + (1-b)*values(t, p)
			}
		}
	}

	return returns
}
