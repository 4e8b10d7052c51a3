package anyvae

import (
	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/metarl"
)

// MemoryLoss checks that the memory of a branch can
// recall the first level outputs of the encoder.
//
// Every transition of a batch is written to the memory,
// keyed by the next observation and the latent
// distribution, while resetting the memory at task and
// episode boundaries.
// The keys are then read back in a random order, and the
// squared errors of the reads are summed.
//
// If the branch's storage is not ready, the result is a
// constant zero.
func (v *VAE) MemoryLoss(b metarl.Branch) anydiff.Res {
	if !v.Ready(b) {
		return zeroScalar(v.Creator)
	}
	if v.Memory == nil {
		panic("memory loss requires a memory")
	}
	batch := v.Storages[b].Batch(v.Config.VAE.BatchNumTrajs)
	out := v.Encoder.Forward(b, batch.EncoderInput(0))

	maxLen := NewAligner(batch.Lens, 0).MaxLen
	numTrajs := batch.Batch()
	states := batch.NextObs.Padded.Truncate(maxLen)
	targets := out.Levels[0].Shift(1, maxLen)
	hidden := out.Hidden.Shift(1, maxLen)
	latent := metarl.PolicyLatent(false, false, nil, out.Mean.Shift(1, maxLen),
		out.LogVar.Shift(1, maxLen)).Detach()

	keys := make([]anydiff.Res, maxLen)
	for t := range keys {
		keys[t] = metarl.ConcatCols(numTrajs, states.Step(t), latent.Step(t))
	}

	v.Memory.Prior(numTrajs, b)
	for t := 0; t < maxLen; t++ {
		v.Memory.Reset(batch.DoneTask[t], batch.DoneEpisode[t], b)
		v.Memory.Write(keys[t], targets.Step(t), b)
	}

	var reads, expected []anydiff.Res
	for _, t := range v.Rand.Perm(maxLen) {
		reads = append(reads, v.Memory.Read(keys[t], hidden.Step(t), b))
		expected = append(expected, targets.Step(t))
	}
	diff := anydiff.Sub(anydiff.Concat(reads...), anydiff.Concat(expected...))
	loss := anydiff.Sum(anydiff.Square(diff))

	if iter, ok := v.logStep(); ok {
		v.Logger.Add("memory_loss_"+b.String(), scalarValue(loss), iter)
	}
	return loss
}
