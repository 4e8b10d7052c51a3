package anyvae

import (
	"fmt"

	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/metarl"
)

// NStepValueLoss trains the value decoder of a branch to
// predict bootstrapped returns several steps ahead.
//
// The targets are computed from the policy's value
// estimates, which are not differentiated.
//
// If the branch's storage is not ready, the result is a
// constant zero.
func (v *VAE) NStepValueLoss(policy metarl.Policy, b metarl.Branch) anydiff.Res {
	if !v.Ready(b) {
		return zeroScalar(v.Creator)
	}
	decoder := v.Decoders.Value[b]
	if decoder == nil {
		panic(fmt.Sprintf("no value decoder for %s branch", b))
	}
	cfg := v.Config
	batch := v.Storages[b].Batch(cfg.VAE.BatchNumTrajs)
	out := v.Encoder.Forward(b, batch.EncoderInput(0))

	values, returns := v.valueTargets(policy, batch, out)

	al := NewAligner(batch.Lens, cfg.VAE.NPrediction)
	plan := v.subsampler().Plan(batch.Lens)
	agg := &Aggregator{
		AvgReconstruction: cfg.VAE.AvgReconstructionTerms,
		AvgElbos:          cfg.VAE.AvgElboTerms,
		AvgHorizons:       cfg.VAE.AvgNStepPrediction,
	}

	rows := func(p *metarl.Padded) []anydiff.Res {
		res := []anydiff.Res{plan.DecodeRows(al.Sequence(p))}
		for _, s := range al.Shifted(p) {
			res = append(res, plan.DecodeRows(s))
		}
		return res
	}
	actions := rows(batch.Actions.Padded)
	rewards := rows(batch.Rewards.Padded)
	in := &metarl.DecodeInputs{
		N:            plan.NumDecodes(),
		Latent:       plan.LatentRows(al.Encoding(out.Levels[1])),
		PrevObs:      plan.DecodeRows(al.Sequence(batch.PrevObs.Padded)),
		Actions:      actions[0],
		Rewards:      rewards[0],
		NStepActions: actions[1:],
		NStepRewards: rewards[1:],
	}
	oldValues := rows(values)
	targets := rows(returns)

	preds := decoder.Decode(in)
	if len(preds) > len(targets) {
		panic("decoder produced more horizons than there are targets")
	}
	losses := make([]anydiff.Res, len(preds))
	for i, pred := range preds {
		perRow := ValueLoss(cfg.ValuePrediction.Loss, pred, oldValues[i], targets[i])
		losses[i] = agg.Reconstruction(plan, perRow)
	}
	loss := agg.Horizons(losses)
	requireGrad("value reconstruction loss", loss)

	if iter, ok := v.logStep(); ok {
		v.Logger.Add("n_step_value_pred_loss/value_reconstr_err_"+b.String(),
			scalarValue(loss), iter)
	}
	return loss
}

// valueTargets computes the value estimate and return of
// the state after every transition in the batch.
//
// Both results have one timestep per stored transition.
func (v *VAE) valueTargets(policy metarl.Policy, batch *metarl.VAEBatch,
	out *metarl.EncoderOutput) (values, returns *metarl.Padded) {
	c := v.Creator
	cfg := v.Config
	steps := out.Embedded.Steps
	numTrajs := batch.Batch()

	latent := metarl.PolicyLatent(cfg.PPO.SampleEmbeddings, cfg.PPO.AddNonlinearityToLatent,
		out.Sample, out.Mean, out.LogVar)
	in := &metarl.PolicyInputs{
		N:      steps * numTrajs,
		State:  out.Embedded.Detach().Data,
		Latent: latent.Data,
		Level1: out.Levels[0].Data,
	}
	if batch.Tasks != nil {
		taskDim := batch.Tasks.Output().Len() / numTrajs
		trajRows := make([]int, steps*numTrajs)
		for i := range trajRows {
			trajRows[i] = i % numTrajs
		}
		in.Task = metarl.GatherRows(batch.Tasks, taskDim, trajRows)
	}
	valueVec := c.Float64Slice(policy.GetValue(in).Output().Data())

	valuePreds := columns(valueVec, steps, numTrajs)
	rewards := columns(c.Float64Slice(batch.Rewards.Data.Output().Data()),
		batch.Steps(), numTrajs)
	masks := columns(c.Float64Slice(batch.Masks.Data.Output().Data()), steps, numTrajs)
	badMasks := columns(c.Float64Slice(batch.BadMasks.Data.Output().Data()), steps,
		numTrajs)

	retCfg := cfg.Returns
	retCfg.ProperTimeLimits = true
	rets := metarl.ComputeReturns(retCfg, valuePreds[steps-1], rewards, valuePreds,
		masks, badMasks)

	next := func(data [][]float64) *metarl.Padded {
		var flat []float64
		for _, row := range data[1:] {
			flat = append(flat, row...)
		}
		return metarl.ConstPadded(c, flat, steps-1, numTrajs, 1)
	}
	return next(valuePreds), next(rets)
}

// columns splits a flat time-major vector with one
// component per row into [step][traj] form.
func columns(data []float64, steps, batch int) [][]float64 {
	if len(data) != steps*batch {
		panic(fmt.Sprintf("expected %d*%d values but got %d", steps, batch, len(data)))
	}
	res := make([][]float64, steps)
	for t := range res {
		res[t] = data[t*batch : (t+1)*batch]
	}
	return res
}
