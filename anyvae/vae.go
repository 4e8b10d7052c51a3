package anyvae

import (
	"math/rand"

	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/metarl"
)

// Decoders stores the decoders of a VAE.
// Decoders which are not used may be nil.
type Decoders struct {
	State  metarl.Decoder
	Reward metarl.Decoder
	Task   metarl.Decoder
	Action metarl.Decoder

	// Value stores the n-step value decoder of each
	// branch.
	Value map[metarl.Branch]metarl.Decoder
}

// Parameters returns the parameters of every decoder.
func (d *Decoders) Parameters() []*anydiff.Var {
	var res []*anydiff.Var
	for _, dec := range []metarl.Decoder{d.State, d.Reward, d.Task, d.Action} {
		if dec != nil {
			res = append(res, dec.Parameters()...)
		}
	}
	for _, b := range metarl.Branches {
		if dec := d.Value[b]; dec != nil {
			res = append(res, dec.Parameters()...)
		}
	}
	return res
}

// VAE computes the task inference losses of an agent
// from the trajectories in its VAE storages.
type VAE struct {
	Creator anyvec.Creator
	Config  *metarl.Config

	Encoder  metarl.Encoder
	Decoders Decoders

	// Memory is used by MemoryLoss.
	// It may be nil if the memory loss is unused.
	Memory metarl.Memory

	Storages map[metarl.Branch]*metarl.VAEStorage

	// Optimizer is used when Loss is asked to update
	// the model.
	Optimizer *metarl.Optimizer

	// Logger, if non-nil, receives loss values every
	// Config.LogInterval iterations.
	Logger  metarl.Logger
	IterIdx func() int

	// Rand is used for latent samples and subsampling.
	Rand *rand.Rand
}

// Parameters returns the encoder and decoder parameters.
func (v *VAE) Parameters() []*anydiff.Var {
	return append(append([]*anydiff.Var{}, v.Encoder.Parameters()...),
		v.Decoders.Parameters()...)
}

// Ready checks if the storage of a branch has enough
// trajectories for an update.
func (v *VAE) Ready(b metarl.Branch) bool {
	s := v.Storages[b]
	return s != nil && s.ReadyForUpdate()
}

// ELBO stores the terms of a negative ELBO.
// Terms which are disabled are nil.
type ELBO struct {
	Plan    *Plan
	Aligner *Aligner

	Reward anydiff.Res
	State  anydiff.Res
	Task   anydiff.Res
	Action anydiff.Res
	KL     anydiff.Res

	// Total is the weighted sum of the terms.
	Total anydiff.Res
}

// Loss computes the VAE loss on a batch sampled from the
// storages.
//
// If update is true, the model is trained on the loss
// with the VAE optimizer.
//
// If no storage is ready, or if the decoders and latent
// stochasticity are both disabled, the result is a
// constant zero.
func (v *VAE) Loss(update bool) anydiff.Res {
	cfg := &v.Config.VAE
	batch := v.batch()
	if batch == nil || (cfg.DisableDecoder && cfg.DisableStochasticity) {
		return zeroScalar(v.Creator)
	}
	elbo := v.ELBO(batch)
	if update {
		if v.Optimizer == nil {
			panic("VAE optimizer is not set")
		}
		grad := anydiff.NewGrad(v.Optimizer.Params...)
		elbo.Total.Propagate(anyvec.Ones(v.Creator, 1), grad)
		v.Optimizer.Step(grad)
	}
	v.logELBO(elbo)
	return elbo.Total
}

// ELBO computes the terms of the negative ELBO for a
// batch of trajectories.
func (v *VAE) ELBO(batch *metarl.VAEBatch) *ELBO {
	cfg := &v.Config.VAE
	out := v.Encoder.Forward(metarl.Exploration, batch.EncoderInput(cfg.TBPTTStepSize))

	al := NewAligner(batch.Lens, v.horizons())
	plan := v.subsampler().Plan(batch.Lens)
	agg := &Aggregator{
		AvgReconstruction: cfg.AvgReconstructionTerms,
		AvgElbos:          cfg.AvgElboTerms,
		AvgHorizons:       cfg.AvgNStepPrediction,
		Discount:          cfg.DiscountNPrediction,
	}
	mean := al.Encoding(out.Mean)
	logVar := al.Encoding(out.LogVar)

	var latent *metarl.Padded
	if cfg.DisableStochasticity {
		latent = concatPadded(mean, logVar)
	} else {
		latent = sampleGaussian(v.Rand, mean, logVar)
	}

	res := &ELBO{Plan: plan, Aligner: al}
	var total []anydiff.Res
	addTerm := func(name string, term anydiff.Res, coeff float64) anydiff.Res {
		requireGrad(name, term)
		total = append(total, anydiff.Scale(term, v.Creator.MakeNumeric(coeff)))
		return term
	}

	if !cfg.DisableDecoder {
		if cfg.DecodeReward || cfg.DecodeState || cfg.DecodeAction {
			d := v.decodeData(batch, out, latent, al, plan)
			if cfg.DecodeReward {
				res.Reward = addTerm("reward reconstruction loss",
					v.rewardLoss(d, agg, plan), cfg.RewLossCoeff)
			}
			if cfg.DecodeState {
				res.State = addTerm("state reconstruction loss",
					v.stateLoss(d, agg, plan), cfg.StateLossCoeff)
			}
			if cfg.DecodeAction {
				res.Action = addTerm("action reconstruction loss",
					v.actionLoss(d, agg, plan), cfg.ActionLossCoeff)
			}
		}
		if cfg.DecodeTask {
			res.Task = addTerm("task reconstruction loss",
				v.taskLoss(batch, latent, agg, plan), cfg.TaskLossCoeff)
		}
	}
	if !cfg.DisableStochasticity {
		res.KL = addTerm("KL divergence", v.klLoss(mean, logVar, agg, plan),
			cfg.KLWeight)
	}

	if len(total) == 0 {
		res.Total = zeroScalar(v.Creator)
	} else {
		res.Total = anydiff.Sum(anydiff.Concat(total...))
	}
	return res
}

// batch samples trajectories from the branches that are
// ready, or returns nil if neither is.
func (v *VAE) batch() *metarl.VAEBatch {
	cfg := &v.Config.VAE
	useExploration := v.Ready(metarl.Exploration)
	useExploitation := v.Ready(metarl.Exploitation) && !cfg.FillJustWithExploration

	var res *metarl.VAEBatch
	if useExploration {
		res = v.Storages[metarl.Exploration].Batch(cfg.BatchNumTrajs)
	}
	if useExploitation {
		b := v.Storages[metarl.Exploitation].Batch(cfg.BatchNumTrajs)
		if res == nil {
			res = b
		} else {
			res = metarl.ConcatVAEBatches(res, b)
		}
	}
	return res
}

// decodeData is the decoder input and target data for
// every decode row of a plan.
type decodeData struct {
	In *metarl.DecodeInputs

	// NextObs, Actions, and Rewards contain the targets
	// for each horizon.
	NextObs []anydiff.Res
	Actions []anydiff.Res
	Rewards []anydiff.Res
}

func (v *VAE) decodeData(batch *metarl.VAEBatch, out *metarl.EncoderOutput,
	latent *metarl.Padded, al *Aligner, plan *Plan) *decodeData {
	cfg := &v.Config.VAE
	decodeLatent := latent
	if cfg.UseLevel3 {
		level3 := al.Encoding(out.Levels[2])
		if cfg.ResidualLatent {
			decodeLatent = concatPadded(latent, level3)
		} else {
			decodeLatent = level3
		}
	}

	in := &metarl.DecodeInputs{
		N:       plan.NumDecodes(),
		Latent:  plan.LatentRows(decodeLatent),
		PrevObs: plan.DecodeRows(al.Sequence(batch.PrevObs.Padded)),
		NextObs: plan.DecodeRows(al.Sequence(batch.NextObs.Padded)),
		Actions: plan.DecodeRows(al.Sequence(batch.Actions.Padded)),
		Rewards: plan.DecodeRows(al.Sequence(batch.Rewards.Padded)),
	}
	res := &decodeData{
		In:      in,
		NextObs: []anydiff.Res{in.NextObs},
		Actions: []anydiff.Res{in.Actions},
		Rewards: []anydiff.Res{in.Rewards},
	}
	shifted := func(p *metarl.Padded) []anydiff.Res {
		var views []anydiff.Res
		for _, s := range al.Shifted(p) {
			views = append(views, plan.DecodeRows(s))
		}
		return views
	}
	in.NStepNextObs = shifted(batch.NextObs.Padded)
	in.NStepActions = shifted(batch.Actions.Padded)
	in.NStepRewards = shifted(batch.Rewards.Padded)
	res.NextObs = append(res.NextObs, in.NStepNextObs...)
	res.Actions = append(res.Actions, in.NStepActions...)
	res.Rewards = append(res.Rewards, in.NStepRewards...)
	return res
}

func (v *VAE) rewardLoss(d *decodeData, agg *Aggregator, plan *Plan) anydiff.Res {
	cfg := &v.Config.VAE
	preds := horizonPreds(v.Decoders.Reward.Decode(d.In), cfg.NStepRewardPrediction)
	return reconstruction(agg, plan, preds, d.Rewards, func(pred, target anydiff.Res) anydiff.Res {
		return RewardLoss(cfg.RewPredType, pred, target, d.In.N)
	})
}

func (v *VAE) stateLoss(d *decodeData, agg *Aggregator, plan *Plan) anydiff.Res {
	cfg := &v.Config.VAE
	preds := horizonPreds(v.Decoders.State.Decode(d.In), cfg.NStepStatePrediction)
	return reconstruction(agg, plan, preds, d.NextObs, func(pred, target anydiff.Res) anydiff.Res {
		return StateLoss(cfg.StatePredType, pred, target, d.In.N)
	})
}

func (v *VAE) actionLoss(d *decodeData, agg *Aggregator, plan *Plan) anydiff.Res {
	cfg := &v.Config.VAE
	preds := horizonPreds(v.Decoders.Action.Decode(d.In), cfg.NStepActionPrediction)
	return reconstruction(agg, plan, preds, d.Actions, func(pred, target anydiff.Res) anydiff.Res {
		return ActionLoss(pred, target, d.In.N)
	})
}

func (v *VAE) taskLoss(batch *metarl.VAEBatch, latent *metarl.Padded, agg *Aggregator,
	plan *Plan) anydiff.Res {
	if batch.Tasks == nil {
		panic("task decoding requires stored tasks")
	}
	n := plan.NumElbos()
	taskDim := batch.Tasks.Output().Len() / batch.Batch()
	pred := v.Decoders.Task.Decode(&metarl.DecodeInputs{
		N:      n,
		Latent: plan.ElboRows(latent),
	})[0]
	target := plan.ElboTrajRows(batch.Tasks, taskDim)
	return agg.Elbo(plan, TaskLoss(v.Config.VAE.TaskPredType, pred, target, n))
}

func (v *VAE) klLoss(mean, logVar *metarl.Padded, agg *Aggregator, plan *Plan) anydiff.Res {
	n := plan.NumElbos()
	m, lv := plan.ElboRows(mean), plan.ElboRows(logVar)
	var kl anydiff.Res
	if v.Config.VAE.KLToGaussPrior {
		kl = GaussKL(m, lv, n)
	} else {
		kl = SequentialKL(m, lv, plan.ElboRows(lagged(mean)),
			plan.ElboRows(lagged(logVar)), n)
	}
	return agg.Elbo(plan, kl)
}

func (v *VAE) horizons() int {
	cfg := &v.Config.VAE
	if (cfg.NStepStatePrediction && cfg.DecodeState) ||
		(cfg.NStepRewardPrediction && cfg.DecodeReward) ||
		(cfg.NStepActionPrediction && cfg.DecodeAction) {
		return cfg.NPrediction
	}
	return 0
}

func (v *VAE) subsampler() *Subsampler {
	cfg := &v.Config.VAE
	return &Subsampler{
		Elbos:    cfg.SubsampleElbos,
		Decodes:  cfg.SubsampleDecodes,
		OnlyPast: cfg.DecodeOnlyPast,
		Rand:     v.Rand,
	}
}

func (v *VAE) logELBO(e *ELBO) {
	iter, ok := v.logStep()
	if !ok {
		return
	}
	for _, term := range []struct {
		tag string
		res anydiff.Res
	}{
		{"vae_losses/reward_reconstr_err", e.Reward},
		{"vae_losses/state_reconstr_err", e.State},
		{"vae_losses/task_reconstr_err", e.Task},
		{"vae_losses/action_reconstr_err", e.Action},
		{"vae_losses/kl", e.KL},
		{"vae_losses/sum", e.Total},
	} {
		if term.res != nil {
			v.Logger.Add(term.tag, scalarValue(term.res), iter)
		}
	}
}

func (v *VAE) logStep() (int, bool) {
	if v.Logger == nil || v.IterIdx == nil {
		return 0, false
	}
	iter := v.IterIdx()
	return iter, v.Config.LogInterval > 0 && iter%v.Config.LogInterval == 0
}

// horizonPreds keeps only the immediate prediction
// unless multi-step prediction is enabled.
func horizonPreds(preds []anydiff.Res, nStep bool) []anydiff.Res {
	if !nStep {
		return preds[:1]
	}
	return preds
}

func reconstruction(agg *Aggregator, plan *Plan, preds, targets []anydiff.Res,
	loss func(pred, target anydiff.Res) anydiff.Res) anydiff.Res {
	if len(preds) > len(targets) {
		panic("decoder produced more horizons than there are targets")
	}
	losses := make([]anydiff.Res, len(preds))
	for i, pred := range preds {
		losses[i] = agg.Reconstruction(plan, loss(pred, targets[i]))
	}
	return agg.Horizons(losses)
}

func sampleGaussian(gen *rand.Rand, mean, logVar *metarl.Padded) *metarl.Padded {
	c := mean.Creator()
	noise := make([]float64, mean.Data.Output().Len())
	for i := range noise {
		noise[i] = gen.NormFloat64()
	}
	eps := anydiff.NewConst(c.MakeVectorData(c.MakeNumericList(noise)))
	std := anydiff.Exp(anydiff.Scale(logVar.Data, c.MakeNumeric(0.5)))
	return metarl.NewPadded(anydiff.Add(mean.Data, anydiff.Mul(std, eps)),
		mean.Steps, mean.Batch, mean.Dim)
}

func concatPadded(p1, p2 *metarl.Padded) *metarl.Padded {
	data := metarl.ConcatCols(p1.Steps*p1.Batch, p1.Data, p2.Data)
	return metarl.NewPadded(data, p1.Steps, p1.Batch, p1.Dim+p2.Dim)
}

// lagged shifts a sequence forward by one timestep,
// filling the first timestep with zeros.
func lagged(p *metarl.Padded) *metarl.Padded {
	c := p.Creator()
	rowSize := p.Batch * p.Dim
	zeros := anydiff.NewConst(c.MakeVector(rowSize))
	data := anydiff.Concat(zeros, anydiff.Slice(p.Data, 0, (p.Steps-1)*rowSize))
	return metarl.NewPadded(data, p.Steps, p.Batch, p.Dim)
}

func scalarValue(res anydiff.Res) float64 {
	c := res.Output().Creator()
	return c.Float64Slice(res.Output().Data())[0]
}
