package anyppo

import (
	"errors"
	"math"
	"math/rand"

	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/essentials"
	"github.com/unixpickle/metarl"
)

// JointLosses computes the encoder losses that can be
// trained alongside the policy.
//
// It is implemented by *anyvae.VAE.
type JointLosses interface {
	// Loss computes the ELBO loss, optionally applying
	// an update with the VAE's own optimizer.
	Loss(update bool) anydiff.Res

	NStepValueLoss(policy metarl.Policy, b metarl.Branch) anydiff.Res
	MemoryLoss(b metarl.Branch) anydiff.Res
}

// PPO implements Proximal Policy Optimization for a
// policy conditioned on a task encoder.
type PPO struct {
	Config *metarl.Config
	Policy metarl.Policy

	// Encoder and Losses are needed if the RL loss is
	// propagated through the encoder.
	// Losses is also used for extra VAE updates after
	// the policy update.
	Encoder metarl.Encoder
	Losses  JointLosses

	// Memory, if non-nil, has its meta-parameters
	// regularized in joint training.
	Memory metarl.Memory

	// RND, if non-nil, is trained when intrinsic rewards
	// are enabled.
	RND *RND

	// Optimizer trains the policy and the RND predictor.
	Optimizer *metarl.Optimizer

	// VAEOptimizer trains the encoder and decoders.
	VAEOptimizer *metarl.Optimizer

	// MetaOptimizer, if non-nil, trains the memory's
	// meta-parameters.
	MetaOptimizer *metarl.Optimizer

	Rand *rand.Rand
}

// NewPPO creates a PPO trainer with optimizers set up
// from the config.
//
// The VAE optimizer should be shared with the VAE.
// It may be nil if no VAE is trained.
// If the config anneals the learning rate, the policy
// optimizer decays linearly, as does the VAE optimizer
// in joint training.
func NewPPO(cfg *metarl.Config, policy metarl.Policy, memory metarl.Memory,
	vaeOpt *metarl.Optimizer, rnd *RND, gen *rand.Rand) (*PPO, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	params := policy.Parameters()
	if rnd != nil {
		params = append(append([]*anydiff.Var{}, params...), rnd.Parameters()...)
	}
	opt, err := metarl.NewOptimizer(cfg.PPO.Optimizer, params, cfg.PPO.LR, cfg.PPO.Eps)
	if err != nil {
		return nil, essentials.AddCtx("policy optimizer", err)
	}
	res := &PPO{
		Config:       cfg,
		Policy:       policy,
		Memory:       memory,
		RND:          rnd,
		Optimizer:    opt,
		VAEOptimizer: vaeOpt,
		Rand:         gen,
	}
	if cfg.PPO.AnnealLR {
		decay := metarl.LinearDecay{TrainSteps: cfg.PPO.TrainSteps}
		opt.Schedule = decay
		if cfg.PPO.RLLossThroughEncoder && vaeOpt != nil {
			vaeOpt.Schedule = decay
		}
	}
	if memory != nil && cfg.Memory.Enabled && cfg.Memory.Hebbian {
		meta, err := metarl.NewOptimizer(metarl.AdamOptimizer, memory.MetaParameters(),
			cfg.Memory.MetaLR, cfg.PPO.Eps)
		if err != nil {
			return nil, essentials.AddCtx("meta optimizer", err)
		}
		meta.Schedule = metarl.StepDecay{StepSize: 20, Gamma: 0.1}
		res.MetaOptimizer = meta
	}
	return res, nil
}

// Stats contains losses averaged over the minibatches
// of an update.
type Stats struct {
	ValueLoss  float64
	ActionLoss float64
	Entropy    float64
	Loss       float64
}

// Update runs a full PPO update on the storage.
//
// The storage must contain computed returns.
// The branch selects the encoder branch used for joint
// training and auxiliary losses.
//
// Learning rate schedules are advanced once per call.
func (p *PPO) Update(r *metarl.RolloutStorage, b metarl.Branch) (stats *Stats,
	err error) {
	defer essentials.AddCtxTo("PPO update", &err)
	cfg := p.Config
	joint := cfg.PPO.RLLossThroughEncoder
	if joint {
		if p.VAEOptimizer == nil {
			return nil, errors.New("training through the encoder requires a VAE optimizer")
		}
		if p.Encoder == nil || p.Losses == nil {
			return nil, errors.New("training through the encoder requires an encoder " +
				"and VAE losses")
		}
	}

	advantages := NormalizeAdvantages(r.Advantages())
	if joint {
		r.RecomputeEmbeddings(p.Encoder, b, cfg.VAE.TBPTTStepSize)
	}

	stats = &Stats{}
	for epoch := 0; epoch < cfg.PPO.Epochs; epoch++ {
		for _, rows := range r.MinibatchIndices(p.Rand, cfg.PPO.NumMiniBatch) {
			mb := r.Minibatch(rows, advantages, cfg.PPO.SampleEmbeddings,
				cfg.PPO.AddNonlinearityToLatent)
			terms := p.loss(mb, b, joint)

			grad := anydiff.NewGrad(p.trainedParams(joint)...)
			c := terms.Total.Output().Creator()
			terms.Total.Propagate(anyvec.Ones(c, 1), grad)

			if cfg.PPO.MaxGradNorm > 0 {
				ClipGradNorm(grad, p.Optimizer.Params, cfg.PPO.MaxGradNorm)
				if joint {
					ClipGradNorm(grad, p.Encoder.Parameters(), cfg.PPO.MaxGradNorm)
				}
			}
			p.Optimizer.Step(grad)
			if joint {
				p.VAEOptimizer.Step(grad)
			}
			if p.MetaOptimizer != nil {
				p.MetaOptimizer.Step(grad)
			}

			stats.ValueLoss += scalar(terms.Value)
			stats.ActionLoss += scalar(terms.Action)
			stats.Entropy += scalar(terms.Entropy)
			stats.Loss += scalar(terms.Total)

			if joint {
				r.RecomputeEmbeddings(p.Encoder, b, cfg.VAE.TBPTTStepSize)
			}
		}
	}

	if !joint && p.VAEOptimizer != nil && p.Losses != nil {
		for i := 0; i < cfg.VAE.NumVAEUpdates; i++ {
			p.Losses.Loss(true)
		}
	}

	for _, opt := range []*metarl.Optimizer{p.Optimizer, p.VAEOptimizer, p.MetaOptimizer} {
		if opt != nil && opt.Schedule != nil {
			opt.StepSchedule()
		}
	}

	numUpdates := float64(cfg.PPO.Epochs * cfg.PPO.NumMiniBatch)
	stats.ValueLoss /= numUpdates
	stats.ActionLoss /= numUpdates
	stats.Entropy /= numUpdates
	stats.Loss /= numUpdates
	return stats, nil
}

type lossTerms struct {
	Total   anydiff.Res
	Value   anydiff.Res
	Action  anydiff.Res
	Entropy anydiff.Res
}

func (p *PPO) loss(mb *metarl.Minibatch, b metarl.Branch, joint bool) *lossTerms {
	cfg := p.Config
	c := mb.Advantages.Output().Creator()
	num := func(x float64) anyvec.Numeric {
		return c.MakeNumeric(x)
	}

	eval := p.Policy.EvaluateActions(mb.Inputs, mb.Actions)
	ratios := anydiff.Exp(anydiff.Sub(eval.LogProbs, mb.OldLogProbs))
	terms := &lossTerms{
		Action: anydiff.Scale(mean(ClippedSurrogate(ratios, mb.Advantages,
			cfg.PPO.ClipParam)), num(-1)),
		Value: ValueLoss(cfg.PPO.ValueLoss(), eval.Values, mb.ValuePreds, mb.Returns,
			cfg.PPO.ClipParam),
		Entropy: mean(eval.Entropy),
	}
	parts := []anydiff.Res{
		anydiff.Scale(terms.Value, num(cfg.PPO.ValueLossCoef)),
		terms.Action,
		anydiff.Scale(terms.Entropy, num(-cfg.PPO.EntropyCoef)),
	}

	if joint {
		parts = append(parts, anydiff.Scale(p.Losses.Loss(false), num(cfg.VAE.VAELossCoeff)))
		if cfg.ValuePrediction.Enabled {
			parts = append(parts, anydiff.Scale(p.Losses.NStepValueLoss(p.Policy, b),
				num(cfg.ValuePrediction.Coeff)))
		}
		if cfg.Memory.Enabled && p.Memory != nil {
			for _, param := range p.Memory.MetaParameters() {
				parts = append(parts, anydiff.Scale(frobenius(param),
					num(cfg.Memory.WeightNormCoef)))
			}
			if cfg.Memory.ReconstructionLoss {
				parts = append(parts, anydiff.Scale(p.Losses.MemoryLoss(b),
					num(cfg.Memory.ReconstructionCoef)))
			}
		}
	}

	if cfg.PPO.Intrinsic && p.RND != nil {
		parts = append(parts, p.RND.Loss(mb.RawStates, len(mb.Rows)))
	}

	terms.Total = anydiff.Sum(anydiff.Concat(parts...))
	return terms
}

func (p *PPO) trainedParams(joint bool) []*anydiff.Var {
	params := append([]*anydiff.Var{}, p.Optimizer.Params...)
	if joint {
		params = append(params, p.VAEOptimizer.Params...)
	}
	if p.MetaOptimizer != nil {
		params = append(params, p.MetaOptimizer.Params...)
	}
	return params
}

// ClippedSurrogate computes the pessimistic PPO
// objective for each sample.
//
// The result is the minimum of the unclipped objective
// and the objective with ratios clipped to [1-eps, 1+eps].
func ClippedSurrogate(ratios, advantages anydiff.Res, epsilon float64) anydiff.Res {
	c := ratios.Output().Creator()
	return anydiff.Pool(ratios, func(ratios anydiff.Res) anydiff.Res {
		clipped := anydiff.ClipRange(ratios, c.MakeNumeric(1-epsilon),
			c.MakeNumeric(1+epsilon))
		return anydiff.ElemMin(
			anydiff.Mul(ratios, advantages),
			anydiff.Mul(clipped, advantages),
		)
	})
}

// NormalizeAdvantages shifts and scales advantages to
// have zero mean and unit standard deviation.
func NormalizeAdvantages(adv []float64) []float64 {
	if len(adv) == 0 {
		return nil
	}
	var sum float64
	for _, x := range adv {
		sum += x
	}
	mean := sum / float64(len(adv))
	var sqDiff float64
	for _, x := range adv {
		sqDiff += (x - mean) * (x - mean)
	}
	var std float64
	if len(adv) > 1 {
		std = math.Sqrt(sqDiff / float64(len(adv)-1))
	}
	res := make([]float64, len(adv))
	for i, x := range adv {
		res[i] = (x - mean) / (std + 1e-8)
	}
	return res
}

func frobenius(param *anydiff.Var) anydiff.Res {
	return safeSqrt(anydiff.Sum(anydiff.Square(param)))
}

// safeSqrt computes square roots with a finite gradient
// at zero.
func safeSqrt(x anydiff.Res) anydiff.Res {
	c := x.Output().Creator()
	return anydiff.Pow(anydiff.AddScalar(x, c.MakeNumeric(sqrtEpsilon)),
		c.MakeNumeric(0.5))
}

const sqrtEpsilon = 1e-8

func scalar(r anydiff.Res) float64 {
	vec := r.Output()
	return vec.Creator().Float64Slice(vec.Data())[0]
}
