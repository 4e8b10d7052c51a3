package anybrim

import (
	"math/rand"

	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/essentials"
	"github.com/unixpickle/metarl"
	"github.com/unixpickle/metarl/anyppo"
	"github.com/unixpickle/metarl/anyvae"
)

// Dims stores the environment and network sizes used by
// Build.
type Dims struct {
	State  int
	Action int
	Task   int
	Belief int

	// Continuous selects Gaussian actions instead of
	// one-hot discrete actions.
	Continuous bool

	// PassTask and PassBelief feed the task and belief
	// to the policy.
	PassTask   bool
	PassBelief bool

	Embed  int
	Hidden int
	Latent int
	Level1 int
	Level2 int
	Level3 int

	DecoderHidden int
	PolicyHidden  int
}

// DefaultDims creates Dims with reasonable network sizes
// for the given environment sizes.
func DefaultDims(state, action, task int) Dims {
	return Dims{
		State:         state,
		Action:        action,
		Task:          task,
		Embed:         16,
		Hidden:        64,
		Latent:        5,
		Level1:        16,
		Level2:        16,
		Level3:        16,
		DecoderHidden: 32,
		PolicyHidden:  64,
	}
}

// StorageDims computes the sizes of the vectors which
// should be stored for a policy built with these Dims.
func (d Dims) StorageDims() metarl.StorageDims {
	return metarl.StorageDims{
		State:    d.State,
		Action:   d.Action,
		Task:     d.Task,
		Belief:   d.Belief,
		Latent:   d.Latent,
		Level1:   d.Level1,
		Embedded: d.Embed,
	}
}

// A Bundle holds the networks of an agent.
// Parts which are disabled by the configuration are nil.
type Bundle struct {
	Encoder  *Encoder
	Decoders anyvae.Decoders
	Policy   *ActorCritic
	Memory   *Memory
	RND      *anyppo.RND
}

// Build creates the networks needed by a configuration.
func Build(c anyvec.Creator, cfg *metarl.Config, d Dims, gen *rand.Rand) (b *Bundle,
	err error) {
	defer essentials.AddCtxTo("build networks", &err)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	res := &Bundle{
		Encoder: NewEncoder(c, EncoderDims{
			State:  d.State,
			Action: d.Action,
			Embed:  d.Embed,
			Hidden: d.Hidden,
			Level1: d.Level1,
			Level2: d.Level2,
			Level3: d.Level3,
			Latent: d.Latent,
		}, gen),
	}
	res.buildDecoders(c, cfg, d)
	res.buildPolicy(c, cfg, d, gen)
	if cfg.Memory.Enabled {
		res.Memory = NewMemory(c, d.State+2*d.Latent, d.Level1, d.Hidden,
			cfg.Memory.Hebbian, cfg.Memory.HebbLR)
	}
	if cfg.PPO.Intrinsic {
		res.RND = &anyppo.RND{
			Target:    mlp(c, d.State, d.PolicyHidden, d.Embed),
			Predictor: mlp(c, d.State, d.PolicyHidden, d.Embed),
		}
	}
	return res, nil
}

// HasDecoders checks if any decoder was built.
func (b *Bundle) HasDecoders() bool {
	return len(b.Decoders.Parameters()) > 0
}

// HasValueDecoders checks if n-step value decoders were
// built.
func (b *Bundle) HasValueDecoders() bool {
	return len(b.Decoders.Value) > 0
}

// HasMemory checks if a memory was built.
func (b *Bundle) HasMemory() bool {
	return b.Memory != nil
}

// HasHebbian checks if the memory has Hebbian fast
// weights.
func (b *Bundle) HasHebbian() bool {
	return b.Memory != nil && b.Memory.Hebbian
}

// HasRND checks if curiosity networks were built.
func (b *Bundle) HasRND() bool {
	return b.RND != nil
}

// MemoryOrNil returns the memory as a metarl.Memory, or
// nil if there is no memory.
func (b *Bundle) MemoryOrNil() metarl.Memory {
	if b.Memory == nil {
		return nil
	}
	return b.Memory
}

// VAEParameters returns the parameters trained by the
// VAE optimizer: the encoder, the decoders, and the
// memory's regular parameters.
func (b *Bundle) VAEParameters() []*anydiff.Var {
	res := append([]*anydiff.Var{}, b.Encoder.Parameters()...)
	res = append(res, b.Decoders.Parameters()...)
	if b.Memory != nil {
		res = append(res, b.Memory.Parameters()...)
	}
	return res
}

func (b *Bundle) buildDecoders(c anyvec.Creator, cfg *metarl.Config, d Dims) {
	vc := &cfg.VAE
	if !vc.DisableDecoder {
		baseLatent := d.Latent
		if vc.DisableStochasticity {
			baseLatent *= 2
		}
		latent := baseLatent
		if vc.UseLevel3 {
			if vc.ResidualLatent {
				latent += d.Level3
			} else {
				latent = d.Level3
			}
		}
		dims := func(out int, nStep bool) DecoderDims {
			res := DecoderDims{
				Latent: latent,
				State:  d.State,
				Action: d.Action,
				Hidden: d.DecoderHidden,
				Out:    out,
			}
			if nStep {
				res.Horizons = vc.NPrediction
			}
			return res
		}
		if vc.DecodeState {
			out := d.State
			if vc.StatePredType == metarl.GaussianState {
				out *= 2
			}
			b.Decoders.State = NewMLPDecoder(c, DecoderFields{
				PrevObs:      true,
				Actions:      true,
				NStepActions: true,
			}, dims(out, vc.NStepStatePrediction))
		}
		if vc.DecodeReward {
			b.Decoders.Reward = NewMLPDecoder(c, DecoderFields{
				PrevObs:      true,
				NextObs:      true,
				Actions:      true,
				NStepNextObs: true,
				NStepActions: true,
			}, dims(1, vc.NStepRewardPrediction))
		}
		if vc.DecodeAction {
			b.Decoders.Action = NewMLPDecoder(c, DecoderFields{
				PrevObs:      true,
				NextObs:      true,
				NStepNextObs: true,
			}, dims(d.Action, vc.NStepActionPrediction))
		}
		if vc.DecodeTask {
			// Tasks are decoded from the latent alone.
			taskDims := dims(d.Task, false)
			taskDims.Latent = baseLatent
			b.Decoders.Task = NewMLPDecoder(c, DecoderFields{}, taskDims)
		}
	}
	if cfg.ValuePrediction.Enabled {
		b.Decoders.Value = map[metarl.Branch]metarl.Decoder{}
		for _, branch := range metarl.Branches {
			b.Decoders.Value[branch] = NewMLPDecoder(c, DecoderFields{
				PrevObs:      true,
				Actions:      true,
				Rewards:      true,
				NStepActions: true,
				NStepRewards: true,
			}, DecoderDims{
				Latent:   d.Level2,
				State:    d.State,
				Action:   d.Action,
				Hidden:   d.DecoderHidden,
				Out:      1,
				Horizons: vc.NPrediction,
			})
		}
	}
}

func (b *Bundle) buildPolicy(c anyvec.Creator, cfg *metarl.Config, d Dims,
	gen *rand.Rand) {
	latent := d.Latent
	if !cfg.PPO.SampleEmbeddings {
		latent *= 2
	}
	var space metarl.ActionSpace = metarl.Softmax{Rand: gen}
	if d.Continuous {
		space = metarl.Gaussian{Rand: gen}
	}
	b.Policy = NewActorCritic(c, PolicyFields{
		Latent: true,
		Level1: cfg.Memory.Enabled,
		Belief: d.PassBelief,
		Task:   d.PassTask,
	}, PolicyDims{
		State:  d.Embed,
		Latent: latent,
		Level1: d.Level1,
		Belief: d.Belief,
		Task:   d.Task,
		Action: d.Action,
		Hidden: d.PolicyHidden,
	}, space)
}

var _ metarl.Policy = (*ActorCritic)(nil)
var _ metarl.Encoder = (*Encoder)(nil)
var _ metarl.Decoder = (*MLPDecoder)(nil)
var _ metarl.Memory = (*Memory)(nil)
