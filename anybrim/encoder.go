package anybrim

import (
	"math/rand"

	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anynet"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/metarl"
)

// EncoderDims stores the layer sizes of an Encoder.
type EncoderDims struct {
	State  int
	Action int

	Embed  int
	Hidden int

	Level1 int
	Level2 int
	Level3 int
	Latent int
}

// Encoder is a recurrent variational task encoder.
//
// At every step, embeddings of the action, next state,
// and reward are fed to a tanh recurrent core.
// Three heads read the hidden state, and the latent
// distribution is computed from the second one.
// The first head has separate weights per branch.
type Encoder struct {
	StateEmbed  anynet.Layer
	ActionEmbed anynet.Layer
	RewardEmbed anynet.Layer

	// Core maps the concatenated embeddings and previous
	// hidden state to the next hidden state.
	Core anynet.Layer

	Level1 map[metarl.Branch]anynet.Layer
	Level2 anynet.Layer
	Level3 anynet.Layer

	Mean   anynet.Layer
	LogVar anynet.Layer

	Dims EncoderDims

	// Rand is used to sample latents.
	Rand *rand.Rand
}

// NewEncoder creates a randomly initialized Encoder.
func NewEncoder(c anyvec.Creator, d EncoderDims, gen *rand.Rand) *Encoder {
	coreIn := 3*d.Embed + d.Hidden
	res := &Encoder{
		StateEmbed:  embedding(c, d.State, d.Embed),
		ActionEmbed: embedding(c, d.Action, d.Embed),
		RewardEmbed: embedding(c, 1, d.Embed),
		Core:        embedding(c, coreIn, d.Hidden),
		Level1:      map[metarl.Branch]anynet.Layer{},
		Level2:      embedding(c, d.Hidden, d.Level2),
		Level3:      embedding(c, d.Hidden, d.Level3),
		Mean:        anynet.NewFC(c, d.Level2, d.Latent),
		LogVar:      anynet.NewFC(c, d.Level2, d.Latent),
		Dims:        d,
		Rand:        gen,
	}
	for _, b := range metarl.Branches {
		res.Level1[b] = embedding(c, d.Hidden, d.Level1)
	}
	return res
}

// Parameters returns every parameter of the encoder.
func (e *Encoder) Parameters() []*anydiff.Var {
	layers := []interface{}{e.StateEmbed, e.ActionEmbed, e.RewardEmbed, e.Core,
		e.Level2, e.Level3, e.Mean, e.LogVar}
	for _, b := range metarl.Branches {
		layers = append(layers, e.Level1[b])
	}
	return anynet.AllParameters(layers...)
}

// EncoderState is the output of an Encoder for a single
// timestep of n sequences.
// Every field is a matrix with n rows.
type EncoderState struct {
	N int

	Hidden   anydiff.Res
	Levels   [3]anydiff.Res
	Sample   anydiff.Res
	Mean     anydiff.Res
	LogVar   anydiff.Res
	Embedded anydiff.Res
}

// Embedding converts the state into a storage record.
func (e *EncoderState) Embedding() *metarl.Embedding {
	vals := func(r anydiff.Res) []float64 {
		return r.Output().Creator().Float64Slice(r.Output().Data())
	}
	return &metarl.Embedding{
		Sample:   vals(e.Sample),
		Mean:     vals(e.Mean),
		LogVar:   vals(e.LogVar),
		Level1:   vals(e.Levels[0]),
		Embedded: vals(e.Embedded),
	}
}

// JoinStates concatenates the rows of several states,
// in order.
func JoinStates(states ...*EncoderState) *EncoderState {
	res := &EncoderState{}
	join := func(f func(s *EncoderState) anydiff.Res) anydiff.Res {
		parts := make([]anydiff.Res, len(states))
		for i, s := range states {
			parts[i] = f(s)
		}
		return anydiff.Concat(parts...)
	}
	for _, s := range states {
		res.N += s.N
	}
	res.Hidden = join(func(s *EncoderState) anydiff.Res { return s.Hidden })
	res.Sample = join(func(s *EncoderState) anydiff.Res { return s.Sample })
	res.Mean = join(func(s *EncoderState) anydiff.Res { return s.Mean })
	res.LogVar = join(func(s *EncoderState) anydiff.Res { return s.LogVar })
	res.Embedded = join(func(s *EncoderState) anydiff.Res { return s.Embedded })
	for i := range res.Levels {
		i := i
		res.Levels[i] = join(func(s *EncoderState) anydiff.Res { return s.Levels[i] })
	}
	return res
}

// Prior computes the output before any transitions have
// been observed, given the first observations.
func (e *Encoder) Prior(b metarl.Branch, obs anydiff.Res, n int) *EncoderState {
	c := obs.Output().Creator()
	hidden := anydiff.NewConst(c.MakeVector(n * e.Dims.Hidden))
	return e.outputs(b, hidden, obs, n)
}

// Step feeds one transition of each sequence to the
// encoder.
func (e *Encoder) Step(b metarl.Branch, prev *EncoderState, action, nextObs,
	reward anydiff.Res) *EncoderState {
	n := prev.N
	in := metarl.ConcatCols(n,
		e.ActionEmbed.Apply(action, n),
		e.StateEmbed.Apply(nextObs, n),
		e.RewardEmbed.Apply(reward, n),
		prev.Hidden,
	)
	return e.outputs(b, e.Core.Apply(in, n), nextObs, n)
}

// Forward runs the encoder over a batch of sequences.
func (e *Encoder) Forward(b metarl.Branch, in *metarl.EncoderInput) *metarl.EncoderOutput {
	n := in.NextObs.Batch
	state := e.Prior(b, in.PrevObs0, n)
	states := []*EncoderState{state}
	for t := 0; t < in.NextObs.Steps; t++ {
		if in.DetachEvery > 0 && t > 0 && t%in.DetachEvery == 0 {
			detached := *state
			detached.Hidden = anydiff.NewConst(state.Hidden.Output())
			state = &detached
		}
		state = e.Step(b, state, in.Actions.Step(t), in.NextObs.Step(t),
			in.Rewards.Step(t))
		states = append(states, state)
	}
	return stackStates(states)
}

func (e *Encoder) outputs(b metarl.Branch, hidden, obs anydiff.Res, n int) *EncoderState {
	res := &EncoderState{
		N:        n,
		Hidden:   hidden,
		Embedded: e.StateEmbed.Apply(obs, n),
	}
	res.Levels[0] = e.Level1[b].Apply(hidden, n)
	res.Levels[1] = e.Level2.Apply(hidden, n)
	res.Levels[2] = e.Level3.Apply(hidden, n)
	res.Mean = e.Mean.Apply(res.Levels[1], n)
	res.LogVar = e.LogVar.Apply(res.Levels[1], n)
	res.Sample = e.sample(res.Mean, res.LogVar)
	return res
}

func (e *Encoder) sample(mean, logVar anydiff.Res) anydiff.Res {
	c := mean.Output().Creator()
	noise := make([]float64, mean.Output().Len())
	for i := range noise {
		if e.Rand != nil {
			noise[i] = e.Rand.NormFloat64()
		} else {
			noise[i] = rand.NormFloat64()
		}
	}
	std := anydiff.Exp(anydiff.Scale(logVar, c.MakeNumeric(0.5)))
	return anydiff.Add(mean, anydiff.Mul(std,
		anydiff.NewConst(c.MakeVectorData(c.MakeNumericList(noise)))))
}

func stackStates(states []*EncoderState) *metarl.EncoderOutput {
	steps := len(states)
	n := states[0].N
	stack := func(f func(s *EncoderState) anydiff.Res) *metarl.Padded {
		parts := make([]anydiff.Res, steps)
		for i, s := range states {
			parts[i] = f(s)
		}
		dim := parts[0].Output().Len() / n
		return metarl.NewPadded(anydiff.Concat(parts...), steps, n, dim)
	}
	res := &metarl.EncoderOutput{
		Sample:   stack(func(s *EncoderState) anydiff.Res { return s.Sample }),
		Mean:     stack(func(s *EncoderState) anydiff.Res { return s.Mean }),
		LogVar:   stack(func(s *EncoderState) anydiff.Res { return s.LogVar }),
		Hidden:   stack(func(s *EncoderState) anydiff.Res { return s.Hidden }),
		Embedded: stack(func(s *EncoderState) anydiff.Res { return s.Embedded }),
	}
	for i := range res.Levels {
		i := i
		res.Levels[i] = stack(func(s *EncoderState) anydiff.Res { return s.Levels[i] })
	}
	return res
}
