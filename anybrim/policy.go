package anybrim

import (
	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anynet"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/metarl"
)

// PolicyFields selects the optional policy inputs which
// an ActorCritic consumes.
// The state is always used.
type PolicyFields struct {
	Latent bool
	Level1 bool
	Belief bool
	Task   bool
}

// PolicyDims stores the input and layer sizes of an
// ActorCritic.
type PolicyDims struct {
	State  int
	Latent int
	Level1 int
	Belief int
	Task   int

	Action int
	Hidden int
}

// ActorCritic is a policy with separate actor and critic
// networks over the same concatenated inputs.
type ActorCritic struct {
	Fields      PolicyFields
	ActionSpace metarl.ActionSpace

	Actor  anynet.Layer
	Critic anynet.Layer
}

// NewActorCritic creates a randomly initialized policy.
func NewActorCritic(c anyvec.Creator, f PolicyFields, d PolicyDims,
	space metarl.ActionSpace) *ActorCritic {
	inSize := d.State
	for _, field := range []struct {
		used bool
		dim  int
	}{
		{f.Latent, d.Latent},
		{f.Level1, d.Level1},
		{f.Belief, d.Belief},
		{f.Task, d.Task},
	} {
		if field.used {
			inSize += field.dim
		}
	}
	return &ActorCritic{
		Fields:      f,
		ActionSpace: space,
		Actor:       mlp(c, inSize, d.Hidden, space.ParamSize(d.Action)),
		Critic:      mlp(c, inSize, d.Hidden, 1),
	}
}

// Parameters returns the actor and critic parameters.
func (a *ActorCritic) Parameters() []*anydiff.Var {
	return anynet.AllParameters(a.Actor, a.Critic)
}

// EvaluateActions computes values, log-probabilities,
// and entropies for a batch of actions.
func (a *ActorCritic) EvaluateActions(in *metarl.PolicyInputs,
	actions anydiff.Res) *metarl.ActionEval {
	x := a.inputs(in)
	params := a.Actor.Apply(x, in.N)
	return &metarl.ActionEval{
		Values:       a.Critic.Apply(x, in.N),
		LogProbs:     a.ActionSpace.LogProb(params, actions.Output(), in.N),
		Entropy:      a.ActionSpace.Entropy(params, in.N),
		ActionParams: params,
	}
}

// GetValue computes the critic's value estimates.
func (a *ActorCritic) GetValue(in *metarl.PolicyInputs) anydiff.Res {
	return a.Critic.Apply(a.inputs(in), in.N)
}

// Act samples actions, or picks the most likely ones if
// deterministic is set.
func (a *ActorCritic) Act(in *metarl.PolicyInputs, deterministic bool) anyvec.Vector {
	params := a.Actor.Apply(a.inputs(in), in.N).Output()
	if deterministic {
		return a.ActionSpace.Mode(params, in.N)
	}
	return a.ActionSpace.Sample(params, in.N)
}

func (a *ActorCritic) inputs(in *metarl.PolicyInputs) anydiff.Res {
	pick := func(used bool, r anydiff.Res) anydiff.Res {
		if !used {
			return nil
		}
		if r == nil {
			panic("missing policy input")
		}
		return r
	}
	return metarl.ConcatCols(in.N,
		in.State,
		pick(a.Fields.Latent, in.Latent),
		pick(a.Fields.Level1, in.Level1),
		pick(a.Fields.Belief, in.Belief),
		pick(a.Fields.Task, in.Task),
	)
}
