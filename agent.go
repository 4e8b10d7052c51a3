package metarl

import (
	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anyvec"
)

// A Branch identifies one of the two data streams an
// agent is trained on.
type Branch int

const (
	Exploration Branch = iota
	Exploitation
)

// String returns "exploration" or "exploitation".
func (b Branch) String() string {
	if b == Exploitation {
		return "exploitation"
	}
	return "exploration"
}

// Branches lists every Branch.
var Branches = []Branch{Exploration, Exploitation}

// A Parameterizer has trainable parameters.
type Parameterizer interface {
	Parameters() []*anydiff.Var
}

// PolicyInputs is a batch of inputs to a Policy.
//
// Every field other than N is a matrix with N rows.
// Optional fields may be nil.
type PolicyInputs struct {
	N int

	State  anydiff.Res
	Latent anydiff.Res
	Level1 anydiff.Res
	Belief anydiff.Res
	Task   anydiff.Res
}

// ActionEval is the result of evaluating a Policy on a
// batch of actions.
// Each field but ActionParams has one entry per row.
type ActionEval struct {
	Values       anydiff.Res
	LogProbs     anydiff.Res
	Entropy      anydiff.Res
	ActionParams anydiff.Res
}

// A Policy is an actor-critic network.
type Policy interface {
	Parameterizer

	// EvaluateActions computes values, action
	// log-probabilities and entropies.
	EvaluateActions(in *PolicyInputs, actions anydiff.Res) *ActionEval

	// GetValue computes one value per row.
	GetValue(in *PolicyInputs) anydiff.Res

	// Act produces a batch of actions.
	Act(in *PolicyInputs, deterministic bool) anyvec.Vector
}

// EncoderInput is a batch of transition sequences.
// Every sequence is zero-padded to the same length.
type EncoderInput struct {
	// PrevObs0 contains the first observation of each
	// sequence as a matrix with one row per sequence.
	PrevObs0 anydiff.Res

	Actions *Padded
	NextObs *Padded
	Rewards *Padded

	// DetachEvery, if non-zero, cuts gradients through
	// the recurrent state every DetachEvery steps.
	DetachEvery int
}

// EncoderOutput contains the per-step outputs of an
// Encoder.
//
// Each field has Steps+1 timesteps, where index 0 is
// the prior (before any transition was observed).
type EncoderOutput struct {
	// Levels are the outputs of the three hierarchy
	// levels of the encoder.
	Levels [3]*Padded

	Sample *Padded
	Mean   *Padded
	LogVar *Padded
	Hidden *Padded

	// Embedded contains an embedding of the current
	// observation at each step.
	Embedded *Padded
}

// An Encoder is a recurrent variational task encoder.
type Encoder interface {
	Parameterizer

	// Forward runs the encoder on a batch of
	// sequences for the given branch.
	Forward(b Branch, in *EncoderInput) *EncoderOutput
}

// DecodeInputs is a batch of decoder inputs.
//
// Each field is a matrix with N rows, or nil if it is
// not used by the decoder.
// The n-step fields contain one matrix per horizon.
type DecodeInputs struct {
	N int

	Latent  anydiff.Res
	PrevObs anydiff.Res
	NextObs anydiff.Res
	Actions anydiff.Res
	Rewards anydiff.Res

	NStepNextObs []anydiff.Res
	NStepActions []anydiff.Res
	NStepRewards []anydiff.Res
}

// A Decoder predicts a quantity from decoder inputs.
//
// Decode returns one prediction matrix per horizon,
// starting with the immediate prediction.
// Decoders without n-step heads return one matrix.
type Decoder interface {
	Parameterizer
	Decode(in *DecodeInputs) []anydiff.Res
}

// A Memory is an associative memory which stores
// values by key for every sequence in a batch.
type Memory interface {
	Parameterizer

	// MetaParameters are trained by a separate
	// optimizer.
	// They may be empty.
	MetaParameters() []*anydiff.Var

	// Prior clears the memory and sets the batch size.
	Prior(batch int, b Branch)

	// Reset clears parts of the memory for sequences
	// whose task or episode just ended.
	Reset(doneTask, doneEpisode []bool, b Branch)

	// Write stores a batch of key-value pairs.
	Write(keys, values anydiff.Res, b Branch)

	// Read retrieves a value for each query.
	Read(queries, hidden anydiff.Res, b Branch) anydiff.Res
}

// PolicyLatent builds the latent input to the policy.
//
// If sample is false, the mean and log-variance are
// concatenated instead of using the sample.
// If tanh is true, a tanh nonlinearity is applied.
func PolicyLatent(sample, tanh bool, s, mean, logVar *Padded) *Padded {
	var res *Padded
	if sample {
		res = s
	} else {
		rows := mean.Steps * mean.Batch
		res = NewPadded(ConcatCols(rows, mean.Data, logVar.Data), mean.Steps,
			mean.Batch, mean.Dim+logVar.Dim)
	}
	if tanh {
		res = NewPadded(anydiff.Tanh(res.Data), res.Steps, res.Batch, res.Dim)
	}
	return res
}
