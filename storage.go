package metarl

import (
	"fmt"
	"math/rand"

	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anyvec"
)

// StorageDims specifies the sizes of the vectors stored
// in a RolloutStorage.
//
// A dimension of 0 means the quantity is not stored.
type StorageDims struct {
	State  int
	Action int
	Task   int
	Belief int

	Latent   int
	Level1   int
	Embedded int
}

// Embedding contains the encoder outputs for one step
// of every process.
// Each field is packed as [process][dim].
type Embedding struct {
	Sample   []float64
	Mean     []float64
	LogVar   []float64
	Level1   []float64
	Embedded []float64
}

// Transition is one step of every process.
// Each field is packed as [process][dim].
type Transition struct {
	// Fields about the step that was taken.
	Action        []float64
	ActionLogProb []float64
	Value         []float64
	Reward        []float64
	RewardRaw     []float64

	// Fields about the state after the step.
	NextState []float64
	Mask      []float64
	BadMask   []float64
	Task      []float64
	Belief    []float64
	Embedding *Embedding
}

// RolloutStorage is an on-policy buffer of NumSteps
// steps from NumProcs parallel processes.
//
// Per-step fields are indexed [step][process*dim].
// States, values, returns, masks, tasks and beliefs
// have NumSteps+1 steps; the first one is carried over
// from the previous rollout.
type RolloutStorage struct {
	NumSteps int
	NumProcs int
	Dims     StorageDims

	States         [][]float64
	Actions        [][]float64
	ActionLogProbs [][]float64
	Rewards        [][]float64
	RewardsRaw     [][]float64
	ValuePreds     [][]float64
	Returns        [][]float64
	Masks          [][]float64
	BadMasks       [][]float64
	Tasks          [][]float64
	Beliefs        [][]float64

	LatentSamples [][]float64
	LatentMeans   [][]float64
	LatentLogVars [][]float64
	Level1        [][]float64
	Embedded      [][]float64

	creator    anyvec.Creator
	step       int
	recomputed *EncoderOutput
}

// NewRolloutStorage creates an empty storage.
func NewRolloutStorage(c anyvec.Creator, numSteps, numProcs int,
	dims StorageDims) *RolloutStorage {
	rows := func(n, dim int) [][]float64 {
		res := make([][]float64, n)
		for i := range res {
			res[i] = make([]float64, numProcs*dim)
		}
		return res
	}
	s := &RolloutStorage{
		NumSteps: numSteps,
		NumProcs: numProcs,
		Dims:     dims,

		States:         rows(numSteps+1, dims.State),
		Actions:        rows(numSteps, dims.Action),
		ActionLogProbs: rows(numSteps, 1),
		Rewards:        rows(numSteps, 1),
		RewardsRaw:     rows(numSteps, 1),
		ValuePreds:     rows(numSteps+1, 1),
		Returns:        rows(numSteps+1, 1),
		Masks:          rows(numSteps+1, 1),
		BadMasks:       rows(numSteps+1, 1),
		Tasks:          rows(numSteps+1, dims.Task),
		Beliefs:        rows(numSteps+1, dims.Belief),

		LatentSamples: rows(numSteps+1, dims.Latent),
		LatentMeans:   rows(numSteps+1, dims.Latent),
		LatentLogVars: rows(numSteps+1, dims.Latent),
		Level1:        rows(numSteps+1, dims.Level1),
		Embedded:      rows(numSteps+1, dims.Embedded),

		creator: c,
	}
	for _, row := range [][]float64{s.Masks[0], s.BadMasks[0]} {
		for i := range row {
			row[i] = 1
		}
	}
	return s
}

// Creator returns the creator used for tensors.
func (r *RolloutStorage) Creator() anyvec.Creator {
	return r.creator
}

// Step returns the number of inserted transitions.
func (r *RolloutStorage) Step() int {
	return r.step
}

// SetInitial sets the first step's state, task, belief
// and embedding.
func (r *RolloutStorage) SetInitial(state, task, belief []float64, e *Embedding) {
	copyRow(r.States[0], state)
	copyRow(r.Tasks[0], task)
	copyRow(r.Beliefs[0], belief)
	r.setEmbedding(0, e)
}

// Insert adds a transition.
//
// It panics if the storage is full.
func (r *RolloutStorage) Insert(t *Transition) {
	if r.step >= r.NumSteps {
		panic("rollout storage is full")
	}
	i := r.step
	copyRow(r.Actions[i], t.Action)
	copyRow(r.ActionLogProbs[i], t.ActionLogProb)
	copyRow(r.ValuePreds[i], t.Value)
	copyRow(r.Rewards[i], t.Reward)
	if t.RewardRaw != nil {
		copyRow(r.RewardsRaw[i], t.RewardRaw)
	} else {
		copyRow(r.RewardsRaw[i], t.Reward)
	}

	copyRow(r.States[i+1], t.NextState)
	copyRow(r.Masks[i+1], t.Mask)
	if t.BadMask != nil {
		copyRow(r.BadMasks[i+1], t.BadMask)
	} else {
		for j := range r.BadMasks[i+1] {
			r.BadMasks[i+1][j] = 1
		}
	}
	copyRow(r.Tasks[i+1], t.Task)
	copyRow(r.Beliefs[i+1], t.Belief)
	r.setEmbedding(i+1, t.Embedding)
	r.step++
}

// AfterUpdate moves the last step to the front so that
// the next rollout continues where this one ended.
func (r *RolloutStorage) AfterUpdate() {
	last := r.NumSteps
	for _, field := range [][][]float64{r.States, r.Masks, r.BadMasks, r.Tasks,
		r.Beliefs, r.LatentSamples, r.LatentMeans, r.LatentLogVars, r.Level1,
		r.Embedded} {
		copy(field[0], field[last])
	}
	r.step = 0
	r.recomputed = nil
}

// ComputeReturns fills in Returns.
func (r *RolloutStorage) ComputeReturns(cfg ReturnConfig, nextValue []float64) {
	copyRow(r.ValuePreds[r.NumSteps], nextValue)
	returns := ComputeReturns(cfg, nextValue, r.Rewards, r.ValuePreds, r.Masks,
		r.BadMasks)
	for t, row := range returns {
		copy(r.Returns[t], row)
	}
}

// Advantages computes returns minus value predictions
// for every step but the last.
// The result is packed as [step][process].
func (r *RolloutStorage) Advantages() []float64 {
	res := make([]float64, 0, r.NumSteps*r.NumProcs)
	for t := 0; t < r.NumSteps; t++ {
		for p := 0; p < r.NumProcs; p++ {
			res = append(res, r.Returns[t][p]-r.ValuePreds[t][p])
		}
	}
	return res
}

// RecomputeEmbeddings runs the encoder over the stored
// transitions so that embeddings are connected to the
// encoder's parameters.
//
// The recomputed embeddings are used by Minibatch until
// the next call to AfterUpdate.
func (r *RolloutStorage) RecomputeEmbeddings(enc Encoder, b Branch, detachEvery int) {
	c := r.creator
	in := &EncoderInput{
		PrevObs0:    anydiff.NewConst(makeVec(c, r.States[0])),
		Actions:     r.padded(r.Actions[:r.NumSteps], r.Dims.Action),
		NextObs:     r.padded(r.States[1:], r.Dims.State),
		Rewards:     r.padded(r.RewardsRaw, 1),
		DetachEvery: detachEvery,
	}
	r.recomputed = enc.Forward(b, in)
}

// Embeddings returns the per-step embeddings, with
// NumSteps+1 steps each.
//
// If RecomputeEmbeddings was called, the results are
// connected to the encoder.
// Otherwise, they are constants recorded during the
// rollout.
func (r *RolloutStorage) Embeddings() *EncoderOutput {
	if r.recomputed != nil {
		return r.recomputed
	}
	res := &EncoderOutput{
		Sample:   r.padded(r.LatentSamples, r.Dims.Latent),
		Mean:     r.padded(r.LatentMeans, r.Dims.Latent),
		LogVar:   r.padded(r.LatentLogVars, r.Dims.Latent),
		Embedded: r.padded(r.Embedded, r.Dims.Embedded),
	}
	res.Levels[0] = r.padded(r.Level1, r.Dims.Level1)
	if res.Embedded.Dim == 0 {
		res.Embedded = r.padded(r.States, r.Dims.State)
	}
	return res
}

// MinibatchIndices randomly partitions the rows of the
// storage (excluding the bootstrap step) into numMini
// minibatches.
// Rows that do not fit evenly are dropped.
//
// It panics if there are fewer rows than minibatches.
func (r *RolloutStorage) MinibatchIndices(gen *rand.Rand, numMini int) [][]int {
	total := r.NumSteps * r.NumProcs
	if total < numMini {
		panic(fmt.Sprintf("%d rows cannot be split into %d minibatches", total, numMini))
	}
	size := total / numMini
	perm := gen.Perm(total)
	res := make([][]int, numMini)
	for i := range res {
		res[i] = perm[i*size : (i+1)*size]
	}
	return res
}

// Minibatch is a set of storage rows ready for a policy
// update.
type Minibatch struct {
	Rows []int

	Inputs  *PolicyInputs
	Actions anydiff.Res

	// Latent parts are kept so the policy latent can be
	// built with different settings.
	LatentSample anydiff.Res
	LatentMean   anydiff.Res
	LatentLogVar anydiff.Res

	// RawStates are the unembedded observations.
	RawStates anydiff.Res

	ValuePreds  anydiff.Res
	Returns     anydiff.Res
	OldLogProbs anydiff.Res
	Advantages  anydiff.Res
}

// Minibatch gathers the given rows.
//
// Rows are flat indices t*NumProcs+p with t < NumSteps.
// The advantages are indexed the same way.
// The policy latent is built using PolicyLatent with the
// given flags.
func (r *RolloutStorage) Minibatch(rows []int, advantages []float64,
	sampleLatent, tanhLatent bool) *Minibatch {
	c := r.creator
	emb := r.Embeddings()
	n := len(rows)

	gatherField := func(field [][]float64, dim int) anydiff.Res {
		if dim == 0 {
			return nil
		}
		return r.padded(field[:r.NumSteps], dim).Rows(rows)
	}
	gatherPadded := func(p *Padded) anydiff.Res {
		if p == nil || p.Dim == 0 {
			return nil
		}
		return p.Rows(rows)
	}
	gatherScalars := func(vals []float64) anydiff.Res {
		res := make([]float64, n)
		for i, row := range rows {
			res[i] = vals[row]
		}
		return anydiff.NewConst(makeVec(c, res))
	}

	mb := &Minibatch{
		Rows:         rows,
		Actions:      gatherField(r.Actions, r.Dims.Action),
		LatentSample: gatherPadded(emb.Sample),
		LatentMean:   gatherPadded(emb.Mean),
		LatentLogVar: gatherPadded(emb.LogVar),
		RawStates:    gatherField(r.States, r.Dims.State),
		ValuePreds:   gatherScalars(flatten(r.ValuePreds[:r.NumSteps])),
		Returns:      gatherScalars(flatten(r.Returns[:r.NumSteps])),
		OldLogProbs:  gatherScalars(flatten(r.ActionLogProbs)),
		Advantages:   gatherScalars(advantages),
	}
	mb.Inputs = &PolicyInputs{
		N:      n,
		State:  gatherPadded(emb.Embedded),
		Level1: gatherPadded(emb.Levels[0]),
		Belief: gatherField(r.Beliefs, r.Dims.Belief),
		Task:   gatherField(r.Tasks, r.Dims.Task),
	}
	if emb.Mean != nil && emb.Mean.Dim > 0 {
		latent := PolicyLatent(sampleLatent, tanhLatent, emb.Sample, emb.Mean,
			emb.LogVar)
		mb.Inputs.Latent = latent.Rows(rows)
	}
	return mb
}

func (r *RolloutStorage) padded(field [][]float64, dim int) *Padded {
	return ConstPadded(r.creator, flatten(field), len(field), r.NumProcs, dim)
}

func flatten(rows [][]float64) []float64 {
	var res []float64
	for _, row := range rows {
		res = append(res, row...)
	}
	return res
}

func copyRow(dst, src []float64) {
	if src == nil {
		return
	}
	if len(dst) != len(src) {
		panic(fmt.Sprintf("length mismatch: expected %d but got %d", len(dst), len(src)))
	}
	copy(dst, src)
}

func makeVec(c anyvec.Creator, data []float64) anyvec.Vector {
	return c.MakeVectorData(c.MakeNumericList(data))
}

func (r *RolloutStorage) setEmbedding(i int, e *Embedding) {
	if e == nil {
		return
	}
	copyRow(r.LatentSamples[i], e.Sample)
	copyRow(r.LatentMeans[i], e.Mean)
	copyRow(r.LatentLogVars[i], e.LogVar)
	copyRow(r.Level1[i], e.Level1)
	copyRow(r.Embedded[i], e.Embedded)
}
