package anyppo

import (
	"math"
	"math/rand"
	"testing"

	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anynet"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/anyvec/anyvec64"
	"github.com/unixpickle/metarl"
)

func TestNormalizeAdvantages(t *testing.T) {
	actual := NormalizeAdvantages([]float64{1, 2, 3, 6})
	var sum, sqSum float64
	for _, x := range actual {
		sum += x
		sqSum += x * x
	}
	if math.Abs(sum) > 1e-8 {
		t.Errorf("expected zero mean but got %f", sum/4)
	}
	if std := math.Sqrt(sqSum / 3); math.Abs(std-1) > 1e-6 {
		t.Errorf("expected unit std but got %f", std)
	}
	if NormalizeAdvantages(nil) != nil {
		t.Error("expected nil result")
	}
}

func TestClippedSurrogate(t *testing.T) {
	c := anyvec64.DefaultCreator{}
	ratios := anydiff.NewConst(c.MakeVectorData([]float64{1.5, 0.5, 0.5, 1.5}))
	advs := anydiff.NewConst(c.MakeVectorData([]float64{1, 1, -1, -1}))
	actual := ClippedSurrogate(ratios, advs, 0.2).Output().Data().([]float64)
	assertClose(t, actual, []float64{1.2, 0.5, -0.8, -1.5})
}

func TestValueLoss(t *testing.T) {
	c := anyvec64.DefaultCreator{}
	vec := func(x ...float64) anydiff.Res {
		return anydiff.NewConst(c.MakeVectorData(x))
	}
	values, old, returns := vec(1, 0.5), vec(0.5, 0.4), vec(3, 0.45)

	for _, test := range []struct {
		regime   metarl.ValueLoss
		expected float64
	}{
		{metarl.SquaredValueLoss, 0.5 * (4 + 0.0025) / 2},
		{metarl.HuberValueLoss, (1.5 + 0.00125) / 2},
		{metarl.ClippedSquaredValueLoss, 0.5 * (5.29 + 0.0025) / 2},
		{metarl.ClippedHuberValueLoss, 0.5 * (1.8 + 0.00125) / 2},
	} {
		actual := ValueLoss(test.regime, values, old, returns, 0.2)
		assertClose(t, actual.Output().Data().([]float64), []float64{test.expected})
	}
}

func TestClipGradNorm(t *testing.T) {
	c := anyvec64.DefaultCreator{}
	v1 := anydiff.NewVar(c.MakeVector(2))
	v2 := anydiff.NewVar(c.MakeVector(1))
	grad := anydiff.Grad{
		v1: c.MakeVectorData([]float64{3, 4}),
		v2: c.MakeVectorData([]float64{100}),
	}
	norm := ClipGradNorm(grad, []*anydiff.Var{v1}, 1)
	if math.Abs(norm-5) > 1e-8 {
		t.Errorf("expected norm 5 but got %f", norm)
	}
	assertClose(t, grad[v1].Data().([]float64), []float64{0.6, 0.8})
	assertClose(t, grad[v2].Data().([]float64), []float64{100})

	ClipGradNorm(grad, []*anydiff.Var{v1}, 10)
	assertClose(t, grad[v1].Data().([]float64), []float64{0.6, 0.8})
}

func TestPPOImprovement(t *testing.T) {
	c := anyvec64.DefaultCreator{}
	cfg := testConfig()
	cfg.PPO.AnnealLR = true
	cfg.PPO.TrainSteps = 10

	policy := newLinearPolicy(c)
	storage := testStorage(c, policy, 8)
	ppo, err := NewPPO(cfg, policy, nil, nil, nil, rand.New(rand.NewSource(1337)))
	if err != nil {
		t.Fatal(err)
	}

	oldProb := math.Exp(policy.logProbs(c)[0])
	stats, err := ppo.Update(storage, metarl.Exploration)
	if err != nil {
		t.Fatal(err)
	}
	newProb := math.Exp(policy.logProbs(c)[0])
	if newProb <= oldProb {
		t.Errorf("rewarded action should become likelier (%f -> %f)", oldProb, newProb)
	}
	for _, x := range []float64{stats.ValueLoss, stats.ActionLoss, stats.Entropy, stats.Loss} {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			t.Fatalf("bad stats: %+v", stats)
		}
	}
	if stats.ValueLoss <= 0 {
		t.Errorf("expected positive value loss but got %f", stats.ValueLoss)
	}
	if lr := ppo.Optimizer.CurrentLR(); math.Abs(lr-cfg.PPO.LR*0.9) > 1e-12 {
		t.Errorf("expected annealed learning rate but got %f", lr)
	}
}

func TestPPOJointRequiresVAEOptimizer(t *testing.T) {
	c := anyvec64.DefaultCreator{}
	cfg := testConfig()
	cfg.PPO.RLLossThroughEncoder = true

	policy := newLinearPolicy(c)
	storage := testStorage(c, policy, 4)
	ppo, err := NewPPO(cfg, policy, nil, nil, nil, rand.New(rand.NewSource(1337)))
	if err != nil {
		t.Fatal(err)
	}
	ppo.Encoder = newBiasEncoder(c)
	ppo.Losses = &countingLosses{Bias: ppo.Encoder.(*biasEncoder).Bias}

	before := policy.Layer.Weights.Vector.Copy()
	if _, err := ppo.Update(storage, metarl.Exploration); err == nil {
		t.Fatal("expected an error")
	}
	if !equalVectors(before, policy.Layer.Weights.Vector) {
		t.Error("failed update should not modify the policy")
	}
}

func TestPPOJoint(t *testing.T) {
	c := anyvec64.DefaultCreator{}
	cfg := testConfig()
	cfg.PPO.RLLossThroughEncoder = true
	cfg.ValuePrediction.Enabled = true
	cfg.VAE.NPrediction = 1
	cfg.Memory.Enabled = true
	cfg.Memory.Hebbian = true
	cfg.Memory.ReconstructionLoss = true

	encoder := newBiasEncoder(c)
	vaeOpt, err := metarl.NewOptimizer(metarl.AdamOptimizer, encoder.Parameters(),
		1e-2, 1e-8)
	if err != nil {
		t.Fatal(err)
	}
	mem := newMetaMemory(c)
	policy := newLinearPolicy(c)
	storage := testStorage(c, policy, 4)
	ppo, err := NewPPO(cfg, policy, mem, vaeOpt, nil, rand.New(rand.NewSource(1337)))
	if err != nil {
		t.Fatal(err)
	}
	losses := &countingLosses{Bias: encoder.Bias}
	ppo.Encoder = encoder
	ppo.Losses = losses

	oldBias := encoder.Bias.Vector.Copy()
	oldMeta := mem.A.Vector.Copy()
	if _, err := ppo.Update(storage, metarl.Exploitation); err != nil {
		t.Fatal(err)
	}

	numMinibatches := cfg.PPO.Epochs * cfg.PPO.NumMiniBatch
	if losses.joint != numMinibatches || losses.updates != 0 {
		t.Errorf("expected %d joint VAE losses and no updates but got %d and %d",
			numMinibatches, losses.joint, losses.updates)
	}
	if losses.nStep != numMinibatches || losses.memory != numMinibatches {
		t.Errorf("expected %d auxiliary losses but got %d n-step and %d memory",
			numMinibatches, losses.nStep, losses.memory)
	}
	if encoder.forwards != numMinibatches+1 {
		t.Errorf("expected %d embedding passes but got %d", numMinibatches+1,
			encoder.forwards)
	}
	if equalVectors(oldBias, encoder.Bias.Vector) {
		t.Error("encoder should be trained")
	}
	if equalVectors(oldMeta, mem.A.Vector) {
		t.Error("meta-parameters should be trained")
	}
	if ppo.MetaOptimizer.Schedule == nil {
		t.Error("meta optimizer should have a schedule")
	}
}

func TestPPOSeparateVAEUpdates(t *testing.T) {
	c := anyvec64.DefaultCreator{}
	cfg := testConfig()
	cfg.VAE.NumVAEUpdates = 3

	encoder := newBiasEncoder(c)
	vaeOpt, err := metarl.NewOptimizer(metarl.AdamOptimizer, encoder.Parameters(),
		1e-2, 1e-8)
	if err != nil {
		t.Fatal(err)
	}
	policy := newLinearPolicy(c)
	storage := testStorage(c, policy, 4)
	ppo, err := NewPPO(cfg, policy, nil, vaeOpt, nil, rand.New(rand.NewSource(1337)))
	if err != nil {
		t.Fatal(err)
	}
	losses := &countingLosses{Bias: encoder.Bias}
	ppo.Encoder = encoder
	ppo.Losses = losses
	if _, err := ppo.Update(storage, metarl.Exploration); err != nil {
		t.Fatal(err)
	}
	if losses.updates != 3 || losses.joint != 0 {
		t.Errorf("expected 3 VAE updates and no joint losses but got %d and %d",
			losses.updates, losses.joint)
	}
	if encoder.forwards != 0 {
		t.Error("embeddings should not be recomputed")
	}
}

func TestRND(t *testing.T) {
	c := anyvec64.DefaultCreator{}
	rnd := &RND{
		Target:    anynet.NewFC(c, 2, 3),
		Predictor: anynet.NewFC(c, 2, 3),
	}
	states := anydiff.NewConst(c.MakeVectorData([]float64{1, 2, -1, 0.5}))
	novelty := rnd.Novelty(states, 2)
	if len(novelty) != 2 {
		t.Fatalf("expected 2 novelty values but got %d", len(novelty))
	}
	loss := rnd.Loss(states, 2)
	assertClose(t, loss.Output().Data().([]float64), []float64{(novelty[0] + novelty[1]) / 2})

	grad := anydiff.NewGrad(rnd.Parameters()...)
	loss.Propagate(anyvec.Ones(c, 1), grad)
	for _, param := range anynet.AllParameters(rnd.Target) {
		if _, ok := grad[param]; ok {
			t.Error("target should not be trained")
		}
	}
}

func TestRNDZeroDistance(t *testing.T) {
	c := anyvec64.DefaultCreator{}
	rnd := &RND{
		Target:    anynet.NewFC(c, 2, 3),
		Predictor: anynet.NewFC(c, 2, 3),
	}

	// Fresh layers have zero biases, so zero states give
	// identical embeddings.
	states := anydiff.NewConst(c.MakeVectorData([]float64{0, 0, 1, -1}))
	loss := rnd.Loss(states, 2)
	grad := anydiff.NewGrad(rnd.Parameters()...)
	loss.Propagate(anyvec.Ones(c, 1), grad)
	for _, v := range grad {
		for _, x := range v.Data().([]float64) {
			if math.IsNaN(x) || math.IsInf(x, 0) {
				t.Fatalf("non-finite gradient: %v", v.Data())
			}
		}
	}
	if novelty := rnd.Novelty(states, 2); novelty[0] > 1e-3 {
		t.Errorf("expected near-zero novelty but got %f", novelty[0])
	}
}

func TestClipGradNormNonFinite(t *testing.T) {
	c := anyvec64.DefaultCreator{}
	v1 := anydiff.NewVar(c.MakeVector(2))
	v2 := anydiff.NewVar(c.MakeVector(1))
	grad := anydiff.Grad{
		v1: c.MakeVectorData([]float64{math.NaN(), 1}),
		v2: c.MakeVectorData([]float64{2}),
	}
	if norm := ClipGradNorm(grad, []*anydiff.Var{v1}, 1); !math.IsNaN(norm) {
		t.Errorf("expected NaN norm but got %f", norm)
	}
	assertClose(t, grad[v1].Data().([]float64), []float64{0, 0})
	assertClose(t, grad[v2].Data().([]float64), []float64{2})
}

func testConfig() *metarl.Config {
	cfg := metarl.DefaultConfig()
	cfg.PPO.LR = 1e-2
	cfg.PPO.Epochs = 4
	cfg.PPO.NumMiniBatch = 2
	return cfg
}

// testStorage creates a rollout where process 0 always
// takes the first action and gets a reward, while
// process 1 takes the second action and gets nothing.
func testStorage(c anyvec.Creator, policy *linearPolicy,
	numSteps int) *metarl.RolloutStorage {
	s := metarl.NewRolloutStorage(c, numSteps, 2, metarl.StorageDims{
		State:  1,
		Action: 2,
		Latent: 1,
	})
	zeros := &metarl.Embedding{
		Sample: []float64{0, 0},
		Mean:   []float64{0, 0},
		LogVar: []float64{0, 0},
	}
	s.SetInitial([]float64{1, 1}, nil, nil, zeros)
	logProbs := policy.logProbs(c)
	for i := 0; i < numSteps; i++ {
		s.Insert(&metarl.Transition{
			Action:        []float64{1, 0, 0, 1},
			ActionLogProb: logProbs,
			Value:         []float64{0, 0},
			Reward:        []float64{1, 0},
			NextState:     []float64{1, 1},
			Mask:          []float64{1, 1},
			Embedding:     zeros,
		})
	}
	s.ComputeReturns(metarl.ReturnConfig{}, []float64{0, 0})
	return s
}

type linearPolicy struct {
	Layer *anynet.FC
}

func newLinearPolicy(c anyvec.Creator) *linearPolicy {
	return &linearPolicy{Layer: anynet.NewFC(c, 1, 3)}
}

func (l *linearPolicy) Parameters() []*anydiff.Var {
	return anynet.AllParameters(l.Layer)
}

func (l *linearPolicy) EvaluateActions(in *metarl.PolicyInputs,
	actions anydiff.Res) *metarl.ActionEval {
	params, values := l.outputs(in)
	return &metarl.ActionEval{
		Values:       values,
		LogProbs:     metarl.Softmax{}.LogProb(params, actions.Output(), in.N),
		Entropy:      metarl.Softmax{}.Entropy(params, in.N),
		ActionParams: params,
	}
}

func (l *linearPolicy) GetValue(in *metarl.PolicyInputs) anydiff.Res {
	_, values := l.outputs(in)
	return values
}

func (l *linearPolicy) Act(in *metarl.PolicyInputs, deterministic bool) anyvec.Vector {
	params, _ := l.outputs(in)
	return metarl.Softmax{}.Mode(params.Output(), in.N)
}

func (l *linearPolicy) outputs(in *metarl.PolicyInputs) (params, values anydiff.Res) {
	parts := metarl.SplitCols(l.Layer.Apply(in.State, in.N), in.N, 2, 1)
	return parts[0], parts[1]
}

// logProbs computes the log-probabilities of the first
// and second actions in the state 1.
func (l *linearPolicy) logProbs(c anyvec.Creator) []float64 {
	in := &metarl.PolicyInputs{N: 2, State: anydiff.NewConst(c.MakeVectorData([]float64{1, 1}))}
	actions := anydiff.NewConst(c.MakeVectorData([]float64{1, 0, 0, 1}))
	return l.EvaluateActions(in, actions).LogProbs.Output().Data().([]float64)
}

// biasEncoder produces a learned constant latent mean.
type biasEncoder struct {
	Bias     *anydiff.Var
	forwards int
}

func newBiasEncoder(c anyvec.Creator) *biasEncoder {
	return &biasEncoder{Bias: anydiff.NewVar(c.MakeVectorData([]float64{0.5}))}
}

func (b *biasEncoder) Parameters() []*anydiff.Var {
	return []*anydiff.Var{b.Bias}
}

func (b *biasEncoder) Forward(br metarl.Branch, in *metarl.EncoderInput) *metarl.EncoderOutput {
	b.forwards++
	c := b.Bias.Vector.Creator()
	steps := in.NextObs.Steps + 1
	batch := in.NextObs.Batch
	biases := make([]anydiff.Res, steps*batch)
	for i := range biases {
		biases[i] = b.Bias
	}
	mean := anydiff.Concat(biases...)
	return &metarl.EncoderOutput{
		Sample: metarl.NewPadded(mean, steps, batch, 1),
		Mean:   metarl.NewPadded(mean, steps, batch, 1),
		LogVar: metarl.ZeroPadded(c, steps, batch, 1),
		Embedded: metarl.NewPadded(anydiff.Concat(in.PrevObs0, in.NextObs.Data),
			steps, batch, 1),
	}
}

type countingLosses struct {
	Bias *anydiff.Var

	joint   int
	updates int
	nStep   int
	memory  int
}

func (c *countingLosses) Loss(update bool) anydiff.Res {
	if update {
		c.updates++
	} else {
		c.joint++
	}
	return c.loss()
}

func (c *countingLosses) NStepValueLoss(policy metarl.Policy, b metarl.Branch) anydiff.Res {
	c.nStep++
	return c.loss()
}

func (c *countingLosses) MemoryLoss(b metarl.Branch) anydiff.Res {
	c.memory++
	return c.loss()
}

func (c *countingLosses) loss() anydiff.Res {
	return anydiff.Sum(anydiff.Square(c.Bias))
}

// metaMemory only has meta-parameters.
type metaMemory struct {
	A *anydiff.Var
	B *anydiff.Var
}

func newMetaMemory(c anyvec.Creator) *metaMemory {
	return &metaMemory{
		A: anydiff.NewVar(c.MakeVectorData([]float64{1, 1})),
		B: anydiff.NewVar(c.MakeVectorData([]float64{1, -1})),
	}
}

func (m *metaMemory) Parameters() []*anydiff.Var {
	return nil
}

func (m *metaMemory) MetaParameters() []*anydiff.Var {
	return []*anydiff.Var{m.A, m.B}
}

func (m *metaMemory) Prior(batch int, b metarl.Branch) {}

func (m *metaMemory) Reset(doneTask, doneEpisode []bool, b metarl.Branch) {}

func (m *metaMemory) Write(keys, values anydiff.Res, b metarl.Branch) {}

func (m *metaMemory) Read(queries, hidden anydiff.Res, b metarl.Branch) anydiff.Res {
	return hidden
}

func equalVectors(v1, v2 anyvec.Vector) bool {
	d1 := v1.Data().([]float64)
	d2 := v2.Data().([]float64)
	for i, x := range d1 {
		if d2[i] != x {
			return false
		}
	}
	return true
}

func assertClose(t *testing.T, actual, expected []float64) {
	t.Helper()
	if len(actual) != len(expected) {
		t.Fatalf("expected %v but got %v", expected, actual)
	}
	for i, x := range expected {
		if math.IsNaN(actual[i]) || math.Abs(actual[i]-x) > 1e-6 {
			t.Fatalf("expected %v but got %v", expected, actual)
		}
	}
}
