package anyvae

import (
	"math"
	"math/rand"
	"testing"

	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/anyvec/anyvec64"
	"github.com/unixpickle/metarl"
)

func TestVAELossRagged(t *testing.T) {
	c := anyvec64.DefaultCreator{}
	cfg := testConfig()
	cfg.VAE.SubsampleElbos = 4
	cfg.VAE.SubsampleDecodes = 2
	v := testVAE(c, cfg, 5, 7, 5)

	batch := v.Storages[metarl.Exploration].Batch(3)
	elbo := v.ELBO(batch)
	if elbo.Aligner.MaxLen != 7 {
		t.Errorf("expected max length 7 but got %d", elbo.Aligner.MaxLen)
	}
	for b, elbos := range elbo.Plan.Elbos {
		if len(elbos) != 4 {
			t.Errorf("trajectory %d: expected 4 ELBO terms but got %d", b, len(elbos))
		}
		for _, idx := range elbos {
			if idx < 0 || idx > batch.Lens[b] {
				t.Errorf("trajectory %d: ELBO index %d out of [0, %d]", b, idx,
					batch.Lens[b])
			}
		}
	}
	total := elbo.Total.Output()
	if total.Len() != 1 {
		t.Fatalf("expected scalar but got length %d", total.Len())
	}
	if x := total.Data().([]float64)[0]; math.IsNaN(x) || math.IsInf(x, 0) {
		t.Errorf("loss should be finite but got %f", x)
	}
	if len(elbo.Total.Vars()) == 0 {
		t.Error("loss should depend on parameters")
	}
	for _, term := range []anydiff.Res{elbo.Reward, elbo.State, elbo.Task, elbo.KL} {
		if term == nil {
			t.Error("missing loss term")
		}
	}
}

func TestVAELossPermutation(t *testing.T) {
	c := anyvec64.DefaultCreator{}
	cfg := testConfig()
	cfg.VAE.DisableStochasticity = true
	cfg.VAE.NPrediction = 2
	cfg.VAE.NStepRewardPrediction = true
	v := testVAE(c, cfg)

	trajs := []*metarl.VAEBatch{
		singleBatch(c, cfg, testTrajectory(4, 0)),
		singleBatch(c, cfg, testTrajectory(4, 10)),
		singleBatch(c, cfg, testTrajectory(4, 20)),
	}
	join := func(order ...int) *metarl.VAEBatch {
		res := trajs[order[0]]
		for _, i := range order[1:] {
			res = metarl.ConcatVAEBatches(res, trajs[i])
		}
		return res
	}
	expected := scalarValue(v.ELBO(join(0, 1, 2)).Total)
	for _, order := range [][]int{{2, 0, 1}, {1, 2, 0}} {
		actual := scalarValue(v.ELBO(join(order...)).Total)
		if math.Abs(actual-expected) > 1e-8*math.Max(1, math.Abs(expected)) {
			t.Errorf("order %v: expected %f but got %f", order, expected, actual)
		}
	}
}

func TestVAELossFullElbo(t *testing.T) {
	c := anyvec64.DefaultCreator{}
	cfg := testConfig()
	cfg.VAE.DisableStochasticity = true
	v := testVAE(c, cfg)
	batch := metarl.ConcatVAEBatches(singleBatch(c, cfg, testTrajectory(5, 0)),
		singleBatch(c, cfg, testTrajectory(5, 3)))

	full := scalarValue(v.ELBO(batch).Total)
	cfg.VAE.SubsampleElbos = 6
	for i := 0; i < 3; i++ {
		actual := scalarValue(v.ELBO(batch).Total)
		if math.Abs(actual-full) > 1e-8*math.Max(1, math.Abs(full)) {
			t.Errorf("expected %f but got %f", full, actual)
		}
	}
}

func TestVAELossNoHorizons(t *testing.T) {
	c := anyvec64.DefaultCreator{}
	cfg := testConfig()
	cfg.VAE.DisableStochasticity = true
	v := testVAE(c, cfg)
	batch := singleBatch(c, cfg, testTrajectory(4, 0))
	expected := scalarValue(v.ELBO(batch).Reward)

	cfg.VAE.NStepRewardPrediction = true
	cfg.VAE.NPrediction = 0
	elbo := v.ELBO(batch)
	if elbo.Aligner.Horizons != 0 {
		t.Errorf("expected no horizons but got %d", elbo.Aligner.Horizons)
	}
	if actual := scalarValue(elbo.Reward); math.Abs(actual-expected) > 1e-8 {
		t.Errorf("expected %f but got %f", expected, actual)
	}
}

func TestVAELossSkip(t *testing.T) {
	c := anyvec64.DefaultCreator{}
	cfg := testConfig()
	cfg.VAE.ReadyThreshold = 5
	v := testVAE(c, cfg, 3, 3)
	loss := v.Loss(true)
	if len(loss.Vars()) != 0 || scalarValue(loss) != 0 {
		t.Error("expected constant zero before storage is ready")
	}

	cfg = testConfig()
	cfg.VAE.DisableDecoder = true
	cfg.VAE.DisableStochasticity = true
	v = testVAE(c, cfg, 3, 3)
	loss = v.Loss(false)
	if len(loss.Vars()) != 0 || scalarValue(loss) != 0 {
		t.Error("expected constant zero without decoders or stochasticity")
	}
}

func TestVAELossUpdate(t *testing.T) {
	c := anyvec64.DefaultCreator{}
	cfg := testConfig()
	v := testVAE(c, cfg, 3, 4)
	var logged []string
	v.Logger = loggerFunc(func(tag string, value float64, step int) {
		logged = append(logged, tag)
	})
	v.IterIdx = func() int { return 0 }
	opt, err := metarl.NewOptimizer(metarl.AdamOptimizer, v.Parameters(), 1e-2, 1e-8)
	if err != nil {
		t.Fatal(err)
	}
	v.Optimizer = opt

	before := append([]float64{}, v.Encoder.Parameters()[0].Vector.Data().([]float64)...)
	v.Loss(true)
	after := v.Encoder.Parameters()[0].Vector.Data().([]float64)
	if anyEqual(before, after) {
		t.Error("encoder parameters were not updated")
	}

	expectedTags := []string{"vae_losses/reward_reconstr_err", "vae_losses/state_reconstr_err",
		"vae_losses/task_reconstr_err", "vae_losses/kl", "vae_losses/sum"}
	if len(logged) != len(expectedTags) {
		t.Fatalf("expected tags %v but got %v", expectedTags, logged)
	}
	for i, tag := range expectedTags {
		if logged[i] != tag {
			t.Fatalf("expected tags %v but got %v", expectedTags, logged)
		}
	}
}

func TestNStepValueLoss(t *testing.T) {
	c := anyvec64.DefaultCreator{}
	cfg := testConfig()
	cfg.VAE.NPrediction = 2
	cfg.ValuePrediction.Enabled = true
	for _, lossType := range []metarl.NStepValueLoss{metarl.HuberNStepLoss,
		metarl.ReturnNStepLoss, metarl.ValueNStepLoss} {
		cfg.ValuePrediction.Loss = lossType
		v := testVAE(c, cfg, 3, 5)
		loss := v.NStepValueLoss(testPolicy{}, metarl.Exploitation)
		if x := scalarValue(loss); math.IsNaN(x) || math.IsInf(x, 0) {
			t.Errorf("%s: loss should be finite but got %f", lossType, x)
		}
		if len(loss.Vars()) == 0 {
			t.Errorf("%s: loss should depend on parameters", lossType)
		}
	}
}

func TestMemoryLoss(t *testing.T) {
	c := anyvec64.DefaultCreator{}
	cfg := testConfig()
	v := testVAE(c, cfg, 4, 4)
	mem := &recallMemory{}
	v.Memory = mem
	loss := v.MemoryLoss(metarl.Exploration)
	if x := scalarValue(loss); math.Abs(x) > 1e-8 {
		t.Errorf("exact recall should give zero loss but got %f", x)
	}
	if mem.writes != 4 || mem.resets != 4 {
		t.Errorf("expected 4 writes and resets but got %d and %d", mem.writes, mem.resets)
	}

	mem.forget = true
	loss = v.MemoryLoss(metarl.Exploration)
	if scalarValue(loss) <= 0 {
		t.Error("forgetting memory should give positive loss")
	}
}

func testConfig() *metarl.Config {
	cfg := metarl.DefaultConfig()
	cfg.VAE.DecodeReward = true
	cfg.VAE.DecodeState = true
	cfg.VAE.DecodeTask = true
	cfg.VAE.MaxTrajectoryLen = 8
	cfg.VAE.BatchNumTrajs = 3
	cfg.VAE.ReadyThreshold = 1
	cfg.LogInterval = 1
	return cfg
}

func testDims() metarl.StorageDims {
	return metarl.StorageDims{State: 1, Action: 2, Task: 1}
}

// testVAE creates a VAE whose storages both contain
// trajectories of the given lengths.
func testVAE(c anyvec.Creator, cfg *metarl.Config, lens ...int) *VAE {
	gen := rand.New(rand.NewSource(1337))
	storages := map[metarl.Branch]*metarl.VAEStorage{}
	for _, b := range metarl.Branches {
		s := metarl.NewVAEStorage(c, metarl.VAEStorageConfigFor(&cfg.VAE, testDims()), gen)
		for i, l := range lens {
			if _, err := s.Add(testTrajectory(l, float64(i))); err != nil {
				panic(err)
			}
		}
		storages[b] = s
	}
	return &VAE{
		Creator: c,
		Config:  cfg,
		Encoder: newTestEncoder(c),
		Decoders: Decoders{
			State:  newTestDecoder(c),
			Reward: newTestDecoder(c),
			Task:   newTestDecoder(c),
			Value: map[metarl.Branch]metarl.Decoder{
				metarl.Exploration:  newTestDecoder(c),
				metarl.Exploitation: newTestDecoder(c),
			},
		},
		Storages: storages,
		Rand:     gen,
	}
}

func testTrajectory(length int, offset float64) *metarl.Trajectory {
	b := metarl.NewTrajectoryBuilder([]float64{offset})
	for i := 0; i < length; i++ {
		x := offset + float64(i)
		b.Add([]float64{x}, []float64{1, 0}, math.Sin(x), []float64{x + 1}, false,
			i == length-1, false)
	}
	return b.Trajectory()
}

func singleBatch(c anyvec.Creator, cfg *metarl.Config, t *metarl.Trajectory) *metarl.VAEBatch {
	s := metarl.NewVAEStorage(c, metarl.VAEStorageConfigFor(&cfg.VAE, testDims()),
		rand.New(rand.NewSource(0)))
	if _, err := s.Add(t); err != nil {
		panic(err)
	}
	return s.Batch(1)
}

// testEncoder produces latents that depend on the
// running sum of each trajectory's rewards.
type testEncoder struct {
	Weights *anydiff.Var
}

func newTestEncoder(c anyvec.Creator) *testEncoder {
	data := []float64{0.3, -0.2, 0.1, 0.4}
	return &testEncoder{
		Weights: anydiff.NewVar(c.MakeVectorData(c.MakeNumericList(data))),
	}
}

func (t *testEncoder) Parameters() []*anydiff.Var {
	return []*anydiff.Var{t.Weights}
}

func (t *testEncoder) Forward(b metarl.Branch, in *metarl.EncoderInput) *metarl.EncoderOutput {
	const dim = 2
	c := in.Rewards.Creator()
	steps := in.Rewards.Steps + 1
	batch := in.Rewards.Batch
	rewards := c.Float64Slice(in.Rewards.Data.Output().Data())

	features := make([]float64, steps*batch*dim)
	for seq := 0; seq < batch; seq++ {
		var sum float64
		for step := 0; step < steps; step++ {
			if step > 0 {
				sum += rewards[(step-1)*batch+seq]
			}
			for d := 0; d < dim; d++ {
				features[(step*batch+seq)*dim+d] = sum + float64(d+1)
			}
		}
	}
	feat := anydiff.NewConst(c.MakeVectorData(c.MakeNumericList(features)))
	repeat := func(start int) anydiff.Res {
		table := make([]int, len(features))
		for i := range table {
			table[i] = start + i%dim
		}
		return metarl.Gather(t.Weights, table)
	}
	mean := anydiff.Mul(feat, repeat(0))
	logVar := anydiff.Scale(anydiff.Mul(feat, repeat(dim)), c.MakeNumeric(0.1))

	padded := func(r anydiff.Res) *metarl.Padded {
		return metarl.NewPadded(r, steps, batch, dim)
	}
	return &metarl.EncoderOutput{
		Levels:   [3]*metarl.Padded{padded(mean), padded(mean), padded(anydiff.Tanh(mean))},
		Sample:   padded(mean),
		Mean:     padded(mean),
		LogVar:   padded(logVar),
		Hidden:   padded(mean),
		Embedded: padded(feat),
	}
}

// testDecoder predicts one number per row from the
// latent and rewards, with one head per horizon.
type testDecoder struct {
	Weights *anydiff.Var
}

func newTestDecoder(c anyvec.Creator) *testDecoder {
	data := make([]float64, 8)
	for i := range data {
		data[i] = 0.1 * float64(i+1)
	}
	return &testDecoder{
		Weights: anydiff.NewVar(c.MakeVectorData(c.MakeNumericList(data))),
	}
}

func (t *testDecoder) Parameters() []*anydiff.Var {
	return []*anydiff.Var{t.Weights}
}

func (t *testDecoder) Decode(in *metarl.DecodeInputs) []anydiff.Res {
	c := in.Latent.Output().Creator()
	dim := in.Latent.Output().Len() / in.N
	table := make([]int, in.Latent.Output().Len())
	for i := range table {
		table[i] = i % dim
	}
	weighted := anydiff.Mul(in.Latent, metarl.Gather(t.Weights, table))
	base := anydiff.SumCols(&anydiff.Matrix{Data: weighted, Rows: in.N, Cols: dim})
	if in.Rewards != nil {
		base = anydiff.Add(base, in.Rewards)
	}
	res := []anydiff.Res{base}
	for i := range in.NStepRewards {
		res = append(res, anydiff.Scale(base, c.MakeNumeric(1/float64(i+2))))
	}
	return res
}

// recallMemory looks up written values by exact key.
type recallMemory struct {
	keys   [][][]float64
	values [][]anydiff.Res

	forget bool
	writes int
	resets int
}

func (r *recallMemory) Parameters() []*anydiff.Var     { return nil }
func (r *recallMemory) MetaParameters() []*anydiff.Var { return nil }

func (r *recallMemory) Prior(batch int, b metarl.Branch) {
	r.keys = make([][][]float64, batch)
	r.values = make([][]anydiff.Res, batch)
	r.writes = 0
	r.resets = 0
}

func (r *recallMemory) Reset(doneTask, doneEpisode []bool, b metarl.Branch) {
	r.resets++
	for i, done := range doneTask {
		if done {
			r.keys[i] = nil
			r.values[i] = nil
		}
	}
}

func (r *recallMemory) Write(keys, values anydiff.Res, b metarl.Branch) {
	r.writes++
	keyRows := splitRows(keys, len(r.keys))
	valueDim := values.Output().Len() / len(r.keys)
	for i, key := range keyRows {
		r.keys[i] = append(r.keys[i], key)
		r.values[i] = append(r.values[i], anydiff.Slice(values, i*valueDim,
			(i+1)*valueDim))
	}
}

func (r *recallMemory) Read(queries, hidden anydiff.Res, b metarl.Branch) anydiff.Res {
	c := queries.Output().Creator()
	valueDim := hidden.Output().Len() / len(r.keys)
	var res []anydiff.Res
	for i, query := range splitRows(queries, len(r.keys)) {
		value := anydiff.Res(anydiff.NewConst(c.MakeVector(valueDim)))
		if !r.forget {
			for j, key := range r.keys[i] {
				if equalVecs(key, query) {
					value = r.values[i][j]
				}
			}
		}
		res = append(res, value)
	}
	return anydiff.Concat(res...)
}

type testPolicy struct{}

func (t testPolicy) Parameters() []*anydiff.Var { return nil }

func (t testPolicy) EvaluateActions(in *metarl.PolicyInputs, actions anydiff.Res) *metarl.ActionEval {
	panic("not implemented")
}

func (t testPolicy) GetValue(in *metarl.PolicyInputs) anydiff.Res {
	dim := in.State.Output().Len() / in.N
	return anydiff.SumCols(&anydiff.Matrix{Data: in.State, Rows: in.N, Cols: dim})
}

func (t testPolicy) Act(in *metarl.PolicyInputs, deterministic bool) anyvec.Vector {
	panic("not implemented")
}

type loggerFunc func(tag string, value float64, step int)

func (l loggerFunc) Add(tag string, value float64, step int) {
	l(tag, value, step)
}

func splitRows(vec anydiff.Res, rows int) [][]float64 {
	data := vec.Output().Data().([]float64)
	dim := len(data) / rows
	res := make([][]float64, rows)
	for i := range res {
		res[i] = data[i*dim : (i+1)*dim]
	}
	return res
}

func equalVecs(v1, v2 []float64) bool {
	for i, x := range v1 {
		if math.Abs(x-v2[i]) > 1e-10 {
			return false
		}
	}
	return len(v1) == len(v2)
}

func anyEqual(v1, v2 []float64) bool {
	for i, x := range v1 {
		if x == v2[i] {
			return true
		}
	}
	return false
}
