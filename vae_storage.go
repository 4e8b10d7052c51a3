package metarl

import (
	"fmt"
	"math/rand"

	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/essentials"
)

// A Trajectory is one complete sequence of transitions
// from a single task.
//
// Per-step fields have Len() entries.
// Flags have Len()+1 entries, where index t+1 describes
// the state after step t and index 0 describes the
// initial state.
type Trajectory struct {
	PrevObs [][]float64
	NextObs [][]float64
	Actions [][]float64
	Rewards []float64

	Task []float64

	Masks       []float64
	BadMasks    []float64
	DoneTask    []bool
	DoneEpisode []bool
}

// Len returns the number of transitions.
func (t *Trajectory) Len() int {
	return len(t.Rewards)
}

// Truncate keeps at most n transitions.
func (t *Trajectory) Truncate(n int) *Trajectory {
	if t.Len() <= n {
		return t
	}
	return &Trajectory{
		PrevObs:     t.PrevObs[:n],
		NextObs:     t.NextObs[:n],
		Actions:     t.Actions[:n],
		Rewards:     t.Rewards[:n],
		Task:        t.Task,
		Masks:       t.Masks[:n+1],
		BadMasks:    t.BadMasks[:n+1],
		DoneTask:    t.DoneTask[:n+1],
		DoneEpisode: t.DoneEpisode[:n+1],
	}
}

func (t *Trajectory) check(dims StorageDims) error {
	n := t.Len()
	if len(t.PrevObs) != n || len(t.NextObs) != n || len(t.Actions) != n {
		return fmt.Errorf("trajectory fields disagree on length %d", n)
	}
	if len(t.Masks) != n+1 || len(t.BadMasks) != n+1 || len(t.DoneTask) != n+1 ||
		len(t.DoneEpisode) != n+1 {
		return fmt.Errorf("trajectory flags must have %d entries", n+1)
	}
	if len(t.Task) != dims.Task {
		return fmt.Errorf("task size %d (expected %d)", len(t.Task), dims.Task)
	}
	for i := 0; i < n; i++ {
		if len(t.PrevObs[i]) != dims.State || len(t.NextObs[i]) != dims.State {
			return fmt.Errorf("observation size at step %d (expected %d)", i, dims.State)
		}
		if len(t.Actions[i]) != dims.Action {
			return fmt.Errorf("action size at step %d (expected %d)", i, dims.Action)
		}
	}
	return nil
}

// VAEStorageConfig configures a VAEStorage.
type VAEStorageConfig struct {
	BufferSize       int
	MaxTrajectoryLen int
	ReadyThreshold   int

	// AddThresh is the probability of keeping a
	// trajectory passed to Add.
	AddThresh float64

	Dims StorageDims
}

// VAEStorageConfigFor creates a storage config from the
// VAE settings.
func VAEStorageConfigFor(v *VAEConfig, dims StorageDims) VAEStorageConfig {
	return VAEStorageConfig{
		BufferSize:       v.BufferSize,
		MaxTrajectoryLen: v.MaxTrajectoryLen,
		ReadyThreshold:   v.ReadyThreshold,
		AddThresh:        v.AddThresh,
		Dims:             dims,
	}
}

// VAEStorage is a ring buffer of trajectories used to
// train the task encoder.
type VAEStorage struct {
	Config VAEStorageConfig

	creator anyvec.Creator
	gen     *rand.Rand
	trajs   []*Trajectory
	next    int
}

// NewVAEStorage creates an empty storage.
func NewVAEStorage(c anyvec.Creator, cfg VAEStorageConfig, gen *rand.Rand) *VAEStorage {
	return &VAEStorage{Config: cfg, creator: c, gen: gen}
}

// Len returns the number of stored trajectories.
func (v *VAEStorage) Len() int {
	return len(v.trajs)
}

// ReadyForUpdate checks if enough trajectories have been
// stored for training.
func (v *VAEStorage) ReadyForUpdate() bool {
	return len(v.trajs) >= v.Config.ReadyThreshold
}

// Add stores a trajectory with probability AddThresh,
// overwriting the oldest trajectory if the buffer is
// full.
//
// Trajectories longer than MaxTrajectoryLen are
// truncated.
// It returns whether the trajectory was stored.
func (v *VAEStorage) Add(t *Trajectory) (added bool, err error) {
	defer essentials.AddCtxTo("add trajectory", &err)
	if err := t.check(v.Config.Dims); err != nil {
		return false, err
	}
	if t.Len() == 0 {
		return false, nil
	}
	if v.Config.AddThresh < 1 && v.gen.Float64() >= v.Config.AddThresh {
		return false, nil
	}
	t = t.Truncate(v.Config.MaxTrajectoryLen)
	if len(v.trajs) < v.Config.BufferSize {
		v.trajs = append(v.trajs, t)
	} else {
		v.trajs[v.next] = t
	}
	v.next = (v.next + 1) % v.Config.BufferSize
	return true, nil
}

// VAEBatch is a batch of trajectories.
//
// Sequence fields are padded to the storage's maximum
// trajectory length.
// Masks and flags have one more step than the sequence
// fields.
type VAEBatch struct {
	PrevObs *Jagged
	NextObs *Jagged
	Actions *Jagged
	Rewards *Jagged

	// Tasks has one row per trajectory, or is nil if
	// tasks are not stored.
	Tasks anydiff.Res

	Masks    *Padded
	BadMasks *Padded

	// DoneTask and DoneEpisode are indexed [step][traj].
	DoneTask    [][]bool
	DoneEpisode [][]bool

	Lens []int
}

// Batch samples up to n distinct trajectories.
//
// It panics if the storage is empty.
func (v *VAEStorage) Batch(n int) *VAEBatch {
	if len(v.trajs) == 0 {
		panic("cannot sample from empty VAE storage")
	}
	n = min(n, len(v.trajs))
	indices := v.gen.Perm(len(v.trajs))[:n]
	trajs := make([]*Trajectory, n)
	for i, idx := range indices {
		trajs[i] = v.trajs[idx]
	}
	return makeVAEBatch(v.creator, v.Config, trajs)
}

func makeVAEBatch(c anyvec.Creator, cfg VAEStorageConfig, trajs []*Trajectory) *VAEBatch {
	steps := cfg.MaxTrajectoryLen
	batch := len(trajs)
	dims := cfg.Dims
	lens := make([]int, batch)
	for i, t := range trajs {
		lens[i] = t.Len()
	}

	seqField := func(dim int, get func(t *Trajectory, step int) []float64) *Jagged {
		data := make([]float64, steps*batch*dim)
		for b, t := range trajs {
			for step := 0; step < t.Len(); step++ {
				copy(data[(step*batch+b)*dim:], get(t, step))
			}
		}
		return NewJagged(ConstPadded(c, data, steps, batch, dim), lens)
	}
	flagField := func(get func(t *Trajectory) []float64, pad float64) *Padded {
		data := make([]float64, (steps+1)*batch)
		for b, t := range trajs {
			vals := get(t)
			for step := 0; step <= steps; step++ {
				if step < len(vals) {
					data[step*batch+b] = vals[step]
				} else {
					data[step*batch+b] = pad
				}
			}
		}
		return ConstPadded(c, data, steps+1, batch, 1)
	}
	boolField := func(get func(t *Trajectory) []bool) [][]bool {
		res := make([][]bool, steps+1)
		for step := range res {
			res[step] = make([]bool, batch)
			for b, t := range trajs {
				if vals := get(t); step < len(vals) {
					res[step][b] = vals[step]
				}
			}
		}
		return res
	}

	res := &VAEBatch{
		PrevObs: seqField(dims.State, func(t *Trajectory, i int) []float64 {
			return t.PrevObs[i]
		}),
		NextObs: seqField(dims.State, func(t *Trajectory, i int) []float64 {
			return t.NextObs[i]
		}),
		Actions: seqField(dims.Action, func(t *Trajectory, i int) []float64 {
			return t.Actions[i]
		}),
		Rewards: seqField(1, func(t *Trajectory, i int) []float64 {
			return t.Rewards[i : i+1]
		}),
		Masks: flagField(func(t *Trajectory) []float64 {
			return t.Masks
		}, 0),
		BadMasks: flagField(func(t *Trajectory) []float64 {
			return t.BadMasks
		}, 1),
		DoneTask: boolField(func(t *Trajectory) []bool {
			return t.DoneTask
		}),
		DoneEpisode: boolField(func(t *Trajectory) []bool {
			return t.DoneEpisode
		}),
		Lens: lens,
	}
	if dims.Task > 0 {
		var tasks []float64
		for _, t := range trajs {
			tasks = append(tasks, t.Task...)
		}
		res.Tasks = anydiff.NewConst(makeVec(c, tasks))
	}
	return res
}

// Batch returns the number of trajectories.
func (v *VAEBatch) Batch() int {
	return len(v.Lens)
}

// Steps returns the padded sequence length.
func (v *VAEBatch) Steps() int {
	return v.PrevObs.Steps
}

// ConcatVAEBatches joins two batches along the batch
// axis.
// The batches must have the same padded length.
func ConcatVAEBatches(v1, v2 *VAEBatch) *VAEBatch {
	joinBools := func(b1, b2 [][]bool) [][]bool {
		res := make([][]bool, len(b1))
		for i := range res {
			res[i] = append(append([]bool{}, b1[i]...), b2[i]...)
		}
		return res
	}
	res := &VAEBatch{
		PrevObs:     ConcatJagged(v1.PrevObs, v2.PrevObs),
		NextObs:     ConcatJagged(v1.NextObs, v2.NextObs),
		Actions:     ConcatJagged(v1.Actions, v2.Actions),
		Rewards:     ConcatJagged(v1.Rewards, v2.Rewards),
		Masks:       ConcatBatch(v1.Masks, v2.Masks),
		BadMasks:    ConcatBatch(v1.BadMasks, v2.BadMasks),
		DoneTask:    joinBools(v1.DoneTask, v2.DoneTask),
		DoneEpisode: joinBools(v1.DoneEpisode, v2.DoneEpisode),
		Lens:        append(append([]int{}, v1.Lens...), v2.Lens...),
	}
	if v1.Tasks != nil && v2.Tasks != nil {
		res.Tasks = anydiff.Concat(v1.Tasks, v2.Tasks)
	}
	return res
}

// EncoderInput creates an input for an Encoder.
func (v *VAEBatch) EncoderInput(detachEvery int) *EncoderInput {
	return &EncoderInput{
		PrevObs0:    v.PrevObs.Step(0),
		Actions:     v.Actions.Padded,
		NextObs:     v.NextObs.Padded,
		Rewards:     v.Rewards.Padded,
		DetachEvery: detachEvery,
	}
}
