package metarl

import (
	"github.com/unixpickle/anydiff/anyseq"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/essentials"
	"github.com/unixpickle/lazyseq"
)

// A RolloutSet is a batch of recorded meta-episodes.
//
// Each tape has one batch per timestep, with a present
// map indicating which sequences are still running.
type RolloutSet struct {
	PrevObs lazyseq.Tape
	NextObs lazyseq.Tape
	Actions lazyseq.Tape
	Rewards lazyseq.Tape

	// DoneEpisodes contains a 1 at every timestep where
	// an inner episode ended.
	DoneEpisodes lazyseq.Tape

	// Tasks contains one task vector per sequence.
	// It may be nil.
	Tasks [][]float64
}

// NewRolloutSet creates a RolloutSet from trajectories.
func NewRolloutSet(c anyvec.Creator, trajs []*Trajectory) *RolloutSet {
	res := &RolloutSet{}
	fields := []struct {
		tape *lazyseq.Tape
		get  func(t *Trajectory, i int) []float64
	}{
		{&res.PrevObs, func(t *Trajectory, i int) []float64 { return t.PrevObs[i] }},
		{&res.NextObs, func(t *Trajectory, i int) []float64 { return t.NextObs[i] }},
		{&res.Actions, func(t *Trajectory, i int) []float64 { return t.Actions[i] }},
		{&res.Rewards, func(t *Trajectory, i int) []float64 { return t.Rewards[i : i+1] }},
		{&res.DoneEpisodes, func(t *Trajectory, i int) []float64 {
			if t.DoneEpisode[i+1] {
				return []float64{1}
			}
			return []float64{0}
		}},
	}
	var maxLen int
	for _, t := range trajs {
		maxLen = max(maxLen, t.Len())
	}
	for _, field := range fields {
		tape, writer := lazyseq.ReferenceTape(c)
		for step := 0; step < maxLen; step++ {
			batch := &anyseq.Batch{Present: make([]bool, len(trajs))}
			var packed []float64
			for i, t := range trajs {
				if step < t.Len() {
					batch.Present[i] = true
					packed = append(packed, field.get(t, step)...)
				}
			}
			batch.Packed = makeVec(c, packed)
			writer <- batch
		}
		close(writer)
		*field.tape = tape
	}
	for _, t := range trajs {
		res.Tasks = append(res.Tasks, t.Task)
	}
	return res
}

// PackRolloutSets joins multiple RolloutSets into one
// larger set.
func PackRolloutSets(c anyvec.Creator, rs []*RolloutSet) *RolloutSet {
	res := &RolloutSet{}

	fieldGetters := []func(r *RolloutSet) *lazyseq.Tape{
		func(r *RolloutSet) *lazyseq.Tape {
			return &r.PrevObs
		},
		func(r *RolloutSet) *lazyseq.Tape {
			return &r.NextObs
		},
		func(r *RolloutSet) *lazyseq.Tape {
			return &r.Actions
		},
		func(r *RolloutSet) *lazyseq.Tape {
			return &r.Rewards
		},
		func(r *RolloutSet) *lazyseq.Tape {
			return &r.DoneEpisodes
		},
	}
	for _, getter := range fieldGetters {
		var tapes []lazyseq.Tape
		for _, r := range rs {
			tapes = append(tapes, *getter(r))
		}
		*getter(res) = lazyseq.PackTape(c, tapes)
	}

	for _, r := range rs {
		res.Tasks = append(res.Tasks, r.Tasks...)
	}

	return res
}

// NumSteps counts the total number of timesteps across
// every sequence.
func (r *RolloutSet) NumSteps() int {
	var count int
	for batch := range r.Rewards.ReadTape(0, -1) {
		count += batch.NumPresent()
	}
	return count
}

// MeanReward computes the mean total reward of the
// sequences.
func (r *RolloutSet) MeanReward(c anyvec.Creator) float64 {
	return MeanReward(c, r.Rewards)
}

// Trajectories splits the set back into trajectories.
//
// Each sequence is treated as a single task, so the last
// step of every sequence ends both the task and the
// episode.
func (r *RolloutSet) Trajectories(c anyvec.Creator) []*Trajectory {
	prevObs := tapeSequences(c, r.PrevObs)
	nextObs := tapeSequences(c, r.NextObs)
	actions := tapeSequences(c, r.Actions)
	rewards := tapeSequences(c, r.Rewards)
	dones := tapeSequences(c, r.DoneEpisodes)

	var res []*Trajectory
	for i, rewSeq := range rewards {
		n := len(rewSeq)
		t := &Trajectory{
			PrevObs:     prevObs[i],
			NextObs:     nextObs[i],
			Actions:     actions[i],
			Masks:       make([]float64, n+1),
			BadMasks:    make([]float64, n+1),
			DoneTask:    make([]bool, n+1),
			DoneEpisode: make([]bool, n+1),
		}
		if r.Tasks != nil {
			t.Task = r.Tasks[i]
		}
		t.Masks[0] = 1
		t.BadMasks[0] = 1
		for step, rew := range rewSeq {
			t.Rewards = append(t.Rewards, rew[0])
			t.BadMasks[step+1] = 1
			if dones[i][step][0] != 0 {
				t.DoneEpisode[step+1] = true
			} else {
				t.Masks[step+1] = 1
			}
		}
		if n > 0 {
			t.DoneTask[n] = true
			t.DoneEpisode[n] = true
			t.Masks[n] = 0
		}
		res = append(res, t)
	}
	return res
}

// AddRolloutSet adds every sequence of r to the storage.
// It returns the number of trajectories that were kept.
func (v *VAEStorage) AddRolloutSet(r *RolloutSet) (added int, err error) {
	defer essentials.AddCtxTo("add rollout set", &err)
	for _, t := range r.Trajectories(v.creator) {
		ok, err := v.Add(t)
		if err != nil {
			return added, err
		}
		if ok {
			added++
		}
	}
	return added, nil
}

// tapeSequences reads a tape into [sequence][step][dim].
func tapeSequences(c anyvec.Creator, tape lazyseq.Tape) [][][]float64 {
	var res [][][]float64
	for batch := range tape.ReadTape(0, -1) {
		if res == nil {
			res = make([][][]float64, len(batch.Present))
		}
		n := batch.NumPresent()
		if n == 0 {
			continue
		}
		data := c.Float64Slice(batch.Packed.Data())
		dim := len(data) / n
		for i, pres := range batch.Present {
			if pres {
				res[i] = append(res[i], data[:dim])
				data = data[dim:]
			}
		}
	}
	return res
}
