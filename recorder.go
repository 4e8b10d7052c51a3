package metarl

// A TrajectoryBuilder accumulates the transitions of a
// single task.
type TrajectoryBuilder struct {
	traj *Trajectory
}

// NewTrajectoryBuilder starts a trajectory for a task.
func NewTrajectoryBuilder(task []float64) *TrajectoryBuilder {
	return &TrajectoryBuilder{
		traj: &Trajectory{
			Task:        task,
			Masks:       []float64{1},
			BadMasks:    []float64{1},
			DoneTask:    []bool{false},
			DoneEpisode: []bool{false},
		},
	}
}

// Add records a transition.
func (t *TrajectoryBuilder) Add(prevObs, action []float64, reward float64,
	nextObs []float64, episodeDone, taskDone, timeLimited bool) {
	tr := t.traj
	tr.PrevObs = append(tr.PrevObs, prevObs)
	tr.Actions = append(tr.Actions, action)
	tr.Rewards = append(tr.Rewards, reward)
	tr.NextObs = append(tr.NextObs, nextObs)

	mask, badMask := 1.0, 1.0
	if episodeDone || taskDone {
		mask = 0
	}
	if timeLimited {
		badMask = 0
	}
	tr.Masks = append(tr.Masks, mask)
	tr.BadMasks = append(tr.BadMasks, badMask)
	tr.DoneEpisode = append(tr.DoneEpisode, episodeDone || taskDone)
	tr.DoneTask = append(tr.DoneTask, taskDone)
}

// Len returns the number of recorded transitions.
func (t *TrajectoryBuilder) Len() int {
	return t.traj.Len()
}

// Trajectory returns the recorded trajectory.
func (t *TrajectoryBuilder) Trajectory() *Trajectory {
	return t.traj
}
