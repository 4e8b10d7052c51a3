package metarl

import (
	"errors"

	"github.com/unixpickle/anyvec"
)

// A TaskEnv is an Env which can describe the task it is
// currently running.
type TaskEnv interface {
	Env
	Task() []float64
}

// MetaEnv is a meta-learning environment in which each
// task runs for NumRuns episodes of a contained
// environment.
//
// Step only reports done once the final episode of the
// task has ended.
// Episode boundaries within a task can be queried with
// EpisodeDone.
type MetaEnv struct {
	Env

	// NumRuns is the number of times to run Env in each
	// meta-episode.
	NumRuns int

	runsRemaining int
	episodeDone   bool
	timeLimited   bool
}

// Reset starts a new task.
func (m *MetaEnv) Reset() (obs anyvec.Vector, err error) {
	m.runsRemaining = m.NumRuns
	m.episodeDone = false
	m.timeLimited = false
	return m.Env.Reset()
}

// Step takes a step in the environment.
//
// When an inner episode ends before the task does, the
// contained environment is reset and the returned
// observation is the first one of the next episode.
func (m *MetaEnv) Step(act anyvec.Vector) (obs anyvec.Vector, rew float64,
	done bool, err error) {
	if m.runsRemaining <= 0 {
		err = errors.New("step: done sub-episodes in meta-environment")
		return
	}
	obs, rew, done, err = m.Env.Step(act)
	if err != nil {
		return
	}
	m.episodeDone = done
	m.timeLimited = false
	if done {
		if tl, ok := m.Env.(*MaxStepsEnv); ok {
			m.timeLimited = tl.TimeLimited()
		}
		m.runsRemaining--
		done = m.runsRemaining == 0
		if !done {
			obs, err = m.Env.Reset()
		}
	}
	return
}

// EpisodeDone checks if the last step ended an episode
// of the contained environment.
func (m *MetaEnv) EpisodeDone() bool {
	return m.episodeDone
}

// TimeLimited checks if the last step ended an episode
// because of a time limit.
func (m *MetaEnv) TimeLimited() bool {
	return m.timeLimited
}

// Task returns the contained environment's task, or nil
// if it does not describe its task.
func (m *MetaEnv) Task() []float64 {
	if t, ok := m.Env.(TaskEnv); ok {
		return t.Task()
	}
	if ms, ok := m.Env.(*MaxStepsEnv); ok {
		if t, ok := ms.Env.(TaskEnv); ok {
			return t.Task()
		}
	}
	return nil
}

// MaxStepsEnv wraps an Env and ends episodes early if
// they run longer than MaxSteps timesteps.
type MaxStepsEnv struct {
	Env
	MaxSteps int

	steps       int
	timeLimited bool
}

// Reset resets the environment.
func (m *MaxStepsEnv) Reset() (anyvec.Vector, error) {
	m.steps = 0
	m.timeLimited = false
	return m.Env.Reset()
}

// Step takes a step in the environment.
func (m *MaxStepsEnv) Step(action anyvec.Vector) (anyvec.Vector, float64, bool, error) {
	obs, rew, done, err := m.Env.Step(action)
	m.steps++
	m.timeLimited = false
	if m.steps == m.MaxSteps && !done {
		done = true
		m.timeLimited = true
	}
	return obs, rew, done, err
}

// TimeLimited checks if the last step ended the episode
// only because of the step limit.
func (m *MaxStepsEnv) TimeLimited() bool {
	return m.timeLimited
}
