package metarl

import (
	"testing"

	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/anyvec/anyvec64"
)

type countingEnv struct {
	episodeLen int
	steps      int
}

func (c *countingEnv) Reset() (anyvec.Vector, error) {
	c.steps = 0
	return anyvec64.DefaultCreator{}.MakeVector(1), nil
}

func (c *countingEnv) Step(act anyvec.Vector) (anyvec.Vector, float64, bool, error) {
	c.steps++
	return anyvec64.DefaultCreator{}.MakeVector(1), 1, c.steps == c.episodeLen, nil
}

func (c *countingEnv) Task() []float64 {
	return []float64{float64(c.episodeLen)}
}

func TestMetaEnvBoundaries(t *testing.T) {
	env := &MetaEnv{Env: &countingEnv{episodeLen: 2}, NumRuns: 2}
	if _, err := env.Reset(); err != nil {
		t.Fatal(err)
	}
	act := anyvec64.DefaultCreator{}.MakeVector(1)
	expectedEpisode := []bool{false, true, false, true}
	expectedTask := []bool{false, false, false, true}
	for i := range expectedEpisode {
		_, _, done, err := env.Step(act)
		if err != nil {
			t.Fatal(err)
		}
		if env.EpisodeDone() != expectedEpisode[i] || done != expectedTask[i] {
			t.Errorf("step %d: episode=%v task=%v", i, env.EpisodeDone(), done)
		}
	}
	if _, _, _, err := env.Step(act); err == nil {
		t.Error("expected error after the task ended")
	}
	if task := env.Task(); len(task) != 1 || task[0] != 2 {
		t.Errorf("unexpected task: %v", task)
	}
}

func TestMaxStepsEnvTimeLimit(t *testing.T) {
	env := &MetaEnv{
		Env:     &MaxStepsEnv{Env: &countingEnv{episodeLen: 10}, MaxSteps: 3},
		NumRuns: 1,
	}
	env.Reset()
	act := anyvec64.DefaultCreator{}.MakeVector(1)
	for i := 0; i < 3; i++ {
		_, _, done, _ := env.Step(act)
		if done != (i == 2) || env.TimeLimited() != (i == 2) {
			t.Errorf("step %d: done=%v limited=%v", i, done, env.TimeLimited())
		}
	}
	if task := env.Task(); len(task) != 1 || task[0] != 10 {
		t.Errorf("unexpected task: %v", task)
	}
}
