package metarl

import (
	"fmt"

	gym "github.com/openai/gym-http-api/binding-go"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/essentials"
)

// Env is an instance of an RL environment.
type Env interface {
	Reset() (observation anyvec.Vector, err error)
	Step(action anyvec.Vector) (observation anyvec.Vector,
		reward float64, done bool, err error)
}

// A SizedEnv is an Env which knows the sizes of its
// observation and action vectors.
type SizedEnv interface {
	Env
	ObsSize() int
	ActionSize() int

	// Discrete checks if actions are one-hot vectors.
	Discrete() bool
}

type gymEnv struct {
	client *gym.Client
	id     gym.InstanceID
	render bool

	actions      *gymSpace
	observations *gymSpace
}

// GymEnv creates a SizedEnv from an OpenAI Gym instance.
//
// Box and Discrete spaces are supported.
// Discrete observations are converted to one-hot vectors,
// and one-hot actions are converted to their index.
func GymEnv(c anyvec.Creator, client *gym.Client, id gym.InstanceID,
	render bool) (env SizedEnv, err error) {
	defer essentials.AddCtxTo("create gym Env", &err)
	actSpace, err := client.ActionSpace(id)
	if err != nil {
		return nil, err
	}
	obsSpace, err := client.ObservationSpace(id)
	if err != nil {
		return nil, err
	}
	res := &gymEnv{client: client, id: id, render: render}
	if res.actions, err = newGymSpace(c, actSpace); err != nil {
		return nil, essentials.AddCtx("action space", err)
	}
	if res.observations, err = newGymSpace(c, obsSpace); err != nil {
		return nil, essentials.AddCtx("observation space", err)
	}
	return res, nil
}

func (g *gymEnv) ObsSize() int {
	return g.observations.Size
}

func (g *gymEnv) ActionSize() int {
	return g.actions.Size
}

func (g *gymEnv) Discrete() bool {
	return g.actions.Discrete
}

func (g *gymEnv) Reset() (obs anyvec.Vector, err error) {
	defer essentials.AddCtxTo("reset gym Env", &err)
	rawObs, err := g.client.Reset(g.id)
	if err != nil {
		return nil, err
	}
	return g.observations.Decode(rawObs)
}

func (g *gymEnv) Step(action anyvec.Vector) (obs anyvec.Vector, reward float64,
	done bool, err error) {
	defer essentials.AddCtxTo("step gym Env", &err)
	rawObs, reward, done, _, err := g.client.Step(g.id, g.actions.Encode(action),
		g.render)
	if err != nil {
		return nil, 0, false, err
	}
	obs, err = g.observations.Decode(rawObs)
	return obs, reward, done, err
}

// gymSpace converts between gym values and flat vectors.
type gymSpace struct {
	Creator  anyvec.Creator
	Discrete bool

	// Size is the flat vector size, which is the number
	// of options for a discrete space.
	Size int
}

func newGymSpace(c anyvec.Creator, s *gym.Space) (*gymSpace, error) {
	switch s.Name {
	case "Discrete":
		return &gymSpace{Creator: c, Discrete: true, Size: s.N}, nil
	case "Box":
		size := 1
		for _, x := range s.Shape {
			size *= x
		}
		return &gymSpace{Creator: c, Size: size}, nil
	default:
		return nil, fmt.Errorf("unsupported space: %s", s.Name)
	}
}

// Encode converts a vector to a gym value.
func (g *gymSpace) Encode(vec anyvec.Vector) interface{} {
	if g.Discrete {
		return anyvec.MaxIndex(vec)
	}
	return g.Creator.Float64Slice(vec.Data())
}

// Decode converts a gym value to a vector.
func (g *gymSpace) Decode(val interface{}) (anyvec.Vector, error) {
	var data []float64
	if g.Discrete {
		idx, ok := scalarValue(val)
		if !ok {
			return nil, fmt.Errorf("unexpected discrete value: %T", val)
		}
		if idx < 0 || int(idx) >= g.Size {
			return nil, fmt.Errorf("discrete value out of bounds: %v", idx)
		}
		data = make([]float64, g.Size)
		data[int(idx)] = 1
	} else {
		var err error
		data, err = flattenValue(val, nil)
		if err != nil {
			return nil, err
		}
		if len(data) != g.Size {
			return nil, fmt.Errorf("expected %d values but got %d", g.Size, len(data))
		}
	}
	return g.Creator.MakeVectorData(g.Creator.MakeNumericList(data)), nil
}

// flattenValue appends the numbers in a nested gym value
// to dst, in row-major order.
func flattenValue(val interface{}, dst []float64) ([]float64, error) {
	if x, ok := scalarValue(val); ok {
		return append(dst, x), nil
	}
	switch val := val.(type) {
	case []float64:
		return append(dst, val...), nil
	case [][]float64:
		for _, row := range val {
			dst = append(dst, row...)
		}
		return dst, nil
	case [][][]float64:
		for _, mat := range val {
			for _, row := range mat {
				dst = append(dst, row...)
			}
		}
		return dst, nil
	case []interface{}:
		var err error
		for _, x := range val {
			if dst, err = flattenValue(x, dst); err != nil {
				return nil, err
			}
		}
		return dst, nil
	default:
		return nil, fmt.Errorf("unexpected observation type: %T", val)
	}
}

func scalarValue(val interface{}) (float64, bool) {
	switch val := val.(type) {
	case int:
		return float64(val), true
	case float64:
		return val, true
	default:
		return 0, false
	}
}
