package metarl

import (
	"fmt"

	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anynet/anysgd"
	"github.com/unixpickle/anyvec"
)

// OptimizerKind selects a gradient transformation.
type OptimizerKind string

const (
	AdamOptimizer    OptimizerKind = "adam"
	SGDOptimizer     OptimizerKind = "sgd"
	RMSPropOptimizer OptimizerKind = "rmsprop"
)

func (o OptimizerKind) validate() error {
	switch o {
	case AdamOptimizer, SGDOptimizer, RMSPropOptimizer:
		return nil
	default:
		return fmt.Errorf("unknown optimizer: %q", o)
	}
}

// A Schedule scales a learning rate based on the number
// of times the schedule has been stepped.
type Schedule interface {
	Factor(steps int) float64
}

// LinearDecay decays the learning rate linearly to zero
// over TrainSteps steps.
type LinearDecay struct {
	TrainSteps int
}

// Factor returns 1 - steps/TrainSteps.
func (l LinearDecay) Factor(steps int) float64 {
	return 1 - float64(steps)/float64(l.TrainSteps)
}

// StepDecay multiplies the learning rate by Gamma every
// StepSize steps.
type StepDecay struct {
	StepSize int
	Gamma    float64
}

// Factor returns Gamma^(steps/StepSize).
func (s StepDecay) Factor(steps int) float64 {
	res := 1.0
	for i := 0; i < steps/s.StepSize; i++ {
		res *= s.Gamma
	}
	return res
}

// An Optimizer applies gradients to a fixed set of
// parameters.
//
// Several Optimizers may share a single anydiff.Grad,
// each one only using the entries for its parameters.
type Optimizer struct {
	Params []*anydiff.Var

	// Transformer, if non-nil, transforms gradients
	// before they are applied.
	Transformer anysgd.Transformer

	LR float64

	// Schedule, if non-nil, scales LR.
	Schedule Schedule

	scheduleSteps int
}

// NewOptimizer creates an Optimizer of the given kind.
func NewOptimizer(kind OptimizerKind, params []*anydiff.Var, lr,
	eps float64) (*Optimizer, error) {
	if err := kind.validate(); err != nil {
		return nil, err
	}
	res := &Optimizer{Params: params, LR: lr}
	switch kind {
	case AdamOptimizer:
		res.Transformer = &anysgd.Adam{Damping: eps}
	case RMSPropOptimizer:
		res.Transformer = &anysgd.RMSProp{DecayRate: 0.99, Damping: eps}
	}
	return res, nil
}

// CurrentLR returns the scheduled learning rate.
func (o *Optimizer) CurrentLR() float64 {
	if o.Schedule == nil {
		return o.LR
	}
	return o.LR * o.Schedule.Factor(o.scheduleSteps)
}

// StepSchedule advances the learning rate schedule.
func (o *Optimizer) StepSchedule() {
	o.scheduleSteps++
}

// Step applies the part of g that corresponds to the
// optimizer's parameters.
//
// The gradient is treated as a gradient of a loss to be
// minimized.
func (o *Optimizer) Step(g anydiff.Grad) {
	sub := Subgrad(g, o.Params)
	if len(sub) == 0 {
		return
	}
	if o.Transformer != nil {
		sub = o.Transformer.Transform(sub)
	}
	var c anyvec.Creator
	for _, v := range sub {
		c = v.Creator()
		break
	}
	sub.Scale(c.MakeNumeric(-o.CurrentLR()))
	sub.AddToVars()
}

// Subgrad extracts the entries of g for the given
// parameters.
func Subgrad(g anydiff.Grad, params []*anydiff.Var) anydiff.Grad {
	res := anydiff.Grad{}
	for _, p := range params {
		if v, ok := g[p]; ok {
			res[p] = v
		}
	}
	return res
}
