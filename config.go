package metarl

import (
	"errors"
	"fmt"
)

// ErrNotImplemented is returned when a configuration
// selects an option that is recognized but not
// supported.
var ErrNotImplemented = errors.New("not implemented")

// ValueLoss selects how the critic is trained.
type ValueLoss int

const (
	SquaredValueLoss ValueLoss = iota
	ClippedSquaredValueLoss
	HuberValueLoss
	ClippedHuberValueLoss
)

// ValueLossFor selects a ValueLoss from flags.
func ValueLossFor(huber, clipped bool) ValueLoss {
	switch {
	case huber && clipped:
		return ClippedHuberValueLoss
	case huber:
		return HuberValueLoss
	case clipped:
		return ClippedSquaredValueLoss
	default:
		return SquaredValueLoss
	}
}

// Clipped checks if the loss clips value predictions
// around the old predictions.
func (v ValueLoss) Clipped() bool {
	return v == ClippedSquaredValueLoss || v == ClippedHuberValueLoss
}

// Huber checks if the loss uses the Huber penalty.
func (v ValueLoss) Huber() bool {
	return v == HuberValueLoss || v == ClippedHuberValueLoss
}

// StatePredType is the likelihood model for states.
type StatePredType string

const (
	DeterministicState StatePredType = "deterministic"
	GaussianState      StatePredType = "gaussian"
)

// RewardPredType is the likelihood model for rewards.
type RewardPredType string

const (
	DeterministicReward RewardPredType = "deterministic"
	BernoulliReward     RewardPredType = "bernoulli"
	CategoricalReward   RewardPredType = "categorical"
)

// TaskPredType selects what task information is
// predicted.
type TaskPredType string

const (
	TaskDescription TaskPredType = "task_description"
	TaskID          TaskPredType = "task_id"
)

// NStepValueLoss is the loss used for n-step value
// prediction.
type NStepValueLoss string

const (
	HuberNStepLoss  NStepValueLoss = "huber"
	ReturnNStepLoss NStepValueLoss = "norm2_ret"
	ValueNStepLoss  NStepValueLoss = "norm2_val"
)

// PPOConfig configures the policy optimizer.
type PPOConfig struct {
	Optimizer OptimizerKind
	LR        float64
	Eps       float64

	ClipParam     float64
	Epochs        int
	NumMiniBatch  int
	ValueLossCoef float64
	EntropyCoef   float64

	UseHuberLoss        bool
	UseClippedValueLoss bool

	// MaxGradNorm is the gradient clipping threshold.
	// If 0, gradients are not clipped.
	MaxGradNorm float64

	// AnnealLR linearly decays learning rates to 0
	// over TrainSteps updates.
	AnnealLR   bool
	TrainSteps int

	// RLLossThroughEncoder trains the encoder with the
	// policy loss ("joint mode").
	RLLossThroughEncoder bool

	// Intrinsic enables a random network distillation
	// loss for curiosity bonuses.
	Intrinsic bool

	// SampleEmbeddings feeds the latent sample to the
	// policy instead of the mean and log-variance.
	SampleEmbeddings bool

	AddNonlinearityToLatent bool
}

// ValueLoss returns the configured value loss.
func (p *PPOConfig) ValueLoss() ValueLoss {
	return ValueLossFor(p.UseHuberLoss, p.UseClippedValueLoss)
}

// VAEConfig configures the task inference objective.
type VAEConfig struct {
	LR            float64
	BatchNumTrajs int

	// SubsampleElbos is the number of ELBO terms to
	// keep per trajectory.
	// If 0, every term is used.
	SubsampleElbos int

	// SubsampleDecodes is the number of decode targets
	// to keep per ELBO term.
	// If 0, every target is used.
	SubsampleDecodes int

	AvgElboTerms           bool
	AvgReconstructionTerms bool
	AvgNStepPrediction     bool

	// DecodeOnlyPast restricts reconstruction to the
	// timesteps that the latent has already seen.
	DecodeOnlyPast bool

	DecodeReward bool
	DecodeState  bool
	DecodeTask   bool
	DecodeAction bool

	DisableDecoder       bool
	DisableStochasticity bool
	KLToGaussPrior       bool

	RewPredType   RewardPredType
	StatePredType StatePredType
	TaskPredType  TaskPredType

	// NPrediction is the number of extra horizons
	// predicted by n-step decoders.
	NPrediction int

	NStepStatePrediction  bool
	NStepRewardPrediction bool
	NStepActionPrediction bool

	// DiscountNPrediction weighs horizon i by
	// DiscountNPrediction^i.
	// If 0, horizons are weighted equally.
	DiscountNPrediction float64

	RewLossCoeff    float64
	StateLossCoeff  float64
	TaskLossCoeff   float64
	ActionLossCoeff float64
	KLWeight        float64

	// VAELossCoeff weighs the VAE loss in joint mode.
	VAELossCoeff float64

	// NumVAEUpdates is the number of separate VAE
	// steps after each policy update.
	NumVAEUpdates int

	FillJustWithExploration bool

	BufferSize       int
	AddThresh        float64
	ReadyThreshold   int
	MaxTrajectoryLen int

	// TBPTTStepSize is the truncation length when
	// recomputing embeddings.
	// If 0, gradients flow through whole sequences.
	TBPTTStepSize int

	// UseLevel3 decodes from the third encoder level
	// instead of the latent.
	UseLevel3 bool

	// ResidualLatent concatenates the latent to the
	// third level output.
	ResidualLatent bool
}

// ValuePredictionConfig configures the n-step value
// prediction loss.
type ValuePredictionConfig struct {
	Enabled bool
	Coeff   float64
	Loss    NStepValueLoss
}

// MemoryConfig configures the associative memory.
type MemoryConfig struct {
	Enabled bool
	Hebbian bool

	// HebbLR is the fast weight learning rate.
	HebbLR float64

	ReconstructionLoss bool
	ReconstructionCoef float64

	// WeightNormCoef weighs the norm of the Hebbian
	// meta-parameters.
	WeightNormCoef float64

	// MetaLR is the learning rate of the Hebbian
	// meta-parameters.
	MetaLR float64
}

// Config is the complete training configuration.
type Config struct {
	PPO             PPOConfig
	VAE             VAEConfig
	ValuePrediction ValuePredictionConfig
	Memory          MemoryConfig
	Returns         ReturnConfig

	// LogInterval is the number of updates between
	// logged loss values.
	LogInterval int
}

// DefaultConfig creates a reasonable configuration.
func DefaultConfig() *Config {
	return &Config{
		PPO: PPOConfig{
			Optimizer:           AdamOptimizer,
			LR:                  7e-4,
			Eps:                 1e-8,
			ClipParam:           0.1,
			Epochs:              2,
			NumMiniBatch:        4,
			ValueLossCoef:       0.5,
			EntropyCoef:         0.01,
			UseHuberLoss:        true,
			UseClippedValueLoss: true,
			MaxGradNorm:         0.5,
			SampleEmbeddings:    false,
		},
		VAE: VAEConfig{
			LR:                     1e-3,
			BatchNumTrajs:          25,
			AvgElboTerms:           false,
			AvgReconstructionTerms: false,
			DecodeReward:           true,
			RewPredType:            DeterministicReward,
			StatePredType:          DeterministicState,
			TaskPredType:           TaskDescription,
			RewLossCoeff:           1,
			StateLossCoeff:         1,
			TaskLossCoeff:          1,
			ActionLossCoeff:        1,
			KLWeight:               1,
			VAELossCoeff:           1,
			NumVAEUpdates:          3,
			BufferSize:             10000,
			AddThresh:              1,
			ReadyThreshold:         1,
			MaxTrajectoryLen:       100,
		},
		ValuePrediction: ValuePredictionConfig{
			Coeff: 1,
			Loss:  HuberNStepLoss,
		},
		Memory: MemoryConfig{
			HebbLR:             0.1,
			ReconstructionCoef: 1,
			WeightNormCoef:     1e-4,
			MetaLR:             1e-3,
		},
		Returns: ReturnConfig{
			Gamma:  0.95,
			Tau:    0.95,
			UseGAE: true,
		},
		LogInterval: 10,
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	for _, check := range []func() error{
		c.PPO.validate,
		c.VAE.validate,
		c.validateValuePrediction,
		c.Memory.validate,
		c.validateReturns,
	} {
		if err := check(); err != nil {
			return err
		}
	}
	if c.LogInterval <= 0 {
		return errors.New("log interval must be positive")
	}
	return nil
}

func (p *PPOConfig) validate() error {
	if err := p.Optimizer.validate(); err != nil {
		return fmt.Errorf("policy optimizer: %w", err)
	}
	switch {
	case p.LR <= 0:
		return errors.New("policy learning rate must be positive")
	case p.Eps < 0:
		return errors.New("optimizer epsilon must be non-negative")
	case p.ClipParam <= 0:
		return errors.New("clip parameter must be positive")
	case p.Epochs <= 0:
		return errors.New("number of epochs must be positive")
	case p.NumMiniBatch <= 0:
		return errors.New("number of minibatches must be positive")
	case p.MaxGradNorm < 0:
		return errors.New("max gradient norm must be non-negative")
	case p.AnnealLR && p.TrainSteps <= 0:
		return errors.New("learning rate annealing requires a number of train steps")
	}
	return nil
}

func (v *VAEConfig) validate() error {
	switch {
	case v.LR <= 0:
		return errors.New("VAE learning rate must be positive")
	case v.BatchNumTrajs <= 0:
		return errors.New("VAE batch size must be positive")
	case v.SubsampleElbos < 0 || v.SubsampleDecodes < 0:
		return errors.New("subsample sizes must be non-negative")
	case v.DecodeOnlyPast && v.SubsampleDecodes > 0:
		return errors.New("decoding only the past is incompatible with decode subsampling")
	case v.NPrediction < 0:
		return errors.New("n-step prediction horizon must be non-negative")
	case v.DiscountNPrediction < 0 || v.DiscountNPrediction > 1:
		return errors.New("n-step discount must be in [0, 1]")
	case v.DisableDecoder && (v.DecodeReward || v.DecodeState || v.DecodeTask ||
		v.DecodeAction):
		return errors.New("cannot decode with the decoder disabled")
	case v.BufferSize <= 0:
		return errors.New("VAE buffer size must be positive")
	case v.AddThresh <= 0 || v.AddThresh > 1:
		return errors.New("VAE add threshold must be in (0, 1]")
	case v.ReadyThreshold <= 0:
		return errors.New("VAE ready threshold must be positive")
	case v.MaxTrajectoryLen <= 0:
		return errors.New("max trajectory length must be positive")
	case v.TBPTTStepSize < 0:
		return errors.New("TBPTT step size must be non-negative")
	case v.ResidualLatent && !v.UseLevel3:
		return errors.New("residual latent requires decoding from level 3")
	case v.NumVAEUpdates < 0:
		return errors.New("number of VAE updates must be non-negative")
	}
	switch v.StatePredType {
	case DeterministicState, GaussianState:
	default:
		return fmt.Errorf("unknown state prediction type: %q", v.StatePredType)
	}
	switch v.RewPredType {
	case DeterministicReward, BernoulliReward:
	case CategoricalReward:
		return fmt.Errorf("reward prediction type %q: %w", v.RewPredType,
			ErrNotImplemented)
	default:
		return fmt.Errorf("unknown reward prediction type: %q", v.RewPredType)
	}
	switch v.TaskPredType {
	case TaskDescription, TaskID:
	default:
		return fmt.Errorf("unknown task prediction type: %q", v.TaskPredType)
	}
	return nil
}

func (c *Config) validateValuePrediction() error {
	v := &c.ValuePrediction
	if !v.Enabled {
		return nil
	}
	switch v.Loss {
	case HuberNStepLoss, ReturnNStepLoss, ValueNStepLoss:
	default:
		return fmt.Errorf("unknown n-step value loss: %q", v.Loss)
	}
	if c.VAE.DecodeOnlyPast {
		return errors.New("n-step value prediction is incompatible with decoding only the past")
	}
	if c.VAE.NPrediction <= 0 {
		return errors.New("n-step value prediction requires a positive horizon")
	}
	return nil
}

func (m *MemoryConfig) validate() error {
	if !m.Enabled && (m.Hebbian || m.ReconstructionLoss) {
		return errors.New("memory options require memory to be enabled")
	}
	if m.Hebbian && m.MetaLR <= 0 {
		return errors.New("Hebbian meta learning rate must be positive")
	}
	if m.WeightNormCoef < 0 || m.ReconstructionCoef < 0 {
		return errors.New("memory loss coefficients must be non-negative")
	}
	return nil
}

func (c *Config) validateReturns() error {
	r := &c.Returns
	if r.Gamma < 0 || r.Gamma > 1 {
		return errors.New("discount factor must be in [0, 1]")
	}
	if r.Tau < 0 || r.Tau > 1 {
		return errors.New("GAE lambda must be in [0, 1]")
	}
	return nil
}
