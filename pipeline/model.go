// Package pipeline wires the stages of the fetal health classifier: load,
// preprocess, build, train under a tracking run, and evaluate.
package pipeline

import (
	"errors"
	"fmt"
	"math/rand"

	"github.com/tsawler/go-tabular/dataset"
	"github.com/tsawler/go-tabular/layers"
	"github.com/tsawler/go-tabular/training"
)

// DefaultSeed is the seed BuildModel uses when given a nil generator.
const DefaultSeed = 42

// ErrInvalidInputWidth is returned when the model input width is not
// positive or no feature matrix is given.
var ErrInvalidInputWidth = errors.New("invalid input width")

// NewRNG returns the generator used for weight initialization. Every seed,
// zero included, is used as given.
func NewRNG(seed int64) *rand.Rand {
	return rand.New(rand.NewSource(seed))
}

// ModelConfig shapes the classifier built by BuildModel. Zero fields take
// the defaults of DefaultModelConfig.
type ModelConfig struct {
	HiddenUnits  int
	Activation   string
	NumClasses   int
	LearningRate float64
}

// DefaultModelConfig is two hidden layers of 10 relu units over 3 classes,
// trained with Adam at 0.001.
func DefaultModelConfig() ModelConfig {
	return ModelConfig{
		HiddenUnits:  10,
		Activation:   "relu",
		NumClasses:   3,
		LearningRate: 0.001,
	}
}

func (c ModelConfig) withDefaults() ModelConfig {
	d := DefaultModelConfig()
	if c.HiddenUnits <= 0 {
		c.HiddenUnits = d.HiddenUnits
	}
	if c.Activation == "" {
		c.Activation = d.Activation
	}
	if c.NumClasses <= 0 {
		c.NumClasses = d.NumClasses
	}
	if c.LearningRate <= 0 {
		c.LearningRate = d.LearningRate
	}
	return c
}

// BuildModel returns a compiled classifier for inputs of width features:
//
//	Dense(h) -> act -> Dense(h) -> act -> Dense(K) -> Softmax
//
// Weights are Glorot uniform draws from rng and biases start at zero, so
// the same width, config and seed give identical initial weights. A nil
// rng behaves like NewRNG(DefaultSeed).
func BuildModel(inputWidth int, cfg ModelConfig, rng *rand.Rand) (*training.Model, error) {
	if inputWidth <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidInputWidth, inputWidth)
	}
	cfg = cfg.withDefaults()
	act, err := layers.ParseActivation(cfg.Activation)
	if err != nil {
		return nil, err
	}
	if rng == nil {
		rng = NewRNG(DefaultSeed)
	}

	spec, err := layers.NewModelBuilder([]int{-1, inputWidth}).
		AddDense(cfg.HiddenUnits, true, "dense").
		AddActivation(act, "activation").
		AddDense(cfg.HiddenUnits, true, "dense_1").
		AddActivation(act, "activation_1").
		AddDense(cfg.NumClasses, true, "dense_2").
		AddSoftmax(-1, "softmax").
		Compile()
	if err != nil {
		return nil, fmt.Errorf("failed to compile model: %w", err)
	}

	model, err := training.NewModel(spec, rng)
	if err != nil {
		return nil, fmt.Errorf("failed to create model: %w", err)
	}
	params := model.Network.Parameters()
	model.Compile(
		training.NewSparseCategoricalCrossEntropy(),
		training.NewAdam(params, cfg.LearningRate, 0.9, 0.999, 1e-7, 0),
		"accuracy",
	)
	return model, nil
}

// BuildModelFor sizes the model from the width of X.
func BuildModelFor(X *dataset.FeatureMatrix, cfg ModelConfig, rng *rand.Rand) (*training.Model, error) {
	if X == nil || X.Data == nil {
		return nil, fmt.Errorf("%w: no feature matrix", ErrInvalidInputWidth)
	}
	return BuildModel(X.Width(), cfg, rng)
}
