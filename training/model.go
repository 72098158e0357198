package training

import (
	"context"
	"errors"
	"fmt"
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"github.com/tsawler/go-tabular/checkpoints"
	"github.com/tsawler/go-tabular/layers"
)

var (
	// ErrInvalidData reports absent, empty, or mis-shaped training inputs.
	ErrInvalidData = errors.New("invalid training data")
	// ErrLabelRange reports a label outside [0, classes).
	ErrLabelRange = errors.New("label out of range")
)

// Model is a compiled network: layer specification, executable modules,
// objective, optimizer, and the history of the last fit.
type Model struct {
	Spec      *layers.ModelSpec
	Network   *Sequential
	Loss      Loss
	Optimizer Optimizer
	Metrics   []string
	History   *History

	// Normalization, when set, is stored alongside the weights in
	// checkpoints so the scaling can be reproduced at inference time.
	Normalization *checkpoints.Normalization

	// StopTraining is set by callbacks to end Fit after the current epoch.
	StopTraining bool
}

// NewModel instantiates the modules described by spec, drawing initial
// weights from rng, and compiles it with sparse categorical cross-entropy,
// Adam and the accuracy metric.
func NewModel(spec *layers.ModelSpec, rng *rand.Rand) (*Model, error) {
	if spec == nil || !spec.Compiled {
		return nil, fmt.Errorf("model spec must be compiled")
	}
	network := NewSequential()
	for _, l := range spec.Layers {
		switch l.Type {
		case layers.Dense:
			in := layers.GetIntParam(l.Parameters, "input_size", 0)
			out := layers.GetIntParam(l.Parameters, "output_size", 0)
			dense, err := NewDense(l.Name, in, out, layers.GetBoolParam(l.Parameters, "use_bias", true), rng)
			if err != nil {
				return nil, err
			}
			network.Add(dense)
		case layers.ReLU:
			network.Add(NewReLU())
		case layers.Tanh:
			network.Add(NewTanh())
		case layers.Sigmoid:
			network.Add(NewSigmoid())
		case layers.Softmax:
			network.Add(NewSoftmax())
		default:
			return nil, fmt.Errorf("unsupported layer type: %s", l.Type.String())
		}
	}

	m := &Model{Spec: spec, Network: network}
	m.Compile(NewSparseCategoricalCrossEntropy(), NewDefaultAdam(network.Parameters()), "accuracy")
	return m, nil
}

// Compile replaces the objective, optimizer and tracked metrics.
func (m *Model) Compile(loss Loss, opt Optimizer, metrics ...string) {
	m.Loss = loss
	m.Optimizer = opt
	m.Metrics = metrics
}

// NumClasses is the width of the output layer.
func (m *Model) NumClasses() int {
	return m.Spec.OutputSize()
}

// Predict returns one probability row per input row.
func (m *Model) Predict(X mat.Matrix) (*mat.Dense, error) {
	if err := m.checkInput(X); err != nil {
		return nil, err
	}
	m.Network.Eval()
	return m.Network.Forward(mat.DenseCopyOf(X))
}

// Evaluate returns the mean loss and accuracy over X.
func (m *Model) Evaluate(X mat.Matrix, y []int) (loss, accuracy float64, err error) {
	probs, err := m.Predict(X)
	if err != nil {
		return 0, 0, err
	}
	loss, err = m.Loss.Forward(probs, y)
	if err != nil {
		return 0, 0, err
	}
	return loss, CategoricalAccuracy(probs, y), nil
}

// Fit trains the model with a fresh Trainer. See Trainer.Train.
func (m *Model) Fit(ctx context.Context, X mat.Matrix, y []int, config TrainingConfig) (*History, error) {
	return NewTrainer(m, config).Train(ctx, X, y)
}

func (m *Model) checkInput(X mat.Matrix) error {
	if X == nil {
		return fmt.Errorf("%w: nil input", ErrInvalidData)
	}
	r, c := X.Dims()
	if r == 0 {
		return fmt.Errorf("%w: no rows", ErrInvalidData)
	}
	if c != m.Spec.InputSize() {
		return fmt.Errorf("%w: input width %d, model expects %d", ErrInvalidData, c, m.Spec.InputSize())
	}
	return nil
}

// DenseLayers returns the Dense modules in network order.
func (m *Model) DenseLayers() []*Dense {
	var out []*Dense
	for _, mod := range m.Network.Modules() {
		if d, ok := mod.(*Dense); ok {
			out = append(out, d)
		}
	}
	return out
}

// snapshot copies every parameter value.
func (m *Model) snapshot() [][]float64 {
	params := m.Network.Parameters()
	out := make([][]float64, len(params))
	for i, p := range params {
		out[i] = append([]float64(nil), p.Value.RawMatrix().Data...)
	}
	return out
}

func (m *Model) restore(snap [][]float64) {
	for i, p := range m.Network.Parameters() {
		copy(p.Value.RawMatrix().Data, snap[i])
	}
}

// Weights exports the parameters as named float32 tensors.
func (m *Model) Weights() []checkpoints.WeightTensor {
	var out []checkpoints.WeightTensor
	for _, d := range m.DenseLayers() {
		for _, p := range d.Parameters() {
			kind := "weight"
			shape := []int{p.Value.RawMatrix().Rows, p.Value.RawMatrix().Cols}
			if p == d.Bias() {
				kind = "bias"
				shape = []int{shape[1]}
			}
			src := p.Value.RawMatrix().Data
			data := make([]float32, len(src))
			for i, v := range src {
				data[i] = float32(v)
			}
			out = append(out, checkpoints.WeightTensor{
				Name:  p.Name,
				Shape: shape,
				Data:  data,
				Layer: d.Name(),
				Type:  kind,
			})
		}
	}
	return out
}

// SetWeights loads named tensors into the matching parameters.
func (m *Model) SetWeights(weights []checkpoints.WeightTensor) error {
	byName := make(map[string]checkpoints.WeightTensor, len(weights))
	for _, w := range weights {
		byName[w.Name] = w
	}
	for _, p := range m.Network.Parameters() {
		w, ok := byName[p.Name]
		if !ok {
			return fmt.Errorf("missing weights for parameter %s", p.Name)
		}
		dst := p.Value.RawMatrix().Data
		if len(w.Data) != len(dst) {
			return fmt.Errorf("parameter %s has %d values, checkpoint has %d", p.Name, len(dst), len(w.Data))
		}
		for i, v := range w.Data {
			dst[i] = float64(v)
		}
	}
	return nil
}

// Checkpoint captures the model together with the given training state.
func (m *Model) Checkpoint(state checkpoints.TrainingState) *checkpoints.Checkpoint {
	if state.LearningRate == 0 && m.Optimizer != nil {
		state.LearningRate = float32(m.Optimizer.GetLR())
	}
	return &checkpoints.Checkpoint{
		ModelSpec:     m.Spec,
		Weights:       m.Weights(),
		TrainingState: state,
		Normalization: m.Normalization,
	}
}

// FromCheckpoint rebuilds a model and loads its weights.
func FromCheckpoint(ckpt *checkpoints.Checkpoint) (*Model, error) {
	if err := ckpt.Validate(); err != nil {
		return nil, err
	}
	// Initial values are overwritten by SetWeights.
	m, err := NewModel(ckpt.ModelSpec, rand.New(rand.NewSource(0)))
	if err != nil {
		return nil, err
	}
	if err := m.SetWeights(ckpt.Weights); err != nil {
		return nil, err
	}
	m.Normalization = ckpt.Normalization
	return m, nil
}
