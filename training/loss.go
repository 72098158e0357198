package training

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Loss interface for all loss functions. predicted holds one probability
// row per sample; labels are class indices.
type Loss interface {
	Forward(predicted *mat.Dense, labels []int) (float64, error)
	Backward(predicted *mat.Dense, labels []int) (*mat.Dense, error)
}

// SparseCategoricalCrossEntropy is the mean negative log-likelihood of the
// true class under already-normalized probabilities.
type SparseCategoricalCrossEntropy struct {
	Epsilon float64 // probabilities are clipped to [Epsilon, 1-Epsilon]
}

// NewSparseCategoricalCrossEntropy creates the loss with epsilon 1e-7.
func NewSparseCategoricalCrossEntropy() *SparseCategoricalCrossEntropy {
	return &SparseCategoricalCrossEntropy{Epsilon: 1e-7}
}

func (ce *SparseCategoricalCrossEntropy) clip(p float64) float64 {
	return math.Min(math.Max(p, ce.Epsilon), 1-ce.Epsilon)
}

// Forward computes the mean loss over the batch
func (ce *SparseCategoricalCrossEntropy) Forward(predicted *mat.Dense, labels []int) (float64, error) {
	if err := checkLabels(predicted, labels); err != nil {
		return 0, err
	}
	total := 0.0
	for i, y := range labels {
		total -= math.Log(ce.clip(predicted.At(i, y)))
	}
	return total / float64(len(labels)), nil
}

// Backward returns dL/dp: -1/(n·p_y) at the true class, zero elsewhere.
func (ce *SparseCategoricalCrossEntropy) Backward(predicted *mat.Dense, labels []int) (*mat.Dense, error) {
	if err := checkLabels(predicted, labels); err != nil {
		return nil, err
	}
	r, c := predicted.Dims()
	grad := mat.NewDense(r, c, nil)
	n := float64(len(labels))
	for i, y := range labels {
		grad.Set(i, y, -1/(ce.clip(predicted.At(i, y))*n))
	}
	return grad, nil
}

func checkLabels(predicted *mat.Dense, labels []int) error {
	r, c := predicted.Dims()
	if r != len(labels) {
		return fmt.Errorf("%w: %d predictions for %d labels", ErrInvalidData, r, len(labels))
	}
	if r == 0 {
		return fmt.Errorf("%w: empty batch", ErrInvalidData)
	}
	for i, y := range labels {
		if y < 0 || y >= c {
			return fmt.Errorf("%w: label %d at row %d outside [0, %d)", ErrLabelRange, y, i, c)
		}
	}
	return nil
}
