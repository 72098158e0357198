package training

import (
	"fmt"
	"strings"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// MetricType represents different evaluation metrics
type MetricType int

const (
	Accuracy MetricType = iota
	MacroPrecision
	MacroRecall
	MacroF1
)

func (mt MetricType) String() string {
	switch mt {
	case Accuracy:
		return "accuracy"
	case MacroPrecision:
		return "macro_precision"
	case MacroRecall:
		return "macro_recall"
	case MacroF1:
		return "macro_f1"
	default:
		return fmt.Sprintf("unknown(%d)", int(mt))
	}
}

// ArgMax returns the index of the largest value in each row.
func ArgMax(probs mat.Matrix) []int {
	r, c := probs.Dims()
	out := make([]int, r)
	row := make([]float64, c)
	for i := 0; i < r; i++ {
		mat.Row(row, i, probs)
		out[i] = floats.MaxIdx(row)
	}
	return out
}

// CategoricalAccuracy is the fraction of rows whose arg-max matches the label.
func CategoricalAccuracy(probs mat.Matrix, labels []int) float64 {
	if len(labels) == 0 {
		return 0
	}
	correct := 0
	for i, p := range ArgMax(probs) {
		if p == labels[i] {
			correct++
		}
	}
	return float64(correct) / float64(len(labels))
}

// ConfusionMatrix represents a confusion matrix for classification tasks
type ConfusionMatrix struct {
	NumClasses   int
	Matrix       [][]int // [true_class][predicted_class]
	TotalSamples int
}

// NewConfusionMatrix creates a new confusion matrix
func NewConfusionMatrix(numClasses int) *ConfusionMatrix {
	matrix := make([][]int, numClasses)
	for i := range matrix {
		matrix[i] = make([]int, numClasses)
	}
	return &ConfusionMatrix{
		NumClasses: numClasses,
		Matrix:     matrix,
	}
}

// Reset clears the confusion matrix
func (cm *ConfusionMatrix) Reset() {
	for i := range cm.Matrix {
		for j := range cm.Matrix[i] {
			cm.Matrix[i][j] = 0
		}
	}
	cm.TotalSamples = 0
}

// Update adds one count per (true, predicted) pair.
func (cm *ConfusionMatrix) Update(trueLabels, predicted []int) error {
	if len(trueLabels) != len(predicted) {
		return fmt.Errorf("%w: %d labels for %d predictions", ErrInvalidData, len(trueLabels), len(predicted))
	}
	for i, t := range trueLabels {
		p := predicted[i]
		if t < 0 || t >= cm.NumClasses || p < 0 || p >= cm.NumClasses {
			return fmt.Errorf("%w: pair (%d, %d) outside %d classes", ErrLabelRange, t, p, cm.NumClasses)
		}
		cm.Matrix[t][p]++
		cm.TotalSamples++
	}
	return nil
}

// UpdateFromPredictions takes the arg-max of every probability row.
func (cm *ConfusionMatrix) UpdateFromPredictions(probs mat.Matrix, trueLabels []int) error {
	return cm.Update(trueLabels, ArgMax(probs))
}

// GetMetric returns the requested metric
func (cm *ConfusionMatrix) GetMetric(metric MetricType) float64 {
	switch metric {
	case Accuracy:
		return cm.GetAccuracy()
	case MacroPrecision:
		return cm.calculateMacroPrecision()
	case MacroRecall:
		return cm.calculateMacroRecall()
	case MacroF1:
		return cm.calculateMacroF1()
	default:
		return 0
	}
}

// Classes with no predicted (precision) or no true (recall) samples are
// left out of the macro average.
func (cm *ConfusionMatrix) calculateMacroPrecision() float64 {
	sum := 0.0
	validClasses := 0
	for class := 0; class < cm.NumClasses; class++ {
		tp := float64(cm.Matrix[class][class])
		predicted := 0.0
		for other := 0; other < cm.NumClasses; other++ {
			predicted += float64(cm.Matrix[other][class])
		}
		if predicted > 0 {
			sum += tp / predicted
			validClasses++
		}
	}
	if validClasses == 0 {
		return 0.0
	}
	return sum / float64(validClasses)
}

func (cm *ConfusionMatrix) calculateMacroRecall() float64 {
	sum := 0.0
	validClasses := 0
	for class := 0; class < cm.NumClasses; class++ {
		tp := float64(cm.Matrix[class][class])
		actual := 0.0
		for other := 0; other < cm.NumClasses; other++ {
			actual += float64(cm.Matrix[class][other])
		}
		if actual > 0 {
			sum += tp / actual
			validClasses++
		}
	}
	if validClasses == 0 {
		return 0.0
	}
	return sum / float64(validClasses)
}

func (cm *ConfusionMatrix) calculateMacroF1() float64 {
	precision := cm.calculateMacroPrecision()
	recall := cm.calculateMacroRecall()
	if precision+recall == 0 {
		return 0.0
	}
	return 2 * (precision * recall) / (precision + recall)
}

// GetAccuracy returns overall classification accuracy
func (cm *ConfusionMatrix) GetAccuracy() float64 {
	if cm.TotalSamples == 0 {
		return 0.0
	}
	correct := 0
	for i := 0; i < cm.NumClasses; i++ {
		correct += cm.Matrix[i][i]
	}
	return float64(correct) / float64(cm.TotalSamples)
}

// String renders the matrix with true classes as rows.
func (cm *ConfusionMatrix) String() string {
	var b strings.Builder
	b.WriteString("true\\pred")
	for j := 0; j < cm.NumClasses; j++ {
		fmt.Fprintf(&b, "\t%d", j)
	}
	b.WriteByte('\n')
	for i, row := range cm.Matrix {
		fmt.Fprintf(&b, "%d", i)
		for _, v := range row {
			fmt.Fprintf(&b, "\t%d", v)
		}
		b.WriteByte('\n')
	}
	return b.String()
}
