package training

import (
	"bytes"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/tsawler/go-tabular/layers"
)

func TestConfusionMatrix(t *testing.T) {
	cm := NewConfusionMatrix(3)
	require.NoError(t, cm.Update([]int{0, 0, 1, 1, 2, 2}, []int{0, 1, 1, 1, 2, 0}))

	assert.Equal(t, [][]int{{1, 1, 0}, {0, 2, 0}, {1, 0, 1}}, cm.Matrix)
	assert.Equal(t, 6, cm.TotalSamples)
	assert.InDelta(t, 4.0/6.0, cm.GetAccuracy(), 1e-12)

	// precision: 1/2, 2/3, 1/1; recall: 1/2, 2/2, 1/2
	precision := (0.5 + 2.0/3.0 + 1) / 3
	recall := (0.5 + 1 + 0.5) / 3
	assert.InDelta(t, precision, cm.GetMetric(MacroPrecision), 1e-12)
	assert.InDelta(t, recall, cm.GetMetric(MacroRecall), 1e-12)
	assert.InDelta(t, 2*precision*recall/(precision+recall), cm.GetMetric(MacroF1), 1e-12)
	assert.Contains(t, cm.String(), "true\\pred")

	cm.Reset()
	assert.Equal(t, 0, cm.TotalSamples)
	assert.Equal(t, 0.0, cm.GetAccuracy())
}

func TestConfusionMatrixErrors(t *testing.T) {
	cm := NewConfusionMatrix(2)
	assert.ErrorIs(t, cm.Update([]int{0}, []int{0, 1}), ErrInvalidData)
	assert.ErrorIs(t, cm.Update([]int{2}, []int{0}), ErrLabelRange)
}

func TestArgMaxAndAccuracy(t *testing.T) {
	probs := mat.NewDense(3, 3, []float64{
		0.7, 0.2, 0.1,
		0.1, 0.1, 0.8,
		0.3, 0.4, 0.3,
	})
	assert.Equal(t, []int{0, 2, 1}, ArgMax(probs))
	assert.InDelta(t, 2.0/3.0, CategoricalAccuracy(probs, []int{0, 2, 2}), 1e-12)
	assert.Equal(t, 0.0, CategoricalAccuracy(probs, nil))
}

func TestSparseCategoricalCrossEntropy(t *testing.T) {
	ce := NewSparseCategoricalCrossEntropy()
	probs := mat.NewDense(2, 3, []float64{0.5, 0.25, 0.25, 0, 0, 1})

	loss, err := ce.Forward(probs, []int{0, 2})
	require.NoError(t, err)
	want := (-math.Log(0.5) - math.Log(1-1e-7)) / 2
	assert.InDelta(t, want, loss, 1e-12)

	// zero probability is clipped rather than producing +Inf
	loss, err = ce.Forward(probs, []int{1, 0})
	require.NoError(t, err)
	assert.False(t, math.IsInf(loss, 0))

	grad, err := ce.Backward(probs, []int{0, 2})
	require.NoError(t, err)
	assert.InDelta(t, -1.0, grad.At(0, 0), 1e-12)
	assert.Equal(t, 0.0, grad.At(0, 1))

	_, err = ce.Forward(probs, []int{0})
	assert.ErrorIs(t, err, ErrInvalidData)
	_, err = ce.Forward(probs, []int{0, 3})
	assert.ErrorIs(t, err, ErrLabelRange)
}

func TestAdamStep(t *testing.T) {
	p := newParameter("w", 1, 2)
	copy(p.Value.RawMatrix().Data, []float64{1, -1})
	adam := NewDefaultAdam([]*Parameter{p})

	copy(p.Grad.RawMatrix().Data, []float64{0.5, -2})
	require.NoError(t, adam.Step())

	// first step moves every weight by lr against the gradient sign
	assert.InDelta(t, 1-0.001, p.Value.At(0, 0), 1e-6)
	assert.InDelta(t, -1+0.001, p.Value.At(0, 1), 1e-6)
	assert.EqualValues(t, 1, adam.Steps())

	adam.ZeroGrad()
	assert.Equal(t, []float64{0, 0}, p.Grad.RawMatrix().Data)

	adam.SetLR(0.01)
	assert.Equal(t, 0.01, adam.GetLR())
}

func TestSGDStep(t *testing.T) {
	p := newParameter("w", 1, 1)
	p.Value.Set(0, 0, 1)
	sgd := NewSGD([]*Parameter{p}, 0.1, 0.9, 0)

	p.Grad.Set(0, 0, 1)
	require.NoError(t, sgd.Step())
	assert.InDelta(t, 0.9, p.Value.At(0, 0), 1e-12)

	require.NoError(t, sgd.Step())
	// velocity 0.9*1 + 1 = 1.9
	assert.InDelta(t, 0.9-0.19, p.Value.At(0, 0), 1e-12)
}

func TestModelSoftmaxOutput(t *testing.T) {
	for _, width := range []int{1, 2, 7, 21} {
		m := testModel(t, width, 10, 3, 42)
		X := mat.NewDense(4, width, nil)
		rng := rand.New(rand.NewSource(int64(width)))
		for i := 0; i < 4; i++ {
			for j := 0; j < width; j++ {
				X.Set(i, j, rng.NormFloat64())
			}
		}
		probs, err := m.Predict(X)
		require.NoError(t, err)
		r, c := probs.Dims()
		require.Equal(t, 4, r)
		require.Equal(t, 3, c)
		for i := 0; i < r; i++ {
			assert.InDelta(t, 1.0, mat.Sum(probs.RowView(i)), 1e-9)
		}
	}
}

func TestNewModelRejectsUncompiledSpec(t *testing.T) {
	_, err := NewModel(&layers.ModelSpec{}, rand.New(rand.NewSource(1)))
	assert.Error(t, err)
	_, err = NewModel(nil, rand.New(rand.NewSource(1)))
	assert.Error(t, err)
}

func TestArchitecturePrinter(t *testing.T) {
	var b bytes.Buffer
	m := testModel(t, 4, 10, 3, 1)
	NewModelArchitecturePrinter("FetalHealthClassifier").PrintArchitecture(&b, m.Spec)
	out := b.String()
	assert.Contains(t, out, "(dense_1): Linear(in_features=4, out_features=10, bias=true)")
	assert.Contains(t, out, "(softmax): Softmax(dim=-1)")
	assert.Contains(t, out, "Total parameters: 193")
}
