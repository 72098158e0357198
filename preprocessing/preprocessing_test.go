package preprocessing

import (
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tsawler/go-tabular/dataset"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

func sampleTable(t *testing.T) (*dataset.FeatureMatrix, []int) {
	t.Helper()
	fm, err := dataset.NewFeatureMatrix([]string{"feature1", "feature2"}, 5, []float64{
		1, 6,
		2, 7,
		3, 8,
		4, 9,
		5, 10,
	})
	require.NoError(t, err)
	return fm, []int{1, 1, 2, 3, 2}
}

func TestStandardScalerZeroMeanUnitVariance(t *testing.T) {
	fm, _ := sampleTable(t)

	scaled, err := NewStandardScaler().FitTransform(fm)
	require.NoError(t, err)

	col := make([]float64, scaled.Rows())
	for j := 0; j < scaled.Width(); j++ {
		mat.Col(col, j, scaled.Data)
		mean := stat.Mean(col, nil)
		assert.InDelta(t, 0, mean, 1e-12)
		assert.InDelta(t, 1, math.Sqrt(stat.MomentAbout(2, col, mean, nil)), 1e-12)
	}
	// The input table is left untouched.
	assert.Equal(t, 1.0, fm.Data.At(0, 0))
}

func TestStandardScalerConstantColumn(t *testing.T) {
	fm, err := dataset.NewFeatureMatrix([]string{"c"}, 3, []float64{4, 4, 4})
	require.NoError(t, err)

	scaled, err := NewStandardScaler().FitTransform(fm)
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 0, 0}, mat.Col(nil, 0, scaled.Data))
}

func TestStandardScalerErrors(t *testing.T) {
	_, err := NewStandardScaler().Transform(&dataset.FeatureMatrix{})
	require.ErrorIs(t, err, ErrNotFitted)

	require.ErrorIs(t, NewStandardScaler().Fit(&dataset.FeatureMatrix{}), ErrEmptyFeatures)
}

func TestTrainTestSplitDeterministic(t *testing.T) {
	for _, f := range []float64{0.1, 0.3, 0.5, 0.9} {
		for _, seed := range []int64{1, 42, 1234} {
			train1, test1, err := TrainTestSplit(50, f, seed)
			require.NoError(t, err)
			train2, test2, err := TrainTestSplit(50, f, seed)
			require.NoError(t, err)

			assert.Empty(t, cmp.Diff(train1, train2))
			assert.Empty(t, cmp.Diff(test1, test2))
			assert.Equal(t, int(math.Ceil(50*f)), len(test1))
			assert.Len(t, append(train1, test1...), 50)
		}
	}
}

func TestTrainTestSplitPartitionsAllRows(t *testing.T) {
	train, test, err := TrainTestSplit(20, 0.3, 42)
	require.NoError(t, err)

	seen := make(map[int]bool)
	for _, i := range append(train, test...) {
		require.False(t, seen[i], "row %d assigned twice", i)
		seen[i] = true
	}
	assert.Len(t, seen, 20)
}

func TestTrainTestSplitRejectsBadFraction(t *testing.T) {
	for _, f := range []float64{0, 1, -0.5, 1.5, math.NaN()} {
		_, _, err := TrainTestSplit(10, f, 42)
		require.ErrorIs(t, err, ErrBadFraction)
	}
}

func TestRemapLabels(t *testing.T) {
	labels := []int{1, 1, 2, 3, 2}
	remapped, err := RemapLabels(labels, 1)
	require.NoError(t, err)

	for i, v := range remapped {
		assert.Equal(t, labels[i]-1, v)
		assert.True(t, v >= 0 && v <= 2)
	}
	assert.Equal(t, []int{1, 1, 2, 3, 2}, labels, "input must not be modified")

	_, err = RemapLabels([]int{0}, 1)
	require.ErrorIs(t, err, ErrLabelRange)

	_, err = RemapLabels([]int{1, math.MinInt64, 2}, 1)
	require.ErrorIs(t, err, ErrLabelRange)

	_, err = RemapLabels(nil, 1)
	require.ErrorIs(t, err, ErrNoLabels)
}

func TestProcess(t *testing.T) {
	fm, labels := sampleTable(t)

	split, err := Process(fm, labels, ProcessOptions{TestFraction: 0.4, Seed: 7})
	require.NoError(t, err)

	assert.Equal(t, 2, split.TestX.Rows())
	assert.Equal(t, 3, split.TrainX.Rows())
	assert.Len(t, split.TestY, 2)
	assert.Len(t, split.TrainY, 3)
	for _, y := range append(split.TrainY, split.TestY...) {
		assert.True(t, y >= 0 && y <= 2)
	}

	again, err := Process(fm, labels, ProcessOptions{TestFraction: 0.4, Seed: 7})
	require.NoError(t, err)
	assert.True(t, mat.Equal(split.TrainX.Data, again.TrainX.Data))
	assert.Equal(t, split.TestY, again.TestY)
}

func TestProcessUsesSeedZero(t *testing.T) {
	fm, labels := sampleTable(t)

	split, err := Process(fm, labels, ProcessOptions{TestFraction: 0.4, Seed: 0})
	require.NoError(t, err)

	_, testIdx, err := TrainTestSplit(fm.Rows(), 0.4, 0)
	require.NoError(t, err)
	want := make([]int, len(testIdx))
	for i, j := range testIdx {
		want[i] = labels[j] - 1
	}
	assert.Equal(t, want, split.TestY)
}

func TestProcessErrors(t *testing.T) {
	fm, labels := sampleTable(t)

	_, err := Process(nil, labels, ProcessOptions{})
	require.ErrorIs(t, err, ErrEmptyFeatures)

	_, err = Process(fm, nil, ProcessOptions{})
	require.ErrorIs(t, err, ErrNoLabels)

	_, err = Process(fm, labels[:3], ProcessOptions{})
	require.ErrorIs(t, err, ErrLengthMismatch)
}
