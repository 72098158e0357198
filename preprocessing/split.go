package preprocessing

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/tsawler/go-tabular/dataset"
)

const (
	DefaultTestFraction = 0.3
	DefaultSeed         = 42
	DefaultLabelOffset  = 1
)

// TrainTestSplit returns train and test row indices for n rows. The rows are
// permuted with a generator seeded by seed and the first ceil(n*testFraction)
// rows of the permutation form the test set.
func TrainTestSplit(n int, testFraction float64, seed int64) (train, test []int, err error) {
	if testFraction <= 0 || testFraction >= 1 || math.IsNaN(testFraction) {
		return nil, nil, ErrBadFraction
	}
	if n < 2 {
		return nil, nil, fmt.Errorf("preprocessing: need at least 2 rows to split, got %d", n)
	}

	nTest := int(math.Ceil(float64(n) * testFraction))
	if nTest >= n {
		nTest = n - 1
	}

	perm := rand.New(rand.NewSource(seed)).Perm(n)
	test = append([]int(nil), perm[:nTest]...)
	train = append([]int(nil), perm[nTest:]...)
	return train, test, nil
}

// RemapLabels subtracts offset from every label, turning a 1..K encoding
// into 0..K-1 when offset is 1.
func RemapLabels(labels []int, offset int) ([]int, error) {
	if labels == nil {
		return nil, ErrNoLabels
	}
	out := make([]int, len(labels))
	for i, v := range labels {
		if v < offset {
			return nil, fmt.Errorf("%w: row %d has label %d", ErrLabelRange, i, v)
		}
		out[i] = v - offset
	}
	return out, nil
}

// ProcessOptions configures Process. A zero TestFraction or LabelOffset
// selects the default; Seed is always used as given.
type ProcessOptions struct {
	TestFraction float64
	Seed         int64
	LabelOffset  int
	// SkipRemap leaves labels untouched; LabelOffset is ignored when set.
	SkipRemap bool
}

// Split is the output of Process.
type Split struct {
	TrainX *dataset.FeatureMatrix
	TestX  *dataset.FeatureMatrix
	TrainY []int
	TestY  []int
	Scaler *StandardScaler
}

// Process standardizes features, splits rows into train and test sets and
// remaps labels to a zero-based range.
//
// The scaler is fitted on the full table before the split, so test rows
// contribute to the statistics applied to training rows.
func Process(features *dataset.FeatureMatrix, labels []int, opts ProcessOptions) (*Split, error) {
	if features == nil || features.Rows() == 0 || features.Width() == 0 {
		return nil, ErrEmptyFeatures
	}
	if labels == nil {
		return nil, ErrNoLabels
	}
	if features.Rows() != len(labels) {
		return nil, fmt.Errorf("%w: %d rows, %d labels", ErrLengthMismatch, features.Rows(), len(labels))
	}
	if opts.TestFraction == 0 {
		opts.TestFraction = DefaultTestFraction
	}
	if opts.LabelOffset == 0 && !opts.SkipRemap {
		opts.LabelOffset = DefaultLabelOffset
	}

	scaler := NewStandardScaler()
	scaled, err := scaler.FitTransform(features)
	if err != nil {
		return nil, err
	}

	y := labels
	if !opts.SkipRemap {
		if y, err = RemapLabels(labels, opts.LabelOffset); err != nil {
			return nil, err
		}
	}

	trainIdx, testIdx, err := TrainTestSplit(features.Rows(), opts.TestFraction, opts.Seed)
	if err != nil {
		return nil, err
	}

	return &Split{
		TrainX: scaled.SelectRows(trainIdx),
		TestX:  scaled.SelectRows(testIdx),
		TrainY: pick(y, trainIdx),
		TestY:  pick(y, testIdx),
		Scaler: scaler,
	}, nil
}

func pick(values []int, idx []int) []int {
	out := make([]int, len(idx))
	for i, j := range idx {
		out[i] = values[j]
	}
	return out
}
