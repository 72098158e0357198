// Package preprocessing prepares a loaded dataset for training: feature
// standardization, a seeded train/test split and label remapping.
package preprocessing

import (
	"errors"
	"fmt"
	"math"

	"github.com/tsawler/go-tabular/dataset"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

var (
	ErrEmptyFeatures  = errors.New("preprocessing: feature table is empty")
	ErrNoLabels       = errors.New("preprocessing: label column is absent")
	ErrLengthMismatch = errors.New("preprocessing: feature and label row counts differ")
	ErrBadFraction    = errors.New("preprocessing: test fraction must be in (0, 1)")
	ErrLabelRange     = errors.New("preprocessing: label below zero after remapping")
	ErrNotFitted      = errors.New("preprocessing: scaler is not fitted")
)

// StandardScaler rescales each column to zero mean and unit variance using
// the population standard deviation.
type StandardScaler struct {
	Mean  []float64 `json:"mean"`
	Scale []float64 `json:"scale"`
}

// NewStandardScaler creates an unfitted scaler.
func NewStandardScaler() *StandardScaler {
	return &StandardScaler{}
}

// Fit computes per-column statistics. Constant columns get a scale of 1.
func (s *StandardScaler) Fit(fm *dataset.FeatureMatrix) error {
	if fm.Rows() == 0 || fm.Width() == 0 {
		return ErrEmptyFeatures
	}
	cols := fm.Width()
	s.Mean = make([]float64, cols)
	s.Scale = make([]float64, cols)

	col := make([]float64, fm.Rows())
	for j := 0; j < cols; j++ {
		mat.Col(col, j, fm.Data)
		mean := stat.Mean(col, nil)
		std := math.Sqrt(stat.MomentAbout(2, col, mean, nil))
		if std == 0 || math.IsNaN(std) {
			std = 1
		}
		s.Mean[j] = mean
		s.Scale[j] = std
	}
	return nil
}

// Transform returns a standardized copy of fm.
func (s *StandardScaler) Transform(fm *dataset.FeatureMatrix) (*dataset.FeatureMatrix, error) {
	if len(s.Mean) == 0 {
		return nil, ErrNotFitted
	}
	if fm.Rows() == 0 {
		return nil, ErrEmptyFeatures
	}
	if fm.Width() != len(s.Mean) {
		return nil, fmt.Errorf("preprocessing: scaler fitted on %d columns, got %d", len(s.Mean), fm.Width())
	}

	out := mat.DenseCopyOf(fm.Data)
	out.Apply(func(_, j int, v float64) float64 {
		return (v - s.Mean[j]) / s.Scale[j]
	}, out)

	cols := make([]string, len(fm.Columns))
	copy(cols, fm.Columns)
	return &dataset.FeatureMatrix{Columns: cols, Data: out}, nil
}

// FitTransform fits the scaler on fm and returns the transformed table.
func (s *StandardScaler) FitTransform(fm *dataset.FeatureMatrix) (*dataset.FeatureMatrix, error) {
	if err := s.Fit(fm); err != nil {
		return nil, err
	}
	return s.Transform(fm)
}
