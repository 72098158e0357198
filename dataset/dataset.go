// Package dataset loads labeled tabular data from CSV sources into a
// FeatureMatrix and an aligned label vector.
package dataset

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/mat"
)

const (
	// DefaultSource is the fetal health CSV used when no source is given.
	DefaultSource = "https://raw.githubusercontent.com/renansantosmendes/lectures-cdas-2023/master/fetal_health_reduced.csv"

	// DefaultLabelColumn is the target column of DefaultSource.
	DefaultLabelColumn = "fetal_health"
)

var (
	// ErrSource is returned when a source cannot be opened or read.
	ErrSource = errors.New("dataset: source unavailable")

	// ErrMalformed is returned when a source does not have the expected shape.
	ErrMalformed = errors.New("dataset: malformed source")
)

// FeatureMatrix is a rectangular table of named numeric feature columns.
// Row i describes the same sample as label i of the vector it was loaded with.
type FeatureMatrix struct {
	Columns []string
	Data    *mat.Dense
}

// NewFeatureMatrix wraps row-major data in a FeatureMatrix.
func NewFeatureMatrix(columns []string, rows int, data []float64) (*FeatureMatrix, error) {
	if len(columns) == 0 || rows == 0 {
		return nil, fmt.Errorf("%w: empty feature table", ErrMalformed)
	}
	if len(data) != rows*len(columns) {
		return nil, fmt.Errorf("%w: %d values for %d rows x %d columns", ErrMalformed, len(data), rows, len(columns))
	}
	cols := make([]string, len(columns))
	copy(cols, columns)
	return &FeatureMatrix{
		Columns: cols,
		Data:    mat.NewDense(rows, len(columns), data),
	}, nil
}

// Rows returns the number of samples.
func (fm *FeatureMatrix) Rows() int {
	if fm == nil || fm.Data == nil {
		return 0
	}
	r, _ := fm.Data.Dims()
	return r
}

// Width returns the number of feature columns.
func (fm *FeatureMatrix) Width() int {
	if fm == nil {
		return 0
	}
	return len(fm.Columns)
}

// SelectRows returns a new FeatureMatrix holding the given rows in order.
func (fm *FeatureMatrix) SelectRows(idx []int) *FeatureMatrix {
	out := mat.NewDense(len(idx), fm.Width(), nil)
	for i, r := range idx {
		out.SetRow(i, fm.Data.RawRowView(r))
	}
	cols := make([]string, len(fm.Columns))
	copy(cols, fm.Columns)
	return &FeatureMatrix{Columns: cols, Data: out}
}

// Head returns up to n rows as plain slices, used for input examples.
func (fm *FeatureMatrix) Head(n int) [][]float64 {
	if n > fm.Rows() {
		n = fm.Rows()
	}
	rows := make([][]float64, n)
	for i := 0; i < n; i++ {
		rows[i] = mat.Row(nil, i, fm.Data)
	}
	return rows
}
