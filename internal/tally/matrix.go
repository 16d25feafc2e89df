// Package tally turns images into per-sample label-area histograms.
//
// A tally is an N x K matrix: one row per sampled image, one column per
// segmentation label, each cell the fraction of that image's pixels assigned
// to the label. Rows follow sampling order.
package tally

import "fmt"

// Matrix is a dense row-major matrix of float64 values. Unlike gonum's
// mat.Dense it may have zero rows.
type Matrix struct {
	Rows int
	Cols int
	Data []float64
}

// NewMatrix allocates a zero-filled rows x cols matrix.
func NewMatrix(rows, cols int) *Matrix {
	return &Matrix{Rows: rows, Cols: cols, Data: make([]float64, rows*cols)}
}

// MatrixFrom wraps data as a rows x cols matrix without copying.
func MatrixFrom(rows, cols int, data []float64) (*Matrix, error) {
	if rows < 0 || cols < 0 || len(data) != rows*cols {
		return nil, fmt.Errorf("%w: %d values for a %dx%d matrix", ErrShapeMismatch, len(data), rows, cols)
	}
	return &Matrix{Rows: rows, Cols: cols, Data: data}, nil
}

// Row returns row i as a slice aliasing the matrix storage.
func (m *Matrix) Row(i int) []float64 {
	return m.Data[i*m.Cols : (i+1)*m.Cols]
}

// Scaled returns a copy of m with every value multiplied by s.
func (m *Matrix) Scaled(s float64) *Matrix {
	out := NewMatrix(m.Rows, m.Cols)
	for i, v := range m.Data {
		out.Data[i] = v * s
	}
	return out
}

// ColumnMeans returns the mean of each column. A matrix with no rows has
// all-zero means.
func (m *Matrix) ColumnMeans() []float64 {
	means := make([]float64, m.Cols)
	if m.Rows == 0 {
		return means
	}
	for i := 0; i < m.Rows; i++ {
		for j, v := range m.Row(i) {
			means[j] += v
		}
	}
	for j := range means {
		means[j] /= float64(m.Rows)
	}
	return means
}
