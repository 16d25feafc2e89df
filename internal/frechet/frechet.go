// Package frechet estimates the Fréchet distance between two sets of samples
// by fitting a Gaussian to each:
//
//	d² = |μ₁ − μ₂|² + Tr(Σ₁ + Σ₂ − 2·(Σ₁Σ₂)^½)
//
// The mean term measures a shift in location, the covariance term a change in
// spread and correlation. Both are reported alongside the total.
package frechet

import (
	"errors"
	"fmt"
	"math"

	"github.com/Brownie44l1/segdist/internal/tally"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

var (
	ErrDimensionMismatch = errors.New("sample dimensions differ")
	ErrEmpty             = errors.New("samples have no columns")
	ErrEigenFailed       = errors.New("eigendecomposition failed")
	ErrSVDFailed         = errors.New("singular value decomposition failed")
)

// epsilon is the float64 machine epsilon.
const epsilon = 0x1p-52

// Result is a Fréchet distance and the two terms it is the sum of.
type Result struct {
	Distance      float64
	MeanComponent float64
	CovComponent  float64
}

// Gaussian is the mean and covariance fitted to a sample matrix.
type Gaussian struct {
	Mean []float64
	Cov  *mat.SymDense
}

// Fit estimates the column means and the unbiased (n−1) covariance of the
// rows of m. Fewer than two rows give a zero covariance.
func Fit(m *tally.Matrix) (Gaussian, error) {
	if m.Cols == 0 {
		return Gaussian{}, ErrEmpty
	}
	g := Gaussian{
		Mean: m.ColumnMeans(),
		Cov:  mat.NewSymDense(m.Cols, nil),
	}
	if m.Rows < 2 {
		return g, nil
	}
	// Copy so the caller's matrix is never aliased by gonum.
	data := make([]float64, len(m.Data))
	copy(data, m.Data)
	stat.CovarianceMatrix(g.Cov, mat.NewDense(m.Rows, m.Cols, data), nil)
	return g, nil
}

// Distance computes the Fréchet distance between the row distributions of a
// and b. Neither input is modified.
func Distance(a, b *tally.Matrix) (Result, error) {
	if a.Cols != b.Cols {
		return Result{}, fmt.Errorf("%w: %d vs %d", ErrDimensionMismatch, a.Cols, b.Cols)
	}
	ga, err := Fit(a)
	if err != nil {
		return Result{}, err
	}
	gb, err := Fit(b)
	if err != nil {
		return Result{}, err
	}
	return Between(ga, gb)
}

// Between computes the Fréchet distance between two fitted Gaussians.
func Between(a, b Gaussian) (Result, error) {
	if len(a.Mean) != len(b.Mean) {
		return Result{}, fmt.Errorf("%w: %d vs %d", ErrDimensionMismatch, len(a.Mean), len(b.Mean))
	}

	var meanDiff float64
	for i := range a.Mean {
		d := a.Mean[i] - b.Mean[i]
		meanDiff += d * d
	}

	cross, err := traceSqrtProduct(a.Cov, b.Cov)
	if err != nil {
		return Result{}, err
	}
	covDiff := mat.Trace(a.Cov) + mat.Trace(b.Cov) - 2*cross

	return Result{
		Distance:      meanDiff + covDiff,
		MeanComponent: meanDiff,
		CovComponent:  covDiff,
	}, nil
}

// traceSqrtProduct returns Tr((AB)^½) for symmetric positive semi-definite A
// and B. AB is similar to (A^½ B^½)(A^½ B^½)ᵀ, so the trace is the sum of the
// singular values of A^½ B^½. Summing singular values avoids taking square
// roots of rounding noise, which would inflate it to about √ε.
func traceSqrtProduct(a, b *mat.SymDense) (float64, error) {
	sqrtA, err := sqrtSym(a)
	if err != nil {
		return 0, err
	}
	sqrtB, err := sqrtSym(b)
	if err != nil {
		return 0, err
	}

	var prod mat.Dense
	prod.Mul(sqrtA, sqrtB)

	var svd mat.SVD
	if ok := svd.Factorize(&prod, mat.SVDNone); !ok {
		return 0, ErrSVDFailed
	}
	values := svd.Values(nil)
	cutoff := negligible(values)
	var sum float64
	for _, v := range values {
		if v > cutoff {
			sum += v
		}
	}
	return sum, nil
}

// sqrtSym returns the principal square root of a symmetric positive
// semi-definite matrix. Eigenvalues at or below the rounding level of the
// largest one are treated as 0.
func sqrtSym(a *mat.SymDense) (*mat.Dense, error) {
	var eig mat.EigenSym
	if ok := eig.Factorize(a, true); !ok {
		return nil, ErrEigenFailed
	}
	values := eig.Values(nil)
	var vecs mat.Dense
	eig.VectorsTo(&vecs)

	cutoff := negligible(values)
	n := len(values)
	scaled := mat.NewDense(n, n, nil)
	for j, v := range values {
		s := 0.0
		if v > cutoff {
			s = math.Sqrt(v)
		}
		for i := 0; i < n; i++ {
			scaled.Set(i, j, vecs.At(i, j)*s)
		}
	}

	root := mat.NewDense(n, n, nil)
	root.Mul(scaled, vecs.T())
	return root, nil
}

// negligible is n·ε·max|λ|, the magnitude below which a computed eigenvalue
// or singular value cannot be told apart from zero.
func negligible(values []float64) float64 {
	var largest float64
	for _, v := range values {
		largest = math.Max(largest, math.Abs(v))
	}
	return float64(len(values)) * epsilon * largest
}
