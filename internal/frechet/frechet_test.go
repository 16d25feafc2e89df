package frechet

import (
	"math/rand"
	"testing"

	"github.com/Brownie44l1/segdist/internal/tally"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const tol = 1e-9

func matrix(t *testing.T, rows [][]float64) *tally.Matrix {
	t.Helper()
	m := tally.NewMatrix(len(rows), len(rows[0]))
	for i, r := range rows {
		copy(m.Row(i), r)
	}
	return m
}

// randomTally returns rows that look like sparse label histograms: a few
// labels per row, fractions summing to 1.
func randomTally(seed int64, rows, cols int) *tally.Matrix {
	rng := rand.New(rand.NewSource(seed))
	m := tally.NewMatrix(rows, cols)
	for i := 0; i < rows; i++ {
		row := m.Row(i)
		var sum float64
		for n := 0; n < 3; n++ {
			v := rng.Float64()
			row[rng.Intn(cols)] += v
			sum += v
		}
		for j := range row {
			row[j] /= sum
		}
	}
	return m
}

func TestIdenticalTalliesHaveZeroDistance(t *testing.T) {
	a := matrix(t, [][]float64{
		{1, 0, 0, 0},
		{0, 1, 0, 0},
		{0, 0, 1, 0},
	})

	res, err := Distance(a, a)
	require.NoError(t, err)
	assert.InDelta(t, 0, res.Distance, tol)
	assert.InDelta(t, 0, res.MeanComponent, tol)
	assert.InDelta(t, 0, res.CovComponent, tol)
}

func TestDoubledTally(t *testing.T) {
	a := matrix(t, [][]float64{
		{1, 0, 0, 0},
		{0, 1, 0, 0},
		{0, 0, 1, 0},
	})
	b := a.Scaled(2)

	res, err := Distance(a, b)
	require.NoError(t, err)

	// Means differ by (1/3, 1/3, 1/3, 0); covariances are Σ and 4Σ with
	// Tr(Σ) = 1, so the covariance term is Tr(Σ) + 4Tr(Σ) − 2·2Tr(Σ) = 1.
	assert.InDelta(t, 1.0/3, res.MeanComponent, tol)
	assert.InDelta(t, 1.0, res.CovComponent, tol)
	assert.InDelta(t, 4*res.MeanComponent, res.Distance, tol)
	assert.Equal(t, res.MeanComponent+res.CovComponent, res.Distance)
}

func TestSymmetry(t *testing.T) {
	a := randomTally(1, 60, 12)
	b := randomTally(2, 45, 12)

	ab, err := Distance(a, b)
	require.NoError(t, err)
	ba, err := Distance(b, a)
	require.NoError(t, err)

	assert.InDelta(t, ab.Distance, ba.Distance, 1e-9)
	assert.InDelta(t, ab.MeanComponent, ba.MeanComponent, 1e-12)
	assert.Greater(t, ab.Distance, 0.0)
}

func TestSelfDistanceOnRankDeficientCovariance(t *testing.T) {
	// Fewer rows than columns: the covariance is singular.
	a := randomTally(3, 8, 30)

	res, err := Distance(a, a)
	require.NoError(t, err)
	assert.InDelta(t, 0, res.Distance, 1e-9)
}

func TestSelfDistanceAtReportedScale(t *testing.T) {
	// Tallies are multiplied by 100 before comparison; identical inputs must
	// still come out at zero rather than at an amplified rounding residue.
	a := randomTally(3, 8, 30).Scaled(100)
	b := randomTally(8, 40, 30).Scaled(100)

	for _, m := range []*tally.Matrix{a, b} {
		res, err := Distance(m, m)
		require.NoError(t, err)
		assert.InDelta(t, 0, res.Distance, 1e-8)
		assert.InDelta(t, 0, res.CovComponent, 1e-8)
	}
}

func TestScaleCovariance(t *testing.T) {
	a := randomTally(4, 50, 10)
	b := randomTally(5, 50, 10)
	const k = 100.0

	base, err := Distance(a, b)
	require.NoError(t, err)
	scaled, err := Distance(a.Scaled(k), b.Scaled(k))
	require.NoError(t, err)

	assert.InEpsilon(t, k*k*base.Distance, scaled.Distance, 1e-6)
	assert.InEpsilon(t, k*k*base.MeanComponent, scaled.MeanComponent, 1e-9)
	assert.InEpsilon(t, k*k*base.CovComponent, scaled.CovComponent, 1e-6)
}

func TestInputsAreNotModified(t *testing.T) {
	a := randomTally(6, 20, 5)
	b := randomTally(7, 20, 5)
	aCopy := append([]float64(nil), a.Data...)
	bCopy := append([]float64(nil), b.Data...)

	_, err := Distance(a, b)
	require.NoError(t, err)
	assert.Equal(t, aCopy, a.Data)
	assert.Equal(t, bCopy, b.Data)
}

func TestDegenerateInputs(t *testing.T) {
	empty := tally.NewMatrix(0, 4)
	single := matrix(t, [][]float64{{0.5, 0.5, 0, 0}})
	constant := matrix(t, [][]float64{{0.5, 0.5, 0, 0}, {0.5, 0.5, 0, 0}, {0.5, 0.5, 0, 0}})

	tests := []struct {
		name     string
		a, b     *tally.Matrix
		wantMean float64
	}{
		{"both empty", empty, empty, 0},
		{"empty vs single row", empty, single, 0.5},
		{"single rows", single, single, 0},
		{"exactly singular covariance", constant, single, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := Distance(tt.a, tt.b)
			require.NoError(t, err)
			assert.InDelta(t, tt.wantMean, res.MeanComponent, tol)
			assert.InDelta(t, 0, res.CovComponent, tol)
		})
	}
}

func TestDimensionErrors(t *testing.T) {
	_, err := Distance(tally.NewMatrix(3, 4), tally.NewMatrix(3, 5))
	require.ErrorIs(t, err, ErrDimensionMismatch)

	_, err = Distance(tally.NewMatrix(3, 0), tally.NewMatrix(3, 0))
	require.ErrorIs(t, err, ErrEmpty)
}

func TestFit(t *testing.T) {
	m := matrix(t, [][]float64{
		{1, 2},
		{3, 6},
	})

	g, err := Fit(m)
	require.NoError(t, err)
	assert.Equal(t, []float64{2, 4}, g.Mean)
	// Unbiased: divide by n−1 = 1.
	assert.InDelta(t, 2.0, g.Cov.At(0, 0), tol)
	assert.InDelta(t, 4.0, g.Cov.At(0, 1), tol)
	assert.InDelta(t, 8.0, g.Cov.At(1, 1), tol)
}
