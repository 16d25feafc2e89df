package tally

import (
	"fmt"
	"math/rand"
)

// DefaultSeed is the sampling seed used when none is configured.
const DefaultSeed int64 = 1

// FixedRandomSubset returns size indices drawn from [0, n) as the prefix of a
// seeded random permutation. The same (n, size, seed) always yields the same
// indices, in the same order, in every process.
func FixedRandomSubset(n, size int, seed int64) ([]int, error) {
	if size < 0 {
		return nil, fmt.Errorf("negative sample size %d", size)
	}
	if size > n {
		return nil, fmt.Errorf("%w: requested %d samples from %d images", ErrDatasetTooSmall, size, n)
	}
	rng := rand.New(rand.NewSource(seed))
	return rng.Perm(n)[:size], nil
}

// ZDataset returns size latent vectors of length dim drawn from a seeded
// standard normal distribution.
func ZDataset(size, dim int, seed int64) [][]float32 {
	rng := rand.New(rand.NewSource(seed))
	z := make([][]float32, size)
	for i := range z {
		v := make([]float32, dim)
		for j := range v {
			v[j] = float32(rng.NormFloat64())
		}
		z[i] = v
	}
	return z
}
