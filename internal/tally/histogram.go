package tally

import (
	"errors"
	"fmt"

	"github.com/Brownie44l1/segdist/internal/model"
)

var (
	ErrDatasetTooSmall = errors.New("dataset smaller than sample size")
	ErrLabelOutOfRange = errors.New("label index out of range")
	ErrShapeMismatch   = errors.New("shape mismatch")
)

// Histogram writes into dst the fraction of lm's pixels carrying each label.
// dst must have one slot per label; labels absent from the map get 0.
func Histogram(lm model.LabelMap, dst []float64) error {
	pixels := lm.Pixels()
	if pixels == 0 || len(lm.Labels) != pixels {
		return fmt.Errorf("%w: label map %dx%d holds %d labels", ErrShapeMismatch, lm.Height, lm.Width, len(lm.Labels))
	}
	clear(dst)
	k := int32(len(dst))
	for _, l := range lm.Labels {
		if l < 0 || l >= k {
			return fmt.Errorf("%w: %d not in [0, %d)", ErrLabelOutOfRange, l, k)
		}
		dst[l]++
	}
	total := float64(pixels)
	for i := range dst {
		dst[i] /= total
	}
	return nil
}
