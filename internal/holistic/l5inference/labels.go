package l5inference

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

// DefaultLabels is the class table of the bundled action model, in output
// order.
var DefaultLabels = Labels{"hello", "thanks", "iloveyou"}

var (
	// ErrEmptyOutput is returned when the classifier returns no scores.
	ErrEmptyOutput = errors.New("classifier returned no scores")
	// ErrInvalidOutput is returned when a score is NaN or infinite.
	ErrInvalidOutput = errors.New("classifier returned a non-finite score")
)

// Labels maps classifier output indices to sign names.
type Labels []string

// Name returns the label for index i, or "Unknown sign i" when the model
// emits more classes than the table holds.
func (l Labels) Name(i int) string {
	if i >= 0 && i < len(l) {
		return l[i]
	}
	return fmt.Sprintf("Unknown sign %d", i)
}

// ArgMax returns the index and score of the highest class score. Ties go to
// the lowest index.
func ArgMax(scores []float32) (int, float64, error) {
	if len(scores) == 0 {
		return -1, 0, ErrEmptyOutput
	}
	xs := make([]float64, len(scores))
	for i, s := range scores {
		f := float64(s)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return -1, 0, fmt.Errorf("score %d: %w", i, ErrInvalidOutput)
		}
		xs[i] = f
	}
	idx := floats.MaxIdx(xs)
	return idx, xs[idx], nil
}
