package l5inference

import (
	"context"
	"fmt"

	"github.com/banshee-data/holistic.report/internal/holistic/l3features"
	"github.com/banshee-data/holistic.report/internal/holistic/l4sequence"
)

// Tensor is a dense row-major float32 tensor of shape [batch, time, features].
type Tensor struct {
	Shape [3]int
	Data  []float32
}

// NewTensor lays a snapshot out as a [1, frames, 1662] tensor, oldest frame
// first, each frame in vector segment order.
func NewTensor(snap *l4sequence.Snapshot) *Tensor {
	frames := snap.Len()
	t := &Tensor{
		Shape: [3]int{1, frames, l3features.Length},
		Data:  make([]float32, frames*l3features.Length),
	}
	for i := range snap.Vectors {
		copy(t.Data[i*l3features.Length:], snap.Vectors[i][:])
	}
	return t
}

// At returns the element at (batch, frame, feature).
func (t *Tensor) At(b, f, i int) float32 {
	return t.Data[(b*t.Shape[1]+f)*t.Shape[2]+i]
}

// Rows returns the tensor as nested slices, the layout JSON model servers
// expect for a single instance: [frames][features].
func (t *Tensor) Rows() [][]float32 {
	rows := make([][]float32, t.Shape[1])
	for f := range rows {
		start := f * t.Shape[2]
		rows[f] = t.Data[start : start+t.Shape[2]]
	}
	return rows
}

// Classifier runs the sequence model on one tensor and returns one score per
// class.
type Classifier interface {
	Classify(ctx context.Context, t *Tensor) ([]float32, error)
}

// ClassifierFunc adapts a function to the Classifier interface.
type ClassifierFunc func(ctx context.Context, t *Tensor) ([]float32, error)

// Classify calls f(ctx, t).
func (f ClassifierFunc) Classify(ctx context.Context, t *Tensor) ([]float32, error) {
	return f(ctx, t)
}

func (t *Tensor) String() string {
	return fmt.Sprintf("tensor%v", t.Shape)
}
