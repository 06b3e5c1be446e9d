package native

import (
	"errors"
	"fmt"
	"math"

	"github.com/example/go-phoneme2mel/internal/runtime/tensor"
)

func addSameShape(a, b *tensor.Tensor) (*tensor.Tensor, error) {
	if a == nil || b == nil {
		return nil, errors.New("native: add requires non-nil tensors")
	}

	if !tensor.SameShape(a, b) {
		return nil, fmt.Errorf("native: add %w: %v vs %v", ErrShapeMismatch, a.Shape(), b.Shape())
	}

	out := a.Clone()
	tensor.Axpy(out.RawData(), 1, b.RawData())

	return out, nil
}

func reluInPlace(x *tensor.Tensor) *tensor.Tensor {
	d := x.RawData()
	for i, v := range d {
		if v < 0 {
			d[i] = 0
		}
	}

	return x
}

func tanhInPlace(x *tensor.Tensor) *tensor.Tensor {
	d := x.RawData()
	for i, v := range d {
		d[i] = float32(math.Tanh(float64(v)))
	}

	return x
}

func geluErfInPlace(x *tensor.Tensor) *tensor.Tensor {
	d := x.RawData()
	for i, v := range d {
		fv := float64(v)
		d[i] = float32(0.5 * fv * (1 + math.Erf(fv/math.Sqrt2)))
	}

	return x
}

// truncateTime keeps the first n steps of a [B, T, C] tensor. A stream that
// is shorter than n is a shape mismatch.
func truncateTime(x *tensor.Tensor, n int64) (*tensor.Tensor, error) {
	t := x.Dim(1)
	if t < n {
		return nil, fmt.Errorf("native: %w: stream has %d steps, need %d", ErrShapeMismatch, t, n)
	}

	if t == n {
		return x, nil
	}

	return x.Narrow(1, 0, n)
}

// roundHalfEven rounds like torch.round.
func roundHalfEven(v float32) float32 {
	return float32(math.RoundToEven(float64(v)))
}
