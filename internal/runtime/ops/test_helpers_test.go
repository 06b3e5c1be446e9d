package ops

import (
	"math"
	"strings"
	"testing"

	"github.com/example/go-phoneme2mel/internal/runtime/tensor"
)

// ramp returns n deterministic values in [-8/17, 8/17].
func ramp(n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32((i%17)-8) / 17
	}

	return out
}

// closeTo reports whether got and want have the same length and differ by at
// most tol element-wise.
func closeTo(got, want []float32, tol float64) bool {
	if len(got) != len(want) {
		return false
	}

	for i, g := range got {
		if math.Abs(float64(g-want[i])) > tol {
			return false
		}
	}

	return true
}

func mustTensor(t *testing.T, data []float32, shape []int64) *tensor.Tensor {
	t.Helper()

	x, err := tensor.New(data, shape)
	if err != nil {
		t.Fatalf("tensor.New(shape %v): %v", shape, err)
	}

	return x
}

func wantErrContaining(t *testing.T, err error, substr string) {
	t.Helper()

	switch {
	case err == nil:
		t.Fatalf("err = nil, want error containing %q", substr)
	case !strings.Contains(err.Error(), substr):
		t.Fatalf("err = %q, want it to contain %q", err, substr)
	}
}
