package native

import (
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/example/go-phoneme2mel/internal/phoneme"
	"github.com/example/go-phoneme2mel/internal/runtime/tensor"
)

func testConfig() Config {
	return Config{
		Encoder: EncoderConfig{
			Depth:      2,
			EmbedDim:   16,
			Reduction:  2,
			Heads:      2,
			KernelSize: 5,
			Expansion:  2,
			VocabSize:  16,
		},
		NMelChannels:      8,
		DecoderDepth:      1,
		DecoderKernelSize: 3,
		PitchStats:        &ValueStats{Min: -1, Max: 1},
		EnergyStats:       &ValueStats{Min: 0, Max: 2},
	}
}

func newTestModel(t *testing.T, seed uint64, cfg Config) *Phoneme2Mel {
	t.Helper()

	m, err := NewPhoneme2Mel(NewRandomVarBuilder(seed), cfg)
	if err != nil {
		t.Fatalf("NewPhoneme2Mel: %v", err)
	}

	return m
}

func mustBatch(t *testing.T, seqs ...[]int64) *phoneme.Batch {
	t.Helper()

	b, err := phoneme.NewBatch(seqs)
	if err != nil {
		t.Fatalf("NewBatch: %v", err)
	}

	return b
}

func mustTensorT(t *testing.T, data []float32, shape ...int64) *tensor.Tensor {
	t.Helper()

	x, err := tensor.New(data, shape)
	if err != nil {
		t.Fatalf("tensor.New(%v): %v", shape, err)
	}

	return x
}

// rampTensor fills [b, n, c] so that every channel of step j in element i
// holds 100*i + j + 1.
func rampTensor(t *testing.T, b, n, c int64) *tensor.Tensor {
	t.Helper()

	data := make([]float32, b*n*c)
	for i := range b {
		for j := range n {
			for k := range c {
				data[(i*n+j)*c+k] = float32(100*i + j + 1)
			}
		}
	}

	return mustTensorT(t, data, b, n, c)
}

func equalApprox(a, b []float32, tol float32) bool {
	if len(a) != len(b) {
		return false
	}

	for i := range a {
		if math.Abs(float64(a[i]-b[i])) > float64(tol) {
			return false
		}
	}

	return true
}

func equalShape64(got []int64, want ...int64) bool {
	return equalShape(got, want)
}

// frame returns the channel vector of step n of element b in a [B, T, C]
// tensor.
func frame(x *tensor.Tensor, b, n int64) []float32 {
	_, t, c, _ := x.Dims3()
	off := (b*t + n) * c

	return x.RawData()[off : off+c]
}

func allZero(v []float32) bool {
	for _, x := range v {
		if x != 0 {
			return false
		}
	}

	return true
}

func assertErrContains(t *testing.T, err error, want string) {
	t.Helper()

	if err == nil {
		t.Fatalf("expected error containing %q, got nil", want)
	}

	if !strings.Contains(err.Error(), want) {
		t.Fatalf("error %q does not contain %q", err.Error(), want)
	}
}

func assertErrIs(t *testing.T, err, target error) {
	t.Helper()

	if !errors.Is(err, target) {
		t.Fatalf("error = %v, want errors.Is(%v)", err, target)
	}
}
