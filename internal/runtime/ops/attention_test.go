package ops

import (
	"math"
	"testing"
)

func TestAttentionUniformWithoutMask(t *testing.T) {
	q := mustTensor(t, []float32{0}, []int64{1, 1, 1, 1})
	k := mustTensor(t, []float32{1, 2}, []int64{1, 1, 2, 1})
	v := mustTensor(t, []float32{2, 4}, []int64{1, 1, 2, 1})

	out, err := Attention(q, k, v, nil)
	if err != nil {
		t.Fatalf("attention: %v", err)
	}

	if got := out.Data(); !closeTo(got, []float32{3}, 1e-6) {
		t.Fatalf("attention = %v, want [3]", got)
	}
}

func TestAttentionIgnoresPaddedKeys(t *testing.T) {
	q := mustTensor(t, []float32{1}, []int64{1, 1, 1, 1})
	k := mustTensor(t, []float32{1, 100}, []int64{1, 1, 2, 1})
	v := mustTensor(t, []float32{5, 9}, []int64{1, 1, 2, 1})

	out, err := Attention(q, k, v, []bool{false, true})
	if err != nil {
		t.Fatalf("attention: %v", err)
	}

	if got := out.Data(); !closeTo(got, []float32{5}, 1e-6) {
		t.Fatalf("attention = %v, want [5]", got)
	}
}

func TestAttentionFullyPaddedBatchIsZero(t *testing.T) {
	q := mustTensor(t, ramp(2*2*3*4), []int64{2, 2, 3, 4})
	k := mustTensor(t, ramp(2*2*2*4), []int64{2, 2, 2, 4})
	v := mustTensor(t, ramp(2*2*2*4), []int64{2, 2, 2, 4})

	out, err := Attention(q, k, v, []bool{false, false, true, true})
	if err != nil {
		t.Fatalf("attention: %v", err)
	}

	data := out.Data()
	perBatch := len(data) / 2

	for i, x := range data[perBatch:] {
		if x != 0 {
			t.Fatalf("fully padded batch has value %v at %d", x, i)
		}
	}

	for i, x := range data {
		if math.IsNaN(float64(x)) {
			t.Fatalf("NaN at %d", i)
		}
	}
}

func TestAttentionEmptyKeys(t *testing.T) {
	q := mustTensor(t, ramp(1*2*3*4), []int64{1, 2, 3, 4})
	k := mustTensor(t, nil, []int64{1, 2, 0, 4})
	v := mustTensor(t, nil, []int64{1, 2, 0, 5})

	out, err := Attention(q, k, v, []bool{})
	if err != nil {
		t.Fatalf("attention: %v", err)
	}

	if got := out.Shape(); len(got) != 4 || got[2] != 3 || got[3] != 5 {
		t.Fatalf("shape = %v, want [1 2 3 5]", got)
	}
}

func TestKeyPaddingMaskValidation(t *testing.T) {
	scores := mustTensor(t, ramp(2*3*4), []int64{2, 3, 4})

	_, err := KeyPaddingMask(scores, make([]bool, 7))
	wantErrContaining(t, err, "entries")

	masked, err := KeyPaddingMask(scores, []bool{
		false, true, false, false,
		false, false, false, true,
	})
	if err != nil {
		t.Fatalf("mask: %v", err)
	}

	data := masked.Data()
	if !math.IsInf(float64(data[1]), -1) || !math.IsInf(float64(data[4*3+4+3]), -1) {
		t.Fatalf("expected -Inf at padded keys, got %v", data)
	}

	if math.IsInf(float64(data[0]), 0) {
		t.Fatal("valid key was masked")
	}
}

func TestAttentionDepthMismatch(t *testing.T) {
	q := mustTensor(t, ramp(4), []int64{1, 1, 1, 4})
	k := mustTensor(t, ramp(3), []int64{1, 1, 1, 3})
	v := mustTensor(t, ramp(4), []int64{1, 1, 1, 4})

	_, err := Attention(q, k, v, nil)
	wantErrContaining(t, err, "depth mismatch")
}
