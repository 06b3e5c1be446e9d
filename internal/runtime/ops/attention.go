package ops

import (
	"errors"
	"fmt"
	"math"

	"github.com/example/go-phoneme2mel/internal/runtime/tensor"
)

// KeyPaddingMask sets scores of padded keys to -Inf.
// scores shape: [batch, ..., query, key]; padded has batch*key entries where
// true marks a padded key.
func KeyPaddingMask(scores *tensor.Tensor, padded []bool) (*tensor.Tensor, error) {
	if scores == nil {
		return nil, errors.New("ops: key padding mask scores is nil")
	}

	shape := scores.Shape()
	if len(shape) < 3 {
		return nil, fmt.Errorf("ops: key padding mask requires rank >= 3, got %d", len(shape))
	}

	batch := int(shape[0])
	k := int(shape[len(shape)-1])

	if len(padded) != batch*k {
		return nil, fmt.Errorf("ops: key padding mask has %d entries, want %d (batch=%d key=%d)", len(padded), batch*k, batch, k)
	}

	out := scores.Clone()
	if k == 0 || batch == 0 {
		return out, nil
	}

	data := out.RawData()
	perBatch := len(data) / batch
	negInf := float32(math.Inf(-1))

	for b := range batch {
		keys := padded[b*k : (b+1)*k]
		block := data[b*perBatch : (b+1)*perBatch]

		for row := 0; row < len(block); row += k {
			for ki, pad := range keys {
				if pad {
					block[row+ki] = negInf
				}
			}
		}
	}

	return out, nil
}

// Attention computes scaled dot-product attention.
// q shape: [batch, ..., tq, d], k shape: [batch, ..., tk, d], v shape: [batch, ..., tk, dv]
// output: [batch, ..., tq, dv]
//
// keyPadding is optional (nil means every key is valid). A query whose keys
// are all padded attends to nothing and yields a zero row.
func Attention(q, k, v *tensor.Tensor, keyPadding []bool) (*tensor.Tensor, error) {
	if q == nil || k == nil || v == nil {
		return nil, errors.New("ops: attention requires non-nil q/k/v")
	}

	qShape := q.Shape()
	kShape := k.Shape()

	vShape := v.Shape()
	if len(qShape) < 2 || len(kShape) < 2 || len(vShape) < 2 {
		return nil, errors.New("ops: attention requires rank >= 2 inputs")
	}

	d := qShape[len(qShape)-1]
	if d != kShape[len(kShape)-1] {
		return nil, fmt.Errorf("ops: attention q/k depth mismatch %d vs %d", d, kShape[len(kShape)-1])
	}

	tk := kShape[len(kShape)-2]
	if tk != vShape[len(vShape)-2] {
		return nil, fmt.Errorf("ops: attention key/value sequence mismatch %d vs %d", tk, vShape[len(vShape)-2])
	}

	if tk == 0 {
		outShape := append([]int64(nil), qShape[:len(qShape)-1]...)
		outShape = append(outShape, vShape[len(vShape)-1])

		return tensor.Zeros(outShape)
	}

	kT, err := k.Transpose(-1, -2)
	if err != nil {
		return nil, fmt.Errorf("ops: attention transpose k: %w", err)
	}

	scores, err := tensor.MatMul(q, kT)
	if err != nil {
		return nil, fmt.Errorf("ops: attention q*k^T: %w", err)
	}

	scale := float32(1.0 / math.Sqrt(float64(d)))

	raw := scores.RawData()
	for i := range raw {
		raw[i] *= scale
	}

	if keyPadding != nil {
		scores, err = KeyPaddingMask(scores, keyPadding)
		if err != nil {
			return nil, fmt.Errorf("ops: attention key padding: %w", err)
		}
	}

	probs, err := tensor.Softmax(scores, -1)
	if err != nil {
		return nil, fmt.Errorf("ops: attention softmax: %w", err)
	}

	out, err := tensor.MatMul(probs, v)
	if err != nil {
		return nil, fmt.Errorf("ops: attention probs*v: %w", err)
	}

	return out, nil
}
