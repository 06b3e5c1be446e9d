package native

import (
	"errors"
	"fmt"

	"github.com/example/go-phoneme2mel/internal/runtime/tensor"
)

// ProsodyDecoder predicts one scalar per phoneme position (pitch, energy or
// duration) from the fused map. Pitch and energy decoders built with value
// stats also own a bucket embedding.
type ProsodyDecoder struct {
	conv1     *Conv1d
	norm1     *LayerNorm
	conv2     *Conv1d
	norm2     *LayerNorm
	linear    *Linear
	duration  bool
	embedding *BucketEmbedding
}

// LoadProsodyDecoder builds a decoder over dims[0] channels. stats may be nil,
// which disables the bucket embedding. Duration decoders never embed.
func LoadProsodyDecoder(vb *VarBuilder, dims []int64, stats *ValueStats, duration bool) (*ProsodyDecoder, error) {
	if len(dims) == 0 {
		return nil, errors.New("native: prosody decoder needs at least one stage dim")
	}

	dim := dims[0]

	conv1, err := loadConv1d(vb, "conv1", convSpec{in: dim, out: dim, kernel: 3, padding: 1, bias: true})
	if err != nil {
		return nil, err
	}

	norm1, err := loadLayerNorm(vb, "norm1", dim)
	if err != nil {
		return nil, err
	}

	conv2, err := loadConv1d(vb, "conv2", convSpec{in: dim, out: dim, kernel: 3, padding: 1, bias: true})
	if err != nil {
		return nil, err
	}

	norm2, err := loadLayerNorm(vb, "norm2", dim)
	if err != nil {
		return nil, err
	}

	linear, err := loadLinear(vb, "linear", dim, 1, true)
	if err != nil {
		return nil, err
	}

	d := &ProsodyDecoder{conv1: conv1, norm1: norm1, conv2: conv2, norm2: norm2, linear: linear, duration: duration}

	if stats != nil && !duration {
		d.embedding, err = loadBucketEmbedding(vb, "embedding", *stats, dim)
		if err != nil {
			return nil, err
		}
	}

	return d, nil
}

// Forward returns the [B, T, 1] prediction. Duration decoders clamp it at zero
// and also return the [B, T, C] pre-projection features; other decoders
// return nil features. Dropout is the identity at inference.
func (d *ProsodyDecoder) Forward(x *tensor.Tensor) (*tensor.Tensor, *tensor.Tensor, error) {
	y, err := d.block(x, d.conv1, d.norm1)
	if err != nil {
		return nil, nil, err
	}

	features, err := d.block(y, d.conv2, d.norm2)
	if err != nil {
		return nil, nil, err
	}

	pred, err := d.linear.Forward(features)
	if err != nil {
		return nil, nil, err
	}

	if !d.duration {
		return pred, nil, nil
	}

	return reluInPlace(pred), features, nil
}

func (d *ProsodyDecoder) block(x *tensor.Tensor, conv *Conv1d, norm *LayerNorm) (*tensor.Tensor, error) {
	y, err := conv.Forward(x)
	if err != nil {
		return nil, err
	}

	return norm.Forward(reluInPlace(y))
}

// HasEmbedding reports whether the decoder was built with value stats.
func (d *ProsodyDecoder) HasEmbedding() bool { return d.embedding != nil }

// BucketEmbedding returns the decoder's bucket embedding, or nil.
func (d *ProsodyDecoder) BucketEmbedding() *BucketEmbedding { return d.embedding }

// Embedding embeds target when non-nil ([B*T] values), otherwise the [B, T, 1]
// prediction scaled by control. A decoder without stats returns nil and
// ErrNoValueStats.
func (d *ProsodyDecoder) Embedding(pred *tensor.Tensor, target []float32, control float32) (*tensor.Tensor, error) {
	if d.embedding == nil {
		return nil, ErrNoValueStats
	}

	b, t, c, err := pred.Dims3()
	if err != nil {
		return nil, fmt.Errorf("native: prosody embedding: %w", err)
	}

	if c != 1 {
		return nil, fmt.Errorf("native: prosody embedding: %w: prediction has %d channels, want 1", ErrShapeMismatch, c)
	}

	values := target
	if values == nil {
		values = pred.Data()
		if control != 1 {
			for i := range values {
				values[i] *= control
			}
		}
	}

	if int64(len(values)) != b*t {
		return nil, fmt.Errorf("native: prosody embedding: %w: %d values for [%d %d]", ErrShapeMismatch, len(values), b, t)
	}

	return d.embedding.Forward(values, b, t)
}
