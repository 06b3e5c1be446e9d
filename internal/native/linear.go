package native

import (
	"errors"
	"fmt"

	"github.com/example/go-phoneme2mel/internal/phoneme"
	"github.com/example/go-phoneme2mel/internal/runtime/ops"
	"github.com/example/go-phoneme2mel/internal/runtime/tensor"
)

const layerNormEps = 1e-5

type Linear struct {
	Weight *tensor.Tensor // [out, in]
	Bias   *tensor.Tensor // optional [out]
}

func loadLinear(vb *VarBuilder, name string, in, out int64, withBias bool) (*Linear, error) {
	if in <= 0 || out <= 0 {
		return nil, fmt.Errorf("native: linear %q needs positive dims, got in=%d out=%d", name, in, out)
	}

	w, err := vb.Tensor(name+".weight", InitUniform, out, in)
	if err != nil {
		return nil, err
	}

	var b *tensor.Tensor

	if withBias {
		b, err = vb.Tensor(name+".bias", InitZeros, out)
		if err != nil {
			return nil, err
		}
	}

	return &Linear{Weight: w, Bias: b}, nil
}

func (l *Linear) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if l == nil || l.Weight == nil {
		return nil, errors.New("native: linear is not initialized")
	}

	return tensor.Linear(x, l.Weight, l.Bias)
}

type LayerNorm struct {
	Weight *tensor.Tensor
	Bias   *tensor.Tensor
	Eps    float32
}

func loadLayerNorm(vb *VarBuilder, name string, dim int64) (*LayerNorm, error) {
	w, err := vb.Tensor(name+".weight", InitOnes, dim)
	if err != nil {
		return nil, err
	}

	b, err := vb.Tensor(name+".bias", InitZeros, dim)
	if err != nil {
		return nil, err
	}

	return &LayerNorm{Weight: w, Bias: b, Eps: layerNormEps}, nil
}

func (ln *LayerNorm) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if ln == nil || ln.Weight == nil || ln.Bias == nil {
		return nil, errors.New("native: layernorm is not initialized")
	}

	return tensor.LayerNorm(x, ln.Weight, ln.Bias, ln.Eps)
}

// Embedding is a lookup table [vocab, dim]. The row at padIdx reads as zero.
type Embedding struct {
	Weight *tensor.Tensor
	padIdx int64
}

func loadEmbedding(vb *VarBuilder, name string, vocab, dim int64, padIdx int64) (*Embedding, error) {
	w, err := vb.Tensor(name+".weight", InitNormal, vocab, dim)
	if err != nil {
		return nil, err
	}

	if padIdx >= 0 && padIdx < vocab {
		clear(w.RawData()[padIdx*dim : (padIdx+1)*dim])
	}

	return &Embedding{Weight: w, padIdx: padIdx}, nil
}

// Forward looks up ids ([batch*length], row-major) and returns [batch, length, dim].
func (e *Embedding) Forward(ids []int64, batch, length int64) (*tensor.Tensor, error) {
	if e == nil || e.Weight == nil {
		return nil, errors.New("native: embedding is not initialized")
	}

	if int64(len(ids)) != batch*length {
		return nil, fmt.Errorf("native: embedding: %w: %d ids for [%d %d]", ErrShapeMismatch, len(ids), batch, length)
	}

	vocab := e.Weight.Dim(0)
	for i, id := range ids {
		if id < 0 || id >= vocab {
			return nil, fmt.Errorf("native: embedding: %w: id %d at position %d outside vocabulary of %d", phoneme.ErrInvalidID, id, i, vocab)
		}
	}

	rows, err := e.Weight.Gather(0, ids)
	if err != nil {
		return nil, fmt.Errorf("native: embedding gather: %w", err)
	}

	return rows.Reshape([]int64{batch, length, e.Weight.Dim(1)})
}

// Conv1d wraps ops.Conv1D for [B, T, C] activations.
type Conv1d struct {
	Weight  *tensor.Tensor // [out, in/groups, kernel]
	Bias    *tensor.Tensor // optional [out]
	Stride  int64
	Padding int64
	Groups  int64
}

type convSpec struct {
	in, out, kernel, stride, padding, groups int64
	bias                                     bool
}

func loadConv1d(vb *VarBuilder, name string, spec convSpec) (*Conv1d, error) {
	if spec.groups == 0 {
		spec.groups = 1
	}

	if spec.stride == 0 {
		spec.stride = 1
	}

	if spec.in <= 0 || spec.out <= 0 || spec.kernel <= 0 {
		return nil, fmt.Errorf("native: conv1d %q needs positive dims, got in=%d out=%d kernel=%d", name, spec.in, spec.out, spec.kernel)
	}

	if spec.in%spec.groups != 0 || spec.out%spec.groups != 0 {
		return nil, fmt.Errorf("native: conv1d %q channels %d/%d not divisible by groups %d", name, spec.in, spec.out, spec.groups)
	}

	w, err := vb.Tensor(name+".weight", InitUniform, spec.out, spec.in/spec.groups, spec.kernel)
	if err != nil {
		return nil, err
	}

	c := &Conv1d{Weight: w, Stride: spec.stride, Padding: spec.padding, Groups: spec.groups}

	if spec.bias {
		c.Bias, err = vb.Tensor(name+".bias", InitZeros, spec.out)
		if err != nil {
			return nil, err
		}
	}

	return c, nil
}

func (c *Conv1d) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if c == nil || c.Weight == nil {
		return nil, errors.New("native: conv1d is not initialized")
	}

	return channelsFirst(x, func(xt *tensor.Tensor) (*tensor.Tensor, error) {
		return ops.Conv1D(xt, c.Weight, c.Bias, c.Stride, c.Padding, c.Groups)
	})
}

// ConvTranspose1d wraps ops.ConvTranspose1D for [B, T, C] activations.
type ConvTranspose1d struct {
	Weight  *tensor.Tensor // [in, out, kernel]
	Bias    *tensor.Tensor // optional [out]
	Stride  int64
	Padding int64
}

func loadConvTranspose1d(vb *VarBuilder, name string, spec convSpec) (*ConvTranspose1d, error) {
	if spec.in <= 0 || spec.out <= 0 || spec.kernel <= 0 || spec.stride <= 0 {
		return nil, fmt.Errorf("native: convtranspose1d %q needs positive dims, got in=%d out=%d kernel=%d stride=%d",
			name, spec.in, spec.out, spec.kernel, spec.stride)
	}

	w, err := vb.Tensor(name+".weight", InitUniform, spec.in, spec.out, spec.kernel)
	if err != nil {
		return nil, err
	}

	c := &ConvTranspose1d{Weight: w, Stride: spec.stride, Padding: spec.padding}

	if spec.bias {
		c.Bias, err = vb.Tensor(name+".bias", InitZeros, spec.out)
		if err != nil {
			return nil, err
		}
	}

	return c, nil
}

func (c *ConvTranspose1d) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if c == nil || c.Weight == nil {
		return nil, errors.New("native: convtranspose1d is not initialized")
	}

	return channelsFirst(x, func(xt *tensor.Tensor) (*tensor.Tensor, error) {
		return ops.ConvTranspose1D(xt, c.Weight, c.Bias, c.Stride, c.Padding)
	})
}

// channelsFirst runs fn on x transposed to [B, C, T] and returns the result
// transposed back to [B, T, C].
func channelsFirst(x *tensor.Tensor, fn func(*tensor.Tensor) (*tensor.Tensor, error)) (*tensor.Tensor, error) {
	if x == nil || x.Rank() != 3 {
		return nil, errors.New("native: convolution expects a [B, T, C] tensor")
	}

	xt, err := x.Transpose(1, 2)
	if err != nil {
		return nil, err
	}

	y, err := fn(xt)
	if err != nil {
		return nil, err
	}

	return y.Transpose(1, 2)
}
