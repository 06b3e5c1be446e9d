package native

import (
	"fmt"

	"github.com/example/go-phoneme2mel/internal/mask"
	"github.com/example/go-phoneme2mel/internal/runtime/ops"
	"github.com/example/go-phoneme2mel/internal/runtime/tensor"
)

// selfAttention is multi-head attention whose key padding comes from the
// input-resolution mask pooled down to the current sequence length.
type selfAttention struct {
	toQ     *Linear
	toKV    *Linear
	proj    *Linear
	nHeads  int64
	headDim int64
}

func loadSelfAttention(vb *VarBuilder, dim, nHeads int64) (*selfAttention, error) {
	if nHeads <= 0 || dim%nHeads != 0 {
		return nil, fmt.Errorf("native: attention width %d not divisible by %d heads", dim, nHeads)
	}

	toQ, err := loadLinear(vb, "to_q", dim, dim, false)
	if err != nil {
		return nil, err
	}

	toKV, err := loadLinear(vb, "to_kv", dim, 2*dim, false)
	if err != nil {
		return nil, err
	}

	proj, err := loadLinear(vb, "proj", dim, dim, true)
	if err != nil {
		return nil, err
	}

	return &selfAttention{toQ: toQ, toKV: toKV, proj: proj, nHeads: nHeads, headDim: dim / nHeads}, nil
}

// Forward attends x [B, T, D]. When m is non-nil it is pooled by pool to T
// steps, used as key padding and returned.
func (a *selfAttention) Forward(x *tensor.Tensor, m *mask.Mask, pool int) (*tensor.Tensor, *mask.Mask, error) {
	b, t, d, err := x.Dims3()
	if err != nil {
		return nil, nil, err
	}

	pooled, err := m.Pool(pool, int(t))
	if err != nil {
		return nil, nil, fmt.Errorf("native: attention mask: %w", err)
	}

	if err := pooled.Check(b, t); err != nil {
		return nil, nil, fmt.Errorf("native: attention: %w", err)
	}

	q, err := a.toQ.Forward(x)
	if err != nil {
		return nil, nil, err
	}

	kv, err := a.toKV.Forward(x)
	if err != nil {
		return nil, nil, err
	}

	k, err := kv.Narrow(2, 0, d)
	if err != nil {
		return nil, nil, err
	}

	v, err := kv.Narrow(2, d, d)
	if err != nil {
		return nil, nil, err
	}

	heads := make([]*tensor.Tensor, 3)
	for i, p := range []*tensor.Tensor{q, k, v} {
		// [B, T, D] -> [B, H, T, Dh]
		p, err = p.Reshape([]int64{b, t, a.nHeads, a.headDim})
		if err != nil {
			return nil, nil, err
		}

		heads[i], err = p.Transpose(1, 2)
		if err != nil {
			return nil, nil, err
		}
	}

	out, err := ops.Attention(heads[0], heads[1], heads[2], pooled.Bools())
	if err != nil {
		return nil, nil, err
	}

	out, err = out.Transpose(1, 2) // [B, T, H, Dh]
	if err != nil {
		return nil, nil, err
	}

	out, err = out.Reshape([]int64{b, t, d})
	if err != nil {
		return nil, nil, err
	}

	y, err := a.proj.Forward(out)
	if err != nil {
		return nil, nil, err
	}

	return y, pooled, nil
}

// mixFFN is the position-wise feed-forward block with a depthwise 3-tap
// convolution between its two projections.
type mixFFN struct {
	fc1    *Linear
	dwconv *Conv1d
	fc2    *Linear
}

func loadMixFFN(vb *VarBuilder, dim, expansion int64) (*mixFFN, error) {
	hidden := dim * expansion

	fc1, err := loadLinear(vb, "fc1", dim, hidden, true)
	if err != nil {
		return nil, err
	}

	dwconv, err := loadConv1d(vb, "dwconv", convSpec{in: hidden, out: hidden, kernel: 3, padding: 1, groups: hidden, bias: true})
	if err != nil {
		return nil, err
	}

	fc2, err := loadLinear(vb, "fc2", hidden, dim, true)
	if err != nil {
		return nil, err
	}

	return &mixFFN{fc1: fc1, dwconv: dwconv, fc2: fc2}, nil
}

func (f *mixFFN) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	h, err := f.fc1.Forward(x)
	if err != nil {
		return nil, err
	}

	h, err = f.dwconv.Forward(h)
	if err != nil {
		return nil, err
	}

	return f.fc2.Forward(geluErfInPlace(h))
}
