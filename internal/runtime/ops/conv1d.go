package ops

import (
	"errors"
	"fmt"

	"github.com/example/go-phoneme2mel/internal/runtime/tensor"
)

// Conv1D convolves input [batch, in, length] with kernel
// [out, in/groups, k]. groups must be 1 (dense, im2col) or equal to both
// channel counts (depthwise).
func Conv1D(input, kernel, bias *tensor.Tensor, stride, padding, groups int64) (*tensor.Tensor, error) {
	g, err := convGeometry(input, kernel, bias, stride, padding, groups)
	if err != nil {
		return nil, err
	}

	out, err := tensor.Zeros([]int64{int64(g.batch), int64(g.out), int64(g.outLen)})
	if err != nil {
		return nil, err
	}

	if g.outLen == 0 {
		return out, nil
	}

	var biasData []float32
	if bias != nil {
		biasData = bias.RawData()
	}

	if g.depthwise {
		g.runDepthwise(input.RawData(), kernel.RawData(), biasData, out.RawData())
	} else {
		g.runDense(input.RawData(), kernel.RawData(), biasData, out.RawData())
	}

	return out, nil
}

// Conv1DOutputLength returns the output length of a Conv1d with the given
// geometry, clamped at zero.
func Conv1DOutputLength(length, kernelSize, stride, padding int64) int64 {
	if stride <= 0 {
		return 0
	}

	reach := length + 2*padding - kernelSize
	if reach < 0 {
		return 0
	}

	return reach/stride + 1
}

type convGeom struct {
	batch, in, length int
	out, k, outLen    int
	stride, padding   int
	depthwise         bool
}

func convGeometry(input, kernel, bias *tensor.Tensor, stride, padding, groups int64) (convGeom, error) {
	if input == nil || kernel == nil {
		return convGeom{}, errors.New("ops: conv1d requires non-nil input/kernel")
	}

	if stride <= 0 || groups <= 0 {
		return convGeom{}, fmt.Errorf("ops: conv1d stride and groups must be > 0, got %d and %d", stride, groups)
	}

	if padding < 0 {
		return convGeom{}, fmt.Errorf("ops: conv1d padding must be >= 0, got %d", padding)
	}

	is, ks := input.Shape(), kernel.Shape()
	if len(is) != 3 || len(ks) != 3 {
		return convGeom{}, fmt.Errorf("ops: conv1d expects input/kernel rank 3, got %v and %v", is, ks)
	}

	if ks[2] <= 0 {
		return convGeom{}, fmt.Errorf("ops: conv1d kernel size must be > 0, got %d", ks[2])
	}

	switch {
	case groups == 1:
	case groups == is[1] && groups == ks[0]:
	default:
		return convGeom{}, fmt.Errorf("ops: conv1d groups=%d unsupported for %d->%d channels (want 1 or depthwise)", groups, is[1], ks[0])
	}

	if ks[1] != is[1]/groups {
		return convGeom{}, fmt.Errorf("ops: conv1d kernel in_channels/groups mismatch: got %d want %d", ks[1], is[1]/groups)
	}

	if bias != nil {
		if bs := bias.Shape(); len(bs) != 1 || bs[0] != ks[0] {
			return convGeom{}, fmt.Errorf("ops: conv1d bias shape %v does not match out_channels %d", bs, ks[0])
		}
	}

	g := convGeom{
		batch: int(is[0]), in: int(is[1]), length: int(is[2]),
		out: int(ks[0]), k: int(ks[2]),
		stride: int(stride), padding: int(padding),
		depthwise: groups > 1,
	}

	// An empty sequence stays empty; a non-empty one must produce output.
	if g.length > 0 {
		n := Conv1DOutputLength(is[2], ks[2], stride, padding)
		if n <= 0 {
			return convGeom{}, fmt.Errorf("ops: conv1d produced non-positive output length for input length %d", g.length)
		}

		g.outLen = int(n)
	}

	return g, nil
}

// runDense lowers the convolution to a GEMM over an im2col patch matrix
// [outLen, in*k]. Kernel rows and patch rows are both contiguous so every
// output value is one dot product.
func (g convGeom) runDense(x, w, bias, y []float32) {
	patch := g.in * g.k

	cols := getScratch(g.outLen * patch)
	defer putScratch(cols)

	for b := range g.batch {
		g.im2col(x[b*g.in*g.length:(b+1)*g.in*g.length], cols)

		yb := y[b*g.out*g.outLen : (b+1)*g.out*g.outLen]
		tensor.ParallelFor(g.out, ConvWorkers(), func(lo, hi int) {
			for oc := lo; oc < hi; oc++ {
				taps := w[oc*patch : (oc+1)*patch]
				row := yb[oc*g.outLen : (oc+1)*g.outLen]

				var bv float32
				if bias != nil {
					bv = bias[oc]
				}

				for t := range row {
					row[t] = tensor.DotProduct(taps, cols[t*patch:(t+1)*patch]) + bv
				}
			}
		})
	}
}

// im2col fills cols from one batch element; taps that fall in the padding
// are written as zero.
func (g convGeom) im2col(xb, cols []float32) {
	patch := g.in * g.k

	for t := range g.outLen {
		dst := cols[t*patch : (t+1)*patch]
		start := t*g.stride - g.padding

		for ic := range g.in {
			src := xb[ic*g.length : (ic+1)*g.length]

			for j := range g.k {
				v := float32(0)
				if p := start + j; p >= 0 && p < g.length {
					v = src[p]
				}

				dst[ic*g.k+j] = v
			}
		}
	}
}

// runDepthwise filters every channel with its own kernel row.
func (g convGeom) runDepthwise(x, w, bias, y []float32) {
	for b := range g.batch {
		tensor.ParallelFor(g.in, ConvWorkers(), func(lo, hi int) {
			for c := lo; c < hi; c++ {
				src := x[(b*g.in+c)*g.length : (b*g.in+c+1)*g.length]
				dst := y[(b*g.in+c)*g.outLen : (b*g.in+c+1)*g.outLen]
				taps := w[c*g.k : (c+1)*g.k]

				var bv float32
				if bias != nil {
					bv = bias[c]
				}

				for t := range dst {
					sum := bv
					start := t*g.stride - g.padding

					for j, kv := range taps {
						if p := start + j; p >= 0 && p < g.length {
							sum += src[p] * kv
						}
					}

					dst[t] = sum
				}
			}
		})
	}
}
