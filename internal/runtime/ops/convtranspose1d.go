package ops

import (
	"errors"
	"fmt"

	"github.com/example/go-phoneme2mel/internal/runtime/tensor"
)

// ConvTranspose1D upsamples input [batch, in, length] with kernel
// [in, out, k]. Output length is (length-1)*stride - 2*padding + k; an empty
// input sequence yields an empty output.
func ConvTranspose1D(input, kernel, bias *tensor.Tensor, stride, padding int64) (*tensor.Tensor, error) {
	g, err := transposeGeometry(input, kernel, bias, stride, padding)
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

	g.scatter(input.RawData(), kernel.RawData(), biasData, out.RawData())

	return out, nil
}

// ConvTranspose1DOutputLength returns the output length of a transposed
// convolution. Lengths <= 0 mean the geometry is invalid for that input.
func ConvTranspose1DOutputLength(length, kernelSize, stride, padding int64) int64 {
	return (length-1)*stride - 2*padding + kernelSize
}

type transposeGeom struct {
	batch, in, inLen int
	out, k, outLen   int
	stride, padding  int
}

func transposeGeometry(input, kernel, bias *tensor.Tensor, stride, padding int64) (transposeGeom, error) {
	if input == nil || kernel == nil {
		return transposeGeom{}, errors.New("ops: convtranspose1d requires non-nil input/kernel")
	}

	if stride <= 0 || padding < 0 {
		return transposeGeom{}, fmt.Errorf("ops: convtranspose1d stride %d / padding %d out of range", stride, padding)
	}

	is, ks := input.Shape(), kernel.Shape()
	if len(is) != 3 || len(ks) != 3 {
		return transposeGeom{}, fmt.Errorf("ops: convtranspose1d expects input/kernel rank 3, got %v and %v", is, ks)
	}

	if ks[0] != is[1] {
		return transposeGeom{}, fmt.Errorf("ops: convtranspose1d kernel in_channels mismatch %d vs %d", ks[0], is[1])
	}

	if bias != nil {
		if bs := bias.Shape(); len(bs) != 1 || bs[0] != ks[1] {
			return transposeGeom{}, fmt.Errorf("ops: convtranspose1d bias shape %v does not match out_channels %d", bs, ks[1])
		}
	}

	g := transposeGeom{
		batch: int(is[0]), in: int(is[1]), inLen: int(is[2]),
		out: int(ks[1]), k: int(ks[2]),
		stride: int(stride), padding: int(padding),
	}

	if g.inLen > 0 {
		n := ConvTranspose1DOutputLength(is[2], ks[2], stride, padding)
		if n <= 0 {
			return transposeGeom{}, fmt.Errorf("ops: convtranspose1d produced non-positive output length %d", n)
		}

		g.outLen = int(n)
	}

	return g, nil
}

// scatter adds every input frame into the output rows it reaches. The kernel
// is repacked to [k, out, in] and each batch element to [inLen, in] so one
// contribution is a contiguous dot product over input channels. Output
// channels are split across the conv workers.
func (g transposeGeom) scatter(x, w, bias, y []float32) {
	packedW := getScratch(g.k * g.out * g.in)
	defer putScratch(packedW)

	for ic := range g.in {
		for oc := range g.out {
			for j := range g.k {
				packedW[(j*g.out+oc)*g.in+ic] = w[(ic*g.out+oc)*g.k+j]
			}
		}
	}

	frames := getScratch(g.inLen * g.in)
	defer putScratch(frames)

	for b := range g.batch {
		xb := x[b*g.in*g.inLen : (b+1)*g.in*g.inLen]
		for ic := range g.in {
			for t, v := range xb[ic*g.inLen : (ic+1)*g.inLen] {
				frames[t*g.in+ic] = v
			}
		}

		yb := y[b*g.out*g.outLen : (b+1)*g.out*g.outLen]
		tensor.ParallelFor(g.out, ConvWorkers(), func(lo, hi int) {
			for oc := lo; oc < hi; oc++ {
				row := yb[oc*g.outLen : (oc+1)*g.outLen]
				g.accumulateRow(row, packedW, frames, oc)

				if bias != nil {
					for i := range row {
						row[i] += bias[oc]
					}
				}
			}
		})
	}
}

func (g transposeGeom) accumulateRow(row, packedW, frames []float32, oc int) {
	for j := range g.k {
		taps := packedW[(j*g.out+oc)*g.in : (j*g.out+oc+1)*g.in]

		for t := range g.inLen {
			pos := t*g.stride - g.padding + j
			if pos < 0 || pos >= g.outLen {
				continue
			}

			row[pos] += tensor.DotProduct(taps, frames[t*g.in:(t+1)*g.in])
		}
	}
}
