package tensor

import (
	"errors"
	"fmt"
	"math"
	"slices"
)

// checkVector verifies that an optional parameter v has shape [n].
func checkVector(op, name string, v *Tensor, n int64) error {
	if v == nil || (len(v.shape) == 1 && v.shape[0] == n) {
		return nil
	}

	return fmt.Errorf("tensor: %s %s shape %v does not match dimension %d", op, name, v.shape, n)
}

// Softmax applies softmax along dim. Lanes whose values are all -Inf (every
// key masked out) produce zeros instead of NaN.
func Softmax(x *Tensor, dim int) (*Tensor, error) {
	if x == nil || len(x.shape) == 0 {
		return nil, errors.New("tensor: softmax requires a tensor of rank >= 1")
	}

	dim, err := normalizeDim(dim, len(x.shape))
	if err != nil {
		return nil, fmt.Errorf("tensor: softmax: %w", err)
	}

	n := x.shape[dim]
	if n <= 0 {
		return nil, fmt.Errorf("tensor: softmax axis dimension must be > 0, got %d", n)
	}

	out := x.Clone()
	outer, inner := outerInner(x.shape, dim)
	lanes := int(outer * inner)

	ParallelFor(lanes, getWorkers(), func(lo, hi int) {
		lane := make([]float32, n)

		for l := lo; l < hi; l++ {
			o, i := int64(l)/inner, int64(l)%inner
			base := o*n*inner + i

			for k := range n {
				lane[k] = out.data[base+k*inner]
			}

			softmaxInPlace(lane)

			for k, v := range lane {
				out.data[base+int64(k)*inner] = v
			}
		}
	})

	return out, nil
}

func softmaxInPlace(v []float32) {
	peak := slices.Max(v)
	if math.IsInf(float64(peak), -1) {
		clear(v)
		return
	}

	var total float64

	for i, x := range v {
		e := math.Exp(float64(x - peak))
		v[i] = float32(e)
		total += e
	}

	scale := float32(1 / total)
	for i := range v {
		v[i] *= scale
	}
}

// LayerNorm normalizes the last dimension and applies optional weight/bias.
func LayerNorm(x, weight, bias *Tensor, eps float32) (*Tensor, error) {
	if x == nil || len(x.shape) == 0 {
		return nil, errors.New("tensor: layernorm requires a tensor of rank >= 1")
	}

	if eps <= 0 {
		return nil, errors.New("tensor: layernorm eps must be > 0")
	}

	d := x.shape[len(x.shape)-1]
	if d <= 0 {
		return nil, errors.New("tensor: layernorm last dimension must be > 0")
	}

	if err := checkVector("layernorm", "weight", weight, d); err != nil {
		return nil, err
	}

	if err := checkVector("layernorm", "bias", bias, d); err != nil {
		return nil, err
	}

	var gamma, beta []float32
	if weight != nil {
		gamma = weight.data
	}

	if bias != nil {
		beta = bias.data
	}

	out := x.Clone()
	width := int(d)

	ParallelFor(len(out.data)/width, getWorkers(), func(lo, hi int) {
		for r := lo; r < hi; r++ {
			normalizeRow(out.data[r*width:(r+1)*width], gamma, beta, float64(eps))
		}
	})

	return out, nil
}

// normalizeRow rescales row to zero mean and unit variance, then applies the
// affine gamma/beta when present.
func normalizeRow(row, gamma, beta []float32, eps float64) {
	var mean float64
	for _, v := range row {
		mean += float64(v)
	}

	mean /= float64(len(row))

	var sq float64

	for _, v := range row {
		dv := float64(v) - mean
		sq += dv * dv
	}

	inv := 1 / math.Sqrt(sq/float64(len(row))+eps)

	for i, v := range row {
		y := float32((float64(v) - mean) * inv)
		if gamma != nil {
			y *= gamma[i]
		}

		if beta != nil {
			y += beta[i]
		}

		row[i] = y
	}
}

// MatMul multiplies the trailing [m, k] x [k, n] matrices of a and b. Both
// operands must carry the same leading batch dimensions.
func MatMul(a, b *Tensor) (*Tensor, error) {
	if a == nil || b == nil {
		return nil, errors.New("tensor: matmul requires non-nil inputs")
	}

	r := len(a.shape)
	if r < 2 || len(b.shape) != r {
		return nil, fmt.Errorf("tensor: matmul needs equal ranks >= 2, got %v and %v", a.shape, b.shape)
	}

	if !slices.Equal(a.shape[:r-2], b.shape[:r-2]) {
		return nil, fmt.Errorf("tensor: matmul batch dims differ: %v vs %v", a.shape, b.shape)
	}

	m, k, n := int(a.shape[r-2]), int(a.shape[r-1]), int(b.shape[r-1])
	if kb := int(b.shape[r-2]); kb != k {
		return nil, fmt.Errorf("tensor: matmul mismatch: A shape %v and B shape %v (K dims %d vs %d)", a.shape, b.shape, k, kb)
	}

	outShape := slices.Concat(a.shape[:r-2], []int64{int64(m), int64(n)})

	out, err := Zeros(outShape)
	if err != nil {
		return nil, err
	}

	batches := 1
	for _, d := range a.shape[:r-2] {
		batches *= int(d)
	}

	ParallelFor(batches, getWorkers(), func(lo, hi int) {
		// bT holds one batch of b transposed to [n, k] so rows of a and
		// columns of b are both contiguous.
		bT := make([]float32, n*k)

		for bi := lo; bi < hi; bi++ {
			am := a.data[bi*m*k : (bi+1)*m*k]
			bm := b.data[bi*k*n : (bi+1)*k*n]
			om := out.data[bi*m*n : (bi+1)*m*n]

			for kk := range k {
				for j := range n {
					bT[j*k+kk] = bm[kk*n+j]
				}
			}

			for i := range m {
				row := am[i*k : (i+1)*k]
				for j := range n {
					om[i*n+j] = dotF32(row, bT[j*k:(j+1)*k])
				}
			}
		}
	})

	return out, nil
}

// Linear applies y = x * W^T + b where weight shape is [out, in].
func Linear(x, weight, bias *Tensor) (*Tensor, error) {
	if x == nil || weight == nil || len(x.shape) == 0 {
		return nil, errors.New("tensor: linear requires non-nil x of rank >= 1 and a weight")
	}

	if len(weight.shape) != 2 {
		return nil, fmt.Errorf("tensor: linear weight must be rank 2, got %v", weight.shape)
	}

	last := len(x.shape) - 1
	in, out := int(x.shape[last]), int(weight.shape[0])

	if int(weight.shape[1]) != in {
		return nil, fmt.Errorf("tensor: linear mismatch: x last dim %d, weight in dim %d", in, weight.shape[1])
	}

	if err := checkVector("linear", "bias", bias, int64(out)); err != nil {
		return nil, err
	}

	rows := 0
	if in > 0 {
		rows = len(x.data) / in
	}

	y := make([]float32, rows*out)

	ParallelFor(rows, getWorkers(), func(lo, hi int) {
		for r := lo; r < hi; r++ {
			src := x.data[r*in : (r+1)*in]
			dst := y[r*out : (r+1)*out]

			for o := range dst {
				dst[o] = dotF32(src, weight.data[o*in:(o+1)*in])
			}

			if bias != nil {
				for o, b := range bias.data {
					dst[o] += b
				}
			}
		}
	})

	shape := slices.Clone(x.shape)
	shape[last] = int64(out)

	return newOwned(y, shape), nil
}
