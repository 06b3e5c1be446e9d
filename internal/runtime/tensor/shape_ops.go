package tensor

import (
	"errors"
	"fmt"
	"slices"
)

// span is a half-open range [lo, lo+n) along one dimension.
type span struct{ lo, n int64 }

// takeSpans builds a tensor whose dim is the concatenation of the given spans
// of t along dim. Each span moves as one contiguous block per outer index.
func (t *Tensor) takeSpans(dim int, spans []span) (*Tensor, error) {
	size := int64(0)
	for _, s := range spans {
		size += s.n
	}

	shape := slices.Clone(t.shape)
	shape[dim] = size

	out, err := Zeros(shape)
	if err != nil {
		return nil, err
	}

	outer, inner := outerInner(t.shape, dim)
	srcStride, dstStride := t.shape[dim]*inner, size*inner

	for o := range outer {
		src := t.data[o*srcStride : (o+1)*srcStride]
		dst := out.data[o*dstStride : (o+1)*dstStride]

		for _, s := range spans {
			n := copy(dst, src[s.lo*inner:(s.lo+s.n)*inner])
			dst = dst[n:]
		}
	}

	return out, nil
}

// Narrow returns length entries of dim starting at start.
func (t *Tensor) Narrow(dim int, start, length int64) (*Tensor, error) {
	if t == nil {
		return nil, errors.New("tensor: narrow on nil tensor")
	}

	dim, err := normalizeDim(dim, len(t.shape))
	if err != nil {
		return nil, fmt.Errorf("tensor: narrow: %w", err)
	}

	if start < 0 || length < 0 || start+length > t.shape[dim] {
		return nil, fmt.Errorf("tensor: narrow: range [%d:%d] out of bounds for dim %d size %d", start, start+length, dim, t.shape[dim])
	}

	return t.takeSpans(dim, []span{{start, length}})
}

// Gather picks the given indices of dim, in order. Indices may repeat.
func (t *Tensor) Gather(dim int, indices []int64) (*Tensor, error) {
	if t == nil {
		return nil, errors.New("tensor: gather on nil tensor")
	}

	dim, err := normalizeDim(dim, len(t.shape))
	if err != nil {
		return nil, fmt.Errorf("tensor: gather: %w", err)
	}

	spans := make([]span, len(indices))

	for i, idx := range indices {
		if idx < 0 || idx >= t.shape[dim] {
			return nil, fmt.Errorf("tensor: gather index %d (%d) out of range for dim %d size %d", i, idx, dim, t.shape[dim])
		}

		spans[i] = span{idx, 1}
	}

	return t.takeSpans(dim, spans)
}

// Transpose swaps dim1 and dim2.
func (t *Tensor) Transpose(dim1, dim2 int) (*Tensor, error) {
	if t == nil {
		return nil, errors.New("tensor: transpose on nil tensor")
	}

	rank := len(t.shape)

	d1, err := normalizeDim(dim1, rank)
	if err != nil {
		return nil, fmt.Errorf("tensor: transpose dim1: %w", err)
	}

	d2, err := normalizeDim(dim2, rank)
	if err != nil {
		return nil, fmt.Errorf("tensor: transpose dim2: %w", err)
	}

	if d1 == d2 {
		return t.Clone(), nil
	}

	if d1 > d2 {
		d1, d2 = d2, d1
	}

	outShape := slices.Clone(t.shape)
	outShape[d1], outShape[d2] = outShape[d2], outShape[d1]

	out, err := Zeros(outShape)
	if err != nil {
		return nil, err
	}

	// View the shape as [outer, p, mid, q, inner] and move runs of inner
	// values from (p, m, q) to (q, m, p).
	outer, _ := outerInner(t.shape, d1)
	_, inner := outerInner(t.shape, d2)
	p, q := t.shape[d1], t.shape[d2]

	mid := int64(1)
	for _, d := range t.shape[d1+1 : d2] {
		mid *= d
	}

	block := p * mid * q * inner

	for o := range outer {
		src := t.data[o*block : (o+1)*block]
		dst := out.data[o*block : (o+1)*block]

		for i := range p {
			for m := range mid {
				for j := range q {
					from := ((i*mid+m)*q + j) * inner
					to := ((j*mid+m)*p + i) * inner
					copy(dst[to:to+inner], src[from:from+inner])
				}
			}
		}
	}

	return out, nil
}

// Concat joins tensors along dim. All other dimensions must agree.
func Concat(tensors []*Tensor, dim int) (*Tensor, error) {
	if len(tensors) == 0 || tensors[0] == nil {
		return nil, errors.New("tensor: concat requires at least one non-nil tensor")
	}

	base := tensors[0].shape

	dim, err := normalizeDim(dim, len(base))
	if err != nil {
		return nil, fmt.Errorf("tensor: concat: %w", err)
	}

	shape := slices.Clone(base)
	shape[dim] = 0

	for i, t := range tensors {
		if t == nil {
			return nil, fmt.Errorf("tensor: concat tensor %d is nil", i)
		}

		if !sameExcept(t.shape, base, dim) {
			return nil, fmt.Errorf("tensor: concat tensor %d shape %v does not match base shape %v outside dim %d", i, t.shape, base, dim)
		}

		shape[dim] += t.shape[dim]
	}

	out, err := Zeros(shape)
	if err != nil {
		return nil, err
	}

	outer, inner := outerInner(shape, dim)
	stride := shape[dim] * inner

	for o := range outer {
		dst := out.data[o*stride : (o+1)*stride]

		for _, t := range tensors {
			block := t.shape[dim] * inner
			n := copy(dst, t.data[o*block:(o+1)*block])
			dst = dst[n:]
		}
	}

	return out, nil
}

// sameExcept reports whether a and b have the same rank and agree on every
// dimension other than skip.
func sameExcept(a, b []int64, skip int) bool {
	if len(a) != len(b) {
		return false
	}

	for i := range a {
		if i != skip && a[i] != b[i] {
			return false
		}
	}

	return true
}
