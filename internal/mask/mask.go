// Package mask holds the validity mask threaded through every resolution of
// the phoneme-to-mel pipeline. A true entry marks a padded (invalid) step.
package mask

import (
	"errors"
	"fmt"

	"github.com/example/go-phoneme2mel/internal/runtime/tensor"
)

// ErrShapeMismatch is wrapped by every error caused by a tensor, mask or
// target whose extent disagrees with the sequence it is applied to.
var ErrShapeMismatch = errors.New("shape mismatch")

// Mask is an immutable [batch, length] boolean mask. The nil *Mask means "no
// padding information" and is accepted by every method.
type Mask struct {
	batch  int
	length int
	padded []bool
}

// New copies padded (row-major, batch*length entries) into a Mask.
func New(batch, length int, padded []bool) (*Mask, error) {
	if batch < 0 || length < 0 {
		return nil, fmt.Errorf("mask: invalid dims batch=%d length=%d", batch, length)
	}

	if len(padded) != batch*length {
		return nil, fmt.Errorf("mask: %w: %d entries for batch=%d length=%d", ErrShapeMismatch, len(padded), batch, length)
	}

	return &Mask{batch: batch, length: length, padded: append([]bool(nil), padded...)}, nil
}

// FromLengths builds the mask of right-padded sequences: step t of element b
// is padding when t >= lengths[b]. maxLen <= 0 selects max(lengths).
func FromLengths(lengths []int, maxLen int) (*Mask, error) {
	if maxLen <= 0 {
		maxLen = 0
		for _, n := range lengths {
			maxLen = max(maxLen, n)
		}
	}

	m := &Mask{batch: len(lengths), length: maxLen, padded: make([]bool, len(lengths)*maxLen)}

	for b, n := range lengths {
		if n < 0 || n > maxLen {
			return nil, fmt.Errorf("mask: length %d of element %d outside [0, %d]", n, b, maxLen)
		}

		row := m.padded[b*maxLen : (b+1)*maxLen]
		for t := n; t < maxLen; t++ {
			row[t] = true
		}
	}

	return m, nil
}

func (m *Mask) Batch() int {
	if m == nil {
		return 0
	}

	return m.batch
}

func (m *Mask) Len() int {
	if m == nil {
		return 0
	}

	return m.length
}

// Padded reports whether step t of element b is padding.
func (m *Mask) Padded(b, t int) bool {
	if m == nil {
		return false
	}

	return m.padded[b*m.length+t]
}

// Bools returns a copy of the row-major entries.
func (m *Mask) Bools() []bool {
	if m == nil {
		return nil
	}

	return append([]bool(nil), m.padded...)
}

// Lengths counts the valid steps of every element.
func (m *Mask) Lengths() []int {
	if m == nil {
		return nil
	}

	out := make([]int, m.batch)

	for b := range m.batch {
		for _, p := range m.padded[b*m.length : (b+1)*m.length] {
			if !p {
				out[b]++
			}
		}
	}

	return out
}

// Check verifies the mask covers a [batch, length, ...] sequence.
func (m *Mask) Check(batch, length int64) error {
	if m == nil {
		return nil
	}

	if int64(m.batch) != batch || int64(m.length) != length {
		return fmt.Errorf("mask: %w: mask [%d %d] applied to sequence [%d %d]", ErrShapeMismatch, m.batch, m.length, batch, length)
	}

	return nil
}

// Pool derives the mask of a sequence downsampled by factor to length steps.
// Step j takes the entry at j*factor; steps that fall past the source are
// padding. The result always has exactly length steps.
func (m *Mask) Pool(factor, length int) (*Mask, error) {
	if m == nil {
		return nil, nil
	}

	if factor < 1 {
		return nil, fmt.Errorf("mask: pool factor must be >= 1, got %d", factor)
	}

	if length < 0 {
		return nil, fmt.Errorf("mask: pooled length must be >= 0, got %d", length)
	}

	out := &Mask{batch: m.batch, length: length, padded: make([]bool, m.batch*length)}

	for b := range m.batch {
		src := m.padded[b*m.length : (b+1)*m.length]
		dst := out.padded[b*length : (b+1)*length]

		for j := range dst {
			if i := j * factor; i < len(src) {
				dst[j] = src[i]
			} else {
				dst[j] = true
			}
		}
	}

	return out, nil
}

// Apply returns a copy of x ([batch, length, channels]) with padded steps set
// to zero. Applying the same mask twice is a no-op. A nil mask returns x.
func (m *Mask) Apply(x *tensor.Tensor) (*tensor.Tensor, error) {
	if m == nil {
		return x, nil
	}

	out := x.Clone()
	if err := m.ApplyInPlace(out); err != nil {
		return nil, err
	}

	return out, nil
}

// ApplyInPlace zeroes the padded steps of x.
func (m *Mask) ApplyInPlace(x *tensor.Tensor) error {
	if m == nil {
		return nil
	}

	if x == nil {
		return errors.New("mask: apply to nil tensor")
	}

	b, n, c, err := x.Dims3()
	if err != nil {
		return fmt.Errorf("mask: apply: %w", err)
	}

	if err := m.Check(b, n); err != nil {
		return err
	}

	data := x.RawData()
	ci := int(c)

	for i, p := range m.padded {
		if p {
			clear(data[i*ci : (i+1)*ci])
		}
	}

	return nil
}
