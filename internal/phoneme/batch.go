// Package phoneme assembles padded phoneme id batches and their optional
// training targets.
package phoneme

import (
	"errors"
	"fmt"
	"math"

	"github.com/example/go-phoneme2mel/internal/mask"
)

// PadID is the reserved id of padding positions.
const PadID int64 = 0

// ErrInvalidID is wrapped by every error caused by an id that is not a
// usable token.
var ErrInvalidID = errors.New("invalid phoneme id")

// Batch is a right-padded [Size, Len] block of phoneme ids with its validity
// mask (nil when the caller supplied no padding information).
type Batch struct {
	Size int
	Len  int
	IDs  []int64
	Mask *mask.Mask
}

// NewBatch pads seqs with PadID to the longest sequence. Real tokens must be
// >= 1.
func NewBatch(seqs [][]int64) (*Batch, error) {
	if len(seqs) == 0 {
		return nil, fmt.Errorf("phoneme: %w: empty batch", mask.ErrShapeMismatch)
	}

	lengths := make([]int, len(seqs))
	maxLen := 0

	for i, seq := range seqs {
		for j, id := range seq {
			if id <= PadID {
				return nil, fmt.Errorf("phoneme: %w: sequence %d position %d has id %d (real tokens are >= 1)", ErrInvalidID, i, j, id)
			}
		}

		lengths[i] = len(seq)
		maxLen = max(maxLen, len(seq))
	}

	ids := make([]int64, len(seqs)*maxLen)
	for i, seq := range seqs {
		copy(ids[i*maxLen:], seq)
	}

	m, err := mask.FromLengths(lengths, maxLen)
	if err != nil {
		return nil, err
	}

	return &Batch{Size: len(seqs), Len: maxLen, IDs: ids, Mask: m}, nil
}

// FromPadded wraps an already padded id block. m may be nil.
func FromPadded(ids []int64, size, length int, m *mask.Mask) (*Batch, error) {
	if size <= 0 || length < 0 {
		return nil, fmt.Errorf("phoneme: invalid batch dims size=%d len=%d", size, length)
	}

	if len(ids) != size*length {
		return nil, fmt.Errorf("phoneme: %w: %d ids for [%d %d]", mask.ErrShapeMismatch, len(ids), size, length)
	}

	if err := m.Check(int64(size), int64(length)); err != nil {
		return nil, fmt.Errorf("phoneme: %w", err)
	}

	for i, id := range ids {
		if id < PadID {
			return nil, fmt.Errorf("phoneme: %w: id %d at flat position %d is negative", ErrInvalidID, id, i)
		}
	}

	return &Batch{Size: size, Len: length, IDs: append([]int64(nil), ids...), Mask: m}, nil
}

// Lengths returns the number of valid positions per element. Without a mask
// every position counts.
func (b *Batch) Lengths() []int {
	if b.Mask != nil {
		return b.Mask.Lengths()
	}

	out := make([]int, b.Size)
	for i := range out {
		out[i] = b.Len
	}

	return out
}

// Targets are the ground-truth values of a training batch, row-major
// [Size*Len] per phoneme position plus one frame count per element.
type Targets struct {
	Pitch    []float32
	Energy   []float32
	Duration []float32
	MelLen   []int
}

// Validate checks every target against the batch extent. Durations must be
// non-negative integers.
func (t *Targets) Validate(b *Batch) error {
	if t == nil {
		return nil
	}

	n := b.Size * b.Len

	for _, f := range []struct {
		name string
		vals []float32
	}{
		{"pitch", t.Pitch},
		{"energy", t.Energy},
		{"duration", t.Duration},
	} {
		if len(f.vals) != n {
			return fmt.Errorf("phoneme: %w: %s target has %d values, want %d", mask.ErrShapeMismatch, f.name, len(f.vals), n)
		}
	}

	if len(t.MelLen) != b.Size {
		return fmt.Errorf("phoneme: %w: mel_len target has %d values, want %d", mask.ErrShapeMismatch, len(t.MelLen), b.Size)
	}

	for i, d := range t.Duration {
		if d < 0 || math.IsNaN(float64(d)) || d != float32(math.Trunc(float64(d))) {
			return fmt.Errorf("phoneme: duration target %v at position %d is not a non-negative integer", d, i)
		}
	}

	for i, n := range t.MelLen {
		if n < 0 {
			return fmt.Errorf("phoneme: mel_len target %d of element %d is negative", n, i)
		}
	}

	return nil
}

// MaxMelLen is the frame budget of a training batch.
func (t *Targets) MaxMelLen() int {
	out := 0
	for _, n := range t.MelLen {
		out = max(out, n)
	}

	return out
}
