package native

import (
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/example/go-phoneme2mel/internal/runtime/tensor"
)

// RegulateLength expands a phoneme-rate map x [B, L, C] to frame rate by
// repeating position j of element b durations[b*L+j] times. The result is
// right-padded with zeros to maxLen frames; maxLen <= 0 pads to the longest
// element. It returns the expanded map and each element's realized length.
//
// An element whose realized length exceeds a positive maxLen is an error.
func RegulateLength(x *tensor.Tensor, durations []int64, maxLen int) (*tensor.Tensor, []int, error) {
	if x == nil {
		return nil, nil, errors.New("native: length regulator requires a feature map")
	}

	batch, length, channels, err := x.Dims3()
	if err != nil {
		return nil, nil, fmt.Errorf("native: length regulator: %w", err)
	}

	if int64(len(durations)) != batch*length {
		return nil, nil, fmt.Errorf("native: length regulator: %w: %d durations for [%d %d]", ErrShapeMismatch, len(durations), batch, length)
	}

	realized := make([]int, batch)
	longest := 0

	for b := range realized {
		total := 0

		for j, d := range durations[int64(b)*length : int64(b+1)*length] {
			if d < 0 {
				return nil, nil, fmt.Errorf("native: length regulator: negative duration %d at element %d position %d", d, b, j)
			}

			total += int(d)
		}

		realized[b] = total
		longest = max(longest, total)
	}

	if maxLen <= 0 {
		maxLen = longest
	} else if longest > maxLen {
		return nil, nil, fmt.Errorf("native: length regulator: realized length %d exceeds max length %d", longest, maxLen)
	}

	out, err := tensor.Zeros([]int64{batch, int64(maxLen), channels})
	if err != nil {
		return nil, nil, err
	}

	src := x.RawData()
	dst := out.RawData()
	rowIn := int(length * channels)
	rowOut := maxLen * int(channels)
	c := int(channels)

	// Elements write disjoint rows of dst.
	var g errgroup.Group
	g.SetLimit(tensor.Workers())

	for b := range int(batch) {
		g.Go(func() error {
			in := src[b*rowIn : (b+1)*rowIn]
			frames := dst[b*rowOut : (b+1)*rowOut]
			pos := 0

			for j, d := range durations[b*int(length) : (b+1)*int(length)] {
				vec := in[j*c : (j+1)*c]
				for range d {
					copy(frames[pos*c:(pos+1)*c], vec)
					pos++
				}
			}

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	return out, realized, nil
}
