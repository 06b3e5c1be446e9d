package native

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/example/go-phoneme2mel/internal/mask"
	"github.com/example/go-phoneme2mel/internal/runtime/tensor"
)

type fuseStream struct {
	proj     *Linear
	upsample *ConvTranspose1d // nil when the stage runs at stage-0 resolution
}

// Fuse projects every stage map to stage 0's width, upsamples coarse stages
// back to stage 0's resolution and merges them into one map.
type Fuse struct {
	dims    []int64
	streams []*fuseStream
	fuse    *Linear
}

func LoadFuse(vb *VarBuilder, dims []int64, kernelSize int64) (*Fuse, error) {
	if len(dims) == 0 {
		return nil, errors.New("native: fuse needs at least one stage dim")
	}

	if kernelSize <= 0 {
		return nil, fmt.Errorf("native: fuse kernel size must be > 0, got %d", kernelSize)
	}

	dim := dims[0]
	streams := make([]*fuseStream, len(dims))

	for i, d := range dims {
		if d <= 0 || d%dim != 0 {
			return nil, fmt.Errorf("native: fuse stage %d width %d is not a positive multiple of %d", i, d, dim)
		}

		svb := vb.Path("streams", strconv.Itoa(i))

		proj, err := loadLinear(svb, "proj", d, dim, true)
		if err != nil {
			return nil, err
		}

		s := &fuseStream{proj: proj}

		if k := d / dim; k > 1 {
			// (ceil(L/k)-1)*k + kernel >= L for every L only when kernel >= k.
			if kernelSize < k {
				return nil, fmt.Errorf("native: fuse kernel size %d cannot cover upsampling stride %d of stage %d", kernelSize, k, i)
			}

			s.upsample, err = loadConvTranspose1d(svb, "upsample", convSpec{in: dim, out: dim, kernel: kernelSize, stride: k, bias: true})
			if err != nil {
				return nil, err
			}
		}

		streams[i] = s
	}

	fuse, err := loadLinear(vb, "fuse", dim*int64(len(dims)), dim, true)
	if err != nil {
		return nil, err
	}

	return &Fuse{dims: append([]int64(nil), dims...), streams: streams, fuse: fuse}, nil
}

// Forward returns a [B, T, dims[0]] map where T is the mask length, or stage
// 0's length when m is nil.
func (f *Fuse) Forward(features []*tensor.Tensor, m *mask.Mask) (*tensor.Tensor, error) {
	if len(features) != len(f.streams) {
		return nil, fmt.Errorf("native: fuse: %w: %d feature maps for %d stages", ErrShapeMismatch, len(features), len(f.streams))
	}

	target := features[0].Dim(1)
	if m != nil {
		target = int64(m.Len())
	}

	parts := make([]*tensor.Tensor, len(features))

	for i, feature := range features {
		x, err := f.streams[i].proj.Forward(feature)
		if err != nil {
			return nil, fmt.Errorf("native: fuse stage %d: %w", i, err)
		}

		if up := f.streams[i].upsample; up != nil {
			x, err = up.Forward(x)
			if err != nil {
				return nil, fmt.Errorf("native: fuse stage %d upsample: %w", i, err)
			}
		}

		parts[i], err = truncateTime(x, target)
		if err != nil {
			return nil, fmt.Errorf("native: fuse stage %d: %w", i, err)
		}
	}

	cat, err := tensor.Concat(parts, -1)
	if err != nil {
		return nil, fmt.Errorf("native: fuse concat: %w", err)
	}

	out, err := f.fuse.Forward(cat)
	if err != nil {
		return nil, err
	}

	if err := m.ApplyInPlace(out); err != nil {
		return nil, fmt.Errorf("native: fuse: %w", err)
	}

	return out, nil
}
