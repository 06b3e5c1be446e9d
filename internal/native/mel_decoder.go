package native

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/example/go-phoneme2mel/internal/runtime/tensor"
)

const (
	melStacks         = 3
	minDecoderWidth   = 256
	decoderInputParts = 4 // fused, pitch, energy, duration features
)

type melLayer struct {
	conv *Conv1d
	norm *LayerNorm
}

// MelDecoder refines frame-rate features into a mel spectrogram.
type MelDecoder struct {
	width   int64
	proj    *Linear
	projLN  *LayerNorm
	stacks  [melStacks][]melLayer
	norm    *LayerNorm
	melProj *Linear
}

// LoadMelDecoder builds a decoder reading 4*dims[0] channels. kernelSize must
// be odd so every convolution preserves the frame count.
func LoadMelDecoder(vb *VarBuilder, dims []int64, melChannels, depth, kernelSize int64) (*MelDecoder, error) {
	if len(dims) == 0 {
		return nil, errors.New("native: mel decoder needs at least one stage dim")
	}

	if depth < 1 {
		return nil, fmt.Errorf("native: mel decoder depth must be >= 1, got %d", depth)
	}

	if kernelSize < 1 || kernelSize%2 == 0 {
		return nil, fmt.Errorf("native: mel decoder kernel size must be odd and positive, got %d", kernelSize)
	}

	if melChannels < 1 {
		return nil, fmt.Errorf("native: mel channel count must be positive, got %d", melChannels)
	}

	dim := dims[0]
	width := max(2*dim, minDecoderWidth)

	proj, err := loadLinear(vb, "fuse.linear", decoderInputParts*dim, width, true)
	if err != nil {
		return nil, err
	}

	projLN, err := loadLayerNorm(vb, "fuse.norm", width)
	if err != nil {
		return nil, err
	}

	d := &MelDecoder{width: width, proj: proj, projLN: projLN}

	for s := range d.stacks {
		layers := make([]melLayer, depth)

		for l := range layers {
			lvb := vb.Path("stacks", strconv.Itoa(s), strconv.Itoa(l))

			layers[l].conv, err = loadConv1d(lvb, "conv", convSpec{in: width, out: width, kernel: kernelSize, padding: kernelSize / 2, bias: true})
			if err != nil {
				return nil, err
			}

			layers[l].norm, err = loadLayerNorm(lvb, "norm", width)
			if err != nil {
				return nil, err
			}
		}

		d.stacks[s] = layers
	}

	d.norm, err = loadLayerNorm(vb, "norm", width)
	if err != nil {
		return nil, err
	}

	d.melProj, err = loadLinear(vb, "mel_linear", width, melChannels, true)
	if err != nil {
		return nil, err
	}

	return d, nil
}

// Width is the working channel width of the refinement stacks.
func (d *MelDecoder) Width() int64 { return d.width }

// Forward maps [B, T, 4*dims[0]] features to [B, T, melChannels]. Padded
// frames are not masked here.
func (d *MelDecoder) Forward(features *tensor.Tensor) (*tensor.Tensor, error) {
	x, err := d.proj.Forward(features)
	if err != nil {
		return nil, fmt.Errorf("native: mel decoder: %w", err)
	}

	skip, err := d.projLN.Forward(tanhInPlace(x))
	if err != nil {
		return nil, err
	}

	for s, layers := range d.stacks {
		x = skip

		for l, layer := range layers {
			y, err := layer.conv.Forward(x)
			if err != nil {
				return nil, fmt.Errorf("native: mel decoder stack %d layer %d: %w", s, l, err)
			}

			x, err = layer.norm.Forward(tanhInPlace(y))
			if err != nil {
				return nil, err
			}
		}

		sum, err := addSameShape(x, skip)
		if err != nil {
			return nil, err
		}

		skip, err = d.norm.Forward(sum)
		if err != nil {
			return nil, err
		}
	}

	return d.melProj.Forward(skip)
}
