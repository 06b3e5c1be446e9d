package native

import (
	"errors"
	"fmt"
	"math"
	"strconv"

	"github.com/example/go-phoneme2mel/internal/mask"
	"github.com/example/go-phoneme2mel/internal/runtime/tensor"
)

// EncoderConfig describes the resolution stages of the phoneme encoder.
type EncoderConfig struct {
	Depth      int64
	EmbedDim   int64
	Reduction  int64
	Heads      int64
	KernelSize int64
	Expansion  int64
	VocabSize  int64
}

// stageSpec is the static geometry of one resolution stage.
type stageSpec struct {
	dimIn   int64
	dimOut  int64
	heads   int64
	kernel  int64
	stride  int64
	padding int64
}

// stageSpecs lays out the stages: stage i outputs small*2^i channels, takes
// the previous stage's width and, after the first, halves the sequence with a
// k-2 kernel.
func (c EncoderConfig) stageSpecs() []stageSpec {
	small := c.EmbedDim / c.Reduction
	specs := make([]stageSpec, c.Depth)

	for i := range c.Depth {
		s := stageSpec{
			dimIn:  small << max(i-1, 0),
			dimOut: small << i,
			heads:  c.Heads * (i + 1),
			kernel: c.KernelSize,
			stride: 1,
		}

		if i == 0 {
			s.dimIn = c.EmbedDim
		} else {
			s.kernel -= 2
			s.stride = 2
		}

		s.padding = s.kernel / 2
		specs[i] = s
	}

	return specs
}

// Dims returns the channel width of every stage output.
func (c EncoderConfig) Dims() []int64 {
	specs := c.stageSpecs()

	dims := make([]int64, len(specs))
	for i, s := range specs {
		dims[i] = s.dimOut
	}

	return dims
}

func (c EncoderConfig) Validate() error {
	if c.Depth < 1 {
		return fmt.Errorf("native: encoder depth must be >= 1, got %d", c.Depth)
	}

	if c.EmbedDim <= 0 || c.Reduction <= 0 || c.Heads <= 0 || c.Expansion <= 0 || c.VocabSize <= 1 {
		return fmt.Errorf("native: encoder dims must be positive (embed=%d reduction=%d heads=%d expansion=%d vocab=%d)",
			c.EmbedDim, c.Reduction, c.Heads, c.Expansion, c.VocabSize)
	}

	if c.EmbedDim%c.Reduction != 0 {
		return fmt.Errorf("native: embed dim %d not divisible by reduction %d", c.EmbedDim, c.Reduction)
	}

	if c.KernelSize < 1 || (c.Depth > 1 && c.KernelSize < 3) {
		return fmt.Errorf("native: encoder kernel size %d too small for depth %d", c.KernelSize, c.Depth)
	}

	// Stage 0 pads k/2 at stride 1, which keeps the length only for odd k.
	if c.KernelSize%2 == 0 {
		return fmt.Errorf("native: encoder kernel size %d must be odd", c.KernelSize)
	}

	for i, s := range c.stageSpecs() {
		if s.dimOut%s.heads != 0 {
			return fmt.Errorf("native: stage %d width %d not divisible by %d heads", i, s.dimOut, s.heads)
		}
	}

	return nil
}

type encoderStage struct {
	spec      stageSpec
	merge     *Conv1d
	pointwise *Conv1d
	attn      *selfAttention
	ffn       *mixFFN
	norm      *LayerNorm
}

// Encoder embeds phoneme ids and runs them through the resolution stages.
type Encoder struct {
	cfg    EncoderConfig
	embed  *Embedding
	stages []*encoderStage
}

func LoadEncoder(vb *VarBuilder, cfg EncoderConfig) (*Encoder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	embed, err := loadEmbedding(vb, "embed", cfg.VocabSize, cfg.EmbedDim, 0)
	if err != nil {
		return nil, err
	}

	specs := cfg.stageSpecs()
	stages := make([]*encoderStage, len(specs))

	for i, spec := range specs {
		svb := vb.Path("stages", strconv.Itoa(i))

		stage, err := loadEncoderStage(svb, spec, cfg.Expansion)
		if err != nil {
			return nil, fmt.Errorf("native: encoder stage %d: %w", i, err)
		}

		stages[i] = stage
	}

	return &Encoder{cfg: cfg, embed: embed, stages: stages}, nil
}

func loadEncoderStage(vb *VarBuilder, spec stageSpec, expansion int64) (*encoderStage, error) {
	merge, err := loadConv1d(vb, "merge", convSpec{
		in: spec.dimIn, out: spec.dimIn, kernel: spec.kernel, stride: spec.stride, padding: spec.padding,
	})
	if err != nil {
		return nil, err
	}

	pointwise, err := loadConv1d(vb, "pointwise", convSpec{in: spec.dimIn, out: spec.dimOut, kernel: 1})
	if err != nil {
		return nil, err
	}

	attn, err := loadSelfAttention(vb.Path("attn"), spec.dimOut, spec.heads)
	if err != nil {
		return nil, err
	}

	ffn, err := loadMixFFN(vb.Path("ffn"), spec.dimOut, expansion)
	if err != nil {
		return nil, err
	}

	norm, err := loadLayerNorm(vb, "norm", spec.dimOut)
	if err != nil {
		return nil, err
	}

	return &encoderStage{spec: spec, merge: merge, pointwise: pointwise, attn: attn, ffn: ffn, norm: norm}, nil
}

func (e *Encoder) Dims() []int64 { return e.cfg.Dims() }

// Forward encodes ids ([batch*length], row-major). It returns one feature map
// per stage and the decoder-facing mask, which is the first mask produced by
// a stage (nil when m is nil).
func (e *Encoder) Forward(ids []int64, batch, length int64, m *mask.Mask) ([]*tensor.Tensor, *mask.Mask, error) {
	if e == nil {
		return nil, nil, errors.New("native: encoder is not initialized")
	}

	if err := m.Check(batch, length); err != nil {
		return nil, nil, fmt.Errorf("native: encoder input: %w", err)
	}

	x, err := e.embed.Forward(ids, batch, length)
	if err != nil {
		return nil, nil, err
	}

	features := make([]*tensor.Tensor, 0, len(e.stages))

	var decoderMask *mask.Mask

	for i, stage := range e.stages {
		var stageMask *mask.Mask

		x, stageMask, err = stage.forward(x, m, length)
		if err != nil {
			return nil, nil, fmt.Errorf("native: encoder stage %d: %w", i, err)
		}

		if decoderMask == nil {
			decoderMask = stageMask
		}

		features = append(features, x)
	}

	return features, decoderMask, nil
}

func (s *encoderStage) forward(x *tensor.Tensor, m *mask.Mask, length int64) (*tensor.Tensor, *mask.Mask, error) {
	x, err := s.merge.Forward(x)
	if err != nil {
		return nil, nil, err
	}

	x, err = s.pointwise.Forward(x)
	if err != nil {
		return nil, nil, err
	}

	y, stageMask, err := s.attn.Forward(x, m, poolFactor(length, x.Dim(1)))
	if err != nil {
		return nil, nil, err
	}

	x, err = s.residualNorm(y, x, stageMask)
	if err != nil {
		return nil, nil, err
	}

	y, err = s.ffn.Forward(x)
	if err != nil {
		return nil, nil, err
	}

	x, err = s.residualNorm(y, x, stageMask)
	if err != nil {
		return nil, nil, err
	}

	return x, stageMask, nil
}

// residualNorm computes mask(LN(y + x)).
func (s *encoderStage) residualNorm(y, x *tensor.Tensor, m *mask.Mask) (*tensor.Tensor, error) {
	sum, err := addSameShape(y, x)
	if err != nil {
		return nil, err
	}

	out, err := s.norm.Forward(sum)
	if err != nil {
		return nil, err
	}

	if err := m.ApplyInPlace(out); err != nil {
		return nil, err
	}

	return out, nil
}

// poolFactor is round(original / current) with ties to even. Empty sequences
// pool by 1.
func poolFactor(original, current int64) int {
	if original <= 0 || current <= 0 {
		return 1
	}

	return max(int(math.RoundToEven(float64(original)/float64(current))), 1)
}
