package native

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/example/go-phoneme2mel/internal/mask"
	"github.com/example/go-phoneme2mel/internal/phoneme"
	"github.com/example/go-phoneme2mel/internal/runtime/tensor"
	"github.com/example/go-phoneme2mel/internal/safetensors"
)

var (
	// ErrShapeMismatch reports a tensor, mask or target whose extent does not
	// match the resolution it is used at.
	ErrShapeMismatch = mask.ErrShapeMismatch
	// ErrNoValueStats is returned when a bucket embedding is requested from a
	// decoder built without value stats.
	ErrNoValueStats = errors.New("native: decoder has no value stats")
	// ErrFrameLimit is returned when a predicted element would expand past
	// ForwardOptions.FrameLimit frames.
	ErrFrameLimit = errors.New("native: frame limit exceeded")
)

// Metadata keys under which SaveWeights records value stats.
const (
	metaPitchStats  = "pitch_stats"
	metaEnergyStats = "energy_stats"
)

type Config struct {
	Encoder           EncoderConfig
	NMelChannels      int64
	DecoderDepth      int64
	DecoderKernelSize int64
	PitchStats        *ValueStats
	EnergyStats       *ValueStats
}

func DefaultConfig() Config {
	return Config{
		Encoder: EncoderConfig{
			Depth:      2,
			EmbedDim:   256,
			Reduction:  4,
			Heads:      2,
			KernelSize: 5,
			Expansion:  2,
			VocabSize:  128,
		},
		NMelChannels:      80,
		DecoderDepth:      3,
		DecoderKernelSize: 5,
	}
}

func (c Config) Validate() error {
	if err := c.Encoder.Validate(); err != nil {
		return err
	}

	if c.NMelChannels < 1 {
		return fmt.Errorf("native: mel channel count must be positive, got %d", c.NMelChannels)
	}

	if c.DecoderDepth < 1 {
		return fmt.Errorf("native: decoder depth must be >= 1, got %d", c.DecoderDepth)
	}

	if c.DecoderKernelSize < 1 || c.DecoderKernelSize%2 == 0 {
		return fmt.Errorf("native: decoder kernel size must be odd and positive, got %d", c.DecoderKernelSize)
	}

	for name, s := range map[string]*ValueStats{"pitch": c.PitchStats, "energy": c.EnergyStats} {
		if s == nil {
			continue
		}

		if err := s.Validate(); err != nil {
			return fmt.Errorf("native: %s stats: %w", name, err)
		}
	}

	return nil
}

// Phoneme2Mel is the full phoneme-to-mel forward pass. All parameters are
// fixed at construction, so one instance serves concurrent Forward calls.
type Phoneme2Mel struct {
	cfg      Config
	vb       *VarBuilder
	encoder  *Encoder
	fuse     *Fuse
	pitch    *ProsodyDecoder
	energy   *ProsodyDecoder
	duration *ProsodyDecoder
	decoder  *MelDecoder
}

// NewPhoneme2Mel binds every component against vb. Value stats missing from
// cfg are read from the store metadata when present.
func NewPhoneme2Mel(vb *VarBuilder, cfg Config) (*Phoneme2Mel, error) {
	if vb == nil {
		return nil, errors.New("native: phoneme2mel requires a var builder")
	}

	var err error

	if cfg.PitchStats == nil {
		if cfg.PitchStats, err = statsFromMetadata(vb.Metadata(), metaPitchStats); err != nil {
			return nil, err
		}
	}

	if cfg.EnergyStats == nil {
		if cfg.EnergyStats, err = statsFromMetadata(vb.Metadata(), metaEnergyStats); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	m := &Phoneme2Mel{cfg: cfg, vb: vb}

	m.encoder, err = LoadEncoder(vb.Path("encoder"), cfg.Encoder)
	if err != nil {
		return nil, err
	}

	dims := m.encoder.Dims()

	m.fuse, err = LoadFuse(vb.Path("fuse"), dims, cfg.Encoder.KernelSize)
	if err != nil {
		return nil, err
	}

	m.pitch, err = LoadProsodyDecoder(vb.Path("pitch_decoder"), dims, cfg.PitchStats, false)
	if err != nil {
		return nil, fmt.Errorf("native: pitch decoder: %w", err)
	}

	m.energy, err = LoadProsodyDecoder(vb.Path("energy_decoder"), dims, cfg.EnergyStats, false)
	if err != nil {
		return nil, fmt.Errorf("native: energy decoder: %w", err)
	}

	m.duration, err = LoadProsodyDecoder(vb.Path("duration_decoder"), dims, nil, true)
	if err != nil {
		return nil, fmt.Errorf("native: duration decoder: %w", err)
	}

	m.decoder, err = LoadMelDecoder(vb.Path("mel_decoder"), dims, cfg.NMelChannels, cfg.DecoderDepth, cfg.DecoderKernelSize)
	if err != nil {
		return nil, err
	}

	if unused := vb.Unused(); len(unused) > 0 {
		slog.Warn("weights contain unused tensors", "count", len(unused), "first", unused[0])
	}

	slog.Debug("phoneme2mel ready",
		"dims", dims,
		"decoder_width", m.decoder.Width(),
		"pitch_embedding", m.pitch.HasEmbedding(),
		"energy_embedding", m.energy.HasEmbedding(),
	)

	return m, nil
}

func statsFromMetadata(meta map[string]string, key string) (*ValueStats, error) {
	raw, ok := meta[key]
	if !ok {
		return nil, nil
	}

	s, err := ParseValueStats(raw)
	if err != nil {
		return nil, fmt.Errorf("native: metadata %s: %w", key, err)
	}

	return s, nil
}

func (m *Phoneme2Mel) Config() Config { return m.cfg }

func (m *Phoneme2Mel) PitchDecoder() *ProsodyDecoder    { return m.pitch }
func (m *Phoneme2Mel) EnergyDecoder() *ProsodyDecoder   { return m.energy }
func (m *Phoneme2Mel) DurationDecoder() *ProsodyDecoder { return m.duration }

// ParamCount is the number of bound parameter tensors.
func (m *Phoneme2Mel) ParamCount() int {
	m.vb.bindings.mu.Lock()
	defer m.vb.bindings.mu.Unlock()

	return len(m.vb.bindings.params)
}

// UnusedWeights lists store tensors that no component bound.
func (m *Phoneme2Mel) UnusedWeights() []string { return m.vb.Unused() }

// SaveWeights writes every bound parameter and the value stats to a
// safetensors file that NewPhoneme2Mel can load back.
func (m *Phoneme2Mel) SaveWeights(path string, half bool) error {
	meta := map[string]string{}
	if m.cfg.PitchStats != nil {
		meta[metaPitchStats] = m.cfg.PitchStats.String()
	}

	if m.cfg.EnergyStats != nil {
		meta[metaEnergyStats] = m.cfg.EnergyStats.String()
	}

	return safetensors.WriteFile(path, m.vb.Bound(), safetensors.WriteOptions{Half: half, Metadata: meta})
}

// ForwardOptions tune inference. The zero value is valid.
type ForwardOptions struct {
	// MaxFrames pads the frame axis to this length at inference. 0 pads to the
	// longest predicted element. Ignored when targets are given.
	MaxFrames int
	// FrameLimit rejects an inference pass whose predicted durations expand
	// any element past this many frames, before the frame buffers are
	// allocated. 0 disables the check. Ignored when targets are given.
	FrameLimit int
	// MaskFrames zeroes mel frames beyond each element's realized length.
	MaskFrames bool
	// DurationScale multiplies predicted durations before rounding. 0 means 1.
	DurationScale float32
	// PitchControl and EnergyControl scale predictions before bucketization.
	// 0 means 1.
	PitchControl  float32
	EnergyControl float32
}

func (o ForwardOptions) normalized() (ForwardOptions, error) {
	for name, v := range map[string]*float32{
		"duration scale": &o.DurationScale,
		"pitch control":  &o.PitchControl,
		"energy control": &o.EnergyControl,
	} {
		if *v == 0 {
			*v = 1
		}

		if *v < 0 || math.IsNaN(float64(*v)) || math.IsInf(float64(*v), 0) {
			return o, fmt.Errorf("native: %s must be positive and finite, got %v", name, *v)
		}
	}

	if o.MaxFrames < 0 {
		return o, fmt.Errorf("native: max frames must be >= 0, got %d", o.MaxFrames)
	}

	if o.FrameLimit < 0 {
		return o, fmt.Errorf("native: frame limit must be >= 0, got %d", o.FrameLimit)
	}

	return o, nil
}

// Output carries every prediction of one forward pass.
type Output struct {
	Pitch        *tensor.Tensor // [B, L, 1]
	Energy       *tensor.Tensor // [B, L, 1]
	Duration     *tensor.Tensor // [B, L, 1], >= 0
	FrameLengths []int          // realized frames per element
	Features     *tensor.Tensor // [B, T, 4*dims[0]]
	Mask         *mask.Mask     // phoneme-rate decoder mask, may be nil
	FrameMask    *mask.Mask     // [B, T] from FrameLengths
	Mel          *tensor.Tensor // [B, T, NMelChannels]
}

// Forward runs one pass over batch. With targets the ground-truth pitch,
// energy and durations drive the embeddings and the length regulator;
// without, the predictions do.
func (m *Phoneme2Mel) Forward(batch *phoneme.Batch, targets *phoneme.Targets, opts ForwardOptions) (*Output, error) {
	if m == nil {
		return nil, errors.New("native: phoneme2mel is not initialized")
	}

	if batch == nil {
		return nil, errors.New("native: forward requires a phoneme batch")
	}

	opts, err := opts.normalized()
	if err != nil {
		return nil, err
	}

	if err := targets.Validate(batch); err != nil {
		return nil, fmt.Errorf("native: forward: %w", err)
	}

	if !m.pitch.HasEmbedding() {
		return nil, fmt.Errorf("native: forward: pitch %w", ErrNoValueStats)
	}

	if !m.energy.HasEmbedding() {
		return nil, fmt.Errorf("native: forward: energy %w", ErrNoValueStats)
	}

	size, length := int64(batch.Size), int64(batch.Len)
	overall := time.Now()
	stageStart := overall

	features, phonemeMask, err := m.encoder.Forward(batch.IDs, size, length, batch.Mask)
	if err != nil {
		return nil, err
	}

	fused, err := m.fuse.Forward(features, phonemeMask)
	if err != nil {
		return nil, err
	}

	slog.Debug("phoneme2mel encoder complete", "ms", time.Since(stageStart).Milliseconds(), "batch", size, "phonemes", length)
	stageStart = time.Now()

	out := &Output{Mask: phonemeMask}

	var durFeatures *tensor.Tensor

	out.Duration, durFeatures, err = m.duration.Forward(fused)
	if err != nil {
		return nil, fmt.Errorf("native: duration decoder: %w", err)
	}

	var pitchTarget, energyTarget []float32
	if targets != nil {
		pitchTarget, energyTarget = targets.Pitch, targets.Energy
	}

	var pitchEmb, energyEmb *tensor.Tensor

	out.Pitch, pitchEmb, err = m.prosody(m.pitch, fused, pitchTarget, opts.PitchControl, phonemeMask)
	if err != nil {
		return nil, fmt.Errorf("native: pitch decoder: %w", err)
	}

	out.Energy, energyEmb, err = m.prosody(m.energy, fused, energyTarget, opts.EnergyControl, phonemeMask)
	if err != nil {
		return nil, fmt.Errorf("native: energy decoder: %w", err)
	}

	if err := phonemeMask.ApplyInPlace(durFeatures); err != nil {
		return nil, err
	}

	cat, err := tensor.Concat([]*tensor.Tensor{fused, pitchEmb, energyEmb, durFeatures}, -1)
	if err != nil {
		return nil, fmt.Errorf("native: concat prosody features: %w", err)
	}

	slog.Debug("phoneme2mel prosody complete", "ms", time.Since(stageStart).Milliseconds())
	stageStart = time.Now()

	durations, maxLen, err := frameDurations(batch, targets, out.Duration, opts)
	if err != nil {
		return nil, err
	}

	out.Features, out.FrameLengths, err = RegulateLength(cat, durations, maxLen)
	if err != nil {
		return nil, err
	}

	out.FrameMask, err = mask.FromLengths(out.FrameLengths, int(out.Features.Dim(1)))
	if err != nil {
		return nil, err
	}

	out.Mel, err = m.decoder.Forward(out.Features)
	if err != nil {
		return nil, err
	}

	if opts.MaskFrames {
		if err := out.FrameMask.ApplyInPlace(out.Mel); err != nil {
			return nil, err
		}
	}

	slog.Debug("phoneme2mel decode complete",
		"ms", time.Since(stageStart).Milliseconds(),
		"frames", out.Features.Dim(1),
		"total_ms", time.Since(overall).Milliseconds(),
	)

	return out, nil
}

// prosody predicts one scalar stream and returns its masked bucket embedding.
func (m *Phoneme2Mel) prosody(d *ProsodyDecoder, fused *tensor.Tensor, target []float32, control float32, pm *mask.Mask) (*tensor.Tensor, *tensor.Tensor, error) {
	pred, _, err := d.Forward(fused)
	if err != nil {
		return nil, nil, err
	}

	emb, err := d.Embedding(pred, target, control)
	if err != nil {
		return nil, nil, err
	}

	if err := pm.ApplyInPlace(emb); err != nil {
		return nil, nil, err
	}

	return pred, emb, nil
}

// frameDurations picks the integer durations that drive the length regulator
// and the frame budget. Padded phonemes always get zero frames.
func frameDurations(batch *phoneme.Batch, targets *phoneme.Targets, pred *tensor.Tensor, opts ForwardOptions) ([]int64, int, error) {
	n := batch.Size * batch.Len
	out := make([]int64, n)

	var padded []bool
	if batch.Mask != nil {
		padded = batch.Mask.Bools()
	}

	if targets != nil {
		for i, d := range targets.Duration {
			if padded == nil || !padded[i] {
				out[i] = int64(d)
			}
		}

		return out, targets.MaxMelLen(), nil
	}

	values := pred.RawData()
	if len(values) != n {
		return nil, 0, fmt.Errorf("native: %w: %d duration predictions for %d phonemes", ErrShapeMismatch, len(values), n)
	}

	for i, v := range values {
		if padded != nil && padded[i] {
			continue
		}

		r := roundHalfEven(v * opts.DurationScale)
		if math.IsNaN(float64(r)) || math.IsInf(float64(r), 0) {
			return nil, 0, fmt.Errorf("native: non-finite duration prediction at position %d", i)
		}

		out[i] = int64(max(r, 0))
	}

	if opts.FrameLimit > 0 {
		for b := range batch.Size {
			var frames int64
			for _, d := range out[b*batch.Len : (b+1)*batch.Len] {
				frames += d
			}

			if frames > int64(opts.FrameLimit) {
				return nil, 0, fmt.Errorf("%w: element %d expands to %d frames, limit is %d", ErrFrameLimit, b, frames, opts.FrameLimit)
			}
		}
	}

	return out, opts.MaxFrames, nil
}
