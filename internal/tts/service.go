// Package tts wires a configured phoneme-to-mel model behind a small service
// API.
package tts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/go-phoneme2mel/internal/config"
	"github.com/example/go-phoneme2mel/internal/native"
	"github.com/example/go-phoneme2mel/internal/phoneme"
	"github.com/example/go-phoneme2mel/internal/runtime/ops"
	"github.com/example/go-phoneme2mel/internal/runtime/tensor"
)

type Service struct {
	model *native.Phoneme2Mel
	opts  native.ForwardOptions
}

// NewService applies the runtime settings and builds the model, from
// cfg.Paths.WeightsPath when set and from the seeded random init otherwise.
func NewService(cfg config.Config) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	ncfg, err := cfg.NativeConfig()
	if err != nil {
		return nil, err
	}

	opts, err := cfg.ForwardOptions()
	if err != nil {
		return nil, err
	}

	ApplyRuntime(cfg.Runtime)

	vb, err := newVarBuilder(cfg.Paths)
	if err != nil {
		return nil, err
	}

	start := time.Now()

	model, err := native.NewPhoneme2Mel(vb, ncfg)
	if err != nil {
		return nil, fmt.Errorf("build model: %w", err)
	}

	cpu := tensor.HostCPU()
	slog.Info("phoneme2mel service ready",
		"weights", weightsLabel(cfg.Paths),
		"ms", time.Since(start).Milliseconds(),
		"workers", tensor.Workers(),
		"conv_workers", ops.ConvWorkers(),
		"cpu", cpu.Brand,
		"wide_dot", cpu.WideDot,
	)

	return &Service{model: model, opts: opts}, nil
}

// NewServiceFromModel wraps an already built model.
func NewServiceFromModel(model *native.Phoneme2Mel, opts native.ForwardOptions) *Service {
	return &Service{model: model, opts: opts}
}

func newVarBuilder(p config.PathsConfig) (*native.VarBuilder, error) {
	if p.WeightsPath == "" {
		return native.NewRandomVarBuilder(uint64(p.Seed)), nil
	}

	vb, err := native.OpenVarBuilder(p.WeightsPath, p.StoreOptions())
	if err != nil {
		return nil, fmt.Errorf("open weights: %w", err)
	}

	return vb, nil
}

func weightsLabel(p config.PathsConfig) string {
	if p.WeightsPath == "" {
		return fmt.Sprintf("random(seed=%d)", p.Seed)
	}

	return p.WeightsPath
}

// ApplyRuntime sets the kernel worker counts. Zero selects the number of
// physical cores.
func ApplyRuntime(rc config.RuntimeConfig) {
	workers := rc.Workers
	if workers == 0 {
		workers = tensor.DefaultWorkers()
	}

	convWorkers := rc.ConvWorkers
	if convWorkers == 0 {
		convWorkers = tensor.DefaultWorkers()
	}

	tensor.SetWorkers(workers)
	ops.SetConvWorkers(convWorkers)
}

func (s *Service) Model() *native.Phoneme2Mel { return s.model }

// WithFrameLimit returns a copy of s whose inference passes reject any element
// predicted to expand past n frames. n <= 0 keeps the configured limit.
func (s *Service) WithFrameLimit(n int) *Service {
	c := *s
	if n > 0 {
		c.opts.FrameLimit = n
	}

	return &c
}

// Synthesize runs inference over a batch of phoneme id sequences.
func (s *Service) Synthesize(ctx context.Context, seqs [][]int64) (*native.Output, error) {
	batch, err := phoneme.NewBatch(seqs)
	if err != nil {
		return nil, err
	}

	return s.run(ctx, batch, nil)
}

// Align runs a ground-truth driven pass: targets drive the prosody
// embeddings and the frame expansion.
func (s *Service) Align(ctx context.Context, seqs [][]int64, targets *phoneme.Targets) (*native.Output, error) {
	if targets == nil {
		return nil, errors.New("align: targets are required")
	}

	batch, err := phoneme.NewBatch(seqs)
	if err != nil {
		return nil, err
	}

	return s.run(ctx, batch, targets)
}

func (s *Service) run(ctx context.Context, batch *phoneme.Batch, targets *phoneme.Targets) (*native.Output, error) {
	if s == nil || s.model == nil {
		return nil, errors.New("tts service unavailable")
	}

	// A forward pass is not interruptible; honour cancellation before it starts.
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	return s.model.Forward(batch, targets, s.opts)
}

// ElementMel returns the realized mel frames of element b as
// [frames][channels] rows, dropping the batch padding.
func ElementMel(out *native.Output, b int) ([][]float32, error) {
	if out == nil || out.Mel == nil {
		return nil, errors.New("element mel: empty output")
	}

	batch, _, channels, err := out.Mel.Dims3()
	if err != nil {
		return nil, err
	}

	if b < 0 || int64(b) >= batch {
		return nil, fmt.Errorf("element mel: element %d outside batch of %d", b, batch)
	}

	frames := out.FrameLengths[b]
	stride := int(out.Mel.Dim(1)) * int(channels)
	data := out.Mel.RawData()[b*stride:]

	rows := make([][]float32, frames)
	for f := range rows {
		rows[f] = append([]float32(nil), data[f*int(channels):(f+1)*int(channels)]...)
	}

	return rows, nil
}
