package tts

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/example/go-phoneme2mel/internal/config"
	"github.com/example/go-phoneme2mel/internal/native"
	"github.com/example/go-phoneme2mel/internal/phoneme"
	"github.com/example/go-phoneme2mel/internal/runtime/ops"
	"github.com/example/go-phoneme2mel/internal/runtime/tensor"
)

func smallConfig() config.Config {
	cfg := config.DefaultConfig()
	cfg.Model.EmbedDim = 16
	cfg.Model.Reduction = 2
	cfg.Model.VocabSize = 16
	cfg.Model.NMelChannels = 8
	cfg.Model.DecoderDepth = 1
	cfg.Model.DecoderKernelSize = 3
	cfg.Model.PitchStats = "-1,1"
	cfg.Model.EnergyStats = "0,2"
	cfg.Runtime.Workers = 1
	cfg.Runtime.ConvWorkers = 1
	cfg.Paths.Seed = 3

	return cfg
}

func newTestService(t *testing.T, cfg config.Config) *Service {
	t.Helper()

	svc, err := NewService(cfg)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}

	return svc
}

func TestSynthesizeShapes(t *testing.T) {
	cfg := smallConfig()
	cfg.Synth.MaskFrames = true

	svc := newTestService(t, cfg)

	out, err := svc.Synthesize(context.Background(), [][]int64{{5, 7, 2, 9}, {3, 4}})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}

	if got := out.Mel.Shape(); got[0] != 2 || got[2] != 8 {
		t.Fatalf("mel shape = %v", got)
	}

	for b := range 2 {
		rows, err := ElementMel(out, b)
		if err != nil {
			t.Fatalf("ElementMel(%d): %v", b, err)
		}

		if len(rows) != out.FrameLengths[b] {
			t.Fatalf("element %d has %d rows, want %d", b, len(rows), out.FrameLengths[b])
		}
	}

	if _, err := ElementMel(out, 2); err == nil {
		t.Fatal("expected out of range error")
	}
}

func TestAlignUsesTargets(t *testing.T) {
	svc := newTestService(t, smallConfig())

	out, err := svc.Align(context.Background(), [][]int64{{5, 7, 2, 9}}, &phoneme.Targets{
		Pitch:    []float32{0, 0, 0, 0},
		Energy:   []float32{1, 1, 1, 1},
		Duration: []float32{2, 3, 1, 4},
		MelLen:   []int{10},
	})
	if err != nil {
		t.Fatalf("Align: %v", err)
	}

	if out.FrameLengths[0] != 10 {
		t.Fatalf("FrameLengths = %v, want [10]", out.FrameLengths)
	}

	if _, err := svc.Align(context.Background(), [][]int64{{5}}, nil); err == nil {
		t.Fatal("expected error without targets")
	}
}

func TestSynthesizeHonoursCancelledContext(t *testing.T) {
	svc := newTestService(t, smallConfig())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := svc.Synthesize(ctx, [][]int64{{5, 7}})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestWithFrameLimit(t *testing.T) {
	svc := newTestService(t, smallConfig())

	limited := svc.WithFrameLimit(1)
	if limited.opts.FrameLimit != 1 || svc.opts.FrameLimit != 0 {
		t.Fatalf("frame limits = %d/%d, want 1 on the copy and 0 on the original", limited.opts.FrameLimit, svc.opts.FrameLimit)
	}

	if got := limited.WithFrameLimit(0).opts.FrameLimit; got != 1 {
		t.Fatalf("WithFrameLimit(0) changed the limit to %d", got)
	}

	out, err := limited.Synthesize(context.Background(), [][]int64{{5, 7, 2, 9}})
	if err != nil {
		if !errors.Is(err, native.ErrFrameLimit) {
			t.Fatalf("err = %v, want native.ErrFrameLimit", err)
		}

		return
	}

	if out.FrameLengths[0] > 1 {
		t.Fatalf("realized %d frames past a limit of 1", out.FrameLengths[0])
	}
}

func TestSynthesizeRejectsPadID(t *testing.T) {
	svc := newTestService(t, smallConfig())

	if _, err := svc.Synthesize(context.Background(), [][]int64{{5, 0, 2}}); err == nil {
		t.Fatal("expected error for pad id inside a sequence")
	}
}

func TestNewServiceFromWeightsFile(t *testing.T) {
	cfg := smallConfig()
	svc := newTestService(t, cfg)

	path := filepath.Join(t.TempDir(), "weights.safetensors")
	if err := svc.Model().SaveWeights(path, false); err != nil {
		t.Fatalf("SaveWeights: %v", err)
	}

	cfg.Paths.WeightsPath = path
	cfg.Model.PitchStats, cfg.Model.EnergyStats = "", ""

	loaded := newTestService(t, cfg)

	seqs := [][]int64{{5, 7, 2, 9}}

	want, err := svc.Synthesize(context.Background(), seqs)
	if err != nil {
		t.Fatalf("Synthesize original: %v", err)
	}

	got, err := loaded.Synthesize(context.Background(), seqs)
	if err != nil {
		t.Fatalf("Synthesize loaded: %v", err)
	}

	a, b := want.Mel.RawData(), got.Mel.RawData()
	if len(a) != len(b) {
		t.Fatalf("mel sizes differ: %d vs %d", len(a), len(b))
	}

	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("mel[%d] = %v, want %v", i, b[i], a[i])
		}
	}
}

func TestNewServiceErrors(t *testing.T) {
	cfg := smallConfig()
	cfg.Paths.WeightsPath = filepath.Join(t.TempDir(), "missing.safetensors")

	if _, err := NewService(cfg); err == nil {
		t.Fatal("expected error for missing weights")
	}

	cfg = smallConfig()
	cfg.Model.Heads = 3

	if _, err := NewService(cfg); err == nil {
		t.Fatal("expected error for invalid model config")
	}
}

func TestApplyRuntime(t *testing.T) {
	defer tensor.SetWorkers(1)
	defer ops.SetConvWorkers(0)

	ApplyRuntime(config.RuntimeConfig{Workers: 3, ConvWorkers: 2})

	if tensor.Workers() != 3 || ops.ConvWorkers() != 2 {
		t.Fatalf("workers = %d/%d, want 3/2", tensor.Workers(), ops.ConvWorkers())
	}

	ApplyRuntime(config.RuntimeConfig{})

	if tensor.Workers() != tensor.DefaultWorkers() {
		t.Fatalf("Workers = %d, want DefaultWorkers %d", tensor.Workers(), tensor.DefaultWorkers())
	}
}
