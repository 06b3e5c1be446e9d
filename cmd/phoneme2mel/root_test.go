package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/example/go-phoneme2mel/internal/config"
	"github.com/example/go-phoneme2mel/internal/safetensors"
)

// smallModelArgs shrink the network so command tests stay fast.
var smallModelArgs = []string{
	"--model-embed-dim", "16",
	"--model-reduction", "2",
	"--model-vocab-size", "16",
	"--model-n-mel-channels", "8",
	"--model-decoder-depth", "1",
	"--model-decoder-kernel-size", "3",
	"--model-pitch-stats=-1,1",
	"--model-energy-stats", "0,2",
	"--workers", "1",
	"--conv-workers", "1",
	"--log-level", "error",
}

func runCmd(t *testing.T, args ...string) (string, error) {
	t.Helper()

	orig, origLoaded := activeCfg, cfgLoaded
	t.Cleanup(func() { activeCfg, cfgLoaded = orig, origLoaded })

	root := NewRootCmd()

	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)

	err := root.Execute()

	return out.String(), err
}

func withSmallModel(args ...string) []string {
	return append(args, smallModelArgs...)
}

func TestNewRootCmd_HasExpectedSubcommands(t *testing.T) {
	root := NewRootCmd()

	for _, name := range []string{"synth", "weights", "bench", "serve", "health", "doctor"} {
		found := false

		for _, sub := range root.Commands() {
			if sub.Name() == name {
				found = true
				break
			}
		}

		if !found {
			t.Errorf("expected subcommand %q not found in root", name)
		}
	}
}

func TestNewRootCmd_HasPersistentConfigFlag(t *testing.T) {
	root := NewRootCmd()
	if root.PersistentFlags().Lookup("config") == nil {
		t.Error("expected --config persistent flag to be registered")
	}

	if root.PersistentFlags().Lookup("weights") == nil {
		t.Error("expected config flags to be registered on the root")
	}
}

func TestRequireConfig_FailsWhenNotInitialized(t *testing.T) {
	orig, origLoaded := activeCfg, cfgLoaded
	t.Cleanup(func() { activeCfg, cfgLoaded = orig, origLoaded })

	activeCfg, cfgLoaded = config.Config{}, false

	if _, err := requireConfig(); err == nil {
		t.Fatal("expected error when config is not loaded")
	}
}

func TestRoot_InvalidLogLevelFails(t *testing.T) {
	if _, err := runCmd(t, "doctor", "--log-level", "loud"); err == nil {
		t.Fatal("expected error for unknown log level")
	}
}

func TestSynth_WritesOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mel.safetensors")

	out, err := runCmd(t, withSmallModel("synth", "--ids", "5,7,2,9", "--ids", "3,4", "--out", path)...)
	if err != nil {
		t.Fatalf("synth: %v\n%s", err, out)
	}

	if !strings.Contains(out, "wrote "+path) {
		t.Errorf("output should report the file:\n%s", out)
	}

	store, err := safetensors.OpenStore(path, safetensors.StoreOptions{})
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	defer store.Close()

	for _, name := range []string{"mel", "pitch", "energy", "duration", "frame_lengths"} {
		if !store.Has(name) {
			t.Errorf("output is missing %q", name)
		}
	}

	shape, _ := store.Shape("mel")
	if len(shape) != 3 || shape[0] != 2 || shape[2] != 8 {
		t.Errorf("mel shape = %v", shape)
	}
}

func TestSynth_RequiresIDs(t *testing.T) {
	if _, err := runCmd(t, withSmallModel("synth")...); err == nil {
		t.Fatal("expected error without --ids")
	}
}

func TestSynth_WithoutStatsFails(t *testing.T) {
	_, err := runCmd(t, "synth", "--ids", "5,7", "--log-level", "error")
	if err == nil || !strings.Contains(err.Error(), "value stats") {
		t.Fatalf("err = %v, want missing value stats", err)
	}
}

func TestParseSequences(t *testing.T) {
	tests := []struct {
		name    string
		items   []string
		want    [][]int64
		wantErr bool
	}{
		{"single", []string{"5,7,2,9"}, [][]int64{{5, 7, 2, 9}}, false},
		{"spaces", []string{"5, 7 2"}, [][]int64{{5, 7, 2}}, false},
		{"several", []string{"1", "2,3"}, [][]int64{{1}, {2, 3}}, false},
		{"none", nil, nil, true},
		{"empty", []string{","}, nil, true},
		{"not a number", []string{"5,x"}, nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseSequences(tt.items)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("parseSequences(%q) = %v; want error", tt.items, got)
				}

				return
			}

			if err != nil {
				t.Fatalf("parseSequences(%q): %v", tt.items, err)
			}

			if len(got) != len(tt.want) {
				t.Fatalf("got %v, want %v", got, tt.want)
			}

			for i := range got {
				if len(got[i]) != len(tt.want[i]) {
					t.Fatalf("got %v, want %v", got, tt.want)
				}

				for j := range got[i] {
					if got[i][j] != tt.want[i][j] {
						t.Fatalf("got %v, want %v", got, tt.want)
					}
				}
			}
		})
	}
}

func TestWeightsInit_ThenDoctorAndSynth(t *testing.T) {
	path := filepath.Join(t.TempDir(), "weights.safetensors")

	out, err := runCmd(t, withSmallModel("weights", "init", "--out", path, "--seed", "9")...)
	if err != nil {
		t.Fatalf("weights init: %v\n%s", err, out)
	}

	if !strings.Contains(out, "seed 9") {
		t.Errorf("unexpected output:\n%s", out)
	}

	// The stats travel in the file metadata, so drop them from the flags.
	args := []string{
		"--weights", path,
		"--model-embed-dim", "16",
		"--model-reduction", "2",
		"--model-vocab-size", "16",
		"--model-n-mel-channels", "8",
		"--model-decoder-depth", "1",
		"--model-decoder-kernel-size", "3",
		"--workers", "1",
		"--log-level", "error",
	}

	out, err = runCmd(t, append([]string{"doctor"}, args...)...)
	if err != nil {
		t.Fatalf("doctor: %v\n%s", err, out)
	}

	if !strings.Contains(out, "tensors bound") {
		t.Errorf("doctor should check the weights:\n%s", out)
	}

	out, err = runCmd(t, append([]string{"synth", "--ids", "5,7,2"}, args...)...)
	if err != nil {
		t.Fatalf("synth from weights: %v\n%s", err, out)
	}
}

func TestWeightsInit_RequiresOut(t *testing.T) {
	if _, err := runCmd(t, withSmallModel("weights", "init")...); err == nil {
		t.Fatal("expected error without --out")
	}
}

func TestDoctor_MissingWeightsFails(t *testing.T) {
	out, err := runCmd(t, "doctor", "--weights", filepath.Join(t.TempDir(), "nope.safetensors"), "--log-level", "error")
	if err == nil {
		t.Fatalf("expected doctor failure:\n%s", out)
	}
}

func TestDoctor_RandomInitPasses(t *testing.T) {
	out, err := runCmd(t, "doctor", "--log-level", "error")
	if err != nil {
		t.Fatalf("doctor: %v\n%s", err, out)
	}

	if !strings.Contains(out, "random init") {
		t.Errorf("unexpected output:\n%s", out)
	}
}

func TestBench_JSON(t *testing.T) {
	out, err := runCmd(t, withSmallModel("bench", "--ids", "5,7,2", "--runs", "2", "--format", "json")...)
	if err != nil {
		t.Fatalf("bench: %v\n%s", err, out)
	}

	if !strings.Contains(out, `"mean_rtf"`) || !strings.Contains(out, `"frames_per_second"`) || !strings.Contains(out, `"cold": true`) {
		t.Errorf("unexpected bench output:\n%s", out)
	}
}

func TestBench_RejectsBadFlags(t *testing.T) {
	for _, args := range [][]string{
		{"bench", "--ids", "5", "--runs", "0"},
		{"bench", "--ids", "5", "--format", "xml"},
		{"bench", "--ids", "5", "--hop-length", "0"},
	} {
		if _, err := runCmd(t, withSmallModel(args...)...); err == nil {
			t.Errorf("%v: expected error", args)
		}
	}
}

func TestHealth_NoServerFails(t *testing.T) {
	if _, err := runCmd(t, "health", "--listen", "127.0.0.1:1", "--timeout", "200ms", "--log-level", "error"); err == nil {
		t.Fatal("expected probe failure")
	}
}
