package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
)

// fakeBinder wraps a pflag.FlagSet to satisfy the flagBinder interface.
type fakeBinder struct {
	fs *pflag.FlagSet
}

func (f *fakeBinder) Flags() *pflag.FlagSet { return f.fs }

// newFlagBinder creates a FlagSet with all config flags registered and args
// parsed.
func newFlagBinder(t *testing.T, defaults Config, args ...string) *fakeBinder {
	t.Helper()

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(fs, defaults)

	if err := fs.Parse(args); err != nil {
		t.Fatalf("Parse(%v): %v", args, err)
	}

	return &fakeBinder{fs: fs}
}

// chdirTemp runs the test inside an empty directory so no stray
// phoneme2mel.yaml is picked up.
func chdirTemp(t *testing.T) string {
	t.Helper()

	dir := t.TempDir()
	t.Chdir(dir)

	return dir
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Model.Depth != 2 || cfg.Model.EmbedDim != 256 || cfg.Model.Reduction != 4 {
		t.Errorf("encoder defaults = %+v", cfg.Model)
	}

	if cfg.Model.NMelChannels != 80 {
		t.Errorf("NMelChannels = %d; want 80", cfg.Model.NMelChannels)
	}

	if cfg.Synth.DurationScale != 1 {
		t.Errorf("DurationScale = %v; want 1", cfg.Synth.DurationScale)
	}

	if cfg.LogLevel != "info" || cfg.LogFormat != LogFormatJSON {
		t.Errorf("logging = %q/%q", cfg.LogLevel, cfg.LogFormat)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("DefaultConfig().Validate() = %v", err)
	}
}

func TestNormalizeLogFormat(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{"json", "json", "json", false},
		{"text", "text", "text", false},
		{"uppercase", "TEXT", "text", false},
		{"console alias", " console ", "text", false},
		{"empty defaults to json", "", "json", false},
		{"invalid", "xml", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizeLogFormat(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Errorf("NormalizeLogFormat(%q) = %q, nil; want error", tt.input, got)
				}

				return
			}

			if err != nil {
				t.Errorf("NormalizeLogFormat(%q) unexpected error: %v", tt.input, err)
				return
			}

			if got != tt.want {
				t.Errorf("NormalizeLogFormat(%q) = %q; want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestRegisterFlags(t *testing.T) {
	binder := newFlagBinder(t, DefaultConfig())

	checks := []struct {
		flag string
		want string
	}{
		{"model-depth", "2"},
		{"model-n-mel-channels", "80"},
		{"model-pitch-stats", ""},
		{"weights", ""},
		{"weights-prefix", ""},
		{"seed", "1"},
		{"duration-scale", "1"},
		{"listen", "127.0.0.1:8080"},
		{"max-phonemes", "4096"},
		{"server-max-frames", "16384"},
		{"log-level", "info"},
	}

	for _, c := range checks {
		f := binder.fs.Lookup(c.flag)
		if f == nil {
			t.Errorf("flag %q not registered", c.flag)
			continue
		}

		if f.DefValue != c.want {
			t.Errorf("flag %q default = %q; want %q", c.flag, f.DefValue, c.want)
		}
	}

	for _, kf := range keyFlags {
		if binder.fs.Lookup(kf.flag) == nil {
			t.Errorf("key %s has no flag %q", kf.key, kf.flag)
		}
	}
}

func TestLoad_Defaults(t *testing.T) {
	chdirTemp(t)

	defaults := DefaultConfig()

	cfg, err := Load(LoadOptions{Cmd: newFlagBinder(t, defaults), Defaults: defaults})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg != defaults {
		t.Errorf("Load() = %+v; want defaults %+v", cfg, defaults)
	}
}

func TestLoad_FlagOverride(t *testing.T) {
	chdirTemp(t)

	defaults := DefaultConfig()
	binder := newFlagBinder(t, defaults,
		"--model-depth=3",
		"--model-pitch-stats=80,400",
		"--workers=8",
		"--duration-scale=1.5",
		"--mask-frames",
		"--log-level=debug",
	)

	cfg, err := Load(LoadOptions{Cmd: binder, Defaults: defaults})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Model.Depth != 3 {
		t.Errorf("Model.Depth = %d; want 3", cfg.Model.Depth)
	}

	if cfg.Model.PitchStats != "80,400" {
		t.Errorf("Model.PitchStats = %q; want %q", cfg.Model.PitchStats, "80,400")
	}

	if cfg.Runtime.Workers != 8 {
		t.Errorf("Runtime.Workers = %d; want 8", cfg.Runtime.Workers)
	}

	if cfg.Synth.DurationScale != 1.5 || !cfg.Synth.MaskFrames {
		t.Errorf("Synth = %+v", cfg.Synth)
	}

	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q; want %q", cfg.LogLevel, "debug")
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	chdirTemp(t)
	t.Setenv("PHONEME2MEL_LOG_LEVEL", "warn")
	t.Setenv("PHONEME2MEL_MODEL_HEADS", "4")
	t.Setenv("PHONEME2MEL_PATHS_SEED", "99")
	t.Setenv("PHONEME2MEL_SERVER_MAX_FRAMES", "512")

	cfg, err := Load(LoadOptions{Defaults: DefaultConfig()})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.LogLevel != "warn" {
		t.Errorf("LogLevel = %q; want %q", cfg.LogLevel, "warn")
	}

	if cfg.Model.Heads != 4 {
		t.Errorf("Model.Heads = %d; want 4", cfg.Model.Heads)
	}

	if cfg.Paths.Seed != 99 {
		t.Errorf("Paths.Seed = %d; want 99", cfg.Paths.Seed)
	}

	if cfg.Server.MaxFrames != 512 {
		t.Errorf("Server.MaxFrames = %d; want 512", cfg.Server.MaxFrames)
	}
}

func TestLoad_Precedence(t *testing.T) {
	dir := chdirTemp(t)
	cfgFile := filepath.Join(dir, "phoneme2mel.yaml")

	content := `
log_level: error
model:
  depth: 3
  heads: 1
  energy_stats: "0,5"
runtime:
  workers: 6
`

	if err := os.WriteFile(cfgFile, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	t.Setenv("PHONEME2MEL_MODEL_HEADS", "2")

	defaults := DefaultConfig()
	binder := newFlagBinder(t, defaults, "--workers=2")

	// No explicit file: phoneme2mel.yaml in the working directory is found.
	cfg, err := Load(LoadOptions{Cmd: binder, Defaults: defaults})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.LogLevel != "error" {
		t.Errorf("LogLevel = %q; want file value %q", cfg.LogLevel, "error")
	}

	if cfg.Model.Depth != 3 {
		t.Errorf("Model.Depth = %d; want file value 3", cfg.Model.Depth)
	}

	if cfg.Model.EnergyStats != "0,5" {
		t.Errorf("Model.EnergyStats = %q; want file value", cfg.Model.EnergyStats)
	}

	if cfg.Model.Heads != 2 {
		t.Errorf("Model.Heads = %d; want env value 2 over file", cfg.Model.Heads)
	}

	if cfg.Runtime.Workers != 2 {
		t.Errorf("Runtime.Workers = %d; want flag value 2 over file", cfg.Runtime.Workers)
	}

	if cfg.Model.EmbedDim != defaults.Model.EmbedDim {
		t.Errorf("Model.EmbedDim = %d; want default %d", cfg.Model.EmbedDim, defaults.Model.EmbedDim)
	}
}

func TestLoad_InvalidConfigFile(t *testing.T) {
	dir := chdirTemp(t)
	cfgFile := filepath.Join(dir, "bad.yaml")

	if err := os.WriteFile(cfgFile, []byte(":\t:bad yaml:::"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	_, err := Load(LoadOptions{ConfigFile: cfgFile, Defaults: DefaultConfig()})
	if err == nil {
		t.Error("Load() = nil; want error for invalid config file")
	}
}

func TestLoad_MissingExplicitConfigFile(t *testing.T) {
	_, err := Load(LoadOptions{
		ConfigFile: "/nonexistent/path/phoneme2mel.yaml",
		Defaults:   DefaultConfig(),
	})
	if err == nil {
		t.Error("Load() = nil; want error for missing explicit config file")
	}
}

func TestNativeConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Model.PitchStats = "80, 400"

	nc, err := cfg.NativeConfig()
	if err != nil {
		t.Fatalf("NativeConfig() error = %v", err)
	}

	if nc.Encoder.EmbedDim != 256 || nc.NMelChannels != 80 {
		t.Errorf("NativeConfig() = %+v", nc)
	}

	if nc.PitchStats == nil || nc.PitchStats.Min != 80 || nc.PitchStats.Max != 400 {
		t.Errorf("PitchStats = %v; want [80 400]", nc.PitchStats)
	}

	if nc.EnergyStats != nil {
		t.Errorf("EnergyStats = %v; want nil", nc.EnergyStats)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad stats", func(c *Config) { c.Model.PitchStats = "5" }},
		{"inverted stats", func(c *Config) { c.Model.EnergyStats = "2,1" }},
		{"zero depth", func(c *Config) { c.Model.Depth = 0 }},
		{"even decoder kernel", func(c *Config) { c.Model.DecoderKernelSize = 4 }},
		{"even encoder kernel", func(c *Config) { c.Model.KernelSize = 4 }},
		{"negative workers", func(c *Config) { c.Runtime.Workers = -1 }},
		{"negative frames", func(c *Config) { c.Synth.MaxFrames = -1 }},
		{"zero duration scale", func(c *Config) { c.Synth.DurationScale = 0 }},
		{"log format", func(c *Config) { c.LogFormat = "xml" }},
		{"negative server workers", func(c *Config) { c.Server.Workers = -1 }},
		{"zero max phonemes", func(c *Config) { c.Server.MaxPhonemes = 0 }},
		{"negative server max frames", func(c *Config) { c.Server.MaxFrames = -1 }},
		{"zero request timeout", func(c *Config) { c.Server.RequestTimeout = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)

			if err := cfg.Validate(); err == nil {
				t.Errorf("Validate() = nil; want error")
			}
		})
	}
}

func TestForwardOptions(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Synth.MaxFrames = 300
	cfg.Synth.PitchControl = 1.2

	opts, err := cfg.ForwardOptions()
	if err != nil {
		t.Fatalf("ForwardOptions() error = %v", err)
	}

	if opts.MaxFrames != 300 || opts.PitchControl != float32(1.2) || opts.DurationScale != 1 {
		t.Errorf("ForwardOptions() = %+v", opts)
	}
}

func TestPathsStoreOptions(t *testing.T) {
	if opts := (PathsConfig{}).StoreOptions(); opts.KeyMapper != nil {
		t.Error("empty prefix should keep checkpoint keys unchanged")
	}

	opts := PathsConfig{WeightsPrefix: "model."}.StoreOptions()
	if opts.KeyMapper == nil {
		t.Fatal("KeyMapper = nil; want prefix mapper")
	}

	if got, keep := opts.KeyMapper("model.encoder.embed"); !keep || got != "encoder.embed" {
		t.Errorf("KeyMapper(model.encoder.embed) = %q, %v", got, keep)
	}

	if _, keep := opts.KeyMapper("optimizer.step"); keep {
		t.Error("keys without the prefix should be dropped")
	}
}
