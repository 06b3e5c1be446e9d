package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/example/go-phoneme2mel/internal/native"
	"github.com/example/go-phoneme2mel/internal/safetensors"
)

type Config struct {
	Model     ModelConfig   `mapstructure:"model"`
	Paths     PathsConfig   `mapstructure:"paths"`
	Runtime   RuntimeConfig `mapstructure:"runtime"`
	Synth     SynthConfig   `mapstructure:"synth"`
	Server    ServerConfig  `mapstructure:"server"`
	LogLevel  string        `mapstructure:"log_level"`
	LogFormat string        `mapstructure:"log_format"`
}

// ModelConfig is the construction-time shape of the network. Stats are
// "min,max" strings; empty disables that bucket embedding unless the weights
// file carries them.
type ModelConfig struct {
	Depth             int    `mapstructure:"depth"`
	EmbedDim          int    `mapstructure:"embed_dim"`
	Reduction         int    `mapstructure:"reduction"`
	Heads             int    `mapstructure:"heads"`
	KernelSize        int    `mapstructure:"kernel_size"`
	Expansion         int    `mapstructure:"expansion"`
	VocabSize         int    `mapstructure:"vocab_size"`
	NMelChannels      int    `mapstructure:"n_mel_channels"`
	DecoderDepth      int    `mapstructure:"decoder_depth"`
	DecoderKernelSize int    `mapstructure:"decoder_kernel_size"`
	PitchStats        string `mapstructure:"pitch_stats"`
	EnergyStats       string `mapstructure:"energy_stats"`
}

type PathsConfig struct {
	WeightsPath string `mapstructure:"weights_path"`
	// WeightsPrefix is stripped from checkpoint keys; keys without it are
	// ignored.
	WeightsPrefix string `mapstructure:"weights_prefix"`
	Seed          int64  `mapstructure:"seed"`
}

// StoreOptions maps the path settings onto the checkpoint reader.
func (p PathsConfig) StoreOptions() safetensors.StoreOptions {
	return safetensors.StoreOptions{KeyMapper: safetensors.StripPrefix(p.WeightsPrefix)}
}

type RuntimeConfig struct {
	Workers     int `mapstructure:"workers"`
	ConvWorkers int `mapstructure:"conv_workers"`
}

type SynthConfig struct {
	MaxFrames     int     `mapstructure:"max_frames"`
	DurationScale float64 `mapstructure:"duration_scale"`
	PitchControl  float64 `mapstructure:"pitch_control"`
	EnergyControl float64 `mapstructure:"energy_control"`
	MaskFrames    bool    `mapstructure:"mask_frames"`
}

type ServerConfig struct {
	ListenAddr     string `mapstructure:"listen_addr"`
	Workers        int    `mapstructure:"workers"`
	MaxPhonemes    int    `mapstructure:"max_phonemes"`
	MaxFrames      int    `mapstructure:"max_frames"`
	RequestTimeout int    `mapstructure:"request_timeout"`
}

type LoadOptions struct {
	Cmd        flagBinder
	ConfigFile string
	Defaults   Config
}

type flagBinder interface {
	Flags() *pflag.FlagSet
}

func DefaultConfig() Config {
	m := native.DefaultConfig()

	return Config{
		Model: ModelConfig{
			Depth:             int(m.Encoder.Depth),
			EmbedDim:          int(m.Encoder.EmbedDim),
			Reduction:         int(m.Encoder.Reduction),
			Heads:             int(m.Encoder.Heads),
			KernelSize:        int(m.Encoder.KernelSize),
			Expansion:         int(m.Encoder.Expansion),
			VocabSize:         int(m.Encoder.VocabSize),
			NMelChannels:      int(m.NMelChannels),
			DecoderDepth:      int(m.DecoderDepth),
			DecoderKernelSize: int(m.DecoderKernelSize),
		},
		Paths: PathsConfig{
			Seed: 1,
		},
		Synth: SynthConfig{
			DurationScale: 1,
			PitchControl:  1,
			EnergyControl: 1,
		},
		Server: ServerConfig{
			ListenAddr:     "127.0.0.1:8080",
			Workers:        2,
			MaxPhonemes:    4096,
			MaxFrames:      16384,
			RequestTimeout: 60,
		},
		LogLevel:  "info",
		LogFormat: LogFormatJSON,
	}
}

// keyFlags maps every config key to its command-line flag.
var keyFlags = []struct{ key, flag string }{
	{"model.depth", "model-depth"},
	{"model.embed_dim", "model-embed-dim"},
	{"model.reduction", "model-reduction"},
	{"model.heads", "model-heads"},
	{"model.kernel_size", "model-kernel-size"},
	{"model.expansion", "model-expansion"},
	{"model.vocab_size", "model-vocab-size"},
	{"model.n_mel_channels", "model-n-mel-channels"},
	{"model.decoder_depth", "model-decoder-depth"},
	{"model.decoder_kernel_size", "model-decoder-kernel-size"},
	{"model.pitch_stats", "model-pitch-stats"},
	{"model.energy_stats", "model-energy-stats"},
	{"paths.weights_path", "weights"},
	{"paths.weights_prefix", "weights-prefix"},
	{"paths.seed", "seed"},
	{"runtime.workers", "workers"},
	{"runtime.conv_workers", "conv-workers"},
	{"synth.max_frames", "max-frames"},
	{"synth.duration_scale", "duration-scale"},
	{"synth.pitch_control", "pitch-control"},
	{"synth.energy_control", "energy-control"},
	{"synth.mask_frames", "mask-frames"},
	{"server.listen_addr", "listen"},
	{"server.workers", "server-workers"},
	{"server.max_phonemes", "max-phonemes"},
	{"server.max_frames", "server-max-frames"},
	{"server.request_timeout", "request-timeout"},
	{"log_level", "log-level"},
	{"log_format", "log-format"},
}

func RegisterFlags(fs *pflag.FlagSet, defaults Config) {
	m := defaults.Model
	fs.Int("model-depth", m.Depth, "Number of encoder resolution stages")
	fs.Int("model-embed-dim", m.EmbedDim, "Phoneme embedding width")
	fs.Int("model-reduction", m.Reduction, "Channel reduction of the first stage")
	fs.Int("model-heads", m.Heads, "Attention heads of the first stage")
	fs.Int("model-kernel-size", m.KernelSize, "Encoder and fuse kernel size (odd)")
	fs.Int("model-expansion", m.Expansion, "Mix-FFN expansion factor")
	fs.Int("model-vocab-size", m.VocabSize, "Phoneme vocabulary size including the pad id")
	fs.Int("model-n-mel-channels", m.NMelChannels, "Mel channels of the output")
	fs.Int("model-decoder-depth", m.DecoderDepth, "Layers per mel decoder stack")
	fs.Int("model-decoder-kernel-size", m.DecoderKernelSize, "Mel decoder kernel size (odd)")
	fs.String("model-pitch-stats", m.PitchStats, "Pitch range as min,max")
	fs.String("model-energy-stats", m.EnergyStats, "Energy range as min,max")
	fs.String("weights", defaults.Paths.WeightsPath, "Safetensors weights (empty = random init)")
	fs.String("weights-prefix", defaults.Paths.WeightsPrefix, "Key prefix to strip from the weights file")
	fs.Int64("seed", defaults.Paths.Seed, "Seed of the random init")
	fs.Int("workers", defaults.Runtime.Workers, "Tensor kernel workers (0 = physical cores)")
	fs.Int("conv-workers", defaults.Runtime.ConvWorkers, "Convolution workers (0 = physical cores)")
	fs.Int("max-frames", defaults.Synth.MaxFrames, "Frame budget at inference (0 = longest prediction)")
	fs.Float64("duration-scale", defaults.Synth.DurationScale, "Multiplier on predicted durations")
	fs.Float64("pitch-control", defaults.Synth.PitchControl, "Multiplier on predicted pitch")
	fs.Float64("energy-control", defaults.Synth.EnergyControl, "Multiplier on predicted energy")
	fs.Bool("mask-frames", defaults.Synth.MaskFrames, "Zero mel frames past each realized length")
	fs.String("listen", defaults.Server.ListenAddr, "HTTP listen address")
	fs.Int("server-workers", defaults.Server.Workers, "Concurrent forward passes served (0 = unlimited)")
	fs.Int("max-phonemes", defaults.Server.MaxPhonemes, "Largest accepted request in phoneme ids")
	fs.Int("server-max-frames", defaults.Server.MaxFrames, "Largest predicted element served in mel frames (0 = unlimited)")
	fs.Int("request-timeout", defaults.Server.RequestTimeout, "Per-request timeout in seconds")
	fs.String("log-level", defaults.LogLevel, "Log level (debug|info|warn|error)")
	fs.String("log-format", defaults.LogFormat, "Log format (json|text)")
}

// Load resolves the configuration with precedence flags > env > file >
// defaults. Env keys use the PHONEME2MEL_ prefix, e.g. PHONEME2MEL_MODEL_DEPTH.
func Load(opts LoadOptions) (Config, error) {
	v := viper.New()

	setDefaults(v, opts.Defaults)

	if opts.Cmd != nil {
		fs := opts.Cmd.Flags()
		for _, kf := range keyFlags {
			f := fs.Lookup(kf.flag)
			if f == nil {
				continue
			}

			if err := v.BindPFlag(kf.key, f); err != nil {
				return Config{}, fmt.Errorf("bind flag %s: %w", kf.flag, err)
			}
		}
	}

	v.SetEnvPrefix("PHONEME2MEL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)

		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	} else {
		v.SetConfigName("phoneme2mel")
		v.AddConfigPath(".")

		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper, c Config) {
	m := c.Model
	v.SetDefault("model.depth", m.Depth)
	v.SetDefault("model.embed_dim", m.EmbedDim)
	v.SetDefault("model.reduction", m.Reduction)
	v.SetDefault("model.heads", m.Heads)
	v.SetDefault("model.kernel_size", m.KernelSize)
	v.SetDefault("model.expansion", m.Expansion)
	v.SetDefault("model.vocab_size", m.VocabSize)
	v.SetDefault("model.n_mel_channels", m.NMelChannels)
	v.SetDefault("model.decoder_depth", m.DecoderDepth)
	v.SetDefault("model.decoder_kernel_size", m.DecoderKernelSize)
	v.SetDefault("model.pitch_stats", m.PitchStats)
	v.SetDefault("model.energy_stats", m.EnergyStats)
	v.SetDefault("paths.weights_path", c.Paths.WeightsPath)
	v.SetDefault("paths.weights_prefix", c.Paths.WeightsPrefix)
	v.SetDefault("paths.seed", c.Paths.Seed)
	v.SetDefault("runtime.workers", c.Runtime.Workers)
	v.SetDefault("runtime.conv_workers", c.Runtime.ConvWorkers)
	v.SetDefault("synth.max_frames", c.Synth.MaxFrames)
	v.SetDefault("synth.duration_scale", c.Synth.DurationScale)
	v.SetDefault("synth.pitch_control", c.Synth.PitchControl)
	v.SetDefault("synth.energy_control", c.Synth.EnergyControl)
	v.SetDefault("synth.mask_frames", c.Synth.MaskFrames)
	v.SetDefault("server.listen_addr", c.Server.ListenAddr)
	v.SetDefault("server.workers", c.Server.Workers)
	v.SetDefault("server.max_phonemes", c.Server.MaxPhonemes)
	v.SetDefault("server.max_frames", c.Server.MaxFrames)
	v.SetDefault("server.request_timeout", c.Server.RequestTimeout)
	v.SetDefault("log_level", c.LogLevel)
	v.SetDefault("log_format", c.LogFormat)
}

// Validate checks the settings that do not need the network to be built.
func (c Config) Validate() error {
	if _, err := c.NativeConfig(); err != nil {
		return err
	}

	if _, err := NormalizeLogFormat(c.LogFormat); err != nil {
		return err
	}

	if c.Runtime.Workers < 0 || c.Runtime.ConvWorkers < 0 {
		return fmt.Errorf("worker counts must be >= 0, got workers=%d conv_workers=%d", c.Runtime.Workers, c.Runtime.ConvWorkers)
	}

	if _, err := c.ForwardOptions(); err != nil {
		return err
	}

	if c.Server.Workers < 0 || c.Server.MaxPhonemes < 1 || c.Server.RequestTimeout < 1 {
		return fmt.Errorf("server: workers must be >= 0, max_phonemes and request_timeout >= 1, got %d/%d/%d",
			c.Server.Workers, c.Server.MaxPhonemes, c.Server.RequestTimeout)
	}

	if c.Server.MaxFrames < 0 {
		return fmt.Errorf("server: max_frames must be >= 0, got %d", c.Server.MaxFrames)
	}

	return nil
}

// NativeConfig maps the model section onto the network configuration.
func (c Config) NativeConfig() (native.Config, error) {
	m := c.Model
	out := native.Config{
		Encoder: native.EncoderConfig{
			Depth:      int64(m.Depth),
			EmbedDim:   int64(m.EmbedDim),
			Reduction:  int64(m.Reduction),
			Heads:      int64(m.Heads),
			KernelSize: int64(m.KernelSize),
			Expansion:  int64(m.Expansion),
			VocabSize:  int64(m.VocabSize),
		},
		NMelChannels:      int64(m.NMelChannels),
		DecoderDepth:      int64(m.DecoderDepth),
		DecoderKernelSize: int64(m.DecoderKernelSize),
	}

	var err error

	if out.PitchStats, err = native.ParseValueStats(m.PitchStats); err != nil {
		return native.Config{}, fmt.Errorf("model.pitch_stats: %w", err)
	}

	if out.EnergyStats, err = native.ParseValueStats(m.EnergyStats); err != nil {
		return native.Config{}, fmt.Errorf("model.energy_stats: %w", err)
	}

	if err := out.Validate(); err != nil {
		return native.Config{}, err
	}

	return out, nil
}

// ForwardOptions maps the synth section onto per-call inference options.
func (c Config) ForwardOptions() (native.ForwardOptions, error) {
	s := c.Synth
	if s.MaxFrames < 0 {
		return native.ForwardOptions{}, fmt.Errorf("synth.max_frames must be >= 0, got %d", s.MaxFrames)
	}

	for name, v := range map[string]float64{
		"synth.duration_scale": s.DurationScale,
		"synth.pitch_control":  s.PitchControl,
		"synth.energy_control": s.EnergyControl,
	} {
		if v <= 0 {
			return native.ForwardOptions{}, fmt.Errorf("%s must be > 0, got %v", name, v)
		}
	}

	return native.ForwardOptions{
		MaxFrames:     s.MaxFrames,
		MaskFrames:    s.MaskFrames,
		DurationScale: float32(s.DurationScale),
		PitchControl:  float32(s.PitchControl),
		EnergyControl: float32(s.EnergyControl),
	}, nil
}
