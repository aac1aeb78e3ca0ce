package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config holds the resolved runtime configuration for the capture service.
type Config struct {
	Workspace string          `mapstructure:"workspace" yaml:"workspace"`
	Server    ServerConfig    `mapstructure:"server" yaml:"server"`
	Audio     AudioConfig     `mapstructure:"audio" yaml:"audio"`
	Recording RecordingConfig `mapstructure:"recording" yaml:"recording"`
	Tools     ToolsConfig     `mapstructure:"tools" yaml:"tools"`
}

type ServerConfig struct {
	Host string `mapstructure:"host" yaml:"host"`
	Port int    `mapstructure:"port" yaml:"port"`
}

type AudioConfig struct {
	SampleRate int    `mapstructure:"sample_rate" yaml:"sample_rate"`
	Format     string `mapstructure:"format" yaml:"format"`
}

type RecordingConfig struct {
	// LoopbackDeviceName is matched case-insensitively against enumerated
	// input names to find the system-audio capture device.
	LoopbackDeviceName string `mapstructure:"loopback_device_name" yaml:"loopback_device_name"`

	// IgnoreInputs is a comma-separated list of name fragments; matching
	// inputs are never selected as the microphone.
	IgnoreInputs string `mapstructure:"ignore_inputs" yaml:"ignore_inputs"`

	// MicNameHint biases microphone selection toward a matching input name.
	MicNameHint string `mapstructure:"mic_name_hint" yaml:"mic_name_hint"`

	// MicIndex and LoopbackIndex, when >= 0, bypass device resolution.
	MicIndex      int `mapstructure:"mic_index" yaml:"mic_index"`
	LoopbackIndex int `mapstructure:"loopback_index" yaml:"loopback_index"`

	// MixPolicy is "audible_mix" or "separation".
	MixPolicy  string `mapstructure:"mix_policy" yaml:"mix_policy"`
	UseLiveMix bool   `mapstructure:"use_live_mix" yaml:"use_live_mix"`

	StopGraceSeconds float64 `mapstructure:"stop_grace_seconds" yaml:"stop_grace_seconds"`
	StopForceSeconds float64 `mapstructure:"stop_force_seconds" yaml:"stop_force_seconds"`
}

type ToolsConfig struct {
	FFmpeg         string `mapstructure:"ffmpeg" yaml:"ffmpeg"`
	FFprobe        string `mapstructure:"ffprobe" yaml:"ffprobe"`
	SystemProfiler string `mapstructure:"system_profiler" yaml:"system_profiler"`
}

const (
	MixPolicyAudible    = "audible_mix"
	MixPolicySeparation = "separation"
)

func defaultConfig() Config {
	return Config{
		Workspace: filepath.Join(os.Getenv("HOME"), ".meetscribe"),
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 8715,
		},
		Audio: AudioConfig{
			SampleRate: 48000,
			Format:     "wav",
		},
		Recording: RecordingConfig{
			LoopbackDeviceName: "BlackHole",
			MicIndex:           -1,
			LoopbackIndex:      -1,
			MixPolicy:          MixPolicyAudible,
			UseLiveMix:         false,
			StopGraceSeconds:   5.0,
			StopForceSeconds:   2.0,
		},
		Tools: ToolsConfig{
			FFmpeg:         "ffmpeg",
			FFprobe:        "ffprobe",
			SystemProfiler: "system_profiler",
		},
	}
}

// Load reads the config file at path (optional; defaults apply when missing)
// and applies MEETSCRIBE_* environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	def := defaultConfig()

	v.SetDefault("workspace", def.Workspace)
	v.SetDefault("server.host", def.Server.Host)
	v.SetDefault("server.port", def.Server.Port)
	v.SetDefault("audio.sample_rate", def.Audio.SampleRate)
	v.SetDefault("audio.format", def.Audio.Format)
	v.SetDefault("recording.loopback_device_name", def.Recording.LoopbackDeviceName)
	v.SetDefault("recording.ignore_inputs", def.Recording.IgnoreInputs)
	v.SetDefault("recording.mic_name_hint", def.Recording.MicNameHint)
	v.SetDefault("recording.mic_index", def.Recording.MicIndex)
	v.SetDefault("recording.loopback_index", def.Recording.LoopbackIndex)
	v.SetDefault("recording.mix_policy", def.Recording.MixPolicy)
	v.SetDefault("recording.use_live_mix", def.Recording.UseLiveMix)
	v.SetDefault("recording.stop_grace_seconds", def.Recording.StopGraceSeconds)
	v.SetDefault("recording.stop_force_seconds", def.Recording.StopForceSeconds)
	v.SetDefault("tools.ffmpeg", def.Tools.FFmpeg)
	v.SetDefault("tools.ffprobe", def.Tools.FFprobe)
	v.SetDefault("tools.system_profiler", def.Tools.SystemProfiler)

	v.SetEnvPrefix("MEETSCRIBE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks value ranges and enumerations.
func (c *Config) Validate() error {
	if c.Workspace == "" {
		return fmt.Errorf("workspace directory must be set")
	}
	if c.Audio.SampleRate <= 0 {
		return fmt.Errorf("audio.sample_rate must be positive, got %d", c.Audio.SampleRate)
	}
	switch c.Audio.Format {
	case "wav", "flac", "m4a", "ogg", "mp3":
	default:
		return fmt.Errorf("audio.format %q is not supported", c.Audio.Format)
	}
	switch c.Recording.MixPolicy {
	case MixPolicyAudible, MixPolicySeparation:
	default:
		return fmt.Errorf("recording.mix_policy must be %q or %q, got %q",
			MixPolicyAudible, MixPolicySeparation, c.Recording.MixPolicy)
	}
	if c.Recording.StopGraceSeconds <= 0 || c.Recording.StopForceSeconds <= 0 {
		return fmt.Errorf("recording stop timeouts must be positive")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	return nil
}

// RecordingsDir is the root directory for per-session output directories.
func (c *Config) RecordingsDir() string {
	return filepath.Join(c.Workspace, "recordings")
}

// ProcessingDir holds downstream processing task records.
func (c *Config) ProcessingDir() string {
	return filepath.Join(c.Workspace, "processing")
}

// StateFile is the durable recording state document.
func (c *Config) StateFile() string {
	return filepath.Join(c.Workspace, "recording_state.json")
}

// IgnorePatterns splits the configured ignore list into lowercase tokens.
func (c *Config) IgnorePatterns() []string {
	var out []string
	for _, tok := range strings.Split(c.Recording.IgnoreInputs, ",") {
		tok = strings.ToLower(strings.TrimSpace(tok))
		if tok != "" {
			out = append(out, tok)
		}
	}
	return out
}

// StopGrace returns the graceful-shutdown wait as a duration.
func (c *Config) StopGrace() time.Duration {
	return time.Duration(c.Recording.StopGraceSeconds * float64(time.Second))
}

// StopForce returns the forced-shutdown wait as a duration.
func (c *Config) StopForce() time.Duration {
	return time.Duration(c.Recording.StopForceSeconds * float64(time.Second))
}

// WriteDefault writes a starter config file with the built-in defaults.
// Refuses to overwrite an existing file.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists: %s", path)
	}
	def := defaultConfig()
	data, err := yaml.Marshal(&def)
	if err != nil {
		return fmt.Errorf("failed to serialize default config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// DefaultPath returns the default config file location.
func DefaultPath() string {
	return os.ExpandEnv("$HOME/.config/meetscribe.yaml")
}
