package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 48000, cfg.Audio.SampleRate)
	assert.Equal(t, "wav", cfg.Audio.Format)
	assert.Equal(t, "BlackHole", cfg.Recording.LoopbackDeviceName)
	assert.Equal(t, -1, cfg.Recording.MicIndex)
	assert.Equal(t, -1, cfg.Recording.LoopbackIndex)
	assert.Equal(t, MixPolicyAudible, cfg.Recording.MixPolicy)
	assert.False(t, cfg.Recording.UseLiveMix)
	assert.Equal(t, 8715, cfg.Server.Port)
	assert.Equal(t, "ffmpeg", cfg.Tools.FFmpeg)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "meetscribe.yaml")
	content := `
workspace: /tmp/scribe
audio:
  sample_rate: 44100
  format: flac
recording:
  loopback_device_name: "Loopback Audio"
  ignore_inputs: "iPhone, Teams Audio"
  mix_policy: separation
server:
  port: 9000
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/tmp/scribe", cfg.Workspace)
	assert.Equal(t, 44100, cfg.Audio.SampleRate)
	assert.Equal(t, "flac", cfg.Audio.Format)
	assert.Equal(t, "Loopback Audio", cfg.Recording.LoopbackDeviceName)
	assert.Equal(t, MixPolicySeparation, cfg.Recording.MixPolicy)
	assert.Equal(t, 9000, cfg.Server.Port)
	// Defaults survive partial files.
	assert.Equal(t, 5.0, cfg.Recording.StopGraceSeconds)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 48000, cfg.Audio.SampleRate)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty workspace", func(c *Config) { c.Workspace = "" }},
		{"zero sample rate", func(c *Config) { c.Audio.SampleRate = 0 }},
		{"unknown format", func(c *Config) { c.Audio.Format = "aiff" }},
		{"unknown mix policy", func(c *Config) { c.Recording.MixPolicy = "loud" }},
		{"zero grace timeout", func(c *Config) { c.Recording.StopGraceSeconds = 0 }},
		{"port out of range", func(c *Config) { c.Server.Port = 70000 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := defaultConfig()
			tc.mutate(&c)
			assert.Error(t, c.Validate())
		})
	}
}

func TestIgnorePatterns(t *testing.T) {
	c := defaultConfig()
	c.Recording.IgnoreInputs = " iPhone ,, Teams Audio "
	assert.Equal(t, []string{"iphone", "teams audio"}, c.IgnorePatterns())

	c.Recording.IgnoreInputs = ""
	assert.Empty(t, c.IgnorePatterns())
}

func TestStopDurations(t *testing.T) {
	c := defaultConfig()
	c.Recording.StopGraceSeconds = 5.0
	c.Recording.StopForceSeconds = 2.5
	assert.Equal(t, 5*time.Second, c.StopGrace())
	assert.Equal(t, 2500*time.Millisecond, c.StopForce())
}

func TestWorkspacePaths(t *testing.T) {
	c := defaultConfig()
	c.Workspace = "/var/lib/meetscribe"
	assert.Equal(t, "/var/lib/meetscribe/recordings", c.RecordingsDir())
	assert.Equal(t, "/var/lib/meetscribe/processing", c.ProcessingDir())
	assert.Equal(t, "/var/lib/meetscribe/recording_state.json", c.StateFile())
}

func TestWriteDefaultRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "meetscribe.yaml")
	require.NoError(t, WriteDefault(path))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 48000, cfg.Audio.SampleRate)

	assert.Error(t, WriteDefault(path), "refuses to overwrite")
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("MEETSCRIBE_AUDIO_SAMPLE_RATE", "16000")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 16000, cfg.Audio.SampleRate)
}
