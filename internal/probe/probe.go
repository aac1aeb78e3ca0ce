// Package probe extracts audio metadata from recorded files via ffprobe.
package probe

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
)

// Metadata describes a single recorded artifact. Pointer fields are nil when
// the probe could not determine the value; SizeBytes is filled from stat even
// when ffprobe fails, so a partially readable file still reports its size.
type Metadata struct {
	Path            string   `json:"path"`
	DurationSeconds *float64 `json:"duration_seconds"`
	SampleRate      *int     `json:"sample_rate"`
	Channels        *int     `json:"channels"`
	SizeBytes       *int64   `json:"size_bytes"`
}

// Prober runs ffprobe against artifact files.
type Prober struct {
	FFprobePath string

	// run is swapped out in tests.
	run func(ctx context.Context, name string, args ...string) ([]byte, error)
}

func New(ffprobePath string) *Prober {
	p := &Prober{FFprobePath: ffprobePath}
	p.run = func(ctx context.Context, name string, args ...string) ([]byte, error) {
		return exec.CommandContext(ctx, name, args...).Output()
	}
	return p
}

type ffprobeOutput struct {
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
	Streams []struct {
		CodecType  string `json:"codec_type"`
		SampleRate string `json:"sample_rate"`
		Channels   int    `json:"channels"`
	} `json:"streams"`
}

// Probe returns metadata for the file at path. Probe failures are logged and
// leave the corresponding fields nil; they never abort finalization.
func (p *Prober) Probe(ctx context.Context, path string) Metadata {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	meta := Metadata{Path: abs}

	if fi, err := os.Stat(path); err == nil {
		size := fi.Size()
		meta.SizeBytes = &size
	}

	out, err := p.run(ctx, p.FFprobePath,
		"-v", "quiet", "-print_format", "json", "-show_format", "-show_streams", path)
	if err != nil {
		slog.Warn("ffprobe failed", "path", path, "error", err)
		return meta
	}

	var parsed ffprobeOutput
	if err := json.Unmarshal(out, &parsed); err != nil {
		slog.Warn("ffprobe produced unparseable output", "path", path, "error", err)
		return meta
	}

	if parsed.Format.Duration != "" {
		if d, err := strconv.ParseFloat(parsed.Format.Duration, 64); err == nil {
			meta.DurationSeconds = &d
		}
	}
	for _, s := range parsed.Streams {
		if s.CodecType != "audio" {
			continue
		}
		if s.SampleRate != "" {
			if sr, err := strconv.Atoi(s.SampleRate); err == nil {
				meta.SampleRate = &sr
			}
		}
		if s.Channels > 0 {
			ch := s.Channels
			meta.Channels = &ch
		}
		break
	}
	return meta
}

// Exists reports whether the artifact refers to a non-empty file on disk.
func (m *Metadata) Exists() bool {
	if m == nil || m.Path == "" {
		return false
	}
	fi, err := os.Stat(m.Path)
	if err != nil {
		return false
	}
	return fi.Size() > 0
}
