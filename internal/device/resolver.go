// Package device enumerates platform audio inputs and decides which index to
// record from. Enumeration shells out to the capture tool's device-listing
// mode and parses its text output; the parsing is deliberately tolerant
// because the listing format varies between tool versions.
package device

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"time"
)

// ErrNotFound indicates a required device is absent from the enumeration.
var ErrNotFound = errors.New("audio device not found")

// Input is one enumerated capture device.
type Input struct {
	Index int
	Name  string
}

// Map is the result of device resolution.
type Map struct {
	LoopbackIndex int            `json:"loopback_index"`
	MicIndex      int            `json:"mic_index"`
	DeviceNames   map[int]string `json:"device_names"`
}

// preferredMicLabels are tried in order when neither the system default nor a
// configured hint selects a microphone.
var preferredMicLabels = []string{
	"MacBook Pro Microphone",
	"Built-in Microphone",
	"Internal Microphone",
	"Microphone",
}

const profilerTimeout = 6 * time.Second

// Resolver enumerates avfoundation inputs and picks loopback and mic indices.
type Resolver struct {
	FFmpegPath   string
	ProfilerPath string

	// listText and profilerText are swapped out in tests.
	listText     func(ctx context.Context) string
	profilerText func(ctx context.Context) string
}

func NewResolver(ffmpegPath, profilerPath string) *Resolver {
	r := &Resolver{FFmpegPath: ffmpegPath, ProfilerPath: profilerPath}
	r.listText = r.runListDevices
	r.profilerText = r.runProfiler
	return r
}

// runListDevices invokes the capture tool's device-listing mode. The listing
// goes to stderr; stdout and stderr are combined so parsing stays resilient.
func (r *Resolver) runListDevices(ctx context.Context) string {
	cmd := exec.CommandContext(ctx, r.FFmpegPath,
		"-f", "avfoundation", "-list_devices", "true", "-i", "")
	out, err := cmd.CombinedOutput()
	if err != nil && len(out) == 0 {
		slog.Error("failed to enumerate avfoundation devices", "error", err)
		return ""
	}
	// ffmpeg exits non-zero after listing; the output is still usable.
	return string(out)
}

func (r *Resolver) runProfiler(ctx context.Context) string {
	ctx, cancel := context.WithTimeout(ctx, profilerTimeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, r.ProfilerPath, "SPAudioDataType")
	out, err := cmd.CombinedOutput()
	if err != nil && len(out) == 0 {
		slog.Debug("system profiler query failed", "error", err)
		return ""
	}
	return string(out)
}

// EnumerateInputs returns the ordered (index, name) pairs reported by the
// capture tool.
func (r *Resolver) EnumerateInputs(ctx context.Context) ([]Input, error) {
	inputs := parseInputs(r.listText(ctx))
	if len(inputs) == 0 {
		return nil, fmt.Errorf("%w: no audio inputs enumerated", ErrNotFound)
	}
	return inputs, nil
}

// parseInputs extracts (index, name) pairs from device-listing text.
// Handles both "[prefix] [N] Name" and bare "[N] Name" line shapes.
func parseInputs(text string) []Input {
	byIndex := map[int]string{}
	inSection := false
	for _, raw := range strings.Split(text, "\n") {
		ln := strings.TrimSpace(raw)
		if ln == "" {
			continue
		}
		if strings.Contains(ln, "AVFoundation input device") ||
			strings.Contains(ln, "AVFoundation audio devices") ||
			strings.Contains(ln, "Input Devices") {
			inSection = true
		}
		if !inSection {
			continue
		}
		if idx, name, ok := parseInputLine(ln); ok {
			byIndex[idx] = name
		}
	}

	indices := make([]int, 0, len(byIndex))
	for i := range byIndex {
		indices = append(indices, i)
	}
	sort.Ints(indices)

	inputs := make([]Input, 0, len(indices))
	for _, i := range indices {
		inputs = append(inputs, Input{Index: i, Name: byIndex[i]})
	}
	return inputs
}

func parseInputLine(ln string) (int, string, bool) {
	// Typical: [AVFoundation input device @ 0x...] [0] Built-in Microphone
	if i := strings.Index(ln, "] ["); i >= 0 {
		after := ln[i+len("] ["):]
		if j := strings.Index(after, "]"); j > 0 {
			if idx, err := strconv.Atoi(strings.TrimSpace(after[:j])); err == nil {
				name := strings.TrimSpace(after[j+1:])
				if name != "" {
					return idx, name, true
				}
			}
		}
	}
	// Fallback: [0] Built-in Microphone
	if strings.HasPrefix(ln, "[") {
		if j := strings.Index(ln, "]"); j > 1 {
			if idx, err := strconv.Atoi(strings.TrimSpace(ln[1:j])); err == nil {
				name := strings.TrimSpace(ln[j+1:])
				if name != "" {
					return idx, name, true
				}
			}
		}
	}
	return 0, "", false
}

// DefaultInputName returns the platform's reported default input device name,
// or "" when it cannot be determined.
func (r *Resolver) DefaultInputName(ctx context.Context) string {
	return defaultInputName(r.profilerText(ctx))
}

// defaultInputName scans profiler output for the section whose
// "Default Input Device" flag is set, tracking the nearest section header.
func defaultInputName(text string) string {
	if text == "" {
		return ""
	}
	current := ""
	for _, raw := range strings.Split(text, "\n") {
		line := strings.TrimSpace(raw)
		if line != "" && !strings.Contains(line, ":") {
			current = line
		}
		if strings.HasPrefix(strings.ToLower(line), "default input device:") {
			val := strings.ToLower(strings.TrimSpace(line[strings.Index(line, ":")+1:]))
			if val == "yes" || val == "true" {
				return strings.TrimSuffix(current, ":")
			}
		}
	}
	return ""
}

// Resolve picks the loopback and microphone indices.
//
// The loopback device is the first input whose name contains loopbackHint
// case-insensitively; resolution fails when none matches. The microphone is
// chosen by the first rule that produces a candidate: the platform default
// input name, the configured micHint, a preference list of common built-in
// labels, the lowest remaining candidate index, and finally index 0.
func (r *Resolver) Resolve(ctx context.Context, loopbackHint string, ignorePatterns []string, micHint string) (*Map, error) {
	inputs, err := r.EnumerateInputs(ctx)
	if err != nil {
		return nil, err
	}

	names := make(map[int]string, len(inputs))
	for _, in := range inputs {
		names[in.Index] = in.Name
	}

	loopbackIdx := -1
	for _, in := range inputs {
		if strings.Contains(strings.ToLower(in.Name), strings.ToLower(loopbackHint)) {
			loopbackIdx = in.Index
			break
		}
	}
	if loopbackIdx < 0 {
		return nil, fmt.Errorf("%w: loopback device %q not present in enumerated inputs", ErrNotFound, loopbackHint)
	}

	candidates := make([]Input, 0, len(inputs))
	for _, in := range inputs {
		if in.Index == loopbackIdx || ignored(in.Name, ignorePatterns) {
			continue
		}
		candidates = append(candidates, in)
	}

	micIdx := -1

	// 1) platform default input, matched by substring either direction
	if def := r.DefaultInputName(ctx); def != "" {
		lowDef := strings.ToLower(def)
		for _, in := range candidates {
			lowName := strings.ToLower(in.Name)
			if strings.Contains(lowName, lowDef) || strings.Contains(lowDef, lowName) {
				micIdx = in.Index
				break
			}
		}
	}

	// 2) explicit configured hint
	if micIdx < 0 && micHint != "" {
		lowHint := strings.ToLower(micHint)
		for _, in := range candidates {
			if strings.Contains(strings.ToLower(in.Name), lowHint) {
				micIdx = in.Index
				break
			}
		}
	}

	// 3) common built-in labels
	if micIdx < 0 {
		for _, label := range preferredMicLabels {
			for _, in := range candidates {
				if strings.Contains(strings.ToLower(in.Name), strings.ToLower(label)) {
					micIdx = in.Index
					break
				}
			}
			if micIdx >= 0 {
				break
			}
		}
	}

	// 4) lowest remaining candidate; 5) absolute fallback
	if micIdx < 0 && len(candidates) > 0 {
		micIdx = candidates[0].Index
	}
	if micIdx < 0 {
		micIdx = 0
	}

	slog.Debug("resolved audio inputs",
		"devices", names, "ignored", ignorePatterns,
		"loopback_index", loopbackIdx, "mic_index", micIdx, "mic_name", names[micIdx])

	return &Map{
		LoopbackIndex: loopbackIdx,
		MicIndex:      micIdx,
		DeviceNames:   names,
	}, nil
}

func ignored(name string, patterns []string) bool {
	low := strings.ToLower(name)
	for _, p := range patterns {
		if p != "" && strings.Contains(low, p) {
			return true
		}
	}
	return false
}
